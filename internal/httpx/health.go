package httpx

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"artpulse/pkg"
)

// HealthHandler 处理健康检查请求
//
//	@Summary	健康检查
//	@Tags		health
//	@Produce	json
//	@Router		/health [get]
func HealthHandler(startedAt time.Time) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return OK(c, fiber.Map{
			"status": "ok",
			"uptime": pkg.FormatUptime(time.Since(startedAt)),
		})
	}
}
