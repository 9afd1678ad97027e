package httpx

import (
	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"
)

func requestID(c *fiber.Ctx) string {
	rid := c.GetRespHeader("X-Request-ID")
	return lo.Ternary(rid != "", rid, c.Get("X-Request-ID"))
}

func envelope(status int, code, msg string, data any, c *fiber.Ctx) error {
	return c.Status(status).JSON(fiber.Map{
		"code":       code,
		"message":    msg,
		"data":       data,
		"request_id": requestID(c),
	})
}

func OK(c *fiber.Ctx, data any) error {
	return envelope(fiber.StatusOK, "OK", "success", data, c)
}

func Created(c *fiber.Ctx, data any) error {
	return envelope(fiber.StatusCreated, "OK", "success", data, c)
}
