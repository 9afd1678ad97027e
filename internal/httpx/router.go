package httpx

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"

	"artpulse/internal/config"
	"artpulse/internal/httpx/mw"
	"artpulse/internal/presence"
	"artpulse/internal/redisx"
	"artpulse/internal/stats"
	"artpulse/internal/ws"
)

// Deps carries everything the routes need. Optional members may be nil.
type Deps struct {
	Cfg       *config.Config
	Stats     *stats.Service
	Broker    *presence.Broker
	Sessions  *session.Store
	RDB       *redisx.Client
	StartedAt time.Time
}

// Register mounts the HTTP surface and the realtime channel.
func Register(app *fiber.App, deps *Deps) {
	app.Get("/health", HealthHandler(deps.StartedAt))

	app.Post("/visit",
		mw.RateLimit(deps.RDB, deps.Cfg.Visit.RateWindowSec, deps.Cfg.Visit.RateMax),
		VisitHandler(deps.Stats, deps.Sessions),
	)
	app.Get("/stats/public", PublicStatsHandler(deps.Stats))
	app.Get("/stats/analytics",
		mw.RequireRole(deps.Cfg, "admin"),
		AnalyticsHandler(deps.Stats),
	)

	app.Use("/ws", ws.Upgrade())
	app.Get("/ws", ws.Handler(deps.Broker))
}
