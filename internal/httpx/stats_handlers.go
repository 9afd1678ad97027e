package httpx

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"

	"artpulse/internal/stats"
)

// sessionFlag adapts a Fiber session to the unique-visitor gate: set on the
// session's first tracked visit, never cleared while the session lives.
type sessionFlag struct {
	sess *session.Session
}

const visitCountedKey = "visit_counted"

func (f sessionFlag) Counted() bool {
	v, _ := f.sess.Get(visitCountedKey).(bool)
	return v
}

func (f sessionFlag) MarkCounted() {
	f.sess.Set(visitCountedKey, true)
}

// VisitHandler 记录一次页面访问并返回最新计数
//
//	@Summary	record a page visit
//	@Tags		stats
//	@Produce	json
//	@Router		/visit [post]
func VisitHandler(svc *stats.Service, sessions *session.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sess, err := sessions.Get(c)
		if err != nil {
			return InternalError("session unavailable", err.Error())
		}

		ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
		defer cancel()

		st, err := svc.RecordVisit(ctx, sessionFlag{sess}, stats.VisitMeta{
			UserAgent: c.Get("User-Agent"),
			RequestID: requestID(c),
		})
		if err != nil {
			return InternalError("record visit failed", err.Error())
		}
		// the visit is already persisted; losing the session flag only risks
		// recounting this visitor, which beats failing the recorded request
		if err := sess.Save(); err != nil {
			httpxLogger.Sugar().Warnf("session save failed: %v", err)
		}

		return OK(c, fiber.Map{
			"totalVisits":    st.TotalVisits,
			"dailyVisits":    st.DailyVisits,
			"uniqueVisitors": st.UniqueVisitors,
			"onlineUsers":    st.OnlineUsers,
		})
	}
}

// PublicStatsHandler serves the counters, flagged with whether the read
// cache answered.
func PublicStatsHandler(svc *stats.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
		defer cancel()

		st, cached, err := svc.GetStats(ctx)
		if err != nil {
			return InternalError("load stats failed", err.Error())
		}
		return OK(c, fiber.Map{
			"totalVisits":    st.TotalVisits,
			"dailyVisits":    st.DailyVisits,
			"uniqueVisitors": st.UniqueVisitors,
			"onlineUsers":    st.OnlineUsers,
			"lastVisitDate":  st.LastVisitDate,
			"cached":         cached,
		})
	}
}

// AnalyticsHandler is the privileged read: counters plus the computed
// average and engagement placeholders for the admin dashboard.
func AnalyticsHandler(svc *stats.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
		defer cancel()

		an, cached, err := svc.GetAnalytics(ctx)
		if err != nil {
			return InternalError("load analytics failed", err.Error())
		}
		return OK(c, fiber.Map{
			"totalVisits":         an.TotalVisits,
			"dailyVisits":         an.DailyVisits,
			"uniqueVisitors":      an.UniqueVisitors,
			"onlineUsers":         an.OnlineUsers,
			"lastVisitDate":       an.LastVisitDate,
			"averageVisitsPerDay": an.AverageVisitsPerDay,
			"cached":              cached,
			"engagement": fiber.Map{
				// placeholder values until real engagement tracking lands
				"averageSessionSeconds": 0,
				"bounceRate":            0,
			},
		})
	}
}
