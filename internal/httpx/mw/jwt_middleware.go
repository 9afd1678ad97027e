// Package mw holds route-level middlewares: the bearer-token guard for
// privileged endpoints and the visit rate limiter.
package mw

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/samber/lo"

	"artpulse/internal/config"
	"artpulse/internal/apierr"
)

// Claims are the JWT claims this service understands.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// RequireRole verifies the Authorization bearer token (HS256) and checks the
// role claim. With no secret configured the route is unreachable rather than
// open.
func RequireRole(cfg *config.Config, role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.JWT.HSSecret == "" {
			return apierr.Unauthorized("analytics access not configured")
		}

		raw := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		const prefix = "Bearer "
		if !strings.HasPrefix(raw, prefix) {
			return apierr.Unauthorized("missing bearer token")
		}
		tokenStr := strings.TrimSpace(raw[len(prefix):])

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims,
			func(t *jwt.Token) (any, error) { return []byte(cfg.JWT.HSSecret), nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.JWT.Issuer),
		)
		if err != nil || !token.Valid {
			return apierr.Unauthorized("invalid token")
		}
		if !lo.Contains(claims.Roles, role) {
			return apierr.NewAPIError(fiber.StatusForbidden, "E_FORBIDDEN", "insufficient role", nil)
		}

		c.Locals("auth", claims)
		return c.Next()
	}
}
