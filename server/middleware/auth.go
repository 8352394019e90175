// Package middleware holds the echo middleware guarding the
// coordinator's operator-only surface (SPEC_FULL §3.4): config
// updates and mock fixtures are destructive/test-only and must not be
// reachable by the same anonymous audience as /coordinator/status.
package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// JWTGuard requires a valid "Bearer <token>" Authorization header,
// signed with secret using HS256. An empty secret disables the guard
// entirely (local/demo mode), matching the teacher's "Secret" field on
// APIV1Service being optional in dev.
func JWTGuard(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret == "" {
				return next(c)
			}

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			raw := strings.TrimPrefix(header, prefix)

			token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
				if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
					return nil, echo.NewHTTPError(http.StatusUnauthorized, "unexpected signing method")
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			return next(c)
		}
	}
}
