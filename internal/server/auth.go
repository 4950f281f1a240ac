package server

import (
	"crypto/subtle"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"

	"copilotpool/internal/core"
)

// AuthMiddleware requires "Authorization: Bearer <masterKey>" on every path
// except skipPaths. An empty masterKey disables the check.
func AuthMiddleware(masterKey string, skipPaths []string) echo.MiddlewareFunc {
	want := []byte(masterKey)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if masterKey == "" || slices.Contains(skipPaths, c.Request().URL.Path) {
				return next(c)
			}

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" {
				return denied(c, "missing authorization header")
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				return denied(c, "invalid authorization header format, expected 'Bearer <token>'")
			}
			if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
				return denied(c, "invalid master key")
			}
			return next(c)
		}
	}
}

func denied(c echo.Context, message string) error {
	err := core.NewAuthenticationError("", message)
	return c.JSON(err.HTTPStatusCode(), err.ToJSON())
}
