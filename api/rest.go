// Package api provides the hub's API-key authentication middleware,
// mounted ahead of any REST handler that mutates state.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// APIKeyAuth returns middleware that requires the "X-API-Key" request
// header to match validKey, rejecting with 401 otherwise.
func APIKeyAuth(validKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get("X-API-Key")
			if key == "" || key != validKey {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
			}
			return next(c)
		}
	}
}
