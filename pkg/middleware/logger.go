package middleware

import (
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
)

// Logger writes one line per request; 5xx responses log at error level.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			req := c.Request()
			fields := map[string]any{
				"request_id":  GetRequestID(req.Context()),
				"method":      req.Method,
				"route":       c.Path(),
				"status":      c.Response().Status,
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       c.Response().Size,
			}
			if actor := GetActor(req.Context()); actor != "" {
				fields["actor"] = actor
			}

			entry := logger.WithContext(req.Context()).WithFields(fields)
			if c.Response().Status >= 500 {
				entry.Error("Request failed")
			} else {
				entry.Info("Request")
			}
			return nil
		}
	}
}
