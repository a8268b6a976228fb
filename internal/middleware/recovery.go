package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
)

// Recovery returns middleware that turns a handler panic into a 500 and logs
// the stack. It must be registered outermost.
func Recovery() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (returnErr error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				slog.Error("panic recovered",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
					slog.String("request_id", RequestID(c)),
					slog.String("method", c.Request().Method),
					slog.String("path", c.Request().URL.Path),
				)
				if c.Response().Committed {
					return
				}
				if IsAPIRequest(c) {
					returnErr = c.JSON(http.StatusInternalServerError, map[string]string{
						"error":   "Internal Server Error",
						"message": "an unexpected error occurred",
					})
					return
				}
				returnErr = c.Redirect(http.StatusFound, ErrorRedirectPath("Something went wrong. Please try again."))
			}()

			return next(c)
		}
	}
}
