package middleware

import (
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
)

// IsAPIRequest returns true if the request targets the /api/ path. API
// requests get JSON errors; everything else is a browser navigation and gets
// a redirect.
func IsAPIRequest(c echo.Context) bool {
	path := c.Request().URL.Path
	return path == "/api" || strings.HasPrefix(path, "/api/")
}

// ErrorRedirectPath is the landing page URL carrying a user-facing error
// message, e.g. "/?error=Login+failed".
func ErrorRedirectPath(message string) string {
	return "/?error=" + url.QueryEscape(message)
}
