package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/buildboard/internal/apperror"
	"github.com/keyxmakerx/buildboard/internal/middleware"
)

// contextKeySession is where RequireAuth stores the *Session. Other plugins
// read it through GetSession.
const contextKeySession = "auth_session"

// RequireAuth returns middleware that decodes the session cookie, loads the
// account and injects the session into the request context. A cookie that
// does not decode, or names an account that no longer exists, is cleared.
// Unauthenticated API requests get 401 JSON; browsers are redirected to /.
func RequireAuth(service AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := getSessionToken(c)
			if token == "" {
				return handleUnauthenticated(c)
			}

			session, err := service.ValidateSession(c.Request().Context(), token)
			switch {
			case err == nil:
			case errors.Is(err, apperror.ErrMalformedToken),
				errors.Is(err, apperror.ErrDecryptionFailed),
				apperror.IsNotFound(err):
				ClearSessionCookie(c)
				return handleUnauthenticated(c)
			default:
				// The cookie may be fine; the store is not. Keep it.
				slog.Error("session validation failed", slog.Any("error", err))
				return apperror.NewServiceUnavailable(err)
			}

			c.Set(contextKeySession, session)
			return next(c)
		}
	}
}

// RequireRole returns middleware that allows only accounts holding role.
// Must run after RequireAuth.
func RequireRole(role Role) echo.MiddlewareFunc {
	return requireRoles(func(s RoleSet) bool { return s.Has(role) })
}

// RequireReviewerOrAdmin allows accounts holding reviewer or admin. Must run
// after RequireAuth.
func RequireReviewerOrAdmin() echo.MiddlewareFunc {
	return requireRoles(RoleSet.IsReviewerOrAdmin)
}

func requireRoles(allowed func(RoleSet) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			session := GetSession(c)
			if session == nil {
				return handleUnauthenticated(c)
			}
			if !allowed(session.Account.Roles) {
				return apperror.NewForbidden("insufficient role")
			}
			return next(c)
		}
	}
}

// handleUnauthenticated returns the appropriate response for unauthenticated
// requests: 401 JSON for API clients, redirect for browsers.
func handleUnauthenticated(c echo.Context) error {
	if middleware.IsAPIRequest(c) {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "unauthorized",
			"message": "authentication required",
		})
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

// --- Exported getters for other plugins ---

// GetSession retrieves the authenticated session from the Echo context.
// Returns nil if the request is not authenticated (middleware not applied).
func GetSession(c echo.Context) *Session {
	session, ok := c.Get(contextKeySession).(*Session)
	if !ok {
		return nil
	}
	return session
}

