package auth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/buildboard/internal/apperror"
	"github.com/keyxmakerx/buildboard/internal/middleware"
	"github.com/keyxmakerx/buildboard/internal/oauthstate"
)

// Cookie names.
const (
	// SessionCookieName holds the encrypted account id.
	SessionCookieName = "session_token"

	StateCookieName      = "oauth_state"
	ReturnPathCookieName = "oauth_return_path"

	// onboardingAckCookieName is set by the frontend once the user has
	// acknowledged the onboarding notice.
	onboardingAckCookieName = "onboarding_ack"
)

// Handler handles HTTP requests for identity-provider login and the session
// API. Handlers are thin: they read the request, call the service, and turn
// the Outcome into a response. No business logic lives here.
type Handler struct {
	service    AuthService
	guard      *oauthstate.Guard
	sessionTTL time.Duration
}

// NewHandler creates a new auth handler.
func NewHandler(service AuthService, guard *oauthstate.Guard, sessionTTL time.Duration) *Handler {
	return &Handler{service: service, guard: guard, sessionTTL: sessionTTL}
}

// Start begins a login (GET /auth/idv/start). Optional query parameters:
// return_to (same-site path to land on) and login_hint. The older names
// returnTo and email are still accepted.
func (h *Handler) Start(c echo.Context) error {
	rec, out := h.service.Start(c.Request().Context(), startInput(c))

	switch o := out.(type) {
	case Redirect:
		h.guard.Issue(c, rec)
		return c.Redirect(http.StatusFound, o.Path)
	case Failure:
		return failureRedirect(c, o)
	}
	return apperror.NewInternal(fmt.Errorf("unexpected start outcome %T", out))
}

// startInput reads the start parameters, preferring the snake_case names.
func startInput(c echo.Context) StartInput {
	return StartInput{
		ReturnPath: firstQueryParam(c, "return_to", "returnTo"),
		LoginHint:  firstQueryParam(c, "login_hint", "email"),
	}
}

func firstQueryParam(c echo.Context, names ...string) string {
	for _, name := range names {
		if v := c.QueryParam(name); v != "" {
			return v
		}
	}
	return ""
}

// Callback completes a login (GET /auth/idv/callback). The state cookies are
// consumed before anything else so they never survive the request.
func (h *Handler) Callback(c echo.Context) error {
	rec, stateErr := h.guard.Consume(c, c.QueryParam("state"))

	_, ackErr := c.Cookie(onboardingAckCookieName)
	out := h.service.Callback(c.Request().Context(), CallbackInput{
		StateErr:               stateErr,
		ReturnPath:             rec.ReturnPath,
		Code:                   c.QueryParam("code"),
		ProviderError:          c.QueryParam("error"),
		OnboardingAcknowledged: ackErr == nil,
		RemoteIP:               c.RealIP(),
	})

	switch o := out.(type) {
	case Success:
		SetSessionCookie(c, o.Token, h.sessionTTL)
		return c.Redirect(http.StatusFound, o.ReturnPath)
	case Redirect:
		return c.Redirect(http.StatusFound, o.Path)
	case Failure:
		return failureRedirect(c, o)
	}
	return apperror.NewInternal(fmt.Errorf("unexpected callback outcome %T", out))
}

// Logout clears the session cookie (POST /logout). Tokens are stateless, so
// there is nothing to revoke server-side.
func (h *Handler) Logout(c echo.Context) error {
	ClearSessionCookie(c)
	if middleware.IsAPIRequest(c) {
		return c.NoContent(http.StatusNoContent)
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

// Me returns the current account (GET /api/me).
func (h *Handler) Me(c echo.Context) error {
	session := GetSession(c)
	if session == nil {
		return apperror.NewUnauthorized("authentication required")
	}
	return c.JSON(http.StatusOK, session.Account.View())
}

// AdminAccount returns any account with its provider identity
// (GET /api/admin/accounts/:id).
func (h *Handler) AdminAccount(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return apperror.NewBadRequest("account id is required")
	}
	view, err := h.service.AdminAccount(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// ReviewQueueAccess confirms the caller may open the review queue
// (GET /api/review/queue-access). The role check is done by middleware.
func (h *Handler) ReviewQueueAccess(c echo.Context) error {
	session := GetSession(c)
	return c.JSON(http.StatusOK, map[string]any{
		"allowed": true,
		"roles":   session.Account.Roles.Slice(),
	})
}

// Address sends the caller to the provider's address form
// (GET /auth/idv/address).
func (h *Handler) Address(c echo.Context) error {
	session := GetSession(c)
	if session == nil {
		return apperror.NewUnauthorized("authentication required")
	}
	return c.Redirect(http.StatusFound, h.service.AddressURL(session.Account))
}

// failureRedirect sends the browser to the landing page with the kind's
// generic message. The underlying error was already logged by the service.
func failureRedirect(c echo.Context, f Failure) error {
	return c.Redirect(http.StatusFound, middleware.ErrorRedirectPath(f.Kind.PublicMessage()))
}

// --- Cookie helpers ---

// getSessionToken reads the session token from the cookie.
func getSessionToken(c echo.Context) string {
	cookie, err := c.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}
	return cookie.Value
}

// SetSessionCookie sets the session cookie on the response. The cookie is
// HttpOnly (JS can't read it), Secure if behind TLS, and SameSite=Lax.
// Other login plugins use it after issuing a token.
func SetSessionCookie(c echo.Context, token string, ttl time.Duration) {
	req := c.Request()
	c.SetCookie(&http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   req.TLS != nil || req.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

// ClearSessionCookie removes the session cookie by setting MaxAge to -1.
func ClearSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
