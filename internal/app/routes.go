package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/keyxmakerx/buildboard/internal/flags"
	"github.com/keyxmakerx/buildboard/internal/plugins/audit"
	"github.com/keyxmakerx/buildboard/internal/plugins/auth"
	"github.com/keyxmakerx/buildboard/internal/plugins/chat"
)

// healthTimeout bounds the dependency checks behind /healthz.
const healthTimeout = 2 * time.Second

// RegisterRoutes wires every plugin and mounts its routes. This is the
// single place where routes are aggregated.
func (a *App) RegisterRoutes() error {
	e := a.Echo

	// --- Health ---

	// Liveness: the process is serving.
	e.GET("/up", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	// Readiness: MariaDB must answer; Redis is reported but optional.
	e.GET("/healthz", a.healthz)

	// --- Identity provider login ---

	repo := auth.NewAccountRepository(a.store)
	authService := auth.NewAuthService(a.vault, repo, a.codec, a.Audit, a.Config.Onboarding.Policy)

	authGuard, err := a.newGuard(auth.StateCookieName, auth.ReturnPathCookieName)
	if err != nil {
		return err
	}
	authHandler := auth.NewHandler(authService, authGuard, a.Config.Session.TTL)
	auth.RegisterRoutes(e, authHandler, authService, a.Config.RateLimit.StartLimit, a.Config.RateLimit.StartWindow)

	// --- Chat provider login ---

	if a.Config.Chat.Enabled() {
		chatService := chat.NewChatService(chat.Config{
			ClientID:     a.Config.Chat.ClientID,
			ClientSecret: a.Config.Chat.ClientSecret,
			RedirectURL:  a.Config.Chat.RedirectURL,
			Retry:        a.retry,
		}, repo, a.codec, a.vault, a.Audit)

		chatGuard, err := a.newGuard(chat.StateCookieName, chat.ReturnPathCookieName)
		if err != nil {
			return err
		}
		chat.RegisterRoutes(e, chat.NewHandler(chatService, chatGuard, a.Config.Session.TTL), a.Flags.Gate(flags.PlatformEnabled))
	}

	// --- Admin audit trail ---

	audit.RegisterRoutes(e, audit.NewHandler(a.Audit),
		auth.RequireAuth(authService),
		auth.RequireRole(auth.RoleAdmin),
	)

	// --- Admin feature flags ---

	flags.RegisterRoutes(e, flags.NewHandler(a.Flags),
		auth.RequireAuth(authService),
		auth.RequireRole(auth.RoleAdmin),
	)

	return nil
}

// healthz pings MariaDB and Redis concurrently.
func (a *App) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()

	var dbErr, redisErr error
	var g errgroup.Group
	g.Go(func() error {
		dbErr = a.DB.PingContext(ctx)
		return nil
	})
	g.Go(func() error {
		if a.Redis == nil {
			redisErr = errors.New("not configured")
			return nil
		}
		redisErr = a.Redis.Ping(ctx).Err()
		return nil
	})
	_ = g.Wait()

	status := map[string]string{
		"database": "ok",
		"redis":    "ok",
		"flags":    a.Flags.State().String(),
	}
	if redisErr != nil {
		status["redis"] = "unavailable"
	}
	if dbErr != nil {
		status["database"] = "unavailable"
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.JSON(http.StatusOK, status)
}
