// Package app is the application bootstrap and dependency injection root.
// It holds the shared infrastructure (DB pool, Redis client, Echo instance)
// and builds the single identity provider client, backend client and
// session codec every plugin shares.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/buildboard/internal/apperror"
	"github.com/keyxmakerx/buildboard/internal/backend"
	"github.com/keyxmakerx/buildboard/internal/config"
	"github.com/keyxmakerx/buildboard/internal/flags"
	"github.com/keyxmakerx/buildboard/internal/identityvault"
	"github.com/keyxmakerx/buildboard/internal/middleware"
	"github.com/keyxmakerx/buildboard/internal/oauthstate"
	"github.com/keyxmakerx/buildboard/internal/plugins/audit"
	"github.com/keyxmakerx/buildboard/internal/retry"
	"github.com/keyxmakerx/buildboard/internal/sessiontoken"
)

// App holds all shared dependencies and the Echo HTTP server instance.
// Created once at startup in main.go and used to register all routes.
type App struct {
	Config *config.Config

	// DB is the MariaDB pool behind the audit trail.
	DB *sql.DB

	// Redis backs feature flags and the state replay ledger. It may be
	// unreachable; both degrade.
	Redis *redis.Client

	Echo *echo.Echo

	Flags *flags.Client
	Audit audit.AuditService

	vault *identityvault.Client
	store *backend.Client
	codec *sessiontoken.Codec
	retry retry.Policy
}

// New creates the App, builds the shared clients and configures the Echo
// server with global middleware and error handling.
func New(ctx context.Context, cfg *config.Config, db *sql.DB, rdb *redis.Client) (*App, error) {
	e := echo.New()

	// We log our own startup line.
	e.HideBanner = true
	e.HidePort = true

	// c.RealIP() feeds the login throttle and the audit trail.
	if err := middleware.TrustedProxies(e, cfg.TrustedProxies); err != nil {
		return nil, err
	}

	key, err := cfg.Session.KeyBytes()
	if err != nil {
		return nil, err
	}
	codec, err := sessiontoken.New(key)
	if err != nil {
		return nil, fmt.Errorf("creating session codec: %w", err)
	}

	defaults, err := flags.ParseDefaults(cfg.Flags.Defaults)
	if err != nil {
		return nil, fmt.Errorf("parsing FLAG_DEFAULTS: %w", err)
	}

	policy := retry.Default()
	if cfg.IdentityVault.RetryAttempts > 0 {
		policy.MaxAttempts = cfg.IdentityVault.RetryAttempts
	}
	if cfg.IdentityVault.RetryBaseDelay > 0 {
		policy.BaseDelay = cfg.IdentityVault.RetryBaseDelay
	}

	vault := identityvault.New(identityvault.Config{
		Env:          cfg.Env,
		Host:         cfg.IdentityVault.Host,
		ClientID:     cfg.IdentityVault.ClientID,
		ClientSecret: cfg.IdentityVault.ClientSecret,
		RedirectURL:  cfg.IdentityVault.RedirectURL,
		ProgramKey:   cfg.IdentityVault.ProgramKey,
		Bypass:       cfg.IdentityVault.Bypass,
		BypassEmail:  cfg.IdentityVault.BypassEmail,
		Retry:        policy,
	})

	app := &App{
		Config: cfg,
		DB:     db,
		Redis:  rdb,
		Echo:   e,
		Flags:  flags.New(ctx, rdb, defaults),
		Audit:  audit.NewAuditService(audit.NewAuditRepository(db)),
		vault:  vault,
		store: backend.New(backend.Config{
			BaseURL: cfg.Backend.URL,
			Token:   cfg.Backend.Token,
			Timeout: cfg.Backend.Timeout,
			Retry:   policy,
		}),
		codec: codec,
		retry: policy,
	}

	app.setupMiddleware()
	e.HTTPErrorHandler = app.errorHandler

	return app, nil
}

// setupMiddleware registers global middleware on the Echo instance.
// Order matters: recovery must be outermost.
func (a *App) setupMiddleware() {
	a.Echo.Use(middleware.Recovery())
	a.Echo.Use(middleware.RequestLogger())
	a.Echo.Use(middleware.SecurityHeaders())
}

// newGuard builds a state cookie guard for one login flow. A nil Redis
// client means no replay ledger; the cookie slot alone stays single-use.
func (a *App) newGuard(stateCookie, returnCookie string) (*oauthstate.Guard, error) {
	key, err := a.Config.Session.KeyBytes()
	if err != nil {
		return nil, err
	}
	var ledger oauthstate.Ledger
	if a.Redis != nil {
		ledger = oauthstate.NewRedisLedger(a.Redis)
	}
	return oauthstate.NewGuard(key, oauthstate.GuardConfig{
		StateCookie:  stateCookie,
		ReturnCookie: returnCookie,
		Secure:       a.Config.IsProduction(),
	}, ledger)
}

// errorHandler maps errors to HTTP responses: JSON for /api requests, and a
// redirect to the landing page carrying a message for browser requests.
func (a *App) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := "An unexpected error occurred"

	var appErr *apperror.AppError
	var echoErr *echo.HTTPError
	switch {
	case errors.As(err, &appErr):
		code = appErr.Code
		message = appErr.Message
		if appErr.Internal != nil {
			slog.Error("internal error",
				slog.String("type", appErr.Type),
				slog.String("message", appErr.Message),
				slog.Any("internal", appErr.Internal),
				slog.String("request_id", middleware.RequestID(c)),
				slog.String("path", c.Request().URL.Path),
			)
		}
	case errors.As(err, &echoErr):
		code = echoErr.Code
		if msg, ok := echoErr.Message.(string); ok {
			message = msg
		} else {
			message = http.StatusText(code)
		}
	default:
		slog.Error("unhandled error",
			slog.Any("error", err),
			slog.String("request_id", middleware.RequestID(c)),
			slog.String("path", c.Request().URL.Path),
		)
	}

	if middleware.IsAPIRequest(c) {
		_ = c.JSON(code, map[string]string{
			"error":   http.StatusText(code),
			"message": message,
		})
		return
	}

	// An expired session just goes back to the landing page.
	if code == http.StatusUnauthorized {
		_ = c.Redirect(http.StatusSeeOther, "/")
		return
	}
	_ = c.Redirect(http.StatusFound, middleware.ErrorRedirectPath(message))
}

// Start begins listening for HTTP requests on the configured port.
func (a *App) Start() error {
	addr := fmt.Sprintf(":%d", a.Config.Port)
	slog.Info("starting buildboard server",
		slog.String("addr", addr),
		slog.String("env", a.Config.Env),
		slog.String("identity_mode", a.vault.Mode().String()),
		slog.String("flags", a.Flags.State().String()),
	)
	return a.Echo.Start(addr)
}
