// Package identityvault is the OAuth2/OIDC client for the identity
// verification provider ("identity vault"). It builds authorization URLs,
// exchanges codes, and fetches the caller's verified identity. Every
// outbound call runs through a retry.Policy; completed HTTP exchanges with a
// non-success status are never retried.
package identityvault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/keyxmakerx/buildboard/internal/apperror"
	"github.com/keyxmakerx/buildboard/internal/retry"
)

// Provider hosts per deployment environment.
const (
	StagingHost    = "https://hca.dinosaurbbq.org"
	ProductionHost = "https://auth.hackclub.com"
)

// Scopes requested on every authorization.
var Scopes = []string{"openid", "profile", "email", "slack_id"}

var tracer = otel.Tracer("github.com/keyxmakerx/buildboard/internal/identityvault")

// Mode is how the client reaches the provider. It is fixed at construction.
type Mode int

const (
	// ModeLive talks to the provider.
	ModeLive Mode = iota

	// ModeBypass performs no network I/O and authenticates every code as a
	// single synthetic, already-verified identity.
	ModeBypass
)

func (m Mode) String() string {
	if m == ModeBypass {
		return "bypass"
	}
	return "live"
}

// HostFor returns the provider host for a deployment environment. Only
// "production" talks to the production provider.
func HostFor(env string) string {
	if env == "production" {
		return ProductionHost
	}
	return StagingHost
}

// Config configures a Client.
type Config struct {
	// Env is the deployment environment used to pick the host.
	Env string

	// Host overrides HostFor(Env) when set.
	Host string

	ClientID     string
	ClientSecret string
	RedirectURL  string

	// ProgramKey authenticates the admin identity endpoints.
	ProgramKey string

	// Bypass selects ModeBypass. It must be set explicitly; nothing else
	// turns it on.
	Bypass bool

	// BypassEmail is the primary email of the synthetic bypass identity.
	BypassEmail string

	Retry retry.Policy

	// HTTPClient is used for every provider call (default: 15s timeout).
	HTTPClient *http.Client
}

// Client is the identity vault client. One instance is built at startup and
// shared by every request. Safe for concurrent use.
type Client struct {
	mode        Mode
	host        string
	oauth       *oauth2.Config
	programKey  string
	bypassEmail string
	retry       retry.Policy
	http        *http.Client
}

// New creates a client. The host and mode are evaluated here once.
func New(cfg Config) *Client {
	host := strings.TrimRight(cfg.Host, "/")
	if host == "" {
		host = HostFor(cfg.Env)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}

	mode := ModeLive
	if cfg.Bypass {
		mode = ModeBypass
		slog.Warn("identity vault bypass enabled: every login is treated as verified",
			slog.String("bypass_email", cfg.BypassEmail),
		)
	}

	return &Client{
		mode: mode,
		host: host,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   host + "/oauth/authorize",
				TokenURL:  host + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		programKey:  cfg.ProgramKey,
		bypassEmail: cfg.BypassEmail,
		retry:       cfg.Retry,
		http:        hc,
	}
}

// Mode returns the client's mode.
func (c *Client) Mode() Mode { return c.mode }

// Host returns the provider host in use.
func (c *Client) Host() string { return c.host }

// AuthorizeOptions are the optional authorization URL parameters.
type AuthorizeOptions struct {
	State     string
	LoginHint string

	// RedirectURL overrides the configured redirect URI.
	RedirectURL string

	// Stash is opaque data the provider hands back to the program.
	Stash map[string]any
}

// AuthorizeURL returns the provider authorization URL.
func (c *Client) AuthorizeURL(opts AuthorizeOptions) string {
	var params []oauth2.AuthCodeOption
	if opts.RedirectURL != "" {
		params = append(params, oauth2.SetAuthURLParam("redirect_uri", opts.RedirectURL))
	}
	if opts.LoginHint != "" {
		params = append(params, oauth2.SetAuthURLParam("login_hint", opts.LoginHint))
	}
	if opts.Stash != nil {
		if stash, err := EncodeStash(opts.Stash); err == nil {
			params = append(params, oauth2.SetAuthURLParam("stash_data", stash))
		} else {
			slog.Warn("dropping unencodable stash data", slog.Any("error", err))
		}
	}
	return c.oauth.AuthCodeURL(opts.State, params...)
}

// ExchangeCode trades an authorization code for an access token. An empty
// redirectURL uses the configured one.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURL string) (*oauth2.Token, error) {
	ctx, span := tracer.Start(ctx, "identityvault.ExchangeCode", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var opts []oauth2.AuthCodeOption
	if redirectURL != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURL))
	}

	tok, err := retry.Do(ctx, c.policy("token exchange"), func(ctx context.Context) (*oauth2.Token, error) {
		return c.oauth.Exchange(context.WithValue(ctx, oauth2.HTTPClient, c.http), code, opts...)
	})
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			// The token endpoint answered; log its error code, never the body.
			slog.Warn("identity vault token exchange rejected",
				slog.String("error_code", retrieveErr.ErrorCode),
			)
			err = fmt.Errorf("%w: token exchange: %w", apperror.ErrUpstreamRejected, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "token exchange failed")
		return nil, err
	}
	return tok, nil
}

// Authenticate exchanges code and fetches the merged profile. In bypass
// mode it returns the synthetic verified profile without any network I/O.
func (c *Client) Authenticate(ctx context.Context, code, redirectURL string) (*Profile, error) {
	if c.mode == ModeBypass {
		return c.bypassProfile(), nil
	}

	tok, err := c.ExchangeCode(ctx, code, redirectURL)
	if err != nil {
		return nil, err
	}

	profile, err := c.FetchProfile(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	return profile, nil
}

func (c *Client) bypassProfile() *Profile {
	return &Profile{
		IdentityID:         "bypass:" + c.bypassEmail,
		PrimaryEmail:       c.bypassEmail,
		FirstName:          "Bypass",
		LastName:           "User",
		VerificationStatus: StatusVerified,
		YSWSEligible:       true,
	}
}

// policy returns the retry policy with retry logging attached.
func (c *Client) policy(op string) retry.Policy {
	p := c.retry
	next := p.OnRetry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		slog.Warn("identity vault request failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if next != nil {
			next(attempt, delay, err)
		}
	}
	return p
}

// request performs one authenticated call with retry and returns the body
// of a 2xx response.
func (c *Client) request(ctx context.Context, op, method, path, bearer string, body io.Reader, contentType string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "identityvault."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("http.method", method))
	defer span.End()

	// A body can only be sent once; buffer it for retries.
	var payload []byte
	if body != nil {
		var err error
		if payload, err = io.ReadAll(body); err != nil {
			return nil, fmt.Errorf("reading %s request body: %w", op, err)
		}
	}

	out, err := retry.Do(ctx, c.policy(op), func(ctx context.Context) ([]byte, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.host+path, reader)
		if err != nil {
			return nil, fmt.Errorf("building %s request: %w", op, err)
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.Set("Accept", "application/json")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s response: %w", apperror.ErrTransientNetwork, op, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("%w: %s: status %d", apperror.ErrUpstreamRejected, op, resp.StatusCode)
		}
		return data, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		return nil, err
	}
	return out, nil
}
