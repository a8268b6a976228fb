package oauthstate

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/buildboard/internal/apperror"
	"github.com/keyxmakerx/buildboard/internal/sessiontoken"
)

// cookieSignInfo scopes the HKDF-derived signing key.
var cookieSignInfo = []byte("buildboard oauth state cookie v1")

// Ledger remembers which state values have already been accepted. It backs
// up the cookie deletion for clients that replay old cookies.
type Ledger interface {
	// MarkUsed records state and reports whether this was the first use.
	MarkUsed(ctx context.Context, state string) (first bool, err error)
}

// GuardConfig configures cookie names and transport flags for one flow.
type GuardConfig struct {
	// StateCookie and ReturnCookie name the two cookies of the slot.
	StateCookie  string
	ReturnCookie string

	// Secure forces the Secure attribute even when the request is not TLS.
	Secure bool
}

// Guard stores a Record in two signed http-only cookies and consumes it on
// the callback. A tampered cookie is indistinguishable from a missing one.
type Guard struct {
	cfg    GuardConfig
	key    []byte
	ledger Ledger
	now    func() time.Time
}

// NewGuard creates a guard whose cookie signing key is derived from secret.
// ledger may be nil.
func NewGuard(secret []byte, cfg GuardConfig, ledger Ledger) (*Guard, error) {
	key, err := sessiontoken.DeriveKey(secret, cookieSignInfo, sha256.Size)
	if err != nil {
		return nil, fmt.Errorf("deriving state cookie key: %w", err)
	}
	return &Guard{cfg: cfg, key: key, ledger: ledger, now: time.Now}, nil
}

// Issue writes rec into the cookie slot with a 10-minute lifetime. The
// signed state value carries its issue time, so the server enforces the
// lifetime too: a cookie replayed after TTL is refused even once the ledger
// has forgotten the state.
func (g *Guard) Issue(c echo.Context, rec Record) {
	stamped := rec.State + "|" + strconv.FormatInt(g.now().Unix(), 10)
	g.setCookie(c, g.cfg.StateCookie, g.sign(g.cfg.StateCookie, stamped), int(TTL.Seconds()))
	returnVal := base64.RawURLEncoding.EncodeToString([]byte(rec.ReturnPath))
	g.setCookie(c, g.cfg.ReturnCookie, g.sign(g.cfg.ReturnCookie, returnVal), int(TTL.Seconds()))
}

// Consume reads the stored record, deletes both cookies, then validates
// received against it. The cookies are gone whatever the outcome. On
// failure the returned error is always apperror.ErrCSRFMismatch and the
// record carries only DefaultReturnPath.
func (g *Guard) Consume(c echo.Context, received string) (Record, error) {
	stored := g.read(c)
	g.Clear(c)

	if !ConsumeAndValidate(received, stored) {
		return Record{ReturnPath: DefaultReturnPath}, apperror.ErrCSRFMismatch
	}

	if g.ledger != nil {
		first, err := g.ledger.MarkUsed(c.Request().Context(), stored.State)
		if err != nil {
			// The cookie slot is already single-use; an unavailable ledger
			// only loses the replay backstop.
			slog.Warn("oauth state ledger unavailable", slog.Any("error", err))
		} else if !first {
			return Record{ReturnPath: DefaultReturnPath}, apperror.ErrCSRFMismatch
		}
	}

	return *stored, nil
}

// Clear expires both cookies.
func (g *Guard) Clear(c echo.Context) {
	g.setCookie(c, g.cfg.StateCookie, "", -1)
	g.setCookie(c, g.cfg.ReturnCookie, "", -1)
}

// read returns the stored record, or nil when the state cookie is missing,
// its signature does not verify, or it was issued more than TTL ago.
func (g *Guard) read(c echo.Context) *Record {
	stateCookie, err := c.Cookie(g.cfg.StateCookie)
	if err != nil {
		return nil
	}
	stamped, ok := g.verify(g.cfg.StateCookie, stateCookie.Value)
	if !ok {
		return nil
	}
	state, issuedRaw, ok := strings.Cut(stamped, "|")
	if !ok || state == "" {
		return nil
	}
	issuedUnix, err := strconv.ParseInt(issuedRaw, 10, 64)
	if err != nil {
		return nil
	}
	// A minute of skew is tolerated between instances sharing the key.
	age := g.now().Sub(time.Unix(issuedUnix, 0))
	if age < -time.Minute || age > TTL {
		return nil
	}

	rec := &Record{State: state, ReturnPath: DefaultReturnPath}
	if returnCookie, err := c.Cookie(g.cfg.ReturnCookie); err == nil {
		if encoded, ok := g.verify(g.cfg.ReturnCookie, returnCookie.Value); ok {
			if raw, err := base64.RawURLEncoding.DecodeString(encoded); err == nil {
				rec.ReturnPath = SanitizeReturnPath(string(raw))
			}
		}
	}
	return rec
}

// sign returns value "." mac, where the mac also covers the cookie name so
// a value cannot be moved between cookies.
func (g *Guard) sign(name, value string) string {
	return value + "." + base64.RawURLEncoding.EncodeToString(g.mac(name, value))
}

func (g *Guard) verify(name, signed string) (string, bool) {
	i := strings.LastIndexByte(signed, '.')
	if i < 0 {
		return "", false
	}
	value, sig := signed[:i], signed[i+1:]
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", false
	}
	return value, hmac.Equal(got, g.mac(name, value))
}

func (g *Guard) mac(name, value string) []byte {
	m := hmac.New(sha256.New, g.key)
	m.Write([]byte(name))
	m.Write([]byte{0})
	m.Write([]byte(value))
	return m.Sum(nil)
}

func (g *Guard) setCookie(c echo.Context, name, value string, maxAge int) {
	req := c.Request()
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   g.cfg.Secure || req.TLS != nil || req.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}
