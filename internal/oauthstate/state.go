// Package oauthstate binds an OAuth authorization request to its callback.
// A random state value is minted when the browser is sent to the provider,
// kept in a short-lived signed cookie, and consumed exactly once when the
// provider redirects back.
package oauthstate

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// stateBytes is the amount of randomness in a state value (48 hex chars).
	stateBytes = 24

	// TTL is how long a pending authorization stays valid.
	TTL = 10 * time.Minute

	// DefaultReturnPath is where a browser lands after login when the
	// caller did not ask for anywhere specific.
	DefaultReturnPath = "/app"
)

// Record is one pending authorization request.
type Record struct {
	State      string
	ReturnPath string
}

// Generate mints a new record. An empty or unsafe return path falls back to
// DefaultReturnPath.
func Generate(returnPath string) (Record, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return Record{}, fmt.Errorf("generating oauth state: %w", err)
	}
	return Record{
		State:      hex.EncodeToString(b),
		ReturnPath: SanitizeReturnPath(returnPath),
	}, nil
}

// ConsumeAndValidate reports whether stored exists and its state equals
// received exactly. Deleting the stored record is the caller's first step
// (see Guard.Consume); this function only compares.
func ConsumeAndValidate(received string, stored *Record) bool {
	if stored == nil || stored.State == "" || received == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(received), []byte(stored.State)) == 1
}

// SanitizeReturnPath keeps only same-site absolute paths. Anything that a
// browser could resolve to another origin ("//host", "/\host", "https://")
// is replaced by DefaultReturnPath.
func SanitizeReturnPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || !strings.HasPrefix(p, "/") {
		return DefaultReturnPath
	}
	if strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") || strings.ContainsAny(p, "\r\n") {
		return DefaultReturnPath
	}

	u, err := url.Parse(p)
	if err != nil || u.IsAbs() || u.Host != "" {
		return DefaultReturnPath
	}
	return p
}
