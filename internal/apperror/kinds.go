package apperror

import "errors"

// Kind classifies a login-pipeline failure. Kinds are stable strings so they
// can be written to the audit log and matched by callers.
type Kind string

const (
	KindNone                     Kind = ""
	KindMalformedToken           Kind = "malformed_token"
	KindDecryptionFailed         Kind = "decryption_failed"
	KindCSRFMismatch             Kind = "csrf_mismatch"
	KindMissingAuthorizationCode Kind = "missing_authorization_code"
	KindTransientNetwork         Kind = "transient_network"
	KindUpstreamRejected         Kind = "upstream_rejected"
	KindUpstreamUnavailable      Kind = "upstream_unavailable"
	KindAccountConflict          Kind = "account_conflict"
	KindBackendUnavailable       Kind = "backend_unavailable"
	KindInternal                 Kind = "internal"
)

// Sentinel errors for the login pipeline. Packages wrap them with
// fmt.Errorf("...: %w", ...) so the cause survives for logging while
// KindOf still finds the class.
var (
	// ErrMalformedToken means a session token was not two hex fields
	// separated by a single ':'.
	ErrMalformedToken = errors.New("malformed session token")

	// ErrDecryptionFailed means a well-shaped token failed authentication,
	// decryption or un-padding.
	ErrDecryptionFailed = errors.New("session token decryption failed")

	// ErrCSRFMismatch covers both "no state stored" and "wrong state".
	ErrCSRFMismatch = errors.New("oauth state mismatch")

	ErrMissingAuthorizationCode = errors.New("missing authorization code")

	// ErrTransientNetwork marks a transport failure that is worth retrying.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrUpstreamRejected marks a completed HTTP exchange with a definite
	// non-success answer. It is never retried.
	ErrUpstreamRejected = errors.New("upstream rejected request")

	// ErrUpstreamUnavailable is returned once the retry budget is spent.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrAccountConflict is a store-level race on account creation.
	ErrAccountConflict = errors.New("account conflict")

	ErrBackendUnavailable = errors.New("backend record store unavailable")
)

// kindOrder is checked front to back. More specific classes come first: a
// backend outage wraps ErrUpstreamUnavailable and must report as backend.
var kindOrder = []struct {
	err  error
	kind Kind
}{
	{ErrMalformedToken, KindMalformedToken},
	{ErrDecryptionFailed, KindDecryptionFailed},
	{ErrCSRFMismatch, KindCSRFMismatch},
	{ErrMissingAuthorizationCode, KindMissingAuthorizationCode},
	{ErrAccountConflict, KindAccountConflict},
	{ErrBackendUnavailable, KindBackendUnavailable},
	{ErrUpstreamUnavailable, KindUpstreamUnavailable},
	{ErrUpstreamRejected, KindUpstreamRejected},
	{ErrTransientNetwork, KindTransientNetwork},
}

// KindOf returns the Kind of the first sentinel found in err's chain, or
// KindInternal for any other non-nil error.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// PublicMessage returns the generic, non-identifying text shown to a browser
// for a failed login. It never depends on anything but the Kind.
func (k Kind) PublicMessage() string {
	switch k {
	case KindCSRFMismatch:
		return "Invalid verification session. Please try again."
	case KindMissingAuthorizationCode:
		return "No authorization code received."
	case KindBackendUnavailable:
		return "Login failed: Backend unavailable"
	case KindUpstreamUnavailable, KindTransientNetwork:
		return "Identity verification is temporarily unavailable. Please try again."
	case KindMalformedToken, KindDecryptionFailed:
		return "Your session has expired. Please log in again."
	default:
		return "Identity verification failed. Please try again."
	}
}
