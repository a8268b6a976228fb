// Package audit records the outcome of every login attempt. Each callback
// of an identity provider produces one AuthEvent persisted to the
// auth_events table, giving operators a trail of who signed in, how the
// account was resolved, and where failing logins stopped.
//
// Recording is fire-and-forget: an audit failure never blocks a login.
package audit

import "time"

// Providers that produce events.
const (
	ProviderIdentityVault = "identity_vault"
	ProviderChat          = "chat"
)

// Outcomes of a login attempt.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuthEvent is one recorded login attempt.
type AuthEvent struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`

	// AccountID is empty when the attempt failed before resolution.
	AccountID string `json:"accountId,omitempty"`

	Outcome string `json:"outcome"`

	// FailureKind is the error class of a failed attempt (e.g.
	// "csrf_mismatch"). Never the raw error text.
	FailureKind string `json:"failureKind,omitempty"`

	// Stage is the pipeline stage that produced the outcome.
	Stage string `json:"stage"`

	// Resolution is how the account was found ("linked", "email",
	// "created"); only set on success.
	Resolution string `json:"resolution,omitempty"`

	RemoteIP  string    `json:"remoteIp,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Summary counts recent events by outcome.
type Summary struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`

	// ByFailureKind counts failures per kind.
	ByFailureKind map[string]int `json:"byFailureKind"`
}
