// Package auth turns an identity-provider login into a local account and a
// session cookie. It owns the callback pipeline (state check, code exchange,
// profile fetch, account resolution, role sync, session issue), the account
// resolution rules, and the session middleware other plugins use.
//
// This is a CORE plugin -- always enabled, cannot be disabled.
package auth

import (
	"sort"
	"strings"
	"time"

	"github.com/keyxmakerx/buildboard/internal/apperror"
	"github.com/keyxmakerx/buildboard/internal/identityvault"
)

// --- Roles ---

// Role is a capability held by an account. Roles are membership-tested and
// never ranked: reviewer does not imply admin or the other way round.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleReviewer   Role = "reviewer"
	RoleIDV        Role = "idv"
	RoleChatMember Role = "chat_member"
)

// wireChatMember is the store's name for RoleChatMember.
const wireChatMember = "slack_member"

// ParseRole maps a store role name to a Role. Unknown names report false.
func ParseRole(s string) (Role, bool) {
	switch s {
	case string(RoleAdmin):
		return RoleAdmin, true
	case string(RoleReviewer):
		return RoleReviewer, true
	case string(RoleIDV):
		return RoleIDV, true
	case string(RoleChatMember), wireChatMember:
		return RoleChatMember, true
	}
	return "", false
}

// WireName is the role's name in the backend store API.
func (r Role) WireName() string {
	if r == RoleChatMember {
		return wireChatMember
	}
	return string(r)
}

// RoleSet is the set of roles an account holds.
type RoleSet map[Role]struct{}

// NewRoleSet builds a set from roles.
func NewRoleSet(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

// Add inserts r. The set must be non-nil.
func (s RoleSet) Add(r Role) { s[r] = struct{}{} }

// IsReviewerOrAdmin is the explicit disjunction used by review routes.
func (s RoleSet) IsReviewerOrAdmin() bool {
	return s.Has(RoleReviewer) || s.Has(RoleAdmin)
}

// Slice returns the roles sorted by name.
func (s RoleSet) Slice() []Role {
	out := make([]Role, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// --- Accounts ---

// Account is the local account as held by the backend record store.
type Account struct {
	ID                    string     `json:"id"`
	Email                 string     `json:"email"`
	ChatID                string     `json:"chatId,omitempty"`
	IdentityVaultID       string     `json:"identityVaultId,omitempty"`
	Roles                 RoleSet    `json:"-"`
	OnboardingCompletedAt *time.Time `json:"onboardingCompletedAt,omitempty"`
	Handle                string     `json:"handle,omitempty"`
}

func (a *Account) grant(r Role) {
	if a.Roles == nil {
		a.Roles = NewRoleSet()
	}
	a.Roles.Add(r)
}

// AccountView is the JSON shape returned by /api/me.
type AccountView struct {
	*Account
	Roles []Role `json:"roles"`
}

// View wraps a for JSON rendering.
func (a *Account) View() AccountView {
	return AccountView{Account: a, Roles: a.Roles.Slice()}
}

// CreateAccountInput is everything the store needs to create an account
// from an identity profile.
type CreateAccountInput struct {
	Email                    string
	ChatID                   string
	Phone                    string
	IdentityVaultID          string
	IdentityVaultAccessToken string
	VerificationStatus       identityvault.VerificationStatus
	YSWSEligible             bool
	FirstName                string
	LastName                 string
	Birthday                 string
	Address                  *identityvault.Address
}

// LinkIdentityInput attaches an identity to an existing account.
type LinkIdentityInput struct {
	IdentityVaultID    string
	AccessToken        string
	Country            string
	VerificationStatus identityvault.VerificationStatus
	YSWSEligible       bool
}

// normalizeEmail is the comparison form of an email address.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// --- Pipeline ---

// Stage is a state of the login callback.
type Stage string

const (
	StageStart         Stage = "start"
	StageStateCheck    Stage = "state_check"
	StageCodeExchange  Stage = "code_exchange"
	StageProfileFetch  Stage = "profile_fetch"
	StageResolution    Stage = "resolution"
	StageRoleSync      Stage = "role_sync"
	StageSessionIssued Stage = "session_issued"
)

// Resolution says which rule matched the account.
type Resolution int

const (
	// ResolvedLinked: the identity was already linked to the account.
	ResolvedLinked Resolution = iota + 1

	// ResolvedByEmail: an unlinked account with the same email was linked.
	ResolvedByEmail

	// ResolvedCreated: a new account was created.
	ResolvedCreated
)

func (r Resolution) String() string {
	switch r {
	case ResolvedLinked:
		return "linked"
	case ResolvedByEmail:
		return "email"
	case ResolvedCreated:
		return "created"
	}
	return ""
}

// Outcome is the result of a login step. It is exactly one of Success,
// Redirect or Failure; handlers switch on the concrete type.
type Outcome interface {
	isOutcome()
}

// Success means a session was issued.
type Success struct {
	AccountID  string
	Token      string
	ReturnPath string
	Resolution Resolution
}

// Redirect sends the browser somewhere without issuing a session.
type Redirect struct {
	Path   string
	Reason string
}

// Failure ends the flow. Err is for logs only.
type Failure struct {
	Kind  apperror.Kind
	Stage Stage
	Err   error
}

func (Success) isOutcome()  {}
func (Redirect) isOutcome() {}
func (Failure) isOutcome()  {}

// fail builds a Failure classified from err.
func fail(stage Stage, err error) Failure {
	return Failure{Kind: apperror.KindOf(err), Stage: stage, Err: err}
}

// StartInput is the validated input for beginning a login.
type StartInput struct {
	ReturnPath string
	LoginHint  string
}

// CallbackInput is the validated input for a provider callback.
type CallbackInput struct {
	// StateErr is the result of consuming the CSRF state slot; nil means
	// the state matched.
	StateErr error

	// ReturnPath comes from the consumed state slot.
	ReturnPath string

	Code string

	// ProviderError is the OAuth "error" query parameter, if any.
	ProviderError string

	// OnboardingAcknowledged reports the onboarding acknowledgement cookie.
	OnboardingAcknowledged bool

	RemoteIP string
}

// Session is the authenticated caller, stored in the Echo context by
// RequireAuth.
type Session struct {
	AccountID string
	Account   *Account
}
