package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/keyxmakerx/buildboard/internal/apperror"
	"github.com/keyxmakerx/buildboard/internal/config"
	"github.com/keyxmakerx/buildboard/internal/identityvault"
	"github.com/keyxmakerx/buildboard/internal/oauthstate"
	"github.com/keyxmakerx/buildboard/internal/plugins/audit"
	"github.com/keyxmakerx/buildboard/internal/sessiontoken"
)

// CallbackPath is where the identity provider sends the browser back.
const CallbackPath = "/auth/idv/callback"

// OnboardingPath receives logins that still owe onboarding steps.
const OnboardingPath = "/app/onboarding"

// bypassCode is the authorization code used when the provider is bypassed.
const bypassCode = "bypass"

// IdentityProvider is the part of identityvault.Client the login flow uses.
type IdentityProvider interface {
	Mode() identityvault.Mode
	AuthorizeURL(opts identityvault.AuthorizeOptions) string
	ExchangeCode(ctx context.Context, code, redirectURL string) (*oauth2.Token, error)
	FetchProfile(ctx context.Context, accessToken string) (*identityvault.Profile, error)
	Authenticate(ctx context.Context, code, redirectURL string) (*identityvault.Profile, error)
	GetIdentity(ctx context.Context, identityID string) (*identityvault.Identity, error)
	AddressCreationURL(stash map[string]any) string
}

// EventRecorder receives one audit event per callback. audit.AuditService
// satisfies it.
type EventRecorder interface {
	Record(ctx context.Context, event audit.AuthEvent)
}

// AuthService defines the business logic contract for identity-provider
// login. Handlers call these methods -- they never touch the repository
// directly.
type AuthService interface {
	// Start mints a state record and returns where to send the browser.
	// The record must be stored in the state cookies when the outcome is a
	// Redirect.
	Start(ctx context.Context, input StartInput) (oauthstate.Record, Outcome)

	// Callback runs the login pipeline. It never returns a nil Outcome.
	Callback(ctx context.Context, input CallbackInput) Outcome

	// ValidateSession decodes a session token and loads its account.
	ValidateSession(ctx context.Context, token string) (*Session, error)

	// AdminAccount returns an account with its provider identity, if the
	// provider can be reached.
	AdminAccount(ctx context.Context, accountID string) (*AdminAccountView, error)

	// AddressURL is where an account goes to add a mailing address.
	AddressURL(acct *Account) string
}

// AdminAccountView is the admin JSON shape for one account.
type AdminAccountView struct {
	Account  AccountView             `json:"account"`
	Identity *identityvault.Identity `json:"identity,omitempty"`
}

// authService implements AuthService.
type authService struct {
	vault      IdentityProvider
	repo       AccountRepository
	resolver   *Resolver
	roles      *RoleSynchronizer
	codec      *sessiontoken.Codec
	events     EventRecorder
	onboarding string
}

// NewAuthService creates the login service. events may be nil.
func NewAuthService(vault IdentityProvider, repo AccountRepository, codec *sessiontoken.Codec, events EventRecorder, onboardingPolicy string) AuthService {
	return &authService{
		vault:      vault,
		repo:       repo,
		resolver:   NewResolver(repo),
		roles:      NewRoleSynchronizer(repo),
		codec:      codec,
		events:     events,
		onboarding: onboardingPolicy,
	}
}

// Start generates the CSRF state and the provider authorization URL. In
// bypass mode the browser goes straight to the callback with a placeholder
// code; the callback still checks state.
func (s *authService) Start(ctx context.Context, input StartInput) (oauthstate.Record, Outcome) {
	rec, err := oauthstate.Generate(input.ReturnPath)
	if err != nil {
		return rec, fail(StageStart, fmt.Errorf("generating state: %w", err))
	}

	if s.vault.Mode() == identityvault.ModeBypass {
		q := url.Values{}
		q.Set("bypassed", "true")
		q.Set("state", rec.State)
		q.Set("code", bypassCode)
		return rec, Redirect{Path: CallbackPath + "?" + q.Encode(), Reason: "bypass"}
	}

	return rec, Redirect{
		Path: s.vault.AuthorizeURL(identityvault.AuthorizeOptions{
			State:     rec.State,
			LoginHint: input.LoginHint,
		}),
		Reason: "authorize",
	}
}

// Callback runs state check, code exchange, profile fetch, resolution, role
// sync and session issue, and records the outcome.
func (s *authService) Callback(ctx context.Context, input CallbackInput) Outcome {
	out := s.callback(ctx, input)

	switch o := out.(type) {
	case Failure:
		slog.Warn("identity login failed",
			slog.String("stage", string(o.Stage)),
			slog.String("kind", string(o.Kind)),
			slog.Any("error", o.Err),
		)
	case Success:
		slog.Info("identity login succeeded",
			slog.String("account_id", o.AccountID),
			slog.String("resolution", o.Resolution.String()),
		)
	}

	RecordOutcome(ctx, s.events, audit.ProviderIdentityVault, input.RemoteIP, out)
	return out
}

func (s *authService) callback(ctx context.Context, input CallbackInput) Outcome {
	if input.StateErr != nil {
		return fail(StageStateCheck, input.StateErr)
	}
	if input.ProviderError != "" {
		return fail(StageCodeExchange, fmt.Errorf("%w: provider returned %q", apperror.ErrUpstreamRejected, input.ProviderError))
	}
	if input.Code == "" {
		return fail(StageCodeExchange, apperror.ErrMissingAuthorizationCode)
	}

	var profile *identityvault.Profile
	if s.vault.Mode() == identityvault.ModeBypass {
		p, err := s.vault.Authenticate(ctx, input.Code, "")
		if err != nil {
			return fail(StageProfileFetch, err)
		}
		profile = p
	} else {
		tok, err := s.vault.ExchangeCode(ctx, input.Code, "")
		if err != nil {
			return fail(StageCodeExchange, err)
		}
		p, err := s.vault.FetchProfile(ctx, tok.AccessToken)
		if err != nil {
			return fail(StageProfileFetch, err)
		}
		profile = p
	}

	acct, res, err := s.resolver.Resolve(ctx, profile)
	if err != nil {
		return fail(StageResolution, err)
	}

	if err := s.roles.Sync(ctx, acct, profile); err != nil {
		return fail(StageRoleSync, err)
	}

	token, err := s.codec.Encode(acct.ID)
	if err != nil {
		return fail(StageSessionIssued, fmt.Errorf("encoding session: %w", err))
	}

	returnPath := input.ReturnPath
	if returnPath == "" {
		returnPath = oauthstate.DefaultReturnPath
	}
	if s.needsOnboarding(acct, profile, input) {
		returnPath = OnboardingPath
	}

	return Success{
		AccountID:  acct.ID,
		Token:      token,
		ReturnPath: returnPath,
		Resolution: res,
	}
}

// needsOnboarding applies the configured onboarding policy. Accounts that
// finished onboarding are never sent back.
func (s *authService) needsOnboarding(acct *Account, p *identityvault.Profile, input CallbackInput) bool {
	if acct.OnboardingCompletedAt != nil {
		return false
	}
	switch s.onboarding {
	case config.OnboardingAddress:
		return p.FirstAddress() == nil
	case config.OnboardingAcknowledgement:
		return !input.OnboardingAcknowledged
	default:
		return false
	}
}

// RecordOutcome turns a login outcome into an audit event. Redirects are
// not recorded. events may be nil.
func RecordOutcome(ctx context.Context, events EventRecorder, provider, remoteIP string, out Outcome) {
	if events == nil {
		return
	}
	ev := audit.AuthEvent{Provider: provider, RemoteIP: remoteIP}
	switch o := out.(type) {
	case Success:
		ev.Outcome = audit.OutcomeSuccess
		ev.AccountID = o.AccountID
		ev.Stage = string(StageSessionIssued)
		ev.Resolution = o.Resolution.String()
	case Failure:
		ev.Outcome = audit.OutcomeFailure
		ev.Stage = string(o.Stage)
		ev.FailureKind = string(o.Kind)
	default:
		return
	}
	events.Record(ctx, ev)
}

// ValidateSession decodes token and loads the account it names. Decode
// failures keep their apperror sentinel so the middleware can clear the
// cookie.
func (s *authService) ValidateSession(ctx context.Context, token string) (*Session, error) {
	accountID, err := s.codec.Decode(token)
	if err != nil {
		return nil, err
	}

	acct, err := s.repo.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Session{AccountID: acct.ID, Account: acct}, nil
}

// AdminAccount loads the account and, when it is linked, the provider's
// identity record. A provider failure is logged and the identity omitted.
func (s *authService) AdminAccount(ctx context.Context, accountID string) (*AdminAccountView, error) {
	acct, err := s.repo.FindByID(ctx, accountID)
	if err != nil {
		if apperror.IsNotFound(err) {
			return nil, err
		}
		return nil, apperror.NewServiceUnavailable(fmt.Errorf("loading account: %w", err))
	}

	view := &AdminAccountView{Account: acct.View()}
	if acct.IdentityVaultID == "" {
		return view, nil
	}

	identity, err := s.vault.GetIdentity(ctx, acct.IdentityVaultID)
	if err != nil {
		slog.Warn("identity lookup failed",
			slog.String("account_id", acct.ID),
			slog.Any("error", err),
		)
		return view, nil
	}
	view.Identity = identity
	return view, nil
}

// AddressURL returns the provider's address form, stashing the account id so
// the provider can hand it back.
func (s *authService) AddressURL(acct *Account) string {
	return s.vault.AddressCreationURL(map[string]any{"account_id": acct.ID})
}
