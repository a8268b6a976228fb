package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/keyxmakerx/buildboard/internal/apperror"
	"github.com/keyxmakerx/buildboard/internal/oauthstate"
	"github.com/keyxmakerx/buildboard/internal/plugins/audit"
	"github.com/keyxmakerx/buildboard/internal/plugins/auth"
	"github.com/keyxmakerx/buildboard/internal/retry"
	"github.com/keyxmakerx/buildboard/internal/sessiontoken"
)

// ChatLinker pushes a chat id to the identity provider. identityvault.Client
// satisfies it.
type ChatLinker interface {
	SetChatID(ctx context.Context, identityID, chatID string) error
}

// Config holds the Slack client settings.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// AuthURL and TokenURL override the Slack endpoints (tests).
	AuthURL  string
	TokenURL string

	Retry      retry.Policy
	HTTPClient *http.Client
}

// ChatService defines the business logic contract for chat-provider login.
type ChatService interface {
	// Start mints a state record and returns the provider redirect.
	Start(ctx context.Context, returnPath string) (oauthstate.Record, auth.Outcome)

	// Callback exchanges the code, reads the id_token, resolves the account
	// and issues a session.
	Callback(ctx context.Context, input auth.CallbackInput) auth.Outcome
}

// chatService implements ChatService.
type chatService struct {
	oauth  *oauth2.Config
	http   *http.Client
	retry  retry.Policy
	repo   auth.AccountRepository
	codec  *sessiontoken.Codec
	linker ChatLinker
	events auth.EventRecorder
}

// NewChatService creates the chat login service. linker and events may be
// nil.
func NewChatService(cfg Config, repo auth.AccountRepository, codec *sessiontoken.Codec, linker ChatLinker, events auth.EventRecorder) ChatService {
	authURL, tokenURL := cfg.AuthURL, cfg.TokenURL
	if authURL == "" {
		authURL = AuthURL
	}
	if tokenURL == "" {
		tokenURL = TokenURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &chatService{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		http:   hc,
		retry:  cfg.Retry,
		repo:   repo,
		codec:  codec,
		linker: linker,
		events: events,
	}
}

// Start generates state and the Slack authorization URL.
func (s *chatService) Start(_ context.Context, returnPath string) (oauthstate.Record, auth.Outcome) {
	rec, err := oauthstate.Generate(returnPath)
	if err != nil {
		return rec, auth.Failure{Kind: apperror.KindOf(err), Stage: auth.StageStart, Err: err}
	}
	return rec, auth.Redirect{Path: s.oauth.AuthCodeURL(rec.State), Reason: "authorize"}
}

// Callback runs the chat login and records the outcome.
func (s *chatService) Callback(ctx context.Context, input auth.CallbackInput) auth.Outcome {
	out := s.callback(ctx, input)

	switch o := out.(type) {
	case auth.Failure:
		slog.Warn("chat login failed",
			slog.String("stage", string(o.Stage)),
			slog.String("kind", string(o.Kind)),
			slog.Any("error", o.Err),
		)
	case auth.Success:
		slog.Info("chat login succeeded",
			slog.String("account_id", o.AccountID),
			slog.String("resolution", o.Resolution.String()),
		)
	}

	auth.RecordOutcome(ctx, s.events, audit.ProviderChat, input.RemoteIP, out)
	return out
}

func (s *chatService) callback(ctx context.Context, input auth.CallbackInput) auth.Outcome {
	if input.StateErr != nil {
		return failure(auth.StageStateCheck, input.StateErr)
	}
	if input.ProviderError != "" {
		return failure(auth.StageCodeExchange, fmt.Errorf("%w: slack returned %q", apperror.ErrUpstreamRejected, input.ProviderError))
	}
	if input.Code == "" {
		return failure(auth.StageCodeExchange, apperror.ErrMissingAuthorizationCode)
	}

	tok, err := s.exchange(ctx, input.Code)
	if err != nil {
		return failure(auth.StageCodeExchange, err)
	}

	claims, err := parseIDToken(tok)
	if err != nil {
		return failure(auth.StageProfileFetch, err)
	}

	acct, res, err := s.resolve(ctx, claims)
	if err != nil {
		return failure(auth.StageResolution, err)
	}

	if !acct.Roles.Has(auth.RoleChatMember) {
		if err := s.repo.GrantRole(ctx, acct.ID, auth.RoleChatMember); err != nil {
			return failure(auth.StageRoleSync, fmt.Errorf("granting chat_member: %w", err))
		}
	}
	s.pushChatID(ctx, acct, claims.ChatID())

	token, err := s.codec.Encode(acct.ID)
	if err != nil {
		return failure(auth.StageSessionIssued, fmt.Errorf("encoding session: %w", err))
	}

	return auth.Success{
		AccountID:  acct.ID,
		Token:      token,
		ReturnPath: auth.OnboardingPath,
		Resolution: res,
	}
}

// exchange trades the code at Slack's openid.connect.token endpoint. Slack
// answers errors with 200 and {"ok":false,"error":...}, which oauth2
// reports as a RetrieveError.
func (s *chatService) exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	p := s.retry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		slog.Warn("slack token exchange failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
	}

	tok, err := retry.Do(ctx, p, func(ctx context.Context) (*oauth2.Token, error) {
		return s.oauth.Exchange(context.WithValue(ctx, oauth2.HTTPClient, s.http), code)
	})
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, fmt.Errorf("%w: slack token exchange: %s", apperror.ErrUpstreamRejected, retrieveErr.ErrorCode)
		}
		return nil, err
	}
	return tok, nil
}

// parseIDToken reads the id_token claims. The token came straight from
// Slack's token endpoint over TLS, so its signature is not re-verified.
func parseIDToken(tok *oauth2.Token) (*Claims, error) {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return nil, fmt.Errorf("%w: no id_token in slack response", apperror.ErrUpstreamRejected)
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: parsing id_token: %w", apperror.ErrUpstreamRejected, err)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("%w: id_token has no email", apperror.ErrUpstreamRejected)
	}
	if claims.ChatID() == "" {
		return nil, fmt.Errorf("%w: id_token has no user id", apperror.ErrUpstreamRejected)
	}
	return claims, nil
}

// resolve finds the account by email or creates one. A conflicting create
// means a concurrent login created it; the email lookup is repeated once.
func (s *chatService) resolve(ctx context.Context, claims *Claims) (*auth.Account, auth.Resolution, error) {
	acct, err := s.repo.FindByEmail(ctx, claims.Email)
	switch {
	case err == nil:
		return acct, auth.ResolvedByEmail, nil
	case !apperror.IsNotFound(err):
		return nil, 0, err
	}

	acct, err = s.repo.Create(ctx, auth.CreateAccountInput{
		Email:     claims.Email,
		ChatID:    claims.ChatID(),
		FirstName: claims.FirstName(),
		LastName:  claims.FamilyName,
	}, "chat:"+claims.ChatID())
	if err == nil {
		return acct, auth.ResolvedCreated, nil
	}
	if !errors.Is(err, apperror.ErrAccountConflict) {
		return nil, 0, err
	}

	acct, err = s.repo.FindByEmail(ctx, claims.Email)
	if err != nil {
		if apperror.IsNotFound(err) {
			return nil, 0, fmt.Errorf("%w: no account after conflicting create", apperror.ErrAccountConflict)
		}
		return nil, 0, err
	}
	return acct, auth.ResolvedByEmail, nil
}

// pushChatID tells the identity provider about the chat id when the account
// is linked and the provider does not know it yet. Failures are logged.
func (s *chatService) pushChatID(ctx context.Context, acct *auth.Account, chatID string) {
	if s.linker == nil || acct.IdentityVaultID == "" || acct.ChatID == chatID {
		return
	}
	if err := s.linker.SetChatID(ctx, acct.IdentityVaultID, chatID); err != nil {
		slog.Warn("pushing chat id to identity provider failed",
			slog.String("account_id", acct.ID),
			slog.Any("error", err),
		)
	}
}

func failure(stage auth.Stage, err error) auth.Failure {
	return auth.Failure{Kind: apperror.KindOf(err), Stage: stage, Err: err}
}
