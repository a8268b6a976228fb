package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/keyxmakerx/buildboard/internal/apperror"
	"github.com/keyxmakerx/buildboard/internal/backend"
)

// AccountRepository defines the data access contract for accounts held by
// the backend record store. Lookups that find nothing return an
// apperror NotFound; a store-level race returns an error wrapping
// apperror.ErrAccountConflict; anything else wraps
// apperror.ErrBackendUnavailable.
type AccountRepository interface {
	FindByIdentityVaultID(ctx context.Context, identityVaultID string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	FindByID(ctx context.Context, id string) (*Account, error)

	// Create creates an account. idempotencyKey makes a repeated create
	// for the same identity converge on one record.
	Create(ctx context.Context, input CreateAccountInput, idempotencyKey string) (*Account, error)

	LinkIdentity(ctx context.Context, accountID string, input LinkIdentityInput) error

	// GrantRole is idempotent: granting a held role is not an error.
	GrantRole(ctx context.Context, accountID string, role Role) error

	MarkIdentityVerified(ctx context.Context, accountID string) error
	SyncHandleFromChat(ctx context.Context, accountID string) error
}

// accountRepository implements AccountRepository over the store's HTTP API.
type accountRepository struct {
	store *backend.Client
}

// NewAccountRepository creates a repository on the given store client.
func NewAccountRepository(store *backend.Client) AccountRepository {
	return &accountRepository{store: store}
}

// --- wire types ---

type wireRole struct {
	RoleID string `json:"role_id"`
}

type wireAccount struct {
	UserID                string     `json:"user_id"`
	Email                 string     `json:"email"`
	SlackID               *string    `json:"slack_id"`
	IdentityVaultID       *string    `json:"identity_vault_id"`
	Roles                 []wireRole `json:"roles"`
	OnboardingCompletedAt *time.Time `json:"onboarding_completed_at"`
	Handle                *string    `json:"handle"`
}

func (w *wireAccount) toAccount() *Account {
	a := &Account{
		ID:                    w.UserID,
		Email:                 w.Email,
		ChatID:                deref(w.SlackID),
		IdentityVaultID:       deref(w.IdentityVaultID),
		Roles:                 NewRoleSet(),
		OnboardingCompletedAt: w.OnboardingCompletedAt,
		Handle:                deref(w.Handle),
	}
	for _, r := range w.Roles {
		// Roles this service does not know about are ignored.
		if role, ok := ParseRole(r.RoleID); ok {
			a.Roles.Add(role)
		}
	}
	return a
}

type wireProfile struct {
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	IsPublic  bool    `json:"is_public"`
	Birthday  *string `json:"birthday"`
}

type wireAddress struct {
	Line1     *string `json:"address_line_1"`
	Line2     *string `json:"address_line_2"`
	City      *string `json:"city"`
	State     *string `json:"state"`
	Country   *string `json:"country"`
	PostCode  *string `json:"post_code"`
	IsPrimary bool    `json:"is_primary"`
}

type wireCreate struct {
	Email                    string       `json:"email"`
	SlackID                  *string      `json:"slack_id"`
	PhoneNumber              *string      `json:"phone_number"`
	IdentityVaultID          *string      `json:"identity_vault_id"`
	IdentityVaultAccessToken *string      `json:"identity_vault_access_token"`
	VerificationStatus       *string      `json:"verification_status"`
	YSWSEligible             bool         `json:"ysws_eligible"`
	Profile                  wireProfile  `json:"profile"`
	Address                  *wireAddress `json:"address"`
}

type wireLink struct {
	IdentityVaultID          string  `json:"identity_vault_id"`
	IdentityVaultAccessToken string  `json:"identity_vault_access_token"`
	IDVCountry               *string `json:"idv_country"`
	VerificationStatus       *string `json:"verification_status"`
	YSWSEligible             bool    `json:"ysws_eligible"`
}

// --- lookups ---

func (r *accountRepository) FindByIdentityVaultID(ctx context.Context, identityVaultID string) (*Account, error) {
	return r.find(ctx, "/users/by-identity-vault-id/"+url.PathEscape(identityVaultID))
}

// FindByEmail looks the address up as given first. Records written before
// emails were normalized on create may still carry mixed case, so the
// normalized form is only tried after a miss.
func (r *accountRepository) FindByEmail(ctx context.Context, email string) (*Account, error) {
	acct, err := r.find(ctx, "/users/by-email/"+url.PathEscape(email))
	if normalized := normalizeEmail(email); apperror.IsNotFound(err) && normalized != email {
		return r.find(ctx, "/users/by-email/"+url.PathEscape(normalized))
	}
	return acct, err
}

func (r *accountRepository) FindByID(ctx context.Context, id string) (*Account, error) {
	return r.find(ctx, "/users/"+url.PathEscape(id))
}

func (r *accountRepository) find(ctx context.Context, path string) (*Account, error) {
	var w wireAccount
	if err := r.store.Do(ctx, backend.Request{Method: http.MethodGet, Path: path}, &w); err != nil {
		return nil, storeErr("looking up account", err)
	}
	if w.UserID == "" {
		// A 2xx without a record is treated like a miss.
		return nil, apperror.NewNotFound("account not found")
	}
	return w.toAccount(), nil
}

// --- mutations ---

func (r *accountRepository) Create(ctx context.Context, in CreateAccountInput, idempotencyKey string) (*Account, error) {
	body := wireCreate{
		Email:                    normalizeEmail(in.Email),
		SlackID:                  optional(in.ChatID),
		PhoneNumber:              optional(in.Phone),
		IdentityVaultID:          optional(in.IdentityVaultID),
		IdentityVaultAccessToken: optional(in.IdentityVaultAccessToken),
		VerificationStatus:       optional(string(in.VerificationStatus)),
		YSWSEligible:             in.YSWSEligible,
		Profile: wireProfile{
			FirstName: in.FirstName,
			LastName:  in.LastName,
			Birthday:  optional(in.Birthday),
		},
	}
	if a := in.Address; a != nil {
		body.Address = &wireAddress{
			Line1:     optional(a.Line1),
			Line2:     optional(a.Line2),
			City:      optional(a.City),
			State:     optional(a.State),
			Country:   optional(a.CountryCode),
			PostCode:  optional(a.PostalCode),
			IsPrimary: true,
		}
	}

	req := backend.Request{Method: http.MethodPost, Path: "/users", Body: body}
	if idempotencyKey != "" {
		req.Header = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}

	var w wireAccount
	if err := r.store.Do(ctx, req, &w); err != nil {
		return nil, storeErr("creating account", err)
	}
	if w.UserID == "" {
		return nil, fmt.Errorf("%w: create returned no user id", apperror.ErrBackendUnavailable)
	}
	return w.toAccount(), nil
}

func (r *accountRepository) LinkIdentity(ctx context.Context, accountID string, in LinkIdentityInput) error {
	body := wireLink{
		IdentityVaultID:          in.IdentityVaultID,
		IdentityVaultAccessToken: in.AccessToken,
		IDVCountry:               optional(in.Country),
		VerificationStatus:       optional(string(in.VerificationStatus)),
		YSWSEligible:             in.YSWSEligible,
	}
	err := r.store.Do(ctx, backend.Request{
		Method: http.MethodPost,
		Path:   "/users/" + url.PathEscape(accountID) + "/link-idv",
		Body:   body,
	}, nil)
	if err != nil {
		return storeErr("linking identity", err)
	}
	return nil
}

func (r *accountRepository) GrantRole(ctx context.Context, accountID string, role Role) error {
	err := r.store.Do(ctx, backend.Request{
		Method: http.MethodPost,
		Path:   "/users/" + url.PathEscape(accountID) + "/roles/" + url.PathEscape(role.WireName()),
	}, nil)
	if backend.IsConflict(err) {
		// Already held.
		return nil
	}
	if err != nil {
		return storeErr("granting role "+string(role), err)
	}
	return nil
}

func (r *accountRepository) MarkIdentityVerified(ctx context.Context, accountID string) error {
	return r.actAs(ctx, accountID, "/idv-complete", "marking identity verified")
}

func (r *accountRepository) SyncHandleFromChat(ctx context.Context, accountID string) error {
	return r.actAs(ctx, accountID, "/sync-handle-from-slack", "syncing handle")
}

// actAs posts to a per-account action that the store authorizes against
// X-User-Id.
func (r *accountRepository) actAs(ctx context.Context, accountID, action, op string) error {
	err := r.store.Do(ctx, backend.Request{
		Method: http.MethodPost,
		Path:   "/users/" + url.PathEscape(accountID) + action,
		Header: http.Header{"X-User-Id": []string{accountID}},
	}, nil)
	if err != nil {
		return storeErr(op, err)
	}
	return nil
}

// storeErr maps transport errors onto the repository contract.
func storeErr(op string, err error) error {
	switch {
	case backend.IsNotFound(err):
		return apperror.NewNotFound("account not found")
	case errors.Is(err, apperror.ErrAccountConflict), errors.Is(err, apperror.ErrBackendUnavailable):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%w: %s: %w", apperror.ErrBackendUnavailable, op, err)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
