package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/keyxmakerx/buildboard/internal/apperror"
	"github.com/keyxmakerx/buildboard/internal/identityvault"
)

// Resolver maps a verified identity profile onto exactly one local account.
//
// The rules, in order:
//  1. an account already linked to the identity wins, whatever session
//     the browser currently holds;
//  2. otherwise an account with the same email is linked to the identity;
//  3. otherwise a new account is created, keyed for idempotency by the
//     identity id.
//
// A store-level conflict means a concurrent login for the same identity got
// there first. The rules are then run once more, which finds that login's
// account. A second conflict is returned to the caller.
type Resolver struct {
	repo AccountRepository
}

// NewResolver creates a resolver over repo.
func NewResolver(repo AccountRepository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve returns the account for p and which rule produced it.
func (r *Resolver) Resolve(ctx context.Context, p *identityvault.Profile) (*Account, Resolution, error) {
	if p == nil || p.IdentityID == "" {
		return nil, 0, fmt.Errorf("%w: profile has no identity id", apperror.ErrUpstreamRejected)
	}

	acct, res, err := r.attempt(ctx, p)
	if err == nil {
		return acct, res, nil
	}
	if !errors.Is(err, apperror.ErrAccountConflict) {
		return nil, 0, err
	}

	slog.Info("account resolution lost a race, retrying",
		slog.String("identity_vault_id", p.IdentityID),
	)

	acct, res, err = r.match(ctx, p)
	if err != nil {
		return nil, 0, err
	}
	if acct == nil {
		return nil, 0, fmt.Errorf("%w: no account after conflicting create for identity", apperror.ErrAccountConflict)
	}
	return acct, res, nil
}

// attempt is one full pass of the rules.
func (r *Resolver) attempt(ctx context.Context, p *identityvault.Profile) (*Account, Resolution, error) {
	acct, res, err := r.match(ctx, p)
	if err != nil || acct != nil {
		return acct, res, err
	}

	acct, err = r.repo.Create(ctx, createInput(p), p.IdentityID)
	if err != nil {
		return nil, 0, err
	}

	slog.Info("account created from identity",
		slog.String("account_id", acct.ID),
		slog.String("identity_vault_id", p.IdentityID),
	)
	return acct, ResolvedCreated, nil
}

// match applies rules 1 and 2. It returns a nil account when neither
// matched.
func (r *Resolver) match(ctx context.Context, p *identityvault.Profile) (*Account, Resolution, error) {
	acct, err := r.repo.FindByIdentityVaultID(ctx, p.IdentityID)
	switch {
	case err == nil:
		return acct, ResolvedLinked, nil
	case !apperror.IsNotFound(err):
		return nil, 0, err
	}

	if normalizeEmail(p.PrimaryEmail) == "" {
		return nil, 0, nil
	}

	acct, err = r.repo.FindByEmail(ctx, p.PrimaryEmail)
	switch {
	case apperror.IsNotFound(err):
		return nil, 0, nil
	case err != nil:
		return nil, 0, err
	}

	if err := r.repo.LinkIdentity(ctx, acct.ID, LinkIdentityInput{
		IdentityVaultID:    p.IdentityID,
		AccessToken:        p.AccessToken,
		Country:            p.Country(),
		VerificationStatus: p.VerificationStatus,
		YSWSEligible:       p.YSWSEligible,
	}); err != nil {
		return nil, 0, err
	}
	acct.IdentityVaultID = p.IdentityID

	slog.Info("identity linked to existing account",
		slog.String("account_id", acct.ID),
		slog.String("identity_vault_id", p.IdentityID),
	)
	return acct, ResolvedByEmail, nil
}

func createInput(p *identityvault.Profile) CreateAccountInput {
	return CreateAccountInput{
		Email:                    p.PrimaryEmail,
		ChatID:                   p.ChatID,
		Phone:                    p.Phone,
		IdentityVaultID:          p.IdentityID,
		IdentityVaultAccessToken: p.AccessToken,
		VerificationStatus:       p.VerificationStatus,
		YSWSEligible:             p.YSWSEligible,
		FirstName:                p.FirstName,
		LastName:                 p.LastName,
		Birthday:                 p.Birthday,
		Address:                  p.FirstAddress(),
	}
}
