package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/keyxmakerx/buildboard/internal/identityvault"
)

// RoleSynchronizer brings a resolved account's roles in line with what the
// identity provider just vouched for. Every step is safe to repeat.
type RoleSynchronizer struct {
	repo AccountRepository
}

// NewRoleSynchronizer creates a synchronizer over repo.
func NewRoleSynchronizer(repo AccountRepository) *RoleSynchronizer {
	return &RoleSynchronizer{repo: repo}
}

// Sync grants idv, marks verification complete, and when the profile
// carries a chat id grants chat_member and triggers one handle sync. Roles
// the account already holds are not re-sent. acct.Roles is updated in
// place.
func (s *RoleSynchronizer) Sync(ctx context.Context, acct *Account, p *identityvault.Profile) error {
	if err := s.ensure(ctx, acct, RoleIDV); err != nil {
		return err
	}
	if err := s.repo.MarkIdentityVerified(ctx, acct.ID); err != nil {
		return fmt.Errorf("completing verification: %w", err)
	}

	if p.ChatID == "" {
		return nil
	}
	if err := s.ensure(ctx, acct, RoleChatMember); err != nil {
		return err
	}

	// The handle is cosmetic; a failed sync must not fail the login.
	if err := s.repo.SyncHandleFromChat(ctx, acct.ID); err != nil {
		slog.Warn("handle sync failed",
			slog.String("account_id", acct.ID),
			slog.Any("error", err),
		)
	}
	return nil
}

func (s *RoleSynchronizer) ensure(ctx context.Context, acct *Account, role Role) error {
	if acct.Roles.Has(role) {
		return nil
	}
	if err := s.repo.GrantRole(ctx, acct.ID, role); err != nil {
		return fmt.Errorf("granting %s: %w", role, err)
	}
	acct.grant(role)
	return nil
}
