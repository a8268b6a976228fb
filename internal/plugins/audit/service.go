package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keyxmakerx/buildboard/internal/apperror"
)

// perPage is the number of events returned per page of the admin feed.
const perPage = 50

// maxAccountEvents caps the history returned for a single account.
const maxAccountEvents = 100

// recordTimeout bounds a background write.
const recordTimeout = 5 * time.Second

// AuditService handles business logic for the login audit trail.
type AuditService interface {
	// Log validates and persists an event synchronously.
	Log(ctx context.Context, event *AuthEvent) error

	// Record persists an event in the background. It never blocks the
	// caller and never fails; write errors are logged.
	Record(ctx context.Context, event AuthEvent)

	// Recent returns a page of the most recent events (1-indexed).
	Recent(ctx context.Context, page int) ([]AuthEvent, error)

	// AccountHistory returns an account's recent login events.
	AccountHistory(ctx context.Context, accountID string) ([]AuthEvent, error)

	// Summary aggregates events from the last window.
	Summary(ctx context.Context, window time.Duration) (*Summary, error)

	// Wait blocks until every background write has finished. Used on
	// shutdown.
	Wait()
}

// auditService implements AuditService.
type auditService struct {
	repo     AuditRepository
	inflight sync.WaitGroup
	now      func() time.Time
}

// NewAuditService creates a new audit service with the given repository.
func NewAuditService(repo AuditRepository) AuditService {
	return &auditService{repo: repo, now: time.Now}
}

// Log fills in the id and timestamp when missing, validates required fields,
// and writes the event.
func (s *auditService) Log(ctx context.Context, e *AuthEvent) error {
	if e.Provider == "" {
		return apperror.NewBadRequest("provider is required for auth event")
	}
	if e.Outcome != OutcomeSuccess && e.Outcome != OutcomeFailure {
		return apperror.NewBadRequest("outcome must be success or failure")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}

	if err := s.repo.Log(ctx, e); err != nil {
		slog.Error("failed to write auth event",
			slog.String("provider", e.Provider),
			slog.String("outcome", e.Outcome),
			slog.Any("error", err),
		)
		return apperror.NewInternal(fmt.Errorf("writing auth event: %w", err))
	}
	return nil
}

// Record writes the event on a background goroutine detached from the
// request context, so a client disconnect does not drop the record.
func (s *auditService) Record(ctx context.Context, e AuthEvent) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		// Log already reports write failures.
		_ = s.Log(ctx, &e)
	}()
}

// Recent returns one page of the feed. Invalid pages are clamped to 1.
func (s *auditService) Recent(ctx context.Context, page int) ([]AuthEvent, error) {
	if page < 1 {
		page = 1
	}
	events, err := s.repo.ListRecent(ctx, perPage, (page-1)*perPage)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("listing auth events: %w", err))
	}
	return events, nil
}

// AccountHistory returns up to maxAccountEvents events for an account.
func (s *auditService) AccountHistory(ctx context.Context, accountID string) ([]AuthEvent, error) {
	if accountID == "" {
		return nil, apperror.NewBadRequest("account ID is required")
	}
	events, err := s.repo.ListByAccount(ctx, accountID, maxAccountEvents)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("listing account auth events: %w", err))
	}
	return events, nil
}

// Summary aggregates the last window (default 24h).
func (s *auditService) Summary(ctx context.Context, window time.Duration) (*Summary, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	sum, err := s.repo.Summarize(ctx, s.now().UTC().Add(-window))
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("summarizing auth events: %w", err))
	}
	return sum, nil
}

func (s *auditService) Wait() { s.inflight.Wait() }
