package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditRepository defines the data access contract for login events.
// All SQL lives in the concrete implementation -- no SQL leaks out.
type AuditRepository interface {
	// Log inserts a new event.
	Log(ctx context.Context, event *AuthEvent) error

	// ListRecent returns the most recent events, newest first.
	ListRecent(ctx context.Context, limit, offset int) ([]AuthEvent, error)

	// ListByAccount returns the most recent events for one account.
	ListByAccount(ctx context.Context, accountID string, limit int) ([]AuthEvent, error)

	// Summarize aggregates events created at or after since.
	Summarize(ctx context.Context, since time.Time) (*Summary, error)
}

// auditRepository implements AuditRepository with MariaDB queries.
type auditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new repository backed by the given DB pool.
func NewAuditRepository(db *sql.DB) AuditRepository {
	return &auditRepository{db: db}
}

// Log inserts an event. Optional fields are stored as SQL NULL.
func (r *auditRepository) Log(ctx context.Context, e *AuthEvent) error {
	query := `INSERT INTO auth_events (id, provider, account_id, outcome, failure_kind, stage, resolution, remote_ip, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.Provider, nullString(e.AccountID), e.Outcome,
		nullString(e.FailureKind), e.Stage, nullString(e.Resolution),
		e.RemoteIP, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting auth event: %w", err)
	}
	return nil
}

const selectEvents = `SELECT id, provider, account_id, outcome, failure_kind, stage, resolution, remote_ip, created_at
	FROM auth_events`

// ListRecent returns events newest first.
func (r *auditRepository) ListRecent(ctx context.Context, limit, offset int) ([]AuthEvent, error) {
	rows, err := r.db.QueryContext(ctx, selectEvents+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying auth events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListByAccount returns an account's events newest first.
func (r *auditRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]AuthEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		selectEvents+` WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying auth events by account: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Summarize counts outcomes and failure kinds since the given time.
func (r *auditRepository) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT outcome, COALESCE(failure_kind, ''), COUNT(*)
		 FROM auth_events WHERE created_at >= ?
		 GROUP BY outcome, failure_kind`, since)
	if err != nil {
		return nil, fmt.Errorf("summarizing auth events: %w", err)
	}
	defer rows.Close()

	s := &Summary{ByFailureKind: make(map[string]int)}
	for rows.Next() {
		var (
			outcome, kind string
			n             int
		)
		if err := rows.Scan(&outcome, &kind, &n); err != nil {
			return nil, fmt.Errorf("scanning auth event summary: %w", err)
		}
		switch outcome {
		case OutcomeSuccess:
			s.Successes += n
		case OutcomeFailure:
			s.Failures += n
			if kind != "" {
				s.ByFailureKind[kind] += n
			}
		}
	}
	return s, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]AuthEvent, error) {
	var events []AuthEvent
	for rows.Next() {
		var (
			e                           AuthEvent
			accountID, kind, resolution sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Provider, &accountID, &e.Outcome, &kind,
			&e.Stage, &resolution, &e.RemoteIP, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning auth event: %w", err)
		}
		e.AccountID = accountID.String
		e.FailureKind = kind.String
		e.Resolution = resolution.String
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
