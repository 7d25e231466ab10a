// Package audit records the security event trail: pairing attempts,
// token rotations, logins, challenge transitions, and credential reveals.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types recorded by the core. Failures are first-class events:
// a rejected pairing is at least as interesting as an accepted one.
const (
	EventPairingAccepted    = "pairing_accepted"
	EventPairingRejected    = "pairing_rejected"
	EventTokenRotated       = "token_rotated"
	EventTokenAcknowledged  = "token_acknowledged"
	EventLoginSuccess       = "login_success"
	EventLoginFailure       = "login_failure"
	EventChallengeCreated   = "challenge_created"
	EventChallengeApproved  = "challenge_approved"
	EventChallengeConsumed  = "challenge_consumed"
	EventDeviceRevoked      = "device_revoked"
	EventCredentialRevealed = "credential_revealed"
)

// Event is a single audit trail entry.
type Event struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	Actor      string         `json:"actor,omitempty"`   // user ID or hub serial
	Subject    string         `json:"subject,omitempty"` // what was acted on
	Outcome    string         `json:"outcome"`           // success or failure
	Detail     map[string]any `json:"detail,omitempty"`
	RemoteAddr string         `json:"remote_addr,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter controls which events to return.
type Filter struct {
	EventType string // optional: filter by event type
	Actor     string // optional: filter by actor
	Outcome   string // optional: success or failure
	Limit     int    // default 50, max 200
	Offset    int    // pagination offset
}

// ListResult contains the paginated event results.
type ListResult struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// Repository defines the interface for audit trail operations.
type Repository interface {
	Record(ctx context.Context, event *Event) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores audit events in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewRepository creates a new audit repository.
func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts an event. The ID, outcome, and timestamp are defaulted
// if empty. Audit writes must never break the operation they describe;
// callers log and continue on error.
func (r *SQLiteRepository) Record(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = "aud-" + uuid.NewString()[:8]
	}
	if event.Outcome == "" {
		event.Outcome = "success"
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	detail := ""
	if event.Detail != nil {
		b, err := json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("marshalling audit detail: %w", err)
		}
		detail = string(b)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, event_type, actor, subject, outcome, detail, remote_addr, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.EventType, event.Actor, event.Subject, event.Outcome,
		detail, event.RemoteAddr, event.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}

	return nil
}

// List returns events matching the filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}

	where, args := buildWhere(filter)

	var total int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_logs"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit events: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, event_type, actor, subject, outcome, detail, remote_addr, created_at
		 FROM audit_logs`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		var detail, createdAt string
		if err := rows.Scan(&e.ID, &e.EventType, &e.Actor, &e.Subject, &e.Outcome,
			&detail, &e.RemoteAddr, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		if detail != "" {
			if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshalling audit detail: %w", err)
			}
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit events: %w", err)
	}

	return &ListResult{
		Events: events,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

// buildWhere assembles the WHERE clause for a filter.
func buildWhere(filter Filter) (string, []any) {
	var conds []string
	var args []any

	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, filter.Actor)
	}
	if filter.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, filter.Outcome)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
