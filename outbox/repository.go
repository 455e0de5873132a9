package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"bookflow/booking"
	"bookflow/db"
)

// Status is the outbox row lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// ErrIntentNotFound is returned when no outbox row exists for the id.
var ErrIntentNotFound = errors.New("outbox: intent not found")

// Intent is one persisted side-effect request. It is written in the same
// transaction as the booking state change it belongs to and executed by the
// dispatcher strictly after that transaction commits.
type Intent struct {
	ID            string
	BookingID     string
	Kind          booking.IntentKind
	Payload       map[string]any
	Status        Status
	Attempts      int
	LastError     *string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	LastAttemptAt *time.Time
}

// Repository persists and claims outbox intents.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Enqueue writes the intent inside the caller's transaction.
func (r *Repository) Enqueue(ctx context.Context, tx pgx.Tx, intent booking.Intent) error {
	payload, err := json.Marshal(intent.Params)
	if err != nil {
		return fmt.Errorf("outbox: marshal intent payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO intent_outbox (id, booking_id, kind, payload)
        VALUES ($1, $2, $3, $4)
    `, uuid.NewString(), intent.BookingID, intent.Kind, payload); err != nil {
		return fmt.Errorf("outbox: enqueue intent: %w", err)
	}
	return nil
}

const intentColumns = `id, booking_id, kind, payload, status, attempts, last_error,
	next_attempt_at, created_at, last_attempt_at`

// ClaimBatch locks up to limit due pending intents. Rows stay locked until
// the claiming transaction ends, so concurrent workers never double-run an
// intent.
func (r *Repository) ClaimBatch(ctx context.Context, tx pgx.Tx, limit int, now time.Time) ([]Intent, error) {
	rows, err := tx.Query(ctx, `
        SELECT `+intentColumns+`
        FROM intent_outbox
        WHERE status = 'pending' AND next_attempt_at <= $1
        ORDER BY next_attempt_at
        LIMIT $2
        FOR UPDATE SKIP LOCKED
    `, now, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim batch: %w", err)
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func scanIntent(row pgx.Row) (Intent, error) {
	var (
		in      Intent
		payload []byte
	)
	if err := row.Scan(&in.ID, &in.BookingID, &in.Kind, &payload, &in.Status, &in.Attempts,
		&in.LastError, &in.NextAttemptAt, &in.CreatedAt, &in.LastAttemptAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Intent{}, ErrIntentNotFound
		}
		return Intent{}, fmt.Errorf("outbox: scan intent: %w", err)
	}
	if err := json.Unmarshal(payload, &in.Payload); err != nil {
		return Intent{}, fmt.Errorf("outbox: unmarshal intent payload: %w", err)
	}
	return in, nil
}

// MarkProcessed closes a successfully executed intent.
func (r *Repository) MarkProcessed(ctx context.Context, q db.Querier, id string, now time.Time) error {
	if _, err := q.Exec(ctx, `
        UPDATE intent_outbox
        SET status = 'processed', attempts = attempts + 1, last_attempt_at = $1, last_error = NULL
        WHERE id = $2
    `, now, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

// MarkRetry records a failed execution and schedules the next attempt.
func (r *Repository) MarkRetry(ctx context.Context, q db.Querier, id string, nextAttemptAt time.Time, execErr error, now time.Time) error {
	if _, err := q.Exec(ctx, `
        UPDATE intent_outbox
        SET attempts = attempts + 1, last_attempt_at = $1, last_error = $2, next_attempt_at = $3
        WHERE id = $4
    `, now, execErr.Error(), nextAttemptAt, id); err != nil {
		return fmt.Errorf("outbox: mark retry: %w", err)
	}
	return nil
}

// MarkDead moves an intent to the dead letter state after its attempt budget
// is spent.
func (r *Repository) MarkDead(ctx context.Context, q db.Querier, id string, execErr error, now time.Time) error {
	if _, err := q.Exec(ctx, `
        UPDATE intent_outbox
        SET status = 'dead', attempts = attempts + 1, last_attempt_at = $1, last_error = $2
        WHERE id = $3
    `, now, execErr.Error(), id); err != nil {
		return fmt.Errorf("outbox: mark dead: %w", err)
	}
	return nil
}

// ListDead returns dead-lettered intents, oldest first, for the admin surface.
func (r *Repository) ListDead(ctx context.Context, q db.RowQuerier, limit int) ([]Intent, error) {
	rows, err := q.Query(ctx, `
        SELECT `+intentColumns+`
        FROM intent_outbox
        WHERE status = 'dead'
        ORDER BY created_at
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: list dead: %w", err)
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// Requeue puts a dead intent back in front of the dispatcher with a fresh
// attempt budget.
func (r *Repository) Requeue(ctx context.Context, q db.Querier, id string, now time.Time) error {
	tag, err := q.Exec(ctx, `
        UPDATE intent_outbox
        SET status = 'pending', attempts = 0, next_attempt_at = $1, last_error = NULL
        WHERE id = $2 AND status = 'dead'
    `, now, id)
	if err != nil {
		return fmt.Errorf("outbox: requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIntentNotFound
	}
	return nil
}

// CountStalePending reports intents still pending past the given cutoff,
// which means the dispatcher is not keeping up or is down.
func (r *Repository) CountStalePending(ctx context.Context, q db.Querier, olderThan time.Time) (int, error) {
	var n int
	if err := q.QueryRow(ctx, `
        SELECT COUNT(*) FROM intent_outbox WHERE status = 'pending' AND created_at < $1
    `, olderThan).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox: count stale pending: %w", err)
	}
	return n, nil
}
