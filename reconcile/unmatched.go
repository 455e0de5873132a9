package reconcile

import (
	"context"
	"fmt"
	"time"

	"bookflow/db"
	"bookflow/event"
)

// UnmatchedStatus tracks the manual-reconciliation lifecycle of a parked event.
type UnmatchedStatus string

const (
	UnmatchedPending   UnmatchedStatus = "pending"
	UnmatchedResolved  UnmatchedStatus = "resolved"
	UnmatchedAbandoned UnmatchedStatus = "abandoned"
)

// UnmatchedEvent is a webhook that found no booking within the retry budget.
// The raw payload is retained so the sweeper can re-normalize and re-apply it
// once the draft lands.
type UnmatchedEvent struct {
	Provider   event.Provider
	EventID    string
	Kind       event.Kind
	SubjectKey string
	Digest     string
	Payload    []byte
	Attempts   int
	Status     UnmatchedStatus
	FirstSeen  time.Time
	LastTried  *time.Time
}

// UnmatchedQueue persists parked events. Parked events carry no ledger row;
// a later redelivery or sweep re-runs the full pipeline and records the
// ledger entry only when the event finally applies.
type UnmatchedQueue struct{}

func NewUnmatchedQueue() *UnmatchedQueue {
	return &UnmatchedQueue{}
}

// Park records the event for manual reconciliation. Re-parking the same
// event keeps the original row and bumps its attempt counter.
func (u *UnmatchedQueue) Park(ctx context.Context, q db.Querier, ev event.ExternalEvent, rawBody []byte, now time.Time) error {
	_, err := q.Exec(ctx, `
        INSERT INTO unmatched_events (provider, event_id, kind, subject_key, digest, payload, first_seen)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (provider, event_id) DO UPDATE
        SET attempts = unmatched_events.attempts + 1,
            last_tried = EXCLUDED.first_seen
        WHERE unmatched_events.status = 'pending'
    `, ev.Provider, ev.ID, ev.Kind, ev.SubjectKey, ev.Digest, rawBody, now)
	if err != nil {
		return fmt.Errorf("reconcile: park unmatched event: %w", err)
	}
	return nil
}

// ListPending returns parked events awaiting re-application, oldest first.
func (u *UnmatchedQueue) ListPending(ctx context.Context, q db.RowQuerier, limit int) ([]UnmatchedEvent, error) {
	rows, err := q.Query(ctx, `
        SELECT provider, event_id, kind, subject_key, digest, payload, attempts, status, first_seen, last_tried
        FROM unmatched_events
        WHERE status = 'pending'
        ORDER BY first_seen
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list unmatched: %w", err)
	}
	defer rows.Close()

	var out []UnmatchedEvent
	for rows.Next() {
		var e UnmatchedEvent
		if err := rows.Scan(&e.Provider, &e.EventID, &e.Kind, &e.SubjectKey, &e.Digest, &e.Payload,
			&e.Attempts, &e.Status, &e.FirstSeen, &e.LastTried); err != nil {
			return nil, fmt.Errorf("reconcile: scan unmatched: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkResolved closes a parked event after it finally applied.
func (u *UnmatchedQueue) MarkResolved(ctx context.Context, q db.Querier, provider event.Provider, eventID string) error {
	if _, err := q.Exec(ctx, `
        UPDATE unmatched_events SET status = 'resolved' WHERE provider = $1 AND event_id = $2
    `, provider, eventID); err != nil {
		return fmt.Errorf("reconcile: resolve unmatched: %w", err)
	}
	return nil
}

// MarkTried records one failed re-application. Once the try budget is spent
// the event flips to abandoned and reports true so the caller can alert.
func (u *UnmatchedQueue) MarkTried(ctx context.Context, q db.Querier, provider event.Provider, eventID string, maxTries int, now time.Time) (bool, error) {
	var status UnmatchedStatus
	err := q.QueryRow(ctx, `
        UPDATE unmatched_events
        SET attempts = attempts + 1,
            last_tried = $1,
            status = CASE WHEN attempts + 1 >= $2 THEN 'abandoned' ELSE status END
        WHERE provider = $3 AND event_id = $4
        RETURNING status
    `, now, maxTries, provider, eventID).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("reconcile: mark unmatched tried: %w", err)
	}
	return status == UnmatchedAbandoned, nil
}

// Abandon closes a parked event that can never apply, e.g. one whose stored
// payload no longer normalizes.
func (u *UnmatchedQueue) Abandon(ctx context.Context, q db.Querier, provider event.Provider, eventID string) error {
	if _, err := q.Exec(ctx, `
        UPDATE unmatched_events SET status = 'abandoned' WHERE provider = $1 AND event_id = $2
    `, provider, eventID); err != nil {
		return fmt.Errorf("reconcile: abandon unmatched: %w", err)
	}
	return nil
}
