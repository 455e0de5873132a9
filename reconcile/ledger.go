package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bookflow/db"
	"bookflow/event"
)

// Outcome is what a recorded event did to the system. Stored on the ledger
// row and reported back to the provider-facing handler.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"   // state machine changed the booking
	OutcomeNoop      Outcome = "noop"      // recognized, absorbed without change
	OutcomeIgnored   Outcome = "ignored"   // unknown provider event type
	OutcomeDuplicate Outcome = "duplicate" // ledger already holds this event
	OutcomeUnmatched Outcome = "unmatched" // parked for manual reconciliation
)

var (
	// ErrDuplicateEvent signals the (provider, event id) pair is already on
	// the ledger. The original outcome stands; the redelivery is counted.
	ErrDuplicateEvent = errors.New("reconcile: duplicate event")
	// ErrEventNotRecorded is returned when a ledger lookup finds no row.
	ErrEventNotRecorded = errors.New("reconcile: event not recorded")
)

// LedgerEntry is one processed-event row.
type LedgerEntry struct {
	Provider     event.Provider
	EventID      string
	Outcome      Outcome
	BookingID    *string
	Digest       string
	Redeliveries int
	ProcessedAt  time.Time
}

// Ledger is the processed-events idempotency ledger. Reserve takes the row
// early in the transaction so a concurrent delivery of the same event blocks
// on the primary key until the first attempt commits, then surfaces as a
// duplicate.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Reserve inserts the ledger row for the event inside the active transaction.
func (l *Ledger) Reserve(ctx context.Context, tx pgx.Tx, ev event.ExternalEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("reconcile: empty event id")
	}

	_, err := tx.Exec(ctx, `
        INSERT INTO processed_events (provider, event_id, outcome, digest)
        VALUES ($1, $2, 'in_flight', $3)
    `, ev.Provider, ev.ID, ev.Digest)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("reconcile: reserve event: %w", err)
	}
	return nil
}

// Finalize stamps the outcome onto the reserved row before commit.
func (l *Ledger) Finalize(ctx context.Context, tx pgx.Tx, ev event.ExternalEvent, outcome Outcome, bookingID *string) error {
	_, err := tx.Exec(ctx, `
        UPDATE processed_events
        SET outcome = $1, booking_id = $2
        WHERE provider = $3 AND event_id = $4
    `, outcome, bookingID, ev.Provider, ev.ID)
	if err != nil {
		return fmt.Errorf("reconcile: finalize event: %w", err)
	}
	return nil
}

// RecordRedelivery bumps the redelivery counter and returns the original
// outcome so the handler can answer the provider the same way as first time.
func (l *Ledger) RecordRedelivery(ctx context.Context, q db.Querier, provider event.Provider, eventID string) (Outcome, error) {
	var outcome Outcome
	err := q.QueryRow(ctx, `
        UPDATE processed_events
        SET redeliveries = redeliveries + 1
        WHERE provider = $1 AND event_id = $2
        RETURNING outcome
    `, provider, eventID).Scan(&outcome)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrEventNotRecorded
		}
		return "", fmt.Errorf("reconcile: record redelivery: %w", err)
	}
	return outcome, nil
}

// Lookup reads one ledger entry.
func (l *Ledger) Lookup(ctx context.Context, q db.Querier, provider event.Provider, eventID string) (LedgerEntry, error) {
	var e LedgerEntry
	err := q.QueryRow(ctx, `
        SELECT provider, event_id, outcome, booking_id, digest, redeliveries, processed_at
        FROM processed_events
        WHERE provider = $1 AND event_id = $2
    `, provider, eventID).Scan(&e.Provider, &e.EventID, &e.Outcome, &e.BookingID, &e.Digest, &e.Redeliveries, &e.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LedgerEntry{}, ErrEventNotRecorded
		}
		return LedgerEntry{}, fmt.Errorf("reconcile: lookup event: %w", err)
	}
	return e, nil
}
