package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"

	"bookflow/booking"
	"bookflow/clock"
	"bookflow/db"
	"bookflow/event"
)

// ErrNoMatchingBooking signals the event's correlation keys resolve to no
// booking. Transient when the client-side draft has not committed yet.
var ErrNoMatchingBooking = errors.New("reconcile: no matching booking")

// BookingStore is the booking persistence surface the coordinator drives.
type BookingStore interface {
	FindByID(ctx context.Context, tx pgx.Tx, id string) (booking.Booking, error)
	FindBySchedulingKey(ctx context.Context, tx pgx.Tx, key string) (booking.Booking, error)
	FindByPaymentKey(ctx context.Context, tx pgx.Tx, key string) (booking.Booking, error)
	ApplyTransition(ctx context.Context, tx pgx.Tx, expectedVersion int, res booking.Result) error
}

// EventLedger reserves and finalizes processed-event rows.
type EventLedger interface {
	Reserve(ctx context.Context, tx pgx.Tx, ev event.ExternalEvent) error
	Finalize(ctx context.Context, tx pgx.Tx, ev event.ExternalEvent, outcome Outcome, bookingID *string) error
	RecordRedelivery(ctx context.Context, q db.Querier, provider event.Provider, eventID string) (Outcome, error)
}

// IntentEnqueuer persists side-effect intents in the state-change transaction.
type IntentEnqueuer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, intent booking.Intent) error
}

// UnmatchedParker records events that exhausted the missing-booking budget.
type UnmatchedParker interface {
	Park(ctx context.Context, q db.Querier, ev event.ExternalEvent, rawBody []byte, now time.Time) error
}

// Config bounds the coordinator's retry behavior.
type Config struct {
	// CASRetries is how many times a lost version check is replayed before
	// the event is parked.
	CASRetries int
	// MissingBookingTries bounds the lookup retries while waiting for the
	// client-side draft to commit.
	MissingBookingTries int
	// MissingBookingBase is the first missing-booking backoff interval.
	MissingBookingBase time.Duration
}

// Coordinator owns one webhook event end to end: idempotency reservation,
// booking resolution, state-machine run, version-checked persist, and intent
// enqueue, all in a single transaction per attempt.
type Coordinator struct {
	pool      db.TxBeginner
	q         db.Querier
	bookings  BookingStore
	ledger    EventLedger
	outbox    IntentEnqueuer
	unmatched UnmatchedParker
	clock     clock.Clock
	logger    *log.Logger
	cfg       Config
}

func NewCoordinator(pool db.TxBeginner, q db.Querier, bookings BookingStore, ledger EventLedger,
	outbox IntentEnqueuer, unmatched UnmatchedParker, c clock.Clock, logger *log.Logger, cfg Config) *Coordinator {
	if cfg.CASRetries <= 0 {
		cfg.CASRetries = 3
	}
	if cfg.MissingBookingTries <= 0 {
		cfg.MissingBookingTries = 3
	}
	if cfg.MissingBookingBase <= 0 {
		cfg.MissingBookingBase = 200 * time.Millisecond
	}
	return &Coordinator{
		pool:      pool,
		q:         q,
		bookings:  bookings,
		ledger:    ledger,
		outbox:    outbox,
		unmatched: unmatched,
		clock:     c,
		logger:    logger,
		cfg:       cfg,
	}
}

// Process applies one normalized event. Transient failures are retried inside
// the call; exhausted retries park the event and report OutcomeUnmatched so
// the handler still answers the provider with success.
func (c *Coordinator) Process(ctx context.Context, ev event.ExternalEvent, rawBody []byte) (Outcome, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.MissingBookingBase
	bo.RandomizationFactor = 0

	casAttempts := 0
	missingAttempts := 0

	for {
		out, err := c.apply(ctx, ev)
		switch {
		case err == nil:
			return out, nil

		case errors.Is(err, ErrDuplicateEvent):
			original, lerr := c.ledger.RecordRedelivery(ctx, c.q, ev.Provider, ev.ID)
			if lerr != nil {
				return "", lerr
			}
			c.logger.Printf("event %s/%s redelivered, original outcome %s", ev.Provider, ev.ID, original)
			return OutcomeDuplicate, nil

		case errors.Is(err, booking.ErrConcurrencyConflict):
			casAttempts++
			if casAttempts >= c.cfg.CASRetries {
				return c.park(ctx, ev, rawBody, "version conflicts exhausted")
			}
			// The machine is pure; reload and replay immediately.

		case errors.Is(err, ErrNoMatchingBooking):
			missingAttempts++
			if missingAttempts >= c.cfg.MissingBookingTries {
				return c.park(ctx, ev, rawBody, "no booking after retries")
			}
			if werr := sleep(ctx, bo.NextBackOff()); werr != nil {
				return "", werr
			}

		default:
			return "", err
		}
	}
}

// apply runs one full transactional attempt.
func (c *Coordinator) apply(ctx context.Context, ev event.ExternalEvent) (Outcome, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("reconcile: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := c.ledger.Reserve(ctx, tx, ev); err != nil {
		return "", err
	}

	if ev.Kind == event.KindIgnored {
		if err := c.ledger.Finalize(ctx, tx, ev, OutcomeIgnored, nil); err != nil {
			return "", err
		}
		if err := tx.Commit(ctx); err != nil {
			return "", fmt.Errorf("reconcile: commit: %w", err)
		}
		return OutcomeIgnored, nil
	}

	b, err := c.resolve(ctx, tx, ev)
	if err != nil {
		return "", err
	}

	res, err := booking.Transition(b, ev, c.clock.Now())
	if err != nil {
		switch {
		case errors.Is(err, booking.ErrAmountMismatch):
			c.logger.Printf("ALERT amount mismatch: booking=%s event=%s/%s: %v", b.ID, ev.Provider, ev.ID, err)
		case errors.Is(err, booking.ErrUnexpectedEvent):
			c.logger.Printf("ALERT unexpected event: booking=%s status=%s event=%s/%s kind=%s", b.ID, b.Status, ev.Provider, ev.ID, ev.Kind)
		}
		return "", err
	}

	outcome := OutcomeNoop
	if res.Changed {
		outcome = OutcomeApplied
		if err := c.bookings.ApplyTransition(ctx, tx, b.Version, res); err != nil {
			return "", err
		}
		for _, intent := range res.Intents {
			if err := c.outbox.Enqueue(ctx, tx, intent); err != nil {
				return "", err
			}
		}
	}

	if err := c.ledger.Finalize(ctx, tx, ev, outcome, &b.ID); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("reconcile: commit: %w", err)
	}
	return outcome, nil
}

// resolve maps the event's correlation keys onto a booking. The provider
// object key is authoritative once bound; the booking reference stamped into
// provider metadata covers the first event that does the binding.
func (c *Coordinator) resolve(ctx context.Context, tx pgx.Tx, ev event.ExternalEvent) (booking.Booking, error) {
	var (
		b   booking.Booking
		err error
	)
	switch ev.Provider {
	case event.ProviderCalendly:
		b, err = c.bookings.FindBySchedulingKey(ctx, tx, ev.SubjectKey)
	case event.ProviderStripe:
		b, err = c.bookings.FindByPaymentKey(ctx, tx, ev.SubjectKey)
	default:
		return booking.Booking{}, fmt.Errorf("reconcile: unknown provider %q", ev.Provider)
	}
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, booking.ErrNotFound) {
		return booking.Booking{}, err
	}

	if ev.BookingRef != "" {
		b, err = c.bookings.FindByID(ctx, tx, ev.BookingRef)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, booking.ErrNotFound) {
			return booking.Booking{}, err
		}
	}

	return booking.Booking{}, fmt.Errorf("%w: %s/%s subject=%s", ErrNoMatchingBooking, ev.Provider, ev.ID, ev.SubjectKey)
}

// park accepts the event without applying it and queues it for manual
// reconciliation. No ledger row is written, so a later redelivery or sweep
// runs the pipeline again from scratch.
func (c *Coordinator) park(ctx context.Context, ev event.ExternalEvent, rawBody []byte, reason string) (Outcome, error) {
	if err := c.unmatched.Park(ctx, c.q, ev, rawBody, c.clock.Now()); err != nil {
		return "", err
	}
	c.logger.Printf("ALERT event parked for manual reconciliation: %s/%s kind=%s subject=%s reason=%s",
		ev.Provider, ev.ID, ev.Kind, ev.SubjectKey, reason)
	return OutcomeUnmatched, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
