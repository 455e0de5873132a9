package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bookflow/clock"
)

var (
	// ErrNotFound is returned when no booking row exists for the identifier.
	ErrNotFound = errors.New("booking: not found")
	// ErrConcurrencyConflict signals the version-checked update matched no
	// row: another writer advanced the booking first. Callers reload and
	// re-run the transition.
	ErrConcurrencyConflict = errors.New("booking: concurrent modification")
	// ErrDuplicateCorrelation signals an external correlation key is already
	// bound to a different booking.
	ErrDuplicateCorrelation = errors.New("booking: correlation key already bound")
)

// Store persists bookings and their audit trail. All methods operate inside
// a caller-provided transaction so a state change, its audit entry, and its
// outbox intents commit or roll back together.
type Store struct {
	clock clock.Clock
}

func NewStore(c clock.Clock) *Store {
	return &Store{clock: c}
}

const bookingColumns = `id, client_ref, builder_ref, session_type_ref, start_at, end_at, timezone,
	amount_cents, currency, external_scheduling_id, external_payment_id, payment_intent_ref,
	status, version, created_at, updated_at`

// Create inserts a draft booking in PENDING_SCHEDULE at version 1.
func (s *Store) Create(ctx context.Context, tx pgx.Tx, draft Draft) (Booking, error) {
	if draft.BuilderRef == "" || draft.SessionTypeRef == "" {
		return Booking{}, fmt.Errorf("booking: draft missing builder or session type")
	}
	if draft.StartAt.IsZero() || !draft.EndAt.After(draft.StartAt) {
		return Booking{}, fmt.Errorf("booking: draft has invalid time range")
	}

	now := s.clock.Now()
	b := Booking{
		ID:             uuid.NewString(),
		ClientRef:      draft.ClientRef,
		BuilderRef:     draft.BuilderRef,
		SessionTypeRef: draft.SessionTypeRef,
		StartAt:        draft.StartAt,
		EndAt:          draft.EndAt,
		Timezone:       draft.Timezone,
		AmountCents:    draft.AmountCents,
		Currency:       draft.Currency,
		Status:         StatusPendingSchedule,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := tx.Exec(ctx, `
        INSERT INTO bookings (id, client_ref, builder_ref, session_type_ref, start_at, end_at, timezone,
            amount_cents, currency, status, version, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
    `, b.ID, b.ClientRef, b.BuilderRef, b.SessionTypeRef, b.StartAt, b.EndAt, b.Timezone,
		b.AmountCents, b.Currency, b.Status, b.Version, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return Booking{}, fmt.Errorf("booking: insert draft: %w", err)
	}

	if _, err := tx.Exec(ctx, `
        INSERT INTO booking_audit (booking_id, seq, from_status, to_status, event_id, at)
        VALUES ($1,1,'',$2,'',$3)
    `, b.ID, b.Status, now); err != nil {
		return Booking{}, fmt.Errorf("booking: insert audit origin: %w", err)
	}

	return b, nil
}

// FindByID loads one booking. No lock is taken; transition application relies
// on the version check, not row locks.
func (s *Store) FindByID(ctx context.Context, tx pgx.Tx, id string) (Booking, error) {
	return s.findWhere(ctx, tx, `id = $1`, id)
}

// FindBySchedulingKey resolves the booking bound to a Calendly invitee URI.
func (s *Store) FindBySchedulingKey(ctx context.Context, tx pgx.Tx, key string) (Booking, error) {
	return s.findWhere(ctx, tx, `external_scheduling_id = $1`, key)
}

// FindByPaymentKey resolves the booking bound to a Stripe checkout session.
func (s *Store) FindByPaymentKey(ctx context.Context, tx pgx.Tx, key string) (Booking, error) {
	return s.findWhere(ctx, tx, `external_payment_id = $1`, key)
}

func (s *Store) findWhere(ctx context.Context, tx pgx.Tx, where string, arg any) (Booking, error) {
	row := tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE `+where, arg)
	return scanBooking(row)
}

func scanBooking(row pgx.Row) (Booking, error) {
	var b Booking
	err := row.Scan(&b.ID, &b.ClientRef, &b.BuilderRef, &b.SessionTypeRef, &b.StartAt, &b.EndAt, &b.Timezone,
		&b.AmountCents, &b.Currency, &b.ExternalSchedulingID, &b.ExternalPaymentID, &b.PaymentIntentRef,
		&b.Status, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Booking{}, ErrNotFound
		}
		return Booking{}, fmt.Errorf("booking: scan: %w", err)
	}
	return b, nil
}

// ApplyTransition writes the outcome of a state-machine run. The update is
// guarded by the version the transition was computed against; losing the race
// returns ErrConcurrencyConflict and writes nothing.
func (s *Store) ApplyTransition(ctx context.Context, tx pgx.Tx, expectedVersion int, res Result) error {
	if !res.Changed {
		return nil
	}
	next := res.Next

	tag, err := tx.Exec(ctx, `
        UPDATE bookings
        SET status = $1,
            version = $2,
            external_scheduling_id = $3,
            external_payment_id = $4,
            payment_intent_ref = $5,
            updated_at = $6
        WHERE id = $7 AND version = $8
    `, next.Status, next.Version, next.ExternalSchedulingID, next.ExternalPaymentID, next.PaymentIntentRef,
		next.UpdatedAt, next.ID, expectedVersion)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateCorrelation, pgErr.ConstraintName)
		}
		return fmt.Errorf("booking: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrencyConflict
	}

	a := res.Audit
	if _, err := tx.Exec(ctx, `
        INSERT INTO booking_audit (booking_id, seq, from_status, to_status, event_id, at)
        VALUES ($1,$2,$3,$4,$5,$6)
    `, a.BookingID, a.Seq, a.FromStatus, a.ToStatus, a.EventID, a.At); err != nil {
		return fmt.Errorf("booking: insert audit: %w", err)
	}

	return nil
}

// ListRecent returns the most recently updated bookings, optionally filtered
// by status. Backs the ops console listing.
func (s *Store) ListRecent(ctx context.Context, tx pgx.Tx, status Status, limit int) ([]Booking, error) {
	if limit <= 0 {
		limit = 50
	}

	where := ``
	args := []any{limit}
	if status != "" {
		where = `WHERE status = $2`
		args = append(args, status)
	}

	rows, err := tx.Query(ctx, `SELECT `+bookingColumns+` FROM bookings `+where+` ORDER BY updated_at DESC LIMIT $1`, args...)
	if err != nil {
		return nil, fmt.Errorf("booking: query recent: %w", err)
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AuditTrail returns the transition log for a booking, oldest first.
func (s *Store) AuditTrail(ctx context.Context, tx pgx.Tx, bookingID string) ([]AuditEntry, error) {
	rows, err := tx.Query(ctx, `
        SELECT booking_id, seq, from_status, to_status, event_id, at
        FROM booking_audit
        WHERE booking_id = $1
        ORDER BY seq
    `, bookingID)
	if err != nil {
		return nil, fmt.Errorf("booking: query audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.BookingID, &e.Seq, &e.FromStatus, &e.ToStatus, &e.EventID, &e.At); err != nil {
			return nil, fmt.Errorf("booking: scan audit: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
