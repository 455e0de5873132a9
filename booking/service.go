package booking

import (
	"context"
	"fmt"

	"bookflow/db"
)

// Service exposes the client-facing booking operations: draft intake before
// any external confirmation exists, and reads of the authoritative state.
type Service struct {
	pool  db.TxBeginner
	store *Store
}

func NewService(pool db.TxBeginner, store *Store) *Service {
	return &Service{pool: pool, store: store}
}

// CreateDraft begins a booking attempt. The returned booking id is what the
// client stamps into the Calendly scheduling link and the Stripe checkout
// metadata so the webhooks can find their way back.
func (s *Service) CreateDraft(ctx context.Context, draft Draft) (Booking, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Booking{}, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := s.store.Create(ctx, tx, draft)
	if err != nil {
		return Booking{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Booking{}, fmt.Errorf("booking: commit draft: %w", err)
	}
	return b, nil
}

// ListRecent returns the most recently updated bookings for the ops console.
func (s *Service) ListRecent(ctx context.Context, status Status, limit int) ([]Booking, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.store.ListRecent(ctx, tx, status, limit)
}

// Get loads one booking with its transition history.
func (s *Service) Get(ctx context.Context, id string) (Booking, []AuditEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Booking{}, nil, fmt.Errorf("booking: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := s.store.FindByID(ctx, tx, id)
	if err != nil {
		return Booking{}, nil, err
	}
	trail, err := s.store.AuditTrail(ctx, tx, id)
	if err != nil {
		return Booking{}, nil, err
	}
	return b, trail, nil
}
