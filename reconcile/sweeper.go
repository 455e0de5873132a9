package reconcile

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"bookflow/booking"
	"bookflow/db"
	"bookflow/event"
)

// SweepPool is the connection surface the sweeper reads and writes through.
type SweepPool interface {
	db.Querier
	db.RowQuerier
}

// SweepQueue is the unmatched-event surface the sweeper drives.
type SweepQueue interface {
	ListPending(ctx context.Context, q db.RowQuerier, limit int) ([]UnmatchedEvent, error)
	MarkResolved(ctx context.Context, q db.Querier, provider event.Provider, eventID string) error
	MarkTried(ctx context.Context, q db.Querier, provider event.Provider, eventID string, maxTries int, now time.Time) (bool, error)
	Abandon(ctx context.Context, q db.Querier, provider event.Provider, eventID string) error
}

// StaleOutbox reports intents that sat pending longer than the alert window.
type StaleOutbox interface {
	CountStalePending(ctx context.Context, q db.Querier, olderThan time.Time) (int, error)
}

// SweeperConfig bounds one sweep cycle.
type SweeperConfig struct {
	Schedule   string        // cron expression, default every minute
	BatchSize  int           // parked events re-tried per cycle
	MaxTries   int           // re-application budget before abandoned
	StaleAfter time.Duration // pending outbox age that triggers an alert
}

// Sweeper periodically re-applies parked events as drafts land and watches
// for outbox rows that the dispatcher has not drained.
type Sweeper struct {
	cron   *cron.Cron
	pool   SweepPool
	coord  *Coordinator
	queue  SweepQueue
	outbox StaleOutbox
	logger *log.Logger
	cfg    SweeperConfig
}

func NewSweeper(pool SweepPool, coord *Coordinator, queue SweepQueue, outbox StaleOutbox,
	logger *log.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = 10
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &Sweeper{
		cron:   cron.New(),
		pool:   pool,
		coord:  coord,
		queue:  queue,
		outbox: outbox,
		logger: logger,
		cfg:    cfg,
	}
}

// Start schedules the sweep and returns immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one cycle: re-apply parked events, then check outbox staleness.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.reapplyParked(ctx)
	s.checkOutbox(ctx)
}

func (s *Sweeper) reapplyParked(ctx context.Context) {
	parked, err := s.queue.ListPending(ctx, s.pool, s.cfg.BatchSize)
	if err != nil {
		s.logger.Printf("sweep: list parked events: %v", err)
		return
	}

	for _, ue := range parked {
		ev, err := event.Normalize(ue.Provider, ue.Payload)
		if err != nil {
			// The stored payload no longer normalizes; it will never apply.
			s.logger.Printf("ALERT sweep abandoning unparseable event %s/%s: %v", ue.Provider, ue.EventID, err)
			if aerr := s.queue.Abandon(ctx, s.pool, ue.Provider, ue.EventID); aerr != nil {
				s.logger.Printf("sweep: abandon %s/%s: %v", ue.Provider, ue.EventID, aerr)
			}
			continue
		}

		outcome, err := s.coord.apply(ctx, ev)
		switch {
		case err == nil, errors.Is(err, ErrDuplicateEvent):
			if err == nil {
				s.logger.Printf("sweep: parked event %s/%s applied with outcome %s", ue.Provider, ue.EventID, outcome)
			}
			if rerr := s.queue.MarkResolved(ctx, s.pool, ue.Provider, ue.EventID); rerr != nil {
				s.logger.Printf("sweep: resolve %s/%s: %v", ue.Provider, ue.EventID, rerr)
			}

		case errors.Is(err, ErrNoMatchingBooking),
			errors.Is(err, booking.ErrConcurrencyConflict),
			errors.Is(err, booking.ErrUnexpectedEvent),
			errors.Is(err, booking.ErrAmountMismatch):
			abandoned, terr := s.queue.MarkTried(ctx, s.pool, ue.Provider, ue.EventID, s.cfg.MaxTries, time.Now().UTC())
			if terr != nil {
				s.logger.Printf("sweep: mark tried %s/%s: %v", ue.Provider, ue.EventID, terr)
				continue
			}
			if abandoned {
				s.logger.Printf("ALERT sweep abandoned event %s/%s after %d tries: %v", ue.Provider, ue.EventID, s.cfg.MaxTries, err)
			}

		default:
			s.logger.Printf("sweep: re-apply %s/%s: %v", ue.Provider, ue.EventID, err)
		}
	}
}

func (s *Sweeper) checkOutbox(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.StaleAfter)
	n, err := s.outbox.CountStalePending(ctx, s.pool, cutoff)
	if err != nil {
		s.logger.Printf("sweep: count stale outbox: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("ALERT %d outbox intents pending longer than %s", n, s.cfg.StaleAfter)
	}
}
