package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"bookflow/booking"
	"bookflow/clock"
	"bookflow/db"
)

// Executor runs one intent against the outside world.
type Executor interface {
	Execute(ctx context.Context, intent Intent) error
}

// DispatcherConfig bounds the worker pool and the retry schedule.
type DispatcherConfig struct {
	Workers     int
	Interval    time.Duration // poll interval when the queue is drained
	BatchSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Dispatcher drains the intent outbox. Claims are made with row locks under
// SKIP LOCKED, so any number of workers and instances can run concurrently
// without double-executing an intent.
type Dispatcher struct {
	pool   db.TxBeginner
	repo   *Repository
	exec   Executor
	clock  clock.Clock
	logger *log.Logger
	cfg    DispatcherConfig
}

func NewDispatcher(pool db.TxBeginner, repo *Repository, exec Executor, c clock.Clock,
	logger *log.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	return &Dispatcher{
		pool:   pool,
		repo:   repo,
		exec:   exec,
		clock:  c,
		logger: logger,
		cfg:    cfg,
	}
}

// Run blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			return d.worker(ctx)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *Dispatcher) worker(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		n, err := d.processBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Printf("dispatcher: batch failed: %v", err)
		}
		if n == d.cfg.BatchSize {
			// Queue still has work; skip the idle wait.
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// processBatch claims and executes one batch. Claim and outcome writes share
// a transaction: the row locks taken by the claim hold until commit, which
// is what keeps other workers off the same intents.
func (d *Dispatcher) processBatch(ctx context.Context) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := d.clock.Now()
	intents, err := d.repo.ClaimBatch(ctx, tx, d.cfg.BatchSize, now)
	if err != nil {
		return 0, err
	}

	for _, in := range intents {
		d.dispatchOne(ctx, tx, in)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit claim tx: %w", err)
	}
	return len(intents), nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, q db.Querier, in Intent) {
	now := d.clock.Now()

	execErr := d.exec.Execute(ctx, in)
	if execErr == nil {
		if err := d.repo.MarkProcessed(ctx, q, in.ID, now); err != nil {
			d.logger.Printf("dispatcher: mark processed %s: %v", in.ID, err)
		}
		return
	}

	if in.Attempts+1 >= d.cfg.MaxAttempts {
		if in.Kind == booking.IntentInitiateRefund {
			d.logger.Printf("ALERT REFUND-FAILED refund intent %s for booking %s dead after %d attempts: %v",
				in.ID, in.BookingID, in.Attempts+1, execErr)
		} else {
			d.logger.Printf("ALERT intent %s kind=%s for booking %s dead after %d attempts: %v",
				in.ID, in.Kind, in.BookingID, in.Attempts+1, execErr)
		}
		if err := d.repo.MarkDead(ctx, q, in.ID, execErr, now); err != nil {
			d.logger.Printf("dispatcher: mark dead %s: %v", in.ID, err)
		}
		return
	}

	next := now.Add(d.backoffFor(in.Attempts))
	d.logger.Printf("dispatcher: intent %s kind=%s attempt %d failed, retrying at %s: %v",
		in.ID, in.Kind, in.Attempts+1, next.Format(time.RFC3339), execErr)
	if err := d.repo.MarkRetry(ctx, q, in.ID, next, execErr, now); err != nil {
		d.logger.Printf("dispatcher: mark retry %s: %v", in.ID, err)
	}
}

// backoffFor doubles from the base per prior attempt, capped at MaxBackoff.
func (d *Dispatcher) backoffFor(attempts int) time.Duration {
	delay := d.cfg.BaseBackoff
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return delay
}
