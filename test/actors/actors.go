package actors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"bookflow/booking"
	"bookflow/clock"
	"bookflow/event"
	"bookflow/outbox"
	"bookflow/reconcile"
)

// Target is one seeded booking the delivery actors hammer. The invitee URI
// and checkout session id are fixed per booking so concurrent deliveries of
// the same notification collide on the idempotency ledger, not just on the
// version check.
type Target struct {
	BookingID   string
	InviteeURI  string
	SessionID   string
	AmountCents int64
	Currency    string
	Priced      bool
}

// Pipeline bundles the real production components the actors drive.
type Pipeline struct {
	Pool        *pgxpool.Pool
	Coordinator *reconcile.Coordinator
	Sweeper     *reconcile.Sweeper
	Outbox      *outbox.Repository
}

// NewPipeline wires a coordinator, sweeper and outbox against the given pool,
// with retry budgets tightened so parking happens within the run.
func NewPipeline(pool *pgxpool.Pool, logger *log.Logger) *Pipeline {
	store := booking.NewStore(clock.NewSystem())
	ledger := reconcile.NewLedger()
	queue := reconcile.NewUnmatchedQueue()
	repo := outbox.NewRepository()

	coord := reconcile.NewCoordinator(pool, pool, store, ledger, repo, queue, clock.NewSystem(), logger, reconcile.Config{
		CASRetries:          5,
		MissingBookingTries: 2,
		MissingBookingBase:  20 * time.Millisecond,
	})
	sweeper := reconcile.NewSweeper(pool, coord, queue, repo, logger, reconcile.SweeperConfig{
		BatchSize:  20,
		MaxTries:   50,
		StaleAfter: time.Hour, // dispatcher is deliberately flaky here
	})

	return &Pipeline{Pool: pool, Coordinator: coord, Sweeper: sweeper, Outbox: repo}
}

func calendlyBody(eventType, inviteeURI, bookingRef string) []byte {
	body, _ := json.Marshal(map[string]any{
		"event":      eventType,
		"created_at": time.Now().UTC().Format(time.RFC3339),
		"payload": map[string]any{
			"uri":      inviteeURI,
			"tracking": map[string]string{"utm_content": bookingRef},
		},
	})
	return body
}

func stripeCheckoutBody(eventID, sessionID, bookingRef string, amount int64, currency string) []byte {
	body, _ := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    "checkout.session.completed",
		"created": time.Now().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":             sessionID,
				"amount_total":   amount,
				"currency":       currency,
				"payment_intent": "pi_" + sessionID,
				"metadata":       map[string]string{"booking_id": bookingRef},
			},
		},
	})
	return body
}

func deliver(ctx context.Context, p *Pipeline, provider event.Provider, body []byte) error {
	ev, err := event.Normalize(provider, body)
	if err != nil {
		return fmt.Errorf("normalize: %w", err)
	}
	_, err = p.Coordinator.Process(ctx, ev, body)
	if errors.Is(err, booking.ErrAmountMismatch) {
		// The actors always charge the drafted amount, so a mismatch can
		// only mean corrupted state.
		return fmt.Errorf("process %s/%s: %w", provider, ev.ID, err)
	}
	// Everything else is tolerated: out-of-order arrivals are rejected by
	// the state machine and redelivered later, and the chaos actor kills
	// connections mid-transaction. The oracles judge the end state.
	return nil
}

// Scheduler redelivers invitee.created for random targets. Every delivery
// after the first is a duplicate and must short-circuit on the ledger.
func Scheduler(ctx context.Context, p *Pipeline, targets []Target, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		t := targets[rand.Intn(len(targets))]
		if err := deliver(ctx, p, event.ProviderCalendly, calendlyBody("invitee.created", t.InviteeURI, t.BookingID)); err != nil {
			return err
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Payer redelivers checkout.session.completed for priced targets, racing the
// scheduler so payment sometimes arrives while the booking is still drafted.
func Payer(ctx context.Context, p *Pipeline, targets []Target, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		t := targets[rand.Intn(len(targets))]
		if !t.Priced {
			continue
		}
		body := stripeCheckoutBody("evt_"+t.SessionID, t.SessionID, t.BookingID, t.AmountCents, t.Currency)
		if err := deliver(ctx, p, event.ProviderStripe, body); err != nil {
			return err
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Canceler cancels a slice of targets over and over. Repeats must be absorbed
// by the terminal state, and a cancellation of a paid booking must enqueue a
// refund intent exactly once.
func Canceler(ctx context.Context, p *Pipeline, targets []Target, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		t := targets[rand.Intn(len(targets))]
		if err := deliver(ctx, p, event.ProviderCalendly, calendlyBody("invitee.canceled", t.InviteeURI, t.BookingID)); err != nil {
			return err
		}
		time.Sleep(time.Duration(50+rand.Intn(80)) * time.Millisecond)
	}
}

// Strayer delivers events whose correlation keys match nothing, draining the
// missing-booking budget so the events land in the unmatched queue.
func Strayer(ctx context.Context, p *Pipeline, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		n := rand.Int63()
		body := calendlyBody("invitee.created", fmt.Sprintf("https://api.calendly.com/invitees/stray-%d", n), "")
		if err := deliver(ctx, p, event.ProviderCalendly, body); err != nil {
			return err
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// FlakyExecutor stands in for the broker and the payment API: it fails a
// fixed fraction of executions so retries and backoff actually happen.
type FlakyExecutor struct {
	FailEveryN int
}

func (f *FlakyExecutor) Execute(_ context.Context, in outbox.Intent) error {
	if f.FailEveryN > 0 && rand.Intn(f.FailEveryN) == 0 {
		return fmt.Errorf("synthetic delivery failure for %s", in.ID)
	}
	return nil
}

// Dispatch runs the real outbox dispatcher against the flaky executor.
func Dispatch(ctx context.Context, p *Pipeline, logger *log.Logger, stop <-chan struct{}) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
		case <-runCtx.Done():
		}
		cancel()
	}()

	d := outbox.NewDispatcher(p.Pool, p.Outbox, &FlakyExecutor{FailEveryN: 5}, clock.NewSystem(), logger, outbox.DispatcherConfig{
		Workers:     2,
		Interval:    50 * time.Millisecond,
		BatchSize:   10,
		BaseBackoff: 20 * time.Millisecond,
		MaxBackoff:  200 * time.Millisecond,
	})

	// Restart after chaos-induced connection loss; only a clean stop ends
	// the actor.
	for {
		err := d.Run(runCtx)
		if runCtx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			logger.Printf("dispatcher restarting after: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Sweep runs sweep cycles directly instead of on the cron schedule so parked
// events are retried while the run is still going.
func Sweep(ctx context.Context, p *Pipeline, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-time.After(500 * time.Millisecond):
			p.Sweeper.Sweep(ctx)
		}
	}
}
