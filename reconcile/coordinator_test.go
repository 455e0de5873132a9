package reconcile

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bookflow/booking"
	"bookflow/clock"
	"bookflow/db"
	"bookflow/event"
)

var coordNow = time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)

type fakePool struct {
	txs []*fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

func (f *fakePool) committed() int {
	n := 0
	for _, tx := range f.txs {
		if tx.committedFlag {
			n++
		}
	}
	return n
}

type fakeTx struct {
	rolled        bool
	committedFlag bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committedFlag = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type fakeBookings struct {
	byScheduling map[string]booking.Booking
	byPayment    map[string]booking.Booking
	byID         map[string]booking.Booking

	conflictsLeft int
	applied       []booking.Result
}

func (f *fakeBookings) FindByID(ctx context.Context, tx pgx.Tx, id string) (booking.Booking, error) {
	b, ok := f.byID[id]
	if !ok {
		return booking.Booking{}, booking.ErrNotFound
	}
	return b, nil
}

func (f *fakeBookings) FindBySchedulingKey(ctx context.Context, tx pgx.Tx, key string) (booking.Booking, error) {
	b, ok := f.byScheduling[key]
	if !ok {
		return booking.Booking{}, booking.ErrNotFound
	}
	return b, nil
}

func (f *fakeBookings) FindByPaymentKey(ctx context.Context, tx pgx.Tx, key string) (booking.Booking, error) {
	b, ok := f.byPayment[key]
	if !ok {
		return booking.Booking{}, booking.ErrNotFound
	}
	return b, nil
}

func (f *fakeBookings) ApplyTransition(ctx context.Context, tx pgx.Tx, expectedVersion int, res booking.Result) error {
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return booking.ErrConcurrencyConflict
	}
	f.applied = append(f.applied, res)
	return nil
}

type fakeLedger struct {
	duplicate  bool
	reserved   []event.ExternalEvent
	finalized  []Outcome
	redelivery Outcome
	redelivers int
}

func (f *fakeLedger) Reserve(ctx context.Context, tx pgx.Tx, ev event.ExternalEvent) error {
	if f.duplicate {
		return ErrDuplicateEvent
	}
	f.reserved = append(f.reserved, ev)
	return nil
}

func (f *fakeLedger) Finalize(ctx context.Context, tx pgx.Tx, ev event.ExternalEvent, outcome Outcome, bookingID *string) error {
	f.finalized = append(f.finalized, outcome)
	return nil
}

func (f *fakeLedger) RecordRedelivery(ctx context.Context, q db.Querier, provider event.Provider, eventID string) (Outcome, error) {
	f.redelivers++
	return f.redelivery, nil
}

type fakeOutbox struct {
	enqueued []booking.Intent
}

func (f *fakeOutbox) Enqueue(ctx context.Context, tx pgx.Tx, intent booking.Intent) error {
	f.enqueued = append(f.enqueued, intent)
	return nil
}

type fakeParker struct {
	parked []event.ExternalEvent
}

func (f *fakeParker) Park(ctx context.Context, q db.Querier, ev event.ExternalEvent, rawBody []byte, now time.Time) error {
	f.parked = append(f.parked, ev)
	return nil
}

type coordFixture struct {
	pool     *fakePool
	bookings *fakeBookings
	ledger   *fakeLedger
	outbox   *fakeOutbox
	parker   *fakeParker
	log      *bytes.Buffer
	coord    *Coordinator
}

func newCoordFixture(cfg Config) *coordFixture {
	f := &coordFixture{
		pool: &fakePool{},
		bookings: &fakeBookings{
			byScheduling: map[string]booking.Booking{},
			byPayment:    map[string]booking.Booking{},
			byID:         map[string]booking.Booking{},
		},
		ledger: &fakeLedger{},
		outbox: &fakeOutbox{},
		parker: &fakeParker{},
		log:    &bytes.Buffer{},
	}
	if cfg.MissingBookingBase == 0 {
		cfg.MissingBookingBase = time.Millisecond
	}
	f.coord = NewCoordinator(f.pool, nil, f.bookings, f.ledger, f.outbox, f.parker,
		clock.NewFixed(coordNow), log.New(f.log, "", 0), cfg)
	return f
}

func pendingDraft(id string) booking.Booking {
	return booking.Booking{
		ID:             id,
		BuilderRef:     "builder-1",
		SessionTypeRef: "intro-call",
		StartAt:        coordNow.Add(24 * time.Hour),
		EndAt:          coordNow.Add(25 * time.Hour),
		Status:         booking.StatusPendingSchedule,
		Version:        1,
	}
}

func inviteeCreated(id, subject, bookingRef string) event.ExternalEvent {
	return event.ExternalEvent{
		Provider:   event.ProviderCalendly,
		Kind:       event.KindInviteeCreated,
		ID:         id,
		SubjectKey: subject,
		OccurredAt: coordNow,
		BookingRef: bookingRef,
	}
}

func TestProcess_AppliesAndEnqueuesIntents(t *testing.T) {
	f := newCoordFixture(Config{})
	f.bookings.byScheduling["inv-1"] = pendingDraft("bk-1")

	out, err := f.coord.Process(context.Background(), inviteeCreated("e1", "inv-1", ""), nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", out)
	}
	if len(f.bookings.applied) != 1 {
		t.Fatalf("expected one transition apply, got %d", len(f.bookings.applied))
	}
	if got := f.bookings.applied[0].Next.Status; got != booking.StatusConfirmed {
		t.Fatalf("free draft should confirm, got %s", got)
	}
	if len(f.outbox.enqueued) != 1 || f.outbox.enqueued[0].Kind != booking.IntentSendConfirmationEmail {
		t.Fatalf("expected confirmation intent enqueued, got %+v", f.outbox.enqueued)
	}
	if len(f.ledger.finalized) != 1 || f.ledger.finalized[0] != OutcomeApplied {
		t.Fatalf("ledger finalized %v", f.ledger.finalized)
	}
	if f.pool.committed() != 1 {
		t.Fatalf("expected exactly one commit, got %d", f.pool.committed())
	}
}

func TestProcess_DuplicateShortCircuits(t *testing.T) {
	f := newCoordFixture(Config{})
	f.ledger.duplicate = true
	f.ledger.redelivery = OutcomeApplied

	out, err := f.coord.Process(context.Background(), inviteeCreated("e1", "inv-1", ""), nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != OutcomeDuplicate {
		t.Fatalf("outcome = %s, want duplicate", out)
	}
	if f.ledger.redelivers != 1 {
		t.Fatalf("expected redelivery recorded")
	}
	if len(f.bookings.applied) != 0 {
		t.Fatalf("duplicate must not re-run the machine")
	}
	if f.pool.committed() != 0 {
		t.Fatalf("duplicate attempt must roll back, commits=%d", f.pool.committed())
	}
}

func TestProcess_IgnoredKindRecordedWithoutLookup(t *testing.T) {
	f := newCoordFixture(Config{})

	ev := event.ExternalEvent{Provider: event.ProviderStripe, Kind: event.KindIgnored, ID: "e2"}
	out, err := f.coord.Process(context.Background(), ev, nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != OutcomeIgnored {
		t.Fatalf("outcome = %s, want ignored", out)
	}
	if len(f.ledger.finalized) != 1 || f.ledger.finalized[0] != OutcomeIgnored {
		t.Fatalf("ledger finalized %v", f.ledger.finalized)
	}
}

func TestProcess_MissingBookingParksAfterRetries(t *testing.T) {
	f := newCoordFixture(Config{MissingBookingTries: 3, MissingBookingBase: time.Millisecond})

	out, err := f.coord.Process(context.Background(), inviteeCreated("e1", "inv-404", ""), []byte(`{}`))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != OutcomeUnmatched {
		t.Fatalf("outcome = %s, want unmatched", out)
	}
	if len(f.parker.parked) != 1 {
		t.Fatalf("expected event parked")
	}
	if len(f.pool.txs) != 3 {
		t.Fatalf("expected 3 lookup attempts, got %d", len(f.pool.txs))
	}
	if !strings.Contains(f.log.String(), "ALERT") {
		t.Fatalf("expected manual-reconciliation alert, got %q", f.log.String())
	}
}

func TestProcess_ResolvesByBookingRef(t *testing.T) {
	f := newCoordFixture(Config{})
	f.bookings.byID["bk-7"] = pendingDraft("bk-7")

	out, err := f.coord.Process(context.Background(), inviteeCreated("e1", "inv-1", "bk-7"), nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", out)
	}
}

func TestProcess_ConcurrencyConflictRetriesThenApplies(t *testing.T) {
	f := newCoordFixture(Config{CASRetries: 3})
	f.bookings.byScheduling["inv-1"] = pendingDraft("bk-1")
	f.bookings.conflictsLeft = 1

	out, err := f.coord.Process(context.Background(), inviteeCreated("e1", "inv-1", ""), nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != OutcomeApplied {
		t.Fatalf("outcome = %s, want applied", out)
	}
	if len(f.pool.txs) != 2 {
		t.Fatalf("expected conflict to trigger a second attempt, got %d", len(f.pool.txs))
	}
}

func TestProcess_ConcurrencyConflictBudgetParks(t *testing.T) {
	f := newCoordFixture(Config{CASRetries: 2})
	f.bookings.byScheduling["inv-1"] = pendingDraft("bk-1")
	f.bookings.conflictsLeft = 10

	out, err := f.coord.Process(context.Background(), inviteeCreated("e1", "inv-1", ""), []byte(`{}`))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != OutcomeUnmatched {
		t.Fatalf("outcome = %s, want unmatched", out)
	}
	if len(f.parker.parked) != 1 {
		t.Fatalf("expected event parked after conflict budget")
	}
}

func TestProcess_AmountMismatchPropagatesAndAlerts(t *testing.T) {
	f := newCoordFixture(Config{})
	amount := int64(5000)
	b := pendingDraft("bk-1")
	b.Status = booking.StatusPendingPayment
	b.Version = 2
	b.AmountCents = &amount
	b.Currency = "usd"
	f.bookings.byPayment["cs_1"] = b

	ev := event.ExternalEvent{
		Provider:    event.ProviderStripe,
		Kind:        event.KindCheckoutCompleted,
		ID:          "e3",
		SubjectKey:  "cs_1",
		AmountCents: 100,
		Currency:    "usd",
	}
	_, err := f.coord.Process(context.Background(), ev, nil)
	if !errors.Is(err, booking.ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if !strings.Contains(f.log.String(), "amount mismatch") {
		t.Fatalf("expected mismatch alert, got %q", f.log.String())
	}
	if len(f.parker.parked) != 0 {
		t.Fatalf("mismatch must not be parked as unmatched")
	}
	if f.pool.committed() != 0 {
		t.Fatalf("mismatch must not commit anything")
	}
}

func TestProcess_NoopFinalizedWithoutIntents(t *testing.T) {
	f := newCoordFixture(Config{})
	b := pendingDraft("bk-1")
	b.Status = booking.StatusPendingPayment
	b.Version = 2
	f.bookings.byPayment["cs_1"] = b

	ev := event.ExternalEvent{
		Provider:   event.ProviderStripe,
		Kind:       event.KindPaymentFailed,
		ID:         "e4",
		SubjectKey: "cs_1",
	}
	out, err := f.coord.Process(context.Background(), ev, nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != OutcomeNoop {
		t.Fatalf("outcome = %s, want noop", out)
	}
	if len(f.outbox.enqueued) != 0 || len(f.bookings.applied) != 0 {
		t.Fatalf("noop must not write booking state or intents")
	}
	if len(f.ledger.finalized) != 1 || f.ledger.finalized[0] != OutcomeNoop {
		t.Fatalf("ledger finalized %v", f.ledger.finalized)
	}
}
