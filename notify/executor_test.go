package notify

import (
	"context"
	"errors"
	"testing"

	"bookflow/booking"
	"bookflow/outbox"
)

type fakePublisher struct {
	err  error
	keys []string
	msgs []any
}

func (f *fakePublisher) PublishJSON(ctx context.Context, key string, v any) error {
	f.keys = append(f.keys, key)
	f.msgs = append(f.msgs, v)
	return f.err
}

type fakeRefunder struct {
	err     error
	intents []string
	amounts []int64
	keys    []string
}

func (f *fakeRefunder) Refund(ctx context.Context, paymentIntent string, amountCents int64, idempotencyKey string) error {
	f.intents = append(f.intents, paymentIntent)
	f.amounts = append(f.amounts, amountCents)
	f.keys = append(f.keys, idempotencyKey)
	return f.err
}

func TestExecute_RoutesNotificationKinds(t *testing.T) {
	pub := &fakePublisher{}
	exec := NewExecutor(pub, &fakeRefunder{})

	cases := []struct {
		kind booking.IntentKind
		key  string
	}{
		{booking.IntentSendConfirmationEmail, "booking.confirmation"},
		{booking.IntentSendCancellationEmail, "booking.cancellation"},
		{booking.IntentSendNoShowNotice, "booking.no_show"},
	}
	for _, tc := range cases {
		if err := exec.Execute(context.Background(), outbox.Intent{ID: "in-1", Kind: tc.kind}); err != nil {
			t.Fatalf("%s: %v", tc.kind, err)
		}
	}

	if len(pub.keys) != len(cases) {
		t.Fatalf("expected %d publishes, got %d", len(cases), len(pub.keys))
	}
	for i, tc := range cases {
		if pub.keys[i] != tc.key {
			t.Fatalf("kind %s routed to %s, want %s", tc.kind, pub.keys[i], tc.key)
		}
	}
}

func TestExecute_RefundUsesIntentIDAsIdempotencyKey(t *testing.T) {
	ref := &fakeRefunder{}
	exec := NewExecutor(&fakePublisher{}, ref)

	intent := outbox.Intent{
		ID:   "in-9",
		Kind: booking.IntentInitiateRefund,
		Payload: map[string]any{
			"payment_intent": "pi_1",
			"amount_cents":   float64(5000), // jsonb round-trip
		},
	}
	if err := exec.Execute(context.Background(), intent); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(ref.intents) != 1 || ref.intents[0] != "pi_1" {
		t.Fatalf("unexpected payment intent %v", ref.intents)
	}
	if ref.amounts[0] != 5000 {
		t.Fatalf("amount = %d, want 5000", ref.amounts[0])
	}
	if ref.keys[0] != "in-9" {
		t.Fatalf("idempotency key = %s, want intent id", ref.keys[0])
	}
}

func TestExecute_PublishFailurePropagates(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker unreachable")}
	exec := NewExecutor(pub, &fakeRefunder{})

	err := exec.Execute(context.Background(), outbox.Intent{Kind: booking.IntentSendConfirmationEmail})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestExecute_UnknownKindRejected(t *testing.T) {
	exec := NewExecutor(&fakePublisher{}, &fakeRefunder{})
	if err := exec.Execute(context.Background(), outbox.Intent{Kind: "PAGE_ONCALL"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
