package notify

import (
	"context"
	"fmt"

	"bookflow/booking"
	"bookflow/outbox"
)

// JSONPublisher is the broker surface the executor publishes through.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// Refunder initiates a refund for a captured payment.
type Refunder interface {
	Refund(ctx context.Context, paymentIntent string, amountCents int64, idempotencyKey string) error
}

// Executor routes outbox intents to their side effect: notification intents
// go to the broker for the notification workers, refunds go to Stripe.
type Executor struct {
	publisher JSONPublisher
	refunder  Refunder
}

func NewExecutor(publisher JSONPublisher, refunder Refunder) *Executor {
	return &Executor{publisher: publisher, refunder: refunder}
}

func (e *Executor) Execute(ctx context.Context, intent outbox.Intent) error {
	switch intent.Kind {
	case booking.IntentSendConfirmationEmail:
		return e.publish(ctx, "booking.confirmation", intent)
	case booking.IntentSendCancellationEmail:
		return e.publish(ctx, "booking.cancellation", intent)
	case booking.IntentSendNoShowNotice:
		return e.publish(ctx, "booking.no_show", intent)
	case booking.IntentInitiateRefund:
		return e.refund(ctx, intent)
	default:
		return fmt.Errorf("notify: unknown intent kind %q", intent.Kind)
	}
}

func (e *Executor) publish(ctx context.Context, key string, intent outbox.Intent) error {
	msg := map[string]any{
		"intent_id":  intent.ID,
		"booking_id": intent.BookingID,
		"kind":       intent.Kind,
		"params":     intent.Payload,
	}
	if err := e.publisher.PublishJSON(ctx, key, msg); err != nil {
		return fmt.Errorf("notify: publish %s: %w", key, err)
	}
	return nil
}

func (e *Executor) refund(ctx context.Context, intent outbox.Intent) error {
	paymentIntent, _ := intent.Payload["payment_intent"].(string)
	return e.refunder.Refund(ctx, paymentIntent, amountCents(intent.Payload), intent.ID)
}

// amountCents tolerates both the int64 written at enqueue time and the
// float64 that comes back from jsonb.
func amountCents(params map[string]any) int64 {
	switch v := params["amount_cents"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
