package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedPayload signals a payload that parsed as JSON but is missing
// fields the provider contract guarantees. It maps to a client-error HTTP
// status so the provider does not retry.
var ErrMalformedPayload = errors.New("event: malformed payload")

// Normalize maps a raw provider webhook body into the internal vocabulary.
// Unknown event types yield KindIgnored rather than an error so that new
// provider event types never break the endpoint.
func Normalize(provider Provider, rawBody []byte) (ExternalEvent, error) {
	switch provider {
	case ProviderCalendly:
		return normalizeCalendly(rawBody)
	case ProviderStripe:
		return normalizeStripe(rawBody)
	default:
		return ExternalEvent{}, fmt.Errorf("event: unknown provider %q", provider)
	}
}

func digest(rawBody []byte) string {
	sum := sha256.Sum256(rawBody)
	return hex.EncodeToString(sum[:])
}

type calendlyEnvelope struct {
	Event     string    `json:"event"`
	CreatedAt time.Time `json:"created_at"`
	Payload   struct {
		URI     string `json:"uri"`
		Invitee struct {
			URI string `json:"uri"`
		} `json:"invitee"`
		Tracking struct {
			UTMContent string `json:"utm_content"`
		} `json:"tracking"`
	} `json:"payload"`
}

func normalizeCalendly(rawBody []byte) (ExternalEvent, error) {
	var env calendlyEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return ExternalEvent{}, fmt.Errorf("%w: calendly: %v", ErrMalformedPayload, err)
	}
	if env.Event == "" {
		return ExternalEvent{}, fmt.Errorf("%w: calendly: missing event type", ErrMalformedPayload)
	}

	var kind Kind
	switch env.Event {
	case "invitee.created":
		kind = KindInviteeCreated
	case "invitee.canceled":
		kind = KindInviteeCanceled
	case "invitee_no_show.created":
		kind = KindNoShowCreated
	default:
		kind = KindIgnored
	}

	// invitee.* payloads put the invitee URI at the payload root;
	// invitee_no_show.* payloads nest it under payload.invitee.
	subject := env.Payload.URI
	if env.Payload.Invitee.URI != "" {
		subject = env.Payload.Invitee.URI
	}
	if kind != KindIgnored && subject == "" {
		return ExternalEvent{}, fmt.Errorf("%w: calendly: missing invitee uri", ErrMalformedPayload)
	}

	occurred := env.CreatedAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	// Calendly does not assign a standalone event id, so the idempotency
	// key is derived from the event name plus the subject resource URI.
	// Redeliveries of the same notification reproduce both.
	id := env.Event + ":" + subject

	return ExternalEvent{
		Provider:   ProviderCalendly,
		Kind:       kind,
		ID:         id,
		SubjectKey: subject,
		OccurredAt: occurred,
		Digest:     digest(rawBody),
		// Scheduling links embed the draft booking id as UTM content so the
		// first webhook for an invitee can find its booking.
		BookingRef: env.Payload.Tracking.UTMContent,
	}, nil
}

type stripeEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID             string            `json:"id"`
			AmountTotal    int64             `json:"amount_total"`
			AmountRefunded int64             `json:"amount_refunded"`
			Currency       string            `json:"currency"`
			PaymentIntent  string            `json:"payment_intent"`
			Metadata       map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func normalizeStripe(rawBody []byte) (ExternalEvent, error) {
	var env stripeEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return ExternalEvent{}, fmt.Errorf("%w: stripe: %v", ErrMalformedPayload, err)
	}
	if env.ID == "" || env.Type == "" {
		return ExternalEvent{}, fmt.Errorf("%w: stripe: missing event id or type", ErrMalformedPayload)
	}

	var kind Kind
	switch env.Type {
	case "checkout.session.completed":
		kind = KindCheckoutCompleted
	case "checkout.session.async_payment_failed", "payment_intent.payment_failed":
		kind = KindPaymentFailed
	case "charge.refunded":
		kind = KindRefundCompleted
	default:
		kind = KindIgnored
	}

	obj := env.Data.Object

	// Checkout events correlate on the session id directly. Charge and
	// payment-intent events carry the originating session in metadata,
	// which checkout creation stamps onto every downstream object.
	subject := obj.ID
	if sess, ok := obj.Metadata["checkout_session"]; ok && sess != "" {
		subject = sess
	}
	if kind != KindIgnored && subject == "" {
		return ExternalEvent{}, fmt.Errorf("%w: stripe: missing correlation id", ErrMalformedPayload)
	}

	occurred := time.Now().UTC()
	if env.Created > 0 {
		occurred = time.Unix(env.Created, 0).UTC()
	}

	ev := ExternalEvent{
		Provider:         ProviderStripe,
		Kind:             kind,
		ID:               env.ID,
		SubjectKey:       subject,
		OccurredAt:       occurred,
		Digest:           digest(rawBody),
		Currency:         obj.Currency,
		PaymentIntentRef: obj.PaymentIntent,
		BookingRef:       obj.Metadata["booking_id"],
	}
	switch kind {
	case KindCheckoutCompleted:
		ev.AmountCents = obj.AmountTotal
	case KindRefundCompleted:
		ev.AmountCents = obj.AmountRefunded
	}
	return ev, nil
}
