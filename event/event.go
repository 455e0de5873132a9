package event

import "time"

// Provider identifies the webhook source.
type Provider string

const (
	ProviderCalendly Provider = "calendly"
	ProviderStripe   Provider = "stripe"
)

// Kind is the internal event vocabulary. Provider event-type strings are
// mapped onto it by the normalizers; anything unmapped becomes KindIgnored.
type Kind string

const (
	KindInviteeCreated    Kind = "INVITEE_CREATED"
	KindInviteeCanceled   Kind = "INVITEE_CANCELED"
	KindNoShowCreated     Kind = "NO_SHOW_CREATED"
	KindCheckoutCompleted Kind = "CHECKOUT_COMPLETED"
	KindPaymentFailed     Kind = "PAYMENT_FAILED"
	KindRefundCompleted   Kind = "REFUND_COMPLETED"
	KindIgnored           Kind = "IGNORED"
)

// ExternalEvent is a provider webhook reduced to what the state machine and
// ledger need. The full raw payload is not retained past normalization; the
// digest stands in for it in audit records.
type ExternalEvent struct {
	Provider   Provider
	Kind       Kind
	ID         string // provider-assigned event id, idempotency key
	SubjectKey string // invitee id (calendly) or session/payment id (stripe)
	OccurredAt time.Time
	Digest     string // hex sha256 of the raw body

	// AmountCents and Currency carry the charged amount on payment events
	// so the state machine can check it against the booking. Zero/empty on
	// non-payment events.
	AmountCents int64
	Currency    string

	// PaymentIntentRef is the Stripe payment intent behind a checkout
	// session. Captured at payment completion because the refund API is
	// keyed on it, not on the session id.
	PaymentIntentRef string

	// BookingRef is the local booking id the client stamped onto the
	// provider object at creation time: Calendly scheduling links carry it
	// in the UTM content field, Stripe checkout sessions in metadata. Empty
	// when the client omitted it; the subject key is the fallback.
	BookingRef string
}
