package booking

// IntentKind enumerates the side effects a transition can request.
type IntentKind string

const (
	IntentSendConfirmationEmail IntentKind = "SEND_CONFIRMATION_EMAIL"
	IntentSendCancellationEmail IntentKind = "SEND_CANCELLATION_EMAIL"
	IntentInitiateRefund        IntentKind = "INITIATE_REFUND"
	IntentSendNoShowNotice      IntentKind = "SEND_NO_SHOW_NOTICE"
)

// Intent is a side effect the state machine wants executed. It is never
// applied synchronously; the coordinator persists it to the outbox in the
// same transaction as the state change and the dispatcher runs it after.
type Intent struct {
	Kind      IntentKind
	BookingID string
	Params    map[string]any
}

func confirmationIntent(b Booking) Intent {
	return Intent{
		Kind:      IntentSendConfirmationEmail,
		BookingID: b.ID,
		Params: map[string]any{
			"client_ref":   deref(b.ClientRef),
			"builder_ref":  b.BuilderRef,
			"session_type": b.SessionTypeRef,
			"start_at":     b.StartAt,
			"timezone":     b.Timezone,
		},
	}
}

func cancellationIntent(b Booking) Intent {
	return Intent{
		Kind:      IntentSendCancellationEmail,
		BookingID: b.ID,
		Params: map[string]any{
			"client_ref":  deref(b.ClientRef),
			"builder_ref": b.BuilderRef,
			"start_at":    b.StartAt,
		},
	}
}

func refundIntent(b Booking) Intent {
	var amount int64
	if b.AmountCents != nil {
		amount = *b.AmountCents
	}
	return Intent{
		Kind:      IntentInitiateRefund,
		BookingID: b.ID,
		Params: map[string]any{
			"payment_intent": deref(b.PaymentIntentRef),
			"amount_cents":   amount,
			"currency":       b.Currency,
		},
	}
}

func noShowIntent(b Booking) Intent {
	return Intent{
		Kind:      IntentSendNoShowNotice,
		BookingID: b.ID,
		Params: map[string]any{
			"client_ref":  deref(b.ClientRef),
			"builder_ref": b.BuilderRef,
			"start_at":    b.StartAt,
		},
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
