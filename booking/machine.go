package booking

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"bookflow/event"
)

var (
	// ErrAmountMismatch signals a payment event whose amount or currency
	// does not match the booking's pricing snapshot. Never auto-resolved.
	ErrAmountMismatch = errors.New("booking: payment amount mismatch")
	// ErrUnexpectedEvent signals a state/event combination the machine has
	// no transition for. The coordinator rejects and alerts rather than
	// guessing.
	ErrUnexpectedEvent = errors.New("booking: unexpected event for state")
)

// Result is the outcome of one state-machine invocation. When Changed is
// false the event was absorbed: Next equals the input booking, no intents
// are produced, and nothing is persisted beyond the idempotency ledger.
type Result struct {
	Next    Booking
	Intents []Intent
	Changed bool
	Audit   *AuditEntry
}

// Transition computes the next booking state for an incoming event. It is a
// pure function of its inputs: no I/O, no clock reads, fully deterministic.
// Every state change increments the version by exactly 1 and carries exactly
// one audit entry.
func Transition(current Booking, ev event.ExternalEvent, now time.Time) (Result, error) {
	noop := Result{Next: current}

	if ev.Kind == event.KindIgnored {
		return noop, nil
	}

	// Terminal states absorb everything, with the single exception of the
	// refund completing on a cancelled booking. A stale invitee.created
	// redelivered after cancellation therefore can never reopen a booking.
	if current.Status.Terminal() {
		if current.Status == StatusCancelled && ev.Kind == event.KindRefundCompleted {
			return advance(current, ev, now, StatusRefunded, nil), nil
		}
		return noop, nil
	}

	switch ev.Kind {
	case event.KindInviteeCreated:
		return applyInviteeCreated(current, ev, now)
	case event.KindInviteeCanceled:
		return applyInviteeCanceled(current, ev, now)
	case event.KindCheckoutCompleted:
		return applyCheckoutCompleted(current, ev, now)
	case event.KindNoShowCreated:
		if current.Status != StatusConfirmed {
			return Result{}, fmt.Errorf("%w: %s in %s", ErrUnexpectedEvent, ev.Kind, current.Status)
		}
		return advance(current, ev, now, StatusNoShow, []Intent{noShowIntent(current)}), nil
	case event.KindPaymentFailed:
		// The client can retry checkout; the booking keeps waiting.
		return noop, nil
	case event.KindRefundCompleted:
		return Result{}, fmt.Errorf("%w: %s in %s", ErrUnexpectedEvent, ev.Kind, current.Status)
	default:
		return Result{}, fmt.Errorf("%w: unknown kind %s", ErrUnexpectedEvent, ev.Kind)
	}
}

func applyInviteeCreated(current Booking, ev event.ExternalEvent, now time.Time) (Result, error) {
	if current.Status != StatusPendingSchedule {
		// Already scheduled; a redelivered or stale created event for the
		// same invitee is a no-op.
		if current.ExternalSchedulingID != nil && *current.ExternalSchedulingID == ev.SubjectKey {
			return Result{Next: current}, nil
		}
		return Result{}, fmt.Errorf("%w: invitee created in %s for different subject", ErrUnexpectedEvent, current.Status)
	}

	next := current
	subject := ev.SubjectKey
	next.ExternalSchedulingID = &subject

	if current.Priced() {
		r := advance(next, ev, now, StatusPendingPayment, nil)
		return r, nil
	}
	// Free sessions confirm directly; there is no checkout to wait for.
	r := advance(next, ev, now, StatusConfirmed, nil)
	r.Intents = []Intent{confirmationIntent(r.Next)}
	return r, nil
}

func applyInviteeCanceled(current Booking, ev event.ExternalEvent, now time.Time) (Result, error) {
	intents := []Intent{cancellationIntent(current)}
	// Refund only when money actually moved: booking confirmed with a
	// captured payment. Cancellation before checkout completes refunds
	// nothing.
	if current.Status == StatusConfirmed && current.Priced() && current.ExternalPaymentID != nil {
		intents = append(intents, refundIntent(current))
	}
	return advance(current, ev, now, StatusCancelled, intents), nil
}

func applyCheckoutCompleted(current Booking, ev event.ExternalEvent, now time.Time) (Result, error) {
	switch current.Status {
	case StatusPendingPayment, StatusScheduledUnpaid:
		if err := checkAmount(current, ev); err != nil {
			return Result{}, err
		}
		next := current
		subject := ev.SubjectKey
		next.ExternalPaymentID = &subject
		if ev.PaymentIntentRef != "" {
			pi := ev.PaymentIntentRef
			next.PaymentIntentRef = &pi
		}
		r := advance(next, ev, now, StatusConfirmed, nil)
		r.Intents = []Intent{confirmationIntent(r.Next)}
		return r, nil
	case StatusConfirmed:
		// A second completion event for the same session is a redelivery.
		if current.ExternalPaymentID != nil && *current.ExternalPaymentID == ev.SubjectKey {
			return Result{Next: current}, nil
		}
		return Result{}, fmt.Errorf("%w: checkout completed for different session on confirmed booking", ErrUnexpectedEvent)
	default:
		return Result{}, fmt.Errorf("%w: checkout completed in %s", ErrUnexpectedEvent, current.Status)
	}
}

func checkAmount(b Booking, ev event.ExternalEvent) error {
	var expected int64
	if b.AmountCents != nil {
		expected = *b.AmountCents
	}
	if ev.AmountCents != expected {
		return fmt.Errorf("%w: expected %d, charged %d", ErrAmountMismatch, expected, ev.AmountCents)
	}
	if b.Currency != "" && ev.Currency != "" && !strings.EqualFold(b.Currency, ev.Currency) {
		return fmt.Errorf("%w: expected currency %s, charged %s", ErrAmountMismatch, b.Currency, ev.Currency)
	}
	return nil
}

func advance(b Booking, ev event.ExternalEvent, now time.Time, to Status, intents []Intent) Result {
	from := b.Status
	next := b
	next.Status = to
	next.Version = b.Version + 1
	next.UpdatedAt = now

	return Result{
		Next:    next,
		Intents: intents,
		Changed: true,
		Audit: &AuditEntry{
			BookingID:  b.ID,
			Seq:        next.Version,
			FromStatus: from,
			ToStatus:   to,
			EventID:    ev.ID,
			At:         now,
		},
	}
}
