package booking

import "time"

// Status is the single authoritative lifecycle state of a booking.
type Status string

const (
	StatusPendingSchedule Status = "PENDING_SCHEDULE"
	StatusScheduledUnpaid Status = "SCHEDULED_UNPAID"
	StatusPendingPayment  Status = "PENDING_PAYMENT"
	StatusConfirmed       Status = "CONFIRMED"
	StatusCancelled       Status = "CANCELLED"
	StatusNoShow          Status = "NO_SHOW"
	StatusRefunded        Status = "REFUNDED"
)

// Terminal reports whether the status absorbs all further events.
// CANCELLED is terminal for everything except refund completion.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusNoShow, StatusRefunded:
		return true
	default:
		return false
	}
}

// Booking mirrors the bookings table. All mutation goes through the state
// machine and the store's version-checked update.
type Booking struct {
	ID             string
	ClientRef      *string // nil for anonymous bookings
	BuilderRef     string
	SessionTypeRef string
	StartAt        time.Time
	EndAt          time.Time
	Timezone       string

	// Pricing snapshot taken at draft time. Nil amount means a free session.
	AmountCents *int64
	Currency    string

	// External correlation keys, unique when set.
	ExternalSchedulingID *string // Calendly invitee URI
	ExternalPaymentID    *string // Stripe checkout session id
	PaymentIntentRef     *string // Stripe payment intent, needed for refunds

	Status  Status
	Version int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Priced reports whether the session costs anything.
func (b Booking) Priced() bool {
	return b.AmountCents != nil && *b.AmountCents > 0
}

// Draft carries the attributes known when a client begins a booking attempt,
// before any external confirmation exists.
type Draft struct {
	ClientRef      *string
	BuilderRef     string
	SessionTypeRef string
	StartAt        time.Time
	EndAt          time.Time
	Timezone       string
	AmountCents    *int64
	Currency       string
}

// AuditEntry is one row of the append-only transition log. Seq equals the
// version the transition produced, so the sequence is gapless and monotonic
// per booking.
type AuditEntry struct {
	BookingID  string
	Seq        int
	FromStatus Status
	ToStatus   Status
	EventID    string
	At         time.Time
}
