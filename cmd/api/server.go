package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"bookflow/auth"
	"bookflow/booking"
	"bookflow/clock"
	"bookflow/db"
	"bookflow/event"
	"bookflow/outbox"
	"bookflow/reconcile"
)

const maxWebhookBody = 1 << 20 // providers cap payloads well under this

const (
	codeInvalidRequestBody = "invalid_request_body"
	codeInvalidSignature   = "invalid_signature"
	codeMalformedPayload   = "malformed_payload"
	codeUnprocessableEvent = "unprocessable_event"
	codeNotFound           = "not_found"
	codeUnauthorized       = "unauthorized"
	codeForbidden          = "forbidden"
	codeConflict           = "conflict"
	codeInternalError      = "internal_error"
)

// WebhookVerifier checks a raw webhook body against its signature header.
type WebhookVerifier interface {
	Verify(provider event.Provider, rawBody []byte, signatureHeader string) error
}

// EventProcessor applies one normalized event to the booking state.
type EventProcessor interface {
	Process(ctx context.Context, ev event.ExternalEvent, rawBody []byte) (reconcile.Outcome, error)
}

// BookingService is the client-facing booking surface.
type BookingService interface {
	CreateDraft(ctx context.Context, draft booking.Draft) (booking.Booking, error)
	Get(ctx context.Context, id string) (booking.Booking, []booking.AuditEntry, error)
	ListRecent(ctx context.Context, status booking.Status, limit int) ([]booking.Booking, error)
}

// AccountService handles registration, login and token checks.
type AccountService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// UnmatchedLister exposes the parked-event queue for the ops console.
type UnmatchedLister interface {
	ListPending(ctx context.Context, q db.RowQuerier, limit int) ([]reconcile.UnmatchedEvent, error)
}

// DeadLetterStore exposes dead outbound intents for inspection and requeue.
type DeadLetterStore interface {
	ListDead(ctx context.Context, q db.RowQuerier, limit int) ([]outbox.Intent, error)
	Requeue(ctx context.Context, q db.Querier, id string, now time.Time) error
}

// adminDB is the read/write surface the admin handlers need; satisfied by
// *pgxpool.Pool.
type adminDB interface {
	db.Querier
	db.RowQuerier
}

// Server wires the HTTP surface: webhook intake, booking intake and reads,
// auth, and the ops console.
type Server struct {
	verifier  WebhookVerifier
	processor EventProcessor
	bookings  BookingService
	accounts  AccountService
	unmatched UnmatchedLister
	dead      DeadLetterStore
	db        adminDB
	clock     clock.Clock
	logger    *log.Logger

	// webhookTimeout bounds one delivery end to end. Providers time out and
	// redeliver, so finishing late is worse than failing fast.
	webhookTimeout time.Duration
}

func NewServer(verifier WebhookVerifier, processor EventProcessor, bookings BookingService,
	accounts AccountService, unmatched UnmatchedLister, dead DeadLetterStore, adb adminDB,
	c clock.Clock, logger *log.Logger, webhookTimeout time.Duration) *Server {
	if webhookTimeout <= 0 {
		webhookTimeout = 5 * time.Second
	}
	return &Server{
		verifier:       verifier,
		processor:      processor,
		bookings:       bookings,
		accounts:       accounts,
		unmatched:      unmatched,
		dead:           dead,
		db:             adb,
		clock:          c,
		logger:         logger,
		webhookTimeout: webhookTimeout,
	}
}

// Routes builds the request mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /webhooks/calendly", s.handleWebhook(event.ProviderCalendly, "Calendly-Webhook-Signature"))
	mux.HandleFunc("POST /webhooks/stripe", s.handleWebhook(event.ProviderStripe, "Stripe-Signature"))

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	mux.HandleFunc("POST /api/bookings", s.handleCreateBooking)
	mux.HandleFunc("GET /api/bookings/{id}", s.handleGetBooking)

	mux.HandleFunc("GET /api/admin/bookings", s.requireRole(auth.RoleOps, s.handleListBookings))
	mux.HandleFunc("GET /api/admin/unmatched", s.requireRole(auth.RoleOps, s.handleListUnmatched))
	mux.HandleFunc("GET /api/admin/intents/dead", s.requireRole(auth.RoleOps, s.handleListDeadIntents))
	mux.HandleFunc("POST /api/admin/intents/{id}/requeue", s.requireRole(auth.RoleOps, s.handleRequeueIntent))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook is the shared intake path for both providers: read the raw
// body once, verify the signature over those exact bytes, normalize, then
// hand off to the coordinator. Any 2xx tells the provider to stop
// redelivering, so only transient persistence failures return 5xx.
func (s *Server) handleWebhook(provider event.Provider, signatureHeader string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.webhookTimeout)
		defer cancel()

		rawBody, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "cannot read request body")
			return
		}

		if err := s.verifier.Verify(provider, rawBody, r.Header.Get(signatureHeader)); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidSignature, "signature verification failed")
			return
		}

		ev, err := event.Normalize(provider, rawBody)
		if err != nil {
			if errors.Is(err, event.ErrMalformedPayload) {
				writeError(w, http.StatusBadRequest, codeMalformedPayload, err.Error())
				return
			}
			s.logger.Printf("webhook %s: normalize: %v", provider, err)
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}

		outcome, err := s.processor.Process(ctx, ev, rawBody)
		if err != nil {
			if errors.Is(err, booking.ErrAmountMismatch) || errors.Is(err, booking.ErrUnexpectedEvent) {
				writeError(w, http.StatusUnprocessableEntity, codeUnprocessableEvent, err.Error())
				return
			}
			s.logger.Printf("webhook %s event %s: %v", provider, ev.ID, err)
			writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}

	user, err := s.accounts.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, err.Error())
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, codeConflict, "email already registered")
		default:
			s.logger.Printf("register: %v", err)
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "registration failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, userResponse{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		Role:     string(user.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}

	result, err := s.accounts.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid credentials")
			return
		}
		s.logger.Printf("login: %v", err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		User: userResponse{
			ID:       result.User.ID,
			Email:    result.User.Email,
			FullName: result.User.FullName,
			Role:     string(result.User.Role),
		},
	})
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, err.Error())
		return
	}

	b, err := s.bookings.CreateDraft(r.Context(), booking.Draft{
		ClientRef:      req.ClientRef,
		BuilderRef:     req.BuilderRef,
		SessionTypeRef: req.SessionTypeRef,
		StartAt:        req.StartAt,
		EndAt:          req.EndAt,
		Timezone:       req.Timezone,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
	})
	if err != nil {
		s.logger.Printf("create booking: %v", err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, bookingResponse{
		ID:      b.ID,
		Status:  string(b.Status),
		Version: b.Version,
	})
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	b, trail, err := s.bookings.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, booking.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "booking not found")
			return
		}
		s.logger.Printf("get booking %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}

	resp := bookingDetailResponse{
		bookingResponse: bookingResponse{
			ID:      b.ID,
			Status:  string(b.Status),
			Version: b.Version,
		},
		BuilderRef:     b.BuilderRef,
		SessionTypeRef: b.SessionTypeRef,
		StartAt:        b.StartAt,
		EndAt:          b.EndAt,
		Timezone:       b.Timezone,
		AmountCents:    b.AmountCents,
		Currency:       b.Currency,
	}
	for _, e := range trail {
		resp.History = append(resp.History, auditResponse{
			Seq:        e.Seq,
			FromStatus: string(e.FromStatus),
			ToStatus:   string(e.ToStatus),
			EventID:    e.EventID,
			At:         e.At,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	status := booking.Status(r.URL.Query().Get("status"))

	bookings, err := s.bookings.ListRecent(r.Context(), status, 100)
	if err != nil {
		s.logger.Printf("list bookings: %v", err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}

	resp := make([]bookingResponse, 0, len(bookings))
	for _, b := range bookings {
		resp = append(resp, bookingResponse{ID: b.ID, Status: string(b.Status), Version: b.Version})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListUnmatched(w http.ResponseWriter, r *http.Request) {
	events, err := s.unmatched.ListPending(r.Context(), s.db, 100)
	if err != nil {
		s.logger.Printf("list unmatched: %v", err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}

	resp := make([]unmatchedResponse, 0, len(events))
	for _, ue := range events {
		resp = append(resp, unmatchedResponse{
			Provider:   string(ue.Provider),
			EventID:    ue.EventID,
			Attempts:   ue.Attempts,
			Status:     string(ue.Status),
			FirstSeen:  ue.FirstSeen,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDeadIntents(w http.ResponseWriter, r *http.Request) {
	intents, err := s.dead.ListDead(r.Context(), s.db, 100)
	if err != nil {
		s.logger.Printf("list dead intents: %v", err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}

	resp := make([]intentResponse, 0, len(intents))
	for _, in := range intents {
		resp = append(resp, intentResponse{
			ID:        in.ID,
			BookingID: in.BookingID,
			Kind:      string(in.Kind),
			Attempts:  in.Attempts,
			LastError: in.LastError,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRequeueIntent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.dead.Requeue(r.Context(), s.db, id, s.clock.Now()); err != nil {
		if errors.Is(err, outbox.ErrIntentNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "dead intent not found")
			return
		}
		s.logger.Printf("requeue intent %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

// requireRole gates a handler behind a bearer token carrying the given role.
func (s *Server) requireRole(role auth.Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing bearer token")
			return
		}

		_, gotRole, err := s.accounts.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid token")
			return
		}
		if gotRole != role {
			writeError(w, http.StatusForbidden, codeForbidden, "insufficient role")
			return
		}

		next(w, r)
	}
}

type createBookingRequest struct {
	ClientRef      *string   `json:"client_ref"`
	BuilderRef     string    `json:"builder_ref"`
	SessionTypeRef string    `json:"session_type_ref"`
	StartAt        time.Time `json:"start_at"`
	EndAt          time.Time `json:"end_at"`
	Timezone       string    `json:"timezone"`
	AmountCents    *int64    `json:"amount_cents"`
	Currency       string    `json:"currency"`
}

func (r createBookingRequest) validate() error {
	if r.BuilderRef == "" || r.SessionTypeRef == "" {
		return errors.New("builder_ref and session_type_ref are required")
	}
	if r.StartAt.IsZero() || r.EndAt.IsZero() || !r.EndAt.After(r.StartAt) {
		return errors.New("start_at must precede end_at")
	}
	if r.AmountCents != nil {
		if *r.AmountCents <= 0 {
			return errors.New("amount_cents must be positive when set")
		}
		if r.Currency == "" {
			return errors.New("currency is required for priced sessions")
		}
	}
	return nil
}

type bookingResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Version int    `json:"version"`
}

type auditResponse struct {
	Seq        int       `json:"seq"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	EventID    string    `json:"event_id,omitempty"`
	At         time.Time `json:"at"`
}

type bookingDetailResponse struct {
	bookingResponse
	BuilderRef     string          `json:"builder_ref"`
	SessionTypeRef string          `json:"session_type_ref"`
	StartAt        time.Time       `json:"start_at"`
	EndAt          time.Time       `json:"end_at"`
	Timezone       string          `json:"timezone"`
	AmountCents    *int64          `json:"amount_cents,omitempty"`
	Currency       string          `json:"currency,omitempty"`
	History        []auditResponse `json:"history"`
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type unmatchedResponse struct {
	Provider   string    `json:"provider"`
	EventID    string    `json:"event_id"`
	Attempts   int       `json:"attempts"`
	Status     string    `json:"status"`
	FirstSeen  time.Time `json:"first_seen"`
}

type intentResponse struct {
	ID        string  `json:"id"`
	BookingID string  `json:"booking_id"`
	Kind      string  `json:"kind"`
	Attempts  int     `json:"attempts"`
	LastError *string `json:"last_error"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
