package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStripeRefunder_Refund(t *testing.T) {
	var got *http.Request
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		_ = r.ParseForm()
		form = r.PostForm
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"re_1","status":"pending"}`))
	}))
	defer srv.Close()

	ref := NewStripeRefunder("sk_test_123", srv.URL)
	if err := ref.Refund(context.Background(), "pi_1", 5000, "in-9"); err != nil {
		t.Fatalf("refund: %v", err)
	}

	if got.URL.Path != "/v1/refunds" {
		t.Fatalf("path = %s", got.URL.Path)
	}
	if got.Header.Get("Authorization") != "Bearer sk_test_123" {
		t.Fatalf("missing bearer auth")
	}
	if got.Header.Get("Idempotency-Key") != "in-9" {
		t.Fatalf("missing idempotency key")
	}
	if form["payment_intent"][0] != "pi_1" || form["amount"][0] != "5000" {
		t.Fatalf("unexpected form %v", form)
	}
}

func TestStripeRefunder_PermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"charge already refunded"}}`))
	}))
	defer srv.Close()

	ref := NewStripeRefunder("sk_test_123", srv.URL)
	err := ref.Refund(context.Background(), "pi_1", 5000, "in-9")
	if !errors.Is(err, ErrRefundRejected) {
		t.Fatalf("expected ErrRefundRejected, got %v", err)
	}
}

func TestStripeRefunder_TransientFailureRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ref := NewStripeRefunder("sk_test_123", srv.URL)
	err := ref.Refund(context.Background(), "pi_1", 5000, "in-9")
	if err == nil || errors.Is(err, ErrRefundRejected) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestStripeRefunder_MissingPaymentIntent(t *testing.T) {
	ref := NewStripeRefunder("sk_test_123", "")
	if err := ref.Refund(context.Background(), "", 5000, "in-9"); !errors.Is(err, ErrRefundRejected) {
		t.Fatalf("expected ErrRefundRejected, got %v", err)
	}
}
