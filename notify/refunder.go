package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrRefundRejected signals Stripe refused the refund for a non-transient
// reason. Retrying will not help; the intent should dead-letter and alert.
var ErrRefundRejected = errors.New("notify: refund rejected")

// StripeRefunder initiates refunds through the Stripe API. Refund creation
// is idempotent per intent id, so dispatcher retries never double-refund.
type StripeRefunder struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewStripeRefunder(apiKey, baseURL string) *StripeRefunder {
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	return &StripeRefunder{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Refund creates a refund for the payment intent. idempotencyKey scopes the
// request so a redelivered intent reuses the original refund.
func (s *StripeRefunder) Refund(ctx context.Context, paymentIntent string, amountCents int64, idempotencyKey string) error {
	if paymentIntent == "" {
		return fmt.Errorf("%w: missing payment intent", ErrRefundRejected)
	}

	form := url.Values{}
	form.Set("payment_intent", paymentIntent)
	if amountCents > 0 {
		form.Set("amount", strconv.FormatInt(amountCents, 10))
	}
	form.Set("metadata[reason]", "booking_cancelled")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/refunds", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("notify: build refund request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: refund request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := stripeErrorMessage(body)

	// 4xx responses other than rate limiting are permanent.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d: %s", ErrRefundRejected, resp.StatusCode, msg)
	}
	return fmt.Errorf("notify: refund failed with status %d: %s", resp.StatusCode, msg)
}

func stripeErrorMessage(body []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return string(body)
}
