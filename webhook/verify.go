package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bookflow/clock"
	"bookflow/event"
)

// ErrVerificationFailed covers every rejection reason: malformed header,
// stale timestamp, or signature mismatch. Callers must treat it uniformly
// and reject the webhook without touching any state.
var ErrVerificationFailed = errors.New("webhook: verification failed")

// Keys holds the signing secrets for one provider. Secondary is empty
// outside of rotation windows; when set, a signature valid under either
// key is accepted so secrets can rotate without dropping deliveries.
type Keys struct {
	Primary   string
	Secondary string
}

// Verifier checks provider webhook signatures. Both Calendly and Stripe use
// the same scheme: an HMAC-SHA256 over "<timestamp>.<raw body>" carried in a
// header of the form "t=<unix>,v1=<hex>".
type Verifier struct {
	keys   map[event.Provider]Keys
	window time.Duration
	clock  clock.Clock
}

// NewVerifier builds a Verifier. window bounds how old a signed timestamp
// may be before the delivery is treated as a replay.
func NewVerifier(keys map[event.Provider]Keys, window time.Duration, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Verifier{keys: keys, window: window, clock: clk}
}

// Verify checks the signature header against the exact raw request body.
// The body must be the bytes as received; re-serialized JSON will not match.
func (v *Verifier) Verify(provider event.Provider, rawBody []byte, signatureHeader string) error {
	keys, ok := v.keys[provider]
	if !ok || keys.Primary == "" {
		return fmt.Errorf("%w: no signing key for provider %s", ErrVerificationFailed, provider)
	}

	ts, sigs, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return err
	}

	now := v.clock.Now()
	age := now.Sub(time.Unix(ts, 0))
	if age > v.window || age < -v.window {
		return fmt.Errorf("%w: timestamp outside replay window", ErrVerificationFailed)
	}

	signed := strconv.FormatInt(ts, 10) + "." + string(rawBody)
	for _, key := range []string{keys.Primary, keys.Secondary} {
		if key == "" {
			continue
		}
		expected := computeHMAC(key, signed)
		for _, sig := range sigs {
			if hmac.Equal([]byte(expected), []byte(sig)) {
				return nil
			}
		}
	}

	return fmt.Errorf("%w: signature mismatch", ErrVerificationFailed)
}

// parseSignatureHeader splits "t=1700000000,v1=abc,v1=def" into the
// timestamp and the candidate signatures. Providers may send several v1
// entries while they rotate their own keys.
func parseSignatureHeader(header string) (int64, []string, error) {
	if header == "" {
		return 0, nil, fmt.Errorf("%w: missing signature header", ErrVerificationFailed)
	}

	var (
		ts   int64
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return 0, nil, fmt.Errorf("%w: malformed signature header", ErrVerificationFailed)
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: malformed timestamp", ErrVerificationFailed)
			}
			ts = parsed
		case "v1":
			sigs = append(sigs, val)
		}
	}

	if ts == 0 || len(sigs) == 0 {
		return 0, nil, fmt.Errorf("%w: signature header missing t or v1", ErrVerificationFailed)
	}
	return ts, sigs, nil
}

func computeHMAC(key, signed string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(signed))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign produces a valid signature header for the given body, timestamp and
// key. Exported for the test harness and local webhook replay tooling.
func Sign(key string, ts time.Time, rawBody []byte) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + computeHMAC(key, unix+"."+string(rawBody))
}
