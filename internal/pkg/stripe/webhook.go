package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is how far a webhook timestamp may drift before the
// signature is rejected as a replay.
const DefaultTolerance = 5 * time.Minute

// Event is a verified webhook event envelope.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ErrInvalidSignature is returned when the Stripe-Signature header does not
// match the payload.
var ErrInvalidSignature = fmt.Errorf("stripe: invalid webhook signature")

// ConstructEvent verifies the Stripe-Signature header against the raw payload
// and returns the parsed event. Signature scheme: header carries
// "t=<unix>,v1=<hex hmac>" where the hmac is SHA-256 over "<unix>.<payload>"
// keyed with the webhook secret.
func ConstructEvent(payload []byte, sigHeader, secret string, tolerance time.Duration) (*Event, error) {
	ts, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return nil, err
	}

	if tolerance > 0 {
		drift := time.Since(time.Unix(ts, 0))
		if drift > tolerance || drift < -tolerance {
			return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	expected := mac.Sum(nil)

	verified := false
	for _, sig := range signatures {
		raw, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(raw, expected) {
			verified = true
			break
		}
	}
	if !verified {
		return nil, ErrInvalidSignature
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("stripe: parse event: %w", err)
	}

	return &event, nil
}

func parseSignatureHeader(header string) (int64, []string, error) {
	if header == "" {
		return 0, nil, fmt.Errorf("%w: missing header", ErrInvalidSignature)
	}

	var ts int64
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			ts = parsed
		case "v1":
			signatures = append(signatures, v)
		}
	}

	if ts == 0 || len(signatures) == 0 {
		return 0, nil, fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}

	return ts, signatures, nil
}

// SignPayload produces a Stripe-Signature header value for a payload. Used by
// tests and the local webhook replay tool.
func SignPayload(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(payload)

	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}
