// Package webhook implements signed webhook delivery and verification
// (spec §4.10, §6.2): HMAC-SHA256 over "timestamp.payload" with a shared
// secret, carried in an X-Signature header recipients verify within a
// tolerance window. It is grounded on internal/upload's Transport+Retrier
// composition (the same outbound-call shape, with HMAC signing swapped in
// for per-instance credential auth) since no HMAC-signing precedent exists
// elsewhere to ground on directly; crypto/hmac and crypto/sha256 are the
// standard-library primitives Go itself provides for this, and no
// third-party signing library improves on them for a fixed HMAC-SHA256
// scheme.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/connectgate/internal/retry"
	"github.com/rakunlabs/connectgate/internal/transport"
)

// DefaultTolerance is the maximum allowed clock skew between the
// signature's timestamp and the verifier's wall clock (spec §4.10: "default
// 300 seconds").
const DefaultTolerance = 300 * time.Second

// Sign computes the X-Signature header value for payload signed with
// secret at the given unix timestamp: "t=<unix>,v1=<hex-hmac-sha256>".
func Sign(secret []byte, timestamp time.Time, payload []byte) string {
	sum := signature(secret, timestamp.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", timestamp.Unix(), hex.EncodeToString(sum))
}

// Verify checks header against rawBody using secret, rejecting if the
// HMAC doesn't match (constant-time) or the embedded timestamp falls
// outside tolerance of now. A tolerance of zero uses DefaultTolerance.
func Verify(secret []byte, header string, rawBody []byte, now time.Time, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	ts, sig, err := parseHeader(header)
	if err != nil {
		return err
	}

	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > tolerance {
		return &errtax.ValidationError{Op: "webhook.Verify", Message: "signature timestamp outside tolerance window"}
	}

	want := signature(secret, ts, rawBody)
	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(want, got) {
		return &errtax.ValidationError{Op: "webhook.Verify", Message: "signature mismatch"}
	}

	return nil
}

func signature(secret []byte, ts int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// parseHeader splits "t=<unix>,v1=<hex>" into its timestamp and hex digest.
func parseHeader(header string) (int64, string, error) {
	var ts int64
	var sig string

	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			parsed, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, "", &errtax.ValidationError{Op: "webhook.parseHeader", Message: "invalid timestamp"}
			}
			ts = parsed
		case "v1":
			sig = kv[1]
		}
	}

	if ts == 0 || sig == "" {
		return 0, "", &errtax.ValidationError{Op: "webhook.parseHeader", Message: "malformed X-Signature header"}
	}

	return ts, sig, nil
}

// Target is one configured webhook endpoint: the slug it triggers, where
// to deliver it, and the shared secret used to sign outbound deliveries.
type Target struct {
	Slug    string
	URL     string
	Secret  []byte
	Headers map[string]string
}

// Dispatcher sends signed webhook deliveries (spec §4.10 "trigger(slug,
// payload, opts)"), reusing the Transport+Retrier composition the Upload
// Gateway client uses for outbound calls. It carries no credential —
// authentication is the HMAC signature itself, plus whatever static
// headers a Target configures.
type Dispatcher struct {
	t       *transport.Transport
	retrier *retry.Retrier
}

// New builds a Dispatcher. t should be constructed via transport.New with
// a nil credential.Provider, since webhook delivery authenticates via HMAC
// signature rather than a connector credential.
func New(t *transport.Transport, retrier *retry.Retrier) *Dispatcher {
	return &Dispatcher{t: t, retrier: retrier}
}

// Payload is the JSON body delivered to target.URL.
type Payload struct {
	Slug  string `json:"slug"`
	Input any    `json:"input"`
}

// Result is returned from Trigger once the webhook has been delivered and
// answered with a status below 400; a failed delivery is returned as an
// error instead.
type Result struct {
	StatusCode int
	Body       []byte
}

// Trigger delivers payload to target, signing it with target.Secret and
// forwarding idempotencyKey as the Idempotency-Key header (spec §4.10:
// "Idempotency keys MUST be forwarded"). An empty idempotencyKey gets a
// fresh one generated so the recipient can still dedup retried deliveries.
func (d *Dispatcher) Trigger(ctx context.Context, target Target, input any, idempotencyKey string) (*Result, error) {
	body, err := json.Marshal(Payload{Slug: target.Slug, Input: input})
	if err != nil {
		return nil, &errtax.ValidationError{Op: "webhook.Trigger", Message: err.Error()}
	}

	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	headers := map[string]string{
		"Content-Type":    "application/json",
		"X-Signature":     Sign(target.Secret, time.Now().UTC(), body),
		"Idempotency-Key": idempotencyKey,
	}
	for k, v := range target.Headers {
		headers[k] = v
	}

	req := transport.Request{
		Method:  "POST",
		URL:     target.URL,
		Headers: headers,
		Body:    bytes.Clone(body),
	}

	var resp *transport.Response
	err = d.retrier.Do(ctx, fmt.Sprintf("webhook.trigger[%s]", target.Slug), func(ctx context.Context) error {
		r, doErr := d.t.Do(ctx, req)
		if r != nil {
			resp = r
		}
		return doErr
	})
	if err != nil {
		return nil, err
	}

	return &Result{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}
