// Package transport is the outbound HTTP boundary every REST-style
// connector and the Upload Gateway client call through. It is grounded on
// the teacher's workflow http-request node: a klient.Client configured for
// proxying, TLS, and transport-level retry, wrapped with the domain's own
// error classification and per-request timeout override.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/connectgate/internal/credential"
	"github.com/rakunlabs/connectgate/internal/errtax"
)

// DefaultTimeout is the per-request timeout applied when a Request doesn't
// set one explicitly (spec §4.2: "30s unless the connector overrides it").
const DefaultTimeout = 30 * time.Second

// Options configures the Transport's underlying klient.Client.
type Options struct {
	ProxyURL           string
	InsecureSkipVerify bool
	// DisableRetry turns off klient's own transport-level retry; the
	// Retrier above this package is almost always the right layer for
	// retry policy, so cmd/connectgated sets it on every Transport it
	// builds. The zero value (false) leaves klient's retry enabled.
	DisableRetry bool
}

// Transport issues authenticated HTTP requests for one connector instance.
type Transport struct {
	client     *klient.Client
	instanceID string
	creds      *credential.Provider
	headerName string // custom header name for SchemeCustomHeader
}

// New builds a Transport for instanceID, acquiring credentials from creds
// on every request.
func New(instanceID string, creds *credential.Provider, headerName string, opts Options) (*Transport, error) {
	klientOpts := []klient.OptionClientFn{
		klient.WithDisableBaseURLCheck(true),
	}
	if opts.ProxyURL != "" {
		klientOpts = append(klientOpts, klient.WithProxy(opts.ProxyURL))
	}
	if opts.InsecureSkipVerify {
		klientOpts = append(klientOpts, klient.WithInsecureSkipVerify(true))
	}
	if opts.DisableRetry {
		klientOpts = append(klientOpts, klient.WithDisableRetry(true))
	}

	c, err := klient.New(klientOpts...)
	if err != nil {
		return nil, fmt.Errorf("build transport client: %w", err)
	}

	return &Transport{client: c, instanceID: instanceID, creds: creds, headerName: headerName}, nil
}

// Request describes one outbound call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration // zero means DefaultTimeout
}

// Response is the materialized result of a Request; the body is read
// fully since every connector transform needs the complete payload before
// it can map fields.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Do issues req, attaching the instance's current credential, and
// classifies any failure into the errtax taxonomy. It performs no retry —
// callers wrap Do with internal/retry.Retrier.
func (t *Transport) Do(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &errtax.ValidationError{Op: "transport.Do", Message: err.Error()}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	if t.creds != nil {
		cred, err := t.creds.Acquire(ctx, t.instanceID)
		if err != nil {
			return nil, err
		}
		if name, value := credential.AuthHeader(cred, t.headerName); name != "" {
			httpReq.Header.Set(name, value)
		}
	}

	// t.client.HTTP is the underlying *http.Client with klient's transport
	// (base URL, proxy, TLS options) already applied; the callback form of
	// klient.Client.Do doesn't fit here since callers need the raw status
	// code to classify non-2xx responses themselves.
	resp, err := t.client.HTTP.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errtax.NetworkError{Op: "transport.Do", Err: err}
	}

	out := &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}
	if resp.StatusCode >= 400 {
		return out, classifyStatus(resp.StatusCode, resp.Header, body)
	}

	return out, nil
}

func classifyTransportErr(ctx context.Context, err error) error {
	// Cancellation and a deadline expiring both surface as ctx.Err(), but
	// they must be told apart: a caller-initiated Cancel is not a timeout,
	// and wrapping it as a (retryable) TimeoutError would make the Retrier
	// spend another attempt against an already-dead context and hide the
	// cancellation from the runtime's pull loop. Propagate context.Canceled
	// as-is so callers can recognize it with errors.Is.
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if ctx.Err() != nil {
		return &errtax.TimeoutError{Op: "transport.Do"}
	}
	return &errtax.NetworkError{Op: "transport.Do", Err: err}
}
