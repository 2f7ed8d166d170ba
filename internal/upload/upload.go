// Package upload implements the Upload Gateway client of spec §4.7/§6.1:
// idempotency-key derivation sent as a real Idempotency-Key header, dedup
// hint headers, a single-document endpoint and a transactional/best-effort
// batch endpoint matching the gateway's documented wire shapes, and the
// client-side 50MB payload guard.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/connectgate/internal/model"
	"github.com/rakunlabs/connectgate/internal/retry"
	"github.com/rakunlabs/connectgate/internal/transport"
)

// MaxBatchBytes is the client-side payload size guard (spec §4.7):
// payloads larger than this are rejected locally without a round trip.
const MaxBatchBytes = 50 * 1024 * 1024

const (
	uploadPath      = "/api/v1/upload"
	uploadBatchPath = "/api/v1/upload/batch"
)

// BatchMode selects how the gateway applies a batch.
type BatchMode string

const (
	// BatchTransactional means the whole batch succeeds or fails as a unit.
	BatchTransactional BatchMode = "transactional"
	// BatchBestEffort means each item is applied independently.
	BatchBestEffort BatchMode = "best-effort"
)

// Client uploads Envelopes to the gateway for one connector instance.
type Client struct {
	t       *transport.Transport
	retrier *retry.Retrier
	baseURL string
}

// New builds a Client against baseURL (the brain's host, e.g.
// "https://brain.example.com"); spec §6.1's concrete paths
// (/api/v1/upload, /api/v1/upload/batch) are appended per call.
func New(t *transport.Transport, retrier *retry.Retrier, baseURL string) *Client {
	return &Client{t: t, retrier: retrier, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// UploadOptions customizes a single Upload call.
type UploadOptions struct {
	// IdempotencyKey overrides the derived key; empty means derive one via
	// IdempotencyKey(connectorInstanceID, external_id, content fingerprint).
	IdempotencyKey string
}

// gatewayError is the wire shape of an Upload Gateway error response
// (spec §6.1): {success:false, error:{code,message,details}, retryable}.
type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// UploadResult is the client's view of a successful single-document
// ingestion (spec §6.1's success response fields).
type UploadResult struct {
	DocumentID       string
	Status           string // indexed | processing | queued
	Chunks           int
	Tokens           int
	RecordsProcessed int
	RecordsFailed    int
	JobID            string
	Timestamp        string
	ProcessingTime   int
}

// uploadResponseWire is the exact wire shape spec §6.1 documents for
// POST /api/v1/upload.
type uploadResponseWire struct {
	Success          bool          `json:"success"`
	DocumentID       string        `json:"documentId,omitempty"`
	Status           string        `json:"status,omitempty"`
	Chunks           int           `json:"chunks,omitempty"`
	Tokens           int           `json:"tokens,omitempty"`
	RecordsProcessed int           `json:"recordsProcessed,omitempty"`
	RecordsFailed    int           `json:"recordsFailed,omitempty"`
	JobID            string        `json:"jobId,omitempty"`
	Timestamp        string        `json:"timestamp,omitempty"`
	ProcessingTime   int           `json:"processingTime,omitempty"`
	Error            *gatewayError `json:"error,omitempty"`
	Retryable        bool          `json:"retryable,omitempty"`
}

func (w uploadResponseWire) result() *UploadResult {
	return &UploadResult{
		DocumentID:       w.DocumentID,
		Status:           w.Status,
		Chunks:           w.Chunks,
		Tokens:           w.Tokens,
		RecordsProcessed: w.RecordsProcessed,
		RecordsFailed:    w.RecordsFailed,
		JobID:            w.JobID,
		Timestamp:        w.Timestamp,
		ProcessingTime:   w.ProcessingTime,
	}
}

// gatewayErrToErrtax promotes a parsed {success:false} response into the
// errtax taxonomy the Retrier classifies on (spec §4.7: "the client
// promotes retryable=false to a non-retryable ValidationError and
// retryable=true to a retryable ServerError for the Retrier").
func gatewayErrToErrtax(op string, errResp *gatewayError, statusCode int, retryable bool) error {
	msg := "upload rejected"
	if errResp != nil {
		msg = fmt.Sprintf("%s: %s", errResp.Code, errResp.Message)
	}
	if retryable {
		return &errtax.ServerError{Op: op, StatusCode: statusCode, Body: msg}
	}
	return &errtax.ValidationError{Op: op, Message: msg}
}

// BatchItemResult is the gateway's verdict on one envelope in a batch,
// keyed back to its original index in the request (spec §4.7: "the
// result reports per-item success/failure with original indices").
type BatchItemResult struct {
	Index      int
	Success    bool
	DocumentID string
	Status     string
	Message    string
	Retryable  bool
}

// BatchResult is the client's view of a batch upload.
type BatchResult struct {
	Items []BatchItemResult
}

// batchRequestWire is spec §6.2's documented batch body:
// {documents: [UploadEnvelope], transactional: bool}.
type batchRequestWire struct {
	Documents     []model.Envelope `json:"documents"`
	Transactional bool             `json:"transactional"`
}

type batchItemResponseWire struct {
	Index      int           `json:"index"`
	Success    bool          `json:"success"`
	DocumentID string        `json:"documentId,omitempty"`
	Status     string        `json:"status,omitempty"`
	Error      *gatewayError `json:"error,omitempty"`
	Retryable  bool          `json:"retryable,omitempty"`
}

type batchResponseWire struct {
	Success   bool                    `json:"success"`
	Error     *gatewayError           `json:"error,omitempty"`
	Retryable bool                    `json:"retryable,omitempty"`
	Results   []batchItemResponseWire `json:"results,omitempty"`
}

// IdempotencyKey derives the idempotency basis spec §4.7 requires:
// hash(connectorId || external_id || content_fingerprint).
func IdempotencyKey(connectorInstanceID, externalID, contentFingerprint string) string {
	h := sha256.Sum256([]byte(connectorInstanceID + "|" + externalID + "|" + contentFingerprint))
	return hex.EncodeToString(h[:])
}

// dedupHint returns the header name/value the gateway uses to de-duplicate
// one envelope, per its declared ProcessingHints.Deduplication: exact
// hashes the inline content bytes as they are (no normalization is
// applied), fuzzy forwards the declared primary key value, none sends
// nothing.
func dedupHint(env model.Envelope) (headerName, value string) {
	switch env.ProcessingHints.Deduplication {
	case model.DedupExact:
		h := sha256.Sum256(env.Content.Inline)
		return "X-Dedup-Content-Hash", hex.EncodeToString(h[:])
	case model.DedupFuzzy:
		if env.ProcessingHints.PrimaryKey != "" {
			return "X-Dedup-Primary-Key", env.Metadata[model.MetaExternalID]
		}
		return "", ""
	default:
		return "", ""
	}
}

// contentFingerprint is the basis used by IdempotencyKey; for inline
// content it's the content hash, for remote content it's the URL itself
// (the gateway dereferences and fingerprints on its side).
func contentFingerprint(env model.Envelope) string {
	if len(env.Content.Inline) > 0 {
		h := sha256.Sum256(env.Content.Inline)
		return hex.EncodeToString(h[:])
	}
	if env.Content.RemoteURL != "" {
		return env.Content.RemoteURL
	}
	return env.Content.Base64
}

// Upload sends one envelope to the gateway's single-document endpoint
// (spec §6.1: POST /api/v1/upload), carrying the idempotency key and any
// dedup hint as real HTTP headers, never as body fields.
func (c *Client) Upload(ctx context.Context, connectorInstanceID string, env model.Envelope, opts UploadOptions) (*UploadResult, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal upload envelope: %w", err)
	}
	if len(body) > MaxBatchBytes {
		return nil, &errtax.ValidationError{Op: "upload.Upload", Message: fmt.Sprintf("envelope is %d bytes, exceeds %d byte limit", len(body), MaxBatchBytes)}
	}

	key := opts.IdempotencyKey
	if key == "" {
		key = IdempotencyKey(connectorInstanceID, env.Metadata[model.MetaExternalID], contentFingerprint(env))
	}

	headers := map[string]string{
		"Content-Type":    "application/json",
		"Idempotency-Key": key,
	}
	if name, value := dedupHint(env); name != "" {
		headers[name] = value
	}

	var result *UploadResult
	err = c.retrier.Do(ctx, "upload.Upload", func(ctx context.Context) error {
		resp, err := c.t.Do(ctx, transport.Request{
			Method:  "POST",
			URL:     c.baseURL + uploadPath,
			Headers: headers,
			Body:    body,
		})
		if err != nil {
			return err
		}

		var w uploadResponseWire
		if err := json.Unmarshal(resp.Body, &w); err != nil {
			return &errtax.ServerError{Op: "upload.Upload", StatusCode: resp.StatusCode, Body: "malformed response body"}
		}
		if !w.Success {
			return gatewayErrToErrtax("upload.Upload", w.Error, resp.StatusCode, w.Retryable)
		}
		result = w.result()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// UploadBatch sends envelopes as one batch under mode, for the given
// connector instance (spec §6.1: POST /api/v1/upload/batch with
// {documents, transactional}). It returns a ValidationError locally (no
// network call) if the serialized batch exceeds MaxBatchBytes. Each
// envelope's idempotency key and dedup hint travel as per-index HTTP
// headers ("Idempotency-Key-<i>", "X-Dedup-*-<i>") rather than body
// fields, since a batch body is spec's canonical []UploadEnvelope and a
// single request-level header can't carry N envelopes' distinct hints.
func (c *Client) UploadBatch(ctx context.Context, connectorInstanceID string, envelopes []model.Envelope, mode BatchMode) (*BatchResult, error) {
	headers := map[string]string{"Content-Type": "application/json"}
	for i, env := range envelopes {
		key := IdempotencyKey(connectorInstanceID, env.Metadata[model.MetaExternalID], contentFingerprint(env))
		headers[fmt.Sprintf("Idempotency-Key-%d", i)] = key
		if name, value := dedupHint(env); name != "" {
			headers[fmt.Sprintf("%s-%d", name, i)] = value
		}
	}

	body, err := json.Marshal(batchRequestWire{Documents: envelopes, Transactional: mode == BatchTransactional})
	if err != nil {
		return nil, fmt.Errorf("marshal upload batch: %w", err)
	}

	if len(body) > MaxBatchBytes {
		return nil, &errtax.ValidationError{Op: "upload.UploadBatch", Message: fmt.Sprintf("batch is %d bytes, exceeds %d byte limit", len(body), MaxBatchBytes)}
	}

	var result *BatchResult
	err = c.retrier.Do(ctx, "upload.UploadBatch", func(ctx context.Context) error {
		resp, err := c.t.Do(ctx, transport.Request{
			Method:  "POST",
			URL:     c.baseURL + uploadBatchPath,
			Headers: headers,
			Body:    body,
		})
		if err != nil {
			return err
		}

		var w batchResponseWire
		if err := json.Unmarshal(resp.Body, &w); err != nil {
			return &errtax.ServerError{Op: "upload.UploadBatch", StatusCode: resp.StatusCode, Body: "malformed response body"}
		}
		if !w.Success && len(w.Results) == 0 {
			// A whole-request failure (auth rejected, malformed batch, a
			// transactional rollback): no item-level results at all.
			return gatewayErrToErrtax("upload.UploadBatch", w.Error, resp.StatusCode, w.Retryable)
		}

		items := make([]BatchItemResult, len(w.Results))
		for i, r := range w.Results {
			item := BatchItemResult{
				Index:      r.Index,
				Success:    r.Success,
				DocumentID: r.DocumentID,
				Status:     r.Status,
				Retryable:  r.Retryable,
			}
			if r.Error != nil {
				item.Message = r.Error.Message
			}
			items[i] = item
		}
		result = &BatchResult{Items: items}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Status polls the gateway for documentID's current processing state.
// Polling is the only way this client learns an async upload's final
// state: no package here receives a completion callback from the
// gateway (internal/webhook.Dispatcher only sends outbound deliveries).
func (c *Client) Status(ctx context.Context, documentID string) (*UploadResult, error) {
	var result *UploadResult
	err := c.retrier.Do(ctx, "upload.Status", func(ctx context.Context) error {
		resp, err := c.t.Do(ctx, transport.Request{
			Method: "GET",
			URL:    c.baseURL + uploadPath + "/" + documentID,
		})
		if err != nil {
			return err
		}

		var w uploadResponseWire
		if err := json.Unmarshal(resp.Body, &w); err != nil {
			return &errtax.ServerError{Op: "upload.Status", StatusCode: resp.StatusCode, Body: "malformed response body"}
		}
		if !w.Success {
			return gatewayErrToErrtax("upload.Status", w.Error, resp.StatusCode, w.Retryable)
		}
		result = w.result()

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
