package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rakunlabs/connectgate/internal/webhook"
)

type triggerWebhookRequest struct {
	Input          any    `json:"input"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// TriggerWebhookAPI handles POST /api/v1/webhooks/{slug}/trigger, the
// operator-initiated side of spec §4.10's Webhook Dispatcher: it signs and
// delivers input to the configured downstream workflow endpoint, retrying
// per the shared Retrier policy.
func (s *Server) TriggerWebhookAPI(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	cfg, ok := s.targets[slug]
	if !ok {
		httpResponse(w, fmt.Sprintf("webhook target %q not found", slug), http.StatusNotFound)
		return
	}
	if s.dispatcher == nil {
		httpResponse(w, "webhook dispatch is not configured", http.StatusServiceUnavailable)
		return
	}

	var req triggerWebhookRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
	}

	target := webhook.Target{
		Slug:    slug,
		URL:     cfg.URL,
		Secret:  []byte(cfg.Secret),
		Headers: cfg.Headers,
	}

	result, err := s.dispatcher.Trigger(r.Context(), target, req.Input, req.IdempotencyKey)
	if err != nil {
		httpResponse(w, fmt.Sprintf("webhook delivery failed: %v", err), http.StatusBadGateway)
		return
	}

	httpResponseJSONByte(w, result.Body, result.StatusCode)
}
