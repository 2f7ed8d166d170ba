package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rakunlabs/connectgate/internal/transform"
	"github.com/rakunlabs/connectgate/internal/webhook"
)

type invokeTriggerRequest struct {
	Records []transform.Record `json:"records"`
}

// InvokeTriggerAPI handles POST /api/v1/triggers/:slug/invoke, the inbound
// side of spec §6.2's Webhook Trigger: an external caller pushes records
// into a configured Connector Instance's source, authenticated by an
// HMAC-signed X-Signature header rather than the admin token.
func (s *Server) InvokeTriggerAPI(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	cfg, ok := s.triggers[slug]
	if !ok {
		httpResponse(w, fmt.Sprintf("trigger %q not found", slug), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpResponse(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get("X-Signature")
	tolerance := time.Duration(s.webhookTolerance) * time.Second
	if err := webhook.Verify([]byte(cfg.Secret), sig, body, time.Now(), tolerance); err != nil {
		httpResponse(w, fmt.Sprintf("signature verification failed: %v", err), http.StatusUnauthorized)
		return
	}

	var req invokeTriggerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	inst, err := s.instances.Get(r.Context(), cfg.InstanceID)
	if err != nil {
		slog.Error("invoke trigger: load instance failed", "slug", slug, "instance_id", cfg.InstanceID, "error", err)
		httpResponse(w, "configured instance not found", http.StatusFailedDependency)
		return
	}

	def, ok := s.registry.Get(inst.ConnectorName)
	if !ok || def.Handler.Push == nil {
		httpResponse(w, fmt.Sprintf("connector %q does not accept pushed records", inst.ConnectorName), http.StatusFailedDependency)
		return
	}

	pusher, err := def.Handler.Push(inst.ID)
	if err != nil {
		slog.Error("invoke trigger: build pusher failed", "slug", slug, "instance_id", inst.ID, "error", err)
		httpResponse(w, fmt.Sprintf("failed to build connector: %v", err), http.StatusInternalServerError)
		return
	}

	if err := pusher.Push(r.Context(), cfg.SourceKey, req.Records); err != nil {
		slog.Error("invoke trigger: push failed", "slug", slug, "instance_id", inst.ID, "source", cfg.SourceKey, "error", err)
		httpResponse(w, fmt.Sprintf("push failed: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponse(w, "accepted", http.StatusAccepted)
}
