package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	mrequestid "github.com/rakunlabs/ada/middleware/requestid"

	"github.com/rakunlabs/connectgate/internal/connector"
	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/connectgate/internal/instance"
	"github.com/rakunlabs/connectgate/internal/model"
)

// ─── Connector Definitions ───

// ListConnectorsAPI handles GET /api/v1/connectors.
func (s *Server) ListConnectorsAPI(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, s.registry.List(), http.StatusOK)
}

// ─── Connector Instance CRUD ───

type createInstanceRequest struct {
	Config    map[string]any               `json:"config"`
	Schedules map[string]connector.Schedule `json:"schedules"`
}

// CreateInstanceAPI handles POST /api/v1/connectors/:name/instances.
// It validates the request config against the Definition's ConfigSchema,
// persists the Instance, and registers any configured schedules with the
// scheduler (spec §9).
func (s *Server) CreateInstanceAPI(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	def, ok := s.registry.Get(name)
	if !ok {
		httpResponse(w, fmt.Sprintf("connector %q not found", name), http.StatusNotFound)
		return
	}

	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := def.ConfigSchema.Validate(req.Config); err != nil {
		httpResponse(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
		return
	}

	inst, err := s.instances.Create(r.Context(), instance.Instance{
		ConnectorName: def.Name,
		Config:        req.Config,
		Schedules:     req.Schedules,
		Enabled:       true,
		CreatedBy:     s.getUserEmail(r),
		UpdatedBy:     s.getUserEmail(r),
	})
	if err != nil {
		slog.Error("create instance failed", "connector", name, "error", err)
		httpResponse(w, fmt.Sprintf("failed to create instance: %v", err), http.StatusInternalServerError)
		return
	}

	if err := s.scheduleInstance(def, *inst); err != nil {
		slog.Error("schedule instance failed", "instance_id", inst.ID, "error", err)
	}

	httpResponseJSON(w, inst, http.StatusCreated)
}

// ListInstancesAPI handles GET /api/v1/instances.
func (s *Server) ListInstancesAPI(w http.ResponseWriter, r *http.Request) {
	instances, err := s.instances.List(r.Context())
	if err != nil {
		slog.Error("list instances failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to list instances: %v", err), http.StatusInternalServerError)
		return
	}

	if instances == nil {
		instances = []instance.Instance{}
	}

	httpResponseJSON(w, instances, http.StatusOK)
}

// GetInstanceAPI handles GET /api/v1/instances/:id.
func (s *Server) GetInstanceAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	inst, err := s.instances.Get(r.Context(), id)
	if err != nil {
		s.writeInstanceError(w, "get instance", id, err)
		return
	}

	httpResponseJSON(w, inst, http.StatusOK)
}

// DeleteInstanceAPI handles DELETE /api/v1/instances/:id. It tears down
// the connector (if the Definition provides a Teardown hook), removes any
// scheduler registration, and deletes the persisted Instance.
func (s *Server) DeleteInstanceAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	inst, err := s.instances.Get(r.Context(), id)
	if err != nil {
		s.writeInstanceError(w, "get instance", id, err)
		return
	}

	if def, ok := s.registry.Get(inst.ConnectorName); ok {
		if def.Handler.Teardown != nil {
			if err := def.Handler.Teardown(inst.ID); err != nil {
				slog.Error("teardown instance failed", "instance_id", id, "error", err)
			}
		}
		for sourceKey := range inst.Schedules {
			s.scheduler.Deregister(inst.ID, sourceKey)
		}
	}

	if err := s.instances.Delete(r.Context(), id); err != nil {
		s.writeInstanceError(w, "delete instance", id, err)
		return
	}

	httpResponse(w, "deleted", http.StatusOK)
}

// PullInstanceAPI handles POST /api/v1/instances/:id/pull. It runs every
// source of the instance immediately, outside the scheduler's cadence
// (spec §9 "run now").
func (s *Server) PullInstanceAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	inst, err := s.instances.Get(r.Context(), id)
	if err != nil {
		s.writeInstanceError(w, "get instance", id, err)
		return
	}

	def, ok := s.registry.Get(inst.ConnectorName)
	if !ok {
		httpResponse(w, fmt.Sprintf("connector %q not registered", inst.ConnectorName), http.StatusFailedDependency)
		return
	}

	conn, err := s.factory(def, *inst)
	if err != nil {
		slog.Error("build connector failed", "instance_id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to build connector: %v", err), http.StatusInternalServerError)
		return
	}

	jobs, err := s.runtime.PullInstance(r.Context(), conn, model.SyncParams{TraceID: r.Header.Get(mrequestid.HeaderXRequestID)})
	if err != nil {
		httpResponse(w, fmt.Sprintf("pull failed: %v", err), http.StatusConflict)
		return
	}

	httpResponseJSON(w, jobs, http.StatusAccepted)
}

func (s *Server) scheduleInstance(def connector.Definition, inst instance.Instance) error {
	if len(inst.Schedules) == 0 {
		return nil
	}

	conn, err := s.factory(def, inst)
	if err != nil {
		return fmt.Errorf("build connector for schedule: %w", err)
	}

	for sourceKey, schedule := range inst.Schedules {
		s.scheduler.Register(conn, sourceKey, schedule)
	}

	return nil
}

func (s *Server) writeInstanceError(w http.ResponseWriter, op, id string, err error) {
	var notFound *errtax.NotFoundError
	if errors.As(err, &notFound) {
		httpResponse(w, fmt.Sprintf("instance %q not found", id), http.StatusNotFound)
		return
	}

	slog.Error(op+" failed", "instance_id", id, "error", err)
	httpResponse(w, fmt.Sprintf("%s failed: %v", op, err), http.StatusInternalServerError)
}
