package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/connectgate/internal/config"
	"github.com/rakunlabs/connectgate/internal/connector"
	instmemory "github.com/rakunlabs/connectgate/internal/instance/memory"
	"github.com/rakunlabs/connectgate/internal/instance"
	"github.com/rakunlabs/connectgate/internal/model"
	"github.com/rakunlabs/connectgate/internal/runtime"
	"github.com/rakunlabs/connectgate/internal/scheduler"
)

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()

	if deps.Registry == nil {
		deps.Registry = connector.NewRegistry()
	}
	if deps.Instances == nil {
		deps.Instances = instmemory.New()
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.New(nil, nil)
	}
	if deps.Factory == nil {
		deps.Factory = func(def connector.Definition, inst instance.Instance) (runtime.Connector, error) {
			return nil, nil
		}
	}

	srv, err := New(context.Background(), config.Server{AdminToken: "test-token"}, config.Webhook{}, deps)
	require.NoError(t, err)
	return srv
}

type runtimeConnectorStub struct{}

func TestListConnectorsAPI(t *testing.T) {
	registry := connector.NewRegistry()
	registry.Register(connector.Definition{Name: "rest", SyncStrategy: model.SyncPull})

	s := newTestServer(t, Deps{Registry: registry})

	req := httptest.NewRequest(http.MethodGet, "/v1/connectors", nil)
	rec := httptest.NewRecorder()
	s.ListConnectorsAPI(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var defs []connector.Definition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &defs))
	require.Len(t, defs, 1)
	assert.Equal(t, "rest", defs[0].Name)
}

func TestCreateInstanceAPIUnknownConnector(t *testing.T) {
	s := newTestServer(t, Deps{})

	req := httptest.NewRequest(http.MethodPost, "/v1/connectors/rest/instances", nil)
	req.SetPathValue("name", "rest")
	rec := httptest.NewRecorder()
	s.CreateInstanceAPI(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetInstanceAPIMissing(t *testing.T) {
	s := newTestServer(t, Deps{})

	req := httptest.NewRequest(http.MethodGet, "/v1/instances/nope", nil)
	req.SetPathValue("id", "nope")
	rec := httptest.NewRecorder()
	s.GetInstanceAPI(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteInstanceAPIMissing(t *testing.T) {
	s := newTestServer(t, Deps{})

	req := httptest.NewRequest(http.MethodDelete, "/v1/instances/nope", nil)
	req.SetPathValue("id", "nope")
	rec := httptest.NewRecorder()
	s.DeleteInstanceAPI(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerWebhookAPIUnknownSlug(t *testing.T) {
	s := newTestServer(t, Deps{})

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/unknown/trigger", nil)
	req.SetPathValue("slug", "unknown")
	rec := httptest.NewRecorder()
	s.TriggerWebhookAPI(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerWebhookAPINoDispatcher(t *testing.T) {
	s := newTestServer(t, Deps{Targets: map[string]config.TargetConfig{
		"wh1": {URL: "https://example.com/hook"},
	}})

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/wh1/trigger", nil)
	req.SetPathValue("slug", "wh1")
	rec := httptest.NewRecorder()
	s.TriggerWebhookAPI(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminAuthMiddlewareRejectsMissingToken(t *testing.T) {
	s := newTestServer(t, Deps{})

	var called bool
	h := s.adminAuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestAdminAuthMiddlewareAcceptsValidToken(t *testing.T) {
	s := newTestServer(t, Deps{})

	var called bool
	h := s.adminAuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/instances", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}
