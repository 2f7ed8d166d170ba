// Package server implements connectgate's operator-facing control plane
// (spec §6, supplemented): Connector Instance CRUD, Job status/cancel,
// and the inbound Webhook Trigger endpoint. It is grounded on the
// teacher's internal/server package — the same ada middleware chain and
// admin-token bearer auth gate — generalized from an LLM gateway's
// provider/workflow surface to a connector runtime's instance/job
// surface. There is no bundled UI in this deployment, so the teacher's
// embedded-dist static file handler is dropped.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/connectgate/internal/cluster"
	"github.com/rakunlabs/connectgate/internal/config"
	"github.com/rakunlabs/connectgate/internal/connector"
	"github.com/rakunlabs/connectgate/internal/credential"
	"github.com/rakunlabs/connectgate/internal/instance"
	"github.com/rakunlabs/connectgate/internal/runtime"
	"github.com/rakunlabs/connectgate/internal/scheduler"
	"github.com/rakunlabs/connectgate/internal/webhook"
)

// ConnectorFactory builds a runtime.Connector for inst against def
// (def.Name == inst.ConnectorName). Supplied by cmd/connectgated's main,
// since only it knows how to turn inst.Config into a concrete connector
// package's constructor (rest.New, filedrop.New, ...).
type ConnectorFactory func(def connector.Definition, inst instance.Instance) (runtime.Connector, error)

// Server is connectgate's control-plane HTTP API.
type Server struct {
	config config.Server

	server *ada.Server

	registry  *connector.Registry
	instances instance.Store
	runtime   *runtime.Runtime
	scheduler *scheduler.Scheduler
	factory   ConnectorFactory

	credentials credential.Store

	// triggers maps a webhook slug to the instance/source it feeds and
	// the secret its caller signs with (spec §6.2).
	triggers map[string]config.TriggerConfig

	// targets maps an outbound Webhook Dispatcher slug to its downstream
	// delivery endpoint (spec §4.10).
	targets    map[string]config.TargetConfig
	dispatcher *webhook.Dispatcher

	webhookTolerance int64 // seconds; 0 uses webhook.DefaultTolerance

	// cluster is the optional distributed coordination layer (alan). nil
	// when clustering is not configured (single-process mode).
	cluster *cluster.Cluster
}

// Deps wires a Server's collaborators, built by cmd/connectgated's main.
type Deps struct {
	Registry    *connector.Registry
	Instances   instance.Store
	Runtime     *runtime.Runtime
	Scheduler   *scheduler.Scheduler
	Factory     ConnectorFactory
	Credentials credential.Store
	Triggers    map[string]config.TriggerConfig
	Targets     map[string]config.TargetConfig
	Dispatcher  *webhook.Dispatcher
	Cluster     *cluster.Cluster
}

func New(ctx context.Context, cfg config.Server, webhookCfg config.Webhook, deps Deps) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:           cfg,
		server:           mux,
		registry:         deps.Registry,
		instances:        deps.Instances,
		runtime:          deps.Runtime,
		scheduler:        deps.Scheduler,
		factory:          deps.Factory,
		credentials:      deps.Credentials,
		triggers:         deps.Triggers,
		targets:          deps.Targets,
		dispatcher:       deps.Dispatcher,
		webhookTolerance: int64(webhookCfg.Tolerance.Seconds()),
		cluster:          deps.Cluster,
	}

	if cfg.BasePath != "" {
		logi.Ctx(ctx).Info("configuring server with base path", "base_path", cfg.BasePath)
	}

	baseGroup := mux.Group(cfg.BasePath)

	if cfg.ForwardAuth != nil {
		logi.Ctx(ctx).Info("forward auth enabled", "url", cfg.ForwardAuth.Address)
		baseGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.ForwardAuth)))
	}

	apiGroup := baseGroup.Group("/api")

	// Webhook Trigger entry point (spec §6.2): authenticated by the HMAC
	// signature itself, not the admin token — external callers never see
	// the admin token.
	apiGroup.POST("/v1/triggers/{slug}/invoke", s.InvokeTriggerAPI)

	// Everything else is operator-only.
	adminGroup := apiGroup.Group("")
	adminGroup.Use(s.adminAuthMiddleware())

	adminGroup.GET("/v1/connectors", s.ListConnectorsAPI)
	adminGroup.POST("/v1/connectors/{name}/instances", s.CreateInstanceAPI)

	adminGroup.GET("/v1/instances", s.ListInstancesAPI)
	adminGroup.GET("/v1/instances/{id}", s.GetInstanceAPI)
	adminGroup.DELETE("/v1/instances/{id}", s.DeleteInstanceAPI)
	adminGroup.POST("/v1/instances/{id}/pull", s.PullInstanceAPI)

	adminGroup.GET("/v1/jobs", s.ListJobsAPI)
	adminGroup.GET("/v1/jobs/{id}", s.GetJobAPI)
	adminGroup.POST("/v1/jobs/{id}/cancel", s.CancelJobAPI)

	adminGroup.POST("/v1/settings/rotate-key", s.RotateKeyAPI)

	adminGroup.POST("/v1/webhooks/{slug}/trigger", s.TriggerWebhookAPI)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// getUserEmail reads the authenticated operator's identity from the
// forward-auth header (spec ambient: config.Server.UserHeader), empty
// when forward auth isn't configured.
func (s *Server) getUserEmail(r *http.Request) string {
	if s.config.UserHeader == "" {
		return ""
	}
	return r.Header.Get(s.config.UserHeader)
}

// adminAuthMiddleware gates operator endpoints behind a shared bearer
// token (spec §6: admin-token bearer auth, same gate as the teacher's
// AdminToken check). If no admin_token is configured, every admin
// request is rejected with 403 rather than left open.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.config.AdminToken == "" {
				httpResponse(w, "admin token not configured", http.StatusForbidden)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token := strings.TrimPrefix(auth, "Bearer ")
			if token == auth || token != s.config.AdminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
