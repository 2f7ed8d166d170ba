// Package config loads connectgate's process configuration, grounded on
// the teacher's internal/config package: chu layered loading (file +
// environment overrides via loaderenv, with Consul/Vault loaders
// available), a `cfg:"..."` struct-tag surface, and `log:"-"` suppression
// of secret fields from the startup log line.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

// Service is set by main at startup to "<name>/<version>" and used as the
// service label in telemetry.
var Service = ""

// Config is connectgate's full process configuration (spec §6 ambient
// stack): control-plane server, the three persistent stores (connector
// instance metadata, credential secrets, sync checkpoints), the Upload
// Gateway target, and default policy for rate limiting, retry, and
// webhook delivery. Every source gets the same rate-limit and retry
// settings; no per-source override is read from configuration.
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Server Server `cfg:"server"`

	// Store persists Connector Instance definitions (spec §6 "instance
	// CRUD"). Same three-backend shape as
	// CredentialStore/CheckpointStore; a Config with neither Postgres nor
	// SQLite set uses the in-memory backend.
	Store BackendStore `cfg:"store"`

	// CredentialStore persists encrypted scheme secrets between process
	// restarts (spec §5).
	CredentialStore CredentialStoreConfig `cfg:"credential_store"`

	// CheckpointStore persists per-(instance,source) sync cursors (spec §4.6).
	CheckpointStore BackendStore `cfg:"checkpoint_store"`

	UploadGateway UploadGateway `cfg:"upload_gateway"`

	// RateLimit sets the token bucket every source gets (spec §4.3); each
	// source key has its own bucket with these limits.
	RateLimit RateLimit `cfg:"rate_limit"`

	// Retry is the backoff policy shared by every source (spec §4.4).
	Retry Retry `cfg:"retry"`

	Webhook Webhook `cfg:"webhook"`

	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// Server configures the control-plane HTTP API (spec §6).
type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// ForwardAuth, if set, delegates authentication of control-plane
	// requests to an external service.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// AdminToken, if set, gates every control-plane endpoint except the
	// HMAC-signed trigger invoke route with bearer token authentication
	// ("Authorization: Bearer <token>"). If unset, those endpoints answer
	// 403 Forbidden.
	AdminToken string `cfg:"admin_token" log:"-"`

	// UserHeader names the HTTP header carrying the authenticated user's
	// identity, populated by the forward-auth middleware.
	UserHeader string `cfg:"user_header" default:"X-User"`

	// Alan, if set, enables distributed clustering via UDP peer discovery
	// so multiple connectgate processes sharing one checkpoint/credential
	// store coordinate scheduler leader election and credential key
	// rotation (internal/cluster).
	Alan *alan.Config `cfg:"alan"`
}

// BackendStore selects a storage backend shared by the Checkpoint Store
// and the instance-metadata Store: Postgres, SQLite, or (if neither is
// set) the in-memory backend used for local development and tests.
type BackendStore struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`
}

// CredentialStoreConfig is BackendStore plus the encryption key applied
// to persisted scheme secrets (spec §5).
type CredentialStoreConfig struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// EncryptionKey, if set, enables AES-256-GCM encryption of persisted
	// credential secrets. Any non-empty string is accepted; it is
	// hashed with SHA-256 into the 32-byte key. Empty disables
	// encryption (not recommended outside local development).
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	TableName       string         `cfg:"table_name"`
	MigrationTable  string         `cfg:"migration_table"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`
}

type StoreSQLite struct {
	Datasource     string `cfg:"datasource"`
	TableName      string `cfg:"table_name"`
	MigrationTable string `cfg:"migration_table"`
}

// UploadGateway targets the downstream brain's ingestion API (spec §6.1).
type UploadGateway struct {
	// URL is the gateway's base URL; internal/upload.Client appends the
	// concrete paths (/api/v1/upload, /api/v1/upload/batch).
	URL     string        `cfg:"url"`
	Token   string        `cfg:"token" log:"-"`
	Timeout time.Duration `cfg:"timeout" default:"60s"`
}

// RateLimit is the default per-source token bucket (spec §4.3).
type RateLimit struct {
	RequestsPerSecond float64 `cfg:"requests_per_second" default:"10"`
	Burst             int     `cfg:"burst" default:"20"`
}

// Retry is the default backoff policy (spec §4.4).
type Retry struct {
	MaxAttempts    int           `cfg:"max_attempts" default:"4"`
	InitialBackoff time.Duration `cfg:"initial_backoff" default:"1s"`
	MaxBackoff     time.Duration `cfg:"max_backoff" default:"30s"`
	Multiplier     float64       `cfg:"multiplier" default:"2.0"`

	// Jitter is one of "none", "equal", "full" (spec §4.4).
	Jitter string `cfg:"jitter" default:"full"`
}

// Webhook configures outbound signed delivery (spec §4.10) and the
// inbound triggers the control plane accepts (spec §6.2).
type Webhook struct {
	// Tolerance is the clock-skew window recipients (and this process,
	// when verifying inbound trigger calls) accept for a signature's
	// embedded timestamp.
	Tolerance time.Duration `cfg:"tolerance" default:"300s"`

	// Triggers maps a slug (the path segment in POST /api/v1/triggers/{slug}/invoke)
	// to the connector instance/source it pushes records into and the
	// shared secret its caller signs with.
	Triggers map[string]TriggerConfig `cfg:"triggers"`

	// Targets maps a slug (the path segment in
	// POST /api/v1/webhooks/{slug}/trigger) to a downstream workflow
	// endpoint the Webhook Dispatcher signs and delivers to (spec §4.10).
	Targets map[string]TargetConfig `cfg:"targets"`
}

type TriggerConfig struct {
	InstanceID string `cfg:"instance_id"`
	SourceKey  string `cfg:"source_key"`
	Secret     string `cfg:"secret" log:"-"`
}

// TargetConfig is one outbound Webhook Dispatcher destination.
type TargetConfig struct {
	URL     string            `cfg:"url"`
	Secret  string            `cfg:"secret" log:"-"`
	Headers map[string]string `cfg:"headers"`
}

// Load reads Config from path, applying environment overrides under the
// CONNECTGATE_ prefix, and sets the process log level as a side effect.
func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("CONNECTGATE_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
