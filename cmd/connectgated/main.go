// Command connectgated is the connector runtime and ingestion gateway
// process: it loads configuration, opens the three persistence backends
// (connector instances, credentials, checkpoints), registers the built-in
// connector definitions, and serves the control-plane HTTP API alongside
// the scheduler. Grounded on the teacher's cmd/at/main.go (into.Init
// lifecycle, logi logger wiring) generalized from a one-shot chat REPL
// to a long-running daemon with several concurrently-running loops
// (HTTP server, scheduler, cluster membership), which is why errgroup
// replaces the teacher's single "run and return" body.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"
	"golang.org/x/sync/errgroup"

	"github.com/rakunlabs/connectgate/internal/checkpoint"
	checkpointmemory "github.com/rakunlabs/connectgate/internal/checkpoint/memory"
	checkpointpostgres "github.com/rakunlabs/connectgate/internal/checkpoint/postgres"
	checkpointsqlite3 "github.com/rakunlabs/connectgate/internal/checkpoint/sqlite3"
	"github.com/rakunlabs/connectgate/internal/cluster"
	"github.com/rakunlabs/connectgate/internal/config"
	"github.com/rakunlabs/connectgate/internal/connector"
	"github.com/rakunlabs/connectgate/internal/connector/filedrop"
	"github.com/rakunlabs/connectgate/internal/connector/rest"
	"github.com/rakunlabs/connectgate/internal/credential"
	credentialmemory "github.com/rakunlabs/connectgate/internal/credential/store/memory"
	credentialpostgres "github.com/rakunlabs/connectgate/internal/credential/store/postgres"
	credentialsqlite3 "github.com/rakunlabs/connectgate/internal/credential/store/sqlite3"
	"github.com/rakunlabs/connectgate/internal/crypto"
	"github.com/rakunlabs/connectgate/internal/instance"
	instancememory "github.com/rakunlabs/connectgate/internal/instance/memory"
	instancepostgres "github.com/rakunlabs/connectgate/internal/instance/postgres"
	instancesqlite3 "github.com/rakunlabs/connectgate/internal/instance/sqlite3"
	"github.com/rakunlabs/connectgate/internal/model"
	"github.com/rakunlabs/connectgate/internal/ratelimit"
	"github.com/rakunlabs/connectgate/internal/retry"
	"github.com/rakunlabs/connectgate/internal/runtime"
	"github.com/rakunlabs/connectgate/internal/scheduler"
	"github.com/rakunlabs/connectgate/internal/server"
	"github.com/rakunlabs/connectgate/internal/transform"
	"github.com/rakunlabs/connectgate/internal/transport"
	"github.com/rakunlabs/connectgate/internal/upload"
	"github.com/rakunlabs/connectgate/internal/webhook"
)

var (
	name    = "connectgated"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	checkpoints, err := openCheckpointStore(ctx, cfg.CheckpointStore)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer checkpoints.Close()

	instances, err := openInstanceStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open instance store: %w", err)
	}
	defer instances.Close()

	credStore, err := openCredentialStore(ctx, cfg.CredentialStore)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer credStore.Close()

	credProvider := credential.New()
	if err := credential.LoadAll(ctx, credProvider, credStore); err != nil {
		return fmt.Errorf("load persisted credentials: %w", err)
	}

	// One Upload Gateway client for the whole process: every connector
	// instance's batches flow through the same brain endpoint (spec §4.7),
	// authenticated with a single static bearer token registered under a
	// reserved pseudo instance id so it can share the Transport/credential
	// plumbing every other connector uses.
	const uploadGatewayInstanceID = "__upload_gateway__"
	credProvider.Register(uploadGatewayInstanceID, credential.StaticRefresher{
		Scheme: model.SchemeBearer,
		Value:  cfg.UploadGateway.Token,
	})
	uploadTransport, err := transport.New(uploadGatewayInstanceID, credProvider, "", transport.Options{DisableRetry: true})
	if err != nil {
		return fmt.Errorf("build upload gateway transport: %w", err)
	}

	retrier := retry.New(retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		Multiplier:     cfg.Retry.Multiplier,
		Jitter:         retry.Jitter(cfg.Retry.Jitter),
	})

	uploader := upload.New(uploadTransport, retrier, cfg.UploadGateway.URL)

	// The outbound Webhook Dispatcher authenticates purely via its HMAC
	// signature, so its Transport carries no credential provider (spec
	// §4.10: "authentication is the HMAC signature itself").
	webhookTransport, err := transport.New("__webhook_dispatcher__", nil, "", transport.Options{DisableRetry: true})
	if err != nil {
		return fmt.Errorf("build webhook dispatcher transport: %w", err)
	}
	dispatcher := webhook.New(webhookTransport, retrier)

	limiter := ratelimit.New(ratelimit.Limits{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	})

	rt := runtime.New(runtime.Config{
		Checkpoints: checkpoints,
		Uploader:    uploader,
		Limiter:     limiter,
		Retrier:     retrier,
	})

	cl, err := cluster.New(cfg.Server.Alan)
	if err != nil {
		return fmt.Errorf("build cluster: %w", err)
	}

	sched := scheduler.New(rt, cl)

	builder := &connectorBuilder{
		credentials:  credProvider,
		credStore:    credStore,
		instances:    instances,
		uploader:     uploader,
		transportOpt: transport.Options{DisableRetry: true},
	}

	registry := connector.NewRegistry()
	registry.Register(restDefinition())
	registry.Register(filedropDefinition(builder))

	srv, err := server.New(ctx, cfg.Server, cfg.Webhook, server.Deps{
		Registry:    registry,
		Instances:   instances,
		Runtime:     rt,
		Scheduler:   sched,
		Factory:     builder.build,
		Credentials: credStore,
		Triggers:    cfg.Webhook.Triggers,
		Targets:     cfg.Webhook.Targets,
		Dispatcher:  dispatcher,
		Cluster:     cl,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	if err := restoreSchedules(ctx, instances, registry, sched, builder); err != nil {
		return fmt.Errorf("restore persisted schedules: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Start(gctx)
	})

	if cl != nil {
		g.Go(func() error {
			return cl.Start(gctx, func(newKey []byte) {
				rotator, ok := credStore.(credential.KeyRotator)
				if !ok {
					return
				}
				if err := rotator.RotateEncryptionKey(gctx, newKey); err != nil {
					slog.Error("cluster: applying peer key rotation failed", "error", err)
				}
			})
		})
	}

	g.Go(func() error {
		return srv.Start(gctx)
	})

	return g.Wait()
}

// openCheckpointStore selects the Checkpoint Store backend from cfg: a
// configured Postgres datasource wins, then SQLite, falling back to the
// in-memory backend for local development (spec §6.5 ambient: "a Config
// with neither Postgres nor SQLite set uses the in-memory backend").
func openCheckpointStore(ctx context.Context, cfg config.BackendStore) (checkpoint.Store, error) {
	switch {
	case cfg.Postgres != nil:
		return checkpointpostgres.New(ctx, checkpointpostgres.Config{
			Datasource:     cfg.Postgres.Datasource,
			Schema:         cfg.Postgres.Schema,
			TableName:      cfg.Postgres.TableName,
			MigrationTable: cfg.Postgres.MigrationTable,
		})
	case cfg.SQLite != nil:
		return checkpointsqlite3.New(ctx, checkpointsqlite3.Config{
			Datasource:     cfg.SQLite.Datasource,
			TableName:      cfg.SQLite.TableName,
			MigrationTable: cfg.SQLite.MigrationTable,
		})
	default:
		return checkpointmemory.New(), nil
	}
}

func openInstanceStore(ctx context.Context, cfg config.BackendStore) (instance.Store, error) {
	switch {
	case cfg.Postgres != nil:
		return instancepostgres.New(ctx, instancepostgres.Config{
			Datasource:     cfg.Postgres.Datasource,
			Schema:         cfg.Postgres.Schema,
			TableName:      cfg.Postgres.TableName,
			MigrationTable: cfg.Postgres.MigrationTable,
		})
	case cfg.SQLite != nil:
		return instancesqlite3.New(ctx, instancesqlite3.Config{
			Datasource:     cfg.SQLite.Datasource,
			TableName:      cfg.SQLite.TableName,
			MigrationTable: cfg.SQLite.MigrationTable,
		})
	default:
		return instancememory.New(), nil
	}
}

func openCredentialStore(ctx context.Context, cfg config.CredentialStoreConfig) (credential.Store, error) {
	var encKey []byte
	if cfg.EncryptionKey != "" {
		var err error
		encKey, err = crypto.DeriveKey(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("derive credential store encryption key: %w", err)
		}
	}

	switch {
	case cfg.Postgres != nil:
		return credentialpostgres.New(ctx, credentialpostgres.Config{
			Datasource:     cfg.Postgres.Datasource,
			Schema:         cfg.Postgres.Schema,
			TableName:      cfg.Postgres.TableName,
			MigrationTable: cfg.Postgres.MigrationTable,
			EncryptionKey:  encKey,
		})
	case cfg.SQLite != nil:
		return credentialsqlite3.New(ctx, credentialsqlite3.Config{
			Datasource:     cfg.SQLite.Datasource,
			TableName:      cfg.SQLite.TableName,
			MigrationTable: cfg.SQLite.MigrationTable,
			EncryptionKey:  encKey,
		})
	default:
		return credentialmemory.New(), nil
	}
}

// restDefinition is the reference paginated-REST Connector Definition
// (spec §9 supplement), config-schema-gated per §6.5: credentials and
// sources are structured keys the hand-rolled ConfigSchema only checks
// for presence/shape, leaving the connectorBuilder to decode their
// contents (internal/connector.FieldObject/FieldArray).
func restDefinition() connector.Definition {
	return connector.Definition{
		Name:         "rest",
		Version:      "v1",
		SyncStrategy: model.SyncPull,
		ConfigSchema: connector.ConfigSchema{Fields: []connector.Field{
			{Name: "credentials", Type: connector.FieldObject, Required: true},
			{Name: "sources", Type: connector.FieldArray, Required: true},
		}},
	}
}

// filedropDefinition wires Handler.Push (the inbound Webhook Trigger
// delivery target, spec §6.2) and Handler.Teardown (instance deletion,
// spec §6 "DELETE /instances/{id}") to builder's instance-keyed cache, so
// both entry points resolve to the same live *filedrop.Connector a
// schedule-driven pull would have built.
func filedropDefinition(builder *connectorBuilder) connector.Definition {
	return connector.Definition{
		Name:         "filedrop",
		Version:      "v1",
		SyncStrategy: model.SyncPush,
		ConfigSchema: connector.ConfigSchema{Fields: []connector.Field{
			{Name: "sources", Type: connector.FieldArray, Required: true},
		}},
		Handler: connector.Handler{
			Push: func(instanceID string) (connector.Pusher, error) {
				conn, err := builder.connectorFor("filedrop", instanceID)
				if err != nil {
					return nil, err
				}
				pusher, ok := conn.(connector.Pusher)
				if !ok {
					return nil, fmt.Errorf("connector instance %q does not implement Pusher", instanceID)
				}
				return pusher, nil
			},
			Teardown: builder.teardown,
		},
	}
}

// connectorBuilder is the process's ConnectorFactory (spec §9: "a single
// handler function... composition by embedding transport/transformer
// values"). It caches one live *rest.Connector / *filedrop.Connector per
// connector instance id so repeated factory calls (one per scheduled
// tick, one per on-demand pull) reuse the same Transport/credential
// registration and, for filedrop, the same in-memory seen-checksum set —
// rebuilding a fresh filedrop.Connector on every call would silently
// defeat its dedup, since that state lives on the Connector value itself.
type connectorBuilder struct {
	credentials  *credential.Provider
	credStore    credential.Store
	instances    instance.Store
	uploader     *upload.Client
	transportOpt transport.Options

	cache instanceCache
}

type cachedConnector struct {
	conn   runtime.Connector
	cancel context.CancelFunc // non-nil for connectors with background watchers (filedrop)
}

type instanceCache struct {
	mu    sync.Mutex
	conns map[string]cachedConnector
}

func (b *connectorBuilder) build(def connector.Definition, inst instance.Instance) (runtime.Connector, error) {
	b.cache.mu.Lock()
	if b.cache.conns == nil {
		b.cache.conns = make(map[string]cachedConnector)
	}
	if cached, ok := b.cache.conns[inst.ID]; ok {
		b.cache.mu.Unlock()
		return cached.conn, nil
	}
	b.cache.mu.Unlock()

	conn, cancel, err := b.construct(def, inst)
	if err != nil {
		return nil, err
	}

	b.cache.mu.Lock()
	b.cache.conns[inst.ID] = cachedConnector{conn: conn, cancel: cancel}
	b.cache.mu.Unlock()

	return conn, nil
}

// connectorFor resolves instanceID to a live Connector for a Handler
// entry point (Push/Teardown), which only receives an instance id rather
// than the full instance.Instance server.go's factory callers hold —
// consulting the cache first avoids a redundant store round trip for the
// common case where the instance already has a schedule or prior pull.
func (b *connectorBuilder) connectorFor(defName, instanceID string) (runtime.Connector, error) {
	b.cache.mu.Lock()
	cached, ok := b.cache.conns[instanceID]
	b.cache.mu.Unlock()
	if ok {
		return cached.conn, nil
	}

	inst, err := b.instances.Get(context.Background(), instanceID)
	if err != nil {
		return nil, fmt.Errorf("connectorFor: load instance %q: %w", instanceID, err)
	}

	return b.build(connector.Definition{Name: defName}, *inst)
}

// teardown drops instanceID's cached connector and stops any background
// watcher goroutines it owns (spec §6 instance deletion: "release any
// resources the connector holds").
func (b *connectorBuilder) teardown(instanceID string) error {
	b.cache.mu.Lock()
	cached, ok := b.cache.conns[instanceID]
	delete(b.cache.conns, instanceID)
	b.cache.mu.Unlock()

	if ok && cached.cancel != nil {
		cached.cancel()
	}
	return nil
}

func (b *connectorBuilder) construct(def connector.Definition, inst instance.Instance) (runtime.Connector, context.CancelFunc, error) {
	switch def.Name {
	case "rest":
		conn, err := b.buildREST(inst)
		return conn, nil, err
	case "filedrop":
		return b.buildFiledrop(inst)
	default:
		return nil, nil, fmt.Errorf("connectorBuilder: unknown definition %q", def.Name)
	}
}

// restSourceConfig is the JSON/config shape decoded from one entry of
// an instance's "sources" list for the rest Definition (spec §6.5
// "sources[]": url, pagination variant, primaryKey, timestampField).
type restSourceConfig struct {
	Key          string
	URL          string
	Variant      rest.Variant
	ItemsField   string
	Limit        int
	CursorField  string
	HasMoreField string
	SinceParam   string
	Transform    transform.Config
}

func (b *connectorBuilder) buildREST(inst instance.Instance) (runtime.Connector, error) {
	credRaw, _ := inst.Config["credentials"].(map[string]any)
	record, err := decodeCredentialRecord(inst.ID, credRaw)
	if err != nil {
		return nil, fmt.Errorf("instance %q: decode credentials: %w", inst.ID, err)
	}

	refresher, err := credential.RefresherFromRecord(record)
	if err != nil {
		return nil, fmt.Errorf("instance %q: %w", inst.ID, err)
	}
	b.credentials.Register(inst.ID, refresher)

	// Persist so a restart can rebuild the refresher via credential.LoadAll
	// without the operator re-submitting the secret.
	if err := b.credStore.Put(context.Background(), record); err != nil {
		slog.Warn("rest connector: failed to persist credential record", "instance_id", inst.ID, "error", err)
	}

	t, err := transport.New(inst.ID, b.credentials, record.HeaderName, b.transportOpt)
	if err != nil {
		return nil, fmt.Errorf("instance %q: build transport: %w", inst.ID, err)
	}

	var rawSources []any
	if v, ok := inst.Config["sources"].([]any); ok {
		rawSources = v
	}

	sources := make([]rest.SourceConfig, 0, len(rawSources))
	for i, raw := range rawSources {
		var sc restSourceConfig
		if err := decodeWeakly(raw, &sc); err != nil {
			return nil, fmt.Errorf("instance %q: source[%d]: %w", inst.ID, i, err)
		}
		if sc.Transform.SourceKey == "" {
			sc.Transform.SourceKey = sc.Key
		}
		sources = append(sources, rest.SourceConfig{
			Key:          sc.Key,
			URL:          sc.URL,
			Variant:      sc.Variant,
			ItemsField:   sc.ItemsField,
			Limit:        sc.Limit,
			CursorField:  sc.CursorField,
			HasMoreField: sc.HasMoreField,
			SinceParam:   sc.SinceParam,
			Transform:    sc.Transform,
		})
	}

	return rest.New(inst.ID, t, sources), nil
}

type filedropSourceConfig struct {
	Key          string
	Directory    string
	ContentType  model.ContentType
	PollInterval time.Duration
	Transform    transform.Config
}

func (b *connectorBuilder) buildFiledrop(inst instance.Instance) (runtime.Connector, context.CancelFunc, error) {
	var rawSources []any
	if v, ok := inst.Config["sources"].([]any); ok {
		rawSources = v
	}

	sources := make([]filedrop.SourceConfig, 0, len(rawSources))
	for i, raw := range rawSources {
		var sc filedropSourceConfig
		if err := decodeWeakly(raw, &sc); err != nil {
			return nil, nil, fmt.Errorf("instance %q: source[%d]: %w", inst.ID, i, err)
		}
		if sc.Transform.SourceKey == "" {
			sc.Transform.SourceKey = sc.Key
		}
		sources = append(sources, filedrop.SourceConfig{
			Key:          sc.Key,
			Directory:    sc.Directory,
			ContentType:  sc.ContentType,
			PollInterval: sc.PollInterval,
			Transform:    sc.Transform,
		})
	}

	conn := filedrop.New(inst.ID, b.uploader, sources)

	// filedrop is push-oriented (spec §3 "Push"): it polls its own
	// directories rather than being driven by the runtime's pull loop, so
	// the builder starts one watcher goroutine per source as soon as the
	// connector is first constructed, independent of whether the instance
	// was also given a schedule. watchCtx is cancelled by teardown on
	// instance deletion so the goroutines don't outlive their instance.
	watchCtx, cancel := context.WithCancel(context.Background())
	for _, src := range conn.Sources() {
		src := src
		go func() {
			if err := conn.Watch(watchCtx, src); err != nil && watchCtx.Err() == nil {
				slog.Error("filedrop: watcher exited", "instance_id", inst.ID, "source", src, "error", err)
			}
		}()
	}

	return conn, cancel, nil
}

func decodeCredentialRecord(instanceID string, raw map[string]any) (credential.Record, error) {
	var record credential.Record
	if err := decodeWeakly(raw, &record); err != nil {
		return credential.Record{}, err
	}
	record.InstanceID = instanceID
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	return record, nil
}

// decodeWeakly decodes a map[string]any (typically produced by
// json.Unmarshal into `any`) into a concrete struct, tolerating the usual
// JSON numeric/bool looseness (spec §9 "dynamic configuration... map to
// explicit types").
func decodeWeakly(raw any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// restoreSchedules rebuilds the in-memory Scheduler registration for
// every persisted Connector Instance that declares a schedule, since the
// Scheduler itself holds no durable state (spec §3: "Instance... survives
// process restarts via durable config + checkpoint" — the schedule is
// part of that durable config).
func restoreSchedules(ctx context.Context, instances instance.Store, registry *connector.Registry, sched *scheduler.Scheduler, builder *connectorBuilder) error {
	all, err := instances.List(ctx)
	if err != nil {
		return err
	}

	for _, inst := range all {
		if !inst.Enabled || len(inst.Schedules) == 0 {
			continue
		}

		def, ok := registry.Get(inst.ConnectorName)
		if !ok {
			slog.Warn("restoreSchedules: unknown connector, skipping", "instance_id", inst.ID, "connector", inst.ConnectorName)
			continue
		}

		conn, err := builder.build(def, inst)
		if err != nil {
			slog.Error("restoreSchedules: build connector failed", "instance_id", inst.ID, "error", err)
			continue
		}

		for sourceKey, schedule := range inst.Schedules {
			sched.Register(conn, sourceKey, schedule)
		}
	}

	return nil
}
