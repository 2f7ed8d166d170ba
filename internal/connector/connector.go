// Package connector implements the Connector Definition registry of
// spec §9: a Definition names a handler plus a closed config schema, and
// a Registry holds every Definition a deployment knows how to
// instantiate.
package connector

import (
	"context"
	"fmt"

	"github.com/rakunlabs/connectgate/internal/model"
	"github.com/rakunlabs/connectgate/internal/transform"
)

// Schedule is a Definition's optional self-driven trigger (spec §9:
// "cron or interval, optional" — a push-only connector has none).
type Schedule struct {
	Cron     string // five-field cron expression; mutually exclusive with Interval
	Interval string // duration string (e.g. "15m"), parsed with str2duration
}

// Handler is the capability set a Definition's code implements. Pull is
// required for SyncPull/SyncHybrid, Push for SyncPush/SyncHybrid;
// Teardown is always optional.
type Handler struct {
	Pull     func(instanceID string) (Puller, error)
	Push     func(instanceID string) (Pusher, error)
	Teardown func(instanceID string) error
}

// Puller is satisfied by a Connector Instance once instantiated; it has
// the same shape runtime.Connector expects of its Puller embed, so an
// Instance built from a Handler.Pull can be handed straight to the
// runtime without an adapter.
type Puller interface {
	Pull(ctx context.Context, sourceKey string, params model.SyncParams) (records []transform.Record, nextCursor string, hasMore bool, err error)
}

// Pusher accepts externally-pushed records (webhook/trigger delivery)
// for one Connector Instance's source.
type Pusher interface {
	Push(ctx context.Context, sourceKey string, records []transform.Record) error
}

// Definition describes one connector type a deployment can instantiate.
type Definition struct {
	Name         string
	Version      string
	ConfigSchema ConfigSchema
	SyncStrategy model.SyncStrategy
	Schedule     *Schedule
	Handler      Handler `json:"-"`
}

// Registry holds every Definition a deployment knows how to instantiate,
// keyed by name. It holds no lock: Register is not safe to call
// concurrently with Get or List, so every Definition registers at
// startup, before the registry is read concurrently.
type Registry struct {
	definitions map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]Definition)}
}

// Register adds def to the registry. Registering the same name twice is
// a programmer error (two connector packages collided on a name), so it
// panics rather than returning an error a caller could silently ignore.
func (r *Registry) Register(def Definition) {
	if _, exists := r.definitions[def.Name]; exists {
		panic(fmt.Sprintf("connector: definition %q already registered", def.Name))
	}
	r.definitions[def.Name] = def
}

func (r *Registry) Get(name string) (Definition, bool) {
	def, ok := r.definitions[name]
	return def, ok
}

func (r *Registry) List() []Definition {
	out := make([]Definition, 0, len(r.definitions))
	for _, def := range r.definitions {
		out = append(out, def)
	}
	return out
}
