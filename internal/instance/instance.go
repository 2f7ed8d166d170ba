// Package instance persists Connector Instance records: which Connector
// Definition an instance binds to, its validated config, and the
// per-source schedule the Scheduler fires it on. It is grounded on the
// teacher's internal/store package (Trigger persistence), generalized
// from "workflow trigger" to "connector instance".
package instance

import (
	"context"
	"time"

	"github.com/rakunlabs/connectgate/internal/connector"
)

// Instance is one configured, persisted binding of a Connector Definition
// (spec §4 "Connector Definition registry & config schema").
type Instance struct {
	ID            string                        `json:"id"`
	ConnectorName string                        `json:"connectorName"`
	Config        map[string]any                `json:"config"`
	Schedules     map[string]connector.Schedule `json:"schedules"` // sourceKey -> schedule
	Enabled       bool                          `json:"enabled"`
	CreatedAt     time.Time                     `json:"createdAt"`
	UpdatedAt     time.Time                     `json:"updatedAt"`
	CreatedBy     string                        `json:"createdBy"`
	UpdatedBy     string                        `json:"updatedBy"`
}

// Store persists Connector Instance records.
type Store interface {
	List(ctx context.Context) ([]Instance, error)
	Get(ctx context.Context, id string) (*Instance, error)
	Create(ctx context.Context, inst Instance) (*Instance, error)
	Update(ctx context.Context, id string, inst Instance) (*Instance, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
