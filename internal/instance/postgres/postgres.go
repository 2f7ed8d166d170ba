// Package postgres is a Connector Instance Store backed by PostgreSQL,
// grounded on the teacher's internal/store/postgres package.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/connectgate/internal/connector"
	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/connectgate/internal/instance"
)

const DefaultTable = "instances"

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3
)

type Store struct {
	db    *sql.DB
	goqu  *goqu.Database
	table exp.IdentifierExpression
}

type Config struct {
	Datasource     string
	Schema         string
	TableName      string
	MigrationTable string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	table := cfg.TableName
	if table == "" {
		table = DefaultTable
	}
	migrationTable := cfg.MigrationTable
	if migrationTable == "" {
		migrationTable = "instance_migrations"
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	if err := migrateDB(ctx, db, migrationTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate instance store: %w", err)
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to instance store postgres")

	return &Store{db: db, goqu: goqu.New("postgres", db), table: goqu.T(table)}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type instanceRow struct {
	ID            string
	ConnectorName string
	Config        []byte
	Schedules     []byte
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CreatedBy     string
	UpdatedBy     string
}

func rowToInstance(r instanceRow) (*instance.Instance, error) {
	var cfg map[string]any
	if err := json.Unmarshal(r.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode instance config: %w", err)
	}
	var schedules map[string]connector.Schedule
	if err := json.Unmarshal(r.Schedules, &schedules); err != nil {
		return nil, fmt.Errorf("decode instance schedules: %w", err)
	}

	return &instance.Instance{
		ID:            r.ID,
		ConnectorName: r.ConnectorName,
		Config:        cfg,
		Schedules:     schedules,
		Enabled:       r.Enabled,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		CreatedBy:     r.CreatedBy,
		UpdatedBy:     r.UpdatedBy,
	}, nil
}

func (s *Store) List(ctx context.Context) ([]instance.Instance, error) {
	query, _, err := s.goqu.From(s.table).
		Select("id", "connector_name", "config", "schedules", "enabled", "created_at", "updated_at", "created_by", "updated_by").
		Order(goqu.I("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list instances query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []instance.Instance
	for rows.Next() {
		var r instanceRow
		if err := rows.Scan(&r.ID, &r.ConnectorName, &r.Config, &r.Schedules, &r.Enabled, &r.CreatedAt, &r.UpdatedAt, &r.CreatedBy, &r.UpdatedBy); err != nil {
			return nil, fmt.Errorf("scan instance row: %w", err)
		}
		inst, err := rowToInstance(r)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (*instance.Instance, error) {
	query, _, err := s.goqu.From(s.table).
		Select("id", "connector_name", "config", "schedules", "enabled", "created_at", "updated_at", "created_by", "updated_by").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get instance query: %w", err)
	}

	var r instanceRow
	err = s.db.QueryRowContext(ctx, query).Scan(&r.ID, &r.ConnectorName, &r.Config, &r.Schedules, &r.Enabled, &r.CreatedAt, &r.UpdatedAt, &r.CreatedBy, &r.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errtax.NotFoundError{Op: "instance.Get", Resource: "instance", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %q: %w", id, err)
	}

	return rowToInstance(r)
}

func (s *Store) Create(ctx context.Context, inst instance.Instance) (*instance.Instance, error) {
	inst.ID = "inst_" + ulid.Make().String()
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now

	if err := s.upsert(ctx, inst); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	return &inst, nil
}

func (s *Store) Update(ctx context.Context, id string, inst instance.Instance) (*instance.Instance, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	inst.ID = id
	inst.CreatedAt = existing.CreatedAt
	inst.UpdatedAt = time.Now().UTC()

	if err := s.upsert(ctx, inst); err != nil {
		return nil, fmt.Errorf("update instance %q: %w", id, err)
	}
	return &inst, nil
}

func (s *Store) upsert(ctx context.Context, inst instance.Instance) error {
	cfgJSON, err := json.Marshal(inst.Config)
	if err != nil {
		return fmt.Errorf("encode instance config: %w", err)
	}
	schedulesJSON, err := json.Marshal(inst.Schedules)
	if err != nil {
		return fmt.Errorf("encode instance schedules: %w", err)
	}

	row := goqu.Record{
		"connector_name": inst.ConnectorName,
		"config":         string(cfgJSON),
		"schedules":      string(schedulesJSON),
		"enabled":        inst.Enabled,
		"created_at":     inst.CreatedAt.UTC(),
		"updated_at":     inst.UpdatedAt.UTC(),
		"created_by":     inst.CreatedBy,
		"updated_by":     inst.UpdatedBy,
	}

	upsert := goqu.Insert(s.table).Rows(mergeID(row, inst.ID)).
		OnConflict(goqu.DoUpdate("id", row))

	query, _, err := upsert.ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert instance query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("upsert instance %q: %w", inst.ID, err)
	}

	return nil
}

func mergeID(row goqu.Record, id string) goqu.Record {
	out := goqu.Record{"id": id}
	for k, v := range row {
		out[k] = v
	}
	return out
}

func (s *Store) Delete(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.table).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete instance query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete instance %q: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &errtax.NotFoundError{Op: "instance.Delete", Resource: "instance", ID: id}
	}
	return nil
}
