// Package sqlite3 is a Connector Instance Store backed by SQLite,
// grounded on the teacher's internal/store/sqlite3 package (Trigger
// persistence): a goqu-built CRUD surface over a JSON-config-bearing
// table, generalized from "workflow trigger" to "connector instance".
package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/rakunlabs/connectgate/internal/connector"
	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/connectgate/internal/instance"
)

const DefaultTable = "instances"

type Store struct {
	db    *sql.DB
	goqu  *goqu.Database
	table exp.IdentifierExpression
}

type Config struct {
	Datasource     string
	TableName      string
	MigrationTable string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	table := cfg.TableName
	if table == "" {
		table = DefaultTable
	}
	migrationTable := cfg.MigrationTable
	if migrationTable == "" {
		migrationTable = "instance_migrations"
	}

	if err := migrateDB(ctx, cfg.Datasource, migrationTable); err != nil {
		return nil, fmt.Errorf("migrate instance store: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to instance store sqlite")

	return &Store{db: db, goqu: goqu.New("sqlite3", db), table: goqu.T(table)}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type instanceRow struct {
	ID            string `db:"id"`
	ConnectorName string `db:"connector_name"`
	Config        string `db:"config"`
	Schedules     string `db:"schedules"`
	Enabled       bool   `db:"enabled"`
	CreatedAt     string `db:"created_at"`
	UpdatedAt     string `db:"updated_at"`
	CreatedBy     string `db:"created_by"`
	UpdatedBy     string `db:"updated_by"`
}

func rowToInstance(r instanceRow) (*instance.Instance, error) {
	var cfg map[string]any
	if err := json.Unmarshal([]byte(r.Config), &cfg); err != nil {
		return nil, fmt.Errorf("decode instance config: %w", err)
	}
	var schedules map[string]connector.Schedule
	if err := json.Unmarshal([]byte(r.Schedules), &schedules); err != nil {
		return nil, fmt.Errorf("decode instance schedules: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &instance.Instance{
		ID:            r.ID,
		ConnectorName: r.ConnectorName,
		Config:        cfg,
		Schedules:     schedules,
		Enabled:       r.Enabled,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
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

// upsert replaces the row for inst.ID inside a transaction, the same
// delete-then-insert pattern the checkpoint store uses.
func (s *Store) upsert(ctx context.Context, inst instance.Instance) error {
	cfgJSON, err := json.Marshal(inst.Config)
	if err != nil {
		return fmt.Errorf("encode instance config: %w", err)
	}
	schedulesJSON, err := json.Marshal(inst.Schedules)
	if err != nil {
		return fmt.Errorf("encode instance schedules: %w", err)
	}

	deleteQuery, _, err := s.goqu.Delete(s.table).Where(goqu.I("id").Eq(inst.ID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete-before-insert query: %w", err)
	}

	insertQuery, _, err := s.goqu.Insert(s.table).Rows(goqu.Record{
		"id":             inst.ID,
		"connector_name": inst.ConnectorName,
		"config":         string(cfgJSON),
		"schedules":      string(schedulesJSON),
		"enabled":        inst.Enabled,
		"created_at":     inst.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":     inst.UpdatedAt.UTC().Format(time.RFC3339),
		"created_by":     inst.CreatedBy,
		"updated_by":     inst.UpdatedBy,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert instance query: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, deleteQuery); err != nil {
		return fmt.Errorf("clear existing instance %q: %w", inst.ID, err)
	}
	if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
		return fmt.Errorf("insert instance %q: %w", inst.ID, err)
	}

	return tx.Commit()
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
