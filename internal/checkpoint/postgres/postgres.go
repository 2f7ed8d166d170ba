// Package postgres is a Checkpoint Store backed by PostgreSQL, grounded on
// the teacher's internal/store/postgres package.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rakunlabs/connectgate/internal/model"
)

const DefaultTable = "checkpoints"

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
		migrationTable = "checkpoint_migrations"
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
		return nil, fmt.Errorf("migrate checkpoint store: %w", err)
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to checkpoint store postgres")

	return &Store{db: db, goqu: goqu.New("postgres", db), table: goqu.T(table)}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close checkpoint store postgres connection", "error", err)
		}
	}
}

func (s *Store) Get(ctx context.Context, instanceID, sourceKey string) (*model.Checkpoint, error) {
	query, _, err := s.goqu.From(s.table).
		Select("cursor", "updated_at", "records_processed").
		Where(goqu.I("instance_id").Eq(instanceID), goqu.I("source_key").Eq(sourceKey)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get checkpoint query: %w", err)
	}

	var cursor string
	var updatedAt time.Time
	var records int
	err = s.db.QueryRowContext(ctx, query).Scan(&cursor, &updatedAt, &records)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint (%q,%q): %w", instanceID, sourceKey, err)
	}

	return &model.Checkpoint{
		ConnectorID:      instanceID,
		SourceKey:        sourceKey,
		Cursor:           cursor,
		UpdatedAt:        updatedAt,
		RecordsProcessed: records,
	}, nil
}

func (s *Store) Set(ctx context.Context, instanceID, sourceKey string, cp model.Checkpoint) error {
	upsert := goqu.Insert(s.table).Rows(
		goqu.Record{
			"instance_id":       instanceID,
			"source_key":        sourceKey,
			"cursor":            cp.Cursor,
			"updated_at":        cp.UpdatedAt.UTC(),
			"records_processed": cp.RecordsProcessed,
		},
	).OnConflict(goqu.DoUpdate("instance_id, source_key", goqu.Record{
		"cursor":            cp.Cursor,
		"updated_at":        cp.UpdatedAt.UTC(),
		"records_processed": cp.RecordsProcessed,
	}))

	query, _, err := upsert.ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert checkpoint query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("set checkpoint (%q,%q): %w", instanceID, sourceKey, err)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, instanceID, sourceKey string) error {
	query, _, err := s.goqu.Delete(s.table).
		Where(goqu.I("instance_id").Eq(instanceID), goqu.I("source_key").Eq(sourceKey)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete checkpoint query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete checkpoint (%q,%q): %w", instanceID, sourceKey, err)
	}
	return nil
}
