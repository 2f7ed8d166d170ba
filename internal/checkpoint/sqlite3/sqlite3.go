// Package sqlite3 is a Checkpoint Store backed by SQLite, grounded on the
// teacher's internal/store/sqlite3 package.
package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	_ "modernc.org/sqlite"

	"github.com/rakunlabs/connectgate/internal/model"
)

const DefaultTable = "checkpoints"

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
		migrationTable = "checkpoint_migrations"
	}

	if err := migrateDB(ctx, cfg.Datasource, migrationTable); err != nil {
		return nil, fmt.Errorf("migrate checkpoint store: %w", err)
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

	slog.Info("connected to checkpoint store sqlite")

	return &Store{db: db, goqu: goqu.New("sqlite3", db), table: goqu.T(table)}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close checkpoint store sqlite connection", "error", err)
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

	var cursor, updatedAt string
	var records int
	err = s.db.QueryRowContext(ctx, query).Scan(&cursor, &updatedAt, &records)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint (%q,%q): %w", instanceID, sourceKey, err)
	}

	ts, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint timestamp: %w", err)
	}

	return &model.Checkpoint{
		ConnectorID:      instanceID,
		SourceKey:        sourceKey,
		Cursor:           cursor,
		UpdatedAt:        ts,
		RecordsProcessed: records,
	}, nil
}

// Set replaces the checkpoint for (instanceID, sourceKey) inside a
// transaction: the delete and insert commit together or not at all, so a
// crash mid-write leaves either the old row or the new one, never neither.
func (s *Store) Set(ctx context.Context, instanceID, sourceKey string, cp model.Checkpoint) error {
	deleteQuery, _, err := s.goqu.Delete(s.table).
		Where(goqu.I("instance_id").Eq(instanceID), goqu.I("source_key").Eq(sourceKey)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete-before-insert query: %w", err)
	}

	insertQuery, _, err := s.goqu.Insert(s.table).Rows(
		goqu.Record{
			"instance_id":       instanceID,
			"source_key":        sourceKey,
			"cursor":            cp.Cursor,
			"updated_at":        cp.UpdatedAt.UTC().Format(time.RFC3339),
			"records_processed": cp.RecordsProcessed,
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert checkpoint query: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, deleteQuery); err != nil {
		return fmt.Errorf("clear existing checkpoint (%q,%q): %w", instanceID, sourceKey, err)
	}
	if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
		return fmt.Errorf("set checkpoint (%q,%q): %w", instanceID, sourceKey, err)
	}

	return tx.Commit()
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
