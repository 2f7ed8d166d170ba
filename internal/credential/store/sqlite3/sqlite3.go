// Package sqlite3 is a Credential Store backed by SQLite, grounded on the
// teacher's internal/store/sqlite3 package: single-writer connection pool,
// goqu query building, muz-driven embedded migrations, and AES-256-GCM
// encryption of secret fields at rest.
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

	"github.com/rakunlabs/connectgate/internal/credential"
	cgcrypto "github.com/rakunlabs/connectgate/internal/crypto"
	"github.com/rakunlabs/connectgate/internal/model"
)

const DefaultTable = "credentials"

type Store struct {
	db    *sql.DB
	goqu  *goqu.Database
	table exp.IdentifierExpression

	encKey []byte
}

// Config configures the SQLite Credential Store.
type Config struct {
	Datasource     string
	TableName      string
	MigrationTable string
	EncryptionKey  []byte
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
		migrationTable = "credential_migrations"
	}

	if err := migrateDB(ctx, cfg.Datasource, migrationTable); err != nil {
		return nil, fmt.Errorf("migrate credential store: %w", err)
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

	slog.Info("connected to credential store sqlite")

	return &Store{
		db:     db,
		goqu:   goqu.New("sqlite3", db),
		table:  goqu.T(table),
		encKey: cfg.EncryptionKey,
	}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close credential store sqlite connection", "error", err)
		}
	}
}

type row struct {
	InstanceID   string         `db:"instance_id"`
	Scheme       string         `db:"scheme"`
	StaticValue  sql.NullString `db:"static_value"`
	HeaderName   sql.NullString `db:"header_name"`
	ClientID     sql.NullString `db:"client_id"`
	ClientSecret sql.NullString `db:"client_secret"`
	TokenURL     sql.NullString `db:"token_url"`
	RefreshToken sql.NullString `db:"refresh_token"`
	CreatedAt    string         `db:"created_at"`
	UpdatedAt    string         `db:"updated_at"`
}

var columns = []any{
	"instance_id", "scheme", "static_value", "header_name",
	"client_id", "client_secret", "token_url", "refresh_token",
	"created_at", "updated_at",
}

func (s *Store) Get(ctx context.Context, instanceID string) (*credential.Record, error) {
	query, _, err := s.goqu.From(s.table).Select(columns...).
		Where(goqu.I("instance_id").Eq(instanceID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var r row
	err = s.db.QueryRowContext(ctx, query).Scan(
		&r.InstanceID, &r.Scheme, &r.StaticValue, &r.HeaderName,
		&r.ClientID, &r.ClientSecret, &r.TokenURL, &r.RefreshToken,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %q: %w", instanceID, err)
	}

	return s.rowToRecord(r)
}

func (s *Store) List(ctx context.Context) ([]credential.Record, error) {
	query, _, err := s.goqu.From(s.table).Select(columns...).
		Order(goqu.I("instance_id").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []credential.Record
	for rows.Next() {
		var r row
		if err := rows.Scan(
			&r.InstanceID, &r.Scheme, &r.StaticValue, &r.HeaderName,
			&r.ClientID, &r.ClientSecret, &r.TokenURL, &r.RefreshToken,
			&r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		rec, err := s.rowToRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}

	return out, rows.Err()
}

func (s *Store) Put(ctx context.Context, r credential.Record) error {
	staticValue, err := cgcrypto.Encrypt(r.StaticValue, s.encKey)
	if err != nil {
		return fmt.Errorf("encrypt static value: %w", err)
	}
	clientSecret, err := cgcrypto.Encrypt(r.ClientSecret, s.encKey)
	if err != nil {
		return fmt.Errorf("encrypt client secret: %w", err)
	}
	refreshToken, err := cgcrypto.Encrypt(r.RefreshToken, s.encKey)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := now
	if existing, err := s.Get(ctx, r.InstanceID); err == nil && existing != nil {
		createdAt = existing.CreatedAt.UTC().Format(time.RFC3339)
	}

	record := goqu.Record{
		"instance_id":   r.InstanceID,
		"scheme":        string(r.Scheme),
		"static_value":  nullIfEmpty(staticValue),
		"header_name":   nullIfEmpty(r.HeaderName),
		"client_id":     nullIfEmpty(r.ClientID),
		"client_secret": nullIfEmpty(clientSecret),
		"token_url":     nullIfEmpty(r.TokenURL),
		"refresh_token": nullIfEmpty(refreshToken),
		"created_at":    createdAt,
		"updated_at":    now,
	}

	deleteQuery, _, err := s.goqu.Delete(s.table).Where(goqu.I("instance_id").Eq(r.InstanceID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete-before-insert query: %w", err)
	}
	insertQuery, _, err := s.goqu.Insert(s.table).Rows(record).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, deleteQuery); err != nil {
		return fmt.Errorf("clear existing credential %q: %w", r.InstanceID, err)
	}
	if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
		return fmt.Errorf("put credential %q: %w", r.InstanceID, err)
	}

	return tx.Commit()
}

// RotateEncryptionKey decrypts every persisted Record with the Store's
// current key and re-encrypts it with newKey (nil disables encryption),
// committing one row per transaction via Put. Called by the control
// plane's rotate-key endpoint while holding the cluster-wide rotation
// lock, so no concurrent Put can race the swap.
func (s *Store) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	records, err := s.List(ctx)
	if err != nil {
		return fmt.Errorf("list credentials for rotation: %w", err)
	}

	s.encKey = newKey

	for _, r := range records {
		if err := s.Put(ctx, r); err != nil {
			return fmt.Errorf("re-encrypt credential %q: %w", r.InstanceID, err)
		}
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, instanceID string) error {
	query, _, err := s.goqu.Delete(s.table).Where(goqu.I("instance_id").Eq(instanceID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete credential %q: %w", instanceID, err)
	}
	return nil
}

func (s *Store) rowToRecord(r row) (*credential.Record, error) {
	staticValue, err := cgcrypto.Decrypt(r.StaticValue.String, s.encKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt static value for %q: %w", r.InstanceID, err)
	}
	clientSecret, err := cgcrypto.Decrypt(r.ClientSecret.String, s.encKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt client secret for %q: %w", r.InstanceID, err)
	}
	refreshToken, err := cgcrypto.Decrypt(r.RefreshToken.String, s.encKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token for %q: %w", r.InstanceID, err)
	}

	createdAt, _ := time.Parse(time.RFC3339, r.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339, r.UpdatedAt)

	return &credential.Record{
		InstanceID:   r.InstanceID,
		Scheme:       schemeFrom(r.Scheme),
		StaticValue:  staticValue,
		HeaderName:   r.HeaderName.String,
		ClientID:     r.ClientID.String,
		ClientSecret: clientSecret,
		TokenURL:     r.TokenURL.String,
		RefreshToken: refreshToken,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func schemeFrom(s string) model.CredentialScheme {
	return model.CredentialScheme(s)
}
