// Package postgres is a Credential Store backed by PostgreSQL, grounded on
// the teacher's internal/store/postgres package: pgx/v5 stdlib driver, goqu
// query building, muz-driven embedded migrations, connection pool tuning.
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

	"github.com/rakunlabs/connectgate/internal/credential"
	cgcrypto "github.com/rakunlabs/connectgate/internal/crypto"
	"github.com/rakunlabs/connectgate/internal/model"
)

const DefaultTable = "credentials"

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3
)

type Store struct {
	db    *sql.DB
	goqu  *goqu.Database
	table exp.IdentifierExpression

	encKey []byte
}

type Config struct {
	Datasource     string
	Schema         string
	TableName      string
	MigrationTable string
	EncryptionKey  []byte
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
		migrationTable = "credential_migrations"
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
		return nil, fmt.Errorf("migrate credential store: %w", err)
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to credential store postgres")

	return &Store{
		db:     db,
		goqu:   goqu.New("postgres", db),
		table:  goqu.T(table),
		encKey: cfg.EncryptionKey,
	}, nil
}

func (s *Store) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close credential store postgres connection", "error", err)
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
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
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

	now := time.Now().UTC()

	upsert := goqu.Insert(s.table).Rows(
		goqu.Record{
			"instance_id":   r.InstanceID,
			"scheme":        string(r.Scheme),
			"static_value":  nullIfEmpty(staticValue),
			"header_name":   nullIfEmpty(r.HeaderName),
			"client_id":     nullIfEmpty(r.ClientID),
			"client_secret": nullIfEmpty(clientSecret),
			"token_url":     nullIfEmpty(r.TokenURL),
			"refresh_token": nullIfEmpty(refreshToken),
			"created_at":    now,
			"updated_at":    now,
		},
	).OnConflict(goqu.DoUpdate("instance_id", goqu.Record{
		"scheme":        string(r.Scheme),
		"static_value":  nullIfEmpty(staticValue),
		"header_name":   nullIfEmpty(r.HeaderName),
		"client_id":     nullIfEmpty(r.ClientID),
		"client_secret": nullIfEmpty(clientSecret),
		"token_url":     nullIfEmpty(r.TokenURL),
		"refresh_token": nullIfEmpty(refreshToken),
		"updated_at":    now,
	}))

	query, _, err := upsert.ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("put credential %q: %w", r.InstanceID, err)
	}

	return nil
}

// RotateEncryptionKey decrypts every persisted Record with the Store's
// current key and re-encrypts it with newKey (nil disables encryption).
// See the sqlite3 Store's RotateEncryptionKey for the locking discipline
// this relies on.
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

	return &credential.Record{
		InstanceID:   r.InstanceID,
		Scheme:       model.CredentialScheme(r.Scheme),
		StaticValue:  staticValue,
		HeaderName:   r.HeaderName.String,
		ClientID:     r.ClientID.String,
		ClientSecret: clientSecret,
		TokenURL:     r.TokenURL.String,
		RefreshToken: refreshToken,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
