package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS client_storage (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
)`

// PgExecutor is the subset of *pgxpool.Pool used by Postgres.
type PgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Postgres is a PostgreSQL-backed Store over the client_storage table.
type Postgres struct {
	db  PgExecutor
	ttl time.Duration
	now func() time.Time
}

// NewPostgres creates a Postgres store. A zero TTL stores rows without expiry.
func NewPostgres(db PgExecutor, ttl time.Duration) *Postgres {
	return &Postgres{db: db, ttl: ttl, now: time.Now}
}

// Migrate creates the client_storage table if it does not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create client_storage: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(ctx, `
		SELECT value FROM client_storage
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, s.now(),
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query client_storage %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Postgres) Set(ctx context.Context, key, value string) error {
	now := s.now()
	var expiresAt *time.Time
	if s.ttl > 0 {
		t := now.Add(s.ttl)
		expiresAt = &t
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO client_storage (key, value, updated_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    updated_at = EXCLUDED.updated_at,
		    expires_at = EXCLUDED.expires_at`,
		key, value, now, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert client_storage %q: %w", key, err)
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM client_storage WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete client_storage %q: %w", key, err)
	}
	return nil
}

// PurgeExpired deletes expired rows and returns how many were removed.
func (s *Postgres) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM client_storage WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		s.now(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge client_storage: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HealthCheck pings the database.
func (s *Postgres) HealthCheck(ctx context.Context) error {
	return s.db.Ping(ctx)
}
