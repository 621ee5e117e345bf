package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/config"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/observability"
)

// Stores holds the process-wide backing stores. Per-client views are taken
// with Namespace.
type Stores struct {
	Session Store
	Local   Store

	// Redis is non-nil when any configured driver uses Redis.
	Redis *redis.Client
	// Pool is non-nil when the local driver is postgres.
	Pool *pgxpool.Pool
}

// Open connects the configured session and local stores.
func Open(ctx context.Context, cfg *config.Config) (*Stores, error) {
	sc := cfg.Storage
	s := &Stores{}

	if sc.SessionDriver == "redis" || sc.LocalDriver == "redis" || cfg.Incident.Idempotency.Driver == "redis" {
		addr := os.Getenv(sc.Redis.AddrEnv)
		if addr == "" {
			return nil, fmt.Errorf("storage: %s is not set", sc.Redis.AddrEnv)
		}
		s.Redis = redis.NewClient(&redis.Options{Addr: addr, DB: sc.Redis.DB})
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			s.Close()
			return nil, fmt.Errorf("storage: redis ping: %w", err)
		}
	}

	switch sc.SessionDriver {
	case "redis":
		s.Session = NewRedis(s.Redis, sc.SessionTTL)
	default:
		s.Session = NewMemory(sc.SessionTTL)
	}

	switch sc.LocalDriver {
	case "redis":
		s.Local = NewRedis(s.Redis, sc.LocalTTL)
	case "postgres":
		pool, err := openPool(ctx, sc.Postgres)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Pool = pool
		pg := NewPostgres(pool, sc.LocalTTL)
		if err := pg.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("storage: %w", err)
		}
		s.Local = pg
	default:
		s.Local = NewMemory(sc.LocalTTL)
	}

	return s, nil
}

func openPool(ctx context.Context, pc config.PostgresConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(pc.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("storage: %s is not set", pc.DSNEnv)
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse dsn: %w", err)
	}
	if pc.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(pc.MaxOpenConns)
	}
	if pc.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = pc.ConnMaxLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}
	return pool, nil
}

// ClientSession returns the browser-session scoped view of one client.
func (s *Stores) ClientSession(clientID string) Store {
	return Namespace(s.Session, "client", clientID, "session")
}

// ClientLocal returns the long-lived view of one client.
func (s *Stores) ClientLocal(clientID string) Store {
	return Namespace(s.Local, "client", clientID, "local")
}

// HealthChecks returns readiness checkers for the backing stores.
func (s *Stores) HealthChecks() map[string]observability.HealthChecker {
	checks := make(map[string]observability.HealthChecker, 2)
	if hc, ok := s.Session.(observability.HealthChecker); ok {
		checks["session_store"] = hc
	}
	if hc, ok := s.Local.(observability.HealthChecker); ok {
		checks["local_store"] = hc
	}
	return checks
}

// Close releases the Redis client and Postgres pool, if open.
func (s *Stores) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
}
