// Package persistence implements the State Checkpoint & Persistence:
// best-effort durable session checkpoints, the master-resume load/merge/
// save lifecycle, and startup schema migration.
package persistence

import (
	"context"
	stdsql "database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds the connection and pool parameters. pgxpool serves live
// queries; pgx's database/sql driver is used only to drive golang-migrate.
type Config struct {
	// URL, when set, is used verbatim as the connection string and the
	// discrete fields below are ignored (the DATABASE_URL deployment path).
	URL string

	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c Config) dsn() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Store wraps a pgx connection pool with the queries the coordinator needs.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres, applies pending embedded migrations, and
// returns a Store backed by a pgxpool.Pool.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := runMigrations(cfg); err != nil {
		return nil, fmt.Errorf("persistence: migrate: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("persistence: parse pool config: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("persistence: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persistence: ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks that the pool can still reach Postgres, used by the API
// layer's health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// runMigrations applies embedded migrations through golang-migrate's
// standard database/sql + pgx-stdlib path, opened on a short-lived *sql.DB
// distinct from the pgxpool used for live queries, so it can be safely
// closed afterward.
func runMigrations(cfg Config) error {
	db, err := stdsql.Open("pgx", cfg.dsn())
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	defer sourceDriver.Close()

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
