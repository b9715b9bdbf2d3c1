// Package database opens the Postgres connection pool and applies
// forward-only schema migrations at startup.
package database

import (
	"context"
	"embed"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/pressly/goose/v3"

	"github.com/baseliner/backend/internal/config"
	"github.com/baseliner/backend/internal/core"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open connects to Postgres, verifies connectivity and configures the pool.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

// Migrate applies pending migrations. Downgrades are unsupported; broken
// schemas are fixed by a new forward migration.
func Migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// EnsureDefaultTenant creates the fixed Phase-0 tenant if missing.
func EnsureDefaultTenant(ctx context.Context, db *sqlx.DB) error {
	res, err := db.ExecContext(ctx,
		`INSERT INTO tenants (id, name) VALUES ($1, 'default') ON CONFLICT (id) DO NOTHING`,
		core.DefaultTenantID)
	if err != nil {
		return fmt.Errorf("ensure default tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("created default tenant %s", core.DefaultTenantID)
	}
	return nil
}
