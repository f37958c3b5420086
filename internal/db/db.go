// internal/db/db.go
package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/unclebandit/dropleopard/internal/config"
	"github.com/unclebandit/dropleopard/internal/repository"
)

// Schema is applied by Migrate. Campaigns are stored as one JSON document so
// admin edits never need a column migration.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id         TEXT PRIMARY KEY,
		doc        JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS participants (
		seq           BIGSERIAL PRIMARY KEY,
		id            TEXT NOT NULL,
		phone         TEXT NOT NULL,
		email         TEXT NOT NULL,
		referral_code TEXT NOT NULL,
		referred_by   TEXT,
		campaign_id   TEXT,
		joined_at     TIMESTAMPTZ NOT NULL,
		CONSTRAINT participants_referral_code_key UNIQUE (referral_code)
	)`,
	`CREATE INDEX IF NOT EXISTS participants_campaign_phone_idx ON participants (campaign_id, phone)`,
	`CREATE INDEX IF NOT EXISTS participants_referred_by_idx ON participants (referred_by)`,
	`CREATE TABLE IF NOT EXISTS optouts (
		phone        TEXT PRIMARY KEY,
		opted_out_at TIMESTAMPTZ NOT NULL
	)`,
}

// Connect opens the PostgreSQL pool described by cfg and pings it.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*sqlx.DB, error) {
	conn, err := sqlx.Connect("postgres", cfg.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxConns)
	conn.SetMaxIdleConns(cfg.MinConns)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	logger.Info("connected to database", zap.String("host", cfg.Host), zap.String("name", cfg.Name))
	return conn, nil
}

// Migrate creates any missing tables.
func Migrate(ctx context.Context, conn *sqlx.DB) error {
	for _, stmt := range Schema {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

// OpenStore opens the storage backend selected by STORAGE_DRIVER.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		conn, err := Connect(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		if err := Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, err
		}
		return repository.NewPostgresStore(conn), nil
	case "bolt":
		if dir := filepath.Dir(cfg.Storage.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create storage dir: %w", err)
			}
		}
		store, err := repository.OpenBoltStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("opened bolt store", zap.String("path", cfg.Storage.Path))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
