package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/hanko-field/checkout/internal/platform/config"
)

const (
	defaultMaxOpenConns    = 100
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultPingTimeout     = 5 * time.Second
)

// Open connects to Postgres through lib/pq, applies pool limits, and verifies connectivity.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := DSN(cfg)
	if dsn == "" {
		return nil, errors.New("postgres: connection settings are required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = defaultConnMaxLifetime
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// DSN renders the lib/pq keyword/value connection string. An explicit URL wins.
func DSN(cfg config.DatabaseConfig) string {
	if url := strings.TrimSpace(cfg.URL); url != "" {
		return url
	}
	if strings.TrimSpace(cfg.Host) == "" {
		return ""
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	parts := []string{
		"host=" + quoteDSNValue(cfg.Host),
		"port=" + quoteDSNValue(cfg.Port),
		"user=" + quoteDSNValue(cfg.User),
		"password=" + quoteDSNValue(cfg.Password),
		"dbname=" + quoteDSNValue(cfg.Name),
		"sslmode=" + quoteDSNValue(sslMode),
	}
	return strings.Join(parts, " ")
}

func quoteDSNValue(value string) string {
	if value == "" {
		return "''"
	}
	if !strings.ContainsAny(value, ` '\`) {
		return value
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
	return "'" + escaped + "'"
}

// Ping adapts the database handle to a readiness check.
func Ping(db *sql.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		if db == nil {
			return errors.New("postgres: database not initialised")
		}
		return db.PingContext(ctx)
	}
}
