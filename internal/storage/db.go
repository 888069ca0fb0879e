package storage

import (
	"context"
	"fmt"

	"zerostream/internal/query"
)

// Backend names accepted by Config.Kind.
const (
	KindClickHouse = "clickhouse"
	KindPostgres   = "postgres"
	KindSQLite     = "sqlite"
)

// Config selects and configures a storage backend.
type Config struct {
	Kind       string
	SQLitePath string
	ClickHouse ClickHouseConfig
	Postgres   PostgresConfig
}

// DefaultConfig returns a local SQLite setup that needs no services.
func DefaultConfig() Config {
	return Config{
		Kind:       KindSQLite,
		SQLitePath: "zerostream.db",
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "default",
			User:     "default",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "zerostream",
			User:     "zerostream",
			SSLMode:  "prefer",
		},
	}
}

// Store is a queryable backend with a lifecycle, so callers can hold
// any backend uniformly.
type Store interface {
	query.Store
	Close() error
}

// OpenStore opens the backend named by cfg.Kind for dashboard queries.
func OpenStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Kind {
	case KindClickHouse:
		return OpenClickHouse(ctx, cfg.ClickHouse)
	case KindPostgres:
		db, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		if err := db.CreateSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	case KindSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Kind)
	}
}
