// Package backend opens a store.Store from a driver name and a DSN, so
// servers and extensions can pick the backend from configuration.
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/store/mongo"
	"github.com/xraph/credits/store/postgres"
	"github.com/xraph/credits/store/redis"
	"github.com/xraph/credits/store/sqlite"
)

// Driver names.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
	DriverRedis    = "redis"
)

// Config selects and configures a backend.
type Config struct {
	// Driver is one of memory, postgres, sqlite, mongo or redis. Empty means
	// memory.
	Driver string `json:"driver" mapstructure:"driver" yaml:"driver"`

	// DSN is the driver connection string: a postgres URL, a sqlite file DSN,
	// a mongodb URI or a redis URL.
	DSN string `json:"dsn" mapstructure:"dsn" yaml:"dsn"`

	// LockTimeout bounds how long a mutation waits for the tenant lock.
	// Ignored by redis, whose mutations are single scripts.
	LockTimeout time.Duration `json:"lock_timeout" mapstructure:"lock_timeout" yaml:"lock_timeout"`

	// Prefix namespaces redis keys.
	Prefix string `json:"prefix" mapstructure:"prefix" yaml:"prefix"`
}

// Open connects to the configured backend. It does not migrate.
func Open(ctx context.Context, cfg Config) (store.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverMemory:
		var opts []memory.Option
		if cfg.LockTimeout > 0 {
			opts = append(opts, memory.WithLockTimeout(cfg.LockTimeout))
		}
		return memory.New(opts...), nil

	case DriverPostgres, "pg":
		if err := requireDSN(cfg); err != nil {
			return nil, err
		}
		drv := pgdriver.New()
		if err := drv.Open(ctx, cfg.DSN); err != nil {
			return nil, fmt.Errorf("credits/backend: open postgres: %w", err)
		}
		db, err := grove.Open(drv)
		if err != nil {
			return nil, fmt.Errorf("credits/backend: grove: %w", err)
		}
		var opts []postgres.Option
		if cfg.LockTimeout > 0 {
			opts = append(opts, postgres.WithLockTimeout(cfg.LockTimeout))
		}
		return postgres.New(db, opts...), nil

	case DriverSQLite:
		if err := requireDSN(cfg); err != nil {
			return nil, err
		}
		drv := sqlitedriver.New()
		if err := drv.Open(ctx, cfg.DSN); err != nil {
			return nil, fmt.Errorf("credits/backend: open sqlite: %w", err)
		}
		db, err := grove.Open(drv)
		if err != nil {
			return nil, fmt.Errorf("credits/backend: grove: %w", err)
		}
		var opts []sqlite.Option
		if cfg.LockTimeout > 0 {
			opts = append(opts, sqlite.WithLockTimeout(cfg.LockTimeout))
		}
		return sqlite.New(db, opts...), nil

	case DriverMongo, "mongodb":
		if err := requireDSN(cfg); err != nil {
			return nil, err
		}
		drv := mongodriver.New()
		if err := drv.Open(ctx, cfg.DSN); err != nil {
			return nil, fmt.Errorf("credits/backend: open mongo: %w", err)
		}
		db, err := grove.Open(drv)
		if err != nil {
			return nil, fmt.Errorf("credits/backend: grove: %w", err)
		}
		var opts []mongo.Option
		if cfg.LockTimeout > 0 {
			opts = append(opts, mongo.WithLockTimeout(cfg.LockTimeout))
		}
		return mongo.New(db, opts...), nil

	case DriverRedis:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "redis://localhost:6379/0"
		}
		ropts, err := goredis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("credits/backend: parse redis url: %w", err)
		}
		var opts []redis.Option
		if cfg.Prefix != "" {
			opts = append(opts, redis.WithPrefix(cfg.Prefix))
		}
		return redis.New(goredis.NewClient(ropts), opts...), nil
	}
	return nil, fmt.Errorf("credits/backend: unknown driver %q", cfg.Driver)
}

func requireDSN(cfg Config) error {
	if cfg.DSN == "" {
		return fmt.Errorf("credits/backend: %s requires a dsn", cfg.Driver)
	}
	return nil
}
