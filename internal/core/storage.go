package core

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"wiggledb/internal/infra/persistence/memory"
	"wiggledb/internal/infra/persistence/postgres"
	"wiggledb/internal/infra/persistence/sqlite"
	"wiggledb/internal/infra/persistence/sqlstore"
	"wiggledb/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageOptions selects and configures the persistent store.
type StorageOptions struct {
	Driver      string // memory|sqlite|postgres (default sqlite)
	SQLitePath  string
	PostgresDSN string
	// Clock overrides the time source of cache timestamps.
	Clock func() time.Time
}

// OpenPersistentStore opens the backend named by opts.Driver and applies
// its schema.
func OpenPersistentStore(ctx context.Context, opts StorageOptions) (domain.PersistentStore, error) {
	driver := opts.Driver
	if driver == "" {
		driver = string(StorageSQLite)
	}
	var sqlOpts []sqlstore.Option
	if opts.Clock != nil {
		sqlOpts = append(sqlOpts, sqlstore.WithClock(opts.Clock))
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		var memOpts []memory.Option
		if opts.Clock != nil {
			memOpts = append(memOpts, memory.WithClock(opts.Clock))
		}
		return memory.NewStore(memOpts...), nil
	case StorageSQLite:
		return sqlite.NewStore(ctx, opts.SQLitePath, sqlOpts...)
	case StoragePostgres:
		return postgres.NewStore(ctx, opts.PostgresDSN, sqlOpts...)
	default:
		return nil, errors.Errorf("unknown storage driver %s", driver)
	}
}
