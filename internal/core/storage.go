package core

import (
	"fmt"
	"os"

	"prefabcore/internal/infra/persistence/memory"
	"prefabcore/internal/infra/persistence/postgres"
	"prefabcore/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// Environment variables read by OpenPersistentStore.
const (
	EnvStorageDriver = "PREFABCORE_STORAGE_DRIVER"
	EnvSQLitePath    = "PREFABCORE_SQLITE_PATH"
	EnvPostgresDSN   = "PREFABCORE_POSTGRES_DSN"
)

// OpenPersistentStore selects a backend using environment variables.
// Defaults to memory when unset.
//
//	PREFABCORE_STORAGE_DRIVER: memory|sqlite|postgres (default memory)
//	PREFABCORE_SQLITE_PATH: path to sqlite file (default ./prefabcore.db)
//	PREFABCORE_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore(engine *RulesEngine) (PersistentStore, error) {
	driver := StorageDriver(os.Getenv(EnvStorageDriver))
	var target string
	switch driver {
	case StorageSQLite:
		target = os.Getenv(EnvSQLitePath)
	case StoragePostgres:
		target = os.Getenv(EnvPostgresDSN)
	}
	return OpenStore(driver, target, engine)
}

// OpenStore opens the named backend. target is the sqlite file path or the
// postgres DSN; memory ignores it. An empty driver selects memory.
func OpenStore(driver StorageDriver, target string, engine *RulesEngine) (PersistentStore, error) {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	switch driver {
	case "", StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		return sqlite.NewStore(target, engine)
	case StoragePostgres:
		return postgres.NewStore(target, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
