package core

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"prefabcore/internal/infra/persistence/memory"
	"prefabcore/internal/infra/persistence/sqlite"
)

func TestOpenPersistentStoreDefaultsToMemory(t *testing.T) {
	withEnv(t, EnvStorageDriver, "")
	store, err := OpenPersistentStore(nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
	if n := len(store.RulesEngine().Rules()); n != 2 {
		t.Fatalf("nil engine should select default rules, got %d", n)
	}
}

func TestOpenPersistentStoreSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "prefabs.db")
	withEnv(t, EnvStorageDriver, string(StorageSQLite))
	withEnv(t, EnvSQLitePath, path)

	store, err := OpenPersistentStore(NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sq, ok := store.(*sqlite.Store)
	if !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	svc := NewService(store)
	if _, _, err := svc.CreateTemplate(context.Background(), "Child.prefab", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sq.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenStore(StorageSQLite, path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.(*sqlite.Store).Close() })
	if _, ok := reopened.GetTemplateByPath("Child.prefab"); !ok {
		t.Fatalf("expected template to survive reopen")
	}
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	withEnv(t, EnvStorageDriver, "cassandra")
	if _, err := OpenPersistentStore(nil); err == nil || !strings.Contains(err.Error(), "cassandra") {
		t.Fatalf("expected unknown driver error, got %v", err)
	}
}
