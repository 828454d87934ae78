package vaultsync

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildKVStoreFromDSNEmptyReturnsNil(t *testing.T) {
	store, err := BuildKVStoreFromDSN("   ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store != nil {
		t.Fatalf("expected nil store for empty dsn")
	}
}

func TestBuildKVStoreFromDSNMemory(t *testing.T) {
	for _, dsn := range []string{"memory://", "mem://", "inmem://"} {
		store, err := BuildKVStoreFromDSN(dsn)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", dsn, err)
		}
		if store == nil {
			t.Fatalf("%s: expected store", dsn)
		}
		if err := store.Set("k", "v"); err != nil {
			t.Fatalf("%s: set failed: %v", dsn, err)
		}
		_ = store.Close()
	}
}

func TestBuildKVStoreFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	for _, dsn := range []string{path, "file://" + path} {
		store, err := BuildKVStoreFromDSN(dsn)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", dsn, err)
		}
		if _, ok := store.(*fileKVStore); !ok {
			t.Fatalf("%s: expected file store, got %T", dsn, store)
		}
		_ = store.Close()
	}
}

func TestBuildKVStoreFromDSNBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := BuildKVStoreFromDSN("bolt://" + path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*boltKVStore); !ok {
		t.Fatalf("expected bolt store, got %T", store)
	}
	_ = store.Close()
}

func TestBuildKVStoreFromDSNNotImplemented(t *testing.T) {
	for _, dsn := range []string{"mysql://localhost/db", "sqlite://x.db"} {
		_, err := BuildKVStoreFromDSN(dsn)
		if !errors.Is(err, ErrNotImplemented) {
			t.Fatalf("%s: expected ErrNotImplemented, got %v", dsn, err)
		}
	}
}

func TestBuildKVStoreFromDSNUnsupportedScheme(t *testing.T) {
	_, err := BuildKVStoreFromDSN("redis://localhost:6379")
	if err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("expected unsupported scheme error, got %v", err)
	}
}

func TestRegisteredFactoryTakesPrecedence(t *testing.T) {
	marker := NewMemoryKVStore()
	RegisterKVStoreFactory("testscheme", func(dsn string) (KVStore, error) {
		return marker, nil
	})
	store, err := BuildKVStoreFromDSN("testscheme://anything")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store != marker {
		t.Fatalf("registered factory was not used")
	}
}

func TestBuildKVStoreFromDSNFileSchemeWithoutPath(t *testing.T) {
	if _, err := BuildKVStoreFromDSN("file://"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
