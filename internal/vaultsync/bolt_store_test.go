package vaultsync

import (
	"path/filepath"
	"testing"
)

func TestBoltKVStoreRoundTripAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	store, err := NewBoltKVStore(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := store.Set("a", "1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set("b", "2"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Remove("b"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if value, ok := store.Get("a"); !ok || value != "1" {
		t.Fatalf("get returned %q %v", value, ok)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewBoltKVStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if value, ok := reopened.Get("a"); !ok || value != "1" {
		t.Fatalf("value lost across reopen: %q %v", value, ok)
	}
	if _, ok := reopened.Get("b"); ok {
		t.Fatalf("removed key resurrected after reopen")
	}
}

func TestBoltKVStoreRejectsBlankInput(t *testing.T) {
	if _, err := NewBoltKVStore("  "); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput for blank path, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewBoltKVStore(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer store.Close()
	if err := store.Set("  ", "x"); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput for blank key, got %v", err)
	}
}
