package vaultsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPExecutorPostsBatch(t *testing.T) {
	var got syncBatchRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/vault/operations" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode failed: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	executor := NewHTTPExecutor(HTTPExecutorOptions{
		BaseURL: server.URL,
		Token:   "secret",
		VaultID: "vault-1",
	})
	batch := []QueuedOperation{
		{ID: "op-1", Kind: OpUpdate, EntityType: "profile", EntityID: "p1"},
		{ID: "op-2", Kind: OpDelete, EntityType: "note", EntityID: "n1"},
	}
	if err := executor(context.Background(), batch); err != nil {
		t.Fatalf("executor failed: %v", err)
	}
	if auth != "Bearer secret" {
		t.Fatalf("missing bearer token, got %q", auth)
	}
	if got.VaultID != "vault-1" || len(got.Operations) != 2 {
		t.Fatalf("unexpected request body: %+v", got)
	}
	if got.Operations[0].ID != "op-1" || got.Operations[1].ID != "op-2" {
		t.Fatalf("batch order lost: %+v", got.Operations)
	}
}

func TestHTTPExecutorSurfacesBackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    "conflict",
			"message": "stale revision",
		})
	}))
	defer server.Close()

	executor := NewHTTPExecutor(HTTPExecutorOptions{BaseURL: server.URL})
	err := executor(context.Background(), []QueuedOperation{{ID: "op-1", Kind: OpCreate}})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusUnprocessableEntity || httpErr.Code != "conflict" {
		t.Fatalf("unexpected error detail: %+v", httpErr)
	}
	if httpErr.Message != "stale revision" {
		t.Fatalf("unexpected message: %q", httpErr.Message)
	}
}

func TestHTTPExecutorPlainTextError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	executor := NewHTTPExecutor(HTTPExecutorOptions{BaseURL: server.URL})
	err := executor(context.Background(), nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Message != "backend exploded" {
		t.Fatalf("unexpected message: %q", httpErr.Message)
	}
}

func TestHTTPExecutorRespectsContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	executor := NewHTTPExecutor(HTTPExecutorOptions{BaseURL: server.URL})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := executor(ctx, nil); err == nil {
		t.Fatalf("expected error from cancelled context")
	}
}
