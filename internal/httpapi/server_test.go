package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vaultkit/vaultsync/internal/obs"
	"github.com/vaultkit/vaultsync/internal/tabsync"
	"github.com/vaultkit/vaultsync/internal/vaultsync"
)

func newTestServer(t *testing.T, executor vaultsync.SyncExecutor, cfg ServerConfig, offline bool) (*httptest.Server, *vaultsync.WriteQueue) {
	t.Helper()
	if executor == nil {
		executor = func(ctx context.Context, batch []vaultsync.QueuedOperation) error { return nil }
	}
	queue, err := vaultsync.NewWriteQueue(vaultsync.WriteQueueOptions{
		Executor:     executor,
		Config:       vaultsync.QueueConfig{MaxRetries: 1, InitialRetryDelay: time.Millisecond},
		StartOffline: offline,
		DisableTimer: true,
	})
	if err != nil {
		t.Fatalf("new write queue failed: %v", err)
	}
	t.Cleanup(queue.Destroy)

	coordinator := tabsync.NewCoordinator(tabsync.CoordinatorOptions{})
	coordinator.Initialize()
	t.Cleanup(coordinator.Destroy)

	server := httptest.NewServer(NewServerWithConfig(queue, coordinator, obs.NewMetrics(), cfg))
	t.Cleanup(server.Close)
	return server, queue
}

func doJSON(t *testing.T, method, url string, body interface{}, token string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body failed: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request failed: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	server, _ := newTestServer(t, nil, ServerConfig{}, false)

	resp, _ := doJSON(t, http.MethodGet, server.URL+"/health", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health returned %d", resp.StatusCode)
	}
	metricsResp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("metrics returned %d", metricsResp.StatusCode)
	}
}

func TestEnqueueAndStatusRoutes(t *testing.T) {
	server, _ := newTestServer(t, nil, ServerConfig{}, false)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/queue/operations", vaultsync.EnqueueRequest{
		Kind:       vaultsync.OpCreate,
		EntityType: "note",
		EntityID:   "n1",
	}, "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enqueue returned %d", resp.StatusCode)
	}
	var result vaultsync.EnqueueResult
	data, _ := json.Marshal(body)
	if err := json.Unmarshal(data, &result); err != nil || !result.Success {
		t.Fatalf("unexpected enqueue body: %s", data)
	}

	resp, body = doJSON(t, http.MethodGet, server.URL+"/v1/queue/status", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status returned %d", resp.StatusCode)
	}
	var pending int
	if err := json.Unmarshal(body["pending"], &pending); err != nil || pending != 1 {
		t.Fatalf("expected pending=1, got %s", body["pending"])
	}

	resp, _ = doJSON(t, http.MethodGet, server.URL+"/v1/queue/operations", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("operations returned %d", resp.StatusCode)
	}
}

func TestEnqueueInvalidKindReturnsBadRequest(t *testing.T) {
	server, _ := newTestServer(t, nil, ServerConfig{}, false)
	resp, _ := doJSON(t, http.MethodPost, server.URL+"/v1/queue/operations", map[string]string{
		"kind": "upsert",
	}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestForceSyncWhileOfflineReturnsConflict(t *testing.T) {
	server, _ := newTestServer(t, nil, ServerConfig{}, true)
	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/queue/sync", nil, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	var code string
	if err := json.Unmarshal(body["code"], &code); err != nil || code != "offline" {
		t.Fatalf("expected offline code, got %s", body["code"])
	}
}

func TestDeadLetterRoutes(t *testing.T) {
	executor := func(ctx context.Context, batch []vaultsync.QueuedOperation) error {
		return errors.New("backend rejected batch")
	}
	server, queue := newTestServer(t, executor, ServerConfig{}, false)

	result := queue.Enqueue(vaultsync.EnqueueRequest{Kind: vaultsync.OpUpdate, EntityType: "note", EntityID: "n1"})
	queue.ProcessQueue(context.Background())

	resp, body := doJSON(t, http.MethodGet, server.URL+"/v1/queue/dead-letter", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dead-letter list returned %d", resp.StatusCode)
	}
	var entries []vaultsync.DeadLetterEntry
	if err := json.Unmarshal(body["entries"], &entries); err != nil || len(entries) != 1 {
		t.Fatalf("expected one entry, got %s", body["entries"])
	}
	if entries[0].LastError != "backend rejected batch" {
		t.Fatalf("lastError mangled: %q", entries[0].LastError)
	}

	resp, _ = doJSON(t, http.MethodPost, server.URL+"/v1/queue/dead-letter/"+result.OperationID+"/retry", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry returned %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, server.URL+"/v1/queue/dead-letter/"+result.OperationID+"/retry", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second retry must 404, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, server.URL+"/v1/queue/dead-letter/unknown-id", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("dismiss of unknown id must 404, got %d", resp.StatusCode)
	}
}

func TestClearQueueRoute(t *testing.T) {
	server, queue := newTestServer(t, nil, ServerConfig{}, true)
	queue.Enqueue(vaultsync.EnqueueRequest{Kind: vaultsync.OpCreate, EntityType: "note", EntityID: "n1"})
	queue.Enqueue(vaultsync.EnqueueRequest{Kind: vaultsync.OpCreate, EntityType: "note", EntityID: "n2"})

	resp, body := doJSON(t, http.MethodPost, server.URL+"/v1/queue/clear", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear returned %d", resp.StatusCode)
	}
	var removed int
	if err := json.Unmarshal(body["removed"], &removed); err != nil || removed != 2 {
		t.Fatalf("expected removed=2, got %s", body["removed"])
	}
}

func TestTabsRoute(t *testing.T) {
	server, _ := newTestServer(t, nil, ServerConfig{}, false)
	resp, body := doJSON(t, http.MethodGet, server.URL+"/v1/tabs", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tabs returned %d", resp.StatusCode)
	}
	var canWrite bool
	if err := json.Unmarshal(body["canWrite"], &canWrite); err != nil || !canWrite {
		t.Fatalf("single-context tabs must report canWrite, got %s", body["canWrite"])
	}
}

func TestBearerAuthGuardsRoutes(t *testing.T) {
	server, _ := newTestServer(t, nil, ServerConfig{AuthToken: "sekrit"}, false)

	resp, _ := doJSON(t, http.MethodGet, server.URL+"/v1/queue/status", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token must 401, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, server.URL+"/v1/queue/status", nil, "wrong")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token must 401, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, server.URL+"/v1/queue/status", nil, "sekrit")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token rejected: %d", resp.StatusCode)
	}

	// Health stays reachable without a token.
	resp, _ = doJSON(t, http.MethodGet, server.URL+"/health", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", resp.StatusCode)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	server, _ := newTestServer(t, nil, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute}, false)

	for i := 0; i < 2; i++ {
		resp, _ := doJSON(t, http.MethodGet, server.URL+"/v1/queue/status", nil, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d unexpectedly limited: %d", i, resp.StatusCode)
		}
	}
	resp, _ := doJSON(t, http.MethodGet, server.URL+"/v1/queue/status", nil, "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
}

func TestBodyLimitReturns413(t *testing.T) {
	server, _ := newTestServer(t, nil, ServerConfig{MaxBodyBytes: 32}, false)
	big := map[string]string{"entityId": "0123456789012345678901234567890123456789"}
	resp, _ := doJSON(t, http.MethodPost, server.URL+"/v1/queue/operations", big, "")
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	server, _ := newTestServer(t, nil, ServerConfig{}, false)
	resp, _ := doJSON(t, http.MethodGet, server.URL+"/v1/nope", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
