package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vaultkit/vaultsync/internal/obs"
	"github.com/vaultkit/vaultsync/internal/tabsync"
	"github.com/vaultkit/vaultsync/internal/vaultsync"
)

type ServerConfig struct {
	// AuthToken protects the control surface. Empty disables auth, which is
	// only sensible for loopback-bound listeners.
	AuthToken       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server exposes the queue and coordinator contract over HTTP: live status
// for indicator UIs plus the user actions (force sync, clear, dead-letter
// retry/dismiss) that map directly onto the queue API.
type Server struct {
	queue       *vaultsync.WriteQueue
	coordinator *tabsync.Coordinator
	metrics     *obs.Metrics
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(queue *vaultsync.WriteQueue, coordinator *tabsync.Coordinator, metrics *obs.Metrics) *Server {
	return NewServerWithConfig(queue, coordinator, metrics, ServerConfig{})
}

func NewServerWithConfig(queue *vaultsync.WriteQueue, coordinator *tabsync.Coordinator, metrics *obs.Metrics, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		queue:       queue,
		coordinator: coordinator,
		metrics:     metrics,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		if s.metrics == nil {
			writeError(w, http.StatusNotFound, "not_found", "metrics disabled")
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}

	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}
	if authErr := s.authorize(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}

	switch {
	case r.URL.Path == "/v1/queue/status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.queue.Status())
	case r.URL.Path == "/v1/queue/operations" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"operations": s.queue.PendingOperations(),
		})
	case r.URL.Path == "/v1/queue/operations" && r.Method == http.MethodPost:
		s.handleEnqueue(w, r)
	case r.URL.Path == "/v1/queue/sync" && r.Method == http.MethodPost:
		s.handleForceSync(w, r)
	case r.URL.Path == "/v1/queue/clear" && r.Method == http.MethodPost:
		writeJSON(w, http.StatusOK, map[string]int{"removed": s.queue.ClearQueue()})
	case r.URL.Path == "/v1/queue/dead-letter" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"entries": s.queue.DeadLetterEntries(),
		})
	case r.URL.Path == "/v1/queue/dead-letter/retry-all" && r.Method == http.MethodPost:
		writeJSON(w, http.StatusOK, map[string]int{"retried": s.queue.RetryAllDeadLetter()})
	case strings.HasPrefix(r.URL.Path, "/v1/queue/dead-letter/"):
		s.handleDeadLetterItem(w, r)
	case r.URL.Path == "/v1/tabs" && r.Method == http.MethodGet:
		s.handleTabs(w)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req vaultsync.EnqueueRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	result := s.queue.Enqueue(req)
	status := http.StatusAccepted
	if !result.Success {
		if result.Blocked {
			status = http.StatusTooManyRequests
		} else {
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, result)
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	err := s.queue.ForceSync(r.Context())
	if errors.Is(err, vaultsync.ErrOffline) {
		writeError(w, http.StatusConflict, "offline", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.queue.Status())
}

func (s *Server) handleDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/queue/dead-letter/")
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 2 && parts[1] == "retry" && r.Method == http.MethodPost:
		if !s.queue.RetryDeadLetter(parts[0]) {
			writeError(w, http.StatusNotFound, "not_found", "dead-letter entry not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"retried": true})
	case len(parts) == 1 && parts[0] != "" && r.Method == http.MethodDelete:
		if !s.queue.DismissDeadLetter(parts[0]) {
			writeError(w, http.StatusNotFound, "not_found", "dead-letter entry not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"dismissed": true})
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleTabs(w http.ResponseWriter) {
	if s.coordinator == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"tabs":     []tabsync.TabRecord{},
			"active":   0,
			"canWrite": true,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tabs":     s.coordinator.Tabs(),
		"active":   s.coordinator.ActiveTabCount(),
		"canWrite": s.coordinator.CanWrite(),
	})
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
