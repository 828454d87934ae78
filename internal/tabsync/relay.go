package tabsync

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/vaultkit/vaultsync/internal/obs"
)

const relayChannelPrefix = "/v1/channels/"

// RelayHub is the process that stands in for the browser's broadcast channel
// when contexts are separate OS processes: every frame received on a named
// channel is fanned out to all other subscribers of that name. The hub never
// buffers for absent peers and never echoes to the sender; delivery is
// best-effort.
type RelayHub struct {
	logger *obs.Logger

	mu       sync.Mutex
	channels map[string]map[*relaySubscriber]struct{}
}

type relaySubscriber struct {
	conn *websocket.Conn
	send chan []byte
}

func NewRelayHub(logger *obs.Logger) *RelayHub {
	if logger == nil {
		logger = obs.NewLogger()
	}
	return &RelayHub{
		logger:   logger,
		channels: map[string]map[*relaySubscriber]struct{}{},
	}
}

func (h *RelayHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
		return
	}
	if !strings.HasPrefix(r.URL.Path, relayChannelPrefix) {
		http.NotFound(w, r)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, relayChannelPrefix)
	if name == "" || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error(map[string]interface{}{
			"msg": "websocket accept failed",
			"err": err.Error(),
		})
		return
	}
	sub := &relaySubscriber{
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.register(name, sub)
	defer h.unregister(name, sub)

	ctx := r.Context()
	go sub.writePump(ctx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		h.fanOut(name, sub, data)
	}
}

func (h *RelayHub) register(name string, sub *relaySubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers, ok := h.channels[name]
	if !ok {
		peers = map[*relaySubscriber]struct{}{}
		h.channels[name] = peers
	}
	peers[sub] = struct{}{}
}

func (h *RelayHub) unregister(name string, sub *relaySubscriber) {
	h.mu.Lock()
	if peers, ok := h.channels[name]; ok {
		delete(peers, sub)
		if len(peers) == 0 {
			delete(h.channels, name)
		}
	}
	h.mu.Unlock()
	sub.conn.Close(websocket.StatusNormalClosure, "")
}

func (h *RelayHub) fanOut(name string, from *relaySubscriber, data []byte) {
	h.mu.Lock()
	peers := make([]*relaySubscriber, 0, len(h.channels[name]))
	for peer := range h.channels[name] {
		if peer != from {
			peers = append(peers, peer)
		}
	}
	h.mu.Unlock()

	for _, peer := range peers {
		select {
		case peer.send <- data:
		default:
			// Slow subscriber; the transport is lossy.
		}
	}
}

func (s *relaySubscriber) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// SubscriberCount reports the current membership of a channel.
func (h *RelayHub) SubscriberCount(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[name])
}
