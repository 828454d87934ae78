package tabsync

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"nhooyr.io/websocket"

	"github.com/vaultkit/vaultsync/internal/obs"
)

// WebsocketChannel implements Channel over a relay hub connection. The
// client connects in the background and reconnects with exponential backoff;
// while disconnected, sends are dropped and inbound frames are lost. The
// heartbeat protocol tolerates both.
type WebsocketChannel struct {
	url    string
	logger *obs.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	receiver func(ChannelMessage)
	closed   bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DialChannel joins the named channel on the relay at relayURL (ws:// or
// wss://). It returns immediately; the connection is established in the
// background.
func DialChannel(relayURL, name string, logger *obs.Logger) (*WebsocketChannel, error) {
	relayURL = strings.TrimRight(strings.TrimSpace(relayURL), "/")
	if relayURL == "" || strings.TrimSpace(name) == "" {
		return nil, ErrChannelClosed
	}
	if logger == nil {
		logger = obs.NewLogger()
	}
	c := &WebsocketChannel{
		url:    relayURL + relayChannelPrefix + url.PathEscape(name),
		logger: logger,
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c, nil
}

func (c *WebsocketChannel) run() {
	defer c.wg.Done()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	for {
		select {
		case <-c.done:
			return
		default:
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, _, err := websocket.Dial(dialCtx, c.url, nil)
		cancel()
		if err != nil {
			wait := policy.NextBackOff()
			c.logger.Error(map[string]interface{}{
				"msg":      "channel dial failed",
				"err":      err.Error(),
				"retry_in": wait.String(),
			})
			select {
			case <-c.done:
				return
			case <-time.After(wait):
			}
			continue
		}
		policy.Reset()

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}
}

func (c *WebsocketChannel) readLoop(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		var msg ChannelMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.mu.Lock()
		fn := c.receiver
		c.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
}

func (c *WebsocketChannel) Send(msg ChannelMessage) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if conn == nil {
		// Disconnected: best-effort transport drops the message.
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *WebsocketChannel) SetReceiver(fn func(ChannelMessage)) {
	c.mu.Lock()
	c.receiver = fn
	c.mu.Unlock()
}

func (c *WebsocketChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		close(c.done)
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "")
		}
		c.wg.Wait()
	})
	return nil
}
