package tabsync

import (
	"errors"
	"sync"
)

var (
	ErrChannelClosed = errors.New("channel closed")
)

// Channel is the inter-context broadcast transport: best-effort, unordered
// across contexts, and sender-excluded. Implementations must tolerate
// receivers being set after messages start flowing (early frames drop).
type Channel interface {
	Send(msg ChannelMessage) error
	SetReceiver(fn func(ChannelMessage))
	Close() error
}

// LocalChannelGroup connects channels within one process. It backs tests and
// single-process multi-context embeddings; cross-process deployments use the
// websocket channel against a relay hub.
type LocalChannelGroup struct {
	mu       sync.Mutex
	channels map[string]map[*localChannel]struct{}
}

func NewLocalChannelGroup() *LocalChannelGroup {
	return &LocalChannelGroup{channels: map[string]map[*localChannel]struct{}{}}
}

type localChannel struct {
	group *LocalChannelGroup
	name  string

	mu       sync.Mutex
	receiver func(ChannelMessage)
	closed   bool
}

// Open joins the named channel. Every channel of the same name receives
// messages sent by any other member; the sender never receives its own.
func (g *LocalChannelGroup) Open(name string) Channel {
	ch := &localChannel{group: g, name: name}
	g.mu.Lock()
	peers, ok := g.channels[name]
	if !ok {
		peers = map[*localChannel]struct{}{}
		g.channels[name] = peers
	}
	peers[ch] = struct{}{}
	g.mu.Unlock()
	return ch
}

func (c *localChannel) Send(msg ChannelMessage) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	c.group.mu.Lock()
	peers := make([]*localChannel, 0, len(c.group.channels[c.name]))
	for peer := range c.group.channels[c.name] {
		if peer != c {
			peers = append(peers, peer)
		}
	}
	c.group.mu.Unlock()

	// Asynchronous delivery; no ordering guarantee across contexts.
	for _, peer := range peers {
		go peer.deliver(msg)
	}
	return nil
}

func (c *localChannel) deliver(msg ChannelMessage) {
	c.mu.Lock()
	fn := c.receiver
	closed := c.closed
	c.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(msg)
}

func (c *localChannel) SetReceiver(fn func(ChannelMessage)) {
	c.mu.Lock()
	c.receiver = fn
	c.mu.Unlock()
}

func (c *localChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.group.mu.Lock()
	if peers, ok := c.group.channels[c.name]; ok {
		delete(peers, c)
		if len(peers) == 0 {
			delete(c.group.channels, c.name)
		}
	}
	c.group.mu.Unlock()
	return nil
}
