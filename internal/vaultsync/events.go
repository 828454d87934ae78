package vaultsync

import (
	"sync"

	"github.com/vaultkit/vaultsync/internal/obs"
)

type EventType string

const (
	EventStatusChange      EventType = "status_change"
	EventOperationComplete EventType = "operation_complete"
	EventOperationFailed   EventType = "operation_failed"
)

type Event struct {
	Type EventType
	Data interface{}
}

type Listener func(Event)

// eventBus is a subscriber list with an unsubscribe token per listener and a
// per-callback fault boundary: a panicking listener is logged and the rest
// still run.
type eventBus struct {
	mu        sync.Mutex
	nextToken int
	listeners map[int]Listener
	logger    *obs.Logger
}

func newEventBus(logger *obs.Logger) *eventBus {
	return &eventBus{
		listeners: map[int]Listener{},
		logger:    logger,
	}
}

func (b *eventBus) subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	b.mu.Lock()
	token := b.nextToken
	b.nextToken++
	b.listeners[token] = listener
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, token)
			b.mu.Unlock()
		})
	}
}

func (b *eventBus) publish(event Event) {
	b.mu.Lock()
	snapshot := make([]Listener, 0, len(b.listeners))
	for _, listener := range b.listeners {
		snapshot = append(snapshot, listener)
	}
	b.mu.Unlock()

	for _, listener := range snapshot {
		b.invoke(listener, event)
	}
}

func (b *eventBus) invoke(listener Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(map[string]interface{}{
				"msg":   "queue event listener panicked",
				"event": string(event.Type),
				"panic": r,
			})
		}
	}()
	listener(event)
}
