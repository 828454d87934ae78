package tabsync

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaultkit/vaultsync/internal/obs"
)

// TabRecord describes one known context, including this one.
type TabRecord struct {
	TabID             string    `json:"tabId"`
	LastHeartbeat     time.Time `json:"lastHeartbeat"`
	LastActivity      time.Time `json:"lastActivity"`
	HasWriteAuthority bool      `json:"hasWriteAuthority"`
	IsActive          bool      `json:"isActive"`
}

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultInactivityWindow  = 30 * time.Second
	defaultActivityThrottle  = 500 * time.Millisecond
)

type CoordinatorOptions struct {
	// Channel is the inter-context transport. A nil channel degrades to
	// single-context mode: CanWrite always reports true.
	Channel Channel

	HeartbeatInterval time.Duration
	InactivityWindow  time.Duration
	ActivityThrottle  time.Duration

	// OnAuthorityChange fires exactly once per local authority transition,
	// never once per heartbeat.
	OnAuthorityChange func(bool)
	OnChange          func(ChangePayload)
	OnConflict        func(json.RawMessage)

	Logger  *obs.Logger
	Metrics *obs.Metrics

	now   func() time.Time
	tabID string
}

type tabState struct {
	lastHeartbeat time.Time
	lastActivity  time.Time
}

// Coordinator maintains a converging designation of one writer among the
// contexts sharing a vault. Authority is advisory: callers are expected to
// consult CanWrite before local mutations, and the storage layer enforces
// nothing. Election compares self-reported activity timestamps, so it is
// best-effort under clock skew; purely-local ordering relies on the process
// clock's monotonic reading.
type Coordinator struct {
	opts CoordinatorOptions

	mu            sync.Mutex
	tabID         string
	tabs          map[string]*tabState
	hasAuthority  bool
	initialized   bool
	destroyed     bool
	lastBroadcast time.Time
	done          chan struct{}
	wg            sync.WaitGroup
	now           func() time.Time
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.InactivityWindow <= 0 {
		opts.InactivityWindow = defaultInactivityWindow
	}
	if opts.ActivityThrottle <= 0 {
		opts.ActivityThrottle = defaultActivityThrottle
	}
	if opts.Logger == nil {
		opts.Logger = obs.NewLogger()
	}
	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	tabID := opts.tabID
	if tabID == "" {
		tabID = uuid.NewString()
	}
	return &Coordinator{
		opts:  opts,
		tabID: tabID,
		tabs:  map[string]*tabState{},
		now:   nowFn,
	}
}

func (c *Coordinator) TabID() string {
	return c.tabID
}

// Initialize registers this context, wires the channel receiver and starts
// the heartbeat loop. The second and later calls are no-ops.
func (c *Coordinator) Initialize() {
	c.mu.Lock()
	if c.initialized || c.destroyed {
		c.mu.Unlock()
		return
	}
	c.initialized = true
	now := c.now()
	c.tabs[c.tabID] = &tabState{lastHeartbeat: now, lastActivity: now}
	c.done = make(chan struct{})
	c.mu.Unlock()

	if c.opts.Channel != nil {
		c.opts.Channel.SetReceiver(c.handleMessage)
	}

	c.broadcastHeartbeat()

	c.wg.Add(1)
	go c.heartbeatLoop()
}

func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.broadcastHeartbeat()
		}
	}
}

func (c *Coordinator) broadcastHeartbeat() {
	c.mu.Lock()
	if c.destroyed || !c.initialized {
		c.mu.Unlock()
		return
	}
	now := c.now()
	self := c.tabs[c.tabID]
	self.lastHeartbeat = now
	c.lastBroadcast = now
	lastActivity := self.lastActivity
	transition, authority := c.evaluateElectionLocked()
	c.mu.Unlock()

	if c.opts.Channel != nil {
		msg, err := NewMessage(TypeHeartbeat, c.tabID, HeartbeatPayload{LastActivity: lastActivity.UTC()})
		if err == nil {
			if sendErr := c.opts.Channel.Send(msg); sendErr != nil && sendErr != ErrChannelClosed {
				c.opts.Logger.Error(map[string]interface{}{
					"msg": "heartbeat broadcast failed",
					"err": sendErr.Error(),
				})
			}
		}
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.HeartbeatTotal.Inc()
	}
	c.notifyAuthority(transition, authority)
}

// RecordActivity refreshes this context's activity recency (the Go analogue
// of focus/pointer/key signals) and re-broadcasts a heartbeat, throttled so
// high-frequency signals do not flood the channel.
func (c *Coordinator) RecordActivity() {
	c.mu.Lock()
	if c.destroyed || !c.initialized {
		c.mu.Unlock()
		return
	}
	now := c.now()
	c.tabs[c.tabID].lastActivity = now
	rebroadcast := now.Sub(c.lastBroadcast) >= c.opts.ActivityThrottle
	c.mu.Unlock()

	if rebroadcast {
		c.broadcastHeartbeat()
	}
}

func (c *Coordinator) handleMessage(msg ChannelMessage) {
	if msg.TabID == "" || msg.TabID == c.tabID {
		// Never self-deliver.
		return
	}
	switch msg.Type {
	case TypeHeartbeat:
		var payload HeartbeatPayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			return
		}
		c.mu.Lock()
		if c.destroyed {
			c.mu.Unlock()
			return
		}
		peer, ok := c.tabs[msg.TabID]
		if !ok {
			peer = &tabState{}
			c.tabs[msg.TabID] = peer
		}
		peer.lastHeartbeat = c.now()
		if payload.LastActivity.After(peer.lastActivity) {
			peer.lastActivity = payload.LastActivity
		}
		transition, authority := c.evaluateElectionLocked()
		c.mu.Unlock()
		c.notifyAuthority(transition, authority)
	case TypeChange:
		if c.opts.OnChange == nil {
			return
		}
		var payload ChangePayload
		if err := msg.UnmarshalPayload(&payload); err != nil {
			return
		}
		c.opts.OnChange(payload)
	case TypeConflict:
		if c.opts.OnConflict == nil {
			return
		}
		c.opts.OnConflict(msg.Payload)
	}
}

// evaluateElectionLocked prunes stale peers and grants authority to the tab
// with the most recent activity among active tabs, breaking ties toward the
// lexicographically smaller tab id. Returns whether the local flag flipped.
func (c *Coordinator) evaluateElectionLocked() (transition bool, authority bool) {
	now := c.now()
	for id, tab := range c.tabs {
		if id == c.tabID {
			continue
		}
		if now.Sub(tab.lastHeartbeat) > c.opts.InactivityWindow {
			delete(c.tabs, id)
		}
	}

	winner := c.tabID
	winnerActivity := c.tabs[c.tabID].lastActivity
	for id, tab := range c.tabs {
		if id == c.tabID {
			continue
		}
		if tab.lastActivity.After(winnerActivity) ||
			(tab.lastActivity.Equal(winnerActivity) && id < winner) {
			winner = id
			winnerActivity = tab.lastActivity
		}
	}

	newAuthority := winner == c.tabID
	if newAuthority != c.hasAuthority {
		c.hasAuthority = newAuthority
		if c.opts.Metrics != nil {
			c.opts.Metrics.AuthorityTransitions.Inc()
			if newAuthority {
				c.opts.Metrics.HasAuthority.Set(1)
			} else {
				c.opts.Metrics.HasAuthority.Set(0)
			}
		}
		transition = true
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.ActiveTabs.Set(float64(len(c.tabs)))
	}
	return transition, c.hasAuthority
}

func (c *Coordinator) notifyAuthority(transition, authority bool) {
	if transition && c.opts.OnAuthorityChange != nil {
		c.opts.OnAuthorityChange(authority)
	}
}

// CanWrite reports whether this context may perform local mutating writes.
// Uninitialized coordinators and channel-less environments report true: a
// single context is always the writer.
func (c *Coordinator) CanWrite() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized || c.opts.Channel == nil {
		return true
	}
	return c.hasAuthority
}

// RequestAuthority re-evaluates the election and reports the outcome. It
// never preempts an active peer: a tab gains authority only by having the
// most recent activity.
func (c *Coordinator) RequestAuthority() bool {
	c.mu.Lock()
	if !c.initialized || c.opts.Channel == nil {
		c.mu.Unlock()
		return true
	}
	transition, authority := c.evaluateElectionLocked()
	c.mu.Unlock()
	c.notifyAuthority(transition, authority)
	return authority
}

// BroadcastChange publishes an application-level change notice to peers.
func (c *Coordinator) BroadcastChange(entityType, entityID, operation string, data json.RawMessage) error {
	return c.broadcast(TypeChange, ChangePayload{
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  operation,
		Data:       data,
	})
}

// BroadcastConflict publishes an opaque conflict notice to peers.
func (c *Coordinator) BroadcastConflict(conflict interface{}) error {
	return c.broadcast(TypeConflict, conflict)
}

func (c *Coordinator) broadcast(msgType MessageType, payload interface{}) error {
	c.mu.Lock()
	ready := c.initialized && !c.destroyed
	c.mu.Unlock()
	if !ready || c.opts.Channel == nil {
		return nil
	}
	msg, err := NewMessage(msgType, c.tabID, payload)
	if err != nil {
		return err
	}
	return c.opts.Channel.Send(msg)
}

// Tabs returns the known-tabs map as records, pruning stale entries first.
func (c *Coordinator) Tabs() []TabRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil
	}
	c.evaluateElectionLocked()
	now := c.now()
	holder := c.authorityHolderLocked()
	records := make([]TabRecord, 0, len(c.tabs))
	for id, tab := range c.tabs {
		records = append(records, TabRecord{
			TabID:             id,
			LastHeartbeat:     tab.lastHeartbeat,
			LastActivity:      tab.lastActivity,
			HasWriteAuthority: id == holder,
			IsActive:          now.Sub(tab.lastHeartbeat) <= c.opts.InactivityWindow,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].TabID < records[j].TabID })
	return records
}

// authorityHolderLocked names the tab the election currently favors.
func (c *Coordinator) authorityHolderLocked() string {
	winner := c.tabID
	winnerActivity := c.tabs[c.tabID].lastActivity
	for id, tab := range c.tabs {
		if id == c.tabID {
			continue
		}
		if tab.lastActivity.After(winnerActivity) ||
			(tab.lastActivity.Equal(winnerActivity) && id < winner) {
			winner = id
			winnerActivity = tab.lastActivity
		}
	}
	return winner
}

func (c *Coordinator) ActiveTabCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return 0
	}
	c.evaluateElectionLocked()
	return len(c.tabs)
}

// Destroy closes the channel and stops the heartbeat loop. Idempotent and
// safe before Initialize.
func (c *Coordinator) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	wasInitialized := c.initialized
	done := c.done
	c.mu.Unlock()

	if wasInitialized && done != nil {
		close(done)
		c.wg.Wait()
	}
	if c.opts.Channel != nil {
		_ = c.opts.Channel.Close()
	}
}
