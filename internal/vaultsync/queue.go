package vaultsync

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaultkit/vaultsync/internal/obs"
)

type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusProcessing OperationStatus = "processing"
)

// QueuedOperation is a pending vault mutation. Owned by the queue from
// Enqueue until success or dead-letter.
type QueuedOperation struct {
	ID          string          `json:"id"`
	Kind        OperationKind   `json:"kind"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	RetryCount  int             `json:"retryCount"`
	NextRetryAt time.Time       `json:"nextRetryAt"`
	Status      OperationStatus `json:"status"`
}

// DeadLetterEntry quarantines an operation that exhausted its retry budget.
// It survives ClearQueue and is purged automatically at PurgeAt.
type DeadLetterEntry struct {
	ID         string          `json:"id"`
	Kind       OperationKind   `json:"kind"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	FailedAt   time.Time       `json:"failedAt"`
	LastError  string          `json:"lastError"`
	PurgeAt    time.Time       `json:"purgeAt"`
}

type QueueConfig struct {
	MaxQueueSize      int
	MaxRetries        int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	DeadLetterTTL     time.Duration
	ProcessInterval   time.Duration
}

const (
	defaultMaxQueueSize      = 100
	defaultMaxRetries        = 5
	defaultInitialRetryDelay = time.Second
	defaultMaxRetryDelay     = time.Minute
	defaultDeadLetterTTL     = 7 * 24 * time.Hour
	defaultProcessInterval   = 5 * time.Second
)

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = defaultMaxQueueSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.InitialRetryDelay <= 0 {
		c.InitialRetryDelay = defaultInitialRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = defaultMaxRetryDelay
	}
	if c.MaxRetryDelay < c.InitialRetryDelay {
		c.MaxRetryDelay = c.InitialRetryDelay
	}
	if c.DeadLetterTTL <= 0 {
		c.DeadLetterTTL = defaultDeadLetterTTL
	}
	if c.ProcessInterval <= 0 {
		c.ProcessInterval = defaultProcessInterval
	}
	return c
}

type EnqueueRequest struct {
	Kind       OperationKind   `json:"kind"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type EnqueueResult struct {
	Success     bool   `json:"success"`
	Blocked     bool   `json:"blocked"`
	OperationID string `json:"operationId,omitempty"`
	Message     string `json:"message,omitempty"`
}

type QueueStatus struct {
	Online       bool `json:"online"`
	Syncing      bool `json:"syncing"`
	Pending      int  `json:"pending"`
	Processing   int  `json:"processing"`
	DeadLetter   int  `json:"deadLetter"`
	Blocked      bool `json:"blocked"`
	CapacityUsed int  `json:"capacityUsed"`
	CapacityMax  int  `json:"capacityMax"`
}

type failedBatch struct {
	Operations []QueuedOperation `json:"operations"`
	Error      string            `json:"error"`
}

// SyncExecutor applies an ordered batch against the remote backend.
// Failure is all-or-nothing per batch: a returned error means nothing in the
// batch was applied. Delivery is at-least-once; executors must be idempotent.
type SyncExecutor func(ctx context.Context, batch []QueuedOperation) error

type WriteQueueOptions struct {
	Store     KVStore
	Executor  SyncExecutor
	Config    QueueConfig
	Validator *PayloadValidator
	Logger    *obs.Logger
	Metrics   *obs.Metrics

	// StartOffline constructs the queue in offline mode; the owner flips it
	// with SetOnline once connectivity is established.
	StartOffline bool

	// DisableTimer suppresses the background processing loop. Passes then run
	// only via ProcessQueue/ForceSync and the online transition.
	DisableTimer bool

	now   func() time.Time
	newID func() string
}

// WriteQueue is a durable FIFO-ish buffer of pending vault mutations with
// retry/backoff, capacity backpressure and a dead-letter quarantine.
type WriteQueue struct {
	mu          sync.Mutex
	cfg         QueueConfig
	store       KVStore
	executor    SyncExecutor
	validator   *PayloadValidator
	logger      *obs.Logger
	metrics     *obs.Metrics
	now         func() time.Time
	newID       func() string
	bus         *eventBus
	pending     []*QueuedOperation
	deadLetters map[string]DeadLetterEntry
	online      bool
	syncing     bool
	destroyed   bool
	done        chan struct{}
	destroyOnce sync.Once
	wg          sync.WaitGroup
}

func NewWriteQueue(opts WriteQueueOptions) (*WriteQueue, error) {
	if opts.Executor == nil {
		return nil, ErrInvalidInput
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryKVStore()
	}
	logger := opts.Logger
	if logger == nil {
		logger = obs.NewLogger()
	}
	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	idFn := opts.newID
	if idFn == nil {
		idFn = uuid.NewString
	}
	q := &WriteQueue{
		cfg:         opts.Config.withDefaults(),
		store:       store,
		executor:    opts.Executor,
		validator:   opts.Validator,
		logger:      logger,
		metrics:     opts.Metrics,
		now:         nowFn,
		newID:       idFn,
		bus:         newEventBus(logger),
		deadLetters: map[string]DeadLetterEntry{},
		online:      !opts.StartOffline,
		done:        make(chan struct{}),
	}
	q.loadPersisted()
	if notifier, ok := store.(ChangeNotifier); ok {
		notifier.OnExternalChange(func() {
			q.bus.publish(Event{Type: EventStatusChange, Data: q.Status()})
		})
	}
	if !opts.DisableTimer {
		q.wg.Add(1)
		go q.run()
	}
	return q, nil
}

// loadPersisted restores the pending and dead-letter lists. Operations left
// in processing state by a previous crash or reload are reset to pending: no
// batch can legitimately be mid-flight across a restart. Malformed persisted
// data is logged and treated as empty rather than failing construction.
func (q *WriteQueue) loadPersisted() {
	if raw, ok := q.store.Get(KeyPendingOperations); ok && raw != "" {
		var ops []*QueuedOperation
		if err := json.Unmarshal([]byte(raw), &ops); err != nil {
			q.logger.Error(map[string]interface{}{
				"msg": "discarding malformed pending operations",
				"err": err.Error(),
			})
		} else {
			for _, op := range ops {
				if op == nil || op.ID == "" {
					continue
				}
				if op.Status == StatusProcessing {
					op.Status = StatusPending
				}
				q.pending = append(q.pending, op)
			}
		}
	}
	if raw, ok := q.store.Get(KeyDeadLetters); ok && raw != "" {
		var entries []DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			q.logger.Error(map[string]interface{}{
				"msg": "discarding malformed dead-letter entries",
				"err": err.Error(),
			})
		} else {
			for _, entry := range entries {
				if entry.ID == "" {
					continue
				}
				q.deadLetters[entry.ID] = entry
			}
		}
	}
	q.updateGaugesLocked()
}

func (q *WriteQueue) run() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.ProcessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.ProcessQueue(context.Background())
		}
	}
}

// Enqueue accepts a mutation for eventual delivery. It rejects with
// Blocked=true at capacity and never fails hard on persistence errors:
// durability is best-effort.
func (q *WriteQueue) Enqueue(req EnqueueRequest) EnqueueResult {
	switch req.Kind {
	case OpCreate, OpUpdate, OpDelete:
	default:
		q.countEnqueue("invalid")
		return EnqueueResult{Message: "unknown operation kind"}
	}
	if err := q.validator.Validate(req.EntityType, req.Payload); err != nil {
		q.countEnqueue("invalid")
		return EnqueueResult{Message: err.Error()}
	}

	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return EnqueueResult{Message: "queue destroyed"}
	}
	if len(q.pending) >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		q.countEnqueue("blocked")
		return EnqueueResult{Blocked: true, Message: "queue is full"}
	}
	now := q.now()
	op := &QueuedOperation{
		ID:          q.newID(),
		Kind:        req.Kind,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Payload:     req.Payload,
		EnqueuedAt:  now,
		NextRetryAt: now,
		Status:      StatusPending,
	}
	q.pending = append(q.pending, op)
	q.persistPendingLocked()
	q.updateGaugesLocked()
	status := q.statusLocked()
	q.mu.Unlock()

	q.countEnqueue("accepted")
	q.bus.publish(Event{Type: EventStatusChange, Data: status})
	return EnqueueResult{Success: true, OperationID: op.ID}
}

// ProcessQueue runs one pass: purge expired dead letters, hand every due
// pending operation to the executor as one batch (oldest first), then apply
// the outcome. No-op while offline, during another pass, or after Destroy.
func (q *WriteQueue) ProcessQueue(ctx context.Context) {
	q.mu.Lock()
	if q.destroyed || !q.online || q.syncing {
		q.mu.Unlock()
		return
	}
	q.purgeDeadLettersLocked()

	now := q.now()
	var batch []QueuedOperation
	for _, op := range q.pending {
		if op.Status != StatusPending || op.NextRetryAt.After(now) {
			continue
		}
		op.Status = StatusProcessing
		batch = append(batch, *op)
	}
	if len(batch) == 0 {
		q.updateGaugesLocked()
		q.mu.Unlock()
		return
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].EnqueuedAt.Before(batch[j].EnqueuedAt)
	})
	q.syncing = true
	q.persistPendingLocked()
	q.updateGaugesLocked()
	status := q.statusLocked()
	q.mu.Unlock()

	q.bus.publish(Event{Type: EventStatusChange, Data: status})
	err := q.executor(ctx, batch)

	q.mu.Lock()
	if q.destroyed {
		// Executor settled after Destroy; its result must not mutate state.
		q.mu.Unlock()
		return
	}
	if err == nil {
		q.countSync("success")
		q.removeBatchLocked(batch)
		q.persistPendingLocked()
	} else {
		q.countSync("fail")
		q.failBatchLocked(batch, err.Error())
		q.persistPendingLocked()
		q.persistDeadLettersLocked()
	}
	q.syncing = false
	q.updateGaugesLocked()
	status = q.statusLocked()
	q.mu.Unlock()

	if err == nil {
		q.bus.publish(Event{Type: EventOperationComplete, Data: batch})
	} else {
		q.bus.publish(Event{Type: EventOperationFailed, Data: failedBatch{Operations: batch, Error: err.Error()}})
	}
	q.bus.publish(Event{Type: EventStatusChange, Data: status})
}

func (q *WriteQueue) removeBatchLocked(batch []QueuedOperation) {
	ids := make(map[string]struct{}, len(batch))
	for _, op := range batch {
		ids[op.ID] = struct{}{}
	}
	kept := q.pending[:0]
	for _, op := range q.pending {
		if _, gone := ids[op.ID]; !gone {
			kept = append(kept, op)
		}
	}
	q.pending = kept
}

// failBatchLocked applies the retry policy to every operation of a failed
// batch: bump the attempt counter, dead-letter at the retry limit, otherwise
// reschedule with capped exponential backoff.
func (q *WriteQueue) failBatchLocked(batch []QueuedOperation, errText string) {
	ids := make(map[string]struct{}, len(batch))
	for _, op := range batch {
		ids[op.ID] = struct{}{}
	}
	now := q.now()
	kept := q.pending[:0]
	for _, op := range q.pending {
		if _, failed := ids[op.ID]; !failed {
			kept = append(kept, op)
			continue
		}
		op.RetryCount++
		if op.RetryCount >= q.cfg.MaxRetries {
			q.deadLetters[op.ID] = DeadLetterEntry{
				ID:         op.ID,
				Kind:       op.Kind,
				EntityType: op.EntityType,
				EntityID:   op.EntityID,
				Payload:    op.Payload,
				FailedAt:   now,
				LastError:  errText,
				PurgeAt:    now.Add(q.cfg.DeadLetterTTL),
			}
			if q.metrics != nil {
				q.metrics.DeadLetterTotal.Inc()
			}
			continue
		}
		op.Status = StatusPending
		op.NextRetryAt = now.Add(q.backoffDelay(op.RetryCount))
		if q.metrics != nil {
			q.metrics.RetryTotal.Inc()
		}
		kept = append(kept, op)
	}
	q.pending = kept
}

// backoffDelay grows geometrically with the attempt count and is clamped at
// MaxRetryDelay for arbitrarily large counts.
func (q *WriteQueue) backoffDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := q.cfg.InitialRetryDelay
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay <= 0 || delay >= q.cfg.MaxRetryDelay {
			return q.cfg.MaxRetryDelay
		}
	}
	if delay > q.cfg.MaxRetryDelay {
		return q.cfg.MaxRetryDelay
	}
	return delay
}

func (q *WriteQueue) purgeDeadLettersLocked() {
	now := q.now()
	changed := false
	for id, entry := range q.deadLetters {
		if !entry.PurgeAt.After(now) {
			delete(q.deadLetters, id)
			changed = true
		}
	}
	if changed {
		q.persistDeadLettersLocked()
	}
}

// ForceSync is one immediate pass. Unlike the background timer it surfaces
// offline misuse as a hard error instead of silently doing nothing.
func (q *WriteQueue) ForceSync(ctx context.Context) error {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return ErrInvalidState
	}
	if !q.online {
		q.mu.Unlock()
		q.countSync("offline")
		return ErrOffline
	}
	q.mu.Unlock()
	q.ProcessQueue(ctx)
	return nil
}

// ClearQueue drops every pending and processing operation. Dead letters are
// untouched: audit history of permanent failures outlives queue resets.
func (q *WriteQueue) ClearQueue() int {
	q.mu.Lock()
	removed := len(q.pending)
	q.pending = nil
	q.persistPendingLocked()
	q.updateGaugesLocked()
	status := q.statusLocked()
	q.mu.Unlock()
	q.bus.publish(Event{Type: EventStatusChange, Data: status})
	return removed
}

// RetryDeadLetter moves an entry back to pending with a fresh retry budget.
// Returns false when the id is unknown or the queue has no capacity left.
func (q *WriteQueue) RetryDeadLetter(id string) bool {
	q.mu.Lock()
	moved := q.retryDeadLetterLocked(id)
	var status QueueStatus
	if moved {
		q.persistPendingLocked()
		q.persistDeadLettersLocked()
		q.updateGaugesLocked()
		status = q.statusLocked()
	}
	q.mu.Unlock()
	if moved {
		q.bus.publish(Event{Type: EventStatusChange, Data: status})
	}
	return moved
}

func (q *WriteQueue) retryDeadLetterLocked(id string) bool {
	entry, ok := q.deadLetters[id]
	if !ok {
		return false
	}
	if len(q.pending) >= q.cfg.MaxQueueSize {
		return false
	}
	delete(q.deadLetters, id)
	now := q.now()
	q.pending = append(q.pending, &QueuedOperation{
		ID:          entry.ID,
		Kind:        entry.Kind,
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		Payload:     entry.Payload,
		EnqueuedAt:  now,
		NextRetryAt: now,
		Status:      StatusPending,
	})
	return true
}

func (q *WriteQueue) RetryAllDeadLetter() int {
	q.mu.Lock()
	ids := make([]string, 0, len(q.deadLetters))
	for id := range q.deadLetters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return q.deadLetters[ids[i]].FailedAt.Before(q.deadLetters[ids[j]].FailedAt)
	})
	moved := 0
	for _, id := range ids {
		if q.retryDeadLetterLocked(id) {
			moved++
		}
	}
	var status QueueStatus
	if moved > 0 {
		q.persistPendingLocked()
		q.persistDeadLettersLocked()
		q.updateGaugesLocked()
		status = q.statusLocked()
	}
	q.mu.Unlock()
	if moved > 0 {
		q.bus.publish(Event{Type: EventStatusChange, Data: status})
	}
	return moved
}

func (q *WriteQueue) DismissDeadLetter(id string) bool {
	q.mu.Lock()
	_, ok := q.deadLetters[id]
	if ok {
		delete(q.deadLetters, id)
		q.persistDeadLettersLocked()
		q.updateGaugesLocked()
	}
	status := q.statusLocked()
	q.mu.Unlock()
	if ok {
		q.bus.publish(Event{Type: EventStatusChange, Data: status})
	}
	return ok
}

func (q *WriteQueue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

func (q *WriteQueue) statusLocked() QueueStatus {
	pending, processing := 0, 0
	for _, op := range q.pending {
		if op.Status == StatusProcessing {
			processing++
		} else {
			pending++
		}
	}
	used := pending + processing
	return QueueStatus{
		Online:       q.online,
		Syncing:      q.syncing,
		Pending:      pending,
		Processing:   processing,
		DeadLetter:   len(q.deadLetters),
		Blocked:      used >= q.cfg.MaxQueueSize,
		CapacityUsed: used,
		CapacityMax:  q.cfg.MaxQueueSize,
	}
}

func (q *WriteQueue) PendingOperations() []QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops := make([]QueuedOperation, 0, len(q.pending))
	for _, op := range q.pending {
		ops = append(ops, *op)
	}
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].EnqueuedAt.Before(ops[j].EnqueuedAt)
	})
	return ops
}

func (q *WriteQueue) DeadLetterEntries() []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := make([]DeadLetterEntry, 0, len(q.deadLetters))
	for _, entry := range q.deadLetters {
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].FailedAt.Before(entries[j].FailedAt)
	})
	return entries
}

func (q *WriteQueue) Subscribe(listener Listener) func() {
	return q.bus.subscribe(listener)
}

// SetOnline flips the connectivity flag. The offline→online transition
// triggers an immediate processing pass; no explicit force call is needed.
func (q *WriteQueue) SetOnline(online bool) {
	q.mu.Lock()
	if q.destroyed || q.online == online {
		q.mu.Unlock()
		return
	}
	q.online = online
	status := q.statusLocked()
	q.mu.Unlock()
	q.bus.publish(Event{Type: EventStatusChange, Data: status})
	if online {
		go q.ProcessQueue(context.Background())
	}
}

// Destroy stops the processing loop. Idempotent. It does not abort an
// in-flight executor call; a result that settles later is discarded.
func (q *WriteQueue) Destroy() {
	q.destroyOnce.Do(func() {
		q.mu.Lock()
		q.destroyed = true
		q.mu.Unlock()
		close(q.done)
		q.wg.Wait()
	})
}

func (q *WriteQueue) persistPendingLocked() {
	data, err := json.Marshal(q.pending)
	if err == nil {
		err = q.store.Set(KeyPendingOperations, string(data))
	}
	if err != nil {
		q.logger.Error(map[string]interface{}{
			"msg": "persisting pending operations failed",
			"err": err.Error(),
		})
	}
}

func (q *WriteQueue) persistDeadLettersLocked() {
	entries := make([]DeadLetterEntry, 0, len(q.deadLetters))
	for _, entry := range q.deadLetters {
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].FailedAt.Before(entries[j].FailedAt)
	})
	data, err := json.Marshal(entries)
	if err == nil {
		err = q.store.Set(KeyDeadLetters, string(data))
	}
	if err != nil {
		q.logger.Error(map[string]interface{}{
			"msg": "persisting dead letters failed",
			"err": err.Error(),
		})
	}
}

func (q *WriteQueue) updateGaugesLocked() {
	if q.metrics == nil {
		return
	}
	pending, processing := 0, 0
	for _, op := range q.pending {
		if op.Status == StatusProcessing {
			processing++
		} else {
			pending++
		}
	}
	q.metrics.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	q.metrics.QueueDepth.WithLabelValues("processing").Set(float64(processing))
	q.metrics.QueueDepth.WithLabelValues("dead_letter").Set(float64(len(q.deadLetters)))
}

func (q *WriteQueue) countEnqueue(result string) {
	if q.metrics != nil {
		q.metrics.EnqueueTotal.WithLabelValues(result).Inc()
	}
}

func (q *WriteQueue) countSync(result string) {
	if q.metrics != nil {
		q.metrics.SyncTotal.WithLabelValues(result).Inc()
	}
}
