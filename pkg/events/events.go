package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/stackman/pkg/log"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventHCMapUpdated       EventType = "hc_map_updated"
	EventConcernsChanged    EventType = "concerns_changed"
	EventObjectStateChanged EventType = "object_state_changed"
	EventTaskStatusChanged  EventType = "task_status_changed"
	EventTaskFinished       EventType = "task_finished"
	EventObjectMMChanged    EventType = "object_mm_changed"
	EventBundleLoaded       EventType = "bundle_loaded"
)

// Event is one notification. Key is the owner object the event is ordered by;
// Payload is the JSON encoding of one of the payload types below.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Key       string          `json:"key"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v
func (e *Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// HCMapUpdated is published after a mapping commit
type HCMapUpdated struct {
	ClusterID uint64 `json:"cluster_id"`
}

// ConcernsChanged lists links added and removed, keyed by "type/id"
type ConcernsChanged struct {
	Added   map[string][]uint64 `json:"added,omitempty"`
	Removed map[string][]uint64 `json:"removed,omitempty"`
}

// IsEmpty reports whether no link changed
func (c *ConcernsChanged) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// ObjectStateChanged is published when state or multi-state changes
type ObjectStateChanged struct {
	Object   types.ObjectRef `json:"object"`
	OldState string          `json:"old_state"`
	NewState string          `json:"new_state"`
}

// TaskStatusChanged is published on every task status move. Failed tasks
// carry the failing script name and exit code.
type TaskStatusChanged struct {
	TaskID     uint64           `json:"task_id"`
	Owner      types.ObjectRef  `json:"owner"`
	OldStatus  types.TaskStatus `json:"old_status"`
	NewStatus  types.TaskStatus `json:"new_status"`
	FailedJob  string           `json:"failed_job,omitempty"`
	ExitCode   int              `json:"exit_code,omitempty"`
	ActionName string           `json:"action_name,omitempty"`
}

// ObjectMMChanged is published when effective maintenance mode flips
type ObjectMMChanged struct {
	Object types.ObjectRef       `json:"object"`
	Old    types.MaintenanceMode `json:"old"`
	New    types.MaintenanceMode `json:"new"`
}

// BundleLoaded is published after a bundle archive was stored
type BundleLoaded struct {
	BundleID  uint64                `json:"bundle_id"`
	Name      string                `json:"name"`
	Version   string                `json:"version"`
	Signature types.SignatureStatus `json:"signature_status"`
}

// New builds an event with a fresh id and encoded payload
func New(eventType EventType, key string, payload any) *Event {
	data, err := json.Marshal(payload)
	if err != nil {
		// payload types above always encode
		panic(fmt.Sprintf("events: cannot encode %s payload: %v", eventType, err))
	}
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Key:       key,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}
}

// Publisher accepts events
type Publisher interface {
	Publish(event *Event)
}

// Batch collects events produced inside a transaction. It is flushed after
// commit and dropped on rollback.
type Batch struct {
	mu     sync.Mutex
	events []*Event
}

// Add appends an event
func (b *Batch) Add(event *Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

// Events returns a copy of the collected events
func (b *Batch) Events() []*Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Event(nil), b.events...)
}

// Flush publishes collected events in order and empties the batch
func (b *Batch) Flush(p Publisher) {
	b.mu.Lock()
	pending := b.events
	b.events = nil
	b.mu.Unlock()

	if p == nil {
		return
	}
	for _, e := range pending {
		p.Publish(e)
	}
}

// Discard drops collected events
func (b *Batch) Discard() {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution.
// A single distribution goroutine keeps publish order for every subscriber.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	dropped     atomic.Uint64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 128)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for distribution
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
			logger := log.WithComponent("events")
			logger.Warn().
				Str("type", string(event.Type)).
				Str("key", event.Key).
				Msg("Subscriber buffer full, event dropped")
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped on full subscriber buffers
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}
