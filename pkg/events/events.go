package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ultimaops/backend-datalink/pkg/pool"
)

// WorkerKey is the pool attachment key of the distribution worker
const WorkerKey = "events-bus"

// distributeIdle bounds how long the distribution worker blocks before
// rechecking its exit flag
const distributeIdle = 200 * time.Millisecond

// EventType represents the type of event
type EventType string

const (
	EventCategoryUpdate   EventType = "category.update"
	EventConnectionOpened EventType = "connection.opened"
	EventConnectionClosed EventType = "connection.closed"
	EventBrokerStatus     EventType = "broker.status"
	EventWorkerStopped    EventType = "worker.stopped"
)

// Event represents a gateway event
type Event struct {
	Type      EventType
	Source    string
	Category  string
	Data      json.RawMessage
	Message   string
	Timestamp time.Time
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	dropped     atomic.Int64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start runs the event distribution loop as a pool worker registered
// under WorkerKey
func (b *Broker) Start(p *pool.Pool) error {
	id, err := p.Spawn(b.run)
	if err != nil {
		return err
	}
	return p.Register(WorkerKey, id)
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
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

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run(h *pool.Handle) {
	for !h.ShouldExit() {
		h.CheckPause()
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		case <-time.After(distributeIdle):
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
			// Subscriber buffer full, skip
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many events were skipped because a subscriber
// buffer was full
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}
