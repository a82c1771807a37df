package events

import (
	"sync"
	"time"

	"github.com/cuemby/keeper/pkg/types"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventServiceInstalled   EventType = "service.installed"
	EventServiceUninstalled EventType = "service.uninstalled"
	EventServiceStarted     EventType = "service.started"
	EventServiceStopped     EventType = "service.stopped"
	EventHealthChanged      EventType = "health.changed"
	EventDependencyBroken   EventType = "dependency.broken"
	EventDependencyHealed   EventType = "dependency.healed"
)

// Event is a change committed to the store
type Event struct {
	ID        string
	Type      EventType
	Service   types.ServiceID
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// New creates an event with a fresh id
func New(typ EventType, service types.ServiceID, message string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Service:   service,
		Timestamp: time.Now(),
		Message:   message,
		Metadata:  make(map[string]string),
	}
}

// With sets a metadata entry and returns the event
func (e *Event) With(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Publisher accepts events. A nil Publisher is never passed around; use
// Discard instead.
type Publisher interface {
	Publish(event *Event)
}

type discard struct{}

func (discard) Publish(*Event) {}

// Discard drops every event
var Discard Publisher = discard{}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
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

// Publish queues an event for all subscribers. It blocks while the queue is
// full and returns immediately once the broker is stopped.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
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
			// Slow subscriber, drop
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
