package events

import (
	"sync"
	"time"

	"github.com/cuemby/fleet/pkg/log"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventMergeCommitted        EventType = "merge.committed"
	EventMergeFailed           EventType = "merge.failed"
	EventMergeBaseImageMissing EventType = "merge.base_image_missing"
	EventWorkflowAdvanced      EventType = "workflow.advanced"
	EventDiskDetached          EventType = "disk.detached"
	EventActionDenied          EventType = "action.denied"
	EventNodeDown              EventType = "node.down"
	EventNodeUp                EventType = "node.up"
)

// auditCodes maps event types to the audit log codes operators search for.
// Types without an entry are recorded under their own name.
var auditCodes = map[EventType]string{
	EventMergeBaseImageMissing: "USER_REMOVE_SNAPSHOT_FINISHED_FAILURE_BASE_IMAGE_NOT_FOUND",
	EventDiskDetached:          "USER_DETACH_DISK_FROM_VM",
}

// AuditCode returns the audit log code for an event type
func AuditCode(t EventType) string {
	if code, ok := auditCodes[t]; ok {
		return code
	}
	return string(t)
}

// Event represents a fleet event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

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
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
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

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for all subscribers. It never blocks: when the
// queue is full the event is dropped and logged.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return
	default:
	}

	select {
	case b.eventCh <- event:
	default:
		logger := log.WithComponent("events")
		logger.Warn().
			Str("event_type", string(event.Type)).
			Msg("Event queue full, dropping event")
	}
}

// Emit is the fire-and-forget audit entry point
func (b *Broker) Emit(eventType EventType, values map[string]string) {
	b.Publish(&Event{Type: eventType, Metadata: values})
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
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
