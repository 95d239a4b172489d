package events

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published on the bus. Projectors and the API layer key off
// these, never off free-form strings.
const (
	TypeStateChanged    = "STATE_CHANGED"
	TypeVerdictSet      = "VERDICT_SET"
	TypeRunFinished     = "RUN_FINISHED"
	TypeDeployRecorded  = "DEPLOY_RECORDED"
	TypeSyncCompleted   = "SYNC_COMPLETED"
	TypeWebhookReceived = "WEBHOOK_RECEIVED"
)

// Event is the envelope for every in-process notification.
type Event struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Source  string                 `json:"source"`
	Subject string                 `json:"subject,omitempty"`
	Time    time.Time              `json:"time"`
	Data    map[string]interface{} `json:"data"`
}

// Emitter is the publishing side of the bus. Services depend on this
// interface so tests can substitute a recorder.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Bus is an in-process pub/sub event bus. Delivery is best-effort: a full
// subscriber channel drops the event rather than blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	allSubs     []chan *Event
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  256,
	}
}

// Subscribe returns a channel receiving events of the given types.
// Pass no types to receive everything.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := make([]chan *Event, 0, len(subs))
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}
	filtered := make([]chan *Event, 0, len(b.allSubs))
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
	close(ch)
}

// Emit creates and publishes an event.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	ev := &Event{
		ID:      fmt.Sprintf("ev-%s", uuid.NewString()),
		Type:    eventType,
		Source:  source,
		Subject: subject,
		Time:    time.Now().UTC(),
		Data:    data,
	}
	b.publish(ev)
}

func (b *Bus) publish(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[ev.Type] {
		select {
		case ch <- ev:
		default:
			b.logger.Printf("⚠️  subscriber full, dropping %s for %s", ev.Type, ev.Subject)
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.allSubs)
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}
