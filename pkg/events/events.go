// Package events implements the Worker Runtime's audit-log broker: every
// policy-recovery decision and terminal task transition is both persisted
// through the Store (for the Judge and retry scheduler to read) and
// broadcast in-process (for a Dashboard, out of scope here, to tail live).
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opentiger/worker-runtime/pkg/types"
)

// Persister is the subset of the Store port events need to durably record
// themselves. Implemented by pkg/storage.
type Persister interface {
	CreateEvent(ctx context.Context, event *types.Event) error
}

// Subscriber is a channel that receives events.
type Subscriber chan *types.Event

// Broker persists events through the Store and fans them out to
// in-process subscribers.
type Broker struct {
	store Persister

	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *types.Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker backed by store.
func NewBroker(store Persister) *Broker {
	return &Broker{
		store:       store,
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's persist-then-distribute loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Emit builds and queues an event for persistence and broadcast. The call
// returns as soon as the event is queued on the internal channel (buffered to
// 100 events); it blocks only while that buffer is full, and returns without
// queuing once Stop has been called.
func (b *Broker) Emit(taskID, runID string, eventType types.EventType, payload map[string]any) {
	event := &types.Event{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		RunID:     runID,
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
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
			b.persist(event)
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) persist(event *types.Event) {
	if b.store == nil {
		return
	}
	// The broker has no logger and Emit has already returned, so a failed
	// write is retried once and then dropped.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.store.CreateEvent(ctx, event); err != nil {
		_ = b.store.CreateEvent(ctx, event)
	}
}

func (b *Broker) broadcast(event *types.Event) {
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

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
