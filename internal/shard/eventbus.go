package shard

import (
	"log/slog"
	"sync"
)

// EventType names the SSE event a run event is delivered as.
type EventType string

const (
	EventOutput   EventType = "output"
	EventStatus   EventType = "status"
	EventLog      EventType = "log"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is a live notification about one run.
type Event struct {
	JobID string
	Type  EventType
	Data  any
}

// EventBus fans run events out to per-run subscribers. Publish never
// blocks; a subscriber that falls behind loses events.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a channel of events for jobID and a function that
// removes the subscription. The channel is closed by the unsubscribe
// function or by Close, whichever comes first.
func (b *EventBus) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 256)
	b.subs[jobID] = append(b.subs[jobID], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.remove(jobID, ch)
		})
	}
	return ch, unsub
}

// remove must be called with b.mu held.
func (b *EventBus) remove(jobID string, ch chan Event) {
	subscribers := b.subs[jobID]
	for i, sub := range subscribers {
		if sub == ch {
			close(ch)
			b.subs[jobID] = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}
	if len(b.subs[jobID]) == 0 {
		delete(b.subs, jobID)
	}
}

// Publish sends an event to all subscribers of the job.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.JobID] {
		select {
		case ch <- e:
		default:
			slog.Warn("event bus channel full, dropping event", "job_id", e.JobID, "type", e.Type)
		}
	}
}

// Close ends every subscription for jobID.
func (b *EventBus) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[jobID] {
		close(ch)
	}
	delete(b.subs, jobID)
}

// Subscribers returns the number of live subscriptions for jobID.
func (b *EventBus) Subscribers(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}
