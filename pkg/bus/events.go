package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventReceived           EventType = "event_received"
	EventRejected           EventType = "event_rejected"
	EventDispatched         EventType = "dispatch_completed"
	EventDuplicate          EventType = "dispatch_duplicate"
	EventHandlerFailed      EventType = "handler_failed"
	EventStorageUnavailable EventType = "storage_unavailable"
	EventOutboundFailed     EventType = "outbound_failed"
)

// Event is a lifecycle notification about one inbound event.
type Event struct {
	Type    EventType         `json:"type"`
	At      time.Time         `json:"at"`
	Channel string            `json:"channel,omitempty"`
	ChatID  string            `json:"chat_id,omitempty"`
	EventID string            `json:"event_id,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Failure reports whether the event type describes a dropped or failed event.
func (t EventType) Failure() bool {
	switch t {
	case EventHandlerFailed, EventStorageUnavailable, EventOutboundFailed:
		return true
	default:
		return false
	}
}

func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-mb.done:
		return false
	default:
	}

	mb.mu.RLock()
	subs := make([]chan Event, 0, len(mb.eventSubscribers))
	for _, ch := range mb.eventSubscribers {
		subs = append(subs, ch)
	}

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Slow subscribers miss events rather than stall dispatch.
		}
	}
	mb.mu.RUnlock()

	return true
}

func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
