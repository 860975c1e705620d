package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

// MessageBus is the in-process inbound queue and lifecycle event hub.
type MessageBus struct {
	inbound chan InboundEvent

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	return &MessageBus{
		inbound:          make(chan InboundEvent, buffer),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(ctx context.Context, event InboundEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-mb.done:
		return ErrClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-mb.done:
		return ErrClosed
	case mb.inbound <- event:
		return nil
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (Delivery, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return Delivery{}, false
	case <-mb.done:
		return Delivery{}, false
	case event := <-mb.inbound:
		return NewDelivery(event, nil, nil), true
	}
}

// Pending reports how many events are buffered but not yet consumed.
func (mb *MessageBus) Pending() int {
	return len(mb.inbound)
}

func (mb *MessageBus) Close() error {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})

	return nil
}
