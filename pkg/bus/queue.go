package bus

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("queue closed")

// Queue carries inbound events from the webhook receiver to dispatch workers.
type Queue interface {
	// PublishInbound returns once the event is accepted by the queue.
	PublishInbound(ctx context.Context, event InboundEvent) error
	// ConsumeInbound blocks for the next delivery; false means the queue or ctx is done.
	ConsumeInbound(ctx context.Context) (Delivery, bool)
	Close() error
}

// Pending is implemented by queues whose buffered events are lost on close
// and therefore must be drained before shutdown.
type Pending interface {
	Pending() int
}

// Delivery is one consumed event plus its settlement callbacks.
type Delivery struct {
	Event InboundEvent
	ack   func() error
	nack  func() error
}

func NewDelivery(event InboundEvent, ack func() error, nack func() error) Delivery {
	return Delivery{Event: event, ack: ack, nack: nack}
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}

	return d.ack()
}

func (d Delivery) Nack() error {
	if d.nack == nil {
		return nil
	}

	return d.nack()
}
