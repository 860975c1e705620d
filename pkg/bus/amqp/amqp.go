// Package amqp is a durable inbound queue on RabbitMQ.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
)

const (
	defaultQueue    = "realm.inbound"
	defaultPrefetch = 16
	consumerTag     = "realm-dispatch"
)

var errNotConfirmed = errors.New("broker did not confirm publish")

type Config struct {
	URL      string
	Queue    string
	Prefetch int
}

func (c Config) withDefaults() Config {
	c.URL = strings.TrimSpace(c.URL)
	if strings.TrimSpace(c.Queue) == "" {
		c.Queue = defaultQueue
	}
	if c.Prefetch <= 0 {
		c.Prefetch = defaultPrefetch
	}

	return c
}

// Queue publishes with broker confirms and consumes with manual acks.
type Queue struct {
	cfg Config
	log *slog.Logger

	conn       *amqp.Connection
	publishCh  *amqp.Channel
	consumeCh  *amqp.Channel
	deliveries <-chan amqp.Delivery

	publishMu sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

var _ bus.Queue = (*Queue)(nil)

func Dial(cfg Config, log *slog.Logger) (*Queue, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if log == nil {
		log = slog.Default()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	q := &Queue{
		cfg:  cfg,
		log:  log.With("component", "bus.amqp", "queue", cfg.Queue),
		conn: conn,
		done: make(chan struct{}),
	}
	if err := q.setup(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return q, nil
}

func (q *Queue) setup() error {
	var err error

	q.publishCh, err = q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := q.publishCh.Confirm(false); err != nil {
		return fmt.Errorf("confirm mode: %w", err)
	}
	if _, err := q.publishCh.QueueDeclare(q.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	q.consumeCh, err = q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if err := q.consumeCh.Qos(q.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	q.deliveries, err = q.consumeCh.Consume(q.cfg.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	return nil
}

// PublishInbound returns after the broker confirms the persistent message.
func (q *Queue) PublishInbound(ctx context.Context, event bus.InboundEvent) error {
	select {
	case <-q.done:
		return bus.ErrClosed
	default:
	}

	body, err := bus.MarshalInbound(event)
	if err != nil {
		return err
	}

	q.publishMu.Lock()
	confirm, err := q.publishCh.PublishWithDeferredConfirmWithContext(ctx, "", q.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         string(event.Kind),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	q.publishMu.Unlock()
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.ID, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("publish %s: %w", event.ID, errNotConfirmed)
	}

	return nil
}

// ConsumeInbound acks and skips poison payloads so they are not redelivered forever.
func (q *Queue) ConsumeInbound(ctx context.Context) (bus.Delivery, bool) {
	for {
		select {
		case <-ctx.Done():
			return bus.Delivery{}, false
		case <-q.done:
			return bus.Delivery{}, false
		case d, ok := <-q.deliveries:
			if !ok {
				return bus.Delivery{}, false
			}

			event, err := bus.UnmarshalInbound(d.Body)
			if err != nil {
				q.log.Error("Dropping poison message", "message_id", d.MessageId, "error", err)
				_ = d.Ack(false)
				continue
			}

			return bus.NewDelivery(event,
				func() error { return d.Ack(false) },
				func() error { return d.Nack(false, true) },
			), true
		}
	}
}

func (q *Queue) Close() error {
	var errs []error
	q.closeOnce.Do(func() {
		close(q.done)
		if q.consumeCh != nil {
			errs = append(errs, q.consumeCh.Close())
		}
		if q.publishCh != nil {
			errs = append(errs, q.publishCh.Close())
		}
		errs = append(errs, q.conn.Close())
	})

	return errors.Join(errs...)
}
