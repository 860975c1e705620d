// Package jetstream is a durable inbound queue on NATS JetStream.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
)

const (
	defaultStream          = "REALM"
	defaultDurable         = "realm-dispatch"
	defaultMaxDeliver      = 5
	defaultAckWait         = time.Minute
	defaultDuplicateWindow = 2 * time.Minute
	defaultFetchWait       = time.Second
)

type Config struct {
	URL     string
	Stream  string
	Durable string
	// MaxDeliver bounds redeliveries of a nacked or unacked event.
	MaxDeliver int
	AckWait    time.Duration
	// DuplicateWindow is how long the stream remembers Nats-Msg-Id values.
	DuplicateWindow time.Duration
	FetchWait       time.Duration
}

func (c Config) withDefaults() Config {
	c.URL = strings.TrimSpace(c.URL)
	if strings.TrimSpace(c.Stream) == "" {
		c.Stream = defaultStream
	}
	if strings.TrimSpace(c.Durable) == "" {
		c.Durable = defaultDurable
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = defaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = defaultAckWait
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = defaultDuplicateWindow
	}
	if c.FetchWait <= 0 {
		c.FetchWait = defaultFetchWait
	}

	return c
}

func (c Config) subject() string {
	return c.Stream + ".inbound"
}

// Queue publishes inbound events to a work-queue stream and pulls them
// through one durable consumer.
type Queue struct {
	cfg Config
	log *slog.Logger

	nc  *nats.Conn
	js  nats.JetStreamContext
	sub *nats.Subscription

	fetchMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

var _ bus.Queue = (*Queue)(nil)

func Dial(cfg Config, log *slog.Logger) (*Queue, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if log == nil {
		log = slog.Default()
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("realm"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	q := &Queue{
		cfg:  cfg,
		log:  log.With("component", "bus.jetstream", "stream", cfg.Stream),
		nc:   nc,
		js:   js,
		done: make(chan struct{}),
	}
	if err := q.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}

	q.sub, err = js.PullSubscribe(cfg.subject(), cfg.Durable,
		nats.BindStream(cfg.Stream),
		nats.ManualAck(),
		nats.AckWait(cfg.AckWait),
		nats.MaxDeliver(cfg.MaxDeliver),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("pull subscribe: %w", err)
	}

	return q, nil
}

func (q *Queue) streamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       q.cfg.Stream,
		Subjects:   []string{q.cfg.subject()},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		Duplicates: q.cfg.DuplicateWindow,
	}
}

func (q *Queue) ensureStream() error {
	_, err := q.js.StreamInfo(q.cfg.Stream)
	switch {
	case err == nil:
		if _, err := q.js.UpdateStream(q.streamConfig()); err != nil {
			q.log.Warn("Keeping existing stream config", "error", err)
		}
		return nil
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := q.js.AddStream(q.streamConfig()); err != nil {
			return fmt.Errorf("add stream: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("stream info: %w", err)
	}
}

// PublishInbound sets Nats-Msg-Id to the event id, so the stream drops
// replays of the same platform update inside the duplicate window.
func (q *Queue) PublishInbound(ctx context.Context, event bus.InboundEvent) error {
	select {
	case <-q.done:
		return bus.ErrClosed
	default:
	}

	msg, err := newMessage(q.cfg.subject(), event)
	if err != nil {
		return err
	}

	ack, err := q.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.ID, err)
	}
	if ack.Duplicate {
		q.log.Debug("Stream dropped duplicate event", "event_id", event.ID)
	}

	return nil
}

func newMessage(subject string, event bus.InboundEvent) (*nats.Msg, error) {
	data, err := bus.MarshalInbound(event)
	if err != nil {
		return nil, err
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	msg.Header.Set("Content-Type", "application/json")

	return msg, nil
}

func (q *Queue) ConsumeInbound(ctx context.Context) (bus.Delivery, bool) {
	for {
		select {
		case <-ctx.Done():
			return bus.Delivery{}, false
		case <-q.done:
			return bus.Delivery{}, false
		default:
		}

		msg, err := q.fetch(ctx)
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return bus.Delivery{}, false
			}
			if ctx.Err() != nil {
				return bus.Delivery{}, false
			}
			q.log.Warn("Fetch failed", "error", err)
			continue
		}

		event, err := bus.UnmarshalInbound(msg.Data)
		if err != nil {
			q.log.Error("Dropping poison message", "message_id", msg.Header.Get(nats.MsgIdHdr), "error", err)
			_ = msg.Term()
			continue
		}

		// Dispatch can outlast AckWait while it waits behind its chat or retries
		// outbound calls, so the message is kept in progress until settled.
		stop := keepAlive(q.cfg.AckWait/3, msg.InProgress, q.done, q.log.With("event_id", event.ID))
		return bus.NewDelivery(event,
			func() error { stop(); return msg.Ack() },
			func() error { stop(); return msg.Nak() },
		), true
	}
}

// keepAlive calls touch every interval until stop is called or done closes.
func keepAlive(interval time.Duration, touch func(...nats.AckOpt) error, done <-chan struct{}, log *slog.Logger) (stop func()) {
	stopped := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopped:
				return
			case <-done:
				return
			case <-ticker.C:
				select {
				case <-stopped:
					return
				case <-done:
					return
				default:
				}
				if err := touch(); err != nil {
					log.Warn("Failed to extend ack deadline", "error", err)
				}
			}
		}
	}()

	return func() { once.Do(func() { close(stopped) }) }
}

func (q *Queue) fetch(ctx context.Context) (*nats.Msg, error) {
	q.fetchMu.Lock()
	defer q.fetchMu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, q.cfg.FetchWait)
	defer cancel()

	msgs, err := q.sub.Fetch(1, nats.Context(fetchCtx))
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nats.ErrTimeout
	}

	return msgs[0], nil
}

func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
		q.nc.Close()
	})

	return nil
}
