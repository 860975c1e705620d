// Package telegram pulls updates with getUpdates long polling, for
// deployments without a public webhook URL.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mymmrac/telego"

	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
	"github.com/MovieFirebots/Anime-Realm/pkg/outbound/telegram"
	"github.com/MovieFirebots/Anime-Realm/pkg/retry"
	"github.com/MovieFirebots/Anime-Realm/pkg/webhook"
)

const (
	sourceName          = "telegram.polling"
	defaultPollTimeout  = 25 * time.Second
	defaultRetryTimeout = 5 * time.Second
)

type Config struct {
	// Timeout is the server-side long poll wait.
	Timeout      time.Duration
	RetryTimeout time.Duration
	// Enqueue bounds how hard a received update is pushed into the queue.
	Enqueue retry.Policy
}

// EventPublisher receives lifecycle events; *bus.MessageBus implements it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event bus.Event) bool
}

type Poller struct {
	bot    *telego.Bot
	cfg    Config
	events EventPublisher
	log    *slog.Logger
	now    func() time.Time
}

func NewPoller(bot *telego.Bot, cfg Config, events EventPublisher, log *slog.Logger) (*Poller, error) {
	if bot == nil {
		return nil, errors.New("telegram bot is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPollTimeout
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = defaultRetryTimeout
	}
	if cfg.Enqueue.MaxAttempts <= 0 {
		cfg.Enqueue.MaxAttempts = 5
	}
	if cfg.Enqueue.Retryable == nil {
		cfg.Enqueue.Retryable = func(err error) bool {
			return !errors.Is(err, bus.ErrClosed) && !errors.Is(err, context.Canceled)
		}
	}
	if log == nil {
		log = slog.Default()
	}

	return &Poller{
		bot:    bot,
		cfg:    cfg,
		events: events,
		log:    log.With("component", "channel.telegram"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (p *Poller) Name() string {
	return sourceName
}

// Run removes any webhook registration, since the platform refuses
// getUpdates while one is set, then polls until ctx ends.
func (p *Poller) Run(ctx context.Context, queue bus.Queue) error {
	if queue == nil {
		return errors.New("queue is required")
	}

	if err := p.bot.DeleteWebhook(ctx, &telego.DeleteWebhookParams{}); err != nil {
		return fmt.Errorf("delete webhook before polling: %w", err)
	}

	updates, err := p.bot.UpdatesViaLongPolling(ctx,
		&telego.GetUpdatesParams{
			Timeout:        int(p.cfg.Timeout / time.Second),
			AllowedUpdates: slices.Clone(telegram.AllowedUpdates),
		},
		telego.WithLongPollingRetryTimeout(p.cfg.RetryTimeout),
	)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	p.log.Info("Long polling started", "timeout", p.cfg.Timeout)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}
			p.handle(ctx, queue, update)
		}
	}
}

func (p *Poller) handle(ctx context.Context, queue bus.Queue, update telego.Update) {
	event, ok := webhook.Normalize(update, nil, p.now())
	if !ok {
		p.log.Debug("Ignoring unsupported update", "update_id", update.UpdateID)
		return
	}
	log := p.log.With("chat_id", event.ChatID, "event_id", event.ID)

	// The poll offset has already moved past this update, so enqueueing is
	// the only chance to keep it.
	err := p.cfg.Enqueue.Do(ctx, func(ctx context.Context, attempt int) error {
		err := queue.PublishInbound(ctx, event)
		if err != nil {
			log.Warn("Enqueue failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		log.Error("Dropping polled update", "error", err)
		return
	}

	if p.events != nil {
		p.events.PublishEvent(ctx, bus.Event{
			Type:    bus.EventReceived,
			At:      event.ReceivedAt,
			Channel: event.Channel,
			ChatID:  event.ChatID,
			EventID: event.ID,
			Payload: map[string]string{"kind": string(event.Kind), "source": sourceName},
		})
	}
	log.Debug("Event enqueued", "event_kind", string(event.Kind))
}
