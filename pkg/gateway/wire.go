package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MovieFirebots/Anime-Realm/pkg/alert"
	"github.com/MovieFirebots/Anime-Realm/pkg/apperr"
	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
	busamqp "github.com/MovieFirebots/Anime-Realm/pkg/bus/amqp"
	"github.com/MovieFirebots/Anime-Realm/pkg/bus/jetstream"
	"github.com/MovieFirebots/Anime-Realm/pkg/channel"
	telegrampoll "github.com/MovieFirebots/Anime-Realm/pkg/channel/telegram"
	"github.com/MovieFirebots/Anime-Realm/pkg/config"
	"github.com/MovieFirebots/Anime-Realm/pkg/dispatch"
	"github.com/MovieFirebots/Anime-Realm/pkg/handler"
	"github.com/MovieFirebots/Anime-Realm/pkg/handler/builtin"
	"github.com/MovieFirebots/Anime-Realm/pkg/metrics"
	"github.com/MovieFirebots/Anime-Realm/pkg/outbound"
	"github.com/MovieFirebots/Anime-Realm/pkg/outbound/external"
	"github.com/MovieFirebots/Anime-Realm/pkg/outbound/telegram"
	"github.com/MovieFirebots/Anime-Realm/pkg/ratelimit"
	"github.com/MovieFirebots/Anime-Realm/pkg/store"
	"github.com/MovieFirebots/Anime-Realm/pkg/store/mongostore"
	"github.com/MovieFirebots/Anime-Realm/pkg/store/sqlstore"
	"github.com/MovieFirebots/Anime-Realm/pkg/webhook"
)

// Build validates cfg and assembles the full serving stack from it.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	for _, warning := range cfg.Warnings() {
		log.Warn(warning)
	}

	m, err := metrics.New()
	if err != nil {
		return nil, fmt.Errorf("initialize metrics: %w", err)
	}

	// Backends connect lazily; an error here is a bad driver, URI or DSN.
	backend, err := OpenBackend(ctx, cfg.Store)
	if err != nil {
		return nil, apperr.Wrap(apperr.ConfigurationError, err, "open store")
	}
	adapter := store.NewAdapter(backend, cfg.Store.Retry.Policy(), log)

	sender, err := NewOutbound(cfg, log, m)
	if err != nil {
		_ = adapter.Close(context.Background())
		return nil, apperr.Wrap(apperr.ConfigurationError, err, "outbound targets")
	}

	registry, err := NewRegistry(cfg.Bot, adapter)
	if err != nil {
		_ = adapter.Close(context.Background())
		return nil, err
	}

	events := bus.NewMessageBus(cfg.Queue.Buffer)
	queue, err := OpenQueue(cfg.Queue, events, log)
	if err != nil {
		_ = adapter.Close(context.Background())
		return nil, fmt.Errorf("open queue: %w", err)
	}

	engine := dispatch.NewEngine(registry, adapter, sender, events, dispatch.Config{
		HandlerTimeout: time.Duration(cfg.Dispatch.HandlerTimeoutSeconds) * time.Second,
		DedupWindow:    cfg.Dispatch.DedupWindow,
		StateTTL:       cfg.Store.StateTTL(),
	}, log, m)

	pool := dispatch.NewPool(queue, engine, dispatch.PoolConfig{
		Workers:      cfg.Dispatch.Workers,
		DrainTimeout: time.Duration(cfg.Dispatch.DrainTimeoutSeconds) * time.Second,
	}, log, m)

	receiver := webhook.NewReceiver(webhook.Config{
		Path:   cfg.Telegram.WebhookPath,
		Secret: cfg.Telegram.WebhookSecret,
	}, queue, events, log, m)

	sources, err := NewSources(cfg.Telegram, events, log)
	if err != nil {
		_ = queue.Close()
		_ = adapter.Close(context.Background())
		return nil, apperr.Wrap(apperr.ConfigurationError, err, "update sources")
	}

	return NewService(Deps{
		Receiver: receiver,
		Pool:     pool,
		Queue:    queue,
		Events:   events,
		Store:    adapter,
		Notifier: alert.New(alert.Config{ChannelID: cfg.Bot.LogChannelID}, sender, log),
		Metrics:  m,
		Sources:  sources,
	}, Options{
		Addr:            cfg.Server.Addr(),
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: time.Duration(cfg.Dispatch.DrainTimeoutSeconds)*time.Second + 5*time.Second,
	}, log)
}

// OpenBackend configures the state backend without waiting for it to be reachable.
func OpenBackend(ctx context.Context, cfg config.StoreConfig) (store.Backend, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "mongo":
		return mongostore.Open(ctx, mongostore.Config{
			URI:        cfg.URI,
			Database:   cfg.Database,
			Collection: cfg.Collection,
		})
	case "postgres", "sqlite":
		dialect, err := sqlstore.DialectFor(cfg.Driver)
		if err != nil {
			return nil, err
		}
		return sqlstore.Open(dialect, cfg.URI)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// NewSources returns the pull-based intake for polling mode. Webhook mode
// needs none.
func NewSources(cfg config.TelegramConfig, events *bus.MessageBus, log *slog.Logger) ([]channel.Source, error) {
	if cfg.Mode != config.ModePolling {
		return nil, nil
	}

	timeout := time.Duration(cfg.PollTimeoutSeconds) * time.Second
	bot, err := telegram.NewBot(telegram.Config{
		Token:      cfg.Token,
		APIServer:  cfg.APIServer,
		HTTPClient: &http.Client{Timeout: timeout + 15*time.Second},
	})
	if err != nil {
		return nil, err
	}

	poller, err := telegrampoll.NewPoller(bot, telegrampoll.Config{Timeout: timeout}, events, log)
	if err != nil {
		return nil, err
	}

	return []channel.Source{poller}, nil
}

// OpenQueue returns the inbound queue. The memory driver reuses the event hub.
func OpenQueue(cfg config.QueueConfig, hub *bus.MessageBus, log *slog.Logger) (bus.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return hub, nil
	case "amqp":
		return busamqp.Dial(busamqp.Config{URL: cfg.URL, Queue: cfg.Name}, log)
	case "jetstream":
		return jetstream.Dial(jetstream.Config{URL: cfg.URL, Stream: cfg.Name}, log)
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

// NewOutbound registers the chat platform target and, when configured, the
// third-party API target, each with its own retry policy.
func NewOutbound(cfg *config.Config, log *slog.Logger, m *metrics.Metrics) (*outbound.Gateway, error) {
	gw := outbound.NewGateway(log, m)

	tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, APIServer: cfg.Telegram.APIServer}, log)
	if err != nil {
		return nil, err
	}
	gw.Register(tg, outbound.Route{
		Policy:  cfg.Outbound.Retry.Policy(),
		Limiter: ratelimit.New(cfg.Outbound.Limits(), nil),
	})

	if cfg.External.BaseURL != "" {
		var client *http.Client
		if cfg.External.TimeoutSeconds > 0 {
			client = &http.Client{Timeout: time.Duration(cfg.External.TimeoutSeconds) * time.Second}
		}
		ext, err := external.New(external.Config{
			BaseURL:         cfg.External.BaseURL,
			APIKey:          cfg.External.APIKey,
			HTTPClient:      client,
			BreakerFailures: uint32(max(cfg.External.BreakerFailures, 0)),
		}, log)
		if err != nil {
			return nil, err
		}
		gw.Register(ext, outbound.Route{Policy: cfg.External.Retry.Policy()})
	}

	return gw, nil
}

// NewRegistry builds the frozen handler registry with the built-in commands.
func NewRegistry(cfg config.BotConfig, stats builtin.Counter) (*handler.Registry, error) {
	admins := make([]string, 0, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins = append(admins, strconv.FormatInt(id, 10))
	}

	b := handler.NewBuilder()
	if err := builtin.Register(b, builtin.Options{
		BotName:  cfg.Name,
		AdminIDs: admins,
		Stats:    stats,
	}); err != nil {
		return nil, err
	}

	registry, err := b.Build()
	if err != nil {
		return nil, err
	}
	if len(registry.Commands()) == 0 {
		return nil, apperr.New(apperr.ConfigurationError, "no commands registered")
	}

	return registry, nil
}

