// Package webhook accepts platform updates over HTTP, validates them, and
// enqueues normalized events for the dispatch workers.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mymmrac/telego"

	"github.com/MovieFirebots/Anime-Realm/pkg/apperr"
	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
	"github.com/MovieFirebots/Anime-Realm/pkg/jsoncodec"
	"github.com/MovieFirebots/Anime-Realm/pkg/metrics"
)

// SecretHeader carries the secret token configured with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const (
	defaultPath           = "/webhook"
	defaultMaxBodyBytes   = 1 << 20
	defaultEnqueueTimeout = 2 * time.Second
)

type Config struct {
	Path string
	// Secret, when set, must match the SecretHeader of every request.
	Secret         string
	MaxBodyBytes   int64
	EnqueueTimeout time.Duration
}

// EventPublisher receives lifecycle events; *bus.MessageBus implements it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event bus.Event) bool
}

type Receiver struct {
	cfg     Config
	queue   bus.Queue
	events  EventPublisher
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type response struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

func NewReceiver(cfg Config, queue bus.Queue, events EventPublisher, log *slog.Logger, m *metrics.Metrics) *Receiver {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	return &Receiver{
		cfg:     cfg,
		queue:   queue,
		events:  events,
		log:     log.With("component", "webhook.receiver"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Path is the route the receiver is mounted on.
func (r *Receiver) Path() string {
	return r.cfg.Path
}

// Mount registers the POST route on router.
func (r *Receiver) Mount(router chi.Router) {
	router.Post(r.cfg.Path, r.ServeHTTP)
}

func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.cfg.Secret != "" {
		got := req.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(r.cfg.Secret)) != 1 {
			r.log.Warn("Rejecting webhook with bad secret token", "remote_addr", req.RemoteAddr)
			r.respond(w, http.StatusUnauthorized, "invalid secret token")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			r.reject(req.Context(), w, http.StatusRequestEntityTooLarge, apperr.Wrap(apperr.MalformedInput, err, "body too large"))
			return
		}
		r.reject(req.Context(), w, http.StatusBadRequest, apperr.Wrap(apperr.MalformedInput, err, "read body"))
		return
	}

	var envelope struct {
		UpdateID *int `json:"update_id"`
	}
	if err := jsoncodec.Unmarshal(body, &envelope); err != nil {
		r.reject(req.Context(), w, http.StatusBadRequest, apperr.Wrap(apperr.MalformedInput, err, "decode envelope"))
		return
	}
	if envelope.UpdateID == nil {
		r.reject(req.Context(), w, http.StatusBadRequest, apperr.New(apperr.MalformedInput, "update_id is required"))
		return
	}

	var update telego.Update
	if err := jsoncodec.Unmarshal(body, &update); err != nil {
		r.reject(req.Context(), w, http.StatusBadRequest, apperr.Wrap(apperr.MalformedInput, err, "decode update"))
		return
	}

	event, ok := Normalize(update, body, r.now())
	if !ok {
		r.log.Debug("Ignoring unsupported update", "update_id", update.UpdateID)
		r.respond(w, http.StatusOK, "ignored")
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.cfg.EnqueueTimeout)
	defer cancel()
	if err := r.queue.PublishInbound(ctx, event); err != nil {
		r.log.Error("Failed to enqueue event", "chat_id", event.ChatID, "event_id", event.ID, "error", err)
		r.respond(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	if r.events != nil {
		r.events.PublishEvent(context.WithoutCancel(req.Context()), bus.Event{
			Type:    bus.EventReceived,
			At:      event.ReceivedAt,
			Channel: event.Channel,
			ChatID:  event.ChatID,
			EventID: event.ID,
			Payload: map[string]string{"kind": string(event.Kind)},
		})
	}
	r.log.Debug("Event enqueued", "chat_id", event.ChatID, "event_id", event.ID, "event_kind", string(event.Kind))
	r.respond(w, http.StatusOK, "")
}

func (r *Receiver) reject(ctx context.Context, w http.ResponseWriter, status int, err error) {
	r.log.Warn("Rejecting webhook payload", "status", status, "error", err, "error_kind", apperr.MalformedInput)
	if r.events != nil {
		r.events.PublishEvent(context.WithoutCancel(ctx), bus.Event{
			Type:  bus.EventRejected,
			At:    r.now(),
			Error: err.Error(),
		})
	}
	r.respond(w, status, http.StatusText(status))
}

func (r *Receiver) respond(w http.ResponseWriter, status int, description string) {
	r.metrics.WebhookRequest(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, response{OK: status == http.StatusOK, Description: description}); err != nil {
		r.log.Error("Failed to write webhook response", "error", err)
	}
}
