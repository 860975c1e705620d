// Package dispatch runs inbound events through the handler registry under a
// per-chat lock, persists the resulting state, and sends the handler's actions.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MovieFirebots/Anime-Realm/pkg/apperr"
	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
	"github.com/MovieFirebots/Anime-Realm/pkg/handler"
	"github.com/MovieFirebots/Anime-Realm/pkg/metrics"
	"github.com/MovieFirebots/Anime-Realm/pkg/state"
)

const defaultHandlerTimeout = 30 * time.Second

// StateStore is the persistence surface the engine needs.
type StateStore interface {
	Load(ctx context.Context, chatID string) (state.ConversationState, error)
	Save(ctx context.Context, chatID string, st state.ConversationState) error
	Reset(ctx context.Context, chatID string) error
}

// Sender delivers one outbound action.
type Sender interface {
	Send(ctx context.Context, action bus.OutboundAction) error
}

// EventPublisher receives lifecycle events. *bus.MessageBus implements it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event bus.Event) bool
}

type Config struct {
	// HandlerTimeout bounds one handler invocation.
	HandlerTimeout time.Duration
	// DedupWindow is how many processed event ids are remembered per chat.
	// Zero disables de-duplication.
	DedupWindow int
	// StateTTL sets expires_at on every saved state. Zero keeps state forever.
	StateTTL time.Duration
}

type Engine struct {
	registry *handler.Registry
	store    StateStore
	sender   Sender
	events   EventPublisher
	cfg      Config
	locks    *keyLock
	log      *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// NewEngine wires the engine. events and m may be nil.
func NewEngine(registry *handler.Registry, store StateStore, sender Sender, events EventPublisher, cfg Config, log *slog.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}

	return &Engine{
		registry: registry,
		store:    store,
		sender:   sender,
		events:   events,
		cfg:      cfg,
		locks:    newKeyLock(),
		log:      log.With("component", "dispatch.engine"),
		metrics:  m,
		tracer:   otel.Tracer("github.com/MovieFirebots/Anime-Realm/pkg/dispatch"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch processes one event to completion. It never returns an error:
// every failure is logged with chat and event ids, published as a lifecycle
// event, and degrades to dropping the event.
func (e *Engine) Dispatch(ctx context.Context, ev bus.InboundEvent) {
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	log := e.log.With("chat_id", ev.ChatID, "event_id", ev.ID, "event_kind", string(ev.Kind))

	if strings.TrimSpace(ev.ChatID) == "" {
		err := apperr.New(apperr.MalformedInput, "event has no chat id")
		log.Warn("Rejecting event", "error", err, "error_kind", apperr.MalformedInput)
		e.publish(ctx, ev, bus.EventRejected, nil, err)
		e.metrics.Dispatched("", apperr.MalformedInput, time.Since(started))
		return
	}

	ctx, span := e.tracer.Start(ctx, "dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("realm.chat_id", ev.ChatID),
			attribute.String("realm.event_id", ev.ID),
			attribute.String("realm.event_kind", string(ev.Kind)),
		),
	)
	defer span.End()

	e.metrics.InflightAdd(1)
	defer e.metrics.InflightAdd(-1)

	unlock := e.locks.Lock(ev.ChatID)
	defer unlock()

	outcome, match := e.dispatchLocked(ctx, log, ev)
	span.SetAttributes(attribute.String("realm.match", string(match)), attribute.String("realm.outcome", outcome))
	if outcome != "ok" {
		span.SetStatus(codes.Error, outcome)
	}
	e.metrics.Dispatched(string(match), outcome, time.Since(started))
}

func (e *Engine) dispatchLocked(ctx context.Context, log *slog.Logger, ev bus.InboundEvent) (string, handler.MatchKind) {
	current, err := e.store.Load(ctx, ev.ChatID)
	if err != nil {
		e.dropStorage(ctx, log, ev, "load", err)
		return apperr.StorageUnavailable, handler.MatchNone
	}

	dedup := e.cfg.DedupWindow > 0 && ev.ID != ""
	if dedup && current.Seen(ev.ID) {
		log.Info("Skipping already processed event")
		e.publish(ctx, ev, bus.EventDuplicate, nil, nil)
		return "duplicate", handler.MatchNone
	}

	h, match := e.registry.Resolve(ev, current)
	log = log.With("match", string(match))

	result, err := e.invoke(ctx, h, ev, current)
	if err == nil && !result.Reset && !e.registry.KnownState(result.State.Tag) {
		err = apperr.New(apperr.HandlerFailure, fmt.Sprintf("handler returned unknown state %q", result.State.Tag))
	}
	if err != nil {
		log.Error("Handler failed, event ignored", "error", err, "error_kind", apperr.HandlerFailure)
		e.publish(ctx, ev, bus.EventHandlerFailed, map[string]string{"match": string(match)}, err)
		return apperr.HandlerFailure, match
	}

	// A shutdown that cancelled the handler must not leave a half-applied write.
	if ctx.Err() != nil {
		log.Warn("Dispatch cancelled before persisting state", "error", ctx.Err())
		return "cancelled", match
	}

	next := e.nextState(ev, current, result)
	if result.Reset && !dedup {
		err = e.store.Reset(ctx, ev.ChatID)
	} else {
		err = e.store.Save(ctx, ev.ChatID, next)
	}
	if err != nil {
		e.dropStorage(ctx, log, ev, "save", err)
		return apperr.StorageUnavailable, match
	}

	outcome := "ok"
	for i, action := range result.Actions {
		if action.ChatID == "" {
			action.ChatID = ev.ChatID
		}
		if err := e.sender.Send(ctx, action); err != nil {
			category := apperr.CategoryOf(err)
			log.Error("Outbound action failed", "action_index", i, "action_kind", string(action.Kind), "target", action.Target, "error", err, "error_kind", category)
			e.publish(ctx, ev, bus.EventOutboundFailed, map[string]string{"action_kind": string(action.Kind), "error_kind": category}, err)
			outcome = "outbound_failed"
		}
	}

	e.publish(ctx, ev, bus.EventDispatched, map[string]string{
		"match":   string(match),
		"state":   next.Tag,
		"actions": fmt.Sprint(len(result.Actions)),
	}, nil)
	log.Debug("Event dispatched", "state", next.Tag, "actions", len(result.Actions))

	return outcome, match
}

// nextState stamps bookkeeping fields onto the handler's state.
func (e *Engine) nextState(ev bus.InboundEvent, current state.ConversationState, result handler.Result) state.ConversationState {
	now := e.now()

	next := result.State
	if result.Reset {
		next = state.New(ev.ChatID, now)
	}
	if next.Context == nil {
		next.Context = map[string]string{}
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = current.CreatedAt
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.ChatID = ev.ChatID
	next.UpdatedAt = now
	next.Version = current.Version + 1
	if e.cfg.StateTTL > 0 {
		next.ExpireAfter(now, e.cfg.StateTTL)
	}
	if e.cfg.DedupWindow > 0 && ev.ID != "" {
		next.MarkProcessed(ev.ID, e.cfg.DedupWindow)
	}

	return next
}

type invocation struct {
	result handler.Result
	err    error
}

// invoke runs the handler on private copies of event and state, converting
// panics and timeouts into handler_failure errors.
func (e *Engine) invoke(ctx context.Context, h handler.Handler, ev bus.InboundEvent, st state.ConversationState) (handler.Result, error) {
	hctx, cancel := context.WithTimeout(ctx, e.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("Handler panicked", "chat_id", ev.ChatID, "event_id", ev.ID, "panic", r, "stack", string(debug.Stack()))
				done <- invocation{err: fmt.Errorf("panic: %v", r)}
			}
		}()

		result, err := h.Handle(hctx, ev.Clone(), st.Clone())
		done <- invocation{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return handler.Result{}, apperr.Wrap(apperr.HandlerFailure, out.err, "")
		}
		return out.result, nil
	case <-hctx.Done():
		return handler.Result{}, apperr.Wrap(apperr.HandlerFailure, hctx.Err(), "handler did not finish")
	}
}

// dropStorage emits the single error record for an event dropped because
// storage stayed unavailable after retries.
func (e *Engine) dropStorage(ctx context.Context, log *slog.Logger, ev bus.InboundEvent, op string, err error) {
	log.Error("Dropping event: storage unavailable", "op", op, "error", err, "error_kind", apperr.StorageUnavailable)
	e.metrics.StoreError(op)
	e.publish(ctx, ev, bus.EventStorageUnavailable, map[string]string{"op": op}, err)
}

func (e *Engine) publish(ctx context.Context, ev bus.InboundEvent, typ bus.EventType, payload map[string]string, err error) {
	if e.events == nil {
		return
	}

	event := bus.Event{
		Type:    typ,
		At:      e.now(),
		Channel: ev.Channel,
		ChatID:  ev.ChatID,
		EventID: ev.ID,
		Payload: payload,
	}
	if err != nil {
		event.Error = err.Error()
	}
	e.events.PublishEvent(context.WithoutCancel(ctx), event)
}
