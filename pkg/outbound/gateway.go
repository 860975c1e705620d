// Package outbound delivers handler actions to the chat platform and the
// external API under a shared rate limit and a per-target retry policy.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MovieFirebots/Anime-Realm/pkg/apperr"
	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
	"github.com/MovieFirebots/Anime-Realm/pkg/ids"
	"github.com/MovieFirebots/Anime-Realm/pkg/metrics"
	"github.com/MovieFirebots/Anime-Realm/pkg/ratelimit"
	"github.com/MovieFirebots/Anime-Realm/pkg/retry"
)

// Target performs exactly one attempt of an action.
type Target interface {
	Name() string
	Do(ctx context.Context, action bus.OutboundAction) error
}

// Route configures delivery for one target. A nil Limiter disables shaping.
type Route struct {
	Policy  retry.Policy
	Limiter *ratelimit.Limiter
}

type route struct {
	target Target
	Route
}

type Gateway struct {
	mu      sync.RWMutex
	routes  map[string]*route
	log     *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewGateway(log *slog.Logger, m *metrics.Metrics) *Gateway {
	if log == nil {
		log = slog.Default()
	}

	return &Gateway{
		routes:  make(map[string]*route),
		log:     log.With("component", "outbound.gateway"),
		metrics: m,
		tracer:  otel.Tracer("github.com/MovieFirebots/Anime-Realm/pkg/outbound"),
	}
}

// Register adds or replaces the route for target.Name().
func (g *Gateway) Register(target Target, r Route) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routes[target.Name()] = &route{target: target, Route: r}
}

// Send delivers action. Transient failures are retried under the route
// policy merged with action.Retry; a 429 also cools the route limiter down
// for the server-provided delay. Permanent failures are attempted once.
func (g *Gateway) Send(ctx context.Context, action bus.OutboundAction) error {
	if action.Target == "" {
		action.Target = bus.TargetTelegram
	}
	if action.ID == "" {
		action.ID = ids.NewActionID()
	}

	g.mu.RLock()
	rt, ok := g.routes[action.Target]
	g.mu.RUnlock()
	if !ok {
		return apperr.New(apperr.OutboundPermanent, "no route for target "+action.Target)
	}

	ctx, span := g.tracer.Start(ctx, "outbound."+string(action.Kind),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("realm.action_id", action.ID),
			attribute.String("realm.target", action.Target),
			attribute.String("realm.chat_id", action.ChatID),
		),
	)
	defer span.End()

	log := g.log.With("action_id", action.ID, "target", action.Target, "kind", string(action.Kind), "chat_id", action.ChatID)

	policy := rt.Policy.Merge(action.Retry)
	policy.Retryable = func(err error) bool {
		return ctx.Err() == nil && Transient(err)
	}
	policy.OnRetry = func(attempt int, err error, next time.Duration) {
		log.Warn("Outbound attempt failed, retrying", "attempt", attempt, "next_delay", next, "error", err)
	}

	attempts := 0
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		if rt.Limiter != nil {
			waited, err := rt.Limiter.Wait(ctx, action.ChatID)
			if err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}
			g.metrics.RateLimitWait(waited)
		}

		err := rt.target.Do(ctx, action)
		var status *StatusError
		if errors.As(err, &status) && status.RateLimited() {
			if rt.Limiter != nil {
				rt.Limiter.Cooldown(status.RetryAfter)
			}
			if status.RetryAfter > 0 {
				return &retry.RetryAfterError{After: status.RetryAfter, Err: err}
			}
		}

		return err
	})
	span.SetAttributes(attribute.Int("realm.attempts", attempts))

	if err == nil {
		g.metrics.Outbound(action.Target, string(action.Kind), "ok", attempts)
		return nil
	}

	category := apperr.OutboundPermanent
	if Transient(err) || ctx.Err() != nil {
		category = apperr.OutboundTransient
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, category)
	g.metrics.Outbound(action.Target, string(action.Kind), category, attempts)

	return apperr.Wrap(category, err, fmt.Sprintf("%s %s after %d attempt(s)", action.Target, action.Kind, attempts))
}
