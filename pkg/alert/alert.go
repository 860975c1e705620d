// Package alert forwards failure lifecycle events to an operator log channel.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
)

const (
	defaultMinInterval = time.Minute
	maxErrorLength     = 300
)

type Sender interface {
	Send(ctx context.Context, action bus.OutboundAction) error
}

type Subscriber interface {
	SubscribeEvents(ctx context.Context, buffer int) (<-chan bus.Event, func())
}

type Config struct {
	// ChannelID is the chat that receives alerts. Empty disables the notifier.
	ChannelID string
	// MinInterval is the quiet period per event type after an alert is sent.
	MinInterval time.Duration
}

// Notifier sends at most one alert per event type per MinInterval and folds
// the events it held back into the next alert as a suppressed count.
type Notifier struct {
	cfg    Config
	sender Sender
	log    *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	lastSent   map[bus.EventType]time.Time
	suppressed map[bus.EventType]int
}

func New(cfg Config, sender Sender, log *slog.Logger) *Notifier {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaultMinInterval
	}
	if log == nil {
		log = slog.Default()
	}

	return &Notifier{
		cfg:        cfg,
		sender:     sender,
		log:        log.With("component", "alert.notifier"),
		now:        time.Now,
		lastSent:   make(map[bus.EventType]time.Time),
		suppressed: make(map[bus.EventType]int),
	}
}

func (n *Notifier) Enabled() bool {
	return n != nil && strings.TrimSpace(n.cfg.ChannelID) != "" && n.sender != nil
}

// Run consumes lifecycle events until ctx ends or the subscription closes.
func (n *Notifier) Run(ctx context.Context, sub Subscriber) {
	if !n.Enabled() {
		return
	}

	events, unsubscribe := sub.SubscribeEvents(ctx, 256)
	defer unsubscribe()

	n.log.Info("Alert notifier started", "channel_id", n.cfg.ChannelID)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			n.Notify(ctx, event)
		}
	}
}

// Notify sends an alert for a failure event unless its type is in its quiet period.
// It reports whether an alert was sent.
func (n *Notifier) Notify(ctx context.Context, event bus.Event) bool {
	if !n.Enabled() || !event.Type.Failure() {
		return false
	}

	now := n.now()
	n.mu.Lock()
	if last, ok := n.lastSent[event.Type]; ok && now.Sub(last) < n.cfg.MinInterval {
		n.suppressed[event.Type]++
		n.mu.Unlock()
		return false
	}
	suppressed := n.suppressed[event.Type]
	n.suppressed[event.Type] = 0
	n.lastSent[event.Type] = now
	n.mu.Unlock()

	action := bus.SendMessage(n.cfg.ChannelID, Format(event, suppressed))
	if err := n.sender.Send(ctx, action); err != nil {
		n.log.Warn("Failed to send alert", "event_type", string(event.Type), "error", err)
		return false
	}

	return true
}

// Format renders one alert message.
func Format(event bus.Event, suppressed int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[realm] %s", event.Type)
	if event.ChatID != "" {
		fmt.Fprintf(&b, "\nchat: %s", event.ChatID)
	}
	if event.EventID != "" {
		fmt.Fprintf(&b, "\nevent: %s", event.EventID)
	}
	if op := event.Payload["op"]; op != "" {
		fmt.Fprintf(&b, "\nop: %s", op)
	}
	if event.Error != "" {
		msg := event.Error
		if len(msg) > maxErrorLength {
			msg = msg[:maxErrorLength] + "..."
		}
		fmt.Fprintf(&b, "\nerror: %s", msg)
	}
	if suppressed > 0 {
		fmt.Fprintf(&b, "\n(+%d similar since last alert)", suppressed)
	}

	return b.String()
}
