package console

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
	"github.com/MovieFirebots/Anime-Realm/pkg/dispatch"
	"github.com/MovieFirebots/Anime-Realm/pkg/handler"
	"github.com/MovieFirebots/Anime-Realm/pkg/handler/builtin"
	"github.com/MovieFirebots/Anime-Realm/pkg/ids"
	"github.com/MovieFirebots/Anime-Realm/pkg/outbound"
	"github.com/MovieFirebots/Anime-Realm/pkg/retry"
	"github.com/MovieFirebots/Anime-Realm/pkg/store"
	"github.com/MovieFirebots/Anime-Realm/pkg/webhook"
)

const (
	ChatID         = "console"
	SenderID       = "0"
	callbackPrefix = "cb:"
)

// Reply is everything one dispatch produced.
type Reply struct {
	Actions  []bus.OutboundAction
	Failures []bus.Event
	State    string
}

// Session dispatches console input through the real registry and engine
// against an in-memory store. Outbound actions are recorded, not sent.
type Session struct {
	engine  *dispatch.Engine
	store   *store.Adapter
	actions *actionLog
	events  *failureLog
	sender  string
	now     func() time.Time

	mu sync.Mutex
}

// NewSession builds the builtin registry over a fresh in-memory store. The
// console user is always an admin.
func NewSession(opts builtin.Options, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}

	adapter := store.NewAdapter(store.NewMemory(), retry.Policy{MaxAttempts: 1}, log)
	if opts.Stats == nil {
		opts.Stats = adapter
	}
	opts.AdminIDs = append(slices.Clone(opts.AdminIDs), SenderID)

	b := handler.NewBuilder()
	if err := builtin.Register(b, opts); err != nil {
		return nil, err
	}
	registry, err := b.Build()
	if err != nil {
		return nil, err
	}

	actions := &actionLog{}
	events := &failureLog{}

	gw := outbound.NewGateway(log, nil)
	once := outbound.Route{Policy: retry.Policy{MaxAttempts: 1}}
	gw.Register(recorder{name: bus.TargetTelegram, log: actions}, once)
	gw.Register(recorder{name: bus.TargetExternal, log: actions}, once)

	engine := dispatch.NewEngine(registry, adapter, gw, events, dispatch.Config{DedupWindow: 20}, log, nil)

	return &Session{
		engine:  engine,
		store:   adapter,
		actions: actions,
		events:  events,
		sender:  "Operator",
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetSenderName changes the display name handlers see for the console user.
func (s *Session) SetSenderName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name = strings.TrimSpace(name); name != "" {
		s.sender = name
	}
}

// Send turns one input line into an inbound event and dispatches it.
// "cb:<data>" presses an inline button with that callback data.
func (s *Session) Send(ctx context.Context, input string) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, err := s.eventFor(input)
	if err != nil {
		return Reply{}, err
	}

	s.actions.reset()
	s.events.reset()
	s.engine.Dispatch(ctx, event)

	st, err := s.store.Load(ctx, ChatID)
	if err != nil {
		return Reply{}, fmt.Errorf("load console state: %w", err)
	}

	return Reply{
		Actions:  s.actions.take(),
		Failures: s.events.take(),
		State:    st.Tag,
	}, nil
}

func (s *Session) eventFor(input string) (bus.InboundEvent, error) {
	text := strings.TrimSpace(input)
	if text == "" {
		return bus.InboundEvent{}, fmt.Errorf("empty input")
	}

	event := bus.InboundEvent{
		ID:         ids.NewEventID(),
		Channel:    "console",
		ChatID:     ChatID,
		ChatType:   "private",
		SenderID:   SenderID,
		SenderName: s.sender,
		ReceivedAt: s.now(),
	}

	if data, ok := strings.CutPrefix(text, callbackPrefix); ok {
		event.Kind = bus.KindCallback
		event.CallbackID = event.ID
		event.CallbackData = strings.TrimSpace(data)
		return event, nil
	}

	if name, args, ok := webhook.ParseCommand(text); ok {
		event.Kind = bus.KindCommand
		event.Command = name
		event.Args = args
		event.Text = text
		return event, nil
	}

	event.Kind = bus.KindText
	event.Text = text
	return event, nil
}

// actionLog collects the actions every console target was asked to perform.
type actionLog struct {
	mu      sync.Mutex
	actions []bus.OutboundAction
}

func (l *actionLog) add(action bus.OutboundAction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actions = append(l.actions, action)
}

func (l *actionLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actions = nil
}

func (l *actionLog) take() []bus.OutboundAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.actions
	l.actions = nil
	return out
}

// recorder is an outbound target that records instead of sending.
type recorder struct {
	name string
	log  *actionLog
}

func (r recorder) Name() string { return r.name }

func (r recorder) Do(_ context.Context, action bus.OutboundAction) error {
	r.log.add(action)
	return nil
}

// failureLog keeps failure lifecycle events from the current dispatch.
type failureLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (f *failureLog) PublishEvent(_ context.Context, event bus.Event) bool {
	if !event.Type.Failure() {
		return true
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return true
}

func (f *failureLog) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
}

func (f *failureLog) take() []bus.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.events
	f.events = nil
	return out
}
