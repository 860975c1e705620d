package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MovieFirebots/Anime-Realm/pkg/apperr"
	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
	"github.com/MovieFirebots/Anime-Realm/pkg/handler"
	"github.com/MovieFirebots/Anime-Realm/pkg/retry"
	"github.com/MovieFirebots/Anime-Realm/pkg/state"
	"github.com/MovieFirebots/Anime-Realm/pkg/store"
)

type recordingSender struct {
	mu      sync.Mutex
	actions []bus.OutboundAction
	failOn  map[bus.ActionKind]error
}

func (r *recordingSender) Send(_ context.Context, action bus.OutboundAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	return r.failOn[action.Kind]
}

func (r *recordingSender) sent() []bus.OutboundAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.OutboundAction(nil), r.actions...)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recordingEvents) PublishEvent(_ context.Context, event bus.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return true
}

func (r *recordingEvents) types() []bus.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// downBackend fails every call, like a database that is unreachable.
type downBackend struct {
	mu    sync.Mutex
	calls int
}

func (d *downBackend) fail() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return errors.New("connection refused")
}

func (d *downBackend) Get(context.Context, string) (state.ConversationState, bool, error) {
	return state.ConversationState{}, false, d.fail()
}
func (d *downBackend) Put(context.Context, state.ConversationState) error { return d.fail() }
func (d *downBackend) Delete(context.Context, string) error                { return d.fail() }
func (d *downBackend) Count(context.Context) (int64, error)                { return 0, d.fail() }
func (d *downBackend) Ping(context.Context) error                          { return d.fail() }
func (d *downBackend) Close(context.Context) error                         { return nil }

var fastStorePolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type fixture struct {
	engine  *Engine
	backend *store.Memory
	adapter *store.Adapter
	sender  *recordingSender
	events  *recordingEvents
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, build func(b *handler.Builder), cfg Config) *fixture {
	t.Helper()

	b := handler.NewBuilder()
	build(b)
	registry, err := b.Build()
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	log := slog.New(slog.NewJSONHandler(&lockedWriter{w: logs}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	backend := store.NewMemory()
	adapter := store.NewAdapter(backend, fastStorePolicy, log)
	sender := &recordingSender{}
	events := &recordingEvents{}

	return &fixture{
		engine:  NewEngine(registry, adapter, sender, events, cfg, log, nil),
		backend: backend,
		adapter: adapter,
		sender:  sender,
		events:  events,
		logs:    logs,
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func reply(text string) handler.HandlerFunc {
	return func(_ context.Context, ev bus.InboundEvent, st state.ConversationState) (handler.Result, error) {
		return handler.Reply(st, bus.SendMessage(ev.ChatID, text)), nil
	}
}

func command(chatID, id, name string) bus.InboundEvent {
	return bus.InboundEvent{ID: id, Channel: "telegram", ChatID: chatID, Kind: bus.KindCommand, Command: name}
}

func text(chatID, id, body string) bus.InboundEvent {
	return bus.InboundEvent{ID: id, Channel: "telegram", ChatID: chatID, Kind: bus.KindText, Text: body}
}

func TestUnknownCommandOnNewChatUsesDefaultAndCreatesState(t *testing.T) {
	f := newFixture(t, func(b *handler.Builder) {
		require.NoError(t, b.Register(handler.Command("start"), reply("welcome")))
		require.NoError(t, b.Default(reply("unrecognized")))
	}, Config{})

	f.engine.Dispatch(context.Background(), command("100", "e1", "whatever"))

	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "unrecognized", sent[0].Text)

	stored, found, err := f.backend.Get(context.Background(), "100")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, state.TagIdle, stored.Tag)
	assert.Equal(t, "100", stored.ChatID)
	assert.EqualValues(t, 1, stored.Version)
	assert.False(t, stored.UpdatedAt.IsZero())
	assert.Equal(t, []bus.EventType{bus.EventDispatched}, f.events.types())
}

func TestConcurrentDispatchForOneChatSerializes(t *testing.T) {
	const n = 50

	var (
		mu     sync.Mutex
		active int
		peak   int
	)
	counter := handler.HandlerFunc(func(_ context.Context, _ bus.InboundEvent, st state.ConversationState) (handler.Result, error) {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()

		count, _ := strconv.Atoi(st.Get("count"))
		time.Sleep(time.Millisecond)
		st.Set("count", strconv.Itoa(count+1))

		mu.Lock()
		active--
		mu.Unlock()
		return handler.Result{State: st}, nil
	})

	f := newFixture(t, func(b *handler.Builder) {
		require.NoError(t, b.Default(counter))
	}, Config{})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.engine.Dispatch(context.Background(), text("7", fmt.Sprintf("e%d", i), "tick"))
		}(i)
	}
	wg.Wait()

	stored, found, err := f.backend.Get(context.Background(), "7")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, strconv.Itoa(n), stored.Get("count"))
	assert.EqualValues(t, n, stored.Version)
	assert.Equal(t, 1, peak)
	assert.Zero(t, f.engine.locks.Len())
}

func TestDistinctChatsRunInParallel(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan string, 2)
	blocking := handler.HandlerFunc(func(_ context.Context, ev bus.InboundEvent, st state.ConversationState) (handler.Result, error) {
		entered <- ev.ChatID
		<-release
		return handler.Result{State: st}, nil
	})

	f := newFixture(t, func(b *handler.Builder) {
		require.NoError(t, b.Default(blocking))
	}, Config{})

	var wg sync.WaitGroup
	for _, chat := range []string{"a", "b"} {
		wg.Add(1)
		go func(chat string) {
			defer wg.Done()
			f.engine.Dispatch(context.Background(), text(chat, "e-"+chat, "x"))
		}(chat)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("second chat was blocked by the first")
		}
	}
	close(release)
	wg.Wait()
}

func TestStorageOutageLogsExactlyOneError(t *testing.T) {
	b := handler.NewBuilder()
	require.NoError(t, b.Default(reply("hi")))
	registry, err := b.Build()
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	log := slog.New(slog.NewJSONHandler(&lockedWriter{w: logs}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	backend := &downBackend{}
	sender := &recordingSender{}
	events := &recordingEvents{}
	engine := NewEngine(registry, store.NewAdapter(backend, fastStorePolicy, log), sender, events, Config{}, log, nil)

	assert.NotPanics(t, func() {
		engine.Dispatch(context.Background(), text("1", "e1", "hello"))
		engine.Dispatch(context.Background(), text("2", "e2", "hello"))
	})

	var errorLines []string
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		if strings.Contains(line, `"level":"ERROR"`) {
			errorLines = append(errorLines, line)
		}
	}
	require.Len(t, errorLines, 2)
	for _, line := range errorLines {
		assert.Contains(t, line, `"msg":"Dropping event: storage unavailable"`)
		assert.Contains(t, line, `"error_kind":"storage_unavailable"`)
	}
	assert.Contains(t, errorLines[0], `"event_id":"e1"`)
	assert.Contains(t, errorLines[1], `"event_id":"e2"`)

	assert.Equal(t, 6, backend.calls)
	assert.Empty(t, sender.sent())
	assert.Equal(t, []bus.EventType{bus.EventStorageUnavailable, bus.EventStorageUnavailable}, events.types())
}

func TestSaveFailureDropsBeforeSending(t *testing.T) {
	b := handler.NewBuilder()
	require.NoError(t, b.Default(reply("hi")))
	registry, err := b.Build()
	require.NoError(t, err)

	backend := &saveFailsBackend{Memory: store.NewMemory()}
	sender := &recordingSender{}
	engine := NewEngine(registry, store.NewAdapter(backend, fastStorePolicy, nil), sender, nil, Config{}, nil, nil)

	engine.Dispatch(context.Background(), text("1", "e1", "hello"))
	assert.Empty(t, sender.sent())
}

type saveFailsBackend struct {
	*store.Memory
}

func (s *saveFailsBackend) Put(context.Context, state.ConversationState) error {
	return errors.New("write timeout")
}

func TestHandlerFailuresDegradeToNoop(t *testing.T) {
	tests := []struct {
		name string
		h    handler.HandlerFunc
	}{
		{
			name: "error",
			h: func(context.Context, bus.InboundEvent, state.ConversationState) (handler.Result, error) {
				return handler.Result{}, errors.New("boom")
			},
		},
		{
			name: "panic",
			h: func(context.Context, bus.InboundEvent, state.ConversationState) (handler.Result, error) {
				panic("nil map write")
			},
		},
		{
			name: "unknown state tag",
			h: func(_ context.Context, ev bus.InboundEvent, st state.ConversationState) (handler.Result, error) {
				st.Transition("nowhere")
				return handler.Reply(st, bus.SendMessage(ev.ChatID, "x")), nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(b *handler.Builder) {
				require.NoError(t, b.Default(tt.h))
			}, Config{})

			seed := state.New("5", time.Now().UTC())
			seed.Set("keep", "me")
			seed.Version = 3
			require.NoError(t, f.backend.Put(context.Background(), seed))

			assert.NotPanics(t, func() {
				f.engine.Dispatch(context.Background(), text("5", "e1", "hi"))
			})

			stored, _, err := f.backend.Get(context.Background(), "5")
			require.NoError(t, err)
			assert.EqualValues(t, 3, stored.Version)
			assert.Equal(t, "me", stored.Get("keep"))
			assert.Empty(t, f.sender.sent())
			assert.Equal(t, []bus.EventType{bus.EventHandlerFailed}, f.events.types())
			assert.Contains(t, f.logs.String(), `"error_kind":"handler_failure"`)
			assert.Contains(t, f.logs.String(), `"chat_id":"5"`)
		})
	}
}

func TestHandlerTimeout(t *testing.T) {
	slow := handler.HandlerFunc(func(ctx context.Context, _ bus.InboundEvent, st state.ConversationState) (handler.Result, error) {
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return handler.Result{State: st}, nil
	})
	f := newFixture(t, func(b *handler.Builder) {
		require.NoError(t, b.Default(slow))
	}, Config{HandlerTimeout: 20 * time.Millisecond})

	f.engine.Dispatch(context.Background(), text("1", "e1", "x"))

	_, found, err := f.backend.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, []bus.EventType{bus.EventHandlerFailed}, f.events.types())
}

func TestHandlerReceivesPrivateCopies(t *testing.T) {
	mutating := handler.HandlerFunc(func(_ context.Context, ev bus.InboundEvent, st state.ConversationState) (handler.Result, error) {
		ev.Args[0] = "changed"
		st.Context["seen"] = "yes"
		return handler.Result{State: st}, nil
	})
	f := newFixture(t, func(b *handler.Builder) {
		require.NoError(t, b.Default(mutating))
	}, Config{})

	ev := command("1", "e1", "search")
	ev.Args = []string{"bleach"}
	f.engine.Dispatch(context.Background(), ev)

	assert.Equal(t, "bleach", ev.Args[0])
}

func TestDeduplicationSkipsReplays(t *testing.T) {
	f := newFixture(t, func(b *handler.Builder) {
		require.NoError(t, b.Default(reply("once")))
	}, Config{DedupWindow: 2})

	f.engine.Dispatch(context.Background(), text("1", "e1", "x"))
	f.engine.Dispatch(context.Background(), text("1", "e1", "x"))
	assert.Len(t, f.sender.sent(), 1)

	f.engine.Dispatch(context.Background(), text("1", "e2", "x"))
	f.engine.Dispatch(context.Background(), text("1", "e3", "x"))
	f.engine.Dispatch(context.Background(), text("1", "e1", "x"))
	assert.Len(t, f.sender.sent(), 4)

	assert.Contains(t, f.events.types(), bus.EventDuplicate)
}

func TestWithoutDeduplicationReplaysResend(t *testing.T) {
	f := newFixture(t, func(b *handler.Builder) {
		require.NoError(t, b.Default(reply("again")))
	}, Config{})

	f.engine.Dispatch(context.Background(), text("1", "e1", "x"))
	f.engine.Dispatch(context.Background(), text("1", "e1", "x"))
	assert.Len(t, f.sender.sent(), 2)
}

func TestActionsSentInOrderAfterFailures(t *testing.T) {
	multi := handler.HandlerFunc(func(_ context.Context, ev bus.InboundEvent, st state.ConversationState) (handler.Result, error) {
		return handler.Reply(st,
			bus.AnswerCallback(ev.CallbackID, ""),
			bus.EditMessage("", 9, "edited"),
			bus.SendMessage("", "third"),
		), nil
	})
	f := newFixture(t, func(b *handler.Builder) {
		require.NoError(t, b.Default(multi))
	}, Config{})
	f.sender.failOn = map[bus.ActionKind]error{
		bus.ActionEditMessage: apperr.Wrap(apperr.OutboundPermanent, errors.New("message is not modified"), ""),
	}

	f.engine.Dispatch(context.Background(), bus.InboundEvent{ID: "e1", ChatID: "3", Kind: bus.KindCallback, CallbackID: "cb"})

	sent := f.sender.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, bus.ActionAnswerCallback, sent[0].Kind)
	assert.Equal(t, bus.ActionEditMessage, sent[1].Kind)
	assert.Equal(t, bus.ActionSendMessage, sent[2].Kind)
	for _, action := range sent {
		assert.Equal(t, "3", action.ChatID)
	}
	assert.Equal(t, []bus.EventType{bus.EventOutboundFailed, bus.EventDispatched}, f.events.types())
	assert.Contains(t, f.logs.String(), `"error_kind":"outbound_permanent"`)
}

func TestStateTransitionsAndTTL(t *testing.T) {
	f := newFixture(t, func(b *handler.Builder) {
		require.NoError(t, b.Register(handler.Command("search"), handler.HandlerFunc(func(_ context.Context, ev bus.InboundEvent, st state.ConversationState) (handler.Result, error) {
			st.Transition("awaiting_title")
			return handler.Reply(st, bus.SendMessage(ev.ChatID, "Which title?")), nil
		})))
		require.NoError(t, b.Register(handler.State("awaiting_title"), handler.HandlerFunc(func(_ context.Context, ev bus.InboundEvent, st state.ConversationState) (handler.Result, error) {
			st.Set("title", ev.Text)
			st.Transition(state.TagIdle)
			return handler.Reply(st, bus.SendMessage(ev.ChatID, "Searching "+ev.Text)), nil
		})))
		require.NoError(t, b.Default(reply("?")))
	}, Config{StateTTL: time.Hour})

	f.engine.Dispatch(context.Background(), command("1", "e1", "search"))
	stored, _, _ := f.backend.Get(context.Background(), "1")
	assert.Equal(t, "awaiting_title", stored.Tag)
	require.NotNil(t, stored.ExpiresAt)

	f.engine.Dispatch(context.Background(), text("1", "e2", "Mushishi"))
	stored, _, _ = f.backend.Get(context.Background(), "1")
	assert.Equal(t, state.TagIdle, stored.Tag)
	assert.Equal(t, "Mushishi", stored.Get("title"))
	assert.EqualValues(t, 2, stored.Version)

	sent := f.sender.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "Searching Mushishi", sent[1].Text)
}

func TestResetDeletesState(t *testing.T) {
	resetter := handler.HandlerFunc(func(_ context.Context, ev bus.InboundEvent, _ state.ConversationState) (handler.Result, error) {
		return handler.Result{Reset: true, Actions: []bus.OutboundAction{bus.SendMessage(ev.ChatID, "reset")}}, nil
	})
	f := newFixture(t, func(b *handler.Builder) {
		require.NoError(t, b.Register(handler.Command("reset"), resetter))
		require.NoError(t, b.Default(reply("?")))
	}, Config{})

	f.engine.Dispatch(context.Background(), text("1", "e1", "hello"))
	count, err := f.backend.Count(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	f.engine.Dispatch(context.Background(), command("1", "e2", "reset"))
	count, err = f.backend.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
	assert.Len(t, f.sender.sent(), 2)
}

func TestResetWithDeduplicationKeepsMarker(t *testing.T) {
	resetter := handler.HandlerFunc(func(context.Context, bus.InboundEvent, state.ConversationState) (handler.Result, error) {
		return handler.Result{Reset: true}, nil
	})
	f := newFixture(t, func(b *handler.Builder) {
		require.NoError(t, b.Default(resetter))
	}, Config{DedupWindow: 10})

	f.engine.Dispatch(context.Background(), text("1", "e1", "x"))
	stored, found, err := f.backend.Get(context.Background(), "1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, state.TagIdle, stored.Tag)
	assert.True(t, stored.Seen("e1"))
}

func TestEventWithoutChatIsRejected(t *testing.T) {
	f := newFixture(t, func(b *handler.Builder) {
		require.NoError(t, b.Default(reply("?")))
	}, Config{})

	f.engine.Dispatch(context.Background(), bus.InboundEvent{ID: "e1", Kind: bus.KindText})

	assert.Empty(t, f.sender.sent())
	assert.Equal(t, []bus.EventType{bus.EventRejected}, f.events.types())
	assert.Contains(t, f.logs.String(), `"error_kind":"malformed_input"`)
}

func TestCancelledDispatchDoesNotPersist(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancelling := handler.HandlerFunc(func(_ context.Context, _ bus.InboundEvent, st state.ConversationState) (handler.Result, error) {
		cancel()
		st.Set("half", "done")
		return handler.Result{State: st}, nil
	})
	f := newFixture(t, func(b *handler.Builder) {
		require.NoError(t, b.Default(cancelling))
	}, Config{})

	f.engine.Dispatch(ctx, text("1", "e1", "x"))

	_, found, err := f.backend.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.False(t, found)
}
