// Package builtin provides the baseline command set every deployment starts with.
package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
	"github.com/MovieFirebots/Anime-Realm/pkg/handler"
	"github.com/MovieFirebots/Anime-Realm/pkg/state"
)

// CancelPrefix is the callback data prefix that abandons the current flow.
const CancelPrefix = "cancel_"

// Counter reports how many conversations are stored.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

type Options struct {
	BotName  string
	AdminIDs []string
	Stats    Counter
}

type bundle struct {
	opts   Options
	admins map[string]struct{}
}

// Register adds /start, /help, /reset, /stats, the cancel_ callback and the
// unrecognized-input default to b.
func Register(b *handler.Builder, opts Options) error {
	if opts.BotName == "" {
		opts.BotName = "Anime Realm"
	}
	bb := &bundle{opts: opts, admins: make(map[string]struct{}, len(opts.AdminIDs))}
	for _, id := range opts.AdminIDs {
		if id = strings.TrimSpace(id); id != "" {
			bb.admins[id] = struct{}{}
		}
	}

	bindings := []struct {
		pattern handler.Pattern
		fn      handler.HandlerFunc
	}{
		{handler.Command("start"), bb.start},
		{handler.Command("help"), bb.help},
		{handler.Command("reset"), bb.reset},
		{handler.Command("stats"), bb.stats},
		{handler.CallbackPrefix(CancelPrefix), bb.cancel},
	}
	for _, binding := range bindings {
		if err := b.Register(binding.pattern, binding.fn); err != nil {
			return err
		}
	}

	return b.Default(handler.HandlerFunc(bb.unrecognized))
}

func (b *bundle) start(_ context.Context, ev bus.InboundEvent, st state.ConversationState) (handler.Result, error) {
	name := ev.SenderName
	if name == "" {
		name = "there"
	}
	st.Transition(state.TagIdle)
	if ev.SenderName != "" {
		st.Set("first_name", ev.SenderName)
	}

	text := fmt.Sprintf("Hi %s, welcome to %s. Send /help to see what I can do.", name, b.opts.BotName)
	return handler.Reply(st, bus.SendMessage(ev.ChatID, text)), nil
}

func (b *bundle) help(_ context.Context, ev bus.InboundEvent, st state.ConversationState) (handler.Result, error) {
	lines := []string{
		"/start - introduction",
		"/help - this message",
		"/reset - forget this conversation",
	}
	if b.isAdmin(ev.SenderID) {
		lines = append(lines, "/stats - stored conversations")
	}

	return handler.Reply(st, bus.SendMessage(ev.ChatID, strings.Join(lines, "\n"))), nil
}

func (b *bundle) reset(_ context.Context, ev bus.InboundEvent, st state.ConversationState) (handler.Result, error) {
	return handler.Result{
		State:   state.New(ev.ChatID, st.CreatedAt),
		Actions: []bus.OutboundAction{bus.SendMessage(ev.ChatID, "Conversation reset.")},
		Reset:   true,
	}, nil
}

func (b *bundle) stats(ctx context.Context, ev bus.InboundEvent, st state.ConversationState) (handler.Result, error) {
	if !b.isAdmin(ev.SenderID) {
		return handler.Reply(st, bus.SendMessage(ev.ChatID, "This command is only for admins.")), nil
	}
	if b.opts.Stats == nil {
		return handler.Reply(st, bus.SendMessage(ev.ChatID, "Stats are not available.")), nil
	}

	count, err := b.opts.Stats.Count(ctx)
	if err != nil {
		return handler.Result{}, fmt.Errorf("count conversations: %w", err)
	}

	return handler.Reply(st, bus.SendMessage(ev.ChatID, fmt.Sprintf("Stored conversations: %d", count))), nil
}

func (b *bundle) cancel(_ context.Context, ev bus.InboundEvent, st state.ConversationState) (handler.Result, error) {
	st.Transition(state.TagIdle)
	st.Context = map[string]string{}

	actions := []bus.OutboundAction{bus.AnswerCallback(ev.CallbackID, "Cancelled")}
	if ev.MessageID != 0 {
		actions = append(actions, bus.EditMessage(ev.ChatID, ev.MessageID, "Cancelled."))
	}

	return handler.Result{State: st, Actions: actions}, nil
}

func (b *bundle) unrecognized(_ context.Context, ev bus.InboundEvent, st state.ConversationState) (handler.Result, error) {
	if ev.Kind == bus.KindCallback {
		return handler.Reply(st, bus.AnswerCallback(ev.CallbackID, "")), nil
	}

	return handler.Reply(st, bus.SendMessage(ev.ChatID, "Sorry, I did not understand that. Send /help for the command list.")), nil
}

func (b *bundle) isAdmin(senderID string) bool {
	_, ok := b.admins[senderID]
	return ok
}
