// Package handler binds inbound event patterns to business handlers.
//
// A Builder collects bindings during startup and fails fast on conflicts.
// Build freezes it into a Registry whose read path takes no locks.
package handler

import (
	"context"

	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
	"github.com/MovieFirebots/Anime-Realm/pkg/state"
)

// Result is what a handler returns: the next state, the actions to send in
// order, and whether the stored state should be reset instead of saved.
type Result struct {
	State   state.ConversationState
	Actions []bus.OutboundAction
	Reset   bool
}

// Handler receives a private copy of the event and the state.
type Handler interface {
	Handle(ctx context.Context, event bus.InboundEvent, st state.ConversationState) (Result, error)
}

type HandlerFunc func(ctx context.Context, event bus.InboundEvent, st state.ConversationState) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, event bus.InboundEvent, st state.ConversationState) (Result, error) {
	return f(ctx, event, st)
}

// Reply keeps st and sends actions.
func Reply(st state.ConversationState, actions ...bus.OutboundAction) Result {
	return Result{State: st, Actions: actions}
}
