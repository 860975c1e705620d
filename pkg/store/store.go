// Package store persists conversation state. Backends do single attempts; the
// Adapter adds bounded retry and turns exhaustion into storage_unavailable.
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MovieFirebots/Anime-Realm/pkg/apperr"
	"github.com/MovieFirebots/Anime-Realm/pkg/retry"
	"github.com/MovieFirebots/Anime-Realm/pkg/state"
)

// Backend is one storage engine holding one document per chat.
type Backend interface {
	// Get returns found=false, not an error, when no document exists.
	Get(ctx context.Context, chatID string) (state.ConversationState, bool, error)
	Put(ctx context.Context, st state.ConversationState) error
	Delete(ctx context.Context, chatID string) error
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a backend error that retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *permanentError
	return errors.As(err, &permanent)
}

// Adapter is the persistence entry point used by the dispatch engine.
type Adapter struct {
	backend Backend
	policy  retry.Policy
	log     *slog.Logger
	now     func() time.Time
}

// NewAdapter wraps backend with policy. Cancellation and Permanent errors are never retried.
func NewAdapter(backend Backend, policy retry.Policy, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}

	policy.Retryable = func(err error) bool {
		if IsPermanent(err) {
			return false
		}
		return !errors.Is(err, context.Canceled)
	}

	adapter := &Adapter{
		backend: backend,
		log:     log.With("component", "store.adapter"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	policy.OnRetry = func(attempt int, err error, next time.Duration) {
		adapter.log.Warn("Storage operation failed, retrying", "attempt", attempt, "next_delay", next, "error", err)
	}
	adapter.policy = policy

	return adapter
}

// Load returns the stored state, or a fresh default when none exists or the
// stored one has expired.
func (a *Adapter) Load(ctx context.Context, chatID string) (state.ConversationState, error) {
	var (
		st    state.ConversationState
		found bool
	)

	err := a.policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		st, found, err = a.backend.Get(ctx, chatID)
		return err
	})
	if err != nil {
		return state.ConversationState{}, unavailable(err, "load state for chat "+chatID)
	}

	now := a.now()
	if !found || st.Expired(now) {
		return state.New(chatID, now), nil
	}
	if st.Context == nil {
		st.Context = map[string]string{}
	}

	return st, nil
}

// Save writes st under chatID. The chat id in the document always matches the key.
func (a *Adapter) Save(ctx context.Context, chatID string, st state.ConversationState) error {
	st.ChatID = chatID
	err := a.policy.Do(ctx, func(ctx context.Context, _ int) error {
		return a.backend.Put(ctx, st)
	})
	if err != nil {
		return unavailable(err, "save state for chat "+chatID)
	}

	return nil
}

// Reset removes the stored state so the next Load starts fresh.
func (a *Adapter) Reset(ctx context.Context, chatID string) error {
	err := a.policy.Do(ctx, func(ctx context.Context, _ int) error {
		return a.backend.Delete(ctx, chatID)
	})
	if err != nil {
		return unavailable(err, "reset state for chat "+chatID)
	}

	return nil
}

// Count returns the number of stored conversations.
func (a *Adapter) Count(ctx context.Context) (int64, error) {
	var count int64
	err := a.policy.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		count, err = a.backend.Count(ctx)
		return err
	})
	if err != nil {
		return 0, unavailable(err, "count conversations")
	}

	return count, nil
}

// Ping checks backend connectivity once, without retry.
func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.backend.Ping(ctx); err != nil {
		return apperr.Wrap(apperr.StorageUnavailable, err, "ping")
	}

	return nil
}

func (a *Adapter) Close(ctx context.Context) error {
	return a.backend.Close(ctx)
}

func unavailable(err error, detail string) error {
	return apperr.Wrap(apperr.StorageUnavailable, err, detail)
}
