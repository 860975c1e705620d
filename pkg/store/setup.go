package store

import (
	"context"
	"sync"
)

// Setup runs an idempotent backend initialization (schema, indexes) until it
// succeeds once. Backends call Ensure before every operation, so a store that
// is down at startup gets prepared on first contact instead of failing boot.
type Setup struct {
	mu   sync.Mutex
	done bool
	fn   func(ctx context.Context) error
}

func NewSetup(fn func(ctx context.Context) error) *Setup {
	return &Setup{fn: fn}
}

// Ensure returns nil once fn has succeeded; until then each call retries fn.
func (s *Setup) Ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil
	}
	if err := s.fn(ctx); err != nil {
		return err
	}
	s.done = true

	return nil
}

// Ready reports whether fn has succeeded.
func (s *Setup) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
