package store

import (
	"context"
	"sync"

	"github.com/MovieFirebots/Anime-Realm/pkg/state"
)

// Memory is a process-local backend used by the console sandbox and tests.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]state.ConversationState
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]state.ConversationState)}
}

func (m *Memory) Get(_ context.Context, chatID string) (state.ConversationState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.docs[chatID]
	if !ok {
		return state.ConversationState{}, false, nil
	}

	return st.Clone(), true, nil
}

func (m *Memory) Put(_ context.Context, st state.ConversationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[st.ChatID] = st.Clone()
	return nil
}

func (m *Memory) Delete(_ context.Context, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, chatID)
	return nil
}

func (m *Memory) Count(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.docs)), nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) Close(context.Context) error {
	return nil
}
