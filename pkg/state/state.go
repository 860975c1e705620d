// Package state defines the per-chat conversation document.
package state

import (
	"maps"
	"slices"
	"time"
)

// TagIdle is the tag of a freshly created conversation.
const TagIdle = "idle"

// ConversationState is keyed by chat id. Context holds handler-owned key/value
// data; Processed keeps the most recent event ids for de-duplication.
type ConversationState struct {
	ChatID    string            `json:"chat_id" bson:"_id"`
	Tag       string            `json:"tag" bson:"tag"`
	Context   map[string]string `json:"context,omitempty" bson:"context,omitempty"`
	Processed []string          `json:"processed,omitempty" bson:"processed,omitempty"`
	Version   int64             `json:"version" bson:"version"`
	CreatedAt time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" bson:"updated_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
}

// New returns the default state for a chat that has none stored.
func New(chatID string, now time.Time) ConversationState {
	return ConversationState{
		ChatID:    chatID,
		Tag:       TagIdle,
		Context:   map[string]string{},
		CreatedAt: now.UTC(),
	}
}

// IsNew reports whether the state has never been saved.
func (s ConversationState) IsNew() bool {
	return s.Version == 0
}

// Clone returns a copy that shares no maps, slices or pointers with s.
func (s ConversationState) Clone() ConversationState {
	out := s
	out.Context = maps.Clone(s.Context)
	if out.Context == nil {
		out.Context = map[string]string{}
	}
	out.Processed = slices.Clone(s.Processed)
	if s.ExpiresAt != nil {
		expires := *s.ExpiresAt
		out.ExpiresAt = &expires
	}

	return out
}

func (s ConversationState) Get(key string) string {
	return s.Context[key]
}

// Set writes a context value on the receiver's copy.
func (s *ConversationState) Set(key string, value string) {
	if s.Context == nil {
		s.Context = map[string]string{}
	}
	s.Context[key] = value
}

func (s *ConversationState) Delete(key string) {
	delete(s.Context, key)
}

// Transition moves the conversation to tag.
func (s *ConversationState) Transition(tag string) {
	s.Tag = tag
}

// ExpireAfter schedules the state to be treated as absent once d has passed.
// A non-positive d clears any expiry.
func (s *ConversationState) ExpireAfter(now time.Time, d time.Duration) {
	if d <= 0 {
		s.ExpiresAt = nil
		return
	}

	at := now.Add(d).UTC()
	s.ExpiresAt = &at
}

func (s ConversationState) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// Seen reports whether eventID is in the processed window.
func (s ConversationState) Seen(eventID string) bool {
	if eventID == "" {
		return false
	}

	return slices.Contains(s.Processed, eventID)
}

// MarkProcessed records eventID, keeping at most window ids (oldest dropped first).
func (s *ConversationState) MarkProcessed(eventID string, window int) {
	if eventID == "" || window <= 0 || s.Seen(eventID) {
		return
	}

	s.Processed = append(s.Processed, eventID)
	if overflow := len(s.Processed) - window; overflow > 0 {
		s.Processed = slices.Clone(s.Processed[overflow:])
	}
}
