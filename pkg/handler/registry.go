package handler

import (
	"errors"
	"sort"
	"strings"

	"github.com/MovieFirebots/Anime-Realm/pkg/apperr"
	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
	"github.com/MovieFirebots/Anime-Realm/pkg/state"
)

var (
	ErrDuplicatePattern  = errors.New("duplicate handler pattern")
	ErrOverlappingPrefix = errors.New("overlapping callback prefix")
	ErrInvalidPattern    = errors.New("invalid handler pattern")
	ErrMissingDefault    = errors.New("default handler is required")
	ErrFrozen            = errors.New("registry builder already built")
)

// MatchKind reports which rule selected a handler.
type MatchKind string

const (
	MatchNone     MatchKind = ""
	MatchCommand  MatchKind = "command"
	MatchState    MatchKind = "state"
	MatchCallback MatchKind = "callback"
	MatchDefault  MatchKind = "default"
)

type prefixBinding struct {
	prefix  string
	handler Handler
}

// Builder is not safe for concurrent use; it lives only during startup.
type Builder struct {
	commands map[string]Handler
	states   map[string]Handler
	prefixes []prefixBinding
	fallback Handler
	declared map[string]struct{}
	frozen   bool
}

func NewBuilder() *Builder {
	return &Builder{
		commands: make(map[string]Handler),
		states:   make(map[string]Handler),
		declared: map[string]struct{}{state.TagIdle: {}},
	}
}

// Register binds pattern to h. Duplicates and callback prefixes that are a
// prefix of one another are rejected as configuration errors.
func (b *Builder) Register(pattern Pattern, h Handler) error {
	if b.frozen {
		return configError(ErrFrozen, pattern.String())
	}
	if h == nil || pattern.Value == "" {
		return configError(ErrInvalidPattern, pattern.String())
	}

	switch pattern.Kind {
	case PatternCommand:
		if _, ok := b.commands[pattern.Value]; ok {
			return configError(ErrDuplicatePattern, pattern.String())
		}
		b.commands[pattern.Value] = h
	case PatternState:
		if _, ok := b.states[pattern.Value]; ok {
			return configError(ErrDuplicatePattern, pattern.String())
		}
		b.states[pattern.Value] = h
		b.declared[pattern.Value] = struct{}{}
	case PatternCallbackPrefix:
		for _, existing := range b.prefixes {
			if existing.prefix == pattern.Value {
				return configError(ErrDuplicatePattern, pattern.String())
			}
			if strings.HasPrefix(existing.prefix, pattern.Value) || strings.HasPrefix(pattern.Value, existing.prefix) {
				return configError(ErrOverlappingPrefix, pattern.Value+" overlaps "+existing.prefix)
			}
		}
		b.prefixes = append(b.prefixes, prefixBinding{prefix: pattern.Value, handler: h})
	default:
		return configError(ErrInvalidPattern, pattern.String())
	}

	return nil
}

// Default sets the handler used when nothing else matches.
func (b *Builder) Default(h Handler) error {
	if b.frozen {
		return configError(ErrFrozen, "default")
	}
	if h == nil {
		return configError(ErrInvalidPattern, "default")
	}
	if b.fallback != nil {
		return configError(ErrDuplicatePattern, "default")
	}
	b.fallback = h
	return nil
}

// DeclareStates adds tags handlers may transition to without owning a state binding.
func (b *Builder) DeclareStates(tags ...string) {
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			b.declared[tag] = struct{}{}
		}
	}
}

// Build freezes the builder and returns the immutable registry.
func (b *Builder) Build() (*Registry, error) {
	if b.frozen {
		return nil, configError(ErrFrozen, "build")
	}
	if b.fallback == nil {
		return nil, configError(ErrMissingDefault, "")
	}
	b.frozen = true

	registry := &Registry{
		commands: make(map[string]Handler, len(b.commands)),
		states:   make(map[string]Handler, len(b.states)),
		prefixes: append([]prefixBinding(nil), b.prefixes...),
		fallback: b.fallback,
		known:    make(map[string]struct{}, len(b.declared)),
	}
	for name, h := range b.commands {
		registry.commands[name] = h
	}
	for tag, h := range b.states {
		registry.states[tag] = h
	}
	for tag := range b.declared {
		registry.known[tag] = struct{}{}
	}

	return registry, nil
}

// Registry is read-only after Build and safe for concurrent Resolve calls.
type Registry struct {
	commands map[string]Handler
	states   map[string]Handler
	prefixes []prefixBinding
	fallback Handler
	known    map[string]struct{}
}

// Resolve picks the handler for event given the current state. Precedence is
// exact command, then current-state binding, then callback prefix, then default.
func (r *Registry) Resolve(event bus.InboundEvent, st state.ConversationState) (Handler, MatchKind) {
	if event.Kind == bus.KindCommand {
		if h, ok := r.commands[NormalizeCommand(event.Command)]; ok {
			return h, MatchCommand
		}
	}

	if h, ok := r.states[st.Tag]; ok {
		return h, MatchState
	}

	if event.Kind == bus.KindCallback {
		for _, binding := range r.prefixes {
			if strings.HasPrefix(event.CallbackData, binding.prefix) {
				return binding.handler, MatchCallback
			}
		}
	}

	return r.fallback, MatchDefault
}

// KnownState reports whether tag belongs to the finite state set.
func (r *Registry) KnownState(tag string) bool {
	_, ok := r.known[tag]
	return ok
}

// Commands lists registered command names in order.
func (r *Registry) Commands() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

func configError(err error, detail string) error {
	return apperr.Wrap(apperr.ConfigurationError, err, detail)
}
