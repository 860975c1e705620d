package handler

import (
	"strings"
)

type PatternKind int

const (
	PatternCommand PatternKind = iota + 1
	PatternState
	PatternCallbackPrefix
)

func (k PatternKind) String() string {
	switch k {
	case PatternCommand:
		return "command"
	case PatternState:
		return "state"
	case PatternCallbackPrefix:
		return "callback"
	default:
		return "unknown"
	}
}

// Pattern selects which events a handler receives.
type Pattern struct {
	Kind  PatternKind
	Value string
}

// Command matches a command by name, with or without the leading slash.
func Command(name string) Pattern {
	return Pattern{Kind: PatternCommand, Value: NormalizeCommand(name)}
}

// State matches any event the conversation receives while in tag, including
// commands that have no exact binding of their own.
func State(tag string) Pattern {
	return Pattern{Kind: PatternState, Value: strings.TrimSpace(tag)}
}

// CallbackPrefix matches callback queries whose data starts with prefix.
func CallbackPrefix(prefix string) Pattern {
	return Pattern{Kind: PatternCallbackPrefix, Value: prefix}
}

func (p Pattern) String() string {
	return p.Kind.String() + ":" + p.Value
}

// NormalizeCommand lowercases name and strips a leading slash and any @bot suffix.
func NormalizeCommand(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}

	return strings.ToLower(name)
}
