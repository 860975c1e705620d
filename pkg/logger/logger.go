package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"github.com/MovieFirebots/Anime-Realm/pkg/config"
	"github.com/MovieFirebots/Anime-Realm/pkg/jsoncodec"
)

const (
	envFormat = "REALM_LOG_FORMAT"
	envLevel  = "REALM_LOG_LEVEL"
)

// LogEntry is one JSON log line. Correlation keys are lifted out of Fields so
// every failure can be traced back to its chat and inbound event.
type LogEntry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	ChatID    string         `json:"chat_id,omitempty"`
	EventID   string         `json:"event_id,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

var promoted = map[string]func(*LogEntry, string){
	"component": func(e *LogEntry, v string) { e.Component = v },
	"chat_id":   func(e *LogEntry, v string) { e.ChatID = v },
	"event_id":  func(e *LogEntry, v string) { e.EventID = v },
}

// New builds the process logger: charm text for terminals, one LogEntry per
// line for "json". REALM_LOG_FORMAT and REALM_LOG_LEVEL override cfg.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	format := setting(cfg.Format, envFormat, "text")
	level, err := parseLevel(setting(cfg.Level, envLevel, "info"))
	if err != nil {
		return nil, err
	}

	switch format {
	case "text":
		return slog.New(charmLog.NewWithOptions(writer, charmLog.Options{
			Level:           charmLevel(level),
			ReportTimestamp: true,
			Prefix:          "realm",
		})), nil
	case "json":
		return slog.New(&entryHandler{level: level, writer: writer, mu: &sync.Mutex{}}), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

func setting(value string, env string, fallback string) string {
	if override := strings.TrimSpace(os.Getenv(env)); override != "" {
		value = override
	}
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	return value
}

func parseLevel(text string) (slog.Level, error) {
	if text == "warning" {
		text = "warn"
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(text)); err != nil {
		return 0, fmt.Errorf("unsupported log level %q", text)
	}
	return level, nil
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

type entryHandler struct {
	level  slog.Level
	writer io.Writer
	attrs  []slog.Attr
	groups []string
	mu     *sync.Mutex
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *entryHandler) Handle(_ context.Context, record slog.Record) error {
	stamp := record.Time
	if stamp.IsZero() {
		stamp = time.Now()
	}

	entry := LogEntry{
		Level:     strings.ToLower(record.Level.String()),
		Timestamp: stamp.UTC().Format(time.RFC3339Nano),
		Message:   record.Message,
	}

	fields := make(map[string]any)
	add := func(attr slog.Attr) bool {
		attr.Value = attr.Value.Resolve()
		if attr.Equal(slog.Attr{}) {
			return true
		}
		if set, ok := promoted[attr.Key]; ok && len(h.groups) == 0 && attr.Value.Kind() == slog.KindString {
			set(&entry, attr.Value.String())
			return true
		}
		fields[strings.Join(append(append([]string{}, h.groups...), attr.Key), ".")] = attrValue(attr.Value)
		return true
	}
	for _, attr := range h.attrs {
		add(attr)
	}
	record.Attrs(add)
	if len(fields) > 0 {
		entry.Fields = fields
	}

	line, err := jsoncodec.Marshal(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(append(line, '\n'))
	return err
}

func attrValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := make(map[string]any)
		for _, item := range value.Group() {
			group[item.Key] = attrValue(item.Value.Resolve())
		}
		return group
	}

	if err, ok := value.Any().(error); ok {
		return err.Error()
	}
	return value.Any()
}

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *entryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}
