package bus

import (
	"time"

	"github.com/MovieFirebots/Anime-Realm/pkg/retry"
)

type EventKind string

const (
	KindCommand  EventKind = "command"
	KindText     EventKind = "text"
	KindCallback EventKind = "callback"
	KindMedia    EventKind = "media"
)

// Media describes a file attached to an inbound message.
type Media struct {
	Type     string `json:"type"`
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// InboundEvent is a normalized platform update. It is passed by value and
// must not be mutated after construction; use Clone before handing it out.
type InboundEvent struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel"`
	ChatID       string    `json:"chat_id"`
	ChatType     string    `json:"chat_type,omitempty"`
	SenderID     string    `json:"sender_id,omitempty"`
	SenderName   string    `json:"sender_name,omitempty"`
	Kind         EventKind `json:"kind"`
	Command      string    `json:"command,omitempty"`
	Args         []string  `json:"args,omitempty"`
	Text         string    `json:"text,omitempty"`
	CallbackID   string    `json:"callback_id,omitempty"`
	CallbackData string    `json:"callback_data,omitempty"`
	MessageID    int       `json:"message_id,omitempty"`
	Media        *Media    `json:"media,omitempty"`
	Raw          []byte    `json:"raw,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Clone returns a deep copy so slices and the media pointer are never shared.
func (e InboundEvent) Clone() InboundEvent {
	out := e
	if e.Args != nil {
		out.Args = append([]string(nil), e.Args...)
	}
	if e.Raw != nil {
		out.Raw = append([]byte(nil), e.Raw...)
	}
	if e.Media != nil {
		media := *e.Media
		out.Media = &media
	}

	return out
}

type ActionKind string

const (
	ActionSendMessage    ActionKind = "send_message"
	ActionEditMessage    ActionKind = "edit_message"
	ActionAnswerCallback ActionKind = "answer_callback"
	ActionExternalCall   ActionKind = "external_call"
)

const (
	TargetTelegram = "telegram"
	TargetExternal = "external"
)

// Button is one inline keyboard button.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

// OutboundAction is an effect requested by a handler. Target defaults to the
// chat platform; Retry overrides the target's retry policy field by field.
type OutboundAction struct {
	ID         string         `json:"id,omitempty"`
	Target     string         `json:"target,omitempty"`
	ChatID     string         `json:"chat_id,omitempty"`
	Kind       ActionKind     `json:"kind"`
	Text       string         `json:"text,omitempty"`
	ParseMode  string         `json:"parse_mode,omitempty"`
	MessageID  int            `json:"message_id,omitempty"`
	CallbackID string         `json:"callback_id,omitempty"`
	ShowAlert  bool           `json:"show_alert,omitempty"`
	Buttons    [][]Button     `json:"buttons,omitempty"`
	Path       string         `json:"path,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Retry      *retry.Policy  `json:"-"`
}

func SendMessage(chatID string, text string) OutboundAction {
	return OutboundAction{Kind: ActionSendMessage, ChatID: chatID, Text: text}
}

func EditMessage(chatID string, messageID int, text string) OutboundAction {
	return OutboundAction{Kind: ActionEditMessage, ChatID: chatID, MessageID: messageID, Text: text}
}

func AnswerCallback(callbackID string, text string) OutboundAction {
	return OutboundAction{Kind: ActionAnswerCallback, CallbackID: callbackID, Text: text}
}

// ExternalCall posts payload to path on the third-party API target.
func ExternalCall(path string, payload map[string]any) OutboundAction {
	return OutboundAction{Kind: ActionExternalCall, Target: TargetExternal, Path: path, Payload: payload}
}
