package webhook

import (
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
)

const channelName = "telegram"

// EventID derives a stable event id from the platform update id so webhook
// redeliveries of the same update share one identifier.
func EventID(updateID int) string {
	return channelName + ":" + strconv.Itoa(updateID)
}

// ParseCommand splits "/name@bot arg1 arg2" into a lowercase command name and
// its arguments. ok is false when text is not a command.
func ParseCommand(text string) (name string, args []string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}

	name = strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return "", nil, false
	}

	if len(fields) > 1 {
		args = fields[1:]
	}

	return strings.ToLower(name), args, true
}

// Normalize converts a platform update into an InboundEvent. Update kinds the
// dispatcher does not handle (edits, polls, member changes, ...) report false.
func Normalize(update telego.Update, raw []byte, receivedAt time.Time) (bus.InboundEvent, bool) {
	ev := bus.InboundEvent{
		ID:         EventID(update.UpdateID),
		Channel:    channelName,
		ReceivedAt: receivedAt.UTC(),
	}
	if raw != nil {
		ev.Raw = append([]byte(nil), raw...)
	}

	switch {
	case update.Message != nil:
		return fromMessage(ev, update.Message)
	case update.ChannelPost != nil:
		return fromMessage(ev, update.ChannelPost)
	case update.CallbackQuery != nil:
		return fromCallback(ev, update.CallbackQuery)
	default:
		return bus.InboundEvent{}, false
	}
}

func fromMessage(ev bus.InboundEvent, msg *telego.Message) (bus.InboundEvent, bool) {
	ev.ChatID = strconv.FormatInt(msg.Chat.ID, 10)
	ev.ChatType = msg.Chat.Type
	ev.MessageID = msg.MessageID
	if msg.From != nil {
		ev.SenderID = strconv.FormatInt(msg.From.ID, 10)
		ev.SenderName = displayName(msg.From)
	}

	if media := mediaOf(msg); media != nil {
		ev.Kind = bus.KindMedia
		ev.Media = media
		ev.Text = msg.Caption
		return ev, true
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return bus.InboundEvent{}, false
	}
	ev.Text = text

	if name, args, ok := ParseCommand(text); ok {
		ev.Kind = bus.KindCommand
		ev.Command = name
		ev.Args = args
		return ev, true
	}

	ev.Kind = bus.KindText
	return ev, true
}

func fromCallback(ev bus.InboundEvent, query *telego.CallbackQuery) (bus.InboundEvent, bool) {
	ev.Kind = bus.KindCallback
	ev.CallbackID = query.ID
	ev.CallbackData = query.Data
	ev.SenderID = strconv.FormatInt(query.From.ID, 10)
	ev.SenderName = displayName(&query.From)

	if query.Message != nil {
		chat := query.Message.GetChat()
		ev.ChatID = strconv.FormatInt(chat.ID, 10)
		ev.ChatType = chat.Type
		ev.MessageID = query.Message.GetMessageID()
	} else {
		// Inline-mode callbacks carry no chat; answer them in the sender's private chat.
		ev.ChatID = ev.SenderID
		ev.ChatType = telego.ChatTypePrivate
	}

	return ev, true
}

func mediaOf(msg *telego.Message) *bus.Media {
	switch {
	case msg.Document != nil:
		return &bus.Media{Type: "document", FileID: msg.Document.FileID, FileName: msg.Document.FileName, MIMEType: msg.Document.MimeType, FileSize: msg.Document.FileSize}
	case msg.Video != nil:
		return &bus.Media{Type: "video", FileID: msg.Video.FileID, FileName: msg.Video.FileName, MIMEType: msg.Video.MimeType, FileSize: msg.Video.FileSize}
	case msg.Audio != nil:
		return &bus.Media{Type: "audio", FileID: msg.Audio.FileID, FileName: msg.Audio.FileName, MIMEType: msg.Audio.MimeType, FileSize: msg.Audio.FileSize}
	case msg.Voice != nil:
		return &bus.Media{Type: "voice", FileID: msg.Voice.FileID, MIMEType: msg.Voice.MimeType, FileSize: msg.Voice.FileSize}
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		return &bus.Media{Type: "photo", FileID: largest.FileID, FileSize: int64(largest.FileSize)}
	default:
		return nil
	}
}

func displayName(user *telego.User) string {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" && user.Username != "" {
		name = "@" + user.Username
	}

	return name
}
