// Package telegram is the Bot API outbound target.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	ta "github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
	"github.com/MovieFirebots/Anime-Realm/pkg/outbound"
)

const (
	defaultTimeout      = 15 * time.Second
	messagePreviewLimit = 240
)

type Config struct {
	Token string
	// APIServer overrides https://api.telegram.org, mainly for tests and local Bot API servers.
	APIServer  string
	HTTPClient *http.Client
}

// Target performs one Bot API call per action.
type Target struct {
	bot *telego.Bot
	log *slog.Logger
}

// New validates the token format and builds the target.
func New(cfg Config, log *slog.Logger) (*Target, error) {
	if log == nil {
		log = slog.Default()
	}

	bot, err := NewBot(cfg)
	if err != nil {
		return nil, err
	}

	return &Target{bot: bot, log: log.With("component", "outbound.telegram")}, nil
}

// NewBot builds a Bot API client whose failed calls keep their HTTP status.
func NewBot(cfg Config) (*telego.Bot, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}

	opts := []telego.BotOption{
		telego.WithAPICaller(statusCaller{client: client}),
		telego.WithDiscardLogger(),
	}
	if cfg.APIServer != "" {
		opts = append(opts, telego.WithAPIServer(strings.TrimRight(cfg.APIServer, "/")))
	}

	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return bot, nil
}

func (t *Target) Name() string {
	return bus.TargetTelegram
}

// Do sends one action. Bot API errors come back as *outbound.StatusError.
func (t *Target) Do(ctx context.Context, action bus.OutboundAction) error {
	var err error
	switch action.Kind {
	case bus.ActionSendMessage:
		err = t.sendMessage(ctx, action)
	case bus.ActionEditMessage:
		err = t.editMessage(ctx, action)
	case bus.ActionAnswerCallback:
		err = t.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
			CallbackQueryID: action.CallbackID,
			Text:            action.Text,
			ShowAlert:       action.ShowAlert,
		})
	default:
		return fmt.Errorf("unsupported telegram action %q", action.Kind)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", action.Kind, statusFrom(err))
	}

	return nil
}

func (t *Target) sendMessage(ctx context.Context, action bus.OutboundAction) error {
	chatID, err := parseChatID(action.ChatID)
	if err != nil {
		return err
	}

	params := tu.Message(chatID, action.Text)
	if action.ParseMode != "" {
		params = params.WithParseMode(action.ParseMode)
	}
	if keyboard := inlineKeyboard(action.Buttons); keyboard != nil {
		params = params.WithReplyMarkup(keyboard)
	}

	t.log.Debug("Sending message", "chat_id", action.ChatID, "content", previewText(action.Text))
	_, err = t.bot.SendMessage(ctx, params)
	return err
}

func (t *Target) editMessage(ctx context.Context, action bus.OutboundAction) error {
	chatID, err := parseChatID(action.ChatID)
	if err != nil {
		return err
	}
	if action.MessageID == 0 {
		return errors.New("message id is required")
	}

	_, err = t.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:      chatID,
		MessageID:   action.MessageID,
		Text:        action.Text,
		ParseMode:   action.ParseMode,
		ReplyMarkup: inlineKeyboard(action.Buttons),
	})
	return err
}

// parseChatID accepts numeric ids and @channel usernames.
func parseChatID(raw string) (telego.ChatID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return telego.ChatID{}, errors.New("chat id is required")
	}
	if strings.HasPrefix(raw, "@") {
		return tu.Username(raw), nil
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return telego.ChatID{}, fmt.Errorf("invalid chat id %q: %w", raw, err)
	}

	return tu.ID(id), nil
}

func inlineKeyboard(rows [][]bus.Button) *telego.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}

	keyboard := make([][]telego.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			button := tu.InlineKeyboardButton(b.Text)
			if b.URL != "" {
				button = button.WithURL(b.URL)
			} else {
				button = button.WithCallbackData(b.CallbackData)
			}
			buttons = append(buttons, button)
		}
		keyboard = append(keyboard, tu.InlineKeyboardRow(buttons...))
	}

	return tu.InlineKeyboard(keyboard...)
}

// statusFrom converts a Bot API error envelope into *outbound.StatusError.
func statusFrom(err error) error {
	var status *outbound.StatusError
	if errors.As(err, &status) {
		return status
	}

	var apiErr *ta.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	out := &outbound.StatusError{StatusCode: apiErr.ErrorCode, Description: apiErr.Description}
	if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
		out.RetryAfter = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
	}

	return out
}

func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
