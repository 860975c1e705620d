package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/mymmrac/telego"
)

// WebhookStatus is the platform's view of the registered webhook.
type WebhookStatus struct {
	URL            string    `json:"url"`
	PendingUpdates int       `json:"pending_updates"`
	MaxConnections int       `json:"max_connections,omitempty"`
	AllowedUpdates []string  `json:"allowed_updates,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorAt    time.Time `json:"last_error_at,omitempty"`
}

// AllowedUpdates are the update kinds the receiver normalizes.
var AllowedUpdates = []string{"message", "channel_post", "callback_query"}

// WebhookURL joins the public base URL with the receiver path.
func WebhookURL(base string, path string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", errors.New("webhook base url is required")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse webhook url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("webhook url %q must be http or https", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("webhook url %q has no host", base)
	}

	path = strings.TrimSpace(path)
	if path != "" && path != "/" && !strings.HasSuffix(strings.TrimRight(u.Path, "/"), strings.TrimRight(path, "/")) {
		u = u.JoinPath(path)
	}

	return u.String(), nil
}

// SetWebhook registers webhookURL with the platform. secret is echoed back in
// the secret token header of every delivery.
func (t *Target) SetWebhook(ctx context.Context, webhookURL string, secret string, dropPending bool) error {
	err := t.bot.SetWebhook(ctx, &telego.SetWebhookParams{
		URL:                webhookURL,
		SecretToken:        secret,
		AllowedUpdates:     slices.Clone(AllowedUpdates),
		DropPendingUpdates: dropPending,
	})
	if err != nil {
		return fmt.Errorf("set webhook: %w", statusFrom(err))
	}

	t.log.Info("Webhook registered", "url", webhookURL, "drop_pending", dropPending)
	return nil
}

func (t *Target) WebhookInfo(ctx context.Context) (WebhookStatus, error) {
	info, err := t.bot.GetWebhookInfo(ctx)
	if err != nil {
		return WebhookStatus{}, fmt.Errorf("get webhook info: %w", statusFrom(err))
	}
	if info == nil {
		return WebhookStatus{}, errors.New("empty webhook info")
	}

	status := WebhookStatus{
		URL:            info.URL,
		PendingUpdates: info.PendingUpdateCount,
		MaxConnections: info.MaxConnections,
		AllowedUpdates: info.AllowedUpdates,
		LastError:      info.LastErrorMessage,
	}
	if info.LastErrorDate > 0 {
		status.LastErrorAt = time.Unix(info.LastErrorDate, 0).UTC()
	}

	return status, nil
}

func (t *Target) DeleteWebhook(ctx context.Context, dropPending bool) error {
	if err := t.bot.DeleteWebhook(ctx, &telego.DeleteWebhookParams{DropPendingUpdates: dropPending}); err != nil {
		return fmt.Errorf("delete webhook: %w", statusFrom(err))
	}

	t.log.Info("Webhook removed", "drop_pending", dropPending)
	return nil
}
