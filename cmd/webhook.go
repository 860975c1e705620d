package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MovieFirebots/Anime-Realm/pkg/config"
	"github.com/MovieFirebots/Anime-Realm/pkg/jsoncodec"
	"github.com/MovieFirebots/Anime-Realm/pkg/outbound/telegram"
)

var (
	webhookURLFlag  string
	dropPending     bool
	webhookInfoJSON bool
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Manage the platform webhook registration",
}

var webhookSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Register the webhook URL with the platform",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, target, err := webhookTarget()
		if err != nil {
			return err
		}

		url, err := resolveWebhookURL(webhookURLFlag, cfg.Telegram)
		if err != nil {
			return err
		}
		if cfg.Telegram.WebhookSecret == "" {
			slog.Warn("Registering webhook without a secret token; deliveries cannot be authenticated")
		}

		if err := target.SetWebhook(cmd.Context(), url, cfg.Telegram.WebhookSecret, dropPending); err != nil {
			return err
		}

		_, err = fmt.Fprintf(cmd.OutOrStdout(), "webhook set: %s\n", url)
		return err
	},
}

var webhookInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the webhook the platform currently delivers to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, target, err := webhookTarget()
		if err != nil {
			return err
		}

		status, err := target.WebhookInfo(cmd.Context())
		if err != nil {
			return err
		}

		if webhookInfoJSON {
			return jsoncodec.Encode(cmd.OutOrStdout(), status)
		}
		return printWebhookStatus(cmd.OutOrStdout(), status)
	},
}

var webhookDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the webhook registration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, target, err := webhookTarget()
		if err != nil {
			return err
		}

		if err := target.DeleteWebhook(cmd.Context(), dropPending); err != nil {
			return err
		}

		_, err = fmt.Fprintln(cmd.OutOrStdout(), "webhook deleted")
		return err
	},
}

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.AddCommand(webhookSetCmd, webhookInfoCmd, webhookDeleteCmd)

	webhookSetCmd.Flags().StringVar(&webhookURLFlag, "url", "", "public base URL (defaults to WEBHOOK_URL)")
	webhookSetCmd.Flags().BoolVar(&dropPending, "drop-pending", false, "discard updates queued while no webhook was reachable")
	webhookDeleteCmd.Flags().BoolVar(&dropPending, "drop-pending", false, "discard updates still queued on the platform")
	webhookInfoCmd.Flags().BoolVar(&webhookInfoJSON, "json", false, "print the status as JSON")
}

func webhookTarget() (*config.Config, *telegram.Target, error) {
	cfg, log, err := loadRuntime()
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return nil, nil, errors.New("BOT_TOKEN is required")
	}

	target, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, APIServer: cfg.Telegram.APIServer}, log)
	if err != nil {
		return nil, nil, err
	}

	return cfg, target, nil
}

// resolveWebhookURL prefers the flag over the configured base URL and
// appends the receiver path.
func resolveWebhookURL(flagValue string, cfg config.TelegramConfig) (string, error) {
	base := strings.TrimSpace(flagValue)
	if base == "" {
		base = cfg.WebhookURL
	}
	if strings.TrimSpace(base) == "" {
		return "", errors.New("webhook URL is required: pass --url or set WEBHOOK_URL")
	}

	return telegram.WebhookURL(base, cfg.WebhookPath)
}

func printWebhookStatus(w io.Writer, status telegram.WebhookStatus) error {
	url := status.URL
	if url == "" {
		url = "(none)"
	}

	lines := []string{
		"url:             " + url,
		fmt.Sprintf("pending updates: %d", status.PendingUpdates),
	}
	if status.MaxConnections > 0 {
		lines = append(lines, fmt.Sprintf("max connections: %d", status.MaxConnections))
	}
	if len(status.AllowedUpdates) > 0 {
		lines = append(lines, "allowed updates: "+strings.Join(status.AllowedUpdates, ","))
	}
	if status.LastError != "" {
		lines = append(lines, fmt.Sprintf("last error:      %s (%s)", status.LastError, status.LastErrorAt.Format("2006-01-02 15:04:05Z07:00")))
	}

	_, err := fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}
