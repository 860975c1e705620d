package cmd

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MovieFirebots/Anime-Realm/pkg/handler/builtin"
	"github.com/MovieFirebots/Anime-Realm/pkg/ui/console"
)

var (
	consoleMessage string
	consoleName    string
)

var consoleCmd = &cobra.Command{
	Use:   "console [message]",
	Short: "Talk to the bot handlers from the terminal",
	Long: "Runs the handler registry and dispatch engine against an in-memory store. Outbound actions are " +
		"shown instead of sent. Prefix a line with cb: to press an inline button.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadRuntime()
		if err != nil {
			return err
		}

		admins := make([]string, 0, len(cfg.Bot.AdminIDs))
		for _, id := range cfg.Bot.AdminIDs {
			admins = append(admins, strconv.FormatInt(id, 10))
		}

		opts := builtin.Options{BotName: cfg.Bot.Name, AdminIDs: admins}
		message := resolveConsoleMessage(consoleMessage, args)

		// Log lines would tear the full-screen UI.
		log := slog.New(slog.DiscardHandler)
		if message != "" {
			log = slog.Default()
		}

		session, err := console.NewSession(opts, log)
		if err != nil {
			return err
		}
		session.SetSenderName(consoleName)

		if message != "" {
			return console.RunOnce(cmd.Context(), session.Send, message, cmd.OutOrStdout())
		}
		return console.RunInteractive(cmd.Context(), session.Send, cfg.Bot.Name)
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVarP(&consoleMessage, "message", "m", "", "dispatch one message and print the reply")
	consoleCmd.Flags().StringVar(&consoleName, "name", "Operator", "display name handlers see for the console user")
}

func resolveConsoleMessage(flagValue string, args []string) string {
	if value := strings.TrimSpace(flagValue); value != "" {
		return value
	}

	return strings.TrimSpace(strings.Join(args, " "))
}
