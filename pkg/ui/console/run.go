package console

import (
	"context"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
)

// RunInteractive opens the full-screen console on the terminal.
func RunInteractive(ctx context.Context, send SendFunc, botName string) error {
	program := tea.NewProgram(newModel(ctx, send, botName), tea.WithMouseCellMotion())
	if _, err := program.Run(); err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	return nil
}

// RunOnce dispatches a single line and prints the bot's actions to w.
func RunOnce(ctx context.Context, send SendFunc, line string, w io.Writer) error {
	reply, err := send(ctx, line)
	if err != nil {
		return err
	}

	for _, action := range reply.Actions {
		if _, err := fmt.Fprintln(w, FormatAction(action)); err != nil {
			return err
		}
	}
	for _, failure := range reply.Failures {
		if _, err := fmt.Fprintln(w, "! "+formatFailure(failure)); err != nil {
			return err
		}
	}

	return nil
}
