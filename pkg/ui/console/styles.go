package console

import "github.com/charmbracelet/lipgloss"

// theme groups reusable styles for console UI regions.
type theme struct {
	header     lipgloss.Style
	headerMeta lipgloss.Style
	divider    lipgloss.Style
	userBox    lipgloss.Style
	userTitle  lipgloss.Style
	botBox     lipgloss.Style
	botTitle   lipgloss.Style
	errorBox   lipgloss.Style
	errorTitle lipgloss.Style
	status     lipgloss.Style
	statusBusy lipgloss.Style
	statusErr  lipgloss.Style
	hint       lipgloss.Style
	inputLabel lipgloss.Style
	input      lipgloss.Style
	viewport   lipgloss.Style
}

func defaultTheme() theme {
	title := func(bg string) lipgloss.Style {
		return lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color(bg)).
			Padding(0, 1)
	}
	box := func(border string, bg string) lipgloss.Style {
		return lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(border)).
			Background(lipgloss.Color(bg)).
			Padding(0, 1)
	}

	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("57")),
		headerMeta: lipgloss.NewStyle().Foreground(lipgloss.Color("183")),
		divider:    lipgloss.NewStyle().Foreground(lipgloss.Color("61")),
		userBox:    box("212", "235"),
		userTitle:  title("212"),
		botBox:     box("86", "234"),
		botTitle:   title("86"),
		errorBox:   box("203", "52").Foreground(lipgloss.Color("203")),
		errorTitle: title("160").Foreground(lipgloss.Color("231")),
		status:     lipgloss.NewStyle().Foreground(lipgloss.Color("250")).Bold(true),
		statusBusy: lipgloss.NewStyle().Foreground(lipgloss.Color("222")).Bold(true),
		statusErr:  lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
		hint:       lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		inputLabel: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229")),
		input:      box("141", "236"),
		viewport: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("61")).
			Padding(0, 1),
	}
}
