package console

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/MovieFirebots/Anime-Realm/pkg/bus"
)

// SendFunc dispatches one console line and reports what the bot did.
type SendFunc func(ctx context.Context, input string) (Reply, error)

const (
	roleUser  = "user"
	roleBot   = "bot"
	roleError = "error"

	wheelLines = 3
)

type entry struct {
	role    string
	content string
}

type replyMsg struct {
	reply Reply
	err   error
}

type model struct {
	ctx    context.Context
	send   SendFunc
	botTag string

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	entries   []entry
	width     int
	height    int
	isReady   bool
	isLoading bool
	lastErr   string
	followLog bool
	state     string
	turns     int
	actions   int
	failures  int
}

func newModel(ctx context.Context, send SendFunc, botName string) *model {
	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "/start, free text, or cb:<callback data>"
	in.Focus()

	return &model{
		ctx:       ctx,
		send:      send,
		botTag:    displayOr(botName, "bot"),
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  viewport.New(80, 12),
		width:     100,
		height:    28,
		followLog: true,
		state:     "idle",
	}
}

func (m *model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case tea.MouseMsg:
		m.handleViewportMouse(typed)
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}
		if m.handleViewportKey(typed) {
			return m, nil
		}
		if typed.String() == "enter" {
			return m, m.submit()
		}
	case spinner.TickMsg:
		if !m.isLoading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case replyMsg:
		m.isLoading = false
		m.applyReply(typed)
		m.refreshViewport(false)
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) submit() tea.Cmd {
	if m.isLoading {
		return nil
	}

	line := strings.TrimSpace(m.input.Value())
	if line == "" {
		return nil
	}
	if isExitCommand(line) {
		return tea.Quit
	}

	m.lastErr = ""
	m.turns++
	m.entries = append(m.entries, entry{role: roleUser, content: line})
	m.input.SetValue("")
	m.isLoading = true
	m.followLog = true
	m.refreshViewport(true)

	return tea.Batch(m.spinner.Tick, sendCmd(m.ctx, m.send, line))
}

func (m *model) applyReply(msg replyMsg) {
	if msg.err != nil {
		m.lastErr = msg.err.Error()
		m.entries = append(m.entries, entry{role: roleError, content: msg.err.Error()})
		return
	}

	if msg.reply.State != "" {
		m.state = msg.reply.State
	}
	m.actions += len(msg.reply.Actions)
	m.failures += len(msg.reply.Failures)

	for _, action := range msg.reply.Actions {
		m.entries = append(m.entries, entry{role: roleBot, content: FormatAction(action)})
	}
	for _, failure := range msg.reply.Failures {
		m.entries = append(m.entries, entry{role: roleError, content: formatFailure(failure)})
	}
	if len(msg.reply.Actions) == 0 && len(msg.reply.Failures) == 0 {
		m.entries = append(m.entries, entry{role: roleBot, content: m.theme.hint.Render("(no reply)")})
	}
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}

	header := m.theme.header.Width(m.width - 2).Render("Anime Realm Console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"chat:%s · state:%s · turns:%d · actions:%d · failures:%d",
		ChatID, m.state, m.turns, m.actions, m.failures,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("─", max(8, m.width-2)))

	status := m.theme.status.Render("Enter send · PgUp/PgDn or wheel scroll · End latest · Ctrl+C/Esc quit")
	if m.isLoading {
		status = m.theme.statusBusy.Render(m.spinner.View() + " dispatching...")
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("last input was not dispatched")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("You")+" "+m.theme.hint.Render("(exit, quit or :q to leave)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := max(8, m.height-10)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset

	sections := make([]string, 0, len(m.entries))
	for _, item := range m.entries {
		var title, body string
		switch item.role {
		case roleUser:
			title = m.theme.userTitle.Render("you")
			body = m.theme.userBox.Width(m.viewport.Width).Render(item.content)
		case roleBot:
			title = m.theme.botTitle.Render(m.botTag)
			body = m.theme.botBox.Width(m.viewport.Width).Render(item.content)
		case roleError:
			title = m.theme.errorTitle.Render("failure")
			body = m.theme.errorBox.Width(m.viewport.Width).Render(item.content)
		default:
			continue
		}
		sections = append(sections, lipgloss.JoinVertical(lipgloss.Left, title, body))
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up":
		m.viewport.PageUp()
		m.followLog = false
	case "pgdown", "ctrl+f", "alt+down":
		m.viewport.PageDown()
		m.followLog = m.viewport.AtBottom()
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
	default:
		return false
	}
	return true
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(wheelLines)
		m.followLog = false
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(wheelLines)
		m.followLog = m.viewport.AtBottom()
	default:
		return false
	}
	return true
}

func sendCmd(ctx context.Context, send SendFunc, line string) tea.Cmd {
	return func() tea.Msg {
		reply, err := send(ctx, line)
		return replyMsg{reply: reply, err: err}
	}
}

// FormatAction renders an outbound action the way an operator wants to read it.
func FormatAction(action bus.OutboundAction) string {
	var b strings.Builder

	switch action.Kind {
	case bus.ActionSendMessage:
		b.WriteString(action.Text)
	case bus.ActionEditMessage:
		fmt.Fprintf(&b, "[edit #%d] %s", action.MessageID, action.Text)
	case bus.ActionAnswerCallback:
		b.WriteString("[callback answered]")
		if action.Text != "" {
			b.WriteString(" " + action.Text)
		}
	case bus.ActionExternalCall:
		fmt.Fprintf(&b, "[external %s]", action.Path)
		if len(action.Payload) > 0 {
			fmt.Fprintf(&b, " %v", action.Payload)
		}
	default:
		fmt.Fprintf(&b, "[%s] %s", action.Kind, action.Text)
	}

	for _, row := range action.Buttons {
		labels := make([]string, 0, len(row))
		for _, button := range row {
			switch {
			case button.CallbackData != "":
				labels = append(labels, fmt.Sprintf("[%s → cb:%s]", button.Text, button.CallbackData))
			case button.URL != "":
				labels = append(labels, fmt.Sprintf("[%s → %s]", button.Text, button.URL))
			default:
				labels = append(labels, "["+button.Text+"]")
			}
		}
		b.WriteString("\n" + strings.Join(labels, " "))
	}

	return strings.TrimSpace(b.String())
}

func formatFailure(event bus.Event) string {
	if event.Error == "" {
		return string(event.Type)
	}
	return string(event.Type) + ": " + event.Error
}

func displayOr(value string, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
