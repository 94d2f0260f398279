package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tomaslejdung/liveclass/pkg/client"
	"github.com/tomaslejdung/liveclass/pkg/control"
	"github.com/tomaslejdung/liveclass/pkg/protocol"
	"github.com/tomaslejdung/liveclass/pkg/screenshare"
	"github.com/tomaslejdung/liveclass/pkg/session"
	"github.com/tomaslejdung/liveclass/pkg/signal"
)

// Column indices
const (
	columnParticipants = 0
	columnQuality      = 1
)

// Preset banner for the quick message key
const quickMessage = "Please look at the board"

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("7"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	presenterStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("13"))

	lockedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	keySepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	activeBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)

	inactiveBoxStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("8")).
				Padding(0, 1)

	boxTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	boxTitleDimStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("8"))
)

// hubConn is the part of client.Client the console drives
type hubConn interface {
	Send(t protocol.MessageType, data any) error
	Leave()
}

// sessionControl moves the session through its lifecycle
type sessionControl interface {
	Transition(ctx context.Context, sessionID string, ev session.Event) (session.Status, error)
}

// Messages
type envelopeMsg protocol.Envelope

type stateMsg client.State

// runDoneMsg is sent once the client stops for good
type runDoneMsg struct {
	err error
}

type transitionMsg struct {
	status session.Status
	err    error
}

type tickMsg time.Time

// Model
type model struct {
	config Config

	conn      hubConn
	lifecycle sessionControl
	events    <-chan protocol.Envelope
	states    <-chan client.State
	done      <-chan error

	roster *roster
	state  client.State

	cursor        int
	qualityCursor int
	activeColumn  int

	lastError string
	finished  bool
	width     int
}

func initialModel(config Config, conn hubConn, lifecycle sessionControl) model {
	q := 0
	for i, p := range screenshare.QualityPresets {
		if p.Name == screenshare.NormalizeQuality(config.Quality) {
			q = i
		}
	}
	return model{
		config:        config,
		conn:          conn,
		lifecycle:     lifecycle,
		roster:        newRoster(),
		state:         client.StateIdle,
		qualityCursor: q,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		waitForEvent(m.events),
		waitForState(m.states),
		waitForDone(m.done),
		tickCmd(),
		tea.SetWindowTitle("LiveClass - "+m.config.SessionID),
	)
}

func waitForEvent(events <-chan protocol.Envelope) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		env, ok := <-events
		if !ok {
			return nil
		}
		return envelopeMsg(env)
	}
}

func waitForState(states <-chan client.State) tea.Cmd {
	if states == nil {
		return nil
	}
	return func() tea.Msg {
		return stateMsg(<-states)
	}
}

func waitForDone(done <-chan error) tea.Cmd {
	if done == nil {
		return nil
	}
	return func() tea.Msg {
		return runDoneMsg{err: <-done}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case envelopeMsg:
		errText, err := m.roster.apply(protocol.Envelope(msg))
		if err != nil {
			slog.Warn("undecodable frame", "type", msg.Type, "error", err)
		}
		if errText != "" {
			m.lastError = errText
		}
		m.clampCursor()
		return m, waitForEvent(m.events)

	case stateMsg:
		m.state = client.State(msg)
		return m, waitForState(m.states)

	case runDoneMsg:
		m.finished = true
		if msg.err != nil {
			m.lastError = msg.err.Error()
		}
		return m, nil

	case transitionMsg:
		if msg.err != nil {
			m.lastError = msg.err.Error()
		} else {
			m.lastError = ""
		}
		return m, nil

	case tickMsg:
		return m, tickCmd()
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		if m.conn != nil {
			m.conn.Leave()
		}
		return m, tea.Quit

	case "tab", "left", "right", "h":
		if m.activeColumn == columnParticipants {
			m.activeColumn = columnQuality
		} else {
			m.activeColumn = columnParticipants
		}

	case "up", "k":
		if m.activeColumn == columnQuality {
			if m.qualityCursor > 0 {
				m.qualityCursor--
			}
		} else if m.cursor > 0 {
			m.cursor--
		}

	case "down", "j":
		if m.activeColumn == columnQuality {
			if m.qualityCursor < len(screenshare.QualityPresets)-1 {
				m.qualityCursor++
			}
		} else if m.cursor < len(m.roster.participants)-1 {
			m.cursor++
		}

	case "1", "2", "3", "4":
		idx := int(msg.String()[0] - '1')
		if idx < len(screenshare.QualityPresets) {
			m.qualityCursor = idx
		}

	case "l":
		return m.command(m.selectedDevice(), control.ActionLockScreen, control.LockScreen{})
	case "u":
		return m.command(m.selectedDevice(), control.ActionUnlockScreen, nil)
	case "L":
		return m.command("", control.ActionLockScreen, control.LockScreen{})
	case "U":
		return m.command("", control.ActionUnlockScreen, nil)
	case "m":
		return m.command(m.selectedDevice(), control.ActionSendMessage, control.SendMessage{Body: quickMessage})
	case "M":
		return m.command("", control.ActionSendMessage, control.SendMessage{Body: quickMessage})

	case "s":
		return m.send(protocol.TypeScreenShareStart, protocol.ScreenShareStart{Quality: m.quality()})
	case "f":
		return m.send(protocol.TypeScreenShareStart, protocol.ScreenShareStart{Quality: m.quality(), Force: true})
	case "S":
		return m.send(protocol.TypeScreenShareStop, nil)

	case "b":
		return m, m.transition(session.EventStart)
	case "p":
		if m.roster.session.Status == session.StatusPaused {
			return m, m.transition(session.EventResume)
		}
		return m, m.transition(session.EventPause)
	case "e":
		return m, m.transition(session.EventEnd)
	}
	return m, nil
}

func (m model) quality() string {
	return screenshare.QualityPresets[m.qualityCursor].Name
}

func (m model) selectedDevice() string {
	list := m.roster.list()
	if m.cursor < 0 || m.cursor >= len(list) {
		return ""
	}
	return list[m.cursor].DeviceID
}

func (m *model) clampCursor() {
	if n := len(m.roster.participants); m.cursor >= n {
		m.cursor = max(n-1, 0)
	}
}

// command sends a device_control request. An empty target addresses
// every student device.
func (m model) command(target string, action control.Action, data any) (tea.Model, tea.Cmd) {
	if target != "" && target == m.config.DeviceID {
		m.lastError = "select a student device"
		return m, nil
	}
	return m.send(protocol.TypeDeviceControl, struct {
		TargetDeviceID string         `json:"targetDeviceId,omitempty"`
		Action         control.Action `json:"action"`
		Data           any            `json:"data,omitempty"`
	}{target, action, data})
}

func (m model) send(t protocol.MessageType, data any) (tea.Model, tea.Cmd) {
	if m.conn == nil {
		return m, nil
	}
	if err := m.conn.Send(t, data); err != nil {
		m.lastError = fmt.Sprintf("%s: %v", t, err)
		return m, nil
	}
	m.lastError = ""
	return m, nil
}

func (m model) transition(ev session.Event) tea.Cmd {
	if m.lifecycle == nil {
		return nil
	}
	lc, id := m.lifecycle, m.config.SessionID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		status, err := lc.Transition(ctx, id, ev)
		return transitionMsg{status: status, err: err}
	}
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("LiveClass"))
	b.WriteString(dimStyle.Render(" - Teacher Console"))
	b.WriteString("\n\n")

	b.WriteString(m.renderStatus())
	b.WriteString("\n")

	b.WriteString(m.renderColumns())
	b.WriteString("\n")

	b.WriteString(m.renderActivity())

	if m.lastError != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Error: " + m.lastError))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m model) renderStatus() string {
	var b strings.Builder

	switch m.state {
	case client.StateConnected:
		b.WriteString(selectedStyle.Render("[CONNECTED]"))
	case client.StateBackoff:
		b.WriteString(errorStyle.Render("[RECONNECTING]"))
	case client.StateFailed:
		b.WriteString(errorStyle.Render("[FAILED]"))
	default:
		b.WriteString(dimStyle.Render("[" + strings.ToUpper(m.state.String()) + "]"))
	}
	b.WriteString(" ")

	s := m.roster.session
	title := s.Title
	if title == "" {
		title = m.config.SessionID
	}
	b.WriteString(statusStyle.Render(title))
	if s.Status != "" {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %s", s.Status)))
	}
	if s.StartedAt != nil && s.Status != session.StatusEnded {
		b.WriteString(dimStyle.Render("  " + formatDuration(time.Since(*s.StartedAt))))
	}
	if m.finished {
		b.WriteString(dimStyle.Render("  (disconnected, press q)"))
	}
	b.WriteString("\n")
	return b.String()
}

func (m model) renderColumns() string {
	participantsTitle := fmt.Sprintf(" Participants (%d) ", len(m.roster.participants))
	qualityTitle := " Quality "

	var left, right string
	if m.activeColumn == columnParticipants {
		left = activeBoxStyle.Width(46).Render(boxTitleStyle.Render(participantsTitle) + "\n" + m.renderParticipants())
		right = inactiveBoxStyle.Width(24).Render(boxTitleDimStyle.Render(qualityTitle) + "\n" + m.renderQualityList())
	} else {
		left = inactiveBoxStyle.Width(46).Render(boxTitleDimStyle.Render(participantsTitle) + "\n" + m.renderParticipants())
		right = activeBoxStyle.Width(24).Render(boxTitleStyle.Render(qualityTitle) + "\n" + m.renderQualityList())
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right)
}

func (m model) renderParticipants() string {
	list := m.roster.list()
	if len(list) == 0 {
		return dimStyle.Render("Waiting...")
	}

	var b strings.Builder
	for i, p := range list {
		cursor := "  "
		if i == m.cursor && m.activeColumn == columnParticipants {
			cursor = "> "
		}
		name := truncate(p.UserID, 14)
		line := fmt.Sprintf("%s%-14s %s", cursor, name, truncate(p.DeviceID, 16))

		var tags []string
		if p.Role == signal.RoleTeacher {
			tags = append(tags, "T")
		}
		if p.MediaState.AudioMuted {
			tags = append(tags, "muted")
		}
		if len(tags) > 0 {
			line += " " + strings.Join(tags, ",")
		}

		switch {
		case m.roster.presenting(p.DeviceID):
			b.WriteString(presenterStyle.Render(line + " [presenting]"))
		case m.roster.locked[p.DeviceID]:
			b.WriteString(lockedStyle.Render(line + " [locked]"))
		case i == m.cursor:
			b.WriteString(selectedStyle.Render(line))
		default:
			b.WriteString(normalStyle.Render(line))
		}
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m model) renderQualityList() string {
	var b strings.Builder
	for i, p := range screenshare.QualityPresets {
		line := fmt.Sprintf("%d %-7s %5d kbps", i+1, p.Name, p.Bitrate)
		if i == m.qualityCursor {
			b.WriteString(selectedStyle.Render(line))
		} else {
			b.WriteString(dimStyle.Render(line))
		}
		b.WriteString("\n")
	}
	if share := m.roster.share; share != nil {
		b.WriteString("\n")
		b.WriteString(presenterStyle.Render("Live: " + truncate(share.PresenterDeviceID, 14)))
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(fmt.Sprintf("%d viewers, %s", len(share.Viewers), share.Quality)))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m model) renderActivity() string {
	if len(m.roster.activity) == 0 {
		return ""
	}
	var b strings.Builder
	for _, line := range m.roster.activity {
		b.WriteString(dimStyle.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

func (m model) renderHelp() string {
	var b strings.Builder
	sep := keySepStyle.Render("  ")

	actions := []string{
		keyStyle.Render("tab") + helpStyle.Render(" columns"),
		keyStyle.Render("l/u") + helpStyle.Render(" lock/unlock"),
		keyStyle.Render("L/U") + helpStyle.Render(" all"),
		keyStyle.Render("m") + helpStyle.Render(" message"),
		keyStyle.Render("s") + helpStyle.Render(" share"),
		keyStyle.Render("f") + helpStyle.Render(" force"),
		keyStyle.Render("S") + helpStyle.Render(" stop"),
	}
	b.WriteString(strings.Join(actions, sep))
	b.WriteString("\n")

	lifecycle := []string{
		keyStyle.Render("b") + helpStyle.Render(" begin"),
		keyStyle.Render("p") + helpStyle.Render(" pause/resume"),
		keyStyle.Render("e") + helpStyle.Render(" end"),
		keyStyle.Render("q") + helpStyle.Render(" quit"),
	}
	b.WriteString(strings.Join(lifecycle, sep))
	return b.String()
}

func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// RunTUI connects to the hub and runs the console until the user quits
func RunTUI(config Config) error {
	// Write logs to file instead of corrupting TUI display
	var logger *slog.Logger
	logFile, err := os.Create("liveclass-console.log")
	if err != nil {
		// Fall back to discarding if we can't create log file
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	} else {
		defer logFile.Close()
		logger = slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	prev := slog.Default()
	slog.SetDefault(logger)
	defer slog.SetDefault(prev)
	logger.Info("console started", "session", config.SessionID, "hub", config.HubURL)

	c := client.New(client.Config{
		URL:       config.HubURL,
		SessionID: config.SessionID,
		UserID:    config.UserID,
		DeviceID:  config.DeviceID,
		TenantID:  config.TenantID,
		DeviceInfo: protocol.DeviceInfo{
			Type:     "desktop",
			Platform: "console",
			Capabilities: protocol.Capabilities{
				ScreenShare: true,
			},
		},
		Logger: logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	m := initialModel(config, c, newLifecycleClient(config.APIURL))
	m.events = c.Events()
	m.states = c.States()
	m.done = done

	p := tea.NewProgram(m, tea.WithAltScreen())
	_, runErr := p.Run()
	return runErr
}
