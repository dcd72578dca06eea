// Package tui implements the terminal monitor for a running hookwarden.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/hookwarden/internal/dispatch"
	"github.com/mattjoyce/hookwarden/internal/events"
	"github.com/mattjoyce/hookwarden/internal/plugin"
)

const (
	pollInterval = 2 * time.Second
	maxLogLines  = 50
)

// --- Message types ---

type eventMsg events.Event
type pluginsMsg []dispatch.RuntimeInfo
type healthMsg HealthSummary
type tickMsg time.Time
type errMsg struct{ err error }
type streamClosedMsg struct{ err error }

// Model is the bubbletea model of the monitor.
type Model struct {
	client *Client
	theme  Theme
	stream chan events.Event

	width  int
	height int

	health  HealthSummary
	plugins []dispatch.RuntimeInfo
	log     []string
	lastErr error
	online  bool

	table table.Model
}

// NewMonitor builds a monitor that talks to the API behind client.
func NewMonitor(client *Client) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Plugin", Width: 26},
			{Title: "On", Width: 3},
			{Title: "Prio", Width: 5},
			{Title: "Mode", Width: 9},
			{Title: "Calls", Width: 6},
			{Title: "Err", Width: 4},
			{Title: "T/O", Width: 4},
			{Title: "p95 ms", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		client: client,
		theme:  NewDefaultTheme(),
		stream: make(chan events.Event, 128),
		table:  t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribe(),
		m.receiveNextEvent(),
		m.poll(),
		tea.EnterAltScreen,
	)
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)

	case eventMsg:
		m.appendLog(formatEvent(m.theme, events.Event(msg)))
		return m, m.receiveNextEvent()

	case pluginsMsg:
		m.plugins = msg
		m.online = true
		m.lastErr = nil
		m.table.SetRows(pluginRows(m.theme, m.plugins))
		return m, nil

	case healthMsg:
		m.health = HealthSummary(msg)
		return m, nil

	case tickMsg:
		return m, m.poll()

	case streamClosedMsg:
		m.online = false
		if msg.err != nil {
			m.lastErr = msg.err
		}
		// Reconnect after a pause.
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.subscribe()

	case errMsg:
		m.lastErr = msg.err
		m.online = false
		return m, nil
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

type reconnectMsg struct{}

func (m *Model) appendLog(line string) {
	m.log = append([]string{line}, m.log...)
	if len(m.log) > maxLogLines {
		m.log = m.log[:maxLogLines]
	}
}

func pluginRows(theme Theme, infos []dispatch.RuntimeInfo) []table.Row {
	rows := make([]table.Row, 0, len(infos))
	for _, info := range infos {
		on := "no"
		if info.Enabled {
			on = "yes"
		}
		mode := "async"
		if info.Blocking {
			mode = "blocking"
		}
		rows = append(rows, table.Row{
			theme.HealthSymbol(info.Health.Status),
			info.ID,
			on,
			fmt.Sprintf("%d", info.Priority),
			mode,
			fmt.Sprintf("%d", info.Stats.Invocations),
			fmt.Sprintf("%d", info.Stats.Errors),
			fmt.Sprintf("%d", info.Stats.Timeouts),
			fmt.Sprintf("%.1f", info.Stats.P95DurationMs),
		})
	}
	return rows
}

// formatEvent renders one hub event as a log line.
func formatEvent(theme Theme, e events.Event) string {
	ts := e.At.Local().Format("15:04:05")
	switch e.Type {
	case events.TypeInsight:
		var in plugin.Insight
		if err := json.Unmarshal(e.Data, &in); err == nil {
			return fmt.Sprintf("%s | %s | %s: %s",
				ts, theme.LevelStyle(in.Level).Render(fmt.Sprintf("%-7s", in.Level)), in.PluginID, in.Title)
		}
	case events.TypeDispatch:
		var d events.DispatchSummary
		if err := json.Unmarshal(e.Data, &d); err == nil {
			extra := ""
			if d.Decision != "" {
				extra += " decision=" + d.Decision
			}
			if d.Mutated {
				extra += " mutated"
			}
			if d.Aborted {
				extra += " " + theme.StatusFailed.Render("aborted")
			}
			return fmt.Sprintf("%s | %-7s | %s insights=%d %dms%s",
				ts, "event", d.EventName, d.Insights, d.DurationMs, extra)
		}
	case events.TypePluginChanged:
		var c events.PluginChange
		if err := json.Unmarshal(e.Data, &c); err == nil {
			return fmt.Sprintf("%s | %-7s | %s %s updated", ts, "admin", c.PluginID, c.Field)
		}
	}
	return fmt.Sprintf("%s | %-15s | %s", ts, e.Type, string(e.Data))
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	pluginsView := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Plugins"),
			m.table.View(),
		),
	)
	eventsView := m.theme.Border.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Activity"),
			m.renderLog(),
		),
	)
	help := m.theme.Dim.Render(" [q] Quit • [r] Refresh • [↑/↓] Select plugin")

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), pluginsView, eventsView, help),
	)
}

func (m Model) renderHeader() string {
	status := m.theme.StatusOK.Render("ONLINE")
	switch {
	case !m.online:
		status = m.theme.StatusFailed.Render("OFFLINE")
	case m.health.Status == "degraded":
		status = m.theme.StatusDegraded.Render("DEGRADED")
	}

	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", (time.Duration(m.health.UptimeSeconds) * time.Second).String()),
		fmt.Sprintf("Plugins: %d", m.health.PluginsLoaded),
		fmt.Sprintf("Degraded: %d", m.health.PluginsDegraded),
	}
	if m.lastErr != nil {
		items[3] = m.theme.StatusFailed.Render(truncate(m.lastErr.Error(), (m.width-4)/4))
	}

	cols := make([]string, len(items))
	for i, it := range items {
		cols[i] = lipgloss.NewStyle().Width((m.width - 4) / len(items)).Render(it)
	}
	return m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cols...))
}

func (m Model) renderLog() string {
	limit := 10
	if m.height > 0 {
		limit = max(3, m.height/3)
	}
	lines := m.log
	if len(lines) > limit {
		lines = lines[:limit]
	}
	if len(lines) == 0 {
		return "  No activity yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func truncate(s string, n int) string {
	if n <= 1 || len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// --- Commands ---

func (m Model) subscribe() tea.Cmd {
	return func() tea.Msg {
		err := m.client.Stream(context.Background(), func(e events.Event) {
			m.stream <- e
		})
		return streamClosedMsg{err: err}
	}
}

func (m Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-m.stream)
	}
}

// poll fetches once and schedules the next tick.
func (m Model) poll() tea.Cmd {
	return tea.Batch(
		m.fetch(),
		tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
	)
}

func (m Model) fetch() tea.Cmd {
	fetchPlugins := func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), pollInterval)
		defer cancel()
		infos, err := m.client.Plugins(ctx)
		if err != nil {
			return errMsg{err}
		}
		return pluginsMsg(infos)
	}
	fetchHealth := func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), pollInterval)
		defer cancel()
		h, err := m.client.Health(ctx)
		if err != nil {
			return errMsg{err}
		}
		return healthMsg(h)
	}
	return tea.Batch(fetchPlugins, fetchHealth)
}
