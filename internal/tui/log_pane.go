package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/missionctl/internal/events"
)

// maxLogLines bounds the event log kept in memory.
const maxLogLines = 2000

// LogPaneModel is a scrolling log of every event received.
type LogPaneModel struct {
	lines     []string
	viewport  viewport.Model
	follow    bool // stick to the bottom while new lines arrive
	width     int
	height    int
	focused   bool
	updateTag int // for debouncing
}

// NewLogPaneModel creates an empty log pane.
func NewLogPaneModel() LogPaneModel {
	return LogPaneModel{viewport: viewport.New(0, 0), follow: true}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Append adds a line and schedules a debounced viewport refresh.
func (m *LogPaneModel) Append(line string) tea.Cmd {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}

	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

// Update handles messages for the log pane.
func (m LogPaneModel) Update(msg tea.Msg) (LogPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		m.viewport, cmd = m.viewport.Update(msg)
		m.follow = m.viewport.AtBottom()

	case tickMsg:
		// Only refresh if this tick matches the latest tag.
		if msg.tag == m.updateTag {
			m.refresh()
		}
	}

	return m, cmd
}

func (m *LogPaneModel) refresh() {
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if m.follow {
		m.viewport.GotoBottom()
	}
}

// View renders the log pane.
func (m LogPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(StyleTitle.Render("Events") + "\n" + m.viewport.View())
}

// SetSize updates the pane dimensions.
func (m *LogPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-3, 3)
	m.refresh()
}

// SetFocused updates the focus state.
func (m *LogPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

// formatEvent renders one event as a log line.
func formatEvent(ev events.Event) string {
	var b strings.Builder
	b.WriteString(ev.Timestamp.Local().Format(time.TimeOnly))
	b.WriteString("  ")
	if ev.Kind == events.KindMission {
		fmt.Fprintf(&b, "mission %s", StatusStyle(ev.To).Render(ev.To))
	} else {
		fmt.Fprintf(&b, "%-14s %s", ev.TaskName, StatusStyle(ev.To).Render(ev.To))
		if ev.Attempt > 0 {
			fmt.Fprintf(&b, " #%d", ev.Attempt)
		}
	}
	if ev.Summary != "" {
		b.WriteString("  ")
		b.WriteString(ev.Summary)
	}
	return b.String()
}
