package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// ProgressPaneModel shows the mission status, task counts and a progress bar.
type ProgressPaneModel struct {
	missionID string
	goal      string
	status    string
	eta       time.Time
	counts    Counts
	width     int
	height    int
	focused   bool
}

// NewProgressPaneModel creates a progress pane for a mission.
func NewProgressPaneModel(missionID, goal, status string, eta time.Time) ProgressPaneModel {
	return ProgressPaneModel{missionID: missionID, goal: goal, status: status, eta: eta}
}

// SetCounts replaces the task tallies.
func (m *ProgressPaneModel) SetCounts(c Counts) {
	m.counts = c
}

// SetStatus records a mission transition.
func (m *ProgressPaneModel) SetStatus(status string) {
	m.status = status
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Mission")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	goal := m.goal
	if w := m.width - 12; w > 3 && len(goal) > w {
		goal = goal[:w-3] + "..."
	}
	fmt.Fprintf(&b, "ID:     %s\n", m.missionID)
	fmt.Fprintf(&b, "Goal:   %s\n", goal)
	fmt.Fprintf(&b, "Status: %s %s\n", StatusIcon(m.status), StatusStyle(m.status).Render(m.status))
	if !m.eta.IsZero() {
		fmt.Fprintf(&b, "ETA:    %s\n", m.eta.Local().Format(time.DateTime))
	}
	b.WriteString("\n")

	c := m.counts
	fmt.Fprintf(&b, "Total:     %d\n", c.Total)
	fmt.Fprintf(&b, "Succeeded: %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", c.Succeeded)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", c.Running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", c.Failed)))
	fmt.Fprintf(&b, "Queued:    %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", c.Queued)))
	if c.Cancelled > 0 {
		fmt.Fprintf(&b, "Cancelled: %s\n", StyleStatusCancelled.Render(fmt.Sprintf("%d", c.Cancelled)))
	}
	b.WriteString("\n")

	if c.Total > 0 {
		b.WriteString(progressBar(c, min(m.width-14, 40)))
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func progressBar(c Counts, width int) string {
	width = max(width, 10)
	doneWidth := (c.Succeeded * width) / c.Total
	failedWidth := ((c.Failed + c.Cancelled) * width) / c.Total
	runningWidth := (c.Running * width) / c.Total
	queuedWidth := max(0, width-doneWidth-failedWidth-runningWidth)

	bar := StyleStatusComplete.Render(strings.Repeat("=", doneWidth))
	bar += StyleStatusFailed.Render(strings.Repeat("!", failedWidth))
	bar += StyleStatusRunning.Render(strings.Repeat("-", runningWidth))
	bar += StyleStatusPending.Render(strings.Repeat(".", queuedWidth))

	return fmt.Sprintf("[%s]  %d/%d", bar, c.Succeeded, c.Total)
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
