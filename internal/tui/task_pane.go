package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/missionctl/internal/engine"
	"github.com/aristath/missionctl/internal/events"
)

// TaskState is the watched state of a single task.
type TaskState struct {
	TaskID      string
	Name        string
	Category    string
	Status      string
	Attempt     int
	MaxAttempts int
	Error       string
	History     []string // one line per transition
}

// Counts tallies tasks by display group.
type Counts struct {
	Total     int
	Succeeded int
	Running   int // dispatched or running
	Failed    int // failed or blocked
	Queued    int
	Cancelled int
}

// TaskPaneModel represents the task list and task detail viewport pane.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // insertion order for display
	selectedIdx int                   // which task is selected in list
	viewport    viewport.Model        // scrollable detail viewport
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates a task pane seeded from a status snapshot.
func NewTaskPaneModel(snapshot []engine.TaskView) TaskPaneModel {
	m := TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
	for _, tv := range snapshot {
		m.tasks[tv.ID] = &TaskState{
			TaskID:      tv.ID,
			Name:        tv.Name,
			Category:    tv.Category,
			Status:      tv.Status,
			Attempt:     tv.Attempt,
			MaxAttempts: tv.MaxAttempts,
			Error:       tv.Error,
		}
		m.taskOrder = append(m.taskOrder, tv.ID)
	}
	m.updateViewportContent()
	return m
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.Event:
		if msg.Kind != events.KindTask {
			break
		}
		m.apply(msg)
		if m.selectedTaskID() == msg.TaskID {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// apply records a task transition. Unknown tasks are follow-ups created after
// the snapshot and are appended.
func (m *TaskPaneModel) apply(ev events.Event) {
	t, ok := m.tasks[ev.TaskID]
	if !ok {
		t = &TaskState{TaskID: ev.TaskID, Name: ev.TaskName, Category: ev.Category}
		m.tasks[ev.TaskID] = t
		m.taskOrder = append(m.taskOrder, ev.TaskID)
	}
	t.Status = ev.To
	if ev.Attempt > 0 {
		t.Attempt = ev.Attempt
	}
	if ev.Summary != "" && (ev.To == "failed" || ev.To == "blocked" || ev.To == "queued") {
		t.Error = ev.Summary
	}

	line := fmt.Sprintf("%s  %s", ev.Timestamp.Local().Format(time.TimeOnly), ev.To)
	if ev.Attempt > 0 {
		line += fmt.Sprintf(" (attempt %d)", ev.Attempt)
	}
	if ev.Summary != "" {
		line += ": " + ev.Summary
	}
	t.History = append(t.History, line)
}

// Counts tallies the current task statuses.
func (m TaskPaneModel) Counts() Counts {
	c := Counts{Total: len(m.taskOrder)}
	for _, id := range m.taskOrder {
		switch m.tasks[id].Status {
		case "succeeded":
			c.Succeeded++
		case "dispatched", "running":
			c.Running++
		case "failed", "blocked":
			c.Failed++
		case "cancelled":
			c.Cancelled++
		default:
			c.Queued++
		}
	}
	return c
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 28
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("No tasks"))
	}
	for i, id := range m.taskOrder {
		t := m.tasks[id]
		name := t.Name
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}

		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// updateViewportContent shows the selected task's details and history.
func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", t.Name, t.Category)
	fmt.Fprintf(&b, "Status:  %s\n", StatusStyle(t.Status).Render(t.Status))
	if t.MaxAttempts > 0 {
		fmt.Fprintf(&b, "Attempt: %d/%d\n", t.Attempt, t.MaxAttempts)
	} else {
		fmt.Fprintf(&b, "Attempt: %d\n", t.Attempt)
	}
	if t.Error != "" {
		fmt.Fprintf(&b, "Error:   %s\n", StyleStatusFailed.Render(t.Error))
	}
	if len(t.History) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(t.History, "\n"))
	}

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-28-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
