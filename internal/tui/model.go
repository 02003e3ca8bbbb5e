// Package tui is the terminal watch view of a single mission.
package tui

import (
	"context"
	"errors"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/missionctl/internal/engine"
	"github.com/aristath/missionctl/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneLog
	PaneProgress
)

// Feed delivers mission events; *client.Stream implements it.
type Feed interface {
	Next(ctx context.Context) (events.Event, error)
}

// streamClosedMsg ends the feed. Err is nil after the terminal mission event.
type streamClosedMsg struct {
	err error
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane     TaskPaneModel
	logPane      LogPaneModel
	progressPane ProgressPaneModel
	focusedPane  PaneID
	ctx          context.Context
	feed         Feed
	streaming    bool
	width        int
	height       int
	quitting     bool
}

// New creates a watch model seeded from a status snapshot. Events from feed
// are applied on top of the snapshot.
func New(ctx context.Context, snapshot *engine.StatusView, feed Feed) Model {
	m := Model{
		taskPane:     NewTaskPaneModel(snapshot.Tasks),
		logPane:      NewLogPaneModel(),
		progressPane: NewProgressPaneModel(snapshot.ID, snapshot.Goal, snapshot.Status, snapshot.EstimatedCompletion),
		focusedPane:  PaneTasks,
		ctx:          ctx,
		feed:         feed,
		streaming:    feed != nil,
	}
	m.progressPane.SetCounts(m.taskPane.Counts())
	m.logPane.Append("watching mission " + snapshot.ID + " (" + snapshot.Status + ")")
	if snapshot.Error != "" {
		m.logPane.Append("error: " + snapshot.Error)
	}
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	if !m.streaming {
		return nil
	}
	return waitForEvent(m.ctx, m.feed)
}

// waitForEvent returns a command that waits for the next event from the feed.
func waitForEvent(ctx context.Context, feed Feed) tea.Cmd {
	return func() tea.Msg {
		ev, err := feed.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return streamClosedMsg{err: err}
		}
		return ev
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % 3
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + 2) % 3 // +2 is equivalent to -1 mod 3
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneLog
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		default:
			switch m.focusedPane {
			case PaneTasks:
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			case PaneLog:
				var cmd tea.Cmd
				m.logPane, cmd = m.logPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.Event:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		if msg.Kind == events.KindMission {
			m.progressPane.SetStatus(msg.To)
		}
		m.progressPane.SetCounts(m.taskPane.Counts())
		cmds = append(cmds, m.logPane.Append(formatEvent(msg)))
		cmds = append(cmds, waitForEvent(m.ctx, m.feed))

	case streamClosedMsg:
		m.streaming = false
		if msg.err != nil {
			cmds = append(cmds, m.logPane.Append("stream lost: "+msg.err.Error()))
		} else {
			cmds = append(cmds, m.logPane.Append("mission finished, press q to exit"))
		}

	case tickMsg:
		var cmd tea.Cmd
		m.logPane, cmd = m.logPane.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	rightPane := lipgloss.JoinVertical(lipgloss.Left, m.logPane.View(), m.progressPane.View())
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), rightPane)

	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 45) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // reserve 1 line for help bar
	rightTopHeight := (availableHeight * 55) / 100
	rightBottomHeight := availableHeight - rightTopHeight

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.logPane.SetSize(rightWidth, rightTopHeight)
	m.progressPane.SetSize(rightWidth, rightBottomHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.logPane.SetFocused(m.focusedPane == PaneLog)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}
