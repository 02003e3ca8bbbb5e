// Package mission defines the mission and task records shared by every
// orchestration component, the closed task category set and the error taxonomy.
package mission

import (
	"encoding/json"
	"fmt"
	"time"
)

// MissionStatus represents the lifecycle state of a mission.
type MissionStatus string

const (
	MissionPending    MissionStatus = "pending"     // Created, no task started yet
	MissionInProgress MissionStatus = "in_progress" // At least one task started
	MissionComplete   MissionStatus = "complete"    // Every required task succeeded
	MissionFailed     MissionStatus = "failed"      // Fatal failure or a required task did not succeed
	MissionCancelled  MissionStatus = "cancelled"   // Cancelled by a caller
)

// IsTerminal reports whether the mission can no longer change state.
func (s MissionStatus) IsTerminal() bool {
	return s == MissionComplete || s == MissionFailed || s == MissionCancelled
}

// Valid reports whether s is a known mission status.
func (s MissionStatus) Valid() bool {
	switch s {
	case MissionPending, MissionInProgress, MissionComplete, MissionFailed, MissionCancelled:
		return true
	}
	return false
}

// Priority orders missions for callers; the scheduler treats all missions alike.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority validates p, defaulting the empty string to normal.
func ParsePriority(p string) (Priority, error) {
	switch Priority(p) {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh:
		return Priority(p), nil
	default:
		return "", &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", p)}
	}
}

// Mission represents one delegated goal and its task graph.
type Mission struct {
	ID                string          `json:"id"`
	Goal              string          `json:"goal"`
	Context           map[string]any  `json:"context,omitempty"`
	Playbook          string          `json:"playbook,omitempty"`
	Status            MissionStatus   `json:"status"`
	Priority          Priority        `json:"priority"`
	RequesterID       string          `json:"requester_id,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	EstimatedDuration time.Duration   `json:"estimated_duration"`
	ActualDuration    time.Duration   `json:"actual_duration,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the mission.
func (m *Mission) Clone() *Mission {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Context != nil {
		cp.Context = make(map[string]any, len(m.Context))
		for k, v := range m.Context {
			cp.Context[k] = v
		}
	}
	if m.Result != nil {
		cp.Result = append(json.RawMessage(nil), m.Result...)
	}
	cp.StartedAt = cloneTime(m.StartedAt)
	cp.CompletedAt = cloneTime(m.CompletedAt)
	return &cp
}

// EstimatedCompletion is the creation time plus the estimated duration.
func (m *Mission) EstimatedCompletion() time.Time {
	return m.CreatedAt.Add(m.EstimatedDuration)
}

// DeriveStatus computes a mission's status from its tasks.
// Terminal statuses are returned unchanged. A fatal task failure fails the mission
// immediately. While any task is queued or in flight the mission is pending until a
// task has started, then in progress. Once quiescent, the mission is complete only if
// every required terminal task (a non-optional task without dependents) succeeded.
func DeriveStatus(current MissionStatus, tasks []*Task) MissionStatus {
	if current.IsTerminal() {
		return current
	}

	active := false
	started := false
	for _, t := range tasks {
		if t.Status == TaskFailed && t.Fatal {
			return MissionFailed
		}
		if t.Status.IsActive() {
			active = true
		}
		if t.StartedAt != nil {
			started = true
		}
	}

	if active {
		if started || current == MissionInProgress {
			return MissionInProgress
		}
		return MissionPending
	}

	for _, t := range RequiredTasks(tasks) {
		if t.Status != TaskSucceeded {
			return MissionFailed
		}
	}
	return MissionComplete
}

// RequiredTasks returns the non-optional tasks that no other task depends on,
// in input order. Their outputs form the mission result.
func RequiredTasks(tasks []*Task) []*Task {
	var out []*Task
	for _, t := range TerminalTasks(tasks) {
		if !t.Optional {
			out = append(out, t)
		}
	}
	return out
}

// TerminalTasks returns the tasks that no other task depends on, in input order.
func TerminalTasks(tasks []*Task) []*Task {
	hasDependents := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			hasDependents[dep] = true
		}
	}

	var out []*Task
	for _, t := range tasks {
		if !hasDependents[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// FailureCause describes the task failure responsible for a failed mission.
// Fatal failures win; otherwise the first failed task in input order, then the first
// required task that did not succeed.
func FailureCause(tasks []*Task) string {
	for _, t := range tasks {
		if t.Status == TaskFailed && t.Fatal {
			return fmt.Sprintf("task %s (%s) failed fatally: %s", t.Name, t.Category, t.LastError)
		}
	}
	for _, t := range tasks {
		if t.Status == TaskFailed {
			return fmt.Sprintf("task %s (%s) failed: %s", t.Name, t.Category, t.LastError)
		}
	}
	for _, t := range RequiredTasks(tasks) {
		if t.Status != TaskSucceeded {
			return fmt.Sprintf("required task %s is %s", t.Name, t.Status)
		}
	}
	return ""
}
