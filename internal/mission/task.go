package mission

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"     // Waiting for dependencies or a retry delay
	TaskDispatched TaskStatus = "dispatched" // Envelope placed on the broker
	TaskRunning    TaskStatus = "running"    // Acknowledged by a worker
	TaskSucceeded  TaskStatus = "succeeded"  // Finished successfully
	TaskFailed     TaskStatus = "failed"     // Retries exhausted
	TaskBlocked    TaskStatus = "blocked"    // An ancestor failed; never dispatched
	TaskCancelled  TaskStatus = "cancelled"  // Mission cancelled or failed fatally
)

// IsTerminal reports whether the status can no longer change through scheduling.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskBlocked, TaskCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the task is queued or in flight.
func (s TaskStatus) IsActive() bool {
	return !s.IsTerminal()
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskQueued, TaskDispatched, TaskRunning, TaskSucceeded, TaskFailed, TaskBlocked, TaskCancelled:
		return true
	}
	return false
}

// Task is one schedulable unit of work within a mission.
type Task struct {
	ID          string          `json:"id"`
	MissionID   string          `json:"mission_id"`
	Name        string          `json:"name"` // Symbolic name, unique per mission
	Seq         int             `json:"seq"`  // Creation order within the mission
	Category    Category        `json:"category"`
	Status      TaskStatus      `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Partial     bool            `json:"partial,omitempty"`
	DependsOn   []string        `json:"depends_on,omitempty"` // Task IDs
	Optional    bool            `json:"optional,omitempty"`   // Not required for the mission result
	Fatal       bool            `json:"fatal,omitempty"`      // Exhausted failure fails the mission
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	RetryAt     *time.Time      `json:"retry_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Input != nil {
		cp.Input = append(json.RawMessage(nil), t.Input...)
	}
	if t.Output != nil {
		cp.Output = append(json.RawMessage(nil), t.Output...)
	}
	cp.RetryAt = cloneTime(t.RetryAt)
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	return &cp
}

// AttemptsLeft reports whether another attempt is allowed after the current one.
func (t *Task) AttemptsLeft() bool {
	return t.Attempt < t.MaxAttempts
}

// TaskSpec is the planning unit produced by the task graph builder.
// Dependencies are symbolic names resolved to task IDs at persistence time.
type TaskSpec struct {
	Name      string         `json:"name" yaml:"name"`
	Category  Category       `json:"category" yaml:"category"`
	Input     map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Optional  bool           `json:"optional,omitempty" yaml:"optional,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
