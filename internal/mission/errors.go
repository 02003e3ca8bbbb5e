package mission

import "fmt"

// DecompositionError reports that a goal could not be planned into a task graph.
// No mission is persisted when planning fails.
type DecompositionError struct {
	Goal   string
	Reason string
}

func (e *DecompositionError) Error() string {
	return fmt.Sprintf("cannot decompose goal %q: %s", e.Goal, e.Reason)
}

// ValidationError reports a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown mission or task identifier.
type NotFoundError struct {
	Kind string // "mission" or "task"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// TaskExecutionError is a worker-reported failure of one task attempt.
// It is retried by the scheduler and never surfaces to delegation callers.
type TaskExecutionError struct {
	TaskID  string
	Attempt int
	Err     error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s attempt %d: %v", e.TaskID, e.Attempt, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// MissionFatalError is a task failure whose category policy terminates the mission.
type MissionFatalError struct {
	MissionID string
	TaskID    string
	Err       error
}

func (e *MissionFatalError) Error() string {
	return fmt.Sprintf("mission %s failed fatally on task %s: %v", e.MissionID, e.TaskID, e.Err)
}

func (e *MissionFatalError) Unwrap() error { return e.Err }
