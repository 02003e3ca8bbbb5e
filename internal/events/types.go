package events

import (
	"time"
)

// Kind distinguishes mission and task transitions.
type Kind string

const (
	KindMission Kind = "mission"
	KindTask    Kind = "task"
)

// Event is one status transition. From is empty for creation events.
type Event struct {
	Kind      Kind      `json:"kind"`
	MissionID string    `json:"mission_id"`
	TaskID    string    `json:"task_id,omitempty"`
	TaskName  string    `json:"task_name,omitempty"`
	Category  string    `json:"category,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Attempt   int       `json:"attempt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary,omitempty"`
}

// Terminal reports whether the event moved a mission into a terminal state.
func (e Event) Terminal() bool {
	if e.Kind != KindMission {
		return false
	}
	switch e.To {
	case "complete", "failed", "cancelled":
		return true
	}
	return false
}
