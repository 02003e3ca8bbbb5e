package scheduler

import (
	"fmt"
	"time"

	"github.com/aristath/missionctl/internal/dag"
	"github.com/aristath/missionctl/internal/events"
	"github.com/aristath/missionctl/internal/mission"
)

// pass collects the task changes of one state transition so they can be
// persisted in a single transaction and announced afterwards.
type pass struct {
	now   time.Time
	tasks []*mission.Task // Working copies in Seq order
	byID  map[string]*mission.Task
	from  map[string]mission.TaskStatus // Status before the pass, for changed tasks
	order []string                      // Changed task IDs in change order
}

func newPass(now time.Time, tasks []*mission.Task) *pass {
	p := &pass{
		now:   now,
		tasks: tasks,
		byID:  make(map[string]*mission.Task, len(tasks)),
		from:  make(map[string]mission.TaskStatus),
	}
	for _, t := range tasks {
		p.byID[t.ID] = t
	}
	return p
}

func (p *pass) graph() (*dag.DAG, error) {
	return dag.New(p.tasks)
}

// touch records t as changed without a status change.
func (p *pass) touch(t *mission.Task) {
	if _, seen := p.from[t.ID]; !seen {
		p.from[t.ID] = t.Status
		p.order = append(p.order, t.ID)
	}
}

func (p *pass) set(t *mission.Task, to mission.TaskStatus) {
	p.touch(t)
	t.Status = to
}

// complete moves t to a terminal status stamped with the pass time.
func (p *pass) complete(t *mission.Task, to mission.TaskStatus) {
	p.set(t, to)
	now := p.now
	t.CompletedAt = &now
}

func (p *pass) updates() []*mission.Task {
	out := make([]*mission.Task, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.byID[id])
	}
	return out
}

// events returns one task event per status change.
func (p *pass) events() []events.Event {
	var out []events.Event
	for _, id := range p.order {
		t := p.byID[id]
		if p.from[id] == t.Status {
			continue
		}
		out = append(out, newTaskEvent(t, p.from[id], p.now))
	}
	return out
}

func newTaskEvent(t *mission.Task, from mission.TaskStatus, now time.Time) events.Event {
	ev := events.Event{
		Kind:      events.KindTask,
		MissionID: t.MissionID,
		TaskID:    t.ID,
		TaskName:  t.Name,
		Category:  string(t.Category),
		From:      string(from),
		To:        string(t.Status),
		Attempt:   t.Attempt,
		Timestamp: now,
	}
	switch {
	case t.Status == mission.TaskQueued && t.RetryAt != nil:
		ev.Summary = fmt.Sprintf("retry at %s: %s", t.RetryAt.Format(time.RFC3339), t.LastError)
	case t.Status == mission.TaskFailed, t.Status == mission.TaskBlocked:
		ev.Summary = t.LastError
	case t.Status == mission.TaskSucceeded && t.Partial:
		ev.Summary = "partial output"
	}
	return ev
}

func newMissionEvent(m *mission.Mission, from mission.MissionStatus, now time.Time) events.Event {
	ev := events.Event{
		Kind:      events.KindMission,
		MissionID: m.ID,
		From:      string(from),
		To:        string(m.Status),
		Timestamp: now,
	}
	if m.Status == mission.MissionFailed || m.Status == mission.MissionCancelled {
		ev.Summary = m.Error
	}
	return ev
}
