// Package dag provides a derived, read-only graph view over one mission's tasks.
// The view is rebuilt from the store on every scheduling pass and is never the
// source of truth.
package dag

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gammazero/toposort"

	"github.com/aristath/missionctl/internal/mission"
)

// DAG represents the dependency graph of a mission's tasks.
type DAG struct {
	tasks      map[string]*mission.Task // All tasks indexed by ID
	ordered    []*mission.Task          // Tasks in Seq order
	dependents map[string][]string      // Maps taskID -> tasks that depend on it
}

// New builds a DAG from tasks. Returns error if a task ID appears twice.
// The DAG keeps its own copies; later changes to tasks are not observed.
func New(tasks []*mission.Task) (*DAG, error) {
	d := &DAG{
		tasks:      make(map[string]*mission.Task, len(tasks)),
		ordered:    make([]*mission.Task, 0, len(tasks)),
		dependents: make(map[string][]string),
	}

	for _, t := range tasks {
		if _, exists := d.tasks[t.ID]; exists {
			return nil, fmt.Errorf("task with ID %q already exists", t.ID)
		}
		cp := t.Clone()
		d.tasks[cp.ID] = cp
		d.ordered = append(d.ordered, cp)
		for _, depID := range cp.DependsOn {
			d.dependents[depID] = append(d.dependents[depID], cp.ID)
		}
	}

	sort.SliceStable(d.ordered, func(i, j int) bool {
		return d.ordered[i].Seq < d.ordered[j].Seq
	})
	return d, nil
}

// Validate runs topological sort using gammazero/toposort.
// Returns ordered task IDs, or an error if a dependency is unknown or a cycle exists.
func (d *DAG) Validate() ([]string, error) {
	for _, t := range d.ordered {
		for _, depID := range t.DependsOn {
			if _, exists := d.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", t.ID, depID)
			}
		}
	}

	var edges []toposort.Edge
	for _, t := range d.ordered {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, depID := range t.DependsOn {
			// Edge (depID, taskID) means depID must come before taskID
			edges = append(edges, toposort.Edge{depID, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(d.tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, t := range d.ordered {
			if !found[t.ID] {
				missing = append(missing, t.ID)
			}
		}
		return nil, fmt.Errorf("dependency graph contains cycle through: %s", strings.Join(missing, ", "))
	}

	return order, nil
}

// Ready returns queued tasks whose dependencies have all succeeded and whose retry
// delay, if any, has elapsed at now. Results are ordered by Seq.
func (d *DAG) Ready(now time.Time) []*mission.Task {
	var ready []*mission.Task
	for _, t := range d.ordered {
		if t.Status != mission.TaskQueued {
			continue
		}
		if t.RetryAt != nil && t.RetryAt.After(now) {
			continue
		}
		if d.depsSucceeded(t) {
			ready = append(ready, t.Clone())
		}
	}
	return ready
}

func (d *DAG) depsSucceeded(t *mission.Task) bool {
	for _, depID := range t.DependsOn {
		dep, exists := d.tasks[depID]
		if !exists || dep.Status != mission.TaskSucceeded {
			return false
		}
	}
	return true
}

// NextRetry returns the earliest RetryAt after now among queued tasks.
func (d *DAG) NextRetry(now time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	for _, t := range d.ordered {
		if t.Status != mission.TaskQueued || t.RetryAt == nil || !t.RetryAt.After(now) {
			continue
		}
		if !found || t.RetryAt.Before(next) {
			next = *t.RetryAt
			found = true
		}
	}
	return next, found
}

// Unreachable returns queued tasks that can never run because an ancestor failed,
// was blocked or was cancelled. Results are ordered by Seq.
func (d *DAG) Unreachable() []*mission.Task {
	doomed := make(map[string]bool)
	for _, t := range d.ordered {
		switch t.Status {
		case mission.TaskFailed, mission.TaskBlocked, mission.TaskCancelled:
			for _, id := range d.Descendants(t.ID) {
				doomed[id] = true
			}
		}
	}

	var out []*mission.Task
	for _, t := range d.ordered {
		if doomed[t.ID] && t.Status == mission.TaskQueued {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Dependents returns the IDs of tasks that depend directly on taskID.
func (d *DAG) Dependents(taskID string) []string {
	return append([]string(nil), d.dependents[taskID]...)
}

// Descendants returns every task reachable from taskID through dependents,
// ordered by Seq. taskID itself is not included.
func (d *DAG) Descendants(taskID string) []string {
	seen := make(map[string]bool)
	stack := append([]string(nil), d.dependents[taskID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, d.dependents[id]...)
	}

	out := make([]string, 0, len(seen))
	for _, t := range d.ordered {
		if seen[t.ID] {
			out = append(out, t.ID)
		}
	}
	return out
}

// Terminal returns tasks without dependents, ordered by Seq.
func (d *DAG) Terminal() []*mission.Task {
	var out []*mission.Task
	for _, t := range d.ordered {
		if len(d.dependents[t.ID]) == 0 {
			out = append(out, t.Clone())
		}
	}
	return out
}

// CriticalPath returns the longest cumulative estimate along any dependency chain.
// Returns an error if the graph is not valid.
func (d *DAG) CriticalPath(estimate func(*mission.Task) time.Duration) (time.Duration, error) {
	order, err := d.Validate()
	if err != nil {
		return 0, err
	}

	finish := make(map[string]time.Duration, len(order))
	var longest time.Duration
	for _, id := range order {
		t := d.tasks[id]
		var start time.Duration
		for _, depID := range t.DependsOn {
			if finish[depID] > start {
				start = finish[depID]
			}
		}
		finish[id] = start + estimate(t)
		if finish[id] > longest {
			longest = finish[id]
		}
	}
	return longest, nil
}

// Get returns a copy of the task by ID.
func (d *DAG) Get(taskID string) (*mission.Task, bool) {
	t, exists := d.tasks[taskID]
	if !exists {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns copies of all tasks in Seq order.
func (d *DAG) Tasks() []*mission.Task {
	out := make([]*mission.Task, 0, len(d.ordered))
	for _, t := range d.ordered {
		out = append(out, t.Clone())
	}
	return out
}

// Len returns the number of tasks.
func (d *DAG) Len() int {
	return len(d.ordered)
}
