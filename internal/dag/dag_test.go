package dag

import (
	"strings"
	"testing"
	"time"

	"github.com/aristath/missionctl/internal/mission"
)

func task(id string, seq int, status mission.TaskStatus, deps ...string) *mission.Task {
	return &mission.Task{ID: id, Name: id, Seq: seq, Status: status, DependsOn: deps}
}

func mustNew(t *testing.T, tasks ...*mission.Task) *DAG {
	t.Helper()
	d, err := New(tasks)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func TestNewRejectsDuplicateIDs(t *testing.T) {
	_, err := New([]*mission.Task{
		task("A", 0, mission.TaskQueued),
		task("A", 1, mission.TaskQueued),
	})
	if err == nil {
		t.Fatal("expected error for duplicate task ID")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		tasks       []*mission.Task
		wantErr     bool
		errContains string
	}{
		{
			name: "valid linear chain",
			tasks: []*mission.Task{
				task("A", 0, mission.TaskQueued),
				task("B", 1, mission.TaskQueued, "A"),
				task("C", 2, mission.TaskQueued, "B"),
			},
		},
		{
			name: "valid diamond",
			tasks: []*mission.Task{
				task("A", 0, mission.TaskQueued),
				task("B", 1, mission.TaskQueued, "A"),
				task("C", 2, mission.TaskQueued, "A"),
				task("D", 3, mission.TaskQueued, "B", "C"),
			},
		},
		{
			name:  "empty graph",
			tasks: nil,
		},
		{
			name: "direct cycle",
			tasks: []*mission.Task{
				task("A", 0, mission.TaskQueued, "B"),
				task("B", 1, mission.TaskQueued, "A"),
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "transitive cycle",
			tasks: []*mission.Task{
				task("A", 0, mission.TaskQueued, "C"),
				task("B", 1, mission.TaskQueued, "A"),
				task("C", 2, mission.TaskQueued, "B"),
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "self-loop",
			tasks: []*mission.Task{
				task("A", 0, mission.TaskQueued, "A"),
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "unknown dependency",
			tasks: []*mission.Task{
				task("A", 0, mission.TaskQueued, "missing"),
			},
			wantErr:     true,
			errContains: "non-existent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := mustNew(t, tt.tasks...)
			order, err := d.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got order %v", order)
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(order) != len(tt.tasks) {
				t.Fatalf("expected %d tasks in order, got %d", len(tt.tasks), len(order))
			}
			pos := make(map[string]int)
			for i, id := range order {
				pos[id] = i
			}
			for _, tk := range tt.tasks {
				for _, dep := range tk.DependsOn {
					if pos[dep] >= pos[tk.ID] {
						t.Errorf("dependency %s ordered after %s", dep, tk.ID)
					}
				}
			}
		})
	}
}

func TestReady(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Second)

	retrying := task("R", 5, mission.TaskQueued)
	retrying.RetryAt = &later
	due := task("S", 6, mission.TaskQueued)
	due.RetryAt = &earlier

	d := mustNew(t,
		task("C", 2, mission.TaskQueued, "A", "B"),
		task("A", 0, mission.TaskSucceeded),
		task("B", 1, mission.TaskRunning),
		task("D", 3, mission.TaskQueued, "A"),
		task("E", 4, mission.TaskQueued),
		retrying,
		due,
		task("F", 7, mission.TaskQueued, "X"),
	)

	ready := d.Ready(now)
	var ids []string
	for _, tk := range ready {
		ids = append(ids, tk.ID)
	}

	want := []string{"D", "E", "S"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Errorf("Ready() = %v, want %v", ids, want)
	}

	next, ok := d.NextRetry(now)
	if !ok || !next.Equal(later) {
		t.Errorf("NextRetry() = %v, %v; want %v, true", next, ok, later)
	}
}

func TestReadyReturnsCopies(t *testing.T) {
	d := mustNew(t, task("A", 0, mission.TaskQueued))
	ready := d.Ready(time.Now())
	ready[0].Status = mission.TaskDispatched

	again := d.Ready(time.Now())
	if len(again) != 1 {
		t.Fatalf("expected task still ready, got %d", len(again))
	}
}

func TestUnreachableAndDescendants(t *testing.T) {
	d := mustNew(t,
		task("A", 0, mission.TaskFailed),
		task("B", 1, mission.TaskQueued, "A"),
		task("C", 2, mission.TaskQueued, "B"),
		task("D", 3, mission.TaskQueued),
		task("E", 4, mission.TaskQueued, "C", "D"),
	)

	desc := d.Descendants("A")
	if strings.Join(desc, ",") != "B,C,E" {
		t.Errorf("Descendants(A) = %v, want [B C E]", desc)
	}

	var ids []string
	for _, tk := range d.Unreachable() {
		ids = append(ids, tk.ID)
	}
	if strings.Join(ids, ",") != "B,C,E" {
		t.Errorf("Unreachable() = %v, want [B C E]", ids)
	}

	if deps := d.Dependents("D"); len(deps) != 1 || deps[0] != "E" {
		t.Errorf("Dependents(D) = %v, want [E]", deps)
	}
}

func TestTerminal(t *testing.T) {
	d := mustNew(t,
		task("A", 0, mission.TaskQueued),
		task("B", 1, mission.TaskQueued, "A"),
		task("C", 2, mission.TaskQueued, "A"),
	)

	var ids []string
	for _, tk := range d.Terminal() {
		ids = append(ids, tk.ID)
	}
	if strings.Join(ids, ",") != "B,C" {
		t.Errorf("Terminal() = %v, want [B C]", ids)
	}
}

func TestCriticalPath(t *testing.T) {
	d := mustNew(t,
		&mission.Task{ID: "A", Seq: 0, Category: mission.CategoryResearch},
		&mission.Task{ID: "B", Seq: 1, Category: mission.CategoryCopywriting, DependsOn: []string{"A"}},
		&mission.Task{ID: "C", Seq: 2, Category: mission.CategoryDesign, DependsOn: []string{"A"}},
		&mission.Task{ID: "D", Seq: 3, Category: mission.CategoryReview, DependsOn: []string{"B", "C"}},
	)

	estimates := map[mission.Category]time.Duration{
		mission.CategoryResearch:    10 * time.Minute,
		mission.CategoryCopywriting: 5 * time.Minute,
		mission.CategoryDesign:      20 * time.Minute,
		mission.CategoryReview:      time.Minute,
	}

	got, err := d.CriticalPath(func(tk *mission.Task) time.Duration { return estimates[tk.Category] })
	if err != nil {
		t.Fatalf("CriticalPath failed: %v", err)
	}
	if want := 31 * time.Minute; got != want {
		t.Errorf("CriticalPath() = %v, want %v", got, want)
	}
}
