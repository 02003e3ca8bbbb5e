package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/missionctl/internal/broker"
	"github.com/aristath/missionctl/internal/config"
	"github.com/aristath/missionctl/internal/events"
	"github.com/aristath/missionctl/internal/mission"
	"github.com/aristath/missionctl/internal/persistence"
	"github.com/aristath/missionctl/internal/planner"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *persistence.SQLiteStore
	broker *broker.Broker
	bus    *events.EventBus
	sched  *Scheduler
	cfg    *config.Config
}

// taskDef describes a task for createMission; deps are task names.
type taskDef struct {
	name        string
	category    mission.Category
	deps        []string
	optional    bool
	fatal       bool
	maxAttempts int
}

func noJitter(time.Duration) time.Duration { return 0 }

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	b := broker.New(broker.Options{})
	t.Cleanup(b.Close)

	bus := events.NewEventBus()
	t.Cleanup(bus.Close)

	cfg := config.DefaultConfig()
	p, err := planner.New("", func(c mission.Category) (int, bool) {
		cc := cfg.Category(c)
		return cc.MaxAttempts, cc.Fatal
	})
	if err != nil {
		t.Fatalf("failed to create planner: %v", err)
	}

	retry := NewRetryPolicy(cfg.Retry)
	retry.Jitter = noJitter

	opts := Options{
		Store:     store,
		Queue:     b,
		Bus:       bus,
		Expander:  p,
		Workflows: planner.NewWorkflowManager(cfg.Workflows),
		Config:    cfg,
		Retry:     &retry,
		Now:       func() time.Time { return testNow },
	}
	if mutate != nil {
		mutate(&opts)
	}

	s, err := New(opts)
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	t.Cleanup(s.Close)

	return &harness{t: t, ctx: ctx, store: store, broker: b, bus: bus, sched: s, cfg: opts.Config}
}

// createMission persists a mission with the given tasks and returns its ID and
// a name -> task ID map.
func (h *harness) createMission(defs ...taskDef) (string, map[string]string) {
	h.t.Helper()

	missionID := uuid.NewString()
	ids := make(map[string]string, len(defs))
	for _, d := range defs {
		ids[d.name] = uuid.NewString()
	}

	var tasks []*mission.Task
	for i, d := range defs {
		maxAttempts := d.maxAttempts
		if maxAttempts == 0 {
			maxAttempts = 3
		}
		var deps []string
		for _, name := range d.deps {
			deps = append(deps, ids[name])
		}
		tasks = append(tasks, &mission.Task{
			ID:          ids[d.name],
			MissionID:   missionID,
			Name:        d.name,
			Seq:         i,
			Category:    d.category,
			Status:      mission.TaskQueued,
			Input:       json.RawMessage(`{"goal":"test"}`),
			DependsOn:   deps,
			Optional:    d.optional,
			Fatal:       d.fatal,
			MaxAttempts: maxAttempts,
			CreatedAt:   testNow,
		})
	}

	m := &mission.Mission{
		ID:        missionID,
		Goal:      "test goal",
		Status:    mission.MissionPending,
		Priority:  mission.PriorityNormal,
		CreatedAt: testNow,
	}
	if err := h.store.CreateMission(h.ctx, m, tasks); err != nil {
		h.t.Fatalf("CreateMission failed: %v", err)
	}
	return missionID, ids
}

func (h *harness) schedule(missionID string) {
	h.t.Helper()
	if err := h.sched.Schedule(h.ctx, missionID); err != nil {
		h.t.Fatalf("Schedule failed: %v", err)
	}
}

func (h *harness) report(missionID, taskID string, attempt int, outcome broker.Outcome, mutate ...func(*broker.Report)) {
	h.t.Helper()
	r := broker.Report{TaskID: taskID, MissionID: missionID, Attempt: attempt, Outcome: outcome}
	for _, fn := range mutate {
		fn(&r)
	}
	if err := h.sched.HandleReport(h.ctx, r); err != nil {
		h.t.Fatalf("HandleReport(%s %s) failed: %v", taskID, outcome, err)
	}
}

// complete sends started + succeeded for the task's current attempt.
func (h *harness) complete(missionID, taskID string, output string) {
	h.t.Helper()
	attempt := h.task(taskID).Attempt
	h.report(missionID, taskID, attempt, broker.OutcomeStarted)
	h.report(missionID, taskID, attempt, broker.OutcomeSucceeded, func(r *broker.Report) {
		r.Output = json.RawMessage(output)
	})
}

func (h *harness) task(taskID string) *mission.Task {
	h.t.Helper()
	t, err := h.store.GetTask(h.ctx, taskID)
	if err != nil {
		h.t.Fatalf("GetTask(%s) failed: %v", taskID, err)
	}
	return t
}

func (h *harness) mission(missionID string) *mission.Mission {
	h.t.Helper()
	m, err := h.store.GetMission(h.ctx, missionID)
	if err != nil {
		h.t.Fatalf("GetMission(%s) failed: %v", missionID, err)
	}
	return m
}

// drain returns the events already delivered to sub.
func drain(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (h *harness) expectStatus(taskID string, want mission.TaskStatus) {
	h.t.Helper()
	if got := h.task(taskID).Status; got != want {
		h.t.Errorf("task status = %s, want %s", got, want)
	}
}

func TestScheduleDispatchesReadyTasks(t *testing.T) {
	h := newHarness(t, nil)
	missionID, ids := h.createMission(
		taskDef{name: "a", category: mission.CategoryResearch},
		taskDef{name: "b", category: mission.CategoryStrategy, deps: []string{"a"}},
	)

	sub := h.bus.Subscribe(missionID, 16)
	defer sub.Unsubscribe()

	h.schedule(missionID)

	a := h.task(ids["a"])
	if a.Status != mission.TaskDispatched || a.Attempt != 1 {
		t.Errorf("a = %s attempt %d, want dispatched attempt 1", a.Status, a.Attempt)
	}
	h.expectStatus(ids["b"], mission.TaskQueued)

	if got := h.broker.Len(mission.CategoryResearch); got != 1 {
		t.Errorf("research queue length = %d, want 1", got)
	}
	if got := h.mission(missionID).Status; got != mission.MissionPending {
		t.Errorf("mission status = %s, want pending", got)
	}

	select {
	case ev := <-sub.C:
		if ev.TaskID != ids["a"] || ev.To != string(mission.TaskDispatched) {
			t.Errorf("event = %+v, want a dispatched", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no dispatched event")
	}

	// A second pass must not dispatch again.
	h.schedule(missionID)
	if got := h.broker.Len(mission.CategoryResearch); got != 1 {
		t.Errorf("research queue length after second pass = %d, want 1", got)
	}
}

func TestMissionLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	missionID, ids := h.createMission(
		taskDef{name: "research", category: mission.CategoryResearch},
		taskDef{name: "copy", category: mission.CategoryCopywriting, deps: []string{"research"}},
		taskDef{name: "art", category: mission.CategoryDesign, deps: []string{"research"}},
	)
	h.schedule(missionID)

	h.report(missionID, ids["research"], 1, broker.OutcomeStarted)
	h.expectStatus(ids["research"], mission.TaskRunning)
	m := h.mission(missionID)
	if m.Status != mission.MissionInProgress || m.StartedAt == nil {
		t.Fatalf("mission = %s started %v, want in_progress with start time", m.Status, m.StartedAt)
	}

	h.report(missionID, ids["research"], 1, broker.OutcomeSucceeded, func(r *broker.Report) {
		r.Output = json.RawMessage(`{"findings":3}`)
	})
	h.expectStatus(ids["copy"], mission.TaskDispatched)
	h.expectStatus(ids["art"], mission.TaskDispatched)

	h.complete(missionID, ids["copy"], `"headline"`)
	if got := h.mission(missionID).Status; got != mission.MissionInProgress {
		t.Errorf("mission status with art outstanding = %s, want in_progress", got)
	}
	h.complete(missionID, ids["art"], `{"image":"hero.png"}`)

	m = h.mission(missionID)
	if m.Status != mission.MissionComplete {
		t.Fatalf("mission status = %s, want complete", m.Status)
	}
	if m.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	var res Result
	if err := json.Unmarshal(m.Result, &res); err != nil {
		t.Fatalf("failed to decode result %s: %v", m.Result, err)
	}
	if len(res.Tasks) != 2 {
		t.Fatalf("result tasks = %v, want copy and art", res.Tasks)
	}
	if string(res.Tasks["copy"]) != `"headline"` {
		t.Errorf("copy output = %s", res.Tasks["copy"])
	}
	if _, ok := res.Tasks["research"]; ok {
		t.Error("intermediate task output must not appear in the result")
	}
}

func TestZeroTaskMissionCompletes(t *testing.T) {
	h := newHarness(t, nil)
	missionID, _ := h.createMission()
	h.schedule(missionID)

	m := h.mission(missionID)
	if m.Status != mission.MissionComplete {
		t.Fatalf("mission status = %s, want complete", m.Status)
	}
	if string(m.Result) != `{"tasks":{}}` {
		t.Errorf("result = %s, want empty task map", m.Result)
	}
}

func TestRetryThenExhaust(t *testing.T) {
	h := newHarness(t, nil)
	missionID, ids := h.createMission(
		taskDef{name: "a", category: mission.CategoryResearch, maxAttempts: 2},
		taskDef{name: "b", category: mission.CategoryCopywriting, deps: []string{"a"}},
	)
	h.schedule(missionID)

	h.report(missionID, ids["a"], 1, broker.OutcomeFailed, func(r *broker.Report) { r.Error = "timeout" })

	a := h.task(ids["a"])
	if a.Status != mission.TaskDispatched || a.Attempt != 2 {
		t.Fatalf("a = %s attempt %d, want redispatched as attempt 2", a.Status, a.Attempt)
	}
	if a.LastError != "timeout" {
		t.Errorf("LastError = %q, want timeout", a.LastError)
	}

	h.report(missionID, ids["a"], 2, broker.OutcomeFailed, func(r *broker.Report) { r.Error = "timeout again" })

	h.expectStatus(ids["a"], mission.TaskFailed)
	h.expectStatus(ids["b"], mission.TaskBlocked)

	m := h.mission(missionID)
	if m.Status != mission.MissionFailed {
		t.Fatalf("mission status = %s, want failed", m.Status)
	}
	if !strings.Contains(m.Error, "timeout again") {
		t.Errorf("mission error = %q, want failure cause", m.Error)
	}
}

func TestRetryDelayArmsTimer(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Now = time.Now
		o.Retry = &RetryPolicy{
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      2,
			Jitter:          func(d time.Duration) time.Duration { return d },
		}
	})
	missionID, ids := h.createMission(taskDef{name: "a", category: mission.CategoryDesign})
	h.schedule(missionID)

	h.report(missionID, ids["a"], 1, broker.OutcomeFailed, func(r *broker.Report) { r.Error = "flaky" })

	a := h.task(ids["a"])
	if a.Status != mission.TaskQueued || a.RetryAt == nil {
		t.Fatalf("a = %s retry %v, want queued with retry time", a.Status, a.RetryAt)
	}
	if n := h.sched.pendingTimers(); n != 1 {
		t.Fatalf("pending timers = %d, want 1", n)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.task(ids["a"]).Status == mission.TaskDispatched {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	a = h.task(ids["a"])
	if a.Status != mission.TaskDispatched || a.Attempt != 2 {
		t.Errorf("a = %s attempt %d, want dispatched attempt 2 after retry delay", a.Status, a.Attempt)
	}
}

func TestFatalFailureCancelsMission(t *testing.T) {
	h := newHarness(t, nil)
	missionID, ids := h.createMission(
		taskDef{name: "network", category: mission.CategoryNetworkInit, fatal: true, maxAttempts: 1},
		taskDef{name: "research", category: mission.CategoryResearch},
		taskDef{name: "publish", category: mission.CategoryPublish, deps: []string{"network", "research"}},
	)
	h.schedule(missionID)
	h.report(missionID, ids["research"], 1, broker.OutcomeStarted)

	sub := h.bus.Subscribe(missionID, 64)
	defer sub.Unsubscribe()

	h.report(missionID, ids["network"], 1, broker.OutcomeFailed, func(r *broker.Report) { r.Error = "no route" })

	h.expectStatus(ids["network"], mission.TaskFailed)
	h.expectStatus(ids["research"], mission.TaskCancelled)
	h.expectStatus(ids["publish"], mission.TaskCancelled)

	for _, ev := range drain(sub) {
		if ev.To == string(mission.TaskBlocked) {
			t.Errorf("unexpected blocked transition for %s after fatal failure", ev.TaskName)
		}
	}

	m := h.mission(missionID)
	if m.Status != mission.MissionFailed {
		t.Fatalf("mission status = %s, want failed", m.Status)
	}
	if !strings.Contains(m.Error, "failed fatally") || !strings.Contains(m.Error, "no route") {
		t.Errorf("mission error = %q, want fatal detail", m.Error)
	}
	if got := h.broker.Len(mission.CategoryResearch); got != 0 {
		t.Errorf("research queue = %d, want purged", got)
	}
}

func TestOptionalTaskFailureStillCompletes(t *testing.T) {
	h := newHarness(t, nil)
	missionID, ids := h.createMission(
		taskDef{name: "draft", category: mission.CategoryCopywriting},
		taskDef{name: "header", category: mission.CategoryDesign, deps: []string{"draft"}, optional: true, maxAttempts: 1},
		taskDef{name: "review", category: mission.CategoryReview, deps: []string{"draft"}},
	)
	h.schedule(missionID)
	h.complete(missionID, ids["draft"], `"text"`)

	h.report(missionID, ids["header"], 1, broker.OutcomeFailed, func(r *broker.Report) { r.Error = "render failed" })
	h.complete(missionID, ids["review"], `"approved"`)

	if got := h.mission(missionID).Status; got != mission.MissionComplete {
		t.Errorf("mission status = %s, want complete despite optional failure", got)
	}
}

func TestStaleAndDuplicateReports(t *testing.T) {
	h := newHarness(t, nil)
	missionID, ids := h.createMission(
		taskDef{name: "a", category: mission.CategoryResearch},
		taskDef{name: "b", category: mission.CategoryReview, deps: []string{"a"}},
	)
	h.schedule(missionID)

	// Attempt 1 times out; attempt 2 is dispatched.
	h.report(missionID, ids["a"], 1, broker.OutcomeFailed, func(r *broker.Report) { r.Error = broker.LeaseExpired })

	// The original worker finishes attempt 1 late.
	h.report(missionID, ids["a"], 1, broker.OutcomeSucceeded)
	a := h.task(ids["a"])
	if a.Status != mission.TaskDispatched || a.Attempt != 2 {
		t.Fatalf("a = %s attempt %d, want attempt 2 untouched by late report", a.Status, a.Attempt)
	}

	h.complete(missionID, ids["a"], `"ok"`)
	h.report(missionID, ids["a"], 2, broker.OutcomeSucceeded)

	if got := h.broker.Len(mission.CategoryReview); got != 1 {
		t.Errorf("review queue = %d, want exactly one dispatch of b", got)
	}

	log, err := h.store.ReportLog(h.ctx, ids["a"])
	if err != nil {
		t.Fatalf("ReportLog failed: %v", err)
	}
	counts := make(map[string]int)
	for _, rec := range log {
		counts[rec.Disposition]++
	}
	if counts[persistence.DispositionStale] != 1 {
		t.Errorf("stale reports = %d, want 1 (log %+v)", counts[persistence.DispositionStale], log)
	}
	if counts[persistence.DispositionDuplicate] != 1 {
		t.Errorf("duplicate reports = %d, want 1 (log %+v)", counts[persistence.DispositionDuplicate], log)
	}
}

func TestPartialOutputPolicy(t *testing.T) {
	tests := []struct {
		name       string
		category   mission.Category
		wantStatus mission.TaskStatus
		wantResult bool
	}{
		{name: "accepted as success", category: mission.CategoryResearch, wantStatus: mission.TaskSucceeded, wantResult: true},
		{name: "handled as failure", category: mission.CategoryReview, wantStatus: mission.TaskDispatched},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			missionID, ids := h.createMission(taskDef{name: "only", category: tt.category})
			h.schedule(missionID)

			h.report(missionID, ids["only"], 1, broker.OutcomeSucceeded, func(r *broker.Report) {
				r.Output = json.RawMessage(`"half"`)
				r.Partial = true
			})

			task := h.task(ids["only"])
			if task.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", task.Status, tt.wantStatus)
			}
			if !tt.wantResult {
				if task.Attempt != 2 || !strings.Contains(task.LastError, "partial output") {
					t.Errorf("task = attempt %d error %q, want retry after rejected partial", task.Attempt, task.LastError)
				}
				return
			}

			var res Result
			if err := json.Unmarshal(h.mission(missionID).Result, &res); err != nil {
				t.Fatalf("failed to decode result: %v", err)
			}
			if len(res.Partial) != 1 || res.Partial[0] != "only" {
				t.Errorf("partial = %v, want [only]", res.Partial)
			}
		})
	}
}

func TestFollowUpsExpandGraph(t *testing.T) {
	h := newHarness(t, nil)
	missionID, ids := h.createMission(taskDef{name: "research", category: mission.CategoryResearch})
	h.schedule(missionID)

	h.report(missionID, ids["research"], 1, broker.OutcomeSucceeded, func(r *broker.Report) {
		r.Output = json.RawMessage(`"notes"`)
		r.FollowUps = []mission.TaskSpec{
			{Name: "summary", Category: mission.CategoryCopywriting},
		}
	})

	tasks, err := h.store.ListTasks(h.ctx, missionID)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2 after expansion", len(tasks))
	}
	summary := tasks[1]
	if summary.Name != "summary" || summary.Status != mission.TaskDispatched {
		t.Errorf("follow-up = %s %s, want summary dispatched", summary.Name, summary.Status)
	}
	if len(summary.DependsOn) != 1 || summary.DependsOn[0] != ids["research"] {
		t.Errorf("follow-up deps = %v, want parent", summary.DependsOn)
	}
	if got := h.mission(missionID).Status; got.IsTerminal() {
		t.Fatalf("mission finished early: %s", got)
	}

	h.complete(missionID, summary.ID, `"done"`)
	if got := h.mission(missionID).Status; got != mission.MissionComplete {
		t.Errorf("mission status = %s, want complete", got)
	}
}

func TestFollowUpExpansionErrorKeepsParent(t *testing.T) {
	h := newHarness(t, nil)
	missionID, ids := h.createMission(taskDef{name: "research", category: mission.CategoryResearch})
	h.schedule(missionID)

	h.report(missionID, ids["research"], 1, broker.OutcomeSucceeded, func(r *broker.Report) {
		r.FollowUps = []mission.TaskSpec{{Name: "x", Category: "juggling"}}
	})

	task := h.task(ids["research"])
	if task.Status != mission.TaskSucceeded {
		t.Fatalf("parent status = %s, want succeeded", task.Status)
	}
	if !strings.Contains(task.LastError, "follow-up expansion failed") {
		t.Errorf("LastError = %q, want expansion failure", task.LastError)
	}
	if got := h.mission(missionID).Status; got != mission.MissionComplete {
		t.Errorf("mission status = %s, want complete", got)
	}
}

func TestWorkflowFollowUps(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Workflows = planner.NewWorkflowManager(map[string]config.WorkflowConfig{
			"draft-review": {Steps: []config.WorkflowStepConfig{{Category: "copywriting"}, {Category: "review"}}},
		})
	})
	missionID, ids := h.createMission(taskDef{name: "draft", category: mission.CategoryCopywriting})
	h.schedule(missionID)
	h.complete(missionID, ids["draft"], `"text"`)

	tasks, err := h.store.ListTasks(h.ctx, missionID)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 2 || tasks[1].Category != mission.CategoryReview {
		t.Fatalf("tasks = %d, want a review follow-up", len(tasks))
	}
	if tasks[1].Status != mission.TaskDispatched {
		t.Errorf("review status = %s, want dispatched", tasks[1].Status)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t, nil)
	missionID, ids := h.createMission(
		taskDef{name: "a", category: mission.CategoryResearch},
		taskDef{name: "b", category: mission.CategoryStrategy, deps: []string{"a"}},
	)
	h.schedule(missionID)

	if err := h.sched.Cancel(h.ctx, missionID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	h.expectStatus(ids["a"], mission.TaskCancelled)
	h.expectStatus(ids["b"], mission.TaskCancelled)
	if got := h.mission(missionID).Status; got != mission.MissionCancelled {
		t.Errorf("mission status = %s, want cancelled", got)
	}
	if got := h.broker.Len(mission.CategoryResearch); got != 0 {
		t.Errorf("research queue = %d, want purged", got)
	}

	var verr *mission.ValidationError
	if err := h.sched.Cancel(h.ctx, missionID); !errors.As(err, &verr) {
		t.Errorf("second Cancel = %v, want ValidationError", err)
	}

	var nf *mission.NotFoundError
	if err := h.sched.Cancel(h.ctx, "missing"); !errors.As(err, &nf) {
		t.Errorf("Cancel(missing) = %v, want NotFoundError", err)
	}
}

func TestCancelLeavesFinishedTasks(t *testing.T) {
	h := newHarness(t, nil)
	missionID, ids := h.createMission(
		taskDef{name: "a", category: mission.CategoryResearch},
		taskDef{name: "b", category: mission.CategoryDesign, optional: true, maxAttempts: 1},
		taskDef{name: "c", category: mission.CategoryCopywriting, deps: []string{"a"}},
		taskDef{name: "d", category: mission.CategoryReview, deps: []string{"c"}},
	)
	h.schedule(missionID)
	h.complete(missionID, ids["a"], `"notes"`)
	h.report(missionID, ids["b"], 1, broker.OutcomeFailed, func(r *broker.Report) { r.Error = "render failed" })

	h.expectStatus(ids["c"], mission.TaskDispatched)
	h.expectStatus(ids["d"], mission.TaskQueued)

	sub := h.bus.Subscribe(missionID, 64)
	defer sub.Unsubscribe()

	if err := h.sched.Cancel(h.ctx, missionID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	h.expectStatus(ids["a"], mission.TaskSucceeded)
	h.expectStatus(ids["b"], mission.TaskFailed)
	h.expectStatus(ids["c"], mission.TaskCancelled)
	h.expectStatus(ids["d"], mission.TaskCancelled)

	cancelled := make(map[string]bool)
	for _, ev := range drain(sub) {
		if ev.Kind != events.KindTask {
			continue
		}
		if ev.To != string(mission.TaskCancelled) {
			t.Errorf("unexpected task transition %s -> %s for %s", ev.From, ev.To, ev.TaskName)
		}
		cancelled[ev.TaskID] = true
	}
	if len(cancelled) != 2 || !cancelled[ids["c"]] || !cancelled[ids["d"]] {
		t.Errorf("cancelled tasks = %v, want exactly c and d", cancelled)
	}
}

func TestLateReportAfterCancelIsAudited(t *testing.T) {
	h := newHarness(t, nil)
	missionID, ids := h.createMission(taskDef{name: "a", category: mission.CategoryResearch})
	h.schedule(missionID)
	h.report(missionID, ids["a"], 1, broker.OutcomeStarted)

	if err := h.sched.Cancel(h.ctx, missionID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	h.report(missionID, ids["a"], 1, broker.OutcomeSucceeded, func(r *broker.Report) {
		r.Output = json.RawMessage(`"late"`)
	})

	a := h.task(ids["a"])
	if a.Status != mission.TaskCancelled {
		t.Errorf("status = %s, want cancelled", a.Status)
	}
	if string(a.Output) != `"late"` {
		t.Errorf("output = %s, want audit copy of late output", a.Output)
	}
	if got := h.mission(missionID).Status; got != mission.MissionCancelled {
		t.Errorf("mission status = %s, want cancelled", got)
	}
}

func TestRecover(t *testing.T) {
	h := newHarness(t, nil)
	missionID, ids := h.createMission(
		taskDef{name: "a", category: mission.CategoryResearch},
		taskDef{name: "b", category: mission.CategoryDesign, maxAttempts: 1},
	)
	h.schedule(missionID)
	h.report(missionID, ids["a"], 1, broker.OutcomeStarted)

	// Simulate a restart: the in-memory queue is gone.
	h.broker.Purge(missionID)

	if err := h.sched.Recover(h.ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	a := h.task(ids["a"])
	if a.Status != mission.TaskDispatched || a.Attempt != 2 {
		t.Errorf("a = %s attempt %d, want redispatched as attempt 2", a.Status, a.Attempt)
	}
	if got := h.broker.Len(mission.CategoryResearch); got != 1 {
		t.Errorf("research queue = %d, want 1 after recovery", got)
	}

	b := h.task(ids["b"])
	if b.Status != mission.TaskFailed {
		t.Errorf("b = %s, want failed: its only attempt was interrupted", b.Status)
	}
}

func TestRunConsumesBrokerReports(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Now = time.Now })
	missionID, _ := h.createMission(
		taskDef{name: "a", category: mission.CategoryResearch},
		taskDef{name: "b", category: mission.CategoryCopywriting, deps: []string{"a"}},
	)

	sub := h.bus.Subscribe(missionID, 64)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.sched.Run(ctx)

	h.schedule(missionID)

	// Play a worker for both categories.
	go func() {
		for _, cat := range []mission.Category{mission.CategoryResearch, mission.CategoryCopywriting} {
			env, err := h.broker.Dequeue(ctx, cat)
			if err != nil {
				return
			}
			h.broker.Ack(env.DeliveryID)
			h.broker.Report(broker.Report{
				DeliveryID: env.DeliveryID,
				TaskID:     env.TaskID,
				MissionID:  env.MissionID,
				Attempt:    env.Attempt,
				Outcome:    broker.OutcomeSucceeded,
				Output:     json.RawMessage(`"ok"`),
			})
		}
	}()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			if ev.Kind == events.KindMission && ev.Terminal() {
				if ev.To != string(mission.MissionComplete) {
					t.Fatalf("mission finished as %s, want complete", ev.To)
				}
				return
			}
		case <-timeout:
			t.Fatalf("mission did not complete; status %s", h.mission(missionID).Status)
		}
	}
}

func TestDispatchOrderFollowsSeq(t *testing.T) {
	h := newHarness(t, nil)
	missionID, ids := h.createMission(
		taskDef{name: "first", category: mission.CategoryResearch},
		taskDef{name: "second", category: mission.CategoryResearch},
		taskDef{name: "third", category: mission.CategoryResearch},
	)
	h.schedule(missionID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, name := range []string{"first", "second", "third"} {
		env, err := h.broker.Dequeue(ctx, mission.CategoryResearch)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if env.TaskID != ids[name] {
			t.Errorf("dequeued %s, want %s (%s)", env.TaskID, ids[name], name)
		}
		if env.Attempt != 1 {
			t.Errorf("%s attempt = %d, want 1", name, env.Attempt)
		}
	}
}

func TestDispatchRequiresSucceededDependencies(t *testing.T) {
	h := newHarness(t, nil)
	missionID, ids := h.createMission(
		taskDef{name: "research", category: mission.CategoryResearch},
		taskDef{name: "plan", category: mission.CategoryStrategy, deps: []string{"research"}},
		taskDef{name: "copy", category: mission.CategoryCopywriting, deps: []string{"research"}},
		taskDef{name: "art", category: mission.CategoryDesign, deps: []string{"plan", "copy"}},
		taskDef{name: "review", category: mission.CategoryReview, deps: []string{"art"}},
	)

	sub := h.bus.Subscribe(missionID, 128)
	defer sub.Unsubscribe()

	dispatched := 0
	check := func() {
		t.Helper()
		for _, ev := range drain(sub) {
			if ev.Kind != events.KindTask || ev.To != string(mission.TaskDispatched) {
				continue
			}
			dispatched++
			for _, dep := range h.task(ev.TaskID).DependsOn {
				if got := h.task(dep).Status; got != mission.TaskSucceeded {
					t.Errorf("%s dispatched while dependency %s is %s", ev.TaskName, dep, got)
				}
			}
		}
	}

	h.schedule(missionID)
	check()

	// copy fails once, so plan and copy finish in different passes.
	h.complete(missionID, ids["research"], `"notes"`)
	check()
	h.complete(missionID, ids["plan"], `"plan"`)
	check()
	h.report(missionID, ids["copy"], 1, broker.OutcomeFailed, func(r *broker.Report) { r.Error = "flaky" })
	check()
	h.expectStatus(ids["art"], mission.TaskQueued)
	h.complete(missionID, ids["copy"], `"copy"`)
	check()
	h.complete(missionID, ids["art"], `"art"`)
	check()
	h.complete(missionID, ids["review"], `"ok"`)
	check()

	if dispatched != 6 {
		t.Errorf("dispatched events = %d, want 6 (copy twice)", dispatched)
	}
	if got := h.mission(missionID).Status; got != mission.MissionComplete {
		t.Errorf("mission status = %s, want complete", got)
	}
}

func TestLeaseExpiryRedeliversAndIgnoresLateReport(t *testing.T) {
	b := broker.New(broker.Options{
		AckTimeout:   5 * time.Second,
		LeaseTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(b.Close)

	h := newHarness(t, func(o *Options) { o.Queue = b })
	h.broker = b

	missionID, ids := h.createMission(taskDef{name: "publish", category: mission.CategoryPublish})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go h.sched.Run(ctx)

	h.schedule(missionID)

	first, err := b.Dequeue(ctx, mission.CategoryPublish)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if err := b.Ack(first.DeliveryID); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	// The worker goes silent; the lease expires and attempt 2 is delivered.
	second, err := b.Dequeue(ctx, mission.CategoryPublish)
	if err != nil {
		t.Fatalf("redelivery Dequeue failed: %v", err)
	}
	if first.Attempt != 1 || second.Attempt != 2 || second.TaskID != ids["publish"] {
		t.Fatalf("attempts = %d then %d (task %s), want 1 then 2", first.Attempt, second.Attempt, second.TaskID)
	}

	task := h.task(ids["publish"])
	if !strings.Contains(task.LastError, broker.LeaseExpired) {
		t.Errorf("LastError = %q, want lease expiry", task.LastError)
	}

	// The first worker wakes up and reports attempt 1.
	err = b.Report(broker.Report{
		DeliveryID: first.DeliveryID,
		TaskID:     first.TaskID,
		MissionID:  first.MissionID,
		Attempt:    first.Attempt,
		Outcome:    broker.OutcomeSucceeded,
		Output:     json.RawMessage(`"late"`),
	})
	if err != nil {
		t.Fatalf("late Report failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		log, err := h.store.ReportLog(h.ctx, ids["publish"])
		if err != nil {
			t.Fatalf("ReportLog failed: %v", err)
		}
		stale := false
		for _, rec := range log {
			if rec.Attempt == 1 && rec.Disposition == persistence.DispositionStale {
				stale = true
			}
		}
		if stale {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("late attempt 1 report was not logged as stale: %+v", log)
		}
		time.Sleep(10 * time.Millisecond)
	}

	task = h.task(ids["publish"])
	if task.Status != mission.TaskDispatched || task.Attempt != 2 {
		t.Errorf("task = %s attempt %d, want dispatched attempt 2", task.Status, task.Attempt)
	}
	if len(task.Output) != 0 {
		t.Errorf("output = %s, want none from the stale report", task.Output)
	}
	if got := h.mission(missionID).Status; got.IsTerminal() {
		t.Errorf("mission status = %s, want unfinished", got)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error for missing collaborators")
	}
}
