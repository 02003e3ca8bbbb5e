// Package scheduler drives missions to completion. Every state change runs a
// scheduling pass under a per-mission lock: blocked propagation, dispatch of
// ready tasks, retry timers and mission status derivation. The store is the
// source of truth; the scheduler keeps only timers in memory.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/missionctl/internal/broker"
	"github.com/aristath/missionctl/internal/config"
	"github.com/aristath/missionctl/internal/events"
	"github.com/aristath/missionctl/internal/mission"
	"github.com/aristath/missionctl/internal/persistence"
)

// Queue is the broker surface the scheduler dispatches to and consumes reports from.
type Queue interface {
	Enqueue(env broker.Envelope) (broker.Envelope, error)
	Purge(missionID string) int
	Reports() <-chan broker.Report
}

// Expander creates follow-on tasks for a succeeded parent.
type Expander interface {
	Expand(existing []*mission.Task, parent *mission.Task, specs []mission.TaskSpec, now time.Time) ([]*mission.Task, error)
}

// FollowUpSource proposes follow-on tasks for a succeeded task.
type FollowUpSource interface {
	FollowUps(completed *mission.Task) []mission.TaskSpec
}

// Options wires a Scheduler to its collaborators.
type Options struct {
	Store     persistence.Store
	Queue     Queue
	Bus       *events.EventBus
	Expander  Expander
	Workflows FollowUpSource // Optional
	Config    *config.Config
	Retry     *RetryPolicy // Defaults to NewRetryPolicy(Config.Retry)
	Logger    *slog.Logger
	Now       func() time.Time
}

// Result is the mission result assembled from succeeded terminal tasks.
type Result struct {
	Tasks   map[string]json.RawMessage `json:"tasks"`
	Partial []string                   `json:"partial,omitempty"`
}

// Scheduler owns mission and task state transitions.
type Scheduler struct {
	store     persistence.Store
	queue     Queue
	bus       *events.EventBus
	expander  Expander
	workflows FollowUpSource
	cfg       *config.Config
	retry     RetryPolicy
	logger    *slog.Logger
	now       func() time.Time
	locks     *MissionLocks

	ctx    context.Context // Used by retry timers
	cancel context.CancelFunc

	timersMu sync.Mutex
	timers   map[string]*time.Timer // missionID -> retry timer
}

// New creates a scheduler. Call Close to stop retry timers.
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil || opts.Queue == nil || opts.Bus == nil || opts.Expander == nil {
		return nil, errors.New("scheduler requires a store, queue, event bus and expander")
	}
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	retry := NewRetryPolicy(opts.Config.Retry)
	if opts.Retry != nil {
		retry = *opts.Retry
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     opts.Store,
		queue:     opts.Queue,
		bus:       opts.Bus,
		expander:  opts.Expander,
		workflows: opts.Workflows,
		cfg:       opts.Config,
		retry:     retry,
		logger:    opts.Logger,
		now:       opts.Now,
		locks:     NewMissionLocks(),
		ctx:       ctx,
		cancel:    cancel,
		timers:    make(map[string]*time.Timer),
	}, nil
}

// Close stops all retry timers. Safe to call multiple times.
func (s *Scheduler) Close() {
	s.cancel()

	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Run consumes worker reports until ctx is cancelled. Reports are sharded by
// mission ID so the reports of one mission are handled in arrival order.
func (s *Scheduler) Run(ctx context.Context) error {
	shards := s.cfg.Scheduler.Shards
	if shards <= 0 {
		shards = 1
	}

	g, ctx := errgroup.WithContext(ctx)

	lanes := make([]chan broker.Report, shards)
	for i := range lanes {
		lane := make(chan broker.Report, 64)
		lanes[i] = lane
		g.Go(func() error {
			for {
				select {
				case r := <-lane:
					if err := s.HandleReport(ctx, r); err != nil {
						s.logger.Error("failed to handle report",
							"mission_id", r.MissionID,
							"task_id", r.TaskID,
							"attempt", r.Attempt,
							"outcome", r.Outcome,
							"error", err)
					}
				case <-ctx.Done():
					return nil
				}
			}
		})
	}

	g.Go(func() error {
		reports := s.queue.Reports()
		for {
			select {
			case r := <-reports:
				select {
				case lanes[shard(r.MissionID, shards)] <- r:
				case <-ctx.Done():
					return nil
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

func shard(missionID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(missionID))
	return int(h.Sum32() % uint32(n))
}

// Schedule runs one scheduling pass for a mission.
func (s *Scheduler) Schedule(ctx context.Context, missionID string) error {
	s.locks.Lock(missionID)
	defer s.locks.Unlock(missionID)
	return s.schedule(ctx, missionID)
}

// schedule runs a pass; the caller holds the mission lock.
func (s *Scheduler) schedule(ctx context.Context, missionID string) error {
	m, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status.IsTerminal() {
		s.stopTimer(missionID)
		return nil
	}

	tasks, err := s.store.ListTasks(ctx, missionID)
	if err != nil {
		return err
	}

	p := newPass(s.now(), tasks)

	// Settle failures and blocked propagation to a fixed point before dispatching.
	// A fatal failure skips propagation: finalize cancels every active task.
	for {
		changed := false
		for _, t := range p.tasks {
			if t.Status == mission.TaskQueued && t.MaxAttempts > 0 && t.Attempt >= t.MaxAttempts {
				t.LastError = fmt.Sprintf("no attempts left after attempt %d was interrupted", t.Attempt)
				t.RetryAt = nil
				p.complete(t, mission.TaskFailed)
				changed = true
			}
		}
		if hasFatalFailure(p.tasks) {
			break
		}
		graph, err := p.graph()
		if err != nil {
			return err
		}
		for _, u := range graph.Unreachable() {
			t := p.byID[u.ID]
			t.LastError = "a dependency did not succeed"
			t.RetryAt = nil
			p.complete(t, mission.TaskBlocked)
			changed = true
		}
		if !changed {
			break
		}
	}

	graph, err := p.graph()
	if err != nil {
		return err
	}

	next := mission.DeriveStatus(m.Status, p.tasks)
	var ready []*mission.Task
	if !next.IsTerminal() {
		for _, r := range graph.Ready(p.now) {
			t := p.byID[r.ID]
			t.Attempt++
			t.RetryAt = nil
			p.set(t, mission.TaskDispatched)
			ready = append(ready, t)
		}
	}

	var missionUpdate *mission.Mission
	var missionEvent *events.Event
	if next != m.Status {
		from := m.Status
		if next.IsTerminal() {
			s.finalize(m, next, p)
		} else {
			m.Status = next
			if next == mission.MissionInProgress && m.StartedAt == nil {
				m.StartedAt = earliestStart(p.tasks, p.now)
			}
		}
		missionUpdate = m
		ev := newMissionEvent(m, from, p.now)
		missionEvent = &ev
	}

	if err := s.store.Apply(ctx, persistence.Transition{Mission: missionUpdate, Update: p.updates()}); err != nil {
		return fmt.Errorf("failed to persist pass for mission %s: %w", missionID, err)
	}

	s.publish(p.events())
	if missionEvent != nil {
		s.bus.Publish(*missionEvent)
	}

	// Enqueue only after the dispatched state is durable.
	for _, t := range ready {
		_, err := s.queue.Enqueue(broker.Envelope{
			TaskID:     t.ID,
			MissionID:  t.MissionID,
			Category:   t.Category,
			Input:      t.Input,
			Attempt:    t.Attempt,
			EnqueuedAt: p.now,
		})
		if err != nil {
			s.logger.Error("failed to enqueue task",
				"mission_id", t.MissionID,
				"task_id", t.ID,
				"attempt", t.Attempt,
				"error", err)
		}
	}

	if next.IsTerminal() {
		s.queue.Purge(missionID)
		s.stopTimer(missionID)
		s.logger.Info("mission finished",
			"mission_id", missionID,
			"status", next,
			"duration", m.ActualDuration)
		return nil
	}

	if at, ok := graph.NextRetry(p.now); ok {
		s.armTimer(missionID, at.Sub(p.now))
	}
	return nil
}

// finalize moves m to a terminal status, cancelling any task still active.
func (s *Scheduler) finalize(m *mission.Mission, status mission.MissionStatus, p *pass) {
	for _, t := range p.tasks {
		if t.Status.IsActive() {
			t.RetryAt = nil
			p.complete(t, mission.TaskCancelled)
		}
	}

	now := p.now
	m.Status = status
	m.CompletedAt = &now
	m.ActualDuration = p.now.Sub(m.CreatedAt)
	if m.StartedAt == nil {
		m.StartedAt = earliestStart(p.tasks, p.now)
	}

	switch status {
	case mission.MissionComplete:
		result, err := assembleResult(p.tasks)
		if err != nil {
			s.logger.Error("failed to assemble mission result", "mission_id", m.ID, "error", err)
		}
		m.Result = result
	case mission.MissionFailed:
		m.Error = failureDetail(m.ID, p.tasks)
	}
}

func hasFatalFailure(tasks []*mission.Task) bool {
	for _, t := range tasks {
		if t.Status == mission.TaskFailed && t.Fatal {
			return true
		}
	}
	return false
}

// failureDetail describes why a mission failed, naming the fatal task if any.
func failureDetail(missionID string, tasks []*mission.Task) string {
	for _, t := range tasks {
		if t.Status == mission.TaskFailed && t.Fatal {
			err := &mission.MissionFatalError{MissionID: missionID, TaskID: t.ID, Err: errors.New(t.LastError)}
			return err.Error()
		}
	}
	return mission.FailureCause(tasks)
}

// assembleResult collects the outputs of succeeded terminal tasks.
func assembleResult(tasks []*mission.Task) (json.RawMessage, error) {
	res := Result{Tasks: make(map[string]json.RawMessage)}
	for _, t := range mission.TerminalTasks(tasks) {
		if t.Status != mission.TaskSucceeded {
			continue
		}
		out := t.Output
		if len(out) == 0 {
			out = json.RawMessage("null")
		}
		res.Tasks[t.Name] = out
		if t.Partial {
			res.Partial = append(res.Partial, t.Name)
		}
	}
	return json.Marshal(res)
}

func earliestStart(tasks []*mission.Task, fallback time.Time) *time.Time {
	var first *time.Time
	for _, t := range tasks {
		if t.StartedAt != nil && (first == nil || t.StartedAt.Before(*first)) {
			first = t.StartedAt
		}
	}
	if first == nil {
		first = &fallback
	}
	v := *first
	return &v
}

// Cancel cancels every non-terminal task of a mission and the mission itself.
// In-flight workers are not interrupted; their reports are recorded for audit.
func (s *Scheduler) Cancel(ctx context.Context, missionID string) error {
	s.locks.Lock(missionID)
	defer s.locks.Unlock(missionID)

	m, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status.IsTerminal() {
		return &mission.ValidationError{
			Field:  "mission",
			Reason: fmt.Sprintf("mission %s is already %s", missionID, m.Status),
		}
	}

	tasks, err := s.store.ListTasks(ctx, missionID)
	if err != nil {
		return err
	}

	p := newPass(s.now(), tasks)
	from := m.Status
	s.finalize(m, mission.MissionCancelled, p)
	m.Error = "cancelled"

	if err := s.store.Apply(ctx, persistence.Transition{Mission: m, Update: p.updates()}); err != nil {
		return fmt.Errorf("failed to cancel mission %s: %w", missionID, err)
	}

	s.queue.Purge(missionID)
	s.stopTimer(missionID)
	s.publish(p.events())
	s.bus.Publish(newMissionEvent(m, from, p.now))

	s.logger.Info("mission cancelled", "mission_id", missionID)
	return nil
}

// Recover resumes every unfinished mission after a restart. Dispatched and
// running tasks lost their in-memory deliveries and go back to queued; the
// interrupted attempt still counts toward the task's attempt limit.
func (s *Scheduler) Recover(ctx context.Context) error {
	missions, err := s.store.ListMissions(ctx, persistence.MissionFilter{
		Statuses: []mission.MissionStatus{mission.MissionPending, mission.MissionInProgress},
	})
	if err != nil {
		return fmt.Errorf("failed to list unfinished missions: %w", err)
	}

	var errs []error
	for _, m := range missions {
		if err := s.recoverMission(ctx, m.ID); err != nil {
			errs = append(errs, fmt.Errorf("mission %s: %w", m.ID, err))
		}
	}
	if len(missions) > 0 {
		s.logger.Info("recovered unfinished missions", "count", len(missions), "errors", len(errs))
	}
	return errors.Join(errs...)
}

func (s *Scheduler) recoverMission(ctx context.Context, missionID string) error {
	s.locks.Lock(missionID)
	defer s.locks.Unlock(missionID)

	tasks, err := s.store.ListTasks(ctx, missionID)
	if err != nil {
		return err
	}

	p := newPass(s.now(), tasks)
	for _, t := range p.tasks {
		if t.Status == mission.TaskDispatched || t.Status == mission.TaskRunning {
			t.RetryAt = nil
			p.set(t, mission.TaskQueued)
		}
	}

	if err := s.store.Apply(ctx, persistence.Transition{Update: p.updates()}); err != nil {
		return err
	}
	s.publish(p.events())
	return s.schedule(ctx, missionID)
}

func (s *Scheduler) publish(evs []events.Event) {
	for _, ev := range evs {
		s.bus.Publish(ev)
	}
}

// armTimer schedules a pass for missionID after d, replacing any earlier timer.
func (s *Scheduler) armTimer(missionID string, d time.Duration) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	if t, ok := s.timers[missionID]; ok {
		t.Stop()
	}

	// The callback takes timersMu, so it cannot observe timer before assignment.
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.timersMu.Lock()
		if s.timers[missionID] == timer {
			delete(s.timers, missionID)
		}
		s.timersMu.Unlock()

		if err := s.Schedule(s.ctx, missionID); err != nil && s.ctx.Err() == nil {
			s.logger.Error("retry pass failed", "mission_id", missionID, "error", err)
		}
	})
	s.timers[missionID] = timer
}

func (s *Scheduler) stopTimer(missionID string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	if t, ok := s.timers[missionID]; ok {
		t.Stop()
		delete(s.timers, missionID)
	}
}

// pendingTimers returns the number of armed retry timers.
func (s *Scheduler) pendingTimers() int {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	return len(s.timers)
}
