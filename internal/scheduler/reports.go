package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/missionctl/internal/broker"
	"github.com/aristath/missionctl/internal/config"
	"github.com/aristath/missionctl/internal/mission"
	"github.com/aristath/missionctl/internal/persistence"
)

// HandleReport applies one worker report. Reports are keyed by (task, attempt):
// a report for an attempt other than the current one is stale, and a second
// completion for the same attempt is a duplicate. Both are logged and ignored.
func (s *Scheduler) HandleReport(ctx context.Context, r broker.Report) error {
	if err := r.Validate(); err != nil {
		return err
	}

	s.locks.Lock(r.MissionID)
	defer s.locks.Unlock(r.MissionID)

	t, err := s.store.GetTask(ctx, r.TaskID)
	if err != nil {
		return err
	}
	if t.MissionID != r.MissionID {
		return &mission.ValidationError{
			Field:  "report",
			Reason: fmt.Sprintf("task %s does not belong to mission %s", r.TaskID, r.MissionID),
		}
	}

	m, err := s.store.GetMission(ctx, r.MissionID)
	if err != nil {
		return err
	}

	if r.Attempt != t.Attempt {
		s.logger.Debug("ignoring stale report",
			"mission_id", r.MissionID,
			"task_id", r.TaskID,
			"attempt", r.Attempt,
			"current_attempt", t.Attempt)
		return s.logReport(ctx, r, persistence.DispositionStale)
	}

	if m.Status.IsTerminal() {
		return s.audit(ctx, t, r)
	}

	switch r.Outcome {
	case broker.OutcomeStarted:
		return s.handleStarted(ctx, t, r)
	case broker.OutcomeSucceeded, broker.OutcomeFailed:
		if t.Status != mission.TaskDispatched && t.Status != mission.TaskRunning {
			// The attempt already completed; typically a late report after lease expiry.
			return s.logReport(ctx, r, persistence.DispositionDuplicate)
		}
		return s.handleCompletion(ctx, t, r)
	}
	return nil
}

func (s *Scheduler) handleStarted(ctx context.Context, t *mission.Task, r broker.Report) error {
	if t.Status != mission.TaskDispatched {
		return s.logReport(ctx, r, persistence.DispositionDuplicate)
	}

	p := newPass(s.now(), []*mission.Task{t})
	now := p.now
	t.StartedAt = &now
	p.set(t, mission.TaskRunning)

	if err := s.store.Apply(ctx, persistence.Transition{Update: p.updates()}); err != nil {
		return fmt.Errorf("failed to mark task %s running: %w", t.ID, err)
	}
	s.publish(p.events())

	if err := s.logReport(ctx, r, persistence.DispositionApplied); err != nil {
		return err
	}
	return s.schedule(ctx, t.MissionID)
}

func (s *Scheduler) handleCompletion(ctx context.Context, t *mission.Task, r broker.Report) error {
	tasks, err := s.store.ListTasks(ctx, t.MissionID)
	if err != nil {
		return err
	}

	p := newPass(s.now(), tasks)
	cur, ok := p.byID[t.ID]
	if !ok {
		return &mission.NotFoundError{Kind: "task", ID: t.ID}
	}

	policy := s.cfg.Category(cur.Category)
	succeeded := r.Outcome == broker.OutcomeSucceeded
	errMsg := r.Error
	if succeeded && r.Partial && policy.Partial == config.PartialFailure {
		succeeded = false
		errMsg = "partial output not accepted for category " + string(cur.Category)
	}

	if cur.StartedAt == nil {
		now := p.now
		cur.StartedAt = &now
	}

	var inserts []*mission.Task
	if succeeded {
		cur.Output = r.Output
		cur.Partial = r.Partial
		cur.LastError = ""
		cur.RetryAt = nil
		p.complete(cur, mission.TaskSucceeded)
		inserts = s.expand(p, cur, r.FollowUps)
	} else {
		s.fail(p, cur, errMsg)
	}

	err = s.store.Apply(ctx, persistence.Transition{
		Insert: inserts,
		Update: p.updates(),
		Report: &persistence.ReportKey{TaskID: r.TaskID, Attempt: r.Attempt},
	})
	if errors.Is(err, persistence.ErrDuplicateReport) {
		return s.logReport(ctx, r, persistence.DispositionDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to apply report for task %s: %w", t.ID, err)
	}

	s.publish(p.events())
	for _, n := range inserts {
		s.bus.Publish(newTaskEvent(n, "", p.now))
	}

	if err := s.logReport(ctx, r, persistence.DispositionApplied); err != nil {
		return err
	}
	return s.schedule(ctx, t.MissionID)
}

// fail records a failed attempt: requeued with a backoff delay while attempts
// remain, failed otherwise.
func (s *Scheduler) fail(p *pass, t *mission.Task, msg string) {
	if msg == "" {
		msg = "worker reported failure"
	}
	t.LastError = msg
	execErr := &mission.TaskExecutionError{TaskID: t.ID, Attempt: t.Attempt, Err: errors.New(msg)}

	if t.AttemptsLeft() {
		retryAt := p.now.Add(s.retry.Delay(t.Attempt))
		t.RetryAt = &retryAt
		p.set(t, mission.TaskQueued)
		s.logger.Warn("task attempt failed, retrying",
			"mission_id", t.MissionID,
			"task_id", t.ID,
			"attempt", t.Attempt,
			"retry_at", retryAt,
			"error", execErr)
		return
	}

	t.RetryAt = nil
	p.complete(t, mission.TaskFailed)
	s.logger.Warn("task failed",
		"mission_id", t.MissionID,
		"task_id", t.ID,
		"attempt", t.Attempt,
		"fatal", t.Fatal,
		"error", execErr)
}

// expand creates follow-on tasks proposed by the worker and by workflows.
// Expansion errors leave the parent succeeded and are recorded on it.
func (s *Scheduler) expand(p *pass, parent *mission.Task, proposed []mission.TaskSpec) []*mission.Task {
	specs := append([]mission.TaskSpec(nil), proposed...)
	if s.workflows != nil {
		names := make(map[string]bool, len(specs))
		for _, spec := range specs {
			names[spec.Name] = true
		}
		for _, spec := range s.workflows.FollowUps(parent) {
			if !names[spec.Name] {
				specs = append(specs, spec)
				names[spec.Name] = true
			}
		}
	}
	if len(specs) == 0 {
		return nil
	}

	created, err := s.expander.Expand(p.tasks, parent, specs, p.now)
	if err != nil {
		parent.LastError = "follow-up expansion failed: " + err.Error()
		s.logger.Warn("failed to expand follow-ups",
			"mission_id", parent.MissionID,
			"task_id", parent.ID,
			"error", err)
		return nil
	}

	s.logger.Info("expanded follow-up tasks",
		"mission_id", parent.MissionID,
		"task_id", parent.ID,
		"count", len(created))
	return created
}

// audit records a late report for a finished mission without changing statuses.
func (s *Scheduler) audit(ctx context.Context, t *mission.Task, r broker.Report) error {
	if r.Outcome == broker.OutcomeStarted {
		return s.logReport(ctx, r, persistence.DispositionAudit)
	}

	now := s.now()
	if r.Outcome == broker.OutcomeSucceeded {
		t.Output = r.Output
		t.Partial = r.Partial
	} else {
		t.LastError = r.Error
	}
	t.CompletedAt = &now

	err := s.store.Apply(ctx, persistence.Transition{
		Update: []*mission.Task{t},
		Report: &persistence.ReportKey{TaskID: r.TaskID, Attempt: r.Attempt},
	})
	if errors.Is(err, persistence.ErrDuplicateReport) {
		return s.logReport(ctx, r, persistence.DispositionDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to record audit for task %s: %w", t.ID, err)
	}
	return s.logReport(ctx, r, persistence.DispositionAudit)
}

func (s *Scheduler) logReport(ctx context.Context, r broker.Report, disposition string) error {
	err := s.store.LogReport(ctx, persistence.ReportRecord{
		TaskID:      r.TaskID,
		Attempt:     r.Attempt,
		Outcome:     string(r.Outcome),
		Disposition: disposition,
		Error:       r.Error,
		ReceivedAt:  s.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to log report for task %s: %w", r.TaskID, err)
	}
	return nil
}
