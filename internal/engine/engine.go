// Package engine is the delegation and status surface of the orchestrator.
// It plans goals into missions, persists them and hands them to the scheduler.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/missionctl/internal/config"
	"github.com/aristath/missionctl/internal/dag"
	"github.com/aristath/missionctl/internal/events"
	"github.com/aristath/missionctl/internal/mission"
	"github.com/aristath/missionctl/internal/persistence"
	"github.com/aristath/missionctl/internal/planner"
)

// Scheduler is the part of the scheduler the engine drives.
type Scheduler interface {
	Schedule(ctx context.Context, missionID string) error
	Cancel(ctx context.Context, missionID string) error
}

// Options wires an Engine.
type Options struct {
	Store     persistence.Store
	Planner   *planner.Planner
	Scheduler Scheduler
	Bus       *events.EventBus
	Config    *config.Config
	Logger    *slog.Logger
	Now       func() time.Time
}

// Engine accepts delegations and answers status queries.
type Engine struct {
	store     persistence.Store
	planner   *planner.Planner
	scheduler Scheduler
	bus       *events.EventBus
	cfg       *config.Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Planner == nil || opts.Scheduler == nil || opts.Bus == nil {
		return nil, errors.New("engine requires a store, planner, scheduler and event bus")
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
	return &Engine{
		store:     opts.Store,
		planner:   opts.Planner,
		scheduler: opts.Scheduler,
		bus:       opts.Bus,
		cfg:       opts.Config,
		logger:    opts.Logger,
		now:       opts.Now,
	}, nil
}

// DelegateRequest asks the orchestrator to pursue a goal.
type DelegateRequest struct {
	Goal        string         `json:"goal"`
	Context     map[string]any `json:"context,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	RequesterID string         `json:"requester_id,omitempty"`
}

// DelegateResponse is the handle to a created mission.
type DelegateResponse struct {
	MissionID           string    `json:"mission_id"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
	Playbook            string    `json:"playbook,omitempty"`
	Tasks               int       `json:"tasks"`
}

// Delegate plans a goal, persists the mission with its task graph and runs the
// first scheduling pass. It returns once ready tasks are enqueued. Planning
// failures return a DecompositionError and persist nothing.
func (e *Engine) Delegate(ctx context.Context, req DelegateRequest) (*DelegateResponse, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, &mission.ValidationError{Field: "goal", Reason: "must not be empty"}
	}
	priority, err := mission.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}

	plan, err := e.planner.Build(goal, req.Context)
	if err != nil {
		return nil, err
	}

	now := e.now()
	missionID := uuid.NewString()
	tasks, err := e.planner.Materialize(missionID, plan, now)
	if err != nil {
		return nil, &mission.DecompositionError{Goal: goal, Reason: err.Error()}
	}

	estimate, err := e.estimate(tasks)
	if err != nil {
		return nil, &mission.DecompositionError{Goal: goal, Reason: err.Error()}
	}

	m := &mission.Mission{
		ID:                missionID,
		Goal:              goal,
		Context:           req.Context,
		Playbook:          plan.Playbook,
		Status:            mission.MissionPending,
		Priority:          priority,
		RequesterID:       req.RequesterID,
		EstimatedDuration: estimate,
		CreatedAt:         now,
	}
	if err := e.store.CreateMission(ctx, m, tasks); err != nil {
		return nil, fmt.Errorf("failed to create mission: %w", err)
	}

	e.bus.Publish(events.Event{
		Kind:      events.KindMission,
		MissionID: m.ID,
		To:        string(m.Status),
		Timestamp: now,
		Summary:   goal,
	})

	e.logger.Info("mission delegated",
		"mission_id", m.ID,
		"playbook", plan.Playbook,
		"tasks", len(tasks),
		"priority", priority,
		"requester_id", req.RequesterID)

	// The mission is durable; a failed first pass is retried by the next event or on recovery.
	if err := e.scheduler.Schedule(ctx, m.ID); err != nil {
		e.logger.Error("initial scheduling pass failed", "mission_id", m.ID, "error", err)
	}

	return &DelegateResponse{
		MissionID:           m.ID,
		EstimatedCompletion: m.EstimatedCompletion(),
		Playbook:            plan.Playbook,
		Tasks:               len(tasks),
	}, nil
}

// estimate is the critical path over per-category estimates.
func (e *Engine) estimate(tasks []*mission.Task) (time.Duration, error) {
	graph, err := dag.New(tasks)
	if err != nil {
		return 0, err
	}
	return graph.CriticalPath(func(t *mission.Task) time.Duration {
		return e.cfg.Category(t.Category).Estimate
	})
}

// TaskView is the status-boundary shape of a task.
type TaskView struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Category    string          `json:"category"`
	Status      string          `json:"status"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Optional    bool            `json:"optional,omitempty"`
	Partial     bool            `json:"partial,omitempty"`
	Error       string          `json:"error,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// StatusView is a point-in-time snapshot of a mission.
type StatusView struct {
	ID                  string          `json:"id"`
	Goal                string          `json:"goal"`
	Status              string          `json:"status"`
	Priority            string          `json:"priority"`
	Playbook            string          `json:"playbook,omitempty"`
	RequesterID         string          `json:"requester_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	EstimatedCompletion time.Time       `json:"estimated_completion"`
	EstimatedDuration   string          `json:"estimated_duration"`
	ActualDuration      string          `json:"actual_duration,omitempty"`
	Error               string          `json:"error,omitempty"`
	Tasks               []TaskView      `json:"tasks"`
	Result              json.RawMessage `json:"result,omitempty"`
}

// MissionStatus returns a snapshot of a mission and its tasks.
func (e *Engine) MissionStatus(ctx context.Context, missionID string) (*StatusView, error) {
	m, err := e.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.ListTasks(ctx, missionID)
	if err != nil {
		return nil, err
	}

	view := missionView(m)
	view.Result = m.Result
	view.Tasks = make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		view.Tasks = append(view.Tasks, TaskView{
			ID:          t.ID,
			Name:        t.Name,
			Category:    string(t.Category),
			Status:      string(t.Status),
			Attempt:     t.Attempt,
			MaxAttempts: t.MaxAttempts,
			DependsOn:   t.DependsOn,
			Optional:    t.Optional,
			Partial:     t.Partial,
			Error:       t.LastError,
			Output:      t.Output,
			StartedAt:   t.StartedAt,
			CompletedAt: t.CompletedAt,
		})
	}
	return view, nil
}

func missionView(m *mission.Mission) *StatusView {
	v := &StatusView{
		ID:                  m.ID,
		Goal:                m.Goal,
		Status:              string(m.Status),
		Priority:            string(m.Priority),
		Playbook:            m.Playbook,
		RequesterID:         m.RequesterID,
		CreatedAt:           m.CreatedAt,
		StartedAt:           m.StartedAt,
		CompletedAt:         m.CompletedAt,
		EstimatedCompletion: m.EstimatedCompletion(),
		EstimatedDuration:   m.EstimatedDuration.String(),
		Error:               m.Error,
	}
	if m.Status.IsTerminal() {
		v.ActualDuration = m.ActualDuration.String()
	}
	return v
}

// ListMissions returns mission summaries, newest first. Tasks and results are
// omitted; use MissionStatus for a full snapshot.
func (e *Engine) ListMissions(ctx context.Context, statuses []string, limit int) ([]*StatusView, error) {
	filter := persistence.MissionFilter{Limit: limit}
	for _, s := range statuses {
		st := mission.MissionStatus(strings.TrimSpace(s))
		if !st.Valid() {
			return nil, &mission.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown mission status %q", s)}
		}
		filter.Statuses = append(filter.Statuses, st)
	}

	missions, err := e.store.ListMissions(ctx, filter)
	if err != nil {
		return nil, err
	}

	out := make([]*StatusView, 0, len(missions))
	for _, m := range missions {
		out = append(out, missionView(m))
	}
	return out, nil
}

// Cancel cancels a mission. Cancelling a finished mission is a ValidationError.
func (e *Engine) Cancel(ctx context.Context, missionID string) error {
	return e.scheduler.Cancel(ctx, missionID)
}

// Subscribe streams the subsequent events of a known mission.
// Callers catch up on history with MissionStatus.
func (e *Engine) Subscribe(ctx context.Context, missionID string) (*events.Subscription, error) {
	if _, err := e.store.GetMission(ctx, missionID); err != nil {
		return nil, err
	}
	return e.bus.Subscribe(missionID, e.cfg.Events.BufferSize), nil
}
