// Package worker executes dispatched tasks. A Pool per category pulls envelopes
// from the broker, acknowledges them, runs the category's Worker behind a
// circuit breaker and reports the outcome.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/missionctl/internal/config"
	"github.com/aristath/missionctl/internal/mission"
)

// Result is what a worker produces for one task attempt.
type Result struct {
	Output    json.RawMessage    `json:"output,omitempty"`
	Partial   bool               `json:"partial,omitempty"`
	FollowUps []mission.TaskSpec `json:"follow_ups,omitempty"`
}

// Worker executes tasks of one category. Delivery is at-least-once, so
// Execute must be idempotent for a given input.
type Worker interface {
	Execute(ctx context.Context, input json.RawMessage) (Result, error)
}

// Func adapts an ordinary function to the Worker interface.
type Func func(ctx context.Context, input json.RawMessage) (Result, error)

// Execute calls f(ctx, input).
func (f Func) Execute(ctx context.Context, input json.RawMessage) (Result, error) {
	return f(ctx, input)
}

// Registry maps each category to exactly one worker.
type Registry struct {
	mu      sync.RWMutex
	workers map[mission.Category]Worker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[mission.Category]Worker)}
}

// Register sets the worker for a category, replacing any previous one.
func (r *Registry) Register(category mission.Category, w Worker) error {
	if !mission.KnownCategory(category) {
		return &mission.ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", category)}
	}
	if w == nil {
		return fmt.Errorf("nil worker for category %s", category)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[category] = w
	return nil
}

// Get returns the worker for a category.
func (r *Registry) Get(category mission.Category) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[category]
	return w, ok
}

// Categories returns the registered categories in lexical order.
func (r *Registry) Categories() []mission.Category {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]mission.Category, 0, len(r.workers))
	for c := range r.workers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FromConfig registers a worker for every known category: a CommandWorker when
// the category configures a command, an EchoWorker otherwise.
func FromConfig(cfg *config.Config, pm *ProcessManager) (*Registry, error) {
	reg := NewRegistry()
	for _, cat := range mission.Categories() {
		cc := cfg.Category(cat)

		var w Worker = EchoWorker{Category: cat}
		if cc.Command != "" {
			w = &CommandWorker{Path: cc.Command, Args: cc.Args, Processes: pm}
		}
		if err := reg.Register(cat, w); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// EchoWorker returns the input it received. It stands in for categories whose
// real worker runs out of process.
type EchoWorker struct {
	Category mission.Category
}

// Execute implements Worker.
func (e EchoWorker) Execute(ctx context.Context, input json.RawMessage) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	in := input
	if len(in) == 0 {
		in = json.RawMessage("null")
	}
	out, err := json.Marshal(struct {
		Category mission.Category `json:"category"`
		Input    json.RawMessage  `json:"input"`
	}{e.Category, in})
	if err != nil {
		return Result{}, err
	}
	return Result{Output: out}, nil
}
