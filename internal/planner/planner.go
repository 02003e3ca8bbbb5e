// Package planner turns goals into task graphs. Planning rules are YAML
// playbooks; built-in playbooks are embedded and extra ones load from a
// directory that may be hot-reloaded.
package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/missionctl/internal/dag"
	"github.com/aristath/missionctl/internal/mission"
)

// Context keys with planning meaning.
const (
	ContextCategory = "category" // Forces a single-task plan of this category
	ContextPlaybook = "playbook" // Forces a playbook by name
)

// Edge is a dependency between two symbolic task names; From must finish first.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Plan is the output of Build: task specs with fully assembled inputs and their edges.
type Plan struct {
	Playbook string
	Specs    []mission.TaskSpec
	Edges    []Edge
}

// PolicyFunc supplies per-category attempt and fatality policy for new tasks.
type PolicyFunc func(mission.Category) (maxAttempts int, fatal bool)

// TaskInput is the JSON document handed to workers as task input.
type TaskInput struct {
	Goal         string          `json:"goal"`
	Context      map[string]any  `json:"context,omitempty"`
	Params       map[string]any  `json:"params,omitempty"`
	Parent       string          `json:"parent,omitempty"`
	ParentOutput json.RawMessage `json:"parent_output,omitempty"`
}

// Planner builds and expands task graphs.
type Planner struct {
	mu        sync.RWMutex
	builtin   []Playbook
	playbooks []Playbook
	policy    PolicyFunc
}

// New creates a planner with the embedded playbooks plus those in dir.
func New(dir string, policy PolicyFunc) (*Planner, error) {
	builtin, err := Builtin()
	if err != nil {
		return nil, err
	}
	if policy == nil {
		policy = func(mission.Category) (int, bool) { return 3, false }
	}

	p := &Planner{builtin: builtin, playbooks: builtin, policy: policy}
	if err := p.Reload(dir); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload replaces the extra playbooks with the contents of dir.
// On error the current playbooks are kept.
func (p *Planner) Reload(dir string) error {
	extra, err := LoadDir(dir)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.playbooks = merge(p.builtin, extra)
	p.mu.Unlock()
	return nil
}

// Playbooks returns the active playbooks in declaration order.
func (p *Planner) Playbooks() []Playbook {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Playbook(nil), p.playbooks...)
}

// Build maps a goal and context to a validated plan. It executes nothing.
func (p *Planner) Build(goal string, ctx map[string]any) (*Plan, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, &mission.DecompositionError{Goal: goal, Reason: "empty goal"}
	}

	name, templates, err := p.selectTemplates(goal, ctx)
	if err != nil {
		return nil, err
	}

	if err := validateSpecs(templates); err != nil {
		return nil, &mission.DecompositionError{Goal: goal, Reason: err.Error()}
	}

	plan := &Plan{Playbook: name}
	for _, tmpl := range templates {
		spec := tmpl
		spec.DependsOn = append([]string(nil), tmpl.DependsOn...)
		spec.Input = map[string]any{
			"goal":    goal,
			"context": ctx,
			"params":  tmpl.Input,
		}
		plan.Specs = append(plan.Specs, spec)
		for _, dep := range spec.DependsOn {
			plan.Edges = append(plan.Edges, Edge{From: dep, To: spec.Name})
		}
	}
	return plan, nil
}

func (p *Planner) selectTemplates(goal string, ctx map[string]any) (string, []mission.TaskSpec, error) {
	if raw, ok := ctx[ContextCategory]; ok {
		cat, _ := raw.(string)
		if !mission.KnownCategory(mission.Category(cat)) {
			return "", nil, &mission.DecompositionError{Goal: goal, Reason: fmt.Sprintf("unknown category %v", raw)}
		}
		return "single:" + cat, []mission.TaskSpec{{Name: cat, Category: mission.Category(cat)}}, nil
	}

	playbooks := p.Playbooks()

	if raw, ok := ctx[ContextPlaybook]; ok {
		name, _ := raw.(string)
		for _, pb := range playbooks {
			if pb.Name == name {
				return pb.Name, pb.Tasks, nil
			}
		}
		return "", nil, &mission.DecompositionError{Goal: goal, Reason: fmt.Sprintf("unknown playbook %v", raw)}
	}

	lower := strings.ToLower(goal)
	best, bestScore := -1, 0
	for i, pb := range playbooks {
		if s := pb.score(lower); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return "", nil, &mission.DecompositionError{Goal: goal, Reason: "no playbook matches the goal"}
	}
	return playbooks[best].Name, playbooks[best].Tasks, nil
}

// Materialize turns a plan into persisted-shape tasks of missionID, resolving
// symbolic dependencies to generated task IDs. Seq follows plan order.
func (p *Planner) Materialize(missionID string, plan *Plan, now time.Time) ([]*mission.Task, error) {
	ids := make(map[string]string, len(plan.Specs))
	for _, spec := range plan.Specs {
		ids[spec.Name] = uuid.NewString()
	}

	tasks := make([]*mission.Task, 0, len(plan.Specs))
	for i, spec := range plan.Specs {
		input, err := json.Marshal(spec.Input)
		if err != nil {
			return nil, fmt.Errorf("encoding input of task %s: %w", spec.Name, err)
		}
		deps := make([]string, 0, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			id, ok := ids[dep]
			if !ok {
				return nil, fmt.Errorf("task %s depends on unknown task %s", spec.Name, dep)
			}
			deps = append(deps, id)
		}
		tasks = append(tasks, p.newTask(missionID, ids[spec.Name], spec, i, deps, input, now))
	}
	return tasks, nil
}

// Expand creates follow-on tasks for parent. Injected tasks depend on the parent;
// symbolic dependencies resolve against the new specs first, then existing task
// names. Referenced existing tasks must not be failed, blocked or cancelled, and
// the enlarged graph must stay acyclic.
func (p *Planner) Expand(existing []*mission.Task, parent *mission.Task, specs []mission.TaskSpec, now time.Time) ([]*mission.Task, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	if err := usable(parent); err != nil {
		return nil, err
	}

	byName := make(map[string]*mission.Task, len(existing))
	nextSeq := 0
	for _, t := range existing {
		byName[t.Name] = t
		if t.Seq >= nextSeq {
			nextSeq = t.Seq + 1
		}
	}

	newIDs := make(map[string]string, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("follow-up of %s: task without name", parent.Name)
		}
		if !mission.KnownCategory(spec.Category) {
			return nil, fmt.Errorf("follow-up %s: unknown category %q", spec.Name, spec.Category)
		}
		if _, dup := newIDs[spec.Name]; dup {
			return nil, fmt.Errorf("follow-up %s: duplicate name", spec.Name)
		}
		if _, taken := byName[spec.Name]; taken {
			return nil, fmt.Errorf("follow-up %s: name already used in mission", spec.Name)
		}
		newIDs[spec.Name] = uuid.NewString()
	}

	parentInput := decodeInput(parent.Input)

	var created []*mission.Task
	for i, spec := range specs {
		deps := []string{parent.ID}
		for _, name := range spec.DependsOn {
			if id, ok := newIDs[name]; ok {
				deps = appendUnique(deps, id)
				continue
			}
			t, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("follow-up %s depends on unknown task %s", spec.Name, name)
			}
			if err := usable(t); err != nil {
				return nil, fmt.Errorf("follow-up %s: %w", spec.Name, err)
			}
			deps = appendUnique(deps, t.ID)
		}

		input, err := json.Marshal(TaskInput{
			Goal:         parentInput.Goal,
			Context:      parentInput.Context,
			Params:       spec.Input,
			Parent:       parent.Name,
			ParentOutput: parent.Output,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding input of follow-up %s: %w", spec.Name, err)
		}
		created = append(created, p.newTask(parent.MissionID, newIDs[spec.Name], spec, nextSeq+i, deps, input, now))
	}

	graph, err := dag.New(append(append([]*mission.Task(nil), existing...), created...))
	if err != nil {
		return nil, err
	}
	if _, err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("expanding %s: %w", parent.Name, err)
	}
	return created, nil
}

func (p *Planner) newTask(missionID, id string, spec mission.TaskSpec, seq int, deps []string, input []byte, now time.Time) *mission.Task {
	maxAttempts, fatal := p.policy(spec.Category)
	return &mission.Task{
		ID:          id,
		MissionID:   missionID,
		Name:        spec.Name,
		Seq:         seq,
		Category:    spec.Category,
		Status:      mission.TaskQueued,
		Input:       input,
		DependsOn:   deps,
		Optional:    spec.Optional,
		Fatal:       fatal,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
	}
}

func usable(t *mission.Task) error {
	switch t.Status {
	case mission.TaskFailed, mission.TaskBlocked, mission.TaskCancelled:
		return fmt.Errorf("task %s is %s", t.Name, t.Status)
	}
	return nil
}

// validateSpecs checks names, categories, dependency references and acyclicity.
func validateSpecs(specs []mission.TaskSpec) error {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return errors.New("task without name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate task name %q", s.Name)
		}
		seen[s.Name] = true
		if !mission.KnownCategory(s.Category) {
			return fmt.Errorf("task %q: unknown category %q", s.Name, s.Category)
		}
	}

	tasks := make([]*mission.Task, 0, len(specs))
	for i, s := range specs {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("task %q depends on unknown task %q", s.Name, dep)
			}
		}
		tasks = append(tasks, &mission.Task{ID: s.Name, Seq: i, DependsOn: s.DependsOn})
	}

	graph, err := dag.New(tasks)
	if err != nil {
		return err
	}
	_, err = graph.Validate()
	return err
}

func decodeInput(raw json.RawMessage) TaskInput {
	var in TaskInput
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &in)
	}
	return in
}

func appendUnique(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}

// SortedNames returns playbook names alphabetically.
func SortedNames(pbs []Playbook) []string {
	names := make([]string, 0, len(pbs))
	for _, pb := range pbs {
		names = append(names, pb.Name)
	}
	sort.Strings(names)
	return names
}
