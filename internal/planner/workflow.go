package planner

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aristath/missionctl/internal/config"
	"github.com/aristath/missionctl/internal/mission"
)

// Params keys recorded on workflow follow-ups.
const (
	paramWorkflow = "workflow"
	paramStep     = "step"
)

// WorkflowManager spawns follow-up tasks based on workflow configuration.
// When a task succeeds, it checks whether the task's category is a step in any
// configured workflow, and if so, proposes the next step's task.
type WorkflowManager struct {
	names     []string                         // Sorted for deterministic follow-up order
	workflows map[string]config.WorkflowConfig // workflow name -> config
}

// NewWorkflowManager creates a new WorkflowManager.
func NewWorkflowManager(workflows map[string]config.WorkflowConfig) *WorkflowManager {
	names := make([]string, 0, len(workflows))
	for name := range workflows {
		names = append(names, name)
	}
	sort.Strings(names)

	return &WorkflowManager{
		names:     names,
		workflows: workflows,
	}
}

// FollowUps returns the next-step specs for a succeeded task.
// A task spawned by a workflow only advances that workflow, at the step it was
// spawned for; other tasks enter every workflow at the first step matching their category.
func (wm *WorkflowManager) FollowUps(completed *mission.Task) []mission.TaskSpec {
	if wm == nil || len(wm.workflows) == 0 {
		return nil
	}

	if name, step, ok := workflowPosition(completed); ok {
		wf, exists := wm.workflows[name]
		if !exists {
			return nil
		}
		if spec, ok := nextStep(name, wf, step, completed); ok {
			return []mission.TaskSpec{spec}
		}
		return nil
	}

	var specs []mission.TaskSpec
	seen := make(map[string]bool)
	for _, name := range wm.names {
		wf := wm.workflows[name]
		step := findStepIndex(wf, completed.Category)
		if step == -1 {
			continue
		}
		// Two workflows proposing the same next category share one follow-up.
		if spec, ok := nextStep(name, wf, step, completed); ok && !seen[spec.Name] {
			seen[spec.Name] = true
			specs = append(specs, spec)
		}
	}
	return specs
}

// FindWorkflow returns workflow name, config, and step index for the given category.
// Returns empty string if not found.
func (wm *WorkflowManager) FindWorkflow(category mission.Category) (string, *config.WorkflowConfig, int) {
	for _, name := range wm.names {
		wf := wm.workflows[name]
		if step := findStepIndex(wf, category); step != -1 {
			return name, &wf, step
		}
	}
	return "", nil, -1
}

func nextStep(name string, wf config.WorkflowConfig, step int, completed *mission.Task) (mission.TaskSpec, bool) {
	// Last step: no follow-up needed
	if step >= len(wf.Steps)-1 {
		return mission.TaskSpec{}, false
	}

	next := mission.Category(wf.Steps[step+1].Category)
	return mission.TaskSpec{
		Name:     fmt.Sprintf("%s.%s", completed.Name, next),
		Category: next,
		Input: map[string]any{
			paramWorkflow: name,
			paramStep:     step + 1,
		},
	}, true
}

// findStepIndex finds the index of the first step with the given category.
// Returns -1 if not found.
func findStepIndex(wf config.WorkflowConfig, category mission.Category) int {
	for i, step := range wf.Steps {
		if mission.Category(step.Category) == category {
			return i
		}
	}
	return -1
}

// workflowPosition reads the workflow and step a follow-up was spawned for.
func workflowPosition(t *mission.Task) (string, int, bool) {
	var in struct {
		Params struct {
			Workflow string `json:"workflow"`
			Step     *int   `json:"step"`
		} `json:"params"`
	}
	if len(t.Input) == 0 || json.Unmarshal(t.Input, &in) != nil {
		return "", 0, false
	}
	if in.Params.Workflow == "" || in.Params.Step == nil {
		return "", 0, false
	}
	return in.Params.Workflow, *in.Params.Step, true
}
