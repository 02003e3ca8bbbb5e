package planner

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/missionctl/internal/mission"
)

//go:embed playbooks/*.yaml
var builtinFS embed.FS

// Playbook is a planning rule: a keyword match list and a task graph template.
type Playbook struct {
	Name        string             `yaml:"name"`
	Description string             `yaml:"description,omitempty"`
	Match       []string           `yaml:"match"`
	Tasks       []mission.TaskSpec `yaml:"tasks"` // Input holds static params
}

type playbookFile struct {
	Playbooks []Playbook `yaml:"playbooks"`
}

// ParsePlaybooks decodes and validates a playbook document.
func ParsePlaybooks(data []byte) ([]Playbook, error) {
	var file playbookFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing playbooks: %w", err)
	}

	seen := make(map[string]bool, len(file.Playbooks))
	for i := range file.Playbooks {
		pb := &file.Playbooks[i]
		if pb.Name == "" {
			return nil, fmt.Errorf("playbook %d: missing name", i)
		}
		if seen[pb.Name] {
			return nil, fmt.Errorf("playbook %q: declared twice", pb.Name)
		}
		seen[pb.Name] = true
		if len(pb.Tasks) == 0 {
			return nil, fmt.Errorf("playbook %q: no tasks", pb.Name)
		}
		for j, kw := range pb.Match {
			pb.Match[j] = strings.ToLower(strings.TrimSpace(kw))
		}
		if err := validateSpecs(pb.Tasks); err != nil {
			return nil, fmt.Errorf("playbook %q: %w", pb.Name, err)
		}
	}
	return file.Playbooks, nil
}

// Builtin returns the embedded playbooks in declaration order.
func Builtin() ([]Playbook, error) {
	entries, err := builtinFS.ReadDir("playbooks")
	if err != nil {
		return nil, fmt.Errorf("reading embedded playbooks: %w", err)
	}

	var out []Playbook
	for _, e := range entries {
		data, err := builtinFS.ReadFile("playbooks/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading embedded %s: %w", e.Name(), err)
		}
		pbs, err := ParsePlaybooks(data)
		if err != nil {
			return nil, fmt.Errorf("embedded %s: %w", e.Name(), err)
		}
		out = append(out, pbs...)
	}
	return out, nil
}

// LoadDir reads every *.yaml and *.yml file in dir, in lexical file order.
// A missing directory yields no playbooks.
func LoadDir(dir string) ([]Playbook, error) {
	if dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading playbook directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !isPlaybookFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []Playbook
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		pbs, err := ParsePlaybooks(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, pbs...)
	}
	return out, nil
}

func isPlaybookFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// merge overlays extra playbooks on base. A playbook with a base name replaces it
// in place; new names are appended in order.
func merge(base, extra []Playbook) []Playbook {
	out := append([]Playbook(nil), base...)
	index := make(map[string]int, len(out))
	for i, pb := range out {
		index[pb.Name] = i
	}
	for _, pb := range extra {
		if i, ok := index[pb.Name]; ok {
			out[i] = pb
			continue
		}
		index[pb.Name] = len(out)
		out = append(out, pb)
	}
	return out
}

// score counts the playbook's keywords present in the lower-cased goal.
func (pb Playbook) score(goal string) int {
	hits := 0
	for _, kw := range pb.Match {
		if kw != "" && strings.Contains(goal, kw) {
			hits++
		}
	}
	return hits
}
