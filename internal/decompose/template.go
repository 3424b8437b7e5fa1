// Package decompose turns pending tasks into subtask DAGs using YAML rule
// templates. Built-in templates are embedded; a user directory can layer
// more on top and is hot-reloaded on change.
package decompose

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/loomctl/loom/internal/domain"
)

// Template is one decomposition rule: a task type plus the subtask
// specifications it expands into.
type Template struct {
	TaskType    string        `yaml:"task_type"`
	Description string        `yaml:"description"`
	Subtasks    []SubtaskSpec `yaml:"subtasks"`
}

// SubtaskSpec describes one subtask to materialise. DependsOn names
// sibling specs; the decomposer resolves names to ids after insertion.
type SubtaskSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Type        string   `yaml:"type"`
	Tool        string   `yaml:"tool"`
	Complexity  int      `yaml:"complexity"`
	Priority    int      `yaml:"priority"`
	DependsOn   []string `yaml:"depends_on"`
}

// ParseTemplate decodes and validates one YAML template document.
func ParseTemplate(raw []byte) (*Template, error) {
	var tpl Template
	if err := yaml.Unmarshal(raw, &tpl); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// Validate checks structural soundness: unique names, resolvable
// dependencies, a dependency DAG, and complexity within range.
func (t *Template) Validate() error {
	if t.TaskType == "" {
		return &domain.ValidationError{Field: "task_type", Msg: "task_type is required"}
	}
	if len(t.Subtasks) == 0 {
		return &domain.ValidationError{Field: "subtasks", Msg: fmt.Sprintf("template %s has no subtasks", t.TaskType)}
	}

	names := make(map[string]int, len(t.Subtasks))
	for i, spec := range t.Subtasks {
		if spec.Name == "" {
			return &domain.ValidationError{Field: "subtasks", Msg: fmt.Sprintf("template %s: subtask %d has no name", t.TaskType, i)}
		}
		if _, dup := names[spec.Name]; dup {
			return &domain.ValidationError{Field: "subtasks", Msg: fmt.Sprintf("template %s: duplicate subtask name %q", t.TaskType, spec.Name)}
		}
		if spec.Type == "" {
			return &domain.ValidationError{Field: "subtasks", Msg: fmt.Sprintf("template %s: subtask %q has no type", t.TaskType, spec.Name)}
		}
		if spec.Complexity < 0 || spec.Complexity > 5 {
			return &domain.ValidationError{Field: "subtasks", Msg: fmt.Sprintf("template %s: subtask %q complexity %d out of range [1,5]", t.TaskType, spec.Name, spec.Complexity)}
		}
		names[spec.Name] = i
	}

	for _, spec := range t.Subtasks {
		for _, dep := range spec.DependsOn {
			if _, ok := names[dep]; !ok {
				return &domain.ValidationError{Field: "subtasks", Msg: fmt.Sprintf("template %s: subtask %q depends on unknown %q", t.TaskType, spec.Name, dep)}
			}
			if dep == spec.Name {
				return &domain.ValidationError{Field: "subtasks", Msg: fmt.Sprintf("template %s: subtask %q depends on itself", t.TaskType, spec.Name)}
			}
		}
	}

	if cycleAt := findCycle(t.Subtasks, names); cycleAt != "" {
		return &domain.ValidationError{Field: "subtasks", Msg: fmt.Sprintf("template %s: dependency cycle through %q", t.TaskType, cycleAt)}
	}
	return nil
}

// findCycle runs a three-colour DFS over the dependency edges and
// returns the name of a subtask on a cycle, or "".
func findCycle(specs []SubtaskSpec, names map[string]int) string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := make([]int, len(specs))

	var visit func(i int) bool
	visit = func(i int) bool {
		colour[i] = grey
		for _, dep := range specs[i].DependsOn {
			j := names[dep]
			switch colour[j] {
			case grey:
				return true
			case white:
				if visit(j) {
					return true
				}
			}
		}
		colour[i] = black
		return false
	}

	for i := range specs {
		if colour[i] == white && visit(i) {
			return specs[i].Name
		}
	}
	return ""
}
