package review

import (
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules/rules.yaml
var builtinRules embed.FS

// TaskTypeRule describes one task category and its built-in definition of done.
type TaskTypeRule struct {
	Name             string   `yaml:"name"`
	Signals          []string `yaml:"signals"`
	DefinitionOfDone string   `yaml:"definitionOfDone"`
}

type ruleSet struct {
	TaskTypes []TaskTypeRule `yaml:"taskTypes"`
}

// LoadRules parses the embedded task-type rules.
func LoadRules() ([]TaskTypeRule, error) {
	data, err := builtinRules.ReadFile("rules/rules.yaml")
	if err != nil {
		return nil, fmt.Errorf("reading embedded rules: %w", err)
	}

	var rs ruleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	if len(rs.TaskTypes) == 0 {
		return nil, fmt.Errorf("rules file declares no task types")
	}
	for _, tt := range rs.TaskTypes {
		if tt.Name == "" || tt.DefinitionOfDone == "" {
			return nil, fmt.Errorf("task type missing name or definition of done")
		}
	}
	return rs.TaskTypes, nil
}

// renderRules formats the rules for inclusion in the classifier prompt.
func renderRules(rules []TaskTypeRule) string {
	var b strings.Builder
	for i, tt := range rules {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Task type %q:\n", tt.Name)
		for _, sig := range tt.Signals {
			fmt.Fprintf(&b, "  - signal: %s\n", sig)
		}
		fmt.Fprintf(&b, "  definition of done: %s\n", strings.TrimSpace(tt.DefinitionOfDone))
	}
	return b.String()
}
