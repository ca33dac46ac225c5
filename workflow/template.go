// Package workflow defines workflow templates, the DAG planner, and the
// task result model shared by the engine, API, and webhook layers.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Queue names recognised by the dispatcher.
const (
	DefaultQueue = "default_queue"
	IOQueue      = "io_queue"
)

// DefaultAction is used when a step declares no action.
const DefaultAction = "section"

// Template is a static workflow definition loaded from a YAML document.
type Template struct {
	// Defaults carries shared options (template_id, prompt_config_src,
	// database, ...) merged into every step's available-name set.
	Defaults map[string]any `yaml:"defaults"`

	// Steps is the ordered DAG node list.
	Steps []StepDefinition `yaml:"steps"`
}

// StepDefinition specifies one node of the DAG.
type StepDefinition struct {
	// Step is the unique name within the template.
	Step string `yaml:"step"`

	// PipelineKey is the dispatch key used by the step registry.
	PipelineKey string `yaml:"pipeline_key"`

	// Inputs lists name references: workflow input keys or sibling step names.
	Inputs []string `yaml:"inputs"`

	// OptionalInputs is the subset of Inputs that bind to "" when unresolvable.
	OptionalInputs []string `yaml:"optional_inputs"`

	// Action is an orchestration hint passed through to results and webhooks.
	Action string `yaml:"action"`

	// SectionID, when set, activates webhook delivery for this step.
	SectionID string `yaml:"section_id"`

	// Notifications is passed through opaquely.
	Notifications any `yaml:"notifications"`

	// Queue names the worker queue (default "default_queue").
	Queue string `yaml:"queue"`

	// ParallelTask forces dispatch onto the io_queue.
	ParallelTask bool `yaml:"parallel_task"`

	// ParallelInputs and ParallelMerge are fan-out hints passed through.
	ParallelInputs []string `yaml:"parallel_inputs"`
	ParallelMerge  string   `yaml:"parallel_merge"`

	// JSONObject requires a prompt-based step to return valid JSON.
	JSONObject bool `yaml:"json_object"`

	// DomainID selects a prompt variant when set.
	DomainID string `yaml:"domain_id"`
}

// IsOptional reports whether name is listed in OptionalInputs.
func (s *StepDefinition) IsOptional(name string) bool {
	for _, opt := range s.OptionalInputs {
		if opt == name {
			return true
		}
	}
	return false
}

// EffectiveQueue returns the queue the dispatcher must target.
// Parallel tasks always go to the io_queue regardless of the template.
func (s *StepDefinition) EffectiveQueue() string {
	if s.ParallelTask {
		return IOQueue
	}
	if s.Queue != "" {
		return s.Queue
	}
	return DefaultQueue
}

// EffectiveAction returns the action hint, defaulting to "section".
func (s *StepDefinition) EffectiveAction() string {
	if s.Action != "" {
		return s.Action
	}
	return DefaultAction
}

// Validate checks structural template invariants: step names present,
// unique, and pipeline keys set. Dependency resolvability is the
// planner's concern, not the loader's.
func (t *Template) Validate() error {
	if len(t.Steps) == 0 {
		return fmt.Errorf("template has no steps")
	}
	seen := make(map[string]struct{}, len(t.Steps))
	for i := range t.Steps {
		s := &t.Steps[i]
		if s.Step == "" {
			return fmt.Errorf("step %d has no name", i)
		}
		if s.PipelineKey == "" {
			return fmt.Errorf("step %q has no pipeline_key", s.Step)
		}
		if _, dup := seen[s.Step]; dup {
			return fmt.Errorf("duplicate step name %q", s.Step)
		}
		seen[s.Step] = struct{}{}
		for _, opt := range s.OptionalInputs {
			if !contains(s.Inputs, opt) {
				return fmt.Errorf("step %q: optional input %q is not in inputs", s.Step, opt)
			}
		}
	}
	return nil
}

// StringDefault returns the defaults entry for key as a string, or "" when
// absent or of another type.
func (t *Template) StringDefault(key string) string {
	if v, ok := t.Defaults[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ParseTemplate parses a template document.
func ParseTemplate(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}
	return &t, nil
}

// LoadTemplate loads templates/{name}.yml from dir. The name is restricted
// to a single path element so callers cannot traverse out of the directory.
func LoadTemplate(dir, name string) (*Template, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return nil, fmt.Errorf("invalid template name %q", name)
	}
	path := filepath.Join(dir, name+".yml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", name, err)
	}
	return ParseTemplate(data)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
