package workflow

// Plan is the output of the DAG planner: execution levels in dispatch
// order plus the names of any steps that could not be levelled.
type Plan struct {
	// Levels holds step configs grouped by execution level. All members
	// of one level are dispatched concurrently.
	Levels [][]StepConfig

	// Dropped names steps omitted because their inputs never became
	// available — a dependency cycle or a reference to an unknown name.
	// The engine proceeds without them (soft-drop).
	Dropped []string
}

// Steps returns all planned step configs in level order.
func (p *Plan) Steps() []StepConfig {
	var out []StepConfig
	for _, level := range p.Levels {
		out = append(out, level...)
	}
	return out
}

// BuildPlan computes execution levels for the template given the initial
// workflow inputs. A step is schedulable once every required input name is
// available, where the available set starts as the workflow input keys plus
// the template defaults and grows with each levelled step's name.
//
// The planner is purely functional: it performs no I/O and reports
// unresolvable steps through Plan.Dropped instead of failing.
func BuildPlan(t *Template, inputs map[string]any) *Plan {
	available := make(map[string]struct{}, len(inputs)+len(t.Defaults))
	bound := make(map[string]any, len(inputs)+len(t.Defaults))
	for k, v := range t.Defaults {
		available[k] = struct{}{}
		bound[k] = v
	}
	for k, v := range inputs {
		available[k] = struct{}{}
		bound[k] = v
	}

	stepNames := make(map[string]struct{}, len(t.Steps))
	for i := range t.Steps {
		stepNames[t.Steps[i].Step] = struct{}{}
	}

	remaining := make([]*StepDefinition, 0, len(t.Steps))
	for i := range t.Steps {
		remaining = append(remaining, &t.Steps[i])
	}

	plan := &Plan{}
	for len(remaining) > 0 {
		var current []*StepDefinition
		var next []*StepDefinition
		for _, s := range remaining {
			if stepSatisfied(s, available, stepNames) {
				current = append(current, s)
			} else {
				next = append(next, s)
			}
		}

		if len(current) == 0 {
			// Cycle or unknown reference: soft-drop the rest.
			for _, s := range next {
				plan.Dropped = append(plan.Dropped, s.Step)
			}
			break
		}

		level := make([]StepConfig, 0, len(current))
		for _, s := range current {
			level = append(level, buildStepConfig(t, s, bound, stepNames))
		}
		plan.Levels = append(plan.Levels, level)

		for _, s := range current {
			available[s.Step] = struct{}{}
		}
		remaining = next
	}

	return plan
}

// stepSatisfied reports whether every input of s is resolvable from the
// available set. Optional inputs that name neither a step nor an available
// value are satisfied implicitly — they bind to "" at config-build time.
func stepSatisfied(s *StepDefinition, available map[string]struct{}, stepNames map[string]struct{}) bool {
	for _, name := range s.Inputs {
		if _, ok := available[name]; ok {
			continue
		}
		if s.IsOptional(name) {
			if _, isStep := stepNames[name]; !isStep {
				continue
			}
		}
		return false
	}
	return true
}

// buildStepConfig materialises a StepDefinition into a StepConfig,
// splitting inputs into plan-time bound values and prerequisites.
func buildStepConfig(t *Template, s *StepDefinition, bound map[string]any, stepNames map[string]struct{}) StepConfig {
	cfg := StepConfig{
		StepName:        s.Step,
		PipelineKey:     s.PipelineKey,
		ProjectName:     t.StringDefault("template_id"),
		PromptConfigSrc: t.StringDefault("prompt_config_src"),
		Database:        t.StringDefault("database"),
		Action:          s.EffectiveAction(),
		SectionID:       s.SectionID,
		JSONObject:      s.JSONObject,
		DomainID:        s.DomainID,
		Queue:           s.EffectiveQueue(),
		ParallelTask:    s.ParallelTask,
		Inputs:          make(map[string]any, len(s.Inputs)),
	}

	for _, name := range s.Inputs {
		if _, isStep := stepNames[name]; isStep {
			cfg.Prerequisites = append(cfg.Prerequisites, name)
			// A caller-supplied value under a step's name wins over the
			// sibling result; the worker skips resolution when the key
			// is already bound.
			if v, ok := bound[name]; ok {
				cfg.Inputs[name] = v
			}
			continue
		}
		if v, ok := bound[name]; ok {
			cfg.Inputs[name] = v
			continue
		}
		if s.IsOptional(name) {
			cfg.Inputs[name] = ""
		}
	}

	return cfg
}
