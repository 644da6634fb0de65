package flow

import "strings"

// CompileSteps validates a pipeline definition and returns one parsed binding
// per step.
func CompileSteps(steps []StepSpec) ([]Binding, error) {
	if len(steps) == 0 {
		return nil, Validationf("pipeline has no steps")
	}
	out := make([]Binding, len(steps))
	for i, st := range steps {
		if !st.Agent.Valid() {
			return nil, Validationf("step %d: unknown agent %q", i, st.Agent)
		}
		if strings.TrimSpace(st.Name) == "" {
			return nil, Validationf("step %d: missing task name", i)
		}
		b, err := ParseBinding(st.InputFrom)
		if err != nil {
			return nil, err
		}
		if err := b.CheckPosition(i); err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// NormalizeSteps upper-cases agent names so "crea" and "CREA" compare equal.
func NormalizeSteps(steps []StepSpec) []StepSpec {
	out := make([]StepSpec, len(steps))
	for i, st := range steps {
		st.Agent = Agent(strings.ToUpper(strings.TrimSpace(string(st.Agent))))
		st.Name = strings.TrimSpace(st.Name)
		st.InputFrom = strings.TrimSpace(st.InputFrom)
		st.Input = CloneMap(st.Input)
		out[i] = st
	}
	return out
}
