package flow

import (
	"regexp"
	"strconv"
	"strings"
)

type BindingKind int

const (
	BindNone BindingKind = iota
	BindStepOutput
	BindContext
)

func (k BindingKind) String() string {
	switch k {
	case BindStepOutput:
		return "step_output"
	case BindContext:
		return "context"
	default:
		return "none"
	}
}

// Binding is a parsed inputFrom expression.
//
//	$step[i].a.b           value at a.b in step i's output
//	$step[i].output.a.b    same; a leading "output" segment names the output itself
//	$pipeline.context.a.b  value at a.b in the pipeline context
type Binding struct {
	Kind BindingKind
	Step int
	Path []string
	Expr string
}

const contextPrefix = "$pipeline.context."

var stepRefRe = regexp.MustCompile(`^\$step\[(\d+)\]\.(.+)$`)

// ParseBinding parses an inputFrom expression. The empty string parses to a
// BindNone binding; anything else that is not one of the two reference forms
// is a validation error.
func ParseBinding(expr string) (Binding, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Binding{Kind: BindNone}, nil
	}

	if m := stepRefRe.FindStringSubmatch(expr); m != nil {
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return Binding{}, Validationf("inputFrom %q: bad step index", expr)
		}
		path, err := splitPath(expr, m[2])
		if err != nil {
			return Binding{}, err
		}
		return Binding{Kind: BindStepOutput, Step: idx, Path: path, Expr: expr}, nil
	}

	if strings.HasPrefix(expr, contextPrefix) {
		path, err := splitPath(expr, strings.TrimPrefix(expr, contextPrefix))
		if err != nil {
			return Binding{}, err
		}
		return Binding{Kind: BindContext, Path: path, Expr: expr}, nil
	}

	return Binding{}, Validationf("inputFrom %q: expected $step[i].path or $pipeline.context.path", expr)
}

func splitPath(expr, raw string) ([]string, error) {
	if raw == "" {
		return nil, Validationf("inputFrom %q: empty path", expr)
	}
	parts := strings.Split(raw, ".")
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return nil, Validationf("inputFrom %q: empty path segment", expr)
		}
	}
	return parts, nil
}

// CheckPosition verifies that a step reference only points at earlier steps.
func (b Binding) CheckPosition(position int) error {
	if b.Kind != BindStepOutput {
		return nil
	}
	if b.Step < 0 || b.Step >= position {
		return Validationf("step %d: inputFrom %q references step %d, only steps 0..%d run before it",
			position, b.Expr, b.Step, position-1)
	}
	return nil
}

// Value resolves the binding. ok is false when the referenced step has no
// recorded output yet or a path segment is missing.
func (b Binding) Value(results []map[string]any, pipelineCtx map[string]any) (any, bool) {
	switch b.Kind {
	case BindStepOutput:
		if b.Step < 0 || b.Step >= len(results) || results[b.Step] == nil {
			return nil, false
		}
		path := b.Path
		if len(path) > 0 && path[0] == "output" {
			path = path[1:]
		}
		return Lookup(results[b.Step], path)
	case BindContext:
		if pipelineCtx == nil {
			return nil, false
		}
		return Lookup(pipelineCtx, b.Path)
	default:
		return nil, false
	}
}

// Contribution returns the fields the binding adds to a step's input. Map
// values contribute their fields; any other value is keyed by the last path
// segment.
func (b Binding) Contribution(results []map[string]any, pipelineCtx map[string]any) map[string]any {
	v, ok := b.Value(results, pipelineCtx)
	if !ok {
		return nil
	}
	if m, isMap := v.(map[string]any); isMap {
		return CloneMap(m)
	}
	if len(b.Path) == 0 {
		return nil
	}
	return map[string]any{b.Path[len(b.Path)-1]: CloneValue(v)}
}

// ResolveInput builds a step's effective input: the static input first, then
// the binding contribution on top (last write wins).
func ResolveInput(static map[string]any, b Binding, results []map[string]any, pipelineCtx map[string]any) map[string]any {
	out := CloneMap(static)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range b.Contribution(results, pipelineCtx) {
		out[k] = v
	}
	return out
}
