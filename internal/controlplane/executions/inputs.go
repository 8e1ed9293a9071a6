package executions

import (
	"fmt"
	"strings"

	"github.com/marlinsec/playbookd/internal/shared/jsonpath"
)

const literalPrefix = "literal:"

// buildContext assembles the resolution tree steps and conditions see:
// {trigger_data, steps (step_id → {output}), playbook, execution}.
func buildContext(exec *Execution, playbookName string) map[string]any {
	steps := make(map[string]any, len(exec.Steps))
	for i := range exec.Steps {
		record := &exec.Steps[i]
		if record.Output != nil {
			steps[record.StepID] = map[string]any{"output": record.Output}
		}
	}
	return map[string]any{
		"trigger_data": exec.TriggerData,
		"steps":        steps,
		"playbook": map[string]any{
			"playbook_id": exec.PlaybookID,
			"version":     exec.PlaybookVersion,
			"name":        playbookName,
		},
		"execution": map[string]any{
			"execution_id": exec.ExecutionID,
			"state":        exec.State,
			"severity":     exec.Severity,
		},
	}
}

// resolveInputs maps a step's declared inputs against the execution
// context. Three forms: "literal:<value>" passes through verbatim, a
// template with {{ }} renders with missing paths as empty strings, and
// anything else is a dotted context path that must resolve.
func resolveInputs(declared map[string]string, ctx map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(declared))
	for field, raw := range declared {
		switch {
		case strings.HasPrefix(raw, literalPrefix):
			resolved[field] = strings.TrimPrefix(raw, literalPrefix)
		case strings.Contains(raw, "{{"):
			resolved[field] = jsonpath.Render(raw, ctx)
		default:
			res := jsonpath.Resolve(ctx, raw)
			if !res.Found {
				return nil, fmt.Errorf("input %q: path %q not found (stopped at %q)", field, raw, res.PartialPath)
			}
			resolved[field] = res.Value
		}
	}
	return resolved, nil
}
