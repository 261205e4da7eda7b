package pathway

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Task is a fully rendered worker assignment for one level.
type Task struct {
	Description string
	Template    WorkerTemplate
	Schema      *jsonschema.Schema
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_][A-Za-z0-9_.]*)\}`)

// Render substitutes {dotted.path} placeholders from scope. Unknown paths
// render as the empty string rather than leaking the placeholder to a
// worker.
func Render(tmpl string, scope map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		v, ok := resolveKey(scope, m[1:len(m)-1])
		if !ok || v == nil {
			return ""
		}
		return canonical(v)
	})
}

// Scope flattens any JSON-marshalable value into the nested map form the
// renderer and branch evaluator resolve paths against.
func Scope(v any) map[string]any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// BuildTask renders the level's task template against the evidence item and
// the parent level's output (nil at depth 1).
func BuildTask(p *Pathway, lv *Level, evidence, parent map[string]any) Task {
	scope := map[string]any{
		"evidence": evidence,
		"parent":   parent,
		"pathway":  map[string]any{"id": p.ID, "name": p.Name, "version": p.Version},
		"level":    map[string]any{"label": lv.Label, "depth": lv.Depth},
	}

	var b strings.Builder
	b.WriteString("PURPOSE\n")
	b.WriteString(strings.TrimSpace(Render(lv.Task.Purpose, scope)))
	b.WriteString("\n")
	if len(lv.Task.KeyTasks) > 0 {
		b.WriteString("\nKEY TASKS\n")
		for i, t := range lv.Task.KeyTasks {
			fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(Render(t, scope)))
		}
	}
	if strings.TrimSpace(lv.Task.EndState) != "" {
		b.WriteString("\nEND STATE\n")
		b.WriteString(strings.TrimSpace(Render(lv.Task.EndState, scope)))
		b.WriteString("\n")
	}
	if lv.RequiredOutputs != nil {
		b.WriteString("\nOUTPUT CONTRACT\n")
		b.WriteString("Reply with exactly one JSON object satisfying this schema:\n")
		enc, err := json.MarshalIndent(lv.RequiredOutputs, "", "  ")
		if err == nil {
			b.Write(enc)
			b.WriteString("\n")
		}
	}

	return Task{
		Description: b.String(),
		Template:    lv.WorkerTemplate,
		Schema:      lv.schema,
	}
}
