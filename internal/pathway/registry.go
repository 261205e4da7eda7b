package pathway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/veracity-research/veracity/internal/extract"
	"github.com/veracity-research/veracity/internal/fault"
	"github.com/veracity-research/veracity/internal/research"
)

// Severity classifies a validation diagnostic.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Diagnostic is a single finding from validating a pathway definition.
type Diagnostic struct {
	Rule     string
	Severity Severity
	Message  string
	Pathway  string
	Level    string
	Fix      string
}

func (d Diagnostic) String() string {
	var b strings.Builder
	b.WriteString(string(d.Severity))
	b.WriteString(" [")
	b.WriteString(d.Rule)
	b.WriteString("]")
	if d.Pathway != "" {
		fmt.Fprintf(&b, " pathway=%s", d.Pathway)
	}
	if d.Level != "" {
		fmt.Fprintf(&b, " level=%s", d.Level)
	}
	b.WriteString(": ")
	b.WriteString(d.Message)
	if d.Fix != "" {
		b.WriteString(" (fix: ")
		b.WriteString(d.Fix)
		b.WriteString(")")
	}
	return b.String()
}

var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// knownOps are the branch condition operators the evaluator understands.
var knownOps = map[string]bool{
	"equals":      true,
	"notEquals":   true,
	"contains":    true,
	"greaterThan": true,
	"lessThan":    true,
	"in":          true,
	"exists":      true,
	"notExists":   true,
}

// Validate lints a single pathway definition and returns all diagnostics.
// Definitions with ERROR diagnostics must not be registered.
func Validate(p *Pathway) []Diagnostic {
	var diags []Diagnostic
	diags = append(diags, lintIdentity(p)...)
	diags = append(diags, lintTrigger(p)...)
	diags = append(diags, lintLevels(p)...)
	diags = append(diags, lintBranches(p)...)
	diags = append(diags, lintReachability(p)...)
	diags = append(diags, lintExitCriteria(p)...)
	return diags
}

// ValidateOrError returns an error joining all ERROR diagnostics, or nil.
func ValidateOrError(p *Pathway) error {
	var msgs []string
	for _, d := range Validate(p) {
		if d.Severity == SeverityError {
			msgs = append(msgs, d.String())
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fault.New(fault.InvalidInput, "pathway validation failed: %s", strings.Join(msgs, "; "))
}

func lintIdentity(p *Pathway) []Diagnostic {
	var diags []Diagnostic
	if !IDPattern.MatchString(p.ID) {
		diags = append(diags, Diagnostic{
			Rule:     "pathway_id_shape",
			Severity: SeverityError,
			Message:  fmt.Sprintf("id %q does not match %s", p.ID, IDPattern.String()),
			Pathway:  p.ID,
			Fix:      "use P- followed by 2-4 uppercase letters, e.g. P-SCI",
		})
	}
	if strings.TrimSpace(p.Name) == "" {
		diags = append(diags, Diagnostic{
			Rule:     "pathway_name_present",
			Severity: SeverityWarning,
			Message:  "pathway has no name",
			Pathway:  p.ID,
		})
	}
	if !versionPattern.MatchString(p.Version) {
		diags = append(diags, Diagnostic{
			Rule:     "pathway_version_semver",
			Severity: SeverityError,
			Message:  fmt.Sprintf("version %q is not MAJOR.MINOR.PATCH", p.Version),
			Pathway:  p.ID,
		})
	}
	return diags
}

func lintTrigger(p *Pathway) []Diagnostic {
	var diags []Diagnostic
	et := research.EvidenceType(p.Trigger.EvidenceType)
	if p.Trigger.EvidenceType == "" || research.NormalizeEvidenceType(p.Trigger.EvidenceType) != et {
		diags = append(diags, Diagnostic{
			Rule:     "trigger_evidence_type",
			Severity: SeverityError,
			Message:  fmt.Sprintf("trigger evidence type %q is not a canonical type", p.Trigger.EvidenceType),
			Pathway:  p.ID,
		})
	}
	diags = append(diags, lintConditions(p, "", "trigger", p.Trigger.Conditions)...)
	return diags
}

func lintLevels(p *Pathway) []Diagnostic {
	var diags []Diagnostic
	if len(p.Levels) == 0 {
		return append(diags, Diagnostic{
			Rule:     "levels_present",
			Severity: SeverityError,
			Message:  "pathway defines no levels",
			Pathway:  p.ID,
		})
	}
	seen := map[string]bool{}
	entries := 0
	for i := range p.Levels {
		lv := &p.Levels[i]
		if strings.TrimSpace(lv.Label) == "" {
			diags = append(diags, Diagnostic{
				Rule:     "level_label_present",
				Severity: SeverityError,
				Message:  fmt.Sprintf("level at index %d has no label", i),
				Pathway:  p.ID,
			})
			continue
		}
		if seen[lv.Label] {
			diags = append(diags, Diagnostic{
				Rule:     "level_label_unique",
				Severity: SeverityError,
				Message:  fmt.Sprintf("duplicate level label %q", lv.Label),
				Pathway:  p.ID,
				Level:    lv.Label,
			})
		}
		seen[lv.Label] = true
		if lv.Depth < 1 || lv.Depth > MaxDepth {
			diags = append(diags, Diagnostic{
				Rule:     "level_depth_bounds",
				Severity: SeverityError,
				Message:  fmt.Sprintf("depth %d outside 1..%d", lv.Depth, MaxDepth),
				Pathway:  p.ID,
				Level:    lv.Label,
			})
		}
		if lv.Depth == 1 {
			entries++
		}
		if !lv.WorkerTemplate.Valid() {
			diags = append(diags, Diagnostic{
				Rule:     "level_worker_template",
				Severity: SeverityError,
				Message:  fmt.Sprintf("unknown worker template %q", lv.WorkerTemplate),
				Pathway:  p.ID,
				Level:    lv.Label,
				Fix:      "use research, review, or impl",
			})
		}
		if strings.TrimSpace(lv.Task.Purpose) == "" {
			diags = append(diags, Diagnostic{
				Rule:     "level_task_purpose",
				Severity: SeverityError,
				Message:  "task template has no purpose",
				Pathway:  p.ID,
				Level:    lv.Label,
			})
		}
		if lv.RequiredOutputs != nil {
			if _, err := extract.CompileSchema(lv.RequiredOutputs); err != nil {
				diags = append(diags, Diagnostic{
					Rule:     "level_required_outputs_schema",
					Severity: SeverityError,
					Message:  fmt.Sprintf("requiredOutputs does not compile: %v", err),
					Pathway:  p.ID,
					Level:    lv.Label,
				})
			}
		}
	}
	if entries != 1 {
		diags = append(diags, Diagnostic{
			Rule:     "entry_level_single",
			Severity: SeverityError,
			Message:  fmt.Sprintf("pathway must define exactly one depth-1 level, found %d", entries),
			Pathway:  p.ID,
		})
	}
	return diags
}

func lintBranches(p *Pathway) []Diagnostic {
	var diags []Diagnostic
	depthOf := map[string]int{}
	for i := range p.Levels {
		depthOf[p.Levels[i].Label] = p.Levels[i].Depth
	}
	for i := range p.Levels {
		lv := &p.Levels[i]
		for j, br := range lv.Branches {
			where := fmt.Sprintf("branch %d", j)
			if br.Terminate {
				if br.To != "" {
					diags = append(diags, Diagnostic{
						Rule:     "branch_terminate_exclusive",
						Severity: SeverityError,
						Message:  fmt.Sprintf("%s sets both terminate and to=%q", where, br.To),
						Pathway:  p.ID,
						Level:    lv.Label,
					})
				}
			} else {
				target, ok := depthOf[br.To]
				if !ok {
					diags = append(diags, Diagnostic{
						Rule:     "branch_target_exists",
						Severity: SeverityError,
						Message:  fmt.Sprintf("%s points at undefined level %q", where, br.To),
						Pathway:  p.ID,
						Level:    lv.Label,
					})
				} else if target <= lv.Depth {
					diags = append(diags, Diagnostic{
						Rule:     "branch_target_descends",
						Severity: SeverityError,
						Message:  fmt.Sprintf("%s targets %q at depth %d, not below depth %d", where, br.To, target, lv.Depth),
						Pathway:  p.ID,
						Level:    lv.Label,
					})
				}
			}
			diags = append(diags, lintConditions(p, lv.Label, where, br.When)...)
		}
	}
	return diags
}

func lintConditions(p *Pathway, level, where string, conds []Condition) []Diagnostic {
	var diags []Diagnostic
	for k, c := range conds {
		if strings.TrimSpace(c.Key) == "" {
			diags = append(diags, Diagnostic{
				Rule:     "condition_key_present",
				Severity: SeverityError,
				Message:  fmt.Sprintf("%s condition %d has no key", where, k),
				Pathway:  p.ID,
				Level:    level,
			})
		}
		if !knownOps[c.Op] {
			diags = append(diags, Diagnostic{
				Rule:     "condition_op_known",
				Severity: SeverityError,
				Message:  fmt.Sprintf("%s condition %d uses unknown op %q", where, k, c.Op),
				Pathway:  p.ID,
				Level:    level,
			})
			continue
		}
		switch c.Op {
		case "in":
			if _, ok := c.Value.([]any); !ok {
				diags = append(diags, Diagnostic{
					Rule:     "condition_in_wants_array",
					Severity: SeverityError,
					Message:  fmt.Sprintf("%s condition %d: in requires an array value", where, k),
					Pathway:  p.ID,
					Level:    level,
				})
			}
		case "greaterThan", "lessThan":
			if _, ok := toFloat(c.Value); !ok {
				diags = append(diags, Diagnostic{
					Rule:     "condition_numeric_value",
					Severity: SeverityError,
					Message:  fmt.Sprintf("%s condition %d: %s requires a numeric value", where, k, c.Op),
					Pathway:  p.ID,
					Level:    level,
				})
			}
		case "exists", "notExists":
			if c.Value != nil {
				diags = append(diags, Diagnostic{
					Rule:     "condition_value_ignored",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("%s condition %d: %s ignores its value", where, k, c.Op),
					Pathway:  p.ID,
					Level:    level,
				})
			}
		}
	}
	return diags
}

// lintReachability walks branch targets from the entry level and flags
// levels nothing routes to.
func lintReachability(p *Pathway) []Diagnostic {
	entry := p.Entry()
	if entry == nil || len(p.Levels) < 2 {
		return nil
	}
	reached := map[string]bool{entry.Label: true}
	queue := []string{entry.Label}
	for len(queue) > 0 {
		lv := p.Level(queue[0])
		queue = queue[1:]
		if lv == nil {
			continue
		}
		for _, br := range lv.Branches {
			if br.Terminate || br.To == "" || reached[br.To] {
				continue
			}
			reached[br.To] = true
			queue = append(queue, br.To)
		}
	}
	var diags []Diagnostic
	for i := range p.Levels {
		if !reached[p.Levels[i].Label] {
			diags = append(diags, Diagnostic{
				Rule:     "level_reachable",
				Severity: SeverityWarning,
				Message:  "no branch routes to this level",
				Pathway:  p.ID,
				Level:    p.Levels[i].Label,
			})
		}
	}
	return diags
}

func lintExitCriteria(p *Pathway) []Diagnostic {
	var diags []Diagnostic
	ec := p.ExitCriteria
	if ec.MinimumSources < 0 || ec.RequiredLevels < 0 || ec.TimeoutMinutes < 0 {
		diags = append(diags, Diagnostic{
			Rule:     "exit_criteria_nonnegative",
			Severity: SeverityError,
			Message:  "exit criteria must not be negative",
			Pathway:  p.ID,
		})
	}
	if ec.RequiredLevels > len(p.Levels) {
		diags = append(diags, Diagnostic{
			Rule:     "exit_required_levels_bound",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("requiredLevels %d exceeds defined levels %d", ec.RequiredLevels, len(p.Levels)),
			Pathway:  p.ID,
		})
	}
	return diags
}

// Registry holds the validated pathway definitions for one process.
// Definitions are immutable after load.
type Registry struct {
	byID  map[string]*Pathway
	order []string
}

// LoadDir reads every *.json definition under dir, validates each one, and
// fails on the first file with ERROR diagnostics. Files load in name order
// so registry contents do not depend on directory iteration.
func LoadDir(dir string) (*Registry, error) {
	names, err := doublestar.Glob(os.DirFS(dir), "*.json")
	if err != nil {
		return nil, fault.Wrap(fault.InvalidInput, err, "globbing pathway dir "+dir)
	}
	sort.Strings(names)
	reg := &Registry{byID: map[string]*Pathway{}}
	for _, name := range names {
		p, err := loadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if err := ValidateOrError(p); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if prior, ok := reg.byID[p.ID]; ok {
			return nil, fault.New(fault.InvalidInput, "%s: pathway %s already defined (version %s)", name, p.ID, prior.Version)
		}
		if err := compileSchemas(p); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		reg.byID[p.ID] = p
		reg.order = append(reg.order, p.ID)
	}
	return reg, nil
}

// LoadFS is LoadDir over an fs.FS, for tests with fstest.MapFS.
func LoadFS(fsys fs.FS) (*Registry, error) {
	names, err := doublestar.Glob(fsys, "*.json")
	if err != nil {
		return nil, fault.Wrap(fault.InvalidInput, err, "globbing pathway fs")
	}
	sort.Strings(names)
	reg := &Registry{byID: map[string]*Pathway{}}
	for _, name := range names {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fault.Wrap(fault.InvalidInput, err, "reading pathway "+name)
		}
		p, err := decode(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if err := ValidateOrError(p); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if prior, ok := reg.byID[p.ID]; ok {
			return nil, fault.New(fault.InvalidInput, "%s: pathway %s already defined (version %s)", name, p.ID, prior.Version)
		}
		if err := compileSchemas(p); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		reg.byID[p.ID] = p
		reg.order = append(reg.order, p.ID)
	}
	return reg, nil
}

func loadFile(path string) (*Pathway, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidInput, err, "reading pathway "+path)
	}
	p, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return p, nil
}

func decode(raw []byte) (*Pathway, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var p Pathway
	if err := dec.Decode(&p); err != nil {
		return nil, fault.Wrap(fault.InvalidInput, err, "decoding pathway definition")
	}
	if dec.More() {
		return nil, fault.New(fault.InvalidInput, "pathway definition has trailing content")
	}
	applyDefaults(&p)
	return &p, nil
}

func applyDefaults(p *Pathway) {
	if p.ExitCriteria.TimeoutMinutes == 0 {
		p.ExitCriteria.TimeoutMinutes = 15
	}
	for i := range p.Levels {
		if p.Levels[i].WorkerTemplate == "" {
			p.Levels[i].WorkerTemplate = TemplateResearch
		}
	}
}

func compileSchemas(p *Pathway) error {
	for i := range p.Levels {
		lv := &p.Levels[i]
		if lv.RequiredOutputs == nil {
			continue
		}
		schema, err := extract.CompileSchema(lv.RequiredOutputs)
		if err != nil {
			return fault.Wrap(fault.InvalidInput, err, "compiling requiredOutputs for level "+lv.Label)
		}
		lv.schema = schema
	}
	return nil
}

// Get returns the pathway with the given id.
func (r *Registry) Get(id string) (*Pathway, error) {
	p, ok := r.byID[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "pathway %s not registered", id)
	}
	return p, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// IDs returns registered pathway ids in load order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ForEvidenceType returns, in load order, every pathway whose trigger
// matches the canonical evidence type.
func (r *Registry) ForEvidenceType(et research.EvidenceType) []*Pathway {
	var out []*Pathway
	for _, id := range r.order {
		p := r.byID[id]
		if research.EvidenceType(p.Trigger.EvidenceType) == et {
			out = append(out, p)
		}
	}
	return out
}

// Dump writes a one-line summary per pathway, for the CLI.
func (r *Registry) Dump(w io.Writer) {
	for _, id := range r.order {
		p := r.byID[id]
		fmt.Fprintf(w, "%s\t%s\t%s\ttrigger=%s\tlevels=%d\n", p.ID, p.Version, p.Name, p.Trigger.EvidenceType, len(p.Levels))
	}
}
