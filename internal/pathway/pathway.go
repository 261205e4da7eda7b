// Package pathway loads and validates the read-only investigation recipes,
// interpolates their worker task templates, and evaluates branch conditions
// against worker branch signals.
package pathway

import (
	"regexp"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxDepth bounds any investigation chain.
const MaxDepth = 4

// IDPattern is the required pathway id shape.
var IDPattern = regexp.MustCompile(`^P-[A-Z]{2,4}$`)

// ContrarianPathwayID is spawned when consensus on a claim exceeds 0.80.
const ContrarianPathwayID = "P-CON"

type WorkerTemplate string

const (
	TemplateResearch WorkerTemplate = "research"
	TemplateReview   WorkerTemplate = "review"
	TemplateImpl     WorkerTemplate = "impl"
)

func (t WorkerTemplate) Valid() bool {
	switch t {
	case TemplateResearch, TemplateReview, TemplateImpl:
		return true
	}
	return false
}

// Condition is one clause of a branch guard. All clauses on a branch must
// hold for the branch to fire.
type Condition struct {
	Key   string `json:"key"`
	Op    string `json:"op"`
	Value any    `json:"value,omitempty"`
}

// Branch routes a satisfied condition set to the next level. Terminate
// branches short-circuit the chain instead.
type Branch struct {
	When      []Condition `json:"when,omitempty"`
	To        string      `json:"to,omitempty"`
	Terminate bool        `json:"terminate,omitempty"`
}

type TaskTemplate struct {
	Purpose  string   `json:"purpose"`
	KeyTasks []string `json:"keyTasks"`
	EndState string   `json:"endState"`
}

type Level struct {
	// Label names the level in artifacts (L1, L2A) and branch targets.
	Label           string         `json:"label"`
	Depth           int            `json:"depth"`
	WorkerTemplate  WorkerTemplate `json:"workerTemplate"`
	Task            TaskTemplate   `json:"task"`
	RequiredOutputs map[string]any `json:"requiredOutputs,omitempty"`
	Branches        []Branch       `json:"branches,omitempty"`
	// Parallel allows satisfied branches at this level to run concurrently.
	Parallel bool `json:"parallel,omitempty"`

	schema *jsonschema.Schema
}

// Schema returns the compiled requiredOutputs schema, nil when the level
// declared none.
func (l *Level) Schema() *jsonschema.Schema { return l.schema }

type Trigger struct {
	EvidenceType string      `json:"evidenceType"`
	Conditions   []Condition `json:"conditions,omitempty"`
}

type ExitCriteria struct {
	MinimumSources int `json:"minimumSources"`
	RequiredLevels int `json:"requiredLevels"`
	TimeoutMinutes int `json:"timeoutMinutes"`
}

type Pathway struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Trigger      Trigger      `json:"trigger"`
	Levels       []Level      `json:"levels"`
	ExitCriteria ExitCriteria `json:"exitCriteria"`
}

// Level returns the level with the given label, or nil.
func (p *Pathway) Level(label string) *Level {
	for i := range p.Levels {
		if p.Levels[i].Label == label {
			return &p.Levels[i]
		}
	}
	return nil
}

// Entry returns the first (depth 1) level. Definitions are validated to have
// exactly one.
func (p *Pathway) Entry() *Level {
	for i := range p.Levels {
		if p.Levels[i].Depth == 1 {
			return &p.Levels[i]
		}
	}
	return nil
}
