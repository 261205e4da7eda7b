package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/veracity-research/veracity/internal/fault"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Diagnostic is one finding from graph validation.
type Diagnostic struct {
	Rule     string
	Severity Severity
	Message  string
	NodeID   string
	EdgeFrom string
	EdgeTo   string
}

func (d Diagnostic) String() string {
	var b strings.Builder
	b.WriteString(string(d.Severity))
	b.WriteString(" [")
	b.WriteString(d.Rule)
	b.WriteString("]")
	if d.NodeID != "" {
		fmt.Fprintf(&b, " node=%s", d.NodeID)
	}
	if d.EdgeFrom != "" || d.EdgeTo != "" {
		fmt.Fprintf(&b, " edge=%s->%s", d.EdgeFrom, d.EdgeTo)
	}
	b.WriteString(": ")
	b.WriteString(d.Message)
	return b.String()
}

// anyClaim is every node type a semantic edge may touch. Domain nodes are
// grouping roots and participate through parent links, never edges.
var anyClaim = typeSet(
	NodeContaminant, NodeHealthEffect, NodeSolution, NodeProduct,
	NodeRecommendation, NodeContext, NodeInvestigation,
)

// edgeTypeTable is the domain/range constraint per edge type.
var edgeTypeTable = map[EdgeType]struct {
	sources map[NodeType]bool
	targets map[NodeType]bool
}{
	EdgeCausation:      {typeSet(NodeContaminant, NodeContext), typeSet(NodeHealthEffect)},
	EdgeEvidence:       {typeSet(NodeInvestigation), anyClaim},
	EdgeComposition:    {typeSet(NodeProduct, NodeContaminant), typeSet(NodeContaminant)},
	EdgeAddresses:      {typeSet(NodeSolution, NodeProduct, NodeRecommendation), typeSet(NodeContaminant, NodeHealthEffect, NodeContext)},
	EdgeGap:            {typeSet(NodeInvestigation), anyClaim},
	EdgeContextualizes: {typeSet(NodeContext), anyClaim},
	EdgeInvestigates:   {typeSet(NodeInvestigation), anyClaim},
}

func typeSet(types ...NodeType) map[NodeType]bool {
	m := make(map[NodeType]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

func allowedList(m map[NodeType]bool) string {
	out := make([]string, 0, len(m))
	for t := range m {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

// Validate checks every structural invariant and returns all diagnostics.
// ERROR diagnostics make the graph unacceptable as a final artifact.
func Validate(g *Graph) []Diagnostic {
	var diags []Diagnostic
	diags = append(diags, lintNodeIDs(g)...)
	diags = append(diags, lintNodeVocabulary(g)...)
	diags = append(diags, lintParents(g)...)
	diags = append(diags, lintEdgeEndpoints(g)...)
	diags = append(diags, lintEdgeVocabulary(g)...)
	diags = append(diags, lintEdgeDomainRange(g)...)
	diags = append(diags, lintTopicCoverage(g)...)
	diags = append(diags, lintIsolatedNodes(g)...)
	return diags
}

// ValidateOrError joins ERROR diagnostics into a schema_violation fault,
// or returns nil when the graph passes.
func ValidateOrError(g *Graph) error {
	var msgs []string
	for _, d := range Validate(g) {
		if d.Severity == SeverityError {
			msgs = append(msgs, d.String())
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fault.New(fault.SchemaViolation, "graph validation failed: %s", strings.Join(msgs, "; "))
}

// Errors filters diagnostics down to the ERROR severity.
func Errors(diags []Diagnostic) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

func lintNodeIDs(g *Graph) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]bool{}
	for _, n := range g.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			diags = append(diags, Diagnostic{
				Rule:     "node_id_present",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node labeled %q has no id", n.Label),
			})
			continue
		}
		if seen[n.ID] {
			diags = append(diags, Diagnostic{
				Rule:     "node_id_unique",
				Severity: SeverityError,
				Message:  "duplicate node id",
				NodeID:   n.ID,
			})
		}
		seen[n.ID] = true
	}
	return diags
}

func lintNodeVocabulary(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.Nodes {
		if !n.Type.Valid() {
			diags = append(diags, Diagnostic{
				Rule:     "node_type_known",
				Severity: SeverityError,
				Message:  fmt.Sprintf("unknown node type %q", n.Type),
				NodeID:   n.ID,
			})
		}
		if n.Confidence != "" && !nodeConfidences[n.Confidence] {
			diags = append(diags, Diagnostic{
				Rule:     "node_confidence_known",
				Severity: SeverityError,
				Message:  fmt.Sprintf("unknown confidence %q", n.Confidence),
				NodeID:   n.ID,
			})
		}
		if n.ConfidenceScore != nil && (*n.ConfidenceScore < 0 || *n.ConfidenceScore > 1) {
			diags = append(diags, Diagnostic{
				Rule:     "node_confidence_score_range",
				Severity: SeverityError,
				Message:  fmt.Sprintf("confidenceScore %v outside [0,1]", *n.ConfidenceScore),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintParents(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.Nodes {
		if n.Parent == "" {
			continue
		}
		if g.Node(n.Parent) == nil {
			diags = append(diags, Diagnostic{
				Rule:     "parent_exists",
				Severity: SeverityError,
				Message:  fmt.Sprintf("parent %q does not resolve to a node", n.Parent),
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintEdgeEndpoints(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if g.Node(e.Source) == nil {
			diags = append(diags, Diagnostic{
				Rule:     "edge_source_exists",
				Severity: SeverityError,
				Message:  fmt.Sprintf("source %q does not resolve to a node", e.Source),
				EdgeFrom: e.Source,
				EdgeTo:   e.Target,
			})
		}
		if g.Node(e.Target) == nil {
			diags = append(diags, Diagnostic{
				Rule:     "edge_target_exists",
				Severity: SeverityError,
				Message:  fmt.Sprintf("target %q does not resolve to a node", e.Target),
				EdgeFrom: e.Source,
				EdgeTo:   e.Target,
			})
		}
	}
	return diags
}

func lintEdgeVocabulary(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		// A noun-form type is a collision with the node vocabulary, not
		// merely unknown; report it as such.
		if nodeTypes[NodeType(e.Type)] {
			diags = append(diags, Diagnostic{
				Rule:     "edge_type_verb_form",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge type %q collides with a node type", e.Type),
				EdgeFrom: e.Source,
				EdgeTo:   e.Target,
			})
		} else if !e.Type.Valid() {
			diags = append(diags, Diagnostic{
				Rule:     "edge_type_known",
				Severity: SeverityError,
				Message:  fmt.Sprintf("unknown edge type %q", e.Type),
				EdgeFrom: e.Source,
				EdgeTo:   e.Target,
			})
			continue
		}
		if e.Confidence != nil && (*e.Confidence < 0 || *e.Confidence > 1) {
			diags = append(diags, Diagnostic{
				Rule:     "edge_confidence_range",
				Severity: SeverityError,
				Message:  fmt.Sprintf("confidence %v outside [0,1]", *e.Confidence),
				EdgeFrom: e.Source,
				EdgeTo:   e.Target,
			})
		}
		if e.Weight < 0 {
			diags = append(diags, Diagnostic{
				Rule:     "edge_weight_nonnegative",
				Severity: SeverityError,
				Message:  fmt.Sprintf("weight %d is negative", e.Weight),
				EdgeFrom: e.Source,
				EdgeTo:   e.Target,
			})
		}
		if e.Type == EdgeEvidence && len(e.Citations) == 0 {
			diags = append(diags, Diagnostic{
				Rule:     "evidence_edge_cited",
				Severity: SeverityWarning,
				Message:  "evidence edge carries no citations",
				EdgeFrom: e.Source,
				EdgeTo:   e.Target,
			})
		}
	}
	return diags
}

func lintEdgeDomainRange(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		rule, ok := edgeTypeTable[e.Type]
		if !ok {
			continue // unknown type already reported
		}
		src, dst := g.Node(e.Source), g.Node(e.Target)
		if src != nil && !rule.sources[src.Type] {
			diags = append(diags, Diagnostic{
				Rule:     "edge_domain",
				Severity: SeverityError,
				Message:  fmt.Sprintf("%s edge cannot start at %s node (allowed: %s)", e.Type, src.Type, allowedList(rule.sources)),
				EdgeFrom: e.Source,
				EdgeTo:   e.Target,
			})
		}
		if dst != nil && !rule.targets[dst.Type] {
			diags = append(diags, Diagnostic{
				Rule:     "edge_range",
				Severity: SeverityError,
				Message:  fmt.Sprintf("%s edge cannot end at %s node (allowed: %s)", e.Type, dst.Type, allowedList(rule.targets)),
				EdgeFrom: e.Source,
				EdgeTo:   e.Target,
			})
		}
	}
	return diags
}

func lintTopicCoverage(g *Graph) []Diagnostic {
	var diags []Diagnostic
	for _, n := range g.Nodes {
		if n.Type == NodeDomain {
			continue
		}
		topic, ok := g.Topics[n.ID]
		if !ok {
			diags = append(diags, Diagnostic{
				Rule:     "topic_coverage",
				Severity: SeverityError,
				Message:  "non-domain node has no topic entry",
				NodeID:   n.ID,
			})
			continue
		}
		hasContent := false
		for _, s := range topic.Sections {
			if strings.TrimSpace(s.Body) != "" || strings.TrimSpace(s.Heading) != "" {
				hasContent = true
				break
			}
		}
		if !hasContent {
			diags = append(diags, Diagnostic{
				Rule:     "topic_has_section",
				Severity: SeverityError,
				Message:  "topic entry has no non-empty section",
				NodeID:   n.ID,
			})
		}
	}
	return diags
}

func lintIsolatedNodes(g *Graph) []Diagnostic {
	// Connected means: endpoint of some edge, or referenced as another
	// node's parent. A node's own parent link does not connect it.
	connected := map[string]bool{}
	for _, e := range g.Edges {
		connected[e.Source] = true
		connected[e.Target] = true
	}
	for _, n := range g.Nodes {
		if n.Parent != "" {
			connected[n.Parent] = true
		}
	}
	var diags []Diagnostic
	for _, n := range g.Nodes {
		if n.Type == NodeDomain || connected[n.ID] {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:     "node_connected",
			Severity: SeverityError,
			Message:  "non-domain node appears in no edge and no parent link",
			NodeID:   n.ID,
		})
	}
	return diags
}
