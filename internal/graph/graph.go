// Package graph holds the typed knowledge graph: node and edge vocabulary,
// the builder the synthesis phase feeds, and the validator that gates a
// project's final artifact.
package graph

import (
	"encoding/json"
	"time"

	"github.com/veracity-research/veracity/internal/fault"
	"github.com/veracity-research/veracity/internal/research"
)

// NodeType is the closed node vocabulary.
type NodeType string

const (
	NodeDomain         NodeType = "domain"
	NodeContaminant    NodeType = "contaminant"
	NodeHealthEffect   NodeType = "health-effect"
	NodeSolution       NodeType = "solution"
	NodeProduct        NodeType = "product"
	NodeRecommendation NodeType = "recommendation"
	NodeContext        NodeType = "context"
	NodeInvestigation  NodeType = "investigation"
)

var nodeTypes = map[NodeType]bool{
	NodeDomain: true, NodeContaminant: true, NodeHealthEffect: true,
	NodeSolution: true, NodeProduct: true, NodeRecommendation: true,
	NodeContext: true, NodeInvestigation: true,
}

func (t NodeType) Valid() bool { return nodeTypes[t] }

// EdgeType is the closed edge vocabulary. Edge types are verb forms so they
// can never collide with node type names.
type EdgeType string

const (
	EdgeCausation      EdgeType = "causation"
	EdgeEvidence       EdgeType = "evidence"
	EdgeComposition    EdgeType = "composition"
	EdgeAddresses      EdgeType = "addresses"
	EdgeGap            EdgeType = "gap"
	EdgeContextualizes EdgeType = "contextualizes"
	EdgeInvestigates   EdgeType = "investigates"
)

var edgeTypes = map[EdgeType]bool{
	EdgeCausation: true, EdgeEvidence: true, EdgeComposition: true,
	EdgeAddresses: true, EdgeGap: true, EdgeContextualizes: true,
	EdgeInvestigates: true,
}

func (t EdgeType) Valid() bool { return edgeTypes[t] }

// Node confidence labels carried over from pathway verdicts.
var nodeConfidences = map[string]bool{
	"verified": true, "plausible": true, "unverified": true, "disputed": true,
}

type Node struct {
	ID              string         `json:"id"`
	Label           string         `json:"label"`
	Type            NodeType       `json:"type"`
	Severity        string         `json:"severity,omitempty"`
	Confidence      string         `json:"confidence,omitempty"`
	ConfidenceScore *float64       `json:"confidenceScore,omitempty"`
	Parent          string         `json:"parent,omitempty"`
	Summary         string         `json:"summary,omitempty"`
	KeyStats        map[string]any `json:"keyStats,omitempty"`
}

type Edge struct {
	Source     string              `json:"source"`
	Target     string              `json:"target"`
	Label      string              `json:"label"`
	Type       EdgeType            `json:"type"`
	Confidence *float64            `json:"confidence,omitempty"`
	Weight     int                 `json:"weight,omitempty"`
	Citations  []research.Citation `json:"citations,omitempty"`
}

// Section is one block of per-topic content. A bare JSON string decodes as
// a body-only section.
type Section struct {
	Heading string `json:"heading,omitempty"`
	Body    string `json:"body"`
}

func (s *Section) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var body string
		if err := json.Unmarshal(b, &body); err != nil {
			return err
		}
		*s = Section{Body: body}
		return nil
	}
	type plain Section
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = Section(p)
	return nil
}

type Topic struct {
	Title       string              `json:"title"`
	Sections    []Section           `json:"sections"`
	Citations   []research.Citation `json:"citations,omitempty"`
	DataSources []string            `json:"dataSources,omitempty"`
}

type Meta struct {
	Topic                  string         `json:"topic"`
	ProjectID              string         `json:"projectId"`
	CreatedAt              time.Time      `json:"createdAt"`
	PipelineVersion        string         `json:"pipelineVersion"`
	NodeCount              int            `json:"nodeCount"`
	EdgeCount              int            `json:"edgeCount"`
	ConfidenceDistribution map[string]int `json:"confidenceDistribution,omitempty"`
}

type Graph struct {
	Meta   Meta             `json:"meta"`
	Nodes  []Node           `json:"nodes"`
	Edges  []Edge           `json:"edges"`
	Topics map[string]Topic `json:"topics"`
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// NodesOfType returns nodes of the given type in declaration order.
func (g *Graph) NodesOfType(types ...NodeType) []Node {
	want := map[NodeType]bool{}
	for _, t := range types {
		want[t] = true
	}
	var out []Node
	for _, n := range g.Nodes {
		if want[n.Type] {
			out = append(out, n)
		}
	}
	return out
}

// CitationCount sums edge and topic citations.
func (g *Graph) CitationCount() int {
	n := 0
	for _, e := range g.Edges {
		n += len(e.Citations)
	}
	for _, t := range g.Topics {
		n += len(t.Citations)
	}
	return n
}

// Decode parses a graph produced by a synthesis worker. Decoding is
// tolerant of extra fields; the validator owns semantic rejection.
func Decode(raw []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fault.Wrap(fault.OutputParse, err, "decoding graph")
	}
	if g.Topics == nil {
		g.Topics = map[string]Topic{}
	}
	return &g, nil
}
