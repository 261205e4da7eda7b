package graph

import (
	"strings"
	"time"

	"github.com/veracity-research/veracity/internal/fault"
	"github.com/veracity-research/veracity/internal/research"
)

// Builder accumulates a graph under construction. It enforces vocabulary
// and id uniqueness at insert time; structural invariants wait for the
// validator so nodes and edges can arrive in any order.
type Builder struct {
	meta   Meta
	nodes  []Node
	byID   map[string]int
	edges  []Edge
	topics map[string]Topic
}

func NewBuilder(topic, projectID, pipelineVersion string) *Builder {
	return &Builder{
		meta: Meta{
			Topic:           topic,
			ProjectID:       projectID,
			CreatedAt:       time.Now().UTC(),
			PipelineVersion: pipelineVersion,
		},
		byID:   map[string]int{},
		topics: map[string]Topic{},
	}
}

// NodeOpts carries the optional node fields. Zero values are omitted.
type NodeOpts struct {
	Severity        string
	Confidence      string
	ConfidenceScore *float64
	Parent          string
	Summary         string
	KeyStats        map[string]any
	// NormalizeLabel uppercases the label. Callers that already control
	// casing leave it off.
	NormalizeLabel bool
}

// AddNode appends a typed node. Duplicate ids and unknown types are
// rejected.
func (b *Builder) AddNode(id, label string, typ NodeType, opts NodeOpts) (*Node, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fault.New(fault.InvalidInput, "node id is empty")
	}
	if !typ.Valid() {
		return nil, fault.New(fault.InvalidInput, "node %s has unknown type %q", id, typ)
	}
	if _, dup := b.byID[id]; dup {
		return nil, fault.New(fault.InvalidInput, "node id %s already present", id)
	}
	if opts.NormalizeLabel {
		label = strings.ToUpper(label)
	}
	n := Node{
		ID:              id,
		Label:           label,
		Type:            typ,
		Severity:        opts.Severity,
		Confidence:      opts.Confidence,
		ConfidenceScore: opts.ConfidenceScore,
		Parent:          opts.Parent,
		Summary:         opts.Summary,
		KeyStats:        opts.KeyStats,
	}
	b.nodes = append(b.nodes, n)
	b.byID[id] = len(b.nodes) - 1
	return &b.nodes[len(b.nodes)-1], nil
}

// EdgeOpts carries the optional edge fields. Citation is the legacy
// single-string form and lands in Citations as {text: ...}.
type EdgeOpts struct {
	Confidence *float64
	Weight     int
	Citations  []research.Citation
	Citation   string
}

// AddEdge appends a typed edge. Endpoint existence is a validator concern;
// the builder only rejects vocabulary violations.
func (b *Builder) AddEdge(source, target, label string, typ EdgeType, opts EdgeOpts) (*Edge, error) {
	if strings.TrimSpace(source) == "" || strings.TrimSpace(target) == "" {
		return nil, fault.New(fault.InvalidInput, "edge %s->%s missing an endpoint", source, target)
	}
	if !typ.Valid() {
		return nil, fault.New(fault.InvalidInput, "edge %s->%s has unknown type %q", source, target, typ)
	}
	citations := opts.Citations
	if opts.Citation != "" {
		citations = append(citations, research.Citation{Text: opts.Citation})
	}
	e := Edge{
		Source:     source,
		Target:     target,
		Label:      label,
		Type:       typ,
		Confidence: opts.Confidence,
		Weight:     opts.Weight,
		Citations:  citations,
	}
	b.edges = append(b.edges, e)
	return &b.edges[len(b.edges)-1], nil
}

// SetTopic attaches per-node content. Re-setting a topic replaces it.
func (b *Builder) SetTopic(nodeID string, t Topic) {
	b.topics[nodeID] = t
}

// HasNode reports whether id was added.
func (b *Builder) HasNode(id string) bool {
	_, ok := b.byID[id]
	return ok
}

// Build finalizes counts and the confidence distribution and returns the
// graph. The builder stays usable; Build may be called again after more
// inserts.
func (b *Builder) Build() *Graph {
	dist := map[string]int{}
	for _, n := range b.nodes {
		if n.Confidence != "" {
			dist[n.Confidence]++
		}
	}
	meta := b.meta
	meta.NodeCount = len(b.nodes)
	meta.EdgeCount = len(b.edges)
	if len(dist) > 0 {
		meta.ConfidenceDistribution = dist
	}
	topics := make(map[string]Topic, len(b.topics))
	for k, v := range b.topics {
		topics[k] = v
	}
	return &Graph{
		Meta:   meta,
		Nodes:  append([]Node(nil), b.nodes...),
		Edges:  append([]Edge(nil), b.edges...),
		Topics: topics,
	}
}
