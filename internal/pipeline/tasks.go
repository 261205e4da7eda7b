package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/veracity-research/veracity/internal/extract"
	"github.com/veracity-research/veracity/internal/graph"
	"github.com/veracity-research/veracity/internal/research"
	"github.com/veracity-research/veracity/internal/sources"
)

// priorProjects and priorNodes bound the prior-research block: at most
// priorProjects related projects, at most priorNodes actionable nodes each.
const (
	priorProjects = 3
	priorNodes    = 5
)

var evidenceTypeList = "SCI, GOV, ORG, EXP, STA, FIN, DOC, MED, HIS, TES, TEC"

var planFragment = map[string]any{
	"type":     "object",
	"required": []any{"subQuestions"},
	"properties": map[string]any{
		"subQuestions": map[string]any{
			"type":     "array",
			"minItems": 5,
			"maxItems": 8,
			"items": map[string]any{
				"type":     "object",
				"required": []any{"id", "text"},
				"properties": map[string]any{
					"id":   map[string]any{"type": "string"},
					"text": map[string]any{"type": "string"},
					"expectedEvidenceTypes": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
				},
			},
		},
	},
}

var classifyFragment = map[string]any{
	"type":     "object",
	"required": []any{"items"},
	"properties": map[string]any{
		"items": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"required": []any{
					"subQuestionId", "type", "description", "citation",
					"sourceReliability", "informationCredibility",
				},
				"properties": map[string]any{
					"evidenceId":    map[string]any{"type": "string"},
					"subQuestionId": map[string]any{"type": "string"},
					"type":          map[string]any{"type": "string"},
					"description":   map[string]any{"type": "string"},
					"citation": map[string]any{
						"anyOf": []any{
							map[string]any{"type": "string"},
							map[string]any{"type": "object"},
						},
					},
					"sourceReliability":      map[string]any{"type": "string", "pattern": "^[A-F]$"},
					"informationCredibility": map[string]any{"type": "integer", "minimum": 1, "maximum": 6},
					"triggeredPathway":       map[string]any{"type": "string"},
				},
			},
		},
	},
}

var adjudicationFragment = map[string]any{
	"type":     "object",
	"required": []any{"consensusClaims"},
	"properties": map[string]any{
		"consensusClaims": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"claim", "consensusLevel"},
				"properties": map[string]any{
					"claim":          map[string]any{"type": "string"},
					"consensusLevel": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					"contrarian":     map[string]any{"type": "boolean"},
					"supportingEvidenceIds": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
				},
			},
		},
		"achMatrix": map[string]any{"type": "object"},
		"assumptions": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
}

var (
	planSchema         = mustSchema(planFragment)
	classifySchema     = mustSchema(classifyFragment)
	adjudicationSchema = mustSchema(adjudicationFragment)
)

func mustSchema(fragment map[string]any) *jsonschema.Schema {
	s, err := extract.CompileSchema(fragment)
	if err != nil {
		panic(err)
	}
	return s
}

// contractBlock renders the closing OUTPUT CONTRACT section the same way the
// pathway task builder does.
func contractBlock(fragment map[string]any) string {
	var b strings.Builder
	b.WriteString("\nOUTPUT CONTRACT\n")
	b.WriteString("Reply with exactly one JSON object satisfying this schema:\n")
	enc, err := json.MarshalIndent(fragment, "", "  ")
	if err == nil {
		b.Write(enc)
		b.WriteString("\n")
	}
	return b.String()
}

func (j *job) planTask() string {
	var b strings.Builder
	b.WriteString("PURPOSE\n")
	b.WriteString("Decompose a research topic into the sub-questions whose answers settle it.\n")
	b.WriteString("\nTOPIC\n")
	b.WriteString(j.project.Topic)
	b.WriteString("\n")
	b.WriteString("\nKEY TASKS\n")
	b.WriteString("1. Identify 5-8 sub-questions that together cover the topic's claims, mechanisms, scale, and remedies.\n")
	b.WriteString("2. Give each sub-question a short stable id: q1, q2, and so on.\n")
	fmt.Fprintf(&b, "3. For each sub-question, list the evidence types you expect it to surface, from: %s.\n", evidenceTypeList)
	b.WriteString("\nEND STATE\n")
	b.WriteString("A research plan another analyst could execute without further context.\n")
	b.WriteString(contractBlock(planFragment))
	return b.String()
}

func (j *job) classifyTask(batch []research.SubQuestion, prior, recommended string) string {
	var b strings.Builder
	b.WriteString("PURPOSE\n")
	b.WriteString("Survey the evidence landscape for a batch of sub-questions and classify every concrete evidence item you find.\n")
	b.WriteString("\nTOPIC\n")
	b.WriteString(j.project.Topic)
	b.WriteString("\n")
	b.WriteString("\nSUB-QUESTIONS\n")
	for _, sq := range batch {
		fmt.Fprintf(&b, "- %s: %s", sq.ID, sq.Text)
		if len(sq.ExpectedEvidenceTypes) > 0 {
			fmt.Fprintf(&b, " (expected: %s)", strings.Join(sq.ExpectedEvidenceTypes, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\nKEY TASKS\n")
	b.WriteString("1. Search the recommended and public sources for evidence bearing on each sub-question.\n")
	fmt.Fprintf(&b, "2. Classify each item into exactly one type: %s.\n", evidenceTypeList)
	b.WriteString("3. Rate source reliability A-F and information credibility 1-6.\n")
	b.WriteString("4. Cite every item; include doi, pmid, url, or year when known.\n")
	b.WriteString("5. Pick each item's triggeredPathway from the registered pathways below.\n")
	b.WriteString("\nPATHWAYS\n")
	for _, id := range j.e.pathways.IDs() {
		p, err := j.e.pathways.Get(id)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", p.ID, p.Trigger.EvidenceType, p.Name)
	}
	b.WriteString("\nEND STATE\n")
	b.WriteString("Every sub-question in this batch carries its classified, rated, and cited evidence items.\n")
	b.WriteString(contractBlock(classifyFragment))
	b.WriteString(prior)
	b.WriteString(recommended)
	return b.String()
}

func (j *job) adjudicateTask(sq research.SubQuestion, scored []research.AdjudicatedEvidence) string {
	var b strings.Builder
	b.WriteString("PURPOSE\n")
	b.WriteString("Adjudicate the investigated evidence for one sub-question and state the consensus claims it supports.\n")
	b.WriteString("\nTOPIC\n")
	b.WriteString(j.project.Topic)
	b.WriteString("\n")
	b.WriteString("\nSUB-QUESTION\n")
	fmt.Fprintf(&b, "%s: %s\n", sq.ID, sq.Text)
	b.WriteString("\nEVIDENCE\n")
	if len(scored) == 0 {
		b.WriteString("No evidence items survived classification for this sub-question.\n")
	}
	for _, ev := range scored {
		item, _ := j.itemByID(ev.EvidenceID)
		fmt.Fprintf(&b, "- %s [%s] confidence=%s (%s)\n", ev.EvidenceID, item.Type, ev.Confidence, confidenceLabel(ev.Confidence))
		if item.Description != "" {
			fmt.Fprintf(&b, "  description: %s\n", truncate(item.Description, 240))
		}
		if ev.ConfidenceRationale != "" {
			fmt.Fprintf(&b, "  rationale: %s\n", ev.ConfidenceRationale)
		}
		if len(ev.Flags) > 0 {
			fmt.Fprintf(&b, "  flags: %s\n", strings.Join(ev.Flags, ", "))
		}
		if len(ev.PathwayResults) > 0 {
			fmt.Fprintf(&b, "  runs: %s\n", strings.Join(ev.PathwayResults, ", "))
		}
	}
	b.WriteString("\nKEY TASKS\n")
	b.WriteString("1. Read the full level outputs under investigation/ in the project directory.\n")
	b.WriteString("2. Weigh the evidence with an analysis-of-competing-hypotheses matrix and return it as achMatrix.\n")
	b.WriteString("3. State each claim the evidence supports or rebuts, with a consensusLevel between 0 and 1.\n")
	b.WriteString("4. Mark claims resting on minority or contrarian positions with contrarian=true.\n")
	b.WriteString("5. Name each claim's supportingEvidenceIds.\n")
	b.WriteString("6. Record the assumptions your adjudication relies on.\n")
	b.WriteString("\nEND STATE\n")
	b.WriteString("A defensible consensus picture for the sub-question.\n")
	b.WriteString(contractBlock(adjudicationFragment))
	return b.String()
}

func (j *job) synthesizeTask() string {
	var b strings.Builder
	b.WriteString("PURPOSE\n")
	b.WriteString("Synthesize the project's adjudicated findings into the final typed knowledge graph.\n")
	b.WriteString("\nTOPIC\n")
	b.WriteString(j.project.Topic)
	b.WriteString("\n")
	b.WriteString("\nINPUTS\n")
	b.WriteString("Read these project artifacts before writing anything:\n")
	b.WriteString("- plan.json: the sub-question breakdown\n")
	b.WriteString("- evidence/manifest-*.json: the classified evidence\n")
	b.WriteString("- investigation/: per-level pathway outputs\n")
	b.WriteString("- adjudication/*-adjudicated.json: confidence verdicts and consensus claims\n")
	b.WriteString("\nADJUDICATION SUMMARY\n")
	b.WriteString("Confidence legend: V=verified P=plausible U=unverified D=disputed R=retracted.\n")
	for _, sq := range j.subQuestions {
		fmt.Fprintf(&b, "- %s: %s\n", sq.ID, sq.Text)
		for _, adj := range j.adjudications {
			if adj.SubQuestionID != sq.ID {
				continue
			}
			for _, ev := range adj.Evidence {
				fmt.Fprintf(&b, "  %s=%s", ev.EvidenceID, ev.Confidence)
				if len(ev.Flags) > 0 {
					fmt.Fprintf(&b, " [%s]", strings.Join(ev.Flags, ","))
				}
				b.WriteString("\n")
			}
			for _, c := range adj.ConsensusClaims {
				fmt.Fprintf(&b, "  claim (%.2f): %s\n", c.ConsensusLevel, truncate(c.Claim, 200))
				if c.ContrarianAnalysisTriggered {
					fmt.Fprintf(&b, "    contrarian analysis: %s\n", c.ContrarianResult)
				}
			}
		}
	}
	b.WriteString("\nKEY TASKS\n")
	b.WriteString("1. Model the findings as nodes typed: domain, contaminant, health-effect, solution, product, recommendation, context, investigation.\n")
	b.WriteString("2. Connect them with verb-form edges and respect each type's endpoints:\n")
	b.WriteString("   causation: contaminant|context -> health-effect\n")
	b.WriteString("   evidence, gap, investigates: investigation -> any non-domain node\n")
	b.WriteString("   composition: product|contaminant -> contaminant\n")
	b.WriteString("   addresses: solution|product|recommendation -> contaminant|health-effect|context\n")
	b.WriteString("   contextualizes: context -> any non-domain node\n")
	b.WriteString("3. Carry claim confidence from the adjudication as verified, plausible, unverified, or disputed. Retracted evidence appears only through disputed claims or gap edges.\n")
	b.WriteString("4. Attach the underlying citations to every evidence edge.\n")
	b.WriteString("5. Write a topics entry for every non-domain node, keyed by its node id, with at least one non-empty section.\n")
	b.WriteString("6. Connect every non-domain node to the graph through an edge or a parent link.\n")
	b.WriteString("\nEND STATE\n")
	b.WriteString("One knowledge graph that passes structural validation.\n")
	b.WriteString("\nOUTPUT CONTRACT\n")
	b.WriteString("Reply with exactly one JSON object shaped as:\n")
	b.WriteString(`{
  "nodes": [{"id": "", "label": "", "type": "", "confidence": "", "parent": "", "summary": ""}],
  "edges": [{"source": "", "target": "", "label": "", "type": "", "citations": [{"text": ""}]}],
  "topics": {"<nodeId>": {"title": "", "sections": [{"heading": "", "body": ""}]}}
}
`)
	b.WriteString(j.priorResearchBlock())
	return b.String()
}

// priorResearchBlock renders related completed projects so workers reuse and
// cite earlier findings instead of re-deriving them. Empty when the index is
// absent or finds nothing.
func (j *job) priorResearchBlock() string {
	if j.e.index == nil {
		return ""
	}
	entries := j.e.index.Search(j.project.Topic, priorProjects)
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nPRIOR RESEARCH\n")
	b.WriteString("Completed projects related to this topic. Cite the source projectId when you rely on a finding.\n")
	for _, entry := range entries {
		raw, err := j.e.store.GetGraph(entry.ProjectID)
		if err != nil {
			j.e.logger.Debug("prior graph unavailable",
				zap.String("projectId", entry.ProjectID),
				zap.Error(err))
			continue
		}
		g, err := graph.Decode(raw)
		if err != nil {
			j.e.logger.Debug("prior graph unreadable",
				zap.String("projectId", entry.ProjectID),
				zap.Error(err))
			continue
		}
		fmt.Fprintf(&b, "- %s: %s (completed %s)\n", entry.ProjectID, entry.Topic, entry.CompletedAt.Format("2006-01-02"))
		nodes := g.NodesOfType(graph.NodeRecommendation, graph.NodeProduct, graph.NodeSolution)
		if len(nodes) > priorNodes {
			nodes = nodes[:priorNodes]
		}
		for _, n := range nodes {
			line := n.Summary
			if line == "" {
				line = n.Label
			}
			fmt.Fprintf(&b, "  %s %q: %s\n", n.Type, n.Label, truncate(line, 240))
		}
	}
	return b.String()
}

// sourcesBlock renders the curated sources matched to the project topic.
func (j *job) sourcesBlock() string {
	if j.e.sources == nil {
		return ""
	}
	block := sources.FormatForTask(j.e.sources.Match(j.project.Topic, 0))
	if block == "" {
		return ""
	}
	return "\n" + block
}

func confidenceLabel(c research.Confidence) string {
	switch c {
	case research.ConfidenceVerified:
		return "verified"
	case research.ConfidencePlausible:
		return "plausible"
	case research.ConfidenceUnverified:
		return "unverified"
	case research.ConfidenceDisputed:
		return "disputed"
	case research.ConfidenceRetracted:
		return "retracted"
	}
	return string(c)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
