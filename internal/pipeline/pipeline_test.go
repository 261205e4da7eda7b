package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/veracity-research/veracity/internal/events"
	"github.com/veracity-research/veracity/internal/fault"
	"github.com/veracity-research/veracity/internal/graph"
	"github.com/veracity-research/veracity/internal/index"
	"github.com/veracity-research/veracity/internal/pathway"
	"github.com/veracity-research/veracity/internal/research"
	"github.com/veracity-research/veracity/internal/store"
	"github.com/veracity-research/veracity/internal/strategos"
	"github.com/veracity-research/veracity/internal/tree"
)

// pipeSciDef is a single-level scientific pathway so each manifest item costs
// exactly one investigation worker.
const pipeSciDef = `{
  "id": "P-SCI",
  "name": "Scientific claim verification",
  "version": "1.0.0",
  "trigger": {"evidenceType": "SCI"},
  "levels": [
    {
      "label": "L1",
      "depth": 1,
      "task": {
        "purpose": "Locate and grade the primary study behind {evidence.description}",
        "keyTasks": ["Find the original publication"],
        "endState": "Primary study graded"
      },
      "requiredOutputs": {
        "type": "object",
        "required": ["evidenceFound"],
        "properties": {"evidenceFound": {"type": "boolean"}}
      }
    }
  ],
  "exitCriteria": {"minimumSources": 1, "requiredLevels": 1}
}`

// pipeConDef triggers on EXP so ordinary SCI evidence never routes into the
// contrarian pathway by type.
const pipeConDef = `{
  "id": "P-CON",
  "name": "Contrarian stress test",
  "version": "1.0.0",
  "trigger": {"evidenceType": "EXP"},
  "levels": [
    {
      "label": "C1",
      "depth": 1,
      "workerTemplate": "review",
      "task": {
        "purpose": "Find the strongest credible counter-argument to: {evidence.description}",
        "keyTasks": ["Search for methodological critiques and conflicting findings"],
        "endState": "Counter-argument strength assessed"
      }
    }
  ],
  "exitCriteria": {"minimumSources": 1, "requiredLevels": 1}
}`

type scriptedWorker struct {
	output string
	fail   string
	hang   bool
}

// fakeOrchestrator scripts worker outcomes per the last label segment: "plan",
// "b1", "q1", "L1", "C1", "synthesize". Each spawn of a segment consumes the
// next scripted entry.
type fakeOrchestrator struct {
	mu      sync.Mutex
	seq     int
	script  map[string][]scriptedWorker
	byID    map[string]scriptedWorker
	labels  map[string]string
	spawns  []strategos.SpawnRequest
	deleted []string
	gone    map[string]bool
}

func newFake(script map[string][]scriptedWorker) *fakeOrchestrator {
	return &fakeOrchestrator{
		script: script,
		byID:   map[string]scriptedWorker{},
		labels: map[string]string{},
		gone:   map[string]bool{},
	}
}

func lastSegment(label string) string {
	return label[strings.LastIndex(label, "/")+1:]
}

func (f *fakeOrchestrator) stateOf(sw scriptedWorker) string {
	switch {
	case sw.hang:
		return "running"
	case sw.fail != "":
		return "failed"
	default:
		return "done"
	}
}

func (f *fakeOrchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/workers":
		var req strategos.SpawnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.spawns = append(f.spawns, req)
		var sw scriptedWorker
		if queue := f.script[lastSegment(req.Label)]; len(queue) > 0 {
			sw, f.script[lastSegment(req.Label)] = queue[0], queue[1:]
		}
		f.seq++
		id := fmt.Sprintf("w-%d", f.seq)
		f.byID[id] = sw
		f.labels[id] = req.Label
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"workerId": id})
	case r.Method == http.MethodGet && r.URL.Path == "/api/workers":
		prefix := r.URL.Query().Get("label")
		type entry struct {
			WorkerID string `json:"workerId"`
			Label    string `json:"label"`
			State    string `json:"state"`
		}
		var workers []entry
		for id, sw := range f.byID {
			if f.gone[id] || !strings.HasPrefix(f.labels[id], prefix) {
				continue
			}
			workers = append(workers, entry{WorkerID: id, Label: f.labels[id], State: f.stateOf(sw)})
		}
		json.NewEncoder(w).Encode(map[string]any{"workers": workers})
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/status"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/workers/"), "/status")
		sw := f.byID[id]
		switch f.stateOf(sw) {
		case "failed":
			json.NewEncoder(w).Encode(map[string]string{"state": "failed", "error": sw.fail})
		default:
			json.NewEncoder(w).Encode(map[string]string{"state": f.stateOf(sw)})
		}
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/output"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/workers/"), "/output")
		fmt.Fprint(w, f.byID[id].output)
	case r.Method == http.MethodDelete:
		id := strings.TrimPrefix(r.URL.Path, "/api/workers/")
		f.deleted = append(f.deleted, id)
		f.gone[id] = true
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeOrchestrator) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

// labelCounts tallies spawns by last label segment.
func (f *fakeOrchestrator) labelCounts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[string]int{}
	for _, s := range f.spawns {
		counts[lastSegment(s.Label)]++
	}
	return counts
}

// spawnTask returns the nth task description sent for the label segment.
func (f *fakeOrchestrator) spawnTask(segment string, n int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := 0
	for _, s := range f.spawns {
		if lastSegment(s.Label) != segment {
			continue
		}
		if seen == n {
			return s.TaskDescription
		}
		seen++
	}
	return ""
}

func (f *fakeOrchestrator) wasDeleted(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.deleted {
		if d == id {
			return true
		}
	}
	return false
}

type harness struct {
	fake    *fakeOrchestrator
	engine  *Engine
	store   *store.Store
	bus     *events.Bus
	index   *index.Index
	project *research.Project
}

func newHarness(t *testing.T, script map[string][]scriptedWorker) *harness {
	t.Helper()
	fake := newFake(script)
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := strategos.New(strategos.Options{
		BaseURL:      srv.URL,
		PollInterval: time.Millisecond,
		Backoff:      strategos.Backoff{InitialDelayMS: 1, MaxDelayMS: 2, MaxAttempts: 2},
	})
	if err != nil {
		t.Fatalf("strategos.New: %v", err)
	}
	root := t.TempDir()
	st, err := store.New(root, nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	proj, err := st.Create("glyphosate residues in drinking water", research.ProjectConfig{InvestigationBudget: 10})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	reg, err := pathway.LoadFS(fstest.MapFS{
		"p-sci.json": &fstest.MapFile{Data: []byte(pipeSciDef)},
		"p-con.json": &fstest.MapFile{Data: []byte(pipeConDef)},
	})
	if err != nil {
		t.Fatalf("LoadFS: %v", err)
	}
	bus := events.New(nil)
	t.Cleanup(bus.Close)
	runner := tree.NewRunner(tree.Options{Workers: client, Store: st, Bus: bus, DefaultTimeout: 100 * time.Millisecond})
	ix, err := index.New(index.Options{DataRoot: root})
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	eng, err := New(Options{
		Store:           st,
		Workers:         client,
		Pathways:        reg,
		Runner:          runner,
		Index:           ix,
		Bus:             bus,
		WorkerTimeout:   2 * time.Second,
		ClassifyWorkers: 3,
		PipelineVersion: "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{fake: fake, engine: eng, store: st, bus: bus, index: ix, project: proj}
}

// jsonOut wraps a payload in the narration workers produce around their JSON.
func jsonOut(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return "Notes precede the payload.\n" + string(b)
}

func planOut(t *testing.T) string {
	t.Helper()
	return jsonOut(t, map[string]any{
		"subQuestions": []map[string]any{
			{"id": "q1", "text": "What residue levels appear in municipal water?", "expectedEvidenceTypes": []string{"SCI"}},
			{"id": "q2", "text": "What tolerances do regulators allow?", "expectedEvidenceTypes": []string{"SCI"}},
			{"id": "q3", "text": "What health effects are established?", "expectedEvidenceTypes": []string{"SCI"}},
			{"id": "q4", "text": "Which removal methods work at treatment plants?", "expectedEvidenceTypes": []string{"SCI"}},
			{"id": "q5", "text": "Who disputes the mainstream exposure estimates?", "expectedEvidenceTypes": []string{"SCI"}},
		},
	})
}

func cleanLevelOut(t *testing.T) string {
	t.Helper()
	return jsonOut(t, map[string]any{
		"evidenceFound": true,
		"sourceRating":  "A",
		"infoRating":    1,
		"findings":      map[string]any{"summary": "confirmed"},
		"branchSignals": map[string]any{},
	})
}

func emptyClaims(t *testing.T) string {
	t.Helper()
	return jsonOut(t, map[string]any{"consensusClaims": []any{}})
}

const validGraphOut = `The graph follows.
{
  "nodes": [
    {"id": "glyphosate", "label": "Glyphosate", "type": "contaminant", "confidence": "plausible", "summary": "Residues recur in municipal sampling."},
    {"id": "inv-residue", "label": "Residue evidence review", "type": "investigation", "confidence": "verified"}
  ],
  "edges": [
    {"source": "inv-residue", "target": "glyphosate", "label": "supports", "type": "evidence", "citations": ["Zhang et al. 2019"]}
  ],
  "topics": {
    "glyphosate": {"title": "Glyphosate", "sections": [{"heading": "Levels", "body": "Detected at 0.1 to 0.7 ppb."}]},
    "inv-residue": {"title": "Residue evidence review", "sections": ["Three pathway runs, all confirming."]}
  }
}`

// rejectedGraphOut fails validation twice over: no topic entry and no
// connection for the only node.
const rejectedGraphOut = `{"nodes": [{"id": "orphan", "label": "Orphan", "type": "contaminant"}], "edges": [], "topics": {}}`

func waitFor(t *testing.T, d time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func projectStatus(t *testing.T, h *harness) research.Status {
	t.Helper()
	p, err := h.store.Get(h.project.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return p.Status
}

func TestNewRequiresCoreDependencies(t *testing.T) {
	if _, err := New(Options{}); !fault.Is(err, fault.InvalidInput) {
		t.Fatalf("New(empty) err = %v, want invalid_input", err)
	}
}

func TestRunDrivesProjectToCompletion(t *testing.T) {
	h := newHarness(t, map[string][]scriptedWorker{
		"plan": {{output: planOut(t)}},
		"b1": {{output: jsonOut(t, map[string]any{"items": []map[string]any{
			{
				"evidenceId": "e1", "subQuestionId": "q1", "type": "SCI",
				"description": "cohort study links exposure to NHL",
				"citation":    "Zhang et al. 2019",
				"sourceReliability": "A", "informationCredibility": 1,
				"triggeredPathway": "P-SCI",
			},
			{
				"evidenceId": "e2", "subQuestionId": "q2", "type": "SCI",
				"description": "EPA tolerance reassessment",
				"citation":    map[string]any{"text": "EPA 2020", "url": "https://epa.gov/x", "year": 2020},
				"sourceReliability": "B", "informationCredibility": 2,
				"triggeredPathway": "P-SCI",
			},
		}})}},
		// b2's item omits evidenceId and triggeredPathway and uses a
		// lowercase type; fuseEvidence must repair all three.
		"b2": {{output: jsonOut(t, map[string]any{"items": []map[string]any{
			{
				"subQuestionId": "q3", "type": "sci",
				"description": "meta-analysis of municipal sampling",
				"citation":    "Cohort Consortium 2021",
				"sourceReliability": "B", "informationCredibility": 2,
			},
		}})}},
		"b3": {{output: jsonOut(t, map[string]any{"items": []any{}})}},
		"L1": {{output: cleanLevelOut(t)}, {output: cleanLevelOut(t)}, {output: cleanLevelOut(t)}},
		"q1": {{output: jsonOut(t, map[string]any{
			"consensusClaims": []map[string]any{
				{"claim": "residue levels exceed informal EU benchmarks in rural wells", "consensusLevel": 0.6, "supportingEvidenceIds": []string{"e1"}},
			},
			"achMatrix":   map[string]any{"hypotheses": []string{"exceedance real", "sampling artifact"}},
			"assumptions": []string{"EPA monitoring wells are representative"},
		})}},
		"q2":         {{output: emptyClaims(t)}},
		"q3":         {{output: emptyClaims(t)}},
		"q4":         {{output: emptyClaims(t)}},
		"q5":         {{output: emptyClaims(t)}},
		"synthesize": {{output: validGraphOut}},
	})

	if err := h.engine.Run(context.Background(), h.project.ID, research.PhasePlan); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := projectStatus(t, h); got != research.StatusComplete {
		t.Fatalf("status = %s, want complete", got)
	}
	if h.engine.Running(h.project.ID) {
		t.Fatalf("driver still registered after synchronous Run")
	}

	// plan 1 + classify 3 + investigate 3 + adjudicate 5 + synthesize 1.
	if got := h.fake.spawnCount(); got != 13 {
		t.Fatalf("spawns = %d, want 13 (labels: %v)", got, h.fake.labelCounts())
	}
	if task := h.fake.spawnTask("b1", 0); !strings.Contains(task, "- q1:") || !strings.Contains(task, "P-SCI") {
		t.Fatalf("classify task missing sub-questions or pathway list:\n%s", task)
	}
	if task := h.fake.spawnTask("q1", 0); !strings.Contains(task, "e1") || !strings.Contains(task, "confidence=P") {
		t.Fatalf("adjudicate task missing scored evidence:\n%s", task)
	}
	if task := h.fake.spawnTask("synthesize", 0); !strings.Contains(task, "ADJUDICATION SUMMARY") {
		t.Fatalf("synthesize task missing adjudication summary:\n%s", task)
	}

	var plan research.Plan
	if err := h.store.ReadArtifact(h.project.ID, "plan.json", &plan); err != nil {
		t.Fatalf("plan.json: %v", err)
	}
	if len(plan.SubQuestions) != 5 {
		t.Fatalf("plan has %d sub-questions, want 5", len(plan.SubQuestions))
	}

	var manifest research.EvidenceManifest
	if err := h.store.ReadArtifact(h.project.ID, "evidence/manifest-1.json", &manifest); err != nil {
		t.Fatalf("manifest-1: %v", err)
	}
	if len(manifest.Items) != 3 {
		t.Fatalf("manifest items = %d, want 3", len(manifest.Items))
	}
	repaired := manifest.Items[2]
	if repaired.EvidenceID != "e3" || repaired.TriggeredPathway != "P-SCI" || repaired.Type != research.EvidenceSCI {
		t.Fatalf("repaired item = %+v", repaired)
	}

	var results investigationResults
	if err := h.store.ReadArtifact(h.project.ID, "investigation/results.json", &results); err != nil {
		t.Fatalf("results.json: %v", err)
	}
	if len(results.Results) != 3 {
		t.Fatalf("pathway results = %d, want 3", len(results.Results))
	}
	for _, res := range results.Results {
		if res.Confidence != research.ConfidencePlausible {
			t.Fatalf("result %s confidence = %s, want P", res.EvidenceID, res.Confidence)
		}
	}

	var adj research.SubQuestionAdjudication
	if err := h.store.ReadArtifact(h.project.ID, "adjudication/q1-adjudicated.json", &adj); err != nil {
		t.Fatalf("q1-adjudicated: %v", err)
	}
	if len(adj.Evidence) != 1 || adj.Evidence[0].Confidence != research.ConfidencePlausible {
		t.Fatalf("q1 evidence = %+v", adj.Evidence)
	}
	if len(adj.ConsensusClaims) != 1 || adj.ConsensusClaims[0].ContrarianAnalysisTriggered {
		t.Fatalf("q1 claims = %+v, want one untriggered claim", adj.ConsensusClaims)
	}
	var ach achDoc
	if err := h.store.ReadArtifact(h.project.ID, "adjudication/q1-ach.json", &ach); err != nil {
		t.Fatalf("q1-ach: %v", err)
	}
	var assumptions assumptionsDoc
	if err := h.store.ReadArtifact(h.project.ID, "adjudication/assumptions.json", &assumptions); err != nil {
		t.Fatalf("assumptions: %v", err)
	}
	if len(assumptions.Assumptions) != 1 || assumptions.Assumptions[0].SubQuestionID != "q1" {
		t.Fatalf("assumptions = %+v", assumptions.Assumptions)
	}

	var g graph.Graph
	if err := h.store.ReadArtifact(h.project.ID, "graph.json", &g); err != nil {
		t.Fatalf("graph.json: %v", err)
	}
	if g.Meta.ProjectID != h.project.ID || g.Meta.PipelineVersion != "test" || g.Meta.NodeCount != 2 {
		t.Fatalf("graph meta = %+v", g.Meta)
	}
	if g.Meta.ConfidenceDistribution["plausible"] != 1 || g.Meta.ConfidenceDistribution["verified"] != 1 {
		t.Fatalf("confidence distribution = %v", g.Meta.ConfidenceDistribution)
	}

	var summary summaryDoc
	if err := h.store.ReadArtifact(h.project.ID, "summary-of-findings.json", &summary); err != nil {
		t.Fatalf("summary-of-findings: %v", err)
	}
	if summary.Totals.EvidenceItems != 3 || len(summary.SubQuestions) != 5 {
		t.Fatalf("summary totals = %+v, questions = %d", summary.Totals, len(summary.SubQuestions))
	}

	if h.index.Len() != 1 {
		t.Fatalf("index entries = %d, want 1", h.index.Len())
	}
	if entry := h.index.Entries()[0]; entry.Topic != h.project.Topic {
		t.Fatalf("index topic = %q", entry.Topic)
	}

	logs, err := h.store.ListArtifacts(h.project.ID, "logs/*.log")
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(logs) != 13 {
		t.Fatalf("worker logs = %d, want 13", len(logs))
	}
}

func TestPlanWorkerFailureFailsProject(t *testing.T) {
	h := newHarness(t, map[string][]scriptedWorker{
		"plan": {{fail: "sandbox crashed"}},
	})
	ch, cancel := h.bus.Subscribe(h.project.ID)
	defer cancel()

	err := h.engine.Run(context.Background(), h.project.ID, research.PhasePlan)
	if !fault.Is(err, fault.PermanentBackend) {
		t.Fatalf("Run err = %v, want permanent_backend", err)
	}
	p, getErr := h.store.Get(h.project.ID)
	if getErr != nil {
		t.Fatalf("Get: %v", getErr)
	}
	if p.Status != research.StatusError || !strings.Contains(p.LastError, "sandbox crashed") {
		t.Fatalf("status = %s lastError = %q", p.Status, p.LastError)
	}
	if got := h.fake.spawnCount(); got != 1 {
		t.Fatalf("spawns = %d, want 1 (worker failure must not retry)", got)
	}

	sawError := false
	for drained := false; !drained; {
		select {
		case ev := <-ch:
			if ev.Event == events.EventError {
				data := ev.Data.(map[string]any)
				if msg, _ := data["error"].(string); strings.Contains(msg, "sandbox crashed") {
					sawError = true
				}
				drained = true
			}
		default:
			drained = true
		}
	}
	if !sawError {
		t.Fatalf("no error_event observed")
	}
}

func TestUnusablePlanRetriedWithCorrection(t *testing.T) {
	// First plan reply passes the schema but repeats an id, so the
	// plan-level check rejects it; the corrective respawn succeeds. The
	// classify batches then return nothing, which fails the phase.
	badPlan := jsonOut(t, map[string]any{
		"subQuestions": []map[string]any{
			{"id": "q1", "text": "a"}, {"id": "q1", "text": "b"}, {"id": "q2", "text": "c"},
			{"id": "q3", "text": "d"}, {"id": "q4", "text": "e"},
		},
	})
	empty := func() scriptedWorker {
		return scriptedWorker{output: `{"items": []}`}
	}
	h := newHarness(t, map[string][]scriptedWorker{
		"plan": {{output: badPlan}, {output: planOut(t)}},
		"b1":   {empty()},
		"b2":   {empty()},
		"b3":   {empty()},
	})

	err := h.engine.Run(context.Background(), h.project.ID, research.PhasePlan)
	if !fault.Is(err, fault.InvariantViolation) {
		t.Fatalf("Run err = %v, want invariant_violation for empty classification", err)
	}
	counts := h.fake.labelCounts()
	if counts["plan"] != 2 {
		t.Fatalf("plan spawns = %d, want original + corrective", counts["plan"])
	}
	if task := h.fake.spawnTask("plan", 1); !strings.Contains(task, "CORRECTION") {
		t.Fatalf("corrective plan task missing CORRECTION section:\n%s", task)
	}
	var plan research.Plan
	if err := h.store.ReadArtifact(h.project.ID, "plan.json", &plan); err != nil {
		t.Fatalf("plan.json should exist after corrective retry: %v", err)
	}
	p, getErr := h.store.Get(h.project.ID)
	if getErr != nil {
		t.Fatalf("Get: %v", getErr)
	}
	if p.Status != research.StatusError || !strings.Contains(p.LastError, "no evidence items") {
		t.Fatalf("status = %s lastError = %q", p.Status, p.LastError)
	}
}

// adjudicationJob builds a job mid-pipeline: one sub-question whose single
// evidence item already carries a clean plausible pathway run.
func adjudicationJob(h *harness) *job {
	j := newJob(h.engine, h.project)
	j.phase = research.PhaseAdjudicate
	j.subQuestions = []research.SubQuestion{{ID: "q1", Text: "Do residues exceed regulatory limits?"}}
	item := research.EvidenceItem{
		EvidenceID:             "e1",
		SubQuestionID:          "q1",
		Type:                   research.EvidenceSCI,
		Description:            "cohort study links exposure to NHL",
		Citation:               research.Citation{Text: "Zhang et al. 2019"},
		SourceReliability:      "B",
		InformationCredibility: 2,
		TriggeredPathway:       "P-SCI",
	}
	j.items = []research.EvidenceItem{item}
	j.results["e1"] = []research.PathwayResult{{
		PathwayID:  "P-SCI",
		EvidenceID: "e1",
		Outputs: []research.LevelOutput{{
			Level: "L1", Depth: 1, EvidenceFound: true, SourceRating: "A",
		}},
		Confidence: research.ConfidencePlausible,
	}}
	j.executed["P-SCI|e1"] = true
	return j
}

func TestHighConsensusTriggersContrarian(t *testing.T) {
	claim := "glyphosate exceeds EPA limits in private wells"
	h := newHarness(t, map[string][]scriptedWorker{
		"q1": {{output: jsonOut(t, map[string]any{
			"consensusClaims": []map[string]any{
				{"claim": claim, "consensusLevel": 0.92, "supportingEvidenceIds": []string{"e1"}},
			},
		})}},
		"C1": {{output: jsonOut(t, map[string]any{
			"evidenceFound": true,
			"sourceRating":  "B",
			"findings":      map[string]any{"summary": "sampling bias in the exceedance studies"},
			"branchSignals": map[string]any{"counterStrength": "credible"},
		})}},
	})

	j := adjudicationJob(h)
	if err := j.adjudicate(context.Background()); err != nil {
		t.Fatalf("adjudicate: %v", err)
	}

	if got := h.fake.labelCounts(); got["q1"] != 1 || got["C1"] != 1 {
		t.Fatalf("spawns by label = %v, want one review and one contrarian", got)
	}
	if task := h.fake.spawnTask("C1", 0); !strings.Contains(task, claim) {
		t.Fatalf("contrarian task does not carry the claim:\n%s", task)
	}

	var adj research.SubQuestionAdjudication
	if err := h.store.ReadArtifact(h.project.ID, "adjudication/q1-adjudicated.json", &adj); err != nil {
		t.Fatalf("q1-adjudicated: %v", err)
	}
	c := adj.ConsensusClaims[0]
	if !c.ContrarianAnalysisTriggered {
		t.Fatalf("claim not marked contrarian-analyzed: %+v", c)
	}
	if c.ContrarianResult != "credible counter-argument: sampling bias in the exceedance studies" {
		t.Fatalf("contrarian result = %q", c.ContrarianResult)
	}
	ev := adj.Evidence[0]
	if ev.Confidence != research.ConfidenceUnverified {
		t.Fatalf("evidence confidence = %s, want U after downgrade", ev.Confidence)
	}
	hasFlag := false
	for _, f := range ev.Flags {
		if f == "credible-contrarian" {
			hasFlag = true
		}
	}
	if !hasFlag || !strings.Contains(ev.ConfidenceRationale, "credible contrarian counter-argument") {
		t.Fatalf("downgrade not recorded: flags=%v rationale=%q", ev.Flags, ev.ConfidenceRationale)
	}

	// The contrarian run persists its level output beside the regular ones.
	var out research.LevelOutput
	if err := h.store.ReadArtifact(h.project.ID, "investigation/P-CON-q1-con1-C1.json", &out); err != nil {
		t.Fatalf("contrarian level artifact: %v", err)
	}
}

func TestConsensusAtThresholdSkipsContrarian(t *testing.T) {
	h := newHarness(t, map[string][]scriptedWorker{
		"q1": {{output: jsonOut(t, map[string]any{
			"consensusClaims": []map[string]any{
				{"claim": "exceedance is settled", "consensusLevel": 0.8},
				{"claim": "residues are harmless", "consensusLevel": 0.95, "contrarian": true},
			},
		})}},
	})

	j := adjudicationJob(h)
	if err := j.adjudicate(context.Background()); err != nil {
		t.Fatalf("adjudicate: %v", err)
	}
	if got := h.fake.labelCounts(); got["C1"] != 0 {
		t.Fatalf("contrarian spawned %d times, want 0 (threshold is exclusive; contrarian claims exempt)", got["C1"])
	}

	var adj research.SubQuestionAdjudication
	if err := h.store.ReadArtifact(h.project.ID, "adjudication/q1-adjudicated.json", &adj); err != nil {
		t.Fatalf("q1-adjudicated: %v", err)
	}
	for i, c := range adj.ConsensusClaims {
		if c.ContrarianAnalysisTriggered {
			t.Fatalf("claim %d unexpectedly analyzed: %+v", i, c)
		}
	}
	if adj.Evidence[0].Confidence != research.ConfidencePlausible {
		t.Fatalf("evidence confidence = %s, want P untouched", adj.Evidence[0].Confidence)
	}
}

func TestSummarizeContrarian(t *testing.T) {
	out := func(signals, findings map[string]any, gap bool, reason string) research.LevelOutput {
		return research.LevelOutput{BranchSignals: signals, Findings: findings, Gap: gap, GapReason: reason}
	}
	cases := []struct {
		name     string
		outputs  []research.LevelOutput
		result   string
		credible bool
	}{
		{
			"credible with summary",
			[]research.LevelOutput{out(map[string]any{"counterStrength": "credible"}, map[string]any{"summary": "retracted in 2021"}, false, "")},
			"credible counter-argument: retracted in 2021", true,
		},
		{
			"credible without summary",
			[]research.LevelOutput{out(map[string]any{"counterStrength": "Credible"}, nil, false, "")},
			"credible counter-argument found", true,
		},
		{
			"weak counter with summary",
			[]research.LevelOutput{out(map[string]any{"counterStrength": "weak"}, map[string]any{"summary": "minority blog posts only"}, false, "")},
			"no credible counter-argument: minority blog posts only", false,
		},
		{
			"all gaps",
			[]research.LevelOutput{out(nil, nil, true, "worker timed out")},
			"contrarian investigation inconclusive: worker timed out", false,
		},
		{
			"no signals at all",
			[]research.LevelOutput{out(map[string]any{}, nil, false, "")},
			"no credible counter-argument found", false,
		},
	}
	for _, tc := range cases {
		v := summarizeContrarian(&research.PathwayResult{Outputs: tc.outputs})
		if v.result != tc.result || v.credible != tc.credible {
			t.Fatalf("%s: verdict = %+v, want %q credible=%v", tc.name, v, tc.result, tc.credible)
		}
	}
}

// synthesisJob builds a job entering the synthesize phase with a minimal
// adjudication already in hand.
func synthesisJob(h *harness) *job {
	j := newJob(h.engine, h.project)
	j.phase = research.PhaseSynthesize
	j.subQuestions = []research.SubQuestion{{ID: "q1", Text: "Do residues exceed regulatory limits?"}}
	j.adjudications = []research.SubQuestionAdjudication{{
		SubQuestionID: "q1",
		Evidence: []research.AdjudicatedEvidence{{
			EvidenceID: "e1", Confidence: research.ConfidencePlausible,
		}},
	}}
	return j
}

func TestSynthesizeRetriesRejectedGraphOnce(t *testing.T) {
	h := newHarness(t, map[string][]scriptedWorker{
		"synthesize": {{output: rejectedGraphOut}, {output: validGraphOut}},
	})
	ch, cancel := h.bus.Subscribe(h.project.ID)
	defer cancel()

	j := synthesisJob(h)
	if err := j.synthesize(context.Background()); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if got := h.fake.labelCounts()["synthesize"]; got != 2 {
		t.Fatalf("synthesize spawns = %d, want 2", got)
	}
	retry := h.fake.spawnTask("synthesize", 1)
	if !strings.Contains(retry, "VALIDATION ERRORS") || !strings.Contains(retry, "Fix these issues:") {
		t.Fatalf("retry task missing validation feedback:\n%s", retry)
	}
	if !strings.Contains(retry, "topic_coverage") {
		t.Fatalf("retry task does not name the failed rule:\n%s", retry)
	}

	var g graph.Graph
	if err := h.store.ReadArtifact(h.project.ID, "graph.json", &g); err != nil {
		t.Fatalf("graph.json: %v", err)
	}
	if g.Meta.NodeCount != 2 || g.Meta.PipelineVersion != "test" {
		t.Fatalf("graph meta = %+v", g.Meta)
	}
	if h.index.Len() != 1 {
		t.Fatalf("index entries = %d, want 1", h.index.Len())
	}

	var verdicts []bool
	for drained := false; !drained; {
		select {
		case ev := <-ch:
			if ev.Event == events.EventGraphValidated {
				data := ev.Data.(map[string]any)
				ok, _ := data["ok"].(bool)
				verdicts = append(verdicts, ok)
			}
		default:
			drained = true
		}
	}
	if len(verdicts) != 2 || verdicts[0] || !verdicts[1] {
		t.Fatalf("graph_validated verdicts = %v, want [false true]", verdicts)
	}
}

func TestSynthesizeFailsAfterSecondRejection(t *testing.T) {
	h := newHarness(t, map[string][]scriptedWorker{
		"synthesize": {{output: rejectedGraphOut}, {output: rejectedGraphOut}},
	})

	j := synthesisJob(h)
	err := j.synthesize(context.Background())
	if !fault.Is(err, fault.SchemaViolation) {
		t.Fatalf("synthesize err = %v, want schema_violation", err)
	}
	if got := h.fake.labelCounts()["synthesize"]; got != 2 {
		t.Fatalf("synthesize spawns = %d, want 2 (no third attempt)", got)
	}
	var g graph.Graph
	if err := h.store.ReadArtifact(h.project.ID, "graph.json", &g); !fault.Is(err, fault.NotFound) {
		t.Fatalf("graph.json err = %v, want not_found", err)
	}
	if h.index.Len() != 0 {
		t.Fatalf("index entries = %d, want 0", h.index.Len())
	}
}

func TestPauseDuringInvestigationAndResume(t *testing.T) {
	h := newHarness(t, map[string][]scriptedWorker{
		"plan": {{output: planOut(t)}},
		"b1": {{output: jsonOut(t, map[string]any{"items": []map[string]any{
			{
				"evidenceId": "e1", "subQuestionId": "q1", "type": "SCI",
				"description": "cohort study links exposure to NHL",
				"citation":    "Zhang et al. 2019",
				"sourceReliability": "A", "informationCredibility": 1,
				"triggeredPathway": "P-SCI",
			},
		}})}},
		"b2": {{output: jsonOut(t, map[string]any{"items": []any{}})}},
		"b3": {{output: jsonOut(t, map[string]any{"items": []any{}})}},
		// First investigation worker hangs until pause kills it; the
		// resumed run gets a clean one.
		"L1":         {{hang: true}, {output: cleanLevelOut(t)}},
		"q1":         {{output: emptyClaims(t)}},
		"q2":         {{output: emptyClaims(t)}},
		"q3":         {{output: emptyClaims(t)}},
		"q4":         {{output: emptyClaims(t)}},
		"q5":         {{output: emptyClaims(t)}},
		"synthesize": {{output: validGraphOut}},
	})

	if err := h.engine.Start(h.project.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 5*time.Second, "investigation worker spawn", func() bool {
		return h.fake.labelCounts()["L1"] == 1
	})
	if err := h.engine.Pause(h.project.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	waitFor(t, 5*time.Second, "paused status", func() bool {
		return projectStatus(t, h) == research.StatusPaused
	})
	waitFor(t, 5*time.Second, "driver deregistration", func() bool {
		return !h.engine.Running(h.project.ID)
	})
	// The fifth spawn is the hung investigation worker; pause must reap it.
	if !h.fake.wasDeleted("w-5") {
		t.Fatalf("hung investigation worker not deleted on pause")
	}

	if err := h.engine.Resume(h.project.ID, "investigate"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, 10*time.Second, "completion after resume", func() bool {
		return projectStatus(t, h) == research.StatusComplete
	})

	counts := h.fake.labelCounts()
	if counts["plan"] != 1 || counts["b1"] != 1 || counts["b2"] != 1 || counts["b3"] != 1 {
		t.Fatalf("early phases re-ran on resume: %v", counts)
	}
	if counts["L1"] != 2 {
		t.Fatalf("investigation spawns = %d, want hung + resumed", counts["L1"])
	}
	if counts["synthesize"] != 1 {
		t.Fatalf("synthesize spawns = %d, want 1", counts["synthesize"])
	}
	p, err := h.store.Get(h.project.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.PauseRequested {
		t.Fatalf("pause flag survived resume")
	}
}

func TestCloseStopsDriverWithoutSettlingStatus(t *testing.T) {
	h := newHarness(t, map[string][]scriptedWorker{
		"plan": {{hang: true}},
	})
	if err := h.engine.Start(h.project.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 5*time.Second, "plan worker spawn", func() bool {
		return h.fake.spawnCount() == 1
	})
	h.engine.Close()

	if h.engine.Running(h.project.ID) {
		t.Fatalf("driver survived Close")
	}
	if got := projectStatus(t, h); got != research.StatusPlanning {
		t.Fatalf("status = %s, want planning left undisturbed", got)
	}
	fresh, err := h.store.Create("pfas contamination near airfields", research.ProjectConfig{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.engine.Start(fresh.ID); !fault.Is(err, fault.TransientBackend) {
		t.Fatalf("Start after Close err = %v, want transient_backend", err)
	}
}

func TestSplitBatches(t *testing.T) {
	qs := func(n int) []research.SubQuestion {
		out := make([]research.SubQuestion, n)
		for i := range out {
			out[i].ID = fmt.Sprintf("q%d", i+1)
		}
		return out
	}
	cases := []struct {
		n, workers int
		sizes      []int
	}{
		{5, 3, []int{2, 2, 1}},
		{7, 3, []int{3, 3, 1}},
		{4, 5, []int{1, 1, 1, 1}},
		{6, 3, []int{2, 2, 2}},
		{1, 3, []int{1}},
		{0, 3, nil},
	}
	for _, tc := range cases {
		batches := splitBatches(qs(tc.n), tc.workers)
		if len(batches) != len(tc.sizes) {
			t.Fatalf("splitBatches(%d, %d) = %d batches, want %d", tc.n, tc.workers, len(batches), len(tc.sizes))
		}
		total := 0
		for i, b := range batches {
			if len(b) != tc.sizes[i] {
				t.Fatalf("splitBatches(%d, %d) batch %d size = %d, want %d", tc.n, tc.workers, i, len(b), tc.sizes[i])
			}
			total += len(b)
		}
		if total != tc.n {
			t.Fatalf("splitBatches(%d, %d) covers %d questions", tc.n, tc.workers, total)
		}
	}
}

func TestFuseEvidenceRepairsItems(t *testing.T) {
	h := newHarness(t, nil)
	j := newJob(h.engine, h.project)
	j.subQuestions = []research.SubQuestion{{ID: "q1"}, {ID: "q2"}}

	item := func(id, subq, typ, pathwayID, rating string, cred int) research.EvidenceItem {
		return research.EvidenceItem{
			EvidenceID: id, SubQuestionID: subq, Type: research.EvidenceType(typ),
			Description: "item " + id, TriggeredPathway: pathwayID,
			SourceReliability: rating, InformationCredibility: cred,
		}
	}
	fused := j.fuseEvidence([][]research.EvidenceItem{{
		item("e1", "q1", "SCI", "P-SCI", "A", 1),
		item("", "q1", "sci", "", "Z", 9),       // everything repaired
		item("e1", "q2", "SCI", "P-SCI", "B", 2), // duplicate id reissued
		item("x1", "q9", "SCI", "P-SCI", "A", 1), // unknown sub-question dropped
		item("x2", "q1", "TES", "", "A", 1),      // no pathway for TES, dropped
	}})

	if len(fused) != 3 {
		t.Fatalf("fused = %d items (%+v), want 3", len(fused), fused)
	}
	repaired := fused[1]
	if repaired.EvidenceID != "e2" || repaired.Type != research.EvidenceSCI {
		t.Fatalf("repaired item = %+v", repaired)
	}
	if repaired.TriggeredPathway != "P-SCI" {
		t.Fatalf("repaired pathway = %q, want type-matched P-SCI", repaired.TriggeredPathway)
	}
	if repaired.SourceReliability != "F" || repaired.InformationCredibility != 6 {
		t.Fatalf("ratings = %s/%d, want floor F/6", repaired.SourceReliability, repaired.InformationCredibility)
	}
	if fused[2].EvidenceID != "e3" {
		t.Fatalf("duplicate id reissued as %q, want e3", fused[2].EvidenceID)
	}
}

func TestLoadForPhaseRestoresArtifacts(t *testing.T) {
	h := newHarness(t, nil)
	id := h.project.ID

	j := newJob(h.engine, h.project)
	if err := j.loadForPhase(research.PhaseInvestigate); !fault.Is(err, fault.InvalidInput) {
		t.Fatalf("loadForPhase without plan err = %v, want invalid_input", err)
	}

	plan := research.Plan{SubQuestions: []research.SubQuestion{
		{ID: "q1", Text: "a"}, {ID: "q2", Text: "b"}, {ID: "q3", Text: "c"},
		{ID: "q4", Text: "d"}, {ID: "q5", Text: "e"},
	}}
	if err := h.store.WriteArtifact(id, "plan.json", &plan); err != nil {
		t.Fatalf("WriteArtifact: %v", err)
	}
	j = newJob(h.engine, h.project)
	if err := j.loadForPhase(research.PhaseInvestigate); !fault.Is(err, fault.InvalidInput) {
		t.Fatalf("loadForPhase without manifests err = %v, want invalid_input", err)
	}

	manifest := research.EvidenceManifest{Items: []research.EvidenceItem{{
		EvidenceID: "e1", SubQuestionID: "q1", Type: research.EvidenceSCI,
		SourceReliability: "A", InformationCredibility: 1, TriggeredPathway: "P-SCI",
	}}}
	if err := h.store.WriteArtifact(id, "evidence/manifest-1.json", &manifest); err != nil {
		t.Fatalf("WriteArtifact: %v", err)
	}
	j = newJob(h.engine, h.project)
	if err := j.loadForPhase(research.PhaseInvestigate); err != nil {
		t.Fatalf("loadForPhase(investigate): %v", err)
	}
	if len(j.subQuestions) != 5 || len(j.items) != 1 {
		t.Fatalf("restored %d sub-questions, %d items", len(j.subQuestions), len(j.items))
	}

	results := investigationResults{Results: []research.PathwayResult{{
		PathwayID: "P-SCI", EvidenceID: "e1", Confidence: research.ConfidenceVerified,
	}}}
	if err := h.store.WriteArtifact(id, "investigation/results.json", &results); err != nil {
		t.Fatalf("WriteArtifact: %v", err)
	}
	adj := research.SubQuestionAdjudication{
		SubQuestionID: "q1",
		Evidence:      []research.AdjudicatedEvidence{{EvidenceID: "e1", Confidence: research.ConfidenceVerified}},
	}
	if err := h.store.WriteArtifact(id, "adjudication/q1-adjudicated.json", &adj); err != nil {
		t.Fatalf("WriteArtifact: %v", err)
	}

	j = newJob(h.engine, h.project)
	if err := j.loadForPhase(research.PhaseSynthesize); err != nil {
		t.Fatalf("loadForPhase(synthesize): %v", err)
	}
	if len(j.results["e1"]) != 1 || !j.executed["P-SCI|e1"] {
		t.Fatalf("results not restored: %+v executed=%v", j.results, j.executed)
	}
	if len(j.adjudications) != 5 {
		t.Fatalf("adjudications = %d, want one per sub-question", len(j.adjudications))
	}
	if len(j.adjudications[0].Evidence) != 1 {
		t.Fatalf("q1 adjudication lost its evidence: %+v", j.adjudications[0])
	}
	// q2..q5 never adjudicated: placeholders with just the id.
	for _, a := range j.adjudications[1:] {
		if len(a.Evidence) != 0 || a.SubQuestionID == "" {
			t.Fatalf("placeholder adjudication = %+v", a)
		}
	}
}

func TestLoadManifestsMergesInOrdinalOrder(t *testing.T) {
	h := newHarness(t, nil)
	id := h.project.ID
	write := func(rel string, items ...research.EvidenceItem) {
		t.Helper()
		if err := h.store.WriteArtifact(id, rel, &research.EvidenceManifest{Items: items}); err != nil {
			t.Fatalf("WriteArtifact(%s): %v", rel, err)
		}
	}
	item := func(evID, pathwayID string) research.EvidenceItem {
		return research.EvidenceItem{EvidenceID: evID, SubQuestionID: "q1", Type: research.EvidenceSCI, TriggeredPathway: pathwayID}
	}
	// Lexical order would read manifest-10 before manifest-2; ordinal order
	// must win. manifest-2 repeats (e1, P-SCI) and adds a cross-pathway
	// derivation for e1.
	write("evidence/manifest-1.json", item("e1", "P-SCI"), item("e2", "P-SCI"))
	write("evidence/manifest-2.json", item("e1", "P-SCI"), item("e1", "P-GOV"))
	write("evidence/manifest-10.json", item("e4", "P-SCI"))

	j := newJob(h.engine, h.project)
	items, err := j.loadManifests()
	if err != nil {
		t.Fatalf("loadManifests: %v", err)
	}
	var got []string
	for _, it := range items {
		got = append(got, it.EvidenceID+"/"+it.TriggeredPathway)
	}
	want := []string{"e1/P-SCI", "e2/P-SCI", "e1/P-GOV", "e4/P-SCI"}
	if len(got) != len(want) {
		t.Fatalf("merged = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("merged[%d] = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestRebuildResultsFromLevelArtifacts(t *testing.T) {
	h := newHarness(t, nil)
	id := h.project.ID

	clean := research.LevelOutput{Level: "L1", Depth: 1, EvidenceFound: true, SourceRating: "A"}
	if err := h.store.WriteArtifact(id, "investigation/P-SCI-e1-L1.json", &clean); err != nil {
		t.Fatalf("WriteArtifact: %v", err)
	}
	// Hyphenated evidence id from a contrarian run must parse back out.
	gap := research.LevelOutput{Level: "C1", Depth: 1, Gap: true, GapReason: "worker timed out"}
	if err := h.store.WriteArtifact(id, "investigation/P-CON-q1-con1-C1.json", &gap); err != nil {
		t.Fatalf("WriteArtifact: %v", err)
	}

	j := newJob(h.engine, h.project)
	j.items = []research.EvidenceItem{{
		EvidenceID: "e1", SubQuestionID: "q1", Type: research.EvidenceSCI,
		SourceReliability: "A", InformationCredibility: 1, TriggeredPathway: "P-SCI",
	}}
	if err := j.loadResults(); err != nil {
		t.Fatalf("loadResults: %v", err)
	}

	runs := j.results["e1"]
	if len(runs) != 1 || runs[0].PathwayID != "P-SCI" {
		t.Fatalf("e1 runs = %+v", runs)
	}
	if runs[0].Confidence != research.ConfidencePlausible {
		t.Fatalf("rebuilt confidence = %s, want P rescored from outputs", runs[0].Confidence)
	}
	conRuns := j.results["q1-con1"]
	if len(conRuns) != 1 || conRuns[0].PathwayID != "P-CON" || len(conRuns[0].Outputs) != 1 {
		t.Fatalf("contrarian runs = %+v", conRuns)
	}
	if !j.executed["P-SCI|e1"] || !j.executed["P-CON|q1-con1"] {
		t.Fatalf("executed pairs not restored: %v", j.executed)
	}
}
