package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/veracity-research/veracity/internal/events"
	"github.com/veracity-research/veracity/internal/extract"
	"github.com/veracity-research/veracity/internal/fault"
	"github.com/veracity-research/veracity/internal/graph"
	"github.com/veracity-research/veracity/internal/pathway"
	"github.com/veracity-research/veracity/internal/research"
	"github.com/veracity-research/veracity/internal/strategos"
	"github.com/veracity-research/veracity/internal/tree"
)

// consensusThreshold is the consensus level above which a non-contrarian
// claim must survive the contrarian pathway before its adjudication is
// written.
const consensusThreshold = 0.80

// job is the state of one driver run. The driver goroutine owns it; phases
// that fan out guard the shared collections with mu.
type job struct {
	e       *Engine
	project *research.Project
	phase   research.Phase

	subQuestions []research.SubQuestion
	items        []research.EvidenceItem

	mu            sync.Mutex
	results       map[string][]research.PathwayResult
	executed      map[string]bool
	extensions    []research.EvidenceItem
	assumptions   []assumptionRecord
	adjudications []research.SubQuestionAdjudication
}

func newJob(e *Engine, p *research.Project) *job {
	return &job{
		e:        e,
		project:  p,
		results:  map[string][]research.PathwayResult{},
		executed: map[string]bool{},
	}
}

// plan dispatches one decomposition worker and persists the accepted plan.
// Unlike the later phases there is no degraded outcome; a topic that cannot
// be decomposed fails the project.
func (j *job) plan(ctx context.Context) error {
	var out research.Plan
	spec := workerSpec{
		label:    phaseLabel(j.project.ID, "plan"),
		template: pathway.TemplateResearch,
		task:     j.planTask(),
	}
	check := func() error { return out.Validate() }
	if err := j.runExtract(ctx, spec, planSchema, &out, check); err != nil {
		return err
	}
	if err := j.e.store.WriteArtifact(j.project.ID, "plan.json", &out); err != nil {
		return err
	}
	j.subQuestions = out.SubQuestions
	j.e.logger.Info("plan accepted",
		zap.String("projectId", j.project.ID),
		zap.Int("subQuestions", len(out.SubQuestions)))
	return nil
}

type classifyOutput struct {
	Items []research.EvidenceItem `json:"items"`
}

// classify fans the sub-questions out to research workers in contiguous
// batches. A lost batch degrades to missing evidence; only an empty combined
// manifest fails the phase.
func (j *job) classify(ctx context.Context) error {
	batches := splitBatches(j.subQuestions, j.e.classify)
	prior := j.priorResearchBlock()
	recommended := j.sourcesBlock()

	collected := make([][]research.EvidenceItem, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.e.classify)
	for i, batch := range batches {
		g.Go(func() error {
			var out classifyOutput
			spec := workerSpec{
				label:    phaseLabel(j.project.ID, "classify", fmt.Sprintf("b%d", i+1)),
				template: pathway.TemplateResearch,
				task:     j.classifyTask(batch, prior, recommended),
			}
			if err := j.runExtract(gctx, spec, classifySchema, &out, nil); err != nil {
				if interrupted(gctx, err) {
					return err
				}
				j.e.logger.Warn("classification batch lost, continuing with remaining batches",
					zap.String("projectId", j.project.ID),
					zap.Int("batch", i+1),
					zap.Error(err))
				return nil
			}
			collected[i] = out.Items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	items := j.fuseEvidence(collected)
	if len(items) == 0 {
		return fault.New(fault.InvariantViolation, "classification produced no evidence items")
	}
	manifest := research.EvidenceManifest{Items: items}
	if err := j.e.store.WriteArtifact(j.project.ID, "evidence/manifest-1.json", &manifest); err != nil {
		return err
	}
	j.items = items
	j.e.logger.Info("evidence classified",
		zap.String("projectId", j.project.ID),
		zap.Int("items", len(items)),
		zap.Int("batches", len(batches)))
	return nil
}

// fuseEvidence merges per-batch classifications into the manifest working
// set. Items naming unknown sub-questions are dropped, unregistered pathway
// references resolve to the first registered pathway for the item's type,
// and missing or duplicate evidence ids are reissued.
func (j *job) fuseEvidence(collected [][]research.EvidenceItem) []research.EvidenceItem {
	known := make(map[string]bool, len(j.subQuestions))
	for _, sq := range j.subQuestions {
		known[sq.ID] = true
	}
	used := map[string]bool{}
	var items []research.EvidenceItem
	for _, batch := range collected {
		for _, item := range batch {
			item.Type = research.NormalizeEvidenceType(string(item.Type))
			if !known[item.SubQuestionID] {
				j.e.logger.Warn("dropping evidence item for unknown sub-question",
					zap.String("projectId", j.project.ID),
					zap.String("subQuestionId", item.SubQuestionID),
					zap.String("evidenceId", item.EvidenceID))
				continue
			}
			if !j.e.pathways.Has(item.TriggeredPathway) {
				matched := j.e.pathways.ForEvidenceType(item.Type)
				if len(matched) == 0 {
					j.e.logger.Warn("dropping evidence item with no matching pathway",
						zap.String("projectId", j.project.ID),
						zap.String("evidenceId", item.EvidenceID),
						zap.String("type", string(item.Type)))
					continue
				}
				item.TriggeredPathway = matched[0].ID
			}
			if !research.ValidSourceRating(item.SourceReliability) {
				item.SourceReliability = "F"
			}
			if !research.ValidInfoRating(item.InformationCredibility) {
				item.InformationCredibility = 6
			}
			if strings.TrimSpace(item.EvidenceID) == "" || used[item.EvidenceID] {
				item.EvidenceID = nextEvidenceID(used, len(items)+1)
			}
			used[item.EvidenceID] = true
			items = append(items, item)
		}
	}
	return items
}

func nextEvidenceID(used map[string]bool, n int) string {
	for {
		id := fmt.Sprintf("e%d", n)
		if !used[id] {
			return id
		}
		n++
	}
}

// splitBatches divides the sub-questions into contiguous batches, one
// classification worker each.
func splitBatches(qs []research.SubQuestion, maxWorkers int) [][]research.SubQuestion {
	if len(qs) == 0 {
		return nil
	}
	n := maxWorkers
	if n < 1 {
		n = 1
	}
	if n > len(qs) {
		n = len(qs)
	}
	size := (len(qs) + n - 1) / n
	var out [][]research.SubQuestion
	for start := 0; start < len(qs); start += size {
		end := start + size
		if end > len(qs) {
			end = len(qs)
		}
		out = append(out, qs[start:end])
	}
	return out
}

type investigationResults struct {
	Results []research.PathwayResult `json:"results"`
}

// investigate runs every manifest item's triggered pathway under the
// project's investigation budget. Follow-up requests surfacing mid-chain
// take free budget slots immediately and otherwise queue for the next wave.
func (j *job) investigate(ctx context.Context) error {
	stop := j.e.watchStalls(j.project.ID, 2*j.e.timeout)
	defer stop()

	budget := j.project.Config.InvestigationBudget
	if budget < 1 {
		budget = 1
	}

	wave := make([]research.EvidenceItem, 0, len(j.items))
	for _, item := range j.items {
		if j.claim(item.TriggeredPathway, item.EvidenceID) {
			wave = append(wave, item)
		}
	}

	for len(wave) > 0 {
		var (
			qmu      sync.Mutex
			deferred []research.EvidenceItem
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(budget)

		var investigateItem func(item research.EvidenceItem) func() error
		followUp := func(fu tree.FollowUp) {
			for _, item := range j.deriveFollowUps(fu) {
				if !g.TryGo(investigateItem(item)) {
					qmu.Lock()
					deferred = append(deferred, item)
					qmu.Unlock()
				}
			}
		}
		investigateItem = func(item research.EvidenceItem) func() error {
			return func() error {
				p, err := j.e.pathways.Get(item.TriggeredPathway)
				if err != nil {
					j.e.logger.Warn("evidence names unregistered pathway, skipping",
						zap.String("projectId", j.project.ID),
						zap.String("evidenceId", item.EvidenceID),
						zap.String("pathwayId", item.TriggeredPathway))
					return nil
				}
				if err := j.e.checkpoint(gctx, j.project.ID); err != nil {
					return err
				}
				res, err := j.e.runner.Run(gctx, j.project.ID, p, item, followUp)
				if err != nil {
					return err
				}
				j.recordResult(*res)
				return nil
			}
		}

		for _, item := range wave {
			g.Go(investigateItem(item))
		}
		if err := g.Wait(); err != nil {
			return err
		}

		qmu.Lock()
		wave = deferred
		qmu.Unlock()
	}

	results := j.snapshotResults()
	if err := j.e.store.WriteArtifact(j.project.ID, "investigation/results.json", &investigationResults{Results: results}); err != nil {
		return err
	}
	if ext := j.snapshotExtensions(); len(ext) > 0 {
		ordinal, err := j.nextManifestOrdinal()
		if err != nil {
			return err
		}
		rel := fmt.Sprintf("evidence/manifest-%d.json", ordinal)
		if err := j.e.store.WriteArtifact(j.project.ID, rel, &research.EvidenceManifest{Items: ext}); err != nil {
			return err
		}
		j.e.logger.Info("manifest extended with follow-up evidence",
			zap.String("projectId", j.project.ID),
			zap.String("artifact", rel),
			zap.Int("items", len(ext)))
	}
	j.e.logger.Info("investigation finished",
		zap.String("projectId", j.project.ID),
		zap.Int("pathwayRuns", len(results)))
	return nil
}

// deriveFollowUps maps one mid-chain follow-up request to the pathway runs
// it newly justifies. Pairs that already ran for this project are skipped;
// accepted derivations join the manifest extensions.
func (j *job) deriveFollowUps(fu tree.FollowUp) []research.EvidenceItem {
	base, ok := j.itemByID(fu.EvidenceID)
	if !ok {
		return nil
	}
	var items []research.EvidenceItem
	for _, p := range j.e.pathways.ForEvidenceType(fu.EvidenceType) {
		item := base
		item.Type = fu.EvidenceType
		item.TriggeredPathway = p.ID
		if !j.claim(p.ID, item.EvidenceID) {
			continue
		}
		j.extend(item)
		j.e.logger.Info("follow-up investigation scheduled",
			zap.String("projectId", j.project.ID),
			zap.String("evidenceId", item.EvidenceID),
			zap.String("pathwayId", p.ID),
			zap.String("fromPathway", fu.FromPathway),
			zap.String("fromLevel", fu.FromLevel))
		items = append(items, item)
	}
	return items
}

// claim records intent to run (pathwayID, evidenceID) and reports false when
// that pair already ran or is running.
func (j *job) claim(pathwayID, evidenceID string) bool {
	key := pathwayID + "|" + evidenceID
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.executed[key] {
		return false
	}
	j.executed[key] = true
	return true
}

func (j *job) extend(item research.EvidenceItem) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.extensions = append(j.extensions, item)
}

func (j *job) recordResult(res research.PathwayResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.results[res.EvidenceID] = append(j.results[res.EvidenceID], res)
}

func (j *job) snapshotResults() []research.PathwayResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []research.PathwayResult
	for _, runs := range j.results {
		out = append(out, runs...)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].EvidenceID != out[b].EvidenceID {
			return out[a].EvidenceID < out[b].EvidenceID
		}
		return out[a].PathwayID < out[b].PathwayID
	})
	return out
}

func (j *job) snapshotExtensions() []research.EvidenceItem {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]research.EvidenceItem, len(j.extensions))
	copy(out, j.extensions)
	return out
}

// nextManifestOrdinal is 1 + the count of persisted manifests, so follow-up
// extensions never rewrite manifest-1.
func (j *job) nextManifestOrdinal() (int, error) {
	names, err := j.e.store.ListArtifacts(j.project.ID, "evidence/manifest-*.json")
	if err != nil {
		return 0, err
	}
	return len(names) + 1, nil
}

func (j *job) itemByID(evidenceID string) (research.EvidenceItem, bool) {
	for _, item := range j.items {
		if item.EvidenceID == evidenceID {
			return item, true
		}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, item := range j.extensions {
		if item.EvidenceID == evidenceID {
			return item, true
		}
	}
	return research.EvidenceItem{}, false
}

type adjudicationOutput struct {
	ConsensusClaims []claimFinding  `json:"consensusClaims"`
	ACHMatrix       json.RawMessage `json:"achMatrix,omitempty"`
	Assumptions     []string        `json:"assumptions,omitempty"`
}

type claimFinding struct {
	Claim                 string   `json:"claim"`
	ConsensusLevel        float64  `json:"consensusLevel"`
	Contrarian            bool     `json:"contrarian,omitempty"`
	SupportingEvidenceIDs []string `json:"supportingEvidenceIds,omitempty"`
}

type achDoc struct {
	SubQuestionID string          `json:"subQuestionId"`
	Matrix        json.RawMessage `json:"matrix"`
}

type assumptionRecord struct {
	SubQuestionID string `json:"subQuestionId"`
	Text          string `json:"text"`
}

type assumptionsDoc struct {
	Assumptions []assumptionRecord `json:"assumptions"`
}

// adjudicate scores every evidence item from its pathway results, convenes a
// review worker per sub-question, and stress-tests high-consensus claims with
// the contrarian pathway before anything hits disk.
func (j *job) adjudicate(ctx context.Context) error {
	adjs := make([]research.SubQuestionAdjudication, len(j.subQuestions))
	g, gctx := errgroup.WithContext(ctx)
	for i, sq := range j.subQuestions {
		g.Go(func() error {
			adj, err := j.adjudicateSubQuestion(gctx, sq)
			if err != nil {
				return err
			}
			adjs[i] = *adj
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	j.adjudications = adjs
	return j.writeAssumptions()
}

func (j *job) adjudicateSubQuestion(ctx context.Context, sq research.SubQuestion) (*research.SubQuestionAdjudication, error) {
	adj := &research.SubQuestionAdjudication{SubQuestionID: sq.ID}
	for _, item := range j.evidenceFor(sq.ID) {
		runs := j.resultsFor(item.EvidenceID)
		scored := tree.Score(item, runs)
		adj.Evidence = append(adj.Evidence, research.AdjudicatedEvidence{
			EvidenceID:          item.EvidenceID,
			Confidence:          scored.Confidence,
			ConfidenceRationale: scored.Rationale,
			PathwayResults:      resultRefs(runs),
			Flags:               scored.Flags,
		})
		j.e.bus.Publish(j.project.ID, events.EventConfidence, map[string]any{
			"subQuestionId": sq.ID,
			"evidenceId":    item.EvidenceID,
			"confidence":    string(scored.Confidence),
		})
	}

	var out adjudicationOutput
	spec := workerSpec{
		label:    phaseLabel(j.project.ID, "adjudicate", sq.ID),
		template: pathway.TemplateReview,
		task:     j.adjudicateTask(sq, adj.Evidence),
	}
	err := j.runExtract(ctx, spec, adjudicationSchema, &out, nil)
	switch {
	case err == nil:
		if err := j.applyConsensus(ctx, sq, out.ConsensusClaims, adj); err != nil {
			return nil, err
		}
		if len(out.ACHMatrix) > 0 {
			doc := achDoc{SubQuestionID: sq.ID, Matrix: out.ACHMatrix}
			rel := fmt.Sprintf("adjudication/%s-ach.json", sq.ID)
			if err := j.e.store.WriteArtifact(j.project.ID, rel, &doc); err != nil {
				return nil, err
			}
		}
		j.recordAssumptions(sq.ID, out.Assumptions)
	case interrupted(ctx, err):
		return nil, err
	default:
		j.e.logger.Warn("adjudication worker lost, keeping scored evidence without consensus claims",
			zap.String("projectId", j.project.ID),
			zap.String("subQuestionId", sq.ID),
			zap.Error(err))
	}

	rel := fmt.Sprintf("adjudication/%s-adjudicated.json", sq.ID)
	if err := j.e.store.WriteArtifact(j.project.ID, rel, adj); err != nil {
		return nil, err
	}
	return adj, nil
}

// applyConsensus copies the worker's claims into the adjudication, running
// the contrarian pathway on any non-contrarian claim whose consensus clears
// the threshold. A credible counter downgrades the claim's supporting
// evidence before the artifact is written.
func (j *job) applyConsensus(ctx context.Context, sq research.SubQuestion, claims []claimFinding, adj *research.SubQuestionAdjudication) error {
	for i, c := range claims {
		claim := research.ConsensusClaim{
			Claim:          c.Claim,
			ConsensusLevel: clamp01(c.ConsensusLevel),
			Contrarian:     c.Contrarian,
		}
		if !claim.Contrarian && claim.ConsensusLevel > consensusThreshold {
			verdict, err := j.runContrarian(ctx, sq, c, i+1)
			if err != nil {
				return err
			}
			claim.ContrarianAnalysisTriggered = true
			claim.ContrarianResult = verdict.result
			if verdict.credible {
				downgradeEvidence(adj, c.SupportingEvidenceIDs)
			}
		}
		adj.ConsensusClaims = append(adj.ConsensusClaims, claim)
	}
	return nil
}

type contrarianVerdict struct {
	result   string
	credible bool
}

// runContrarian stress-tests one high-consensus claim through the contrarian
// pathway. The synthetic evidence item carries the claim text; its
// investigation artifacts land beside the regular ones.
func (j *job) runContrarian(ctx context.Context, sq research.SubQuestion, c claimFinding, ordinal int) (contrarianVerdict, error) {
	p, err := j.e.pathways.Get(pathway.ContrarianPathwayID)
	if err != nil {
		j.e.logger.Warn("contrarian pathway not registered, consensus claim kept unchallenged",
			zap.String("projectId", j.project.ID),
			zap.String("subQuestionId", sq.ID))
		return contrarianVerdict{result: "contrarian pathway not registered"}, nil
	}
	item := research.EvidenceItem{
		EvidenceID:       fmt.Sprintf("%s-con%d", sq.ID, ordinal),
		SubQuestionID:    sq.ID,
		Type:             research.NormalizeEvidenceType(p.Trigger.EvidenceType),
		Description:      c.Claim,
		Citation:         research.Citation{Text: "consensus claim under contrarian review"},
		TriggeredPathway: p.ID,
	}
	res, err := j.e.runner.Run(ctx, j.project.ID, p, item, nil)
	if err != nil {
		return contrarianVerdict{}, err
	}
	return summarizeContrarian(res), nil
}

// summarizeContrarian reads the pathway outputs for the credible-counter
// signal and a summary line for the adjudication record.
func summarizeContrarian(res *research.PathwayResult) contrarianVerdict {
	credible := false
	summary := ""
	gapReason := ""
	for _, out := range res.Outputs {
		if out.Gap {
			gapReason = out.GapReason
			continue
		}
		if strings.EqualFold(textValue(out.BranchSignals, "counterStrength"), "credible") {
			credible = true
		}
		if s := textValue(out.Findings, "summary"); s != "" {
			summary = s
		}
	}
	switch {
	case credible && summary != "":
		return contrarianVerdict{result: "credible counter-argument: " + summary, credible: true}
	case credible:
		return contrarianVerdict{result: "credible counter-argument found", credible: true}
	case summary != "":
		return contrarianVerdict{result: "no credible counter-argument: " + summary}
	case gapReason != "":
		return contrarianVerdict{result: "contrarian investigation inconclusive: " + gapReason}
	default:
		return contrarianVerdict{result: "no credible counter-argument found"}
	}
}

func textValue(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// downgradeEvidence applies the credible-contrarian penalty to the named
// evidence entries, or to every entry when the worker named none.
func downgradeEvidence(adj *research.SubQuestionAdjudication, ids []string) {
	target := make(map[string]bool, len(ids))
	for _, id := range ids {
		target[id] = true
	}
	for i := range adj.Evidence {
		ev := &adj.Evidence[i]
		if len(ids) > 0 && !target[ev.EvidenceID] {
			continue
		}
		was := ev.Confidence
		ev.Confidence = ev.Confidence.Downgrade()
		if ev.Confidence != was {
			ev.ConfidenceRationale += "; downgraded: credible contrarian counter-argument"
			ev.Flags = append(ev.Flags, "credible-contrarian")
		}
	}
}

func (j *job) recordAssumptions(subQuestionID string, texts []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, t := range texts {
		if t = strings.TrimSpace(t); t != "" {
			j.assumptions = append(j.assumptions, assumptionRecord{SubQuestionID: subQuestionID, Text: t})
		}
	}
}

// writeAssumptions merges this run's assumptions into the accumulated
// inventory. Records from earlier adjudications survive.
func (j *job) writeAssumptions() error {
	j.mu.Lock()
	fresh := make([]assumptionRecord, len(j.assumptions))
	copy(fresh, j.assumptions)
	j.mu.Unlock()
	if len(fresh) == 0 {
		return nil
	}

	var doc assumptionsDoc
	if err := j.e.store.ReadArtifact(j.project.ID, "adjudication/assumptions.json", &doc); err != nil && !fault.Is(err, fault.NotFound) {
		return err
	}
	seen := make(map[string]bool, len(doc.Assumptions))
	for _, a := range doc.Assumptions {
		seen[a.SubQuestionID+"|"+a.Text] = true
	}
	for _, a := range fresh {
		if key := a.SubQuestionID + "|" + a.Text; !seen[key] {
			seen[key] = true
			doc.Assumptions = append(doc.Assumptions, a)
		}
	}
	sort.Slice(doc.Assumptions, func(a, b int) bool {
		if doc.Assumptions[a].SubQuestionID != doc.Assumptions[b].SubQuestionID {
			return doc.Assumptions[a].SubQuestionID < doc.Assumptions[b].SubQuestionID
		}
		return doc.Assumptions[a].Text < doc.Assumptions[b].Text
	})
	return j.e.store.WriteArtifact(j.project.ID, "adjudication/assumptions.json", &doc)
}

// evidenceFor returns the sub-question's distinct evidence items in manifest
// order. Follow-up derivations share ids with their base item and are not
// repeated.
func (j *job) evidenceFor(subQuestionID string) []research.EvidenceItem {
	seen := map[string]bool{}
	var out []research.EvidenceItem
	for _, item := range j.items {
		if item.SubQuestionID != subQuestionID || seen[item.EvidenceID] {
			continue
		}
		seen[item.EvidenceID] = true
		out = append(out, item)
	}
	return out
}

func (j *job) resultsFor(evidenceID string) []research.PathwayResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	runs := make([]research.PathwayResult, len(j.results[evidenceID]))
	copy(runs, j.results[evidenceID])
	sort.Slice(runs, func(a, b int) bool { return runs[a].PathwayID < runs[b].PathwayID })
	return runs
}

// resultRefs names the pathway runs feeding a score, "P-SCI:e1" style.
func resultRefs(runs []research.PathwayResult) []string {
	refs := make([]string, 0, len(runs))
	for _, r := range runs {
		refs = append(refs, r.PathwayID+":"+r.EvidenceID)
	}
	return refs
}

type summaryDoc struct {
	Topic        string            `json:"topic"`
	ProjectID    string            `json:"projectId"`
	GeneratedAt  time.Time         `json:"generatedAt"`
	SubQuestions []summaryQuestion `json:"subQuestions"`
	Totals       summaryTotals     `json:"totals"`
}

type summaryQuestion struct {
	ID       string                         `json:"id"`
	Text     string                         `json:"text"`
	Evidence []research.AdjudicatedEvidence `json:"evidence,omitempty"`
	Claims   []research.ConsensusClaim      `json:"consensusClaims,omitempty"`
}

type summaryTotals struct {
	EvidenceItems int            `json:"evidenceItems"`
	Confidence    map[string]int `json:"confidence,omitempty"`
}

// synthesize convenes the graph-writer worker and validates its product. One
// corrective respawn is allowed for a rejected graph; a second rejection
// fails the project.
func (j *job) synthesize(ctx context.Context) error {
	task := j.synthesizeTask()
	var g *graph.Graph
	for attempt := 0; ; attempt++ {
		raw, err := j.runWorker(ctx, workerSpec{
			label:    phaseLabel(j.project.ID, "synthesize"),
			template: pathway.TemplateImpl,
			task:     task,
		})
		if err != nil {
			return err
		}
		g, err = decodeGraph(raw)
		if err == nil {
			err = graph.ValidateOrError(g)
		}
		if err == nil {
			j.e.bus.Publish(j.project.ID, events.EventGraphValidated, map[string]any{
				"ok":    true,
				"nodes": len(g.Nodes),
				"edges": len(g.Edges),
			})
			break
		}
		j.e.bus.Publish(j.project.ID, events.EventGraphValidated, map[string]any{
			"ok":    false,
			"error": err.Error(),
		})
		if attempt > 0 {
			return err
		}
		j.e.logger.Warn("graph rejected, respawning synthesis once",
			zap.String("projectId", j.project.ID),
			zap.Error(err))
		task = j.synthesizeTask() + "\nVALIDATION ERRORS\nYour previous graph was rejected. Fix these issues:\n" + err.Error() + "\n"
	}

	j.stampGraph(g)
	if err := j.e.store.WriteArtifact(j.project.ID, "graph.json", g); err != nil {
		return err
	}
	if err := j.e.store.WriteArtifact(j.project.ID, "summary-of-findings.json", j.buildSummary()); err != nil {
		return err
	}
	if j.e.index != nil {
		if err := j.e.index.Record(j.project, g); err != nil {
			j.e.logger.Warn("research index update failed",
				zap.String("projectId", j.project.ID),
				zap.Error(err))
		} else {
			j.e.bus.Publish(j.project.ID, events.EventIndexUpdated, map[string]any{
				"projectId": j.project.ID,
				"entries":   j.e.index.Len(),
			})
		}
	}
	return nil
}

func decodeGraph(raw string) (*graph.Graph, error) {
	block, err := extract.JSON(raw)
	if err != nil {
		return nil, err
	}
	return graph.Decode(block)
}

// stampGraph fills authoritative metadata. Whatever meta the worker sent is
// replaced wholesale.
func (j *job) stampGraph(g *graph.Graph) {
	dist := map[string]int{}
	for _, n := range g.Nodes {
		if n.Confidence != "" {
			dist[n.Confidence]++
		}
	}
	g.Meta = graph.Meta{
		Topic:                  j.project.Topic,
		ProjectID:              j.project.ID,
		CreatedAt:              j.e.now().UTC(),
		PipelineVersion:        j.e.version,
		NodeCount:              len(g.Nodes),
		EdgeCount:              len(g.Edges),
		ConfidenceDistribution: dist,
	}
}

func (j *job) buildSummary() *summaryDoc {
	byID := make(map[string]research.SubQuestionAdjudication, len(j.adjudications))
	for _, adj := range j.adjudications {
		byID[adj.SubQuestionID] = adj
	}
	doc := &summaryDoc{
		Topic:       j.project.Topic,
		ProjectID:   j.project.ID,
		GeneratedAt: j.e.now().UTC(),
		Totals:      summaryTotals{Confidence: map[string]int{}},
	}
	for _, sq := range j.subQuestions {
		adj := byID[sq.ID]
		doc.SubQuestions = append(doc.SubQuestions, summaryQuestion{
			ID:       sq.ID,
			Text:     sq.Text,
			Evidence: adj.Evidence,
			Claims:   adj.ConsensusClaims,
		})
		doc.Totals.EvidenceItems += len(adj.Evidence)
		for _, ev := range adj.Evidence {
			doc.Totals.Confidence[string(ev.Confidence)]++
		}
	}
	return doc
}

// workerSpec names one engine-dispatched phase worker.
type workerSpec struct {
	label    string
	template pathway.WorkerTemplate
	task     string
}

// runWorker spawns one phase worker, awaits it, archives its output, and
// returns it. Every failure mode comes back as an error; the caller decides
// between degrading and failing the phase.
func (j *job) runWorker(ctx context.Context, spec workerSpec) (string, error) {
	e := j.e
	if err := e.checkpoint(ctx, j.project.ID); err != nil {
		return "", err
	}
	id, err := e.workers.Spawn(ctx, strategos.SpawnRequest{
		Template:        string(spec.template),
		Label:           spec.label,
		ProjectPath:     e.store.ProjectDir(j.project.ID),
		TaskDescription: spec.task,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		return "", err
	}
	e.bus.Publish(j.project.ID, events.EventWorkerSpawned, map[string]any{
		"workerId": id,
		"phase":    string(j.phase),
		"label":    spec.label,
		"template": string(spec.template),
	})

	waitCtx, cancel := context.WithTimeout(ctx, e.timeout)
	st, err := e.workers.WaitDone(waitCtx, id)
	cancel()
	if err != nil {
		j.kill(id)
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		if fault.Is(err, fault.WorkerTimeout) {
			e.bus.Publish(j.project.ID, events.EventWorkerDone, map[string]any{
				"workerId": id,
				"ok":       false,
				"reason":   "timeout",
			})
			return "", fault.New(fault.WorkerTimeout, "phase worker %s timed out after %s", id, e.timeout)
		}
		e.bus.Publish(j.project.ID, events.EventWorkerDone, map[string]any{
			"workerId": id,
			"ok":       false,
			"reason":   err.Error(),
		})
		return "", err
	}

	raw, outErr := e.workers.Output(ctx, id)
	if raw != "" {
		if logErr := e.store.AppendWorkerLog(j.project.ID, id, raw); logErr != nil {
			e.logger.Warn("worker log write failed", zap.String("workerId", id), zap.Error(logErr))
		}
	}
	j.kill(id)

	if st.State == strategos.StateFailed {
		reason := st.Error
		if reason == "" {
			reason = "worker failed"
		}
		e.bus.Publish(j.project.ID, events.EventWorkerDone, map[string]any{
			"workerId": id,
			"ok":       false,
			"reason":   reason,
		})
		return "", fault.New(fault.PermanentBackend, "phase worker %s failed: %s", id, reason)
	}
	e.bus.Publish(j.project.ID, events.EventWorkerDone, map[string]any{
		"workerId": id,
		"ok":       true,
	})
	if outErr != nil {
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		return "", fault.Wrap(fault.TransientBackend, outErr, "fetching worker output")
	}
	if err := e.checkpoint(ctx, j.project.ID); err != nil {
		return "", err
	}
	return raw, nil
}

// runExtract dispatches a worker whose reply must satisfy schema, allowing
// one corrective respawn for an unusable or rejected reply. check, when
// non-nil, vets the decoded value under the same retry policy.
func (j *job) runExtract(ctx context.Context, spec workerSpec, schema *jsonschema.Schema, out any, check func() error) error {
	task := spec.task
	for attempt := 0; ; attempt++ {
		raw, err := j.runWorker(ctx, spec)
		if err != nil {
			return err
		}
		err = extract.JSONInto(raw, schema, out)
		if err == nil && check != nil {
			if checkErr := check(); checkErr != nil {
				err = fault.Wrap(fault.SchemaViolation, checkErr, "reply rejected")
			}
		}
		if err == nil {
			return nil
		}
		if attempt > 0 {
			return err
		}
		j.e.logger.Warn("phase worker reply unusable, respawning once",
			zap.String("projectId", j.project.ID),
			zap.String("phase", string(j.phase)),
			zap.String("label", spec.label),
			zap.Error(err))
		spec.task = corrective(task, err)
	}
}

// kill removes the worker from the orchestrator. Runs detached so cleanup
// still happens after the phase ctx is cancelled.
func (j *job) kill(workerID string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := j.e.workers.Delete(killCtx, workerID); err != nil {
		j.e.logger.Warn("worker delete failed", zap.String("workerId", workerID), zap.Error(err))
	}
}

// interrupted distinguishes run-ending conditions from per-worker trouble.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || fault.Is(err, fault.Paused)
}

func corrective(original string, cause error) string {
	var b strings.Builder
	b.WriteString(original)
	b.WriteString("\nCORRECTION\n")
	b.WriteString("Your previous reply could not be used: ")
	b.WriteString(cause.Error())
	b.WriteString("\nReply again with exactly one JSON object satisfying the OUTPUT CONTRACT. No prose before or after the JSON.\n")
	return b.String()
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
