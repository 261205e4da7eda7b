package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/veracity-research/veracity/internal/fault"
	"github.com/veracity-research/veracity/internal/research"
	"github.com/veracity-research/veracity/internal/tree"
)

// loadForPhase restores the artifacts a driver needs before entering
// fromPhase. Earlier phases are never re-executed on resume; their output is
// read back from disk.
func (j *job) loadForPhase(from research.Phase) error {
	idx := research.PhaseIndex(from)
	if idx >= research.PhaseIndex(research.PhaseClassify) {
		var plan research.Plan
		if err := j.e.store.ReadArtifact(j.project.ID, "plan.json", &plan); err != nil {
			if fault.Is(err, fault.NotFound) {
				return fault.New(fault.InvalidInput, "resume from %s requires plan.json", from)
			}
			return err
		}
		j.subQuestions = plan.SubQuestions
	}
	if idx >= research.PhaseIndex(research.PhaseInvestigate) {
		items, err := j.loadManifests()
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return fault.New(fault.InvalidInput, "resume from %s requires evidence manifests", from)
		}
		j.items = items
	}
	if idx >= research.PhaseIndex(research.PhaseAdjudicate) {
		if err := j.loadResults(); err != nil {
			return err
		}
	}
	if idx >= research.PhaseIndex(research.PhaseSynthesize) {
		if err := j.loadAdjudications(); err != nil {
			return err
		}
	}
	return nil
}

// loadManifests reads evidence/manifest-*.json in ordinal order and merges
// them into one working set. A (evidenceId, pathway) pair appearing twice
// keeps its first occurrence.
func (j *job) loadManifests() ([]research.EvidenceItem, error) {
	names, err := j.e.store.ListArtifacts(j.project.ID, "evidence/manifest-*.json")
	if err != nil {
		return nil, err
	}
	sort.Slice(names, func(a, b int) bool { return manifestOrdinal(names[a]) < manifestOrdinal(names[b]) })
	seen := map[string]bool{}
	var items []research.EvidenceItem
	for _, name := range names {
		var m research.EvidenceManifest
		if err := j.e.store.ReadArtifact(j.project.ID, name, &m); err != nil {
			return nil, err
		}
		for _, item := range m.Items {
			key := item.EvidenceID + "|" + item.TriggeredPathway
			if seen[key] {
				continue
			}
			seen[key] = true
			items = append(items, item)
		}
	}
	return items, nil
}

func manifestOrdinal(name string) int {
	base := strings.TrimSuffix(name, ".json")
	if i := strings.LastIndex(base, "-"); i >= 0 {
		if n, err := strconv.Atoi(base[i+1:]); err == nil {
			return n
		}
	}
	return 0
}

// loadResults restores pathway results for adjudication, preferring the
// aggregate written at the end of the investigate phase and falling back to
// the per-level artifacts when it is absent.
func (j *job) loadResults() error {
	var doc investigationResults
	err := j.e.store.ReadArtifact(j.project.ID, "investigation/results.json", &doc)
	switch {
	case err == nil:
		for _, res := range doc.Results {
			j.results[res.EvidenceID] = append(j.results[res.EvidenceID], res)
			j.executed[res.PathwayID+"|"+res.EvidenceID] = true
		}
		return nil
	case fault.Is(err, fault.NotFound):
		return j.rebuildResults()
	default:
		return err
	}
}

// rebuildResults reassembles pathway runs from the per-level artifacts named
// investigation/<pathwayId>-<evidenceId>-<label>.json. Pathway ids match
// P-<CODE> and level labels carry no hyphens, so the name parses
// unambiguously even when the evidence id itself contains hyphens.
func (j *job) rebuildResults() error {
	names, err := j.e.store.ListArtifacts(j.project.ID, "investigation/*.json")
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			return nil
		}
		return err
	}
	type runKey struct{ pathwayID, evidenceID string }
	runs := map[runKey][]research.LevelOutput{}
	var order []runKey
	for _, name := range names {
		base := strings.TrimSuffix(strings.TrimPrefix(name, "investigation/"), ".json")
		parts := strings.Split(base, "-")
		if len(parts) < 4 {
			continue
		}
		key := runKey{
			pathwayID:  parts[0] + "-" + parts[1],
			evidenceID: strings.Join(parts[2:len(parts)-1], "-"),
		}
		var out research.LevelOutput
		if err := j.e.store.ReadArtifact(j.project.ID, name, &out); err != nil {
			j.e.logger.Warn("level artifact unreadable during resume",
				zap.String("projectId", j.project.ID),
				zap.String("artifact", name),
				zap.Error(err))
			continue
		}
		if _, ok := runs[key]; !ok {
			order = append(order, key)
		}
		runs[key] = append(runs[key], out)
	}
	for _, key := range order {
		outs := runs[key]
		tree.SortOutputs(outs)
		res := research.PathwayResult{
			PathwayID:  key.pathwayID,
			EvidenceID: key.evidenceID,
			Outputs:    outs,
		}
		if item, ok := j.itemByID(key.evidenceID); ok {
			res.Confidence = tree.Score(item, []research.PathwayResult{res}).Confidence
		}
		j.results[key.evidenceID] = append(j.results[key.evidenceID], res)
		j.executed[key.pathwayID+"|"+key.evidenceID] = true
	}
	if len(order) > 0 {
		j.e.logger.Info("pathway results rebuilt from level artifacts",
			zap.String("projectId", j.project.ID),
			zap.Int("runs", len(order)))
	}
	return nil
}

// loadAdjudications restores per-question verdicts for the synthesis task.
// A sub-question without an artifact resumes with an empty adjudication.
func (j *job) loadAdjudications() error {
	adjs := make([]research.SubQuestionAdjudication, 0, len(j.subQuestions))
	for _, sq := range j.subQuestions {
		var adj research.SubQuestionAdjudication
		rel := fmt.Sprintf("adjudication/%s-adjudicated.json", sq.ID)
		if err := j.e.store.ReadArtifact(j.project.ID, rel, &adj); err != nil {
			if !fault.Is(err, fault.NotFound) {
				return err
			}
			j.e.logger.Warn("adjudication artifact missing during resume",
				zap.String("projectId", j.project.ID),
				zap.String("subQuestionId", sq.ID))
			adj = research.SubQuestionAdjudication{SubQuestionID: sq.ID}
		}
		adjs = append(adjs, adj)
	}
	j.adjudications = adjs
	return nil
}
