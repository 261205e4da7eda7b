// Package tree executes one investigation pathway per evidence item: it
// spawns a worker per level, extracts and validates the structured output,
// follows branch signals down the chain, and scores the accumulated outputs
// into a confidence rating.
package tree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/veracity-research/veracity/internal/research"
)

// Assessment is the scored confidence for one evidence item.
type Assessment struct {
	Confidence research.Confidence `json:"confidence"`
	Rationale  string              `json:"confidenceRationale"`
	Flags      []string            `json:"flags,omitempty"`
}

// Study designs that count as corroborating methodology. Anything weaker
// caps the rating at plausible when it is the only design seen.
var strongDesigns = map[string]bool{
	"rct":               true,
	"cohort":            true,
	"case-control":      true,
	"meta-analysis":     true,
	"systematic-review": true,
}

var weakDesigns = map[string]bool{
	"case-report": true,
	"animal":      true,
	"in-vitro":    true,
}

// tally is everything the scoring rules read, accumulated in one pass over
// the level outputs of every pathway run for the evidence item.
type tally struct {
	retracted     bool
	terminated    bool
	confirmHQ     int // findings from A/B sources
	confirmLQ     int // findings from C-or-lower or unrated sources
	contradictHQ  int // A/B findings flagged contradicts
	unresolvedBia bool
	minorBias     bool
	unsoundMethod bool
	industry      bool
	replicated    bool
	sawStrong     bool
	sawWeak       bool
	sawTestimony  bool
	minSample     int // 0 = no sampleSize signal seen
	pHacking      bool
	contrarian    bool
	largeEffect   bool
	doseResponse  bool
	gaps          int
}

// Score rates one evidence item from the pathway results accumulated for it.
// Identical inputs produce identical output: the scan walks results and
// outputs in slice order and never consults a map in iteration order.
func Score(ev research.EvidenceItem, results []research.PathwayResult) Assessment {
	t := count(ev, results)

	base, why := baseRating(t)
	if base == research.ConfidenceRetracted {
		flag := "retracted"
		if !t.retracted {
			flag = "terminated"
		}
		return Assessment{Confidence: base, Rationale: why, Flags: []string{flag}}
	}

	conf := base
	reasons := []string{why}
	var flags []string

	capAt := func(flag, reason string) {
		flags = append(flags, flag)
		if conf == research.ConfidenceVerified {
			conf = conf.CapAtPlausible()
			reasons = append(reasons, "capped at plausible: "+reason)
		} else {
			reasons = append(reasons, reason)
		}
	}
	if t.industry && !t.replicated {
		capAt("industry-funded", "industry funding without independent replication")
	}
	if t.sawTestimony && !t.sawStrong {
		capAt("testimonial-only", "testimonial evidence only")
	}
	if t.sawWeak && !t.sawStrong {
		capAt("weak-design", "case-report, animal, or in-vitro evidence only")
	}
	if t.minSample > 0 && t.minSample < 30 {
		capAt("small-sample", fmt.Sprintf("smallest sample size %d", t.minSample))
	}
	if t.pHacking {
		flags = append(flags, "p-hacking")
		conf = conf.Downgrade()
		reasons = append(reasons, "downgraded: p-hacking or cherry-picking detected")
	}
	if t.contrarian {
		flags = append(flags, "credible-contrarian")
		conf = conf.Downgrade()
		reasons = append(reasons, "downgraded: credible contrarian counter")
	}
	if t.largeEffect {
		conf = conf.Upgrade()
		reasons = append(reasons, "upgraded: large effect size from quality study")
	}
	if t.doseResponse {
		conf = conf.Upgrade()
		reasons = append(reasons, "upgraded: confirmed dose-response relationship")
	}

	return Assessment{Confidence: conf, Rationale: strings.Join(reasons, "; "), Flags: flags}
}

// baseRating applies the ordered rules before any modifier. More
// confirmations never lower the rating.
func baseRating(t tally) (research.Confidence, string) {
	total := t.confirmHQ + t.confirmLQ
	anyBias := t.minorBias || t.unresolvedBia
	switch {
	case t.retracted:
		return research.ConfidenceRetracted, "source retracted"
	case t.terminated:
		return research.ConfidenceRetracted, "investigation terminated by pathway"
	case t.contradictHQ >= 1 && t.confirmHQ >= 1:
		return research.ConfidenceDisputed, "high-quality sources contradict each other"
	case t.confirmHQ >= 3 && !anyBias && !t.unsoundMethod:
		return research.ConfidenceVerified,
			fmt.Sprintf("%d independent A/B confirmations, no unresolved bias, methodology sound", t.confirmHQ)
	case t.confirmHQ >= 3:
		switch {
		case t.unresolvedBia:
			return research.ConfidencePlausible, "A/B confirmations carry unresolved bias flags"
		case t.minorBias:
			return research.ConfidencePlausible, "A/B confirmations carry minor bias flags"
		default:
			return research.ConfidencePlausible, "A/B confirmations carry methodology concerns"
		}
	case t.confirmHQ >= 1:
		return research.ConfidencePlausible,
			fmt.Sprintf("%d A/B confirmation(s), below verification threshold", t.confirmHQ)
	case t.confirmLQ >= 3:
		return research.ConfidencePlausible,
			fmt.Sprintf("%d confirmations from C-or-lower sources", t.confirmLQ)
	case t.gaps > 0 && total == 0:
		return research.ConfidenceUnverified,
			fmt.Sprintf("insufficient corroboration (%d investigation gap(s))", t.gaps)
	default:
		return research.ConfidenceUnverified, "insufficient corroboration"
	}
}

func count(ev research.EvidenceItem, results []research.PathwayResult) tally {
	var t tally
	t.sawTestimony = ev.Type == research.EvidenceTES
	for _, res := range results {
		if res.Terminated {
			t.terminated = true
		}
		for _, out := range res.Outputs {
			t.observe(out)
		}
	}
	return t
}

func (t *tally) observe(out research.LevelOutput) {
	if out.Gap {
		t.gaps++
		return
	}
	sig := out.BranchSignals
	if signalBool(sig, "retracted") {
		t.retracted = true
	}
	hq := research.HighQualitySource(out.SourceRating)
	if out.EvidenceFound {
		if signalBool(sig, "contradicts") {
			if hq {
				t.contradictHQ++
			}
		} else if hq {
			t.confirmHQ++
		} else {
			t.confirmLQ++
		}
	}

	switch strings.ToLower(signalString(sig, "overallBias")) {
	case "high", "critical":
		t.unresolvedBia = true
	case "moderate", "some":
		t.minorBias = true
	}
	if v, ok := signalBoolOK(sig, "methodologySound"); ok && !v {
		t.unsoundMethod = true
	}
	if strings.ToLower(signalString(sig, "funderType")) == "industry" {
		t.industry = true
	}
	if signalBool(sig, "replicationExists") && signalBool(sig, "replicationConfirms") {
		t.replicated = true
	}
	switch design := strings.ToLower(signalString(sig, "studyType")); {
	case strongDesigns[design]:
		t.sawStrong = true
	case weakDesigns[design]:
		t.sawWeak = true
	case design == "testimonial":
		t.sawTestimony = true
	}
	if n, ok := signalFloat(sig, "sampleSize"); ok {
		size := int(n)
		if t.minSample == 0 || size < t.minSample {
			t.minSample = size
		}
	}
	if signalBool(sig, "pHacking") || signalBool(sig, "cherryPicking") {
		t.pHacking = true
	}
	if strings.ToLower(signalString(sig, "counterStrength")) == "credible" {
		t.contrarian = true
	}
	if rr, ok := signalFloat(sig, "rr"); ok && hq && (rr > 5 || (rr > 0 && rr < 0.2)) {
		t.largeEffect = true
	}
	if rr, ok := signalFloat(sig, "effectSize"); ok && hq && (rr > 5 || (rr > 0 && rr < 0.2)) {
		t.largeEffect = true
	}
	if signalBool(sig, "doseResponse") {
		t.doseResponse = true
	}
}

func signalBool(sig map[string]any, key string) bool {
	v, _ := signalBoolOK(sig, key)
	return v
}

func signalBoolOK(sig map[string]any, key string) (bool, bool) {
	raw, ok := sig[key]
	if !ok {
		return false, false
	}
	switch v := raw.(type) {
	case bool:
		return v, true
	case string:
		return strings.EqualFold(v, "true"), true
	}
	return false, false
}

func signalString(sig map[string]any, key string) string {
	if raw, ok := sig[key]; ok {
		if s, ok := raw.(string); ok {
			return s
		}
	}
	return ""
}

func signalFloat(sig map[string]any, key string) (float64, bool) {
	raw, ok := sig[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// SortOutputs orders level outputs by depth then label so persisted results
// are stable regardless of branch scheduling.
func SortOutputs(outs []research.LevelOutput) {
	sort.SliceStable(outs, func(i, j int) bool {
		if outs[i].Depth != outs[j].Depth {
			return outs[i].Depth < outs[j].Depth
		}
		return outs[i].Level < outs[j].Level
	})
}
