// Package research holds the domain types shared by the store, the pipeline,
// the investigation tree, and the control surface: projects and their status
// machine, plans, evidence manifests, pathway results, and confidence ratings.
package research

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the project lifecycle state.
type Status string

const (
	StatusPending       Status = "pending"
	StatusPlanning      Status = "planning"
	StatusResearching   Status = "researching"
	StatusInvestigating Status = "investigating"
	StatusAdjudicating  Status = "adjudicating"
	StatusSynthesizing  Status = "synthesizing"
	StatusComplete      Status = "complete"
	StatusPaused        Status = "paused"
	StatusError         Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPlanning, StatusResearching, StatusInvestigating,
		StatusAdjudicating, StatusSynthesizing, StatusComplete, StatusPaused, StatusError:
		return true
	}
	return false
}

// ValidTransition reports whether from -> to is a permitted status move.
// paused and error recover only through pending (resume); complete re-runs
// only through pending (explicit resume).
func ValidTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch to {
	case StatusPaused:
		return from != StatusComplete && from != StatusError
	case StatusError:
		return from != StatusComplete
	}
	switch from {
	case StatusPending:
		switch to {
		case StatusPlanning, StatusResearching, StatusInvestigating, StatusAdjudicating, StatusSynthesizing:
			return true
		}
	case StatusPlanning:
		return to == StatusResearching
	case StatusResearching:
		return to == StatusInvestigating
	case StatusInvestigating:
		return to == StatusAdjudicating
	case StatusAdjudicating:
		return to == StatusSynthesizing
	case StatusSynthesizing:
		return to == StatusComplete
	case StatusPaused, StatusError, StatusComplete:
		return to == StatusPending
	}
	return false
}

// Phase is one stage of the pipeline.
type Phase string

const (
	PhasePlan        Phase = "plan"
	PhaseClassify    Phase = "classify"
	PhaseInvestigate Phase = "investigate"
	PhaseAdjudicate  Phase = "adjudicate"
	PhaseSynthesize  Phase = "synthesize"
)

// Phases lists the pipeline order.
var Phases = []Phase{PhasePlan, PhaseClassify, PhaseInvestigate, PhaseAdjudicate, PhaseSynthesize}

// ParsePhase accepts canonical names plus the aliases clients tend to send.
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plan", "planning":
		return PhasePlan, nil
	case "classify", "research", "researching":
		return PhaseClassify, nil
	case "investigate", "investigating":
		return PhaseInvestigate, nil
	case "adjudicate", "adjudicating":
		return PhaseAdjudicate, nil
	case "synthesize", "synthesizing", "synthesis":
		return PhaseSynthesize, nil
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// PhaseStatus is the status a project shows while the phase runs.
func PhaseStatus(p Phase) Status {
	switch p {
	case PhasePlan:
		return StatusPlanning
	case PhaseClassify:
		return StatusResearching
	case PhaseInvestigate:
		return StatusInvestigating
	case PhaseAdjudicate:
		return StatusAdjudicating
	case PhaseSynthesize:
		return StatusSynthesizing
	}
	return StatusPending
}

// PhaseIndex returns the position of p in the pipeline order, or -1.
func PhaseIndex(p Phase) int {
	for i, q := range Phases {
		if q == p {
			return i
		}
	}
	return -1
}

type ProjectConfig struct {
	// InvestigationBudget caps investigate-phase fan-out, [0, 50].
	InvestigationBudget int `json:"investigationBudget"`
}

type ArtifactRef struct {
	Path   string `json:"path"`
	Digest string `json:"digest,omitempty"`
}

type Project struct {
	ID        string        `json:"id"`
	Topic     string        `json:"topic"`
	Status    Status        `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Config    ProjectConfig `json:"config"`
	LastError string        `json:"lastError,omitempty"`
	// PauseRequested is the cooperative pause flag; the engine observes it
	// at checkpoints and transitions Status itself.
	PauseRequested bool          `json:"pauseRequested,omitempty"`
	Artifacts      []ArtifactRef `json:"artifacts,omitempty"`
}

// SubQuestion is one line of inquiry from the plan phase.
type SubQuestion struct {
	ID                    string   `json:"id"`
	Text                  string   `json:"text"`
	ExpectedEvidenceTypes []string `json:"expectedEvidenceTypes,omitempty"`
}

type Plan struct {
	SubQuestions []SubQuestion `json:"subQuestions"`
}

// Validate enforces the plan shape: 5-8 sub-questions, unique non-empty IDs.
func (p *Plan) Validate() error {
	if n := len(p.SubQuestions); n < 5 || n > 8 {
		return fmt.Errorf("plan must contain 5-8 sub-questions, got %d", n)
	}
	seen := map[string]bool{}
	for i, q := range p.SubQuestions {
		if strings.TrimSpace(q.ID) == "" {
			return fmt.Errorf("sub-question %d has empty id", i)
		}
		if strings.TrimSpace(q.Text) == "" {
			return fmt.Errorf("sub-question %q has empty text", q.ID)
		}
		if seen[q.ID] {
			return fmt.Errorf("duplicate sub-question id %q", q.ID)
		}
		seen[q.ID] = true
	}
	return nil
}

// EvidenceType is one of the 11 primary classification codes.
type EvidenceType string

const (
	EvidenceSCI EvidenceType = "SCI"
	EvidenceGOV EvidenceType = "GOV"
	EvidenceORG EvidenceType = "ORG"
	EvidenceEXP EvidenceType = "EXP"
	EvidenceSTA EvidenceType = "STA"
	EvidenceFIN EvidenceType = "FIN"
	EvidenceDOC EvidenceType = "DOC"
	EvidenceMED EvidenceType = "MED"
	EvidenceHIS EvidenceType = "HIS"
	EvidenceTES EvidenceType = "TES"
	EvidenceTEC EvidenceType = "TEC"
)

var evidenceTypes = map[EvidenceType]bool{
	EvidenceSCI: true, EvidenceGOV: true, EvidenceORG: true, EvidenceEXP: true,
	EvidenceSTA: true, EvidenceFIN: true, EvidenceDOC: true, EvidenceMED: true,
	EvidenceHIS: true, EvidenceTES: true, EvidenceTEC: true,
}

// NormalizeEvidenceType upper-cases and validates; unknown codes fall back
// to MED.
func NormalizeEvidenceType(s string) EvidenceType {
	t := EvidenceType(strings.ToUpper(strings.TrimSpace(s)))
	if evidenceTypes[t] {
		return t
	}
	return EvidenceMED
}

// ValidSourceRating reports whether r is one of A-F.
func ValidSourceRating(r string) bool {
	return len(r) == 1 && r[0] >= 'A' && r[0] <= 'F'
}

// ValidInfoRating reports whether r is one of 1-6.
func ValidInfoRating(r int) bool { return r >= 1 && r <= 6 }

// HighQualitySource reports whether r is an A or B reliability rating.
func HighQualitySource(r string) bool { return r == "A" || r == "B" }

// Citation is the fixed citation schema. A bare JSON string decodes as
// {"text": ...} so both legacy shapes migrate in.
type Citation struct {
	Text string `json:"text"`
	DOI  string `json:"doi,omitempty"`
	PMID string `json:"pmid,omitempty"`
	URL  string `json:"url,omitempty"`
	Year int    `json:"year,omitempty"`
}

func (c *Citation) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = Citation{Text: s}
		return nil
	}
	type plain Citation
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*c = Citation(p)
	return nil
}

// EvidenceItem is one atom of information scheduled for investigation.
type EvidenceItem struct {
	EvidenceID             string       `json:"evidenceId"`
	SubQuestionID          string       `json:"subQuestionId"`
	Type                   EvidenceType `json:"type"`
	Description            string       `json:"description"`
	Citation               Citation     `json:"citation"`
	SourceReliability      string       `json:"sourceReliability"`
	InformationCredibility int          `json:"informationCredibility"`
	TriggeredPathway       string       `json:"triggeredPathway"`
}

type EvidenceManifest struct {
	Items []EvidenceItem `json:"items"`
}

// LevelOutput is the structured product of one investigation level. Gap
// levels carry no findings but stay in the result so scoring can see the
// missing corroboration.
type LevelOutput struct {
	Level             string         `json:"level"`
	Depth             int            `json:"depth"`
	EvidenceFound     bool           `json:"evidenceFound"`
	SourceRating      string         `json:"sourceRating,omitempty"`
	InfoRating        int            `json:"infoRating,omitempty"`
	Findings          map[string]any `json:"findings,omitempty"`
	BranchSignals     map[string]any `json:"branchSignals,omitempty"`
	Citations         []Citation     `json:"citations,omitempty"`
	NextEvidenceTypes []string       `json:"nextEvidenceTypes,omitempty"`
	Gap               bool           `json:"gap,omitempty"`
	GapReason         string         `json:"gapReason,omitempty"`
	WorkerID          string         `json:"workerId,omitempty"`
	CompletedAt       time.Time      `json:"completedAt,omitempty"`
}

// PathwayResult aggregates the level outputs of one (pathway, evidence) run.
type PathwayResult struct {
	PathwayID  string        `json:"pathwayId"`
	EvidenceID string        `json:"evidenceId"`
	Outputs    []LevelOutput `json:"outputs"`
	Confidence Confidence    `json:"confidence"`
	Terminated bool          `json:"terminated,omitempty"`
}

// Confidence is the categorical rating for an evidence item.
type Confidence string

const (
	ConfidenceVerified   Confidence = "V"
	ConfidencePlausible  Confidence = "P"
	ConfidenceUnverified Confidence = "U"
	ConfidenceDisputed   Confidence = "D"
	ConfidenceRetracted  Confidence = "R"
)

// ladder orders ratings best to worst for modifier moves. R is terminal and
// never reached by a downgrade.
var ladder = []Confidence{ConfidenceVerified, ConfidencePlausible, ConfidenceUnverified, ConfidenceDisputed}

func ladderIndex(c Confidence) int {
	for i, l := range ladder {
		if l == c {
			return i
		}
	}
	return -1
}

// Downgrade moves one step down the ladder. R is unchanged.
func (c Confidence) Downgrade() Confidence {
	i := ladderIndex(c)
	if i < 0 || i == len(ladder)-1 {
		return c
	}
	return ladder[i+1]
}

// Upgrade moves one step up the ladder. R is unchanged.
func (c Confidence) Upgrade() Confidence {
	i := ladderIndex(c)
	if i <= 0 {
		return c
	}
	return ladder[i-1]
}

// CapAtPlausible lowers verified to plausible and leaves everything else.
func (c Confidence) CapAtPlausible() Confidence {
	if c == ConfidenceVerified {
		return ConfidencePlausible
	}
	return c
}

type ConsensusClaim struct {
	Claim                       string  `json:"claim"`
	ConsensusLevel              float64 `json:"consensusLevel"`
	Contrarian                  bool    `json:"contrarian,omitempty"`
	ContrarianAnalysisTriggered bool    `json:"contrarianAnalysisTriggered"`
	ContrarianResult            string  `json:"contrarianResult,omitempty"`
}

type AdjudicatedEvidence struct {
	EvidenceID          string     `json:"evidenceId"`
	Confidence          Confidence `json:"confidence"`
	ConfidenceRationale string     `json:"confidenceRationale"`
	PathwayResults      []string   `json:"pathwayResults,omitempty"`
	Flags               []string   `json:"flags,omitempty"`
}

// SubQuestionAdjudication is the adjudication/<subQuestionId>-adjudicated.json
// payload.
type SubQuestionAdjudication struct {
	SubQuestionID   string                `json:"subQuestionId"`
	Evidence        []AdjudicatedEvidence `json:"evidence"`
	ConsensusClaims []ConsensusClaim      `json:"consensusClaims,omitempty"`
}
