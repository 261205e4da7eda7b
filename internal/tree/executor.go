package tree

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/veracity-research/veracity/internal/events"
	"github.com/veracity-research/veracity/internal/extract"
	"github.com/veracity-research/veracity/internal/fault"
	"github.com/veracity-research/veracity/internal/pathway"
	"github.com/veracity-research/veracity/internal/research"
	"github.com/veracity-research/veracity/internal/store"
	"github.com/veracity-research/veracity/internal/strategos"
)

// FollowUp asks the scheduler for additional pathway executions on evidence
// types surfaced mid-chain.
type FollowUp struct {
	EvidenceID   string
	EvidenceType research.EvidenceType
	FromPathway  string
	FromLevel    string
}

// Options wires a Runner. Workers, Store, and Bus are required.
type Options struct {
	Workers *strategos.Client
	Store   *store.Store
	Bus     *events.Bus
	Logger  *zap.Logger
	// DefaultTimeout bounds a level await when the pathway declares none.
	DefaultTimeout time.Duration
}

// Runner executes pathways level by level. One Runner serves all projects;
// per-run state lives in the execution.
type Runner struct {
	workers *strategos.Client
	store   *store.Store
	bus     *events.Bus
	logger  *zap.Logger
	timeout time.Duration
}

func NewRunner(opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Runner{
		workers: opts.Workers,
		store:   opts.Store,
		bus:     opts.Bus,
		logger:  logger.Named("tree"),
		timeout: timeout,
	}
}

// Run drives p for one evidence item and returns the scored result. Level
// failures and timeouts become gap outputs; the only errors returned are
// cancellation and invariant violations. followUp may be nil.
func (r *Runner) Run(ctx context.Context, projectID string, p *pathway.Pathway, ev research.EvidenceItem, followUp func(FollowUp)) (*research.PathwayResult, error) {
	entry := p.Entry()
	if entry == nil {
		return nil, fault.New(fault.InvariantViolation, "pathway %s has no depth-1 level", p.ID)
	}
	timeout := r.timeout
	if p.ExitCriteria.TimeoutMinutes > 0 {
		timeout = time.Duration(p.ExitCriteria.TimeoutMinutes) * time.Minute
	}

	e := &execution{
		r:         r,
		projectID: projectID,
		p:         p,
		ev:        ev,
		evScope:   pathway.Scope(ev),
		timeout:   timeout,
		followUp:  followUp,
	}

	r.bus.Publish(projectID, events.EventPathwayStarted, map[string]any{
		"pathwayId":  p.ID,
		"evidenceId": ev.EvidenceID,
	})
	r.logger.Info("pathway started",
		zap.String("projectId", projectID),
		zap.String("pathwayId", p.ID),
		zap.String("evidenceId", ev.EvidenceID))

	if err := e.runLevel(ctx, entry, nil, "", map[string]bool{}); err != nil {
		return nil, err
	}

	result := &research.PathwayResult{
		PathwayID:  p.ID,
		EvidenceID: ev.EvidenceID,
		Outputs:    e.sortedOutputs(),
		Terminated: e.isTerminated(),
	}
	scored := Score(ev, []research.PathwayResult{*result})
	result.Confidence = scored.Confidence

	r.bus.Publish(projectID, events.EventPathwayComplete, map[string]any{
		"pathwayId":  p.ID,
		"evidenceId": ev.EvidenceID,
		"confidence": string(result.Confidence),
		"levels":     len(result.Outputs),
		"terminated": result.Terminated,
	})
	return result, nil
}

// execution is the mutable state of one (pathway, evidence) run. Parallel
// branches share it under mu.
type execution struct {
	r         *Runner
	projectID string
	p         *pathway.Pathway
	ev        research.EvidenceItem
	evScope   map[string]any
	timeout   time.Duration
	followUp  func(FollowUp)

	mu         sync.Mutex
	outputs    []research.LevelOutput
	terminated bool
}

func (e *execution) record(out research.LevelOutput) {
	e.mu.Lock()
	e.outputs = append(e.outputs, out)
	e.mu.Unlock()
}

func (e *execution) sortedOutputs() []research.LevelOutput {
	e.mu.Lock()
	defer e.mu.Unlock()
	outs := make([]research.LevelOutput, len(e.outputs))
	copy(outs, e.outputs)
	SortOutputs(outs)
	return outs
}

func (e *execution) terminate() {
	e.mu.Lock()
	e.terminated = true
	e.mu.Unlock()
}

func (e *execution) isTerminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

// runLevel executes one level and descends through its satisfied branches.
// parent is the previous level's output scope, nil at the entry. visited is
// owned by this chain; sibling chains get their own copy.
func (e *execution) runLevel(ctx context.Context, lv *pathway.Level, parent map[string]any, parentWorker string, visited map[string]bool) error {
	if e.isTerminated() {
		return nil
	}
	if lv.Depth > pathway.MaxDepth {
		return fault.New(fault.InvariantViolation, "pathway %s level %s exceeds depth %d", e.p.ID, lv.Label, pathway.MaxDepth)
	}
	if visited[lv.Label] {
		return fault.New(fault.InvariantViolation, "pathway %s revisits level %s", e.p.ID, lv.Label)
	}
	visited[lv.Label] = true

	task := pathway.BuildTask(e.p, lv, e.evScope, parent)
	out, err := e.runWorker(ctx, lv, task, parentWorker)
	if err != nil {
		return err
	}

	rel := fmt.Sprintf("investigation/%s-%s-%s.json", e.p.ID, e.ev.EvidenceID, lv.Label)
	if err := e.r.store.WriteArtifact(e.projectID, rel, out); err != nil {
		return err
	}
	e.record(out)
	e.r.bus.Publish(e.projectID, events.EventPathwayLevel, map[string]any{
		"pathwayId":     e.p.ID,
		"evidenceId":    e.ev.EvidenceID,
		"level":         lv.Label,
		"depth":         lv.Depth,
		"evidenceFound": out.EvidenceFound,
		"gap":           out.Gap,
	})

	if out.Gap {
		// Stop descending this branch; scoring sees the missing level.
		return nil
	}

	if e.followUp != nil {
		for _, et := range out.NextEvidenceTypes {
			e.followUp(FollowUp{
				EvidenceID:   e.ev.EvidenceID,
				EvidenceType: research.NormalizeEvidenceType(et),
				FromPathway:  e.p.ID,
				FromLevel:    lv.Label,
			})
		}
	}

	return e.descend(ctx, lv, out, visited)
}

// descend evaluates branches against the level's signals and runs the
// selected children.
func (e *execution) descend(ctx context.Context, lv *pathway.Level, out research.LevelOutput, visited map[string]bool) error {
	var selected []*pathway.Branch
	if lv.Parallel {
		selected = pathway.SelectBranches(lv.Branches, out.BranchSignals)
	} else if b := pathway.SelectBranch(lv.Branches, out.BranchSignals); b != nil {
		selected = []*pathway.Branch{b}
	}
	if len(selected) == 0 {
		return nil
	}

	for _, b := range selected {
		if !b.Terminate {
			continue
		}
		e.terminate()
		e.r.bus.Publish(e.projectID, events.EventPathwayBranch, map[string]any{
			"pathwayId":  e.p.ID,
			"evidenceId": e.ev.EvidenceID,
			"from":       lv.Label,
			"terminate":  true,
		})
		e.r.logger.Info("pathway terminated",
			zap.String("projectId", e.projectID),
			zap.String("pathwayId", e.p.ID),
			zap.String("evidenceId", e.ev.EvidenceID),
			zap.String("level", lv.Label))
		return nil
	}

	children := make([]*pathway.Level, 0, len(selected))
	for _, b := range selected {
		child := e.p.Level(b.To)
		if child == nil {
			// Load-time validation rejects dangling targets; a miss here
			// means the registry was bypassed.
			return fault.New(fault.InvariantViolation, "pathway %s branch target %q not found", e.p.ID, b.To)
		}
		e.r.bus.Publish(e.projectID, events.EventPathwayBranch, map[string]any{
			"pathwayId":  e.p.ID,
			"evidenceId": e.ev.EvidenceID,
			"from":       lv.Label,
			"to":         child.Label,
		})
		children = append(children, child)
	}

	parentScope := pathway.Scope(out)
	if len(children) == 1 {
		return e.runLevel(ctx, children[0], parentScope, out.WorkerID, visited)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, child := range children {
		child := child
		g.Go(func() error {
			return e.runLevel(gctx, child, parentScope, out.WorkerID, copyVisited(visited))
		})
	}
	return g.Wait()
}

// runWorker spawns the level's worker, awaits it, and extracts the output.
// Worker failures, timeouts, and unusable output come back as gap outputs;
// the error return is reserved for cancellation and store failures.
func (e *execution) runWorker(ctx context.Context, lv *pathway.Level, task pathway.Task, parentWorker string) (research.LevelOutput, error) {
	label := fmt.Sprintf("veracity/%s/%s/%s/%s", e.projectID, e.p.ID, e.ev.EvidenceID, lv.Label)
	description := task.Description
	workerID := parentWorker

	for attempt := 0; attempt < 2; attempt++ {
		id, err := e.r.workers.Spawn(ctx, strategos.SpawnRequest{
			Template:        string(task.Template),
			Label:           label,
			ProjectPath:     e.r.store.ProjectDir(e.projectID),
			TaskDescription: description,
			ParentWorkerID:  workerID,
		})
		if err != nil {
			if ctx.Err() != nil {
				return research.LevelOutput{}, context.Cause(ctx)
			}
			return e.gap(lv, "", "spawn failed: "+err.Error()), nil
		}
		workerID = id
		e.r.bus.Publish(e.projectID, events.EventWorkerSpawned, map[string]any{
			"workerId":   id,
			"pathwayId":  e.p.ID,
			"evidenceId": e.ev.EvidenceID,
			"level":      lv.Label,
			"template":   string(task.Template),
		})

		raw, gapReason, err := e.await(ctx, id)
		if err != nil {
			return research.LevelOutput{}, err
		}
		if gapReason != "" {
			return e.gap(lv, id, gapReason), nil
		}

		var out research.LevelOutput
		if err := extractInto(raw, lv, &out); err != nil {
			e.r.logger.Warn("level output unusable",
				zap.String("projectId", e.projectID),
				zap.String("workerId", id),
				zap.String("level", lv.Label),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			if attempt == 0 {
				description = corrective(task.Description, err)
				continue
			}
			return e.gap(lv, id, "output unusable after retry: "+err.Error()), nil
		}
		out.Level = lv.Label
		out.Depth = lv.Depth
		out.WorkerID = id
		out.CompletedAt = time.Now().UTC()
		return out, nil
	}
	// Unreachable; the second attempt always returns.
	return e.gap(lv, workerID, "output unusable"), nil
}

// await blocks until the worker finishes or the level deadline passes. The
// returned gapReason is non-empty when the level must be recorded as a gap.
func (e *execution) await(ctx context.Context, workerID string) (raw, gapReason string, err error) {
	lvlCtx, cancel := context.WithTimeout(ctx, e.timeout)
	st, err := e.r.workers.WaitDone(lvlCtx, workerID)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			e.kill(workerID)
			return "", "", context.Cause(ctx)
		}
		if fault.Is(err, fault.WorkerTimeout) {
			e.kill(workerID)
			e.r.bus.Publish(e.projectID, events.EventWorkerDone, map[string]any{
				"workerId": workerID,
				"ok":       false,
				"reason":   "timeout",
			})
			return "", fmt.Sprintf("worker timed out after %s", e.timeout), nil
		}
		e.kill(workerID)
		e.r.bus.Publish(e.projectID, events.EventWorkerDone, map[string]any{
			"workerId": workerID,
			"ok":       false,
			"reason":   err.Error(),
		})
		return "", "await failed: " + err.Error(), nil
	}

	raw, outErr := e.r.workers.Output(ctx, workerID)
	if raw != "" {
		if logErr := e.r.store.AppendWorkerLog(e.projectID, workerID, raw); logErr != nil {
			e.r.logger.Warn("worker log write failed", zap.String("workerId", workerID), zap.Error(logErr))
		}
	}
	e.kill(workerID)

	if st.State == strategos.StateFailed {
		reason := st.Error
		if reason == "" {
			reason = "worker failed"
		}
		e.r.bus.Publish(e.projectID, events.EventWorkerDone, map[string]any{
			"workerId": workerID,
			"ok":       false,
			"reason":   reason,
		})
		return "", "worker failed: " + reason, nil
	}
	e.r.bus.Publish(e.projectID, events.EventWorkerDone, map[string]any{
		"workerId": workerID,
		"ok":       true,
	})
	if outErr != nil {
		if ctx.Err() != nil {
			return "", "", context.Cause(ctx)
		}
		return "", "output fetch failed: " + outErr.Error(), nil
	}
	return raw, "", nil
}

// kill removes the worker from the orchestrator. Runs detached so cleanup
// still happens after the run's ctx is cancelled.
func (e *execution) kill(workerID string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.r.workers.Delete(killCtx, workerID); err != nil {
		e.r.logger.Warn("worker delete failed", zap.String("workerId", workerID), zap.Error(err))
	}
}

func (e *execution) gap(lv *pathway.Level, workerID, reason string) research.LevelOutput {
	e.r.logger.Warn("level gap",
		zap.String("projectId", e.projectID),
		zap.String("pathwayId", e.p.ID),
		zap.String("evidenceId", e.ev.EvidenceID),
		zap.String("level", lv.Label),
		zap.String("reason", reason))
	return research.LevelOutput{
		Level:       lv.Label,
		Depth:       lv.Depth,
		Gap:         true,
		GapReason:   reason,
		WorkerID:    workerID,
		CompletedAt: time.Now().UTC(),
	}
}

func extractInto(raw string, lv *pathway.Level, out *research.LevelOutput) error {
	return extract.JSONInto(raw, lv.Schema(), out)
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

func copyVisited(visited map[string]bool) map[string]bool {
	c := make(map[string]bool, len(visited))
	for k, v := range visited {
		c[k] = v
	}
	return c
}
