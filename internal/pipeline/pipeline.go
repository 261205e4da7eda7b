// Package pipeline drives research projects through the five phases: plan,
// classify, investigate, adjudicate, synthesize. Each project runs under one
// driver goroutine; pause is cooperative, observed before every spawn and
// after every await; phase artifacts hit disk before the status transition.
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veracity-research/veracity/internal/events"
	"github.com/veracity-research/veracity/internal/fault"
	"github.com/veracity-research/veracity/internal/index"
	"github.com/veracity-research/veracity/internal/pathway"
	"github.com/veracity-research/veracity/internal/research"
	"github.com/veracity-research/veracity/internal/sources"
	"github.com/veracity-research/veracity/internal/store"
	"github.com/veracity-research/veracity/internal/strategos"
	"github.com/veracity-research/veracity/internal/tree"
)

// Options wires an Engine. Store, Workers, Pathways, Runner, and Bus are
// required; Index and Sources may be nil when enrichment is not wanted.
type Options struct {
	Store    *store.Store
	Workers  *strategos.Client
	Pathways *pathway.Registry
	Runner   *tree.Runner
	Index    *index.Index
	Sources  *sources.Registry
	Bus      *events.Bus
	Logger   *zap.Logger

	// WorkerTimeout bounds each phase worker await. Zero takes 15m.
	WorkerTimeout time.Duration
	// ClassifyWorkers is the classify fan-out, clamped to [3, 5].
	ClassifyWorkers int
	// PipelineVersion stamps graph metadata.
	PipelineVersion string
	// Now is the clock used for artifact timestamps. Nil takes time.Now.
	Now func() time.Time
}

// Engine is the phase state machine. One Engine serves all projects; each
// running project holds a registered driver so Pause and Close can cancel it.
type Engine struct {
	store    *store.Store
	workers  *strategos.Client
	pathways *pathway.Registry
	runner   *tree.Runner
	index    *index.Index
	sources  *sources.Registry
	bus      *events.Bus
	logger   *zap.Logger

	timeout  time.Duration
	classify int
	version  string
	now      func() time.Time

	mu      sync.Mutex
	drivers map[string]*driver
	closed  bool
}

// driver is the cancellation handle for one running project.
type driver struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Workers == nil || opts.Pathways == nil || opts.Runner == nil || opts.Bus == nil {
		return nil, fault.New(fault.InvalidInput, "pipeline requires store, workers, pathways, runner, and bus")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.WorkerTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	classify := opts.ClassifyWorkers
	if classify < 3 {
		classify = 3
	}
	if classify > 5 {
		classify = 5
	}
	version := opts.PipelineVersion
	if version == "" {
		version = "dev"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:    opts.Store,
		workers:  opts.Workers,
		pathways: opts.Pathways,
		runner:   opts.Runner,
		index:    opts.Index,
		sources:  opts.Sources,
		bus:      opts.Bus,
		logger:   logger.Named("pipeline"),
		timeout:  timeout,
		classify: classify,
		version:  version,
		now:      now,
		drivers:  map[string]*driver{},
	}, nil
}

// Start launches a driver for a pending project, beginning at the plan phase.
func (e *Engine) Start(projectID string) error {
	p, err := e.store.Get(projectID)
	if err != nil {
		return err
	}
	if p.Status != research.StatusPending {
		return fault.New(fault.InvalidInput, "project %s is %s, not pending", projectID, p.Status)
	}
	return e.launch(projectID, research.PhasePlan)
}

// Resume clears the pause flag, resets the project to pending, and launches
// a driver that re-enters the state machine at fromPhase. Earlier phases are
// not re-executed; their artifacts are read from disk.
func (e *Engine) Resume(projectID, fromPhase string) error {
	from, err := research.ParsePhase(fromPhase)
	if err != nil {
		return fault.Wrap(fault.InvalidInput, err, "resume")
	}
	if _, err := e.store.UpdateStatus(projectID, research.StatusPending, ""); err != nil {
		return err
	}
	if err := e.store.Unpause(projectID); err != nil {
		return err
	}
	return e.launch(projectID, from)
}

// Pause sets the cooperative pause flag and cancels the project's in-flight
// awaits. The driver observes the cancellation, kills the project's workers,
// and leaves status=paused. Pausing a project with no driver parks it
// immediately.
func (e *Engine) Pause(projectID string) error {
	if err := e.store.Pause(projectID); err != nil {
		return err
	}
	e.mu.Lock()
	var cancel context.CancelCauseFunc
	if d := e.drivers[projectID]; d != nil {
		cancel = d.cancel
	}
	e.mu.Unlock()
	if cancel != nil {
		cancel(fault.New(fault.Paused, "pause requested"))
		return nil
	}
	p, err := e.store.Get(projectID)
	if err != nil {
		return err
	}
	if p.Status == research.StatusPaused {
		return nil
	}
	_, err = e.store.UpdateStatus(projectID, research.StatusPaused, "")
	return err
}

// Running reports whether a driver is currently registered for the project.
func (e *Engine) Running(projectID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drivers[projectID] != nil
}

// Close cancels every driver and waits for them to wind down. Projects stop
// mid-phase with their status unchanged; resume picks them back up.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	waiting := make([]*driver, 0, len(e.drivers))
	for _, d := range e.drivers {
		d.cancel(fault.New(fault.TransientBackend, "engine closing"))
		waiting = append(waiting, d)
	}
	e.mu.Unlock()
	for _, d := range waiting {
		<-d.done
	}
}

func (e *Engine) launch(projectID string, from research.Phase) error {
	d, err := e.register(projectID)
	if err != nil {
		return err
	}
	go func() {
		if err := e.run(context.Background(), projectID, from, d); err != nil && !fault.Is(err, fault.Paused) {
			e.logger.Warn("driver finished with error", zap.String("projectId", projectID), zap.Error(err))
		}
	}()
	return nil
}

// Run drives the project synchronously from fromPhase until it completes,
// pauses, or fails. Callers that need fire-and-forget semantics use Start or
// Resume instead.
func (e *Engine) Run(ctx context.Context, projectID string, from research.Phase) error {
	d, err := e.register(projectID)
	if err != nil {
		return err
	}
	return e.run(ctx, projectID, from, d)
}

// register claims the single driver slot for a project. The cancel handle
// starts as a no-op so Pause can always call it; run swaps in the real one.
func (e *Engine) register(projectID string) (*driver, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fault.New(fault.TransientBackend, "engine is closed")
	}
	if e.drivers[projectID] != nil {
		return nil, fault.New(fault.InvariantViolation, "project %s already has a running driver", projectID)
	}
	d := &driver{cancel: func(error) {}, done: make(chan struct{})}
	e.drivers[projectID] = d
	return d, nil
}

// run is the driver body: it arms the cancellation handle, executes the
// phase loop, and settles the terminal status.
func (e *Engine) run(ctx context.Context, projectID string, from research.Phase, d *driver) (err error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	e.mu.Lock()
	d.cancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.drivers, projectID)
		e.mu.Unlock()
		close(d.done)
	}()

	defer func() {
		if r := recover(); r != nil {
			// Phase panics must not take the process down; the driver
			// converts them and settles the project like any fatal error.
			err = fault.New(fault.InvariantViolation, "phase driver panic: %v", r)
			e.logger.Error("phase driver panic",
				zap.String("projectId", projectID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			e.settleFatal(projectID, err)
		}
	}()

	p, err := e.store.Get(projectID)
	if err != nil {
		return err
	}
	if research.PhaseIndex(from) < 0 {
		return fault.New(fault.InvalidInput, "unknown phase %q", from)
	}

	j := newJob(e, p)
	j.phase = from
	if err := j.loadForPhase(from); err != nil {
		e.settleFatal(projectID, err)
		return err
	}

	err = e.drive(runCtx, j, from)
	switch {
	case err == nil:
		return nil
	case fault.Is(err, fault.Paused):
		e.settlePaused(projectID, j.phase)
		return err
	case runCtx.Err() != nil:
		// Engine shutdown or caller cancellation: stop without disturbing
		// the persisted status so resume can pick the project back up.
		e.logger.Info("driver stopped", zap.String("projectId", projectID), zap.Error(err))
		return err
	default:
		e.settleFatal(projectID, err)
		return err
	}
}

// drive walks the phase order from the entry phase, transitioning status on
// entry and running each phase func.
func (e *Engine) drive(ctx context.Context, j *job, from research.Phase) error {
	for _, ph := range research.Phases[research.PhaseIndex(from):] {
		if err := e.checkpoint(ctx, j.project.ID); err != nil {
			return err
		}
		p, err := e.store.UpdateStatus(j.project.ID, research.PhaseStatus(ph), "")
		if err != nil {
			return err
		}
		j.project = p
		j.phase = ph
		e.bus.Publish(j.project.ID, events.EventPhase, map[string]any{
			"phase":  string(ph),
			"status": "running",
		})
		e.logger.Info("phase started",
			zap.String("projectId", j.project.ID),
			zap.String("phase", string(ph)))

		if err := e.runPhase(ctx, j, ph); err != nil {
			return err
		}
		e.logger.Info("phase finished",
			zap.String("projectId", j.project.ID),
			zap.String("phase", string(ph)))
	}

	if _, err := e.store.UpdateStatus(j.project.ID, research.StatusComplete, ""); err != nil {
		return err
	}
	e.bus.Publish(j.project.ID, events.EventPhase, map[string]any{
		"phase":  string(research.PhaseSynthesize),
		"status": string(research.StatusComplete),
	})
	e.logger.Info("project complete", zap.String("projectId", j.project.ID))
	return nil
}

func (e *Engine) runPhase(ctx context.Context, j *job, ph research.Phase) error {
	switch ph {
	case research.PhasePlan:
		return j.plan(ctx)
	case research.PhaseClassify:
		return j.classify(ctx)
	case research.PhaseInvestigate:
		return j.investigate(ctx)
	case research.PhaseAdjudicate:
		return j.adjudicate(ctx)
	case research.PhaseSynthesize:
		return j.synthesize(ctx)
	}
	return fault.New(fault.InvariantViolation, "unknown phase %q", ph)
}

// checkpoint is the cooperative pause gate, consulted before every spawn and
// after every await.
func (e *Engine) checkpoint(ctx context.Context, projectID string) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	paused, err := e.store.IsPauseRequested(projectID)
	if err != nil {
		return err
	}
	if paused {
		return fault.New(fault.Paused, "pause requested")
	}
	return nil
}

// settlePaused kills the project's outstanding workers and parks the status.
func (e *Engine) settlePaused(projectID string, ph research.Phase) {
	e.killProjectWorkers(projectID)
	if _, err := e.store.UpdateStatus(projectID, research.StatusPaused, ""); err != nil {
		e.logger.Warn("pause status write failed", zap.String("projectId", projectID), zap.Error(err))
	}
	e.bus.Publish(projectID, events.EventPhase, map[string]any{
		"phase":  string(ph),
		"status": string(research.StatusPaused),
	})
	e.logger.Info("project paused",
		zap.String("projectId", projectID),
		zap.String("phase", string(ph)))
}

func (e *Engine) settleFatal(projectID string, cause error) {
	if _, err := e.store.UpdateStatus(projectID, research.StatusError, cause.Error()); err != nil {
		e.logger.Warn("error status write failed", zap.String("projectId", projectID), zap.Error(err))
	}
	e.bus.Publish(projectID, events.EventError, map[string]any{
		"error": cause.Error(),
	})
	e.logger.Error("project failed", zap.String("projectId", projectID), zap.Error(cause))
}

// killProjectWorkers deletes every orchestrator worker labeled for the
// project. Runs detached so cleanup survives the driver's cancellation.
func (e *Engine) killProjectWorkers(projectID string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	workers, err := e.workers.List(killCtx, "veracity/"+projectID+"/")
	if err != nil {
		e.logger.Warn("worker list failed during pause", zap.String("projectId", projectID), zap.Error(err))
		return
	}
	killed := 0
	for _, w := range workers {
		if w.State.Terminal() {
			continue
		}
		if err := e.workers.Delete(killCtx, w.ID); err != nil {
			e.logger.Warn("worker delete failed during pause",
				zap.String("projectId", projectID),
				zap.String("workerId", w.ID),
				zap.Error(err))
			continue
		}
		killed++
	}
	e.logger.Info("project workers killed",
		zap.String("projectId", projectID),
		zap.Int("killed", killed))
}

// watchStalls warns when no event has been published for the project in
// stallAfter. It subscribes like any other consumer so every publish, from
// the engine or the tree, counts as progress. The returned stop func is safe
// to call twice.
func (e *Engine) watchStalls(projectID string, stallAfter time.Duration) func() {
	if stallAfter <= 0 {
		return func() {}
	}
	checkEvery := stallAfter / 4
	if checkEvery <= 0 {
		checkEvery = time.Millisecond
	}
	ch, unsubscribe := e.bus.Subscribe(projectID)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(checkEvery)
		defer ticker.Stop()
		last := e.now()
		for {
			select {
			case <-stop:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				last = e.now()
			case <-ticker.C:
				idle := e.now().Sub(last)
				if idle < stallAfter {
					continue
				}
				e.logger.Warn("no pipeline events published",
					zap.String("projectId", projectID),
					zap.Duration("idle", idle),
					zap.Duration("threshold", stallAfter))
				e.bus.Publish(projectID, events.EventStallDetected, map[string]any{
					"idleMs":      idle.Milliseconds(),
					"thresholdMs": stallAfter.Milliseconds(),
				})
				last = e.now()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			unsubscribe()
			<-done
		})
	}
}

func phaseLabel(projectID string, parts ...string) string {
	label := "veracity/" + projectID
	for _, p := range parts {
		label += "/" + p
	}
	return label
}
