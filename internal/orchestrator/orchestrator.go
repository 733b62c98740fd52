// Package orchestrator drives workflow runs through their steps. Each run
// is persisted after every transition and attempt, so a restarted daemon
// picks it up at the step boundary where it stopped.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/courier/internal/metrics"
	"github.com/mpataki/courier/internal/models"
	"github.com/mpataki/courier/internal/storage"
	"github.com/mpataki/courier/internal/workspace"
)

type Engine struct {
	defs     Definitions
	executor StepExecutor
	runs     *workspace.Root
	index    *storage.Storage
	notifier Notifier
	limits   models.Limits
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// owned holds the ids of runs a goroutine is currently writing.
	owned   sync.Map
	cancels sync.Map
	wg      sync.WaitGroup
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithLimits sets the defaults that definitions may override.
func WithLimits(l models.Limits) Option {
	return func(e *Engine) { e.limits = l }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func New(defs Definitions, executor StepExecutor, runs *workspace.Root, index *storage.Storage, opts ...Option) (*Engine, error) {
	if defs == nil {
		return nil, fmt.Errorf("orchestrator: definitions are required")
	}
	if executor == nil {
		return nil, fmt.Errorf("orchestrator: step executor is required")
	}
	if runs == nil {
		return nil, fmt.Errorf("orchestrator: run root is required")
	}
	if index == nil {
		return nil, fmt.Errorf("orchestrator: run index is required")
	}
	e := &Engine{
		defs:     defs,
		executor: executor,
		runs:     runs,
		index:    index,
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Mode selects whether StartRun and Resume block until the run stops.
type Mode int

const (
	Async Mode = iota
	Sync
)

type StartRequest struct {
	WorkflowID string
	Origin     models.Origin
	Prompt     string
	Files      []string
	// WorkDir overrides the run's own work directory.
	WorkDir string
	Mode    Mode
}

// StartRun creates a run and starts executing it. Unknown workflows are
// rejected before anything is written.
func (e *Engine) StartRun(ctx context.Context, req StartRequest) (string, error) {
	def, ok := e.defs.Lookup(req.WorkflowID)
	if !ok {
		return "", models.Errorf(models.KindUnknownWorkflow, "start run", "unknown workflow %q", req.WorkflowID)
	}

	now := e.now()
	run := &models.WorkflowRun{
		RunID:         e.newID(),
		WorkflowID:    def.Name,
		Origin:        req.Origin,
		Prompt:        req.Prompt,
		Files:         req.Files,
		State:         models.RunQueued,
		Attempts:      []models.StepAttempt{},
		StartedAt:     now,
		LastUpdatedAt: now,
	}

	ws, err := e.runs.Create(run.RunID)
	if err != nil {
		e.metrics.WriteFailed()
		return "", models.NewError(models.KindWriteFailure, "create workspace", err)
	}
	run.WorkDir = req.WorkDir
	if run.WorkDir == "" {
		run.WorkDir = ws.WorkDir()
	}

	e.owned.Store(run.RunID, struct{}{})
	if err := e.persist(run, def, ws); err != nil {
		e.owned.Delete(run.RunID)
		return "", err
	}
	e.metrics.RunTransition(models.RunQueued)
	if err := e.transition(run, def, ws, triggerStart, nil); err != nil {
		e.owned.Delete(run.RunID)
		return "", err
	}

	e.logger.Info("run started",
		"run_id", run.RunID,
		"workflow", def.Name,
		"conversation", run.Origin.ConversationID)

	e.launch(ctx, run, def, ws, req.Mode)
	return run.RunID, nil
}

func (e *Engine) launch(ctx context.Context, run *models.WorkflowRun, def *models.WorkflowDefinition, ws *workspace.Workspace, mode Mode) {
	if mode == Sync {
		e.drive(ctx, run, def, ws)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drive(ctx, run, def, ws)
	}()
}

// drive executes a run the caller already owns and releases it afterwards.
func (e *Engine) drive(ctx context.Context, run *models.WorkflowRun, def *models.WorkflowDefinition, ws *workspace.Workspace) {
	if err := e.execute(ctx, run, def, ws); err != nil {
		if ctx.Err() != nil {
			e.logger.Info("run paused for shutdown", "run_id", run.RunID, "state", run.State)
		} else {
			e.logger.Error("run stopped on error", "run_id", run.RunID, "state", run.State, "error", err)
		}
	}
	e.owned.Delete(run.RunID)

	// A cancel that arrived while the run was heading into waiting.
	if _, flagged := e.cancels.Load(run.RunID); flagged {
		if run.State == models.RunWaiting {
			if _, err := e.Cancel(run.RunID); err != nil {
				e.logger.Error("failed to apply pending cancel", "run_id", run.RunID, "error", err)
			}
		} else if run.State.Terminal() {
			e.cancels.Delete(run.RunID)
		}
	}
}

// Resume feeds input to a waiting run and continues it.
func (e *Engine) Resume(ctx context.Context, runID, input string, mode Mode) error {
	ws, err := e.runs.Open(runID)
	if err != nil {
		return err
	}
	if _, busy := e.owned.LoadOrStore(runID, struct{}{}); busy {
		return models.Errorf(models.KindInvalidInput, "resume", "run %s is running", runID)
	}

	run, err := ws.ReadRun()
	if err != nil {
		e.owned.Delete(runID)
		return err
	}
	if run.State.Terminal() {
		e.owned.Delete(runID)
		return models.Errorf(models.KindRunFinished, "resume", "run %s already %s", runID, run.State)
	}
	if run.State != models.RunWaiting {
		e.owned.Delete(runID)
		return models.Errorf(models.KindInvalidInput, "resume", "run %s is %s, not waiting", runID, run.State)
	}
	def, ok := e.defs.Lookup(run.WorkflowID)
	if !ok {
		e.owned.Delete(runID)
		return models.Errorf(models.KindUnknownWorkflow, "resume", "workflow %q is no longer defined", run.WorkflowID)
	}

	if ws.CancelRequested() {
		run.Summary = "canceled"
		err := e.transition(run, def, ws, triggerCancel, nil)
		e.owned.Delete(runID)
		if err != nil {
			return err
		}
		return models.Errorf(models.KindRunFinished, "resume", "run %s was canceled", runID)
	}

	run.Cursor.Input = input
	if err := e.transition(run, def, ws, triggerResume, nil); err != nil {
		e.owned.Delete(runID)
		return err
	}

	e.logger.Info("run resumed", "run_id", runID)
	e.launch(ctx, run, def, ws, mode)
	return nil
}

// Cancel stops a run. Runs nobody is executing are canceled at once and
// the resulting state is returned; an executing run is flagged, finishes
// its in-flight attempt, and is canceled at the next step boundary, in
// which case RunRunning is returned.
func (e *Engine) Cancel(runID string) (models.RunState, error) {
	ws, err := e.runs.Open(runID)
	if err != nil {
		return "", err
	}

	if _, busy := e.owned.LoadOrStore(runID, struct{}{}); busy {
		e.cancels.Store(runID, struct{}{})
		if err := ws.RequestCancel(); err != nil {
			e.metrics.WriteFailed()
			return models.RunRunning, err
		}
		e.logger.Info("cancel requested", "run_id", runID)
		return models.RunRunning, nil
	}
	defer e.owned.Delete(runID)

	run, err := ws.ReadRun()
	if err != nil {
		return "", err
	}
	if run.State.Terminal() {
		e.cancels.Delete(runID)
		return run.State, models.Errorf(models.KindRunFinished, "cancel", "run %s already %s", runID, run.State)
	}

	def, _ := e.defs.Lookup(run.WorkflowID)
	run.Summary = "canceled"
	if err := e.transition(run, def, ws, triggerCancel, nil); err != nil {
		return run.State, err
	}
	e.cancels.Delete(runID)
	return run.State, nil
}

// Owned reports whether a goroutine is currently executing the run.
func (e *Engine) Owned(runID string) bool {
	_, ok := e.owned.Load(runID)
	return ok
}

// Wait blocks until every background run has stopped.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) cancelRequested(runID string, ws *workspace.Workspace) bool {
	if _, ok := e.cancels.Load(runID); ok {
		return true
	}
	return ws.CancelRequested()
}

// transition fires t, stamps terminal runs, persists, and notifies the
// origin conversation when the run waits or ends.
func (e *Engine) transition(run *models.WorkflowRun, def *models.WorkflowDefinition, ws *workspace.Workspace, t trigger, failure *models.Failure) error {
	from := run.State
	if err := fire(run, t); err != nil {
		return err
	}
	if failure != nil {
		run.Failure = failure
	}
	if run.State.Terminal() {
		now := e.now()
		run.FinishedAt = &now
	}

	e.metrics.RunTransition(run.State)
	e.logger.Info("run transition",
		"run_id", run.RunID,
		"from", from,
		"to", run.State,
		"step", currentStep(run, def))

	if err := e.persist(run, def, ws); err != nil {
		return err
	}

	if e.notifier != nil && (run.State == models.RunWaiting || run.State.Terminal()) {
		e.notifier.Notify(run, e.snapshot(run, def))
	}
	return nil
}

func (e *Engine) fail(run *models.WorkflowRun, def *models.WorkflowDefinition, ws *workspace.Workspace, kind models.ErrorKind, bound models.Bound, msg string) error {
	run.Summary = msg
	return e.transition(run, def, ws, triggerFail, &models.Failure{Kind: kind, Bound: bound, Message: msg})
}

// persist writes the run record, its progress snapshot, and the index row.
func (e *Engine) persist(run *models.WorkflowRun, def *models.WorkflowDefinition, ws *workspace.Workspace) error {
	run.LastUpdatedAt = e.now()
	if err := ws.WriteRun(run); err != nil {
		e.metrics.WriteFailed()
		e.logger.Error("failed to persist run", "run_id", run.RunID, "error", err)
		return models.NewError(models.KindWriteFailure, "persist run", err)
	}
	snap := e.snapshot(run, def)
	if err := ws.WriteProgress(snap); err != nil {
		e.metrics.WriteFailed()
		e.logger.Error("failed to persist progress", "run_id", run.RunID, "error", err)
		return models.NewError(models.KindWriteFailure, "persist progress", err)
	}
	if err := e.index.UpsertRun(run, snap.CurrentStep); err != nil {
		// The run record is authoritative; the index catches up on the
		// next write.
		e.metrics.WriteFailed()
		e.logger.Error("failed to index run", "run_id", run.RunID, "error", err)
	}
	return nil
}

func (e *Engine) snapshot(run *models.WorkflowRun, def *models.WorkflowDefinition) models.ProgressSnapshot {
	return models.ProgressSnapshot{
		RunID:       run.RunID,
		WorkflowID:  run.WorkflowID,
		State:       run.State,
		CurrentStep: currentStep(run, def),
		Elapsed:     run.Elapsed,
		Summary:     run.Summary,
		Failure:     run.Failure,
		UpdatedAt:   run.LastUpdatedAt,
	}
}

func currentStep(run *models.WorkflowRun, def *models.WorkflowDefinition) string {
	if def == nil || run.Cursor.StepIndex < 0 || run.Cursor.StepIndex >= len(def.Steps) {
		return ""
	}
	return def.Steps[run.Cursor.StepIndex].ID
}
