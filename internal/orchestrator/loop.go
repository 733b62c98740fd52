package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/mpataki/courier/internal/models"
	"github.com/mpataki/courier/internal/workspace"
)

// execute runs steps until the run leaves the running state. It returns
// an error only when state could not be persisted or ctx ended; in both
// cases the run record still describes the last completed boundary.
func (e *Engine) execute(ctx context.Context, run *models.WorkflowRun, def *models.WorkflowDefinition, ws *workspace.Workspace) error {
	limits := e.limits.Merge(def.Limits)

	for run.State == models.RunRunning {
		if e.cancelRequested(run.RunID, ws) {
			run.Summary = "canceled"
			return e.transition(run, def, ws, triggerCancel, nil)
		}
		if run.Cursor.StepIndex >= len(def.Steps) {
			return e.transition(run, def, ws, triggerSucceed, nil)
		}
		if limits.RunTimeout > 0 && run.Elapsed >= limits.RunTimeout {
			return e.fail(run, def, ws, models.KindRunTimeout, models.BoundRunTimeout,
				fmt.Sprintf("run exceeded %s", limits.RunTimeout))
		}
		if limits.MaxTotalIterations > 0 && run.Cursor.TotalIterations >= limits.MaxTotalIterations {
			return e.fail(run, def, ws, models.KindLimitExceeded, models.BoundMaxTotalIterations,
				fmt.Sprintf("run reached %d step attempts", limits.MaxTotalIterations))
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		step := def.Steps[run.Cursor.StepIndex]
		if err := e.attempt(ctx, run, def, ws, step, limits); err != nil {
			return err
		}
	}
	return nil
}

// attempt runs one attempt of step and applies its outcome to the run.
func (e *Engine) attempt(ctx context.Context, run *models.WorkflowRun, def *models.WorkflowDefinition, ws *workspace.Workspace, step *models.StepDef, limits models.Limits) error {
	n := run.NextAttemptNumber(step.ID)
	prompt := buildPrompt(def, step, run, ws, n)
	promptPath, err := ws.WriteStepPrompt(step.ID, n, prompt)
	if err != nil {
		e.metrics.WriteFailed()
		return err
	}

	started := e.now()
	run.Cursor.TotalIterations++
	run.Cursor.InFlight = &models.InFlight{
		StepID:        step.ID,
		AttemptNumber: n,
		InputRef:      promptPath,
		StartedAt:     started,
	}
	if err := e.persist(run, def, ws); err != nil {
		return err
	}

	// The attempt gets whichever is smaller: its own timeout or what is
	// left of the run budget.
	budget, bound := step.Timeout, models.BoundStepTimeout
	if budget == 0 {
		budget = limits.StepTimeout
	}
	if limits.RunTimeout > 0 {
		if remaining := limits.RunTimeout - run.Elapsed; budget <= 0 || remaining < budget {
			budget, bound = remaining, models.BoundRunTimeout
		}
	}

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if budget > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, budget)
	}
	e.logger.Debug("step attempt started", "run_id", run.RunID, "step", step.ID, "attempt", n, "budget", budget)
	res, execErr := e.executor.Execute(attemptCtx, StepRequest{
		RunID:       run.RunID,
		WorkflowID:  run.WorkflowID,
		StepID:      step.ID,
		StepType:    step.Type,
		Agent:       step.Agent,
		Attempt:     n,
		Prompt:      prompt,
		PromptPath:  promptPath,
		ContextPath: ws.ContextPath(),
		WorkDir:     run.WorkDir,
		Timeout:     budget,
	})
	deadlineHit := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
	cancel()
	finished := e.now()

	if execErr != nil && ctx.Err() != nil && !deadlineHit {
		// Interrupted by shutdown. The in-flight marker stays for Recover.
		return ctx.Err()
	}

	duration := finished.Sub(started)
	run.Elapsed += duration

	attempt := models.StepAttempt{
		StepID:        step.ID,
		StepType:      step.Type,
		AttemptNumber: n,
		InputRef:      promptPath,
		RawOutput:     res.Output,
		Status:        models.AttemptPending,
		StartedAt:     started,
		FinishedAt:    finished,
	}
	if res.Output != "" {
		if path, err := ws.WriteStepOutput(step.ID, n, res.Output); err != nil {
			e.metrics.WriteFailed()
			e.logger.Error("failed to store step output", "run_id", run.RunID, "step", step.ID, "error", err)
		} else {
			attempt.OutputRef = path
		}
	}

	if deadlineHit || (budget > 0 && duration > budget) {
		attempt.Status = models.AttemptTimedOut
		kind := models.KindStepTimeout
		msg := fmt.Sprintf("step %s attempt %d exceeded %s", step.ID, n, budget)
		if bound == models.BoundRunTimeout {
			kind = models.KindRunTimeout
			msg = fmt.Sprintf("run exceeded %s during step %s", limits.RunTimeout, step.ID)
		}
		attempt.Error = msg
		e.record(run, attempt)
		return e.fail(run, def, ws, kind, bound, msg)
	}

	if execErr != nil {
		attempt.Status = models.AttemptFailed
		attempt.Error = execErr.Error()
		return e.retryOrFail(run, def, ws, attempt, limits, models.KindStepFailed)
	}

	env, err := ParseEnvelope(res.Output)
	if err != nil {
		attempt.Status = models.AttemptFailed
		attempt.Error = err.Error()
		return e.retryOrFail(run, def, ws, attempt, limits, models.KindStepParseFailure)
	}
	attempt.Envelope = env

	if env.Status == models.EnvelopeNeedsInput {
		attempt.Status = models.AttemptSucceeded
		e.record(run, attempt)
		run.Cursor.FailedAttempts = 0
		run.Cursor.Input = ""
		run.Summary = describe(env)
		return e.transition(run, def, ws, triggerWait, nil)
	}

	if step.Type == models.StepAgentReview {
		return e.applyReview(run, def, ws, step, attempt, limits)
	}
	return e.applyTask(run, def, ws, step, attempt, limits)
}

func (e *Engine) applyTask(run *models.WorkflowRun, def *models.WorkflowDefinition, ws *workspace.Workspace, step *models.StepDef, attempt models.StepAttempt, limits models.Limits) error {
	env := attempt.Envelope
	switch env.Status {
	case models.EnvelopeDone:
		attempt.Status = models.AttemptSucceeded
		e.record(run, attempt)
		if err := e.advance(run, ws, step, attempt); err != nil {
			return err
		}
		return e.persist(run, def, ws)
	case models.EnvelopeFailed:
		attempt.Status = models.AttemptFailed
		attempt.Error = "step reported failure: " + describe(env)
		return e.retryOrFail(run, def, ws, attempt, limits, models.KindStepFailed)
	default:
		attempt.Status = models.AttemptFailed
		attempt.Error = fmt.Sprintf("task envelope has unknown status %q", env.Status)
		return e.retryOrFail(run, def, ws, attempt, limits, models.KindStepParseFailure)
	}
}

func (e *Engine) applyReview(run *models.WorkflowRun, def *models.WorkflowDefinition, ws *workspace.Workspace, step *models.StepDef, attempt models.StepAttempt, limits models.Limits) error {
	env := attempt.Envelope
	switch env.Decision {
	case models.DecisionApprove:
		attempt.Status = models.AttemptSucceeded
		e.record(run, attempt)
		if err := e.advance(run, ws, step, attempt); err != nil {
			return err
		}
		return e.persist(run, def, ws)

	case models.DecisionReject:
		attempt.Status = models.AttemptSucceeded
		e.record(run, attempt)

		if run.Cursor.ReviewIterations == nil {
			run.Cursor.ReviewIterations = make(map[string]int)
		}
		rejects := run.Cursor.ReviewIterations[step.ID] + 1
		run.Cursor.ReviewIterations[step.ID] = rejects
		if limits.MaxReviewIterations > 0 && rejects > limits.MaxReviewIterations {
			return e.fail(run, def, ws, models.KindLimitExceeded, models.BoundMaxReviewIterations,
				fmt.Sprintf("review %s rejected %d times (max %d)", step.ID, rejects, limits.MaxReviewIterations))
		}

		feedback := env.Feedback
		if feedback == "" {
			feedback = describe(env)
		}
		heading := fmt.Sprintf("%s rejected %s (attempt %d)", step.ID, step.Reviews, attempt.AttemptNumber)
		if err := ws.AppendContext(heading, feedback); err != nil {
			e.metrics.WriteFailed()
			return err
		}
		run.Cursor.StepIndex = def.StepIndex(step.Reviews)
		run.Cursor.FailedAttempts = 0
		run.Cursor.Feedback = feedback
		run.Summary = "changes requested: " + feedback
		return e.persist(run, def, ws)

	default:
		attempt.Status = models.AttemptFailed
		attempt.Error = fmt.Sprintf("review envelope has unknown decision %q", env.Decision)
		return e.retryOrFail(run, def, ws, attempt, limits, models.KindStepParseFailure)
	}
}

// advance moves the cursor past a step that completed.
func (e *Engine) advance(run *models.WorkflowRun, ws *workspace.Workspace, step *models.StepDef, attempt models.StepAttempt) error {
	summary := describe(attempt.Envelope)
	heading := fmt.Sprintf("%s (attempt %d)", step.ID, attempt.AttemptNumber)
	if err := ws.AppendContext(heading, summary); err != nil {
		e.metrics.WriteFailed()
		return err
	}

	run.Cursor.StepIndex++
	run.Cursor.FailedAttempts = 0
	run.Cursor.Input = ""
	if step.Type == models.StepAgentTask {
		run.Cursor.Feedback = ""
	}
	run.Summary = summary
	return nil
}

// retryOrFail records a failed attempt and fails the run once the step
// has used up its retries.
func (e *Engine) retryOrFail(run *models.WorkflowRun, def *models.WorkflowDefinition, ws *workspace.Workspace, attempt models.StepAttempt, limits models.Limits, kind models.ErrorKind) error {
	e.record(run, attempt)
	run.Cursor.FailedAttempts++

	e.logger.Warn("step attempt failed",
		"run_id", run.RunID,
		"step", attempt.StepID,
		"attempt", attempt.AttemptNumber,
		"failures", run.Cursor.FailedAttempts,
		"error", attempt.Error)

	if run.Cursor.FailedAttempts > limits.StepRetryLimit {
		return e.fail(run, def, ws, kind, models.BoundStepRetryLimit,
			fmt.Sprintf("step %s failed %d times: %s", attempt.StepID, run.Cursor.FailedAttempts, attempt.Error))
	}
	return e.persist(run, def, ws)
}

// record appends a finished attempt and clears the in-flight marker.
func (e *Engine) record(run *models.WorkflowRun, attempt models.StepAttempt) {
	run.Cursor.InFlight = nil
	run.Attempts = append(run.Attempts, attempt)
	e.metrics.StepAttempt(attempt)
	e.logger.Info("step attempt finished",
		"run_id", run.RunID,
		"step", attempt.StepID,
		"attempt", attempt.AttemptNumber,
		"status", attempt.Status,
		"duration", attempt.Duration())
}
