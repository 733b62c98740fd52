package orchestrator

import (
	"context"
	"fmt"

	"github.com/mpataki/courier/internal/models"
)

// Recover restarts every run a previous process left queued or running.
// An attempt that was in flight when the process died is recorded as a
// failed "interrupted" attempt and counts against the step's retries.
// Waiting and terminal runs are left alone. It returns how many runs were
// relaunched in the background.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	ids, err := e.runs.RunIDs()
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, id := range ids {
		ws, err := e.runs.Open(id)
		if err != nil {
			e.logger.Warn("skipping unreadable run", "run_id", id, "error", err)
			continue
		}
		run, err := ws.ReadRun()
		if err != nil {
			e.logger.Warn("skipping unreadable run", "run_id", id, "error", err)
			continue
		}
		if run.State != models.RunQueued && run.State != models.RunRunning {
			continue
		}
		if _, busy := e.owned.LoadOrStore(id, struct{}{}); busy {
			continue
		}

		def, ok := e.defs.Lookup(run.WorkflowID)
		if !ok {
			err := e.fail(run, nil, ws, models.KindUnknownWorkflow, "",
				fmt.Sprintf("workflow %q is no longer defined", run.WorkflowID))
			e.owned.Delete(id)
			if err != nil {
				return resumed, err
			}
			continue
		}

		if run.State == models.RunQueued {
			if err := e.transition(run, def, ws, triggerStart, nil); err != nil {
				e.owned.Delete(id)
				return resumed, err
			}
		}

		if inflight := run.Cursor.InFlight; inflight != nil {
			attempt := models.StepAttempt{
				StepID:        inflight.StepID,
				AttemptNumber: inflight.AttemptNumber,
				InputRef:      inflight.InputRef,
				Status:        models.AttemptFailed,
				Error:         "interrupted: the daemon stopped before the attempt finished",
				StartedAt:     inflight.StartedAt,
				FinishedAt:    e.now(),
			}
			if i := def.StepIndex(inflight.StepID); i >= 0 {
				attempt.StepType = def.Steps[i].Type
			}
			limits := e.limits.Merge(def.Limits)
			if err := e.retryOrFail(run, def, ws, attempt, limits, models.KindInterrupted); err != nil {
				e.owned.Delete(id)
				return resumed, err
			}
			if run.State != models.RunRunning {
				e.owned.Delete(id)
				continue
			}
		}

		e.logger.Info("recovering run", "run_id", id, "step", currentStep(run, def), "attempts", len(run.Attempts))
		e.launch(ctx, run, def, ws, Async)
		resumed++
	}
	return resumed, nil
}
