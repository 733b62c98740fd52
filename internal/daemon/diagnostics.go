package daemon

import (
	"fmt"
	"strings"
	"time"

	"github.com/mpataki/courier/internal/models"
)

const (
	defaultDiagnosticsWindow = 24 * time.Hour
	defaultDiagnosticsLimit  = 5
	// diagnosticsMessageLength caps each failure message so several runs
	// fit in one reply.
	diagnosticsMessageLength = 120
)

// diagnose summarizes recent failures. scope may name a runId, a "since"
// duration, and a "limit". It only reads.
func (h *Handler) diagnose(scope map[string]any) (string, error) {
	runID, err := stringArg(scope, "runId")
	if err != nil {
		return "", err
	}
	if runID != "" {
		return h.diagnoseRun(runID)
	}

	window := defaultDiagnosticsWindow
	since, err := stringArg(scope, "since")
	if err != nil {
		return "", err
	}
	if since != "" {
		window, err = time.ParseDuration(since)
		if err != nil || window <= 0 {
			return "", models.Errorf(models.KindInvalidInput, "diagnostics", "since must be a positive duration like 2h")
		}
	}
	limit, err := intArg(scope, "limit", defaultDiagnosticsLimit)
	if err != nil {
		return "", err
	}

	runs, err := h.index.ListRuns(limit*4, models.RunFailed)
	if err != nil {
		return "", err
	}
	cutoff := h.now().Add(-window)

	var b strings.Builder
	fmt.Fprintf(&b, "Diagnostics for the last %s:", window)
	shown := 0
	for _, r := range runs {
		if r.UpdatedAt.Before(cutoff) || shown >= limit {
			continue
		}
		shown++
		fmt.Fprintf(&b, "\n- run %s (%s) failed", r.RunID, r.WorkflowID)
		if r.Failure != nil {
			writeFailure(&b, r.Failure)
		}
	}
	if shown == 0 {
		b.WriteString("\nNo failed runs.")
	}

	if counts, err := h.queue.Counts(); err == nil {
		fmt.Fprintf(&b, "\nQueue: %d incoming, %d processing, %d outgoing, %d failed.",
			counts[models.StageIncoming], counts[models.StageProcessing],
			counts[models.StageOutgoing], counts[models.StageFailed])
	} else {
		h.logger.Warn("failed to count queue items", "error", err)
	}
	return b.String(), nil
}

func (h *Handler) diagnoseRun(runID string) (string, error) {
	run, err := h.engine.LoadRun(runID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s) is %s after %d attempts.", run.RunID, run.WorkflowID, run.State, len(run.Attempts))
	if run.Failure != nil {
		b.WriteString("\nFailure")
		writeFailure(&b, run.Failure)
	}

	start := len(run.Attempts) - 3
	if start < 0 {
		start = 0
	}
	for _, a := range run.Attempts[start:] {
		fmt.Fprintf(&b, "\n- %s #%d %s", a.StepID, a.AttemptNumber, a.Status)
		if a.Error != "" {
			fmt.Fprintf(&b, ": %s", truncate(a.Error, diagnosticsMessageLength, "..."))
		}
	}
	return b.String(), nil
}

// writeFailure puts the bound ahead of the message so it survives reply
// truncation.
func writeFailure(b *strings.Builder, f *models.Failure) {
	if f.Bound != "" {
		fmt.Fprintf(b, " [%s]", f.Bound)
	}
	fmt.Fprintf(b, ": %s", truncate(f.Message, diagnosticsMessageLength, "..."))
}
