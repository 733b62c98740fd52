package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/courier/internal/models"
	"github.com/mpataki/courier/internal/storage"
)

// detailChrome is the number of lines the detail view draws around the
// attempt viewport.
const detailChrome = 9

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusWaiting   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusQueued    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	}
	return ""
}

func (a *App) viewRunList() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Courier"))
	if a.hasActiveRuns() {
		b.WriteString("  " + a.spinner.View())
	}
	b.WriteString("  " + dimStyle.Render(formatCounts(a.counts)) + "\n\n")

	if a.err != nil {
		b.WriteString(errorStyle.Render("Error: "+a.err.Error()) + "\n")
	}
	if a.notice != "" {
		b.WriteString(a.notice + "\n")
	}

	if len(a.runs) == 0 {
		b.WriteString("No runs yet.\n")
	} else {
		b.WriteString("Recent Runs\n")
		b.WriteString("───────────\n")

		for i, run := range a.runs {
			line := formatRunLine(run)
			switch {
			case i == a.selectedIdx:
				line = selectedStyle.Render("▶ " + line)
			case run.State.Terminal():
				line = "  " + dimStyle.Render(line)
			default:
				line = "  " + line
			}
			b.WriteString(line + "\n")
		}
	}

	b.WriteString("\n" + helpStyle.Render("[enter] attempts  [x] cancel  [r] refresh  [q] quit"))
	return b.String()
}

func formatRunLine(run storage.RunSummary) string {
	step := run.CurrentStep
	if step == "" {
		step = "-"
	}
	return fmt.Sprintf("%-12s %-14s %s  %-10s %-8s %s",
		truncate(run.RunID, 12), truncate(run.WorkflowID, 14), formatState(run.State),
		truncate(step, 10), formatAge(run.StartedAt), run.Origin.Channel)
}

func formatCounts(counts map[models.Stage]int) string {
	if counts == nil {
		return ""
	}
	return fmt.Sprintf("incoming %d · processing %d · outgoing %d · failed %d",
		counts[models.StageIncoming], counts[models.StageProcessing],
		counts[models.StageOutgoing], counts[models.StageFailed])
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func formatState(state models.RunState) string {
	switch state {
	case models.RunRunning:
		return statusRunning.Render("● running  ")
	case models.RunWaiting:
		return statusWaiting.Render("? waiting  ")
	case models.RunSucceeded:
		return statusSucceeded.Render("✓ succeeded")
	case models.RunFailed:
		return statusFailed.Render("✗ failed   ")
	case models.RunCanceled:
		return dimStyle.Render("- canceled ")
	case models.RunQueued:
		return statusQueued.Render("○ queued   ")
	default:
		return string(state)
	}
}

func (a *App) viewRunDetail() string {
	run := a.detail
	if run == nil {
		return "No run selected"
	}

	var b strings.Builder
	header := fmt.Sprintf("Run %s: %s", run.RunID, run.WorkflowID)
	b.WriteString(titleStyle.Render(header) + "  " + formatState(run.State) + "\n\n")
	b.WriteString(truncate(firstLine(run.Prompt), max(a.width, 40)) + "\n\n")
	b.WriteString(labelStyle.Render("Origin:  ") + dimStyle.Render(fmt.Sprintf("%s/%s/%s",
		run.Origin.Channel, run.Origin.ChannelProfileID, run.Origin.ConversationID)) + "\n")
	b.WriteString(labelStyle.Render("Elapsed: ") + dimStyle.Render(formatDuration(run.Elapsed)) + "\n")
	switch {
	case run.Failure != nil:
		b.WriteString(errorStyle.Render("Failure: "+describeFailure(run.Failure)) + "\n")
	case run.Summary != "":
		b.WriteString(labelStyle.Render("Summary: ") + run.Summary + "\n")
	default:
		b.WriteString("\n")
	}
	b.WriteString("\n" + a.viewport.View() + "\n")
	b.WriteString(helpStyle.Render("[↑/↓] scroll  [x] cancel  [esc] back  [ctrl+c] quit"))
	return b.String()
}

func (a *App) renderAttempts(run *models.WorkflowRun) string {
	if run == nil || len(run.Attempts) == 0 {
		if run != nil && run.Cursor.InFlight != nil {
			return fmt.Sprintf("%s attempt %d in flight\n", run.Cursor.InFlight.StepID, run.Cursor.InFlight.AttemptNumber)
		}
		return "(no attempts yet)\n"
	}

	var b strings.Builder
	b.WriteString("Attempts\n")
	b.WriteString("────────\n")
	for i, at := range run.Attempts {
		line := fmt.Sprintf("%2d. %-12s #%d %s  %6s", i+1, truncate(at.StepID, 12), at.AttemptNumber,
			formatAttemptStatus(at.Status), formatDuration(at.Duration()))
		if at.Envelope != nil {
			line += "  " + formatEnvelope(at.Envelope)
		}
		if at.Error != "" {
			line += "  " + errorStyle.Render(truncate(at.Error, 60))
		}
		b.WriteString(line + "\n")
	}
	if f := run.Cursor.InFlight; f != nil {
		b.WriteString(statusRunning.Render(fmt.Sprintf("    %s #%d in flight since %s",
			f.StepID, f.AttemptNumber, f.StartedAt.Format(time.Kitchen))) + "\n")
	}
	return b.String()
}

func formatAttemptStatus(status models.AttemptStatus) string {
	switch status {
	case models.AttemptSucceeded:
		return statusSucceeded.Render("✓")
	case models.AttemptFailed:
		return statusFailed.Render("✗")
	case models.AttemptTimedOut:
		return statusFailed.Render("⏱")
	default:
		return statusQueued.Render("○")
	}
}

func formatEnvelope(env *models.Envelope) string {
	switch {
	case env.Decision == models.DecisionApprove:
		return statusSucceeded.Render("APPROVED")
	case env.Decision == models.DecisionReject:
		return statusRunning.Render("CHANGES_REQUESTED")
	case env.Status == models.EnvelopeDone:
		return statusSucceeded.Render("DONE")
	case env.Status == models.EnvelopeNeedsInput:
		return statusWaiting.Render("NEEDS_INPUT")
	case env.Status == models.EnvelopeFailed:
		return statusFailed.Render("FAILED")
	}
	return ""
}

func describeFailure(f *models.Failure) string {
	if f.Bound != "" {
		return fmt.Sprintf("%s (limit: %s)", f.Message, f.Bound)
	}
	return f.Message
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
