package orchestrator

import (
	"fmt"
	"strings"

	"github.com/mpataki/courier/internal/models"
	"github.com/mpataki/courier/internal/workspace"
)

func buildPrompt(def *models.WorkflowDefinition, step *models.StepDef, run *models.WorkflowRun, ws *workspace.Workspace, attempt int) string {
	var b strings.Builder

	b.WriteString(step.Prompt)
	b.WriteString("\n\n---\n")
	b.WriteString("Original request:\n\n")
	b.WriteString(run.Prompt)
	b.WriteString("\n")

	if len(run.Files) > 0 {
		b.WriteString("\nAttached files:\n")
		for _, f := range run.Files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	if len(run.Attempts) > 0 {
		b.WriteString("\n---\n")
		fmt.Fprintf(&b, "IMPORTANT: Read `%s` for context from previous steps before starting work.\n", ws.ContextPath())
	}

	if run.Cursor.Feedback != "" && step.Type == models.StepAgentTask {
		b.WriteString("\n---\n")
		b.WriteString("A reviewer rejected the previous attempt. Address this feedback:\n\n")
		b.WriteString(run.Cursor.Feedback)
		b.WriteString("\n")
	}

	if run.Cursor.Input != "" {
		b.WriteString("\n---\n")
		b.WriteString("The user answered your question:\n\n")
		b.WriteString(run.Cursor.Input)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nYou are the '%s' step (attempt %d) in the '%s' workflow.", step.ID, attempt, def.Name)

	b.WriteString("\n\n---\n")
	b.WriteString("IMPORTANT: When you are done, print exactly one JSON object as the result.\n")
	fmt.Fprintf(&b, "The protocol is described in `%s`.\n\n", ws.ProtocolPath())
	switch step.Type {
	case models.StepAgentReview:
		fmt.Fprintf(&b, "You are reviewing the output of the '%s' step.\n\n", step.Reviews)
		b.WriteString("Example:\n```json\n{\"decision\": \"approve\", \"summary\": \"Looks good.\"}\n```\n")
		b.WriteString("\nValid values for 'decision': [approve reject]. Include 'feedback' when rejecting.")
	default:
		b.WriteString("Example:\n```json\n{\"status\": \"done\", \"summary\": \"Completed the task.\"}\n```\n")
		b.WriteString("\nValid values for 'status': [done needs_input failed]. Include 'question' with needs_input.")
	}

	return b.String()
}
