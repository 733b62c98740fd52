package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/mpataki/courier/internal/storage"
)

// printRunSummary shows the indexed view of a run whose workspace is gone.
func printRunSummary(w io.Writer, sum *storage.RunSummary) {
	fmt.Fprintf(w, "Run %s: %s\n", color.CyanString(sum.RunID), sum.WorkflowID)
	fmt.Fprintf(w, "State: %s\n", stateColor(sum.State).Sprint(sum.State))
	fmt.Fprintf(w, "Origin: %s/%s/%s\n", sum.Origin.Channel, sum.Origin.ChannelProfileID, sum.Origin.ConversationID)
	fmt.Fprintf(w, "Started: %s\n", storage.FormatTimeAgo(sum.StartedAt))
	fmt.Fprintf(w, "Elapsed: %s\n", sum.Elapsed.Round(time.Second))
	if sum.CurrentStep != "" {
		fmt.Fprintf(w, "Current Step: %s\n", sum.CurrentStep)
	}
	fmt.Fprintf(w, "Attempts: %d\n", sum.Attempts)
	if sum.Summary != "" {
		fmt.Fprintf(w, "Summary: %s\n", sum.Summary)
	}
	if f := sum.Failure; f != nil {
		msg := f.Message
		if f.Bound != "" {
			msg += " (limit: " + string(f.Bound) + ")"
		}
		fmt.Fprintln(w, color.New(color.FgRed).Sprint("Failure: "+msg))
	}
	fmt.Fprintln(w, color.New(color.Faint).Sprint("(from the run index; the workspace is no longer on disk)"))
}

// printDecisions lists routing decisions, newest first.
func printDecisions(w io.Writer, recs []storage.DecisionRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No decisions recorded.")
		return
	}
	for _, rec := range recs {
		line := fmt.Sprintf("%s %s %s",
			color.CyanString(rec.SelectorID), rec.Action, decisionTarget(rec.Payload))
		if rec.Fallback {
			line += " " + color.YellowString("(fallback)")
		}
		line += fmt.Sprintf(" for %s/%s/%s msg %s %s",
			rec.Origin.Channel, rec.Origin.ChannelProfileID, rec.Origin.ConversationID,
			rec.MessageID, storage.FormatTimeAgo(rec.DecidedAt))
		fmt.Fprintln(w, line)
		if rec.Reason != "" {
			fmt.Fprintf(w, "    %s\n", truncate(rec.Reason, 72))
		}
	}
}

func decisionTarget(payload json.RawMessage) string {
	var p struct {
		SelectedWorkflow string `json:"selectedWorkflow"`
		FunctionID       string `json:"functionId"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return "-"
	}
	switch {
	case p.SelectedWorkflow != "":
		return p.SelectedWorkflow
	case p.FunctionID != "":
		return p.FunctionID
	}
	return "-"
}
