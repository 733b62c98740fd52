// Package selector routes each inbound message to one orchestrator
// action. An external selector proposes a decision; the router validates
// it against the profile's closed sets of workflows and functions, retries
// invalid replies, and falls back to the default workflow when the retry
// budget runs out.
package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Selector proposes a decision for a request. The reply must be a single
// JSON decision object.
type Selector interface {
	Select(ctx context.Context, req Request) (string, error)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(ctx context.Context, req Request) (string, error)

func (f SelectorFunc) Select(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Choice is one entry of an available set.
type Choice struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

type Request struct {
	SelectorID         string   `json:"selectorId"`
	ChannelProfileID   string   `json:"channelProfileId"`
	MessageID          string   `json:"messageId"`
	ConversationID     string   `json:"conversationId"`
	DefaultWorkflow    string   `json:"defaultWorkflow"`
	AvailableWorkflows []Choice `json:"availableWorkflows"`
	AvailableFunctions []Choice `json:"availableFunctions"`
	UserMessage        string   `json:"userMessage"`
}

func (r Request) hasWorkflow(id string) bool {
	for _, c := range r.AvailableWorkflows {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (r Request) hasFunction(id string) bool {
	for _, c := range r.AvailableFunctions {
		if c.ID == id {
			return true
		}
	}
	return false
}

// RenderPrompt builds the instruction text a model-backed selector sends.
func RenderPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("You route chat messages for an agent orchestrator.\n")
	b.WriteString("Choose exactly one action for the message below.\n\n")

	b.WriteString("## Message\n\n")
	b.WriteString(req.UserMessage)
	b.WriteString("\n\n")

	b.WriteString("## Available Workflows\n\n")
	writeChoices(&b, req.AvailableWorkflows)
	fmt.Fprintf(&b, "\nDefault workflow: %s\n\n", req.DefaultWorkflow)

	b.WriteString("## Available Functions\n\n")
	writeChoices(&b, req.AvailableFunctions)
	b.WriteString("\n")

	b.WriteString("## Actions\n\n")
	b.WriteString("- workflow_start: start a workflow. Requires \"selectedWorkflow\" from the list above.\n")
	b.WriteString("- workflow_status: report progress. Optional \"runId\"; omit it for the latest run in this conversation.\n")
	b.WriteString("- diagnostics_investigate: look into failures. Requires a \"diagnosticsScope\" object.\n")
	b.WriteString("- command_invoke: call a function. Requires \"functionId\" from the list above and a \"functionArgs\" object.\n\n")

	b.WriteString("## Reply\n\n")
	b.WriteString("Reply with ONLY one JSON object and nothing else. Example:\n")
	example, _ := json.MarshalIndent(map[string]any{
		"action":           "workflow_start",
		"selectedWorkflow": req.DefaultWorkflow,
		"reason":           "The user asked for a code change.",
	}, "", "  ")
	b.WriteString("```json\n" + string(example) + "\n```\n")

	return b.String()
}

func writeChoices(b *strings.Builder, choices []Choice) {
	if len(choices) == 0 {
		b.WriteString("(none)\n")
		return
	}
	for _, c := range choices {
		if c.Description != "" {
			fmt.Fprintf(b, "- %s: %s\n", c.ID, c.Description)
		} else {
			fmt.Fprintf(b, "- %s\n", c.ID)
		}
	}
}
