package models

import (
	"encoding/json"
	"time"
)

// Action is the discriminator of a selector decision.
type Action string

const (
	ActionWorkflowStart          Action = "workflow_start"
	ActionWorkflowStatus         Action = "workflow_status"
	ActionDiagnosticsInvestigate Action = "diagnostics_investigate"
	ActionCommandInvoke          Action = "command_invoke"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionWorkflowStart, ActionWorkflowStatus, ActionDiagnosticsInvestigate, ActionCommandInvoke:
		return true
	}
	return false
}

// Payload is the action-specific half of a decision. Only the types in
// this file implement it.
type Payload interface {
	Action() Action
}

type WorkflowStart struct {
	SelectedWorkflow string
}

type WorkflowStatus struct {
	RunID string
}

type DiagnosticsInvestigate struct {
	Scope map[string]any
}

type CommandInvoke struct {
	FunctionID   string
	FunctionArgs map[string]any
}

func (WorkflowStart) Action() Action          { return ActionWorkflowStart }
func (WorkflowStatus) Action() Action         { return ActionWorkflowStatus }
func (DiagnosticsInvestigate) Action() Action { return ActionDiagnosticsInvestigate }
func (CommandInvoke) Action() Action          { return ActionCommandInvoke }

// Decision is the routing outcome for one message.
type Decision struct {
	SelectorID string
	Reason     string
	Fallback   bool
	Payload    Payload
	DecidedAt  time.Time
}

// Action returns the payload's discriminator.
func (d Decision) Action() Action {
	if d.Payload == nil {
		return ""
	}
	return d.Payload.Action()
}

type decisionJSON struct {
	SelectorID       string         `json:"selectorId"`
	Action           Action         `json:"action"`
	SelectedWorkflow string         `json:"selectedWorkflow,omitempty"`
	RunID            string         `json:"runId,omitempty"`
	DiagnosticsScope map[string]any `json:"diagnosticsScope,omitempty"`
	FunctionID       string         `json:"functionId,omitempty"`
	FunctionArgs     map[string]any `json:"functionArgs,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	Fallback         bool           `json:"fallback"`
	DecidedAt        time.Time      `json:"decidedAt"`
}

// MarshalJSON flattens the payload into the selector wire shape.
func (d Decision) MarshalJSON() ([]byte, error) {
	out := decisionJSON{
		SelectorID: d.SelectorID,
		Action:     d.Action(),
		Reason:     d.Reason,
		Fallback:   d.Fallback,
		DecidedAt:  d.DecidedAt,
	}
	switch p := d.Payload.(type) {
	case WorkflowStart:
		out.SelectedWorkflow = p.SelectedWorkflow
	case WorkflowStatus:
		out.RunID = p.RunID
	case DiagnosticsInvestigate:
		out.DiagnosticsScope = p.Scope
	case CommandInvoke:
		out.FunctionID = p.FunctionID
		out.FunctionArgs = p.FunctionArgs
	}
	return json.Marshal(out)
}
