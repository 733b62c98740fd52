package selector

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/mpataki/courier/internal/models"
)

type decisionWire struct {
	Action           models.Action   `json:"action"`
	SelectedWorkflow *string         `json:"selectedWorkflow"`
	RunID            *string         `json:"runId"`
	DiagnosticsScope json.RawMessage `json:"diagnosticsScope"`
	FunctionID       *string         `json:"functionId"`
	FunctionArgs     json.RawMessage `json:"functionArgs"`
	Reason           string          `json:"reason"`
}

// ParseDecision decodes and validates a selector reply against req. The
// reply must be one JSON object, optionally inside a single fenced code
// block. Every violation is an InvalidSelectorOutput error; nothing is
// partially accepted.
func ParseDecision(raw string, req Request) (models.Decision, error) {
	body, err := unwrapReply(raw)
	if err != nil {
		return models.Decision{}, err
	}

	dec := json.NewDecoder(strings.NewReader(body))
	var w decisionWire
	if err := dec.Decode(&w); err != nil {
		return models.Decision{}, invalid("reply is not a JSON decision object: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return models.Decision{}, invalid("reply has content after the decision object")
	}
	if !strings.HasPrefix(body, "{") {
		return models.Decision{}, invalid("reply is not a JSON object")
	}

	d := models.Decision{SelectorID: req.SelectorID, Reason: w.Reason}
	switch w.Action {
	case models.ActionWorkflowStart:
		if w.SelectedWorkflow == nil || *w.SelectedWorkflow == "" {
			return models.Decision{}, invalid("workflow_start requires selectedWorkflow")
		}
		if !req.hasWorkflow(*w.SelectedWorkflow) {
			return models.Decision{}, invalid("workflow %q is not available", *w.SelectedWorkflow)
		}
		d.Payload = models.WorkflowStart{SelectedWorkflow: *w.SelectedWorkflow}

	case models.ActionWorkflowStatus:
		p := models.WorkflowStatus{}
		if w.RunID != nil {
			p.RunID = *w.RunID
		}
		d.Payload = p

	case models.ActionDiagnosticsInvestigate:
		scope, err := object(w.DiagnosticsScope)
		if err != nil {
			return models.Decision{}, invalid("diagnostics_investigate requires a diagnosticsScope object")
		}
		d.Payload = models.DiagnosticsInvestigate{Scope: scope}

	case models.ActionCommandInvoke:
		if w.FunctionID == nil || *w.FunctionID == "" {
			return models.Decision{}, invalid("command_invoke requires functionId")
		}
		if !req.hasFunction(*w.FunctionID) {
			return models.Decision{}, invalid("function %q is not available", *w.FunctionID)
		}
		args, err := object(w.FunctionArgs)
		if err != nil {
			return models.Decision{}, invalid("command_invoke requires a functionArgs object")
		}
		d.Payload = models.CommandInvoke{FunctionID: *w.FunctionID, FunctionArgs: args}

	case "":
		return models.Decision{}, invalid("action is required")
	default:
		return models.Decision{}, invalid("unknown action %q", w.Action)
	}
	return d, nil
}

// unwrapReply strips surrounding whitespace and at most one fenced code
// block around the whole reply.
func unwrapReply(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", invalid("reply is empty")
	}
	if !strings.HasPrefix(s, "```") {
		return s, nil
	}

	nl := strings.IndexByte(s, '\n')
	if nl < 0 || !strings.HasSuffix(s, "```") || len(s) < nl+4 {
		return "", invalid("reply has an unterminated code block")
	}
	lang := strings.TrimSpace(s[3:nl])
	if lang != "" && lang != "json" {
		return "", invalid("reply code block is %q, want json", lang)
	}
	inner := strings.TrimSpace(s[nl+1 : len(s)-3])
	if strings.Contains(inner, "```") {
		return "", invalid("reply has more than one code block")
	}
	return inner, nil
}

// object decodes raw as a JSON object. Arrays, scalars, null, and a
// missing field are rejected.
func object(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, errors.New("not an object")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func invalid(format string, args ...any) error {
	return models.Errorf(models.KindInvalidSelectorOutput, "parse decision", format, args...)
}
