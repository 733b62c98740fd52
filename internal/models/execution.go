package models

import "time"

type StepType string

const (
	StepAgentTask   StepType = "agent_task"
	StepAgentReview StepType = "agent_review"
)

type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
	AttemptTimedOut  AttemptStatus = "timed_out"
)

// Envelope statuses and review decisions an agent may report.
const (
	EnvelopeDone       = "done"
	EnvelopeFailed     = "failed"
	EnvelopeNeedsInput = "needs_input"

	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Envelope is the single structured object a step must print.
type Envelope struct {
	Status   string         `json:"status,omitempty"`
	Decision string         `json:"decision,omitempty"`
	Summary  string         `json:"summary,omitempty"`
	Feedback string         `json:"feedback,omitempty"`
	Question string         `json:"question,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

type StepAttempt struct {
	StepID        string        `json:"stepId"`
	StepType      StepType      `json:"stepType"`
	AttemptNumber int           `json:"attemptNumber"`
	InputRef      string        `json:"inputRef"`
	OutputRef     string        `json:"outputRef,omitempty"`
	RawOutput     string        `json:"rawOutput,omitempty"`
	Envelope      *Envelope     `json:"envelope,omitempty"`
	Status        AttemptStatus `json:"status"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"startedAt"`
	FinishedAt    time.Time     `json:"finishedAt"`
}

func (a StepAttempt) Duration() time.Duration {
	return a.FinishedAt.Sub(a.StartedAt)
}
