package models

import "time"

type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunWaiting   RunState = "waiting"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCanceled  RunState = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s RunState) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCanceled
}

// Bound names the limit a failed run ran into.
type Bound string

const (
	BoundStepRetryLimit      Bound = "step_retry_limit"
	BoundStepTimeout         Bound = "step_timeout"
	BoundRunTimeout          Bound = "run_timeout"
	BoundMaxReviewIterations Bound = "max_review_iterations"
	BoundMaxTotalIterations  Bound = "max_total_iterations"
)

type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Bound   Bound     `json:"bound,omitempty"`
	Message string    `json:"message"`
}

// Origin is the conversation that started a run.
type Origin struct {
	Channel          string `json:"channel"`
	ChannelProfileID string `json:"channelProfileId"`
	ConversationID   string `json:"conversationId"`
	MessageID        string `json:"messageId"`
}

func (o Origin) Key() OrderingKey {
	return ConversationKey(o.Channel, o.ChannelProfileID, o.ConversationID)
}

// InFlight marks an attempt that was started but has no recorded outcome.
type InFlight struct {
	StepID        string    `json:"stepId"`
	AttemptNumber int       `json:"attemptNumber"`
	InputRef      string    `json:"inputRef"`
	StartedAt     time.Time `json:"startedAt"`
}

// Cursor is the persisted position of a run.
type Cursor struct {
	StepIndex        int            `json:"stepIndex"`
	FailedAttempts   int            `json:"failedAttempts"`
	ReviewIterations map[string]int `json:"reviewIterations,omitempty"`
	TotalIterations  int            `json:"totalIterations"`
	Feedback         string         `json:"feedback,omitempty"`
	Input            string         `json:"input,omitempty"`
	InFlight         *InFlight      `json:"inFlight,omitempty"`
}

type WorkflowRun struct {
	RunID         string        `json:"runId"`
	WorkflowID    string        `json:"workflowId"`
	Origin        Origin        `json:"origin"`
	Prompt        string        `json:"prompt"`
	Files         []string      `json:"files,omitempty"`
	WorkDir       string        `json:"workDir,omitempty"`
	State         RunState      `json:"state"`
	Attempts      []StepAttempt `json:"attempts"`
	Cursor        Cursor        `json:"cursor"`
	Summary       string        `json:"summary,omitempty"`
	Failure       *Failure      `json:"failure,omitempty"`
	StartedAt     time.Time     `json:"startedAt"`
	LastUpdatedAt time.Time     `json:"lastUpdatedAt"`
	FinishedAt    *time.Time    `json:"finishedAt,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
}

// NextAttemptNumber returns the attempt number the next attempt of stepID
// gets.
func (r *WorkflowRun) NextAttemptNumber(stepID string) int {
	n := 0
	for _, a := range r.Attempts {
		if a.StepID == stepID && a.AttemptNumber > n {
			n = a.AttemptNumber
		}
	}
	return n + 1
}

// LastAttempt returns the most recent attempt, or nil.
func (r *WorkflowRun) LastAttempt() *StepAttempt {
	if len(r.Attempts) == 0 {
		return nil
	}
	return &r.Attempts[len(r.Attempts)-1]
}

// ProgressSnapshot is the projection written next to the run record for
// status queries.
type ProgressSnapshot struct {
	RunID       string        `json:"runId"`
	WorkflowID  string        `json:"workflowId"`
	State       RunState      `json:"state"`
	CurrentStep string        `json:"currentStep,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
	Summary     string        `json:"summary,omitempty"`
	Failure     *Failure      `json:"failure,omitempty"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}
