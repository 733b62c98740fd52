package orchestrator

import (
	"context"
	"time"

	"github.com/mpataki/courier/internal/models"
)

// StepExecutor runs one attempt of a step and returns its raw output.
// Implementations must return when ctx is done.
type StepExecutor interface {
	Execute(ctx context.Context, req StepRequest) (StepResult, error)
}

type StepRequest struct {
	RunID       string
	WorkflowID  string
	StepID      string
	StepType    models.StepType
	Agent       string
	Attempt     int
	Prompt      string
	PromptPath  string
	ContextPath string
	WorkDir     string
	Timeout     time.Duration
}

type StepResult struct {
	Output string
}

// Definitions resolves workflow ids to definitions.
type Definitions interface {
	Lookup(name string) (*models.WorkflowDefinition, bool)
}

// Notifier is told when a run stops to wait for input or finishes.
type Notifier interface {
	Notify(run *models.WorkflowRun, snap models.ProgressSnapshot)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(run *models.WorkflowRun, snap models.ProgressSnapshot)

func (f NotifierFunc) Notify(run *models.WorkflowRun, snap models.ProgressSnapshot) {
	f(run, snap)
}
