package models

import "time"

type WorkflowDefinition struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Steps       []*StepDef     `yaml:"steps"`
	Limits      LimitOverrides `yaml:"limits"`

	// Source is the file the definition was loaded from.
	Source string `yaml:"-"`
}

type StepDef struct {
	ID      string        `yaml:"id"`
	Type    StepType      `yaml:"type"`
	Prompt  string        `yaml:"prompt"`
	Agent   string        `yaml:"agent,omitempty"`
	Reviews string        `yaml:"reviews,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Limits bound a run. A zero timeout or iteration bound means unlimited;
// a zero StepRetryLimit means a failed attempt fails the run.
type Limits struct {
	StepRetryLimit      int           `yaml:"step_retry_limit"`
	StepTimeout         time.Duration `yaml:"step_timeout"`
	RunTimeout          time.Duration `yaml:"run_timeout"`
	MaxReviewIterations int           `yaml:"max_review_iterations"`
	MaxTotalIterations  int           `yaml:"max_total_iterations"`
}

// LimitOverrides is a definition's limits block. A nil field inherits the
// configured default; a present zero is kept, so `step_retry_limit: 0`
// disables retries and a zero timeout or iteration bound disables it.
type LimitOverrides struct {
	StepRetryLimit      *int           `yaml:"step_retry_limit"`
	StepTimeout         *time.Duration `yaml:"step_timeout"`
	RunTimeout          *time.Duration `yaml:"run_timeout"`
	MaxReviewIterations *int           `yaml:"max_review_iterations"`
	MaxTotalIterations  *int           `yaml:"max_total_iterations"`
}

// Merge returns l with every field set in o applied.
func (l Limits) Merge(o LimitOverrides) Limits {
	if o.StepRetryLimit != nil {
		l.StepRetryLimit = *o.StepRetryLimit
	}
	if o.StepTimeout != nil {
		l.StepTimeout = *o.StepTimeout
	}
	if o.RunTimeout != nil {
		l.RunTimeout = *o.RunTimeout
	}
	if o.MaxReviewIterations != nil {
		l.MaxReviewIterations = *o.MaxReviewIterations
	}
	if o.MaxTotalIterations != nil {
		l.MaxTotalIterations = *o.MaxTotalIterations
	}
	return l
}

// StepIndex returns the position of the step with the given id, or -1.
func (d *WorkflowDefinition) StepIndex(id string) int {
	for i, s := range d.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}
