package selector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/courier/internal/metrics"
	"github.com/mpataki/courier/internal/models"
	"github.com/mpataki/courier/internal/storage"
	"github.com/mpataki/courier/internal/workspace"
)

// DefaultRetryLimit is the number of selector attempts before falling back.
const DefaultRetryLimit = 3

// Phase is the router's progress on one message.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseValidating Phase = "validating"
	PhaseRetrying   Phase = "retrying"
	PhaseAccepted   Phase = "accepted"
	PhaseFallback   Phase = "fallback"
)

// Router resolves messages to decisions and keeps an audit trail of every
// request, reply, and outcome under its directory.
type Router struct {
	selector   Selector
	dir        string
	retryLimit int
	index      *storage.Storage
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Router)

// WithRetryLimit sets the number of attempts before the fallback. Values
// below one are ignored.
func WithRetryLimit(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.retryLimit = n
		}
	}
}

// WithIndex records every decision in the run index as well.
func WithIndex(s *storage.Storage) Option {
	return func(r *Router) { r.index = s }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(r *Router) {
		if fn != nil {
			r.newID = fn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// NewRouter creates a router whose artifacts live under dir.
func NewRouter(sel Selector, dir string, opts ...Option) (*Router, error) {
	if sel == nil {
		return nil, fmt.Errorf("selector: selector is required")
	}
	if dir == "" {
		return nil, fmt.Errorf("selector: artifact directory is required")
	}
	r := &Router{
		selector:   sel,
		dir:        dir,
		retryLimit: DefaultRetryLimit,
		now:        time.Now,
		newID:      uuid.NewString,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Input is what the router needs to know about one message.
type Input struct {
	Item            models.QueueItem
	DefaultWorkflow string
	Workflows       []Choice
	Functions       []Choice
}

type attemptRecord struct {
	Attempt  int       `json:"attempt"`
	Reply    string    `json:"reply"`
	Error    string    `json:"error,omitempty"`
	Accepted bool      `json:"accepted"`
	At       time.Time `json:"at"`
}

// Route returns the decision for in. Invalid selector replies are retried
// and then replaced by the fallback, so the only error is a failure to
// write the audit artifacts, in which case no decision is handed on.
func (r *Router) Route(ctx context.Context, in Input) (models.Decision, error) {
	req := Request{
		SelectorID:         r.newID(),
		ChannelProfileID:   in.Item.ChannelProfileID,
		MessageID:          in.Item.MessageID,
		ConversationID:     in.Item.ConversationID,
		DefaultWorkflow:    in.DefaultWorkflow,
		AvailableWorkflows: in.Workflows,
		AvailableFunctions: in.Functions,
		UserMessage:        in.Item.Text,
	}
	if req.AvailableWorkflows == nil {
		req.AvailableWorkflows = []Choice{}
	}
	if req.AvailableFunctions == nil {
		req.AvailableFunctions = []Choice{}
	}
	dir := r.Dir(req.SelectorID)
	log := r.logger.With("selector_id", req.SelectorID, "message_id", req.MessageID)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.metrics.WriteFailed()
		return models.Decision{}, models.NewError(models.KindWriteFailure, "selector artifact", err)
	}
	if err := r.write(filepath.Join(dir, "request.json"), req); err != nil {
		return models.Decision{}, err
	}
	log.Debug("selector phase", "phase", PhasePending)

	for n := 1; n <= r.retryLimit; n++ {
		if err := ctx.Err(); err != nil {
			return models.Decision{}, err
		}
		if n > 1 {
			log.Debug("selector phase", "phase", PhaseRetrying, "attempt", n)
		}

		reply, err := r.selector.Select(ctx, req)
		log.Debug("selector phase", "phase", PhaseValidating, "attempt", n)
		var d models.Decision
		if err != nil {
			err = models.NewError(models.KindInvalidSelectorOutput, "select", err)
		} else {
			d, err = ParseDecision(reply, req)
		}

		rec := attemptRecord{Attempt: n, Reply: reply, Accepted: err == nil, At: r.now()}
		if err != nil {
			rec.Error = err.Error()
		}
		if werr := r.write(filepath.Join(dir, fmt.Sprintf("attempt-%d.json", n)), rec); werr != nil {
			return models.Decision{}, werr
		}

		if err != nil {
			r.metrics.SelectorAttempt("invalid")
			log.Warn("invalid selector output", "attempt", n, "error", err)
			continue
		}

		r.metrics.SelectorAttempt("accepted")
		d.DecidedAt = r.now()
		log.Info("selector phase", "phase", PhaseAccepted, "action", d.Action(), "attempt", n)
		return d, r.finish(dir, d, in.Item)
	}

	d := models.Decision{
		SelectorID: req.SelectorID,
		Reason:     fmt.Sprintf("fallback after %d invalid selector replies", r.retryLimit),
		Fallback:   true,
		Payload:    models.WorkflowStart{SelectedWorkflow: in.DefaultWorkflow},
		DecidedAt:  r.now(),
	}
	log.Warn("selector phase", "phase", PhaseFallback, "workflow", in.DefaultWorkflow)
	return d, r.finish(dir, d, in.Item)
}

// Dir returns the artifact directory of a selector id.
func (r *Router) Dir(selectorID string) string {
	return filepath.Join(r.dir, selectorID)
}

func (r *Router) finish(dir string, d models.Decision, item models.QueueItem) error {
	if err := r.write(filepath.Join(dir, "decision.json"), d); err != nil {
		return err
	}
	r.metrics.Decided(d)
	if r.index != nil {
		if err := r.index.RecordDecision(d, item); err != nil {
			// decision.json is the durable record.
			r.logger.Error("failed to index decision", "selector_id", d.SelectorID, "error", err)
		}
	}
	return nil
}

func (r *Router) write(path string, v any) error {
	if err := workspace.WriteJSON(path, v); err != nil {
		r.metrics.WriteFailed()
		r.logger.Error("failed to write selector artifact", "path", path, "error", err)
		return models.NewError(models.KindWriteFailure, "selector artifact", err)
	}
	return nil
}
