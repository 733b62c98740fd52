package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mpataki/courier/internal/config"
	"github.com/mpataki/courier/internal/models"
	"github.com/mpataki/courier/internal/orchestrator"
	"github.com/mpataki/courier/internal/queue"
	"github.com/mpataki/courier/internal/selector"
	"github.com/mpataki/courier/internal/storage"
	"github.com/mpataki/courier/internal/workflow"
)

// Handler turns one claimed queue item into its reply. Routing, workflow,
// and command failures become reply text; only storage failures are
// returned as errors so the item is retried.
type Handler struct {
	cfg      *config.Config
	queue    *queue.Queue
	engine   *orchestrator.Engine
	router   *selector.Router
	defs     *workflow.Catalog
	index    *storage.Storage
	commands *Registry
	format   Formatter
	now      func() time.Time
	logger   *slog.Logger
}

func NewHandler(cfg *config.Config, q *queue.Queue, engine *orchestrator.Engine, router *selector.Router,
	defs *workflow.Catalog, index *storage.Storage, commands *Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:      cfg,
		queue:    q,
		engine:   engine,
		router:   router,
		defs:     defs,
		index:    index,
		commands: commands,
		format: Formatter{
			MaxLength:        cfg.Outbound.MaxLength,
			TruncationSuffix: cfg.Outbound.TruncationSuffix,
			Logger:           logger,
		},
		now:    time.Now,
		logger: logger,
	}
}

// Handle processes item and returns the outgoing message for it.
func (h *Handler) Handle(ctx context.Context, item models.QueueItem) (models.OutgoingMessage, error) {
	var (
		text  string
		runID = item.WorkflowRunID
		err   error
	)
	switch {
	case item.Control == models.ControlCancel:
		text, err = h.cancel(item)
	case item.WorkflowRunID != "":
		text, err = h.continueRun(ctx, item)
	default:
		text, runID, err = h.route(ctx, item)
	}
	if err != nil {
		if models.IsWriteFailure(err) || ctx.Err() != nil {
			return models.OutgoingMessage{}, err
		}
		text = replyForError(err)
	}

	out := item.ReplyTo(text)
	out.WorkflowRunID = runID
	out.CreatedAt = h.now()
	return h.format.Apply(out), nil
}

func (h *Handler) cancel(item models.QueueItem) (string, error) {
	if item.WorkflowRunID == "" {
		return "", models.Errorf(models.KindInvalidInput, "cancel", "a run id is required")
	}
	state, err := h.engine.Cancel(item.WorkflowRunID)
	if err != nil {
		return "", err
	}
	h.logger.Info("run cancel handled", "run_id", item.WorkflowRunID, "state", state)
	return cancelText(item.WorkflowRunID, state), nil
}

// continueRun handles a message addressed to a run: input for a waiting
// run, otherwise a status report.
func (h *Handler) continueRun(ctx context.Context, item models.QueueItem) (string, error) {
	snap, err := h.engine.ResolveStatus(orchestrator.StatusQuery{RunID: item.WorkflowRunID})
	if err != nil {
		return "", err
	}
	if snap.State != models.RunWaiting {
		return formatSnapshot(snap), nil
	}
	if err := h.engine.Resume(ctx, item.WorkflowRunID, item.Text, orchestrator.Async); err != nil {
		return "", err
	}
	return fmt.Sprintf("Resumed run %s.", item.WorkflowRunID), nil
}

// route asks the selector what to do with a conversational message and
// does it.
func (h *Handler) route(ctx context.Context, item models.QueueItem) (string, string, error) {
	profile, ok := h.cfg.Profile(item.ChannelProfileID)
	workflows := h.workflowChoices(profile.AvailableWorkflows)
	if !ok {
		if len(workflows) == 0 {
			return "No workflows are configured.", "", nil
		}
		profile.DefaultWorkflow = workflows[0].ID
	}

	d, err := h.router.Route(ctx, selector.Input{
		Item:            item,
		DefaultWorkflow: profile.DefaultWorkflow,
		Workflows:       workflows,
		Functions:       h.commands.Choices(profile.AvailableFunctions),
	})
	if err != nil {
		return "", "", err
	}

	switch p := d.Payload.(type) {
	case models.WorkflowStart:
		runID, err := h.engine.StartRun(ctx, orchestrator.StartRequest{
			WorkflowID: p.SelectedWorkflow,
			Origin: models.Origin{
				Channel:          item.Channel,
				ChannelProfileID: item.ChannelProfileID,
				ConversationID:   item.ConversationID,
				MessageID:        item.MessageID,
			},
			Prompt:  item.Text,
			Files:   item.FileRefs,
			WorkDir: profile.Workspace,
			Mode:    orchestrator.Async,
		})
		if err != nil {
			return "", "", err
		}
		return fmt.Sprintf("Started %s (run %s).", p.SelectedWorkflow, runID), runID, nil

	case models.WorkflowStatus:
		snap, err := h.engine.ResolveStatus(orchestrator.StatusQuery{
			RunID:            p.RunID,
			Channel:          item.Channel,
			ChannelProfileID: item.ChannelProfileID,
			ConversationID:   item.ConversationID,
		})
		if err != nil {
			return "", "", err
		}
		return formatSnapshot(snap), snap.RunID, nil

	case models.DiagnosticsInvestigate:
		text, err := h.diagnose(p.Scope)
		return text, "", err

	case models.CommandInvoke:
		text, err := h.commands.Invoke(ctx, p.FunctionID, p.FunctionArgs)
		return text, "", err
	}
	return "", "", fmt.Errorf("unhandled action %q", d.Action())
}

// workflowChoices lists allowed workflows that are actually defined, or
// every defined workflow when allowed is empty.
func (h *Handler) workflowChoices(allowed []string) []selector.Choice {
	names := allowed
	if len(names) == 0 {
		names = h.defs.Names()
	}
	var out []selector.Choice
	for _, name := range names {
		def, ok := h.defs.Lookup(name)
		if !ok {
			continue
		}
		out = append(out, selector.Choice{ID: def.Name, Description: def.Description})
	}
	return out
}

func replyForError(err error) string {
	var e *models.Error
	if !errors.As(err, &e) || e.Err == nil {
		return "Something went wrong: " + err.Error()
	}
	switch e.Kind {
	case models.KindNotFound:
		return "Not found: " + e.Err.Error()
	case models.KindUnknownWorkflow, models.KindUnknownFunction, models.KindRunFinished, models.KindInvalidInput:
		return "Request rejected: " + e.Err.Error()
	}
	return "Something went wrong: " + err.Error()
}
