package daemon

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mpataki/courier/internal/models"
	"github.com/mpataki/courier/internal/orchestrator"
	"github.com/mpataki/courier/internal/selector"
	"github.com/mpataki/courier/internal/storage"
	"github.com/mpataki/courier/internal/workflow"
)

// Function is a direct command the selector may invoke instead of
// starting a workflow.
type Function struct {
	ID          string
	Description string
	Run         func(ctx context.Context, args map[string]any) (string, error)
}

type Registry struct {
	funcs map[string]Function
}

func NewRegistry(fns ...Function) *Registry {
	r := &Registry{funcs: make(map[string]Function)}
	for _, f := range fns {
		r.Register(f)
	}
	return r
}

func (r *Registry) Register(f Function) {
	r.funcs[f.ID] = f
}

// Choices lists the functions in allowed, or every function when allowed
// is empty, sorted by id. Ids in allowed that are not registered are
// skipped.
func (r *Registry) Choices(allowed []string) []selector.Choice {
	ids := allowed
	if len(ids) == 0 {
		for id := range r.funcs {
			ids = append(ids, id)
		}
	}
	var out []selector.Choice
	for _, id := range ids {
		if f, ok := r.funcs[id]; ok {
			out = append(out, selector.Choice{ID: f.ID, Description: f.Description})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Invoke runs a function by id.
func (r *Registry) Invoke(ctx context.Context, id string, args map[string]any) (string, error) {
	f, ok := r.funcs[id]
	if !ok {
		return "", models.Errorf(models.KindUnknownFunction, "invoke", "unknown function %q", id)
	}
	return f.Run(ctx, args)
}

// BuiltinFunctions are the commands every daemon offers.
func BuiltinFunctions(engine *orchestrator.Engine, index *storage.Storage, defs *workflow.Catalog) []Function {
	return []Function{
		{
			ID:          "runs.list",
			Description: "List recent workflow runs. Args: limit (number), state (string).",
			Run: func(_ context.Context, args map[string]any) (string, error) {
				limit, err := intArg(args, "limit", 10)
				if err != nil {
					return "", err
				}
				state, err := stringArg(args, "state")
				if err != nil {
					return "", err
				}
				var states []models.RunState
				if state != "" {
					states = append(states, models.RunState(state))
				}
				runs, err := index.ListRuns(limit, states...)
				if err != nil {
					return "", err
				}
				return formatRunList(runs), nil
			},
		},
		{
			ID:          "run.cancel",
			Description: "Cancel a workflow run. Args: runId (string).",
			Run: func(_ context.Context, args map[string]any) (string, error) {
				runID, err := stringArg(args, "runId")
				if err != nil {
					return "", err
				}
				if runID == "" {
					return "", models.Errorf(models.KindInvalidInput, "run.cancel", "runId is required")
				}
				state, err := engine.Cancel(runID)
				if err != nil {
					return "", err
				}
				return cancelText(runID, state), nil
			},
		},
		{
			ID:          "workflows.list",
			Description: "List the workflows that can be started.",
			Run: func(_ context.Context, _ map[string]any) (string, error) {
				names := defs.Names()
				if len(names) == 0 {
					return "No workflows are defined.", nil
				}
				var b strings.Builder
				b.WriteString("Workflows:")
				for _, name := range names {
					def, _ := defs.Lookup(name)
					fmt.Fprintf(&b, "\n- %s", name)
					if def.Description != "" {
						fmt.Fprintf(&b, ": %s", def.Description)
					}
				}
				return b.String(), nil
			},
		},
	}
}

func cancelText(runID string, state models.RunState) string {
	if state == models.RunRunning {
		return fmt.Sprintf("Cancel requested for run %s. It stops after the current step.", runID)
	}
	return fmt.Sprintf("Run %s %s.", runID, state)
}

func formatRunList(runs []storage.RunSummary) string {
	if len(runs) == 0 {
		return "No runs found."
	}
	var b strings.Builder
	b.WriteString("Runs:")
	for _, r := range runs {
		fmt.Fprintf(&b, "\n- %s %s %s", r.RunID, r.WorkflowID, r.State)
		if r.CurrentStep != "" && !r.State.Terminal() {
			fmt.Fprintf(&b, " at %s", r.CurrentStep)
		}
		fmt.Fprintf(&b, " (updated %s)", storage.FormatTimeAgo(r.UpdatedAt))
	}
	return b.String()
}

func intArg(args map[string]any, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) || n < 1 {
			return 0, models.Errorf(models.KindInvalidInput, "args", "%s must be a positive integer", key)
		}
		return int(n), nil
	case int:
		return n, nil
	}
	return 0, models.Errorf(models.KindInvalidInput, "args", "%s must be a number, got %T", key, v)
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", models.Errorf(models.KindInvalidInput, "args", "%s must be a string, got %T", key, v)
	}
	return s, nil
}
