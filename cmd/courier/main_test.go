package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/courier/internal/models"
	"github.com/mpataki/courier/internal/storage"
)

// indexed points the commands at a fresh data directory and returns its
// run index.
func indexed(t *testing.T) *storage.Storage {
	t.Helper()
	color.NoColor = true
	dataDir = t.TempDir()
	t.Cleanup(func() { dataDir = "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	store, err := storage.New(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusFallsBackToIndex(t *testing.T) {
	store := indexed(t)
	started := time.Now().Add(-2 * time.Hour)
	require.NoError(t, store.UpsertRun(&models.WorkflowRun{
		RunID:      "run-1",
		WorkflowID: "build",
		Origin:     models.Origin{Channel: "slack", ChannelProfileID: "default", ConversationID: "c1"},
		State:      models.RunFailed,
		Failure: &models.Failure{
			Kind:    models.KindStepTimeout,
			Bound:   models.BoundStepTimeout,
			Message: "step implement timed out",
		},
		Elapsed:       90 * time.Second,
		StartedAt:     started,
		LastUpdatedAt: started.Add(90 * time.Second),
	}, "implement"))

	out, err := execute(t, newStatusCommand(), "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Run run-1: build")
	assert.Contains(t, out, "State: failed")
	assert.Contains(t, out, "Current Step: implement")
	assert.Contains(t, out, "Failure: step implement timed out (limit: step_timeout)")
	assert.Contains(t, out, "from the run index")
}

func TestStatusOfUnknownRun(t *testing.T) {
	indexed(t)
	_, err := execute(t, newStatusCommand(), "nope")
	require.Error(t, err)
	assert.True(t, models.IsNotFound(err))
}

func TestDecisionsListsNewestFirst(t *testing.T) {
	store := indexed(t)
	item := models.QueueItem{MessageID: "m1", Channel: "slack", ChannelProfileID: "default", ConversationID: "c1"}
	now := time.Now()
	require.NoError(t, store.RecordDecision(models.Decision{
		SelectorID: "sel-1",
		Payload:    models.WorkflowStart{SelectedWorkflow: "build"},
		DecidedAt:  now.Add(-time.Minute),
	}, item))
	item.MessageID = "m2"
	require.NoError(t, store.RecordDecision(models.Decision{
		SelectorID: "sel-2",
		Reason:     "fallback after 3 invalid selector replies",
		Fallback:   true,
		Payload:    models.WorkflowStart{SelectedWorkflow: "ask"},
		DecidedAt:  now,
	}, item))

	out, err := execute(t, newDecisionsCommand(), "-n", "5")
	require.NoError(t, err)
	first := strings.Index(out, "sel-2")
	second := strings.Index(out, "sel-1")
	require.NotEqual(t, -1, first)
	require.NotEqual(t, -1, second)
	assert.Less(t, first, second)
	assert.Contains(t, out, "sel-2 workflow_start ask (fallback) for slack/default/c1 msg m2")
	assert.Contains(t, out, "fallback after 3 invalid selector replies")
	assert.Contains(t, out, "sel-1 workflow_start build for slack/default/c1 msg m1")
}

func TestDecisionsWhenEmpty(t *testing.T) {
	indexed(t)
	out, err := execute(t, newDecisionsCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "No decisions recorded.")
}
