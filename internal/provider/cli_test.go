package provider

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/courier/internal/config"
	"github.com/mpataki/courier/internal/logging"
	"github.com/mpataki/courier/internal/orchestrator"
	"github.com/mpataki/courier/internal/selector"
)

// shell builds a CLI that runs script under sh. The appended flags arrive
// as positional parameters.
func shell(t *testing.T, script, format string) *CLI {
	t.Helper()
	c, err := NewCLI(config.AgentSettings{
		Command:      "sh",
		Args:         []string{"-c", script, "agent"},
		OutputFormat: format,
	}, logging.Discard())
	require.NoError(t, err)
	return c
}

func TestExecutePassesPromptAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	c := shell(t, `printf '%s|%s|%s' "$1" "$2" "$(pwd -P)"`, "")

	res, err := c.Execute(context.Background(), orchestrator.StepRequest{Prompt: "do it", WorkDir: dir})
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, "-p|do it|"+want, res.Output)
}

func TestExecutePassesAgent(t *testing.T) {
	c := shell(t, `printf '%s %s %s' "$1" "$2" "$3"`, "")

	res, err := c.Execute(context.Background(), orchestrator.StepRequest{Prompt: "x", Agent: "reviewer", WorkDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "--agent reviewer -p", res.Output)
}

func TestExecuteUnwrapsJSONOutput(t *testing.T) {
	c := shell(t, `printf '%s' '{"result": "{\"status\": \"done\"}", "session_id": "s1"}'`, "json")

	res, err := c.Execute(context.Background(), orchestrator.StepRequest{WorkDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, `{"status": "done"}`, res.Output)
}

func TestExecuteKeepsNonJSONOutput(t *testing.T) {
	c := shell(t, `echo plain text`, "json")

	res, err := c.Execute(context.Background(), orchestrator.StepRequest{WorkDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "plain text\n", res.Output)
}

func TestExecuteReportsErrorResult(t *testing.T) {
	c := shell(t, `printf '%s' '{"result": "rate limited", "is_error": true}'`, "json")

	_, err := c.Execute(context.Background(), orchestrator.StepRequest{WorkDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestExecuteNonZeroExit(t *testing.T) {
	c := shell(t, `echo partial; echo boom >&2; exit 3`, "")

	res, err := c.Execute(context.Background(), orchestrator.StepRequest{WorkDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 3")
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, "partial\n", res.Output)
}

func TestExecuteHonorsDeadline(t *testing.T) {
	c := shell(t, `exec sleep 10`, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := c.Execute(ctx, orchestrator.StepRequest{WorkDir: t.TempDir()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestExecuteMissingWorkDir(t *testing.T) {
	c := shell(t, `true`, "")
	_, err := c.Execute(context.Background(), orchestrator.StepRequest{WorkDir: filepath.Join(os.TempDir(), "courier-missing-dir-x")})
	assert.Error(t, err)
}

func TestSelectSendsRenderedPrompt(t *testing.T) {
	c := shell(t, `printf '%s' "$2"`, "")

	reply, err := c.Select(context.Background(), selector.Request{
		DefaultWorkflow:    "build",
		AvailableWorkflows: []selector.Choice{{ID: "build"}},
		UserMessage:        "ship it",
	})
	require.NoError(t, err)
	assert.Contains(t, reply, "ship it")
	assert.Contains(t, reply, "Default workflow: build")
}

func TestNewCLIRequiresCommand(t *testing.T) {
	_, err := NewCLI(config.AgentSettings{}, nil)
	assert.Error(t, err)
}
