package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644))
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, Defaults().Workers, cfg.Workers)
	assert.Equal(t, 3, cfg.Selector.RetryLimit)
	assert.Equal(t, 5, cfg.Limits.MaxReviewIterations)
	assert.Equal(t, filepath.Join(dir, "courier.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(dir, "queue"), cfg.QueueDir())
}

func TestLoadReadsYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
workers: 8
poll_interval: 500ms
selector:
  retry_limit: 2
limits:
  run_timeout: 1h
  max_review_iterations: 3
outbound:
  max_length: 100
  truncation_suffix: "..."
profiles:
  default:
    default_workflow: chat
    available_workflows: [chat, build]
    available_functions: [runs.list]
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 2, cfg.Selector.RetryLimit)
	assert.Equal(t, time.Hour, cfg.Limits.RunTimeout)
	assert.Equal(t, 3, cfg.Limits.MaxReviewIterations)
	assert.Equal(t, 2, cfg.Limits.StepRetryLimit, "unset fields keep defaults")
	assert.Equal(t, "...", cfg.Outbound.TruncationSuffix)

	p, ok := cfg.Profile("default")
	require.True(t, ok)
	assert.Equal(t, "chat", p.DefaultWorkflow)
	assert.Equal(t, []string{"chat", "build"}, p.AvailableWorkflows)
}

func TestUnknownProfileFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
profiles:
  default:
    default_workflow: chat
  ops:
    default_workflow: triage
`)
	cfg, err := Load(dir)
	require.NoError(t, err)

	p, ok := cfg.Profile("ops")
	require.True(t, ok)
	assert.Equal(t, "triage", p.DefaultWorkflow)

	p, ok = cfg.Profile("unknown")
	require.True(t, ok)
	assert.Equal(t, "chat", p.DefaultWorkflow)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COURIER_WORKERS", "2")
	t.Setenv("COURIER_METRICS_ADDR", ":9100")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]string{
		"zero workers":       "workers: 0\n",
		"profile no default": "profiles:\n  p:\n    available_workflows: [a]\n",
		"suffix too long":    "outbound:\n  max_length: 2\n  truncation_suffix: \"...\"\n",
		"negative limits":    "limits:\n  max_review_iterations: -1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, content)
			_, err := Load(dir)
			assert.Error(t, err)
		})
	}
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.NoError(t, cfg.EnsureDataDir())
	assert.DirExists(t, cfg.UserWorkflowDir)
	assert.DirExists(t, cfg.LogDir())
}
