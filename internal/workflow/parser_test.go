package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/courier/internal/models"
)

const buildYAML = `
name: build
description: Implement a change and review it
steps:
  - id: implement
    type: agent_task
    prompt: Implement the request.
    timeout: 15m
  - id: review
    type: agent_review
    reviews: implement
    prompt: Review the implementation.
limits:
  max_review_iterations: 4
  step_timeout: 10m
`

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseYAML(t *testing.T) {
	path := write(t, t.TempDir(), "build.yaml", buildYAML)

	def, err := Parse(path)
	require.NoError(t, err)
	require.NoError(t, Validate(def))

	assert.Equal(t, "build", def.Name)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, 15*time.Minute, def.Steps[0].Timeout)
	assert.Equal(t, "implement", def.Steps[1].Reviews)
	require.NotNil(t, def.Limits.MaxReviewIterations)
	assert.Equal(t, 4, *def.Limits.MaxReviewIterations)
	require.NotNil(t, def.Limits.StepTimeout)
	assert.Equal(t, 10*time.Minute, *def.Limits.StepTimeout)
	assert.Nil(t, def.Limits.StepRetryLimit)
	assert.Equal(t, 1, def.StepIndex("review"))
	assert.Equal(t, -1, def.StepIndex("ghost"))
}

func TestParseKeepsExplicitZeroLimits(t *testing.T) {
	path := write(t, t.TempDir(), "once.yaml", `
name: once
steps:
  - id: work
    type: agent_task
    prompt: Do it once.
limits:
  step_retry_limit: 0
  run_timeout: 0s
`)

	def, err := Parse(path)
	require.NoError(t, err)
	require.NoError(t, Validate(def))

	require.NotNil(t, def.Limits.StepRetryLimit)
	require.NotNil(t, def.Limits.RunTimeout)
	merged := models.Limits{StepRetryLimit: 2, RunTimeout: time.Hour, MaxReviewIterations: 5}.Merge(def.Limits)
	assert.Equal(t, 0, merged.StepRetryLimit)
	assert.Equal(t, time.Duration(0), merged.RunTimeout)
	assert.Equal(t, 5, merged.MaxReviewIterations)
}

func TestLoadAllMergesDirectories(t *testing.T) {
	user := t.TempDir()
	project := t.TempDir()

	write(t, user, "build.yaml", buildYAML)
	write(t, user, "chat.yml", `
steps:
  - id: answer
    type: agent_task
    prompt: Answer the message.
`)
	write(t, user, "notes.txt", "ignored")
	write(t, project, "build.lua", `
function workflow()
  return { name = "build", steps = { task("only", "Project override") } }
end
`)

	c, err := LoadAll([]string{user, filepath.Join(user, "missing"), project}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"build", "chat"}, c.Names())

	chat, ok := c.Lookup("chat")
	require.True(t, ok)
	assert.Equal(t, "chat", chat.Name, "name falls back to the file name")

	build, ok := c.Lookup("build")
	require.True(t, ok)
	require.Len(t, build.Steps, 1)
	assert.Equal(t, "only", build.Steps[0].ID)
}

func TestLoadAllRejectsInvalidDefinition(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "bad.yaml", `
name: bad
steps:
  - id: review
    type: agent_review
    reviews: implement
    prompt: Review.
`)
	_, err := LoadAll([]string{dir}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must review an earlier step")
}

func TestValidate(t *testing.T) {
	task := func(id string) *models.StepDef {
		return &models.StepDef{ID: id, Type: models.StepAgentTask, Prompt: "p"}
	}
	review := func(id, target string) *models.StepDef {
		return &models.StepDef{ID: id, Type: models.StepAgentReview, Prompt: "p", Reviews: target}
	}

	negative := -1
	cases := []struct {
		name string
		def  models.WorkflowDefinition
		want string
	}{
		{"no name", models.WorkflowDefinition{Steps: []*models.StepDef{task("a")}}, "must have a name"},
		{"no steps", models.WorkflowDefinition{Name: "x"}, "at least one step"},
		{"duplicate ids", models.WorkflowDefinition{Name: "x", Steps: []*models.StepDef{task("a"), task("a")}}, "duplicate step id"},
		{"unknown type", models.WorkflowDefinition{Name: "x", Steps: []*models.StepDef{{ID: "a", Type: "shell", Prompt: "p"}}}, "unknown type"},
		{"missing prompt", models.WorkflowDefinition{Name: "x", Steps: []*models.StepDef{{ID: "a", Type: models.StepAgentTask}}}, "must have a prompt"},
		{"review later step", models.WorkflowDefinition{Name: "x", Steps: []*models.StepDef{review("r", "a"), task("a")}}, "must review an earlier step"},
		{"review a review", models.WorkflowDefinition{Name: "x", Steps: []*models.StepDef{task("a"), review("r1", "a"), review("r2", "r1")}}, "must review a task step"},
		{"task with target", models.WorkflowDefinition{Name: "x", Steps: []*models.StepDef{task("a"), {ID: "b", Type: models.StepAgentTask, Prompt: "p", Reviews: "a"}}}, "cannot review"},
		{"slash in id", models.WorkflowDefinition{Name: "x", Steps: []*models.StepDef{task("a/b")}}, "slashes"},
		{"negative limit", models.WorkflowDefinition{Name: "x", Steps: []*models.StepDef{task("a")}, Limits: models.LimitOverrides{MaxTotalIterations: &negative}}, "negative"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&tc.def)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	ok := models.WorkflowDefinition{Name: "x", Steps: []*models.StepDef{task("a"), review("r", "a"), task("b")}}
	assert.NoError(t, Validate(&ok))
}
