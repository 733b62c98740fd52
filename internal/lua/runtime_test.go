package lua

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/courier/internal/models"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wf.lua")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadBuildsDefinition(t *testing.T) {
	path := writeScript(t, `
local function reviewed(id, prompt)
  return task(id, prompt, { timeout = "20m", agent = "coder" })
end

function workflow()
  log("building definition")
  return {
    name = "build",
    description = "implement and review",
    steps = {
      reviewed("implement", "Implement the request"),
      review("review", "implement", "Review the change"),
    },
    limits = { max_review_iterations = 3, run_timeout = "2h" },
  }
end
`)

	def, err := NewLoader(nil).Load(path)
	require.NoError(t, err)

	assert.Equal(t, "build", def.Name)
	assert.Equal(t, path, def.Source)
	require.Len(t, def.Steps, 2)

	assert.Equal(t, "implement", def.Steps[0].ID)
	assert.Equal(t, models.StepAgentTask, def.Steps[0].Type)
	assert.Equal(t, "coder", def.Steps[0].Agent)
	assert.Equal(t, 20*time.Minute, def.Steps[0].Timeout)

	assert.Equal(t, models.StepAgentReview, def.Steps[1].Type)
	assert.Equal(t, "implement", def.Steps[1].Reviews)

	require.NotNil(t, def.Limits.MaxReviewIterations)
	assert.Equal(t, 3, *def.Limits.MaxReviewIterations)
	require.NotNil(t, def.Limits.RunTimeout)
	assert.Equal(t, 2*time.Hour, *def.Limits.RunTimeout)
	assert.Nil(t, def.Limits.StepRetryLimit, "absent limits stay unset")
}

func TestSandboxHidesUnsafeGlobals(t *testing.T) {
	for name, body := range map[string]string{
		"os":       `function workflow() os.exit(1) end`,
		"io":       `function workflow() return io.open("/etc/passwd") end`,
		"dofile":   `function workflow() return dofile("/tmp/x.lua") end`,
		"random":   `function workflow() return { name = tostring(math.random()) } end`,
		"require":  `function workflow() return require("os") end`,
		"loadfile": `local f = loadfile("x")`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewLoader(nil).Load(writeScript(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadRequiresWorkflowFunction(t *testing.T) {
	_, err := NewLoader(nil).Load(writeScript(t, `x = 1`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'workflow' function")

	_, err = NewLoader(nil).Load(writeScript(t, `function workflow() return "nope" end`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must return a table")
}

func TestIsLuaWorkflow(t *testing.T) {
	assert.True(t, IsLuaWorkflow("/x/build.lua"))
	assert.False(t, IsLuaWorkflow("/x/build.yaml"))
}
