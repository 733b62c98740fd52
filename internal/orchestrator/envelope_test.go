package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/courier/internal/models"
)

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		status   string
		decision string
		summary  string
		wantErr  bool
	}{
		{
			name:    "bare object",
			raw:     `{"status": "done", "summary": "added login"}`,
			status:  "done",
			summary: "added login",
		},
		{
			name:    "surrounded by prose",
			raw:     "I made the change.\n\n{\"status\": \"DONE\", \"summary\": \"ok\"}\nThanks!",
			status:  "done",
			summary: "ok",
		},
		{
			name:    "unrelated objects are ignored",
			raw:     `config was {"port": 8080}; result {"status": "failed", "summary": "tests broke"}`,
			status:  "failed",
			summary: "tests broke",
		},
		{
			name:     "review decision",
			raw:      "```json\n{\"decision\": \"reject\", \"feedback\": \"add tests\"}\n```",
			decision: "reject",
		},
		{
			name:    "nested braces in strings",
			raw:     `{"status": "done", "summary": "wrapped {x} in braces"}`,
			status:  "done",
			summary: "wrapped {x} in braces",
		},
		{
			name:    "no envelope",
			raw:     "all finished, nothing to report",
			wantErr: true,
		},
		{
			name:    "two envelopes",
			raw:     `{"status": "done"} and later {"status": "failed"}`,
			wantErr: true,
		},
		{
			name:    "non-string status",
			raw:     `{"status": 3}`,
			wantErr: true,
		},
		{
			name:    "unterminated object",
			raw:     `{"status": "done"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, models.KindStepParseFailure, models.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, env.Status)
			assert.Equal(t, tt.decision, env.Decision)
			assert.Equal(t, tt.summary, env.Summary)
		})
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "s", describe(&models.Envelope{Summary: "s", Feedback: "f"}))
	assert.Equal(t, "f", describe(&models.Envelope{Decision: "reject", Feedback: "f"}))
	assert.Equal(t, "decision: approve", describe(&models.Envelope{Decision: "approve"}))
	assert.Equal(t, "status: done", describe(&models.Envelope{Status: "done"}))
}

func TestMachineTransitions(t *testing.T) {
	run := &models.WorkflowRun{RunID: "r1", State: models.RunQueued}

	require.NoError(t, fire(run, triggerStart))
	assert.Equal(t, models.RunRunning, run.State)

	require.NoError(t, fire(run, triggerWait))
	assert.Equal(t, models.RunWaiting, run.State)

	err := fire(run, triggerSucceed)
	require.Error(t, err)
	assert.Equal(t, models.KindInvalidInput, models.KindOf(err))
	assert.Equal(t, models.RunWaiting, run.State)

	require.NoError(t, fire(run, triggerResume))
	require.NoError(t, fire(run, triggerSucceed))
	assert.Equal(t, models.RunSucceeded, run.State)

	for _, tr := range []trigger{triggerStart, triggerFail, triggerCancel, triggerResume} {
		err := fire(run, tr)
		require.Error(t, err, tr)
		assert.Equal(t, models.KindRunFinished, models.KindOf(err))
		assert.Equal(t, models.RunSucceeded, run.State)
	}
}
