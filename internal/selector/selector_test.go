package selector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/courier/internal/logging"
	"github.com/mpataki/courier/internal/models"
	"github.com/mpataki/courier/internal/storage"
)

func testRequest() Request {
	return Request{
		SelectorID:         "sel-1",
		DefaultWorkflow:    "build",
		AvailableWorkflows: []Choice{{ID: "build", Description: "implement a change"}, {ID: "review"}},
		AvailableFunctions: []Choice{{ID: "runs.list"}},
		UserMessage:        "add dark mode",
	}
}

func TestParseDecisionAccepts(t *testing.T) {
	req := testRequest()
	tests := []struct {
		name    string
		raw     string
		payload models.Payload
	}{
		{
			name:    "workflow start",
			raw:     `{"action": "workflow_start", "selectedWorkflow": "build", "reason": "code change"}`,
			payload: models.WorkflowStart{SelectedWorkflow: "build"},
		},
		{
			name:    "surrounding whitespace",
			raw:     "\n\n  {\"action\": \"workflow_status\"}  \n",
			payload: models.WorkflowStatus{},
		},
		{
			name:    "status with run id",
			raw:     `{"action": "workflow_status", "runId": "r-9"}`,
			payload: models.WorkflowStatus{RunID: "r-9"},
		},
		{
			name:    "fenced json block",
			raw:     "```json\n{\"action\": \"diagnostics_investigate\", \"diagnosticsScope\": {\"since\": \"1h\"}}\n```",
			payload: models.DiagnosticsInvestigate{Scope: map[string]any{"since": "1h"}},
		},
		{
			name:    "bare fence",
			raw:     "```\n{\"action\": \"command_invoke\", \"functionId\": \"runs.list\", \"functionArgs\": {}}\n```",
			payload: models.CommandInvoke{FunctionID: "runs.list", FunctionArgs: map[string]any{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDecision(tt.raw, req)
			require.NoError(t, err)
			assert.Equal(t, "sel-1", d.SelectorID)
			assert.Equal(t, tt.payload, d.Payload)
			assert.False(t, d.Fallback)
		})
	}
}

func TestParseDecisionRejects(t *testing.T) {
	req := testRequest()
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", "   "},
		{"prose", "I think you want the build workflow."},
		{"prose around object", `Sure! {"action": "workflow_status"}`},
		{"two objects", `{"action": "workflow_status"} {"action": "workflow_status"}`},
		{"array", `[{"action": "workflow_status"}]`},
		{"null", `null`},
		{"missing action", `{"selectedWorkflow": "build"}`},
		{"unknown action", `{"action": "deploy"}`},
		{"ghost workflow", `{"action": "workflow_start", "selectedWorkflow": "ghost"}`},
		{"missing workflow", `{"action": "workflow_start"}`},
		{"unknown function", `{"action": "command_invoke", "functionId": "rm.rf", "functionArgs": {}}`},
		{"missing args", `{"action": "command_invoke", "functionId": "runs.list"}`},
		{"array args", `{"action": "command_invoke", "functionId": "runs.list", "functionArgs": []}`},
		{"null scope", `{"action": "diagnostics_investigate", "diagnosticsScope": null}`},
		{"string scope", `{"action": "diagnostics_investigate", "diagnosticsScope": "all"}`},
		{"two fences", "```json\n{\"action\": \"workflow_status\"}\n```\n```json\n{}\n```"},
		{"unterminated fence", "```json\n{\"action\": \"workflow_status\"}"},
		{"yaml fence", "```yaml\naction: workflow_status\n```"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDecision(tt.raw, req)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrInvalidSelectorOutput)
		})
	}
}

type scriptedSelector struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
}

func (s *scriptedSelector) Select(_ context.Context, _ Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], err
	}
	return s.replies[len(s.replies)-1], err
}

func newTestRouter(t *testing.T, sel Selector, opts ...Option) (*Router, string) {
	t.Helper()
	dir := t.TempDir()
	n := 0
	base := []Option{
		WithLogger(logging.Discard()),
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("sel-%d", n) }),
	}
	r, err := NewRouter(sel, dir, append(base, opts...)...)
	require.NoError(t, err)
	return r, dir
}

func testInput() Input {
	return Input{
		Item: models.QueueItem{
			MessageID:        "m1",
			Channel:          "slack",
			ChannelProfileID: "default",
			ConversationID:   "c1",
			Text:             "please build it",
		},
		DefaultWorkflow: "build",
		Workflows:       []Choice{{ID: "build"}, {ID: "review"}},
		Functions:       []Choice{{ID: "runs.list"}},
	}
}

func TestRouteGhostWorkflowFallsBackAfterThreeAttempts(t *testing.T) {
	sel := &scriptedSelector{replies: []string{`{"action": "workflow_start", "selectedWorkflow": "ghost"}`}}
	r, dir := newTestRouter(t, sel)

	d, err := r.Route(context.Background(), testInput())
	require.NoError(t, err)

	assert.Equal(t, 3, sel.calls)
	assert.True(t, d.Fallback)
	assert.Equal(t, models.WorkflowStart{SelectedWorkflow: "build"}, d.Payload)
	assert.Equal(t, "sel-1", d.SelectorID)

	for _, name := range []string{"request.json", "attempt-1.json", "attempt-2.json", "attempt-3.json", "decision.json"} {
		assert.FileExists(t, filepath.Join(dir, "sel-1", name))
	}
	assert.NoFileExists(t, filepath.Join(dir, "sel-1", "attempt-4.json"))

	var rec attemptRecord
	data, err := os.ReadFile(filepath.Join(dir, "sel-1", "attempt-2.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.False(t, rec.Accepted)
	assert.Contains(t, rec.Error, "ghost")

	var stored map[string]any
	data, err = os.ReadFile(filepath.Join(dir, "sel-1", "decision.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, "workflow_start", stored["action"])
	assert.Equal(t, "build", stored["selectedWorkflow"])
	assert.Equal(t, true, stored["fallback"])
}

func TestRouteAcceptsAfterInvalidReply(t *testing.T) {
	sel := &scriptedSelector{replies: []string{
		"not json",
		`{"action": "command_invoke", "functionId": "runs.list", "functionArgs": {"limit": 5}}`,
	}}
	r, _ := newTestRouter(t, sel)

	d, err := r.Route(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, 2, sel.calls)
	assert.False(t, d.Fallback)
	assert.Equal(t, models.ActionCommandInvoke, d.Action())
}

func TestRouteSelectorErrorsCountAsInvalid(t *testing.T) {
	boom := errors.New("provider exited 1")
	sel := &scriptedSelector{
		replies: []string{"", "", ""},
		errs:    []error{boom, boom, boom},
	}
	r, _ := newTestRouter(t, sel, WithRetryLimit(2))

	d, err := r.Route(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, 2, sel.calls)
	assert.True(t, d.Fallback)
}

func TestRouteFallbackIsNotRevalidated(t *testing.T) {
	sel := &scriptedSelector{replies: []string{"nope"}}
	r, _ := newTestRouter(t, sel)

	in := testInput()
	in.DefaultWorkflow = "not-in-the-list"
	d, err := r.Route(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStart{SelectedWorkflow: "not-in-the-list"}, d.Payload)
}

func TestRouteIndexesDecision(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "courier.db"))
	require.NoError(t, err)
	defer store.Close()

	sel := &scriptedSelector{replies: []string{`{"action": "workflow_status"}`}}
	r, _ := newTestRouter(t, sel, WithIndex(store))

	_, err = r.Route(context.Background(), testInput())
	require.NoError(t, err)

	recs, err := store.ListDecisions(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "sel-1", recs[0].SelectorID)
	assert.Equal(t, models.ActionWorkflowStatus, recs[0].Action)
	assert.Equal(t, "m1", recs[0].MessageID)
}

func TestRouteWriteFailure(t *testing.T) {
	file := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	sel := &scriptedSelector{replies: []string{`{"action": "workflow_status"}`}}
	r, err := NewRouter(sel, file, WithLogger(logging.Discard()))
	require.NoError(t, err)

	_, err = r.Route(context.Background(), testInput())
	require.Error(t, err)
	assert.True(t, models.IsWriteFailure(err))
	assert.Zero(t, sel.calls, "no selection without a durable request")
}

func TestRenderPrompt(t *testing.T) {
	p := RenderPrompt(testRequest())
	assert.Contains(t, p, "add dark mode")
	assert.Contains(t, p, "- build: implement a change")
	assert.Contains(t, p, "- runs.list")
	assert.Contains(t, p, "Default workflow: build")
}
