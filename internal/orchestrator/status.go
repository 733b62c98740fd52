package orchestrator

import (
	"github.com/mpataki/courier/internal/models"
)

// StatusQuery names a run directly or by the conversation that started it.
type StatusQuery struct {
	RunID            string
	Channel          string
	ChannelProfileID string
	ConversationID   string
}

// ResolveStatus returns the progress snapshot of the requested run, or of
// the latest run in the conversation. It never modifies run state.
func (e *Engine) ResolveStatus(q StatusQuery) (*models.ProgressSnapshot, error) {
	runID := q.RunID
	if runID == "" {
		sum, err := e.index.LatestRunForConversation(q.Channel, q.ChannelProfileID, q.ConversationID)
		if err != nil {
			return nil, err
		}
		runID = sum.RunID
	}

	ws, err := e.runs.Open(runID)
	if err != nil {
		return nil, err
	}
	return ws.ReadProgress()
}

// LoadRun reads a run record.
func (e *Engine) LoadRun(runID string) (*models.WorkflowRun, error) {
	ws, err := e.runs.Open(runID)
	if err != nil {
		return nil, err
	}
	return ws.ReadRun()
}
