package tui

import (
	"github.com/mpataki/courier/internal/models"
	"github.com/mpataki/courier/internal/queue"
	"github.com/mpataki/courier/internal/storage"
	"github.com/mpataki/courier/internal/workspace"
)

// Source is what the monitor reads and the one write it makes.
type Source interface {
	ListRuns(limit int) ([]storage.RunSummary, error)
	ReadRun(runID string) (*models.WorkflowRun, error)
	QueueCounts() (map[models.Stage]int, error)
	RequestCancel(runID string) error
}

// LocalSource reads a data directory directly. Cancellation goes through
// the queue so the daemon stays the only writer of run records.
type LocalSource struct {
	Index *storage.Storage
	Runs  *workspace.Root
	Queue *queue.Queue
}

func (s *LocalSource) ListRuns(limit int) ([]storage.RunSummary, error) {
	return s.Index.ListRuns(limit)
}

func (s *LocalSource) ReadRun(runID string) (*models.WorkflowRun, error) {
	ws, err := s.Runs.Open(runID)
	if err != nil {
		return nil, err
	}
	return ws.ReadRun()
}

func (s *LocalSource) QueueCounts() (map[models.Stage]int, error) {
	return s.Queue.Counts()
}

func (s *LocalSource) RequestCancel(runID string) error {
	_, err := s.Queue.EnqueueCancel(runID, "watch")
	return err
}
