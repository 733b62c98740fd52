package daemon

import (
	"log/slog"
	"time"

	"github.com/mpataki/courier/internal/metrics"
	"github.com/mpataki/courier/internal/models"
	"github.com/mpataki/courier/internal/queue"
)

// QueueNotifier publishes run progress to the conversation that started
// the run.
type QueueNotifier struct {
	queue   *queue.Queue
	format  Formatter
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewQueueNotifier(q *queue.Queue, format Formatter, logger *slog.Logger, m *metrics.Metrics) *QueueNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueNotifier{queue: q, format: format, logger: logger, metrics: m}
}

func (n *QueueNotifier) Notify(run *models.WorkflowRun, snap models.ProgressSnapshot) {
	if run.Origin.Channel == "" {
		return
	}
	msg := n.format.Apply(models.OutgoingMessage{
		MessageID:        run.Origin.MessageID,
		Channel:          run.Origin.Channel,
		ChannelProfileID: run.Origin.ChannelProfileID,
		ConversationID:   run.Origin.ConversationID,
		WorkflowRunID:    run.RunID,
		Text:             formatSnapshot(&snap),
		Notification:     true,
		CreatedAt:        time.Now(),
	})
	name, err := n.queue.Publish(msg)
	if err != nil {
		n.metrics.WriteFailed()
		n.logger.Error("failed to publish run notification", "run_id", run.RunID, "state", snap.State, "error", err)
		return
	}
	n.logger.Debug("published run notification", "run_id", run.RunID, "state", snap.State, "name", name)
}
