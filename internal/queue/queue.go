// Package queue is a file-backed message queue. Items move between the
// incoming, processing, outgoing and failed directories by atomic rename,
// so a claim is exactly-once across any number of claimers.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mpataki/courier/internal/models"
)

const DefaultMaxAttempts = 3

var stages = []models.Stage{
	models.StageIncoming,
	models.StageProcessing,
	models.StageOutgoing,
	models.StageFailed,
}

type Queue struct {
	root        string
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*Queue)

// WithMaxAttempts sets how many times an item is processed before it is
// moved to failed.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// Open creates the stage directories under root if needed.
func Open(root string, opts ...Option) (*Queue, error) {
	q := &Queue{
		root:        root,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	for _, st := range stages {
		if err := os.MkdirAll(q.dir(st), 0755); err != nil {
			return nil, models.NewError(models.KindWriteFailure, "queue open", err)
		}
	}
	return q, nil
}

func (q *Queue) Root() string { return q.root }

// StageDir returns the directory holding items of stage st.
func (q *Queue) StageDir(st models.Stage) string { return q.dir(st) }

func (q *Queue) dir(st models.Stage) string {
	return filepath.Join(q.root, string(st))
}

func (q *Queue) path(st models.Stage, name string) string {
	return filepath.Join(q.dir(st), name)
}

// Entry is a decoded queue file.
type Entry struct {
	Name    string
	ModTime time.Time
	Item    models.QueueItem
}

// Claim is an item this process moved into processing. Only the holder may
// complete it.
type Claim struct {
	Name      string
	Item      models.QueueItem
	ModTime   time.Time
	ClaimedAt time.Time
}

// EnqueueIncoming durably adds an item and returns its file name.
func (q *Queue) EnqueueIncoming(item models.QueueItem) (string, error) {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.now()
	}
	item.Stage = models.StageIncoming
	name := fileName(item.CreatedAt)
	if err := writeNew(q.dir(models.StageIncoming), name, item, item.CreatedAt); err != nil {
		return "", models.NewError(models.KindWriteFailure, "enqueue", err)
	}
	q.logger.Debug("enqueued item", "name", name, "message_id", item.MessageID, "key", item.Key())
	return name, nil
}

// EnqueueCancel asks the daemon to cancel runID. The reply lands in
// outgoing addressed to channel.
func (q *Queue) EnqueueCancel(runID, channel string) (string, error) {
	item := models.QueueItem{
		MessageID:     uuid.NewString(),
		Channel:       channel,
		WorkflowRunID: runID,
		Text:          "cancel",
		Control:       models.ControlCancel,
	}
	if err := item.Validate(); err != nil {
		return "", models.NewError(models.KindInvalidInput, "enqueue cancel", err)
	}
	return q.EnqueueIncoming(item)
}

func fileName(t time.Time) string {
	return fmt.Sprintf("%019d-%s.json", t.UnixNano(), uuid.NewString())
}

// List returns the items of a stage in arrival order: mtime, then name.
func (q *Queue) List(st models.Stage) ([]Entry, error) {
	dirents, err := os.ReadDir(q.dir(st))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", st, err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := de.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s/%s: %w", st, name, err)
		}
		item, err := readItem(q.path(st, name))
		if errors.Is(err, fs.ErrNotExist) {
			// Claimed or completed since the directory read.
			continue
		}
		if err != nil {
			q.logger.Warn("skipping unreadable queue file", "stage", st, "name", name, "error", err)
			continue
		}
		entries = append(entries, Entry{Name: name, ModTime: info.ModTime(), Item: item})
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].ModTime.Before(entries[j].ModTime)
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Pending lists incoming items in arrival order.
func (q *Queue) Pending() ([]Entry, error) {
	return q.List(models.StageIncoming)
}

// ClaimNext claims the oldest incoming item accepted by filter (nil
// accepts everything). It returns nil, nil when nothing is eligible.
func (q *Queue) ClaimNext(filter func(models.QueueItem) bool) (*Claim, error) {
	entries, err := q.Pending()
	if err != nil {
		return nil, models.NewError(models.KindWriteFailure, "claim", err)
	}
	for _, e := range entries {
		if filter != nil && !filter(e.Item) {
			continue
		}
		claim, err := q.claim(e)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return claim, nil
	}
	return nil, nil
}

func (q *Queue) claim(e Entry) (*Claim, error) {
	src := q.path(models.StageIncoming, e.Name)
	dst := q.path(models.StageProcessing, e.Name)
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, models.Errorf(models.KindWriteFailure, "claim", "claim conflict on %s: %v", e.Name, err)
	}

	// Re-read from processing; the file we now own is authoritative.
	item, err := readItem(dst)
	if err != nil {
		return nil, models.Errorf(models.KindWriteFailure, "claim", "read claimed %s: %v", e.Name, err)
	}
	item.Stage = models.StageProcessing
	return &Claim{Name: e.Name, Item: item, ModTime: e.ModTime, ClaimedAt: q.now()}, nil
}

// CompleteSuccess writes the outgoing payload under the claim's name, then
// drops the processing record.
func (q *Queue) CompleteSuccess(c *Claim, out models.OutgoingMessage) error {
	if out.CreatedAt.IsZero() {
		out.CreatedAt = q.now()
	}
	if err := writeNew(q.dir(models.StageOutgoing), c.Name, out, out.CreatedAt); err != nil {
		return models.NewError(models.KindWriteFailure, "complete", err)
	}
	if err := os.Remove(q.path(models.StageProcessing, c.Name)); err != nil {
		return models.NewError(models.KindWriteFailure, "complete", err)
	}
	return nil
}

// CompleteFailure records a failed processing attempt. The item goes back
// to incoming with its original arrival time while attempts remain, and to
// failed otherwise. It reports whether the item was requeued.
func (q *Queue) CompleteFailure(c *Claim, reason string) (bool, error) {
	processing := q.path(models.StageProcessing, c.Name)
	if _, err := os.Stat(q.path(models.StageOutgoing, c.Name)); err == nil {
		// The reply was written; running the item again would repeat it.
		if err := os.Remove(processing); err != nil {
			return false, models.NewError(models.KindWriteFailure, "fail", err)
		}
		q.logger.Info("item already completed, dropping processing record",
			"name", c.Name,
			"message_id", c.Item.MessageID,
			"reason", reason)
		return false, nil
	}

	item := c.Item
	item.Attempts++
	item.LastError = reason

	requeue := item.Attempts < q.maxAttempts
	target := models.StageFailed
	if requeue {
		target = models.StageIncoming
	}
	item.Stage = target

	if err := writeReplace(processing, item, c.ModTime); err != nil {
		return false, models.NewError(models.KindWriteFailure, "fail", err)
	}
	if err := os.Rename(processing, q.path(target, c.Name)); err != nil {
		return false, models.NewError(models.KindWriteFailure, "fail", err)
	}

	q.logger.Info("item processing failed",
		"name", c.Name,
		"message_id", item.MessageID,
		"attempts", item.Attempts,
		"requeued", requeue,
		"reason", reason)
	return requeue, nil
}

// Release returns a claimed item to incoming untouched, for work abandoned
// before it could finish, such as on shutdown. The attempt is not counted
// and the rename keeps the original arrival time.
func (q *Queue) Release(c *Claim) error {
	if err := os.Rename(q.path(models.StageProcessing, c.Name), q.path(models.StageIncoming, c.Name)); err != nil {
		return models.NewError(models.KindWriteFailure, "release", err)
	}
	q.logger.Debug("released item", "name", c.Name, "message_id", c.Item.MessageID)
	return nil
}

// Publish writes an unsolicited outgoing message, such as a run
// notification.
func (q *Queue) Publish(out models.OutgoingMessage) (string, error) {
	if out.CreatedAt.IsZero() {
		out.CreatedAt = q.now()
	}
	name := fileName(out.CreatedAt)
	if err := writeNew(q.dir(models.StageOutgoing), name, out, out.CreatedAt); err != nil {
		return "", models.NewError(models.KindWriteFailure, "publish", err)
	}
	return name, nil
}

// OutgoingEntry is a payload waiting for an adapter.
type OutgoingEntry struct {
	Name    string
	Message models.OutgoingMessage
}

// Outgoing lists undelivered payloads, oldest first.
func (q *Queue) Outgoing() ([]OutgoingEntry, error) {
	dirents, err := os.ReadDir(q.dir(models.StageOutgoing))
	if err != nil {
		return nil, fmt.Errorf("failed to list outgoing: %w", err)
	}
	var out []OutgoingEntry
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(q.path(models.StageOutgoing, name))
		if err != nil {
			continue
		}
		var msg models.OutgoingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			q.logger.Warn("skipping unreadable outgoing file", "name", name, "error", err)
			continue
		}
		out = append(out, OutgoingEntry{Name: name, Message: msg})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Message.CreatedAt.Equal(out[j].Message.CreatedAt) {
			return out[i].Message.CreatedAt.Before(out[j].Message.CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Ack removes a delivered outgoing payload.
func (q *Queue) Ack(name string) error {
	if err := os.Remove(q.path(models.StageOutgoing, filepath.Base(name))); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return models.NewError(models.KindWriteFailure, "ack", err)
	}
	return nil
}

// RecoverProcessing settles items a crashed process left in processing.
// An item whose outgoing payload already exists was completed and only
// its processing record is dropped; anything else returns to incoming.
// Callers must hold the daemon lock.
func (q *Queue) RecoverProcessing() (requeued, completed int, err error) {
	dirents, err := os.ReadDir(q.dir(models.StageProcessing))
	if err != nil {
		return 0, 0, models.NewError(models.KindWriteFailure, "recover", err)
	}
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		processing := q.path(models.StageProcessing, name)
		if _, statErr := os.Stat(q.path(models.StageOutgoing, name)); statErr == nil {
			if err := os.Remove(processing); err != nil {
				return requeued, completed, models.NewError(models.KindWriteFailure, "recover", err)
			}
			completed++
			continue
		}
		if err := os.Rename(processing, q.path(models.StageIncoming, name)); err != nil {
			return requeued, completed, models.NewError(models.KindWriteFailure, "recover", err)
		}
		requeued++
	}
	if requeued+completed > 0 {
		q.logger.Info("recovered processing items", "requeued", requeued, "completed", completed)
	}
	return requeued, completed, nil
}

// Counts returns the number of items per stage.
func (q *Queue) Counts() (map[models.Stage]int, error) {
	counts := make(map[models.Stage]int, len(stages))
	for _, st := range stages {
		dirents, err := os.ReadDir(q.dir(st))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", st, err)
		}
		n := 0
		for _, de := range dirents {
			if !de.IsDir() && !strings.HasPrefix(de.Name(), ".") && strings.HasSuffix(de.Name(), ".json") {
				n++
			}
		}
		counts[st] = n
	}
	return counts, nil
}

func readItem(path string) (models.QueueItem, error) {
	var item models.QueueItem
	data, err := os.ReadFile(path)
	if err != nil {
		return item, err
	}
	if err := json.Unmarshal(data, &item); err != nil {
		return item, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return item, nil
}
