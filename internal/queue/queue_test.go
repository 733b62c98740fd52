package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/courier/internal/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	q, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	return q
}

func item(id, conv string, at time.Time) models.QueueItem {
	return models.QueueItem{
		MessageID:        id,
		Channel:          "slack",
		ChannelProfileID: "default",
		ConversationID:   conv,
		Text:             "hello " + id,
		CreatedAt:        at,
	}
}

func TestEnqueueOrdersByArrivalTime(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.EnqueueIncoming(item("b", "c1", base.Add(time.Second)))
	require.NoError(t, err)
	_, err = q.EnqueueIncoming(item("a", "c1", base))
	require.NoError(t, err)
	_, err = q.EnqueueIncoming(item("c", "c1", base.Add(2*time.Second)))
	require.NoError(t, err)

	entries, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].Item.MessageID)
	assert.Equal(t, "b", entries[1].Item.MessageID)
	assert.Equal(t, "c", entries[2].Item.MessageID)
	assert.Equal(t, models.StageIncoming, entries[0].Item.Stage)
}

func TestSameTimestampBreaksTiesByName(t *testing.T) {
	q := newTestQueue(t)
	for i := 0; i < 5; i++ {
		_, err := q.EnqueueIncoming(item(fmt.Sprintf("m%d", i), "c1", base))
		require.NoError(t, err)
	}

	entries, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Name, entries[i].Name)
	}
}

func TestConcurrentClaimsAreExactlyOnce(t *testing.T) {
	q := newTestQueue(t)
	const n = 60
	for i := 0; i < n; i++ {
		_, err := q.EnqueueIncoming(item(fmt.Sprintf("m%02d", i), fmt.Sprintf("c%d", i%7), base.Add(time.Duration(i)*time.Millisecond)))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, err := q.ClaimNext(nil)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if c == nil {
					return
				}
				mu.Lock()
				claimed[c.Item.MessageID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, n)
	for id, count := range claimed {
		assert.Equal(t, 1, count, "message %s claimed more than once", id)
	}
	counts, err := q.Counts()
	require.NoError(t, err)
	assert.Equal(t, 0, counts[models.StageIncoming])
	assert.Equal(t, n, counts[models.StageProcessing])
}

func TestClaimNextHonorsFilter(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.EnqueueIncoming(item("a", "c1", base))
	require.NoError(t, err)
	_, err = q.EnqueueIncoming(item("b", "c2", base.Add(time.Second)))
	require.NoError(t, err)

	c, err := q.ClaimNext(func(it models.QueueItem) bool { return it.ConversationID == "c2" })
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "b", c.Item.MessageID)
	assert.Equal(t, models.StageProcessing, c.Item.Stage)

	c, err = q.ClaimNext(func(it models.QueueItem) bool { return it.ConversationID == "c3" })
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestCompleteSuccessWritesOutgoingUnderSameName(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.EnqueueIncoming(item("a", "c1", base))
	require.NoError(t, err)

	c, err := q.ClaimNext(nil)
	require.NoError(t, err)
	require.NotNil(t, c)

	require.NoError(t, q.CompleteSuccess(c, c.Item.ReplyTo("done")))

	_, err = os.Stat(filepath.Join(q.Root(), "processing", c.Name))
	assert.True(t, os.IsNotExist(err))

	out, err := q.Outgoing()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, c.Name, out[0].Name)
	assert.Equal(t, "done", out[0].Message.Text)
	assert.Equal(t, "c1", out[0].Message.ConversationID)

	require.NoError(t, q.Ack(out[0].Name))
	out, err = q.Outgoing()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRequeuedItemKeepsItsPlace(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.EnqueueIncoming(item("old", "c1", base))
	require.NoError(t, err)

	c, err := q.ClaimNext(nil)
	require.NoError(t, err)
	require.NotNil(t, c)

	_, err = q.EnqueueIncoming(item("new", "c1", base.Add(time.Minute)))
	require.NoError(t, err)

	requeued, err := q.CompleteFailure(c, "executor crashed")
	require.NoError(t, err)
	assert.True(t, requeued)

	entries, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "old", entries[0].Item.MessageID)
	assert.Equal(t, 1, entries[0].Item.Attempts)
	assert.Equal(t, "executor crashed", entries[0].Item.LastError)
	assert.True(t, entries[0].ModTime.Equal(base), "mtime restored, got %s", entries[0].ModTime)

	next, err := q.ClaimNext(nil)
	require.NoError(t, err)
	assert.Equal(t, "old", next.Item.MessageID)
}

func TestExhaustedItemMovesToFailed(t *testing.T) {
	q := newTestQueue(t, WithMaxAttempts(2))
	_, err := q.EnqueueIncoming(item("a", "c1", base))
	require.NoError(t, err)

	c, err := q.ClaimNext(nil)
	require.NoError(t, err)
	requeued, err := q.CompleteFailure(c, "first")
	require.NoError(t, err)
	assert.True(t, requeued)

	c, err = q.ClaimNext(nil)
	require.NoError(t, err)
	require.NotNil(t, c)
	requeued, err = q.CompleteFailure(c, "second")
	require.NoError(t, err)
	assert.False(t, requeued)

	failed, err := q.List(models.StageFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "hello a", failed[0].Item.Text)
	assert.Equal(t, "second", failed[0].Item.LastError)
	assert.Equal(t, 2, failed[0].Item.Attempts)
	assert.Equal(t, models.StageFailed, failed[0].Item.Stage)

	c, err = q.ClaimNext(nil)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestRecoverProcessing(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.EnqueueIncoming(item("a", "c1", base))
	require.NoError(t, err)
	_, err = q.EnqueueIncoming(item("b", "c2", base.Add(time.Second)))
	require.NoError(t, err)

	ca, err := q.ClaimNext(nil)
	require.NoError(t, err)
	cb, err := q.ClaimNext(nil)
	require.NoError(t, err)
	require.NotNil(t, cb)

	// Crash after the outgoing write for a, before the processing delete.
	require.NoError(t, writeNew(q.dir(models.StageOutgoing), ca.Name, ca.Item.ReplyTo("ok"), base))

	requeued, completed, err := q.RecoverProcessing()
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, completed)

	counts, err := q.Counts()
	require.NoError(t, err)
	assert.Equal(t, 0, counts[models.StageProcessing])
	assert.Equal(t, 1, counts[models.StageIncoming])
	assert.Equal(t, 1, counts[models.StageOutgoing])

	entries, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, "b", entries[0].Item.MessageID)
}

func TestFailureAfterReplyWrittenDoesNotRequeue(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.EnqueueIncoming(item("a", "c1", base))
	require.NoError(t, err)

	c, err := q.ClaimNext(nil)
	require.NoError(t, err)
	require.NotNil(t, c)

	// The reply landed but the processing record could not be removed.
	require.NoError(t, writeNew(q.dir(models.StageOutgoing), c.Name, c.Item.ReplyTo("ok"), base))

	requeued, err := q.CompleteFailure(c, "remove processing: permission denied")
	require.NoError(t, err)
	assert.False(t, requeued)

	counts, err := q.Counts()
	require.NoError(t, err)
	assert.Equal(t, 0, counts[models.StageIncoming])
	assert.Equal(t, 0, counts[models.StageProcessing])
	assert.Equal(t, 0, counts[models.StageFailed])
	assert.Equal(t, 1, counts[models.StageOutgoing])

	out, err := q.Outgoing()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "ok", out[0].Message.Text)
}

func TestReleaseReturnsItemWithoutCountingAttempt(t *testing.T) {
	q := newTestQueue(t, WithMaxAttempts(1))
	_, err := q.EnqueueIncoming(item("a", "c1", base))
	require.NoError(t, err)
	_, err = q.EnqueueIncoming(item("b", "c1", base.Add(time.Minute)))
	require.NoError(t, err)

	c, err := q.ClaimNext(nil)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.NoError(t, q.Release(c))

	entries, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Item.MessageID)
	assert.Equal(t, 0, entries[0].Item.Attempts)
	assert.Empty(t, entries[0].Item.LastError)
	assert.True(t, entries[0].ModTime.Equal(base), "mtime kept, got %s", entries[0].ModTime)

	counts, err := q.Counts()
	require.NoError(t, err)
	assert.Equal(t, 0, counts[models.StageProcessing])
	assert.Equal(t, 0, counts[models.StageFailed])

	// Releasing twice finds nothing in processing.
	assert.True(t, models.IsWriteFailure(q.Release(c)))
}

func TestEnqueueReportsWriteFailure(t *testing.T) {
	q := newTestQueue(t)
	incoming := filepath.Join(q.Root(), "incoming")
	require.NoError(t, os.RemoveAll(incoming))
	require.NoError(t, os.WriteFile(incoming, []byte("not a dir"), 0644))

	_, err := q.EnqueueIncoming(item("a", "c1", base))
	require.Error(t, err)
	assert.True(t, models.IsWriteFailure(err))
}

func TestWriteNewNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeNew(dir, "x.json", map[string]string{"v": "1"}, base))
	err := writeNew(dir, "x.json", map[string]string{"v": "2"}, base)
	require.Error(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "x.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"1"`)
}

func TestPublishedMessagesListOldestFirst(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Publish(models.OutgoingMessage{MessageID: "late", Text: "2", CreatedAt: base.Add(time.Second)})
	require.NoError(t, err)
	_, err = q.Publish(models.OutgoingMessage{MessageID: "early", Text: "1", CreatedAt: base})
	require.NoError(t, err)

	out, err := q.Outgoing()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "early", out[0].Message.MessageID)
	assert.Equal(t, "late", out[1].Message.MessageID)
}

func TestEnqueueCancel(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.EnqueueCancel("run-1", "cli")
	require.NoError(t, err)

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	got := pending[0].Item
	assert.Equal(t, models.ControlCancel, got.Control)
	assert.Equal(t, "run-1", got.WorkflowRunID)
	assert.Equal(t, models.RunKey("run-1"), got.Key())
	assert.NotEmpty(t, got.MessageID)

	_, err = q.EnqueueCancel("", "cli")
	assert.Equal(t, models.KindInvalidInput, models.KindOf(err))
}
