// Package scheduler hands queue items to workers so that items sharing an
// ordering key are processed one at a time, in arrival order, while items
// with different keys run in parallel.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mpataki/courier/internal/metrics"
	"github.com/mpataki/courier/internal/models"
	"github.com/mpataki/courier/internal/queue"
)

// Queue is the part of the durable queue the scheduler drives.
type Queue interface {
	Pending() ([]queue.Entry, error)
	ClaimNext(filter func(models.QueueItem) bool) (*queue.Claim, error)
	CompleteSuccess(c *queue.Claim, out models.OutgoingMessage) error
	CompleteFailure(c *queue.Claim, reason string) (bool, error)
	Release(c *queue.Claim) error
}

type Scheduler struct {
	queue   Queue
	seq     atomic.Uint64
	busy    sync.Map // models.OrderingKey -> *holder
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type holder struct {
	seq uint64
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func New(q Queue, opts ...Option) (*Scheduler, error) {
	if q == nil {
		return nil, fmt.Errorf("scheduler: queue is required")
	}
	s := &Scheduler{queue: q, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Lease is a claimed item plus the reservation of its key. Exactly one of
// Complete, Fail or Release must be called with it.
type Lease struct {
	Claim *queue.Claim
	Key   models.OrderingKey

	holder *holder
}

func (l *Lease) Item() models.QueueItem {
	return l.Claim.Item
}

// ClaimNext returns the next item whose key is free, or nil when every
// pending item belongs to a busy key. It never blocks on a busy key.
func (s *Scheduler) ClaimNext() (*Lease, error) {
	entries, err := s.queue.Pending()
	if err != nil {
		return nil, err
	}

	seen := make(map[models.OrderingKey]struct{})
	for _, e := range entries {
		key := e.Item.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		h := &holder{seq: s.seq.Add(1)}
		if _, loaded := s.busy.LoadOrStore(key, h); loaded {
			s.metrics.KeySkipped()
			continue
		}

		// The key is ours. Ask for its oldest item from a fresh listing: a
		// requeued item may have landed ahead of the one seen above.
		claim, err := s.queue.ClaimNext(func(item models.QueueItem) bool {
			return item.Key() == key
		})
		if err != nil {
			s.busy.CompareAndDelete(key, h)
			return nil, err
		}
		if claim == nil {
			s.busy.CompareAndDelete(key, h)
			continue
		}

		s.metrics.Claimed()
		s.logger.Debug("claimed item", "key", key, "name", claim.Name, "message_id", claim.Item.MessageID)
		return &Lease{Claim: claim, Key: key, holder: h}, nil
	}
	return nil, nil
}

// Complete delivers the outgoing payload and frees the key. If the payload
// cannot be written the item is requeued instead; if that also fails the
// key stays reserved so nothing behind it overtakes the stuck item.
func (s *Scheduler) Complete(l *Lease, out models.OutgoingMessage) error {
	err := s.queue.CompleteSuccess(l.Claim, out)
	if err == nil {
		s.metrics.Completed("outgoing")
		s.free(l)
		return nil
	}

	s.metrics.WriteFailed()
	s.logger.Error("failed to write outgoing payload", "key", l.Key, "name", l.Claim.Name, "error", err)
	if _, ferr := s.Fail(l, "outgoing write failed: "+err.Error()); ferr != nil {
		return ferr
	}
	return err
}

// Fail records a failed attempt and frees the key unless the queue itself
// could not be written.
func (s *Scheduler) Fail(l *Lease, reason string) (bool, error) {
	requeued, err := s.queue.CompleteFailure(l.Claim, reason)
	if err != nil {
		s.metrics.WriteFailed()
		s.logger.Error("failed to record item failure; key stays reserved",
			"key", l.Key, "name", l.Claim.Name, "error", err)
		return false, err
	}
	if requeued {
		s.metrics.Completed("requeued")
	} else {
		s.metrics.Completed("failed")
	}
	s.free(l)
	return requeued, nil
}

// Release puts an unfinished item back without counting an attempt and
// frees the key.
func (s *Scheduler) Release(l *Lease) error {
	if err := s.queue.Release(l.Claim); err != nil {
		s.metrics.WriteFailed()
		s.logger.Error("failed to release item; key stays reserved",
			"key", l.Key, "name", l.Claim.Name, "error", err)
		return err
	}
	s.metrics.Completed("released")
	s.free(l)
	return nil
}

// Busy reports whether key is reserved by an in-progress item.
func (s *Scheduler) Busy(key models.OrderingKey) bool {
	_, ok := s.busy.Load(key)
	return ok
}

func (s *Scheduler) free(l *Lease) {
	if !s.busy.CompareAndDelete(l.Key, l.holder) {
		s.logger.Warn("key released by a different holder", "key", l.Key, "name", l.Claim.Name)
	}
}
