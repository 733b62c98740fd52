// Package daemon wires the queue, scheduler, selector, and run engine
// into the long-running courier process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/courier/internal/config"
	"github.com/mpataki/courier/internal/metrics"
	"github.com/mpataki/courier/internal/models"
	"github.com/mpataki/courier/internal/orchestrator"
	"github.com/mpataki/courier/internal/queue"
	"github.com/mpataki/courier/internal/scheduler"
	"github.com/mpataki/courier/internal/selector"
	"github.com/mpataki/courier/internal/storage"
	"github.com/mpataki/courier/internal/workflow"
	"github.com/mpataki/courier/internal/workspace"
)

// ErrAlreadyRunning means another daemon holds the data directory lock.
var ErrAlreadyRunning = errors.New("another courier daemon is running on this data directory")

// Deps are the collaborators a daemon is built from.
type Deps struct {
	Executor orchestrator.StepExecutor
	Selector selector.Selector
	Index    *storage.Storage
	Catalog  *workflow.Catalog
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type Daemon struct {
	cfg     *config.Config
	queue   *queue.Queue
	sched   *scheduler.Scheduler
	engine  *orchestrator.Engine
	handler *Handler
	metrics *metrics.Metrics
	logger  *slog.Logger
	wakes   []chan struct{}
}

func New(cfg *config.Config, deps Deps) (*Daemon, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Index == nil || deps.Catalog == nil {
		return nil, fmt.Errorf("daemon: index and catalog are required")
	}

	q, err := queue.Open(cfg.QueueDir(),
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(q,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(deps.Metrics))
	if err != nil {
		return nil, err
	}

	format := Formatter{
		MaxLength:        cfg.Outbound.MaxLength,
		TruncationSuffix: cfg.Outbound.TruncationSuffix,
		Logger:           logger,
	}
	engine, err := orchestrator.New(deps.Catalog, deps.Executor, workspace.NewRoot(cfg.RunsDir()), deps.Index,
		orchestrator.WithLimits(cfg.Limits),
		orchestrator.WithNotifier(NewQueueNotifier(q, format, logger, deps.Metrics)),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(deps.Metrics))
	if err != nil {
		return nil, err
	}
	router, err := selector.NewRouter(deps.Selector, cfg.SelectorDir(),
		selector.WithRetryLimit(cfg.Selector.RetryLimit),
		selector.WithIndex(deps.Index),
		selector.WithLogger(logger),
		selector.WithMetrics(deps.Metrics))
	if err != nil {
		return nil, err
	}

	commands := NewRegistry(BuiltinFunctions(engine, deps.Index, deps.Catalog)...)
	d := &Daemon{
		cfg:     cfg,
		queue:   q,
		sched:   sched,
		engine:  engine,
		handler: NewHandler(cfg, q, engine, router, deps.Catalog, deps.Index, commands, logger),
		metrics: deps.Metrics,
		logger:  logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wakes = append(d.wakes, make(chan struct{}, 1))
	}
	return d, nil
}

// Queue returns the daemon's queue.
func (d *Daemon) Queue() *queue.Queue { return d.queue }

// Engine returns the daemon's run engine.
func (d *Daemon) Engine() *orchestrator.Engine { return d.engine }

// Run processes the queue until ctx is canceled. Runs still executing
// when it returns are left at their last step boundary for the next start.
func (d *Daemon) Run(ctx context.Context) error {
	lock := flock.New(d.cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", d.cfg.LockPath(), err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer lock.Unlock()

	requeued, completed, err := d.queue.RecoverProcessing()
	if err != nil {
		return err
	}
	if requeued+completed > 0 {
		d.logger.Info("recovered queue items", "requeued", requeued, "completed", completed)
	}
	resumed, err := d.engine.Recover(ctx)
	if err != nil {
		return err
	}
	if resumed > 0 {
		d.logger.Info("recovered runs", "count", resumed)
	}

	watcher, err := d.watch(ctx)
	if err != nil {
		d.logger.Warn("incoming watcher unavailable, polling only", "error", err)
	} else {
		defer watcher.Close()
	}

	if d.cfg.MetricsAddr != "" && d.metrics != nil {
		srv := d.serveMetrics()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	d.logger.Info("daemon started",
		"data_dir", d.cfg.DataDir,
		"workers", d.cfg.Workers,
		"poll_interval", d.cfg.PollInterval)

	var g errgroup.Group
	for i, wake := range d.wakes {
		i, wake := i, wake
		g.Go(func() error {
			d.worker(ctx, i, wake)
			return nil
		})
	}
	g.Go(func() error {
		d.reportDepth(ctx)
		return nil
	})
	err = g.Wait()

	d.engine.Wait()
	d.logger.Info("daemon stopped")
	return err
}

func (d *Daemon) worker(ctx context.Context, id int, wake <-chan struct{}) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for d.processOne(ctx) {
		}
		select {
		case <-ctx.Done():
			d.logger.Debug("worker stopped", "worker", id)
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// processOne claims and handles at most one item. It reports whether an
// item was completed, so the caller can look for more right away.
func (d *Daemon) processOne(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	lease, err := d.sched.ClaimNext()
	if err != nil {
		d.logger.Error("failed to claim item", "error", err)
		return false
	}
	if lease == nil {
		return false
	}

	item := lease.Item()
	log := d.logger.With("message_id", item.MessageID, "key", lease.Key)
	out, err := d.handler.Handle(ctx, item)
	if err != nil && ctx.Err() != nil {
		// Interrupted, not failed: the item runs again after restart.
		if rerr := d.sched.Release(lease); rerr != nil {
			log.Error("failed to release item on shutdown", "error", rerr, "cause", err)
		} else {
			log.Info("item returned to incoming on shutdown", "error", err)
		}
		return false
	}
	if err != nil {
		requeued, ferr := d.sched.Fail(lease, err.Error())
		if ferr != nil {
			log.Error("failed to record item failure", "error", ferr, "cause", err)
		} else {
			log.Warn("item failed", "requeued", requeued, "error", err)
		}
		return false
	}
	if err := d.sched.Complete(lease, out); err != nil {
		log.Error("failed to complete item", "error", err)
		return false
	}
	log.Info("item completed", "run_id", out.WorkflowRunID)
	return true
}

// wake nudges every idle worker to poll now.
func (d *Daemon) wake() {
	for _, ch := range d.wakes {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (d *Daemon) watch(ctx context.Context) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(d.queue.StageDir(models.StageIncoming)); err != nil {
		w.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					d.wake()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				d.logger.Warn("incoming watcher error", "error", err)
			}
		}
	}()
	return w, nil
}

func (d *Daemon) serveMetrics() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	srv := &http.Server{
		Addr:              d.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics server stopped", "addr", d.cfg.MetricsAddr, "error", err)
		}
	}()
	d.logger.Info("serving metrics", "addr", d.cfg.MetricsAddr)
	return srv
}

func (d *Daemon) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if counts, err := d.queue.Counts(); err == nil {
			d.metrics.SetQueueDepth(counts)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
