package memory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/opengrove/opengrove/common/trace"
	"github.com/opengrove/opengrove/internal/opengrove/store"
)

// Worker defaults.
const (
	DefaultQueueSize   = 64
	DefaultConcurrency = 2
)

// OverflowSink consumes overflow jobs. *Pipeline implements it.
type OverflowSink interface {
	EmbedAndStoreOverflow(ctx context.Context, conversationID string, overflow []store.Message)
}

// WorkerConfig sizes the worker.
type WorkerConfig struct {
	QueueSize   int
	Concurrency int
}

type job struct {
	conversationID string
	overflow       []store.Message
	traceID        string
}

// Worker runs overflow embedding off the caller's goroutine. Jobs sit in a
// bounded queue drained by a fixed set of goroutines. When the queue is full
// new jobs are dropped; their messages stay unembedded and come back in a
// later turn's overflow.
type Worker struct {
	sink        OverflowSink
	queue       chan job
	concurrency int
	logger      *slog.Logger

	dropped   atomic.Int64
	processed atomic.Int64

	stopMu  sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// NewWorker returns a worker feeding sink. Call Run to start it.
func NewWorker(sink OverflowSink, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		sink:        sink,
		queue:       make(chan job, cfg.QueueSize),
		concurrency: cfg.Concurrency,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Submit enqueues overflow for embedding without blocking. It reports
// whether the job was accepted. The trace ID of ctx travels with the job;
// ctx's cancellation does not.
func (w *Worker) Submit(ctx context.Context, conversationID string, overflow []store.Message) bool {
	if len(overflow) == 0 {
		return true
	}

	j := job{
		conversationID: conversationID,
		overflow:       append([]store.Message(nil), overflow...),
		traceID:        trace.FromContext(ctx),
	}
	if reason := w.enqueue(j); reason != "" {
		w.drop(conversationID, len(overflow), reason)
		return false
	}
	return true
}

// enqueue returns why j was rejected, or "" once it is queued. The stopped
// check and the send happen under stopMu so no job lands after Stop.
func (w *Worker) enqueue(j job) string {
	w.stopMu.Lock()
	defer w.stopMu.Unlock()
	if w.stopped {
		return "worker stopped"
	}
	select {
	case w.queue <- j:
		return ""
	default:
		return "queue full"
	}
}

func (w *Worker) drop(conversationID string, n int, reason string) {
	total := w.dropped.Add(1)
	w.logger.Warn("memory worker: dropping overflow job",
		"conversation_id", conversationID,
		"messages", n,
		"reason", reason,
		"dropped_total", total,
	)
}

// Run processes jobs until ctx is cancelled or Stop is called. After Stop,
// jobs already queued are finished before Run returns. Call this in a
// goroutine.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.loop(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			w.drain(ctx)
			return
		case j := <-w.queue:
			w.process(ctx, j)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case j := <-w.queue:
			w.process(ctx, j)
		default:
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, j job) {
	if j.traceID != "" {
		ctx = trace.WithTraceID(ctx, j.traceID)
	}
	w.sink.EmbedAndStoreOverflow(ctx, j.conversationID, j.overflow)
	w.processed.Add(1)
}

// Stop signals the worker to finish queued jobs and exit. Safe to call
// multiple times.
func (w *Worker) Stop() {
	w.stopMu.Lock()
	defer w.stopMu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
}

// Dropped is the number of jobs rejected since the worker was created.
func (w *Worker) Dropped() int64 { return w.dropped.Load() }

// Processed is the number of jobs handed to the sink.
func (w *Worker) Processed() int64 { return w.processed.Load() }

// Pending is the number of queued jobs.
func (w *Worker) Pending() int { return len(w.queue) }
