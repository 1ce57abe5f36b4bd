package history

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const writerBatchSize = 64

// WriteFailure describes evaluation records that could not be persisted.
type WriteFailure struct {
	Operation   string
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
}

// WriteFailureHandler receives asynchronous write failure signals. Handlers
// log or count; they never propagate the failure back to the evaluation.
type WriteFailureHandler func(WriteFailure)

var noopWriteFailureHandler = WriteFailureHandler(func(WriteFailure) {})

// WriterMetrics holds optional callbacks the Writer invokes at pipeline
// points.
type WriterMetrics struct {
	OnEnqueue func()
	OnDrop    func()
	OnFlush   func(batchSize int, duration time.Duration)
}

// Writer persists evaluations asynchronously. Enqueue never blocks the
// evaluation path: when the queue is full the record is dropped and counted.
type Writer struct {
	store Store
	queue chan *Evaluation
	wg    sync.WaitGroup

	started      atomic.Bool
	stopped      atomic.Bool
	stopOnce     sync.Once
	doneOnce     sync.Once
	done         chan struct{}
	queueMu      sync.RWMutex
	lifecycleMu  sync.RWMutex
	workerCancel context.CancelFunc

	failureHandle atomic.Value // WriteFailureHandler
	metrics       atomic.Value // *WriterMetrics

	enqueueAcceptedTotal atomic.Int64
	enqueueDroppedTotal  atomic.Int64
	writeDroppedTotal    atomic.Int64
}

// WriterStats is a point-in-time snapshot of the write pipeline.
type WriterStats struct {
	QueueCapacity        int   `json:"queue_capacity"`
	QueueDepth           int   `json:"queue_depth"`
	EnqueueAcceptedTotal int64 `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal  int64 `json:"enqueue_dropped_total"`
	WriteDroppedTotal    int64 `json:"write_dropped_total"`
}

func NewWriter(store Store, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	writer := &Writer{
		store: store,
		queue: make(chan *Evaluation, bufferSize),
		done:  make(chan struct{}),
	}
	writer.failureHandle.Store(noopWriteFailureHandler)
	writer.metrics.Store(&WriterMetrics{})
	return writer
}

// SetWriteFailureHandler replaces the callback used for dropped write signals.
func (w *Writer) SetWriteFailureHandler(handler WriteFailureHandler) {
	if w == nil {
		return
	}
	if handler == nil {
		handler = noopWriteFailureHandler
	}
	w.failureHandle.Store(handler)
}

// SetMetrics replaces the metric callbacks used by the writer pipeline.
func (w *Writer) SetMetrics(m *WriterMetrics) {
	if w == nil {
		return
	}
	if m == nil {
		m = &WriterMetrics{}
	}
	w.metrics.Store(m)
}

func (w *Writer) loadMetrics() *WriterMetrics {
	m, _ := w.metrics.Load().(*WriterMetrics)
	return m
}

// QueueLen returns the current number of records waiting in the write queue.
func (w *Writer) QueueLen() int {
	if w == nil {
		return 0
	}
	return len(w.queue)
}

// Stats returns pipeline counters for diagnostics and health reporting.
func (w *Writer) Stats() WriterStats {
	if w == nil {
		return WriterStats{}
	}
	return WriterStats{
		QueueCapacity:        cap(w.queue),
		QueueDepth:           len(w.queue),
		EnqueueAcceptedTotal: w.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:  w.enqueueDroppedTotal.Load(),
		WriteDroppedTotal:    w.writeDroppedTotal.Load(),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w.lifecycleMu.Lock()
	w.workerCancel = cancel
	w.lifecycleMu.Unlock()

	w.wg.Add(1)
	go func(workerCtx context.Context) {
		defer w.wg.Done()
		defer w.markDone()

		for {
			select {
			case <-workerCtx.Done():
				return
			case evaluation, ok := <-w.queue:
				if !ok {
					return
				}

				batch := make([]*Evaluation, 0, writerBatchSize)
				if evaluation != nil {
					batch = append(batch, evaluation)
				}
			drain:
				for len(batch) < writerBatchSize {
					select {
					case <-workerCtx.Done():
						// Flush with a fresh context so the drain write is not
						// rejected because of the cancelled worker context.
						w.flushBatch(context.Background(), batch)
						return
					case next, ok := <-w.queue:
						if !ok {
							w.flushBatch(context.Background(), batch)
							return
						}
						if next != nil {
							batch = append(batch, next)
						}
					default:
						break drain
					}
				}
				w.flushBatch(workerCtx, batch)
			}
		}
	}(workerCtx)
}

// Enqueue queues one evaluation for persistence. It reports whether the
// record was accepted.
func (w *Writer) Enqueue(evaluation *Evaluation) bool {
	if w.stopped.Load() {
		return false
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return false
	}

	select {
	case w.queue <- evaluation:
		w.enqueueAcceptedTotal.Add(1)
		if m := w.loadMetrics(); m != nil && m.OnEnqueue != nil {
			m.OnEnqueue()
		}
		return true
	default:
		w.enqueueDroppedTotal.Add(1)
		if m := w.loadMetrics(); m != nil && m.OnDrop != nil {
			m.OnDrop()
		}
		return false
	}
}

func (w *Writer) Stop() {
	_ = w.Shutdown(context.Background())
}

// Shutdown stops accepting records and drains the queue to storage.
func (w *Writer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.queueMu.Lock()
		close(w.queue)
		w.queueMu.Unlock()
		if !w.started.Load() {
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.wg.Wait()
		w.cancelWorker()
		return nil
	case <-ctx.Done():
		w.cancelWorker()
		return ctx.Err()
	}
}

func (w *Writer) cancelWorker() {
	if w == nil {
		return
	}
	w.lifecycleMu.RLock()
	cancel := w.workerCancel
	w.lifecycleMu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Writer) markDone() {
	w.doneOnce.Do(func() {
		close(w.done)
	})
}

func (w *Writer) flushBatch(ctx context.Context, batch []*Evaluation) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	defer func() {
		if m := w.loadMetrics(); m != nil && m.OnFlush != nil {
			m.OnFlush(len(batch), time.Since(start))
		}
	}()

	if len(batch) == 1 {
		if err := w.store.WriteEvaluation(ctx, batch[0]); err != nil {
			w.reportWriteFailure(WriteFailure{
				Operation:   "write_evaluation",
				BatchSize:   1,
				FailedCount: 1,
				Err:         err,
			})
		}
		return
	}

	if err := w.store.WriteBatch(ctx, batch); err != nil {
		// Fall back to per-record writes so one bad record does not drop the
		// whole batch.
		failed := 0
		var fallbackErr error
		for _, evaluation := range batch {
			if writeErr := w.store.WriteEvaluation(ctx, evaluation); writeErr != nil {
				failed++
				if fallbackErr == nil {
					fallbackErr = writeErr
				}
			}
		}
		if failed > 0 {
			w.reportWriteFailure(WriteFailure{
				Operation:   "write_batch_fallback",
				BatchSize:   len(batch),
				FailedCount: failed,
				Err:         errors.Join(err, fallbackErr),
			})
		}
	}
}

func (w *Writer) reportWriteFailure(failure WriteFailure) {
	if w == nil || failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyWriteError(failure.Err)
	w.writeDroppedTotal.Add(int64(failure.FailedCount))

	handler, ok := w.failureHandle.Load().(WriteFailureHandler)
	if !ok || handler == nil {
		return
	}
	handler(failure)
}
