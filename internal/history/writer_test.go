package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu       sync.Mutex
	written  []*Evaluation
	writeErr error
	batchErr error
}

func (f *fakeStore) WriteEvaluation(_ context.Context, evaluation *Evaluation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, evaluation)
	return nil
}

func (f *fakeStore) WriteBatch(_ context.Context, evaluations []*Evaluation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return f.batchErr
	}
	f.written = append(f.written, evaluations...)
	return nil
}

func (f *fakeStore) GetEvaluation(context.Context, Scope, string) (*Evaluation, error) {
	return nil, ErrNotFound
}

func (f *fakeStore) ListEvaluations(context.Context, Filter) (*Result, error) {
	return &Result{}, nil
}

func (f *fakeStore) GetCostSummary(context.Context, Scope, time.Time, time.Time) (*CostSummary, error) {
	return &CostSummary{}, nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func TestWriterFlushesOnShutdown(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	writer := NewWriter(store, 16)
	writer.Start(context.Background())

	for i := 0; i < 5; i++ {
		if !writer.Enqueue(&Evaluation{UserID: "u", DBConfigID: "d", Prompt: "p"}) {
			t.Fatalf("Enqueue() rejected record %d with spare capacity", i)
		}
	}

	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if got := store.count(); got != 5 {
		t.Fatalf("persisted %d records, want 5 after drain", got)
	}

	stats := writer.Stats()
	if stats.EnqueueAcceptedTotal != 5 || stats.EnqueueDroppedTotal != 0 {
		t.Fatalf("stats=%+v, want 5 accepted and 0 dropped", stats)
	}
}

func TestWriterDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	// Writer never started, so nothing drains the queue.
	writer := NewWriter(&fakeStore{}, 2)

	accepted := 0
	for i := 0; i < 4; i++ {
		if writer.Enqueue(&Evaluation{Prompt: "p"}) {
			accepted++
		}
	}
	if accepted != 2 {
		t.Fatalf("accepted=%d, want 2 with capacity 2", accepted)
	}

	stats := writer.Stats()
	if stats.EnqueueDroppedTotal != 2 {
		t.Fatalf("dropped=%d, want 2", stats.EnqueueDroppedTotal)
	}
}

func TestWriterRejectsAfterShutdown(t *testing.T) {
	t.Parallel()

	writer := NewWriter(&fakeStore{}, 4)
	writer.Start(context.Background())
	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	if writer.Enqueue(&Evaluation{Prompt: "p"}) {
		t.Fatal("Enqueue() accepted record after shutdown")
	}
}

func TestWriterReportsClassifiedFailures(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		writeErr: errors.New("write evaluation: database is locked"),
		batchErr: errors.New("batch: database is locked"),
	}
	writer := NewWriter(store, 16)

	var (
		mu       sync.Mutex
		failures []WriteFailure
	)
	writer.SetWriteFailureHandler(func(failure WriteFailure) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, failure)
	})

	writer.Start(context.Background())
	for i := 0; i < 3; i++ {
		writer.Enqueue(&Evaluation{Prompt: "p"})
	}
	if err := writer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(failures) == 0 {
		t.Fatal("no write failures reported")
	}
	total := 0
	for _, failure := range failures {
		if failure.ErrorClass != WriteErrorClassContention {
			t.Fatalf("error class=%q, want %q", failure.ErrorClass, WriteErrorClassContention)
		}
		total += failure.FailedCount
	}
	if total != 3 {
		t.Fatalf("failed count=%d, want 3", total)
	}
}

func TestClassifyWriteError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: WriteErrorClassUnknown},
		{name: "deadline", err: context.DeadlineExceeded, want: WriteErrorClassTimeout},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: WriteErrorClassConnection},
		{name: "sqlite busy", err: errors.New("step: SQLITE_BUSY"), want: WriteErrorClassContention},
		{name: "unique", err: errors.New("pq: duplicate key value violates unique constraint"), want: WriteErrorClassConstraint},
		{name: "opaque", err: errors.New("something odd"), want: WriteErrorClassUnknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := ClassifyWriteError(tt.err); got != tt.want {
				t.Fatalf("ClassifyWriteError(%v)=%q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
