package worker

import (
	"context"
	"testing"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/handlers"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/lock"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/memstore"
)

// BenchmarkWorker_RunOnce measures one claim/dispatch/complete cycle with a
// no-op handler against the in-memory queue, i.e. the worker engine itself.
func BenchmarkWorker_RunOnce(b *testing.B) {
	reg := handlers.NewRegistry()
	reg.Register(&fakeHandler{taskType: domain.TaskReaderDispatch})

	store := memstore.New()
	w := NewWorker(store, lock.NewLocal("bench"), reg, WithLogger(discardLogger))
	ctx := context.Background()

	for i := 0; i < b.N; i++ {
		if _, err := store.Enqueue(ctx, domain.TaskSpec{Type: domain.TaskReaderDispatch}); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := w.RunOnce(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkWorker_Contended measures the cost of losing the lock race.
func BenchmarkWorker_Contended(b *testing.B) {
	store := memstore.New()
	mu := lock.NewLocal("bench")
	ctx := context.Background()
	if _, err := mu.TryAcquire(ctx); err != nil {
		b.Fatal(err)
	}
	w := NewWorker(store, mu, handlers.NewRegistry(), WithLogger(discardLogger))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = w.RunOnce(ctx)
	}
}
