// Package memory provides memory profiling and leak detection tests for the
// cache and queue stores, which run for the whole life of the desktop shell.
package memory

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"testing"

	"github.com/dustin/go-humanize"

	"github.com/mipyme/offline/internal/cache"
	"github.com/mipyme/offline/internal/logging"
	"github.com/mipyme/offline/internal/models"
	"github.com/mipyme/offline/internal/sync/queue"
)

// leakThreshold is the live heap growth tolerated after a workload.
const leakThreshold = 5 * 1024 * 1024

func TestMain(m *testing.M) {
	logging.Init(io.Discard, logging.LevelError)
	os.Exit(m.Run())
}

// testHelper is a minimal interface for *testing.T and *testing.B
type testHelper interface {
	Helper()
	TempDir() string
	Fatalf(format string, args ...interface{})
	Cleanup(func())
}

func openCache(t testHelper) *cache.SQLiteStore {
	t.Helper()
	store, err := cache.OpenSQLite(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open cache: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func openQueue(t testHelper) *queue.Queue {
	t.Helper()
	q, err := queue.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func heapAlloc() uint64 {
	runtime.GC()
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}

// growth returns how much the live heap grew since before, or 0 if the GC
// reclaimed more than the workload left behind.
func growth(before, after uint64) uint64 {
	if after > before {
		return after - before
	}
	return 0
}

// TestMemoryLeakCacheChurn overwrites and invalidates cache entries many times
// and checks that the live heap does not keep growing.
func TestMemoryLeakCacheChurn(t *testing.T) {
	ctx := context.Background()
	store := openCache(t)
	payload := make([]byte, 4*1024)

	// Warm up statement caches and the connection pool.
	for i := 0; i < 50; i++ {
		store.Put(ctx, fmt.Sprintf("/api/productos/?page=%d", i), payload)
	}

	initial := heapAlloc()
	t.Logf("Initial heap: %s", humanize.Bytes(initial))

	const iterations = 2000
	for i := 0; i < iterations; i++ {
		key := fmt.Sprintf("/api/productos/?page=%d", i%50)
		if err := store.Put(ctx, key, payload); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if _, err := store.Get(ctx, key); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if i%100 == 99 {
			if _, err := store.DeleteByKeyPrefix(ctx, "/api/productos/"); err != nil {
				t.Fatalf("DeleteByKeyPrefix failed: %v", err)
			}
			t.Logf("After %d iterations: heap %s", i+1, humanize.Bytes(heapAlloc()))
		}
	}

	final := heapAlloc()
	t.Logf("Final heap: %s", humanize.Bytes(final))
	if diff := growth(initial, final); diff > leakThreshold {
		t.Errorf("Potential memory leak detected: live heap grew by %s", humanize.Bytes(diff))
	}
}

// TestMemoryLeakQueueCycle enqueues and removes operations repeatedly, which
// is what every offline period followed by a replay does.
func TestMemoryLeakQueueCycle(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t)

	cycle := func() {
		ids := make([]string, 0, 20)
		for i := 0; i < 20; i++ {
			id, err := q.Enqueue(ctx, &models.PendingOperation{
				HTTPMethod: "POST",
				Target:     "/api/ventas/",
				Body:       []byte(`{"producto":1,"cantidad":2}`),
			})
			if err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			ids = append(ids, id)
		}
		if _, err := q.ListAll(ctx); err != nil {
			t.Fatalf("ListAll failed: %v", err)
		}
		for _, id := range ids {
			if err := q.Remove(ctx, id); err != nil {
				t.Fatalf("Remove failed: %v", err)
			}
		}
	}

	cycle()
	initial := heapAlloc()

	const cycles = 100
	for i := 0; i < cycles; i++ {
		cycle()
	}

	if q.Count() != 0 {
		t.Fatalf("Expected an empty queue, got %d", q.Count())
	}

	final := heapAlloc()
	t.Logf("Heap after %d cycles: %s (start %s)", cycles, humanize.Bytes(final), humanize.Bytes(initial))
	if diff := growth(initial, final); diff > leakThreshold {
		t.Errorf("Potential memory leak detected: live heap grew by %s", humanize.Bytes(diff))
	}
}

// TestMemoryLeakCountObservers subscribes and unsubscribes count observers
// and checks that unsubscribing releases them.
func TestMemoryLeakCountObservers(t *testing.T) {
	q := openQueue(t)

	initial := heapAlloc()
	for i := 0; i < 10000; i++ {
		buf := make([]byte, 1024)
		unsubscribe := q.OnCountChange(func(int) { _ = buf })
		unsubscribe()
	}
	final := heapAlloc()

	if diff := growth(initial, final); diff > leakThreshold {
		t.Errorf("Unsubscribed observers are retained: live heap grew by %s", humanize.Bytes(diff))
	}
}

// BenchmarkMemoryAllocationCacheGet benchmarks allocations of a cache hit.
func BenchmarkMemoryAllocationCacheGet(b *testing.B) {
	ctx := context.Background()
	store := openCache(b)
	if err := store.Put(ctx, "/api/productos/", make([]byte, 16*1024)); err != nil {
		b.Fatalf("Put failed: %v", err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := store.Get(ctx, "/api/productos/"); err != nil {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

// BenchmarkMemoryAllocationEnqueue benchmarks allocations of an enqueue.
func BenchmarkMemoryAllocationEnqueue(b *testing.B) {
	ctx := context.Background()
	q := openQueue(b)
	body := []byte(`{"producto":1,"cantidad":2}`)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := q.Enqueue(ctx, &models.PendingOperation{
			HTTPMethod: "POST",
			Target:     "/api/ventas/",
			Body:       body,
		}); err != nil {
			b.Fatalf("Enqueue failed: %v", err)
		}
	}
}
