package vectorindex

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeQuerier counts queries and can fail a subset or block to expose
// the warmer's concurrency bound.
type fakeQuerier struct {
	mu         sync.Mutex
	inFlight   int
	maxSeen    int
	calls      atomic.Int64
	failEvery  int
	blockUntil chan struct{}
}

func (f *fakeQuerier) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.blockUntil != nil {
		select {
		case <-f.blockUntil:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	n := f.calls.Add(1)
	if f.failEvery > 0 && n%int64(f.failEvery) == 0 {
		return nil, fmt.Errorf("query %d failed", n)
	}
	return []Match{}, nil
}

func warmQueries(n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = []float32{float32(i), 1, 2, 3}
	}
	return out
}

func TestWarmer_WarmsAllQueries(t *testing.T) {
	q := &fakeQuerier{}
	w := NewWarmer(q, WarmerConfig{Concurrency: 4, TopK: 5}, nil)

	warmed := w.Warm(context.Background(), warmQueries(12))

	assert.Equal(t, 12, warmed)
	assert.Equal(t, int64(12), q.calls.Load())
}

func TestWarmer_FailuresAreNeverFatal(t *testing.T) {
	q := &fakeQuerier{failEvery: 3}
	w := NewWarmer(q, WarmerConfig{Concurrency: 2}, nil)

	warmed := w.Warm(context.Background(), warmQueries(9))

	assert.Equal(t, int64(9), q.calls.Load(), "a failed query must not stop the others")
	assert.Equal(t, 6, warmed, "only successful queries count as warmed")
}

func TestWarmer_BoundsConcurrency(t *testing.T) {
	release := make(chan struct{})
	q := &fakeQuerier{blockUntil: release}
	w := NewWarmer(q, WarmerConfig{Concurrency: 3, QueryTimeout: time.Second}, nil)

	done := make(chan int)
	go func() { done <- w.Warm(context.Background(), warmQueries(10)) }()

	// With every query blocked, occupancy has to settle at the bound.
	assert.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.inFlight == 3
	}, time.Second, time.Millisecond)

	close(release)
	warmed := <-done
	assert.Equal(t, 10, warmed)

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.LessOrEqual(t, q.maxSeen, 3, "warm queries must never exceed the concurrency bound")
}

func TestWarmer_StopsOnContextCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	q := &fakeQuerier{blockUntil: release}
	w := NewWarmer(q, WarmerConfig{Concurrency: 1, QueryTimeout: time.Minute}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int)
	go func() { done <- w.Warm(ctx, warmQueries(50)) }()

	assert.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.inFlight == 1
	}, time.Second, time.Millisecond)
	cancel()

	warmed := <-done
	assert.Less(t, warmed, 50, "cancellation must stop scheduling new warm queries")
}

func TestWarmer_EmptyQuerySet(t *testing.T) {
	q := &fakeQuerier{}
	w := NewWarmer(q, WarmerConfig{}, nil)

	assert.Equal(t, 0, w.Warm(context.Background(), nil))
	assert.Zero(t, q.calls.Load())
}
