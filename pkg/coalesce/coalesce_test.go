package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapmatch-ai/snapmatch/pkg/fingerprint"
)

func fpOf(b byte) fingerprint.Fingerprint {
	var f fingerprint.Fingerprint
	f[0] = b
	return f
}

func TestCoalescer_SingleComputePerKey(t *testing.T) {
	c := New(nil)
	key := fpOf(1)
	want := []float32{1, 2, 3}

	var calls atomic.Int64
	compute := func(ctx context.Context) ([]float32, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return want, nil
	}

	const callers = 10
	results := make([][]float32, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Resolve(context.Background(), key, compute)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "fan-in must collapse to one compute")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, want, results[i])
	}
}

func TestCoalescer_ResultsNotAliased(t *testing.T) {
	c := New(nil)
	key := fpOf(2)

	gate := make(chan struct{})
	compute := func(ctx context.Context) ([]float32, error) {
		<-gate
		return []float32{1, 2}, nil
	}

	const callers = 4
	results := make([][]float32, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Resolve(context.Background(), key, compute)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	results[0][0] = 99
	for i := 1; i < callers; i++ {
		assert.Equal(t, float32(1), results[i][0], "callers must not share backing arrays")
	}
}

func TestCoalescer_DistinctKeysDoNotCoalesce(t *testing.T) {
	c := New(nil)

	var calls atomic.Int64
	compute := func(ctx context.Context) ([]float32, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []float32{1}, nil
	}

	var wg sync.WaitGroup
	for i := byte(0); i < 4; i++ {
		wg.Add(1)
		go func(i byte) {
			defer wg.Done()
			_, err := c.Resolve(context.Background(), fpOf(i), compute)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(4), calls.Load())
}

func TestCoalescer_ErrorFanOutAndRetry(t *testing.T) {
	c := New(nil)
	key := fpOf(3)
	boom := errors.New("upstream exploded")

	var calls atomic.Int64
	compute := func(ctx context.Context) ([]float32, error) {
		calls.Add(1)
		time.Sleep(30 * time.Millisecond)
		return nil, boom
	}

	const callers = 5
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Resolve(context.Background(), key, compute)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for i := 0; i < callers; i++ {
		assert.ErrorIs(t, errs[i], boom, "every waiter must see the shared error")
	}

	// Errors are never cached: the next call computes again.
	_, err := c.Resolve(context.Background(), key, compute)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCoalescer_WaiterCancelDetaches(t *testing.T) {
	c := New(nil)
	key := fpOf(4)

	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) ([]float32, error) {
		close(started)
		select {
		case <-release:
			return []float32{7}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ownerDone := make(chan struct{})
	var ownerVec []float32
	var ownerErr error
	go func() {
		defer close(ownerDone)
		ownerVec, ownerErr = c.Resolve(context.Background(), key, compute)
	}()
	<-started

	waiterCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, waiterErr := c.Resolve(waiterCtx, key, compute)
	assert.ErrorIs(t, waiterErr, context.DeadlineExceeded, "waiter must detach with its own ctx error")

	// The flight must survive the waiter's departure.
	close(release)
	<-ownerDone
	require.NoError(t, ownerErr)
	assert.Equal(t, []float32{7}, ownerVec)
}

func TestCoalescer_OwnerCancelAbortsFlight(t *testing.T) {
	c := New(nil)
	key := fpOf(5)

	started := make(chan struct{})
	var calls atomic.Int64
	compute := func(ctx context.Context) ([]float32, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []float32{1}, nil
	}

	ownerCtx, cancelOwner := context.WithCancel(context.Background())
	ownerDone := make(chan struct{})
	var ownerErr error
	go func() {
		defer close(ownerDone)
		_, ownerErr = c.Resolve(ownerCtx, key, compute)
	}()
	<-started

	waiterDone := make(chan struct{})
	var waiterErr error
	go func() {
		defer close(waiterDone)
		_, waiterErr = c.Resolve(context.Background(), key, compute)
	}()
	// Give the waiter time to join the flight before killing it.
	time.Sleep(20 * time.Millisecond)

	cancelOwner()
	<-ownerDone
	<-waiterDone

	assert.ErrorIs(t, ownerErr, context.Canceled)
	assert.ErrorIs(t, waiterErr, context.Canceled, "owner cancellation must fail all waiters")

	// The dead flight must not be reused.
	vec, err := c.Resolve(context.Background(), key, compute)
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, vec)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCoalescer_InFlightGauge(t *testing.T) {
	c := New(nil)
	key := fpOf(6)

	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) ([]float32, error) {
		close(started)
		<-release
		return []float32{1}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Resolve(context.Background(), key, compute)
	}()
	<-started

	assert.Equal(t, int64(1), c.InFlight())
	close(release)
	<-done
	assert.Eventually(t, func() bool { return c.InFlight() == 0 },
		time.Second, time.Millisecond)
}
