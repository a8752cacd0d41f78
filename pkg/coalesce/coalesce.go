// Package coalesce deduplicates concurrent embedding computations.
//
// All concurrent requests for one fingerprint share a single in-flight
// computation. The first caller owns the flight: the compute function
// runs under the owner's context. Waiters that cancel detach
// individually; if the owner cancels, the computation aborts and every
// current waiter receives the resulting error. Results and errors are
// shared only within a flight, never cached across flights.
package coalesce

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/snapmatch-ai/snapmatch/pkg/fingerprint"
	"github.com/snapmatch-ai/snapmatch/pkg/observability"
)

// ComputeFunc produces the vector for a key. It runs at most once per
// flight, under the flight owner's context.
type ComputeFunc func(ctx context.Context) ([]float32, error)

// Coalescer folds concurrent computations per fingerprint into one.
// The zero value is not usable; use New.
type Coalescer struct {
	group    singleflight.Group
	inflight atomic.Int64
	logger   observability.Logger
}

// New creates a Coalescer. A nil logger falls back to a no-op logger.
func New(logger observability.Logger) *Coalescer {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Coalescer{logger: logger}
}

// Resolve returns the vector for key, computing it at most once no
// matter how many callers arrive concurrently.
//
// The caller that creates the flight is the owner; compute is bound to
// the owner's ctx. Every other caller waits on the shared flight. A
// waiter whose ctx ends detaches with ctx.Err() and leaves the flight
// running. When compute returns, the flight is gone: later callers
// start a fresh one, so errors are never served stale.
func (c *Coalescer) Resolve(ctx context.Context, key fingerprint.Fingerprint, compute ComputeFunc) ([]float32, error) {
	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		c.inflight.Add(1)
		defer c.inflight.Add(-1)
		return compute(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		vector, ok := res.Val.([]float32)
		if !ok {
			return nil, fmt.Errorf("unexpected compute result type %T", res.Val)
		}
		if res.Shared {
			// Callers of a shared flight each get their own copy so no
			// two of them alias one backing array.
			return copyVector(vector), nil
		}
		return vector, nil
	case <-ctx.Done():
		c.logger.Debug("waiter detached from flight", map[string]interface{}{
			"key": key.String(),
		})
		return nil, ctx.Err()
	}
}

// InFlight returns the number of distinct computations currently
// running.
func (c *Coalescer) InFlight() int64 {
	return c.inflight.Load()
}

func copyVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
