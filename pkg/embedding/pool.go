package embedding

import (
	"context"
	"fmt"
	"time"
)

// Pool bounds how many embedding calls run against the upstream at
// once. A slot is checked out for the full duration of one logical call
// (including its retries) and must be returned on every path.
type Pool struct {
	slots   chan struct{}
	size    int
	maxWait time.Duration
}

// NewPool creates a pool with size slots. maxWait bounds how long
// Acquire blocks for a free slot; zero means wait as long as the
// caller's context allows.
func NewPool(size int, maxWait time.Duration) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{
		slots:   make(chan struct{}, size),
		size:    size,
		maxWait: maxWait,
	}
}

// Acquire blocks until a slot is free. It returns ErrPoolExhausted when
// the wait bound elapses first, or ctx.Err() when the caller gives up.
func (p *Pool) Acquire(ctx context.Context) error {
	waitCtx := ctx
	if p.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.maxWait)
		defer cancel()
	}

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: no slot within %s", ErrPoolExhausted, p.maxWait)
	}
}

// Release returns a slot. Callers pair it with every successful
// Acquire, error and cancellation paths included.
func (p *Pool) Release() {
	<-p.slots
}

// InUse returns how many slots are checked out.
func (p *Pool) InUse() int {
	return len(p.slots)
}

// Size returns the slot count.
func (p *Pool) Size() int {
	return p.size
}
