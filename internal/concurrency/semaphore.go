// Package concurrency provides small bounded-concurrency primitives shared
// across the pipeline and maintenance loops.
package concurrency

import "context"

// Semaphore caps the number of concurrent Pipeline invocations in flight,
// configured from QUEUE_WORKERS (default 10).
type Semaphore struct {
	tokens chan struct{}
}

// NewSemaphore creates a Semaphore allowing up to n concurrent holders. n<=0
// is clamped to 1.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = 1
	}
	return &Semaphore{tokens: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.tokens <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot. Callers must pair every Acquire with exactly one
// Release.
func (s *Semaphore) Release() {
	<-s.tokens
}

// Capacity returns the configured concurrency limit.
func (s *Semaphore) Capacity() int {
	return cap(s.tokens)
}

// InUse returns the number of slots currently held.
func (s *Semaphore) InUse() int {
	return len(s.tokens)
}
