package latex

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds how many engine runs execute at once. Requests wait for a
// slot on their own context, so a caller that goes away stops waiting.
type Limiter struct {
	sem *semaphore.Weighted
}

// NewLimiter allows n concurrent runs; n <= 0 disables the bound.
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		return &Limiter{}
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n))}
}

// Acquire blocks until a slot is free and returns its release func.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l == nil || l.sem == nil {
		return func() {}, nil
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { l.sem.Release(1) }, nil
}
