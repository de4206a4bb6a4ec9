package services

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/TFMV/queryscope/pkg/errors"
)

// timed runs fn and returns its wall-clock duration alongside its error.
func timed(fn func() error) (time.Duration, error) {
	start := time.Now()
	err := fn()
	return time.Since(start), err
}

// durationMs converts d to fractional milliseconds.
func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// BulkLane bounds how many heavy statements (seeding, blocking index builds,
// ladder inserts) run at once so they cannot starve interactive queries.
type BulkLane struct {
	sem *semaphore.Weighted
}

// NewBulkLane creates a lane with n slots; n below 1 means 1.
func NewBulkLane(n int) *BulkLane {
	if n < 1 {
		n = 1
	}
	return &BulkLane{sem: semaphore.NewWeighted(int64(n))}
}

// Run waits for a slot, then runs fn while holding it.
func (l *BulkLane) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, errors.CodeDeadlineExceeded, "timed out waiting for the bulk lane").AsRetryable()
	}
	defer l.sem.Release(1)
	return fn(ctx)
}
