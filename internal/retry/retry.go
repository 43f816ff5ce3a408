// Package retry runs an operation again after a fixed pause.
package retry

import (
	"context"
	"time"
)

// Policy wraps an operation with retries.
type Policy interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// None runs fn once.
type None struct{}

func (None) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// Fixed retries fn up to Attempts times, sleeping Interval between tries.
// It retries on any error returned by fn.
type Fixed struct {
	Attempts int
	Interval time.Duration
}

// New returns the policy for a configured attempt count. A negative count
// disables retries.
func New(attempts int, interval time.Duration) Policy {
	if attempts <= 0 {
		return None{}
	}
	return Fixed{Attempts: attempts, Interval: interval}
}

func (r Fixed) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if last = fn(ctx); last == nil {
			return nil
		}
		if i == attempts-1 || r.Interval <= 0 {
			continue
		}
		timer := time.NewTimer(r.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return last
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
