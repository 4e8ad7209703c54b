package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutError reports an outbound call, such as one notification sink, that
// did not answer within its limit. It matches context.DeadlineExceeded.
type TimeoutError struct {
	Name  string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no response within %v", e.Name, e.Limit)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// WithTimeout runs fn under a deadline of limit. A call that does not return
// in time is abandoned and reported as a *TimeoutError naming it; fn keeps
// running until it observes its context. A non-positive limit runs fn
// without a deadline.
func WithTimeout(ctx context.Context, limit time.Duration, name string, fn func(ctx context.Context) error) error {
	if limit <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		err = callCtx.Err()
	}
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%s: parent context cancelled: %w", name, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil:
		return &TimeoutError{Name: name, Limit: limit}
	}
	return err
}
