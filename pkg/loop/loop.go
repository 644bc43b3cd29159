// Package loop runs a task repeatedly, passing the value returned by one step
// to the next, until the task breaks or the context is done.
//
// The iteration controller drives one stage per step with it.
package loop

import (
	"context"
	"fmt"
	"time"
)

// Next tells Start what to do after a step.
type Next struct {
	// if not nil, breaks with error
	err error

	// if quit == true and err == nil, breaks without error
	quit bool

	// otherwise, continue loop with interval.
	interval time.Duration
}

func (n Next) String() string {
	switch {
	case n.err != nil:
		return fmt.Sprintf("[break] with error: %v", n.err)
	case n.quit:
		return "[break] without error"
	default:
		return fmt.Sprintf("[continue] interval: %s", n.interval)
	}
}

// Err is the error the loop breaks with, if any.
func (n Next) Err() error {
	return n.err
}

// Continue runs the next step after interval.
//
// Zero value of Next equals Continue(0).
func Continue(interval time.Duration) Next {
	return Next{interval: interval}
}

// Break stops the loop.
//
// With nil, the loop stops successfully.
func Break(err error) Next {
	return Next{quit: true, err: err}
}

// Task is a step of a loop.
//
// It receives the value returned by the previous step (or the initial value),
// and returns a new value with what to do next.
type Task[T any] func(context.Context, T) (T, Next)

// Start runs task in loop.
//
// # Args
//
// - ctx: when it is done, the loop breaks with ctx.Err() before the next step.
// A running step is never interrupted by Start itself; the step should honour ctx.
//
// - init: value passed to the first step.
//
// - task: step of the loop.
//
// - options: options applied to each step.
//
// # Returns
//
// - T: the value returned by the last step, even when error is returned.
//
// - error: the error passed to Break, or ctx.Err().
func Start[T any](ctx context.Context, init T, task Task[T], options ...Option) (T, error) {
	if err := ctx.Err(); err != nil {
		return init, err
	}

	value := init
	for {
		v, next := step(ctx, value, task, options)
		if next.err != nil {
			return v, next.err
		}
		if next.quit {
			return v, nil
		}
		value = v

		timer := time.NewTimer(next.interval)
		select {
		case <-ctx.Done():
			// stopping has priority over the timer.
			if !timer.Stop() {
				<-timer.C
			}
			return value, ctx.Err()
		case <-timer.C:
		}
	}
}

func step[T any](ctx context.Context, value T, task Task[T], options []Option) (T, Next) {
	sc := &stepConfig{ctx: ctx}
	for _, opt := range options {
		sc = opt(sc)
	}
	if sc.deferred != nil {
		defer sc.deferred()
	}
	return task(sc.ctx, value)
}

type stepConfig struct {
	ctx      context.Context
	deferred func()
}

// Option modifies how each step is called.
type Option func(*stepConfig) *stepConfig

// WithTimeout sets a deadline on the context passed to each step.
//
// When d is not positive, this option does nothing.
func WithTimeout(d time.Duration) Option {
	return func(sc *stepConfig) *stepConfig {
		if d <= 0 {
			return sc
		}
		ctx, cancel := context.WithTimeout(sc.ctx, d)
		return &stepConfig{
			ctx: ctx,
			deferred: func() {
				if sc.deferred != nil {
					defer sc.deferred()
				}
				cancel()
			},
		}
	}
}
