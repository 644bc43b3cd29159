// Package controller drives the learning loop: it runs a stage, persists the
// new state, and moves on until the loop converges or runs out of iterations.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/opst/deepff/pkg/corpus"
	xe "github.com/opst/deepff/pkg/errors"
	"github.com/opst/deepff/pkg/hook"
	"github.com/opst/deepff/pkg/iteration"
	"github.com/opst/deepff/pkg/logs"
	"github.com/opst/deepff/pkg/loop"
	"github.com/opst/deepff/pkg/stages"
)

// Event is the payload of lifecycle hooks.
type Event struct {
	RunID string          `json:"runId"`
	State iteration.State `json:"state"`
}

type Controller struct {
	Store  iteration.Store
	Corpus *corpus.Accumulator

	// runner per non-terminal stage.
	Runners map[iteration.Stage]stages.Runner

	// Hook is called before and after each stage.
	Hook hook.Hook[Event]

	MaxIterations int

	// number of systems, to write the final dataset.
	Systems int
	Workdir string

	// deadline of each stage. Not positive means no deadline.
	StageTimeout time.Duration

	RunID  string
	Logger *log.Logger

	// OnSave, if set, is called with every checkpoint saved.
	OnSave func(iteration.Checkpoint)
}

// New returns a Controller running the four stages with env.
func New(env *stages.Env, store iteration.Store, h hook.Hook[Event], runID string) *Controller {
	if h == nil {
		h = hook.None[Event]{}
	}
	conf := env.Config
	return &Controller{
		Store:  store,
		Corpus: env.Corpus,
		Runners: map[iteration.Stage]stages.Runner{
			iteration.Train:    &stages.Train{Env: prefixed(env, "[train] ")},
			iteration.Sample:   &stages.Sample{Env: prefixed(env, "[sample] ")},
			iteration.Evaluate: &stages.Evaluate{Env: prefixed(env, "[evaluate] ")},
			iteration.Label:    &stages.Label{Env: prefixed(env, "[label] ")},
		},
		Hook:          h,
		MaxIterations: conf.Environment().MaxIterations(),
		Systems:       len(conf.Sampling().Systems()),
		Workdir:       env.Workdir,
		StageTimeout:  conf.Environment().StageTimeout(),
		RunID:         runID,
		Logger:        prefixed(env, "[controller] ").Logger,
	}
}

func prefixed(env *stages.Env, pre string) *stages.Env {
	e := *env
	if e.Logger != nil {
		e.Logger = logs.Prefixed(e.Logger, pre)
	}
	return &e
}

func (c *Controller) logf(format string, v ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, v...)
	}
}

// Run drives the loop from the state.
//
// # Returns
//
// - iteration.State: the last durable state.
//
// - error: nil when converged. ErrExhausted when iterations have run out.
// Otherwise, the error stopped the loop (stage failure, hook failure, context done...).
func (c *Controller) Run(ctx context.Context, init iteration.State) (iteration.State, error) {
	c.logf("run %s starts from %s", c.RunID, init)
	return loop.Start(
		ctx, init,
		monitor(c.Logger, c.step),
		loop.WithTimeout(c.StageTimeout),
	)
}

func (c *Controller) step(ctx context.Context, state iteration.State) (iteration.State, loop.Next) {
	switch state.Stage {
	case iteration.Converged:
		return state, loop.Break(nil)
	case iteration.Exhausted:
		return state, loop.Break(exhausted(state))
	}
	if c.MaxIterations <= state.Iteration {
		// also when resumed in the middle of an iteration beyond the max.
		return c.exhaust(ctx, state)
	}

	runner, ok := c.Runners[state.Stage]
	if !ok {
		return state, loop.Break(fmt.Errorf("no runner for stage %s", state.Stage))
	}

	if err := c.Hook.Before(ctx, Event{RunID: c.RunID, State: state}); err != nil {
		return state, loop.Break(err)
	}

	next, err := runner.Run(ctx, state)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		return state, loop.Break(err)
	}
	if err := c.save(ctx, next); err != nil {
		return state, loop.Break(err)
	}

	if err := c.Hook.After(ctx, Event{RunID: c.RunID, State: next}); err != nil {
		c.logf("after-hook failed (ignored): %s", err)
	}

	if next.Stage == iteration.Converged {
		if 0 < next.Iteration {
			if err := c.flush(next); err != nil {
				return next, loop.Break(err)
			}
		}
		c.logf("converged at iteration %d (corpus: %d)", next.Iteration, next.CorpusSize)
		return next, loop.Break(nil)
	}
	return next, loop.Continue(0)
}

func (c *Controller) exhaust(ctx context.Context, state iteration.State) (iteration.State, loop.Next) {
	next, err := state.Exhaust(c.MaxIterations)
	if err != nil {
		return state, loop.Break(err)
	}
	if err := c.save(ctx, next); err != nil {
		return state, loop.Break(err)
	}
	if err := c.flush(next); err != nil {
		return next, loop.Break(errors.Join(exhausted(next), err))
	}
	return next, loop.Break(exhausted(next))
}

func exhausted(state iteration.State) error {
	return fmt.Errorf("%w: %d iterations (corpus: %d)", xe.ErrExhausted, state.Iteration, state.CorpusSize)
}

// save persists the state with the ledger.
//
// The checkpoint is written even if ctx is done: the stage has completed.
func (c *Controller) save(ctx context.Context, state iteration.State) error {
	cp := iteration.Checkpoint{State: state, Ledger: c.Corpus.Snapshot()}
	if err := c.Store.Save(context.WithoutCancel(ctx), cp); err != nil {
		return fmt.Errorf("saving checkpoint at %s: %w", state, err)
	}
	if c.OnSave != nil {
		c.OnSave(cp)
	}
	return nil
}

// flush writes labeled data of iterations before the state's into the final dataset.
func (c *Controller) flush(state iteration.State) error {
	n, err := stages.Flush(c.Workdir, c.Systems, c.Corpus.Entries(state.Iteration))
	if err != nil {
		return fmt.Errorf("writing the final dataset: %w", err)
	}
	c.logf("final dataset: %d frames in %s", n, filepath.Join(c.Workdir, "active_data"))
	return nil
}

// monitor logs the start and end of each step.
func monitor(logger *log.Logger, task loop.Task[iteration.State]) loop.Task[iteration.State] {
	var counter uint64
	return func(ctx context.Context, s iteration.State) (ret iteration.State, next loop.Next) {
		counter += 1
		timestamp := time.Now()
		if logger != nil {
			logger.Printf("step start: #%d: %s", counter, s)
		}
		defer func() {
			if logger != nil {
				logger.Printf("step end: #%d (takes %s): %s -> %s", counter, time.Since(timestamp), next, ret)
			}
		}()
		ret, next = task(ctx, s)
		return
	}
}
