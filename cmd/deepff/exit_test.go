package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	xe "github.com/opst/deepff/pkg/errors"
)

func TestExitCode(t *testing.T) {
	theory := func(err error, then int) func(*testing.T) {
		return func(t *testing.T) {
			if got := exitCode(err); got != then {
				t.Errorf("exit code: actual = %d, expected = %d (err = %v)", got, then, err)
			}
		}
	}

	t.Run("nil is ok", theory(nil, exitOK))
	t.Run("exhausted", theory(fmt.Errorf("iteration 3: %w", xe.ErrExhausted), exitExhausted))
	t.Run("configuration", theory(xe.Configuration("(root).training", "missing"), exitConfig))
	t.Run("resource", theory(fmt.Errorf("%w: no hosts", xe.ErrResourceUnavailable), exitResource))
	t.Run("cancelled is a clean stop", theory(fmt.Errorf("stopped: %w", context.Canceled), exitOK))
	t.Run("stage failure", theory(
		xe.NewStageFailure("sample", 2, []string{"sys_0"}, errors.New("exit status 1")),
		exitStageFailed,
	))
	t.Run("timeout is a failure", theory(context.DeadlineExceeded, exitStageFailed))
	t.Run("concurrent controller", theory(xe.ErrConcurrentController, exitStageFailed))
}
