package main

import (
	"context"
	"errors"

	xe "github.com/opst/deepff/pkg/errors"
)

const (
	exitOK          = 0
	exitStageFailed = 1
	exitExhausted   = 2
	exitConfig      = 3
	exitResource    = 4
)

// exitCode maps the result of a run into the process exit status.
//
// Cancellation (signals, or modification of the config file) is a clean stop:
// the last checkpoint is kept and the next run resumes from it.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, xe.ErrExhausted):
		return exitExhausted
	case errors.Is(err, xe.ErrConfiguration):
		return exitConfig
	case errors.Is(err, xe.ErrResourceUnavailable):
		return exitResource
	case errors.Is(err, context.Canceled):
		return exitOK
	default:
		return exitStageFailed
	}
}
