package errors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// a required option is missing or options are inconsistent.
	//
	// It is reported before any stage runs.
	ErrConfiguration = errors.New("configuration error")

	// no usable hosts or devices.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// a stage's post-condition check has failed.
	ErrStageFailure = errors.New("stage failure")

	// some ensemble member did not produce its frozen model.
	ErrTrainingIncomplete = fmt.Errorf("%w: training incomplete", ErrStageFailure)

	// a system's labeling produced no data. It is not fatal.
	ErrPartialLabelFailure = errors.New("partial label failure")

	// the corpus contribution for (iteration, system) has been recorded already.
	ErrDuplicateRecord = errors.New("duplicate record")

	// raw data are inconsistent (e.g. frame counts differ among fields).
	ErrMalformedData = errors.New("malformed data")

	// the loop has reached max iterations without convergence.
	ErrExhausted = errors.New("iterations exhausted without convergence")

	// another controller owns the same state.
	ErrConcurrentController = errors.New("another controller is running on the same state")

	// a stage change which the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid stage transition")
)

// StageFailure describes which stage failed, and which jobs or systems caused it.
type StageFailure struct {
	Stage     string
	Iteration int

	// names of the offending jobs or systems.
	Offenders []string

	// Kind is ErrStageFailure or an error wrapping it.
	Kind error

	Cause error
}

// NewStageFailure returns a StageFailure of kind ErrStageFailure.
func NewStageFailure(stage string, iteration int, offenders []string, cause error) *StageFailure {
	return &StageFailure{
		Stage:     stage,
		Iteration: iteration,
		Offenders: offenders,
		Kind:      ErrStageFailure,
		Cause:     cause,
	}
}

func (sf *StageFailure) Error() string {
	msg := fmt.Sprintf("%s: %s in iteration %d", sf.kind().Error(), sf.Stage, sf.Iteration)
	if len(sf.Offenders) != 0 {
		msg += " (failed: " + strings.Join(sf.Offenders, ", ") + ")"
	}
	if sf.Cause != nil {
		msg += ": " + sf.Cause.Error()
	}
	return msg
}

func (sf *StageFailure) kind() error {
	if sf.Kind == nil {
		return ErrStageFailure
	}
	return sf.Kind
}

func (sf *StageFailure) Unwrap() []error {
	if sf.Cause == nil {
		return []error{sf.kind()}
	}
	return []error{sf.kind(), sf.Cause}
}

// Configuration returns an error of ErrConfiguration kind about the option at path.
func Configuration(path string, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrConfiguration, path, reason)
}

// NewErrInvalidTransition returns an error of ErrInvalidTransition kind.
func NewErrInvalidTransition(from string, to string) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
