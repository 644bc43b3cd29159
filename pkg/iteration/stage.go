package iteration

import (
	"errors"
	"fmt"
)

// Stage is a position in an iteration of the learning loop.
type Stage string

const (
	Train    Stage = "train"
	Sample   Stage = "sample"
	Evaluate Stage = "evaluate"
	Label    Stage = "label"

	// the loop has converged. terminal.
	Converged Stage = "converged"

	// the loop has reached the max iteration without converging. terminal.
	Exhausted Stage = "exhausted"
)

var ErrUnknownStage = errors.New("unknown stage")

func AsStage(s string) (Stage, error) {
	switch s {
	case string(Train):
		return Train, nil
	case string(Sample):
		return Sample, nil
	case string(Evaluate):
		return Evaluate, nil
	case string(Label):
		return Label, nil
	case string(Converged):
		return Converged, nil
	case string(Exhausted):
		return Exhausted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, s)
	}
}

func (s Stage) String() string {
	return string(s)
}

// Terminal reports whether no stage follows s.
func (s Stage) Terminal() bool {
	return s == Converged || s == Exhausted
}

// Stages returns non-terminal stages in the order of execution.
func Stages() []Stage {
	return []Stage{Train, Sample, Evaluate, Label}
}

// transitions allowed. Label -> Train moves to the next iteration.
//
// Every non-terminal stage can be exhausted, since a loop may resume at any stage
// of an iteration which is already beyond the max.
var transitions = map[Stage][]Stage{
	Train:    {Sample, Exhausted},
	Sample:   {Evaluate, Exhausted},
	Evaluate: {Label, Converged, Exhausted},
	Label:    {Train, Exhausted},
}

// CanTransit reports whether the state machine permits from -> to.
func CanTransit(from, to Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
