package iteration

import (
	"fmt"

	xe "github.com/opst/deepff/pkg/errors"
)

// State is the position of the learning loop.
//
// State is a value; transitions return a new State and never mutate the receiver.
type State struct {
	// 0-origin index of the iteration.
	Iteration int `json:"iteration" yaml:"iteration"`

	Stage Stage `json:"stage" yaml:"stage"`

	// cumulative number of labeled frames, including the initial data.
	CorpusSize int `json:"corpusSize" yaml:"corpusSize"`

	// labeled frames added by each completed iteration.
	NewData []int `json:"newData" yaml:"newData"`
}

// Initial returns the state at iteration 0, Train.
func Initial(corpusSize int) State {
	return State{Iteration: 0, Stage: Train, CorpusSize: corpusSize, NewData: []int{}}
}

func (s State) String() string {
	return fmt.Sprintf("iteration %d / %s (corpus: %d)", s.Iteration, s.Stage, s.CorpusSize)
}

// Equal compares two states field by field.
func (s State) Equal(o State) bool {
	if s.Iteration != o.Iteration || s.Stage != o.Stage || s.CorpusSize != o.CorpusSize {
		return false
	}
	if len(s.NewData) != len(o.NewData) {
		return false
	}
	for i := range s.NewData {
		if s.NewData[i] != o.NewData[i] {
			return false
		}
	}
	return true
}

// Validate checks internal consistency of a (possibly restored) state.
func (s State) Validate() error {
	if s.Iteration < 0 {
		return fmt.Errorf("%w: negative iteration %d", xe.ErrConfiguration, s.Iteration)
	}
	if _, err := AsStage(string(s.Stage)); err != nil {
		return fmt.Errorf("%w: %w", xe.ErrConfiguration, err)
	}
	if len(s.NewData) != s.Iteration {
		return fmt.Errorf(
			"%w: iteration %d has %d new-data entries",
			xe.ErrConfiguration, s.Iteration, len(s.NewData),
		)
	}
	sum := 0
	for i, n := range s.NewData {
		if n < 0 {
			return fmt.Errorf("%w: negative new-data count in iteration %d", xe.ErrConfiguration, i)
		}
		sum += n
	}
	if s.CorpusSize < sum {
		return fmt.Errorf(
			"%w: corpus size %d is smaller than labeled data %d",
			xe.ErrConfiguration, s.CorpusSize, sum,
		)
	}
	return nil
}

func (s State) transit(to Stage) (State, error) {
	if !CanTransit(s.Stage, to) {
		return s, xe.NewErrInvalidTransition(s.Stage.String(), to.String())
	}
	next := s
	next.NewData = append([]int{}, s.NewData...)
	next.Stage = to
	return next, nil
}

// Advance moves Train -> Sample, Sample -> Evaluate or Evaluate -> Label.
func (s State) Advance() (State, error) {
	switch s.Stage {
	case Train:
		return s.transit(Sample)
	case Sample:
		return s.transit(Evaluate)
	case Evaluate:
		return s.transit(Label)
	default:
		return s, xe.NewErrInvalidTransition(s.Stage.String(), "(advance)")
	}
}

// Converge moves Evaluate -> Converged.
func (s State) Converge() (State, error) {
	return s.transit(Converged)
}

// Complete finishes Label with added frames and moves to Train of the next iteration.
func (s State) Complete(added int) (State, error) {
	if added < 0 {
		return s, fmt.Errorf("negative new-data count: %d", added)
	}
	next, err := s.transit(Train)
	if err != nil {
		return s, err
	}
	next.Iteration = s.Iteration + 1
	next.CorpusSize = s.CorpusSize + added
	next.NewData = append(next.NewData, added)
	return next, nil
}

// Exhaust moves a non-terminal stage to Exhausted. It is allowed only when iteration reaches max.
func (s State) Exhaust(max int) (State, error) {
	if s.Iteration < max {
		return s, fmt.Errorf(
			"%w (iteration %d has not reached %d)",
			xe.NewErrInvalidTransition(s.Stage.String(), Exhausted.String()), s.Iteration, max,
		)
	}
	return s.transit(Exhausted)
}
