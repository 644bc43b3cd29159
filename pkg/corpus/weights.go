package corpus

import (
	"fmt"
	"math"
)

// Weights is a two-bucket sampling distribution over training data:
// data present before the previous iteration (Old) and data added by it (New).
type Weights struct {
	Old float64
	New float64
}

// WeightOfOld returns the probability to sample from data already present before
// the previous iteration.
//
// It is erf(2 * old/total) / 2^(1/iteration): the bias toward new data shrinks
// as iterations proceed. It is 0 when there are no data.
func WeightOfOld(iteration int, old int, total int) float64 {
	if iteration < 1 || total <= 0 || old <= 0 {
		return 0
	}
	f := float64(old) / float64(total)
	return math.Erf(2*f) / math.Pow(2, 1/float64(iteration))
}

// SamplingWeights returns the distribution used by the Train stage of the iteration.
//
// Entries with no more than numbTest frames are not trained on, so they count
// in neither bucket.
// It is defined for iterations after the first; iteration 0 is an error.
func (a *Accumulator) SamplingWeights(iteration int, numbTest int) (Weights, error) {
	if iteration < 1 {
		return Weights{}, fmt.Errorf("sampling weights are not defined for iteration %d", iteration)
	}
	old, total := a.Initial(), a.Initial()
	for _, e := range a.Entries(iteration) {
		if e.Count <= numbTest {
			continue
		}
		total += e.Count
		if e.Iteration < iteration-1 {
			old += e.Count
		}
	}
	pOld := WeightOfOld(iteration, old, total)
	return Weights{Old: pOld, New: 1 - pOld}, nil
}

// ProbStyle formats w for the training engine.
// Data sources [0, oldSources) are old and [oldSources, allSources) are new.
func (w Weights) ProbStyle(oldSources int, allSources int) string {
	return fmt.Sprintf(
		"prob_sys_size;0:%d:%f;%d:%d:%f",
		oldSources, w.Old, oldSources, allSources, w.New,
	)
}
