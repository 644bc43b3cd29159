package stages

import (
	"math/rand"

	kconf "github.com/opst/deepff/pkg/configs/deepff"
)

// ensembleSeed makes ensembles reproducible across restarts.
const ensembleSeed = 1234567890

const seedRange = 10_000_000_000

// Member is a configuration of an ensemble member.
type Member struct {
	Index int

	DescriptorSeed int64
	FittingSeed    int64
	TrainingSeed   int64

	// Widths of the fitting network. nil means the one written in training params.
	Widths []int
}

// Ensemble decides members trained in the iteration.
//
// Seeds are drawn from a stream started from a fixed seed; iteration n takes
// the n-th portion of the stream, so the result does not depend on where the loop resumed.
func Ensemble(conf *kconf.EnsembleConfig, it int) []Member {
	size := conf.Size()
	rng := rand.New(rand.NewSource(ensembleSeed))
	for range it * size * 3 {
		rng.Int63n(seedRange)
	}

	widths := conf.Widths()
	members := make([]Member, size)
	for i := range members {
		m := Member{
			Index:          i,
			DescriptorSeed: rng.Int63n(seedRange),
			FittingSeed:    rng.Int63n(seedRange),
			TrainingSeed:   rng.Int63n(seedRange),
		}
		switch {
		case conf.Mode() == kconf.ArchitectureDiversity:
			m.Widths = widths[i]
		case len(widths) == 1:
			m.Widths = append([]int{}, widths[0]...)
		}
		members[i] = m
	}
	return members
}
