package corpus

// Schedule is a set of training constants sized by the corpus.
type Schedule struct {
	StopBatch  int
	DecaySteps int
	StartLR    float64
}

// DeriveSchedule sizes a training run for a corpus of total frames.
//
// stop batch covers epochs over the corpus, rounded up to 10000, and
// decay steps is the number of batches per epoch rounded up to 1000.
// stop batch is at least 200 times decay steps.
func DeriveSchedule(total int, batchSize int, epochs int, startLR float64) Schedule {
	batches := 0
	if 0 < batchSize {
		batches = total / batchSize
	}
	stop := ceilTo(epochs*batches, 10000)
	decay := ceilTo(batches, 1000)
	if stop < decay*200 {
		stop = decay * 200
	}
	return Schedule{StopBatch: stop, DecaySteps: decay, StartLR: startLR}
}

// WarmStart returns the schedule for a run initialized from a previous model:
// a tenth of learning rate, half of batches.
func (s Schedule) WarmStart() Schedule {
	return Schedule{
		StopBatch:  s.StopBatch / 2,
		DecaySteps: s.DecaySteps,
		StartLR:    s.StartLR / 10,
	}
}

func ceilTo(n int, unit int) int {
	if n <= 0 {
		return 0
	}
	return (n + unit - 1) / unit * unit
}
