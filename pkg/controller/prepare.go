package controller

import (
	"context"
	"fmt"
	"log"
	"os"

	kconf "github.com/opst/deepff/pkg/configs/deepff"
	"github.com/opst/deepff/pkg/corpus"
	xe "github.com/opst/deepff/pkg/errors"
	"github.com/opst/deepff/pkg/iteration"
	"github.com/opst/deepff/pkg/rawdata"
	"github.com/opst/deepff/pkg/stages"
)

// Prepare claims the store and decides where the loop starts.
//
// The last checkpoint wins. Without checkpoint, the restart option of the config
// is used (labeled data on disk are counted into the ledger), or a fresh state is
// made from the initial data.
//
// Configuration and resource errors are returned before anything is saved.
func Prepare(
	ctx context.Context,
	logger *log.Logger,
	store iteration.Store,
	conf *kconf.Config,
	workdir string,
) (iteration.Checkpoint, error) {
	if err := store.Lock(ctx); err != nil {
		return iteration.Checkpoint{}, err
	}

	restart := conf.Environment().Restart()
	cp, found, err := store.Load(ctx)
	if err != nil {
		return iteration.Checkpoint{}, err
	}

	switch {
	case found:
		if restart != nil && logger != nil {
			logger.Printf(
				"restart option (iteration %d / %s) is ignored: resuming from the checkpoint",
				restart.Iteration(), restart.Stage(),
			)
		}
	case restart != nil:
		cp, err = fromRestart(workdir, restart, len(conf.Sampling().Systems()))
		if err != nil {
			return iteration.Checkpoint{}, err
		}
	default:
		size := 0
		for _, dir := range conf.Training().InitData() {
			if st, err := os.Stat(dir); err != nil || !st.IsDir() {
				return iteration.Checkpoint{}, xe.Configuration(
					"(root).training.initData", fmt.Sprintf("%s is not a directory", dir),
				)
			}
			n, err := rawdata.Count(dir)
			if err != nil {
				return iteration.Checkpoint{}, fmt.Errorf("%w: initial data %s: %w", xe.ErrConfiguration, dir, err)
			}
			size += n
		}
		cp = iteration.Checkpoint{
			State:  iteration.Initial(size),
			Ledger: corpus.Snapshot{Initial: size, Entries: []corpus.Entry{}},
		}
	}

	if err := cp.State.Validate(); err != nil {
		return iteration.Checkpoint{}, err
	}
	acc, err := corpus.Restore(cp.Ledger)
	if err != nil {
		return iteration.Checkpoint{}, err
	}
	if acc.Total() != cp.State.CorpusSize {
		return iteration.Checkpoint{}, fmt.Errorf(
			"%w: corpus size %d does not match the ledger (%d)",
			xe.ErrMalformedData, cp.State.CorpusSize, acc.Total(),
		)
	}
	return cp, nil
}

func fromRestart(workdir string, restart *kconf.RestartConfig, systems int) (iteration.Checkpoint, error) {
	entries, err := stages.Ledger(workdir, restart.Iteration(), systems)
	if err != nil {
		return iteration.Checkpoint{}, err
	}

	newData := make([]int, restart.Iteration())
	labeled := 0
	for _, e := range entries {
		newData[e.Iteration] += e.Count
		labeled += e.Count
	}
	initial := restart.CorpusSize() - labeled
	if initial < 0 {
		return iteration.Checkpoint{}, xe.Configuration(
			"(root).environment.restart.corpusSize",
			fmt.Sprintf("%d is smaller than labeled data on disk (%d)", restart.CorpusSize(), labeled),
		)
	}

	return iteration.Checkpoint{
		State: iteration.State{
			Iteration:  restart.Iteration(),
			Stage:      restart.Stage(),
			CorpusSize: restart.CorpusSize(),
			NewData:    newData,
		},
		Ledger: corpus.Snapshot{Initial: initial, Entries: entries},
	}, nil
}
