package stages

import (
	"errors"
	"os"

	"github.com/opst/deepff/pkg/corpus"
	"github.com/opst/deepff/pkg/rawdata"
)

// Flush writes the final dataset: for each system, labeled data in the ledger
// are joined into active_data/sys_<i>.
//
// Systems without labeled data get no directory. It returns the number of frames written.
func Flush(workdir string, systems int, ledger []corpus.Entry) (int, error) {
	bySystem := make([][]corpus.Entry, systems)
	for _, e := range ledger {
		if e.Count == 0 || e.System < 0 || systems <= e.System {
			continue
		}
		bySystem[e.System] = append(bySystem[e.System], e)
	}

	total := 0
	for sys, entries := range bySystem {
		dir := FinalDataDir(workdir, sys)
		if err := os.RemoveAll(dir); err != nil {
			return total, err
		}

		frames := []rawdata.Frames{}
		for _, e := range entries {
			f, err := rawdata.Read(LabelDataDir(workdir, e.Iteration, e.System))
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return total, err
			}
			if f.Len() == 0 {
				continue
			}
			frames = append(frames, f)
		}
		if len(frames) == 0 {
			continue
		}
		merged, err := rawdata.Concat(frames...)
		if err != nil {
			return total, err
		}
		if err := rawdata.Write(dir, merged); err != nil {
			return total, err
		}
		total += merged.Len()
	}
	return total, nil
}

// Ledger rebuilds ledger entries of iterations before the given one from
// labeled data directories. Missing directories count as 0 frames.
func Ledger(workdir string, before int, systems int) ([]corpus.Entry, error) {
	entries := []corpus.Entry{}
	for it := range before {
		for sys := range systems {
			n, err := rawdata.Count(LabelDataDir(workdir, it, sys))
			if err != nil {
				return nil, err
			}
			entries = append(entries, corpus.Entry{Iteration: it, System: sys, Count: max(n, 0)})
		}
	}
	return entries, nil
}
