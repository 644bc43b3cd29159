package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opst/deepff/pkg/dispatch"
	xe "github.com/opst/deepff/pkg/errors"
	"github.com/opst/deepff/pkg/iteration"
	"github.com/opst/deepff/pkg/rawdata"
)

// Label runs the reference solver on selected frames, and merges results into
// labeled data of each system.
//
// Failure of a task is not fatal. A system without labeled frames contributes nothing.
type Label struct {
	*Env
}

func (*Label) Stage() iteration.Stage { return iteration.Label }

type task struct {
	system int
	index  int
	dir    string
}

func (t task) name() string {
	return fmt.Sprintf("sys_%d/task_%d", t.system, t.index)
}

func (l *Label) Run(ctx context.Context, state iteration.State) (iteration.State, error) {
	it := state.Iteration
	conf := l.Config.Labeling()

	sel, err := ReadSelection(SelectionFile(l.Workdir, it))
	if err != nil {
		return state, xe.NewStageFailure(iteration.Label.String(), it, nil, err)
	}

	// systems recorded already are replayed: their labeled data are kept as they are.
	recorded := map[int]int{}
	for _, sys := range sel.Systems {
		if n, ok := l.Corpus.Recorded(it, sys.System); ok {
			recorded[sys.System] = n
			l.logf("iteration %d: system %s: recorded already (%d frames)", it, sys.Name, n)
		}
	}

	tasks := map[int][]task{}
	jobs := []dispatch.Job{}
	for _, sys := range sel.Systems {
		if _, ok := recorded[sys.System]; ok {
			continue
		}
		ts, err := l.prepare(it, sys)
		if err != nil {
			l.logf("iteration %d: system %s: no tasks: %s", it, sys.Name, err)
			continue
		}
		tasks[sys.System] = ts
		for _, t := range ts {
			if dispatch.NonEmpty(filepath.Join(t.dir, conf.Artifact())) == nil {
				l.logf("%s: already labeled", t.name())
				continue
			}
			jobs = append(jobs, dispatch.Job{
				Name:    t.name(),
				Command: conf.Command(),
				Dir:     t.dir,
				Env: map[string]string{
					"DEEPFF_ITERATION": fmt.Sprint(it),
					"DEEPFF_SYSTEM":    sys.Name,
				},
				Outputs: []string{conf.Artifact()},
			})
		}
	}

	if 0 < len(jobs) {
		report, err := l.run(ctx, jobs, false, dispatch.Tolerant)
		if err != nil {
			return state, err
		}
		if !report.OK() {
			l.logf("iteration %d: %d of %d labeling tasks failed", it, len(report.Failed), len(jobs))
		}
	}

	added := 0
	for _, sys := range sel.Systems {
		if n, ok := recorded[sys.System]; ok {
			added += n
			continue
		}
		count, err := l.merge(it, sys.System, tasks[sys.System])
		if err != nil {
			l.logf("iteration %d: system %s: %s", it, sys.Name, err)
		}
		if err := l.Corpus.Record(it, sys.System, count); err != nil {
			return state, err
		}
		added += count
	}
	l.logf("iteration %d: %d frames are labeled", it, added)

	return state.Complete(added)
}

// prepare makes task directories for frames selected in the system.
func (l *Label) prepare(it int, sys SystemSelection) ([]task, error) {
	conf := l.Config.Labeling()
	picked := Stride(sys.Selected, conf.MaxPerSystem())
	if len(picked) == 0 {
		return []task{}, nil
	}

	traj, err := rawdata.Read(filepath.Join(SampleDir(l.Workdir, it, sys.System), l.Config.Sampling().TrajectoryDir()))
	if err != nil {
		return nil, err
	}

	tasks := make([]task, len(picked))
	for k, idx := range picked {
		frame, err := traj.Select([]int{idx})
		if err != nil {
			return nil, err
		}
		t := task{system: sys.System, index: k, dir: LabelTaskDir(l.Workdir, it, sys.System, k)}
		if conf.Input() != "" {
			if err := copyDir(conf.Input(), t.dir); err != nil {
				return nil, err
			}
		}
		if err := rawdata.Write(t.dir, rawdata.Frames{Coords: frame.Coords, Boxes: frame.Boxes, Types: frame.Types}); err != nil {
			return nil, err
		}
		tasks[k] = t
	}
	return tasks, nil
}

// merge joins results of labeled tasks into the labeled data of the system,
// and returns the number of frames.
func (l *Label) merge(it int, system int, tasks []task) (int, error) {
	frames := []rawdata.Frames{}
	for _, t := range tasks {
		if dispatch.NonEmpty(filepath.Join(t.dir, l.Config.Labeling().Artifact())) != nil {
			continue
		}
		f, err := rawdata.Read(t.dir)
		if err != nil {
			l.logf("%s: skipped: %s", t.name(), err)
			continue
		}
		frames = append(frames, f)
	}

	dir := LabelDataDir(l.Workdir, it, system)
	if err := os.RemoveAll(dir); err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	if len(frames) == 0 {
		return 0, xe.ErrPartialLabelFailure
	}
	merged, err := rawdata.Concat(frames...)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", xe.ErrPartialLabelFailure, err)
	}
	if err := rawdata.Write(dir, merged); err != nil {
		return 0, err
	}
	return merged.Len(), nil
}

// Stride picks at most n items evenly from xs.
func Stride(xs []int, n int) []int {
	if len(xs) <= n {
		return append([]int{}, xs...)
	}
	if n <= 0 {
		return []int{}
	}
	picked := make([]int, n)
	for k := range picked {
		picked[k] = xs[k*len(xs)/n]
	}
	return picked
}
