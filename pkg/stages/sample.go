package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opst/deepff/pkg/dispatch"
	xe "github.com/opst/deepff/pkg/errors"
	"github.com/opst/deepff/pkg/iteration"
)

// Sample runs MD of every system driven by the ensemble, which reports force deviation.
type Sample struct {
	*Env
}

func (*Sample) Stage() iteration.Stage { return iteration.Sample }

// ModelName is the name of the k-th member's model in a system directory.
func ModelName(k int) string {
	return fmt.Sprintf("graph.%d.pb", k)
}

func (s *Sample) Run(ctx context.Context, state iteration.State) (iteration.State, error) {
	it := state.Iteration
	sconf := s.Config.Sampling()
	tconf := s.Config.Training()
	size := tconf.Ensemble().Size()

	models := make([]string, size)
	for k := range models {
		models[k] = ModelName(k)
	}

	systems := sconf.Systems()
	jobs := make([]dispatch.Job, len(systems))
	for i, sys := range systems {
		dir := SampleDir(s.Workdir, it, i)
		name := fmt.Sprintf("sys_%d", i)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return state, err
		}
		if err := copyDir(sys.Input(), dir); err != nil {
			return state, xe.NewStageFailure(
				iteration.Sample.String(), it, []string{name},
				fmt.Errorf("system %s: %w", sys.Name(), err),
			)
		}
		for k := range models {
			model := filepath.Join(TrainDir(s.Workdir, it, k), tconf.Artifact())
			if err := link(model, filepath.Join(dir, models[k])); err != nil {
				return state, err
			}
		}

		jobs[i] = dispatch.Job{
			Name:    name,
			Command: sconf.Command(),
			Dir:     dir,
			Env: map[string]string{
				"DEEPFF_ITERATION": fmt.Sprint(it),
				"DEEPFF_SYSTEM":    sys.Name(),
				"DEEPFF_MODELS":    strings.Join(models, " "),
			},
			Outputs: []string{sconf.DeviationLog()},
		}
	}

	report, err := s.run(ctx, jobs, false, dispatch.AllOrNothing)
	if err != nil {
		return state, err
	}
	if !report.OK() {
		return state, xe.NewStageFailure(iteration.Sample.String(), it, failures(report), nil)
	}
	return state.Advance()
}
