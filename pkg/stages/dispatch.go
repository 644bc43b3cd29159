package stages

import (
	"context"

	"github.com/opst/deepff/pkg/dispatch"
)

// run plans jobs over the topology and executes them.
func (e *Env) run(ctx context.Context, jobs []dispatch.Job, warmStart bool, policy dispatch.Policy) (dispatch.Report, error) {
	plan, err := dispatch.New(len(jobs), e.Topology, warmStart)
	if err != nil {
		return dispatch.Report{}, err
	}
	e.logf("dispatching %d jobs: layout %s, %d waves", plan.JobCount, plan.Layout, len(plan.Waves))
	return dispatch.Execute(ctx, e.Logger, plan, jobs, e.Launcher, policy)
}

func failures(r dispatch.Report) []string {
	return append(append([]string{}, r.Failed...), r.Skipped...)
}
