package dispatch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/opst/deepff/pkg/launch"
)

// Job is a unit of work of a stage.
type Job struct {
	Name    string
	Command string
	Dir     string
	Env     map[string]string

	// files (relative to Dir) which the job should leave non-empty.
	Outputs []string
}

// Policy decides what happens after a wave with failed jobs.
type Policy int

const (
	// stop at the first wave having failures. later waves are skipped.
	AllOrNothing Policy = iota

	// run every wave regardless of failures.
	Tolerant
)

// Report is an outcome of Execute.
type Report struct {
	Succeeded []string

	// names of jobs failed to exit normally or to leave outputs.
	Failed []string

	// names of jobs not launched.
	Skipped []string

	// reasons of failures, by job name.
	Reasons map[string]string
}

func (r Report) OK() bool {
	return len(r.Failed) == 0 && len(r.Skipped) == 0
}

// Execute launches jobs wave by wave according to the plan.
//
// Jobs in a wave run concurrently and the wave completes when all of them exit.
// Then outputs of each job are checked. A failed job does not stop its siblings.
//
// The returned error is not nil only when ctx is done. Failures of jobs are in Report.
func Execute(
	ctx context.Context,
	logger *log.Logger,
	plan Plan,
	jobs []Job,
	launcher launch.Launcher,
	policy Policy,
) (Report, error) {
	if len(jobs) != plan.JobCount {
		return Report{}, fmt.Errorf("plan is for %d jobs, but %d jobs are given", plan.JobCount, len(jobs))
	}

	report := Report{Succeeded: []string{}, Failed: []string{}, Skipped: []string{}, Reasons: map[string]string{}}
	for i, wave := range plan.Waves {
		if err := ctx.Err(); err != nil {
			report.Skipped = append(report.Skipped, names(jobs, plan.Waves[i:])...)
			return report, err
		}

		reqs := make([]launch.Request, len(wave))
		for k, b := range wave {
			j := jobs[b.Job]
			reqs[k] = launch.Request{
				Name:    j.Name,
				Command: j.Command,
				Dir:     j.Dir,
				Host:    b.Host,
				Remote:  b.Remote,
				Device:  b.Device,
				Env:     j.Env,
			}
		}

		if logger != nil {
			logger.Printf("wave %d/%d: %d jobs (%s)", i+1, len(plan.Waves), len(wave), plan.Layout)
		}
		results := launcher.Launch(ctx, reqs, plan.Concurrency)

		failed := 0
		for k, b := range wave {
			j := jobs[b.Job]
			if reason := verify(j, results[k]); reason != "" {
				failed += 1
				report.Failed = append(report.Failed, j.Name)
				report.Reasons[j.Name] = reason
				if logger != nil {
					logger.Printf("job %s failed: %s", j.Name, reason)
				}
				continue
			}
			report.Succeeded = append(report.Succeeded, j.Name)
		}

		if err := ctx.Err(); err != nil {
			report.Skipped = append(report.Skipped, names(jobs, plan.Waves[i+1:])...)
			return report, err
		}
		if 0 < failed && policy == AllOrNothing {
			report.Skipped = append(report.Skipped, names(jobs, plan.Waves[i+1:])...)
			return report, nil
		}
	}
	return report, nil
}

func verify(j Job, r launch.Result) string {
	if !r.Succeeded() {
		return r.String()
	}
	for _, o := range j.Outputs {
		if err := NonEmpty(filepath.Join(j.Dir, o)); err != nil {
			return err.Error()
		}
	}
	return ""
}

// NonEmpty checks that the path exists and is not empty.
// A directory is non-empty when it has an entry.
func NonEmpty(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s is not found", path)
	}
	if st.IsDir() {
		es, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		if len(es) == 0 {
			return fmt.Errorf("%s is empty", path)
		}
		return nil
	}
	if st.Size() == 0 {
		return fmt.Errorf("%s is empty", path)
	}
	return nil
}

func names(jobs []Job, ws []Wave) []string {
	ns := []string{}
	for _, w := range ws {
		for _, b := range w {
			ns = append(ns, jobs[b.Job].Name)
		}
	}
	return ns
}
