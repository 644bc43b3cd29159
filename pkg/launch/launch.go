// Package launch runs external engine processes.
//
// A Launcher takes requests of a wave and blocks until every of them exits.
package launch

import (
	"context"
	"fmt"
)

// Request is a job to be launched.
type Request struct {
	// name of the job, used in reports.
	Name string

	// command line, interpreted by shell.
	Command string

	// working directory.
	Dir string

	// host to run the job. Used when Remote is true.
	Host string

	Remote bool

	// GPU device id. Empty means CPU.
	Device string

	// additional environment variables.
	Env map[string]string
}

// Result is an outcome of a Request.
type Result struct {
	Name string

	// exit status. -1 when the process was not started or was killed.
	ExitCode int

	// Err is set when the job could not be launched or did not exit normally.
	Err error
}

func (r Result) Succeeded() bool {
	return r.Err == nil && r.ExitCode == 0
}

func (r Result) String() string {
	if r.Succeeded() {
		return fmt.Sprintf("%s: ok", r.Name)
	}
	if r.Err != nil {
		return fmt.Sprintf("%s: exit %d: %s", r.Name, r.ExitCode, r.Err)
	}
	return fmt.Sprintf("%s: exit %d", r.Name, r.ExitCode)
}

type Launcher interface {
	// Launch runs requests and waits all of them.
	//
	// At most concurrency jobs run at once per host.
	// A failure of a job does not stop others.
	//
	// returns results in the same order as reqs.
	Launch(ctx context.Context, reqs []Request, concurrency int) []Result
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, reqs []Request, concurrency int) []Result

func (f LauncherFunc) Launch(ctx context.Context, reqs []Request, concurrency int) []Result {
	return f(ctx, reqs, concurrency)
}
