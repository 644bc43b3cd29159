package launch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Process launches jobs as child processes, on this machine or via remote shell.
type Process struct {
	// shell interpreting commands. default = "/bin/sh"
	Shell string

	// remote shell. default = "ssh"
	RemoteShell string

	// file in the job's directory receiving stdout and stderr. default = "job.log"
	LogFile string

	Logger *log.Logger
}

var _ Launcher = &Process{}

func (p *Process) shell() string {
	if p.Shell == "" {
		return "/bin/sh"
	}
	return p.Shell
}

func (p *Process) remoteShell() string {
	if p.RemoteShell == "" {
		return "ssh"
	}
	return p.RemoteShell
}

func (p *Process) logFile() string {
	if p.LogFile == "" {
		return "job.log"
	}
	return p.LogFile
}

func (p *Process) Launch(ctx context.Context, reqs []Request, concurrency int) []Result {
	results := make([]Result, len(reqs))

	byHost := map[string][]int{}
	hosts := []string{}
	for i, r := range reqs {
		h := ""
		if r.Remote {
			h = r.Host
		}
		if _, ok := byHost[h]; !ok {
			hosts = append(hosts, h)
		}
		byHost[h] = append(byHost[h], i)
	}

	var all errgroup.Group
	for _, h := range hosts {
		idx := byHost[h]
		all.Go(func() error {
			var perHost errgroup.Group
			if 0 < concurrency {
				perHost.SetLimit(concurrency)
			}
			for _, i := range idx {
				perHost.Go(func() error {
					results[i] = p.run(ctx, reqs[i])
					return nil
				})
			}
			return perHost.Wait()
		})
	}
	_ = all.Wait()
	return results
}

func (p *Process) run(ctx context.Context, req Request) Result {
	if err := os.MkdirAll(req.Dir, 0755); err != nil {
		return Result{Name: req.Name, ExitCode: -1, Err: err}
	}
	out, err := os.OpenFile(
		filepath.Join(req.Dir, p.logFile()), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644,
	)
	if err != nil {
		return Result{Name: req.Name, ExitCode: -1, Err: err}
	}
	defer out.Close()

	cmd := p.command(ctx, req)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 10 * time.Second

	if p.Logger != nil {
		where := "local"
		if req.Remote {
			where = req.Host
		}
		device := "cpu"
		if req.Device != "" {
			device = "gpu " + req.Device
		}
		p.Logger.Printf("launch %s on %s (%s): %s", req.Name, where, device, req.Command)
	}

	err = cmd.Run()
	if err == nil {
		return Result{Name: req.Name, ExitCode: 0}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{Name: req.Name, ExitCode: -1, Err: fmt.Errorf("%w: %w", ctxErr, err)}
	}
	if ee := new(exec.ExitError); errors.As(err, &ee) {
		return Result{Name: req.Name, ExitCode: ee.ExitCode()}
	}
	return Result{Name: req.Name, ExitCode: -1, Err: err}
}

func (p *Process) command(ctx context.Context, req Request) *exec.Cmd {
	env := map[string]string{}
	for k, v := range req.Env {
		env[k] = v
	}
	if req.Device != "" {
		env["CUDA_VISIBLE_DEVICES"] = req.Device
	}

	if !req.Remote {
		cmd := exec.CommandContext(ctx, p.shell(), "-c", req.Command)
		cmd.Dir = req.Dir
		cmd.Env = os.Environ()
		for _, k := range sortedKeys(env) {
			cmd.Env = append(cmd.Env, k+"="+env[k])
		}
		return cmd
	}

	// remote hosts are expected to share the work directory.
	script := "cd " + shellQuote(req.Dir) + " && "
	for _, k := range sortedKeys(env) {
		script += "export " + k + "=" + shellQuote(env[k]) + "; "
	}
	script += req.Command
	return exec.CommandContext(ctx, p.remoteShell(), req.Host, script)
}

func sortedKeys(m map[string]string) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
