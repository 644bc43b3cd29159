package resources

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	xe "github.com/opst/deepff/pkg/errors"
)

// Commander runs a command and writes its stdout into w.
type Commander func(ctx context.Context, w io.Writer, name string, args ...string) error

// Exec runs a command as a child process.
func Exec(ctx context.Context, w io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = w
	return cmd.Run()
}

var gpuQuery = []string{
	"nvidia-smi",
	"--query-gpu=index,memory.used,memory.total",
	"--format=csv,noheader,nounits",
}

// Inventory discovers Topology.
type Inventory struct {
	// directory where query artifacts are placed.
	Workdir string

	// Static topology. If not empty, discovery is skipped.
	Static []Host

	// processors per host. 0 means discovery.
	ProcessorCount int

	// remote shell command, like "ssh".
	RemoteShell string

	Logger *log.Logger

	// followings can be nil. Defaults are os.Getenv, runtime.NumCPU, os.Hostname and Exec.
	Getenv   func(string) string
	NumCPU   func() int
	Hostname func() (string, error)
	Command  Commander
}

func (inv *Inventory) getenv(k string) string {
	if inv.Getenv == nil {
		return os.Getenv(k)
	}
	return inv.Getenv(k)
}

func (inv *Inventory) numCPU() int {
	if inv.NumCPU == nil {
		return runtime.NumCPU()
	}
	return inv.NumCPU()
}

func (inv *Inventory) hostname() (string, error) {
	if inv.Hostname == nil {
		return os.Hostname()
	}
	return inv.Hostname()
}

func (inv *Inventory) command() Commander {
	if inv.Command == nil {
		return Exec
	}
	return inv.Command
}

func (inv *Inventory) logf(format string, v ...any) {
	if inv.Logger != nil {
		inv.Logger.Printf(format, v...)
	}
}

// Discover determines hosts and their devices.
//
// Hosts come from (in order of precedence) static configuration, a node list file
// of cluster schedulers, `<workdir>/hostname` or the local machine.
// Jobs are dispatched remotely unless hosts are the local machine.
//
// A host without GPU has no devices. It is not an error.
// If no hosts can be determined, it returns ErrResourceUnavailable.
func (inv *Inventory) Discover(ctx context.Context) (Topology, error) {
	if len(inv.Static) != 0 {
		return inv.static()
	}

	hosts, procs, remote, err := inv.hosts()
	if err != nil {
		return Topology{}, err
	}
	if inv.ProcessorCount > 0 {
		procs = inv.ProcessorCount
	}

	topo := Topology{Hosts: make([]Host, len(hosts)), ProcessorCount: procs, Remote: remote}
	for i, h := range hosts {
		devices, err := inv.queryDevices(ctx, h, remote)
		if err != nil {
			if ctx.Err() != nil {
				return Topology{}, ctx.Err()
			}
			inv.logf("GPU is not found on %s: %s", h, err)
			devices = []Device{}
		}
		topo.Hosts[i] = Host{Name: h, Devices: devices}
	}
	return topo, nil
}

func (inv *Inventory) static() (Topology, error) {
	hosts := make([]Host, len(inv.Static))
	for i, h := range inv.Static {
		hosts[i] = Host{Name: h.Name, Devices: append([]Device{}, h.Devices...)}
	}
	procs := inv.ProcessorCount
	if procs <= 0 {
		procs = localProcessors(inv.numCPU())
	}

	remote := true
	if len(hosts) == 1 {
		name := hosts[0].Name
		if local, err := inv.hostname(); name == "localhost" || (err == nil && name == local) {
			remote = false
		}
	}
	return Topology{Hosts: hosts, ProcessorCount: procs, Remote: remote}, nil
}

func (inv *Inventory) hosts() ([]string, int, bool, error) {
	for _, env := range nodefileEnvs {
		path := inv.getenv(env)
		if path == "" {
			continue
		}
		hosts, procs, err := readNodeList(path, ParseNodefile)
		if err != nil {
			return nil, 0, false, err
		}
		inv.logf("hosts are read from %s (%s)", path, env)
		return hosts, procs, true, nil
	}

	hostfile := filepath.Join(inv.Workdir, "hostname")
	if _, err := os.Stat(hostfile); err == nil {
		hosts, procs, err := readNodeList(hostfile, ParseHostfile)
		if err != nil {
			return nil, 0, false, err
		}
		inv.logf("hosts are read from %s", hostfile)
		return hosts, procs, true, nil
	}

	name, err := inv.hostname()
	if err != nil || name == "" {
		name = "localhost"
	}
	return []string{name}, localProcessors(inv.numCPU()), false, nil
}

// half of logical CPUs, assuming hyper-threading. at least 1.
func localProcessors(ncpu int) int {
	if p := ncpu / 2; 1 < p {
		return p
	}
	return 1
}

// queryDevices lists devices of the host.
//
// The output of the query is kept in `<workdir>/gpuinfo_<host>` while parsing,
// and the file is removed before returning.
func (inv *Inventory) queryDevices(ctx context.Context, host string, remote bool) (_ []Device, err error) {
	artifact := filepath.Join(inv.Workdir, "gpuinfo_"+host)
	f, err := os.Create(artifact)
	if err != nil {
		return nil, err
	}
	defer func() {
		f.Close()
		if rerr := os.Remove(artifact); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	}()

	name, args := gpuQuery[0], gpuQuery[1:]
	if remote {
		shell := inv.RemoteShell
		if shell == "" {
			shell = "ssh"
		}
		name, args = shell, append([]string{host}, gpuQuery...)
	}
	if err := inv.command()(ctx, f, name, args...); err != nil {
		return nil, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return ParseGPUQuery(f)
}

// ParseGPUQuery parses lines of "index, memory.used, memory.total".
func ParseGPUQuery(r io.Reader) ([]Device, error) {
	devices := []Device{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("unexpected GPU query output: %q", line)
		}
		id := strings.TrimSpace(fields[0])
		used, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected memory.used: %q", line)
		}
		total, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected memory.total: %q", line)
		}
		usage := 0.0
		if 0 < total {
			usage = used / total
		}
		devices = append(devices, Device{ID: id, Usage: usage})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return devices, nil
}

// Usable filters devices by usage, and fails if no devices are left while
// there were some.
func Usable(t Topology, maxUsage float64) (Topology, error) {
	if t.HostCount() == 0 {
		return t, fmt.Errorf("%w: no hosts", xe.ErrResourceUnavailable)
	}
	filtered := t.FilterUsage(maxUsage)
	if 0 < t.DeviceCount() && filtered.DeviceCount() == 0 {
		return filtered, fmt.Errorf(
			"%w: every GPU uses more memory than %.0f%%", xe.ErrResourceUnavailable, maxUsage*100,
		)
	}
	return filtered, nil
}
