// Package resources discovers hosts and GPU devices available for jobs.
package resources

import (
	"fmt"
	"strings"
)

// Device is a GPU device on a host.
type Device struct {
	// device id, as CUDA_VISIBLE_DEVICES accepts.
	ID string `json:"id"`

	// memory utilization in [0, 1].
	Usage float64 `json:"usage"`
}

type Host struct {
	Name    string   `json:"name"`
	Devices []Device `json:"devices"`
}

// Topology is a snapshot of hosts and their devices.
//
// It is taken once at start up and not refreshed.
type Topology struct {
	Hosts []Host `json:"hosts"`

	// processors per host available for a job.
	ProcessorCount int `json:"processorCount"`

	// Remote is true when jobs should be launched on hosts via remote shell.
	Remote bool `json:"remote"`
}

func (t Topology) HostCount() int {
	return len(t.Hosts)
}

// DeviceCount returns the number of devices over all hosts.
func (t Topology) DeviceCount() int {
	n := 0
	for _, h := range t.Hosts {
		n += len(h.Devices)
	}
	return n
}

// Homogeneous reports whether every host has the same number of devices.
func (t Topology) Homogeneous() bool {
	for _, h := range t.Hosts {
		if len(h.Devices) != len(t.Hosts[0].Devices) {
			return false
		}
	}
	return true
}

// FilterUsage returns a copy of t without devices whose usage exceeds max.
func (t Topology) FilterUsage(max float64) Topology {
	hosts := make([]Host, len(t.Hosts))
	for i, h := range t.Hosts {
		ds := []Device{}
		for _, d := range h.Devices {
			if d.Usage <= max {
				ds = append(ds, d)
			}
		}
		hosts[i] = Host{Name: h.Name, Devices: ds}
	}
	return Topology{Hosts: hosts, ProcessorCount: t.ProcessorCount, Remote: t.Remote}
}

func (t Topology) String() string {
	hs := make([]string, len(t.Hosts))
	for i, h := range t.Hosts {
		ids := make([]string, len(h.Devices))
		for j, d := range h.Devices {
			ids[j] = fmt.Sprintf("%s(%.0f%%)", d.ID, d.Usage*100)
		}
		hs[i] = fmt.Sprintf("%s[%s]", h.Name, strings.Join(ids, " "))
	}
	return fmt.Sprintf("%s (procs=%d, remote=%v)", strings.Join(hs, ", "), t.ProcessorCount, t.Remote)
}
