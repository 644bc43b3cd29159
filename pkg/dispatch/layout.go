// Package dispatch places jobs onto hosts and GPU devices, and runs them wave by wave.
package dispatch

import (
	"fmt"

	"github.com/opst/deepff/pkg/resources"
)

// Layout is a shape of topology. Each shape has its own placement rule.
type Layout int

const (
	// one host, no GPU. every job runs at once on the host.
	LocalCPU Layout = iota + 1

	// hosts, no GPU. jobs are distributed round-robin over hosts.
	RemoteCPU

	// one host, one GPU. jobs run one by one on the device.
	SingleGPU

	// one host, GPUs. jobs are bound to devices 1:1, wave by wave.
	MultiGPU

	// hosts having the same number of GPUs. jobs are bound to (host, device) 1:1, wave by wave.
	HomogeneousCluster

	// hosts having different numbers of GPUs. one job per GPU-bearing host per wave.
	HeterogeneousCluster
)

func (l Layout) String() string {
	switch l {
	case LocalCPU:
		return "local-cpu"
	case RemoteCPU:
		return "remote-cpu"
	case SingleGPU:
		return "single-gpu"
	case MultiGPU:
		return "multi-gpu"
	case HomogeneousCluster:
		return "homogeneous-cluster"
	case HeterogeneousCluster:
		return "heterogeneous-cluster"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// SelectLayout classifies topology. The first matching layout, in order of declaration, wins.
func SelectLayout(t resources.Topology) Layout {
	hosts := t.HostCount()
	devices := t.DeviceCount()
	switch {
	case hosts <= 1 && devices == 0:
		return LocalCPU
	case devices == 0:
		return RemoteCPU
	case hosts == 1 && devices == 1:
		return SingleGPU
	case hosts == 1:
		return MultiGPU
	case t.Homogeneous():
		return HomogeneousCluster
	default:
		return HeterogeneousCluster
	}
}
