package dispatch

import (
	"fmt"

	xe "github.com/opst/deepff/pkg/errors"
	"github.com/opst/deepff/pkg/resources"
)

// Binding is a placement of a job.
type Binding struct {
	// index of the job.
	Job int `json:"job"`

	Host string `json:"host"`

	// Remote is true when the job should be launched on Host via remote shell.
	Remote bool `json:"remote"`

	// GPU device id. Empty means CPU.
	Device string `json:"device,omitempty"`
}

// Wave is a set of jobs launched together. Waves run one after another.
type Wave []Binding

// Plan is a placement of jobs, wave by wave.
type Plan struct {
	Layout Layout `json:"layout"`

	JobCount int `json:"jobCount"`

	// max number of jobs running at once per host.
	Concurrency int `json:"concurrency"`

	Waves []Wave `json:"waves"`

	// jobs start from the previous iteration's model.
	WarmStart bool `json:"warmStart"`
}

// Bindings returns all bindings ordered by job index.
func (p Plan) Bindings() []Binding {
	bs := make([]Binding, p.JobCount)
	for _, w := range p.Waves {
		for _, b := range w {
			bs[b.Job] = b
		}
	}
	return bs
}

// WaveSizes returns the number of jobs in each wave.
func (p Plan) WaveSizes() []int {
	sizes := make([]int, len(p.Waves))
	for i, w := range p.Waves {
		sizes[i] = len(w)
	}
	return sizes
}

// Validate checks that every job is placed exactly once and
// no device is bound to two jobs in a wave.
func (p Plan) Validate() error {
	seen := make([]bool, p.JobCount)
	for i, w := range p.Waves {
		devices := map[[2]string]int{}
		for _, b := range w {
			if b.Job < 0 || p.JobCount <= b.Job {
				return fmt.Errorf("wave %d: job %d is out of range", i, b.Job)
			}
			if seen[b.Job] {
				return fmt.Errorf("wave %d: job %d is placed twice", i, b.Job)
			}
			seen[b.Job] = true
			if b.Device == "" {
				continue
			}
			k := [2]string{b.Host, b.Device}
			if j, ok := devices[k]; ok {
				return fmt.Errorf(
					"wave %d: device %s on %s is shared by job %d and %d", i, b.Device, b.Host, j, b.Job,
				)
			}
			devices[k] = b.Job
		}
	}
	for j, ok := range seen {
		if !ok {
			return fmt.Errorf("job %d is not placed", j)
		}
	}
	return nil
}

type slot struct {
	host   string
	device string
}

// New makes a plan placing jobCount jobs onto the topology.
//
// Supply of slots smaller than jobCount is covered by waves: slots are reused
// in successive waves and the last wave holds the rest.
func New(jobCount int, topo resources.Topology, warmStart bool) (Plan, error) {
	if jobCount < 0 {
		return Plan{}, fmt.Errorf("negative job count: %d", jobCount)
	}
	if topo.HostCount() == 0 {
		return Plan{}, fmt.Errorf("%w: no hosts to dispatch", xe.ErrResourceUnavailable)
	}

	layout := SelectLayout(topo)
	hosts := topo.Hosts

	var slots []slot
	var concurrency int
	switch layout {
	case LocalCPU:
		slots = []slot{}
		for range jobCount {
			slots = append(slots, slot{host: hosts[0].Name})
		}
		concurrency = jobCount

	case RemoteCPU:
		// one wave: job j runs on host j % H.
		slots = []slot{}
		for j := range jobCount {
			slots = append(slots, slot{host: hosts[j%len(hosts)].Name})
		}
		concurrency = ceilDiv(jobCount, len(hosts))

	case SingleGPU:
		slots = []slot{{host: hosts[0].Name, device: hosts[0].Devices[0].ID}}
		concurrency = 1

	case MultiGPU:
		for _, d := range hosts[0].Devices {
			slots = append(slots, slot{host: hosts[0].Name, device: d.ID})
		}
		concurrency = len(slots)

	case HomogeneousCluster:
		for _, h := range hosts {
			for _, d := range h.Devices {
				slots = append(slots, slot{host: h.Name, device: d.ID})
			}
		}
		concurrency = len(hosts[0].Devices)

	case HeterogeneousCluster:
		for _, h := range hosts {
			if len(h.Devices) == 0 {
				continue
			}
			slots = append(slots, slot{host: h.Name, device: h.Devices[0].ID})
		}
		concurrency = 1

	default:
		return Plan{}, fmt.Errorf("unknown layout: %s", layout)
	}

	plan := Plan{
		Layout:      layout,
		JobCount:    jobCount,
		Concurrency: max(concurrency, 1),
		Waves:       waves(jobCount, slots, topo.Remote),
		WarmStart:   warmStart,
	}
	return plan, nil
}

// waves binds jobs to slots in order, starting a new wave when slots run out.
func waves(jobCount int, slots []slot, remote bool) []Wave {
	ws := []Wave{}
	if jobCount == 0 || len(slots) == 0 {
		return ws
	}
	for start := 0; start < jobCount; start += len(slots) {
		end := min(start+len(slots), jobCount)
		w := make(Wave, 0, end-start)
		for j := start; j < end; j++ {
			s := slots[j-start]
			w = append(w, Binding{Job: j, Host: s.host, Remote: remote, Device: s.device})
		}
		ws = append(ws, w)
	}
	return ws
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
