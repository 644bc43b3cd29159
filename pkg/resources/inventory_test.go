package resources_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	xe "github.com/opst/deepff/pkg/errors"
	"github.com/opst/deepff/pkg/resources"
	"github.com/opst/deepff/pkg/utils/try"
)

type call struct {
	name string
	args []string
}

// fakeCommander answers GPU queries by host. "" is the local host.
func fakeCommander(t *testing.T, workdir string, outputs map[string]string, calls *[]call) resources.Commander {
	return func(ctx context.Context, w io.Writer, name string, args ...string) error {
		*calls = append(*calls, call{name: name, args: args})

		host := ""
		if name == "ssh" {
			host = args[0]
		}

		// query artifact exists while the query is running.
		entries := try.To(os.ReadDir(workdir)).OrFatal(t)
		found := false
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), "gpuinfo_") {
				found = true
			}
		}
		if !found {
			t.Errorf("query artifact is not found while querying %q", host)
		}

		out, ok := outputs[host]
		if !ok {
			return fmt.Errorf("nvidia-smi: command not found")
		}
		_, err := io.WriteString(w, out)
		return err
	}
}

func assertNoArtifacts(t *testing.T, workdir string) {
	t.Helper()
	for _, e := range try.To(os.ReadDir(workdir)).OrFatal(t) {
		if strings.HasPrefix(e.Name(), "gpuinfo_") {
			t.Errorf("query artifact is left: %s", e.Name())
		}
	}
}

func TestDiscover_Local(t *testing.T) {
	t.Run("without node lists, it uses the local host with half of CPUs", func(t *testing.T) {
		workdir := t.TempDir()
		calls := []call{}
		testee := &resources.Inventory{
			Workdir:  workdir,
			Getenv:   func(string) string { return "" },
			NumCPU:   func() int { return 16 },
			Hostname: func() (string, error) { return "ws01", nil },
			Command: fakeCommander(t, workdir, map[string]string{
				"": "0, 1024, 16384\n1, 8192, 16384\n",
			}, &calls),
		}

		topo := try.To(testee.Discover(context.Background())).OrFatal(t)
		if topo.Remote || topo.ProcessorCount != 8 || topo.HostCount() != 1 {
			t.Errorf("unexpected topology: %s", topo)
		}
		if topo.Hosts[0].Name != "ws01" || topo.DeviceCount() != 2 {
			t.Errorf("unexpected host: %+v", topo.Hosts[0])
		}
		if topo.Hosts[0].Devices[0].Usage != 1024.0/16384.0 {
			t.Errorf("unexpected usage: %v", topo.Hosts[0].Devices[0].Usage)
		}
		if len(calls) != 1 || calls[0].name != "nvidia-smi" {
			t.Errorf("unexpected calls: %+v", calls)
		}
		assertNoArtifacts(t, workdir)
	})

	t.Run("a host without GPU has no devices", func(t *testing.T) {
		workdir := t.TempDir()
		calls := []call{}
		testee := &resources.Inventory{
			Workdir:  workdir,
			Getenv:   func(string) string { return "" },
			NumCPU:   func() int { return 1 },
			Hostname: func() (string, error) { return "ws01", nil },
			Command:  fakeCommander(t, workdir, map[string]string{}, &calls),
		}

		topo := try.To(testee.Discover(context.Background())).OrFatal(t)
		if topo.DeviceCount() != 0 || topo.ProcessorCount != 1 {
			t.Errorf("unexpected topology: %s", topo)
		}
		assertNoArtifacts(t, workdir)
	})
}

func TestDiscover_Nodefile(t *testing.T) {
	workdir := t.TempDir()
	nodefile := filepath.Join(t.TempDir(), "nodes")
	if err := os.WriteFile(nodefile, []byte("node01\nnode01\nnode02\nnode02\n"), 0644); err != nil {
		t.Fatal(err)
	}

	calls := []call{}
	testee := &resources.Inventory{
		Workdir:     workdir,
		RemoteShell: "ssh",
		Getenv: func(k string) string {
			if k == "SLURM_NODEFILE" {
				return nodefile
			}
			return ""
		},
		Command: fakeCommander(t, workdir, map[string]string{
			"node01": "0, 0, 100\n",
			"node02": "0, 50, 100\n1, 0, 100\n",
		}, &calls),
	}

	topo := try.To(testee.Discover(context.Background())).OrFatal(t)
	if !topo.Remote || topo.ProcessorCount != 4 || topo.HostCount() != 2 {
		t.Errorf("unexpected topology: %s", topo)
	}
	if topo.Homogeneous() {
		t.Errorf("topology should be heterogeneous: %s", topo)
	}
	for _, c := range calls {
		if c.name != "ssh" || c.args[1] != "nvidia-smi" {
			t.Errorf("unexpected call: %+v", c)
		}
	}
	assertNoArtifacts(t, workdir)
}

func TestDiscover_Hostfile(t *testing.T) {
	workdir := t.TempDir()
	if err := os.WriteFile(
		filepath.Join(workdir, "hostname"),
		[]byte("28\n28 node01\n28 node02\n"), 0644,
	); err != nil {
		t.Fatal(err)
	}

	calls := []call{}
	testee := &resources.Inventory{
		Workdir: workdir,
		Getenv:  func(string) string { return "" },
		Command: fakeCommander(t, workdir, map[string]string{}, &calls),
	}

	topo := try.To(testee.Discover(context.Background())).OrFatal(t)
	if !topo.Remote || topo.ProcessorCount != 28 {
		t.Errorf("unexpected topology: %s", topo)
	}
	if topo.HostCount() != 2 || topo.Hosts[1].Name != "node02" {
		t.Errorf("unexpected hosts: %+v", topo.Hosts)
	}
}

func TestDiscover_Unavailable(t *testing.T) {
	t.Run("missing node file", func(t *testing.T) {
		testee := &resources.Inventory{
			Workdir: t.TempDir(),
			Getenv: func(k string) string {
				if k == "PBS_NODEFILE" {
					return "/no/such/nodefile"
				}
				return ""
			},
		}
		if _, err := testee.Discover(context.Background()); !errors.Is(err, xe.ErrResourceUnavailable) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("empty node file", func(t *testing.T) {
		nodefile := filepath.Join(t.TempDir(), "nodes")
		if err := os.WriteFile(nodefile, []byte("\n"), 0644); err != nil {
			t.Fatal(err)
		}
		testee := &resources.Inventory{
			Workdir: t.TempDir(),
			Getenv: func(k string) string {
				if k == "LSB_DJOB_HOSTFILE" {
					return nodefile
				}
				return ""
			},
		}
		if _, err := testee.Discover(context.Background()); !errors.Is(err, xe.ErrResourceUnavailable) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestDiscover_Static(t *testing.T) {
	testee := &resources.Inventory{
		Static: []resources.Host{
			{Name: "localhost", Devices: []resources.Device{{ID: "0"}}},
		},
		ProcessorCount: 6,
		Command: func(context.Context, io.Writer, string, ...string) error {
			t.Error("static topology should not be queried")
			return nil
		},
	}
	topo := try.To(testee.Discover(context.Background())).OrFatal(t)
	if topo.Remote || topo.ProcessorCount != 6 || topo.DeviceCount() != 1 {
		t.Errorf("unexpected topology: %s", topo)
	}
}

func TestParseHostfile(t *testing.T) {
	for name, content := range map[string]string{
		"no processor count":   "",
		"broken count":         "many\n",
		"broken host line":     "4\nnode01\n",
		"non-integer slots":    "4\nx node01\n",
		"zero processor count": "0\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, _, err := resources.ParseHostfile(strings.NewReader(content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestUsable(t *testing.T) {
	topo := resources.Topology{
		Hosts: []resources.Host{
			{Name: "a", Devices: []resources.Device{{ID: "0", Usage: 0.9}, {ID: "1", Usage: 0.1}}},
			{Name: "b", Devices: []resources.Device{{ID: "0", Usage: 0.6}}},
		},
	}

	t.Run("busy devices are excluded", func(t *testing.T) {
		got := try.To(resources.Usable(topo, 0.5)).OrFatal(t)
		if got.DeviceCount() != 1 || got.Hosts[0].Devices[0].ID != "1" || len(got.Hosts[1].Devices) != 0 {
			t.Errorf("unexpected: %s", got)
		}
		if topo.DeviceCount() != 3 {
			t.Errorf("original is modified: %s", topo)
		}
	})

	t.Run("when every device is busy, it is unavailable", func(t *testing.T) {
		if _, err := resources.Usable(topo, 0.05); !errors.Is(err, xe.ErrResourceUnavailable) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("CPU only topology is usable", func(t *testing.T) {
		cpu := resources.Topology{Hosts: []resources.Host{{Name: "a"}}}
		if _, err := resources.Usable(cpu, 0.5); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
