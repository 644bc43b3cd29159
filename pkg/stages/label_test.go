package stages_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/opst/deepff/pkg/corpus"
	"github.com/opst/deepff/pkg/iteration"
	"github.com/opst/deepff/pkg/launch"
	"github.com/opst/deepff/pkg/rawdata"
	"github.com/opst/deepff/pkg/stages"
	"github.com/opst/deepff/pkg/utils/try"
)

func TestStride(t *testing.T) {
	for name, c := range map[string]struct {
		xs   []int
		n    int
		want []int
	}{
		"fewer than n":  {xs: []int{3, 5}, n: 4, want: []int{3, 5}},
		"exactly n":     {xs: []int{1, 2, 3}, n: 3, want: []int{1, 2, 3}},
		"evenly picked": {xs: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, n: 4, want: []int{0, 2, 5, 7}},
		"zero":          {xs: []int{1, 2}, n: 0, want: []int{}},
	} {
		t.Run(name, func(t *testing.T) {
			if got := stages.Stride(c.xs, c.n); !reflect.DeepEqual(got, c.want) {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

// trajectory makes n frames of 2 atoms. coordinates of frame i are all i.
func trajectory(n int) rawdata.Frames {
	f := rawdata.Frames{Coords: [][]float64{}, Boxes: [][]float64{}, Types: []int{0, 1}}
	for i := range n {
		v := float64(i)
		f.Coords = append(f.Coords, []float64{v, v, v, v, v, v})
		f.Boxes = append(f.Boxes, []float64{10, 0, 0, 0, 10, 0, 0, 0, 10})
	}
	return f
}

// solver labels a task by writing energy and force.
// It fails tasks whose names are listed.
func solver(fail ...string) func(launch.Request) error {
	return func(r launch.Request) error {
		for _, f := range fail {
			if r.Name == f {
				return errors.New("scf not converged")
			}
		}
		if err := os.WriteFile(filepath.Join(r.Dir, rawdata.EnergyFile), []byte("-1.5\n"), 0644); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(r.Dir, rawdata.ForceFile), []byte("0 0 0 0 0 0.1\n"), 0644)
	}
}

func TestLabel_Run(t *testing.T) {
	state := iteration.State{Iteration: 0, Stage: iteration.Label, CorpusSize: 100, NewData: []int{}}

	prepare := func(t *testing.T, tb testbed) {
		t.Helper()
		for i := range 2 {
			dir := filepath.Join(stages.SampleDir(tb.workdir, 0, i), "traj")
			try.To(struct{}{}, rawdata.Write(dir, trajectory(5))).OrFatal(t)
		}
		sel := stages.Selection{
			Iteration: 0,
			Systems: []stages.SystemSelection{
				{System: 0, Name: "water", Frames: 5, Selected: []int{1, 2, 4}},
				{System: 1, Name: "ice", Frames: 5, Selected: []int{3}},
			},
		}
		try.To(struct{}{}, stages.WriteSelection(stages.SelectionFile(tb.workdir, 0), sel)).OrFatal(t)
	}

	t.Run("it labels capped frames and records counts", func(t *testing.T) {
		tb := newTestbed(t, extras{})
		prepare(t, tb)
		acc := corpus.New(100)
		eng := &engine{handle: solver()}
		label := &stages.Label{Env: tb.env(t, eng, acc)}

		next := try.To(label.Run(context.Background(), state)).OrFatal(t)
		want := iteration.State{Iteration: 1, Stage: iteration.Train, CorpusSize: 103, NewData: []int{3}}
		if !next.Equal(want) {
			t.Errorf("next state: %s", next)
		}

		// maxPerSystem is 2: frames 1 and 2 are picked from [1, 2, 4].
		reqs := eng.requests()
		if len(reqs) != 3 {
			t.Errorf("requests: %d", len(reqs))
		}
		if r := reqs["sys_0/task_1"]; r.Dir != stages.LabelTaskDir(tb.workdir, 0, 0, 1) || r.Command != "cp2k.popt -i input.inp" {
			t.Errorf("request: %+v", r)
		}

		data := try.To(rawdata.Read(stages.LabelDataDir(tb.workdir, 0, 0))).OrFatal(t)
		if data.Len() != 2 || data.Coords[0][0] != 1 || data.Coords[1][0] != 2 {
			t.Errorf("labeled data: %+v", data)
		}
		if !reflect.DeepEqual(data.Energies, []float64{-1.5, -1.5}) {
			t.Errorf("energies: %v", data.Energies)
		}

		if n, ok := acc.Recorded(0, 0); !ok || n != 2 {
			t.Errorf("recorded sys_0: %d, %v", n, ok)
		}
		if n, ok := acc.Recorded(0, 1); !ok || n != 1 {
			t.Errorf("recorded sys_1: %d, %v", n, ok)
		}
	})

	t.Run("it tolerates failed tasks", func(t *testing.T) {
		tb := newTestbed(t, extras{})
		prepare(t, tb)
		acc := corpus.New(100)
		eng := &engine{handle: solver("sys_0/task_0", "sys_1/task_0")}
		label := &stages.Label{Env: tb.env(t, eng, acc)}

		next := try.To(label.Run(context.Background(), state)).OrFatal(t)
		if next.Stage != iteration.Train || !reflect.DeepEqual(next.NewData, []int{1}) {
			t.Errorf("next state: %s %v", next, next.NewData)
		}
		if n, ok := acc.Recorded(0, 1); !ok || n != 0 {
			t.Errorf("recorded sys_1: %d, %v", n, ok)
		}
		if _, err := os.Stat(stages.LabelDataDir(tb.workdir, 0, 1)); !os.IsNotExist(err) {
			t.Errorf("sys_1 should have no data: %v", err)
		}
	})

	t.Run("it does not relaunch tasks labeled already", func(t *testing.T) {
		tb := newTestbed(t, extras{})
		prepare(t, tb)
		try.To(struct{}{}, solver()(launch.Request{Dir: mkdir(t, stages.LabelTaskDir(tb.workdir, 0, 0, 0))})).OrFatal(t)

		eng := &engine{handle: solver()}
		label := &stages.Label{Env: tb.env(t, eng, corpus.New(100))}
		next := try.To(label.Run(context.Background(), state)).OrFatal(t)
		if !reflect.DeepEqual(next.NewData, []int{3}) {
			t.Errorf("new data: %v", next.NewData)
		}
		if _, ok := eng.requests()["sys_0/task_0"]; ok {
			t.Errorf("labeled task is launched again")
		}
	})

	t.Run("it keeps labeled data of systems recorded already", func(t *testing.T) {
		tb := newTestbed(t, extras{})
		prepare(t, tb)
		labeled := trajectory(2)
		labeled.Energies = []float64{7, 7}
		try.To(struct{}{}, rawdata.Write(stages.LabelDataDir(tb.workdir, 0, 0), labeled)).OrFatal(t)
		acc := corpus.New(100)
		try.To(struct{}{}, acc.Record(0, 0, 2)).OrFatal(t)

		eng := &engine{handle: solver()}
		label := &stages.Label{Env: tb.env(t, eng, acc)}
		next := try.To(label.Run(context.Background(), state)).OrFatal(t)
		if !reflect.DeepEqual(next.NewData, []int{3}) {
			t.Errorf("new data: %v", next.NewData)
		}

		reqs := eng.requests()
		if _, ok := reqs["sys_1/task_0"]; len(reqs) != 1 || !ok {
			t.Errorf("requests: %v", reqs)
		}
		data := try.To(rawdata.Read(stages.LabelDataDir(tb.workdir, 0, 0))).OrFatal(t)
		if !reflect.DeepEqual(data.Energies, []float64{7, 7}) {
			t.Errorf("labeled data of sys_0 are rewritten: %v", data.Energies)
		}
		if n, ok := acc.Recorded(0, 1); !ok || n != 1 {
			t.Errorf("recorded sys_1: %d, %v", n, ok)
		}
	})
}

func mkdir(t *testing.T, dir string) string {
	t.Helper()
	try.To(struct{}{}, os.MkdirAll(dir, 0755)).OrFatal(t)
	return dir
}

func TestFlushAndLedger(t *testing.T) {
	workdir := t.TempDir()
	write := func(it, sys, n int) {
		f := trajectory(n)
		f.Energies = make([]float64, n)
		for i := range f.Energies {
			f.Energies[i] = float64(it*10 + sys)
		}
		try.To(struct{}{}, rawdata.Write(stages.LabelDataDir(workdir, it, sys), f)).OrFatal(t)
	}
	write(0, 0, 2)
	write(1, 0, 3)
	write(1, 1, 1)

	ledger := try.To(stages.Ledger(workdir, 2, 2)).OrFatal(t)
	want := []corpus.Entry{
		{Iteration: 0, System: 0, Count: 2},
		{Iteration: 0, System: 1, Count: 0},
		{Iteration: 1, System: 0, Count: 3},
		{Iteration: 1, System: 1, Count: 1},
	}
	if !reflect.DeepEqual(ledger, want) {
		t.Errorf("ledger:\n===actual===\n%+v\n===expected===\n%+v", ledger, want)
	}

	total := try.To(stages.Flush(workdir, 2, ledger)).OrFatal(t)
	if total != 6 {
		t.Errorf("total: %d", total)
	}
	sys0 := try.To(rawdata.Read(stages.FinalDataDir(workdir, 0))).OrFatal(t)
	got := strings.Trim(fmt.Sprint(sys0.Energies), "[]")
	if got != "0 0 10 10 10" {
		t.Errorf("sys_0 energies: %s", got)
	}
	if n := try.To(rawdata.Count(stages.FinalDataDir(workdir, 1))).OrFatal(t); n != 1 {
		t.Errorf("sys_1: %d frames", n)
	}
}
