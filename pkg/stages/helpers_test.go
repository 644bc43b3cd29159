package stages_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	kconf "github.com/opst/deepff/pkg/configs/deepff"
	"github.com/opst/deepff/pkg/corpus"
	"github.com/opst/deepff/pkg/launch"
	"github.com/opst/deepff/pkg/resources"
	"github.com/opst/deepff/pkg/stages"
	"github.com/opst/deepff/pkg/utils/try"
)

// engine pretends to be external programs. A request fails when handle returns error.
type engine struct {
	mu     sync.Mutex
	seen   []launch.Request
	handle func(req launch.Request) error
}

func (e *engine) Launch(ctx context.Context, reqs []launch.Request, concurrency int) []launch.Result {
	e.mu.Lock()
	e.seen = append(e.seen, reqs...)
	e.mu.Unlock()

	results := make([]launch.Result, len(reqs))
	for i, r := range reqs {
		results[i] = launch.Result{Name: r.Name}
		if e.handle == nil {
			continue
		}
		if err := e.handle(r); err != nil {
			results[i].ExitCode = 1
			results[i].Err = err
		}
	}
	return results
}

func (e *engine) requests() map[string]launch.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := map[string]launch.Request{}
	for _, r := range e.seen {
		m[r.Name] = r
	}
	return m
}

type testbed struct {
	workdir string
	initDir string
	sysDirs []string
	conf    *kconf.Config
}

// options appended to sections of the testbed config. Each line should be indented by 2 spaces.
type extras struct {
	training    string
	environment string
}

// newTestbed makes input directories and a config having two systems and an ensemble of 3.
func newTestbed(t *testing.T, ex extras) testbed {
	t.Helper()
	root := t.TempDir()
	tb := testbed{
		workdir: filepath.Join(root, "work"),
		initDir: filepath.Join(root, "init", "sys_0"),
		sysDirs: []string{filepath.Join(root, "md", "water"), filepath.Join(root, "md", "ice")},
	}
	for _, d := range append([]string{tb.workdir, tb.initDir}, tb.sysDirs...) {
		try.To(struct{}{}, os.MkdirAll(d, 0755)).OrFatal(t)
	}
	for _, d := range tb.sysDirs {
		try.To(struct{}{}, os.WriteFile(filepath.Join(d, "in.lammps"), []byte("run 100\n"), 0644)).OrFatal(t)
	}

	conf := fmt.Sprintf(`
training:
  ensemble:
    mode: seed-diversity
    size: 3
  initData:
    - %s
  batchSize: 2
  epochs: 100
%s
  params:
    model:
      descriptor:
        type: se_a
sampling:
  systems:
    - name: water
      input: %s
    - name: ice
      input: %s
  command: lmp -in in.lammps
evaluation:
  forceTolerance: 0.05
  convergenceThreshold: 1
labeling:
  command: cp2k.popt -i input.inp
  maxPerSystem: 2
environment:
  maxIterations: 5
%s
`, tb.initDir, ex.training, tb.sysDirs[0], tb.sysDirs[1], ex.environment)
	tb.conf = try.To(kconf.Unmarshal([]byte(conf))).OrFatal(t)
	return tb
}

func (tb testbed) env(t *testing.T, launcher launch.Launcher, acc *corpus.Accumulator) *stages.Env {
	return &stages.Env{
		Workdir: tb.workdir,
		Config:  tb.conf,
		Topology: resources.Topology{
			Hosts:          []resources.Host{{Name: "localhost"}},
			ProcessorCount: 4,
		},
		Launcher: launcher,
		Corpus:   acc,
		Logger:   log.New(testWriter{t}, "", 0),
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	try.To(struct{}{}, os.MkdirAll(filepath.Dir(path), 0755)).OrFatal(t)
	try.To(struct{}{}, os.WriteFile(path, []byte(content), 0644)).OrFatal(t)
}
