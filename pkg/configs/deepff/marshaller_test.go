package deepff_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	kconf "github.com/opst/deepff/pkg/configs/deepff"
	xe "github.com/opst/deepff/pkg/errors"
	"github.com/opst/deepff/pkg/iteration"
	"github.com/opst/deepff/pkg/utils/try"
)

const minimal = `
training:
  ensemble:
    mode: seed-diversity
  initData:
    - /data/init/sys_0
  batchSize: 1
  epochs: 100
sampling:
  systems:
    - name: water
      input: /data/md/water
  command: lmp -in in.lammps
evaluation:
  forceTolerance: 0.05
  convergenceThreshold: 5
labeling:
  command: cp2k.popt -i input.inp
environment:
  maxIterations: 10
`

func TestUnmarshal(t *testing.T) {
	t.Run("it loads minimal config with defaults", func(t *testing.T) {
		conf := try.To(kconf.Unmarshal([]byte(minimal))).OrFatal(t)

		tr := conf.Training()
		if tr.Ensemble().Mode() != kconf.SeedDiversity || tr.Ensemble().Size() != 4 {
			t.Errorf("ensemble: %v, %d", tr.Ensemble().Mode(), tr.Ensemble().Size())
		}
		if tr.StartLR() != 0.001 || tr.SaveFreq() != 1000 || tr.NumbTest() != 5 {
			t.Errorf("training defaults: %v, %d, %d", tr.StartLR(), tr.SaveFreq(), tr.NumbTest())
		}
		if tr.Executable() != "dp" || tr.Artifact() != "frozen_model.pb" {
			t.Errorf("training artifact: %s, %s", tr.Executable(), tr.Artifact())
		}
		if conf.Sampling().DeviationLog() != "model_devi.out" {
			t.Errorf("deviation log: %s", conf.Sampling().DeviationLog())
		}
		if conf.Evaluation().DeviationColumn() != 4 {
			t.Errorf("deviation column: %d", conf.Evaluation().DeviationColumn())
		}
		if conf.Labeling().MaxPerSystem() != 100 {
			t.Errorf("max per system: %d", conf.Labeling().MaxPerSystem())
		}

		env := conf.Environment()
		if env.Restart() != nil {
			t.Errorf("restart should be nil")
		}
		if env.MaxDeviceUsage() != 1 || env.StageTimeout() != 0 {
			t.Errorf("environment: %v, %v", env.MaxDeviceUsage(), env.StageTimeout())
		}
		if env.Launcher().Type() != kconf.LocalLauncher || env.Launcher().Kubernetes() != nil {
			t.Errorf("launcher: %v", env.Launcher().Type())
		}
		if env.Resources().RemoteShell() != "ssh" || len(env.Resources().Hosts()) != 0 {
			t.Errorf("resources: %s, %d", env.Resources().RemoteShell(), len(env.Resources().Hosts()))
		}
		if conf.Checkpoint().Type() != kconf.FileCheckpoint || conf.Checkpoint().Name() != "deepff" {
			t.Errorf("checkpoint: %v, %s", conf.Checkpoint().Type(), conf.Checkpoint().Name())
		}
		if conf.Logging().Level() != "info" || conf.Logging().File() != "deepff.log" {
			t.Errorf("logging: %s, %s", conf.Logging().Level(), conf.Logging().File())
		}
		if conf.Status().Port() != 0 {
			t.Errorf("status: %d", conf.Status().Port())
		}
	})

	t.Run("it loads full config", func(t *testing.T) {
		conf := try.To(kconf.Unmarshal([]byte(`
training:
  ensemble:
    mode: architecture-diversity
    widths:
      - [240, 240, 240]
      - [120, 120, 120]
  initData: [/data/a, /data/b]
  batchSize: 2
  epochs: 50
  fixStopBatch: true
  stopBatch: 400000
  warmStart: true
  params:
    model:
      type_map: [O, H]
sampling:
  systems:
    - name: water
      input: /data/md/water
  command: lmp -in in.lammps
evaluation:
  forceTolerance: 0.05
  convergenceThreshold: 0
labeling:
  command: cp2k.popt -i input.inp
  maxPerSystem: 20
environment:
  maxIterations: 3
  restart:
    iteration: 2
    stage: label
    corpusSize: 1000
  resources:
    hosts:
      - name: node01
        devices:
          - id: "0"
            usage: 0.1
          - id: "1"
      - name: node02
  maxDeviceUsage: 0.5
  launcher:
    type: kubernetes
    kubernetes:
      namespace: deepff
      image: deepff/engines:latest
  stageTimeout: 2h
checkpoint:
  type: postgres
  database: postgres://localhost/deepff
hooks:
  before: [http://hooks.example.com/before]
logging:
  level: debug
  journal: true
status:
  port: 8080
`))).OrFatal(t)

		en := conf.Training().Ensemble()
		if en.Mode() != kconf.ArchitectureDiversity || en.Size() != 2 || en.Widths()[1][0] != 120 {
			t.Errorf("ensemble: %v, %d, %v", en.Mode(), en.Size(), en.Widths())
		}
		if !conf.Training().FixStopBatch() || conf.Training().StopBatch() != 400000 || conf.Training().DecaySteps() != 5000 {
			t.Errorf("schedule: %d, %d", conf.Training().StopBatch(), conf.Training().DecaySteps())
		}
		if conf.Training().Params()["model"] == nil {
			t.Errorf("params: %v", conf.Training().Params())
		}

		r := conf.Environment().Restart()
		if r == nil || r.Iteration() != 2 || r.Stage() != iteration.Label || r.CorpusSize() != 1000 {
			t.Errorf("restart: %+v", r)
		}

		hosts := conf.Environment().Resources().Hosts()
		if len(hosts) != 2 || len(hosts[0].Devices()) != 2 || hosts[0].Devices()[0].Usage() != 0.1 {
			t.Errorf("hosts: %+v", hosts)
		}
		if conf.Environment().StageTimeout() != 2*time.Hour {
			t.Errorf("stage timeout: %v", conf.Environment().StageTimeout())
		}
		k8s := conf.Environment().Launcher().Kubernetes()
		if k8s == nil || k8s.Namespace() != "deepff" || k8s.WorkdirMount() != "/work" || k8s.GPUResource() != "nvidia.com/gpu" {
			t.Errorf("kubernetes: %+v", k8s)
		}
		if conf.Checkpoint().Type() != kconf.PostgresCheckpoint {
			t.Errorf("checkpoint: %v", conf.Checkpoint().Type())
		}
		if b := conf.Hooks().Before(); len(b) != 1 || b[0].Host != "hooks.example.com" {
			t.Errorf("hooks: %v", b)
		}
		if !conf.Logging().Journal() || conf.Status().Port() != 8080 {
			t.Errorf("logging/status")
		}
	})

	t.Run("misconfiguration is reported with its path", func(t *testing.T) {
		for name, c := range map[string]struct {
			yaml string
			path string
		}{
			"missing section": {
				yaml: strings.Replace(minimal, "environment:\n  maxIterations: 10\n", "", 1),
				path: "(root).environment",
			},
			"missing command": {
				yaml: strings.Replace(minimal, "  command: cp2k.popt -i input.inp\n", "  maxPerSystem: 3\n", 1),
				path: "(root).labeling.command",
			},
			"unknown mode": {
				yaml: strings.Replace(minimal, "seed-diversity", "dropout", 1),
				path: "(root).training.ensemble.mode",
			},
			"no widths in architecture mode": {
				yaml: strings.Replace(minimal, "seed-diversity", "architecture-diversity", 1),
				path: "(root).training.ensemble.widths",
			},
			"zero batch size": {
				yaml: strings.Replace(minimal, "batchSize: 1", "batchSize: 0", 1),
				path: "(root).training.batchSize",
			},
			"terminal restart stage": {
				yaml: minimal + "  restart:\n    iteration: 1\n    stage: converged\n    corpusSize: 3\n",
				path: "(root).environment.restart.stage",
			},
			"restart beyond max iterations": {
				yaml: minimal + "  restart:\n    iteration: 11\n    stage: sample\n    corpusSize: 3\n",
				path: "(root).environment.restart.iteration",
			},
			"broken timeout": {
				yaml: minimal + "  stageTimeout: soon\n",
				path: "(root).environment.stageTimeout",
			},
		} {
			t.Run(name, func(t *testing.T) {
				_, err := kconf.Unmarshal([]byte(c.yaml))
				if !errors.Is(err, xe.ErrConfiguration) {
					t.Fatalf("unexpected error: %v", err)
				}
				if !strings.Contains(err.Error(), c.path) {
					t.Errorf("error does not mention %s: %v", c.path, err)
				}
			})
		}
	})

	t.Run("broken yaml is a configuration error", func(t *testing.T) {
		_, err := kconf.Unmarshal([]byte("training: ["))
		if !errors.Is(err, xe.ErrConfiguration) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("empty document is a configuration error", func(t *testing.T) {
		_, err := kconf.Unmarshal([]byte(""))
		if !errors.Is(err, xe.ErrConfiguration) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deepff.yaml")
	if err := os.WriteFile(path, []byte(minimal), 0644); err != nil {
		t.Fatal(err)
	}
	conf := try.To(kconf.Load(path)).OrFatal(t)
	if conf.Environment().MaxIterations() != 10 {
		t.Errorf("max iterations: %d", conf.Environment().MaxIterations())
	}

	if _, err := kconf.Load(filepath.Join(dir, "missing.yaml")); !errors.Is(err, xe.ErrConfiguration) {
		t.Errorf("unexpected error: %v", err)
	}
}
