package deepff

import (
	"fmt"
	"net/url"
	"time"

	"github.com/opst/deepff/pkg/iteration"
)

type Marshalled[S any] interface {
	trySeal(string) S
}

// seal marshalled object.
//
// this function CAN CAUSE PANIC if misconfiguration is found.
// Use Unmarshal or Load to get the panic as an error.
//
// All types named `pkg/configs/deepff.XxxMarshall` are `Marshalled[*Xxx]` .
func TrySeal[S any](conf Marshalled[S]) S {
	return conf.trySeal("(root)")
}

type ConfigMarshall struct {
	Training    *TrainingConfigMarshall    `yaml:"training"`
	Sampling    *SamplingConfigMarshall    `yaml:"sampling"`
	Evaluation  *EvaluationConfigMarshall  `yaml:"evaluation"`
	Labeling    *LabelingConfigMarshall    `yaml:"labeling"`
	Environment *EnvironmentConfigMarshall `yaml:"environment"`
	Checkpoint  *CheckpointConfigMarshall  `yaml:"checkpoint,omitempty"`
	Hooks       *HooksConfigMarshall       `yaml:"hooks,omitempty"`
	Logging     *LoggingConfigMarshall     `yaml:"logging,omitempty"`
	Status      *StatusConfigMarshall      `yaml:"status,omitempty"`
}

var _ Marshalled[*Config] = &ConfigMarshall{}

func (c *ConfigMarshall) trySeal(path string) *Config {
	nonnil(c, path)
	return &Config{
		training:    nonnil(c.Training, path+".training").trySeal(path + ".training"),
		sampling:    nonnil(c.Sampling, path+".sampling").trySeal(path + ".sampling"),
		evaluation:  nonnil(c.Evaluation, path+".evaluation").trySeal(path + ".evaluation"),
		labeling:    nonnil(c.Labeling, path+".labeling").trySeal(path + ".labeling"),
		environment: nonnil(c.Environment, path+".environment").trySeal(path + ".environment"),
		checkpoint:  orZero(c.Checkpoint).trySeal(path + ".checkpoint"),
		hooks:       orZero(c.Hooks).trySeal(path + ".hooks"),
		logging:     orZero(c.Logging).trySeal(path + ".logging"),
		status:      orZero(c.Status).trySeal(path + ".status"),
	}
}

// Configuration of the training engine.
//
// This type is marshalling value and mutable.
// Consider to use immutable version, `TrainingConfig`.
type TrainingConfigMarshall struct {
	Ensemble     *EnsembleConfigMarshall `yaml:"ensemble"`
	InitData     []string                `yaml:"initData"`
	BatchSize    int                     `yaml:"batchSize"`
	Epochs       int                     `yaml:"epochs"`
	FixStopBatch bool                    `yaml:"fixStopBatch,omitempty"`
	StopBatch    int                     `yaml:"stopBatch,omitempty"`
	DecaySteps   int                     `yaml:"decaySteps,omitempty"`
	StartLR      float64                 `yaml:"startLR,omitempty"`
	SaveFreq     int                     `yaml:"saveFreq,omitempty"`
	NumbTest     int                     `yaml:"numbTest,omitempty"`
	WarmStart    bool                    `yaml:"warmStart,omitempty"`
	Params       map[string]any          `yaml:"params,omitempty"`
	Executable   string                  `yaml:"executable,omitempty"`
	Artifact     string                  `yaml:"artifact,omitempty"`
}

func (t *TrainingConfigMarshall) trySeal(path string) *TrainingConfig {
	fixStopBatch := t.FixStopBatch
	stopBatch := t.StopBatch
	decaySteps := t.DecaySteps
	if fixStopBatch {
		positive(stopBatch, path+".stopBatch")
		if decaySteps == 0 {
			decaySteps = 5000
		}
	}

	initData := t.InitData
	if len(initData) == 0 {
		panic(path + ".initData is required")
	}
	for i, d := range initData {
		required(d, fmt.Sprintf("%s.initData[%d]", path, i))
	}

	return &TrainingConfig{
		ensemble:     nonnil(t.Ensemble, path+".ensemble").trySeal(path + ".ensemble"),
		initData:     append([]string{}, initData...),
		batchSize:    positive(t.BatchSize, path+".batchSize"),
		epochs:       positive(t.Epochs, path+".epochs"),
		fixStopBatch: fixStopBatch,
		stopBatch:    stopBatch,
		decaySteps:   decaySteps,
		startLR:      defaulted(t.StartLR, 0.001),
		saveFreq:     defaulted(t.SaveFreq, 1000),
		numbTest:     defaulted(t.NumbTest, 5),
		warmStart:    t.WarmStart,
		params:       t.Params,
		executable:   defaulted(t.Executable, "dp"),
		artifact:     defaulted(t.Artifact, "frozen_model.pb"),
	}
}

type EnsembleConfigMarshall struct {
	Mode   string  `yaml:"mode"`
	Size   int     `yaml:"size,omitempty"`
	Widths [][]int `yaml:"widths,omitempty"`
}

func (e *EnsembleConfigMarshall) trySeal(path string) *EnsembleConfig {
	mode := e.Mode
	if mode == "" {
		mode = string(SeedDiversity)
	}
	dm, err := AsDiversity(mode)
	if err != nil {
		panic(fmt.Sprintf("%s.mode: %s", path, err))
	}

	widths := e.Widths
	size := e.Size
	switch dm {
	case SeedDiversity:
		if 1 < len(widths) {
			panic(path + ".widths should have at most one entry in seed-diversity mode")
		}
		if size == 0 {
			size = 4
		}
	case ArchitectureDiversity:
		if len(widths) == 0 {
			panic(path + ".widths is required in architecture-diversity mode")
		}
		if size != 0 && size != len(widths) {
			panic(fmt.Sprintf(
				"%s.size (%d) does not match with the number of %s.widths (%d)",
				path, size, path, len(widths),
			))
		}
		size = len(widths)
	}
	positive(size, path+".size")

	ws := make([][]int, len(widths))
	for i, w := range widths {
		if len(w) == 0 {
			panic(fmt.Sprintf("%s.widths[%d] is required", path, i))
		}
		ws[i] = append([]int{}, w...)
	}

	return &EnsembleConfig{mode: dm, size: size, widths: ws}
}

type SamplingConfigMarshall struct {
	Systems       []*SystemConfigMarshall `yaml:"systems"`
	Command       string                  `yaml:"command"`
	DeviationLog  string                  `yaml:"deviationLog,omitempty"`
	TrajectoryDir string                  `yaml:"trajectoryDir,omitempty"`
}

func (s *SamplingConfigMarshall) trySeal(path string) *SamplingConfig {
	if len(s.Systems) == 0 {
		panic(path + ".systems is required")
	}
	systems := make([]*SystemConfig, len(s.Systems))
	for i, sys := range s.Systems {
		p := fmt.Sprintf("%s.systems[%d]", path, i)
		systems[i] = nonnil(sys, p).trySeal(p)
	}
	return &SamplingConfig{
		systems:       systems,
		command:       required(s.Command, path+".command"),
		deviationLog:  defaulted(s.DeviationLog, "model_devi.out"),
		trajectoryDir: defaulted(s.TrajectoryDir, "traj"),
	}
}

type SystemConfigMarshall struct {
	Name  string `yaml:"name"`
	Input string `yaml:"input"`
}

func (s *SystemConfigMarshall) trySeal(path string) *SystemConfig {
	return &SystemConfig{
		name:  required(s.Name, path+".name"),
		input: required(s.Input, path+".input"),
	}
}

type EvaluationConfigMarshall struct {
	ForceTolerance       float64 `yaml:"forceTolerance"`
	ConvergenceThreshold int     `yaml:"convergenceThreshold"`
	DeviationColumn      int     `yaml:"deviationColumn,omitempty"`
}

func (e *EvaluationConfigMarshall) trySeal(path string) *EvaluationConfig {
	if e.ConvergenceThreshold < 0 {
		panic(path + ".convergenceThreshold should not be negative")
	}
	return &EvaluationConfig{
		forceTolerance:       positive(e.ForceTolerance, path+".forceTolerance"),
		convergenceThreshold: e.ConvergenceThreshold,
		deviationColumn:      defaulted(e.DeviationColumn, 4),
	}
}

type LabelingConfigMarshall struct {
	Command      string `yaml:"command"`
	Input        string `yaml:"input,omitempty"`
	MaxPerSystem int    `yaml:"maxPerSystem,omitempty"`
	Artifact     string `yaml:"artifact,omitempty"`
}

func (l *LabelingConfigMarshall) trySeal(path string) *LabelingConfig {
	if l.MaxPerSystem < 0 {
		panic(path + ".maxPerSystem should not be negative")
	}
	return &LabelingConfig{
		command:      required(l.Command, path+".command"),
		input:        l.Input,
		maxPerSystem: defaulted(l.MaxPerSystem, 100),
		artifact:     defaulted(l.Artifact, "force.raw"),
	}
}

type EnvironmentConfigMarshall struct {
	MaxIterations  int                      `yaml:"maxIterations"`
	Restart        *RestartConfigMarshall   `yaml:"restart,omitempty"`
	Resources      *ResourcesConfigMarshall `yaml:"resources,omitempty"`
	MaxDeviceUsage float64                  `yaml:"maxDeviceUsage,omitempty"`
	Launcher       *LauncherConfigMarshall  `yaml:"launcher,omitempty"`
	StageTimeout   string                   `yaml:"stageTimeout,omitempty"`
}

func (e *EnvironmentConfigMarshall) trySeal(path string) *EnvironmentConfig {
	var timeout time.Duration
	if e.StageTimeout != "" {
		d, err := time.ParseDuration(e.StageTimeout)
		if err != nil {
			panic(fmt.Sprintf("%s.stageTimeout can not be parsed: %s", path, err))
		}
		timeout = d
	}

	usage := defaulted(e.MaxDeviceUsage, 1.0)
	if usage < 0 || 1 < usage {
		panic(path + ".maxDeviceUsage should be in [0, 1]")
	}

	maxIterations := positive(e.MaxIterations, path+".maxIterations")

	var restart *RestartConfig
	if e.Restart != nil {
		restart = e.Restart.trySeal(path + ".restart")
		if maxIterations < restart.iteration {
			panic(fmt.Sprintf(
				"%s.restart.iteration (%d) should not be beyond maxIterations (%d)",
				path, restart.iteration, maxIterations,
			))
		}
	}

	return &EnvironmentConfig{
		maxIterations:  maxIterations,
		restart:        restart,
		resources:      orZero(e.Resources).trySeal(path + ".resources"),
		maxDeviceUsage: usage,
		launcher:       orZero(e.Launcher).trySeal(path + ".launcher"),
		stageTimeout:   timeout,
	}
}

type RestartConfigMarshall struct {
	Iteration  int    `yaml:"iteration"`
	Stage      string `yaml:"stage"`
	CorpusSize int    `yaml:"corpusSize"`
}

func (r *RestartConfigMarshall) trySeal(path string) *RestartConfig {
	stage, err := iteration.AsStage(required(r.Stage, path+".stage"))
	if err != nil {
		panic(fmt.Sprintf("%s.stage: %s", path, err))
	}
	if stage.Terminal() {
		panic(fmt.Sprintf("%s.stage: %s is not a resumable stage", path, stage))
	}
	if r.Iteration < 0 {
		panic(path + ".iteration should not be negative")
	}
	if r.CorpusSize < 0 {
		panic(path + ".corpusSize should not be negative")
	}
	return &RestartConfig{
		iteration:  r.Iteration,
		stage:      stage,
		corpusSize: r.CorpusSize,
	}
}

type ResourcesConfigMarshall struct {
	ProcessorCount int                   `yaml:"processorCount,omitempty"`
	Hosts          []*HostConfigMarshall `yaml:"hosts,omitempty"`
	RemoteShell    string                `yaml:"remoteShell,omitempty"`
}

func (r *ResourcesConfigMarshall) trySeal(path string) *ResourcesConfig {
	if r.ProcessorCount < 0 {
		panic(path + ".processorCount should not be negative")
	}
	hosts := make([]*HostConfig, len(r.Hosts))
	seen := map[string]struct{}{}
	for i, h := range r.Hosts {
		p := fmt.Sprintf("%s.hosts[%d]", path, i)
		hosts[i] = nonnil(h, p).trySeal(p)
		if _, ok := seen[hosts[i].name]; ok {
			panic(fmt.Sprintf("%s.name: %s is duplicated", p, hosts[i].name))
		}
		seen[hosts[i].name] = struct{}{}
	}
	return &ResourcesConfig{
		processorCount: r.ProcessorCount,
		hosts:          hosts,
		remoteShell:    defaulted(r.RemoteShell, "ssh"),
	}
}

type HostConfigMarshall struct {
	Name    string                  `yaml:"name"`
	Devices []*DeviceConfigMarshall `yaml:"devices,omitempty"`
}

func (h *HostConfigMarshall) trySeal(path string) *HostConfig {
	devices := make([]*DeviceConfig, len(h.Devices))
	for i, d := range h.Devices {
		p := fmt.Sprintf("%s.devices[%d]", path, i)
		devices[i] = nonnil(d, p).trySeal(p)
	}
	return &HostConfig{
		name:    required(h.Name, path+".name"),
		devices: devices,
	}
}

type DeviceConfigMarshall struct {
	ID    string  `yaml:"id"`
	Usage float64 `yaml:"usage,omitempty"`
}

func (d *DeviceConfigMarshall) trySeal(path string) *DeviceConfig {
	if d.Usage < 0 || 1 < d.Usage {
		panic(path + ".usage should be in [0, 1]")
	}
	return &DeviceConfig{
		id:    required(d.ID, path+".id"),
		usage: d.Usage,
	}
}

type LauncherConfigMarshall struct {
	Type       string                    `yaml:"type,omitempty"`
	Kubernetes *KubernetesConfigMarshall `yaml:"kubernetes,omitempty"`
}

func (l *LauncherConfigMarshall) trySeal(path string) *LauncherConfig {
	t, err := AsLauncherType(defaulted(l.Type, string(LocalLauncher)))
	if err != nil {
		panic(fmt.Sprintf("%s.type: %s", path, err))
	}
	var k8s *KubernetesConfig
	if t == KubernetesLauncher {
		k8s = nonnil(l.Kubernetes, path+".kubernetes").trySeal(path + ".kubernetes")
	}
	return &LauncherConfig{launcherType: t, kubernetes: k8s}
}

type KubernetesConfigMarshall struct {
	Namespace    string `yaml:"namespace"`
	Image        string `yaml:"image"`
	Kubeconfig   string `yaml:"kubeconfig,omitempty"`
	WorkdirMount string `yaml:"workdirMount,omitempty"`
	GPUResource  string `yaml:"gpuResource,omitempty"`
}

func (k *KubernetesConfigMarshall) trySeal(path string) *KubernetesConfig {
	return &KubernetesConfig{
		namespace:    required(k.Namespace, path+".namespace"),
		image:        required(k.Image, path+".image"),
		kubeconfig:   k.Kubeconfig,
		workdirMount: defaulted(k.WorkdirMount, "/work"),
		gpuResource:  defaulted(k.GPUResource, "nvidia.com/gpu"),
	}
}

type CheckpointConfigMarshall struct {
	Type     string `yaml:"type,omitempty"`
	Database string `yaml:"database,omitempty"`
	Name     string `yaml:"name,omitempty"`
}

func (c *CheckpointConfigMarshall) trySeal(path string) *CheckpointConfig {
	t, err := AsCheckpointType(defaulted(c.Type, string(FileCheckpoint)))
	if err != nil {
		panic(fmt.Sprintf("%s.type: %s", path, err))
	}
	database := c.Database
	if t == PostgresCheckpoint {
		required(database, path+".database")
	}
	return &CheckpointConfig{
		checkpointType: t,
		database:       database,
		name:           defaulted(c.Name, "deepff"),
	}
}

type HooksConfigMarshall struct {
	Before []string `yaml:"before,omitempty"`
	After  []string `yaml:"after,omitempty"`
}

func (h *HooksConfigMarshall) trySeal(path string) *HooksConfig {
	return &HooksConfig{
		before: parseURLs(h.Before, path+".before"),
		after:  parseURLs(h.After, path+".after"),
	}
}

func parseURLs(raw []string, path string) []*url.URL {
	urls := make([]*url.URL, len(raw))
	for i, u := range raw {
		p := fmt.Sprintf("%s[%d]", path, i)
		parsed, err := url.Parse(required(u, p))
		if err != nil {
			panic(fmt.Sprintf("%s can not be parsed: %s", p, err))
		}
		urls[i] = parsed
	}
	return urls
}

type LoggingConfigMarshall struct {
	Level   string `yaml:"level,omitempty"`
	File    string `yaml:"file,omitempty"`
	Journal bool   `yaml:"journal,omitempty"`
}

func (l *LoggingConfigMarshall) trySeal(path string) *LoggingConfig {
	level := defaulted(l.Level, "info")
	switch level {
	case "debug", "info", "warn", "error":
	default:
		panic(fmt.Sprintf("%s.level: unknown level %q", path, level))
	}
	return &LoggingConfig{
		level:   level,
		file:    defaulted(l.File, "deepff.log"),
		journal: l.Journal,
	}
}

type StatusConfigMarshall struct {
	Port int32 `yaml:"port,omitempty"`
}

func (s *StatusConfigMarshall) trySeal(path string) *StatusConfig {
	if s.Port < 0 || 65535 < s.Port {
		panic(path + ".port is out of range")
	}
	return &StatusConfig{port: s.Port}
}

func nonnil[T any](v *T, path string) *T {
	if v == nil {
		panic(path + " is required")
	}
	return v
}

func required[T comparable](v T, path string) T {
	if v == *new(T) {
		panic(path + " is required")
	}
	return v
}

func positive[T int | float64](v T, path string) T {
	if v <= 0 {
		panic(path + " should be positive")
	}
	return v
}

func defaulted[T comparable](v T, d T) T {
	if v == *new(T) {
		return d
	}
	return v
}

func orZero[T any](v *T) *T {
	if v == nil {
		return new(T)
	}
	return v
}
