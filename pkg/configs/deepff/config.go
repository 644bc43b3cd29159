package deepff

import (
	"fmt"
	"net/url"
	"time"

	"github.com/opst/deepff/pkg/iteration"
)

// Diversity is the way how ensemble members differ from each other.
type Diversity string

const (
	// members share the architecture and differ in random seeds.
	SeedDiversity Diversity = "seed-diversity"

	// members differ in network widths (and seeds).
	ArchitectureDiversity Diversity = "architecture-diversity"
)

func AsDiversity(s string) (Diversity, error) {
	switch s {
	case string(SeedDiversity):
		return SeedDiversity, nil
	case string(ArchitectureDiversity):
		return ArchitectureDiversity, nil
	default:
		return "", fmt.Errorf("unknown ensemble mode: %q", s)
	}
}

type LauncherType string

const (
	LocalLauncher      LauncherType = "local"
	KubernetesLauncher LauncherType = "kubernetes"
)

func AsLauncherType(s string) (LauncherType, error) {
	switch s {
	case string(LocalLauncher):
		return LocalLauncher, nil
	case string(KubernetesLauncher):
		return KubernetesLauncher, nil
	default:
		return "", fmt.Errorf("unknown launcher type: %q", s)
	}
}

func (l LauncherType) String() string {
	return string(l)
}

type CheckpointType string

const (
	FileCheckpoint     CheckpointType = "file"
	PostgresCheckpoint CheckpointType = "postgres"
)

func AsCheckpointType(s string) (CheckpointType, error) {
	switch s {
	case string(FileCheckpoint):
		return FileCheckpoint, nil
	case string(PostgresCheckpoint):
		return PostgresCheckpoint, nil
	default:
		return "", fmt.Errorf("unknown checkpoint type: %q", s)
	}
}

func (c CheckpointType) String() string {
	return string(c)
}

// Configuration for deepff.
//
// to get `Config` instance, use `Load` or `Unmarshal`.
type Config struct {
	training    *TrainingConfig
	sampling    *SamplingConfig
	evaluation  *EvaluationConfig
	labeling    *LabelingConfig
	environment *EnvironmentConfig
	checkpoint  *CheckpointConfig
	hooks       *HooksConfig
	logging     *LoggingConfig
	status      *StatusConfig
}

func (c *Config) Training() *TrainingConfig       { return c.training }
func (c *Config) Sampling() *SamplingConfig       { return c.sampling }
func (c *Config) Evaluation() *EvaluationConfig   { return c.evaluation }
func (c *Config) Labeling() *LabelingConfig       { return c.labeling }
func (c *Config) Environment() *EnvironmentConfig { return c.environment }
func (c *Config) Checkpoint() *CheckpointConfig   { return c.checkpoint }
func (c *Config) Hooks() *HooksConfig             { return c.hooks }
func (c *Config) Logging() *LoggingConfig         { return c.logging }
func (c *Config) Status() *StatusConfig           { return c.status }

// Configuration for the training engine.
type TrainingConfig struct {
	ensemble     *EnsembleConfig
	initData     []string
	batchSize    int
	epochs       int
	fixStopBatch bool
	stopBatch    int
	decaySteps   int
	startLR      float64
	saveFreq     int
	numbTest     int
	warmStart    bool
	params       map[string]any
	executable   string
	artifact     string
}

func (t *TrainingConfig) Ensemble() *EnsembleConfig {
	return t.ensemble
}

// directories of the initial labeled data.
func (t *TrainingConfig) InitData() []string {
	return append([]string{}, t.initData...)
}

func (t *TrainingConfig) BatchSize() int {
	return t.batchSize
}

func (t *TrainingConfig) Epochs() int {
	return t.epochs
}

// When true, StopBatch and DecaySteps are used as is,
// instead of deriving them from the corpus size.
func (t *TrainingConfig) FixStopBatch() bool {
	return t.fixStopBatch
}

func (t *TrainingConfig) StopBatch() int {
	return t.stopBatch
}

func (t *TrainingConfig) DecaySteps() int {
	return t.decaySteps
}

// initial learning rate. default = 0.001
func (t *TrainingConfig) StartLR() float64 {
	return t.startLR
}

// checkpoint frequency of the training engine, in batches. default = 1000
func (t *TrainingConfig) SaveFreq() int {
	return t.saveFreq
}

// Number of frames reserved for testing. default = 5
//
// A labeled data directory is used for training only when it has more frames than this.
func (t *TrainingConfig) NumbTest() int {
	return t.numbTest
}

// reuse the previous iteration's model as a warm start.
func (t *TrainingConfig) WarmStart() bool {
	return t.warmStart
}

// base of the training engine's input.json. It can be nil.
func (t *TrainingConfig) Params() map[string]any {
	return t.params
}

// training engine executable. default = "dp"
func (t *TrainingConfig) Executable() string {
	return t.executable
}

// name of the frozen model file. default = "frozen_model.pb"
func (t *TrainingConfig) Artifact() string {
	return t.artifact
}

type EnsembleConfig struct {
	mode   Diversity
	size   int
	widths [][]int
}

func (e *EnsembleConfig) Mode() Diversity {
	return e.mode
}

// number of ensemble members. default = 4 in seed-diversity mode.
func (e *EnsembleConfig) Size() int {
	return e.size
}

// fitting net widths.
//
// In architecture-diversity mode, one entry per member.
// In seed-diversity mode, empty or one entry shared by all members.
func (e *EnsembleConfig) Widths() [][]int {
	ws := make([][]int, len(e.widths))
	for i, w := range e.widths {
		ws[i] = append([]int{}, w...)
	}
	return ws
}

type SamplingConfig struct {
	systems       []*SystemConfig
	command       string
	deviationLog  string
	trajectoryDir string
}

func (s *SamplingConfig) Systems() []*SystemConfig {
	return append([]*SystemConfig{}, s.systems...)
}

// command line of the MD engine, run in each system directory.
func (s *SamplingConfig) Command() string {
	return s.command
}

// file name of force deviation log written by the MD engine. default = "model_devi.out"
func (s *SamplingConfig) DeviationLog() string {
	return s.deviationLog
}

// directory (relative to the system directory) where the MD engine dumps
// sampled frames in raw-data format. default = "traj"
func (s *SamplingConfig) TrajectoryDir() string {
	return s.trajectoryDir
}

type SystemConfig struct {
	name  string
	input string
}

func (s *SystemConfig) Name() string {
	return s.name
}

// directory holding input files of the MD engine for this system.
func (s *SystemConfig) Input() string {
	return s.input
}

type EvaluationConfig struct {
	forceTolerance       float64
	convergenceThreshold int
	deviationColumn      int
}

func (e *EvaluationConfig) ForceTolerance() float64 {
	return e.forceTolerance
}

// The loop converges when every system selects at most this number of frames.
func (e *EvaluationConfig) ConvergenceThreshold() int {
	return e.convergenceThreshold
}

// 0-origin column of the max force deviation in deviation log. default = 4
func (e *EvaluationConfig) DeviationColumn() int {
	return e.deviationColumn
}

type LabelingConfig struct {
	command      string
	input        string
	maxPerSystem int
	artifact     string
}

// command line of the reference solver, run in each task directory.
func (l *LabelingConfig) Command() string {
	return l.command
}

// directory of input files copied into each task directory. It can be empty.
func (l *LabelingConfig) Input() string {
	return l.input
}

// max number of frames labeled per system. default = 100
func (l *LabelingConfig) MaxPerSystem() int {
	return l.maxPerSystem
}

// file which the reference solver should write. default = "force.raw"
func (l *LabelingConfig) Artifact() string {
	return l.artifact
}

type EnvironmentConfig struct {
	maxIterations  int
	restart        *RestartConfig
	resources      *ResourcesConfig
	maxDeviceUsage float64
	launcher       *LauncherConfig
	stageTimeout   time.Duration
}

func (e *EnvironmentConfig) MaxIterations() int {
	return e.maxIterations
}

// Restart overrides the persisted checkpoint. It is nil if not configured.
func (e *EnvironmentConfig) Restart() *RestartConfig {
	return e.restart
}

func (e *EnvironmentConfig) Resources() *ResourcesConfig {
	return e.resources
}

// devices using more memory than this fraction are not used. default = 1.0
func (e *EnvironmentConfig) MaxDeviceUsage() float64 {
	return e.maxDeviceUsage
}

func (e *EnvironmentConfig) Launcher() *LauncherConfig {
	return e.launcher
}

// 0 means no timeout.
func (e *EnvironmentConfig) StageTimeout() time.Duration {
	return e.stageTimeout
}

type RestartConfig struct {
	iteration  int
	stage      iteration.Stage
	corpusSize int
}

func (r *RestartConfig) Iteration() int {
	return r.iteration
}

func (r *RestartConfig) Stage() iteration.Stage {
	return r.stage
}

func (r *RestartConfig) CorpusSize() int {
	return r.corpusSize
}

type ResourcesConfig struct {
	processorCount int
	hosts          []*HostConfig
	remoteShell    string
}

// 0 means "discover".
func (r *ResourcesConfig) ProcessorCount() int {
	return r.processorCount
}

// static topology. If empty, hosts are discovered.
func (r *ResourcesConfig) Hosts() []*HostConfig {
	return append([]*HostConfig{}, r.hosts...)
}

// default = "ssh"
func (r *ResourcesConfig) RemoteShell() string {
	return r.remoteShell
}

type HostConfig struct {
	name    string
	devices []*DeviceConfig
}

func (h *HostConfig) Name() string {
	return h.name
}

func (h *HostConfig) Devices() []*DeviceConfig {
	return append([]*DeviceConfig{}, h.devices...)
}

type DeviceConfig struct {
	id    string
	usage float64
}

func (d *DeviceConfig) ID() string {
	return d.id
}

func (d *DeviceConfig) Usage() float64 {
	return d.usage
}

type LauncherConfig struct {
	launcherType LauncherType
	kubernetes   *KubernetesConfig
}

func (l *LauncherConfig) Type() LauncherType {
	return l.launcherType
}

// nil unless Type is KubernetesLauncher.
func (l *LauncherConfig) Kubernetes() *KubernetesConfig {
	return l.kubernetes
}

type KubernetesConfig struct {
	namespace    string
	image        string
	kubeconfig   string
	workdirMount string
	gpuResource  string
}

func (k *KubernetesConfig) Namespace() string {
	return k.namespace
}

// container image which has the engines.
func (k *KubernetesConfig) Image() string {
	return k.image
}

// path to kubeconfig. If empty, in-cluster config is used.
func (k *KubernetesConfig) Kubeconfig() string {
	return k.kubeconfig
}

// path where the work directory is mounted in containers. default = "/work"
func (k *KubernetesConfig) WorkdirMount() string {
	return k.workdirMount
}

// extended resource name of GPU. default = "nvidia.com/gpu"
func (k *KubernetesConfig) GPUResource() string {
	return k.gpuResource
}

type CheckpointConfig struct {
	checkpointType CheckpointType
	database       string
	name           string
}

func (c *CheckpointConfig) Type() CheckpointType {
	return c.checkpointType
}

// connection string. required for postgres.
func (c *CheckpointConfig) Database() string {
	return c.database
}

// name of the run in the checkpoint store. default = "deepff"
func (c *CheckpointConfig) Name() string {
	return c.name
}

type HooksConfig struct {
	before []*url.URL
	after  []*url.URL
}

func (h *HooksConfig) Before() []*url.URL {
	return append([]*url.URL{}, h.before...)
}

func (h *HooksConfig) After() []*url.URL {
	return append([]*url.URL{}, h.after...)
}

type LoggingConfig struct {
	level   string
	file    string
	journal bool
}

func (l *LoggingConfig) Level() string {
	return l.level
}

// log file, relative to the work directory. default = "deepff.log"
func (l *LoggingConfig) File() string {
	return l.file
}

func (l *LoggingConfig) Journal() bool {
	return l.journal
}

type StatusConfig struct {
	port int32
}

// port of the status API. 0 means disabled.
func (s *StatusConfig) Port() int32 {
	return s.port
}
