package stages

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opst/deepff/pkg/corpus"
	"github.com/opst/deepff/pkg/dispatch"
	xe "github.com/opst/deepff/pkg/errors"
	"github.com/opst/deepff/pkg/iteration"
)

const (
	inputFile       = "input.json"
	learningCurve   = "lcurve.out"
	checkpointIndex = "model.ckpt.index"
	checkpointName  = "model.ckpt"
)

// Train trains the ensemble of the iteration.
type Train struct {
	*Env
}

func (*Train) Stage() iteration.Stage { return iteration.Train }

func (t *Train) Run(ctx context.Context, state iteration.State) (iteration.State, error) {
	it := state.Iteration
	conf := t.Config.Training()

	sources, oldSources := t.Sources(it)
	sources, err := absAll(sources)
	if err != nil {
		return state, err
	}
	warm := 0 < it && conf.WarmStart()

	sched := t.Schedule()
	probStyle := ""
	if warm {
		sched = sched.WarmStart()
		w, err := t.Corpus.SamplingWeights(it, conf.NumbTest())
		if err != nil {
			return state, err
		}
		probStyle = w.ProbStyle(oldSources, len(sources))
	}
	t.logf(
		"iteration %d: training on %d data sources (%d frames): stop batch %d, decay steps %d, lr %g",
		it, len(sources), t.Corpus.Total(), sched.StopBatch, sched.DecaySteps, sched.StartLR,
	)

	members := Ensemble(conf.Ensemble(), it)
	jobs := make([]dispatch.Job, len(members))
	for i, m := range members {
		dir := TrainDir(t.Workdir, it, m.Index)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return state, err
		}

		input, err := TrainingInput(conf.Params(), sources, conf.BatchSize(), conf.SaveFreq(), conf.NumbTest(), sched, probStyle, m)
		if err != nil {
			return state, xe.NewStageFailure(iteration.Train.String(), it, []string{fmt.Sprint(m.Index)}, err)
		}
		if err := os.WriteFile(filepath.Join(dir, inputFile), input, 0644); err != nil {
			return state, err
		}
		if err := dispatch.NonEmpty(filepath.Join(dir, inputFile)); err != nil {
			return state, xe.NewStageFailure(iteration.Train.String(), it, []string{fmt.Sprint(m.Index)}, err)
		}

		var flag string
		switch {
		case resumable(dir, conf.SaveFreq()):
			flag = "--restart " + checkpointName
			t.logf("member %d: resuming from its checkpoint", m.Index)
		case warm:
			if err := copyCheckpoint(TrainDir(t.Workdir, it-1, m.Index), dir); err != nil {
				return state, xe.NewStageFailure(
					iteration.Train.String(), it, []string{fmt.Sprint(m.Index)},
					fmt.Errorf("warm start: %w", err),
				)
			}
			flag = "--init-model " + checkpointName
		}

		jobs[i] = dispatch.Job{
			Name:    fmt.Sprint(m.Index),
			Command: trainCommand(conf.Executable(), flag, conf.Artifact()),
			Dir:     dir,
			Env:     map[string]string{"DEEPFF_ITERATION": fmt.Sprint(it)},
			Outputs: []string{conf.Artifact()},
		}
	}

	report, err := t.run(ctx, jobs, warm, dispatch.AllOrNothing)
	if err != nil {
		return state, err
	}
	if !report.OK() {
		return state, &xe.StageFailure{
			Stage:     iteration.Train.String(),
			Iteration: it,
			Offenders: failures(report),
			Kind:      xe.ErrTrainingIncomplete,
		}
	}
	return state.Advance()
}

// Schedule returns training constants for the current corpus.
func (t *Train) Schedule() corpus.Schedule {
	conf := t.Config.Training()
	if conf.FixStopBatch() {
		return corpus.Schedule{
			StopBatch:  conf.StopBatch(),
			DecaySteps: conf.DecaySteps(),
			StartLR:    conf.StartLR(),
		}
	}
	return corpus.DeriveSchedule(t.Corpus.Total(), conf.BatchSize(), conf.Epochs(), conf.StartLR())
}

// Sources returns data directories used for training of the iteration,
// and how many of them precede the previous iteration.
//
// Initial data come first, then labeled data in order of iteration and system.
// Labeled data having no more frames than reserved for testing are left out.
func (t *Train) Sources(it int) ([]string, int) {
	conf := t.Config.Training()
	sources := conf.InitData()
	old := len(sources)
	for _, e := range t.Corpus.Entries(it) {
		if e.Count <= conf.NumbTest() {
			continue
		}
		sources = append(sources, LabelDataDir(t.Workdir, e.Iteration, e.System))
		if e.Iteration < it-1 {
			old += 1
		}
	}
	return sources, old
}

// TrainingInput builds input.json of the training engine for the member.
//
// params is a base document; it is not modified.
func TrainingInput(
	params map[string]any,
	sources []string,
	batchSize int,
	saveFreq int,
	numbTest int,
	sched corpus.Schedule,
	probStyle string,
	m Member,
) ([]byte, error) {
	doc := map[string]any{}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
	}

	batches := make([]int, len(sources))
	for i := range batches {
		batches[i] = batchSize
	}

	training, err := section(doc, "training")
	if err != nil {
		return nil, err
	}
	training["systems"] = sources
	training["batch_size"] = batches
	training["stop_batch"] = sched.StopBatch
	training["seed"] = m.TrainingSeed
	training["save_freq"] = saveFreq
	training["numb_test"] = numbTest
	if probStyle != "" {
		training["auto_prob_style"] = probStyle
	}

	lr, err := section(doc, "learning_rate")
	if err != nil {
		return nil, err
	}
	lr["start_lr"] = sched.StartLR
	lr["decay_steps"] = sched.DecaySteps

	model, err := section(doc, "model")
	if err != nil {
		return nil, err
	}
	descriptor, err := section(model, "descriptor")
	if err != nil {
		return nil, err
	}
	descriptor["seed"] = m.DescriptorSeed
	fitting, err := section(model, "fitting_net")
	if err != nil {
		return nil, err
	}
	fitting["seed"] = m.FittingSeed
	if m.Widths != nil {
		fitting["neuron"] = m.Widths
	}

	return json.MarshalIndent(doc, "", "  ")
}

// section returns doc[key] as a map, creating it when missing.
func section(doc map[string]any, key string) (map[string]any, error) {
	v, ok := doc[key]
	if !ok || v == nil {
		m := map[string]any{}
		doc[key] = m
		return m, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: training parameter %q should be a mapping", xe.ErrConfiguration, key)
	}
	return m, nil
}

func trainCommand(exe string, flag string, artifact string) string {
	train := exe + " train " + inputFile
	if flag != "" {
		train = exe + " train " + flag + " " + inputFile
	}
	return train + " && " + exe + " freeze -o " + artifact
}

// resumable tells whether a member directory holds a checkpoint worth resuming.
//
// It should have the checkpoint index and a learning curve
// whose last batch is beyond the first checkpoint.
func resumable(dir string, saveFreq int) bool {
	if _, err := os.Stat(filepath.Join(dir, checkpointIndex)); err != nil {
		return false
	}
	last, err := lastBatch(filepath.Join(dir, learningCurve))
	if err != nil {
		return false
	}
	return saveFreq < last
}

// lastBatch reads the batch number of the last row of a learning curve.
func lastBatch(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	last := ""
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		last = line
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	fields := strings.Fields(last)
	if len(fields) == 0 {
		return 0, errors.New("learning curve has no rows")
	}
	return strconv.Atoi(fields[0])
}

func absAll(paths []string) ([]string, error) {
	abs := make([]string, len(paths))
	for i, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		abs[i] = a
	}
	return abs, nil
}

// copyCheckpoint copies model.ckpt.* files of the previous member.
func copyCheckpoint(from, to string) error {
	files, err := filepath.Glob(filepath.Join(from, checkpointName+".*"))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no checkpoint in %s", from)
	}
	for _, f := range files {
		if err := copyFile(f, filepath.Join(to, filepath.Base(f))); err != nil {
			return err
		}
	}
	return nil
}
