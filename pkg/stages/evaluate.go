package stages

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	xe "github.com/opst/deepff/pkg/errors"
	"github.com/opst/deepff/pkg/iteration"
	"gopkg.in/yaml.v3"
)

// SystemSelection is the evaluation of frames sampled from a system.
type SystemSelection struct {
	System int    `yaml:"system"`
	Name   string `yaml:"name"`
	Frames int    `yaml:"frames"`

	// indices of frames whose deviation is not below the tolerance.
	Selected []int `yaml:"selected"`
}

// Accurate is the number of frames predicted consistently.
func (s SystemSelection) Accurate() int {
	return s.Frames - len(s.Selected)
}

// Selection is the evaluation of an iteration.
type Selection struct {
	Iteration int               `yaml:"iteration"`
	Systems   []SystemSelection `yaml:"systems"`
}

// Accuracy is the ratio of accurate frames in all systems. It is 1 when no frames are sampled.
func (s Selection) Accuracy() float64 {
	frames, accurate := 0, 0
	for _, sys := range s.Systems {
		frames += sys.Frames
		accurate += sys.Accurate()
	}
	if frames == 0 {
		return 1
	}
	return float64(accurate) / float64(frames)
}

// MaxSelected is the largest number of frames selected in a system.
func (s Selection) MaxSelected() int {
	m := 0
	for _, sys := range s.Systems {
		m = max(m, len(sys.Selected))
	}
	return m
}

// Converged tells whether every system selects at most threshold frames.
func (s Selection) Converged(threshold int) bool {
	return s.MaxSelected() <= threshold
}

// Evaluate reads force deviation of sampled frames, and selects frames to be labeled.
type Evaluate struct {
	*Env
}

func (*Evaluate) Stage() iteration.Stage { return iteration.Evaluate }

func (e *Evaluate) Run(ctx context.Context, state iteration.State) (iteration.State, error) {
	it := state.Iteration
	conf := e.Config.Evaluation()

	sel := Selection{Iteration: it, Systems: []SystemSelection{}}
	for i, sys := range e.Config.Sampling().Systems() {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		path := filepath.Join(SampleDir(e.Workdir, it, i), e.Config.Sampling().DeviationLog())
		devs, err := ReadDeviation(path, conf.DeviationColumn())
		if err != nil {
			return state, xe.NewStageFailure(
				iteration.Evaluate.String(), it, []string{fmt.Sprintf("sys_%d", i)}, err,
			)
		}
		s := SystemSelection{
			System:   i,
			Name:     sys.Name(),
			Frames:   len(devs),
			Selected: SelectFrames(devs, conf.ForceTolerance()),
		}
		e.logf(
			"iteration %d: system %s: %d of %d frames selected",
			it, s.Name, len(s.Selected), s.Frames,
		)
		sel.Systems = append(sel.Systems, s)
	}

	if err := WriteSelection(SelectionFile(e.Workdir, it), sel); err != nil {
		return state, err
	}
	e.logf("iteration %d: accuracy %.4f", it, sel.Accuracy())

	if sel.Converged(conf.ConvergenceThreshold()) {
		e.logf("iteration %d: converged (max selected %d)", it, sel.MaxSelected())
		return state.Converge()
	}
	return state.Advance()
}

// SelectFrames returns indices of frames whose deviation is not below tolerance.
func SelectFrames(devs []float64, tolerance float64) []int {
	sel := []int{}
	for i, d := range devs {
		if tolerance <= d {
			sel = append(sel, i)
		}
	}
	return sel
}

// ReadDeviation reads max force deviation of each frame from a deviation log.
//
// Lines starting with "#" are comments.
func ReadDeviation(path string, column int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	devs, err := ParseDeviation(f, column)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return devs, nil
}

func ParseDeviation(r io.Reader, column int) ([]float64, error) {
	devs := []float64{}
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno += 1
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) <= column {
			return nil, fmt.Errorf(
				"%w: line %d has %d columns, but column %d is required",
				xe.ErrMalformedData, lineno, len(fields), column,
			)
		}
		d, err := strconv.ParseFloat(fields[column], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", xe.ErrMalformedData, lineno, err)
		}
		devs = append(devs, d)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return devs, nil
}

func WriteSelection(path string, sel Selection) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	b, err := yaml.Marshal(sel)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

func ReadSelection(path string) (Selection, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Selection{}, err
	}
	sel := Selection{}
	if err := yaml.Unmarshal(b, &sel); err != nil {
		return Selection{}, fmt.Errorf("%w: %s: %w", xe.ErrMalformedData, path, err)
	}
	return sel, nil
}
