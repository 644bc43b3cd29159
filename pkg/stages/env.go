// Package stages implements runners of the four stages of an iteration:
// Train, Sample, Evaluate and Label.
//
// Each runner prepares job directories under the work directory,
// launches external engines through the dispatcher and checks what they left.
//
// Work directory layout:
//
//	iter_<n>/01.train/<member>/          training job of an ensemble member
//	iter_<n>/02.sample/sys_<i>/          MD job of a system
//	iter_<n>/02.evaluate/selection.yaml  frames selected for labeling
//	iter_<n>/03.label/sys_<i>/task_<k>/  reference calculation of a frame
//	iter_<n>/03.label/sys_<i>/data/      labeled frames of a system
//	active_data/sys_<i>/                 final dataset
package stages

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	kconf "github.com/opst/deepff/pkg/configs/deepff"
	"github.com/opst/deepff/pkg/corpus"
	"github.com/opst/deepff/pkg/iteration"
	"github.com/opst/deepff/pkg/launch"
	"github.com/opst/deepff/pkg/resources"
)

// Env is what stage runners share.
type Env struct {
	Workdir  string
	Config   *kconf.Config
	Topology resources.Topology
	Launcher launch.Launcher
	Corpus   *corpus.Accumulator
	Logger   *log.Logger
}

// Runner runs a stage.
type Runner interface {
	Stage() iteration.Stage

	// Run performs the stage of the state, and returns the state after the stage.
	//
	// When the stage fails, it returns *errors.StageFailure and the state as is.
	Run(ctx context.Context, state iteration.State) (iteration.State, error)
}

func (e *Env) logf(format string, v ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, v...)
	}
}

func IterDir(workdir string, it int) string {
	return filepath.Join(workdir, fmt.Sprintf("iter_%d", it))
}

func TrainDir(workdir string, it int, member int) string {
	return filepath.Join(IterDir(workdir, it), "01.train", fmt.Sprint(member))
}

func SampleDir(workdir string, it int, system int) string {
	return filepath.Join(IterDir(workdir, it), "02.sample", fmt.Sprintf("sys_%d", system))
}

func SelectionFile(workdir string, it int) string {
	return filepath.Join(IterDir(workdir, it), "02.evaluate", "selection.yaml")
}

func LabelTaskDir(workdir string, it int, system int, task int) string {
	return filepath.Join(IterDir(workdir, it), "03.label", fmt.Sprintf("sys_%d", system), fmt.Sprintf("task_%d", task))
}

func LabelDataDir(workdir string, it int, system int) string {
	return filepath.Join(IterDir(workdir, it), "03.label", fmt.Sprintf("sys_%d", system), "data")
}

func FinalDataDir(workdir string, system int) string {
	return filepath.Join(workdir, "active_data", fmt.Sprintf("sys_%d", system))
}
