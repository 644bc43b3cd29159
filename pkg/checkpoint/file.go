// Package checkpoint persists iteration.Checkpoint into a file.
//
// For the store on PostgreSQL, see the subpackage postgres.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xe "github.com/opst/deepff/pkg/errors"
	"github.com/opst/deepff/pkg/iteration"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

const (
	// checkpoint file name in the work directory.
	StateFile = "deepff.state.yaml"

	// lock file name in the work directory.
	LockFile = "deepff.lock"
)

// File is a Store keeping the checkpoint as a YAML file in the work directory.
//
// Save writes into a temporary file and renames it, so the checkpoint is
// replaced atomically.
type File struct {
	dir string

	mu   sync.Mutex
	lock *os.File
}

var _ iteration.Store = &File{}

func NewFile(workdir string) *File {
	return &File{dir: workdir}
}

func (f *File) Path() string {
	return filepath.Join(f.dir, StateFile)
}

// Lock takes an exclusive flock on the lock file, without waiting.
func (f *File) Lock(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lock != nil {
		return nil
	}

	lf, err := os.OpenFile(filepath.Join(f.dir, LockFile), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lf.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w: %s is locked", xe.ErrConcurrentController, lf.Name())
		}
		return err
	}
	f.lock = lf
	return nil
}

type document struct {
	Version    int                  `yaml:"version"`
	Checkpoint iteration.Checkpoint `yaml:"checkpoint"`
}

const version = 1

func (f *File) Load(ctx context.Context) (iteration.Checkpoint, bool, error) {
	content, err := os.ReadFile(f.Path())
	if errors.Is(err, os.ErrNotExist) {
		return iteration.Checkpoint{}, false, nil
	}
	if err != nil {
		return iteration.Checkpoint{}, false, err
	}

	var doc document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return iteration.Checkpoint{}, false, fmt.Errorf("%w: %s: %w", xe.ErrMalformedData, f.Path(), err)
	}
	if doc.Version != version {
		return iteration.Checkpoint{}, false, fmt.Errorf(
			"%w: %s: unsupported version %d", xe.ErrMalformedData, f.Path(), doc.Version,
		)
	}
	if doc.Checkpoint.State.NewData == nil {
		doc.Checkpoint.State.NewData = []int{}
	}
	return doc.Checkpoint, true, nil
}

func (f *File) Save(ctx context.Context, cp iteration.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	content, err := yaml.Marshal(document{Version: version, Checkpoint: cp})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, StateFile+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // no-op after rename

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.Path()); err != nil {
		return err
	}

	// persist the rename itself.
	d, err := os.Open(f.dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lock == nil {
		return nil
	}
	lf := f.lock
	f.lock = nil
	unix.Flock(int(lf.Fd()), unix.LOCK_UN)
	return lf.Close()
}
