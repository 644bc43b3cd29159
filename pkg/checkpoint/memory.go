package checkpoint

import (
	"context"
	"sync"

	"github.com/opst/deepff/pkg/iteration"
)

// Memory is a Store on memory. It does not survive the process.
//
// Saved is the history of checkpoints, oldest first.
type Memory struct {
	mu    sync.Mutex
	Saved []iteration.Checkpoint

	// SaveErr, if set, is returned by Save.
	SaveErr error
}

var _ iteration.Store = &Memory{}

func (m *Memory) Lock(context.Context) error { return nil }

func (m *Memory) Load(context.Context) (iteration.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Saved) == 0 {
		return iteration.Checkpoint{}, false, nil
	}
	return m.Saved[len(m.Saved)-1], true, nil
}

func (m *Memory) Save(_ context.Context, cp iteration.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	cp.State.NewData = append([]int{}, cp.State.NewData...)
	m.Saved = append(m.Saved, cp)
	return nil
}

func (m *Memory) Close() error { return nil }
