package iteration

import (
	"context"

	"github.com/opst/deepff/pkg/corpus"
)

// Checkpoint is the durable record of the learning loop.
type Checkpoint struct {
	State  State           `json:"state" yaml:"state"`
	Ledger corpus.Snapshot `json:"ledger" yaml:"ledger"`
}

// Store persists Checkpoint.
//
// Implementations should replace the previous checkpoint atomically:
// after a crash, Load returns either the previous one or the new one.
type Store interface {
	// Lock claims the store for this process.
	//
	// If another controller holds it, Lock returns ErrConcurrentController.
	Lock(context.Context) error

	// Load returns the last checkpoint.
	//
	// returns:
	//   - Checkpoint: the last saved one. Zero value when not found.
	//   - bool: true if found.
	//   - error
	Load(context.Context) (Checkpoint, bool, error)

	Save(context.Context, Checkpoint) error

	// Close releases the lock and underlying resources.
	Close() error
}
