// Package corpus keeps the ledger of labeled data across iterations, and derives
// training schedules and sampling weights from it.
package corpus

import (
	"fmt"
	"sort"
	"sync"

	xe "github.com/opst/deepff/pkg/errors"
)

// Entry is a contribution of a system in an iteration.
type Entry struct {
	Iteration int `json:"iteration" yaml:"iteration"`
	System    int `json:"system" yaml:"system"`
	Count     int `json:"count" yaml:"count"`
}

// Snapshot is a serializable copy of an Accumulator.
type Snapshot struct {
	Initial int     `json:"initial" yaml:"initial"`
	Entries []Entry `json:"entries" yaml:"entries"`
}

type key struct {
	iteration int
	system    int
}

// Accumulator owns the append-only ledger of labeled data counts.
//
// Accumulator is safe for concurrent use.
type Accumulator struct {
	mu      sync.RWMutex
	initial int
	entries []Entry
	index   map[key]int
}

// New returns an empty Accumulator with initial corpus size.
func New(initial int) *Accumulator {
	return &Accumulator{initial: initial, entries: []Entry{}, index: map[key]int{}}
}

// Restore rebuilds an Accumulator from a Snapshot.
//
// It returns ErrDuplicateRecord if the snapshot has the same (iteration, system) twice.
func Restore(s Snapshot) (*Accumulator, error) {
	if s.Initial < 0 {
		return nil, fmt.Errorf("%w: negative initial corpus size %d", xe.ErrMalformedData, s.Initial)
	}
	a := New(s.Initial)
	for _, e := range s.Entries {
		if err := a.Record(e.Iteration, e.System, e.Count); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Initial returns the size of the corpus before any iteration.
func (a *Accumulator) Initial() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.initial
}

// Total returns the initial size plus all recorded counts.
func (a *Accumulator) Total() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t := a.initial
	for _, e := range a.entries {
		t += e.Count
	}
	return t
}

// Record appends a contribution.
//
// A second call with the same (iteration, system) is rejected with ErrDuplicateRecord
// and does not change the ledger.
func (a *Accumulator) Record(iteration int, system int, count int) error {
	if iteration < 0 || system < 0 || count < 0 {
		return fmt.Errorf(
			"%w: invalid record (iteration=%d, system=%d, count=%d)",
			xe.ErrMalformedData, iteration, system, count,
		)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	k := key{iteration: iteration, system: system}
	if _, ok := a.index[k]; ok {
		return fmt.Errorf("%w: iteration %d, system %d", xe.ErrDuplicateRecord, iteration, system)
	}
	a.index[k] = len(a.entries)
	a.entries = append(a.entries, Entry{Iteration: iteration, System: system, Count: count})
	return nil
}

// Recorded returns the count of (iteration, system), if recorded.
func (a *Accumulator) Recorded(iteration int, system int) (int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	i, ok := a.index[key{iteration: iteration, system: system}]
	if !ok {
		return 0, false
	}
	return a.entries[i].Count, true
}

// IterationTotal returns the sum of counts recorded for the iteration.
func (a *Accumulator) IterationTotal(iteration int) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t := 0
	for _, e := range a.entries {
		if e.Iteration == iteration {
			t += e.Count
		}
	}
	return t
}

// SizeBefore returns the corpus size available when the iteration starts:
// the initial size plus counts of all iterations before it.
func (a *Accumulator) SizeBefore(iteration int) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t := a.initial
	for _, e := range a.entries {
		if e.Iteration < iteration {
			t += e.Count
		}
	}
	return t
}

// Entries returns recorded entries of iterations before the given one,
// ordered by (iteration, system).
func (a *Accumulator) Entries(before int) []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	es := []Entry{}
	for _, e := range a.entries {
		if e.Iteration < before {
			es = append(es, e)
		}
	}
	sort.SliceStable(es, func(i, j int) bool {
		if es[i].Iteration != es[j].Iteration {
			return es[i].Iteration < es[j].Iteration
		}
		return es[i].System < es[j].System
	})
	return es
}

func (a *Accumulator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{Initial: a.initial, Entries: append([]Entry{}, a.entries...)}
}
