// Package status serves a read-only view of a running controller over HTTP.
package status

import (
	"sync"

	"github.com/opst/deepff/pkg/corpus"
	"github.com/opst/deepff/pkg/iteration"
	"github.com/opst/deepff/pkg/resources"
	"github.com/opst/deepff/pkg/utils/rfctime"
)

// Board keeps the latest checkpoint and topology for the status API.
//
// Board is safe for concurrent use.
type Board struct {
	mu        sync.RWMutex
	runID     string
	startedAt rfctime.RFC3339
	updatedAt rfctime.RFC3339
	cp        *iteration.Checkpoint
	topology  *resources.Topology
	layout    string
}

func NewBoard(runID string) *Board {
	return &Board{runID: runID, startedAt: rfctime.Now()}
}

// Update records a checkpoint. It can be used as Controller.OnSave.
func (b *Board) Update(cp iteration.Checkpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp.State.NewData = append([]int{}, cp.State.NewData...)
	cp.Ledger.Entries = append([]corpus.Entry{}, cp.Ledger.Entries...)
	b.cp = &cp
	b.updatedAt = rfctime.Now()
}

// SetTopology records the topology and the layout chosen for it.
func (b *Board) SetTopology(t resources.Topology, layout string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topology = &t
	b.layout = layout
}

type StateResponse struct {
	RunID     string          `json:"runId"`
	State     iteration.State `json:"state"`
	StartedAt rfctime.RFC3339 `json:"startedAt"`
	UpdatedAt rfctime.RFC3339 `json:"updatedAt"`
}

type LedgerResponse struct {
	Initial int            `json:"initial"`
	Total   int            `json:"total"`
	Entries []corpus.Entry `json:"entries"`
}

type TopologyResponse struct {
	Layout   string             `json:"layout"`
	Topology resources.Topology `json:"topology"`
}

func (b *Board) state() (StateResponse, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.cp == nil {
		return StateResponse{}, false
	}
	return StateResponse{
		RunID:     b.runID,
		State:     b.cp.State,
		StartedAt: b.startedAt,
		UpdatedAt: b.updatedAt,
	}, true
}

func (b *Board) ledger() (LedgerResponse, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.cp == nil {
		return LedgerResponse{}, false
	}
	total := b.cp.Ledger.Initial
	for _, e := range b.cp.Ledger.Entries {
		total += e.Count
	}
	return LedgerResponse{
		Initial: b.cp.Ledger.Initial,
		Total:   total,
		Entries: b.cp.Ledger.Entries,
	}, true
}

func (b *Board) topologyOf() (TopologyResponse, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.topology == nil {
		return TopologyResponse{}, false
	}
	return TopologyResponse{Layout: b.layout, Topology: *b.topology}, true
}
