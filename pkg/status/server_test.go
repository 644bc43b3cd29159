package status_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/opst/deepff/pkg/corpus"
	"github.com/opst/deepff/pkg/iteration"
	"github.com/opst/deepff/pkg/resources"
	"github.com/opst/deepff/pkg/status"
	"github.com/opst/deepff/pkg/utils/try"
)

func get(t *testing.T, board *status.Board, path string) *httptest.ResponseRecorder {
	t.Helper()
	e := status.BuildServer(board, "off")
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestServer(t *testing.T) {
	t.Run("it responds 503 before the controller saves state", func(t *testing.T) {
		board := status.NewBoard("run-1")
		for _, path := range []string{"/api/state", "/api/ledger/", "/api/topology"} {
			rec := get(t, board, path)
			if rec.Code != http.StatusServiceUnavailable {
				t.Errorf("%s: status %d", path, rec.Code)
			}
			body := status.ErrorResponse{}
			try.To(struct{}{}, json.Unmarshal(rec.Body.Bytes(), &body)).OrFatal(t)
			if body.Message.Reason == "" || body.Message.Advice == "" {
				t.Errorf("%s: body %s", path, rec.Body.String())
			}
		}
	})

	board := status.NewBoard("run-1")
	board.Update(iteration.Checkpoint{
		State: iteration.State{Iteration: 1, Stage: iteration.Sample, CorpusSize: 130, NewData: []int{30}},
		Ledger: corpus.Snapshot{Initial: 100, Entries: []corpus.Entry{
			{Iteration: 0, System: 0, Count: 25}, {Iteration: 0, System: 1, Count: 5},
		}},
	})
	topo := resources.Topology{
		Hosts:          []resources.Host{{Name: "node-0", Devices: []resources.Device{{ID: "0", Usage: 0.1}}}},
		ProcessorCount: 8,
	}
	board.SetTopology(topo, "single-gpu")

	t.Run("it serves state", func(t *testing.T) {
		rec := get(t, board, "/api/state")
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
		}
		body := status.StateResponse{}
		try.To(struct{}{}, json.Unmarshal(rec.Body.Bytes(), &body)).OrFatal(t)
		want := iteration.State{Iteration: 1, Stage: iteration.Sample, CorpusSize: 130, NewData: []int{30}}
		if body.RunID != "run-1" || !body.State.Equal(want) {
			t.Errorf("body: %+v", body)
		}
	})

	t.Run("it serves ledger", func(t *testing.T) {
		rec := get(t, board, "/api/ledger")
		body := status.LedgerResponse{}
		try.To(struct{}{}, json.Unmarshal(rec.Body.Bytes(), &body)).OrFatal(t)
		if body.Initial != 100 || body.Total != 130 || len(body.Entries) != 2 {
			t.Errorf("body: %+v", body)
		}
	})

	t.Run("it serves topology", func(t *testing.T) {
		rec := get(t, board, "/api/topology/")
		body := status.TopologyResponse{}
		try.To(struct{}{}, json.Unmarshal(rec.Body.Bytes(), &body)).OrFatal(t)
		if body.Layout != "single-gpu" || !reflect.DeepEqual(body.Topology, topo) {
			t.Errorf("body: %+v", body)
		}
	})
}
