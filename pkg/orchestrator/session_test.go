package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HatiCode/vizbench/pkg/backend"
	"github.com/HatiCode/vizbench/pkg/backend/backendtest"
	"github.com/HatiCode/vizbench/pkg/methods"
)

const refID = "M4-reference"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog() backend.Catalog {
	return backend.Catalog{
		"M4": {QueryParams: map[string]backend.ParamSpec{}},
		"MinMaxCache": {
			InitParams: map[string]backend.ParamSpec{
				"aggFactor": {Type: "number", Default: 4.0},
			},
			QueryParams: map[string]backend.ParamSpec{
				"accuracy": {Type: "number", Default: 0.95},
			},
		},
	}
}

func testClient(bounds backend.TimeRange) *backendtest.Client {
	return &backendtest.Client{
		Meta: &backend.Metadata{
			Measures: []backend.Measure{
				{ID: 0, Name: "temp"},
				{ID: 1, Name: "humidity"},
				{ID: 2, Name: "light"},
			},
			TimeRange: bounds,
		},
		Methods: testCatalog(),
	}
}

// newTestSession returns an initialized session whose debouncer never fires
// on its own, so operations run only on Flush.
func newTestSession(t *testing.T, client backend.Client) *Session {
	t.Helper()
	s := NewSession(Config{
		Datasource: "influx",
		Schema:     "public",
		Table:      "intel_lab",
		Canvas:     Canvas{Width: 1000, Height: 600},
		Debounce:   time.Hour,
	}, client, nil, testLogger())
	t.Cleanup(s.Close)

	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

type recordingRenderer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingRenderer) Render(id string, _ *backend.QueryResult, _ []int, _ Canvas, _ backend.TimeRange) error {
	time.Sleep(time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	return r.err
}

type recordingMetrics struct {
	mu         sync.Mutex
	outcomes   map[string]string
	operations int
	scores     int
	history    int
}

func (m *recordingMetrics) RecordFetch(id, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]string)
	}
	m.outcomes[id] = outcome
}

func (m *recordingMetrics) RecordRendering(string, time.Duration) {}

func (m *recordingMetrics) RecordOperation(time.Duration, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations++
}

func (m *recordingMetrics) RecordScore(string, int, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores++
}

func (m *recordingMetrics) SetHistorySize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = n
}

func TestSession_InitSelectsReference(t *testing.T) {
	s := newTestSession(t, testClient(backend.TimeRange{From: 1000, To: 600000}))

	if sel := s.Selection(); len(sel) != 1 || sel[0] != refID {
		t.Errorf("selection = %v, want [%s]", sel, refID)
	}
	if s.Registry().Reference() != refID {
		t.Errorf("reference = %q", s.Registry().Reference())
	}
	if got := s.TimeRange(); got != (backend.TimeRange{From: 1000, To: 61000}) {
		t.Errorf("initial range = %+v, want first minute of the dataset", got)
	}
	if schema, table := s.Dataset(); schema != "public" || table != "intel_lab" {
		t.Errorf("dataset = %s.%s", schema, table)
	}
}

func TestSession_InitialRangeShorterDataset(t *testing.T) {
	s := newTestSession(t, testClient(backend.TimeRange{From: 1000, To: 5000}))
	if got := s.TimeRange(); got != (backend.TimeRange{From: 1000, To: 5000}) {
		t.Errorf("initial range = %+v, want whole dataset", got)
	}
}

func TestSession_NoMetadata(t *testing.T) {
	client := &backendtest.Client{Methods: testCatalog()}
	s := NewSession(Config{Schema: "public", Table: "missing", Debounce: time.Hour}, client, nil, testLogger())
	defer s.Close()

	if err := s.Init(context.Background()); !errors.Is(err, ErrNoMetadata) {
		t.Fatalf("Init err = %v, want ErrNoMetadata", err)
	}
	if err := s.SetMeasures([]int{0}); !errors.Is(err, ErrNoMetadata) {
		t.Errorf("SetMeasures err = %v, want ErrNoMetadata", err)
	}
}

func TestSession_RequestSize(t *testing.T) {
	client := testClient(backend.TimeRange{From: 1000, To: 600000})
	s := newTestSession(t, client)

	if err := s.SetMeasures([]int{0, 1}); err != nil {
		t.Fatal(err)
	}
	inst, err := s.AddInstance("MinMaxCache", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	calls := client.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	for _, c := range calls {
		if c.Request.Width != 960 || c.Request.Height != 110 {
			t.Errorf("%s requested %dx%d, want 960x110", c.Request.MethodKey, c.Request.Width, c.Request.Height)
		}
		if c.Datasource != "influx" || c.Request.Schema != "public" || c.Request.Table != "intel_lab" {
			t.Errorf("request target = %s %s.%s", c.Datasource, c.Request.Schema, c.Request.Table)
		}
	}
	if calls[0].Request.MethodKey != refID || calls[1].Request.MethodKey != inst.ID {
		t.Errorf("fetch order = %s, %s", calls[0].Request.MethodKey, calls[1].Request.MethodKey)
	}
	if calls[1].Request.Params["accuracy"] != 0.95 {
		t.Errorf("query params = %v", calls[1].Request.Params)
	}
	if calls[1].Request.InitParams["aggFactor"] != 4.0 {
		t.Errorf("init params = %v", calls[1].Request.InitParams)
	}
}

func TestSession_SelectionOrder(t *testing.T) {
	client := testClient(backend.TimeRange{From: 1000, To: 600000})
	s := newTestSession(t, client)
	_ = s.SetMeasures([]int{2})

	a, _ := s.AddInstance("MinMaxCache", map[string]any{"aggFactor": 2})
	b, _ := s.AddInstance("MinMaxCache", map[string]any{"aggFactor": 8})
	if err := s.SetSelection([]string{b.ID, refID, a.ID, b.ID}); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	want := []string{b.ID, refID, a.ID}
	calls := client.Calls()
	if len(calls) != len(want) {
		t.Fatalf("calls = %d, want %d", len(calls), len(want))
	}
	for i, id := range want {
		if calls[i].Request.MethodKey != id {
			t.Errorf("call %d = %s, want %s", i, calls[i].Request.MethodKey, id)
		}
	}
}

func TestSession_DebounceCoalesces(t *testing.T) {
	client := testClient(backend.TimeRange{From: 1000, To: 600000})
	s := NewSession(Config{
		Schema:   "public",
		Table:    "intel_lab",
		Canvas:   Canvas{Width: 800, Height: 400},
		Debounce: 20 * time.Millisecond,
	}, client, nil, testLogger())
	defer s.Close()
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	finished := make(chan struct{}, 4)
	s.Subscribe(func(e Event) {
		if e.Type == EventOperationFinished {
			finished <- struct{}{}
		}
	})

	_ = s.SetMeasures([]int{0})
	for i := range 5 {
		_ = s.SetTimeRange(backend.TimeRange{From: 1000, To: int64(20000 + i*1000)})
	}

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("operation never ran")
	}
	time.Sleep(60 * time.Millisecond)

	calls := client.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want one coalesced operation", len(calls))
	}
	if calls[0].Request.To != 24000 {
		t.Errorf("request To = %d, want the last range", calls[0].Request.To)
	}
}

func TestSession_ClampsToDatasetBounds(t *testing.T) {
	client := testClient(backend.TimeRange{From: 1000, To: 2000})
	s := newTestSession(t, client)
	_ = s.SetMeasures([]int{0})

	var clamped atomic.Bool
	s.Subscribe(func(e Event) {
		if e.Type == EventTimeRange && e.OperationID != "" {
			clamped.Store(true)
		}
	})

	if err := s.SetTimeRange(backend.TimeRange{From: 500, To: 2500}); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	req := client.Calls()[0].Request
	if req.From != 1000 || req.To != 2000 {
		t.Errorf("request range = [%d, %d], want [1000, 2000]", req.From, req.To)
	}
	if got := s.TimeRange(); got != (backend.TimeRange{From: 1000, To: 2000}) {
		t.Errorf("visible range = %+v, want clamped", got)
	}
	if !clamped.Load() {
		t.Error("expected a time_range event for the clamp")
	}
	if s.Pending() {
		t.Error("clamping must not schedule another operation")
	}
}

func TestSession_ClampDisjointRangeFallsBackToBounds(t *testing.T) {
	client := testClient(backend.TimeRange{From: 1000, To: 2000})
	s := newTestSession(t, client)
	_ = s.SetMeasures([]int{0})
	_ = s.SetTimeRange(backend.TimeRange{From: 3000, To: 4000})
	_ = s.Flush()

	req := client.Calls()[0].Request
	if req.From != 1000 || req.To != 2000 {
		t.Errorf("request range = [%d, %d], want dataset bounds", req.From, req.To)
	}
}

func TestSession_HistoryAndRenderingPatch(t *testing.T) {
	client := testClient(backend.TimeRange{From: 1000, To: 600000})
	s := newTestSession(t, client)
	r := &recordingRenderer{}
	s.SetRenderer(r)
	_ = s.SetMeasures([]int{0, 2})
	inst, _ := s.AddInstance("MinMaxCache", nil)

	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	opID := s.OperationID()
	if opID == "" {
		t.Fatal("operation id not set")
	}
	if len(r.calls) != 2 {
		t.Errorf("render calls = %v", r.calls)
	}

	for _, id := range []string{refID, inst.ID} {
		e, ok := s.History().Get(opID, id)
		if !ok {
			t.Fatalf("no history entry for %s", id)
		}
		p := e.Performance
		if p.Query != 10 {
			t.Errorf("%s query = %v, want 10ms", id, p.Query)
		}
		if p.Rendering <= 0 {
			t.Errorf("%s rendering = %v, want patched", id, p.Rendering)
		}
		if math.Abs(p.Total-(p.Query+p.Networking+p.Rendering)) > 1e-9 {
			t.Errorf("%s total %v != query+networking+rendering", id, p.Total)
		}
		if e.Method == "" || e.Results == nil || e.Query.MethodKey != id {
			t.Errorf("entry = %+v", e)
		}
	}

	groups := s.History().Groups()
	if len(groups) != 1 || len(groups[0].Entries) != 2 {
		t.Errorf("groups = %+v", groups)
	}
}

func TestSession_FailureDoesNotStopOthers(t *testing.T) {
	client := testClient(backend.TimeRange{From: 1000, To: 600000})
	failing := errors.New("boom")
	var badID string
	client.Data = func(ctx context.Context, req backend.QueryRequest) (*backend.QueryResult, error) {
		if req.MethodKey == badID {
			return nil, failing
		}
		return backendtest.Series(req), nil
	}
	s := newTestSession(t, client)
	m := &recordingMetrics{}
	s.SetMetrics(m)
	_ = s.SetMeasures([]int{0})

	bad, _ := s.AddInstance("MinMaxCache", nil)
	badID = bad.ID
	good, _ := s.AddInstance("MinMaxCache", map[string]any{"aggFactor": 2})
	_ = s.SetSelection([]string{bad.ID, good.ID})

	err := s.Flush()
	if !errors.Is(err, failing) {
		t.Fatalf("Flush err = %v, want wrapped backend error", err)
	}
	if s.LastError() == nil {
		t.Error("LastError not recorded")
	}
	if s.State(bad.ID) != StateFailed {
		t.Errorf("failed instance state = %v", s.State(bad.ID))
	}
	if s.State(good.ID) != StateSettled || s.Result(good.ID) == nil {
		t.Errorf("later instance must still settle: state %v", s.State(good.ID))
	}
	if s.History().Len() != 1 {
		t.Errorf("history len = %d, want 1", s.History().Len())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes[bad.ID] != "error" || m.outcomes[good.ID] != "ok" {
		t.Errorf("fetch outcomes = %v", m.outcomes)
	}
	if m.operations != 1 || m.history != 1 {
		t.Errorf("operations = %d history = %d", m.operations, m.history)
	}
}

func TestSession_NoContent(t *testing.T) {
	client := testClient(backend.TimeRange{From: 1000, To: 600000})
	client.Data = func(ctx context.Context, req backend.QueryRequest) (*backend.QueryResult, error) {
		return nil, nil
	}
	s := newTestSession(t, client)
	_ = s.SetMeasures([]int{0})

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if s.Result(refID) != nil {
		t.Error("no-content answer must not produce a result")
	}
	if s.State(refID) != StateSettled {
		t.Errorf("state = %v, want settled", s.State(refID))
	}
	if s.History().Len() != 0 {
		t.Error("no-content answer must not be recorded")
	}
}

func TestSession_NewOperationSupersedesRunning(t *testing.T) {
	client := testClient(backend.TimeRange{From: 1000, To: 600000})
	started := make(chan struct{})
	var n atomic.Int32
	client.Data = func(ctx context.Context, req backend.QueryRequest) (*backend.QueryResult, error) {
		if n.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, backend.ErrCancelled
		}
		return backendtest.Series(req), nil
	}
	s := newTestSession(t, client)
	_ = s.SetMeasures([]int{0})

	first := make(chan error, 1)
	go func() { first <- s.Flush() }()
	<-started

	_ = s.SetTimeRange(backend.TimeRange{From: 5000, To: 9000})
	if err := s.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("superseded operation never returned")
	}

	all := s.History().All()
	if len(all) != 1 {
		t.Fatalf("history len = %d, want only the newer operation", len(all))
	}
	if all[0].Query.From != 5000 || all[0].OperationID != s.OperationID() {
		t.Errorf("entry = %+v", all[0])
	}
	if s.InFlight() != 0 {
		t.Errorf("in-flight = %d", s.InFlight())
	}
}

func TestSession_DeselectCancelsFetch(t *testing.T) {
	client := testClient(backend.TimeRange{From: 1000, To: 600000})
	started := make(chan struct{})
	var slowID string
	client.Data = func(ctx context.Context, req backend.QueryRequest) (*backend.QueryResult, error) {
		if req.MethodKey == slowID {
			close(started)
			<-ctx.Done()
			return nil, backend.ErrCancelled
		}
		return backendtest.Series(req), nil
	}
	s := newTestSession(t, client)
	_ = s.SetMeasures([]int{0})
	slow, _ := s.AddInstance("MinMaxCache", nil)
	slowID = slow.ID

	done := make(chan error, 1)
	go func() { done <- s.Flush() }()
	<-started

	if err := s.SetSelection([]string{refID}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("cancelled fetch must not fail the operation: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deselected fetch was not cancelled")
	}

	if s.Result(slow.ID) != nil {
		t.Error("deselected instance kept a result")
	}
	if _, ok := s.History().Get(s.OperationID(), slow.ID); ok {
		t.Error("cancelled fetch must not be recorded")
	}
	if _, ok := s.States()[slow.ID]; ok {
		t.Errorf("deselected instance still has a state: %v", s.States())
	}
	if s.Result(refID) == nil {
		t.Error("reference result missing")
	}
}

// blockingClient holds the fetch of one instance until release is closed.
func blockingClient(t *testing.T) (client *backendtest.Client, blockID *string, started, release chan struct{}) {
	t.Helper()
	client = testClient(backend.TimeRange{From: 1000, To: 600000})
	started = make(chan struct{})
	release = make(chan struct{})
	blockID = new(string)
	client.Data = func(ctx context.Context, req backend.QueryRequest) (*backend.QueryResult, error) {
		if req.MethodKey == *blockID {
			close(started)
			<-release
		}
		return backendtest.Series(req), nil
	}
	return client, blockID, started, release
}

func TestSession_DeselectBeforeTurnSkipsFetch(t *testing.T) {
	client, blockID, started, release := blockingClient(t)
	s := newTestSession(t, client)
	_ = s.SetMeasures([]int{0})
	a, _ := s.AddInstance("MinMaxCache", nil)
	b, _ := s.AddInstance("MinMaxCache", map[string]any{"aggFactor": 8.0})
	*blockID = a.ID

	done := make(chan error, 1)
	go func() { done <- s.Flush() }()
	<-started

	if err := s.SetSelection([]string{refID, a.ID}); err != nil {
		t.Fatal(err)
	}
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Flush: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("operation never finished")
	}

	if s.Result(b.ID) != nil {
		t.Error("instance deselected before its turn has a stored result")
	}
	if _, ok := s.States()[b.ID]; ok {
		t.Errorf("deselected instance has a state: %v", s.States())
	}
	for _, e := range s.History().All() {
		if e.InstanceID == b.ID {
			t.Errorf("deselected instance was recorded: %+v", e)
		}
	}
	for _, c := range client.Calls() {
		if c.Request.MethodKey == b.ID {
			t.Error("deselected instance was fetched")
		}
	}
	if s.Result(a.ID) == nil {
		t.Error("instance still selected lost its result")
	}
}

func TestSession_RemoveDuringOperation(t *testing.T) {
	client, blockID, started, release := blockingClient(t)
	s := newTestSession(t, client)
	_ = s.SetMeasures([]int{0})
	a, _ := s.AddInstance("MinMaxCache", nil)
	b, _ := s.AddInstance("MinMaxCache", map[string]any{"aggFactor": 8.0})
	*blockID = a.ID

	done := make(chan error, 1)
	go func() { done <- s.Flush() }()
	<-started

	if err := s.RemoveInstance(b.ID); err != nil {
		t.Fatal(err)
	}
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("operation never finished")
	}

	if _, ok := s.Results()[b.ID]; ok {
		t.Error("removed instance has a stored result")
	}
	if _, ok := s.History().Get(s.OperationID(), b.ID); ok {
		t.Error("removed instance was recorded")
	}
}

func TestSession_QualityScores(t *testing.T) {
	client := testClient(backend.TimeRange{From: 1000, To: 600000})
	s := newTestSession(t, client)
	_ = s.SetMeasures([]int{0, 1})
	inst, _ := s.AddInstance("MinMaxCache", nil)
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := s.EnableQuality(context.Background(), true); err != nil {
		t.Fatalf("EnableQuality: %v", err)
	}
	if len(client.Calls()) != 3 {
		t.Errorf("calls = %d, want 2 fetches plus one reference query", len(client.Calls()))
	}
	if s.Baseline() == nil {
		t.Fatal("baseline not cached")
	}

	scores, stale := s.Scores()
	if stale {
		t.Error("fresh scores marked stale")
	}
	if _, ok := scores[refID]; ok {
		t.Error("reference must not be scored")
	}
	for idx := range 2 {
		v, ok := scores.Get(inst.ID, idx)
		if !ok {
			t.Fatalf("missing score for measure index %d", idx)
		}
		if v < 0 || v > 1 {
			t.Errorf("score %v outside [0, 1]", v)
		}
	}

	_ = s.SetTimeRange(backend.TimeRange{From: 2000, To: 30000})
	if _, stale := s.Scores(); !stale {
		t.Error("scores must go stale when inputs change")
	}

	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, stale := s.Scores(); stale {
		t.Error("scores must be fresh after the operation rescored")
	}

	if err := s.EnableQuality(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if scores, _ := s.Scores(); len(scores) != 0 {
		t.Errorf("scores after disable = %v", scores)
	}
	if s.Baseline() != nil {
		t.Error("baseline must be dropped when quality is disabled")
	}
}

func TestSession_SetMeasuresByName(t *testing.T) {
	s := newTestSession(t, testClient(backend.TimeRange{From: 1000, To: 600000}))

	if err := s.SetMeasuresByName([]string{"light", "temp", "light"}); err != nil {
		t.Fatal(err)
	}
	if got := s.Measures(); len(got) != 2 || got[0] != 2 || got[1] != 0 {
		t.Errorf("measures = %v, want [2 0]", got)
	}
	if err := s.SetMeasuresByName([]string{"pressure"}); !errors.Is(err, ErrUnknownMeasure) {
		t.Errorf("err = %v, want ErrUnknownMeasure", err)
	}
}

func TestSession_InvalidInputs(t *testing.T) {
	s := newTestSession(t, testClient(backend.TimeRange{From: 1000, To: 600000}))

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unknown measure", s.SetMeasures([]int{9}), ErrUnknownMeasure},
		{"empty range", s.SetTimeRange(backend.TimeRange{From: 5, To: 5}), ErrInvalidRange},
		{"canvas inside margins", s.SetCanvas(Canvas{Width: 40, Height: 100}), ErrInvalidCanvas},
		{"unknown selection", s.SetSelection([]string{"nope"}), ErrUnknownInstance},
		{"remove unknown", s.RemoveInstance("nope"), ErrUnknownInstance},
		{"unknown method", func() error { _, err := s.AddInstance("LTTB", nil); return err }(), methods.ErrUnknownMethod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("err = %v, want %v", tt.err, tt.want)
			}
		})
	}
}

func TestSession_RemoveInstance(t *testing.T) {
	client := testClient(backend.TimeRange{From: 1000, To: 600000})
	s := newTestSession(t, client)
	_ = s.SetMeasures([]int{0})
	inst, _ := s.AddInstance("MinMaxCache", nil)
	_ = s.Flush()

	if err := s.RemoveInstance(inst.ID); err != nil {
		t.Fatal(err)
	}
	if s.Result(inst.ID) != nil {
		t.Error("removed instance kept its result")
	}
	if _, ok := s.History().Get(s.OperationID(), inst.ID); !ok {
		t.Error("history entries must survive instance removal")
	}
	for _, i := range s.Instances() {
		if i.ID == inst.ID {
			t.Error("instance still registered")
		}
	}
}

func TestSession_SetDatasetResets(t *testing.T) {
	client := testClient(backend.TimeRange{From: 1000, To: 600000})
	s := newTestSession(t, client)
	_ = s.SetMeasures([]int{0})
	_ = s.Flush()

	if err := s.SetDataset(context.Background(), "public", "other"); err != nil {
		t.Fatal(err)
	}
	if len(s.Measures()) != 0 || len(s.Results()) != 0 || len(s.States()) != 0 {
		t.Error("dataset switch must clear measures, results and states")
	}
	if _, table := s.Dataset(); table != "other" {
		t.Errorf("table = %q", table)
	}
	if s.History().Len() != 1 {
		t.Error("history must survive a dataset switch")
	}
}

func TestSession_ClearCache(t *testing.T) {
	client := testClient(backend.TimeRange{From: 1000, To: 600000})
	s := newTestSession(t, client)
	if err := s.ClearCache(context.Background()); err != nil {
		t.Fatal(err)
	}
	if client.Clears() != 1 {
		t.Errorf("clears = %d", client.Clears())
	}
}

func TestSession_Events(t *testing.T) {
	s := newTestSession(t, testClient(backend.TimeRange{From: 1000, To: 600000}))
	_ = s.SetMeasures([]int{0})

	var mu sync.Mutex
	var seen []EventType
	unsubscribe := s.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
	})
	_ = s.Flush()
	unsubscribe()
	_ = s.SetTimeRange(backend.TimeRange{From: 2000, To: 3000})
	_ = s.Flush()

	mu.Lock()
	defer mu.Unlock()
	want := []EventType{EventOperationStarted, EventState, EventState, EventResult, EventOperationFinished}
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestSession_Close(t *testing.T) {
	client := testClient(backend.TimeRange{From: 1000, To: 600000})
	s := newTestSession(t, client)
	_ = s.SetMeasures([]int{0})

	s.Close()
	s.Close()

	if s.Pending() {
		t.Error("closed session must not keep a pending operation")
	}
	if err := s.Flush(); err != nil {
		t.Errorf("Flush after Close = %v", err)
	}
	if len(client.Calls()) != 0 {
		t.Error("closed session must not fetch")
	}
}

func TestRasterRenderer(t *testing.T) {
	req := backend.QueryRequest{Measures: []int{0, 1}, From: 0, To: 1000, Width: 100}
	r := RasterRenderer{}
	if err := r.Render("x", backendtest.Series(req), []int{0, 1}, Canvas{Width: 200, Height: 100}, backend.TimeRange{From: 0, To: 1000}); err != nil {
		t.Errorf("Render: %v", err)
	}
	if err := r.Render("x", nil, nil, Canvas{Width: 200, Height: 100}, backend.TimeRange{}); err != nil {
		t.Errorf("Render with no measures: %v", err)
	}
}
