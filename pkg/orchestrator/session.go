// Package orchestrator drives a benchmarking session: it turns input changes
// into debounced operations, fetches every selected method instance in
// selection order, records each fetch in the query history and keeps the
// quality scores against the reference instance up to date.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/HatiCode/vizbench/pkg/backend"
	"github.com/HatiCode/vizbench/pkg/baseline"
	"github.com/HatiCode/vizbench/pkg/fetch"
	"github.com/HatiCode/vizbench/pkg/history"
	"github.com/HatiCode/vizbench/pkg/methods"
	"github.com/HatiCode/vizbench/pkg/scoring"
)

var (
	ErrUnknownInstance = methods.ErrUnknownInstance
	ErrNoMetadata      = errors.New("dataset metadata not loaded")
	ErrUnknownMeasure  = errors.New("unknown measure")
	ErrInvalidRange    = errors.New("invalid time range")
	ErrInvalidCanvas   = errors.New("invalid canvas")
	ErrClosed          = errors.New("session closed")
)

// DefaultInitialRange is the visible window selected after a dataset loads.
const DefaultInitialRange = time.Minute

// Canvas is the pixel size of the chart area shared by every instance.
type Canvas struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Config holds the static settings of a session.
type Config struct {
	Datasource      string
	Schema          string
	Table           string
	Canvas          Canvas
	Debounce        time.Duration
	InitialRange    time.Duration
	ReferenceMethod string
	ScaleMode       scoring.ScaleMode
}

// Metrics receives session measurements. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RecordFetch(instanceID, outcome string, d time.Duration)
	RecordRendering(instanceID string, d time.Duration)
	RecordOperation(d time.Duration, failed int)
	RecordScore(instanceID string, measureIndex int, v float64)
	SetHistorySize(n int)
}

// Renderer draws one instance's result. The session times each call and
// reports the duration as the entry's rendering time.
type Renderer interface {
	Render(instanceID string, res *backend.QueryResult, measures []int, canvas Canvas, tr backend.TimeRange) error
}

// Session is one benchmarking session. It is safe for concurrent use.
type Session struct {
	cfg       Config
	margins   scoring.Margins
	client    backend.Client
	registry  *methods.Registry
	history   *history.Store
	fetches   *fetch.Controller
	baselines *baseline.Manager
	scorer    *scoring.Scorer
	renderer  Renderer
	metrics   Metrics
	logger    *slog.Logger
	debouncer *Debouncer

	ctx    context.Context
	cancel context.CancelFunc
	opMu   sync.Mutex

	mu          sync.RWMutex
	schema      string
	table       string
	metadata    *backend.Metadata
	timeRange   backend.TimeRange
	measures    []int
	selection   []string
	canvas      Canvas
	results     map[string]*backend.QueryResult
	states      map[string]InstanceState
	scores      scoring.Scores
	scoresStale bool
	version     uint64
	quality     bool
	operationID string
	opSeq       uint64
	opCancel    context.CancelFunc
	lastErr     error
	subscribers map[int]func(Event)
	nextSub     int
	closed      bool
}

// NewSession creates a session. baselines may be nil, in which case an
// unpersisted manager over client is used.
func NewSession(cfg Config, client backend.Client, baselines *baseline.Manager, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReferenceMethod == "" {
		cfg.ReferenceMethod = methods.DefaultReferenceMethod
	}
	if cfg.InitialRange <= 0 {
		cfg.InitialRange = DefaultInitialRange
	}
	if baselines == nil {
		baselines = baseline.NewManager(client, nil, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:         cfg,
		margins:     scoring.DefaultMargins,
		client:      client,
		registry:    methods.NewRegistry(nil),
		history:     history.NewStore(logger),
		fetches:     fetch.NewController(logger),
		baselines:   baselines,
		scorer:      scoring.NewScorer(cfg.ScaleMode),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		canvas:      cfg.Canvas,
		results:     make(map[string]*backend.QueryResult),
		states:      make(map[string]InstanceState),
		subscribers: make(map[int]func(Event)),
	}
	s.renderer = RasterRenderer{Margins: s.margins}
	s.debouncer = NewDebouncer(cfg.Debounce, s.fire)
	return s
}

// SetRenderer replaces the renderer used after each operation.
func (s *Session) SetRenderer(r Renderer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renderer = r
}

// SetMetrics attaches a metrics sink.
func (s *Session) SetMetrics(m Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Init loads the method catalog, creates and selects the reference instance
// and, when the config names a dataset, loads its metadata.
func (s *Session) Init(ctx context.Context) error {
	catalog, err := s.client.GetMethodConfigurations(ctx)
	if err != nil {
		return fmt.Errorf("loading method catalog: %w", err)
	}
	s.registry.SetCatalog(catalog)

	ref := s.registry.AddReference(s.cfg.ReferenceMethod)
	s.mu.Lock()
	if !slices.Contains(s.selection, ref.ID) {
		s.selection = append(s.selection, ref.ID)
	}
	s.mu.Unlock()

	s.logger.Info("session initialized",
		"backend", s.client.Name(),
		"methods", len(catalog),
		"reference", ref.ID,
	)

	if s.cfg.Schema != "" && s.cfg.Table != "" {
		return s.SetDataset(ctx, s.cfg.Schema, s.cfg.Table)
	}
	return nil
}

// SetDataset switches to schema.table: metadata is reloaded, the measure
// set and all results are cleared and the visible range is reset to the
// start of the dataset.
func (s *Session) SetDataset(ctx context.Context, schema, table string) error {
	meta, err := s.client.GetMetadata(ctx, s.cfg.Datasource, schema, table)
	if err != nil {
		return fmt.Errorf("loading metadata for %s.%s: %w", schema, table, err)
	}
	if meta == nil {
		return fmt.Errorf("%w: %s.%s", ErrNoMetadata, schema, table)
	}

	from := meta.TimeRange.From
	to := min(from+s.cfg.InitialRange.Milliseconds(), meta.TimeRange.To)
	tr := backend.TimeRange{From: from, To: to}

	s.fetches.CancelAll()
	s.baselines.Invalidate()

	s.mu.Lock()
	if s.opCancel != nil {
		s.opCancel()
	}
	s.schema, s.table = schema, table
	s.metadata = meta
	s.measures = nil
	s.results = make(map[string]*backend.QueryResult)
	s.states = make(map[string]InstanceState)
	s.scores = nil
	s.scoresStale = false
	s.timeRange = tr
	s.version++
	s.mu.Unlock()

	s.logger.Info("dataset loaded",
		"schema", schema,
		"table", table,
		"measures", len(meta.Measures),
		"from", meta.TimeRange.From,
		"to", meta.TimeRange.To,
	)
	s.publish(Event{Type: EventTimeRange, Data: tr})
	return nil
}

// SetTimeRange changes the visible window and schedules an operation.
func (s *Session) SetTimeRange(tr backend.TimeRange) error {
	if !tr.Valid() {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, tr.From, tr.To)
	}
	s.mu.Lock()
	s.timeRange = tr
	s.markChangedLocked()
	s.mu.Unlock()

	s.debouncer.Trigger()
	return nil
}

// SetMeasures selects the measures to fetch, in display order. A change of
// the measure set invalidates the reference baseline.
func (s *Session) SetMeasures(ids []int) error {
	s.mu.Lock()
	if s.metadata == nil {
		s.mu.Unlock()
		return ErrNoMetadata
	}
	known := make(map[int]bool, len(s.metadata.Measures))
	for _, m := range s.metadata.Measures {
		known[m.ID] = true
	}
	var next []int
	for _, id := range ids {
		if !known[id] {
			s.mu.Unlock()
			return fmt.Errorf("%w: %d", ErrUnknownMeasure, id)
		}
		if !slices.Contains(next, id) {
			next = append(next, id)
		}
	}
	changed := !slices.Equal(s.measures, next)
	s.measures = next
	s.markChangedLocked()
	s.mu.Unlock()

	if changed {
		s.baselines.Invalidate()
	}
	s.debouncer.Trigger()
	return nil
}

// SetMeasuresByName is SetMeasures with measure names.
func (s *Session) SetMeasuresByName(names []string) error {
	meta := s.Metadata()
	if meta == nil {
		return ErrNoMetadata
	}
	ids := make([]int, 0, len(names))
	for _, name := range names {
		m, ok := meta.MeasureByName(name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownMeasure, name)
		}
		ids = append(ids, m.ID)
	}
	return s.SetMeasures(ids)
}

// SetSelection sets the instances to fetch, in fetch order. Deselected
// instances have their in-flight fetch cancelled and their result dropped;
// their history entries are kept.
func (s *Session) SetSelection(ids []string) error {
	var next []string
	for _, id := range ids {
		if _, ok := s.registry.Get(id); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
		}
		if !slices.Contains(next, id) {
			next = append(next, id)
		}
	}

	s.mu.Lock()
	var removed []string
	for _, id := range s.selection {
		if !slices.Contains(next, id) {
			removed = append(removed, id)
		}
	}
	s.selection = next
	s.markChangedLocked()
	s.mu.Unlock()

	s.drop(removed)
	s.debouncer.Trigger()
	return nil
}

// drop cancels fetches and clears results of instances that left the selection.
func (s *Session) drop(ids []string) {
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if s.fetches.Cancel(id) {
			s.logger.Debug("cancelled fetch of deselected instance", "instance_id", id)
		}
	}
	s.mu.Lock()
	for _, id := range ids {
		delete(s.results, id)
		delete(s.states, id)
		delete(s.scores, id)
	}
	s.mu.Unlock()
}

// SetCanvas changes the chart size and schedules an operation.
func (s *Session) SetCanvas(c Canvas) error {
	if c.Width <= s.margins.Left+s.margins.Right || c.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidCanvas, c.Width, c.Height)
	}
	s.mu.Lock()
	s.canvas = c
	s.markChangedLocked()
	s.mu.Unlock()

	s.debouncer.Trigger()
	return nil
}

// SetQueryParams merges query parameters for an instance and schedules an
// operation.
func (s *Session) SetQueryParams(id string, params map[string]any) error {
	if err := s.registry.SetQueryParams(id, params); err != nil {
		return err
	}
	s.mu.Lock()
	s.markChangedLocked()
	s.mu.Unlock()

	s.debouncer.Trigger()
	return nil
}

// AddInstance creates a method instance, appends it to the selection and
// schedules an operation.
func (s *Session) AddInstance(method string, initParams map[string]any) (methods.Instance, error) {
	inst, err := s.registry.Add(method, initParams)
	if err != nil {
		return methods.Instance{}, err
	}
	s.mu.Lock()
	s.selection = append(s.selection, inst.ID)
	s.markChangedLocked()
	s.mu.Unlock()

	s.logger.Info("instance added", "instance_id", inst.ID, "method", method)
	s.debouncer.Trigger()
	return inst, nil
}

// RemoveInstance deletes an instance. Removing a selected instance cancels
// its fetch and schedules an operation.
func (s *Session) RemoveInstance(id string) error {
	if _, ok := s.registry.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, id)
	}
	wasReference := s.registry.IsReference(id)

	s.mu.Lock()
	selected := slices.Contains(s.selection, id)
	s.selection = slices.DeleteFunc(s.selection, func(v string) bool { return v == id })
	s.markChangedLocked()
	s.mu.Unlock()

	s.drop([]string{id})
	s.registry.Remove(id)
	if wasReference {
		s.baselines.Invalidate()
	}

	s.logger.Info("instance removed", "instance_id", id)
	if selected {
		s.debouncer.Trigger()
	}
	return nil
}

// EnableQuality turns quality scoring on or off. Enabling fetches the
// reference baseline if needed and scores the current results. Disabling
// drops the baseline and all scores.
func (s *Session) EnableQuality(ctx context.Context, on bool) error {
	s.mu.Lock()
	s.quality = on
	if !on {
		s.scores = nil
		s.scoresStale = false
	}
	s.mu.Unlock()

	if !on {
		s.baselines.Invalidate()
		s.publish(Event{Type: EventScores, Data: scoring.Scores{}})
		return nil
	}
	return s.refreshQuality(ctx)
}

// ClearCache asks the backend to drop its cache for the session's datasource.
func (s *Session) ClearCache(ctx context.Context) error {
	if err := s.client.ClearCache(ctx, s.cfg.Datasource); err != nil {
		return fmt.Errorf("clearing backend cache: %w", err)
	}
	s.logger.Info("backend cache cleared", "datasource", s.cfg.Datasource)
	return nil
}

// Flush runs a pending operation immediately and returns its error. With no
// operation pending it waits for the one already started, if any, and
// returns that operation's error.
func (s *Session) Flush() error {
	_, err := s.debouncer.Flush()
	return err
}

// ReportRendering patches the rendering time of each instance's entry in
// operation opID and returns the number of entries patched.
func (s *Session) ReportRendering(opID string, durations map[string]time.Duration) int {
	m := s.metricsSink()
	n := 0
	for id, d := range durations {
		if s.history.PatchRendering(opID, id, durationMs(d)) {
			n++
		}
		if m != nil {
			m.RecordRendering(id, d)
		}
	}
	return n
}

// Subscribe registers fn for every later event and returns a function that
// removes it. fn is called synchronously and must not block.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// Close stops the debouncer and cancels every outstanding fetch.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.debouncer.Stop()
	s.cancel()
	n := s.fetches.CancelAll()
	s.baselines.Close()
	s.logger.Info("session closed", "cancelled_fetches", n)
}

// fire starts an operation, superseding the one in progress.
func (s *Session) fire() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.opCancel != nil {
		s.opCancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.opSeq++
	seq := s.opSeq
	s.opCancel = cancel
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	err := s.runOperation(ctx)
	cancel()

	s.mu.Lock()
	if s.opSeq == seq {
		s.opCancel = nil
	}
	s.lastErr = err
	s.mu.Unlock()
	return err
}

// markChangedLocked records that results or inputs moved since scores were
// last computed.
func (s *Session) markChangedLocked() {
	s.version++
	if s.scores != nil {
		s.scoresStale = true
	}
}

// setState records the fetch state of a selected instance. States of
// instances outside the selection are not recorded.
func (s *Session) setState(id string, st InstanceState) {
	s.mu.Lock()
	if !slices.Contains(s.selection, id) {
		s.mu.Unlock()
		return
	}
	s.states[id] = st
	s.mu.Unlock()
	s.publish(Event{Type: EventState, InstanceID: id, Data: st})
}

func (s *Session) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.mu.RLock()
	subs := slices.Collect(maps.Values(s.subscribers))
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}

func (s *Session) selected(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.selection, id)
}

func (s *Session) metricsSink() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
