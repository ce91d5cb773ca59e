package orchestrator

import (
	"maps"
	"slices"

	"github.com/HatiCode/vizbench/pkg/backend"
	"github.com/HatiCode/vizbench/pkg/history"
	"github.com/HatiCode/vizbench/pkg/methods"
	"github.com/HatiCode/vizbench/pkg/scoring"
)

// Metadata returns the loaded dataset metadata, or nil.
func (s *Session) Metadata() *backend.Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata
}

// Dataset returns the current schema and table.
func (s *Session) Dataset() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schema, s.table
}

// TimeRange returns the visible window, including any clamping applied by
// the last operation.
func (s *Session) TimeRange() backend.TimeRange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeRange
}

// Measures returns the selected measure ids in display order.
func (s *Session) Measures() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.measures)
}

// Selection returns the selected instance ids in fetch order.
func (s *Session) Selection() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.selection)
}

// Canvas returns the chart size.
func (s *Session) Canvas() Canvas {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canvas
}

// Instances returns every configured instance in creation order.
func (s *Session) Instances() []methods.Instance {
	return s.registry.List()
}

// Registry exposes the instance registry for labels and parameters.
func (s *Session) Registry() *methods.Registry {
	return s.registry
}

// History returns the query log.
func (s *Session) History() *history.Store {
	return s.history
}

// Results returns the latest result per selected instance.
func (s *Session) Results() map[string]*backend.QueryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.results)
}

// Result returns the latest result for an instance, or nil.
func (s *Session) Result(id string) *backend.QueryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.results[id]
}

// State returns the fetch state of an instance.
func (s *Session) State(id string) InstanceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[id]
}

// States returns the fetch state of every instance that has one.
func (s *Session) States() map[string]InstanceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.states)
}

// Scores returns the last computed quality scores and whether inputs have
// changed since they were computed.
func (s *Session) Scores() (scoring.Scores, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(scoring.Scores, len(s.scores))
	for id, byMeasure := range s.scores {
		out[id] = maps.Clone(byMeasure)
	}
	return out, s.scoresStale
}

// Baseline returns the cached reference baseline, or nil.
func (s *Session) Baseline() map[int]*backend.QueryResult {
	return s.baselines.Current()
}

// QualityEnabled reports whether quality scoring is on.
func (s *Session) QualityEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quality
}

// OperationID returns the id of the most recent operation.
func (s *Session) OperationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.operationID
}

// LastError returns the error of the most recent operation.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Pending reports whether an operation is scheduled.
func (s *Session) Pending() bool {
	return s.debouncer.Pending()
}

// InFlight returns the number of outstanding fetches.
func (s *Session) InFlight() int {
	return s.fetches.Outstanding()
}
