// Package history keeps the log of executed visualization queries.
//
// Entries are appended once per successful fetch and grouped by the
// operation that issued them. The only mutation after an append is the
// rendering patch: PatchRendering sets the rendering time of one
// (operation, instance) pair and recomputes its total.
package history

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/HatiCode/vizbench/pkg/backend"
)

// UnknownOperation groups entries that were appended without an operation id.
const UnknownOperation = "unknown"

// Performance holds the timings of one fetch in milliseconds.
type Performance struct {
	Total      float64 `json:"total"`
	Query      float64 `json:"query"`
	Rendering  float64 `json:"rendering"`
	Networking float64 `json:"networking"`
	IOCount    int64   `json:"ioCount"`
}

// Entry is one executed query.
type Entry struct {
	Query       backend.QueryRequest `json:"query"`
	InstanceID  string               `json:"instanceId"`
	Method      string               `json:"method"`
	Results     *backend.QueryResult `json:"results,omitempty"`
	Performance Performance          `json:"performance"`
	OperationID string               `json:"operationId"`
	Timestamp   time.Time            `json:"timestamp"`
}

func (e Entry) operation() string {
	if e.OperationID == "" {
		return UnknownOperation
	}
	return e.OperationID
}

// Sink mirrors the log somewhere else. Sink errors are logged, never
// surfaced to the caller of Append or PatchRendering.
type Sink interface {
	Append(e Entry) error
	PatchRendering(operationID, instanceID string, perf Performance) error
}

type entryKey struct {
	operationID string
	instanceID  string
}

// Store is an append-only, in-memory query log. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[entryKey]int
	sink    Sink
	now     func() time.Time
	logger  *slog.Logger
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		index:  make(map[entryKey]int),
		now:    time.Now,
		logger: logger.With("component", "history"),
	}
}

// SetSink attaches a sink that receives every later append and patch.
func (s *Store) SetSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Append adds an entry. A zero Timestamp is set to the current time.
func (s *Store) Append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}

	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.index[entryKey{e.operation(), e.InstanceID}] = len(s.entries) - 1
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		if err := sink.Append(e); err != nil {
			s.logger.Warn("history sink append failed",
				"operation_id", e.OperationID,
				"instance_id", e.InstanceID,
				"error", err,
			)
		}
	}
}

// PatchRendering sets the rendering time of the entry identified by
// (operationID, instanceID) and recomputes its total as
// query + networking + rendering. It reports whether the entry exists.
func (s *Store) PatchRendering(operationID, instanceID string, renderingMs float64) bool {
	if operationID == "" {
		operationID = UnknownOperation
	}

	s.mu.Lock()
	i, ok := s.index[entryKey{operationID, instanceID}]
	if !ok {
		s.mu.Unlock()
		return false
	}
	p := &s.entries[i].Performance
	p.Rendering = renderingMs
	p.Total = p.Query + p.Networking + renderingMs
	perf := *p
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		if err := sink.PatchRendering(operationID, instanceID, perf); err != nil {
			s.logger.Warn("history sink patch failed",
				"operation_id", operationID,
				"instance_id", instanceID,
				"error", err,
			)
		}
	}
	return true
}

// Get returns the entry for an (operation, instance) pair.
func (s *Store) Get(operationID, instanceID string) (Entry, bool) {
	if operationID == "" {
		operationID = UnknownOperation
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[entryKey{operationID, instanceID}]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// All returns a copy of the log in insertion order.
func (s *Store) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.index = make(map[entryKey]int)
}

// GroupedByOperation returns the entries keyed by operation id. Entries keep
// their insertion order inside each group.
func (s *Store) GroupedByOperation() map[string][]Entry {
	out := make(map[string][]Entry)
	for _, e := range s.All() {
		out[e.operation()] = append(out[e.operation()], e)
	}
	return out
}

// Group is the set of entries issued by one operation.
type Group struct {
	OperationID string    `json:"operationId"`
	Timestamp   time.Time `json:"timestamp"`
	Entries     []Entry   `json:"queries"`
}

// Groups returns operation groups newest first. A group's timestamp is the
// timestamp of its first entry.
func (s *Store) Groups() []Group {
	entries := s.All()

	pos := make(map[string]int)
	var groups []Group
	for _, e := range entries {
		op := e.operation()
		i, ok := pos[op]
		if !ok {
			i = len(groups)
			pos[op] = i
			groups = append(groups, Group{OperationID: op, Timestamp: e.Timestamp})
		}
		groups[i].Entries = append(groups[i].Entries, e)
	}

	// Reverse insertion order first so equal timestamps keep newest-first.
	for i, j := 0, len(groups)-1; i < j; i, j = i+1, j-1 {
		groups[i], groups[j] = groups[j], groups[i]
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Timestamp.After(groups[j].Timestamp)
	})
	return groups
}

// Latest returns the newest operation group.
func (s *Store) Latest() (Group, bool) {
	groups := s.Groups()
	if len(groups) == 0 {
		return Group{}, false
	}
	return groups[0], true
}

// Recent returns up to n newest operation groups.
func (s *Store) Recent(n int) []Group {
	groups := s.Groups()
	if n >= 0 && n < len(groups) {
		groups = groups[:n]
	}
	return groups
}
