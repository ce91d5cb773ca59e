// Package baseline fetches and caches the reference rendering that method
// instances are scored against.
//
// A baseline is fetched with a single backend query for every measure and
// cached under a signature of the request. At most one reference fetch is in
// flight: a new request cancels the previous one.
package baseline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/HatiCode/vizbench/pkg/backend"
	"github.com/HatiCode/vizbench/pkg/fetch"
	"github.com/HatiCode/vizbench/pkg/storage"
)

const fetchKey = "reference"

// Baseline maps a measure id to the reference result for that measure.
type Baseline map[int]*backend.QueryResult

// Request describes the reference fetch for the current view.
type Request struct {
	Datasource string
	// InstanceID is the reference instance id, sent as the method key.
	InstanceID string
	InitParams map[string]any
	Params     map[string]any
	Schema     string
	Table      string
	From       int64
	To         int64
	Measures   []int
	Width      int
	Height     int
}

// Signature identifies the data a request would return. Two requests with
// the same signature share a baseline.
func (r Request) Signature() string {
	measures := slices.Clone(r.Measures)
	slices.Sort(measures)
	ids := make([]string, len(measures))
	for i, m := range measures {
		ids[i] = strconv.Itoa(m)
	}

	raw := strings.Join([]string{
		r.Datasource, r.InstanceID, r.Schema, r.Table,
		strconv.FormatInt(r.From, 10), strconv.FormatInt(r.To, 10),
		strings.Join(ids, ","),
		strconv.Itoa(r.Width), strconv.Itoa(r.Height),
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:16])
}

func (r Request) query() backend.QueryRequest {
	return backend.QueryRequest{
		MethodKey:  r.InstanceID,
		InitParams: r.InitParams,
		Measures:   slices.Clone(r.Measures),
		From:       r.From,
		To:         r.To,
		Width:      r.Width,
		Height:     r.Height,
		Schema:     r.Schema,
		Table:      r.Table,
		Params:     r.Params,
	}
}

// Manager owns the cached baseline. It is safe for concurrent use.
type Manager struct {
	client  backend.Client
	store   storage.Store
	fetches *fetch.Controller
	logger  *slog.Logger

	mu        sync.RWMutex
	signature string
	current   Baseline
}

// NewManager creates a manager. store may be nil to keep baselines in the
// manager only.
func NewManager(client backend.Client, store storage.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "baseline")
	return &Manager{
		client:  client,
		store:   store,
		fetches: fetch.NewController(logger),
		logger:  logger,
	}
}

// Ensure returns the baseline for req, fetching it when the cached one was
// built for a different signature. A fetch that is cancelled or superseded
// returns a nil baseline and a nil error. A backend answer with no content
// also yields a nil baseline and is not cached.
func (m *Manager) Ensure(ctx context.Context, req Request) (Baseline, error) {
	sig := req.Signature()

	m.mu.RLock()
	if m.current != nil && m.signature == sig {
		b := m.current
		m.mu.RUnlock()
		return b, nil
	}
	m.mu.RUnlock()

	if b, ok := m.load(ctx, sig); ok {
		m.install(sig, b)
		return b, nil
	}

	start := time.Now()
	b, ok, err := fetch.Run(m.fetches, ctx, fetchKey,
		func(ctx context.Context) (Baseline, error) {
			res, err := m.client.GetData(ctx, req.Datasource, req.query())
			if err != nil {
				return nil, fmt.Errorf("fetching reference %s: %w", req.InstanceID, err)
			}
			if res == nil {
				return nil, nil
			}
			b := make(Baseline, len(req.Measures))
			for _, id := range req.Measures {
				b[id] = res
			}
			return b, nil
		},
		func(b Baseline) {
			if b != nil {
				m.install(sig, b)
			}
		},
	)
	if err != nil {
		return nil, err
	}
	if !ok || b == nil {
		return nil, nil
	}

	m.logger.Debug("reference baseline fetched",
		"signature", sig,
		"measures", len(b),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	m.save(ctx, sig, b)
	return b, nil
}

// Current returns the cached baseline, or nil.
func (m *Manager) Current() Baseline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Invalidate cancels any in-flight reference fetch and drops the cache.
// Persisted snapshots are kept; they are keyed by signature.
func (m *Manager) Invalidate() {
	m.fetches.Cancel(fetchKey)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	m.signature = ""
}

// InFlight reports whether a reference fetch is outstanding.
func (m *Manager) InFlight() bool {
	return m.fetches.InFlight(fetchKey)
}

// Close cancels any in-flight reference fetch.
func (m *Manager) Close() {
	m.fetches.CancelAll()
}

func (m *Manager) install(sig string, b Baseline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signature = sig
	m.current = b
}

func (m *Manager) load(ctx context.Context, sig string) (Baseline, bool) {
	if m.store == nil {
		return nil, false
	}
	snap, found, err := m.store.Get(ctx, sig)
	if err != nil {
		m.logger.Warn("failed to load stored baseline", "signature", sig, "error", err)
		return nil, false
	}
	if !found || len(snap.Results) == 0 {
		return nil, false
	}
	m.logger.Debug("reference baseline loaded from store", "signature", sig)
	return Baseline(snap.Results), true
}

func (m *Manager) save(ctx context.Context, sig string, b Baseline) {
	if m.store == nil {
		return
	}
	snap := storage.Snapshot{
		Signature:   sig,
		GeneratedAt: time.Now(),
		Results:     b,
	}
	if err := m.store.Put(ctx, snap); err != nil {
		m.logger.Warn("failed to store baseline", "signature", sig, "error", err)
	}
}
