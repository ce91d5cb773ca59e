package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps baseline snapshots in a map keyed by signature.
// It is safe for concurrent use by multiple goroutines.
//
// If TTL is configured, a background goroutine removes snapshots older than
// the TTL. Use RedisStore to share baselines between processes.
type MemoryStore struct {
	mu            sync.RWMutex
	snapshots     map[string]Snapshot
	ttl           time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopped       bool
	stopMu        sync.Mutex
}

// NewMemoryStore creates a store with no TTL. Snapshots live until deleted
// or replaced.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]Snapshot),
	}
}

// NewMemoryStoreWithTTL creates a store that drops snapshots older than ttl.
// Cleanup runs every cleanupInterval (one minute when zero). Call Stop when
// the store is no longer needed.
func NewMemoryStoreWithTTL(ttl, cleanupInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		panic("TTL must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	store := &MemoryStore{
		snapshots:     make(map[string]Snapshot),
		ttl:           ttl,
		cleanupTicker: time.NewTicker(cleanupInterval),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}

	go store.runCleanup()

	return store
}

// Stop shuts down the cleanup goroutine and waits for it. Calling Stop more
// than once, or on a store without TTL, does nothing.
func (s *MemoryStore) Stop() {
	if s.cleanupTicker == nil {
		return
	}

	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopped {
		return
	}

	close(s.stopCleanup)
	<-s.cleanupDone
	s.cleanupTicker.Stop()
	s.stopped = true
}

func (s *MemoryStore) runCleanup() {
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) expired(snapshot Snapshot, now time.Time) bool {
	return s.ttl > 0 && now.Sub(snapshot.GeneratedAt) > s.ttl
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl == 0 {
		return
	}

	now := time.Now()
	for sig, snapshot := range s.snapshots {
		if s.expired(snapshot, now) {
			delete(s.snapshots, sig)
		}
	}
}

// Put stores a snapshot under its signature, replacing any existing one.
// A zero GeneratedAt is set to the current time.
func (s *MemoryStore) Put(ctx context.Context, snapshot Snapshot) error {
	if snapshot.Signature == "" {
		return fmt.Errorf("snapshot signature cannot be empty")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if snapshot.GeneratedAt.IsZero() {
		snapshot.GeneratedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snapshot.Signature] = snapshot
	return nil
}

// Get retrieves the snapshot stored under signature. A snapshot past its TTL
// is reported as not found even before cleanup removes it.
func (s *MemoryStore) Get(ctx context.Context, signature string) (Snapshot, bool, error) {
	select {
	case <-ctx.Done():
		return Snapshot{}, false, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, found := s.snapshots[signature]
	if !found || s.expired(snapshot, time.Now()) {
		return Snapshot{}, false, nil
	}
	return snapshot, true, nil
}

// Len returns the number of snapshots currently stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// Delete removes the snapshot stored under signature and reports whether
// one existed.
func (s *MemoryStore) Delete(signature string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.snapshots[signature]
	delete(s.snapshots, signature)
	return existed
}
