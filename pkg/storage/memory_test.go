package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HatiCode/vizbench/pkg/backend"
)

func baselineSnapshot(sig string, value float64) Snapshot {
	res := &backend.QueryResult{
		Data:      map[int][]backend.Point{0: {{Timestamp: 1000, Value: value}, {Timestamp: 2000, Value: value + 1}}},
		TimeRange: backend.TimeRange{From: 1000, To: 2000},
		QueryTime: 0.01,
		IOCount:   4,
	}
	return Snapshot{
		Signature:   sig,
		GeneratedAt: time.Now(),
		Results:     map[int]*backend.QueryResult{0: res, 3: res},
	}
}

func TestNewMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	if store == nil {
		t.Fatal("NewMemoryStore() returned nil")
	}
	if store.Len() != 0 {
		t.Errorf("New store should be empty, got %d snapshots", store.Len())
	}
}

func TestMemoryStore_Put_Get(t *testing.T) {
	tests := []struct {
		name     string
		snapshot Snapshot
		wantErr  bool
	}{
		{
			name:     "valid snapshot",
			snapshot: baselineSnapshot("abc123", 1),
		},
		{
			name:     "empty signature",
			snapshot: baselineSnapshot("", 1),
			wantErr:  true,
		},
		{
			name:     "minimal valid snapshot",
			snapshot: Snapshot{Signature: "minimal"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()

			err := store.Put(context.Background(), tt.snapshot)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Put() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			got, found, err := store.Get(context.Background(), tt.snapshot.Signature)
			if err != nil {
				t.Fatalf("Get() unexpected error = %v", err)
			}
			if !found {
				t.Fatal("Get() found = false, want true")
			}
			if got.Signature != tt.snapshot.Signature {
				t.Errorf("Signature = %q, want %q", got.Signature, tt.snapshot.Signature)
			}
			if len(got.Results) != len(tt.snapshot.Results) {
				t.Errorf("len(Results) = %d, want %d", len(got.Results), len(tt.snapshot.Results))
			}
			if got.GeneratedAt.IsZero() {
				t.Error("GeneratedAt should be set on Put")
			}
		})
	}
}

func TestMemoryStore_Get_NotFound(t *testing.T) {
	store := NewMemoryStore()

	snapshot, found, err := store.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Errorf("Get() unexpected error = %v", err)
	}
	if found {
		t.Error("Get() found = true for nonexistent signature, want false")
	}
	if snapshot.Signature != "" {
		t.Error("Get() returned non-zero snapshot for nonexistent signature")
	}
}

func TestMemoryStore_Put_Update(t *testing.T) {
	store := NewMemoryStore()

	if err := store.Put(context.Background(), baselineSnapshot("sig", 1)); err != nil {
		t.Fatalf("Put() first snapshot error = %v", err)
	}
	if err := store.Put(context.Background(), baselineSnapshot("sig", 42)); err != nil {
		t.Fatalf("Put() second snapshot error = %v", err)
	}

	got, found, err := store.Get(context.Background(), "sig")
	if err != nil || !found {
		t.Fatalf("Get() = %v, %v", found, err)
	}
	if got.Results[0].Series(0)[0].Value != 42 {
		t.Error("Get() returned old snapshot, want updated one")
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d after update, want 1", store.Len())
	}
}

func TestMemoryStore_ContextCancelled(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Put(ctx, baselineSnapshot("sig", 1)); err == nil {
		t.Error("Put() with cancelled context should fail")
	}
	if _, _, err := store.Get(ctx, "sig"); err == nil {
		t.Error("Get() with cancelled context should fail")
	}
}

func TestMemoryStore_Concurrent(t *testing.T) {
	store := NewMemoryStore()
	signatures := []string{"s1", "s2", "s3", "s4", "s5"}

	var wg sync.WaitGroup
	for _, sig := range signatures {
		wg.Add(2)
		go func(sig string) {
			defer wg.Done()
			for i := range 100 {
				if err := store.Put(context.Background(), baselineSnapshot(sig, float64(i))); err != nil {
					t.Errorf("Put(%s) error = %v", sig, err)
				}
			}
		}(sig)
		go func(sig string) {
			defer wg.Done()
			for range 100 {
				if _, _, err := store.Get(context.Background(), sig); err != nil {
					t.Errorf("Get(%s) error = %v", sig, err)
				}
			}
		}(sig)
	}
	wg.Wait()

	if store.Len() != len(signatures) {
		t.Errorf("Len() = %d after concurrent writes, want %d", store.Len(), len(signatures))
	}
	for _, sig := range signatures {
		if _, found, _ := store.Get(context.Background(), sig); !found {
			t.Errorf("Get(%s) found = false, want true", sig)
		}
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()

	if err := store.Put(context.Background(), baselineSnapshot("delete-test", 1)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !store.Delete("delete-test") {
		t.Error("Delete() returned false, want true for existing signature")
	}
	if _, found, _ := store.Get(context.Background(), "delete-test"); found {
		t.Error("Get() found = true after delete, want false")
	}
	if store.Delete("nonexistent") {
		t.Error("Delete() returned true for nonexistent signature, want false")
	}
}

func TestMemoryStore_Len(t *testing.T) {
	store := NewMemoryStore()
	for i := 1; i <= 5; i++ {
		if err := store.Put(context.Background(), Snapshot{Signature: fmt.Sprintf("sig-%d", i)}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if store.Len() != i {
			t.Errorf("Len() = %d after %d puts, want %d", store.Len(), i, i)
		}
	}
}

func TestMemoryStoreWithTTL_Expiration(t *testing.T) {
	ttl := 100 * time.Millisecond
	cleanupInterval := 50 * time.Millisecond
	store := NewMemoryStoreWithTTL(ttl, cleanupInterval)
	defer store.Stop()

	if err := store.Put(context.Background(), baselineSnapshot("ttl-test", 1)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, found, _ := store.Get(context.Background(), "ttl-test"); !found {
		t.Fatal("Snapshot should exist immediately after Put")
	}

	time.Sleep(ttl + cleanupInterval + 50*time.Millisecond)

	if _, found, _ := store.Get(context.Background(), "ttl-test"); found {
		t.Error("Snapshot should be removed after TTL expiration")
	}
	if store.Len() != 0 {
		t.Errorf("Store should be empty after cleanup, got %d snapshots", store.Len())
	}
}

func TestMemoryStoreWithTTL_ExpiredBeforeCleanup(t *testing.T) {
	store := NewMemoryStoreWithTTL(time.Minute, time.Hour)
	defer store.Stop()

	old := baselineSnapshot("stale", 1)
	old.GeneratedAt = time.Now().Add(-2 * time.Minute)
	if err := store.Put(context.Background(), old); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, found, _ := store.Get(context.Background(), "stale"); found {
		t.Error("expired snapshot must not be returned")
	}
}

func TestMemoryStore_StopIdempotent(t *testing.T) {
	store := NewMemoryStoreWithTTL(time.Minute, time.Minute)
	store.Stop()
	store.Stop()

	NewMemoryStore().Stop()
}
