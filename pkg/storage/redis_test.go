//go:build integration

package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

// setupRedisContainer starts a Redis container for testing
func setupRedisContainer(t *testing.T) (*redis.RedisContainer, string) {
	t.Helper()

	ctx := context.Background()

	redisContainer, err := redis.Run(ctx,
		"redis:7-alpine",
		redis.WithSnapshotting(10, 1),
		redis.WithLogLevel(redis.LogLevelVerbose),
	)
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	endpoint, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}

	// Strip "redis://" prefix if present
	addr := endpoint
	if len(endpoint) > 8 && endpoint[:8] == "redis://" {
		addr = endpoint[8:]
	}

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(redisContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	return redisContainer, addr
}

func newTestRedisStore(t *testing.T, ttl time.Duration) *RedisStore {
	t.Helper()
	_, addr := setupRedisContainer(t)

	store, err := NewRedisStore(addr, "", 0, ttl)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStore_NewRedisStore_Success(t *testing.T) {
	store := newTestRedisStore(t, time.Minute)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestRedisStore_NewRedisStore_InvalidAddr(t *testing.T) {
	_, err := NewRedisStore("invalid:99999", "", 0, time.Minute)
	if err == nil {
		t.Fatal("expected error for invalid address, got nil")
	}
}

func TestRedisStore_NewRedisStore_EmptyAddr(t *testing.T) {
	_, err := NewRedisStore("", "", 0, time.Minute)
	if err == nil {
		t.Fatal("expected error for empty address, got nil")
	}
	if err.Error() != "redis address cannot be empty" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestRedisStore_NewRedisStore_InvalidDB(t *testing.T) {
	_, err := NewRedisStore("localhost:6379", "", -1, time.Minute)
	if err == nil {
		t.Fatal("expected error for negative db number, got nil")
	}
	if err.Error() != "redis database number must be >= 0" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestRedisStore_Put_Success(t *testing.T) {
	store := newTestRedisStore(t, time.Minute)

	if err := store.Put(context.Background(), baselineSnapshot("abc123", 1)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := store.client.Exists(context.Background(), "vizbench:baseline:abc123").Result()
	if err != nil {
		t.Fatalf("failed to check key existence: %v", err)
	}
	if exists != 1 {
		t.Error("expected key to exist in Redis")
	}
}

func TestRedisStore_Put_InvalidSignature(t *testing.T) {
	store := newTestRedisStore(t, time.Minute)

	tests := []struct {
		name string
		sig  string
	}{
		{"empty", ""},
		{"slash", "invalid/signature"},
		{"colon", "a:b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.Put(context.Background(), baselineSnapshot(tt.sig, 1)); err == nil {
				t.Errorf("expected error for signature %q", tt.sig)
			}
		})
	}
}

func TestRedisStore_Get_RoundTrip(t *testing.T) {
	store := newTestRedisStore(t, time.Minute)

	original := baselineSnapshot("round-trip", 7)
	original.GeneratedAt = time.Now().Truncate(time.Second)
	if err := store.Put(context.Background(), original); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, found, err := store.Get(context.Background(), "round-trip")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Fatal("expected snapshot to be found")
	}
	if !got.GeneratedAt.Equal(original.GeneratedAt) {
		t.Errorf("GeneratedAt = %v, want %v", got.GeneratedAt, original.GeneratedAt)
	}
	if len(got.Results) != 2 {
		t.Fatalf("len(Results) = %d, want 2", len(got.Results))
	}
	res := got.Results[3]
	if res == nil || len(res.Series(0)) != 2 || res.Series(0)[0].Value != 7 {
		t.Errorf("result for measure 3 = %+v", res)
	}
	if res.IOCount != 4 || res.TimeRange.To != 2000 {
		t.Errorf("result metadata lost: %+v", res)
	}
}

func TestRedisStore_Get_NotFound(t *testing.T) {
	store := newTestRedisStore(t, time.Minute)

	snapshot, found, err := store.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if found {
		t.Error("expected snapshot not to be found")
	}
	if snapshot.Signature != "" {
		t.Error("expected zero-value snapshot")
	}
}

func TestRedisStore_TTL_Expiration(t *testing.T) {
	store := newTestRedisStore(t, 2*time.Second)

	if err := store.Put(context.Background(), baselineSnapshot("ttl", 1)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, found, _ := store.Get(context.Background(), "ttl"); !found {
		t.Fatal("expected snapshot to be found immediately after Put")
	}

	time.Sleep(3 * time.Second)

	if _, found, _ := store.Get(context.Background(), "ttl"); found {
		t.Error("expected snapshot to be expired")
	}
}

func TestRedisStore_Concurrency_MultiplePuts(t *testing.T) {
	store := newTestRedisStore(t, time.Minute)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := range 10 {
				sig := fmt.Sprintf("sig-%d-%d", id, j)
				if err := store.Put(context.Background(), baselineSnapshot(sig, float64(j))); err != nil {
					t.Errorf("Put failed in goroutine %d: %v", id, err)
				}
			}
		}(i)
	}
	wg.Wait()

	for i := range 10 {
		for j := range 10 {
			sig := fmt.Sprintf("sig-%d-%d", i, j)
			if _, found, err := store.Get(context.Background(), sig); err != nil || !found {
				t.Errorf("Get(%s) = %v, %v", sig, found, err)
			}
		}
	}
}

func TestRedisStore_Close_Idempotent(t *testing.T) {
	_, addr := setupRedisContainer(t)

	store, err := NewRedisStore(addr, "", 0, time.Minute)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	for i := range 3 {
		if err := store.Close(); err != nil {
			t.Errorf("Close #%d failed: %v", i+1, err)
		}
	}
}
