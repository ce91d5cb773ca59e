package store

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/HatiCode/vizbench/cmd/vizbench/config"
	"github.com/HatiCode/vizbench/pkg/storage"
)

func TestNew_Memory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(&config.Config{Storage: "memory", RedisTTL: time.Minute}, logger)
	if err != nil {
		t.Fatal(err)
	}
	mem, ok := s.(*storage.MemoryStore)
	if !ok {
		t.Fatalf("store = %T, want *storage.MemoryStore", s)
	}
	mem.Stop()
}

func TestNew_Unknown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := New(&config.Config{Storage: "badger"}, logger); err == nil {
		t.Error("expected error for unknown storage")
	}
}
