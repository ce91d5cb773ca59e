// Package storage persists reference baselines so a session can reuse them
// across quality toggles and restarts.
package storage

import (
	"context"
	"time"

	"github.com/HatiCode/vizbench/pkg/backend"
)

// Snapshot is a reference baseline stored under its request signature.
type Snapshot struct {
	Signature   string
	GeneratedAt time.Time

	// Results maps a measure id to the reference result for that measure.
	Results map[int]*backend.QueryResult
}

type Store interface {
	Put(ctx context.Context, snapshot Snapshot) error
	Get(ctx context.Context, signature string) (Snapshot, bool, error)
}
