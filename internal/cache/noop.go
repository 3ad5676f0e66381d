package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Noop is the degraded store used when persistent storage is unavailable:
// every Get misses, every Set reports false, Sweep deletes nothing. The rest
// of the system runs in pure pass-through (always-miss) mode.
type Noop struct{}

// Get always reports absent.
func (Noop) Get(context.Context, Namespace, string) (json.RawMessage, bool) { return nil, false }

// Set always reports the write as not persisted.
func (Noop) Set(context.Context, Namespace, string, json.RawMessage, time.Duration) bool {
	return false
}

// Sweep has nothing to delete.
func (Noop) Sweep(context.Context) int { return 0 }

// Close implements Store.
func (Noop) Close() error { return nil }
