// Package cache provides the durable, namespaced, TTL-expiring key/value
// store that backs catalog, classification and Q&A requests across process
// restarts. The default implementation persists to SQL (SQLite or Postgres);
// Memory keeps entries in-process and Noop disables caching entirely.
//
// All operations are non-throwing: storage failures are logged and surface
// to callers as a miss (Get) or false (Set), so the rest of the system keeps
// working in pass-through mode when storage is unavailable.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/leaf-labs/plantchat/internal/logging"
)

// Namespace is a logical partition of the store with its own default TTL.
type Namespace string

// The three cache namespaces.
const (
	Plants          Namespace = "plants"
	Classifications Namespace = "classifications"
	QA              Namespace = "qa"
)

// Namespaces lists every namespace; used for migration and sweeping.
var Namespaces = []Namespace{Plants, Classifications, QA}

// DefaultTTL returns the namespace's default entry lifetime.
func (n Namespace) DefaultTTL() time.Duration {
	switch n {
	case Plants:
		return 24 * time.Hour
	case Classifications:
		return 30 * time.Minute
	case QA:
		return time.Hour
	default:
		return time.Hour
	}
}

// Store is the durable cache interface. Implementations must treat expired
// entries as absent and must never return an error to callers.
type Store interface {
	// Get returns the value stored under (ns, key), or false when the key
	// was never written, has expired, or storage failed. An expired entry
	// found during Get is deleted.
	Get(ctx context.Context, ns Namespace, key string) (json.RawMessage, bool)

	// Set stores value under (ns, key) expiring after ttl, or after the
	// namespace default when ttl <= 0. Overwrites any existing entry.
	// Returns false when the write could not be persisted.
	Set(ctx context.Context, ns Namespace, key string, value json.RawMessage, ttl time.Duration) bool

	// Sweep deletes every expired entry in every namespace and returns the
	// number deleted. Safe to call repeatedly and concurrently with Get/Set.
	Sweep(ctx context.Context) int

	// Close releases underlying resources.
	Close() error
}

// Open creates the store described by driver ("sqlite", "postgres", "memory"
// or "none") and dsn. Storage that cannot be opened is not an error: Open
// degrades to the always-miss Noop store so callers never have to branch.
func Open(driver, dsn string) Store {
	switch driver {
	case "", "none":
		return Noop{}
	case "memory":
		return NewMemory()
	case "sqlite", "postgres":
		s, err := NewSQLStore(driver, dsn)
		if err != nil {
			logging.Logger.Warn("cache storage unavailable, running without cache",
				"driver", driver, "error", err.Error())
			return Noop{}
		}
		return s
	default:
		logging.Logger.Warn("unknown cache driver, running without cache", "driver", driver)
		return Noop{}
	}
}
