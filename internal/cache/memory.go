package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memoryEntry struct {
	value     json.RawMessage
	expiresAt time.Time
}

// Memory is a thread-safe in-process Store with lazy TTL expiration.
// It does not survive restarts; intended for tests and cache-light runs.
type Memory struct {
	mu    sync.Mutex
	items map[Namespace]map[string]memoryEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	items := make(map[Namespace]map[string]memoryEntry, len(Namespaces))
	for _, ns := range Namespaces {
		items[ns] = make(map[string]memoryEntry)
	}
	return &Memory{items: items}
}

// Get returns the value under (ns, key), deleting and missing on expiry.
func (m *Memory) Get(_ context.Context, ns Namespace, key string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.items[ns][key]
	if !ok {
		return nil, false
	}
	if !time.Now().Before(entry.expiresAt) {
		delete(m.items[ns], key)
		return nil, false
	}
	return entry.value, true
}

// Set stores value under (ns, key) with the given or default TTL.
func (m *Memory) Set(_ context.Context, ns Namespace, key string, value json.RawMessage, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = ns.DefaultTTL()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[ns]; !ok {
		m.items[ns] = make(map[string]memoryEntry)
	}
	m.items[ns][key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return true
}

// Sweep removes all expired entries.
func (m *Memory) Sweep(_ context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	deleted := 0
	for _, entries := range m.items {
		for key, entry := range entries {
			if !now.Before(entry.expiresAt) {
				delete(entries, key)
				deleted++
			}
		}
	}
	return deleted
}

// Len returns the number of live entries in a namespace.
func (m *Memory) Len(ns Namespace) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	n := 0
	for _, entry := range m.items[ns] {
		if now.Before(entry.expiresAt) {
			n++
		}
	}
	return n
}

// Close implements Store; a Memory store holds no external resources.
func (m *Memory) Close() error {
	return nil
}
