// Package cache implements the two-tier cache manager behind every dataset
// fetcher: a mutex-guarded in-process map for the current page lifetime,
// backed by a serialized snapshot in the session store so fetched results
// survive navigation within one browsing session.
//
// The cache is a performance optimization, never a correctness dependency:
// Get can report a miss at any time and every storage failure degrades to
// "no cache" after one eviction-and-retry attempt.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/glimmerhq/dashcache/pkg/interval"
	"github.com/glimmerhq/dashcache/pkg/session"
)

// TTL defaults. Composite datasets (a custom range assembled day-by-day) are
// costlier to build and go stale faster, so they get the shorter default.
const (
	DefaultTTL   = 20 * time.Minute
	CompositeTTL = 5 * time.Minute
)

// DefaultGraceWindow bounds how long after navigating away a returning page
// may still rehydrate the persisted snapshot.
const DefaultGraceWindow = 5 * time.Second

// Entry is one cached dataset payload. Entries are superseded by new entries
// on refetch, never mutated in place.
type Entry struct {
	Data     json.RawMessage   `json:"data"`
	StoredAt time.Time         `json:"stored_at"`
	TTL      time.Duration     `json:"ttl"`
	Interval interval.Interval `json:"interval"`
}

// Valid reports whether the entry still answers a query for iv at time now.
func (e Entry) Valid(now time.Time, iv interval.Interval) bool {
	if e.TTL <= 0 || now.Sub(e.StoredAt) >= e.TTL {
		return false
	}
	return e.Interval.Equal(iv, interval.EqualTolerance)
}

// Manager owns the in-process entry map and the session-store snapshot.
// All methods are safe for concurrent use; no lock is held across store I/O
// on the read path.
type Manager struct {
	mu      sync.Mutex
	entries map[string]Entry

	store      session.Store
	defaultTTL time.Duration
	grace      time.Duration
	now        func() time.Time
	log        *slog.Logger

	// preserve is true inside a navigation-preserve window: between a
	// navigate-away signal and either a grace-window expiry or a force clear.
	// While set, every Set also serializes the full map to the session store.
	preserve bool
}

// Option configures the Manager at construction time.
type Option func(*Manager)

// WithDefaultTTL overrides the TTL applied when Set is called without one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

// WithGraceWindow overrides the navigation grace window.
func WithGraceWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log.With("component", "cache")
		}
	}
}

// NewManager constructs a Manager over the given session store.
func NewManager(store session.Store, opts ...Option) *Manager {
	m := &Manager{
		entries:    map[string]Entry{},
		store:      store,
		defaultTTL: DefaultTTL,
		grace:      DefaultGraceWindow,
		now:        time.Now,
		log:        slog.Default().With("component", "cache"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the cached payload for key if a valid entry exists.
// It never returns an error: misses, expiry, and storage trouble all read as
// a plain miss.
func (m *Manager) Get(ctx context.Context, key string, iv interval.Interval) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.Valid(m.now(), iv) {
		delete(m.entries, key)
		return nil, false
	}
	return e.Data, true
}

// Has reports whether Get would hit for key and iv.
func (m *Manager) Has(ctx context.Context, key string, iv interval.Interval) bool {
	_, ok := m.Get(ctx, key, iv)
	return ok
}

// Set stores data under key. ttl overrides the manager default when given.
// Inside a preserve window the whole map is also serialized to the session
// store so the entry survives the upcoming page teardown.
func (m *Manager) Set(ctx context.Context, key string, iv interval.Interval, data json.RawMessage, ttl ...time.Duration) {
	entryTTL := m.defaultTTL
	if len(ttl) > 0 && ttl[0] > 0 {
		entryTTL = ttl[0]
	}
	m.mu.Lock()
	m.entries[key] = Entry{
		Data:     data,
		StoredAt: m.now(),
		TTL:      entryTTL,
		Interval: iv.Normalize(),
	}
	persist := m.preserve
	m.mu.Unlock()

	if persist {
		m.persistSnapshot(ctx)
	}
}

// Clear removes the given keys from the memory tier. With no keys it clears
// the whole memory tier but leaves persisted state alone; use ForceClear to
// drop everything including the snapshot and navigation metadata.
func (m *Manager) Clear(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(keys) == 0 {
		m.entries = map[string]Entry{}
		return
	}
	for _, k := range keys {
		delete(m.entries, k)
	}
}

// ForceClear empties both tiers and closes any preserve window.
func (m *Manager) ForceClear(ctx context.Context) {
	m.mu.Lock()
	m.entries = map[string]Entry{}
	m.preserve = false
	m.mu.Unlock()

	if err := m.store.Delete(ctx, snapshotKey); err != nil {
		m.log.Warn("force clear: delete snapshot", "error", err)
	}
	if err := m.store.Delete(ctx, navMetaKey); err != nil {
		m.log.Warn("force clear: delete nav metadata", "error", err)
	}
}

// sweepExpired drops every expired entry from the memory tier and returns how
// many were removed. Caller must hold mu.
func (m *Manager) sweepExpired() int {
	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if e.TTL <= 0 || now.Sub(e.StoredAt) >= e.TTL {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of entries in the memory tier.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
