package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/glimmerhq/dashcache/pkg/session"
)

// Session-store keys. Two namespaced keys: the serialized entry map and the
// navigation metadata record.
const (
	snapshotKey = "dashcache.cache_snapshot"
	navMetaKey  = "dashcache.nav_meta"
)

// NavigationMeta records the last page transition, persisted next to the
// snapshot so a returning page instance can decide whether to honor it.
type NavigationMeta struct {
	LastNavigation time.Time `json:"last_navigation"`
	Source         string    `json:"source"`
	Preserve       bool      `json:"preserve"`
}

// snapshotFile is the serialized form of the whole memory tier.
type snapshotFile struct {
	SavedAt time.Time        `json:"saved_at"`
	Entries map[string]Entry `json:"entries"`
}

// NavigateAway is the outbound-navigation signal: the dashboard is about to
// be torn down for a detail view. It persists the snapshot and opens the
// preserve window so late Sets keep the persisted copy current.
func (m *Manager) NavigateAway(ctx context.Context, source string) {
	m.mu.Lock()
	m.preserve = true
	m.mu.Unlock()

	meta := NavigationMeta{LastNavigation: m.now(), Source: source, Preserve: true}
	if data, err := json.Marshal(meta); err == nil {
		if err := m.store.Put(ctx, navMetaKey, data); err != nil {
			m.log.Warn("navigate away: persist metadata", "error", err)
		}
	}
	m.persistSnapshot(ctx)
}

// NavigateBack is the inbound-navigation signal: a new page instance has
// started. When the persisted metadata shows a preserve window still inside
// the grace bound, the snapshot's valid entries are rehydrated into the
// memory tier and true is returned. Outside the window the stale persisted
// state is discarded and the page starts cold.
func (m *Manager) NavigateBack(ctx context.Context) bool {
	meta, ok := m.readNavMeta(ctx)
	if !ok || !meta.Preserve {
		return false
	}
	if m.now().Sub(meta.LastNavigation) > m.grace {
		m.log.Debug("navigate back: grace window expired, dropping snapshot",
			"last_navigation", meta.LastNavigation)
		m.discardPersisted(ctx)
		return false
	}
	restored := m.rehydrate(ctx)
	m.mu.Lock()
	m.preserve = true
	m.mu.Unlock()
	m.log.Debug("navigate back: snapshot honored", "entries", restored)
	return true
}

// rehydrate promotes valid snapshot entries into the memory tier. It runs
// only under an accepted NavigateBack signal, never implicitly on reads.
func (m *Manager) rehydrate(ctx context.Context) int {
	raw, ok, err := m.store.Get(ctx, snapshotKey)
	if err != nil || !ok {
		return 0
	}
	var snap snapshotFile
	if err := json.Unmarshal(raw, &snap); err != nil {
		// Corrupt snapshot bytes read as absent.
		m.log.Warn("rehydrate: corrupt snapshot, discarding", "error", err)
		m.discardPersisted(ctx)
		return 0
	}
	now := m.now()
	restored := 0
	m.mu.Lock()
	for k, e := range snap.Entries {
		if e.TTL <= 0 || now.Sub(e.StoredAt) >= e.TTL {
			continue
		}
		if _, exists := m.entries[k]; exists {
			continue
		}
		m.entries[k] = e
		restored++
	}
	m.mu.Unlock()
	return restored
}

// persistSnapshot serializes the whole memory tier to the session store.
// On quota exhaustion it sweeps expired entries and retries once; a second
// failure drops the write, because cache persistence is best-effort.
func (m *Manager) persistSnapshot(ctx context.Context) {
	data := m.marshalSnapshot()
	err := m.store.Put(ctx, snapshotKey, data)
	if err == nil {
		return
	}
	if !errors.Is(err, session.ErrQuotaExceeded) {
		m.log.Warn("persist snapshot", "error", err)
		return
	}

	m.mu.Lock()
	swept := m.sweepExpired()
	m.mu.Unlock()
	m.log.Debug("persist snapshot: quota exceeded, swept expired entries", "swept", swept)

	if err := m.store.Put(ctx, snapshotKey, m.marshalSnapshot()); err != nil {
		m.log.Warn("persist snapshot: dropped after retry", "error", err)
	}
}

func (m *Manager) marshalSnapshot() []byte {
	m.mu.Lock()
	snap := snapshotFile{SavedAt: m.now(), Entries: make(map[string]Entry, len(m.entries))}
	for k, e := range m.entries {
		snap.Entries[k] = e
	}
	m.mu.Unlock()
	data, err := json.Marshal(snap)
	if err != nil {
		return []byte(`{}`)
	}
	return data
}

func (m *Manager) readNavMeta(ctx context.Context) (NavigationMeta, bool) {
	raw, ok, err := m.store.Get(ctx, navMetaKey)
	if err != nil || !ok {
		return NavigationMeta{}, false
	}
	var meta NavigationMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return NavigationMeta{}, false
	}
	return meta, true
}

func (m *Manager) discardPersisted(ctx context.Context) {
	_ = m.store.Delete(ctx, snapshotKey)
	_ = m.store.Delete(ctx, navMetaKey)
}
