package storage

import (
	"sort"
	"sync"
	"time"
)

type hotEntry struct {
	rec     Record
	version uint64
}

// hotTier is the in-process tier. Every write bumps a version so write-behind
// acknowledgements and evictions only apply to the version they saw.
type hotTier struct {
	mu      sync.RWMutex
	entries map[Key]*hotEntry
	version uint64
}

func newHotTier() *hotTier {
	return &hotTier{entries: make(map[Key]*hotEntry)}
}

// put stores r as a fresh, unarchived version and returns that version.
// ok is false when the stored record has a higher Seq; nothing changes.
func (h *hotTier) put(r Record) (v uint64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, found := h.entries[r.Key]; found && !r.Supersedes(e.rec) {
		return e.version, false
	}
	h.version++
	r.Location = Location{InHot: true}
	h.entries[r.Key] = &hotEntry{rec: r, version: h.version}
	return h.version, true
}

func (h *hotTier) get(k Key) (Record, uint64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[k]
	if !ok {
		return Record{}, 0, false
	}
	return e.rec, e.version, true
}

// markWarm records a warm acknowledgement for version v.
func (h *hotTier) markWarm(k Key, v uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[k]; ok && e.version == v {
		e.rec.Location.InWarm = true
	}
}

// evict removes k only if it is still at version v.
func (h *hotTier) evict(k Key, v uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[k]
	if !ok || e.version != v {
		return false
	}
	delete(h.entries, k)
	return true
}

// archivable lists final records last updated at or before cutoff, oldest
// first and then by key.
func (h *hotTier) archivable(cutoff time.Time) []Key {
	h.mu.RLock()
	type cand struct {
		k  Key
		at time.Time
	}
	var out []cand
	for k, e := range h.entries {
		if e.rec.Final && !e.rec.UpdatedAt.After(cutoff) {
			out = append(out, cand{k, e.rec.UpdatedAt})
		}
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].at.Equal(out[j].at) {
			return out[i].at.Before(out[j].at)
		}
		return out[i].k.String() < out[j].k.String()
	})
	keys := make([]Key, len(out))
	for i, c := range out {
		keys[i] = c.k
	}
	return keys
}

func (h *hotTier) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
