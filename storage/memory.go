package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/cockroachdb/errors"

	"perpcore/staticerr"
)

// ContentAddress is the cold-tier address of data: its hex SHA-256.
func ContentAddress(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// failSwitch lets tests and the unreachable backends fail every call.
type failSwitch struct {
	mu  sync.Mutex
	err error
}

// Fail makes every later call return err until Fail(nil).
func (f *failSwitch) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *failSwitch) failing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// MemoryWarm is an in-process Warm used by the "memory" backend and tests.
type MemoryWarm struct {
	failSwitch
	mu   sync.RWMutex
	recs map[Key]Record
}

func NewMemoryWarm() *MemoryWarm {
	return &MemoryWarm{recs: make(map[Key]Record)}
}

func (m *MemoryWarm) Put(_ context.Context, r Record) error {
	if err := m.failing(); err != nil {
		return err
	}
	r.Location.InHot = false
	r.Location.InWarm = true
	if r.Location.ColdAddress != "" {
		r.Payload = nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.recs[r.Key]; ok {
		if !r.Supersedes(old) {
			return nil
		}
		if r.Location.ColdAddress == "" && old.Location.ColdAddress != "" {
			r.Location.ColdAddress = old.Location.ColdAddress
		}
	}
	m.recs[r.Key] = r
	return nil
}

func (m *MemoryWarm) Get(_ context.Context, k Key) (Record, error) {
	if err := m.failing(); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recs[k]
	if !ok {
		return Record{}, errors.Wrapf(staticerr.ErrRecordNotFound, "warm %s", k)
	}
	return r, nil
}

func (m *MemoryWarm) Ping(context.Context) error { return m.failing() }
func (m *MemoryWarm) Close() error               { return nil }

func (m *MemoryWarm) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recs)
}

// MemoryCold is an in-process Cold.
type MemoryCold struct {
	failSwitch
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryCold() *MemoryCold {
	return &MemoryCold{blobs: make(map[string][]byte)}
}

func (m *MemoryCold) Put(_ context.Context, data []byte) (string, error) {
	if err := m.failing(); err != nil {
		return "", err
	}
	addr := ContentAddress(data)
	m.mu.Lock()
	m.blobs[addr] = append([]byte(nil), data...)
	m.mu.Unlock()
	return addr, nil
}

func (m *MemoryCold) Get(_ context.Context, addr string) ([]byte, error) {
	if err := m.failing(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[addr]
	if !ok {
		return nil, errors.Wrapf(staticerr.ErrRecordNotFound, "cold %s", addr)
	}
	return append([]byte(nil), b...), nil
}

func (m *MemoryCold) Ping(context.Context) error { return m.failing() }
func (m *MemoryCold) Close() error               { return nil }

// unreachable stands in for a backend that could not be opened.
type unreachable struct{ err error }

func (u unreachable) Ping(context.Context) error { return u.err }
func (u unreachable) Close() error               { return nil }

type unreachableWarm struct{ unreachable }

func (u unreachableWarm) Put(context.Context, Record) error        { return u.err }
func (u unreachableWarm) Get(context.Context, Key) (Record, error) { return Record{}, u.err }

type unreachableCold struct{ unreachable }

func (u unreachableCold) Put(context.Context, []byte) (string, error) { return "", u.err }
func (u unreachableCold) Get(context.Context, string) ([]byte, error) { return nil, u.err }

// UnreachableWarm fails every call with cause marked as a tier outage.
func UnreachableWarm(cause error) Warm {
	return unreachableWarm{unreachable{staticerr.Mark(cause, staticerr.ErrTierUnavailable)}}
}

func UnreachableCold(cause error) Cold {
	return unreachableCold{unreachable{staticerr.Mark(cause, staticerr.ErrTierUnavailable)}}
}
