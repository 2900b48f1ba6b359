// Package pairlock serializes mutations per trading pair. Matching and the
// risk sweeps take the same lock, so a liquidation can never interleave with
// a fill on the same market. Different pairs never contend.
package pairlock

import "sync"

type Locks struct {
	mu    sync.Mutex
	pairs map[string]*sync.Mutex
}

func New() *Locks {
	return &Locks{pairs: make(map[string]*sync.Mutex)}
}

func (l *Locks) get(pair string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.pairs[pair]
	if !ok {
		m = &sync.Mutex{}
		l.pairs[pair] = m
	}
	return m
}

// Lock acquires the pair's lock and returns its release.
func (l *Locks) Lock(pair string) (unlock func()) {
	m := l.get(pair)
	m.Lock()
	return m.Unlock
}
