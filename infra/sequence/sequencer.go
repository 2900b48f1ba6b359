package sequence

import "sync/atomic"

// Sequencer hands out the global arrival sequence. Numbers are strictly
// increasing and never reused; a rejected command does not consume one.
type Sequencer struct {
	last atomic.Uint64
}

// New creates a sequencer whose next number is last+1.
func New(last uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(last)
	return s
}

func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently issued number.
func (s *Sequencer) Last() uint64 {
	return s.last.Load()
}

// Restore moves the sequencer to v. Only used once journal replay has
// finished.
func (s *Sequencer) Restore(v uint64) {
	s.last.Store(v)
}
