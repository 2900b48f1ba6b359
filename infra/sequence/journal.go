package sequence

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"perpcore/domain/command"
	"perpcore/infra/clock"
	entrywal "perpcore/infra/wal/entry"
)

// Appender is the write side of the entry journal.
type Appender interface {
	Append(*entrywal.Record) error
}

// Journal implements command.Stamper. In live mode it issues the next
// sequence number and appends the command to the journal under one lock, so
// journal order equals sequence order. During replay it hands back the
// recorded identity instead and writes nothing.
type Journal struct {
	mu    sync.Mutex
	seq   *Sequencer
	clock clock.Clock
	wal   Appender
	log   *logrus.Entry

	replaying bool
	replay    command.Stamp

	onAppendError func(error)
}

// NewJournal wires a stamper. A nil wal runs without a journal, which tests
// and throwaway engines use.
func NewJournal(seq *Sequencer, clk clock.Clock, wal Appender) *Journal {
	return &Journal{
		seq:   seq,
		clock: clk,
		wal:   wal,
		log:   logrus.WithField("component", "journal"),
	}
}

// OnAppendError registers a hook for journal write failures.
func (j *Journal) OnAppendError(fn func(error)) {
	j.onAppendError = fn
}

func (j *Journal) Now() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.replaying {
		return j.replay.At
	}
	return j.clock.Now()
}

func (j *Journal) Stamp(c command.Command, at time.Time) command.Stamp {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.replaying {
		return j.replay
	}

	st := command.Stamp{Seq: j.seq.Next(), At: at}
	if j.wal == nil {
		return st
	}

	rec := entrywal.NewRecord(entrywal.RecordType(c.Kind()), st.Seq, at, command.Encode(c))
	if err := j.wal.Append(rec); err != nil {
		// The command is already accepted; losing its journal entry only
		// costs replayability, which the hook surfaces.
		j.log.WithError(err).WithFields(logrus.Fields{
			"seq":  st.Seq,
			"kind": c.Kind().String(),
		}).Error("journal append failed")
		if j.onAppendError != nil {
			j.onAppendError(err)
		}
	}
	return st
}

// BeginReplay makes the next Now/Stamp calls return the recorded identity.
func (j *Journal) BeginReplay(seq uint64, at time.Time) {
	j.mu.Lock()
	j.replaying = true
	j.replay = command.Stamp{Seq: seq, At: at}
	j.mu.Unlock()
}

// EndReplay returns to live mode and resumes sequencing after last.
func (j *Journal) EndReplay(last uint64) {
	j.mu.Lock()
	j.replaying = false
	j.replay = command.Stamp{}
	if last > j.seq.Last() {
		j.seq.Restore(last)
	}
	j.mu.Unlock()
}

func (j *Journal) LastSeq() uint64 {
	return j.seq.Last()
}
