// Package exit is the outbox: events leave the engine through it. Every
// event is stored durably as NEW before anything publishes it, moves to
// SENT while a sink holds it, and to ACKED or FAILED after. ACKED records
// are pruned.
package exit

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"perpcore/events"
)

// -------------------- State --------------------

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// -------------------- Record --------------------

type Record struct {
	ID          uint64
	State       State
	Retries     uint32
	LastAttempt int64
	// Key is the event's partition key.
	Key     string
	Payload []byte
}

const headerLen = 1 + 4 + 8 + 2

// binary encoding: [state:1][retries:4][lastAttempt:8][keyLen:2][key][payload]
func encodeRecord(r Record) []byte {
	buf := make([]byte, headerLen+len(r.Key)+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(r.Key)))
	copy(buf[headerLen:], r.Key)
	copy(buf[headerLen+len(r.Key):], r.Payload)
	return buf
}

func decodeRecord(id uint64, b []byte) (Record, error) {
	if len(b) < headerLen {
		return Record{}, errors.New("invalid exit record length")
	}
	kl := int(binary.BigEndian.Uint16(b[13:15]))
	if len(b) < headerLen+kl {
		return Record{}, errors.New("invalid exit record key length")
	}
	return Record{
		ID:          id,
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Key:         string(b[headerLen : headerLen+kl]),
		Payload:     append([]byte(nil), b[headerLen+kl:]...),
	}, nil
}

// -------------------- WAL --------------------

type WAL struct {
	db *pebble.DB

	mu     sync.Mutex
	nextID uint64
}

func Open(dir string) (*WAL, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open outbox %s", dir)
	}
	w := &WAL{db: db}
	last, err := w.lastID()
	if err != nil {
		db.Close()
		return nil, err
	}
	w.nextID = last + 1
	return w, nil
}

func (w *WAL) Close() error {
	return w.db.Close()
}

// -------------------- API --------------------

// Append stores evs as NEW in one synced batch and returns their ids.
func (w *WAL) Append(evs ...events.Event) ([]uint64, error) {
	if len(evs) == 0 {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	batch := w.db.NewBatch()
	defer batch.Close()

	ids := make([]uint64, 0, len(evs))
	id := w.nextID
	for _, ev := range evs {
		payload, err := ev.Marshal()
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s event", ev.Type)
		}
		rec := Record{State: StateNew, Key: ev.Key, Payload: payload}
		if err := batch.Set(keyFor(id), encodeRecord(rec), nil); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		id++
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	w.nextID = id
	return ids, nil
}

// UpdateState records a send attempt outcome.
func (w *WAL) UpdateState(id uint64, state State, retries uint32, at time.Time) error {
	rec, err := w.Get(id)
	if err != nil {
		return err
	}
	rec.State = state
	rec.Retries = retries
	rec.LastAttempt = at.UnixNano()
	return w.db.Set(keyFor(id), encodeRecord(rec), pebble.Sync)
}

// Delete removes a record, normally once ACKED.
func (w *WAL) Delete(id uint64) error {
	return w.db.Delete(keyFor(id), pebble.Sync)
}

func (w *WAL) Get(id uint64) (Record, error) {
	val, closer, err := w.db.Get(keyFor(id))
	if err != nil {
		return Record{}, errors.Wrapf(err, "outbox record %d", id)
	}
	defer closer.Close()
	return decodeRecord(id, val)
}

// -------------------- Scan --------------------

// Scan visits records in id order whose state is one of states, at most
// limit of them when limit > 0.
func (w *WAL) Scan(limit int, fn func(rec Record) error, states ...State) error {
	iter, err := w.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("event/"),
		UpperBound: []byte("event/~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	want := map[State]bool{}
	for _, s := range states {
		want[s] = true
	}

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		id, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeRecord(id, iter.Value())
		if err != nil {
			return err
		}
		if !want[rec.State] {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return iter.Error()
}

// Count returns how many records are in each state.
func (w *WAL) Count() (map[State]int, error) {
	out := map[State]int{}
	err := w.Scan(0, func(rec Record) error {
		out[rec.State]++
		return nil
	}, StateNew, StateSent, StateAcked, StateFailed)
	return out, err
}

// -------------------- Helpers --------------------

func (w *WAL) lastID() (uint64, error) {
	iter, err := w.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("event/"),
		UpperBound: []byte("event/~"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}

func keyFor(id uint64) []byte {
	return []byte(fmt.Sprintf("event/%020d", id))
}

func parseKey(b []byte) (uint64, error) {
	const p = len("event/")
	if len(b) <= p {
		return 0, errors.Newf("malformed outbox key %q", b)
	}
	return strconv.ParseUint(string(b[p:]), 10, 64)
}
