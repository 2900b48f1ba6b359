package entry

import "time"

// RecordType is the journaled command kind. The journal does not interpret
// it.
type RecordType uint8

type Record struct {
	Type RecordType
	Seq  uint64
	Time int64
	Data []byte
}

func NewRecord(t RecordType, seq uint64, at time.Time, data []byte) *Record {
	return &Record{
		Type: t,
		Seq:  seq,
		Time: at.UnixNano(),
		Data: data,
	}
}

func (r *Record) At() time.Time {
	return time.Unix(0, r.Time).UTC()
}
