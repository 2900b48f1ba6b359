package entry

import (
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Frame:
// [type:1][seq:8][time:8][len:4][payload][crc:4]
const headerSize = 1 + 8 + 8 + 4

type Config struct {
	Dir             string
	SegmentSize     int64
	SegmentDuration time.Duration
	// SyncEveryAppend fsyncs after each record.
	SyncEveryAppend bool
}

// WAL is the append-only command journal.
type WAL struct {
	mu         sync.Mutex
	cfg        Config
	current    *segment
	segIndex   int
	lastRotate time.Time
}

// Open resumes the newest segment in cfg.Dir, or starts segment 0.
func Open(cfg Config) (*WAL, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "entry wal: mkdir")
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 64 << 20
	}

	idx, err := lastSegmentIndex(cfg.Dir)
	if err != nil {
		return nil, errors.Wrap(err, "entry wal: scan segments")
	}
	seg, err := openSegment(cfg.Dir, idx)
	if err != nil {
		return nil, errors.Wrap(err, "entry wal: open segment")
	}

	return &WAL{
		cfg:        cfg,
		current:    seg,
		segIndex:   idx,
		lastRotate: time.Now(),
	}, nil
}

func (w *WAL) Dir() string { return w.cfg.Dir }

func (w *WAL) Append(r *Record) error {
	payloadLen := uint32(len(r.Data))
	buf := make([]byte, headerSize+payloadLen+4)

	buf[0] = byte(r.Type)
	binary.BigEndian.PutUint64(buf[1:9], r.Seq)
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.Time))
	binary.BigEndian.PutUint32(buf[17:21], payloadLen)
	copy(buf[headerSize:], r.Data)

	crc := checksum(buf[:headerSize+payloadLen])
	binary.BigEndian.PutUint32(buf[headerSize+payloadLen:], crc)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.current.append(buf); err != nil {
		return errors.Wrapf(err, "entry wal: append seq %d", r.Seq)
	}
	if w.cfg.SyncEveryAppend {
		if err := w.current.file.Sync(); err != nil {
			return errors.Wrap(err, "entry wal: sync")
		}
	}

	if w.current.offset >= w.cfg.SegmentSize ||
		(w.cfg.SegmentDuration > 0 && time.Since(w.lastRotate) >= w.cfg.SegmentDuration) {
		return w.rotate()
	}
	return nil
}

func (w *WAL) rotate() error {
	_ = w.current.file.Sync()
	_ = w.current.close()
	w.segIndex++

	seg, err := openSegment(w.cfg.Dir, w.segIndex)
	if err != nil {
		return errors.Wrap(err, "entry wal: rotate")
	}

	w.current = seg
	w.lastRotate = time.Now()
	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.current.file.Sync()
	return w.current.close()
}
