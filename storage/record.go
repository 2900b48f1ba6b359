package storage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Entity is anything the engines hand to storage.
type Entity interface {
	StorageKind() string
	StorageID() string
	StorageTime() time.Time
	// StorageFinal reports whether the entity will not change again and
	// may be archived once old enough.
	StorageFinal() bool
}

// Sequenced entities carry the sequence number of the command that last
// changed them. A write with a lower number than the stored one is stale
// and is dropped by every tier.
type Sequenced interface {
	StorageSeq() uint64
}

type Key struct {
	Kind string
	ID   string
}

func (k Key) String() string { return k.Kind + "/" + k.ID }

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	kind, id, ok := strings.Cut(s, "/")
	if !ok || kind == "" || id == "" {
		return Key{}, errors.Newf("storage: malformed key %q", s)
	}
	return Key{Kind: kind, ID: id}, nil
}

func KeyOf(e Entity) Key {
	return Key{Kind: e.StorageKind(), ID: e.StorageID()}
}

// Location tracks where a record physically lives.
type Location struct {
	InHot       bool   `json:"in_hot"`
	InWarm      bool   `json:"in_warm"`
	ColdAddress string `json:"cold_address,omitempty"`
}

type Record struct {
	Key       Key             `json:"-"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
	Final     bool            `json:"final"`
	Seq       uint64          `json:"seq"`
	Location  Location        `json:"location"`
}

// Supersedes reports whether r may replace old.
func (r Record) Supersedes(old Record) bool {
	return r.Seq >= old.Seq
}

// NewRecord serializes e.
func NewRecord(e Entity) (Record, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Record{}, errors.Wrapf(err, "storage: encode %s", KeyOf(e))
	}
	rec := Record{
		Key:       KeyOf(e),
		Payload:   payload,
		UpdatedAt: e.StorageTime(),
		Final:     e.StorageFinal(),
	}
	if s, ok := e.(Sequenced); ok {
		rec.Seq = s.StorageSeq()
	}
	return rec, nil
}

// Decode unmarshals the payload into v.
func (r Record) Decode(v any) error {
	if len(r.Payload) == 0 {
		return errors.Newf("storage: %s has no payload", r.Key)
	}
	return json.Unmarshal(r.Payload, v)
}

// Warm is the durable, queryable tier.
//
// Put upserts unless the stored row has a higher Seq. A record carrying a
// ColdAddress has been archived: the backend keeps its columns and the
// address and may drop the payload. A later put without an address keeps
// the stored one.
// Get returns staticerr.ErrRecordNotFound for unknown keys.
type Warm interface {
	Put(ctx context.Context, r Record) error
	Get(ctx context.Context, k Key) (Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// Cold is the content-addressed archive. Put returns the address of data;
// putting the same bytes twice returns the same address.
type Cold interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, addr string) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// Mirror copies hot records to an out-of-process cache for other readers.
// It is never read by the coordinator.
type Mirror interface {
	Put(ctx context.Context, r Record) error
	Delete(ctx context.Context, k Key) error
	Ping(ctx context.Context) error
	Close() error
}
