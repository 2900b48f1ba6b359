// Package pebblecas is the cold tier: an append-only content-addressed blob
// store on Pebble. Blobs live under "blob/<sha256 hex>".
package pebblecas

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"perpcore/staticerr"
	"perpcore/storage"
)

const prefix = "blob/"

type Store struct {
	db *pebble.DB
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open cold store %s", dir)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores data under its content address. Writing an address that
// already exists is a no-op.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	addr := storage.ContentAddress(data)
	key := keyFor(addr)

	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return addr, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return "", err
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return "", err
	}
	return addr, nil
}

func (s *Store) Get(ctx context.Context, addr string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, closer, err := s.db.Get(keyFor(addr))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errors.Wrapf(staticerr.ErrRecordNotFound, "cold %s", addr)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Ping reads a key that never exists; it fails only if the store is
// unusable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, closer, err := s.db.Get([]byte(prefix))
	if err == nil {
		closer.Close()
		return nil
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

// Len counts stored blobs.
func (s *Store) Len() (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "~"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

func keyFor(addr string) []byte {
	return []byte(prefix + addr)
}
