// Package cache mirrors hot storage records into Redis so processes other
// than the engine can read live state. The engine never reads it back.
package cache

import (
	"context"
	"time"

	redisLib "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"perpcore/storage"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, e.g. "perpcore:".
	Prefix string
	// TTL bounds how long a record outlives its last write. Zero keeps it
	// until deleted.
	TTL time.Duration
}

type RedisMirror struct {
	cli  *redisLib.Client
	opts Options
	log  *logrus.Entry
}

// NewRedisMirror does not dial; the storage coordinator pings it and keeps
// going without it when Redis is down.
func NewRedisMirror(opts Options) *RedisMirror {
	cli := redisLib.NewClient(&redisLib.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisMirror{
		cli:  cli,
		opts: opts,
		log:  logrus.WithFields(logrus.Fields{"component": "cache", "addr": opts.Addr}),
	}
}

func (r *RedisMirror) recordKey(k storage.Key) string {
	return r.opts.Prefix + k.Kind + ":" + k.ID
}

// indexKey is a sorted set of a kind's ids scored by update time.
func (r *RedisMirror) indexKey(kind string) string {
	return r.opts.Prefix + "idx:" + kind
}

func (r *RedisMirror) Put(ctx context.Context, rec storage.Record) error {
	_, err := r.cli.TxPipelined(ctx, func(tx redisLib.Pipeliner) error {
		tx.Set(ctx, r.recordKey(rec.Key), []byte(rec.Payload), r.opts.TTL)
		tx.ZAdd(ctx, r.indexKey(rec.Key.Kind), redisLib.Z{
			Score:  float64(rec.UpdatedAt.UnixMilli()),
			Member: rec.Key.ID,
		})
		return nil
	})
	return err
}

func (r *RedisMirror) Delete(ctx context.Context, k storage.Key) error {
	_, err := r.cli.TxPipelined(ctx, func(tx redisLib.Pipeliner) error {
		tx.Del(ctx, r.recordKey(k))
		tx.ZRem(ctx, r.indexKey(k.Kind), k.ID)
		return nil
	})
	return err
}

// Get reads a mirrored payload. It exists for out-of-process readers and
// tests.
func (r *RedisMirror) Get(ctx context.Context, k storage.Key) ([]byte, error) {
	return r.cli.Get(ctx, r.recordKey(k)).Bytes()
}

// Latest returns up to n ids of kind, most recently updated first.
func (r *RedisMirror) Latest(ctx context.Context, kind string, n int64) ([]string, error) {
	return r.cli.ZRevRange(ctx, r.indexKey(kind), 0, n-1).Result()
}

func (r *RedisMirror) Ping(ctx context.Context) error {
	pong, err := r.cli.Ping(ctx).Result()
	if err != nil {
		return err
	}
	r.log.Debug(pong)
	return nil
}

func (r *RedisMirror) Close() error {
	return r.cli.Close()
}
