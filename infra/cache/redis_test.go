package cache

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"perpcore/storage"
)

func TestKeysAreNamespaced(t *testing.T) {
	r := NewRedisMirror(Options{Addr: "127.0.0.1:0", Prefix: "perpcore:"})
	defer r.Close()

	if got := r.recordKey(storage.Key{Kind: "order", ID: "abc"}); got != "perpcore:order:abc" {
		t.Fatalf("record key = %s", got)
	}
	if got := r.indexKey("trade"); got != "perpcore:idx:trade" {
		t.Fatalf("index key = %s", got)
	}
}

// Runs only against a live Redis: PERPCORE_TEST_REDIS=127.0.0.1:6379.
func TestMirrorRoundTrip(t *testing.T) {
	addr := os.Getenv("PERPCORE_TEST_REDIS")
	if addr == "" {
		t.Skip("PERPCORE_TEST_REDIS not set")
	}
	r := NewRedisMirror(Options{Addr: addr, Prefix: "perpcore-test:", TTL: time.Minute})
	defer r.Close()
	ctx := context.Background()
	if err := r.Ping(ctx); err != nil {
		t.Fatal(err)
	}

	k := storage.Key{Kind: "order", ID: "o1"}
	rec := storage.Record{Key: k, Payload: json.RawMessage(`{"id":"o1"}`), UpdatedAt: time.Now()}
	if err := r.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := r.Get(ctx, k)
	if err != nil || string(got) != `{"id":"o1"}` {
		t.Fatalf("get = %s (%v)", got, err)
	}
	ids, err := r.Latest(ctx, "order", 10)
	if err != nil || len(ids) == 0 || ids[0] != "o1" {
		t.Fatalf("latest = %v (%v)", ids, err)
	}
	if err := r.Delete(ctx, k); err != nil {
		t.Fatal(err)
	}
}

func TestUnreachableMirrorDoesNotBlockCoordinator(t *testing.T) {
	r := NewRedisMirror(Options{Addr: "127.0.0.1:1"})
	cfg := storage.DefaultConfig()
	cfg.OpTimeout = 200 * time.Millisecond
	c := storage.New(context.Background(), cfg, storage.NewMemoryWarm(), nil, storage.WithMirror(r))
	defer c.Close()

	h := c.Health()
	var mirror storage.TierHealth
	for _, th := range h.Tiers {
		if th.Name == storage.TierMirror {
			mirror = th
		}
	}
	if mirror.State != "down" || !h.Degraded {
		t.Fatalf("health = %+v", h)
	}
}
