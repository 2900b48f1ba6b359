// Package storage places engine state across three tiers.
//
// The hot tier is an in-process map and is written synchronously; it is
// the only tier the trading path ever waits on. The warm tier is a durable
// queryable store fed by a bounded write-behind queue. The cold tier is a
// content-addressed archive that final records move to once they are older
// than the archival threshold.
//
// The coordinator owns placement only. Payloads are opaque JSON produced by
// the entity; the coordinator never interprets them beyond what a backend
// needs to fill its columns. Warm and cold failures are recovered here:
// they are logged, trip a per-tier breaker, mark the tier degraded and are
// retried on the next Sync. They are never returned from Write.
package storage
