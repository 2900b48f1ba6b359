// Package broadcaster relays outbox events to an external sink. Delivery is
// at least once: a record is marked SENT before publishing and ACKED (then
// pruned) only after the sink confirms, so a crash in between resends it.
package broadcaster

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"perpcore/infra/clock"
	"perpcore/infra/metrics"
	exitwal "perpcore/infra/wal/exit"
)

// Sink is where events go: Kafka, RabbitMQ, or the log.
type Sink interface {
	Publish(ctx context.Context, key string, payload []byte) error
	Close() error
}

type Config struct {
	// Batch caps records relayed per run.
	Batch int
	// MaxRetries parks a record as FAILED for good after this many attempts.
	MaxRetries uint32
	// Timeout bounds one publish.
	Timeout time.Duration
}

type Broadcaster struct {
	exitWAL *exitwal.WAL
	sink    Sink
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *logrus.Entry
}

type Report struct {
	Sent   int
	Failed int
	Parked int
}

// ------------------------------------------------
// CONSTRUCTOR
// ------------------------------------------------

func New(exitWAL *exitwal.WAL, sink Sink, cfg Config, clk clock.Clock, m *metrics.Metrics) *Broadcaster {
	if cfg.Batch <= 0 {
		cfg.Batch = 512
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Broadcaster{
		exitWAL: exitWAL,
		sink:    sink,
		cfg:     cfg,
		clock:   clk,
		metrics: m,
		log:     logrus.WithField("component", "broadcaster"),
	}
}

// ------------------------------------------------
// RELAY
// ------------------------------------------------

// RunOnce relays up to Batch pending records in outbox order. It stops at
// the first sink failure so later events do not overtake earlier ones.
func (b *Broadcaster) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	var pending []exitwal.Record
	err := b.exitWAL.Scan(b.cfg.Batch, func(rec exitwal.Record) error {
		pending = append(pending, rec)
		return nil
	}, exitwal.StateNew, exitwal.StateSent, exitwal.StateFailed)
	if err != nil {
		return report, err
	}

	for _, rec := range pending {
		if rec.State == exitwal.StateFailed && rec.Retries >= b.cfg.MaxRetries {
			report.Parked++
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		// 1. Mark SENT (idempotent)
		if err := b.exitWAL.UpdateState(rec.ID, exitwal.StateSent, rec.Retries, b.clock.Now()); err != nil {
			return report, err
		}

		// 2. Publish
		pctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		err := b.sink.Publish(pctx, rec.Key, rec.Payload)
		cancel()
		if err != nil {
			retries := rec.Retries + 1
			_ = b.exitWAL.UpdateState(rec.ID, exitwal.StateFailed, retries, b.clock.Now())
			report.Failed++
			entry := b.log.WithError(err).WithFields(logrus.Fields{"id": rec.ID, "retries": retries})
			if retries >= b.cfg.MaxRetries {
				entry.Error("event parked after max retries")
			} else {
				entry.Warn("publish failed; will retry")
			}
			break
		}

		// 3. ACKED, then prune
		if err := b.exitWAL.UpdateState(rec.ID, exitwal.StateAcked, rec.Retries, b.clock.Now()); err != nil {
			return report, err
		}
		if err := b.exitWAL.Delete(rec.ID); err != nil {
			return report, err
		}
		report.Sent++
	}

	if counts, err := b.exitWAL.Count(); err == nil {
		b.metrics.OutboxPending(counts[exitwal.StateNew] + counts[exitwal.StateSent] + counts[exitwal.StateFailed])
	}
	if report.Sent+report.Failed > 0 {
		b.log.WithFields(logrus.Fields{"sent": report.Sent, "failed": report.Failed}).Debug("relay run")
	}
	return report, nil
}

// ------------------------------------------------
// SHUTDOWN
// ------------------------------------------------

func (b *Broadcaster) Close() error {
	return b.sink.Close()
}

// LogSink writes events to the log. It is the default when no broker is
// configured.
type LogSink struct {
	Log *logrus.Entry
}

func (s LogSink) Publish(_ context.Context, key string, payload []byte) error {
	s.Log.WithField("key", key).Info(string(payload))
	return nil
}

func (LogSink) Close() error { return nil }
