package service

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"perpcore/domain/matching"
	"perpcore/domain/risk"
	"perpcore/events"
	"perpcore/infra/clock"
	"perpcore/infra/metrics"
	"perpcore/infra/pairlock"
	"perpcore/infra/sequence"
	exitwal "perpcore/infra/wal/exit"
	"perpcore/jobs/broadcaster"
	"perpcore/storage"
)

// TradeArchive serves trade history that has left the in-memory ring.
// The SQLite warm tier implements it.
type TradeArchive interface {
	TradesByPair(ctx context.Context, pair string, limit int) ([]json.RawMessage, error)
}

type Options struct {
	Markets []risk.Market
	// Spot pairs are matched without position accounting.
	Spot matching.StaticSpecs

	// Journal stamps and journals every command. Nil runs unjournaled.
	Journal *sequence.Journal
	Storage *storage.Coordinator
	// Outbox and Broadcaster are optional; without them events are only
	// logged at debug level.
	Outbox      *exitwal.WAL
	Broadcaster *broadcaster.Broadcaster
	Trades      TradeArchive
	Metrics     *metrics.Metrics
	Clock       clock.Clock

	TradeHistory  int
	SnapshotDepth int
}

type Service struct {
	matching *matching.Engine
	risk     *risk.Engine
	specs    matching.Specs
	journal  *sequence.Journal
	storage  *storage.Coordinator
	outbox   *exitwal.WAL
	relay    *broadcaster.Broadcaster
	trades   TradeArchive
	metrics  *metrics.Metrics
	clock    clock.Clock
	log      *logrus.Entry

	snapshotDepth int
	replaying     atomic.Bool

	mu     sync.Mutex
	sweeps map[string]time.Time
}

// New builds the engines over one set of pair locks and one journal, so
// matching and risk serialize on the same pair and share a sequence.
func New(opts Options) (*Service, error) {
	if opts.Storage == nil {
		return nil, errors.New("service: storage coordinator is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Journal == nil {
		opts.Journal = sequence.NewJournal(sequence.New(0), opts.Clock, nil)
	}
	if opts.SnapshotDepth <= 0 {
		opts.SnapshotDepth = 100
	}

	locks := pairlock.New()
	re := risk.NewEngine(locks, opts.Journal)
	for _, m := range opts.Markets {
		if err := re.AddMarket(m); err != nil {
			return nil, errors.Wrapf(err, "service: market %s", m.Symbol)
		}
	}
	specs := matching.SpecChain{re, opts.Spot}
	me := matching.New(specs, locks, opts.Journal,
		matching.WithFillSink(re),
		matching.WithTradeHistory(opts.TradeHistory),
	)

	s := &Service{
		matching:      me,
		risk:          re,
		specs:         specs,
		journal:       opts.Journal,
		storage:       opts.Storage,
		outbox:        opts.Outbox,
		relay:         opts.Broadcaster,
		trades:        opts.Trades,
		metrics:       opts.Metrics,
		clock:         opts.Clock,
		log:           logrus.WithField("component", "service"),
		snapshotDepth: opts.SnapshotDepth,
		sweeps:        make(map[string]time.Time),
	}
	s.journal.OnAppendError(func(err error) {
		s.metrics.TierFailure("journal", "append")
	})
	return s, nil
}

// Matching and Risk expose the engines for read-only callers and tests.
func (s *Service) Matching() *matching.Engine { return s.matching }
func (s *Service) Risk() *risk.Engine         { return s.risk }

// OutboxNotifier appends storage degradation notices to the outbox. It is
// handed to the storage coordinator before the service exists.
func OutboxNotifier(w *exitwal.WAL) func(events.Event) {
	log := logrus.WithField("component", "service")
	return func(ev events.Event) {
		if w == nil {
			return
		}
		if _, err := w.Append(ev); err != nil {
			log.WithError(err).WithField("type", ev.Type).Error("outbox append failed")
		}
	}
}

// commit writes what a command changed. Neither step can fail the
// command: it has already been applied.
func (s *Service) commit(ctx context.Context, changed []storage.Entity, evs []events.Event) {
	for _, e := range changed {
		if err := s.storage.Write(ctx, e); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"kind": e.StorageKind(),
				"id":   e.StorageID(),
			}).Error("storage write failed")
		}
	}
	if len(evs) == 0 || s.replaying.Load() {
		return
	}
	if s.outbox == nil {
		for _, ev := range evs {
			s.log.WithFields(logrus.Fields{"type": ev.Type, "seq": ev.Seq, "key": ev.Key}).Debug("event")
		}
		return
	}
	if _, err := s.outbox.Append(evs...); err != nil {
		s.metrics.TierFailure("outbox", "append")
		s.log.WithError(err).WithField("events", len(evs)).Error("outbox append failed")
	}
}

// positionsIn collects the positions carried by position events.
func positionsIn(evs []events.Event) []storage.Entity {
	var out []storage.Entity
	for _, ev := range evs {
		if p, ok := ev.Payload.(risk.Position); ok {
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) swept(job string, at time.Time) {
	s.mu.Lock()
	s.sweeps[job] = at
	s.mu.Unlock()
}

// Close stops the storage worker and the outbox relay sink. The outbox
// and journal files are closed by their owner.
func (s *Service) Close() error {
	var errs error
	if s.relay != nil {
		errs = errors.CombineErrors(errs, s.relay.Close())
	}
	return errors.CombineErrors(errs, s.storage.Close())
}
