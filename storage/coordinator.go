package storage

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"perpcore/events"
	"perpcore/infra/breaker"
	"perpcore/infra/clock"
	"perpcore/infra/metrics"
	"perpcore/staticerr"
)

const (
	TierHot    = "hot"
	TierWarm   = "warm"
	TierCold   = "cold"
	TierMirror = "mirror"
)

type Config struct {
	// ArchiveAfter is how long a final record stays hot before Sync moves
	// it cold.
	ArchiveAfter time.Duration
	// QueueSize bounds the write-behind queue. When it is full the record
	// is left for the next Sync.
	QueueSize int
	// OpTimeout bounds each warm, cold or mirror call.
	OpTimeout time.Duration

	FailureThreshold int
	SuccessThreshold int
	BreakerTimeout   time.Duration

	Clock clock.Clock
}

func DefaultConfig() Config {
	return Config{
		ArchiveAfter:     24 * time.Hour,
		QueueSize:        4096,
		OpTimeout:        2 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 1,
		BreakerTimeout:   30 * time.Second,
		Clock:            clock.Real{},
	}
}

type Option func(*Coordinator)

func WithMirror(m Mirror) Option {
	return func(c *Coordinator) { c.mirror = m }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithNotifier receives a DegradationWarning whenever a tier degrades or
// recovers.
func WithNotifier(fn func(events.Event)) Option {
	return func(c *Coordinator) { c.notify = fn }
}

type tier struct {
	name     string
	br       *breaker.Breaker
	degraded atomic.Bool
}

// Coordinator routes records across the tiers. A nil warm or cold backend
// disables that tier.
type Coordinator struct {
	cfg    Config
	hot    *hotTier
	warm   Warm
	cold   Cold
	mirror Mirror
	tiers  map[string]*tier

	queue   chan Key
	pendMu  sync.Mutex
	pending map[Key]struct{}

	// keyLocks serializes flush and archival of the same key.
	keyLocks [64]sync.Mutex

	notify  func(events.Event)
	metrics *metrics.Metrics
	log     *logrus.Entry

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New builds a coordinator and probes every configured backend. A backend
// that does not answer is marked down and the coordinator starts in
// hot-only mode for it; New never fails.
func New(ctx context.Context, cfg Config, warm Warm, cold Cold, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = def.ArchiveAfter
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}

	c := &Coordinator{
		cfg:     cfg,
		hot:     newHotTier(),
		warm:    warm,
		cold:    cold,
		tiers:   make(map[string]*tier),
		queue:   make(chan Key, cfg.QueueSize),
		pending: make(map[Key]struct{}),
		log:     logrus.WithField("component", "storage"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	probes := map[string]func(context.Context) error{}
	if c.warm != nil {
		probes[TierWarm] = c.warm.Ping
	}
	if c.cold != nil {
		probes[TierCold] = c.cold.Ping
	}
	if c.mirror != nil {
		probes[TierMirror] = c.mirror.Ping
	}
	for name := range probes {
		c.tiers[name] = c.newTier(name)
	}
	for _, name := range []string{TierWarm, TierCold, TierMirror} {
		ping, ok := probes[name]
		if !ok {
			continue
		}
		t := c.tiers[name]
		c.metrics.TierUp(name, 1)
		pctx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
		err := ping(pctx)
		cancel()
		if err != nil {
			t.br.Trip(err)
			c.degrade(t, "startup", err)
			c.log.WithError(err).WithField("tier", name).Warn("tier unreachable at startup; serving without it")
		}
	}
	return c
}

func (c *Coordinator) newTier(name string) *tier {
	return &tier{
		name: name,
		br: breaker.New(breaker.Config{
			Name:             "storage." + name,
			FailureThreshold: c.cfg.FailureThreshold,
			SuccessThreshold: c.cfg.SuccessThreshold,
			Timeout:          c.cfg.BreakerTimeout,
			Clock:            c.cfg.Clock,
			OnChange: func(_ string, _, to breaker.State, _ error) {
				c.metrics.TierUp(name, breakerGauge(to))
			},
		}),
	}
}

func breakerGauge(s breaker.State) float64 {
	switch s {
	case breaker.Closed:
		return 1
	case breaker.HalfOpen:
		return 0.5
	default:
		return 0
	}
}

// Start runs the write-behind worker until Close.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

func (c *Coordinator) run() {
	defer close(c.done)
	ctx := context.Background()
	for {
		select {
		case <-c.stop:
			return
		case k := <-c.queue:
			_ = c.flush(ctx, k)
		}
	}
}

// Close stops the worker and closes the backends. Records still queued are
// lost from warm but remain hot.
func (c *Coordinator) Close() error {
	var errs error
	c.closeOnce.Do(func() {
		close(c.stop)
		// Never started: nothing to wait for.
		c.startOnce.Do(func() { close(c.done) })
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
			c.log.Warn("write-behind worker did not stop in time")
		}
		if c.warm != nil {
			errs = errors.CombineErrors(errs, c.warm.Close())
		}
		if c.cold != nil {
			errs = errors.CombineErrors(errs, c.cold.Close())
		}
		if c.mirror != nil {
			errs = errors.CombineErrors(errs, c.mirror.Close())
		}
	})
	return errs
}

// ───── Write path ─────

// Write stores e in the hot tier and queues it for warm. It only fails when
// e cannot be serialized.
func (c *Coordinator) Write(_ context.Context, e Entity) error {
	rec, err := NewRecord(e)
	if err != nil {
		return err
	}
	if _, ok := c.hot.put(rec); !ok {
		c.log.WithFields(logrus.Fields{"key": rec.Key.String(), "seq": rec.Seq}).Debug("stale write dropped")
		return nil
	}
	c.enqueue(rec.Key)
	return nil
}

func (c *Coordinator) lockKey(k Key) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.String()))
	m := &c.keyLocks[h.Sum32()%uint32(len(c.keyLocks))]
	m.Lock()
	return m.Unlock
}

func (c *Coordinator) enqueue(k Key) {
	if c.warm == nil && c.mirror == nil {
		return
	}
	select {
	case c.queue <- k:
	default:
		c.markPending(k)
	}
}

func (c *Coordinator) markPending(k Key) {
	c.pendMu.Lock()
	c.pending[k] = struct{}{}
	c.pendMu.Unlock()
}

func (c *Coordinator) clearPending(k Key) {
	c.pendMu.Lock()
	delete(c.pending, k)
	c.pendMu.Unlock()
}

func (c *Coordinator) pendingCount() int {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	return len(c.pending) + len(c.queue)
}

// flush copies the current hot version of k to warm and the mirror.
func (c *Coordinator) flush(ctx context.Context, k Key) error {
	unlock := c.lockKey(k)
	defer unlock()
	c.clearPending(k)
	rec, v, ok := c.hot.get(k)
	if !ok {
		return nil
	}
	if c.warm != nil {
		err := c.call(ctx, c.tiers[TierWarm], "put", func(ctx context.Context) error {
			return c.warm.Put(ctx, rec)
		})
		if err != nil {
			c.markPending(k)
			return err
		}
		c.hot.markWarm(k, v)
	}
	if c.mirror != nil {
		_ = c.call(ctx, c.tiers[TierMirror], "put", func(ctx context.Context) error {
			return c.mirror.Put(ctx, rec)
		})
	}
	return nil
}

// call runs fn against t under its breaker and timeout. A not-found answer
// counts as the tier being healthy.
func (c *Coordinator) call(ctx context.Context, t *tier, op string, fn func(context.Context) error) error {
	if !t.br.Allow() {
		return errors.Wrapf(staticerr.ErrTierUnavailable, "%s %s: breaker open", t.name, op)
	}
	cctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	err := fn(cctx)
	cancel()

	if err != nil && !errors.Is(err, staticerr.ErrRecordNotFound) {
		t.br.Failure(err)
		c.degrade(t, op, err)
		return staticerr.Mark(errors.Wrapf(err, "%s %s", t.name, op), staticerr.ErrTierUnavailable)
	}
	t.br.Success()
	c.recovered(t)
	return err
}

func (c *Coordinator) degrade(t *tier, op string, err error) {
	c.metrics.TierFailure(t.name, op)
	entry := c.log.WithError(err).WithFields(logrus.Fields{"tier": t.name, "op": op})
	if !t.degraded.CompareAndSwap(false, true) {
		entry.Debug("tier operation failed")
		return
	}
	entry.Warn("tier degraded")
	c.emit(events.Degradation{Tier: t.name, Op: op, Reason: err.Error(), State: "degraded"})
}

func (c *Coordinator) recovered(t *tier) {
	if !t.degraded.CompareAndSwap(true, false) {
		return
	}
	c.log.WithField("tier", t.name).Info("tier recovered")
	c.emit(events.Degradation{Tier: t.name, State: "recovered"})
}

func (c *Coordinator) emit(d events.Degradation) {
	if c.notify == nil {
		return
	}
	c.notify(events.New(events.DegradationWarning, 0, d.Tier, c.cfg.Clock.Now(), d))
}

// ───── Read path ─────

// ReadResult distinguishes "no such record" (Found false, Degraded false)
// from "could not tell" (Degraded true, no SourceNodes, no consensus).
type ReadResult struct {
	Record             Record
	Found              bool
	SourceNodes        []string
	ValidatorConsensus bool
	Degraded           bool
}

// Read checks hot, then warm, then cold by the address warm recorded. A
// warm hit is not copied back into hot.
func (c *Coordinator) Read(ctx context.Context, k Key) ReadResult {
	if rec, _, ok := c.hot.get(k); ok {
		return ReadResult{Record: rec, Found: true, SourceNodes: []string{TierHot}, ValidatorConsensus: true}
	}
	if c.warm == nil {
		return ReadResult{SourceNodes: []string{TierHot}, ValidatorConsensus: true}
	}

	var rec Record
	err := c.call(ctx, c.tiers[TierWarm], "get", func(ctx context.Context) error {
		var err error
		rec, err = c.warm.Get(ctx, k)
		return err
	})
	switch {
	case errors.Is(err, staticerr.ErrRecordNotFound):
		return ReadResult{SourceNodes: []string{TierHot, TierWarm}, ValidatorConsensus: true}
	case err != nil:
		c.log.WithError(err).WithField("key", k.String()).Debug("degraded read")
		return ReadResult{Degraded: true}
	}
	rec.Key = k
	if len(rec.Payload) > 0 || rec.Location.ColdAddress == "" {
		return ReadResult{Record: rec, Found: true, SourceNodes: []string{TierWarm}, ValidatorConsensus: true}
	}

	if c.cold == nil {
		return ReadResult{Record: rec, SourceNodes: []string{TierWarm}, Degraded: true}
	}
	var data []byte
	err = c.call(ctx, c.tiers[TierCold], "get", func(ctx context.Context) error {
		var err error
		data, err = c.cold.Get(ctx, rec.Location.ColdAddress)
		return err
	})
	if err == nil && ContentAddress(data) != rec.Location.ColdAddress {
		err = errors.Newf("cold blob %s failed its content check", rec.Location.ColdAddress)
		c.degrade(c.tiers[TierCold], "get", err)
	}
	if err != nil {
		return ReadResult{Record: rec, SourceNodes: []string{TierWarm}, Degraded: true}
	}
	rec.Payload = data
	return ReadResult{Record: rec, Found: true, SourceNodes: []string{TierWarm, TierCold}, ValidatorConsensus: true}
}

// ───── Archival ─────

// Archive moves the hot record k to cold: put the payload cold, record the
// address in warm, then evict from hot. Nothing is evicted unless both the
// cold and the warm writes were acknowledged, and a failure at any step
// leaves the record where it was.
func (c *Coordinator) Archive(ctx context.Context, k Key) (string, error) {
	unlock := c.lockKey(k)
	defer unlock()
	rec, v, ok := c.hot.get(k)
	if !ok {
		return "", errors.Wrapf(staticerr.ErrRecordNotFound, "hot %s", k)
	}
	if c.cold == nil || c.warm == nil {
		return "", errors.Wrap(staticerr.ErrTierUnavailable, "archival needs warm and cold tiers")
	}

	var addr string
	err := c.call(ctx, c.tiers[TierCold], "archive", func(ctx context.Context) error {
		var err error
		addr, err = c.cold.Put(ctx, rec.Payload)
		return err
	})
	if err != nil {
		return "", err
	}

	archived := rec
	archived.Location = Location{InWarm: true, ColdAddress: addr}
	err = c.call(ctx, c.tiers[TierWarm], "archive", func(ctx context.Context) error {
		return c.warm.Put(ctx, archived)
	})
	if err != nil {
		return "", err
	}

	if !c.hot.evict(k, v) {
		return "", errors.Newf("storage: %s changed during archival; kept hot", k)
	}
	c.clearPending(k)
	if c.mirror != nil {
		_ = c.call(ctx, c.tiers[TierMirror], "delete", func(ctx context.Context) error {
			return c.mirror.Delete(ctx, k)
		})
	}
	return addr, nil
}

type SyncReport struct {
	Flushed  int
	Pending  int
	Archived int
	Failures []error
}

// Sync retries every unacknowledged warm write, then archives final records
// older than ArchiveAfter. Failures are isolated per record.
func (c *Coordinator) Sync(ctx context.Context, now time.Time) SyncReport {
	var report SyncReport

	keys := c.drain()
	for _, k := range keys {
		if err := c.flush(ctx, k); err != nil {
			report.Failures = append(report.Failures, err)
			continue
		}
		report.Flushed++
	}

	if c.warm != nil && c.cold != nil {
		for _, k := range c.hot.archivable(now.Add(-c.cfg.ArchiveAfter)) {
			if _, err := c.Archive(ctx, k); err != nil {
				report.Failures = append(report.Failures, err)
				continue
			}
			report.Archived++
		}
	}

	report.Pending = c.pendingCount()
	c.metrics.WarmPending(report.Pending)
	if report.Flushed+report.Archived+len(report.Failures) > 0 {
		c.log.WithFields(logrus.Fields{
			"flushed":  report.Flushed,
			"archived": report.Archived,
			"failures": len(report.Failures),
			"pending":  report.Pending,
		}).Info("storage sync")
	}
	return report
}

// drain empties the queue and the retry set, deduplicated and sorted.
func (c *Coordinator) drain() []Key {
	set := map[Key]struct{}{}
	for {
		select {
		case k := <-c.queue:
			set[k] = struct{}{}
			continue
		default:
		}
		break
	}
	c.pendMu.Lock()
	for k := range c.pending {
		set[k] = struct{}{}
	}
	c.pendMu.Unlock()

	keys := make([]Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// ───── Health ─────

type TierHealth struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Breaker   string `json:"breaker,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

type Health struct {
	Tiers       []TierHealth `json:"tiers"`
	Degraded    bool         `json:"degraded"`
	HotRecords  int          `json:"hot_records"`
	PendingWarm int          `json:"pending_warm"`
}

// Health reports each tier as up, degraded, down or disabled.
func (c *Coordinator) Health() Health {
	h := Health{
		Tiers:       []TierHealth{{Name: TierHot, State: "up"}},
		HotRecords:  c.hot.len(),
		PendingWarm: c.pendingCount(),
	}
	for _, name := range []string{TierWarm, TierCold, TierMirror} {
		t, ok := c.tiers[name]
		if !ok {
			h.Tiers = append(h.Tiers, TierHealth{Name: name, State: "disabled"})
			continue
		}
		th := TierHealth{Name: name, Breaker: t.br.State().String(), State: "up"}
		if err := t.br.LastError(); err != nil {
			th.LastError = err.Error()
		}
		switch {
		case t.br.State() == breaker.Open:
			th.State = "down"
		case t.degraded.Load() || t.br.State() == breaker.HalfOpen:
			th.State = "degraded"
		}
		if th.State != "up" {
			h.Degraded = true
		}
		h.Tiers = append(h.Tiers, th)
	}
	return h
}
