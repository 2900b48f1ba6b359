package service

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"perpcore/domain/fixed"
	"perpcore/domain/matching"
	"perpcore/domain/orderbook"
	"perpcore/domain/risk"
	"perpcore/events"
	"perpcore/infra/clock"
	"perpcore/infra/sequence"
	entrywal "perpcore/infra/wal/entry"
	exitwal "perpcore/infra/wal/exit"
	"perpcore/jobs/broadcaster"
	"perpcore/jobs/scheduler"
	"perpcore/staticerr"
	"perpcore/storage"
)

var t0 = time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)

const btc = "BTC-PERP"

func d(s string) fixed.Decimal { return fixed.MustParse(s) }

func btcMarket() risk.Market {
	return risk.Market{
		Symbol:                 btc,
		BaseCurrency:           "BTC",
		QuoteCurrency:          "USD",
		MinSize:                d("0.001"),
		TickSize:               d("0.5"),
		MaxLeverage:            d("20"),
		InitialMarginRatio:     d("0.05"),
		MaintenanceMarginRatio: d("0.05"),
		FundingInterval:        8 * time.Hour,
		MaxFundingRate:         d("0.01"),
		MakerFee:               d("0.0002"),
		TakerFee:               d("0.0005"),
		LiquidationFeeRate:     d("0.01"),
		InsuranceFund:          "0xinsurance",
	}
}

type harness struct {
	svc    *Service
	clk    *clock.Fake
	store  *storage.Coordinator
	outbox *exitwal.WAL
}

type setup struct {
	warm    storage.Warm
	cold    storage.Cold
	journal string
	archive TradeArchive
	relay   bool
}

func newHarness(t *testing.T, cfg setup) *harness {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(t0)

	if cfg.warm == nil {
		cfg.warm = storage.NewMemoryWarm()
	}
	if cfg.cold == nil {
		cfg.cold = storage.NewMemoryCold()
	}
	store := storage.New(ctx, storage.Config{Clock: clk}, cfg.warm, cfg.cold)

	outbox, err := exitwal.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { outbox.Close() })

	var appender sequence.Appender
	if cfg.journal != "" {
		w, err := entrywal.Open(entrywal.Config{Dir: cfg.journal, SyncEveryAppend: true})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { w.Close() })
		appender = w
	}

	opts := Options{
		Markets: []risk.Market{btcMarket()},
		Spot: matching.StaticSpecs{"ETH-USDC": {
			Pair: "ETH-USDC", TickSize: d("0.01"), MinSize: d("0.01"), Active: true,
		}},
		Journal: sequence.NewJournal(sequence.New(0), clk, appender),
		Storage: store,
		Outbox:  outbox,
		Trades:  cfg.archive,
		Clock:   clk,
	}
	if cfg.relay {
		opts.Broadcaster = broadcaster.New(outbox, broadcaster.LogSink{Log: logrus.WithField("test", t.Name())}, broadcaster.Config{}, clk, nil)
	}
	svc, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })

	h := &harness{svc: svc, clk: clk, store: store, outbox: outbox}
	h.prices(t, "50000", "50000")
	return h
}

func (h *harness) prices(t *testing.T, mark, index string) {
	t.Helper()
	ctx := context.Background()
	if err := h.svc.SetMarkPrice(ctx, btc, d(mark)); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.SetIndexPrice(ctx, btc, d(index)); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) place(t *testing.T, trader string, side orderbook.Side, typ orderbook.OrderType, price, qty string) matching.Result {
	t.Helper()
	cmd := matching.PlaceOrder{
		Trader: trader, Pair: btc, Side: side, Type: typ,
		Quantity: d(qty), Leverage: d("10"),
	}
	if price != "" {
		cmd.Price = d(price)
	}
	res, err := h.svc.PlaceOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("place %s %s@%s: %v", side, qty, price, err)
	}
	return res
}

func (h *harness) outboxTypes(t *testing.T) []events.Type {
	t.Helper()
	var out []events.Type
	err := h.outbox.Scan(0, func(rec exitwal.Record) error {
		var ev struct {
			Type events.Type `json:"type"`
		}
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			return err
		}
		out = append(out, ev.Type)
		return nil
	}, exitwal.StateNew, exitwal.StateSent, exitwal.StateFailed)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func count(types []events.Type, t events.Type) int {
	n := 0
	for _, x := range types {
		if x == t {
			n++
		}
	}
	return n
}

func jsonOf(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

// ──────────────────────────────────────────────────────────

func TestPlaceOrderWritesThroughAndEmits(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()

	maker := h.place(t, "alice", orderbook.Sell, orderbook.Limit, "50000", "0.1")
	res := h.place(t, "bob", orderbook.Buy, orderbook.Limit, "50000", "0.1")

	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d; want 1", len(res.Trades))
	}
	trade := res.Trades[0]
	if r := h.store.Read(ctx, storage.Key{Kind: "trade", ID: trade.ID}); !r.Found {
		t.Fatal("trade not written to the hot tier")
	}
	o, err := h.svc.GetOrder(ctx, maker.Order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != orderbook.Filled {
		t.Fatalf("maker status = %s; want FILLED", o.Status)
	}

	alice := h.svc.GetTraderPositions(ctx, "alice")
	bob := h.svc.GetTraderPositions(ctx, "bob")
	if len(alice) != 1 || alice[0].Side != risk.Short || len(bob) != 1 || bob[0].Side != risk.Long {
		t.Fatalf("positions alice=%+v bob=%+v", alice, bob)
	}
	if r := h.store.Read(ctx, storage.Key{Kind: "position", ID: bob[0].ID}); !r.Found {
		t.Fatal("position opened by fill not written")
	}

	types := h.outboxTypes(t)
	if count(types, events.TradeExecuted) != 1 {
		t.Fatalf("trade events = %d; outbox %v", count(types, events.TradeExecuted), types)
	}
	if count(types, events.PositionOpened) != 2 {
		t.Fatalf("position.opened events = %d", count(types, events.PositionOpened))
	}
	if count(types, events.BookDelta) == 0 {
		t.Fatal("no book deltas in outbox")
	}
}

func TestRejectedOrderLeavesNoTrace(t *testing.T) {
	h := newHarness(t, setup{})
	before := len(h.outboxTypes(t))

	_, err := h.svc.PlaceOrder(context.Background(), matching.PlaceOrder{
		Trader: "alice", Pair: btc, Side: orderbook.Buy, Type: orderbook.Limit,
		Price: d("50000.25"), Quantity: d("0.1"),
	})
	if !errors.Is(err, staticerr.ErrValidation) {
		t.Fatalf("err = %v; want validation", err)
	}
	if after := len(h.outboxTypes(t)); after != before {
		t.Fatalf("outbox grew from %d to %d on a rejected order", before, after)
	}
}

func TestCancelledOrderServedFromStorage(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()

	res := h.place(t, "alice", orderbook.Buy, orderbook.Limit, "49000", "0.1")
	if _, err := h.svc.CancelOrder(ctx, res.Order.ID); err != nil {
		t.Fatal(err)
	}
	o, err := h.svc.GetOrder(ctx, res.Order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != orderbook.Cancelled {
		t.Fatalf("status = %s; want CANCELLED", o.Status)
	}
	if _, err := h.svc.CancelOrder(ctx, res.Order.ID); !errors.Is(err, staticerr.ErrOrderNotFound) {
		t.Fatalf("second cancel err = %v", err)
	}
	if _, err := h.svc.GetOrder(ctx, "nope"); !errors.Is(err, staticerr.ErrNotFound) {
		t.Fatalf("unknown order err = %v", err)
	}
}

func TestGetOrderBook(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()

	h.place(t, "alice", orderbook.Buy, orderbook.Limit, "49000", "0.1")
	h.place(t, "alice", orderbook.Buy, orderbook.Limit, "48000", "0.2")
	h.place(t, "bob", orderbook.Sell, orderbook.Limit, "51000", "0.3")

	b, err := h.svc.GetOrderBook(ctx, btc, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Bids) != 1 || !b.Bids[0].Price.Equal(d("49000")) || len(b.Asks) != 1 {
		t.Fatalf("book = %+v", b.BookView)
	}
	if b.Degraded || !b.ValidatorConsensus || len(b.SourceNodes) != 1 || b.SourceNodes[0] != storage.TierHot {
		t.Fatalf("live book annotation = %+v", b)
	}

	spot, err := h.svc.GetOrderBook(ctx, "ETH-USDC", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(spot.Bids) != 0 || len(spot.Asks) != 0 || spot.Degraded {
		t.Fatalf("fresh pair book = %+v", spot)
	}

	if _, err := h.svc.GetOrderBook(ctx, "DOGE-PERP", 10); !errors.Is(err, staticerr.ErrMarketNotFound) {
		t.Fatalf("unknown pair err = %v", err)
	}
}

func TestGetOrderBookDegradedWhenTiersUnreachable(t *testing.T) {
	down := errors.New("connection refused")
	h := newHarness(t, setup{
		warm: storage.UnreachableWarm(down),
		cold: storage.UnreachableCold(down),
	})
	ctx := context.Background()

	b, err := h.svc.GetOrderBook(ctx, "ETH-USDC", 10)
	if err != nil {
		t.Fatalf("degraded read must not fail: %v", err)
	}
	if !b.Degraded || b.ValidatorConsensus || len(b.SourceNodes) != 0 {
		t.Fatalf("annotation = %+v; want degraded, no consensus, no sources", b)
	}
	if len(b.Bids) != 0 || len(b.Asks) != 0 || b.Pair != "ETH-USDC" {
		t.Fatalf("book = %+v; want empty", b.BookView)
	}

	// The hot path is unaffected.
	res := h.place(t, "alice", orderbook.Buy, orderbook.Limit, "49000", "0.1")
	if res.Order.Status != orderbook.Open {
		t.Fatalf("status = %s", res.Order.Status)
	}
	if live, err := h.svc.GetOrderBook(ctx, btc, 10); err != nil || live.Degraded || len(live.Bids) != 1 {
		t.Fatalf("live book under degraded storage = %+v, %v", live, err)
	}

	health := h.svc.Health()
	if health.Status != "degraded" || !health.Storage.Degraded {
		t.Fatalf("health = %+v", health)
	}
	if count(h.outboxTypes(t), events.DegradationWarning) != 0 {
		t.Fatal("degradation notices only reach the outbox through OutboxNotifier")
	}
}

func TestGetOrderBookFromSnapshot(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	h.place(t, "alice", orderbook.Buy, orderbook.Limit, "49000", "0.1")
	h.place(t, "alice", orderbook.Buy, orderbook.Limit, "48500", "0.1")

	if n := h.svc.SnapshotBooks(ctx); n != 1 {
		t.Fatalf("snapshots = %d; want 1", n)
	}

	// A second service over the same storage has no live book.
	other, err := New(Options{
		Markets: []risk.Market{btcMarket()},
		Storage: h.store,
		Clock:   h.clk,
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := other.GetOrderBook(ctx, btc, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Bids) != 1 || !b.Bids[0].Price.Equal(d("49000")) || b.Degraded {
		t.Fatalf("snapshot book = %+v", b)
	}
}

type fakeArchive struct {
	raw []json.RawMessage
	err error
}

func (a fakeArchive) TradesByPair(context.Context, string, int) ([]json.RawMessage, error) {
	return a.raw, a.err
}

func TestGetTradesFallsBackToArchive(t *testing.T) {
	archived := matching.Trade{ID: "t-1", Pair: btc, Price: d("50000"), Quantity: d("0.1"), Timestamp: t0}
	h := newHarness(t, setup{archive: fakeArchive{raw: []json.RawMessage{
		json.RawMessage(jsonOf(t, archived)),
		json.RawMessage(`{"price":"not a number"}`),
	}}})
	ctx := context.Background()

	trades, err := h.svc.GetTrades(ctx, btc, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 || trades[0].ID != "t-1" {
		t.Fatalf("archived trades = %+v", trades)
	}

	h.place(t, "alice", orderbook.Sell, orderbook.Limit, "50000", "0.1")
	h.place(t, "bob", orderbook.Buy, orderbook.Market, "", "0.1")
	trades, err = h.svc.GetTrades(ctx, btc, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 || trades[0].ID == "t-1" {
		t.Fatalf("live trades = %+v", trades)
	}

	if _, err := h.svc.GetTrades(ctx, "DOGE-PERP", 10); !errors.Is(err, staticerr.ErrMarketNotFound) {
		t.Fatalf("unknown pair err = %v", err)
	}
}

func TestGetTradesArchiveFailureIsNotAnError(t *testing.T) {
	h := newHarness(t, setup{archive: fakeArchive{err: errors.New("sqlite busy")}})
	trades, err := h.svc.GetTrades(context.Background(), btc, 10)
	if err != nil || len(trades) != 0 {
		t.Fatalf("trades = %v, err = %v", trades, err)
	}
}

func TestPositionLifecycle(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()

	p, err := h.svc.OpenPosition(ctx, risk.OpenPosition{
		Trader: "carol", Market: btc, Side: risk.Long, Size: d("0.2"), Leverage: d("10"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !p.Margin.Equal(d("1000")) {
		t.Fatalf("margin = %s; want 1000", p.Margin)
	}
	if p, err = h.svc.UpdateLeverage(ctx, p.ID, d("5")); err != nil || !p.Margin.Equal(d("2000")) {
		t.Fatalf("update leverage: %+v %v", p, err)
	}
	if _, err := h.svc.UpdateLeverage(ctx, p.ID, d("50")); !errors.Is(err, staticerr.ErrLeverageExceeded) {
		t.Fatalf("leverage 50 err = %v", err)
	}

	if p, err = h.svc.ClosePosition(ctx, p.ID, d("0.1"), d("51000")); err != nil {
		t.Fatal(err)
	}
	if !p.RealizedPnl.Equal(d("100")) || p.Status != risk.PositionOpen {
		t.Fatalf("partial close = %+v", p)
	}
	if p, err = h.svc.ClosePosition(ctx, p.ID, fixed.Zero, fixed.Zero); err != nil {
		t.Fatal(err)
	}
	if p.Status != risk.PositionClosed {
		t.Fatalf("status = %s", p.Status)
	}

	r := h.store.Read(ctx, storage.Key{Kind: "position", ID: p.ID})
	var stored risk.Position
	if err := r.Record.Decode(&stored); err != nil || stored.Status != risk.PositionClosed {
		t.Fatalf("stored position = %+v, %v", stored, err)
	}
	if !r.Record.Final {
		t.Fatal("closed position must be final for archival")
	}

	types := h.outboxTypes(t)
	if count(types, events.PositionOpened) != 1 || count(types, events.PositionClosed) != 1 {
		t.Fatalf("outbox = %v", types)
	}
}

func TestSuspendedMarketRejectsButCancels(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	res := h.place(t, "alice", orderbook.Buy, orderbook.Limit, "49000", "0.1")

	if err := h.svc.SetMarketStatus(ctx, btc, risk.MarketSuspended); err != nil {
		t.Fatal(err)
	}
	_, err := h.svc.PlaceOrder(ctx, matching.PlaceOrder{
		Trader: "bob", Pair: btc, Side: orderbook.Sell, Type: orderbook.Limit, Price: d("49000"), Quantity: d("0.1"),
	})
	if !errors.Is(err, staticerr.ErrInvalidOrder) {
		t.Fatalf("err = %v; want InvalidOrder", err)
	}
	if _, err := h.svc.CancelOrder(ctx, res.Order.ID); err != nil {
		t.Fatalf("cancel on suspended market: %v", err)
	}
}

func TestLiquidationSweepPersistsAndEmits(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()

	p, err := h.svc.OpenPosition(ctx, risk.OpenPosition{
		Trader: "dave", Market: btc, Side: risk.Long, Size: d("1"), Leverage: d("10"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if rep := h.svc.CheckLiquidations(ctx); len(rep.Liquidated) != 0 {
		t.Fatal("healthy position liquidated")
	}

	h.prices(t, "47000", "47000")
	rep := h.svc.CheckLiquidations(ctx)
	if len(rep.Liquidated) != 1 || rep.Liquidated[0].ID != p.ID {
		t.Fatalf("liquidated = %+v", rep.Liquidated)
	}

	var stored risk.Position
	r := h.store.Read(ctx, storage.Key{Kind: "position", ID: p.ID})
	if err := r.Record.Decode(&stored); err != nil || stored.Status != risk.PositionLiquidated {
		t.Fatalf("stored = %+v, %v", stored, err)
	}

	types := h.outboxTypes(t)
	if count(types, events.PositionLiquidated) != 1 || count(types, events.LiquidationBatch) != 1 {
		t.Fatalf("outbox = %v", types)
	}
	if rep := h.svc.CheckLiquidations(ctx); len(rep.Liquidated) != 0 {
		t.Fatal("position liquidated twice")
	}
}

func TestFundingSweepPersistsRate(t *testing.T) {
	h := newHarness(t, setup{})
	ctx := context.Background()
	if _, err := h.svc.OpenPosition(ctx, risk.OpenPosition{
		Trader: "erin", Market: btc, Side: risk.Long, Size: d("1"), Leverage: d("10"),
	}); err != nil {
		t.Fatal(err)
	}

	h.clk.Set(t0.Add(7*time.Hour + time.Minute))
	h.prices(t, "50100", "50000")
	rep := h.svc.ProcessFunding(ctx)
	if len(rep.Rates) != 1 || !rep.Rates[0].Rate.Equal(d("0.002")) {
		t.Fatalf("rates = %+v", rep.Rates)
	}

	boundary := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	key := storage.Key{Kind: "funding", ID: btc + "@" + strconv.FormatInt(boundary.Unix(), 10)}
	if r := h.store.Read(ctx, key); !r.Found {
		t.Fatalf("funding rate %s not stored", key)
	}
	if again := h.svc.ProcessFunding(ctx); len(again.Rates) != 0 {
		t.Fatal("funding boundary settled twice")
	}
	if count(h.outboxTypes(t), events.FundingProcessed) != 1 {
		t.Fatal("funding event missing")
	}
}

func TestReplayRebuildsState(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, setup{journal: dir})
	ctx := context.Background()

	h.place(t, "alice", orderbook.Sell, orderbook.Limit, "50100", "0.2")
	h.place(t, "bob", orderbook.Buy, orderbook.Limit, "50100", "0.1")
	resting := h.place(t, "bob", orderbook.Buy, orderbook.Limit, "49000", "0.05")
	if _, err := h.svc.CancelOrder(ctx, resting.Order.ID); err != nil {
		t.Fatal(err)
	}
	h.clk.Advance(time.Minute)
	carol, err := h.svc.OpenPosition(ctx, risk.OpenPosition{
		Trader: "carol", Market: btc, Side: risk.Short, Size: d("0.3"), Leverage: d("4"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.ClosePosition(ctx, carol.ID, d("0.1"), d("49500")); err != nil {
		t.Fatal(err)
	}
	h.clk.Set(t0.Add(7*time.Hour + time.Second))
	h.prices(t, "50200", "50000")
	h.svc.ProcessFunding(ctx)

	wantSeq := h.svc.Health().LastSeq
	wantBook, _ := h.svc.GetOrderBook(ctx, btc, 0)

	store := storage.New(ctx, storage.Config{}, storage.NewMemoryWarm(), storage.NewMemoryCold())
	outbox, err := exitwal.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer outbox.Close()
	replayed, err := New(Options{
		Markets: []risk.Market{btcMarket()},
		Storage: store,
		Outbox:  outbox,
		Clock:   clock.NewFake(t0.Add(48 * time.Hour)),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer replayed.Close()

	last, err := replayed.Replay(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if last != wantSeq || replayed.Health().LastSeq != wantSeq {
		t.Fatalf("last seq = %d / %d; want %d", last, replayed.Health().LastSeq, wantSeq)
	}

	for _, trader := range []string{"alice", "bob", "carol"} {
		got := jsonOf(t, replayed.GetTraderPositions(ctx, trader))
		want := jsonOf(t, h.svc.GetTraderPositions(ctx, trader))
		if got != want {
			t.Fatalf("%s positions after replay:\n got %s\nwant %s", trader, got, want)
		}
	}
	gotBook, _ := replayed.GetOrderBook(ctx, btc, 0)
	if jsonOf(t, gotBook.BookView) != jsonOf(t, wantBook.BookView) {
		t.Fatalf("book after replay:\n got %s\nwant %s", jsonOf(t, gotBook.BookView), jsonOf(t, wantBook.BookView))
	}
	if rate, _ := replayed.Risk().FundingRate(btc); !rate.Rate.Equal(d("0.004")) {
		t.Fatalf("funding rate after replay = %s", rate.Rate)
	}
	if counts, _ := outbox.Count(); counts[exitwal.StateNew] != 0 {
		t.Fatalf("replay appended %d outbox events", counts[exitwal.StateNew])
	}
	var stored risk.Position
	r := store.Read(ctx, storage.Key{Kind: "position", ID: carol.ID})
	if err := r.Record.Decode(&stored); err != nil || !stored.Size.Equal(d("0.2")) {
		t.Fatalf("replayed storage position = %+v, %v", stored, err)
	}
}

func TestJobsRunOnVirtualClock(t *testing.T) {
	h := newHarness(t, setup{relay: true})
	ctx := context.Background()
	h.place(t, "alice", orderbook.Buy, orderbook.Limit, "49000", "0.1")

	sched := scheduler.New(h.clk, nil)
	// Funding is not due within the first minute; a settlement racing the
	// broadcast would leave a backlog.
	for _, j := range h.svc.Jobs(Intervals{
		Funding:      time.Hour,
		Liquidations: time.Second,
		StorageSync:  time.Minute,
		Snapshot:     time.Minute,
		Broadcast:    time.Second,
	}) {
		sched.Add(j)
	}

	if backlog := h.svc.Health().OutboxBacklog; backlog == 0 {
		t.Fatal("expected outbox backlog before broadcasting")
	}
	h.clk.Advance(time.Minute)
	if n := sched.Tick(ctx); n != 4 {
		t.Fatalf("started %d jobs; want 4", n)
	}
	sched.Wait()

	health := h.svc.Health()
	for _, job := range []string{JobLiquidations, JobStorageSync, JobSnapshot, JobBroadcast} {
		if !health.Sweeps[job].Equal(t0.Add(time.Minute)) {
			t.Fatalf("sweep %s last ran %v", job, health.Sweeps[job])
		}
	}
	if _, ran := health.Sweeps[JobFunding]; ran {
		t.Fatal("funding ran before its interval")
	}
	if health.OutboxBacklog != 0 {
		t.Fatalf("backlog after broadcast = %d", health.OutboxBacklog)
	}
	if r := h.store.Read(ctx, storage.Key{Kind: "book", ID: btc}); !r.Found {
		t.Fatal("snapshot job did not persist the book")
	}
}

func TestJobsSkipDisabledAndRelayless(t *testing.T) {
	h := newHarness(t, setup{})
	jobs := h.svc.Jobs(Intervals{Funding: time.Minute, Broadcast: time.Second})
	if len(jobs) != 1 || jobs[0].Name != JobFunding {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestOutboxNotifierRecordsDegradation(t *testing.T) {
	w, err := exitwal.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	down := errors.New("dial tcp: refused")
	store := storage.New(context.Background(), storage.Config{}, storage.UnreachableWarm(down), nil,
		storage.WithNotifier(OutboxNotifier(w)))
	defer store.Close()

	counts, err := w.Count()
	if err != nil {
		t.Fatal(err)
	}
	if counts[exitwal.StateNew] != 1 {
		t.Fatalf("outbox = %v; want one degradation notice", counts)
	}
}

func TestConcurrentSamePairKeepsStorageInStep(t *testing.T) {
	warm := storage.NewMemoryWarm()
	h := newHarness(t, setup{warm: warm})
	ctx := context.Background()
	const pair = "ETH-USDC"

	maker, err := h.svc.PlaceOrder(ctx, matching.PlaceOrder{
		Trader: "maker", Pair: pair, Side: orderbook.Sell, Type: orderbook.Limit,
		Price: d("2000"), Quantity: d("200"),
	})
	if err != nil {
		t.Fatal(err)
	}

	const n = 100
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		kept []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			trader := "t" + strconv.Itoa(i)
			if _, err := h.svc.PlaceOrder(ctx, matching.PlaceOrder{
				Trader: trader, Pair: pair, Side: orderbook.Buy, Type: orderbook.Limit,
				Price: d("2000"), Quantity: d("1"),
			}); err != nil {
				t.Errorf("cross %d: %v", i, err)
				return
			}
			bid, err := h.svc.PlaceOrder(ctx, matching.PlaceOrder{
				Trader: trader, Pair: pair, Side: orderbook.Buy, Type: orderbook.Limit,
				Price: d("1900"), Quantity: d("0.5"),
			})
			if err != nil {
				t.Errorf("rest %d: %v", i, err)
				return
			}
			if i%2 == 0 {
				if _, err := h.svc.CancelOrder(ctx, bid.Order.ID); err != nil {
					t.Errorf("cancel %d: %v", i, err)
				}
				return
			}
			mu.Lock()
			kept = append(kept, bid.Order.ID)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	if t.Failed() {
		return
	}

	live, ok := h.svc.Matching().Order(maker.Order.ID)
	if !ok {
		t.Fatal("maker left the book")
	}
	if !live.Filled.Equal(d("100")) || !live.Filled.Add(live.Remaining()).Equal(live.Quantity) {
		t.Fatalf("maker filled %s remaining %s of %s", live.Filled, live.Remaining(), live.Quantity)
	}

	book, _ := h.svc.Matching().OrderBook(pair, 0)
	if len(book.Asks) != 1 || !book.Asks[0].Quantity.Equal(live.Remaining()) || book.Asks[0].Orders != 1 {
		t.Fatalf("asks = %+v", book.Asks)
	}
	sum := d("0")
	for _, id := range kept {
		o, ok := h.svc.Matching().Order(id)
		if !ok {
			t.Fatalf("resting bid %s missing", id)
		}
		sum = sum.Add(o.Remaining())
	}
	if len(book.Bids) != 1 || !book.Bids[0].Quantity.Equal(sum) || book.Bids[0].Orders != len(kept) {
		t.Fatalf("bids = %+v; want %s over %d orders", book.Bids, sum, len(kept))
	}

	stored := func(id string) orderbook.Order {
		t.Helper()
		r := h.store.Read(ctx, storage.Key{Kind: "order", ID: id})
		var o orderbook.Order
		if err := r.Record.Decode(&o); err != nil {
			t.Fatalf("decode %s: %v", id, err)
		}
		return o
	}
	if got := stored(maker.Order.ID); !got.Filled.Equal(live.Filled) || got.Status != live.Status || got.Version != live.Version {
		t.Fatalf("stored maker %s/%s v%d; engine %s/%s v%d",
			got.Filled, got.Status, got.Version, live.Filled, live.Status, live.Version)
	}
	for _, id := range kept {
		o, _ := h.svc.Matching().Order(id)
		if got := stored(id); got.Status != o.Status || got.Version != o.Version {
			t.Fatalf("stored %s = %s v%d; engine %s v%d", id, got.Status, got.Version, o.Status, o.Version)
		}
	}

	h.svc.SyncStorage(ctx)
	rec, err := warm.Get(ctx, storage.Key{Kind: "order", ID: maker.Order.ID})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Seq != live.Version {
		t.Fatalf("warm maker seq = %d; want %d", rec.Seq, live.Version)
	}
}
