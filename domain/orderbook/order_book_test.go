package orderbook

import (
	"fmt"
	"testing"
	"time"

	"perpcore/domain/fixed"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newOrder(seq uint64, side Side, typ OrderType, tick int64, qty string) *Order {
	return &Order{
		ID:       fmt.Sprintf("o-%d", seq),
		Trader:   fmt.Sprintf("trader-%d", seq),
		Pair:     "BTC-USD",
		Side:     side,
		Type:     typ,
		Price:    fixed.FromInt(tick),
		Tick:     tick,
		Quantity: fixed.MustParse(qty),
		SeqID:    seq,
	}
}

func assertConserved(t *testing.T, o *Order) {
	t.Helper()
	if !o.Filled.Add(o.Remaining()).Equal(o.Quantity) {
		t.Fatalf("order %s: filled %s + remaining %s != quantity %s", o.ID, o.Filled, o.Remaining(), o.Quantity)
	}
}

func TestLimitOrderInsertAndMatch(t *testing.T) {
	book := NewOrderBook("BTC-USD")
	book.Rest(newOrder(1, Buy, Limit, 100, "5"))

	taker := newOrder(2, Sell, Limit, 100, "5")
	fills := book.Match(taker, t0)

	if len(fills) != 1 || !fills[0].Quantity.Equal(fixed.FromInt(5)) {
		t.Fatalf("fills = %+v", fills)
	}
	if book.Bids.Size() != 0 || book.Asks.Size() != 0 {
		t.Error("orders should have matched and book emptied")
	}
	if taker.Status != Filled || fills[0].Maker.Status != Filled {
		t.Error("both legs should be filled")
	}
}

func TestPriceTimePriority(t *testing.T) {
	book := NewOrderBook("BTC-USD")
	first := newOrder(1, Sell, Limit, 100, "1")
	second := newOrder(2, Sell, Limit, 100, "1")
	book.Rest(first)
	book.Rest(second)

	fills := book.Match(newOrder(3, Buy, Limit, 100, "1"), t0)

	if len(fills) != 1 || fills[0].Maker.ID != first.ID {
		t.Fatalf("expected earliest order to fill first, got %+v", fills)
	}
	if _, ok := book.Get(second.ID); !ok {
		t.Error("later order should still rest")
	}
}

func TestBetterPriceBeforeEarlierTime(t *testing.T) {
	book := NewOrderBook("BTC-USD")
	book.Rest(newOrder(1, Sell, Limit, 101, "1"))
	book.Rest(newOrder(2, Sell, Limit, 100, "1"))

	fills := book.Match(newOrder(3, Buy, Limit, 101, "2"), t0)
	if len(fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(fills))
	}
	if fills[0].Tick != 100 || fills[1].Tick != 101 {
		t.Errorf("fill ticks = %d,%d; want 100,101", fills[0].Tick, fills[1].Tick)
	}
}

func TestMakerPriceExecution(t *testing.T) {
	book := NewOrderBook("BTC-USD")
	book.Rest(newOrder(1, Sell, Limit, 95, "1"))

	fills := book.Match(newOrder(2, Buy, Limit, 100, "1"), t0)
	if len(fills) != 1 || !fills[0].Price.Equal(fixed.FromInt(95)) {
		t.Fatalf("expected execution at maker price 95, got %+v", fills)
	}
	if !book.LastPrice.Equal(fixed.FromInt(95)) {
		t.Errorf("last price = %s", book.LastPrice)
	}
}

func TestPartialFillKeepsLevelAggregate(t *testing.T) {
	book := NewOrderBook("BTC-USD")
	maker := newOrder(1, Sell, Limit, 100, "5")
	book.Rest(maker)
	book.Rest(newOrder(2, Sell, Limit, 100, "3"))

	taker := newOrder(3, Buy, Limit, 100, "2")
	book.Match(taker, t0)

	assertConserved(t, maker)
	assertConserved(t, taker)
	if maker.Status != PartiallyFilled {
		t.Errorf("maker status = %s", maker.Status)
	}
	lvl, ok := book.LevelAt(Sell, 100)
	if !ok || !lvl.Quantity.Equal(fixed.FromInt(6)) || lvl.Orders != 2 {
		t.Fatalf("level = %+v, %v", lvl, ok)
	}
}

func TestMarketSweepsLevels(t *testing.T) {
	book := NewOrderBook("BTC-USD")
	book.Rest(newOrder(1, Buy, Limit, 100, "1"))
	book.Rest(newOrder(2, Buy, Limit, 99, "1"))
	book.Rest(newOrder(3, Buy, Limit, 98, "1"))

	taker := newOrder(4, Sell, Market, 0, "2.5")
	fills := book.Match(taker, t0)

	if len(fills) != 3 {
		t.Fatalf("expected 3 fills, got %d", len(fills))
	}
	if book.Bids.Size() != 1 {
		t.Errorf("expected one remaining bid level, got %d", book.Bids.Size())
	}
	lvl, _ := book.LevelAt(Buy, 98)
	if !lvl.Quantity.Equal(fixed.MustParse("0.5")) {
		t.Errorf("remaining at 98 = %s", lvl.Quantity)
	}
	if !taker.Remaining().IsZero() {
		t.Errorf("taker remaining = %s", taker.Remaining())
	}
}

func TestCanFillDoesNotMutate(t *testing.T) {
	book := NewOrderBook("BTC-USD")
	book.Rest(newOrder(1, Sell, Limit, 100, "1"))
	book.Rest(newOrder(2, Sell, Limit, 101, "1"))
	book.Rest(newOrder(3, Sell, Limit, 105, "5"))

	if book.CanFill(newOrder(4, Buy, FOK, 101, "3")) {
		t.Error("only 2 available within limit 101")
	}
	if !book.CanFill(newOrder(5, Buy, FOK, 101, "2")) {
		t.Error("2 available within limit 101")
	}
	if !book.CanFill(newOrder(6, Buy, Market, 0, "7")) {
		t.Error("market order sees the full side")
	}

	bids, asks := book.Depth(0)
	if len(bids) != 0 || len(asks) != 3 || !asks[0].Quantity.Equal(fixed.FromInt(1)) {
		t.Fatalf("book changed: %+v %+v", bids, asks)
	}
}

func TestRemovePrunesEmptyLevel(t *testing.T) {
	book := NewOrderBook("BTC-USD")
	o := newOrder(1, Buy, Limit, 100, "1")
	book.Rest(o)

	got, ok := book.Remove(o.ID)
	if !ok || got != o {
		t.Fatal("remove failed")
	}
	if book.Bids.Size() != 0 {
		t.Error("empty level should be pruned")
	}
	if _, ok := book.Remove(o.ID); ok {
		t.Error("second remove should miss")
	}
}

func TestRemoveMiddleOfQueue(t *testing.T) {
	book := NewOrderBook("BTC-USD")
	a := newOrder(1, Buy, Limit, 100, "1")
	b := newOrder(2, Buy, Limit, 100, "2")
	c := newOrder(3, Buy, Limit, 100, "3")
	book.Rest(a)
	book.Rest(b)
	book.Rest(c)

	book.Remove(b.ID)

	lvl := book.Bids.Find(100)
	if lvl.Head() != a || a.Next() != c || c.Next() != nil {
		t.Fatal("queue links broken after middle removal")
	}
	if !lvl.TotalQty.Equal(fixed.FromInt(4)) || lvl.OrderCount != 2 {
		t.Errorf("aggregate = %s/%d", lvl.TotalQty, lvl.OrderCount)
	}
}

func TestDepthOrdering(t *testing.T) {
	book := NewOrderBook("BTC-USD")
	for i, tick := range []int64{98, 100, 99} {
		book.Rest(newOrder(uint64(i+1), Buy, Limit, tick, "1"))
	}
	for i, tick := range []int64{103, 101, 102} {
		book.Rest(newOrder(uint64(i+10), Sell, Limit, tick, "1"))
	}

	bids, asks := book.Depth(2)
	if len(bids) != 2 || !bids[0].Price.Equal(fixed.FromInt(100)) || !bids[1].Price.Equal(fixed.FromInt(99)) {
		t.Errorf("bids = %+v", bids)
	}
	if len(asks) != 2 || !asks[0].Price.Equal(fixed.FromInt(101)) || !asks[1].Price.Equal(fixed.FromInt(102)) {
		t.Errorf("asks = %+v", asks)
	}
}

func TestCrosses(t *testing.T) {
	book := NewOrderBook("BTC-USD")
	book.Rest(newOrder(1, Sell, Limit, 100, "1"))
	book.Rest(newOrder(2, Buy, Limit, 98, "1"))

	if !book.Crosses(Buy, 100) || book.Crosses(Buy, 99) {
		t.Error("buy crossing wrong")
	}
	if !book.Crosses(Sell, 98) || book.Crosses(Sell, 99) {
		t.Error("sell crossing wrong")
	}
}

func TestStopTriggers(t *testing.T) {
	book := NewOrderBook("BTC-USD")
	buyStop := newOrder(1, Buy, Stop, 0, "1")
	buyStop.StopPrice = fixed.FromInt(105)
	sellStop := newOrder(2, Sell, StopLimit, 90, "1")
	sellStop.StopPrice = fixed.FromInt(95)
	book.AddStop(buyStop)
	book.AddStop(sellStop)

	if fired := book.TakeTriggered(fixed.FromInt(100)); len(fired) != 0 {
		t.Fatalf("nothing should fire at 100, got %d", len(fired))
	}
	fired := book.TakeTriggered(fixed.FromInt(105))
	if len(fired) != 1 || fired[0] != buyStop {
		t.Fatalf("expected buy stop to fire, got %+v", fired)
	}
	if len(book.Stops()) != 1 {
		t.Fatal("sell stop should still wait")
	}
	if _, ok := book.Get(sellStop.ID); !ok {
		t.Error("waiting stop should be visible to Get")
	}
	if _, ok := book.Remove(sellStop.ID); !ok || len(book.Stops()) != 0 {
		t.Error("stop should be removable")
	}
}

func TestCancelTerminalIsNoop(t *testing.T) {
	o := newOrder(1, Buy, Limit, 100, "1")
	o.Fill(fixed.FromInt(1), t0)
	if o.Cancel(t0) {
		t.Fatal("filled order must not cancel")
	}
	if o.Status != Filled {
		t.Fatalf("status = %s", o.Status)
	}
}

func BenchmarkMatchSingleLevel(b *testing.B) {
	book := NewOrderBook("BTC-USD")
	qty := fixed.FromInt(1)
	for i := 0; i < b.N; i++ {
		maker := &Order{ID: fmt.Sprintf("m%d", i), Side: Sell, Type: Limit, Price: fixed.FromInt(100), Tick: 100, Quantity: qty}
		book.Rest(maker)
		taker := &Order{ID: fmt.Sprintf("t%d", i), Side: Buy, Type: Limit, Price: fixed.FromInt(100), Tick: 100, Quantity: qty}
		book.Match(taker, t0)
	}
}
