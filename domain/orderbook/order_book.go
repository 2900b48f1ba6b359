package orderbook

import (
	"time"

	"perpcore/domain/fixed"
)

// Fill is one (taker, maker) execution produced by Match. Maker is the
// resting order as it stands after the fill.
type Fill struct {
	Maker    Order
	Quantity fixed.Decimal
	Price    fixed.Decimal
	Tick     int64
}

// Level is a read-only view of a price level.
type Level struct {
	Price    fixed.Decimal `json:"price"`
	Quantity fixed.Decimal `json:"quantity"`
	Orders   int           `json:"orders"`
}

// OrderBook is the bid/ask ladder for one pair. It is not safe for
// concurrent use; the matching engine serializes access per pair.
type OrderBook struct {
	Pair string
	Bids *LevelTree
	Asks *LevelTree

	LastSeq   uint64
	LastPrice fixed.Decimal
	UpdatedAt time.Time

	orders map[string]*Order
	stops  []*Order
}

func NewOrderBook(pair string) *OrderBook {
	return &OrderBook{
		Pair:   pair,
		Bids:   NewLevelTree(),
		Asks:   NewLevelTree(),
		orders: make(map[string]*Order),
	}
}

func (b *OrderBook) side(s Side) *LevelTree {
	if s == Buy {
		return b.Bids
	}
	return b.Asks
}

// Rest places o on its side of the book at o.Tick, behind any order already
// queued at that tick.
func (b *OrderBook) Rest(o *Order) {
	lvl := b.side(o.Side).Upsert(o.Tick, o.Price)
	lvl.Enqueue(o)
	b.orders[o.ID] = o
}

// Get returns a live order by id, resting or waiting on a trigger.
func (b *OrderBook) Get(id string) (*Order, bool) {
	if o, ok := b.orders[id]; ok {
		return o, true
	}
	for _, o := range b.stops {
		if o.ID == id {
			return o, true
		}
	}
	return nil, false
}

// Remove takes a live order off the book or out of the trigger list. Empty
// levels are pruned immediately.
func (b *OrderBook) Remove(id string) (*Order, bool) {
	if o, ok := b.orders[id]; ok {
		tree := b.side(o.Side)
		lvl := tree.Find(o.Tick)
		if lvl != nil {
			lvl.Remove(o)
			if lvl.Empty() {
				tree.Delete(o.Tick)
			}
		}
		delete(b.orders, id)
		return o, true
	}
	return b.RemoveStop(id)
}

// IsResting reports whether id sits on a price level, as opposed to the
// trigger list.
func (b *OrderBook) IsResting(id string) bool {
	_, ok := b.orders[id]
	return ok
}

func (b *OrderBook) Len() int {
	return len(b.orders)
}

func (b *OrderBook) BestBid() *PriceLevel { return b.Bids.Max() }

func (b *OrderBook) BestAsk() *PriceLevel { return b.Asks.Min() }

// Crosses reports whether an order on side at tick would execute against the
// opposite side immediately.
func (b *OrderBook) Crosses(side Side, tick int64) bool {
	if side == Buy {
		best := b.BestAsk()
		return best != nil && best.Tick <= tick
	}
	best := b.BestBid()
	return best != nil && best.Tick >= tick
}

// CanFill reports whether the opposite side holds enough quantity within the
// taker's limit to fill its whole remainder. It does not mutate the book.
func (b *OrderBook) CanFill(taker *Order) bool {
	need := taker.Remaining()
	if !need.IsPositive() {
		return true
	}
	available := fixed.Zero
	visit := func(lvl *PriceLevel) bool {
		if taker.Type.Priced() && !b.withinLimit(taker, lvl.Tick) {
			return false
		}
		available = available.Add(lvl.TotalQty)
		return available.LessThan(need)
	}
	if taker.Side == Buy {
		b.Asks.Ascend(visit)
	} else {
		b.Bids.Descend(visit)
	}
	return available.GreaterThanOrEqual(need)
}

func (b *OrderBook) withinLimit(taker *Order, tick int64) bool {
	if taker.Side == Buy {
		return tick <= taker.Tick
	}
	return tick >= taker.Tick
}

// Match executes taker against the opposite side in price-time priority at
// the makers' prices until the taker is filled or no level is within its
// limit. Filled makers are dequeued and exhausted levels deleted. The
// taker's remainder is left for the caller to rest or cancel.
func (b *OrderBook) Match(taker *Order, at time.Time) []Fill {
	var fills []Fill
	opposite := b.side(taker.Side.Opposite())

	for taker.Remaining().IsPositive() {
		var best *PriceLevel
		if taker.Side == Buy {
			best = opposite.Min()
		} else {
			best = opposite.Max()
		}
		if best == nil {
			break
		}
		if taker.Type.Priced() && !b.withinLimit(taker, best.Tick) {
			break
		}

		maker := best.Head()
		qty := fixed.Min(taker.Remaining(), maker.Remaining())

		taker.Fill(qty, at)
		maker.Fill(qty, at)
		best.reduce(qty)

		fills = append(fills, Fill{
			Maker:    maker.Snapshot(),
			Quantity: qty,
			Price:    best.Price,
			Tick:     best.Tick,
		})
		b.LastPrice = best.Price

		if maker.Remaining().IsZero() {
			best.PopHead()
			delete(b.orders, maker.ID)
		}
		if best.Empty() {
			opposite.Delete(best.Tick)
		}
	}
	if len(fills) > 0 {
		b.UpdatedAt = at
	}
	return fills
}

// LevelAt returns the current aggregate at tick. A pruned level reads as
// zero quantity and zero orders.
func (b *OrderBook) LevelAt(side Side, tick int64) (Level, bool) {
	lvl := b.side(side).Find(tick)
	if lvl == nil {
		return Level{}, false
	}
	return Level{Price: lvl.Price, Quantity: lvl.TotalQty, Orders: lvl.OrderCount}, true
}

// Depth returns up to n levels per side, bids descending and asks ascending.
// n <= 0 means every level.
func (b *OrderBook) Depth(n int) (bids, asks []Level) {
	collect := func(dst *[]Level) func(*PriceLevel) bool {
		return func(lvl *PriceLevel) bool {
			*dst = append(*dst, Level{Price: lvl.Price, Quantity: lvl.TotalQty, Orders: lvl.OrderCount})
			return n <= 0 || len(*dst) < n
		}
	}
	bids = []Level{}
	asks = []Level{}
	b.Bids.Descend(collect(&bids))
	b.Asks.Ascend(collect(&asks))
	return bids, asks
}

// ───── Stop triggers ─────

// AddStop parks a STOP or STOP_LIMIT order until the last trade price
// reaches its stop price. Orders trigger in arrival order.
func (b *OrderBook) AddStop(o *Order) {
	b.stops = append(b.stops, o)
}

func (b *OrderBook) RemoveStop(id string) (*Order, bool) {
	for i, o := range b.stops {
		if o.ID == id {
			b.stops = append(b.stops[:i], b.stops[i+1:]...)
			return o, true
		}
	}
	return nil, false
}

func (b *OrderBook) Stops() []*Order {
	return b.stops
}

// TakeTriggered removes and returns the stop orders whose condition holds at
// last: BUY stops at or above their stop price, SELL stops at or below.
func (b *OrderBook) TakeTriggered(last fixed.Decimal) []*Order {
	if len(b.stops) == 0 {
		return nil
	}
	var fired []*Order
	kept := b.stops[:0]
	for _, o := range b.stops {
		hit := (o.Side == Buy && last.GreaterThanOrEqual(o.StopPrice)) ||
			(o.Side == Sell && last.LessThanOrEqual(o.StopPrice))
		if hit {
			fired = append(fired, o)
		} else {
			kept = append(kept, o)
		}
	}
	for i := len(kept); i < len(b.stops); i++ {
		b.stops[i] = nil
	}
	b.stops = kept
	return fired
}

// Each visits every resting order, bids first, in book order.
func (b *OrderBook) Each(fn func(*Order)) {
	walk := func(lvl *PriceLevel) bool {
		for o := lvl.Head(); o != nil; o = o.Next() {
			fn(o)
		}
		return true
	}
	b.Bids.Descend(walk)
	b.Asks.Ascend(walk)
}
