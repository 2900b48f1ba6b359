package matching

import (
	"perpcore/domain/command"
	"perpcore/domain/fixed"
	"perpcore/domain/orderbook"
	"perpcore/events"
)

type levelKey struct {
	side orderbook.Side
	tick int64
}

// batch accumulates the effects of one stamped command on one book.
type batch struct {
	e    *Engine
	book *orderbook.OrderBook
	spec Spec
	st   command.Stamp

	trades  []Trade
	levels  []levelKey
	seen    map[levelKey]bool
	touched []*orderbook.Order
	isTouch map[string]bool
	evs     []events.Event
}

func (e *Engine) newBatch(book *orderbook.OrderBook, spec Spec, st command.Stamp) *batch {
	book.LastSeq = st.Seq
	book.UpdatedAt = st.At
	return &batch{
		e:       e,
		book:    book,
		spec:    spec,
		st:      st,
		seen:    make(map[levelKey]bool),
		isTouch: make(map[string]bool),
	}
}

func (x *batch) accepted(o *orderbook.Order) {
	x.evs = append(x.evs, events.New(events.OrderAccepted, x.st.Seq, x.book.Pair, x.st.At, o.Snapshot()))
}

func (x *batch) level(side orderbook.Side, tick int64) {
	k := levelKey{side, tick}
	if !x.seen[k] {
		x.seen[k] = true
		x.levels = append(x.levels, k)
	}
}

func (x *batch) touch(o *orderbook.Order) {
	o.Version = x.st.Seq
	if !x.isTouch[o.ID] {
		x.isTouch[o.ID] = true
		x.touched = append(x.touched, o)
	}
}

// execute matches o and disposes of its remainder: resting types go on the
// book, everything else is cancelled.
func (x *batch) execute(o *orderbook.Order) {
	fills := x.book.Match(o, x.st.At)
	for _, f := range fills {
		x.fill(o, f)
	}

	if o.Remaining().IsPositive() {
		if o.Type.Rests() {
			x.book.Rest(o)
			x.e.track(o.ID, o.Pair)
			x.level(o.Side, o.Tick)
		} else {
			o.Cancel(x.st.At)
		}
	}
	if o.Status.Terminal() {
		x.e.untrack(o.ID)
	}
	x.touch(o)
}

func (x *batch) fill(taker *orderbook.Order, f orderbook.Fill) {
	notional := f.Price.Mul(f.Quantity)
	t := Trade{
		ID:            command.ID("trade", x.st.Seq, len(x.trades)),
		Pair:          x.book.Pair,
		Price:         f.Price,
		Quantity:      f.Quantity,
		TakerOrderID:  taker.ID,
		MakerOrderID:  f.Maker.ID,
		TakerTrader:   taker.Trader,
		MakerTrader:   f.Maker.Trader,
		TakerSide:     taker.Side,
		IsBuyerMaker:  f.Maker.Side == orderbook.Buy,
		TakerFee:      notional.Mul(x.spec.TakerFee),
		MakerFee:      notional.Mul(x.spec.MakerFee),
		TakerLeverage: taker.Leverage,
		MakerLeverage: f.Maker.Leverage,
		Seq:           x.st.Seq,
		Timestamp:     x.st.At,
	}
	x.trades = append(x.trades, t)
	x.level(f.Maker.Side, f.Tick)

	if f.Maker.Status.Terminal() {
		x.e.untrack(f.Maker.ID)
	}
	if live, ok := x.book.Get(f.Maker.ID); ok {
		live.Version = x.st.Seq
	}
	maker := f.Maker
	maker.Version = x.st.Seq
	x.touchSnapshot(&maker)
}

// touchSnapshot records a maker by value; later fills of the same maker in
// this batch replace the earlier snapshot.
func (x *batch) touchSnapshot(o *orderbook.Order) {
	if x.isTouch[o.ID] {
		for i, t := range x.touched {
			if t.ID == o.ID {
				x.touched[i] = o
				return
			}
		}
	}
	x.touch(o)
}

// cascade fires stop orders against the latest trade price until no more
// trigger. Each stop leaves the trigger list when it fires, so this ends.
func (x *batch) cascade() {
	for !x.book.LastPrice.IsZero() {
		fired := x.book.TakeTriggered(x.book.LastPrice)
		if len(fired) == 0 {
			return
		}
		for _, o := range fired {
			x.e.untrack(o.ID)
			x.execute(o)
		}
	}
}

func (x *batch) result(o *orderbook.Order) Result {
	res := Result{
		Order:  o.Snapshot(),
		Trades: x.trades,
		Seq:    x.st.Seq,
		At:     x.st.At,
	}

	for _, t := range x.touched {
		res.Touched = append(res.Touched, t.Snapshot())
	}

	for _, k := range x.levels {
		lvl, ok := x.book.LevelAt(k.side, k.tick)
		d := events.Delta{
			Pair:     x.book.Pair,
			Side:     k.side.String(),
			Quantity: "0",
			Sequence: x.st.Seq,
		}
		if ok {
			d.Price = lvl.Price.String()
			d.Quantity = lvl.Quantity.String()
			d.Orders = lvl.Orders
		} else {
			d.Price = fixed.FromInt(k.tick).Mul(x.spec.TickSize).String()
		}
		res.Deltas = append(res.Deltas, d)
	}

	evs := x.evs
	for _, t := range x.trades {
		evs = append(evs, events.New(events.TradeExecuted, x.st.Seq, x.book.Pair, x.st.At, t))
	}
	for _, t := range res.Touched {
		switch t.Status {
		case orderbook.Filled:
			evs = append(evs, events.New(events.OrderFilled, x.st.Seq, x.book.Pair, x.st.At, t))
		case orderbook.Cancelled:
			evs = append(evs, events.New(events.OrderCancelled, x.st.Seq, x.book.Pair, x.st.At, t))
		}
	}
	for _, d := range res.Deltas {
		evs = append(evs, events.New(events.BookDelta, x.st.Seq, x.book.Pair, x.st.At, d))
	}
	res.Events = evs
	return res
}
