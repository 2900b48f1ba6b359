package matching

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"perpcore/domain/command"
	"perpcore/domain/fixed"
	"perpcore/domain/orderbook"
	"perpcore/events"
	"perpcore/staticerr"
)

// Locker serializes mutations per pair.
type Locker interface {
	Lock(pair string) (unlock func())
}

// FillSink receives trades on perpetual pairs. Both methods run inside the
// pair's critical section.
type FillSink interface {
	// CheckOrder rejects an order the position engine could not accept.
	// Called before any mutation.
	CheckOrder(cmd PlaceOrder) error
	// ApplyTrades moves positions for both legs of every trade. It must
	// not fail; anything it cannot absorb has to be caught by CheckOrder.
	ApplyTrades(pair string, st command.Stamp, trades []Trade) []events.Event
}

type Option func(*Engine)

func WithFillSink(s FillSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithTradeHistory bounds the per-pair recent trades kept for Trades.
func WithTradeHistory(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.history = n
		}
	}
}

// Engine owns order lifecycle for every pair. Books are created lazily on
// first accepted order.
type Engine struct {
	mu     sync.RWMutex
	books  map[string]*orderbook.OrderBook
	index  map[string]string // live order id → pair
	recent map[string]*tradeRing

	specs   Specs
	locks   Locker
	stamper command.Stamper
	sink    FillSink
	history int
	log     *logrus.Entry
}

func New(specs Specs, locks Locker, stamper command.Stamper, opts ...Option) *Engine {
	e := &Engine{
		books:   make(map[string]*orderbook.OrderBook),
		index:   make(map[string]string),
		recent:  make(map[string]*tradeRing),
		specs:   specs,
		locks:   locks,
		stamper: stamper,
		history: 1000,
		log:     logrus.WithField("component", "matching"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ───── Commands ─────

// Submit validates cmd, then matches it. Nothing is mutated and no sequence
// number is consumed when it returns an error.
func (e *Engine) Submit(cmd PlaceOrder) (Result, error) {
	unlock := e.locks.Lock(cmd.Pair)
	defer unlock()

	spec, tick, err := e.validate(cmd)
	if err != nil {
		return Result{}, err
	}
	if spec.Perpetual && e.sink != nil {
		if err := e.sink.CheckOrder(cmd); err != nil {
			return Result{}, err
		}
	}

	book := e.bookFor(cmd.Pair)
	o := &orderbook.Order{
		Trader:    cmd.Trader,
		Pair:      cmd.Pair,
		Side:      cmd.Side,
		Type:      cmd.Type,
		Price:     cmd.Price,
		StopPrice: cmd.StopPrice,
		Quantity:  cmd.Quantity,
		Leverage:  cmd.Leverage,
		Tick:      tick,
	}
	if !o.Type.Priced() {
		o.Price = fixed.Zero
	}
	if o.Leverage.IsZero() {
		o.Leverage = fixed.FromInt(1)
	}

	switch {
	case o.Type == orderbook.FOK && !book.CanFill(o):
		return Result{}, staticerr.Violate(staticerr.ErrInsufficientLiquidity, "quantity", o.Quantity, "available within limit")
	case o.Type == orderbook.PostOnly && book.Crosses(o.Side, tick):
		return Result{}, staticerr.Violate(staticerr.ErrInvalidOrder, "type", o.Type, "post-only must not cross")
	}

	st := e.stamper.Stamp(cmd, e.stamper.Now())
	o.ID = command.ID("order", st.Seq, 0)
	o.SeqID = st.Seq
	o.Version = st.Seq
	o.CreatedAt = st.At
	o.UpdatedAt = st.At
	o.Status = orderbook.Open

	x := e.newBatch(book, spec, st)
	x.accepted(o)

	if o.Type.Triggered() {
		book.AddStop(o)
		e.track(o.ID, cmd.Pair)
		x.touch(o)
	} else {
		x.execute(o)
	}
	x.cascade()

	res := x.result(o)
	if spec.Perpetual && e.sink != nil && len(res.Trades) > 0 {
		res.Events = append(res.Events, e.sink.ApplyTrades(cmd.Pair, st, res.Trades)...)
	}
	e.remember(cmd.Pair, res.Trades)

	e.log.WithFields(logrus.Fields{
		"seq":    st.Seq,
		"pair":   cmd.Pair,
		"order":  o.ID,
		"type":   o.Type.String(),
		"trades": len(res.Trades),
		"status": res.Order.Status.String(),
	}).Debug("order submitted")

	return res, nil
}

// Cancel removes a live order. Unknown and terminal orders fail with
// OrderNotFound. Suspended markets still accept cancels.
func (e *Engine) Cancel(cmd CancelOrder) (Result, error) {
	pair, ok := e.pairOf(cmd.OrderID)
	if !ok {
		return Result{}, errors.Wrapf(staticerr.ErrOrderNotFound, "order %s", cmd.OrderID)
	}

	unlock := e.locks.Lock(pair)
	defer unlock()

	book := e.existingBook(pair)
	if book == nil {
		return Result{}, errors.Wrapf(staticerr.ErrOrderNotFound, "order %s", cmd.OrderID)
	}
	o, ok := book.Get(cmd.OrderID)
	if !ok || o.Status.Terminal() {
		return Result{}, errors.Wrapf(staticerr.ErrOrderNotFound, "order %s", cmd.OrderID)
	}
	spec, _ := e.specs.Spec(pair)

	st := e.stamper.Stamp(cmd, e.stamper.Now())
	x := e.newBatch(book, spec, st)

	resting := book.IsResting(o.ID)
	book.Remove(o.ID)
	e.untrack(o.ID)
	o.Cancel(st.At)
	if resting {
		x.level(o.Side, o.Tick)
	}
	x.touch(o)

	return x.result(o), nil
}

// ───── Queries ─────

// OrderBook returns up to depth levels per side. ok is false for a pair that
// has never had an order.
func (e *Engine) OrderBook(pair string, depth int) (BookView, bool) {
	book := e.existingBook(pair)
	if book == nil {
		return BookView{}, false
	}
	unlock := e.locks.Lock(pair)
	defer unlock()

	bids, asks := book.Depth(depth)
	return BookView{
		Pair:      pair,
		Bids:      bids,
		Asks:      asks,
		Sequence:  book.LastSeq,
		Timestamp: book.UpdatedAt,
	}, true
}

// Trades returns up to limit recent trades, newest first.
func (e *Engine) Trades(pair string, limit int) []Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.recent[pair]
	if !ok {
		return []Trade{}
	}
	return r.latest(limit)
}

// Order returns a live order.
func (e *Engine) Order(id string) (orderbook.Order, bool) {
	pair, ok := e.pairOf(id)
	if !ok {
		return orderbook.Order{}, false
	}
	unlock := e.locks.Lock(pair)
	defer unlock()

	book := e.existingBook(pair)
	if book == nil {
		return orderbook.Order{}, false
	}
	o, ok := book.Get(id)
	if !ok {
		return orderbook.Order{}, false
	}
	return o.Snapshot(), true
}

// Pairs lists every pair with a book.
func (e *Engine) Pairs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.books))
	for p := range e.books {
		out = append(out, p)
	}
	return out
}

// ───── Internals ─────

func (e *Engine) validate(cmd PlaceOrder) (Spec, int64, error) {
	spec, ok := e.specs.Spec(cmd.Pair)
	if !ok {
		return Spec{}, 0, staticerr.Violate(staticerr.ErrInvalidOrder, "pair", cmd.Pair, "listed pair")
	}
	if !spec.Active {
		return spec, 0, staticerr.Violate(staticerr.ErrInvalidOrder, "market.status", "SUSPENDED", "ACTIVE")
	}
	if cmd.Trader == "" {
		return spec, 0, staticerr.Violate(staticerr.ErrInvalidOrder, "trader", `""`, "non-empty")
	}
	if cmd.Side != orderbook.Buy && cmd.Side != orderbook.Sell {
		return spec, 0, staticerr.Violate(staticerr.ErrInvalidOrder, "side", cmd.Side, "BUY|SELL")
	}
	if cmd.Type < orderbook.Limit || cmd.Type > orderbook.StopLimit {
		return spec, 0, staticerr.Violate(staticerr.ErrInvalidOrder, "type", cmd.Type, "known order type")
	}
	if !cmd.Quantity.IsPositive() {
		return spec, 0, staticerr.Violate(staticerr.ErrInvalidOrder, "quantity", cmd.Quantity, "> 0")
	}
	if cmd.Quantity.LessThan(spec.MinSize) {
		return spec, 0, staticerr.Violate(staticerr.ErrInvalidOrder, "quantity", cmd.Quantity, spec.MinSize)
	}
	if cmd.Leverage.IsNegative() {
		return spec, 0, staticerr.Violate(staticerr.ErrInvalidOrder, "leverage", cmd.Leverage, ">= 0")
	}
	if cmd.Type.Triggered() && !cmd.StopPrice.IsPositive() {
		return spec, 0, staticerr.Violate(staticerr.ErrInvalidOrder, "stop_price", cmd.StopPrice, "> 0")
	}

	var tick int64
	if cmd.Type.Priced() {
		if !cmd.Price.IsPositive() {
			return spec, 0, staticerr.Violate(staticerr.ErrInvalidOrder, "price", cmd.Price, "> 0")
		}
		t, ok := cmd.Price.Ticks(spec.TickSize)
		if !ok {
			return spec, 0, staticerr.Violate(staticerr.ErrInvalidOrder, "price", cmd.Price, "multiple of "+spec.TickSize.String())
		}
		tick = t
	}
	return spec, tick, nil
}

func (e *Engine) bookFor(pair string) *orderbook.OrderBook {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[pair]
	if !ok {
		b = orderbook.NewOrderBook(pair)
		e.books[pair] = b
		e.recent[pair] = newTradeRing(e.history)
	}
	return b
}

func (e *Engine) existingBook(pair string) *orderbook.OrderBook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.books[pair]
}

func (e *Engine) pairOf(id string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.index[id]
	return p, ok
}

func (e *Engine) track(id, pair string) {
	e.mu.Lock()
	e.index[id] = pair
	e.mu.Unlock()
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.index, id)
	e.mu.Unlock()
}

func (e *Engine) remember(pair string, trades []Trade) {
	if len(trades) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.recent[pair]
	for _, t := range trades {
		r.push(t)
	}
}
