package risk

import (
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"perpcore/domain/command"
	"perpcore/domain/fixed"
	"perpcore/domain/matching"
	"perpcore/domain/orderbook"
	"perpcore/events"
	"perpcore/staticerr"
)

// Spec exposes a perpetual market to matching.
func (e *Engine) Spec(pair string) (matching.Spec, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms, ok := e.markets[pair]
	if !ok {
		return matching.Spec{}, false
	}
	return matching.Spec{
		Pair:      ms.Symbol,
		TickSize:  ms.TickSize,
		MinSize:   ms.MinSize,
		MakerFee:  ms.MakerFee,
		TakerFee:  ms.TakerFee,
		Active:    ms.Status == MarketActive,
		Perpetual: true,
	}, true
}

// CheckOrder rejects an order whose fills the engine could not book. The
// pair lock is held by matching.
func (e *Engine) CheckOrder(cmd matching.PlaceOrder) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, ok := e.markets[cmd.Pair]
	if !ok {
		return errors.Wrapf(staticerr.ErrMarketNotFound, "market %q", cmd.Pair)
	}
	if ms.Status != MarketActive {
		return staticerr.Violate(staticerr.ErrMarketUnavailable, "market.status", ms.Status, MarketActive)
	}
	if cmd.Leverage.IsZero() {
		return nil
	}
	return checkLeverage(ms, cmd.Leverage)
}

// ApplyTrades books both legs of every trade into net positions: a fill on
// the position's side grows it, a fill against it realizes PnL and shrinks
// it, and an opposing fill larger than the position closes it and opens
// the remainder on the other side. Fees accrue on the leg's position.
func (e *Engine) ApplyTrades(pair string, st command.Stamp, trades []matching.Trade) []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, ok := e.markets[pair]
	if !ok {
		e.log.WithField("pair", pair).Error("trades for unknown perpetual market dropped")
		return nil
	}

	a := &fillApplier{e: e, ms: ms, st: st, changed: make(map[string]bool)}
	for _, t := range trades {
		takerSide, makerSide := Long, Short
		if t.TakerSide == orderbook.Sell {
			takerSide, makerSide = Short, Long
		}
		a.leg(t.TakerTrader, takerSide, t.Quantity, t.Price, t.TakerLeverage, t.TakerFee)
		a.leg(t.MakerTrader, makerSide, t.Quantity, t.Price, t.MakerLeverage, t.MakerFee)
	}
	return a.events()
}

type fillApplier struct {
	e       *Engine
	ms      *marketState
	st      command.Stamp
	created int

	order   []string
	changed map[string]bool
	opened  map[string]bool
}

func (a *fillApplier) touch(p *Position, opened bool) {
	if !a.changed[p.ID] {
		a.changed[p.ID] = true
		a.order = append(a.order, p.ID)
	}
	if opened {
		if a.opened == nil {
			a.opened = make(map[string]bool)
		}
		a.opened[p.ID] = true
	}
}

func (a *fillApplier) leg(trader string, side Side, qty, price, leverage, fee fixed.Decimal) {
	if leverage.IsZero() {
		leverage = one
	}
	p := a.e.openPosition(trader, a.ms.Symbol)

	switch {
	case p == nil:
		p = a.open(trader, side, qty, price, leverage)
	case p.Side == side:
		a.e.increase(a.ms, p, qty, price, leverage, a.st)
		a.touch(p, false)
	default:
		closing := fixed.Min(qty, p.Size)
		a.e.reduce(a.ms, p, closing, price, a.st)
		a.touch(p, false)
		if rest := qty.Sub(closing); rest.IsPositive() {
			p.Fees = p.Fees.Add(fee.Mul(closing).Div(qty))
			fee = fee.Sub(fee.Mul(closing).Div(qty))
			p = a.open(trader, side, rest, price, leverage)
		}
	}
	p.Fees = p.Fees.Add(fee)
}

func (a *fillApplier) open(trader string, side Side, qty, price, leverage fixed.Decimal) *Position {
	id := command.ID("position", a.st.Seq, a.created)
	a.created++
	p := a.e.create(a.ms, id, trader, side, qty, price, leverage, a.st)
	a.touch(p, true)
	a.e.log.WithFields(logrus.Fields{
		"seq":      a.st.Seq,
		"position": id,
		"trader":   trader,
		"side":     side.String(),
	}).Debug("position opened by fill")
	return p
}

func (a *fillApplier) events() []events.Event {
	evs := make([]events.Event, 0, len(a.order))
	for _, id := range a.order {
		p := a.e.positions[id]
		typ := events.PositionUpdated
		switch {
		case p.Status == PositionClosed:
			typ = events.PositionClosed
		case a.opened[id]:
			typ = events.PositionOpened
		}
		evs = append(evs, events.New(typ, a.st.Seq, a.ms.Symbol, a.st.At, a.e.view(p)))
	}
	return evs
}
