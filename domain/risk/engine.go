package risk

import (
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"perpcore/domain/command"
	"perpcore/domain/fixed"
	"perpcore/events"
	"perpcore/staticerr"
)

// Locker serializes mutations per market; it is the same lock matching
// takes for the pair.
type Locker interface {
	Lock(pair string) (unlock func())
}

type marketState struct {
	Market
	mark      fixed.Decimal
	index     fixed.Decimal
	funding   FundingRate
	lastFunds time.Time
	insurance fixed.Decimal
}

// Engine owns markets, positions, funding, and the insurance funds.
//
// Lock order is always pair lock, then e.mu. Mutating methods take both;
// ApplyTrades is called by matching with the pair lock already held.
type Engine struct {
	mu        sync.Mutex
	markets   map[string]*marketState
	positions map[string]*Position
	open      map[openKey]string
	byTrader  map[string][]string

	locks   Locker
	stamper command.Stamper
	log     *logrus.Entry
}

type openKey struct {
	trader string
	market string
}

func NewEngine(locks Locker, stamper command.Stamper) *Engine {
	return &Engine{
		markets:   make(map[string]*marketState),
		positions: make(map[string]*Position),
		open:      make(map[openKey]string),
		byTrader:  make(map[string][]string),
		locks:     locks,
		stamper:   stamper,
		log:       logrus.WithField("component", "risk"),
	}
}

// ───── Admin ─────

// AddMarket registers a market from configuration. It is not journaled;
// the same configuration is loaded before every replay.
func (e *Engine) AddMarket(m Market) error {
	if err := m.Validate(); err != nil {
		return staticerr.Mark(err, staticerr.ErrValidation)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.markets[m.Symbol]; ok {
		return errors.Newf("risk: market %s already registered", m.Symbol)
	}
	e.markets[m.Symbol] = &marketState{
		Market:  m,
		funding: FundingRate{Market: m.Symbol},
	}
	return nil
}

func (e *Engine) SetMarketStatus(cmd SetMarketStatus) error {
	return e.withMarket(cmd.Market, func(ms *marketState) error {
		if cmd.Status != MarketActive && cmd.Status != MarketSuspended {
			return staticerr.Violate(staticerr.ErrInvalidOrder, "status", cmd.Status, "ACTIVE|SUSPENDED")
		}
		e.stamper.Stamp(cmd, e.stamper.Now())
		ms.Status = cmd.Status
		e.log.WithFields(logrus.Fields{"market": cmd.Market, "status": cmd.Status.String()}).Info("market status changed")
		return nil
	})
}

// SetMarkPrice records the oracle mark. Unrealized PnL and liquidation
// visibility follow it on the next read or sweep.
func (e *Engine) SetMarkPrice(cmd SetMarkPrice) error {
	return e.withMarket(cmd.Market, func(ms *marketState) error {
		if !cmd.Price.IsPositive() {
			return staticerr.Violate(staticerr.ErrInvalidPrice, "mark_price", cmd.Price, "> 0")
		}
		e.stamper.Stamp(cmd, e.stamper.Now())
		ms.mark = cmd.Price
		return nil
	})
}

func (e *Engine) SetIndexPrice(cmd SetIndexPrice) error {
	return e.withMarket(cmd.Market, func(ms *marketState) error {
		if !cmd.Price.IsPositive() {
			return staticerr.Violate(staticerr.ErrInvalidPrice, "index_price", cmd.Price, "> 0")
		}
		e.stamper.Stamp(cmd, e.stamper.Now())
		ms.index = cmd.Price
		return nil
	})
}

func (e *Engine) withMarket(symbol string, fn func(*marketState) error) error {
	unlock := e.locks.Lock(symbol)
	defer unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, ok := e.markets[symbol]
	if !ok {
		return errors.Wrapf(staticerr.ErrMarketNotFound, "market %q", symbol)
	}
	return fn(ms)
}

// ───── Position commands ─────

// OpenPosition opens a position, or adds to an open one on the same side
// and re-margins all of it at the requested leverage. Opening against an
// open position on the other side fails with PositionConflict.
func (e *Engine) OpenPosition(cmd OpenPosition) (Position, []events.Event, error) {
	unlock := e.locks.Lock(cmd.Market)
	defer unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, ok := e.markets[cmd.Market]
	if !ok {
		return Position{}, nil, errors.Wrapf(staticerr.ErrMarketNotFound, "market %q", cmd.Market)
	}
	if ms.Status != MarketActive {
		return Position{}, nil, staticerr.Violate(staticerr.ErrMarketUnavailable, "market.status", ms.Status, MarketActive)
	}
	if cmd.Trader == "" {
		return Position{}, nil, staticerr.Violate(staticerr.ErrInvalidOrder, "trader", `""`, "non-empty")
	}
	if cmd.Side != Long && cmd.Side != Short {
		return Position{}, nil, staticerr.Violate(staticerr.ErrInvalidOrder, "side", cmd.Side, "LONG|SHORT")
	}
	if err := checkLeverage(ms, cmd.Leverage); err != nil {
		return Position{}, nil, err
	}
	if cmd.Size.LessThan(ms.MinSize) || !cmd.Size.IsPositive() {
		return Position{}, nil, staticerr.Violate(staticerr.ErrSizeBelowMinimum, "size", cmd.Size, ms.MinSize)
	}
	price := cmd.Price
	if price.IsZero() {
		price = ms.mark
	}
	if !price.IsPositive() {
		return Position{}, nil, staticerr.Violate(staticerr.ErrInvalidPrice, "price", price, "> 0 (no mark price set)")
	}

	existing := e.openPosition(cmd.Trader, cmd.Market)
	if existing != nil && existing.Side != cmd.Side {
		return Position{}, nil, staticerr.Violate(staticerr.ErrPositionConflict, "side", cmd.Side, existing.Side)
	}

	st := e.stamper.Stamp(cmd, e.stamper.Now())

	if existing != nil {
		e.increase(ms, existing, cmd.Size, price, cmd.Leverage, st)
		out := e.view(existing)
		return out, []events.Event{events.New(events.PositionUpdated, st.Seq, cmd.Market, st.At, out)}, nil
	}

	p := e.create(ms, command.ID("position", st.Seq, 0), cmd.Trader, cmd.Side, cmd.Size, price, cmd.Leverage, st)
	out := e.view(p)

	e.log.WithFields(logrus.Fields{
		"seq":      st.Seq,
		"position": p.ID,
		"trader":   p.Trader,
		"market":   p.Market,
		"side":     p.Side.String(),
		"size":     p.Size.String(),
	}).Debug("position opened")

	return out, []events.Event{events.New(events.PositionOpened, st.Seq, cmd.Market, st.At, out)}, nil
}

// ClosePosition realizes PnL on Size at Price. A partial close releases
// margin pro rata and leaves the position OPEN.
func (e *Engine) ClosePosition(cmd ClosePosition) (Position, []events.Event, error) {
	market, err := e.marketOf(cmd.PositionID)
	if err != nil {
		return Position{}, nil, err
	}
	unlock := e.locks.Lock(market)
	defer unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.positions[cmd.PositionID]
	if !ok {
		return Position{}, nil, errors.Wrapf(staticerr.ErrPositionNotFound, "position %s", cmd.PositionID)
	}
	if p.Status != PositionOpen {
		return Position{}, nil, staticerr.Violate(staticerr.ErrPositionClosed, "status", p.Status, PositionOpen)
	}
	ms := e.markets[p.Market]

	size := cmd.Size
	if size.IsZero() {
		size = p.Size
	}
	if size.IsNegative() {
		return Position{}, nil, staticerr.Violate(staticerr.ErrInvalidOrder, "size", size, "> 0")
	}
	if size.GreaterThan(p.Size) {
		return Position{}, nil, staticerr.Violate(staticerr.ErrExceedsPositionSize, "size", size, p.Size)
	}
	price := cmd.Price
	if price.IsZero() {
		price = ms.mark
	}
	if !price.IsPositive() {
		return Position{}, nil, staticerr.Violate(staticerr.ErrInvalidPrice, "price", price, "> 0 (no mark price set)")
	}

	st := e.stamper.Stamp(cmd, e.stamper.Now())
	e.reduce(ms, p, size, price, st)

	out := e.view(p)
	typ := events.PositionUpdated
	if p.Status == PositionClosed {
		typ = events.PositionClosed
	}
	return out, []events.Event{events.New(typ, st.Seq, p.Market, st.At, out)}, nil
}

// UpdateLeverage re-margins an open position without touching size or
// entry price.
func (e *Engine) UpdateLeverage(cmd UpdateLeverage) (Position, []events.Event, error) {
	market, err := e.marketOf(cmd.PositionID)
	if err != nil {
		return Position{}, nil, err
	}
	unlock := e.locks.Lock(market)
	defer unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.positions[cmd.PositionID]
	if !ok {
		return Position{}, nil, errors.Wrapf(staticerr.ErrPositionNotFound, "position %s", cmd.PositionID)
	}
	if p.Status != PositionOpen {
		return Position{}, nil, staticerr.Violate(staticerr.ErrPositionClosed, "status", p.Status, PositionOpen)
	}
	ms := e.markets[p.Market]
	if err := checkLeverage(ms, cmd.Leverage); err != nil {
		return Position{}, nil, err
	}

	st := e.stamper.Stamp(cmd, e.stamper.Now())
	funded := fundedMargin(p)
	p.Leverage = cmd.Leverage
	p.Margin = initialMargin(p.Size, p.EntryPrice, p.Leverage).Add(funded)
	e.reprice(ms, p)
	p.UpdatedAt = st.At
	p.Version = st.Seq

	out := e.view(p)
	return out, []events.Event{events.New(events.PositionUpdated, st.Seq, p.Market, st.At, out)}, nil
}

// ───── Queries ─────

func (e *Engine) GetPosition(id string) (Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[id]
	if !ok {
		return Position{}, errors.Wrapf(staticerr.ErrPositionNotFound, "position %s", id)
	}
	return e.view(p), nil
}

// GetTraderPositions returns every position the trader ever held, oldest
// first.
func (e *Engine) GetTraderPositions(trader string) []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := e.byTrader[trader]
	out := make([]Position, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.view(e.positions[id]))
	}
	return out
}

func (e *Engine) GetMarket(symbol string) (Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms, ok := e.markets[symbol]
	if !ok {
		return Market{}, errors.Wrapf(staticerr.ErrMarketNotFound, "market %q", symbol)
	}
	return ms.Market, nil
}

// Markets lists market symbols in sorted order.
func (e *Engine) Markets() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.symbols()
}

// Prices returns the current mark and index of a market.
func (e *Engine) Prices(symbol string) (mark, index fixed.Decimal, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms, ok := e.markets[symbol]
	if !ok {
		return fixed.Zero, fixed.Zero, errors.Wrapf(staticerr.ErrMarketNotFound, "market %q", symbol)
	}
	return ms.mark, ms.index, nil
}

func (e *Engine) InsuranceFund(symbol string) (fixed.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms, ok := e.markets[symbol]
	if !ok {
		return fixed.Zero, errors.Wrapf(staticerr.ErrMarketNotFound, "market %q", symbol)
	}
	return ms.insurance, nil
}

func (e *Engine) FundingRate(symbol string) (FundingRate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms, ok := e.markets[symbol]
	if !ok {
		return FundingRate{}, errors.Wrapf(staticerr.ErrMarketNotFound, "market %q", symbol)
	}
	return ms.funding, nil
}

// ───── Internals (e.mu held) ─────

func checkLeverage(ms *marketState, lev fixed.Decimal) error {
	if !lev.IsPositive() {
		return staticerr.Violate(staticerr.ErrLeverageExceeded, "leverage", lev, "> 0")
	}
	if lev.GreaterThan(ms.MaxLeverage) {
		return staticerr.Violate(staticerr.ErrLeverageExceeded, "leverage", lev, ms.MaxLeverage)
	}
	return nil
}

func (e *Engine) symbols() []string {
	out := make([]string, 0, len(e.markets))
	for s := range e.markets {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) marketOf(positionID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[positionID]
	if !ok {
		return "", errors.Wrapf(staticerr.ErrPositionNotFound, "position %s", positionID)
	}
	return p.Market, nil
}

func (e *Engine) openPosition(trader, market string) *Position {
	id, ok := e.open[openKey{trader, market}]
	if !ok {
		return nil
	}
	return e.positions[id]
}

// positionsIn returns the market's open positions ordered by id so sweeps
// visit them deterministically.
func (e *Engine) positionsIn(market string) []*Position {
	var out []*Position
	for k, id := range e.open {
		if k.market == market {
			out = append(out, e.positions[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) create(ms *marketState, id, trader string, side Side, size, price, leverage fixed.Decimal, st command.Stamp) *Position {
	p := &Position{
		ID:         id,
		Trader:     trader,
		Market:     ms.Symbol,
		Side:       side,
		Size:       size,
		EntryPrice: price,
		Leverage:   leverage,
		Margin:     initialMargin(size, price, leverage),
		Status:     PositionOpen,
		OpenedAt:   st.At,
		UpdatedAt:  st.At,
		Version:    st.Seq,
	}
	e.reprice(ms, p)
	e.positions[id] = p
	e.open[openKey{trader, ms.Symbol}] = id
	e.byTrader[trader] = append(e.byTrader[trader], id)
	return p
}

func (e *Engine) increase(ms *marketState, p *Position, size, price, leverage fixed.Decimal, st command.Stamp) {
	funded := fundedMargin(p)
	total := p.Size.Add(size)
	p.EntryPrice = p.Notional().Add(size.Mul(price)).Div(total)
	p.Size = total
	p.Leverage = leverage
	p.Margin = initialMargin(p.Size, p.EntryPrice, p.Leverage).Add(funded)
	e.reprice(ms, p)
	p.UpdatedAt = st.At
	p.Version = st.Seq
}

// reduce realizes PnL on size at price and releases margin pro rata. It
// closes the position when nothing is left.
func (e *Engine) reduce(ms *marketState, p *Position, size, price fixed.Decimal, st command.Stamp) {
	p.RealizedPnl = p.RealizedPnl.Add(pnl(p.Side, size, p.EntryPrice, price))
	remaining := p.Size.Sub(size)
	if remaining.IsZero() {
		p.Size = fixed.Zero
		p.Margin = fixed.Zero
		p.LiquidationPrice = fixed.Zero
		p.Status = PositionClosed
		delete(e.open, openKey{p.Trader, p.Market})
	} else {
		p.Margin = p.Margin.Mul(remaining).Div(p.Size)
		p.Size = remaining
		e.reprice(ms, p)
	}
	p.UpdatedAt = st.At
	p.Version = st.Seq
}

func (e *Engine) reprice(ms *marketState, p *Position) {
	p.LiquidationPrice = liquidationPrice(p.Side, p.Size, p.EntryPrice, p.Margin, ms.MaintenanceMarginRatio)
}

// view copies p and derives mark-dependent fields. Unrealized PnL is never
// stored.
func (e *Engine) view(p *Position) Position {
	out := *p
	ms := e.markets[p.Market]
	if ms != nil && ms.mark.IsPositive() {
		out.MarkPrice = ms.mark
	} else {
		out.MarkPrice = p.EntryPrice
	}
	if p.Status == PositionOpen {
		out.UnrealizedPnl = pnl(p.Side, p.Size, p.EntryPrice, out.MarkPrice)
	} else {
		out.UnrealizedPnl = fixed.Zero
	}
	return out
}
