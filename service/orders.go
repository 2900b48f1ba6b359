package service

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"perpcore/domain/matching"
	"perpcore/domain/orderbook"
	"perpcore/staticerr"
	"perpcore/storage"
)

const (
	defaultDepth      = 50
	defaultTradeLimit = 100
	maxTradeLimit     = 1000
)

//
// ──────────────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────────────
//

// PlaceOrder matches cmd and returns the order as it stands afterwards
// together with the trades it produced.
func (s *Service) PlaceOrder(ctx context.Context, cmd matching.PlaceOrder) (matching.Result, error) {
	res, err := s.matching.Submit(cmd)
	if err != nil {
		s.metrics.Order(cmd.Pair, cmd.Type.String(), "rejected")
		return matching.Result{}, err
	}
	s.metrics.Order(cmd.Pair, cmd.Type.String(), "accepted")
	s.metrics.Trades(cmd.Pair, len(res.Trades))

	changed := make([]storage.Entity, 0, len(res.Touched)+len(res.Trades))
	for _, o := range res.Touched {
		changed = append(changed, o)
	}
	for _, t := range res.Trades {
		changed = append(changed, t)
	}
	changed = append(changed, positionsIn(res.Events)...)
	s.commit(ctx, changed, res.Events)
	return res, nil
}

func (s *Service) CancelOrder(ctx context.Context, orderID string) (orderbook.Order, error) {
	res, err := s.matching.Cancel(matching.CancelOrder{OrderID: orderID})
	if err != nil {
		return orderbook.Order{}, err
	}
	s.commit(ctx, []storage.Entity{res.Order}, res.Events)
	return res.Order, nil
}

//
// ──────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────
//

// GetOrder returns a live order, or a finished one from storage.
func (s *Service) GetOrder(ctx context.Context, id string) (orderbook.Order, error) {
	if o, ok := s.matching.Order(id); ok {
		return o, nil
	}
	r := s.storage.Read(ctx, storage.Key{Kind: "order", ID: id})
	if !r.Found {
		return orderbook.Order{}, errors.Wrapf(staticerr.ErrOrderNotFound, "order %s", id)
	}
	var o orderbook.Order
	if err := r.Record.Decode(&o); err != nil {
		return orderbook.Order{}, errors.Wrapf(err, "order %s", id)
	}
	return o, nil
}

// Book is a depth view annotated with where it came from. A live book
// has SourceNodes [hot] and consensus. A book that could not be read
// because storage is down is empty, has no SourceNodes and Degraded set.
type Book struct {
	matching.BookView
	SourceNodes        []string `json:"source_nodes"`
	ValidatorConsensus bool     `json:"validator_consensus"`
	Degraded           bool     `json:"degraded"`
}

// GetOrderBook serves the live book when the pair has one, otherwise the
// last persisted snapshot. A configured pair that never traded yields an
// empty book; an unknown pair fails with MarketNotFound unless storage
// could not be consulted, in which case the empty book is marked degraded.
func (s *Service) GetOrderBook(ctx context.Context, pair string, depth int) (Book, error) {
	if depth <= 0 {
		depth = defaultDepth
	}
	if view, ok := s.matching.OrderBook(pair, depth); ok {
		return Book{BookView: view, SourceNodes: []string{storage.TierHot}, ValidatorConsensus: true}, nil
	}

	r := s.storage.Read(ctx, storage.Key{Kind: "book", ID: pair})
	switch {
	case r.Found:
		var view matching.BookView
		if err := r.Record.Decode(&view); err != nil {
			return Book{}, errors.Wrapf(err, "book %s", pair)
		}
		view.Bids = clip(view.Bids, depth)
		view.Asks = clip(view.Asks, depth)
		return Book{BookView: view, SourceNodes: r.SourceNodes, ValidatorConsensus: r.ValidatorConsensus}, nil
	case r.Degraded:
		s.log.WithField("pair", pair).Warn("order book served degraded: storage unavailable")
		return Book{BookView: emptyBook(pair), SourceNodes: []string{}, Degraded: true}, nil
	}

	if _, ok := s.specs.Spec(pair); !ok {
		return Book{}, errors.Wrapf(staticerr.ErrMarketNotFound, "pair %q", pair)
	}
	return Book{BookView: emptyBook(pair), SourceNodes: r.SourceNodes, ValidatorConsensus: true}, nil
}

func emptyBook(pair string) matching.BookView {
	return matching.BookView{Pair: pair, Bids: []orderbook.Level{}, Asks: []orderbook.Level{}}
}

func clip(levels []orderbook.Level, n int) []orderbook.Level {
	if levels == nil {
		return []orderbook.Level{}
	}
	if len(levels) > n {
		return levels[:n]
	}
	return levels
}

// GetTrades returns up to limit recent trades of pair, newest first. When
// the in-memory history is empty it falls back to the trade archive.
func (s *Service) GetTrades(ctx context.Context, pair string, limit int) ([]matching.Trade, error) {
	switch {
	case limit <= 0:
		limit = defaultTradeLimit
	case limit > maxTradeLimit:
		limit = maxTradeLimit
	}
	if _, ok := s.specs.Spec(pair); !ok {
		return nil, errors.Wrapf(staticerr.ErrMarketNotFound, "pair %q", pair)
	}

	trades := s.matching.Trades(pair, limit)
	if len(trades) > 0 || s.trades == nil {
		return trades, nil
	}

	raw, err := s.trades.TradesByPair(ctx, pair, limit)
	if err != nil {
		// History is best effort; an unreachable archive is a health
		// signal, not a query failure.
		s.log.WithError(err).WithField("pair", pair).Warn("trade archive unavailable")
		return trades, nil
	}
	out := make([]matching.Trade, 0, len(raw))
	for _, b := range raw {
		var t matching.Trade
		if err := json.Unmarshal(b, &t); err != nil {
			s.log.WithError(err).WithField("pair", pair).Warn("skipping undecodable archived trade")
			continue
		}
		out = append(out, t)
	}
	s.log.WithFields(logrus.Fields{"pair": pair, "trades": len(out)}).Debug("trades served from archive")
	return out, nil
}
