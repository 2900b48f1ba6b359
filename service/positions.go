package service

import (
	"context"

	"perpcore/domain/fixed"
	"perpcore/domain/risk"
	"perpcore/storage"
)

func (s *Service) OpenPosition(ctx context.Context, cmd risk.OpenPosition) (risk.Position, error) {
	p, evs, err := s.risk.OpenPosition(cmd)
	if err != nil {
		return risk.Position{}, err
	}
	s.commit(ctx, []storage.Entity{p}, evs)
	return p, nil
}

// ClosePosition closes size of a position at price. Zero size closes all
// of it; zero price uses the mark.
func (s *Service) ClosePosition(ctx context.Context, id string, size, price fixed.Decimal) (risk.Position, error) {
	p, evs, err := s.risk.ClosePosition(risk.ClosePosition{PositionID: id, Size: size, Price: price})
	if err != nil {
		return risk.Position{}, err
	}
	s.commit(ctx, []storage.Entity{p}, evs)
	return p, nil
}

func (s *Service) UpdateLeverage(ctx context.Context, id string, leverage fixed.Decimal) (risk.Position, error) {
	p, evs, err := s.risk.UpdateLeverage(risk.UpdateLeverage{PositionID: id, Leverage: leverage})
	if err != nil {
		return risk.Position{}, err
	}
	s.commit(ctx, []storage.Entity{p}, evs)
	return p, nil
}

func (s *Service) GetPosition(_ context.Context, id string) (risk.Position, error) {
	return s.risk.GetPosition(id)
}

func (s *Service) GetTraderPositions(_ context.Context, trader string) []risk.Position {
	return s.risk.GetTraderPositions(trader)
}

func (s *Service) GetMarket(_ context.Context, symbol string) (risk.Market, error) {
	return s.risk.GetMarket(symbol)
}

// ───── Market feed ─────

func (s *Service) SetMarkPrice(_ context.Context, market string, price fixed.Decimal) error {
	return s.risk.SetMarkPrice(risk.SetMarkPrice{Market: market, Price: price})
}

func (s *Service) SetIndexPrice(_ context.Context, market string, price fixed.Decimal) error {
	return s.risk.SetIndexPrice(risk.SetIndexPrice{Market: market, Price: price})
}

// SetMarketStatus suspends or resumes a market. A suspended market rejects
// new orders and positions; cancels still go through.
func (s *Service) SetMarketStatus(_ context.Context, market string, status risk.MarketStatus) error {
	return s.risk.SetMarketStatus(risk.SetMarketStatus{Market: market, Status: status})
}
