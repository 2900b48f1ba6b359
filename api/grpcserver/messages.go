package grpcserver

import (
	"perpcore/domain/fixed"
	"perpcore/domain/matching"
	"perpcore/domain/orderbook"
	"perpcore/domain/risk"
)

// -------------------- Orders --------------------

type PlaceOrderRequest struct {
	Trader    string              `json:"trader"`
	Pair      string              `json:"pair"`
	Side      orderbook.Side      `json:"side"`
	Type      orderbook.OrderType `json:"type"`
	Price     fixed.Decimal       `json:"price"`
	StopPrice fixed.Decimal       `json:"stop_price"`
	Quantity  fixed.Decimal       `json:"quantity"`
	Leverage  fixed.Decimal       `json:"leverage"`
}

type PlaceOrderResponse struct {
	Order  orderbook.Order  `json:"order"`
	Trades []matching.Trade `json:"trades"`
}

type CancelOrderRequest struct {
	OrderID string `json:"order_id"`
}

type OrderResponse struct {
	Order orderbook.Order `json:"order"`
}

type GetOrderBookRequest struct {
	Pair  string `json:"pair"`
	Depth int    `json:"depth"`
}

type GetTradesRequest struct {
	Pair  string `json:"pair"`
	Limit int    `json:"limit"`
}

type TradesResponse struct {
	Trades []matching.Trade `json:"trades"`
}

// -------------------- Positions --------------------

type OpenPositionRequest struct {
	Trader   string        `json:"trader"`
	Market   string        `json:"market"`
	Side     risk.Side     `json:"side"`
	Size     fixed.Decimal `json:"size"`
	Leverage fixed.Decimal `json:"leverage"`
	Price    fixed.Decimal `json:"price"`
}

type ClosePositionRequest struct {
	PositionID string        `json:"position_id"`
	Size       fixed.Decimal `json:"size"`
	Price      fixed.Decimal `json:"price"`
}

type UpdateLeverageRequest struct {
	PositionID string        `json:"position_id"`
	Leverage   fixed.Decimal `json:"leverage"`
}

type GetPositionRequest struct {
	PositionID string `json:"position_id"`
}

type PositionResponse struct {
	Position risk.Position `json:"position"`
}

type GetTraderPositionsRequest struct {
	Trader string `json:"trader"`
}

type PositionsResponse struct {
	Positions []risk.Position `json:"positions"`
}

// -------------------- Market feed --------------------

type SetPriceRequest struct {
	Market string        `json:"market"`
	Price  fixed.Decimal `json:"price"`
}

type SetMarketStatusRequest struct {
	Market string            `json:"market"`
	Status risk.MarketStatus `json:"status"`
}

type Ack struct {
	OK bool `json:"ok"`
}

type HealthRequest struct{}
