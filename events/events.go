// Package events defines the typed notifications the engines return from
// every mutation. Engines never publish; the service routes what they return
// to storage and to the outbox.
package events

import (
	"encoding/json"
	"time"
)

type Type string

const (
	OrderAccepted      Type = "order.accepted"
	OrderFilled        Type = "order.filled"
	OrderCancelled     Type = "order.cancelled"
	TradeExecuted      Type = "trade.executed"
	BookDelta          Type = "book.delta"
	PositionOpened     Type = "position.opened"
	PositionUpdated    Type = "position.updated"
	PositionClosed     Type = "position.closed"
	PositionLiquidated Type = "position.liquidated"
	FundingProcessed   Type = "funding.processed"
	LiquidationBatch   Type = "liquidation.batch"
	DegradationWarning Type = "storage.degraded"
)

// Event is the envelope. Key groups related events for partitioned sinks:
// the pair or market symbol for engine events, the tier for storage ones.
type Event struct {
	V       int       `json:"v"`
	Type    Type      `json:"type"`
	Seq     uint64    `json:"seq"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

func New(t Type, seq uint64, key string, at time.Time, payload any) Event {
	return Event{V: 1, Type: t, Seq: seq, Key: key, At: at, Payload: payload}
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Delta is one changed price level after a mutation. Quantity zero means the
// level was removed.
type Delta struct {
	Pair     string `json:"pair"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Orders   int    `json:"orders"`
	Sequence uint64 `json:"sequence"`
}

type FundingSettlement struct {
	Market        string    `json:"market"`
	Rate          string    `json:"rate"`
	PremiumIndex  string    `json:"premium_index"`
	Positions     int       `json:"positions"`
	NextFundingAt time.Time `json:"next_funding_at"`
}

type Liquidation struct {
	PositionID string `json:"position_id"`
	Trader     string `json:"trader"`
	Market     string `json:"market"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	Price      string `json:"price"`
	Fee        string `json:"fee"`
	ToFund     string `json:"to_insurance_fund"`
	Liquidator string `json:"liquidator"`
}

type Batch struct {
	Count        int           `json:"count"`
	Markets      []string      `json:"markets"`
	Liquidations []Liquidation `json:"liquidations"`
}

type Degradation struct {
	Tier   string `json:"tier"`
	Op     string `json:"op"`
	Reason string `json:"reason"`
	State  string `json:"state"`
}

// Of filters evs by type, mostly for tests and routing.
func Of(evs []Event, t Type) []Event {
	var out []Event
	for _, e := range evs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
