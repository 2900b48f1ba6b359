package matching

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"perpcore/domain/command"
	"perpcore/domain/fixed"
	"perpcore/domain/orderbook"
	"perpcore/events"
)

// Spec is the slice of market configuration matching validates against.
type Spec struct {
	Pair      string
	TickSize  fixed.Decimal
	MinSize   fixed.Decimal
	MakerFee  fixed.Decimal
	TakerFee  fixed.Decimal
	Active    bool
	Perpetual bool
}

// Specs resolves pair configuration at submit time.
type Specs interface {
	Spec(pair string) (Spec, bool)
}

// StaticSpecs serves spot pairs from configuration.
type StaticSpecs map[string]Spec

func (s StaticSpecs) Spec(pair string) (Spec, bool) {
	sp, ok := s[pair]
	return sp, ok
}

// SpecChain asks each source in turn.
type SpecChain []Specs

func (c SpecChain) Spec(pair string) (Spec, bool) {
	for _, s := range c {
		if s == nil {
			continue
		}
		if sp, ok := s.Spec(pair); ok {
			return sp, true
		}
	}
	return Spec{}, false
}

// Trade is immutable once created.
type Trade struct {
	ID           string         `json:"id"`
	Pair         string         `json:"pair"`
	Price        fixed.Decimal  `json:"price"`
	Quantity     fixed.Decimal  `json:"quantity"`
	TakerOrderID string         `json:"taker_order"`
	MakerOrderID string         `json:"maker_order"`
	TakerTrader  string         `json:"taker_trader"`
	MakerTrader  string         `json:"maker_trader"`
	TakerSide    orderbook.Side `json:"taker_side"`
	IsBuyerMaker bool           `json:"is_buyer_maker"`
	TakerFee     fixed.Decimal  `json:"taker_fee"`
	MakerFee     fixed.Decimal  `json:"maker_fee"`
	// TakerLeverage and MakerLeverage carry the orders' requested leverage
	// to the position engine.
	TakerLeverage fixed.Decimal `json:"taker_leverage"`
	MakerLeverage fixed.Decimal `json:"maker_leverage"`
	Seq           uint64        `json:"seq"`
	Timestamp     time.Time     `json:"ts"`
}

func (t Trade) Notional() fixed.Decimal { return t.Price.Mul(t.Quantity) }

func (t Trade) StorageKind() string    { return "trade" }
func (t Trade) StorageID() string      { return t.ID }
func (t Trade) StorageTime() time.Time { return t.Timestamp }
func (t Trade) StorageFinal() bool     { return true }
func (t Trade) StorageSeq() uint64     { return t.Seq }

// ───── Commands ─────

// PlaceOrder is an order intent. Price is ignored for MARKET and STOP,
// StopPrice is required for STOP and STOP_LIMIT, and a zero Leverage means 1x.
type PlaceOrder struct {
	Trader    string
	Pair      string
	Side      orderbook.Side
	Type      orderbook.OrderType
	Price     fixed.Decimal
	StopPrice fixed.Decimal
	Quantity  fixed.Decimal
	Leverage  fixed.Decimal
}

func (PlaceOrder) Kind() command.Kind { return command.KindPlaceOrder }

func (c PlaceOrder) AppendWire(b []byte) []byte {
	b = command.AppendString(b, 1, c.Trader)
	b = command.AppendString(b, 2, c.Pair)
	b = command.AppendVarint(b, 3, uint64(c.Side))
	b = command.AppendVarint(b, 4, uint64(c.Type))
	b = command.AppendDecimal(b, 5, c.Price)
	b = command.AppendDecimal(b, 6, c.StopPrice)
	b = command.AppendDecimal(b, 7, c.Quantity)
	b = command.AppendDecimal(b, 8, c.Leverage)
	return b
}

func DecodePlaceOrder(b []byte) (PlaceOrder, error) {
	f, err := command.Parse(b)
	if err != nil {
		return PlaceOrder{}, err
	}
	c := PlaceOrder{
		Trader: f.String(1),
		Pair:   f.String(2),
		Side:   orderbook.Side(f.Varint(3)),
		Type:   orderbook.OrderType(f.Varint(4)),
	}
	for num, dst := range map[protowire.Number]*fixed.Decimal{
		5: &c.Price, 6: &c.StopPrice, 7: &c.Quantity, 8: &c.Leverage,
	} {
		if *dst, err = f.Decimal(num); err != nil {
			return PlaceOrder{}, err
		}
	}
	return c, nil
}

type CancelOrder struct {
	OrderID string
}

func (CancelOrder) Kind() command.Kind { return command.KindCancelOrder }

func (c CancelOrder) AppendWire(b []byte) []byte {
	return command.AppendString(b, 1, c.OrderID)
}

func DecodeCancelOrder(b []byte) (CancelOrder, error) {
	f, err := command.Parse(b)
	if err != nil {
		return CancelOrder{}, err
	}
	return CancelOrder{OrderID: f.String(1)}, nil
}

// Result is everything a submit or cancel changed.
type Result struct {
	Order  orderbook.Order
	Trades []Trade
	Deltas []events.Delta
	// Touched holds every order whose state changed, including makers and
	// triggered stops, as they stand after the mutation.
	Touched []orderbook.Order
	Events  []events.Event
	Seq     uint64
	At      time.Time
}

// BookView is a depth snapshot.
type BookView struct {
	Pair      string            `json:"pair"`
	Bids      []orderbook.Level `json:"bids"`
	Asks      []orderbook.Level `json:"asks"`
	Sequence  uint64            `json:"sequence"`
	Timestamp time.Time         `json:"timestamp"`
}

// A persisted BookView is overwritten by the next snapshot and never
// archived.
func (b BookView) StorageKind() string    { return "book" }
func (b BookView) StorageID() string      { return b.Pair }
func (b BookView) StorageTime() time.Time { return b.Timestamp }
func (b BookView) StorageFinal() bool     { return false }
func (b BookView) StorageSeq() uint64     { return b.Sequence }
