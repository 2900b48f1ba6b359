package risk

import (
	"google.golang.org/protobuf/encoding/protowire"

	"perpcore/domain/command"
	"perpcore/domain/fixed"
)

// OpenPosition opens or adds to a position. A zero Price means the current
// mark price.
type OpenPosition struct {
	Trader   string
	Market   string
	Side     Side
	Size     fixed.Decimal
	Leverage fixed.Decimal
	Price    fixed.Decimal
}

// ClosePosition closes Size of a position at Price. Zero Size closes all of
// it; zero Price means the current mark price.
type ClosePosition struct {
	PositionID string
	Size       fixed.Decimal
	Price      fixed.Decimal
}

type UpdateLeverage struct {
	PositionID string
	Leverage   fixed.Decimal
}

type SetMarkPrice struct {
	Market string
	Price  fixed.Decimal
}

type SetIndexPrice struct {
	Market string
	Price  fixed.Decimal
}

type SetMarketStatus struct {
	Market string
	Status MarketStatus
}

// ProcessFunding settles one market's due funding interval.
type ProcessFunding struct {
	Market string
}

// CheckLiquidations liquidates one market's underwater positions.
type CheckLiquidations struct {
	Market string
}

func (OpenPosition) Kind() command.Kind      { return command.KindOpenPosition }
func (ClosePosition) Kind() command.Kind     { return command.KindClosePosition }
func (UpdateLeverage) Kind() command.Kind    { return command.KindUpdateLeverage }
func (SetMarkPrice) Kind() command.Kind      { return command.KindSetMarkPrice }
func (SetIndexPrice) Kind() command.Kind     { return command.KindSetIndexPrice }
func (SetMarketStatus) Kind() command.Kind   { return command.KindSetMarketStatus }
func (ProcessFunding) Kind() command.Kind    { return command.KindProcessFunding }
func (CheckLiquidations) Kind() command.Kind { return command.KindCheckLiquidations }

func (c OpenPosition) AppendWire(b []byte) []byte {
	b = command.AppendString(b, 1, c.Trader)
	b = command.AppendString(b, 2, c.Market)
	b = command.AppendVarint(b, 3, uint64(c.Side))
	b = command.AppendDecimal(b, 4, c.Size)
	b = command.AppendDecimal(b, 5, c.Leverage)
	b = command.AppendDecimal(b, 6, c.Price)
	return b
}

func (c ClosePosition) AppendWire(b []byte) []byte {
	b = command.AppendString(b, 1, c.PositionID)
	b = command.AppendDecimal(b, 2, c.Size)
	b = command.AppendDecimal(b, 3, c.Price)
	return b
}

func (c UpdateLeverage) AppendWire(b []byte) []byte {
	b = command.AppendString(b, 1, c.PositionID)
	b = command.AppendDecimal(b, 2, c.Leverage)
	return b
}

func (c SetMarkPrice) AppendWire(b []byte) []byte {
	b = command.AppendString(b, 1, c.Market)
	b = command.AppendDecimal(b, 2, c.Price)
	return b
}

func (c SetIndexPrice) AppendWire(b []byte) []byte {
	b = command.AppendString(b, 1, c.Market)
	b = command.AppendDecimal(b, 2, c.Price)
	return b
}

func (c SetMarketStatus) AppendWire(b []byte) []byte {
	b = command.AppendString(b, 1, c.Market)
	b = command.AppendVarint(b, 2, uint64(c.Status))
	return b
}

func (c ProcessFunding) AppendWire(b []byte) []byte {
	return command.AppendString(b, 1, c.Market)
}

func (c CheckLiquidations) AppendWire(b []byte) []byte {
	return command.AppendString(b, 1, c.Market)
}

// Decode rebuilds a journaled risk command.
func Decode(kind command.Kind, b []byte) (command.Command, error) {
	f, err := command.Parse(b)
	if err != nil {
		return nil, err
	}
	dec := func(n int) fixed.Decimal {
		if err != nil {
			return fixed.Zero
		}
		var d fixed.Decimal
		d, err = f.Decimal(protowire.Number(n))
		return d
	}

	var c command.Command
	switch kind {
	case command.KindOpenPosition:
		c = OpenPosition{
			Trader:   f.String(1),
			Market:   f.String(2),
			Side:     Side(f.Varint(3)),
			Size:     dec(4),
			Leverage: dec(5),
			Price:    dec(6),
		}
	case command.KindClosePosition:
		c = ClosePosition{PositionID: f.String(1), Size: dec(2), Price: dec(3)}
	case command.KindUpdateLeverage:
		c = UpdateLeverage{PositionID: f.String(1), Leverage: dec(2)}
	case command.KindSetMarkPrice:
		c = SetMarkPrice{Market: f.String(1), Price: dec(2)}
	case command.KindSetIndexPrice:
		c = SetIndexPrice{Market: f.String(1), Price: dec(2)}
	case command.KindSetMarketStatus:
		c = SetMarketStatus{Market: f.String(1), Status: MarketStatus(f.Varint(2))}
	case command.KindProcessFunding:
		c = ProcessFunding{Market: f.String(1)}
	case command.KindCheckLiquidations:
		c = CheckLiquidations{Market: f.String(1)}
	default:
		return nil, command.ErrUnknownKind
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
