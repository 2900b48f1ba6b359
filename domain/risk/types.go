package risk

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"perpcore/domain/fixed"
)

type Side int8

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	switch s {
	case Long:
		return "LONG"
	case Short:
		return "SHORT"
	default:
		return "UNKNOWN"
	}
}

// sign is +1 for LONG and -1 for SHORT.
func (s Side) sign() fixed.Decimal {
	if s == Short {
		return fixed.FromInt(-1)
	}
	return fixed.FromInt(1)
}

func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	switch string(b) {
	case "LONG":
		*s = Long
	case "SHORT":
		*s = Short
	default:
		return fmt.Errorf("risk: unknown side %q", b)
	}
	return nil
}

type MarketStatus int8

const (
	MarketActive MarketStatus = iota
	MarketSuspended
)

func (s MarketStatus) String() string {
	if s == MarketActive {
		return "ACTIVE"
	}
	return "SUSPENDED"
}

func (s MarketStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *MarketStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "ACTIVE":
		*s = MarketActive
	case "SUSPENDED":
		*s = MarketSuspended
	default:
		return fmt.Errorf("risk: unknown market status %q", b)
	}
	return nil
}

type PositionStatus int8

const (
	PositionOpen PositionStatus = iota
	PositionClosed
	PositionLiquidated
)

func (s PositionStatus) String() string {
	switch s {
	case PositionOpen:
		return "OPEN"
	case PositionClosed:
		return "CLOSED"
	case PositionLiquidated:
		return "LIQUIDATED"
	default:
		return "UNKNOWN"
	}
}

func (s PositionStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Market is a perpetual contract configuration.
type Market struct {
	Symbol                 string        `json:"symbol"`
	BaseCurrency           string        `json:"base_currency"`
	QuoteCurrency          string        `json:"quote_currency"`
	MinSize                fixed.Decimal `json:"min_size"`
	TickSize               fixed.Decimal `json:"tick_size"`
	MaxLeverage            fixed.Decimal `json:"max_leverage"`
	InitialMarginRatio     fixed.Decimal `json:"initial_margin_ratio"`
	MaintenanceMarginRatio fixed.Decimal `json:"maintenance_margin_ratio"`
	FundingInterval        time.Duration `json:"funding_interval"`
	MaxFundingRate         fixed.Decimal `json:"max_funding_rate"`
	MakerFee               fixed.Decimal `json:"maker_fee"`
	TakerFee               fixed.Decimal `json:"taker_fee"`
	LiquidationFeeRate     fixed.Decimal `json:"liquidation_fee_rate"`
	InsuranceFund          string        `json:"insurance_fund"`
	Status                 MarketStatus  `json:"status"`
}

// Validate checks the configuration is usable.
func (m Market) Validate() error {
	switch {
	case m.Symbol == "":
		return errors.New("risk: market symbol is empty")
	case !m.TickSize.IsPositive():
		return errors.Newf("risk: %s tick size must be positive", m.Symbol)
	case !m.MinSize.IsPositive():
		return errors.Newf("risk: %s min size must be positive", m.Symbol)
	case m.MaxLeverage.LessThan(fixed.FromInt(1)):
		return errors.Newf("risk: %s max leverage must be >= 1", m.Symbol)
	case !m.MaintenanceMarginRatio.IsPositive() || m.MaintenanceMarginRatio.GreaterThanOrEqual(fixed.FromInt(1)):
		return errors.Newf("risk: %s maintenance margin ratio must be in (0, 1)", m.Symbol)
	case m.FundingInterval <= 0:
		return errors.Newf("risk: %s funding interval must be positive", m.Symbol)
	case m.MaxFundingRate.IsNegative():
		return errors.Newf("risk: %s max funding rate must not be negative", m.Symbol)
	}
	return nil
}

// Position is a net position of one trader in one market.
type Position struct {
	ID               string         `json:"id"`
	Trader           string         `json:"trader"`
	Market           string         `json:"market"`
	Side             Side           `json:"side"`
	Size             fixed.Decimal  `json:"size"`
	EntryPrice       fixed.Decimal  `json:"entry_price"`
	Leverage         fixed.Decimal  `json:"leverage"`
	Margin           fixed.Decimal  `json:"margin"`
	LiquidationPrice fixed.Decimal  `json:"liquidation_price"`
	MarkPrice        fixed.Decimal  `json:"mark_price"`
	UnrealizedPnl    fixed.Decimal  `json:"unrealized_pnl"`
	RealizedPnl      fixed.Decimal  `json:"realized_pnl"`
	FundingPayment   fixed.Decimal  `json:"funding_payment"`
	Fees             fixed.Decimal  `json:"fees"`
	Status           PositionStatus `json:"status"`
	LastFundingAt    time.Time      `json:"last_funding_at"`
	OpenedAt         time.Time      `json:"opened_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	// Version is the sequence number of the command that last changed the
	// position.
	Version uint64 `json:"version"`
}

func (p Position) Notional() fixed.Decimal { return p.Size.Mul(p.EntryPrice) }

func (p Position) StorageKind() string    { return "position" }
func (p Position) StorageID() string      { return p.ID }
func (p Position) StorageTime() time.Time { return p.UpdatedAt }
func (p Position) StorageFinal() bool     { return p.Status != PositionOpen }
func (p Position) StorageSeq() uint64     { return p.Version }

// FundingRate is the result of one funding settlement of a market.
type FundingRate struct {
	Market           string        `json:"market"`
	Rate             fixed.Decimal `json:"rate"`
	NextFundingAt    time.Time     `json:"next_funding_at"`
	LastPremiumIndex fixed.Decimal `json:"last_premium_index"`
	AppliedAt        time.Time     `json:"applied_at"`
}

func (f FundingRate) StorageKind() string { return "funding" }
func (f FundingRate) StorageID() string {
	return f.Market + "@" + strconv.FormatInt(f.AppliedAt.Unix(), 10)
}
func (f FundingRate) StorageTime() time.Time { return f.AppliedAt }
func (f FundingRate) StorageFinal() bool     { return true }
