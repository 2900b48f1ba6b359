package config

import (
	"strings"
	"testing"
	"time"

	"perpcore/domain/fixed"
)

const catalogue = `
markets:
  - symbol: SOL-PERP
    base: SOL
    quote: USD
    min_size: "0.1"
    tick_size: "0.01"
    max_leverage: "10"
    initial_margin_ratio: "0.1"
    maintenance_margin_ratio: "0.05"
    funding_interval: 1h
    maker_fee: "0.0001"
    taker_fee: "0.0004"
    liquidation_fee_rate: "0.01"
    insurance_fund: fund
spot:
  - pair: SOL-USDC
    min_size: "0.1"
    tick_size: "0.001"
  - pair: DOGE-USDC
    min_size: "1"
    tick_size: "0.0001"
    inactive: true
`

func TestParseMarkets(t *testing.T) {
	cat, err := ParseMarkets([]byte(catalogue))
	if err != nil {
		t.Fatalf("ParseMarkets: %v", err)
	}
	if len(cat.Markets) != 1 {
		t.Fatalf("markets = %d", len(cat.Markets))
	}
	m := cat.Markets[0]
	if m.Symbol != "SOL-PERP" || m.FundingInterval != time.Hour {
		t.Errorf("market = %+v", m)
	}
	if !m.MaxLeverage.Equal(fixed.FromInt(10)) || !m.TickSize.Equal(fixed.MustParse("0.01")) {
		t.Errorf("decimals = %s %s", m.MaxLeverage, m.TickSize)
	}
	// Unset rate cap falls back to 1%.
	if !m.MaxFundingRate.Equal(fixed.MustParse("0.01")) {
		t.Errorf("max funding = %s", m.MaxFundingRate)
	}

	sol, ok := cat.Spot.Spec("SOL-USDC")
	if !ok || !sol.Active || sol.Perpetual {
		t.Errorf("SOL-USDC = %+v %v", sol, ok)
	}
	if doge, _ := cat.Spot.Spec("DOGE-USDC"); doge.Active {
		t.Error("DOGE-USDC should be inactive")
	}
}

func TestParseMarketsErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad decimal", "markets:\n  - {symbol: X, tick_size: abc, min_size: '1', maintenance_margin_ratio: '0.1'}\n", "tick_size"},
		{"bad interval", "markets:\n  - {symbol: X, tick_size: '1', min_size: '1', maintenance_margin_ratio: '0.1', funding_interval: often}\n", "funding_interval"},
		{"invalid market", "markets:\n  - {symbol: X, tick_size: '1', min_size: '1'}\n", "maintenance"},
		{"duplicate", "markets:\n  - {symbol: X, tick_size: '1', min_size: '1', maintenance_margin_ratio: '0.1'}\nspot:\n  - {pair: X, tick_size: '1', min_size: '1'}\n", "duplicate"},
		{"spot without tick", "spot:\n  - {pair: Y, min_size: '1'}\n", "positive"},
		{"not yaml", "markets: [", "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMarkets([]byte(tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestDefaultCatalogueIsValid(t *testing.T) {
	cat, err := LoadMarkets("")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range cat.Markets {
		if err := m.Validate(); err != nil {
			t.Errorf("%s: %v", m.Symbol, err)
		}
	}
	if _, ok := cat.Spot.Spec("ETH-USDC"); !ok {
		t.Error("missing ETH-USDC")
	}
}
