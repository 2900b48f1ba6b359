package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"perpcore/domain/fixed"
	"perpcore/domain/matching"
	"perpcore/domain/risk"
)

// Catalogue is the set of tradable pairs: perpetual markets owned by the
// risk engine and plain spot pairs matched without positions.
type Catalogue struct {
	Markets []risk.Market
	Spot    matching.StaticSpecs
}

type marketFile struct {
	Markets []marketEntry `yaml:"markets"`
	Spot    []spotEntry   `yaml:"spot"`
}

type marketEntry struct {
	Symbol                 string `yaml:"symbol"`
	Base                   string `yaml:"base"`
	Quote                  string `yaml:"quote"`
	MinSize                string `yaml:"min_size"`
	TickSize               string `yaml:"tick_size"`
	MaxLeverage            string `yaml:"max_leverage"`
	InitialMarginRatio     string `yaml:"initial_margin_ratio"`
	MaintenanceMarginRatio string `yaml:"maintenance_margin_ratio"`
	FundingInterval        string `yaml:"funding_interval"`
	MaxFundingRate         string `yaml:"max_funding_rate"`
	MakerFee               string `yaml:"maker_fee"`
	TakerFee               string `yaml:"taker_fee"`
	LiquidationFeeRate     string `yaml:"liquidation_fee_rate"`
	InsuranceFund          string `yaml:"insurance_fund"`
}

type spotEntry struct {
	Pair     string `yaml:"pair"`
	MinSize  string `yaml:"min_size"`
	TickSize string `yaml:"tick_size"`
	MakerFee string `yaml:"maker_fee"`
	TakerFee string `yaml:"taker_fee"`
	Inactive bool   `yaml:"inactive"`
}

// LoadMarkets reads a YAML catalogue. An empty path yields DefaultCatalogue.
func LoadMarkets(path string) (Catalogue, error) {
	if path == "" {
		return DefaultCatalogue(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalogue{}, errors.Wrapf(err, "config: read markets %s", path)
	}
	return ParseMarkets(raw)
}

func ParseMarkets(raw []byte) (Catalogue, error) {
	var f marketFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Catalogue{}, errors.Wrap(err, "config: decode markets")
	}

	cat := Catalogue{Spot: make(matching.StaticSpecs, len(f.Spot))}
	seen := make(map[string]bool)
	for i, e := range f.Markets {
		m, err := e.market()
		if err != nil {
			return Catalogue{}, errors.Wrapf(err, "config: markets[%d]", i)
		}
		if err := m.Validate(); err != nil {
			return Catalogue{}, errors.Wrapf(err, "config: markets[%d]", i)
		}
		if seen[m.Symbol] {
			return Catalogue{}, errors.Newf("config: duplicate pair %s", m.Symbol)
		}
		seen[m.Symbol] = true
		cat.Markets = append(cat.Markets, m)
	}
	for i, e := range f.Spot {
		sp, err := e.spec()
		if err != nil {
			return Catalogue{}, errors.Wrapf(err, "config: spot[%d]", i)
		}
		if seen[sp.Pair] {
			return Catalogue{}, errors.Newf("config: duplicate pair %s", sp.Pair)
		}
		seen[sp.Pair] = true
		cat.Spot[sp.Pair] = sp
	}
	return cat, nil
}

// decimals parses named fields in order, stopping at the first failure.
type decimals struct {
	err error
}

func (p *decimals) parse(field, s string, def fixed.Decimal) fixed.Decimal {
	if p.err != nil {
		return fixed.Zero
	}
	if s == "" {
		return def
	}
	v, err := fixed.Parse(s)
	if err != nil {
		p.err = errors.Wrapf(err, "%s", field)
	}
	return v
}

func (e marketEntry) market() (risk.Market, error) {
	var p decimals
	m := risk.Market{
		Symbol:                 e.Symbol,
		BaseCurrency:           e.Base,
		QuoteCurrency:          e.Quote,
		MinSize:                p.parse("min_size", e.MinSize, fixed.Zero),
		TickSize:               p.parse("tick_size", e.TickSize, fixed.Zero),
		MaxLeverage:            p.parse("max_leverage", e.MaxLeverage, fixed.FromInt(1)),
		InitialMarginRatio:     p.parse("initial_margin_ratio", e.InitialMarginRatio, fixed.Zero),
		MaintenanceMarginRatio: p.parse("maintenance_margin_ratio", e.MaintenanceMarginRatio, fixed.Zero),
		MaxFundingRate:         p.parse("max_funding_rate", e.MaxFundingRate, fixed.MustParse("0.01")),
		MakerFee:               p.parse("maker_fee", e.MakerFee, fixed.Zero),
		TakerFee:               p.parse("taker_fee", e.TakerFee, fixed.Zero),
		LiquidationFeeRate:     p.parse("liquidation_fee_rate", e.LiquidationFeeRate, fixed.Zero),
		InsuranceFund:          e.InsuranceFund,
		FundingInterval:        8 * time.Hour,
	}
	if p.err != nil {
		return risk.Market{}, p.err
	}
	if e.FundingInterval != "" {
		iv, err := time.ParseDuration(e.FundingInterval)
		if err != nil {
			return risk.Market{}, errors.Wrap(err, "funding_interval")
		}
		m.FundingInterval = iv
	}
	return m, nil
}

func (e spotEntry) spec() (matching.Spec, error) {
	var p decimals
	sp := matching.Spec{
		Pair:     e.Pair,
		MinSize:  p.parse("min_size", e.MinSize, fixed.Zero),
		TickSize: p.parse("tick_size", e.TickSize, fixed.Zero),
		MakerFee: p.parse("maker_fee", e.MakerFee, fixed.Zero),
		TakerFee: p.parse("taker_fee", e.TakerFee, fixed.Zero),
		Active:   !e.Inactive,
	}
	switch {
	case p.err != nil:
		return matching.Spec{}, p.err
	case sp.Pair == "":
		return matching.Spec{}, errors.New("pair is empty")
	case !sp.TickSize.IsPositive() || !sp.MinSize.IsPositive():
		return matching.Spec{}, errors.Newf("%s tick and min size must be positive", sp.Pair)
	}
	return sp, nil
}

// DefaultCatalogue lists BTC-PERP and ETH-PERP with a single ETH-USDC
// spot pair.
func DefaultCatalogue() Catalogue {
	perp := func(sym, base, tick, min string) risk.Market {
		return risk.Market{
			Symbol:                 sym,
			BaseCurrency:           base,
			QuoteCurrency:          "USD",
			MinSize:                fixed.MustParse(min),
			TickSize:               fixed.MustParse(tick),
			MaxLeverage:            fixed.FromInt(20),
			InitialMarginRatio:     fixed.MustParse("0.05"),
			MaintenanceMarginRatio: fixed.MustParse("0.025"),
			FundingInterval:        8 * time.Hour,
			MaxFundingRate:         fixed.MustParse("0.01"),
			MakerFee:               fixed.MustParse("0.0002"),
			TakerFee:               fixed.MustParse("0.0005"),
			LiquidationFeeRate:     fixed.MustParse("0.01"),
			InsuranceFund:          "insurance",
		}
	}
	return Catalogue{
		Markets: []risk.Market{
			perp("BTC-PERP", "BTC", "0.5", "0.001"),
			perp("ETH-PERP", "ETH", "0.05", "0.01"),
		},
		Spot: matching.StaticSpecs{
			"ETH-USDC": {
				Pair:     "ETH-USDC",
				TickSize: fixed.MustParse("0.01"),
				MinSize:  fixed.MustParse("0.001"),
				MakerFee: fixed.MustParse("0.001"),
				TakerFee: fixed.MustParse("0.002"),
				Active:   true,
			},
		},
	}
}
