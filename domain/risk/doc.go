// Package risk is the perpetual position engine: markets, net positions,
// margin, unrealized PnL, funding, liquidation, and the per-market
// insurance fund. All arithmetic is fixed.Decimal.
package risk
