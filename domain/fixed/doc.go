// Package fixed provides the fixed-point number type used for every price,
// quantity, margin, PnL, rate, and fee in the engine.
//
// Values are arbitrary-precision integers scaled by 10^18, so margin, PnL and
// funding arithmetic is exact up to an explicit truncation at the 18th decimal.
// Floating point never enters the domain.
package fixed
