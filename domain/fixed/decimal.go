package fixed

import (
	"database/sql/driver"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places every Decimal carries.
// 1.0 is stored as 10^18 units.
const Scale = 18

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Scale), nil)

// Decimal is an immutable fixed-point number: an arbitrary-precision integer
// count of 10^-18 units. The zero value is 0.
//
// Every operation returns a new value; the underlying big.Int is never
// mutated after construction, so Decimals are safe to share.
type Decimal struct {
	v *big.Int
}

// Zero is 0.
var Zero = Decimal{}

// FromInt returns n as a Decimal.
func FromInt(n int64) Decimal {
	return Decimal{v: new(big.Int).Mul(big.NewInt(n), unit)}
}

// FromUnits wraps a raw scaled integer. The argument is copied.
func FromUnits(units *big.Int) Decimal {
	if units == nil {
		return Zero
	}
	return Decimal{v: new(big.Int).Set(units)}
}

// Parse reads a base-10 string such as "0.1" or "-50000.25".
// Inputs with more than Scale fractional digits are rejected rather than rounded.
func Parse(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	shifted := d.Shift(Scale)
	if !shifted.IsInteger() {
		return Zero, fmt.Errorf("fixed: %q has more than %d decimal places", s, Scale)
	}
	return Decimal{v: shifted.BigInt()}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Decimal) raw() *big.Int {
	if d.v == nil {
		return new(big.Int)
	}
	return d.v
}

// Units returns a copy of the scaled integer.
func (d Decimal) Units() *big.Int {
	return new(big.Int).Set(d.raw())
}

func (d Decimal) Add(o Decimal) Decimal {
	return Decimal{v: new(big.Int).Add(d.raw(), o.raw())}
}

func (d Decimal) Sub(o Decimal) Decimal {
	return Decimal{v: new(big.Int).Sub(d.raw(), o.raw())}
}

func (d Decimal) Neg() Decimal {
	return Decimal{v: new(big.Int).Neg(d.raw())}
}

func (d Decimal) Abs() Decimal {
	return Decimal{v: new(big.Int).Abs(d.raw())}
}

// Mul multiplies, truncating toward zero at the 18th decimal.
func (d Decimal) Mul(o Decimal) Decimal {
	p := new(big.Int).Mul(d.raw(), o.raw())
	return Decimal{v: p.Quo(p, unit)}
}

// Div divides, truncating toward zero at the 18th decimal.
// It panics when o is zero; callers validate divisors first.
func (d Decimal) Div(o Decimal) Decimal {
	if o.IsZero() {
		panic("fixed: division by zero")
	}
	n := new(big.Int).Mul(d.raw(), unit)
	return Decimal{v: n.Quo(n, o.raw())}
}

// Ticks reports how many whole steps of size step fit in d, and whether d is
// an exact multiple of step that fits in an int64.
func (d Decimal) Ticks(step Decimal) (int64, bool) {
	if step.Sign() <= 0 {
		return 0, false
	}
	q, r := new(big.Int).QuoRem(d.raw(), step.raw(), new(big.Int))
	if r.Sign() != 0 || !q.IsInt64() {
		return 0, false
	}
	return q.Int64(), true
}

func (d Decimal) Cmp(o Decimal) int { return d.raw().Cmp(o.raw()) }

func (d Decimal) Equal(o Decimal) bool { return d.Cmp(o) == 0 }

func (d Decimal) LessThan(o Decimal) bool { return d.Cmp(o) < 0 }

func (d Decimal) LessThanOrEqual(o Decimal) bool { return d.Cmp(o) <= 0 }

func (d Decimal) GreaterThan(o Decimal) bool { return d.Cmp(o) > 0 }

func (d Decimal) GreaterThanOrEqual(o Decimal) bool { return d.Cmp(o) >= 0 }

func (d Decimal) Sign() int { return d.raw().Sign() }

func (d Decimal) IsZero() bool { return d.Sign() == 0 }

func (d Decimal) IsPositive() bool { return d.Sign() > 0 }

func (d Decimal) IsNegative() bool { return d.Sign() < 0 }

// Clamp bounds d to [lo, hi].
func (d Decimal) Clamp(lo, hi Decimal) Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}

func Min(a, b Decimal) Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func Max(a, b Decimal) Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Decimal converts to shopspring/decimal for formatting at the boundary.
func (d Decimal) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(d.raw(), -Scale)
}

// String renders without trailing zeros: "0.1", "500", "-3.25".
func (d Decimal) String() string {
	return d.Decimal().String()
}

func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Decimal) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		*d = Zero
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		*d = Zero
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Value stores the decimal as TEXT so no precision is lost in SQL.
func (d Decimal) Value() (driver.Value, error) {
	return d.String(), nil
}

func (d *Decimal) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = Zero
		return nil
	case string:
		return d.UnmarshalJSON([]byte(v))
	case []byte:
		return d.UnmarshalJSON(v)
	case int64:
		*d = FromInt(v)
		return nil
	default:
		return fmt.Errorf("fixed: cannot scan %T", src)
	}
}
