// Package staticerr holds the error taxonomy shared by every component.
//
// Kind sentinels (ErrValidation, ErrNotFound, ...) classify an error for the
// transport layer. Specific sentinels unwrap to their kind, so
// errors.Is(err, ErrValidation) holds for any error built on ErrInvalidOrder
// while ErrInvalidOrder and ErrLeverageExceeded stay distinct.
package staticerr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kinds.
var (
	ErrValidation     = errors.New("validation error")
	ErrNotFound       = errors.New("not found")
	ErrCapacity       = errors.New("capacity error")
	ErrInfrastructure = errors.New("infrastructure error")
	ErrLiquidation    = errors.New("liquidation error")
)

// Validation.
var (
	ErrInvalidOrder      = kinded(ErrValidation, "InvalidOrder")
	ErrLeverageExceeded  = kinded(ErrValidation, "LeverageExceeded")
	ErrSizeBelowMinimum  = kinded(ErrValidation, "SizeBelowMinimum")
	ErrMarketUnavailable = kinded(ErrValidation, "MarketUnavailable")
	ErrPositionClosed    = kinded(ErrValidation, "PositionNotOpen")
	ErrPositionConflict  = kinded(ErrValidation, "PositionConflict")
	ErrInvalidPrice      = kinded(ErrValidation, "InvalidPrice")
)

// Not found.
var (
	ErrOrderNotFound    = kinded(ErrNotFound, "OrderNotFound")
	ErrPositionNotFound = kinded(ErrNotFound, "PositionNotFound")
	ErrMarketNotFound   = kinded(ErrNotFound, "MarketNotFound")
	ErrRecordNotFound   = kinded(ErrNotFound, "RecordNotFound")
)

// Capacity.
var (
	ErrInsufficientLiquidity = kinded(ErrCapacity, "InsufficientLiquidity")
	ErrExceedsPositionSize   = kinded(ErrCapacity, "ExceedsPositionSize")
)

// Infrastructure. Never returned from the trading hot path.
var (
	ErrTierUnavailable      = kinded(ErrInfrastructure, "TierUnavailable")
	ErrRabbitConnectionFail = kinded(ErrInfrastructure, "RabbitUnavailable")
)

// specific is a named error belonging to a kind.
type specific struct {
	name string
	kind error
}

func kinded(kind error, name string) error { return &specific{name: name, kind: kind} }

func (s *specific) Error() string { return s.name }
func (s *specific) Unwrap() error { return s.kind }

// Mark tags err as sentinel and as sentinel's kind, keeping err's own chain.
func Mark(err, sentinel error) error {
	if k := KindOf(sentinel); k != nil && k != sentinel {
		err = errors.Mark(err, k)
	}
	return errors.Mark(err, sentinel)
}

// Violation names the field and limit an input broke.
type Violation struct {
	Field string
	Value string
	Limit string
	cause error
}

// Violate builds a Violation that unwraps to sentinel.
func Violate(sentinel error, field string, value, limit any) error {
	return errors.WithStack(&Violation{
		Field: field,
		Value: fmt.Sprint(value),
		Limit: fmt.Sprint(limit),
		cause: sentinel,
	})
}

func (v *Violation) Error() string {
	if v.Limit == "" {
		return fmt.Sprintf("%v: %s=%s", v.cause, v.Field, v.Value)
	}
	return fmt.Sprintf("%v: %s=%s (limit %s)", v.cause, v.Field, v.Value, v.Limit)
}

func (v *Violation) Unwrap() error { return v.cause }

// KindOf returns the kind sentinel err belongs to, or nil.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrCapacity, ErrInfrastructure, ErrLiquidation} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
