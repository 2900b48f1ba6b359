package orderbook

import (
	"fmt"
	"time"

	"perpcore/domain/fixed"
)

type Side int8
type OrderType int8
type Status int8

const (
	Buy Side = iota
	Sell
)

const (
	Limit OrderType = iota
	Market
	IOC
	FOK
	PostOnly
	Stop
	StopLimit
)

const (
	Open Status = iota
	PartiallyFilled
	Filled
	Cancelled
)

var (
	sideNames   = [...]string{"BUY", "SELL"}
	typeNames   = [...]string{"LIMIT", "MARKET", "IOC", "FOK", "POST_ONLY", "STOP", "STOP_LIMIT"}
	statusNames = [...]string{"OPEN", "PARTIALLY_FILLED", "FILLED", "CANCELLED"}
)

func (s Side) String() string {
	if int(s) < len(sideNames) && s >= 0 {
		return sideNames[s]
	}
	return "UNKNOWN"
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := parseEnum(string(b), sideNames[:])
	*s = Side(v)
	return err
}

func (t OrderType) String() string {
	if int(t) < len(typeNames) && t >= 0 {
		return typeNames[t]
	}
	return "UNKNOWN"
}

func (t OrderType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *OrderType) UnmarshalText(b []byte) error {
	v, err := parseEnum(string(b), typeNames[:])
	*t = OrderType(v)
	return err
}

// Priced reports whether orders of this type carry a limit price.
func (t OrderType) Priced() bool {
	return t != Market && t != Stop
}

// Triggered reports whether orders of this type wait for a stop price.
func (t OrderType) Triggered() bool {
	return t == Stop || t == StopLimit
}

// Rests reports whether an unfilled remainder stays on the book.
func (t OrderType) Rests() bool {
	return t == Limit || t == PostOnly || t == StopLimit
}

func (s Status) String() string {
	if int(s) < len(statusNames) && s >= 0 {
		return statusNames[s]
	}
	return "UNKNOWN"
}

func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := parseEnum(string(b), statusNames[:])
	*s = Status(v)
	return err
}

func parseEnum(s string, names []string) (int8, error) {
	for i, n := range names {
		if n == s {
			return int8(i), nil
		}
	}
	return 0, fmt.Errorf("orderbook: unknown value %q", s)
}

// Order is a domain entity. While resting it is owned by exactly one
// PriceLevel and must only be mutated by the book's single writer.
type Order struct {
	ID        string        `json:"id"`
	Trader    string        `json:"trader"`
	Pair      string        `json:"pair"`
	Side      Side          `json:"side"`
	Type      OrderType     `json:"type"`
	Price     fixed.Decimal `json:"price"`
	StopPrice fixed.Decimal `json:"stop_price"`
	Quantity  fixed.Decimal `json:"quantity"`
	Filled    fixed.Decimal `json:"filled"`
	Status    Status        `json:"status"`
	Leverage  fixed.Decimal `json:"leverage"`
	SeqID     uint64        `json:"seq"`
	// Version is the sequence number of the command that last changed the
	// order. Storage never lets a lower version replace a higher one.
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Tick is Price expressed in whole tick-size steps. Set by the matching
	// engine during validation; meaningless for unpriced orders.
	Tick int64 `json:"-"`

	next *Order
	prev *Order
}

func (o *Order) Remaining() fixed.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Next is a read-only traversal helper.
func (o *Order) Next() *Order {
	return o.next
}

// Fill records an execution of qty and advances the status.
func (o *Order) Fill(qty fixed.Decimal, at time.Time) {
	o.Filled = o.Filled.Add(qty)
	o.UpdatedAt = at
	if o.Remaining().IsZero() {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
}

// Cancel moves a live order to CANCELLED. Terminal orders are left alone.
func (o *Order) Cancel(at time.Time) bool {
	if o.Status.Terminal() {
		return false
	}
	o.Status = Cancelled
	o.UpdatedAt = at
	return true
}

// Snapshot returns a detached copy safe to hand outside the book.
func (o *Order) Snapshot() Order {
	c := *o
	c.next = nil
	c.prev = nil
	return c
}

// The Storage methods let the storage coordinator place orders without
// knowing their semantics.
func (o Order) StorageKind() string    { return "order" }
func (o Order) StorageID() string      { return o.ID }
func (o Order) StorageTime() time.Time { return o.UpdatedAt }
func (o Order) StorageFinal() bool     { return o.Status.Terminal() }
func (o Order) StorageSeq() uint64     { return o.Version }
