// Package command defines the journal contract shared by the engines.
//
// Every state-changing request is a Command. An engine validates it, asks
// its Stamper for an arrival sequence number and timestamp, and only then
// mutates state. The stamper appends the encoded command to the entry
// journal in the same step, so replaying the journal in sequence order
// reproduces the engines exactly.
package command

import (
	"time"

	"github.com/cockroachdb/errors"
)

// ErrUnknownKind is returned when decoding a journal record of a kind the
// decoder does not own.
var ErrUnknownKind = errors.New("command: unknown kind")

type Kind uint8

const (
	KindPlaceOrder Kind = iota + 1
	KindCancelOrder
	KindOpenPosition
	KindClosePosition
	KindUpdateLeverage
	KindSetMarkPrice
	KindSetIndexPrice
	KindSetMarketStatus
	KindProcessFunding
	KindCheckLiquidations
)

var kindNames = map[Kind]string{
	KindPlaceOrder:        "place_order",
	KindCancelOrder:       "cancel_order",
	KindOpenPosition:      "open_position",
	KindClosePosition:     "close_position",
	KindUpdateLeverage:    "update_leverage",
	KindSetMarkPrice:      "set_mark_price",
	KindSetIndexPrice:     "set_index_price",
	KindSetMarketStatus:   "set_market_status",
	KindProcessFunding:    "process_funding",
	KindCheckLiquidations: "check_liquidations",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Command is a journaled request. AppendWire encodes the command body in
// protobuf wire format.
type Command interface {
	Kind() Kind
	AppendWire(b []byte) []byte
}

// Stamp is the arrival identity of an accepted command.
type Stamp struct {
	Seq uint64
	At  time.Time
}

// Stamper assigns arrival order. Now is the time an engine must use for its
// checks; Stamp must be called with that same time once the command has
// passed validation and before any mutation.
type Stamper interface {
	Now() time.Time
	Stamp(c Command, at time.Time) Stamp
}

// Encode returns the wire body of c.
func Encode(c Command) []byte {
	return c.AppendWire(nil)
}
