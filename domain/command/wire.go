package command

import (
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"perpcore/domain/fixed"
)

// Decimals travel as their canonical string so the journal never depends on
// the in-memory scale.

func AppendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func AppendDecimal(b []byte, num protowire.Number, d fixed.Decimal) []byte {
	if d.IsZero() {
		return b
	}
	return AppendString(b, num, d.String())
}

func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Fields is a decoded command body. Unknown fields are kept and ignored, so
// older binaries can replay journals written by newer ones.
type Fields struct {
	bytes  map[protowire.Number][]byte
	varint map[protowire.Number]uint64
}

func Parse(b []byte) (Fields, error) {
	f := Fields{
		bytes:  make(map[protowire.Number][]byte),
		varint: make(map[protowire.Number]uint64),
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, errors.Wrap(protowire.ParseError(n), "command: tag")
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return f, errors.Wrapf(protowire.ParseError(m), "command: field %d", num)
			}
			f.varint[num] = v
			b = b[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return f, errors.Wrapf(protowire.ParseError(m), "command: field %d", num)
			}
			f.bytes[num] = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return f, errors.Wrapf(protowire.ParseError(m), "command: field %d", num)
			}
			b = b[m:]
		}
	}
	return f, nil
}

func (f Fields) String(num protowire.Number) string {
	return string(f.bytes[num])
}

func (f Fields) Varint(num protowire.Number) uint64 {
	return f.varint[num]
}

func (f Fields) Decimal(num protowire.Number) (fixed.Decimal, error) {
	raw, ok := f.bytes[num]
	if !ok {
		return fixed.Zero, nil
	}
	return fixed.Parse(string(raw))
}
