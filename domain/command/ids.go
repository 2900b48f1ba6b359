package command

import (
	"encoding/binary"

	"github.com/google/uuid"
)

var namespace = uuid.MustParse("6f1d7c9a-3b52-4e0e-9a55-8b1f2c7d4e10")

// ID derives a stable identifier for the n-th entity of kind created by the
// command at seq. Replaying the same journal yields the same ids.
func ID(kind string, seq uint64, n int) string {
	buf := make([]byte, len(kind)+16)
	copy(buf, kind)
	binary.BigEndian.PutUint64(buf[len(kind):], seq)
	binary.BigEndian.PutUint64(buf[len(kind)+8:], uint64(n))
	return uuid.NewSHA1(namespace, buf).String()
}
