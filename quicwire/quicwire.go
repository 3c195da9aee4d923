// Package quicwire wraps the QUIC variable-length integer encoding (RFC 9000,
// Section 16) used to length-prefix lists in batched encodings.
package quicwire

import (
	"bytes"

	"github.com/quic-go/quic-go/quicvarint"
)

// MaxVarint is the largest value representable as a QUIC varint.
const MaxVarint = quicvarint.Max

// AppendVarint appends v to b and returns the extended slice.
func AppendVarint(b []byte, v uint64) []byte {
	return quicvarint.Append(b, v)
}

// ConsumeVarint parses a varint from the front of b, returning the value and
// the number of bytes consumed. A negative length means b is truncated.
func ConsumeVarint(b []byte) (uint64, int) {
	r := bytes.NewReader(b)
	v, err := quicvarint.Read(r)
	if err != nil {
		return 0, -1
	}
	return v, len(b) - r.Len()
}

// VarintLen returns the encoded length of v.
func VarintLen(v uint64) int {
	return quicvarint.Len(v)
}
