package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ReplyPrefix is the size of the contributor count that
// starts every reply.
const ReplyPrefix = 4

// EncodeReply creates a reply datagram carrying the number
// of contributors followed by the reduced payload.
func EncodeReply(count int, payload []byte) []byte {
	res := make([]byte, ReplyPrefix, ReplyPrefix+len(payload))
	binary.NativeEndian.PutUint32(res, math.Float32bits(float32(count)))
	return append(res, payload...)
}

// EncodeFloatReply is EncodeReply for an unquantized sum.
func EncodeFloatReply(count int, sum []float32) []byte {
	res := make([]byte, ReplyPrefix, ReplyPrefix+len(sum)*4)
	binary.NativeEndian.PutUint32(res, math.Float32bits(float32(count)))
	return AppendFloats(res, sum)
}

// DecodeReply splits a reply datagram into its contributor
// count and payload.
//
// The payload aliases b.
func DecodeReply(b []byte) (count float32, payload []byte, err error) {
	if len(b) < ReplyPrefix {
		return 0, nil, fmt.Errorf("reply of %d bytes has no contributor count", len(b))
	}
	count = math.Float32frombits(binary.NativeEndian.Uint32(b))
	return count, b[ReplyPrefix:], nil
}
