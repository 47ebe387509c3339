// Package wire implements the datagram formats shared by
// workers and the aggregation switch.
//
// A request datagram is a fixed 24-byte header followed by
// a payload:
//
//	[int32 data_length][int32 rank][int32 world_size]
//	[int32 offset][int32 bit_width][int32 quantization_type]
//	[payload]
//
// Header fields are in network byte order.
// A reply datagram has no header:
//
//	[float32 contributor_count][payload]
//
// Float32 values (both in payloads and in the reply's
// contributor count) are written in the host's native
// byte order without swapping.
// Workers and switches must therefore run on machines with
// the same endianness.
// Quantized payloads, including the min-max range prefix,
// are entirely in network byte order.
//
// Replies to fixed-point chunks always carry Int32
// elements (see ReplyKind), so a sum over many workers
// does not overflow the contributors' narrower encoding.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the encoded size of a Header in bytes.
const HeaderSize = 24

// Quantization types carried in Header.QuantType.
const (
	QuantNone       int32 = 0
	QuantFixedPoint int32 = 1
	QuantMinMax     int32 = 2
)

// A Header describes one chunk sent by a worker.
type Header struct {
	// DataLength is the number of elements in the
	// payload, not the number of bytes.
	DataLength int32

	Rank      int32
	WorldSize int32

	// Offset is the index of the chunk within the
	// worker's vector.
	Offset int32

	BitWidth  int32
	QuantType int32
}

// Kind returns the payload element kind declared by the
// header.
func (h Header) Kind() (ElementKind, error) {
	return KindFor(h.QuantType, h.BitWidth)
}

// PayloadSize returns the number of payload bytes that
// follow the header.
func (h Header) PayloadSize() (int, error) {
	kind, err := h.Kind()
	if err != nil {
		return 0, err
	}
	return PayloadSize(kind, int(h.DataLength)), nil
}

func (h Header) validate() error {
	if h.DataLength < 0 {
		return &InvalidHeaderError{Header: h, Reason: "negative data length"}
	}
	if h.WorldSize <= 0 {
		return &InvalidHeaderError{Header: h, Reason: "non-positive world size"}
	}
	if h.Rank < 0 || h.Rank >= h.WorldSize {
		return &InvalidHeaderError{Header: h, Reason: "rank out of range"}
	}
	if h.Offset < 0 {
		return &InvalidHeaderError{Header: h, Reason: "negative offset"}
	}
	if _, err := h.Kind(); err != nil {
		return &InvalidHeaderError{Header: h, Reason: err.Error()}
	}
	return nil
}

func (h Header) String() string {
	return fmt.Sprintf("rank=%d world=%d offset=%d len=%d quant=%d/%d",
		h.Rank, h.WorldSize, h.Offset, h.DataLength, h.QuantType, h.BitWidth)
}

func putHeader(b []byte, h Header) {
	binary.BigEndian.PutUint32(b[0:], uint32(h.DataLength))
	binary.BigEndian.PutUint32(b[4:], uint32(h.Rank))
	binary.BigEndian.PutUint32(b[8:], uint32(h.WorldSize))
	binary.BigEndian.PutUint32(b[12:], uint32(h.Offset))
	binary.BigEndian.PutUint32(b[16:], uint32(h.BitWidth))
	binary.BigEndian.PutUint32(b[20:], uint32(h.QuantType))
}

func readHeader(b []byte) Header {
	return Header{
		DataLength: int32(binary.BigEndian.Uint32(b[0:])),
		Rank:       int32(binary.BigEndian.Uint32(b[4:])),
		WorldSize:  int32(binary.BigEndian.Uint32(b[8:])),
		Offset:     int32(binary.BigEndian.Uint32(b[12:])),
		BitWidth:   int32(binary.BigEndian.Uint32(b[16:])),
		QuantType:  int32(binary.BigEndian.Uint32(b[20:])),
	}
}

// EncodeRequest creates a request datagram.
//
// The payload must already be encoded for the header's
// element kind.
func EncodeRequest(h Header, payload []byte) ([]byte, error) {
	return AppendRequest(nil, h, payload)
}

// AppendRequest is like EncodeRequest, but it appends the
// datagram to dst.
func AppendRequest(dst []byte, h Header, payload []byte) ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	size, _ := h.PayloadSize()
	if size != len(payload) {
		return nil, fmt.Errorf("encode request: payload is %d bytes but header declares %d",
			len(payload), size)
	}
	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	putHeader(dst[start:], h)
	return append(dst, payload...), nil
}

// DecodeRequest parses a request datagram.
//
// The returned payload aliases b.
// Bytes past the declared payload are ignored.
func DecodeRequest(b []byte) (Header, Payload, error) {
	if len(b) < HeaderSize {
		return Header{}, Payload{}, &ShortPacketError{Size: len(b)}
	}
	h := readHeader(b)
	if err := h.validate(); err != nil {
		return h, Payload{}, err
	}
	kind, _ := h.Kind()
	size := PayloadSize(kind, int(h.DataLength))
	if size > len(b)-HeaderSize {
		return h, Payload{}, &TruncatedPayloadError{
			Header:    h,
			Declared:  size,
			Available: len(b) - HeaderSize,
		}
	}
	return h, Payload{
		Kind: kind,
		Len:  int(h.DataLength),
		Data: b[HeaderSize : HeaderSize+size],
	}, nil
}
