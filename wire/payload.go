package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// An ElementKind identifies how payload elements are
// encoded.
type ElementKind int

const (
	Float32 ElementKind = iota
	Int8
	Int16
	Int32
	Uint8
	Uint16
)

// MinMaxPrefix is the size of the [min, max] range that
// precedes Uint8 and Uint16 payloads.
const MinMaxPrefix = 8

func (e ElementKind) String() string {
	switch e {
	case Float32:
		return "float32"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	}
	return fmt.Sprintf("ElementKind(%d)", int(e))
}

// ElementSize returns the number of bytes per element.
func (e ElementKind) ElementSize() int {
	switch e {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	default:
		return 4
	}
}

// KindFor maps a quantization type and bit width to an
// element kind.
func KindFor(quantType, bitWidth int32) (ElementKind, error) {
	switch quantType {
	case QuantNone:
		if bitWidth == 0 || bitWidth == 32 {
			return Float32, nil
		}
	case QuantFixedPoint:
		switch bitWidth {
		case 8:
			return Int8, nil
		case 16:
			return Int16, nil
		case 32:
			return Int32, nil
		}
	case QuantMinMax:
		switch bitWidth {
		case 8:
			return Uint8, nil
		case 16:
			return Uint16, nil
		}
	default:
		return 0, fmt.Errorf("unknown quantization type %d", quantType)
	}
	return 0, fmt.Errorf("unsupported bit width %d for quantization type %d",
		bitWidth, quantType)
}

// ReplyKind returns the element kind of the reply to a
// chunk of the given kind.
//
// Fixed-point sums are widened to Int32; other kinds are
// replied in the kind they were sent in.
func ReplyKind(kind ElementKind) ElementKind {
	switch kind {
	case Int8, Int16, Int32:
		return Int32
	}
	return kind
}

// PayloadSize returns the encoded size of n elements.
func PayloadSize(kind ElementKind, n int) int {
	size := n * kind.ElementSize()
	if kind == Uint8 || kind == Uint16 {
		size += MinMaxPrefix
	}
	return size
}

// A Payload is the encoded body of a chunk, tagged with
// its element kind.
type Payload struct {
	Kind ElementKind

	// Len is the number of elements.
	Len int

	Data []byte
}

// Clone returns a copy of the payload that does not alias
// the original buffer.
func (p Payload) Clone() Payload {
	p.Data = append([]byte(nil), p.Data...)
	return p
}

// Floats decodes a Float32 payload.
func (p Payload) Floats() ([]float32, error) {
	if p.Kind != Float32 {
		return nil, fmt.Errorf("payload holds %s elements, not float32", p.Kind)
	}
	return DecodeFloats(p.Data)
}

// EncodeFloats encodes values in host byte order.
func EncodeFloats(values []float32) []byte {
	return AppendFloats(make([]byte, 0, len(values)*4), values)
}

// AppendFloats appends values in host byte order.
func AppendFloats(dst []byte, values []float32) []byte {
	for _, v := range values {
		dst = binary.NativeEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}

// DecodeFloats decodes values written by EncodeFloats.
func DecodeFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("float payload length %d is not a multiple of 4", len(b))
	}
	res := make([]float32, len(b)/4)
	for i := range res {
		res[i] = math.Float32frombits(binary.NativeEndian.Uint32(b[i*4:]))
	}
	return res, nil
}
