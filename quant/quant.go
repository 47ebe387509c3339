// Package quant implements the payload codecs selected by
// a chunk's quantization type and bit width.
package quant

import (
	"fmt"

	"github.com/unixpickle/switchagg/wire"
)

// DefaultScale is the fixed-point scale factor shared by
// all peers for 16- and 32-bit elements.
const DefaultScale = 10000.0

// Int8Scale is the fixed-point scale factor for 8-bit
// elements, which hold values in about [-1.28, 1.27].
const Int8Scale = 100.0

// ScaleFor returns the fixed-point scale factor used for
// a bit width.
func ScaleFor(bits int) float64 {
	if bits == 8 {
		return Int8Scale
	}
	return DefaultScale
}

// A Codec converts between float32 vectors and an encoded
// payload of a single element kind.
type Codec interface {
	// Kind returns the element kind the codec produces.
	Kind() wire.ElementKind

	// Quantize encodes values.
	Quantize(values []float32) ([]byte, error)

	// Dequantize decodes n elements from data.
	Dequantize(data []byte, n int) ([]float32, error)
}

// Params select a codec.
type Params struct {
	Type     int32 `yaml:"type"`
	BitWidth int32 `yaml:"bit_width"`
}

// Enabled reports whether the params request a quantized
// encoding.
func (p Params) Enabled() bool {
	return p.Type != wire.QuantNone
}

// ForParams returns the codec for a quantization type and
// bit width.
func ForParams(p Params) (Codec, error) {
	kind, err := wire.KindFor(p.Type, p.BitWidth)
	if err != nil {
		return nil, err
	}
	return ForKind(kind), nil
}

// ForHeader returns the codec for a chunk header.
func ForHeader(h wire.Header) (Codec, error) {
	return ForParams(Params{Type: h.QuantType, BitWidth: h.BitWidth})
}

// ForKind returns the codec that produces an element kind.
func ForKind(kind wire.ElementKind) Codec {
	switch kind {
	case wire.Float32:
		return None{}
	case wire.Int8:
		return FixedPoint{Bits: 8, Scale: ScaleFor(8)}
	case wire.Int16:
		return FixedPoint{Bits: 16, Scale: ScaleFor(16)}
	case wire.Int32:
		return FixedPoint{Bits: 32, Scale: ScaleFor(32)}
	case wire.Uint8:
		return MinMax{Bits: 8}
	case wire.Uint16:
		return MinMax{Bits: 16}
	}
	panic(fmt.Sprintf("no codec for %s", kind))
}

// Saturated counts the values that codec c cannot encode
// without clamping.
func Saturated(c Codec, values []float32) int {
	if s, ok := c.(interface{ Saturated([]float32) int }); ok {
		return s.Saturated(values)
	}
	return 0
}

// ForReply returns the codec used for the reply to chunks
// of the given kind.
func ForReply(kind wire.ElementKind) Codec {
	return ForKind(wire.ReplyKind(kind))
}

// Decode dequantizes a tagged payload.
func Decode(p wire.Payload) ([]float32, error) {
	return ForKind(p.Kind).Dequantize(p.Data, p.Len)
}

// None is the identity codec for float32 payloads.
type None struct{}

// Kind returns wire.Float32.
func (None) Kind() wire.ElementKind {
	return wire.Float32
}

// Quantize encodes values as raw float32s.
func (None) Quantize(values []float32) ([]byte, error) {
	return wire.EncodeFloats(values), nil
}

// Dequantize decodes raw float32s.
func (None) Dequantize(data []byte, n int) ([]float32, error) {
	if len(data) != n*4 {
		return nil, sizeError(wire.Float32, n, len(data))
	}
	return wire.DecodeFloats(data)
}

func sizeError(kind wire.ElementKind, n, got int) error {
	return fmt.Errorf("dequantize %s: %d elements need %d bytes, got %d",
		kind, n, wire.PayloadSize(kind, n), got)
}
