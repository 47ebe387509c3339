package quant

import (
	"encoding/binary"
	"math"

	"github.com/unixpickle/switchagg/wire"
)

// FixedPoint multiplies values by Scale and stores them as
// signed integers of Bits bits, saturating at the range.
type FixedPoint struct {
	Bits  int
	Scale float64
}

// Kind returns the signed integer kind for f.Bits.
func (f FixedPoint) Kind() wire.ElementKind {
	switch f.Bits {
	case 8:
		return wire.Int8
	case 16:
		return wire.Int16
	case 32:
		return wire.Int32
	}
	panic("unsupported fixed-point bit width")
}

// Saturated counts the values that fall outside the
// encodable range and would be clamped by Quantize.
func (f FixedPoint) Saturated(values []float32) int {
	limit := math.Ldexp(1, f.Bits-1)
	var n int
	for _, v := range values {
		q := math.Round(float64(v) * f.Scale)
		if q < -limit || q > limit-1 {
			n++
		}
	}
	return n
}

// Quantize encodes values as scaled integers in network
// byte order.
func (f FixedPoint) Quantize(values []float32) ([]byte, error) {
	kind := f.Kind()
	res := make([]byte, wire.PayloadSize(kind, len(values)))
	limit := math.Ldexp(1, f.Bits-1)
	for i, v := range values {
		q := math.Round(float64(v) * f.Scale)
		q = math.Max(-limit, math.Min(limit-1, q))
		switch kind {
		case wire.Int8:
			res[i] = byte(int8(q))
		case wire.Int16:
			binary.BigEndian.PutUint16(res[i*2:], uint16(int16(q)))
		case wire.Int32:
			binary.BigEndian.PutUint32(res[i*4:], uint32(int32(q)))
		}
	}
	return res, nil
}

// Dequantize decodes scaled integers.
func (f FixedPoint) Dequantize(data []byte, n int) ([]float32, error) {
	kind := f.Kind()
	if len(data) != wire.PayloadSize(kind, n) {
		return nil, sizeError(kind, n, len(data))
	}
	res := make([]float32, n)
	for i := range res {
		var q float64
		switch kind {
		case wire.Int8:
			q = float64(int8(data[i]))
		case wire.Int16:
			q = float64(int16(binary.BigEndian.Uint16(data[i*2:])))
		case wire.Int32:
			q = float64(int32(binary.BigEndian.Uint32(data[i*4:])))
		}
		res[i] = float32(q / f.Scale)
	}
	return res, nil
}
