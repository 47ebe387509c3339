package quant

import (
	"encoding/binary"
	"math"

	"github.com/unixpickle/switchagg/wire"
)

// MinMax maps values linearly onto unsigned integers of
// Bits bits between the chunk's minimum and maximum.
//
// The encoded payload starts with the float32 minimum and
// maximum. Like the elements, they are in network byte
// order.
type MinMax struct {
	Bits int
}

// Kind returns the unsigned integer kind for m.Bits.
func (m MinMax) Kind() wire.ElementKind {
	switch m.Bits {
	case 8:
		return wire.Uint8
	case 16:
		return wire.Uint16
	}
	panic("unsupported min-max bit width")
}

func (m MinMax) levels() float64 {
	return math.Ldexp(1, m.Bits) - 1
}

// Quantize encodes values relative to their range.
func (m MinMax) Quantize(values []float32) ([]byte, error) {
	kind := m.Kind()
	res := make([]byte, wire.PayloadSize(kind, len(values)))
	if len(values) == 0 {
		return res, nil
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = float32(math.Min(float64(lo), float64(v)))
		hi = float32(math.Max(float64(hi), float64(v)))
	}
	binary.BigEndian.PutUint32(res[0:], math.Float32bits(lo))
	binary.BigEndian.PutUint32(res[4:], math.Float32bits(hi))

	body := res[wire.MinMaxPrefix:]
	span := float64(hi) - float64(lo)
	for i, v := range values {
		var q float64
		if span > 0 {
			q = math.Round((float64(v) - float64(lo)) / span * m.levels())
		}
		if kind == wire.Uint8 {
			body[i] = byte(q)
		} else {
			binary.BigEndian.PutUint16(body[i*2:], uint16(q))
		}
	}
	return res, nil
}

// Dequantize decodes values relative to the stored range.
func (m MinMax) Dequantize(data []byte, n int) ([]float32, error) {
	kind := m.Kind()
	if len(data) != wire.PayloadSize(kind, n) {
		return nil, sizeError(kind, n, len(data))
	}
	lo := float64(math.Float32frombits(binary.BigEndian.Uint32(data[0:])))
	hi := float64(math.Float32frombits(binary.BigEndian.Uint32(data[4:])))
	body := data[wire.MinMaxPrefix:]
	res := make([]float32, n)
	for i := range res {
		var q float64
		if kind == wire.Uint8 {
			q = float64(body[i])
		} else {
			q = float64(binary.BigEndian.Uint16(body[i*2:]))
		}
		res[i] = float32(lo + q/m.levels()*(hi-lo))
	}
	return res, nil
}
