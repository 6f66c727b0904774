package tensor

import (
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DecodeElem converts one stored element of a 16-bit float format to
// float32. The kernels load through this so that all arithmetic runs
// in full precision regardless of the storage type.
func DecodeElem(dtype DataType, bits uint16) float32 {
	switch dtype {
	case Float16:
		return float16.Frombits(bits).Float32()
	case BFloat16:
		return bfloat16.ToFloat32(bfloat16.BF16(bits))
	default:
		panic("DecodeElem: dtype is not a 16-bit float format")
	}
}

// EncodeElem converts a float32 to the stored bits of a 16-bit float
// format, rounding to the nearest representable value.
func EncodeElem(dtype DataType, f float32) uint16 {
	switch dtype {
	case Float16:
		return float16.Fromfloat32(f).Bits()
	case BFloat16:
		return bfloat16Frombits(math.Float32bits(f))
	default:
		panic("EncodeElem: dtype is not a 16-bit float format")
	}
}

// bfloat16Frombits converts float32 bits to bfloat16 with
// round-to-nearest-even. Plain truncation of the low 16 bits is off
// by up to a full ulp, which the kernels cannot afford since every
// output element passes through here.
func bfloat16Frombits(bits uint32) uint16 {
	if bits&0x7FFFFFFF > 0x7F800000 {
		// NaN: keep the payload truncated, force a quiet bit so the
		// result stays a NaN.
		return uint16(bits>>16) | 0x0040
	}
	return uint16((bits + 0x7FFF + ((bits >> 16) & 1)) >> 16)
}

// Float32Values decodes the whole tensor into a fresh []float32,
// regardless of its storage type.
func (r *RawTensor) Float32Values() []float32 {
	if r.dtype == Float32 {
		src := r.AsFloat32()
		out := make([]float32, len(src))
		copy(out, src)
		return out
	}
	bits := r.AsUint16()
	out := make([]float32, len(bits))
	for i, b := range bits {
		out[i] = DecodeElem(r.dtype, b)
	}
	return out
}

// FromFloat32 creates a RawTensor of the given dtype from float32
// values, encoding them to the storage format element by element.
func FromFloat32(values []float32, shape Shape, dtype DataType) (*RawTensor, error) {
	r, err := NewRaw(shape, dtype)
	if err != nil {
		return nil, err
	}
	if len(values) != r.NumElements() {
		return nil, errSizeMismatch(len(values), r.NumElements())
	}
	if dtype == Float32 {
		copy(r.AsFloat32(), values)
		return r, nil
	}
	bits := r.AsUint16()
	for i, v := range values {
		bits[i] = EncodeElem(dtype, v)
	}
	return r, nil
}
