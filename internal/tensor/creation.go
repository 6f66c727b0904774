package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

func errSizeMismatch(got, want int) error {
	return fmt.Errorf("data length %d does not match shape size %d", got, want)
}

// Zeros creates a zero-filled RawTensor.
// Panics on an invalid shape; use NewRaw when errors must be handled.
func Zeros(shape Shape, dtype DataType) *RawTensor {
	r, err := NewRaw(shape, dtype)
	if err != nil {
		panic(err)
	}
	return r
}

// Randn creates a RawTensor with values drawn from a normal
// distribution with the given standard deviation, encoded to dtype.
// Uses Box-Muller on the provided rng so results are reproducible.
// Note: math/rand (not crypto/rand) - appropriate for ML/statistical purposes.
func Randn(shape Shape, dtype DataType, std float64, rng *rand.Rand) *RawTensor {
	n := shape.NumElements()
	values := make([]float32, n)
	for i := 0; i < n; i += 2 {
		u1 := 1 - rng.Float64() // (0, 1], keeps Log finite
		u2 := rng.Float64()
		// Box-Muller transform
		r0 := math.Sqrt(-2.0 * math.Log(u1))
		values[i] = float32(r0 * math.Cos(2*math.Pi*u2) * std)
		if i+1 < n {
			values[i+1] = float32(r0 * math.Sin(2*math.Pi*u2) * std)
		}
	}

	t, err := FromFloat32(values, shape, dtype)
	if err != nil {
		panic(err)
	}
	return t
}
