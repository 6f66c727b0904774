package kernel

import (
	"fmt"

	"github.com/born-ml/flashattn/internal/tensor"
)

// Sentinel errors for the precondition checks every launch depends
// on. All of them are fatal and raised before any work item runs.
var (
	ErrShapeMismatch      = fmt.Errorf("flashattn: shape mismatch")
	ErrDTypeMismatch      = fmt.Errorf("flashattn: dtype mismatch")
	ErrUnsupportedDType   = fmt.Errorf("flashattn: only float16 and bfloat16 are supported")
	ErrBlockAlignment     = fmt.Errorf("flashattn: block size must be divisible by 16")
	ErrUnsupportedHeadDim = fmt.Errorf("flashattn: unsupported head dimension")
)

// supportedHeadDims are the head sizes the matrix-multiply tiles are
// laid out for.
var supportedHeadDims = map[int]bool{16: true, 32: true, 64: true, 128: true, 256: true}

// checkShapesAndDTypes enforces the launch preconditions, in order,
// failing on the first violation:
// key and value both shaped (batch, seqK, heads, headDim); query and
// key dtypes identical; key and value dtypes identical; dtype one of
// the two 16-bit float formats; both block sizes divisible by 16
// (matrix-unit alignment); headDim in {16, 32, 64, 128, 256}.
func checkShapesAndDTypes(query, key, value *tensor.RawTensor, batch, seqK, heads, headDim, blockQ, blockK int) error {
	kvShape := tensor.Shape{batch, seqK, heads, headDim}
	if !key.Shape().Equal(kvShape) {
		return fmt.Errorf("%w: key shape %v, want %v", ErrShapeMismatch, key.Shape(), kvShape)
	}
	if !value.Shape().Equal(kvShape) {
		return fmt.Errorf("%w: value shape %v, want %v", ErrShapeMismatch, value.Shape(), kvShape)
	}
	if query.DType() != key.DType() {
		return fmt.Errorf("%w: query is %s, key is %s", ErrDTypeMismatch, query.DType(), key.DType())
	}
	if key.DType() != value.DType() {
		return fmt.Errorf("%w: key is %s, value is %s", ErrDTypeMismatch, key.DType(), value.DType())
	}
	if !query.DType().ReducedPrecision() {
		return fmt.Errorf("%w: got %s", ErrUnsupportedDType, query.DType())
	}
	if blockQ%16 != 0 {
		return fmt.Errorf("%w: blockQ=%d", ErrBlockAlignment, blockQ)
	}
	if blockK%16 != 0 {
		return fmt.Errorf("%w: blockK=%d", ErrBlockAlignment, blockK)
	}
	if !supportedHeadDims[headDim] {
		return fmt.Errorf("%w: headDim=%d, want one of 16, 32, 64, 128, 256", ErrUnsupportedHeadDim, headDim)
	}
	return nil
}
