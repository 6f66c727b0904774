// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the public API for the raw tensors the
// attention kernels operate on.
//
// The package re-exports the internal tensor types:
//   - RawTensor: dense storage with shape, strides and data type
//   - Shape: dimension list with row-major stride derivation
//   - DataType: element type (Float16, BFloat16, Float32)
//
// Example:
//
//	q := tensor.Randn(tensor.Shape{1, 128, 8, 64}, tensor.Float16, 1.0, rng)
//	fmt.Println(q.Shape(), q.Strides())
package tensor

import (
	"math/rand"

	"github.com/born-ml/flashattn/internal/tensor"
)

// DataType represents the underlying data type of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float16  DataType = tensor.Float16
	BFloat16 DataType = tensor.BFloat16
	Float32  DataType = tensor.Float32
)

// Shape represents the dimensions of a tensor.
// Example: Shape{2, 128, 8, 64} is a (batch, seq, heads, headDim) layout.
type Shape = tensor.Shape

// RawTensor is a dense tensor with row-major strides.
type RawTensor = tensor.RawTensor

// NewRaw allocates a zero-filled tensor with the given shape and
// data type.
func NewRaw(shape Shape, dtype DataType) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype)
}

// Zeros allocates a zero-filled tensor, panicking on an invalid
// shape. Use NewRaw when the shape comes from untrusted input.
func Zeros(shape Shape, dtype DataType) *RawTensor {
	return tensor.Zeros(shape, dtype)
}

// FromFloat32 builds a tensor from float32 values, encoding them into
// the requested storage type.
func FromFloat32(values []float32, shape Shape, dtype DataType) (*RawTensor, error) {
	return tensor.FromFloat32(values, shape, dtype)
}

// Randn fills a new tensor with normally distributed values of the
// given standard deviation.
func Randn(shape Shape, dtype DataType, std float64, rng *rand.Rand) *RawTensor {
	return tensor.Randn(shape, dtype, std, rng)
}
