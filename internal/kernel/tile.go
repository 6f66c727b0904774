package kernel

import "github.com/born-ml/flashattn/internal/tensor"

// Masked tile transfers. These are the Go analogue of the masked
// vector loads and stores a device kernel uses at sequence and
// head-dimension boundaries: out-of-range data positions read as 0,
// and stores to out-of-range positions are dropped. Score masking
// (the -inf substitution) happens in the kernels themselves.

// loadTile16 decodes a (rows x cols) tile of a 16-bit float tensor
// into dst, starting at row row0. base addresses the (batch, head)
// slice, rowStride is the per-row element stride; positions past
// maxRow or maxCol load as 0.
func loadTile16(dst []float32, bits []uint16, dtype tensor.DataType, base, rowStride, row0, rows, maxRow, cols, maxCol int) {
	for i := 0; i < rows; i++ {
		r := row0 + i
		rowOff := base + r*rowStride
		for c := 0; c < cols; c++ {
			if r < maxRow && c < maxCol {
				dst[i*cols+c] = tensor.DecodeElem(dtype, bits[rowOff+c])
			} else {
				dst[i*cols+c] = 0
			}
		}
	}
}

// storeTile16 encodes a (rows x cols) float32 tile back into a
// 16-bit float tensor, skipping masked positions.
func storeTile16(bits []uint16, dtype tensor.DataType, base, rowStride, row0, rows, maxRow, cols, maxCol int, src []float32) {
	for i := 0; i < rows; i++ {
		r := row0 + i
		if r >= maxRow {
			continue
		}
		rowOff := base + r*rowStride
		for c := 0; c < cols; c++ {
			if c < maxCol {
				bits[rowOff+c] = tensor.EncodeElem(dtype, src[i*cols+c])
			}
		}
	}
}

// nextPowerOfTwo returns the smallest power of two >= n.
func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
