// Package tensor provides the storage types shared by the flash attention kernels.
package tensor

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types.
//
// Float16 and BFloat16 are the two storage types accepted by the
// attention kernels; Float32 exists for the log-sum-exp and delta
// side buffers, which are always kept in full precision.
const (
	Float16 DataType = iota
	BFloat16
	Float32
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float16, BFloat16:
		return 2
	case Float32:
		return 4
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	case Float32:
		return "float32"
	default:
		return "unknown"
	}
}

// ReducedPrecision reports whether the data type is one of the two
// 16-bit storage formats.
func (dt DataType) ReducedPrecision() bool {
	return dt == Float16 || dt == BFloat16
}
