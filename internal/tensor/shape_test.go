package tensor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeStrides(t *testing.T) {
	tests := []struct {
		name  string
		shape Shape
		want  []int
	}{
		{"scalar", Shape{}, []int{}},
		{"vector", Shape{7}, []int{1}},
		{"matrix", Shape{3, 4}, []int{4, 1}},
		{"attention 4d", Shape{2, 128, 8, 64}, []int{65536, 512, 64, 1}},
		{"lse 3d", Shape{2, 8, 128}, []int{1024, 128, 1}},
		{"bias 4d", Shape{1, 4, 64, 96}, []int{24576, 6144, 96, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.shape.ComputeStrides()
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ComputeStrides() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestStridesAddressAllElements checks that offset = Σ idx*stride
// enumerates every element of a row-major buffer exactly once.
func TestStridesAddressAllElements(t *testing.T) {
	shape := Shape{2, 3, 4}
	strides := shape.ComputeStrides()

	seen := make(map[int]bool)
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			for k := 0; k < shape[2]; k++ {
				off := i*strides[0] + j*strides[1] + k*strides[2]
				assert.False(t, seen[off], "duplicate offset %d", off)
				seen[off] = true
			}
		}
	}
	assert.Len(t, seen, shape.NumElements())
}

func TestShapeValidate(t *testing.T) {
	require.NoError(t, Shape{1, 2, 3}.Validate())
	require.Error(t, Shape{1, 0, 3}.Validate())
	require.Error(t, Shape{-4}.Validate())
}

func TestShapeEqualAndClone(t *testing.T) {
	s := Shape{2, 64, 4, 32}
	c := s.Clone()
	assert.True(t, s.Equal(c))

	c[1] = 128
	assert.False(t, s.Equal(c))
	assert.False(t, s.Equal(Shape{2, 64, 4}))
}

func TestNumElements(t *testing.T) {
	assert.Equal(t, 1, Shape{}.NumElements())
	assert.Equal(t, 24, Shape{2, 3, 4}.NumElements())
}
