package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRaw(t *testing.T) {
	r, err := NewRaw(Shape{2, 3, 4}, Float16)
	require.NoError(t, err)

	assert.Equal(t, Shape{2, 3, 4}, r.Shape())
	assert.Equal(t, []int{12, 4, 1}, r.Strides())
	assert.Equal(t, 24, r.NumElements())
	assert.Equal(t, 48, r.ByteSize())

	// Zero-initialized storage.
	for _, b := range r.Data() {
		assert.Zero(t, b)
	}
}

func TestNewRawInvalidShape(t *testing.T) {
	_, err := NewRaw(Shape{2, 0}, Float32)
	require.Error(t, err)
}

func TestAsUint16PanicsOnFloat32(t *testing.T) {
	r, err := NewRaw(Shape{4}, Float32)
	require.NoError(t, err)
	assert.Panics(t, func() { r.AsUint16() })
	assert.NotPanics(t, func() { r.AsFloat32() })
}

func TestAsFloat32PanicsOnFloat16(t *testing.T) {
	r, err := NewRaw(Shape{4}, Float16)
	require.NoError(t, err)
	assert.Panics(t, func() { r.AsFloat32() })
	assert.NotPanics(t, func() { r.AsUint16() })
}

func TestCloneIsDeep(t *testing.T) {
	r, err := FromFloat32([]float32{1, 2, 3, 4}, Shape{4}, Float32)
	require.NoError(t, err)

	c := r.Clone()
	c.AsFloat32()[0] = 99

	assert.Equal(t, float32(1), r.AsFloat32()[0])
	assert.Equal(t, float32(99), c.AsFloat32()[0])
}
