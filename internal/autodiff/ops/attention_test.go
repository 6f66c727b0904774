package ops

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/flashattn/internal/kernel"
	"github.com/born-ml/flashattn/internal/tensor"
)

func randomAttention(t *testing.T, bias bool) (*AttentionOp, *tensor.RawTensor, *tensor.RawTensor) {
	t.Helper()
	rng := rand.New(rand.NewSource(31))
	shape := tensor.Shape{1, 32, 2, 16}
	q := tensor.Randn(shape, tensor.Float16, 1.0, rng)
	k := tensor.Randn(shape, tensor.Float16, 1.0, rng)
	v := tensor.Randn(shape, tensor.Float16, 1.0, rng)
	var b *tensor.RawTensor
	if bias {
		b = tensor.Randn(tensor.Shape{1, 2, 32, 32}, tensor.Float32, 0.5, rng)
	}
	params := kernel.Params{BlockQ: 16, BlockK: 16}

	out, res, err := kernel.ForwardWithResidual(q, k, v, b, params)
	require.NoError(t, err)
	dOut := tensor.Randn(shape, tensor.Float16, 1.0, rng)
	return NewAttentionOp(res, params), out, dOut
}

func TestAttentionOpInputsAndOutput(t *testing.T) {
	op, out, _ := randomAttention(t, false)
	assert.Same(t, out, op.Output())
	assert.Len(t, op.Inputs(), 3)

	opBias, _, _ := randomAttention(t, true)
	assert.Len(t, opBias.Inputs(), 4)
}

func TestAttentionOpBackward(t *testing.T) {
	op, _, dOut := randomAttention(t, false)
	grads, err := op.Backward(dOut)
	require.NoError(t, err)
	require.Len(t, grads, 3)

	inputs := op.Inputs()
	wantDq, wantDk, wantDv, err := kernel.ReferenceGradients(
		inputs[0], inputs[1], inputs[2], nil, dOut, 0)
	require.NoError(t, err)

	for i, want := range []*tensor.RawTensor{wantDq, wantDk, wantDv} {
		gotV := grads[i].Float32Values()
		wantV := want.Float32Values()
		require.Len(t, wantV, len(gotV))
		for j := range gotV {
			assert.InDelta(t, wantV[j], gotV[j], 0.125, "grad %d elem %d", i, j)
		}
	}
}

func TestAttentionOpBiasGradientIsNil(t *testing.T) {
	op, _, dOut := randomAttention(t, true)
	grads, err := op.Backward(dOut)
	require.NoError(t, err)
	require.Len(t, grads, 4)
	assert.NotNil(t, grads[0])
	assert.NotNil(t, grads[1])
	assert.NotNil(t, grads[2])
	assert.Nil(t, grads[3])
}
