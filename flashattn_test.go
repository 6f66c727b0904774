package flashattn_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flashattn "github.com/born-ml/flashattn"
	"github.com/born-ml/flashattn/autodiff"
	"github.com/born-ml/flashattn/internal/kernel"
	"github.com/born-ml/flashattn/tensor"
)

const tolerance = 0.125

func randomInputs(rng *rand.Rand, batch, seq, heads, headDim int, dtype tensor.DataType, std float64) (q, k, v *tensor.RawTensor) {
	shape := tensor.Shape{batch, seq, heads, headDim}
	q = tensor.Randn(shape, dtype, std, rng)
	k = tensor.Randn(shape, dtype, std, rng)
	v = tensor.Randn(shape, dtype, std, rng)
	return q, k, v
}

func requireClose(t *testing.T, want, got *tensor.RawTensor, name string) {
	t.Helper()
	wantV := want.Float32Values()
	gotV := got.Float32Values()
	require.Len(t, gotV, len(wantV), name)
	worst := 0.0
	for i := range wantV {
		d := math.Abs(float64(wantV[i] - gotV[i]))
		if d > worst {
			worst = d
		}
	}
	assert.LessOrEqual(t, worst, tolerance, "%s max abs diff", name)
}

func TestAttention(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	q, k, v := randomInputs(rng, 2, 80, 4, 64, tensor.Float16, 1.0)

	out, err := flashattn.Attention(q, k, v, flashattn.Options{BlockQ: 32, BlockK: 32})
	require.NoError(t, err)
	require.True(t, out.Shape().Equal(q.Shape()))

	want, err := kernel.Reference(q, k, v, nil, 0)
	require.NoError(t, err)
	requireClose(t, want, out, "output")
}

func TestAttentionWithLSE(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	q, k, v := randomInputs(rng, 1, 32, 2, 32, tensor.Float16, 1.0)

	out, lse, err := flashattn.AttentionWithLSE(q, k, v, flashattn.Options{BlockQ: 16, BlockK: 16})
	require.NoError(t, err)
	require.NotNil(t, out)
	require.True(t, lse.Shape().Equal(tensor.Shape{1, 2, 32}))
	assert.Equal(t, tensor.Float32, lse.DType())
}

func TestAttentionRejectsBadInput(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	q, k, v := randomInputs(rng, 1, 32, 2, 32, tensor.Float16, 1.0)
	badK := tensor.Zeros(tensor.Shape{1, 32, 2, 64}, tensor.Float16)

	_, err := flashattn.Attention(q, badK, v, flashattn.Options{})
	require.ErrorIs(t, err, flashattn.ErrShapeMismatch)

	_, err = flashattn.Attention(q, k, v, flashattn.Options{BlockQ: 24})
	require.ErrorIs(t, err, flashattn.ErrBlockAlignment)
}

// Training loop shape: one attention call recorded on a tape, then a
// backward pass checked against the dense reference gradients.
func TestAttentionOnTape(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	q, k, v := randomInputs(rng, 1, 64, 1, 16, tensor.Float16, 2.0)
	opts := flashattn.Options{BlockQ: 64, BlockK: 64}

	tape := autodiff.NewGradientTape()
	tape.StartRecording()
	out, err := flashattn.AttentionOnTape(tape, q, k, v, opts)
	require.NoError(t, err)
	tape.StopRecording()

	dOut := tensor.Randn(out.Shape(), tensor.Float16, 1.0, rng)
	grads, err := tape.Backward(dOut)
	require.NoError(t, err)

	wantDq, wantDk, wantDv, err := kernel.ReferenceGradients(q, k, v, nil, dOut, 0)
	require.NoError(t, err)
	requireClose(t, wantDq, grads[q], "dQuery")
	requireClose(t, wantDk, grads[k], "dKey")
	requireClose(t, wantDv, grads[v], "dValue")
}

func TestAttentionOnTapeWithBias(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	q, k, v := randomInputs(rng, 1, 32, 2, 32, tensor.BFloat16, 1.0)
	bias := tensor.Randn(tensor.Shape{1, 2, 32, 32}, tensor.Float32, 0.5, rng)
	opts := flashattn.Options{Bias: bias, BlockQ: 16, BlockK: 16}

	tape := autodiff.NewGradientTape()
	tape.StartRecording()
	out, err := flashattn.AttentionOnTape(tape, q, k, v, opts)
	require.NoError(t, err)

	want, err := kernel.Reference(q, k, v, bias, 0)
	require.NoError(t, err)
	requireClose(t, want, out, "output")

	dOut := tensor.Randn(out.Shape(), tensor.BFloat16, 1.0, rng)
	grads, err := tape.Backward(dOut)
	require.NoError(t, err)
	assert.Contains(t, grads, q)
	assert.NotContains(t, grads, bias, "bias is not differentiated")
}

func TestAttentionDenseBackwardFallback(t *testing.T) {
	rng := rand.New(rand.NewSource(55))
	q, k, v := randomInputs(rng, 1, 48, 2, 32, tensor.Float16, 1.0)

	run := func(disable bool) map[*tensor.RawTensor]*tensor.RawTensor {
		tape := autodiff.NewGradientTape()
		tape.StartRecording()
		_, err := flashattn.AttentionOnTape(tape, q, k, v, flashattn.Options{
			BlockQ: 16, BlockK: 16, DisableTiledBackward: disable,
		})
		require.NoError(t, err)

		dOutRng := rand.New(rand.NewSource(56))
		dOut := tensor.Randn(q.Shape(), tensor.Float16, 1.0, dOutRng)
		grads, err := tape.Backward(dOut)
		require.NoError(t, err)
		return grads
	}

	tiled := run(false)
	dense := run(true)
	requireClose(t, dense[q], tiled[q], "dQuery")
	requireClose(t, dense[k], tiled[k], "dKey")
	requireClose(t, dense[v], tiled[v], "dValue")
}
