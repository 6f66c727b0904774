package kernel

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/flashattn/internal/tensor"
)

// attnTolerance is the absolute tolerance for comparing 16-bit
// storage attention against the float64 reference.
const attnTolerance = 0.125

func randomQKV(t *testing.T, rng *rand.Rand, batch, seqQ, seqK, heads, headDim int, dtype tensor.DataType, std float64) (q, k, v *tensor.RawTensor) {
	t.Helper()
	q = tensor.Randn(tensor.Shape{batch, seqQ, heads, headDim}, dtype, std, rng)
	k = tensor.Randn(tensor.Shape{batch, seqK, heads, headDim}, dtype, std, rng)
	v = tensor.Randn(tensor.Shape{batch, seqK, heads, headDim}, dtype, std, rng)
	return q, k, v
}

func maxAbsDiff(t *testing.T, a, b *tensor.RawTensor) float64 {
	t.Helper()
	av := a.Float32Values()
	bv := b.Float32Values()
	require.Len(t, bv, len(av))
	var worst float64
	for i := range av {
		d := math.Abs(float64(av[i] - bv[i]))
		if d > worst {
			worst = d
		}
	}
	return worst
}

func TestForwardMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	params := Params{BlockQ: 32, BlockK: 32}

	for _, headDim := range []int{16, 32, 64, 128, 256} {
		for _, seq := range []int{16, 32, 80} {
			name := fmt.Sprintf("headDim=%d/seq=%d", headDim, seq)
			t.Run(name, func(t *testing.T) {
				q, k, v := randomQKV(t, rng, 2, seq, seq, 2, headDim, tensor.Float16, 1.0)

				out, lse, err := Forward(q, k, v, nil, params)
				require.NoError(t, err)
				assert.True(t, out.Shape().Equal(q.Shape()))
				assert.True(t, lse.Shape().Equal(tensor.Shape{2, 2, seq}))

				want, err := Reference(q, k, v, nil, 0)
				require.NoError(t, err)

				diff := maxAbsDiff(t, out, want)
				assert.LessOrEqual(t, diff, attnTolerance, "max abs diff %v", diff)
			})
		}
	}
}

func TestForwardBFloat16(t *testing.T) {
	rng := rand.New(rand.NewSource(15))
	q, k, v := randomQKV(t, rng, 1, 48, 48, 2, 32, tensor.BFloat16, 1.0)

	out, _, err := Forward(q, k, v, nil, Params{BlockQ: 16, BlockK: 16})
	require.NoError(t, err)

	want, err := Reference(q, k, v, nil, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, maxAbsDiff(t, out, want), attnTolerance)
}

func TestForwardUnequalSequenceLengths(t *testing.T) {
	rng := rand.New(rand.NewSource(22))
	q, k, v := randomQKV(t, rng, 2, 48, 80, 2, 64, tensor.Float16, 1.0)

	out, lse, err := Forward(q, k, v, nil, Params{BlockQ: 32, BlockK: 32})
	require.NoError(t, err)
	assert.True(t, lse.Shape().Equal(tensor.Shape{2, 2, 48}))

	want, err := Reference(q, k, v, nil, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, maxAbsDiff(t, out, want), attnTolerance)
}

func TestForwardWithBias(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	batch, seq, heads, headDim := 1, 48, 2, 32
	q, k, v := randomQKV(t, rng, batch, seq, seq, heads, headDim, tensor.Float16, 1.0)

	// Additive mask: a large negative bias suppresses roughly a
	// quarter of the positions, the rest pass through unchanged.
	biasValues := make([]float32, batch*heads*seq*seq)
	for i := range biasValues {
		if rng.Intn(4) == 0 {
			biasValues[i] = -10000
		}
	}
	bias, err := tensor.FromFloat32(biasValues, tensor.Shape{batch, heads, seq, seq}, tensor.Float32)
	require.NoError(t, err)

	out, _, err := Forward(q, k, v, bias, Params{BlockQ: 16, BlockK: 16})
	require.NoError(t, err)

	want, err := Reference(q, k, v, bias, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, maxAbsDiff(t, out, want), attnTolerance)
}

func TestForwardBiasReducedPrecision(t *testing.T) {
	rng := rand.New(rand.NewSource(41))
	batch, seq, heads, headDim := 1, 32, 1, 16
	q, k, v := randomQKV(t, rng, batch, seq, seq, heads, headDim, tensor.Float16, 1.0)
	bias := tensor.Randn(tensor.Shape{batch, heads, seq, seq}, tensor.Float16, 0.5, rng)

	out, _, err := Forward(q, k, v, bias, Params{BlockQ: 16, BlockK: 16})
	require.NoError(t, err)

	want, err := Reference(q, k, v, bias, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, maxAbsDiff(t, out, want), attnTolerance)
}

// TestForwardLogSumExp checks the saved normalizer against a direct
// log(sum(exp(score - max))) + max over the full score matrix.
func TestForwardLogSumExp(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	batch, seq, heads, headDim := 1, 48, 2, 16
	q, k, v := randomQKV(t, rng, batch, seq, seq, heads, headDim, tensor.Float16, 1.0)

	_, lse, err := Forward(q, k, v, nil, Params{BlockQ: 16, BlockK: 16})
	require.NoError(t, err)
	lseData := lse.AsFloat32()

	scale := 1.0 / math.Sqrt(float64(headDim))
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			qm := readMatrix(q, b, h, seq, headDim)
			km := readMatrix(k, b, h, seq, headDim)
			scores := scoreMatrix(qm, km, nil, scale)
			want := softmaxRows(scores)
			for m := 0; m < seq; m++ {
				got := float64(lseData[b*heads*seq+h*seq+m])
				assert.InDelta(t, want[m], got, 1e-3, "lse[%d,%d,%d]", b, h, m)
			}
		}
	}
}

// TestForwardIdempotent checks that two identical launches produce
// bit-identical bytes: there is no hidden random state.
func TestForwardIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	q, k, v := randomQKV(t, rng, 2, 80, 80, 2, 64, tensor.Float16, 1.0)

	out1, lse1, err := Forward(q, k, v, nil, Params{BlockQ: 32, BlockK: 32})
	require.NoError(t, err)
	out2, lse2, err := Forward(q, k, v, nil, Params{BlockQ: 32, BlockK: 32})
	require.NoError(t, err)

	assert.Equal(t, out1.Data(), out2.Data())
	assert.Equal(t, lse1.Data(), lse2.Data())
}

func TestForwardCustomScale(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	q, k, v := randomQKV(t, rng, 1, 32, 32, 1, 32, tensor.Float16, 1.0)

	out, _, err := Forward(q, k, v, nil, Params{SoftmaxScale: 0.05, BlockQ: 16, BlockK: 16})
	require.NoError(t, err)

	want, err := Reference(q, k, v, nil, 0.05)
	require.NoError(t, err)
	assert.LessOrEqual(t, maxAbsDiff(t, out, want), attnTolerance)
}

func TestNextPowerOfTwo(t *testing.T) {
	assert.Equal(t, 16, nextPowerOfTwo(16))
	assert.Equal(t, 32, nextPowerOfTwo(17))
	assert.Equal(t, 1, nextPowerOfTwo(1))
	assert.Equal(t, 256, nextPowerOfTwo(255))
}
