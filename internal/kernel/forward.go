package kernel

import (
	"math"

	"github.com/born-ml/flashattn/internal/tensor"
)

// attnDims carries the logical dimensions and tile metaparameters
// shared by the forward and backward kernels.
type attnDims struct {
	batch, heads   int
	seqQ, seqK     int
	headDim        int
	blockQ, blockK int
	blockHead      int // padded head tile width: next pow2 >= headDim, min 16
	scale          float32
	haveBias       bool
}

// fwdParams is everything one forward work item needs: raw operand
// buffers plus per-tensor strides. Each tensor's strides are derived
// from its own logical shape by the orchestrator.
type fwdParams struct {
	attnDims

	dtype tensor.DataType

	q, k, v, out []uint16
	lse          []float32

	// Bias is carried as a flat buffer plus a presence flag rather
	// than a nil: when haveBias is false the buffer is zero-sized
	// and the bias branch is never entered.
	bias      []uint16
	bias32    []float32
	biasDType tensor.DataType

	sq, sk, sv, sb, so, sl []int
}

// biasAt decodes one bias element, whichever precision it is stored in.
func (p *fwdParams) biasAt(off int) float32 {
	if p.biasDType == tensor.Float32 {
		return p.bias32[off]
	}
	return tensor.DecodeElem(p.biasDType, p.bias[off])
}

// forwardWorkItem computes one (query tile, batch, head) cell of the
// forward launch grid: the online-softmax scan over key tiles.
//
// Per query row it maintains three accumulators: the running maximum
// score, the running log-sum-exp, and the running weighted value sum.
// Each key tile rescales the accumulators by exp(oldMax - newMax)
// before adding its own contribution, which keeps every intermediate
// bounded without ever holding a full score row.
func forwardWorkItem(p *fwdParams, startM, offB, offH int) {
	negInf := float32(math.Inf(-1))
	m0 := startM * p.blockQ

	qTile := make([]float32, p.blockQ*p.blockHead)
	kTile := make([]float32, p.blockK*p.blockHead)
	vTile := make([]float32, p.blockK*p.blockHead)
	scores := make([]float32, p.blockQ*p.blockK)

	loadTile16(qTile, p.q, p.dtype,
		offB*p.sq[0]+offH*p.sq[2], p.sq[1],
		m0, p.blockQ, p.seqQ, p.blockHead, p.headDim)

	maxI := make([]float32, p.blockQ)
	lseI := make([]float32, p.blockQ)
	for i := range maxI {
		maxI[i] = negInf
		lseI[i] = negInf
	}
	acc := make([]float32, p.blockQ*p.blockHead)

	biasBase := offB*p.sb[0] + offH*p.sb[1]

	for j0 := 0; j0 < p.seqK; j0 += p.blockK {
		loadTile16(kTile, p.k, p.dtype,
			offB*p.sk[0]+offH*p.sk[2], p.sk[1],
			j0, p.blockK, p.seqK, p.blockHead, p.headDim)

		// Raw score block: q . k^T, with out-of-range key columns
		// forced to -inf so they vanish under exp.
		for i := 0; i < p.blockQ; i++ {
			for j := 0; j < p.blockK; j++ {
				if j0+j >= p.seqK {
					scores[i*p.blockK+j] = negInf
					continue
				}
				var s float32
				for d := 0; d < p.blockHead; d++ {
					s += qTile[i*p.blockHead+d] * kTile[j*p.blockHead+d]
				}
				scores[i*p.blockK+j] = s
			}
		}

		// With bias the scale is applied to the raw scores before the
		// bias add and before the row max; without bias the row max is
		// taken first and the scale folded in afterwards. The two
		// orders round differently and both are deliberate.
		if p.haveBias {
			for i := 0; i < p.blockQ; i++ {
				m := m0 + i
				for j := 0; j < p.blockK; j++ {
					n := j0 + j
					var b float32
					if m < p.seqQ && n < p.seqK {
						b = p.biasAt(biasBase + m*p.sb[2] + n*p.sb[3])
					}
					scores[i*p.blockK+j] = scores[i*p.blockK+j]*p.scale + b
				}
			}
		}

		loadTile16(vTile, p.v, p.dtype,
			offB*p.sv[0]+offH*p.sv[2], p.sv[1],
			j0, p.blockK, p.seqK, p.blockHead, p.headDim)

		for i := 0; i < p.blockQ; i++ {
			row := scores[i*p.blockK : (i+1)*p.blockK]

			rowMax := negInf
			for _, s := range row {
				if s > rowMax {
					rowMax = s
				}
			}
			if !p.haveBias {
				rowMax *= p.scale
			}

			newMax := maxI[i]
			if rowMax > newMax {
				newMax = rowMax
			}

			// Rescale the existing accumulator before this tile's
			// contribution lands. exp(-inf - newMax) = 0 covers the
			// first tile.
			accScale := float32(math.Exp(float64(maxI[i] - newMax)))
			for d := 0; d < p.blockHead; d++ {
				acc[i*p.blockHead+d] *= accScale
			}

			var rowSum float32
			for j, s := range row {
				if !p.haveBias {
					s *= p.scale
				}
				e := float32(math.Exp(float64(s - newMax)))
				rowSum += e
				for d := 0; d < p.blockHead; d++ {
					acc[i*p.blockHead+d] += e * vTile[j*p.blockHead+d]
				}
			}

			lin := float32(math.Exp(float64(lseI[i]-newMax))) + rowSum
			lseI[i] = newMax + float32(math.Log(float64(lin)))
			maxI[i] = newMax
		}
	}

	// Final normalization: the accumulator currently holds
	// sum(exp(s - max) * v); dividing by exp(lse - max) finishes the
	// softmax.
	for i := 0; i < p.blockQ; i++ {
		oScale := float32(math.Exp(float64(maxI[i] - lseI[i])))
		for d := 0; d < p.blockHead; d++ {
			acc[i*p.blockHead+d] *= oScale
		}
	}

	lseBase := offB*p.sl[0] + offH*p.sl[1]
	for i := 0; i < p.blockQ; i++ {
		if m0+i < p.seqQ {
			p.lse[lseBase+m0+i] = lseI[i]
		}
	}

	storeTile16(p.out, p.dtype,
		offB*p.so[0]+offH*p.so[2], p.so[1],
		m0, p.blockQ, p.seqQ, p.blockHead, p.headDim, acc)
}
