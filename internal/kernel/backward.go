package kernel

import (
	"math"
	"sync"

	"github.com/born-ml/flashattn/internal/tensor"
)

// deltaParams feeds the backward pre-pass: per query row, the dot
// product of the forward output with its incoming gradient.
type deltaParams struct {
	seqQ, headDim     int
	blockQ, blockHead int
	dtype             tensor.DataType
	out, dOut         []uint16
	delta             []float32
	so, sdo, sd       []int
}

// deltaWorkItem computes delta[row] = sum_d out[row,d] * dOut[row,d]
// for one (query tile, batch, head) cell. The delta buffer is
// congruent with the log-sum-exp buffer: one float32 per
// (batch, head, query position).
func deltaWorkItem(p *deltaParams, startM, offB, offH int) {
	m0 := startM * p.blockQ

	oTile := make([]float32, p.blockQ*p.blockHead)
	doTile := make([]float32, p.blockQ*p.blockHead)

	loadTile16(oTile, p.out, p.dtype,
		offB*p.so[0]+offH*p.so[2], p.so[1],
		m0, p.blockQ, p.seqQ, p.blockHead, p.headDim)
	loadTile16(doTile, p.dOut, p.dtype,
		offB*p.sdo[0]+offH*p.sdo[2], p.sdo[1],
		m0, p.blockQ, p.seqQ, p.blockHead, p.headDim)

	base := offB*p.sd[0] + offH*p.sd[1]
	for i := 0; i < p.blockQ; i++ {
		if m0+i >= p.seqQ {
			continue
		}
		var d float32
		for c := 0; c < p.blockHead; c++ {
			d += oTile[i*p.blockHead+c] * doTile[i*p.blockHead+c]
		}
		p.delta[base+m0+i] = d
	}
}

// bwdParams is everything one backward work item needs. dQuery
// accumulates into a shared float32 buffer: it is the only operand
// touched by more than one work item, so updates go through a
// per-(batch*head) mutex. dKey and dValue tiles are private to their
// key tile and are written exactly once.
type bwdParams struct {
	attnDims

	dtype tensor.DataType

	q, k, v, dOut []uint16
	lse, delta    []float32

	bias      []uint16
	bias32    []float32
	biasDType tensor.DataType

	dq     []float32 // query-shaped accumulator, encoded after the launch
	dk, dv []uint16

	sq, sk, sv, sb, sdo, sdq, sdk, sdv, sl []int

	mu []sync.Mutex // one per batch*head, guards dq row regions
}

func (p *bwdParams) biasAt(off int) float32 {
	if p.biasDType == tensor.Float32 {
		return p.bias32[off]
	}
	return tensor.DecodeElem(p.biasDType, p.bias[off])
}

// backwardWorkItem computes one (key tile, batch*head) cell of the
// backward launch grid, scanning query tiles sequentially. The loop
// nesting is inverted relative to the forward pass: the key tile is
// the parallel axis here, so dKey/dValue stay private while dQuery
// becomes the shared reduction.
//
// Attention probabilities are recovered as exp(score - lse) from the
// saved normalizer instead of rerunning the online-softmax
// recurrence.
func backwardWorkItem(p *bwdParams, startN, offBH int) {
	offB := offBH / p.heads
	offH := offBH % p.heads
	n0 := startN * p.blockK

	kTile := make([]float32, p.blockK*p.blockHead)
	vTile := make([]float32, p.blockK*p.blockHead)
	qTile := make([]float32, p.blockQ*p.blockHead)
	doTile := make([]float32, p.blockQ*p.blockHead)
	probs := make([]float32, p.blockQ*p.blockK)
	ds := make([]float32, p.blockQ*p.blockK)
	dqTile := make([]float32, p.blockQ*p.blockHead)
	lRow := make([]float32, p.blockQ)
	dRow := make([]float32, p.blockQ)

	loadTile16(kTile, p.k, p.dtype,
		offB*p.sk[0]+offH*p.sk[2], p.sk[1],
		n0, p.blockK, p.seqK, p.blockHead, p.headDim)
	loadTile16(vTile, p.v, p.dtype,
		offB*p.sv[0]+offH*p.sv[2], p.sv[1],
		n0, p.blockK, p.seqK, p.blockHead, p.headDim)

	dkAcc := make([]float32, p.blockK*p.blockHead)
	dvAcc := make([]float32, p.blockK*p.blockHead)

	lseBase := offB*p.sl[0] + offH*p.sl[1]
	biasBase := offB*p.sb[0] + offH*p.sb[1]
	dqBase := offB*p.sdq[0] + offH*p.sdq[2]

	for m0 := 0; m0 < p.seqQ; m0 += p.blockQ {
		loadTile16(qTile, p.q, p.dtype,
			offB*p.sq[0]+offH*p.sq[2], p.sq[1],
			m0, p.blockQ, p.seqQ, p.blockHead, p.headDim)
		loadTile16(doTile, p.dOut, p.dtype,
			offB*p.sdo[0]+offH*p.sdo[2], p.sdo[1],
			m0, p.blockQ, p.seqQ, p.blockHead, p.headDim)

		for i := 0; i < p.blockQ; i++ {
			m := m0 + i
			if m < p.seqQ {
				lRow[i] = p.lse[lseBase+m]
				dRow[i] = p.delta[lseBase+m]
			} else {
				lRow[i] = 0
				dRow[i] = 0
			}
		}

		// Recompute the score block with the same scale/bias order as
		// the forward pass, then recover probabilities from the saved
		// log-sum-exp.
		for i := 0; i < p.blockQ; i++ {
			m := m0 + i
			for j := 0; j < p.blockK; j++ {
				n := n0 + j
				idx := i*p.blockK + j
				if n >= p.seqK {
					probs[idx] = 0
					continue
				}
				var s float32
				for d := 0; d < p.blockHead; d++ {
					s += qTile[i*p.blockHead+d] * kTile[j*p.blockHead+d]
				}
				if p.haveBias {
					var b float32
					if m < p.seqQ {
						b = p.biasAt(biasBase + m*p.sb[2] + n*p.sb[3])
					}
					s = s*p.scale + b
				} else {
					s *= p.scale
				}
				probs[idx] = float32(math.Exp(float64(s - lRow[i])))
			}
		}

		// dValue += probs^T . dOut
		for j := 0; j < p.blockK; j++ {
			for d := 0; d < p.blockHead; d++ {
				var acc float32
				for i := 0; i < p.blockQ; i++ {
					acc += probs[i*p.blockK+j] * doTile[i*p.blockHead+d]
				}
				dvAcc[j*p.blockHead+d] += acc
			}
		}

		// ds = probs * (dOut . value^T - delta) * scale
		for i := 0; i < p.blockQ; i++ {
			for j := 0; j < p.blockK; j++ {
				var dp float32
				for d := 0; d < p.blockHead; d++ {
					dp += doTile[i*p.blockHead+d] * vTile[j*p.blockHead+d]
				}
				ds[i*p.blockK+j] = probs[i*p.blockK+j] * (dp - dRow[i]) * p.scale
			}
		}

		// dKey += ds^T . query
		for j := 0; j < p.blockK; j++ {
			for d := 0; d < p.blockHead; d++ {
				var acc float32
				for i := 0; i < p.blockQ; i++ {
					acc += ds[i*p.blockK+j] * qTile[i*p.blockHead+d]
				}
				dkAcc[j*p.blockHead+d] += acc
			}
		}

		// dQuery contribution for this query tile: ds . key. Every key
		// tile of the same (batch, head) sums into the same rows, so
		// the read-modify-write runs under that slice's mutex.
		for i := 0; i < p.blockQ; i++ {
			for d := 0; d < p.blockHead; d++ {
				var acc float32
				for j := 0; j < p.blockK; j++ {
					acc += ds[i*p.blockK+j] * kTile[j*p.blockHead+d]
				}
				dqTile[i*p.blockHead+d] = acc
			}
		}

		p.mu[offBH].Lock()
		for i := 0; i < p.blockQ; i++ {
			m := m0 + i
			if m >= p.seqQ {
				continue
			}
			for d := 0; d < p.headDim; d++ {
				p.dq[dqBase+m*p.sdq[1]+d] += dqTile[i*p.blockHead+d]
			}
		}
		p.mu[offBH].Unlock()
	}

	storeTile16(p.dk, p.dtype,
		offB*p.sdk[0]+offH*p.sdk[2], p.sdk[1],
		n0, p.blockK, p.seqK, p.blockHead, p.headDim, dkAcc)
	storeTile16(p.dv, p.dtype,
		offB*p.sdv[0]+offH*p.sdv[2], p.sdv[1],
		n0, p.blockK, p.seqK, p.blockHead, p.headDim, dvAcc)
}
