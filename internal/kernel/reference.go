package kernel

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/flashattn/internal/tensor"
)

// Non-tiled reference attention. This materializes the full score
// matrix per (batch, head) in float64 and exists as a correctness
// oracle and as the gradient fallback when the tiled backward kernel
// is disabled. It is neither tiled nor memory-efficient.

// readMatrix decodes the (seq, headDim) slice of one (batch, head)
// into a dense float64 matrix.
func readMatrix(t *tensor.RawTensor, b, h, seq, headDim int) *mat.Dense {
	s := t.Strides()
	bits := t.AsUint16()
	m := mat.NewDense(seq, headDim, nil)
	for r := 0; r < seq; r++ {
		off := b*s[0] + r*s[1] + h*s[2]
		for c := 0; c < headDim; c++ {
			m.Set(r, c, float64(tensor.DecodeElem(t.DType(), bits[off+c])))
		}
	}
	return m
}

// writeMatrix encodes a dense float64 matrix back into the
// (seq, headDim) slice of one (batch, head).
func writeMatrix(t *tensor.RawTensor, b, h int, m *mat.Dense) {
	s := t.Strides()
	bits := t.AsUint16()
	rows, cols := m.Dims()
	for r := 0; r < rows; r++ {
		off := b*s[0] + r*s[1] + h*s[2]
		for c := 0; c < cols; c++ {
			bits[off+c] = tensor.EncodeElem(t.DType(), float32(m.At(r, c)))
		}
	}
}

// biasMatrix decodes the (seqQ, seqK) bias slice of one (batch, head).
func biasMatrix(bias *tensor.RawTensor, b, h, seqQ, seqK int) *mat.Dense {
	s := bias.Strides()
	m := mat.NewDense(seqQ, seqK, nil)
	if bias.DType() == tensor.Float32 {
		data := bias.AsFloat32()
		for r := 0; r < seqQ; r++ {
			off := b*s[0] + h*s[1] + r*s[2]
			for c := 0; c < seqK; c++ {
				m.Set(r, c, float64(data[off+c]))
			}
		}
		return m
	}
	bits := bias.AsUint16()
	for r := 0; r < seqQ; r++ {
		off := b*s[0] + h*s[1] + r*s[2]
		for c := 0; c < seqK; c++ {
			m.Set(r, c, float64(tensor.DecodeElem(bias.DType(), bits[off+c])))
		}
	}
	return m
}

// scoreMatrix computes scale*(Q K^T) + bias for one (batch, head).
func scoreMatrix(q, k *mat.Dense, bias *mat.Dense, scale float64) *mat.Dense {
	seqQ, _ := q.Dims()
	seqK, _ := k.Dims()
	s := mat.NewDense(seqQ, seqK, nil)
	s.Mul(q, k.T())
	s.Scale(scale, s)
	if bias != nil {
		s.Add(s, bias)
	}
	return s
}

// softmaxRows replaces each row of s with its softmax, returning the
// per-row log-sum-exp alongside.
func softmaxRows(s *mat.Dense) []float64 {
	rows, cols := s.Dims()
	lse := make([]float64, rows)
	for r := 0; r < rows; r++ {
		rowMax := math.Inf(-1)
		for c := 0; c < cols; c++ {
			if v := s.At(r, c); v > rowMax {
				rowMax = v
			}
		}
		var sum float64
		for c := 0; c < cols; c++ {
			e := math.Exp(s.At(r, c) - rowMax)
			s.Set(r, c, e)
			sum += e
		}
		for c := 0; c < cols; c++ {
			s.Set(r, c, s.At(r, c)/sum)
		}
		lse[r] = rowMax + math.Log(sum)
	}
	return lse
}

// Reference computes softmax attention the direct way, materializing
// the full probability matrix. Output shape and dtype match query.
func Reference(query, key, value, bias *tensor.RawTensor, scale float64) (*tensor.RawTensor, error) {
	batch, seqQ, heads, headDim, err := dims4("query", query)
	if err != nil {
		return nil, err
	}
	_, seqK, _, _, err := dims4("key", key)
	if err != nil {
		return nil, err
	}
	if scale == 0 {
		scale = 1.0 / math.Sqrt(float64(headDim))
	}

	out, err := tensor.NewRaw(query.Shape(), query.DType())
	if err != nil {
		return nil, fmt.Errorf("allocating reference output: %w", err)
	}

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			q := readMatrix(query, b, h, seqQ, headDim)
			k := readMatrix(key, b, h, seqK, headDim)
			v := readMatrix(value, b, h, seqK, headDim)

			var bm *mat.Dense
			if bias != nil {
				bm = biasMatrix(bias, b, h, seqQ, seqK)
			}

			p := scoreMatrix(q, k, bm, scale)
			softmaxRows(p)

			o := mat.NewDense(seqQ, headDim, nil)
			o.Mul(p, v)
			writeMatrix(out, b, h, o)
		}
	}
	return out, nil
}

// ReferenceGradients computes (dQuery, dKey, dValue) analytically
// through the reference attention formula. Used as the fallback when
// the tiled backward kernel is disabled, and by tests as the oracle
// for the tiled gradients. Bias receives no gradient.
func ReferenceGradients(query, key, value, bias, dOut *tensor.RawTensor, scale float64) (dq, dk, dv *tensor.RawTensor, err error) {
	batch, seqQ, heads, headDim, err := dims4("query", query)
	if err != nil {
		return nil, nil, nil, err
	}
	_, seqK, _, _, err := dims4("key", key)
	if err != nil {
		return nil, nil, nil, err
	}
	if scale == 0 {
		scale = 1.0 / math.Sqrt(float64(headDim))
	}

	dq, err = tensor.NewRaw(query.Shape(), query.DType())
	if err != nil {
		return nil, nil, nil, err
	}
	dk, err = tensor.NewRaw(key.Shape(), key.DType())
	if err != nil {
		return nil, nil, nil, err
	}
	dv, err = tensor.NewRaw(value.Shape(), value.DType())
	if err != nil {
		return nil, nil, nil, err
	}

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			q := readMatrix(query, b, h, seqQ, headDim)
			k := readMatrix(key, b, h, seqK, headDim)
			v := readMatrix(value, b, h, seqK, headDim)
			do := readMatrix(dOut, b, h, seqQ, headDim)

			var bm *mat.Dense
			if bias != nil {
				bm = biasMatrix(bias, b, h, seqQ, seqK)
			}

			p := scoreMatrix(q, k, bm, scale)
			softmaxRows(p)

			// dV = P^T . dO
			dvm := mat.NewDense(seqK, headDim, nil)
			dvm.Mul(p.T(), do)

			// dS = P o (dP - delta), delta_r = sum_c dP_rc * P_rc
			dp := mat.NewDense(seqQ, seqK, nil)
			dp.Mul(do, v.T())
			ds := mat.NewDense(seqQ, seqK, nil)
			for r := 0; r < seqQ; r++ {
				var delta float64
				for c := 0; c < seqK; c++ {
					delta += dp.At(r, c) * p.At(r, c)
				}
				for c := 0; c < seqK; c++ {
					ds.Set(r, c, p.At(r, c)*(dp.At(r, c)-delta)*scale)
				}
			}

			// dQ = dS . K, dK = dS^T . Q (scale already folded into dS)
			dqm := mat.NewDense(seqQ, headDim, nil)
			dqm.Mul(ds, k)
			dkm := mat.NewDense(seqK, headDim, nil)
			dkm.Mul(ds.T(), q)

			writeMatrix(dq, b, h, dqm)
			writeMatrix(dk, b, h, dkm)
			writeMatrix(dv, b, h, dvm)
		}
	}
	return dq, dk, dv, nil
}
