// Package kernel implements the fused, tiled flash attention forward
// and backward passes.
//
// The forward pass streams key/value tiles through an online-softmax
// recurrence and materializes only the output and a per-row
// log-sum-exp; the backward pass reconstructs attention weights from
// that log-sum-exp instead of recomputing the softmax. Work items are
// scheduled over a 3-D launch grid; within a work item the tile scan
// is strictly sequential.
package kernel

import (
	"fmt"
	"math"
	"sync"

	"k8s.io/klog/v2"

	"github.com/born-ml/flashattn/internal/parallel"
	"github.com/born-ml/flashattn/internal/tensor"
)

// Default tile sizes for the sequence axes.
const (
	DefaultBlockQ = 128
	DefaultBlockK = 128
)

// Params configures a kernel launch.
type Params struct {
	// SoftmaxScale multiplies the raw scores. Zero selects the
	// conventional 1/sqrt(headDim).
	SoftmaxScale float64

	// BlockQ and BlockK are the query/key tile sizes. Zero selects
	// the defaults. Both must be divisible by 16.
	BlockQ, BlockK int

	// DisableTiledBackward routes gradients through the non-tiled
	// reference formula instead of the tiled backward kernel. The
	// fallback trades memory efficiency for guaranteed correctness;
	// it is never faster.
	DisableTiledBackward bool
}

func (p Params) withDefaults(headDim int) Params {
	if p.SoftmaxScale == 0 {
		p.SoftmaxScale = 1.0 / math.Sqrt(float64(headDim))
	}
	if p.BlockQ == 0 {
		p.BlockQ = DefaultBlockQ
	}
	if p.BlockK == 0 {
		p.BlockK = DefaultBlockK
	}
	return p
}

// Residual is the tuple captured at the end of the forward pass and
// handed unchanged to the backward pass. The log-sum-exp buffer and
// the output are the only forward-pass quantities the backward pass
// may depend on; the score matrix itself is never stored.
type Residual struct {
	Output *tensor.RawTensor
	LSE    *tensor.RawTensor
	Query  *tensor.RawTensor
	Key    *tensor.RawTensor
	Value  *tensor.RawTensor
	Bias   *tensor.RawTensor // nil when attention ran without bias
}

// numWorkers mirrors the warp-count heuristic: wider heads get more
// parallelism per launch.
func numWorkers(headDim int) int {
	if headDim <= 64 {
		return 4
	}
	return 8
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// dims4 destructures a rank-4 shape, rejecting anything else.
func dims4(name string, t *tensor.RawTensor) (b, s, h, d int, err error) {
	shape := t.Shape()
	if len(shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("%w: %s must be 4-D (batch, seq, heads, headDim), got %v",
			ErrShapeMismatch, name, shape)
	}
	return shape[0], shape[1], shape[2], shape[3], nil
}

// Forward validates the operands, then launches the tiled forward
// kernel over a (ceil(seqQ/blockQ), batch, heads) grid. It returns
// the attention output (query-shaped, query dtype) and the per-row
// log-sum-exp buffer (batch, heads, seqQ) in float32.
//
// bias, when non-nil, must be shaped (batch, heads, seqQ, seqK); it
// is added to the scaled scores before the softmax. A nil bias costs
// neither memory traffic nor arithmetic.
func Forward(query, key, value, bias *tensor.RawTensor, p Params) (out, lse *tensor.RawTensor, err error) {
	batch, seqQ, heads, headDim, err := dims4("query", query)
	if err != nil {
		return nil, nil, err
	}
	_, seqK, _, _, err := dims4("key", key)
	if err != nil {
		return nil, nil, err
	}
	p = p.withDefaults(headDim)
	if err := checkShapesAndDTypes(query, key, value, batch, seqK, heads, headDim, p.BlockQ, p.BlockK); err != nil {
		return nil, nil, err
	}
	if bias != nil {
		want := tensor.Shape{batch, heads, seqQ, seqK}
		if !bias.Shape().Equal(want) {
			return nil, nil, fmt.Errorf("%w: bias shape %v, want %v", ErrShapeMismatch, bias.Shape(), want)
		}
	}

	out, err = tensor.NewRaw(query.Shape(), query.DType())
	if err != nil {
		return nil, nil, fmt.Errorf("allocating output: %w", err)
	}
	lse, err = tensor.NewRaw(tensor.Shape{batch, heads, seqQ}, tensor.Float32)
	if err != nil {
		return nil, nil, fmt.Errorf("allocating log-sum-exp buffer: %w", err)
	}

	params := &fwdParams{
		attnDims: attnDims{
			batch: batch, heads: heads,
			seqQ: seqQ, seqK: seqK,
			headDim: headDim,
			blockQ:  p.BlockQ, blockK: p.BlockK,
			blockHead: max(nextPowerOfTwo(headDim), 16),
			scale:     float32(p.SoftmaxScale),
			haveBias:  bias != nil,
		},
		dtype: query.DType(),
		q:     query.AsUint16(),
		k:     key.AsUint16(),
		v:     value.AsUint16(),
		out:   out.AsUint16(),
		lse:   lse.AsFloat32(),
		sq:    query.Strides(),
		sk:    key.Strides(),
		sv:    value.Strides(),
		sb:    []int{0, 0, 0, 0},
		so:    out.Strides(),
		sl:    lse.Strides(),
	}
	if bias != nil {
		params.biasDType = bias.DType()
		if bias.DType() == tensor.Float32 {
			params.bias32 = bias.AsFloat32()
		} else {
			params.bias = bias.AsUint16()
		}
		params.sb = bias.Strides()
	}

	grid := parallel.Grid{X: ceilDiv(seqQ, p.BlockQ), Y: batch, Z: heads}
	workers := numWorkers(headDim)
	klog.V(2).Infof("flashattn forward launch: grid=(%d,%d,%d) blockQ=%d blockK=%d blockHead=%d workers=%d bias=%v",
		grid.X, grid.Y, grid.Z, p.BlockQ, p.BlockK, params.blockHead, workers, bias != nil)

	err = parallel.Launch(grid, workers, func(x, y, z int) error {
		forwardWorkItem(params, x, y, z)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("forward launch: %w", err)
	}
	return out, lse, nil
}

// ForwardWithResidual runs Forward and captures the residual tuple
// the backward pass needs.
func ForwardWithResidual(query, key, value, bias *tensor.RawTensor, p Params) (*tensor.RawTensor, Residual, error) {
	out, lse, err := Forward(query, key, value, bias, p)
	if err != nil {
		return nil, Residual{}, err
	}
	return out, Residual{
		Output: out, LSE: lse,
		Query: query, Key: key, Value: value, Bias: bias,
	}, nil
}

// Backward computes (dQuery, dKey, dValue) for the given forward
// residual and output gradient.
//
// It runs two launches: a pre-pass over the forward grid computing
// the per-row delta term, then the tiled backward kernel over a
// (ceil(seqK/blockK), 1, batch*heads) grid. The key tile is the
// parallel axis; dQuery is the one cross-work-item reduction and
// accumulates in float32 under a per-(batch*head) mutex before being
// encoded to the storage dtype.
//
// Bias is never differentiated.
func Backward(res Residual, dOut *tensor.RawTensor, p Params) (dq, dk, dv *tensor.RawTensor, err error) {
	batch, seqQ, heads, headDim, err := dims4("query", res.Query)
	if err != nil {
		return nil, nil, nil, err
	}
	_, seqK, _, _, err := dims4("key", res.Key)
	if err != nil {
		return nil, nil, nil, err
	}
	p = p.withDefaults(headDim)
	if err := checkShapesAndDTypes(res.Query, res.Key, res.Value, batch, seqK, heads, headDim, p.BlockQ, p.BlockK); err != nil {
		return nil, nil, nil, err
	}
	if !dOut.Shape().Equal(res.Query.Shape()) {
		return nil, nil, nil, fmt.Errorf("%w: output gradient shape %v, want %v",
			ErrShapeMismatch, dOut.Shape(), res.Query.Shape())
	}
	if dOut.DType() != res.Query.DType() {
		return nil, nil, nil, fmt.Errorf("%w: output gradient is %s, want %s",
			ErrDTypeMismatch, dOut.DType(), res.Query.DType())
	}

	if p.DisableTiledBackward {
		return ReferenceGradients(res.Query, res.Key, res.Value, res.Bias, dOut, p.SoftmaxScale)
	}

	delta, err := tensor.NewRaw(tensor.Shape{batch, heads, seqQ}, tensor.Float32)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("allocating delta buffer: %w", err)
	}

	workers := numWorkers(headDim)

	dp := &deltaParams{
		seqQ: seqQ, headDim: headDim,
		blockQ:    p.BlockQ,
		blockHead: max(nextPowerOfTwo(headDim), 16),
		dtype:     res.Output.DType(),
		out:       res.Output.AsUint16(),
		dOut:      dOut.AsUint16(),
		delta:     delta.AsFloat32(),
		so:        res.Output.Strides(),
		sdo:       dOut.Strides(),
		sd:        delta.Strides(),
	}
	preGrid := parallel.Grid{X: ceilDiv(seqQ, p.BlockQ), Y: batch, Z: heads}
	klog.V(2).Infof("flashattn backward pre-pass launch: grid=(%d,%d,%d) blockQ=%d workers=%d",
		preGrid.X, preGrid.Y, preGrid.Z, p.BlockQ, workers)
	err = parallel.Launch(preGrid, workers, func(x, y, z int) error {
		deltaWorkItem(dp, x, y, z)
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("backward pre-pass launch: %w", err)
	}

	dk, err = tensor.NewRaw(res.Key.Shape(), res.Key.DType())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("allocating dKey: %w", err)
	}
	dv, err = tensor.NewRaw(res.Value.Shape(), res.Value.DType())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("allocating dValue: %w", err)
	}
	dqAcc := make([]float32, res.Query.NumElements())

	params := &bwdParams{
		attnDims: attnDims{
			batch: batch, heads: heads,
			seqQ: seqQ, seqK: seqK,
			headDim: headDim,
			blockQ:  p.BlockQ, blockK: p.BlockK,
			blockHead: max(nextPowerOfTwo(headDim), 16),
			scale:     float32(p.SoftmaxScale),
			haveBias:  res.Bias != nil,
		},
		dtype: res.Query.DType(),
		q:     res.Query.AsUint16(),
		k:     res.Key.AsUint16(),
		v:     res.Value.AsUint16(),
		dOut:  dOut.AsUint16(),
		lse:   res.LSE.AsFloat32(),
		delta: delta.AsFloat32(),
		dq:    dqAcc,
		dk:    dk.AsUint16(),
		dv:    dv.AsUint16(),
		sq:    res.Query.Strides(),
		sk:    res.Key.Strides(),
		sv:    res.Value.Strides(),
		sb:    []int{0, 0, 0, 0},
		sdo:   dOut.Strides(),
		sdq:   res.Query.Shape().ComputeStrides(),
		sdk:   dk.Strides(),
		sdv:   dv.Strides(),
		sl:    res.LSE.Strides(),
		mu:    make([]sync.Mutex, batch*heads),
	}
	if res.Bias != nil {
		params.biasDType = res.Bias.DType()
		if res.Bias.DType() == tensor.Float32 {
			params.bias32 = res.Bias.AsFloat32()
		} else {
			params.bias = res.Bias.AsUint16()
		}
		params.sb = res.Bias.Strides()
	}

	grid := parallel.Grid{X: ceilDiv(seqK, p.BlockK), Y: 1, Z: batch * heads}
	klog.V(2).Infof("flashattn backward launch: grid=(%d,%d,%d) blockQ=%d blockK=%d workers=%d",
		grid.X, grid.Y, grid.Z, p.BlockQ, p.BlockK, workers)
	err = parallel.Launch(grid, workers, func(x, _, z int) error {
		backwardWorkItem(params, x, z)
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("backward launch: %w", err)
	}

	dq, err = tensor.FromFloat32(dqAcc, res.Query.Shape(), res.Query.DType())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encoding dQuery: %w", err)
	}
	return dq, dk, dv, nil
}
