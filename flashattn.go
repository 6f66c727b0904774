// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package flashattn implements tiled flash attention with a fused
// forward/backward pair and a custom gradient rule.
//
// The forward pass streams key/value tiles past each query tile and
// maintains an online softmax (running maximum plus running
// log-sum-exp), so attention over a sequence of length n needs O(n)
// memory instead of materializing the n×n score matrix. The backward
// pass reuses the saved log-sum-exp to reconstruct probabilities tile
// by tile.
//
// Tensors use the (batch, seqLen, numHeads, headDim) layout with
// float16 or bfloat16 storage.
//
// Example:
//
//	out, err := flashattn.Attention(q, k, v, flashattn.Options{})
//
// For training, record the call on a gradient tape:
//
//	tape := autodiff.NewGradientTape()
//	tape.StartRecording()
//	out, err := flashattn.AttentionOnTape(tape, q, k, v, flashattn.Options{})
//	grads, err := tape.Backward(dOut)
package flashattn

import (
	"github.com/born-ml/flashattn/autodiff"
	iops "github.com/born-ml/flashattn/internal/autodiff/ops"
	"github.com/born-ml/flashattn/internal/kernel"
	"github.com/born-ml/flashattn/tensor"
)

// Default tile sizes along the query and key sequence axes.
const (
	DefaultBlockQ = kernel.DefaultBlockQ
	DefaultBlockK = kernel.DefaultBlockK
)

// Validation failures wrap one of these sentinels; match with
// errors.Is.
var (
	ErrShapeMismatch      = kernel.ErrShapeMismatch
	ErrDTypeMismatch      = kernel.ErrDTypeMismatch
	ErrUnsupportedDType   = kernel.ErrUnsupportedDType
	ErrBlockAlignment     = kernel.ErrBlockAlignment
	ErrUnsupportedHeadDim = kernel.ErrUnsupportedHeadDim
)

// Options configures an attention call. The zero value selects
// 1/sqrt(headDim) scaling, default tile sizes and the tiled backward
// kernel.
type Options struct {
	// Bias is an optional additive score bias of shape
	// (batch, numHeads, seqQ, seqK). It is not differentiated.
	Bias *tensor.RawTensor

	// SoftmaxScale multiplies the raw scores before softmax.
	// Zero means 1/sqrt(headDim).
	SoftmaxScale float64

	// BlockQ and BlockK are the tile sizes along the query and key
	// sequence axes. Both must be multiples of 16. Zero selects the
	// defaults.
	BlockQ int
	BlockK int

	// DisableTiledBackward routes gradient computation through the
	// dense reference path instead of the tiled backward kernel.
	DisableTiledBackward bool
}

func (o Options) params() kernel.Params {
	return kernel.Params{
		SoftmaxScale:         o.SoftmaxScale,
		BlockQ:               o.BlockQ,
		BlockK:               o.BlockK,
		DisableTiledBackward: o.DisableTiledBackward,
	}
}

// Attention computes scaled dot-product attention over query, key and
// value tensors of shape (batch, seqLen, numHeads, headDim). Query
// and key sequence lengths may differ; batch, head count and head
// dimension must match.
func Attention(query, key, value *tensor.RawTensor, opts Options) (*tensor.RawTensor, error) {
	out, _, err := kernel.Forward(query, key, value, opts.Bias, opts.params())
	return out, err
}

// AttentionWithLSE is Attention returning also the per-row
// log-sum-exp of the attention scores, shaped (batch, numHeads, seqQ)
// in float32.
func AttentionWithLSE(query, key, value *tensor.RawTensor, opts Options) (*tensor.RawTensor, *tensor.RawTensor, error) {
	return kernel.Forward(query, key, value, opts.Bias, opts.params())
}

// AttentionOnTape computes attention and records the operation on the
// tape, so a later tape.Backward produces gradients for query, key
// and value through the tiled backward kernel. Bias receives no
// gradient.
func AttentionOnTape(tape *autodiff.GradientTape, query, key, value *tensor.RawTensor, opts Options) (*tensor.RawTensor, error) {
	p := opts.params()
	out, res, err := kernel.ForwardWithResidual(query, key, value, opts.Bias, p)
	if err != nil {
		return nil, err
	}
	tape.Record(iops.NewAttentionOp(res, p))
	return out, nil
}
