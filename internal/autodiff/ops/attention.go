package ops

import (
	"github.com/born-ml/flashattn/internal/kernel"
	"github.com/born-ml/flashattn/internal/tensor"
)

// AttentionOp binds the tiled flash attention forward/backward pair
// into the tape as a single primitive with a custom gradient rule.
//
// The forward pass's residual tuple (output, log-sum-exp, query, key,
// value, bias) is captured here and handed unchanged to the backward
// kernel; it is immutable for the duration of one differentiation
// pass.
type AttentionOp struct {
	residual kernel.Residual
	params   kernel.Params
}

// NewAttentionOp creates the op from a completed forward pass.
func NewAttentionOp(residual kernel.Residual, params kernel.Params) *AttentionOp {
	return &AttentionOp{residual: residual, params: params}
}

// Inputs returns query, key, value and, when present, bias.
func (op *AttentionOp) Inputs() []*tensor.RawTensor {
	inputs := []*tensor.RawTensor{op.residual.Query, op.residual.Key, op.residual.Value}
	if op.residual.Bias != nil {
		inputs = append(inputs, op.residual.Bias)
	}
	return inputs
}

// Output returns the attention output.
func (op *AttentionOp) Output() *tensor.RawTensor {
	return op.residual.Output
}

// Backward runs the backward pre-pass and the tiled backward kernel.
// Bias gets a nil gradient: it is never differentiated.
func (op *AttentionOp) Backward(outputGrad *tensor.RawTensor) ([]*tensor.RawTensor, error) {
	dq, dk, dv, err := kernel.Backward(op.residual, outputGrad, op.params)
	if err != nil {
		return nil, err
	}
	grads := []*tensor.RawTensor{dq, dk, dv}
	if op.residual.Bias != nil {
		grads = append(grads, nil)
	}
	return grads, nil
}
