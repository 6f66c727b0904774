// Package ops defines the differentiable operations recorded on the
// gradient tape.
//
// Each operation captures its inputs and output during the forward
// pass and knows how to turn an output gradient into input gradients
// during the backward pass. The attention operation is the
// interesting one: its backward rule is the tiled flash attention
// backward kernel rather than autodiff through the forward graph.
package ops

import "github.com/born-ml/flashattn/internal/tensor"

// Operation represents a differentiable operation in the computation
// graph.
type Operation interface {
	// Backward computes gradients for the inputs given the output
	// gradient. The returned slice corresponds position-for-position
	// to Inputs(); a nil entry means that input is not
	// differentiated.
	Backward(outputGrad *tensor.RawTensor) ([]*tensor.RawTensor, error)

	// Inputs returns the input tensors for this operation.
	Inputs() []*tensor.RawTensor

	// Output returns the output tensor produced by this operation.
	Output() *tensor.RawTensor
}
