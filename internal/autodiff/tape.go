// Package autodiff implements reverse-mode automatic differentiation
// over a gradient tape.
//
// The tape records operations during the forward pass and walks them
// in reverse to compute gradients. Operations carry their own
// backward rules, so a primitive with a custom gradient (like the
// flash attention kernel) slots in exactly like an elementwise op.
package autodiff

import (
	"fmt"

	"github.com/born-ml/flashattn/internal/autodiff/ops"
	"github.com/born-ml/flashattn/internal/tensor"
)

// GradientTape records operations during the forward pass and
// computes gradients during the backward pass.
//
// Usage:
//
//	tape := autodiff.NewGradientTape()
//	tape.StartRecording()
//	// ... perform operations ...
//	grads, err := tape.Backward(outputGrad)
type GradientTape struct {
	operations []ops.Operation // Recorded operations (in execution order)
	recording  bool            // Whether tape is currently recording
}

// NewGradientTape creates a new gradient tape.
func NewGradientTape() *GradientTape {
	return &GradientTape{
		operations: make([]ops.Operation, 0, 16),
	}
}

// StartRecording enables operation recording.
func (t *GradientTape) StartRecording() {
	t.recording = true
}

// StopRecording disables operation recording.
func (t *GradientTape) StopRecording() {
	t.recording = false
}

// IsRecording returns true if the tape is currently recording.
func (t *GradientTape) IsRecording() bool {
	return t.recording
}

// Record adds an operation to the tape.
// Only records if the tape is currently recording.
func (t *GradientTape) Record(op ops.Operation) {
	if t.recording {
		t.operations = append(t.operations, op)
	}
}

// Clear resets the tape, removing all recorded operations.
// Recording state is preserved.
func (t *GradientTape) Clear() {
	t.operations = t.operations[:0]
}

// Backward computes gradients for all inputs by walking the tape in
// reverse, accumulating when the same tensor feeds several
// operations. outputGrad seeds the gradient of the last recorded
// operation's output.
func (t *GradientTape) Backward(outputGrad *tensor.RawTensor) (map[*tensor.RawTensor]*tensor.RawTensor, error) {
	grads := make(map[*tensor.RawTensor]*tensor.RawTensor)
	if len(t.operations) == 0 {
		return grads, nil
	}

	lastOp := t.operations[len(t.operations)-1]
	grads[lastOp.Output()] = outputGrad

	for i := len(t.operations) - 1; i >= 0; i-- {
		op := t.operations[i]
		outGrad := grads[op.Output()]
		if outGrad == nil {
			// No gradient flows through this operation.
			continue
		}

		inputGrads, err := op.Backward(outGrad)
		if err != nil {
			return nil, fmt.Errorf("backward pass: %w", err)
		}

		inputs := op.Inputs()
		if len(inputGrads) != len(inputs) {
			return nil, fmt.Errorf("backward pass: operation returned %d gradients for %d inputs",
				len(inputGrads), len(inputs))
		}

		for j, input := range inputs {
			g := inputGrads[j]
			if g == nil {
				continue // input is not differentiated
			}
			if existing, ok := grads[input]; ok {
				sum, err := addRaw(existing, g)
				if err != nil {
					return nil, fmt.Errorf("accumulating gradient: %w", err)
				}
				grads[input] = sum
			} else {
				grads[input] = g
			}
		}
	}
	return grads, nil
}

// addRaw sums two gradients of identical shape and dtype, decoding
// through float32 so reduced-precision gradients accumulate without
// intermediate rounding surprises.
func addRaw(a, b *tensor.RawTensor) (*tensor.RawTensor, error) {
	if !a.Shape().Equal(b.Shape()) {
		return nil, fmt.Errorf("gradient shapes %v and %v differ", a.Shape(), b.Shape())
	}
	if a.DType() != b.DType() {
		return nil, fmt.Errorf("gradient dtypes %s and %s differ", a.DType(), b.DType())
	}

	av := a.Float32Values()
	bv := b.Float32Values()
	for i := range av {
		av[i] += bv[i]
	}
	return tensor.FromFloat32(av, a.Shape(), a.DType())
}
