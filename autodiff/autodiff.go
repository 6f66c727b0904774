// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package autodiff provides automatic differentiation capabilities.
//
// This package implements reverse-mode automatic differentiation
// (backpropagation) using a gradient tape. Operations recorded during
// the forward pass are walked in reverse to produce gradients; the
// attention primitive carries its own backward rule.
//
// Example:
//
//	tape := autodiff.NewGradientTape()
//	tape.StartRecording()
//	out, err := flashattn.AttentionOnTape(tape, q, k, v, flashattn.Options{})
//	// ...
//	grads, err := tape.Backward(dOut)
//	dq := grads[q]
package autodiff

import (
	"github.com/born-ml/flashattn/internal/autodiff"
	"github.com/born-ml/flashattn/internal/autodiff/ops"
)

// GradientTape records operations and computes gradients.
type GradientTape = autodiff.GradientTape

// Operation is the interface recorded operations implement.
type Operation = ops.Operation

// NewGradientTape creates a new, empty gradient tape.
func NewGradientTape() *GradientTape {
	return autodiff.NewGradientTape()
}
