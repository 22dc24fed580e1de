// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package convs2s

import "math/rand"

// residualScale keeps activation variance constant when a residual branch is
// summed with its input: (x + f(x)) * sqrt(1/2).
var residualScale = SqrtF32(0.5)

// Encoder is a stack of same-length gated convolutions over the source
// sequence, each wrapped in a scaled residual connection:
//
//	x = (x + GatedConv(x)) * sqrt(1/2)
//
// Symmetric zero padding (width/2 per side) keeps the sequence length fixed
// through every layer, so the stack with zero layers is the identity.
type Encoder struct {
	layers []*GatedConv
}

// NewEncoder creates an encoder with nLayers gated convolutions of the given
// kernel width over units channels.
func NewEncoder(rng *rand.Rand, nLayers, units, width int, dropout float32) *Encoder {
	layers := make([]*GatedConv, nLayers)
	for i := range layers {
		layers[i] = NewGatedConv(rng, units, width, dropout, false)
	}
	return &Encoder{layers: layers}
}

// Forward encodes a [batch, units, srcLen] embedding block. The input tensor
// is not mutated.
func (e *Encoder) Forward(x *Tensor, train bool) *Tensor {
	for _, conv := range e.layers {
		x = x.Add(conv.Forward(x, train))
		x.ScaleInPlace(residualScale)
	}
	return x
}

// Backward propagates gradients through the residual stack in reverse layer
// order and returns the gradient w.r.t. the input block.
func (e *Encoder) Backward(gradOutput *Tensor) *Tensor {
	grad := gradOutput
	for i := len(e.layers) - 1; i >= 0; i-- {
		grad = grad.Scale(residualScale)
		grad = grad.Add(e.layers[i].Backward(grad))
	}
	return grad
}

// Parameters returns the kernel and bias of every layer.
func (e *Encoder) Parameters() []*Tensor {
	var params []*Tensor
	for _, conv := range e.layers {
		params = append(params, conv.Parameters()...)
	}
	return params
}
