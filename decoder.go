// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package convs2s

import "math/rand"

// Decoder is a stack of causal gated convolutions over the target sequence,
// each followed by attention over the encoder output.
//
// Per layer:
//
//	x = (x + GatedConv(leftpad(x))) * sqrt(1/2)
//	c = Attention(x, key, value, mask) * att_scale
//	x = x + c
//
// The convolution kernel is width/2+1 wide with no padding of its own; the
// input is left-padded by kernel-1 zero timesteps so position t sees only
// positions <= t. att_scale is sqrt(#valid source positions) per target
// position, compensating attention contexts for variable source coverage.
// The attention residual is deliberately not rescaled.
type Decoder struct {
	convs   []*GatedConv
	preatts []*Linear
	atts    []*Attention
	units   int
	pad     int // causal left padding = kernel width - 1

	// Cached from forward pass for backward
	lastAttScale []float32 // [batch, tgtLen]
	lastBatch    int
	lastTgt      int
}

// NewDecoder creates a decoder with nLayers causal gated convolutions over
// units channels. width is the encoder-side kernel width; the causal kernels
// are width/2+1 wide.
func NewDecoder(rng *rand.Rand, nLayers, units, width int, dropout float32) *Decoder {
	kernel := width/2 + 1
	d := &Decoder{units: units, pad: kernel - 1}
	for i := 0; i < nLayers; i++ {
		d.convs = append(d.convs, NewGatedConv(rng, units, kernel, dropout, true))
		d.preatts = append(d.preatts, NewLinear(rng, units, units, 1.0, true))
		d.atts = append(d.atts, &Attention{})
	}
	return d
}

// Forward decodes a [batch, units, tgtLen] target embedding block against
// encoder keys/values [batch, units, srcLen] under a
// [batch, tgtLen, srcLen] validity mask.
func (d *Decoder) Forward(x, key, value, mask *Tensor, train bool) *Tensor {
	dims := x.Shape().DimsRef()
	batch, tgtLen := dims[0], dims[2]
	srcLen := mask.Shape().At(-1)

	// att_scale[b, t] = sqrt(row sum of the mask). Fully padded target rows
	// get scale 0, matching their zeroed attention contexts.
	d.lastBatch, d.lastTgt = batch, tgtLen
	d.lastAttScale = make([]float32, batch*tgtLen)
	m := mask.DataPtr()
	for b := 0; b < batch; b++ {
		for t := 0; t < tgtLen; t++ {
			sum := float32(0)
			row := (b*tgtLen + t) * srcLen
			for s := 0; s < srcLen; s++ {
				sum += m[row+s]
			}
			d.lastAttScale[b*tgtLen+t] = SqrtF32(sum)
		}
	}

	baseX := x
	for i, conv := range d.convs {
		x = x.Add(conv.Forward(leftPad(x, d.pad), train))
		x.ScaleInPlace(residualScale)

		// A projected query (preatt(x) + the layer-0 embedding) is computed
		// here and then shadowed by the raw convolution state, which is what
		// trained weights expect. TODO: route the projected query into the
		// attention call or retire the preatt parameters.
		_ = seqLinear(d.preatts[i], x).Add(baseX)

		c := d.atts[i].Forward(x, key, value, mask)
		d.scaleContexts(c)
		x = x.Add(c)
	}
	return x
}

// Backward propagates gradients through the layer stack in reverse order.
// It returns the gradient w.r.t. the target embedding block plus the
// accumulated gradients w.r.t. the attention key and value tensors (summed
// over layers, since every layer attends to the same encoder output).
//
// The preatt projections receive no gradient: their forward product is
// discarded, so their Grad stays nil and the optimizer skips them.
func (d *Decoder) Backward(gradOutput *Tensor) (gradInput, gradKey, gradValue *Tensor) {
	grad := gradOutput
	for i := len(d.convs) - 1; i >= 0; i-- {
		dContext := grad.Clone()
		d.scaleContexts(dContext)
		dQuery, dKey, dValue := d.atts[i].Backward(dContext)
		if gradKey == nil {
			gradKey, gradValue = dKey, dValue
		} else {
			gradKey.AddInPlace(dKey)
			gradValue.AddInPlace(dValue)
		}
		grad = grad.Add(dQuery)

		grad = grad.Scale(residualScale)
		dPadded := d.convs[i].Backward(grad)
		grad = grad.Add(stripLeftPad(dPadded, d.pad))
	}
	return grad, gradKey, gradValue
}

// scaleContexts multiplies a [batch, units, tgtLen] context block row-wise by
// the cached per-target att_scale. The same multiply serves forward and
// backward since the scale is constant w.r.t. the context.
func (d *Decoder) scaleContexts(c *Tensor) {
	data := c.DataPtr()
	batch, tgtLen := d.lastBatch, d.lastTgt
	for b := 0; b < batch; b++ {
		for u := 0; u < d.units; u++ {
			row := data[(b*d.units+u)*tgtLen : (b*d.units+u+1)*tgtLen]
			for t := range row {
				row[t] *= d.lastAttScale[b*tgtLen+t]
			}
		}
	}
}

// Parameters returns the conv kernels/biases and the preatt projections.
func (d *Decoder) Parameters() []*Tensor {
	var params []*Tensor
	for _, conv := range d.convs {
		params = append(params, conv.Parameters()...)
	}
	for _, pre := range d.preatts {
		params = append(params, pre.Parameters()...)
	}
	return params
}

// leftPad prepends pad zero timesteps to a [batch, units, length] block.
func leftPad(x *Tensor, pad int) *Tensor {
	dims := x.Shape().DimsRef()
	batch, units, length := dims[0], dims[1], dims[2]
	out := New(NewShape(batch, units, length+pad), F32)
	src, dst := x.DataPtr(), out.DataPtr()
	for r := 0; r < batch*units; r++ {
		copy(dst[r*(length+pad)+pad:(r+1)*(length+pad)], src[r*length:(r+1)*length])
	}
	return out
}

// stripLeftPad drops the first pad timesteps of a [batch, units, length+pad]
// gradient, discarding the contribution onto the constant zero padding.
func stripLeftPad(g *Tensor, pad int) *Tensor {
	dims := g.Shape().DimsRef()
	batch, units, padded := dims[0], dims[1], dims[2]
	length := padded - pad
	out := New(NewShape(batch, units, length), F32)
	src, dst := g.DataPtr(), out.DataPtr()
	for r := 0; r < batch*units; r++ {
		copy(dst[r*length:(r+1)*length], src[r*padded+pad:(r+1)*padded])
	}
	return out
}
