// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package convs2s

import "math/rand"

// GatedConv is a 1D convolution over the length axis followed by a gated
// linear unit. The convolution produces 2*units channels; the first half is
// the linear path, the second half gates it:
//
//	h, g = split(conv(dropout(x)), 2)
//	y = h * sigmoid(g)
//
// Kernel shape: [2*units, units, width], fan-in scaled init with
// scale 4*(1-dropout) to keep activation variance stable under the gate.
//
// With nopad=false the input is zero-padded width/2 on both sides and the
// output length equals the input length. With nopad=true no padding is added;
// the caller pre-pads (the decoder left-pads by width-1 to keep the
// convolution causal) and the output is width-1 shorter than the input.
type GatedConv struct {
	weight *Tensor // [2*units, units, width]
	bias   *Tensor // [2*units]
	units  int
	width  int
	pad    int
	drop   *Dropout

	// cached forward state for backward pass
	lastCols  []float32 // im2col patches, [batch, units*width, outLen]
	lastHalf  []float32 // linear half h, [batch, units, outLen]
	lastSig   []float32 // sigmoid(g), [batch, units, outLen]
	lastBatch int
	lastLenIn int
	lastLen   int // output length
}

// NewGatedConv creates a gated convolution over units channels with the given
// kernel width and dropout rate.
func NewGatedConv(rng *rand.Rand, units, width int, dropout float32, nopad bool) *GatedConv {
	w := New(NewShape(2*units, units, width), F32)
	varInNormal(rng, w, 4*(1-dropout))
	pad := width / 2
	if nopad {
		pad = 0
	}
	return &GatedConv{
		weight: w,
		bias:   Zeros(NewShape(2*units), F32),
		units:  units,
		width:  width,
		pad:    pad,
		drop:   NewDropout(rng, dropout),
	}
}

// Forward convolves a [batch, units, length] block and returns
// [batch, units, length + 2*pad - width + 1].
//
// Each batch element is lowered to an im2col patch matrix so the convolution
// runs as a single sgemm: conv = W[2u, u*width] @ col[u*width, outLen].
func (c *GatedConv) Forward(x *Tensor, train bool) *Tensor {
	xd := c.drop.Forward(x, train)
	dims := xd.Shape().DimsRef()
	batch, length := dims[0], dims[2]
	outLen := length + 2*c.pad - c.width + 1
	if outLen <= 0 {
		panic("input shorter than convolution kernel")
	}
	kw := c.units * c.width

	c.lastBatch, c.lastLenIn, c.lastLen = batch, length, outLen
	c.lastCols = make([]float32, batch*kw*outLen)
	c.lastHalf = make([]float32, batch*c.units*outLen)
	c.lastSig = make([]float32, batch*c.units*outLen)

	output := New(NewShape(batch, c.units, outLen), F32)
	out := output.DataPtr()
	xData := xd.DataPtr()
	w := c.weight.DataPtr()
	bias := c.bias.DataPtr()
	convOut := make([]float32, 2*c.units*outLen)

	for b := 0; b < batch; b++ {
		// im2col: col[ch*width+t, j] = x[ch, j+t-pad], zero outside.
		col := c.lastCols[b*kw*outLen : (b+1)*kw*outLen]
		xb := xData[b*c.units*length : (b+1)*c.units*length]
		for ch := 0; ch < c.units; ch++ {
			row := xb[ch*length : (ch+1)*length]
			for t := 0; t < c.width; t++ {
				dst := col[(ch*c.width+t)*outLen : (ch*c.width+t+1)*outLen]
				jLo, jHi := c.pad-t, length+c.pad-t
				if jLo < 0 {
					jLo = 0
				}
				if jHi > outLen {
					jHi = outLen
				}
				if jLo < jHi {
					copy(dst[jLo:jHi], row[jLo+t-c.pad:jHi+t-c.pad])
				}
			}
		}

		sgemm(2*c.units, outLen, kw,
			1.0, w, kw,
			col, outLen,
			0.0, convOut, outLen)

		// bias, then gate the first half of the channels by the second.
		outB := out[b*c.units*outLen : (b+1)*c.units*outLen]
		halfB := c.lastHalf[b*c.units*outLen : (b+1)*c.units*outLen]
		sigB := c.lastSig[b*c.units*outLen : (b+1)*c.units*outLen]
		for u := 0; u < c.units; u++ {
			hRow := convOut[u*outLen : (u+1)*outLen]
			gRow := convOut[(c.units+u)*outLen : (c.units+u+1)*outLen]
			bh, bg := bias[u], bias[c.units+u]
			for j := 0; j < outLen; j++ {
				h := hRow[j] + bh
				s := Sigmoid(gRow[j] + bg)
				halfB[u*outLen+j] = h
				sigB[u*outLen+j] = s
				outB[u*outLen+j] = h * s
			}
		}
	}
	return output
}

// Backward accumulates kernel and bias gradients and returns the gradient
// w.r.t. the forward input (padding contributions are discarded).
func (c *GatedConv) Backward(gradOutput *Tensor) *Tensor {
	if c.lastCols == nil {
		panic("backward called before forward")
	}
	batch, length, outLen := c.lastBatch, c.lastLenIn, c.lastLen
	kw := c.units * c.width
	g := gradOutput.DataPtr()
	w := c.weight.DataPtr()

	dW := make([]float32, 2*c.units*kw)
	db := make([]float32, 2*c.units)
	dConv := make([]float32, 2*c.units*outLen)
	dCol := make([]float32, kw*outLen)
	gradX := New(NewShape(batch, c.units, length), F32)
	gx := gradX.DataPtr()

	for b := 0; b < batch; b++ {
		gB := g[b*c.units*outLen : (b+1)*c.units*outLen]
		halfB := c.lastHalf[b*c.units*outLen : (b+1)*c.units*outLen]
		sigB := c.lastSig[b*c.units*outLen : (b+1)*c.units*outLen]

		// Gate gradient: y = h*s with s = sigmoid(g), so
		// dh = dy*s and dg = dy*h*s*(1-s).
		for u := 0; u < c.units; u++ {
			for j := 0; j < outLen; j++ {
				idx := u*outLen + j
				dy := gB[idx]
				s := sigB[idx]
				dh := dy * s
				dg := dy * halfB[idx] * s * (1 - s)
				dConv[idx] = dh
				dConv[c.units*outLen+idx] = dg
				db[u] += dh
				db[c.units+u] += dg
			}
		}

		col := c.lastCols[b*kw*outLen : (b+1)*kw*outLen]
		// dW += dConv @ col^T, accumulated across the batch via beta=1.
		sgemmTransB(2*c.units, kw, outLen,
			1.0, dConv, outLen,
			col, outLen,
			1.0, dW, kw)
		// dCol = W^T @ dConv
		sgemmTransA(kw, outLen, 2*c.units,
			1.0, w, kw,
			dConv, outLen,
			0.0, dCol, outLen)

		// col2im: scatter patch gradients back onto input positions.
		gxB := gx[b*c.units*length : (b+1)*c.units*length]
		for ch := 0; ch < c.units; ch++ {
			row := gxB[ch*length : (ch+1)*length]
			for t := 0; t < c.width; t++ {
				src := dCol[(ch*c.width+t)*outLen : (ch*c.width+t+1)*outLen]
				for j, v := range src {
					if p := j + t - c.pad; p >= 0 && p < length {
						row[p] += v
					}
				}
			}
		}
	}

	c.weight.AccumulateGrad(dW)
	c.bias.AccumulateGrad(db)
	return c.drop.Backward(gradX)
}

// Parameters returns the kernel and bias.
func (c *GatedConv) Parameters() []*Tensor { return []*Tensor{c.weight, c.bias} }
