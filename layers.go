// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package convs2s

import "math/rand"

// IgnoreID is the sentinel token id marking padding positions. Padded
// positions embed to the zero vector, receive no embedding gradient, are
// masked out of attention, and are excluded from the loss.
const IgnoreID = -1

// embedStd is the fixed stddev for embedding table initialization.
const embedStd = 0.1

// ---------------------------------------------------------------------------
// Weight initialization
// ---------------------------------------------------------------------------

// fanIn returns the number of input connections per output unit: the product
// of all dimensions except the first (output) dimension. For a linear weight
// [out, in] this is in; for a conv kernel [out_ch, in_ch, width] it is
// in_ch * width.
func fanIn(s Shape) int {
	dims := s.DimsRef()
	if len(dims) < 2 {
		return dims[0]
	}
	return prod(dims[1:])
}

// varInNormal fills t in place with draws from N(0, sqrt(scale / fan_in)).
//
// scale compensates for what sits downstream of the weight: 4*(1-dropout)
// for kernels feeding a gated linear unit, 1.0 for plain projections.
func varInNormal(rng *rand.Rand, t *Tensor, scale float32) {
	std := SqrtF32(scale / float32(fanIn(t.Shape())))
	data := t.DataPtr()
	for i := range data {
		data[i] = float32(rng.NormFloat64()) * std
	}
}

// normalInit fills t in place with draws from N(0, std).
func normalInit(rng *rand.Rand, t *Tensor, std float32) {
	data := t.DataPtr()
	for i := range data {
		data[i] = float32(rng.NormFloat64()) * std
	}
}

// ---------------------------------------------------------------------------
// Embedding
// ---------------------------------------------------------------------------

// Embedding is a lookup table: token id -> dense vector, producing
// channels-first sequence blocks.
//
//	output[b, :, s] = weight[ids[b][s], :]
//
// Weight shape: [vocab_size, units], initialized with N(0, 0.1).
// The IgnoreID sentinel embeds to the zero vector and is skipped by the
// backward scatter-add.
type Embedding struct {
	weight    *Tensor
	vocabSize int
	units     int
	lastIDs   []int // cached flat token ids for backward pass
	lastBatch int
	lastLen   int
}

// NewEmbedding creates an embedding table of shape [vocabSize, units].
func NewEmbedding(rng *rand.Rand, vocabSize, units int) *Embedding {
	w := New(NewShape(vocabSize, units), F32)
	normalInit(rng, w, embedStd)
	return &Embedding{weight: w, vocabSize: vocabSize, units: units}
}

// Forward looks up embeddings for a [batch][length] id block and returns a
// [batch, units, length] tensor. All rows must have equal length (the caller
// pads with IgnoreID; see PadBlock).
func (e *Embedding) Forward(ids [][]int) *Tensor {
	batch := len(ids)
	if batch == 0 {
		panic("embedding forward on empty batch")
	}
	length := len(ids[0])

	e.lastBatch, e.lastLen = batch, length
	e.lastIDs = make([]int, batch*length)

	output := New(NewShape(batch, e.units, length), F32)
	out, w := output.DataPtr(), e.weight.DataPtr()
	for b := 0; b < batch; b++ {
		if len(ids[b]) != length {
			panic("ragged id block: pad with IgnoreID first")
		}
		for s := 0; s < length; s++ {
			tid := ids[b][s]
			e.lastIDs[b*length+s] = tid
			if tid == IgnoreID {
				continue // stays zero
			}
			if tid < 0 || tid >= e.vocabSize {
				panic("token id out of range")
			}
			// Column write: output[b, u, s] strides by length along u.
			wRow := w[tid*e.units : (tid+1)*e.units]
			base := b * e.units * length
			for u, v := range wRow {
				out[base+u*length+s] = v
			}
		}
	}
	return output
}

// Backward accumulates weight gradients via scatter-add from a
// [batch, units, length] gradient. IgnoreID positions contribute nothing.
// There is no meaningful gradient w.r.t. discrete token ids, so nothing is
// returned.
func (e *Embedding) Backward(gradOutput *Tensor) {
	batch, length := e.lastBatch, e.lastLen
	gData := gradOutput.DataPtr()

	if e.weight.Grad == nil {
		e.weight.Grad = make([]float32, len(e.weight.data))
	}
	wGrad := e.weight.Grad
	for b := 0; b < batch; b++ {
		base := b * e.units * length
		for s := 0; s < length; s++ {
			tid := e.lastIDs[b*length+s]
			if tid == IgnoreID {
				continue
			}
			wOff := tid * e.units
			for u := 0; u < e.units; u++ {
				wGrad[wOff+u] += gData[base+u*length+s]
			}
		}
	}
}

// Parameters returns the embedding weight table.
func (e *Embedding) Parameters() []*Tensor { return []*Tensor{e.weight} }

// VocabSize returns the vocabulary size.
func (e *Embedding) VocabSize() int { return e.vocabSize }

// ---------------------------------------------------------------------------
// Linear
// ---------------------------------------------------------------------------

// Linear computes y = x @ W^T + b (optional bias).
//
// Weight shape: [out_features, in_features] (transposed layout so that
// MatmulTransposedB can be used, avoiding a separate transpose allocation).
type Linear struct {
	weight    *Tensor
	bias      *Tensor
	inFeat    int
	outFeat   int
	useBias   bool
	lastInput *Tensor // cached for backward pass
}

// NewLinear creates a linear layer with fan-in scaled initialization
// N(0, sqrt(scale/in)) and zero bias.
func NewLinear(rng *rand.Rand, inFeatures, outFeatures int, scale float32, useBias bool) *Linear {
	w := New(NewShape(outFeatures, inFeatures), F32)
	varInNormal(rng, w, scale)
	l := &Linear{
		weight:  w,
		inFeat:  inFeatures,
		outFeat: outFeatures,
		useBias: useBias,
	}
	if useBias {
		l.bias = Zeros(NewShape(outFeatures), F32)
	}
	return l
}

// Forward computes y = x @ W^T (+ bias). Input may be any shape where the
// last dim is in_features; leading dims are treated as a flat batch.
//
// The leading dims are peeled off, matmul runs on [batch, in_features],
// then the output is reshaped back to [...leading, out_features].
func (l *Linear) Forward(input *Tensor) *Tensor {
	l.lastInput = input
	batchDims, batchSize, _ := splitLast(input.Shape().DimsRef())
	flatInput := input.Reshape(NewShape(batchSize, l.inFeat))
	// Transpose flag on weight avoids materializing W^T.
	output := MatmulTransposedB(flatInput, l.weight)

	if l.useBias {
		out, b := output.DataPtr(), l.bias.DataPtr()
		for i := 0; i < batchSize; i++ {
			row := out[i*l.outFeat : (i+1)*l.outFeat]
			for j := range row {
				row[j] += b[j]
			}
		}
	}

	return output.Reshape(withLastDim(batchDims, l.outFeat))
}

// Backward computes dL/dx = dL/dy @ W (the input gradient) and accumulates
// weight and bias gradients: dW = gradOutput^T @ input, db = sum(gradOutput).
func (l *Linear) Backward(gradOutput *Tensor) *Tensor {
	if l.lastInput == nil {
		panic("backward called before forward")
	}
	inputShape := l.lastInput.Shape()
	_, batchSize, _ := splitLast(gradOutput.Shape().DimsRef())
	flatGrad := gradOutput.Reshape(NewShape(batchSize, l.outFeat))
	flatInput := l.lastInput.Reshape(NewShape(batchSize, l.inFeat))

	// dX = gradOutput @ W -> [batchSize, inFeat]
	gradInput := Matmul(flatGrad, l.weight)

	// dW = gradOutput^T @ input -> [outFeat, inFeat]
	// BLAS: C = A^T @ B where A=[batchSize, outFeat], B=[batchSize, inFeat]
	dW := make([]float32, l.outFeat*l.inFeat)
	fgData := flatGrad.DataPtr()
	fiData := flatInput.DataPtr()
	if batchSize > 0 && l.outFeat > 0 && l.inFeat > 0 {
		sgemmTransA(l.outFeat, l.inFeat, batchSize,
			1.0, fgData, l.outFeat,
			fiData, l.inFeat,
			0.0, dW, l.inFeat)
	}
	l.weight.AccumulateGrad(dW)

	// db = sum(gradOutput, axis=0) -> [outFeat]
	if l.useBias && l.bias != nil {
		db := make([]float32, l.outFeat)
		for i := 0; i < batchSize; i++ {
			row := fgData[i*l.outFeat : (i+1)*l.outFeat]
			for j := range row {
				db[j] += row[j]
			}
		}
		l.bias.AccumulateGrad(db)
	}

	return gradInput.Reshape(inputShape)
}

// Parameters returns the weight (and bias, if present).
func (l *Linear) Parameters() []*Tensor {
	if l.useBias {
		return []*Tensor{l.weight, l.bias}
	}
	return []*Tensor{l.weight}
}

// InFeatures returns the input dimension.
func (l *Linear) InFeatures() int { return l.inFeat }

// OutFeatures returns the output dimension.
func (l *Linear) OutFeatures() int { return l.outFeat }

// seqLinear applies a Linear per sequence position of a channels-first block:
// [batch, units, length] -> transpose to position-major rows -> project ->
// transpose back to [batch, out, length].
func seqLinear(l *Linear, x *Tensor) *Tensor {
	return l.Forward(x.Transpose()).Transpose()
}

// seqLinearBackward is the gradient mirror of seqLinear.
func seqLinearBackward(l *Linear, gradOutput *Tensor) *Tensor {
	return l.Backward(gradOutput.Transpose()).Transpose()
}

// ---------------------------------------------------------------------------
// Dropout
// ---------------------------------------------------------------------------

// Dropout zeroes elements with probability rate during training and scales
// the survivors by 1/(1-rate), so no rescaling is needed at inference
// (inverted dropout). At inference, or with rate 0, it is the identity.
type Dropout struct {
	rate     float32
	rng      *rand.Rand
	lastMask []float32 // survivor scale factors; nil when last call was identity
}

// NewDropout creates a dropout layer drawing from rng.
func NewDropout(rng *rand.Rand, rate float32) *Dropout {
	return &Dropout{rate: rate, rng: rng}
}

// Forward applies the dropout mask when train is true, otherwise passes the
// input through unchanged.
func (d *Dropout) Forward(x *Tensor, train bool) *Tensor {
	if !train || d.rate <= 0 {
		d.lastMask = nil
		return x
	}
	scale := 1 / (1 - d.rate)
	src := x.DataPtr()
	mask := make([]float32, len(src))
	out := New(x.Shape(), F32)
	dst := out.DataPtr()
	for i := range src {
		if d.rng.Float32() >= d.rate {
			mask[i] = scale
			dst[i] = src[i] * scale
		}
	}
	d.lastMask = mask
	return out
}

// Backward replays the cached mask onto the gradient.
func (d *Dropout) Backward(gradOutput *Tensor) *Tensor {
	if d.lastMask == nil {
		return gradOutput
	}
	g := gradOutput.DataPtr()
	out := New(gradOutput.Shape(), F32)
	dst := out.DataPtr()
	for i := range g {
		dst[i] = g[i] * d.lastMask[i]
	}
	return out
}
