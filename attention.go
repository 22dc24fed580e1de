// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package convs2s

// Attention is the multiplicative source-target attention used by the decoder.
// It carries no parameters of its own; the query comes from the decoder state
// and the key/value come from the encoder.
//
// Full attention equation:
//
//	scores  = Q^T @ K                    (no 1/sqrt(d) scaling)
//	weights = softmax(where(mask, scores, -inf))  over source positions
//	context = V @ weights^T
//
// Rows whose source positions are all masked (a fully padded target position)
// softmax to NaN; those rows are re-masked to zero so the context there is the
// zero vector and no gradient flows.
type Attention struct {
	// Cached from forward pass for backward
	lastWeights []float32 // post-remask softmax weights [batch, tgtLen, srcLen]
	lastQuery   *Tensor   // [batch, units, tgtLen]
	lastKey     *Tensor   // [batch, units, srcLen]
	lastValue   *Tensor   // [batch, units, srcLen]
	lastBatch   int
	lastTgt     int
	lastSrc     int
	lastUnits   int
}

// Forward computes masked attention contexts.
//
// query [batch, units, tgtLen], key and value [batch, units, srcLen],
// mask [batch, tgtLen, srcLen] with nonzero marking valid source-target
// pairs. Returns contexts [batch, units, tgtLen].
//
// The value tensor is shared by every target position, so the broadcast
// weighted sum collapses to one sgemm per batch element.
func (a *Attention) Forward(query, key, value, mask *Tensor) *Tensor {
	qd := query.Shape().DimsRef()
	kd := key.Shape().DimsRef()
	batch, units, tgtLen := qd[0], qd[1], qd[2]
	srcLen := kd[2]
	if kd[1] != units {
		panic("attention query/key unit dimension mismatch")
	}

	a.lastBatch, a.lastTgt, a.lastSrc, a.lastUnits = batch, tgtLen, srcLen, units
	a.lastQuery, a.lastKey, a.lastValue = query, key, value

	qData, kData, vData := query.DataPtr(), key.DataPtr(), value.DataPtr()
	mData := mask.DataPtr()

	scores := make([]float32, batch*tgtLen*srcLen)
	for b := 0; b < batch; b++ {
		// scores[t, s] = sum_u Q[u, t] * K[u, s]
		sgemmTransA(tgtLen, srcLen, units,
			1.0, qData[b*units*tgtLen:], tgtLen,
			kData[b*units*srcLen:], srcLen,
			0.0, scores[b*tgtLen*srcLen:], srcLen)
	}

	// Masked positions get -inf so softmax zeroes them. A row that is all
	// -inf softmaxes to NaN; the re-mask below turns those rows into zeros.
	for i, m := range mData {
		if m == 0 {
			scores[i] = NegInf
		}
	}

	weights := FromSliceNoCopy(scores, NewShape(batch, tgtLen, srcLen)).Softmax()
	wData := weights.DataPtr()
	for i, w := range wData {
		if w != w { // NaN
			wData[i] = 0
		}
	}
	a.lastWeights = wData

	context := New(NewShape(batch, units, tgtLen), F32)
	cData := context.DataPtr()
	for b := 0; b < batch; b++ {
		// context[u, t] = sum_s V[u, s] * weights[t, s]
		sgemmTransB(units, tgtLen, srcLen,
			1.0, vData[b*units*srcLen:], srcLen,
			wData[b*tgtLen*srcLen:], srcLen,
			0.0, cData[b*units*tgtLen:], tgtLen)
	}
	return context
}

// Backward propagates a context gradient through the weighted sum, the
// softmax, and the score product, returning gradients for query, key and
// value. Masked and re-masked positions carry zero weights, so their
// gradient contributions vanish without special casing.
func (a *Attention) Backward(gradContext *Tensor) (gradQuery, gradKey, gradValue *Tensor) {
	if a.lastWeights == nil {
		panic("backward called before forward")
	}
	batch, tgtLen, srcLen, units := a.lastBatch, a.lastTgt, a.lastSrc, a.lastUnits

	gradQuery = New(NewShape(batch, units, tgtLen), F32)
	gradKey = New(NewShape(batch, units, srcLen), F32)
	gradValue = New(NewShape(batch, units, srcLen), F32)

	gc := gradContext.DataPtr()
	qData, kData, vData := a.lastQuery.DataPtr(), a.lastKey.DataPtr(), a.lastValue.DataPtr()
	gq, gk, gv := gradQuery.DataPtr(), gradKey.DataPtr(), gradValue.DataPtr()

	gradScores := make([]float32, tgtLen*srcLen)
	for b := 0; b < batch; b++ {
		gcB := gc[b*units*tgtLen:]
		wB := a.lastWeights[b*tgtLen*srcLen : (b+1)*tgtLen*srcLen]

		// grad_weights = dC^T @ V
		sgemmTransA(tgtLen, srcLen, units,
			1.0, gcB, tgtLen,
			vData[b*units*srcLen:], srcLen,
			0.0, gradScores, srcLen)

		// grad_V = dC @ weights
		sgemm(units, srcLen, tgtLen,
			1.0, gcB, tgtLen,
			wB, srcLen,
			0.0, gv[b*units*srcLen:], srcLen)

		// Softmax backward, row-wise:
		// grad_scores = w * (grad_weights - sum(grad_weights * w)).
		// Zeroed rows (all-masked targets) yield zero without special casing.
		for t := 0; t < tgtLen; t++ {
			row := t * srcLen
			sumTerm := float32(0)
			for s := 0; s < srcLen; s++ {
				sumTerm += gradScores[row+s] * wB[row+s]
			}
			for s := 0; s < srcLen; s++ {
				gradScores[row+s] = wB[row+s] * (gradScores[row+s] - sumTerm)
			}
		}

		// grad_Q = K @ grad_scores^T
		sgemmTransB(units, tgtLen, srcLen,
			1.0, kData[b*units*srcLen:], srcLen,
			gradScores, srcLen,
			0.0, gq[b*units*tgtLen:], tgtLen)

		// grad_K = Q @ grad_scores
		sgemm(units, srcLen, tgtLen,
			1.0, qData[b*units*tgtLen:], tgtLen,
			gradScores, srcLen,
			0.0, gk[b*units*srcLen:], srcLen)
	}
	return gradQuery, gradKey, gradValue
}
