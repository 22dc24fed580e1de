// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package convs2s

import "math/rand"

// Seq2Seq is the complete convolutional sequence-to-sequence translation
// model.
//
// Architecture:
//
//	source:  embed + position embed -> Encoder (gated conv stack)    -> z
//	target:  embed + position embed -> Decoder (causal convs + attention over z)
//	output:  dropout -> Linear(units, target_vocab) -> logits
//
// The attention key is the encoder output z; the value is z plus the source
// embeddings (a residual that restores token identity to the contexts).
// Token id -1 marks padding throughout: padded tokens embed to zero, are
// masked out of attention, and are ignored by the loss.
type Seq2Seq struct {
	config Config
	rng    *rand.Rand

	embedX    *Embedding // source tokens
	embedY    *Embedding // target tokens
	embedPosX *Embedding // source positions
	embedPosY *Embedding // target positions
	encoder   *Encoder
	decoder   *Decoder
	outDrop   *Dropout
	output    *Linear

	// Cached from forward pass for backward
	lastBatch  int
	lastSrcLen int
	lastTgtLen int
}

// NewSeq2Seq constructs the full model from a Config. All weights are drawn
// from a model-owned rng seeded with cfg.Seed, so construction is
// deterministic for a given config.
func NewSeq2Seq(cfg Config) *Seq2Seq {
	rng := rand.New(rand.NewSource(cfg.Seed))
	return &Seq2Seq{
		config:    cfg,
		rng:       rng,
		embedX:    NewEmbedding(rng, cfg.SourceVocab, cfg.Units),
		embedY:    NewEmbedding(rng, cfg.TargetVocab, cfg.Units),
		embedPosX: NewEmbedding(rng, cfg.MaxLength, cfg.Units),
		embedPosY: NewEmbedding(rng, cfg.MaxLength, cfg.Units),
		encoder:   NewEncoder(rng, cfg.NLayers, cfg.Units, cfg.Width, cfg.Dropout),
		decoder:   NewDecoder(rng, cfg.NLayers, cfg.Units, cfg.Width, cfg.Dropout),
		outDrop:   NewDropout(rng, cfg.Dropout),
		output:    NewLinear(rng, cfg.Units, cfg.TargetVocab, 1.0, true),
	}
}

// NewDefault creates a translation-scale model.
func NewDefault() *Seq2Seq { return NewSeq2Seq(Default()) }

// NewTiny creates a minimal model for testing.
func NewTiny() *Seq2Seq { return NewSeq2Seq(Tiny()) }

// Config returns the model's configuration.
func (m *Seq2Seq) Config() Config { return m.config }

// Forward runs the full encoder-decoder stack and returns vocabulary logits
// of shape [batch, tgtLen, target_vocab].
//
// source and targetIn are id blocks padded with -1; all rows of a block must
// share one length (see PadBlock). train enables dropout.
func (m *Seq2Seq) Forward(source, targetIn [][]int, train bool) *Tensor {
	batch := len(source)
	srcLen, tgtLen := len(source[0]), len(targetIn[0])
	m.lastBatch, m.lastSrcLen, m.lastTgtLen = batch, srcLen, tgtLen

	ex := m.embedX.Forward(source)
	ey := m.embedY.Forward(targetIn)

	// Position embeddings are added everywhere, padding included; padded
	// positions are neutralized later by the mask and the loss ignore id.
	maxLen := srcLen
	if tgtLen > maxLen {
		maxLen = tgtLen
	}
	positions := m.positionIDs(batch, maxLen)
	ex.AddInPlace(m.embedPosX.Forward(truncateBlock(positions, srcLen)))
	ey.AddInPlace(m.embedPosY.Forward(truncateBlock(positions, tgtLen)))

	z := m.encoder.Forward(ex, train)
	zex := z.Add(ex)
	mask := buildMask(source, targetIn)

	h := m.decoder.Forward(ey, z, zex, mask, train)

	// One flat projection over batch*tgtLen rows beats per-position calls.
	flat := h.Transpose().Reshape(NewShape(batch*tgtLen, m.config.Units))
	logits := m.output.Forward(m.outDrop.Forward(flat, train))
	return logits.Reshape(NewShape(batch, tgtLen, m.config.TargetVocab))
}

// Predict runs inference-mode forward and returns logits
// [batch, tgtLen, target_vocab].
func (m *Seq2Seq) Predict(source, targetIn [][]int) *Tensor {
	return m.Forward(source, targetIn, false)
}

// Loss runs forward and computes the mean cross-entropy against targetOut,
// ignoring -1 positions, plus the perplexity exp(loss).
func (m *Seq2Seq) Loss(source, targetIn, targetOut [][]int, train bool) (loss, perp float32) {
	logits := m.Forward(source, targetIn, train)
	loss = crossEntropyLoss(logits, flattenIDs(targetOut))
	return loss, ExpF32(loss)
}

// Backward propagates a logit gradient [batch, tgtLen, target_vocab] through
// the whole model, accumulating parameter gradients.
//
// The encoder output feeds the decoder twice, as attention key and inside
// the value residual, so its gradient is the sum of both paths; the source
// embeddings likewise receive the value-residual gradient on top of the
// encoder input gradient.
func (m *Seq2Seq) Backward(gradLogits *Tensor) {
	batch, srcLen, tgtLen := m.lastBatch, m.lastSrcLen, m.lastTgtLen

	flatGrad := gradLogits.Reshape(NewShape(batch*tgtLen, m.config.TargetVocab))
	gradFlat := m.outDrop.Backward(m.output.Backward(flatGrad))
	gradH := gradFlat.Reshape(NewShape(batch, tgtLen, m.config.Units)).Transpose()

	gradEy, gradKey, gradValue := m.decoder.Backward(gradH)

	gradZ := Zeros(NewShape(batch, m.config.Units, srcLen), F32)
	if gradKey != nil {
		gradZ = gradKey.Add(gradValue)
	}
	gradEx := m.encoder.Backward(gradZ)
	if gradValue != nil {
		gradEx = gradEx.Add(gradValue)
	}

	m.embedY.Backward(gradEy)
	m.embedPosY.Backward(gradEy)
	m.embedX.Backward(gradEx)
	m.embedPosX.Backward(gradEx)
}

// Parameters returns all trainable parameters. The order is fixed (source
// embed, target embed, position embeds, encoder, decoder, output) and is
// what checkpoints serialize against.
func (m *Seq2Seq) Parameters() []*Tensor {
	return concatParams(
		m.embedX.Parameters(),
		m.embedY.Parameters(),
		m.embedPosX.Parameters(),
		m.embedPosY.Parameters(),
		m.encoder.Parameters(),
		m.decoder.Parameters(),
		m.output.Parameters(),
	)
}

// positionIDs builds the shared position index row 0..length-1, clamped to
// MaxLength-1. Overlong sequences degrade to repeating the last position
// embedding instead of failing.
func (m *Seq2Seq) positionIDs(batch, length int) [][]int {
	row := make([]int, length)
	for t := range row {
		if t < m.config.MaxLength {
			row[t] = t
		} else {
			row[t] = m.config.MaxLength - 1
		}
	}
	ids := make([][]int, batch)
	for b := range ids {
		ids[b] = row
	}
	return ids
}

// truncateBlock returns the block with every row cut to length.
func truncateBlock(block [][]int, length int) [][]int {
	out := make([][]int, len(block))
	for b, row := range block {
		out[b] = row[:length]
	}
	return out
}

// buildMask returns the [batch, tgtLen, srcLen] validity mask: 1 where both
// the source and target-input tokens are real, 0 where either is padding.
func buildMask(source, targetIn [][]int) *Tensor {
	batch := len(source)
	srcLen, tgtLen := len(source[0]), len(targetIn[0])
	mask := New(NewShape(batch, tgtLen, srcLen), F32)
	data := mask.DataPtr()
	for b := 0; b < batch; b++ {
		for t := 0; t < tgtLen; t++ {
			if targetIn[b][t] < 0 {
				continue
			}
			row := (b*tgtLen + t) * srcLen
			for s := 0; s < srcLen; s++ {
				if source[b][s] >= 0 {
					data[row+s] = 1
				}
			}
		}
	}
	return mask
}

// flattenIDs concatenates the rows of an id block.
func flattenIDs(block [][]int) []int {
	out := make([]int, 0, len(block)*len(block[0]))
	for _, row := range block {
		out = append(out, row...)
	}
	return out
}
