// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package convs2s

// Token id conventions shared with the data pipeline: EOSID terminates
// sequences and doubles as the decoder start symbol, UnkID is the unknown
// token returned for decodes that emit nothing before EOS.
const (
	EOSID = 0
	UnkID = 1
)

// DefaultMaxDecodeLength caps greedy decoding at 50 generated tokens.
const DefaultMaxDecodeLength = 50

// Translate greedily decodes translations for a batch of source sequences.
// Rows may be ragged; they are padded to a block first. Decoding runs all
// sequences in lockstep, feeding the growing target block back through the
// model and taking the argmax of the last position's logits, until every
// sequence has emitted EOS or maxLen steps have run.
//
// Returned rows are truncated at their first EOS; a sequence that emits EOS
// immediately comes back as [UnkID] rather than empty. A maxLen of zero or
// less decodes up to DefaultMaxDecodeLength tokens.
//
// TODO: reuse the convolution and encoder state across steps instead of
// re-running the full stack on the whole prefix each iteration.
func (m *Seq2Seq) Translate(sources [][]int, maxLen int) [][]int {
	if len(sources) == 0 {
		return nil
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxDecodeLength
	}
	x := PadBlock(sources)
	batch := len(x)

	y := make([][]int, batch)
	for b := range y {
		y[b] = []int{EOSID}
	}
	done := make([]bool, batch)

	for step := 0; step < maxLen; step++ {
		logits := m.Predict(x, y)
		tgtLen := len(y[0])
		vocab := m.config.TargetVocab
		data := logits.DataPtr()

		allDone := true
		for b := 0; b < batch; b++ {
			row := data[(b*tgtLen+tgtLen-1)*vocab : (b*tgtLen+tgtLen)*vocab]
			next, _ := argmax(row)
			y[b] = append(y[b], next)
			if next == EOSID {
				done[b] = true
			}
			if !done[b] {
				allDone = false
			}
		}
		if allDone {
			break
		}
	}

	outs := make([][]int, batch)
	for b := range outs {
		row := y[b][1:] // drop the start symbol
		for i, id := range row {
			if id == EOSID {
				row = row[:i]
				break
			}
		}
		if len(row) == 0 {
			row = []int{UnkID}
		}
		outs[b] = cloneInts(row)
	}
	return outs
}

// PadBlock right-pads ragged id rows with the ignore id to a common length,
// returning fresh rows.
func PadBlock(rows [][]int) [][]int {
	maxLen := 0
	for _, r := range rows {
		if len(r) > maxLen {
			maxLen = len(r)
		}
	}
	out := make([][]int, len(rows))
	for i, r := range rows {
		padded := make([]int, maxLen)
		copy(padded, r)
		for j := len(r); j < maxLen; j++ {
			padded[j] = IgnoreID
		}
		out[i] = padded
	}
	return out
}
