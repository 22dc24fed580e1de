// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package convs2s

// Config holds the hyperparameters defining a convolutional seq2seq
// architecture. Two presets are provided: Default (translation-scale) and
// Tiny (for tests and benchmarks).
type Config struct {
	NLayers     int // encoder and decoder depth
	SourceVocab int
	TargetVocab int
	Units       int     // embedding and hidden channel count
	Width       int     // encoder kernel width; decoder kernels are Width/2+1
	MaxLength   int     // position embedding table size
	Dropout     float32 // drop rate before convolutions and the output projection
	Seed        int64   // weight init and dropout rng seed
}

// Default returns a translation-scale config: 6 layers, 512 units, width-5
// kernels, 1024 position embeddings, dropout 0.2.
func Default() Config {
	return Config{
		NLayers:     6,
		SourceVocab: 40000,
		TargetVocab: 40000,
		Units:       512,
		Width:       5,
		MaxLength:   1024,
		Dropout:     0.2,
		Seed:        1,
	}
}

// Tiny returns a minimal config for testing: 1 layer, 8 units, 10-token
// vocabularies. Small enough for fast unit tests.
func Tiny() Config {
	return Config{
		NLayers:     1,
		SourceVocab: 10,
		TargetVocab: 10,
		Units:       8,
		Width:       5,
		MaxLength:   16,
		Dropout:     0.2,
		Seed:        1,
	}
}

// TotalParams counts the trainable parameters.
//
//	embeddings + per-layer (enc conv + dec conv + preatt) + output projection
func (c Config) TotalParams() int {
	emb := (c.SourceVocab + c.TargetVocab + 2*c.MaxLength) * c.Units
	decWidth := c.Width/2 + 1
	encConv := 2 * c.Units * (c.Units*c.Width + 1)
	decConv := 2 * c.Units * (c.Units*decWidth + 1)
	preatt := c.Units*c.Units + c.Units
	out := c.TargetVocab * (c.Units + 1)
	return emb + c.NLayers*(encConv+decConv+preatt) + out
}
