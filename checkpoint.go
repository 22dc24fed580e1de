// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package convs2s

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
)

// checkpointData is the gob wire format: the architecture config plus every
// parameter tensor's raw data, in Parameters() order. Optimizer state is not
// persisted; resumed training restarts the AdamW moments from zero.
type checkpointData struct {
	Config Config
	Params [][]float32
}

// Save writes the model weights and config to path.
func (m *Seq2Seq) Save(path string) error {
	params := m.Parameters()
	data := checkpointData{
		Config: m.config,
		Params: make([][]float32, len(params)),
	}
	for i, p := range params {
		data.Params[i] = p.Data()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LoadSeq2Seq reconstructs a model from a checkpoint written by Save. The
// model is rebuilt from the stored config, then its freshly initialized
// weights are overwritten with the stored ones.
func LoadSeq2Seq(path string) (*Seq2Seq, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var data checkpointData
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}

	m := NewSeq2Seq(data.Config)
	params := m.Parameters()
	if len(params) != len(data.Params) {
		return nil, fmt.Errorf("checkpoint parameter count mismatch (have %d, file %d)",
			len(params), len(data.Params))
	}
	for i, p := range params {
		dst := p.DataPtr()
		if len(data.Params[i]) != len(dst) {
			return nil, fmt.Errorf("checkpoint parameter %d size mismatch (have %d, file %d)",
				i, len(dst), len(data.Params[i]))
		}
		copy(dst, data.Params[i])
	}
	return m, nil
}
