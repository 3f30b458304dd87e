// Package llama implements the Llama-family decoder stack: token
// embedding, L decoder blocks (RMSNorm, grouped-query RoPE self-attention,
// gated SiLU MLP), a final RMSNorm, and the LM head — plus the
// multi-device sequence-chunked attention algorithm spec.md §4.4
// describes, grounded directly on original_source
// mistralrs-core/src/models/llama.rs's Llama::forward.
package llama

import "github.com/ollama/llamaserve/ml"

// Config carries every architecture hyperparameter, mirroring the
// teacher's per-architecture Options structs (model/models/deepseek2's
// Options, model/models/gemma3n's TextOptions).
type Config struct {
	HiddenSize            int
	IntermediateSize      int
	VocabSize             int
	NumLayers             int
	NumHeads              int
	NumKVHeads            int
	RMSNormEps            float32
	RopeBase              float32
	RopeScale             float32
	MaxPositionEmbeddings int

	// NumDevices is the number of devices the sequence axis is chunked
	// across during attention (spec.md §4.4). 1 disables chunking.
	NumDevices int
}

func (c Config) headDim() int {
	return c.HiddenSize / c.NumHeads
}

func (c *Config) Validate() error {
	if c.NumHeads == 0 || c.NumKVHeads == 0 {
		return errConfigZero
	}
	if c.NumHeads%c.NumKVHeads != 0 {
		return errGQADivisibility
	}
	return nil
}

func deviceMapFor(c Config) ml.DeviceMap {
	n := c.NumDevices
	if n < 1 {
		n = 1
	}
	return ml.EvenDeviceMap(c.NumLayers, n)
}

// DefaultConfig returns the hyperparameters for the reference model this
// package is tested against. A real deployment reads these from the
// weight file's own metadata; this module's weight source collaborator
// (spec.md §6) doesn't parse GGUF key/value headers, so the architecture
// constructor registered with model.Register takes no configuration
// argument and falls back to this literal. Tests that need a different
// shape call NewWithConfig directly.
func DefaultConfig() Config {
	return Config{
		HiddenSize:            4096,
		IntermediateSize:      11008,
		VocabSize:             32000,
		NumLayers:             32,
		NumHeads:              32,
		NumKVHeads:            32,
		RMSNormEps:            1e-5,
		RopeBase:              10000,
		RopeScale:             1,
		MaxPositionEmbeddings: 4096,
		NumDevices:            1,
	}
}
