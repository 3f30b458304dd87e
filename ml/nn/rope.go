package nn

import (
	"math"

	"github.com/ollama/llamaserve/ml"
)

// RopeOption configures RoPE's frequency schedule beyond the plain
// base/scale pair, mirroring the teacher's rope.With* functional options
// (rope.WithOriginalContextLength, rope.WithExtrapolationFactor, ...).
type RopeOption func(*ropeConfig)

type ropeConfig struct {
	attentionFactor float32
}

// WithAttentionFactor scales the rotated output, used by long-context RoPE
// variants (YaRN-style) that attenuate high frequencies.
func WithAttentionFactor(f float32) RopeOption {
	return func(c *ropeConfig) { c.attentionFactor = f }
}

// RoPE applies rotary position embeddings to the first ropeDim elements of
// each head, split-half style: dims [0, ropeDim/2) rotate against
// [ropeDim/2, ropeDim). x has shape [seqLen, numHeads, headDim];
// positions holds one absolute position per sequence entry (the KV
// cache's past_len plus index within the batch, spec.md §4.4's
// seqlen_offsets).
func RoPE(ctx ml.Context, x ml.Tensor, positions []int32, ropeDim int, base, scale float32, opts ...RopeOption) ml.Tensor {
	cfg := ropeConfig{attentionFactor: 1}
	for _, o := range opts {
		o(&cfg)
	}

	seqLen := x.Dim(0)
	numHeads := x.Dim(1)
	headDim := x.Dim(2)
	if len(positions) != seqLen {
		panic("nn: RoPE positions length must match sequence length")
	}

	out := ctx.Empty(x.DType(), seqLen, numHeads, headDim)
	src := x.Floats()
	dst := out.Floats()
	half := ropeDim / 2

	for s := 0; s < seqLen; s++ {
		pos := float32(positions[s])
		for h := 0; h < numHeads; h++ {
			base0 := (s*numHeads + h) * headDim
			for i := 0; i < half; i++ {
				freq := float32(1.0 / math.Pow(float64(base), 2*float64(i)/float64(ropeDim)))
				angle := pos * freq / scale
				cosv := float32(math.Cos(float64(angle))) * cfg.attentionFactor
				sinv := float32(math.Sin(float64(angle))) * cfg.attentionFactor

				a := src[base0+i]
				b := src[base0+half+i]
				dst[base0+i] = a*cosv - b*sinv
				dst[base0+half+i] = b*cosv + a*sinv
			}
			for i := ropeDim; i < headDim; i++ {
				dst[base0+i] = src[base0+i]
			}
		}
	}
	return out
}
