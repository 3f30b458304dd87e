// Package nn provides the small set of weighted layers the Llama decoder
// stack is built from: Linear, RMSNorm, Embedding, RoPE, and Attention.
// Each layer's weight fields carry a `gguf` struct tag naming the weight
// under which a WeightSource looks it up, the same binding convention the
// teacher's model/models packages use.
package nn

import "github.com/ollama/llamaserve/ml"

// Linear is a weight-only (no bias) projection. Weight is stored
// [out, in], the layout weight files use, and transposed to [in, out] at
// call time for Mulmat's [K, N] convention.
type Linear struct {
	Weight ml.Tensor `gguf:"weight"`
}

// Forward computes x @ Weight^T. A weight stored in a reduced-precision
// dtype (f16/bf16, or either quantized format) is upcast to f32 first —
// this backend's arithmetic is always f32, so every Linear pays the same
// upcast a quantized-matmul kernel would, in one place rather than at
// each call site.
func (m *Linear) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	w := m.Weight
	if w.DType() != ml.DTypeF32 {
		w = w.Cast(ctx, ml.DTypeF32)
	}
	return x.Mulmat(ctx, w.Permute(ctx, 1, 0))
}
