package nn

import "github.com/ollama/llamaserve/ml"

// RMSNorm root-mean-square normalizes its input along the last dimension
// and scales by Weight.
type RMSNorm struct {
	Weight ml.Tensor `gguf:"weight"`
}

func (m *RMSNorm) Forward(ctx ml.Context, x ml.Tensor, eps float32) ml.Tensor {
	return x.RMSNorm(ctx, m.Weight, eps)
}

// Embedding is a token embedding table, one row per vocabulary entry.
type Embedding struct {
	Weight ml.Tensor `gguf:"weight"`
}

// Forward gathers the embedding rows for the given token ids.
func (m *Embedding) Forward(ctx ml.Context, ids []int32) ml.Tensor {
	dim := m.Weight.Dim(1)
	out := ctx.Empty(m.Weight.DType(), len(ids), dim)
	rows := m.Weight.Floats()
	dst := out.Floats()
	for i, id := range ids {
		copy(dst[i*dim:(i+1)*dim], rows[int(id)*dim:(int(id)+1)*dim])
	}
	return out
}
