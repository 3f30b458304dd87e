package llama

import (
	"github.com/ollama/llamaserve/ml"
	"github.com/ollama/llamaserve/ml/nn"
)

// Attention is one decoder block's grouped-query causal self-attention
// weights, grounded on the Rust original's CausalSelfAttention (q_proj/
// k_proj/v_proj/o_proj) and the teacher's TextAttention struct shape.
//
// Project and Combine are split out from the scoring step itself (which
// lives in nn.Accumulator) so Model.Forward can run projection once per
// device chunk and then feed nn.Accumulator one cache shard at a time as
// it rotates through them, before Combine folds the accumulated heads
// back into hidden size.
type Attention struct {
	Query  *nn.Linear `gguf:"attn_q"`
	Key    *nn.Linear `gguf:"attn_k"`
	Value  *nn.Linear `gguf:"attn_v"`
	Output *nn.Linear `gguf:"attn_output"`
}

// Project computes Q/K/V for hiddenStates (shape [seqLen, hiddenSize]) and
// applies RoPE to Q and K, returning each as [seqLen, heads, headDim].
func (attn *Attention) Project(ctx ml.Context, hiddenStates ml.Tensor, positions []int32, cfg Config) (q, k, v ml.Tensor) {
	seqLen := hiddenStates.Dim(0)
	headDim := cfg.headDim()

	q = attn.Query.Forward(ctx, hiddenStates)
	q = q.Reshape(ctx, seqLen, cfg.NumHeads, headDim)
	q = nn.RoPE(ctx, q, positions, headDim, cfg.RopeBase, cfg.RopeScale)

	k = attn.Key.Forward(ctx, hiddenStates)
	k = k.Reshape(ctx, seqLen, cfg.NumKVHeads, headDim)
	k = nn.RoPE(ctx, k, positions, headDim, cfg.RopeBase, cfg.RopeScale)

	v = attn.Value.Forward(ctx, hiddenStates)
	v = v.Reshape(ctx, seqLen, cfg.NumKVHeads, headDim)
	return q, k, v
}

// Combine folds attnOut (shape [seqLen, numHeads, headDim], this chunk's
// attention over every cache shard as combined by nn.Accumulator) back to
// hidden size and projects it through Output.
func (attn *Attention) Combine(ctx ml.Context, attnOut ml.Tensor, cfg Config) ml.Tensor {
	seqLen := attnOut.Dim(0)
	attnOut = attnOut.Reshape(ctx, seqLen, cfg.NumHeads*cfg.headDim())
	return attn.Output.Forward(ctx, attnOut)
}

// MLP is the gated SiLU feed-forward block: down(silu(gate(x)) * up(x)).
type MLP struct {
	Gate *nn.Linear `gguf:"ffn_gate"`
	Up   *nn.Linear `gguf:"ffn_up"`
	Down *nn.Linear `gguf:"ffn_down"`
}

func (mlp *MLP) Forward(ctx ml.Context, hiddenStates ml.Tensor) ml.Tensor {
	gate := mlp.Gate.Forward(ctx, hiddenStates).SILU(ctx)
	up := mlp.Up.Forward(ctx, hiddenStates)
	return mlp.Down.Forward(ctx, gate.Mul(ctx, up))
}
