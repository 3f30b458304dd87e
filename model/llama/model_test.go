package llama

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ollama/llamaserve/kvcache"
	"github.com/ollama/llamaserve/ml"
	_ "github.com/ollama/llamaserve/ml/cpu"
	"github.com/ollama/llamaserve/model"
	"github.com/ollama/llamaserve/model/input"
	"github.com/ollama/llamaserve/pipeline/pipelinetest"
)

// tinyConfig is small enough that forward passes run in microseconds,
// while still exercising GQA (NumHeads=2, NumKVHeads=1) and a gated MLP
// with a different intermediate size than hidden size.
func tinyConfig(numDevices int) Config {
	return Config{
		HiddenSize:            8,
		IntermediateSize:      16,
		VocabSize:             20,
		NumLayers:             2,
		NumHeads:              2,
		NumKVHeads:            1,
		RMSNormEps:            1e-5,
		RopeBase:              10000,
		RopeScale:             1,
		MaxPositionEmbeddings: 64,
		NumDevices:            numDevices,
	}
}

// buildTinyModel constructs a llama.Model sized by cfg, with deterministic
// weights (same seed for every tensor name across calls, so two models
// built for different NumDevices values are bit-for-bit identical aside
// from their chunking).
func buildTinyModel(t *testing.T, cfg Config) (model.Model, ml.Backend) {
	t.Helper()
	backend, err := ml.NewBackend("cpu", "", ml.BackendParams{NumDevices: max(cfg.NumDevices, 1)})
	require.NoError(t, err)

	ws := pipelinetest.NewWeightSource()
	h, i, v := cfg.HiddenSize, cfg.IntermediateSize, cfg.VocabSize
	headDim := cfg.headDim()
	qDim := cfg.NumHeads * headDim
	kvDim := cfg.NumKVHeads * headDim

	ws.Set("token_embd.weight", pipelinetest.ConstantFloats(v*h, 1), v, h)
	ws.Set("output_norm.weight", pipelinetest.ConstantFloats(h, 2), h)
	ws.Set("output.weight", pipelinetest.ConstantFloats(v*h, 3), v, h)

	for layer := 0; layer < cfg.NumLayers; layer++ {
		seed := layer * 100
		ws.Set(pipelinetest.TokenName("blk", layer, "attn_norm"), pipelinetest.ConstantFloats(h, seed+1), h)
		ws.Set(pipelinetest.TokenName("blk", layer, "attn_q"), pipelinetest.ConstantFloats(qDim*h, seed+2), qDim, h)
		ws.Set(pipelinetest.TokenName("blk", layer, "attn_k"), pipelinetest.ConstantFloats(kvDim*h, seed+3), kvDim, h)
		ws.Set(pipelinetest.TokenName("blk", layer, "attn_v"), pipelinetest.ConstantFloats(kvDim*h, seed+4), kvDim, h)
		ws.Set(pipelinetest.TokenName("blk", layer, "attn_output"), pipelinetest.ConstantFloats(h*qDim, seed+5), h, qDim)
		ws.Set(pipelinetest.TokenName("blk", layer, "ffn_norm"), pipelinetest.ConstantFloats(h, seed+6), h)
		ws.Set(pipelinetest.TokenName("blk", layer, "ffn_gate"), pipelinetest.ConstantFloats(i*h, seed+7), i, h)
		ws.Set(pipelinetest.TokenName("blk", layer, "ffn_up"), pipelinetest.ConstantFloats(i*h, seed+8), i, h)
		ws.Set(pipelinetest.TokenName("blk", layer, "ffn_down"), pipelinetest.ConstantFloats(h*i, seed+9), h, i)
	}

	weights, err := ws.Weights()
	require.NoError(t, err)
	primary := backend.Context(ml.DeviceID{ID: 0})
	for name, w := range weights {
		backend.SetWeight(name, primary.FromFloats(w.Data, w.Shape...))
	}

	m, err := NewWithConfig(backend, cfg)
	require.NoError(t, err)

	bound, err := model.Bind(backend, m)
	require.NoError(t, err)

	return bound, backend
}

func setCache(t *testing.T, m model.Model, c *kvcache.Cache) {
	t.Helper()
	type cacheSetter interface{ SetCache(*kvcache.Cache) }
	cs, ok := m.(cacheSetter)
	require.True(t, ok, "model must support cache injection")
	cs.SetCache(c)
}

func promptBatch(tokens []int32, startPos int) input.Batch {
	var b input.Batch
	for i, tok := range tokens {
		b.Inputs = append(b.Inputs, tok)
		b.Positions = append(b.Positions, int32(startPos+i))
		b.Sequences = append(b.Sequences, 0)
	}
	b.Outputs = []int32{int32(len(tokens) - 1)}
	return b
}

// TestChunkingInvariance covers property 6: the forward output with
// NumDevices=1 equals the output with NumDevices>1 (chunked attention) to
// within numerical tolerance, for identical weights and inputs.
func TestChunkingInvariance(t *testing.T) {
	tokens := []int32{1, 2, 3, 4, 5}

	m1, _ := buildTinyModel(t, tinyConfig(1))
	ctx1 := m1.Backend().Context(ml.DeviceID{ID: 0})
	out1, err := m1.Forward(ctx1, promptBatch(tokens, 0))
	require.NoError(t, err)

	m2, _ := buildTinyModel(t, tinyConfig(2))
	ctx2 := m2.Backend().Context(ml.DeviceID{ID: 0})
	out2, err := m2.Forward(ctx2, promptBatch(tokens, 0))
	require.NoError(t, err)

	require.Equal(t, out1.Shape(), out2.Shape())
	a, b := out1.Floats(), out2.Floats()
	require.Len(t, b, len(a))
	for i := range a {
		require.InDelta(t, a[i], b[i], 1e-3, "index %d differs between N=1 and N=2", i)
	}
}

// TestDecodeEquivalence covers property 5: logits produced by feeding the
// full prompt through in one shot (no cache) at a given position equal the
// logits produced by priming a cache with the earlier tokens and then
// decoding the final token as a length-1 step.
func TestDecodeEquivalence(t *testing.T) {
	tokens := []int32{1, 2, 3}

	full, _ := buildTinyModel(t, tinyConfig(1))
	fullCtx := full.Backend().Context(ml.DeviceID{ID: 0})
	fullOut, err := full.Forward(fullCtx, promptBatch(tokens, 0))
	require.NoError(t, err)

	cached, _ := buildTinyModel(t, tinyConfig(1))
	cache := kvcache.New(tinyConfig(1).NumLayers, 1, 0)
	setCache(t, cached, cache)
	cachedCtx := cached.Backend().Context(ml.DeviceID{ID: 0})

	primeBatch := promptBatch(tokens[:2], 0)
	_, err = cached.Forward(cachedCtx, primeBatch)
	require.NoError(t, err)
	require.Equal(t, 2, cache.PastLen())

	decodeBatch := input.Batch{
		Inputs:    []int32{tokens[2]},
		Positions: []int32{2},
		Sequences: []int{0},
		Outputs:   []int32{0},
	}
	decodeOut, err := cached.Forward(cachedCtx, decodeBatch)
	require.NoError(t, err)

	a, b := fullOut.Floats(), decodeOut.Floats()
	require.Len(t, b, len(a))
	for i := range a {
		require.InDelta(t, a[i], b[i], 1e-3, "index %d differs between full recompute and cached decode", i)
	}
}

// TestForwardRejectsEmptyBatch covers the "batch size cannot be less than
// 1" guard model.Forward applies before handing off to an architecture.
func TestForwardRejectsEmptyBatch(t *testing.T) {
	m, _ := buildTinyModel(t, tinyConfig(1))
	_, err := model.Forward(m.Backend().Context(ml.DeviceID{ID: 0}), m, input.Batch{})
	require.Error(t, err)
}
