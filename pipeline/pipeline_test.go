package pipeline

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ollama/llamaserve/kvcache"
	"github.com/ollama/llamaserve/ml"
	_ "github.com/ollama/llamaserve/ml/cpu"
	"github.com/ollama/llamaserve/model"
	"github.com/ollama/llamaserve/model/input"
	"github.com/ollama/llamaserve/pipeline/pipelinetest"
	"github.com/ollama/llamaserve/sample"
	"github.com/ollama/llamaserve/sequence"
)

// fakeModel is a minimal model.Model double: it records the batch it was
// last asked to run and the cache (if any) installed on it, standing in
// for model/llama's Model so these tests exercise Pipeline.Forward's own
// input-construction logic without paying for a real transformer step.
type fakeModel struct {
	model.Base

	lastBatch   input.Batch
	cache       *kvcache.Cache
	cacheCalled bool
}

func (m *fakeModel) SetCache(c *kvcache.Cache) { m.cache = c; m.cacheCalled = true }

func (m *fakeModel) Forward(ctx ml.Context, batch input.Batch) (ml.Tensor, error) {
	m.lastBatch = batch
	return ctx.Empty(ml.DTypeF32, len(batch.Outputs), 4), nil
}

func newTestPipeline(t *testing.T, noKVCache bool) (*Pipeline, *fakeModel) {
	t.Helper()
	backend, err := ml.NewBackend("cpu", "", ml.BackendParams{NumDevices: 1})
	require.NoError(t, err)

	fm := &fakeModel{}
	bound, err := model.Bind(backend, fm)
	require.NoError(t, err)

	return &Pipeline{
		backend:    backend,
		model:      bound,
		tokenizer:  pipelinetest.NewTokenizer(),
		template:   pipelinetest.Template{},
		arch:       "fake",
		numLayers:  1,
		numDevices: 1,
		eosTokenID: 99,
		maxSeqLen:  4096,
		noKVCache:  noKVCache,
	}, fm
}

func newSeq(tokens ...int32) *sequence.Sequence {
	return sequence.New(uuid.New(), tokens, sequence.StopConfig{}, sample.New(sample.Params{}), nil)
}

func primedCache(t *testing.T, pastLen int) *kvcache.Cache {
	t.Helper()
	backend, err := ml.NewBackend("cpu", "", ml.BackendParams{NumDevices: 1})
	require.NoError(t, err)
	ctx := backend.Context(ml.DeviceID{ID: 0})

	c := kvcache.New(1, 1, 0)
	if pastLen > 0 {
		k := ctx.Zeros(ml.DTypeF32, pastLen, 1, 1)
		v := ctx.Zeros(ml.DTypeF32, pastLen, 1, 1)
		require.NoError(t, c.Put(ctx, 0, 0, k, v, 0))
	}
	return c
}

func TestTokenizeDetokenizeRoundTrip(t *testing.T) {
	p, _ := newTestPipeline(t, false)

	ids, err := p.Tokenize("the quick brown fox")
	require.NoError(t, err)
	require.Len(t, ids, 4)

	text, err := p.Detokenize(ids)
	require.NoError(t, err)
	require.Equal(t, "the quick brown fox", text)
}

func TestDetokenizeUnknownIDIsTokenizerError(t *testing.T) {
	p, _ := newTestPipeline(t, false)
	_, err := p.Detokenize([]int32{999})
	require.ErrorIs(t, err, ErrTokenizerError)
}

func TestApplyChatTemplate(t *testing.T) {
	p, _ := newTestPipeline(t, false)

	out, err := p.ApplyChatTemplate([]ChatMessage{
		{Role: "user", Content: "hi"},
	}, true)
	require.NoError(t, err)
	require.Equal(t, "user: hi\nassistant:", out)
}

func TestApplyChatTemplateWithNoTemplateConfigured(t *testing.T) {
	p, _ := newTestPipeline(t, false)
	p.template = nil

	_, err := p.ApplyChatTemplate(nil, true)
	require.Error(t, err)
}

// TestForwardPromptStepUsesFullPromptAndCacheRelativePositions covers
// spec.md §4.3's prompt-step input construction: every prompt token is
// fed in, positions offset by the cache's existing PastLen.
func TestForwardPromptStepUsesFullPromptAndCacheRelativePositions(t *testing.T) {
	p, fm := newTestPipeline(t, false)

	seq := newSeq(1, 2, 3)
	cache := primedCache(t, 5)

	ctx := p.Backend().Context(ml.DeviceID{ID: 0})
	out, err := p.Forward(ctx, []*sequence.Sequence{seq}, []*kvcache.Cache{cache}, true)
	require.NoError(t, err)
	require.Equal(t, 1, out.Dim(0))

	require.Equal(t, []int32{1, 2, 3}, fm.lastBatch.Inputs)
	require.Equal(t, []int32{5, 6, 7}, fm.lastBatch.Positions)
	require.Equal(t, []int32{2}, fm.lastBatch.Outputs)
	require.True(t, fm.cacheCalled)
	require.Same(t, cache, fm.cache)
}

// TestForwardDecodeStepUsesSingleTokenAndCacheRelativePosition covers the
// decode-step input construction rule: only the most recently appended
// token is fed in, at the position immediately following the cache's
// PastLen.
func TestForwardDecodeStepUsesSingleTokenAndCacheRelativePosition(t *testing.T) {
	p, fm := newTestPipeline(t, false)

	seq := newSeq(1, 2, 3)
	seq.Append(4, "d")
	cache := primedCache(t, 3)

	ctx := p.Backend().Context(ml.DeviceID{ID: 0})
	_, err := p.Forward(ctx, []*sequence.Sequence{seq}, []*kvcache.Cache{cache}, false)
	require.NoError(t, err)

	require.Equal(t, []int32{4}, fm.lastBatch.Inputs)
	require.Equal(t, []int32{3}, fm.lastBatch.Positions)
	require.Equal(t, []int32{0}, fm.lastBatch.Outputs)
}

// TestForwardNoKVCacheFallsBackToFullHistoryOnDecodeStep covers spec.md
// §4.3's no-cache fallback: with KV caching disabled, a decode step still
// feeds the model every token seen so far, at plain 0-based positions,
// and never installs a cache on the model.
func TestForwardNoKVCacheFallsBackToFullHistoryOnDecodeStep(t *testing.T) {
	p, fm := newTestPipeline(t, true)

	seq := newSeq(1, 2, 3)
	seq.Append(4, "d")
	cache := primedCache(t, 3)

	ctx := p.Backend().Context(ml.DeviceID{ID: 0})
	_, err := p.Forward(ctx, []*sequence.Sequence{seq}, []*kvcache.Cache{cache}, false)
	require.NoError(t, err)

	require.Equal(t, []int32{1, 2, 3, 4}, fm.lastBatch.Inputs)
	require.Equal(t, []int32{0, 1, 2, 3}, fm.lastBatch.Positions)
	require.Equal(t, []int32{3}, fm.lastBatch.Outputs)
	require.False(t, fm.cacheCalled, "no-cache mode must never install a cache on the model")
}

// TestForwardNoKVCachePromptStepMatchesFullHistory checks the no-cache
// prompt step looks the same as its decode step: both recompute from
// scratch, so there's no separate "prompt vs decode" branch once caching
// is off.
func TestForwardNoKVCachePromptStepMatchesFullHistory(t *testing.T) {
	p, fm := newTestPipeline(t, true)

	seq := newSeq(1, 2, 3)
	cache := primedCache(t, 0)

	ctx := p.Backend().Context(ml.DeviceID{ID: 0})
	_, err := p.Forward(ctx, []*sequence.Sequence{seq}, []*kvcache.Cache{cache}, true)
	require.NoError(t, err)

	require.Equal(t, []int32{1, 2, 3}, fm.lastBatch.Inputs)
	require.Equal(t, []int32{0, 1, 2}, fm.lastBatch.Positions)
	require.False(t, fm.cacheCalled)
}

func TestForwardRejectsMismatchedSeqsAndCaches(t *testing.T) {
	p, _ := newTestPipeline(t, false)
	seq := newSeq(1, 2, 3)

	ctx := p.Backend().Context(ml.DeviceID{ID: 0})
	_, err := p.Forward(ctx, []*sequence.Sequence{seq}, nil, true)
	require.Error(t, err)
}

func TestForwardRejectsMultiSequenceBatch(t *testing.T) {
	p, _ := newTestPipeline(t, false)
	seqs := []*sequence.Sequence{newSeq(1), newSeq(2)}
	caches := []*kvcache.Cache{primedCache(t, 0), primedCache(t, 0)}

	ctx := p.Backend().Context(ml.DeviceID{ID: 0})
	_, err := p.Forward(ctx, seqs, caches, true)
	require.Error(t, err)
}

func TestNewCacheShardsCollapseToOneWhenNoKVCache(t *testing.T) {
	p, _ := newTestPipeline(t, true)
	c := p.NewCache(0)
	require.Equal(t, 1, c.NumShards())
}

func TestNewCacheUsesConfiguredDeviceCount(t *testing.T) {
	p, _ := newTestPipeline(t, false)
	p.numDevices = 4
	c := p.NewCache(0)
	require.Equal(t, 4, c.NumShards())
}
