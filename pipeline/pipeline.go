// Package pipeline owns model weights, tokenizer, and device map,
// allocates the per-sequence KV-caches the engine holds, and turns a batch
// of sequences into a logits tensor, per
// spec.md §4.3. Grounded on original_source pipeline/mod.rs (the
// tokenize/forward/sample/apply_chat_template surface this package's
// method names mirror) and the teacher's llm/server_*.go (which plays the
// analogous "owns the loaded model, exposes a narrow forward contract"
// role ollama's runner talks to).
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ollama/llamaserve/kvcache"
	"github.com/ollama/llamaserve/ml"
	"github.com/ollama/llamaserve/model"
	"github.com/ollama/llamaserve/model/input"
	"github.com/ollama/llamaserve/sequence"
)

// ErrTokenizerError is returned by Tokenize when the input can't be
// mapped to the vocabulary, and by Detokenize when an id can't be mapped
// back to text.
var ErrTokenizerError = errors.New("pipeline: tokenizer error")

// Tokenizer is the external collaborator contract spec.md §6 names:
// encode/decode with lossless round-trip on well-formed ids. This module
// implements neither BPE nor SentencePiece; production callers supply a
// real tokenizer, tests use pipelinetest's in-memory stub.
type Tokenizer interface {
	Encode(text string) ([]int32, error)
	Decode(ids []int32) (string, error)
}

// ChatTemplate renders a chat message list into the model's prompt
// format. Jinja template evaluation itself is out of scope (spec.md §1);
// this is the narrow seam a real renderer plugs into.
type ChatTemplate interface {
	Apply(messages []ChatMessage, addGenerationPrompt bool) (string, error)
}

// ChatMessage is one turn of a chat-format request.
type ChatMessage struct {
	Role    string
	Content string
}

// WeightTensor is one decoded weight: flat row-major data, its shape, and
// its storage dtype, the shape a WeightSource collaborator hands to
// LoadWeights.
type WeightTensor struct {
	Data  []float32
	Shape []int
	DType ml.DType
}

// WeightSource is the lookup contract spec.md §6 describes: a dotted name
// to tensor, with a configured dtype and device. GGUF/safetensors parsing
// is an external collaborator's job, not this module's.
type WeightSource interface {
	Weights() (map[string]WeightTensor, error)
}

// Pipeline owns everything one loaded model needs to answer forward/
// sample/tokenize calls: the backend (weights + device contexts), the
// architecture model, the tokenizer, and the chat template. KV-caches are
// owned per-sequence by the engine, not by Pipeline, per spec.md §3's
// ownership rule.
type Pipeline struct {
	backend   ml.Backend
	model     model.Model
	tokenizer Tokenizer
	template  ChatTemplate

	arch        string
	numLayers   int
	numDevices  int
	eosTokenID  int32
	maxSeqLen   int
	noKVCache   bool
}

// Config carries the construction-time parameters New needs beyond the
// backend and collaborators themselves.
type Config struct {
	Arch       string
	NumLayers  int
	NumDevices int
	EOSTokenID int32
	MaxSeqLen  int
	NoKVCache  bool
}

// New builds a Pipeline: it constructs the named architecture's Model
// against backend (reflection-binding its weights, model.New), and wires
// in the given collaborators.
func New(backend ml.Backend, tokenizer Tokenizer, template ChatTemplate, cfg Config) (*Pipeline, error) {
	m, err := model.New(cfg.Arch, backend)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &Pipeline{
		backend:    backend,
		model:      m,
		tokenizer:  tokenizer,
		template:   template,
		arch:       cfg.Arch,
		numLayers:  cfg.NumLayers,
		numDevices: cfg.NumDevices,
		eosTokenID: cfg.EOSTokenID,
		maxSeqLen:  cfg.MaxSeqLen,
		noKVCache:  cfg.NoKVCache,
	}, nil
}

// LoadWeights pulls every tensor ws exposes into the backend, the
// division of labor spec.md §6's Weight Source contract describes: this
// module never decodes a weight file itself.
func (p *Pipeline) LoadWeights(ctx context.Context, ws WeightSource) error {
	weights, err := ws.Weights()
	if err != nil {
		return fmt.Errorf("pipeline: loading weights: %w", err)
	}
	primary := p.backend.Context(ml.DeviceID{ID: 0})
	for name, w := range weights {
		t := primary.FromFloats(w.Data, w.Shape...)
		p.backend.SetWeight(name, t)
	}
	return p.backend.Load(ctx, nil)
}

// Tokenize encodes prompt into token ids, failing with ErrTokenizerError
// wrapping the collaborator's own error on unmappable input.
func (p *Pipeline) Tokenize(prompt string) ([]int32, error) {
	ids, err := p.tokenizer.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenizerError, err)
	}
	return ids, nil
}

// Detokenize decodes ids back into text, failing with ErrTokenizerError
// wrapping the collaborator's own error on ids it can't decode.
func (p *Pipeline) Detokenize(ids []int32) (string, error) {
	text, err := p.tokenizer.Decode(ids)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenizerError, err)
	}
	return text, nil
}

// ApplyChatTemplate renders messages through the configured template.
func (p *Pipeline) ApplyChatTemplate(messages []ChatMessage, addGenerationPrompt bool) (string, error) {
	if p.template == nil {
		return "", errors.New("pipeline: no chat template configured")
	}
	return p.template.Apply(messages, addGenerationPrompt)
}

// EOSToken, NumLayers, MaxSeqLen, NoKVCache, Backend are the plain
// accessors spec.md §4.3 lists alongside tokenize/forward/sample.
func (p *Pipeline) EOSToken() int32   { return p.eosTokenID }
func (p *Pipeline) NumLayers() int    { return p.numLayers }
func (p *Pipeline) MaxSeqLen() int    { return p.maxSeqLen }
func (p *Pipeline) NoKVCache() bool   { return p.noKVCache }
func (p *Pipeline) Backend() ml.Backend { return p.backend }

// NewCache returns a fresh per-sequence KV-cache holding up to capacity
// tokens, sized for this pipeline's architecture. Called by the engine
// when it admits a request.
func (p *Pipeline) NewCache(capacity int) *kvcache.Cache {
	shards := p.numDevices
	if shards < 1 || p.noKVCache {
		shards = 1
	}
	return kvcache.New(p.numLayers, shards, capacity)
}

// Forward builds the input batch for seqs (prompt tokens for sequences
// starting fresh, the single most recent token for sequences continuing
// from cache, per spec.md §4.3's input construction rules), runs the
// transformer core, and returns one logits row per sequence — the last
// prompt-position row for a prompt step, the single decode-step row
// otherwise.
func (p *Pipeline) Forward(ctx ml.Context, seqs []*sequence.Sequence, caches []*kvcache.Cache, isPrompt bool) (ml.Tensor, error) {
	if len(seqs) != len(caches) {
		return nil, errors.New("pipeline: seqs and caches length mismatch")
	}

	var batch input.Batch
	for i, s := range seqs {
		// Prompt step: every token of the sequence, from index 0. Decode
		// step: only the single most recently appended token, per
		// spec.md §4.3's input-construction rules. When KV caching is
		// disabled, nothing persists between calls for a decode step to
		// build on, so every step — prompt or decode — falls back to the
		// full-history prompt path, recomputing from token zero with
		// plain 0-based positions rather than PastLen-relative ones.
		start := 0
		if !isPrompt && !p.noKVCache {
			start = len(s.Tokens) - 1
		}

		base := len(batch.Inputs)
		for j := start; j < len(s.Tokens); j++ {
			pos := j
			if !p.noKVCache {
				pos = caches[i].PastLen() + (j - start)
			}
			batch.Inputs = append(batch.Inputs, s.Tokens[j])
			batch.Positions = append(batch.Positions, int32(pos))
			batch.Sequences = append(batch.Sequences, i)
		}
		batch.Outputs = append(batch.Outputs, int32(base+len(s.Tokens)-start-1))
	}

	// The simplified single-sequence Model.Base carries one Cache field;
	// a batch spanning multiple sequences each with their own cache is a
	// multi-sequence-batching extension this module's Model does not yet
	// implement, so Forward is only exercised here one sequence at a
	// time by the engine.
	if len(seqs) != 1 {
		return nil, errors.New("pipeline: batched multi-sequence forward not supported by this model implementation")
	}

	// With KV caching disabled the model's Cache field is left nil (never
	// installed), which is exactly the signal model/llama's Forward reads
	// as "no persisted shard, stage this step's own freshly-computed
	// chunks instead" — the no-cache rotation path already in place for
	// property 6.
	if !p.noKVCache {
		type cacheSetter interface{ SetCache(*kvcache.Cache) }
		cs, ok := p.model.(cacheSetter)
		if !ok {
			return nil, errors.New("pipeline: model does not support cache injection")
		}
		cs.SetCache(caches[0])
	}

	return model.Forward(ctx, p.model, batch)
}
