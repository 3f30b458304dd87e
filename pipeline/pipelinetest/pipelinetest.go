// Package pipelinetest provides in-memory stand-ins for the Tokenizer and
// WeightSource collaborator interfaces pipeline.Pipeline depends on, for
// this module's own tests. Neither is part of the production contract
// surface (spec.md §6 describes that surface; real implementations of it
// are out of scope), so these stubs live outside the pipeline package
// itself rather than growing a build-tag-gated test helper inside it,
// mirroring how the teacher keeps fakes (llm/server_mock.go-style doubles)
// in their own file rather than inline in _test.go.
package pipelinetest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ollama/llamaserve/ml"
	"github.com/ollama/llamaserve/pipeline"
)

// Tokenizer is a whitespace tokenizer over a growing vocabulary: each
// distinct word seen by Encode gets assigned the next free id, Decode
// looks the id back up. It is deterministic and reversible for any input
// built only from words it has already encoded, which is all a test
// needs.
type Tokenizer struct {
	wordToID map[string]int32
	idToWord []string
}

// NewTokenizer builds a Tokenizer whose vocabulary starts with the given
// words, in order, at ids 0..len(vocab)-1.
func NewTokenizer(vocab ...string) *Tokenizer {
	t := &Tokenizer{wordToID: make(map[string]int32, len(vocab))}
	for _, w := range vocab {
		t.intern(w)
	}
	return t
}

func (t *Tokenizer) intern(word string) int32 {
	if id, ok := t.wordToID[word]; ok {
		return id
	}
	id := int32(len(t.idToWord))
	t.wordToID[word] = id
	t.idToWord = append(t.idToWord, word)
	return id
}

// Encode splits text on whitespace and interns each word, growing the
// vocabulary as needed.
func (t *Tokenizer) Encode(text string) ([]int32, error) {
	fields := strings.Fields(text)
	ids := make([]int32, len(fields))
	for i, w := range fields {
		ids[i] = t.intern(w)
	}
	return ids, nil
}

// Decode joins the words named by ids with single spaces. An id outside
// the known vocabulary is an error, matching ErrTokenizerError's contract
// that malformed ids are rejected rather than silently substituted.
func (t *Tokenizer) Decode(ids []int32) (string, error) {
	words := make([]string, len(ids))
	for i, id := range ids {
		if int(id) < 0 || int(id) >= len(t.idToWord) {
			return "", fmt.Errorf("pipelinetest: unknown token id %d", id)
		}
		words[i] = t.idToWord[id]
	}
	return strings.Join(words, " "), nil
}

// Template renders chat messages as "role: content" lines, a minimal
// stand-in for a Jinja chat template (out of scope per spec.md §1).
type Template struct{}

// Apply implements pipeline.ChatTemplate.
func (Template) Apply(messages []pipeline.ChatMessage, addGenerationPrompt bool) (string, error) {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	if addGenerationPrompt {
		b.WriteString("assistant:")
	}
	return b.String(), nil
}

// WeightSource hands back a fixed, in-memory set of tensors: tests build
// one directly with named, shaped, randomly-seeded-or-explicit data rather
// than decoding a real GGUF file, matching the Weight Source collaborator
// contract's "any implementation may supply weights" framing (spec.md
// §6).
type WeightSource struct {
	weights map[string]pipeline.WeightTensor
}

// NewWeightSource builds an empty WeightSource; use Set to populate it.
func NewWeightSource() *WeightSource {
	return &WeightSource{weights: make(map[string]pipeline.WeightTensor)}
}

// Set installs one named tensor.
func (w *WeightSource) Set(name string, data []float32, shape ...int) {
	w.weights[name] = pipeline.WeightTensor{Data: data, Shape: shape, DType: ml.DTypeF32}
}

// Weights implements pipeline.WeightSource.
func (w *WeightSource) Weights() (map[string]pipeline.WeightTensor, error) {
	out := make(map[string]pipeline.WeightTensor, len(w.weights))
	for k, v := range w.weights {
		out[k] = v
	}
	return out, nil
}

// ConstantFloats returns a []float32 of length n filled with repeating
// values derived from seed, useful for building weight tensors whose
// exact values don't matter to a test but whose shape does.
func ConstantFloats(n int, seed int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((i+seed)%7) * 0.01
	}
	return out
}

// TokenName is a small helper tests use to build a layer-indexed gguf
// weight name, e.g. TokenName("blk", 3, "attn_q") -> "blk.3.attn_q.weight".
func TokenName(prefix string, idx int, suffix string) string {
	return prefix + "." + strconv.Itoa(idx) + "." + suffix + ".weight"
}
