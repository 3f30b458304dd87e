// Package model defines the Model interface every architecture package
// (model/llama) implements, and the registration/construction machinery
// that turns a weight source plus an architecture name into a runnable
// Model.
package model

import (
	"errors"
	"reflect"

	"github.com/ollama/llamaserve/kvcache"
	"github.com/ollama/llamaserve/ml"
	"github.com/ollama/llamaserve/model/input"
)

var (
	ErrUnsupportedModel    = errors.New("model: architecture not supported")
	ErrUnsupportedSampling = errors.New("model: sampling mode not supported")
)

// Model is the interface every architecture package implements.
type Model interface {
	Forward(ml.Context, input.Batch) (ml.Tensor, error)

	Backend() ml.Backend
	Config() config
}

// Validator is an optional interface for post-load validation — config
// ranges that can't be expressed as zero values, e.g. numKVHeads must
// divide numHeads evenly for grouped-query attention.
type Validator interface {
	Validate() error
}

// config holds the fields every Model shares. Its exported fields are
// promoted through Base into each architecture's struct, so e.g.
// llama.Model can set m.Cache directly without importing this type by
// name.
type config struct {
	Cache *kvcache.Cache
}

// Base implements the fields and methods common to every Model
// architecture; embedded in each architecture's top-level struct.
type Base struct {
	b ml.Backend
	config
}

func (m *Base) Backend() ml.Backend { return m.b }
func (m *Base) Config() config      { return m.config }

// SetCache installs the per-sequence KV-cache a Forward call should read
// and write, the seam Pipeline uses between the engine's per-sequence
// cache ownership (spec.md §3) and a stateless-looking Model.Forward.
func (m *Base) SetCache(c *kvcache.Cache) { m.config.Cache = c }

var models = make(map[string]func(ml.Backend) (Model, error))

// Register associates an architecture name with a constructor, the way
// model/models/deepseek2's init() calls model.Register("deepseek2", New).
func Register(name string, f func(ml.Backend) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: architecture already registered: " + name)
	}
	models[name] = f
}

// New builds a Model for the named architecture, binding its gguf-tagged
// weight fields from backend via reflection (model/reflect.go).
func New(arch string, backend ml.Backend) (Model, error) {
	f, ok := models[arch]
	if !ok {
		return nil, ErrUnsupportedModel
	}

	m, err := f(backend)
	if err != nil {
		return nil, err
	}

	return Bind(backend, m)
}

// Bind runs the reflection-based weight binding and post-load validation
// New performs after construction, exposed separately so an architecture
// package's own tests can build a Model from a custom Config (bypassing
// the zero-argument registry constructor New otherwise requires) while
// still going through real weight binding rather than duplicating it.
func Bind(backend ml.Backend, m Model) (Model, error) {
	base := Base{b: backend}
	v := reflect.ValueOf(m)
	v.Elem().Set(populateFields(base, v.Elem()))

	if validator, ok := m.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Forward runs one model step: it validates the batch shape, then hands it
// to the architecture's own Forward.
func Forward(ctx ml.Context, m Model, batch input.Batch) (ml.Tensor, error) {
	if len(batch.Positions) != len(batch.Sequences) {
		return nil, errors.New("model: length of positions must match length of sequences")
	}
	if len(batch.Positions) < 1 {
		return nil, errors.New("model: batch size cannot be less than 1")
	}

	return m.Forward(ctx, batch)
}
