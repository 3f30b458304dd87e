package cpu

import (
	gocontext "context"
	"fmt"

	"github.com/ollama/llamaserve/ml"
)

// Context is a tensor factory scoped to one device. The eager backend
// needs no graph-building state, so it is just a device tag.
type Context struct {
	device ml.DeviceID
}

var _ ml.Context = (*Context)(nil)

func (c *Context) Device() ml.DeviceID { return c.device }

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(shape, dtype, c.device)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(shape, dtype, c.device)
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	if numel(shape) != len(s) {
		panic(fmt.Sprintf("cpu: FromFloats element count mismatch: %d values, shape %v", len(s), shape))
	}
	t := newTensor(shape, ml.DTypeF32, c.device)
	copy(t.data, s)
	return t
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	if numel(shape) != len(s) {
		panic(fmt.Sprintf("cpu: FromInts element count mismatch: %d values, shape %v", len(s), shape))
	}
	t := newTensor(shape, ml.DTypeI32, c.device)
	for i, v := range s {
		t.data[i] = float32(v)
	}
	return t
}

func (c *Context) Close() {}

// Backend is the eager CPU weight store: every device context shares the
// same process memory, so "moving" a tensor between devices (Tensor.To) is
// a copy rather than a transfer, matching a single-host multi-GPU layout
// closely enough to exercise the chunked-attention staging logic without
// requiring real accelerator hardware.
type Backend struct {
	weightsDir string
	params     ml.BackendParams
	deviceMap  ml.DeviceMap
	weights    map[string]ml.Tensor
	contexts   map[int]*Context
}

var _ ml.Backend = (*Backend)(nil)

func init() {
	ml.RegisterBackend("cpu", New)
}

// New constructs the eager CPU backend. Weight loading is deferred to
// Load; the weight source itself is an external collaborator (spec.md §6),
// so New only creates the per-device contexts. Weights are installed
// through SetWeight.
func New(weightsDir string, params ml.BackendParams) (ml.Backend, error) {
	n := params.NumDevices
	if n < 1 {
		n = 1
	}
	contexts := make(map[int]*Context, n)
	for i := 0; i < n; i++ {
		contexts[i] = &Context{device: ml.DeviceID{ID: i}}
	}
	return &Backend{
		weightsDir: weightsDir,
		params:     params,
		contexts:   contexts,
		weights:    make(map[string]ml.Tensor),
	}, nil
}

func (b *Backend) Close() {}

// Load is a placeholder wired to a WeightSource in production use; tests
// populate b.weights directly through SetWeight. This keeps weight-file
// decoding (GGUF/safetensors) outside this module's ownership, per the
// Weight Source collaborator contract (spec.md §6).
func (b *Backend) Load(ctx gocontext.Context, progress func(float32)) error {
	if progress != nil {
		progress(1.0)
	}
	return nil
}

// SetWeight installs a named weight tensor as given, without moving it to
// another device. Used by the weight-source collaborator and by tests
// that build a model without a real GGUF file.
func (b *Backend) SetWeight(name string, t ml.Tensor) {
	b.weights[name] = t
}

// Get returns a named weight tensor, or nil if no weight was loaded under
// that name — model.New's field-population loop tries each gguf tag
// alternative in turn and expects a nil result, not an error, for the ones
// that don't exist.
func (b *Backend) Get(name string) ml.Tensor {
	t, ok := b.weights[name]
	if !ok {
		return nil
	}
	return t
}

func (b *Backend) Context(device ml.DeviceID) ml.Context {
	c, ok := b.contexts[device.ID]
	if !ok {
		panic(fmt.Sprintf("cpu: unknown device %v", device))
	}
	return c
}

func (b *Backend) SetDeviceMap(m ml.DeviceMap) { b.deviceMap = m }
func (b *Backend) DeviceMap() ml.DeviceMap     { return b.deviceMap }
