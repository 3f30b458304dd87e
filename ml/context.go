// context.go - Context and Tensor contracts for tensor operations
//
// Trimmed from the teacher's much larger GGML-oriented interface down to the
// operations the transformer core and sampler actually call: this module
// runs eager (one Go call executes immediately, no lazy graph/Compute
// step), so Context exists mainly as a tensor factory scoped to one device.
package ml

import "context"

// Context is a tensor factory scoped to a single device. A Backend hands
// out one Context per device; every Tensor it creates is resident on that
// device until explicitly moved with Tensor.To.
type Context interface {
	Device() DeviceID

	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	Close()
}

// Tensor represents a multi-dimensional array with the arithmetic,
// reshaping, and attention primitives the Llama decoder stack and sampler
// are built from.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType
	Device() DeviceID

	Floats() []float32
	Ints() []int32

	// To copies the tensor's data to a Tensor resident on the given
	// device's Context, leaving the receiver untouched. Staging a KV
	// cache onto a chunk's device for attention (spec.md §4.4) is
	// implemented as a To; the cache keeps its resident tensor and the
	// staged copy is discarded once attention returns.
	To(ctx Context) Tensor

	Add(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor

	Mulmat(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	RMSNorm(ctx Context, weight Tensor, eps float32) Tensor
	SILU(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, order ...int) Tensor
	Contiguous(ctx Context) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor

	// Slice returns the half-open range [low, high) along dim, used to
	// chunk the sequence axis across devices (spec.md §4.4) and to split
	// fused QKV/gate-up projections.
	Slice(ctx Context, dim, low, high int) Tensor

	Cast(ctx Context, dtype DType) Tensor
}

// Backend owns a model's weights and device contexts, and is the unit this
// module's Pipeline and transformer core are built against. A real backend
// loads GGUF/safetensors weights onto GPU memory; this module's eager CPU
// backend (ml/cpu) is the only implementation, matching the "eager backend
// is the one actually implemented" scope note (spec.md §4.4).
type Backend interface {
	Close()
	Load(ctx context.Context, progress func(float32)) error

	// Get returns a named weight tensor as it was installed by SetWeight,
	// on whichever device it was created on.
	Get(name string) Tensor

	// SetWeight installs a named weight tensor. A pipeline's WeightSource
	// collaborator (spec.md §6) calls this once per tensor it decodes, so
	// this module never needs to know a weight file's on-disk format.
	SetWeight(name string, t Tensor)

	// Context returns the tensor factory for the given device.
	Context(device DeviceID) Context

	DeviceMap() DeviceMap
	SetDeviceMap(DeviceMap)
}
