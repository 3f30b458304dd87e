// Package cpu is the eager CPU tensor backend: every operation executes
// immediately against a plain []float32 buffer, gonum driving the matrix
// multiplications. It is the "eager backend" spec.md §4.4 calls the one
// actually implemented, as opposed to a lazy GGML-style compute graph.
package cpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ollama/llamaserve/ml"
)

// Tensor is a dense row-major array resident on one device.
type Tensor struct {
	data   []float32
	shape  []int
	dtype  ml.DType
	device ml.DeviceID
}

var _ ml.Tensor = (*Tensor)(nil)

func newTensor(shape []int, dtype ml.DType, device ml.DeviceID) *Tensor {
	n := numel(shape)
	return &Tensor{data: make([]float32, n), shape: append([]int(nil), shape...), dtype: dtype, device: device}
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func (t *Tensor) Dim(n int) int      { return t.shape[n] }
func (t *Tensor) Shape() []int       { return append([]int(nil), t.shape...) }
func (t *Tensor) DType() ml.DType    { return t.dtype }
func (t *Tensor) Device() ml.DeviceID { return t.device }
func (t *Tensor) Floats() []float32  { return t.data }

func (t *Tensor) Ints() []int32 {
	out := make([]int32, len(t.data))
	for i, v := range t.data {
		out[i] = int32(v)
	}
	return out
}

// To copies this tensor's data into a new tensor resident on ctx's device,
// leaving the receiver (and its device residency) untouched. KV cache
// staging for chunked attention (spec.md §4.4) is a To onto the chunk's
// device; the staged copy is discarded once attention on that chunk
// completes.
func (t *Tensor) To(ctx ml.Context) ml.Tensor {
	out := newTensor(t.shape, t.dtype, ctx.Device())
	copy(out.data, t.data)
	return out
}

// Cast retags the tensor as dtype. The backend still computes in float32
// throughout (spec.md §4.4's "eager backend" scope note), so a narrowing
// cast to a reduced-precision storage format round-trips each value
// through that format's own encoding to reproduce the precision loss a
// real GGUF/safetensors load of that dtype would already have paid;
// casting to anything else is a plain retag.
func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	out := newTensor(t.shape, dtype, t.device)
	copy(out.data, t.data)
	switch dtype {
	case ml.DTypeF16:
		for i, v := range out.data {
			out.data[i] = float16.Fromfloat32(v).Float32()
		}
	case ml.DTypeBF16:
		raw := bfloat16.Encode(binary.LittleEndian, out.data)
		copy(out.data, bfloat16.Decode(binary.LittleEndian, raw))
	}
	return out
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	b := t2.(*Tensor)
	if !sameShape(t.shape, b.shape) {
		panic(fmt.Sprintf("cpu: Add shape mismatch %v vs %v", t.shape, b.shape))
	}
	out := newTensor(t.shape, t.dtype, t.device)
	for i := range t.data {
		out.data[i] = t.data[i] + b.data[i]
	}
	return out
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	b := t2.(*Tensor)
	if !sameShape(t.shape, b.shape) {
		panic(fmt.Sprintf("cpu: Mul shape mismatch %v vs %v", t.shape, b.shape))
	}
	out := newTensor(t.shape, t.dtype, t.device)
	for i := range t.data {
		out.data[i] = t.data[i] * b.data[i]
	}
	return out
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	out := newTensor(t.shape, t.dtype, t.device)
	f := float32(s)
	for i := range t.data {
		out.data[i] = t.data[i] * f
	}
	return out
}

// Mulmat performs a standard matrix multiply contracting the receiver's
// last dimension (size K) against t2's second-to-last dimension (also K):
// t is [..., M, K], t2 is either [K, N] — broadcast against every one of
// t's leading dims, the weight convention nn.Linear uses once its weight
// has been transposed from gguf's stored [out, in] into [in, out] — or
// [...same leading dims as t, K, N] for the per-head batched matmuls
// attention scores (Q·K^T) and context (attn·V) need.
func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	b := t2.(*Tensor)
	if len(t.shape) < 2 {
		panic(fmt.Sprintf("cpu: Mulmat requires rank >= 2, got %v", t.shape))
	}
	m, k := t.shape[len(t.shape)-2], t.shape[len(t.shape)-1]

	if len(b.shape) == 2 {
		k2, n := b.shape[0], b.shape[1]
		if k != k2 {
			panic(fmt.Sprintf("cpu: Mulmat inner dim mismatch %v vs %v", t.shape, b.shape))
		}
		batch := numel(t.shape[:len(t.shape)-2])
		outShape := append(append([]int(nil), t.shape[:len(t.shape)-2]...), m, n)
		result := newTensor(outShape, t.dtype, t.device)
		bd := mat.NewDense(k2, n, f32to64(b.data))

		aStride, oStride := m*k, m*n
		for bi := 0; bi < batch; bi++ {
			ad := mat.NewDense(m, k, f32to64(t.data[bi*aStride:(bi+1)*aStride]))
			var res mat.Dense
			res.Mul(ad, bd)
			copy(result.data[bi*oStride:(bi+1)*oStride], f64to32(res.RawMatrix().Data))
		}
		return result
	}

	if !sameShape(t.shape[:len(t.shape)-2], b.shape[:len(b.shape)-2]) {
		panic(fmt.Sprintf("cpu: Mulmat batch dims mismatch %v vs %v", t.shape, b.shape))
	}
	k2, n := b.shape[len(b.shape)-2], b.shape[len(b.shape)-1]
	if k != k2 {
		panic(fmt.Sprintf("cpu: Mulmat inner dim mismatch %v vs %v", t.shape, b.shape))
	}
	batch := numel(t.shape[:len(t.shape)-2])
	outShape := append(append([]int(nil), t.shape[:len(t.shape)-2]...), m, n)
	result := newTensor(outShape, t.dtype, t.device)

	aStride, bStride, oStride := m*k, k2*n, m*n
	for bi := 0; bi < batch; bi++ {
		ad := mat.NewDense(m, k, f32to64(t.data[bi*aStride:(bi+1)*aStride]))
		bd := mat.NewDense(k2, n, f32to64(b.data[bi*bStride:(bi+1)*bStride]))
		var res mat.Dense
		res.Mul(ad, bd)
		copy(result.data[bi*oStride:(bi+1)*oStride], f64to32(res.RawMatrix().Data))
	}
	return result
}

func f32to64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func f64to32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// Softmax normalizes along the last dimension.
func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	last := t.shape[len(t.shape)-1]
	rows := numel(t.shape) / last
	out := newTensor(t.shape, t.dtype, t.device)
	for r := 0; r < rows; r++ {
		row := t.data[r*last : (r+1)*last]
		orow := out.data[r*last : (r+1)*last]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		// A row that is entirely -Inf (every key masked out, e.g. a
		// causal-masked query attending against a key shard that lies
		// wholly in its future) has no well-defined distribution;
		// exp(-Inf - -Inf) is NaN, not 0, so the naive softmax would
		// poison the row. Treat it as contributing nothing: leave it
		// zero rather than propagate NaN into the attention output.
		if math.IsInf(float64(max), -1) {
			continue
		}
		var sum float32
		for i, v := range row {
			e := expf32(v - max)
			orow[i] = e
			sum += e
		}
		for i := range orow {
			orow[i] /= sum
		}
	}
	return out
}

// RMSNorm normalizes each row along the last dimension by its root-mean-
// square and scales by weight, a 1D tensor matching the last dimension.
func (t *Tensor) RMSNorm(ctx ml.Context, weight ml.Tensor, eps float32) ml.Tensor {
	w := weight.(*Tensor)
	last := t.shape[len(t.shape)-1]
	if len(w.data) != last {
		panic(fmt.Sprintf("cpu: RMSNorm weight len %d != last dim %d", len(w.data), last))
	}
	rows := numel(t.shape) / last
	out := newTensor(t.shape, t.dtype, t.device)
	for r := 0; r < rows; r++ {
		row := t.data[r*last : (r+1)*last]
		orow := out.data[r*last : (r+1)*last]
		// RMSNorm's mean-of-squares runs in fp64 via gonum/floats.Dot
		// (floats treats fp32 data as if widened to fp32-precision
		// already converted), matching the "RMSNorm computed in fp32
		// regardless of input dtype" rule even when the tensor's own
		// dtype is a narrower storage format.
		rowF64 := f32to64(row)
		ss := floats.Dot(rowF64, rowF64)
		scale := invsqrtf32(float32(ss)/float32(last) + eps)
		for i, v := range row {
			orow[i] = v * scale * w.data[i]
		}
	}
	return out
}

// SILU applies x * sigmoid(x) elementwise.
func (t *Tensor) SILU(ctx ml.Context) ml.Tensor {
	out := newTensor(t.shape, t.dtype, t.device)
	for i, v := range t.data {
		out.data[i] = v / (1 + expf32(-v))
	}
	return out
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if numel(shape) != len(t.data) {
		panic(fmt.Sprintf("cpu: Reshape element count mismatch %v -> %v", t.shape, shape))
	}
	out := &Tensor{data: t.data, shape: append([]int(nil), shape...), dtype: t.dtype, device: t.device}
	return out
}

// Permute reorders dimensions according to order, materializing a
// contiguous copy (this backend never represents strided views).
func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) != len(t.shape) {
		panic("cpu: Permute order length mismatch")
	}
	newShape := make([]int, len(order))
	for i, o := range order {
		newShape[i] = t.shape[o]
	}
	out := newTensor(newShape, t.dtype, t.device)

	oldStrides := strides(t.shape)
	newStrides := strides(newShape)
	idx := make([]int, len(t.shape))
	for flat := 0; flat < len(t.data); flat++ {
		rem := flat
		for d := 0; d < len(t.shape); d++ {
			idx[d] = rem / oldStrides[d]
			rem %= oldStrides[d]
		}
		var newFlat int
		for d, o := range order {
			newFlat += idx[o] * newStrides[d]
		}
		out.data[newFlat] = t.data[flat]
	}
	return out
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	out := newTensor(t.shape, t.dtype, t.device)
	copy(out.data, t.data)
	return out
}

// Concat joins the receiver and t2 along dim. Both tensors must share every
// other dimension — used to rejoin per-device attention chunks along the
// sequence axis (spec.md §4.4).
func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	b := t2.(*Tensor)
	if len(t.shape) != len(b.shape) {
		panic("cpu: Concat rank mismatch")
	}
	outShape := append([]int(nil), t.shape...)
	outShape[dim] = t.shape[dim] + b.shape[dim]
	out := newTensor(outShape, t.dtype, t.device)

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.shape[i]
	}
	innerT := numel(t.shape[dim:])
	innerB := numel(b.shape[dim:])
	innerOut := innerT + innerB
	for o := 0; o < outer; o++ {
		copy(out.data[o*innerOut:o*innerOut+innerT], t.data[o*innerT:(o+1)*innerT])
		copy(out.data[o*innerOut+innerT:o*innerOut+innerOut], b.data[o*innerB:(o+1)*innerB])
	}
	return out
}

// Slice returns the half-open range [low, high) along dim, copied into a
// new contiguous tensor. Used to chunk the sequence axis across devices
// and to split fused QKV/gate-up projections.
func (t *Tensor) Slice(ctx ml.Context, dim, low, high int) ml.Tensor {
	outShape := append([]int(nil), t.shape...)
	outShape[dim] = high - low
	out := newTensor(outShape, t.dtype, t.device)

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.shape[i]
	}
	innerFull := numel(t.shape[dim:])
	dimSize := t.shape[dim]
	trailing := innerFull / dimSize
	innerOut := (high - low) * trailing

	for o := 0; o < outer; o++ {
		src := t.data[o*innerFull+low*trailing : o*innerFull+high*trailing]
		copy(out.data[o*innerOut:(o+1)*innerOut], src)
	}
	return out
}

func expf32(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

func invsqrtf32(x float32) float32 {
	return float32(1 / math.Sqrt(float64(x)))
}
