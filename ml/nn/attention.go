package nn

import (
	"math"

	"github.com/ollama/llamaserve/ml"
)

// Accumulator runs grouped-query causal self-attention for one query chunk
// against however many key/value blocks a caller feeds it, one block at a
// time, via repeated calls to Add. Blocks are combined with the running
// max/sum rescaling tiled ("flash") attention needs: each block's own
// softmax weights are only ever provisional, rescaled against every other
// block's weights as they arrive, so the final Finalize call returns
// exactly the same result a single joint softmax over the whole key range
// would — independent of how that range was split into blocks, what order
// they arrived in, or how many there were. model/llama's multi-device
// chunked attention (spec.md §4.4) builds one Accumulator per query chunk
// and calls Add once per cache shard it rotates through; a single-device,
// single-block caller gets the same answer a plain one-shot attention call
// would, through the same code path.
//
// query has shape [seqLen, numHeads, headDim]. Each block passed to Add
// has shape [blockLen, numKVHeads, headDim]; numHeads must be a multiple
// of numKVHeads, with each group of numHeads/numKVHeads query heads
// attending against one KV head. queryPositions and keyPositions give the
// absolute sequence position of each row, so a query never attends to a
// key whose position comes after its own.
type Accumulator struct {
	seqLen, numHeads, headDim int
	queryPositions             []int32
	query                      ml.Tensor // [numHeads, seqLen, headDim]
	scale                      float64

	runningMax []float32 // seqLen*numHeads; -Inf until a block touches that row
	runningSum []float32 // seqLen*numHeads
	acc        []float32 // seqLen*numHeads*headDim, unnormalized
}

// NewAccumulator starts an accumulation for query against whatever blocks
// are later passed to Add.
func NewAccumulator(ctx ml.Context, query ml.Tensor, queryPositions []int32) *Accumulator {
	seqLen := query.Dim(0)
	numHeads := query.Dim(1)
	headDim := query.Dim(2)
	n := seqLen * numHeads

	runningMax := make([]float32, n)
	for i := range runningMax {
		runningMax[i] = float32(math.Inf(-1))
	}

	return &Accumulator{
		seqLen:         seqLen,
		numHeads:       numHeads,
		headDim:        headDim,
		queryPositions: queryPositions,
		query:          query.Permute(ctx, 1, 0, 2),
		scale:          1.0 / math.Sqrt(float64(headDim)),
		runningMax:     runningMax,
		runningSum:     make([]float32, n),
		acc:            make([]float32, n*headDim),
	}
}

// Add folds one key/value block into the running accumulation.
func (a *Accumulator) Add(ctx ml.Context, key, value ml.Tensor, keyPositions []int32) {
	blockLen := key.Dim(0)
	numKVHeads := key.Dim(1)
	group := a.numHeads / numKVHeads

	k := key.Permute(ctx, 1, 0, 2)   // [numKVHeads, blockLen, headDim]
	v := value.Permute(ctx, 1, 0, 2) // [numKVHeads, blockLen, headDim]

	for h := 0; h < a.numHeads; h++ {
		kvh := h / group
		qh := a.query.Slice(ctx, 0, h, h+1).Reshape(ctx, a.seqLen, a.headDim)
		kh := k.Slice(ctx, 0, kvh, kvh+1).Reshape(ctx, blockLen, a.headDim)
		vh := v.Slice(ctx, 0, kvh, kvh+1).Reshape(ctx, blockLen, a.headDim)

		scores := qh.Mulmat(ctx, kh.Permute(ctx, 1, 0)) // [seqLen, blockLen]
		scores = scores.Scale(ctx, a.scale)
		scores = applyCausalMask(ctx, scores, a.queryPositions, keyPositions)

		scoreData := scores.Floats()
		vData := vh.Floats()

		for s := 0; s < a.seqLen; s++ {
			row := scoreData[s*blockLen : (s+1)*blockLen]

			blockMax := float32(math.Inf(-1))
			any := false
			for _, sc := range row {
				if !math.IsInf(float64(sc), -1) {
					any = true
					if sc > blockMax {
						blockMax = sc
					}
				}
			}
			if !any {
				continue
			}

			idx := s*a.numHeads + h
			newMax := a.runningMax[idx]
			if blockMax > newMax {
				newMax = blockMax
			}

			var correction float32
			if math.IsInf(float64(a.runningMax[idx]), -1) {
				correction = 0
			} else {
				correction = expf32(a.runningMax[idx] - newMax)
			}

			accBase := idx * a.headDim
			for d := 0; d < a.headDim; d++ {
				a.acc[accBase+d] *= correction
			}

			var blockSum float32
			for j, sc := range row {
				if math.IsInf(float64(sc), -1) {
					continue
				}
				w := expf32(sc - newMax)
				blockSum += w
				vrow := vData[j*a.headDim : (j+1)*a.headDim]
				for d := 0; d < a.headDim; d++ {
					a.acc[accBase+d] += w * vrow[d]
				}
			}

			a.runningSum[idx] = a.runningSum[idx]*correction + blockSum
			a.runningMax[idx] = newMax
		}
	}
}

// Finalize normalizes the accumulated output by its running sum and
// returns it as a [seqLen, numHeads, headDim] tensor. A row that never saw
// a valid key across any block (every block's keys lay entirely in that
// row's future) comes back zero.
func (a *Accumulator) Finalize(ctx ml.Context, dtype ml.DType) ml.Tensor {
	out := ctx.Empty(dtype, a.seqLen, a.numHeads, a.headDim)
	dst := out.Floats()
	for s := 0; s < a.seqLen; s++ {
		for h := 0; h < a.numHeads; h++ {
			idx := s*a.numHeads + h
			sum := a.runningSum[idx]
			if sum == 0 {
				continue
			}
			base := idx * a.headDim
			for d := 0; d < a.headDim; d++ {
				dst[base+d] = a.acc[base+d] / sum
			}
		}
	}
	return out
}

func expf32(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// applyCausalMask adds -inf to every (query, key) pair whose key's absolute
// position is later than the query's, so a query never attends to a key
// that comes after it in the sequence.
func applyCausalMask(ctx ml.Context, scores ml.Tensor, queryPositions, keyPositions []int32) ml.Tensor {
	seqLen := len(queryPositions)
	pastLen := len(keyPositions)
	data := scores.Floats()
	for i := 0; i < seqLen; i++ {
		row := data[i*pastLen : (i+1)*pastLen]
		for j := 0; j < pastLen; j++ {
			if keyPositions[j] > queryPositions[i] {
				row[j] = float32(math.Inf(-1))
			}
		}
	}
	return scores
}
