// Package sample turns one sequence's logit row into a chosen token,
// grounded on the teacher's llama.SamplingContext/SamplingParams (cgo
// wrapper around llama.cpp's common_sampler) and the Sampler it's wired to
// from runner_handlers.go's completion handler — reimplemented in pure Go
// since this module carries no cgo dependency.
package sample

import (
	"errors"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// ErrEmptyLogits is returned when Sample is called with a zero-length
// logits row.
var ErrEmptyLogits = errors.New("sample: logits row is empty")

// Constraint restricts which tokens may be sampled at a given step, the
// external collaborator spec.md §6 describes (grammar/JSON-schema
// constrained decoding implementations live outside this module).
type Constraint interface {
	Allowed(tokenID int32, history []int32) bool
	Advance(tokenID int32)
}

// TokenLogprob is one entry of a Logprobs record's top-n list.
type TokenLogprob struct {
	Token   int32
	Logprob float64
}

// Logprobs is what Sample returns: the chosen token and, if requested, the
// log-probabilities of the top candidates it was chosen among.
type Logprobs struct {
	Token   int32
	Logprob float64
	Top     []TokenLogprob
}

// Params mirrors the teacher's SamplingParams (llama/llama_sampling.go),
// trimmed to the fields spec.md §4.5 names and renamed to the OpenAI-style
// vocabulary the rest of this module uses.
type Params struct {
	Temperature       float32
	TopK              int
	TopP              float32
	FrequencyPenalty  float32
	PresencePenalty   float32
	TopNLogprobs      int
	LogitBias         map[int32]float32
	Constraint        Constraint
	Seed              uint64
}

// Sampler applies one Params configuration across however many steps a
// sequence runs for, carrying its own random source so repeated sampling
// with the same seed is reproducible (property 4, greedy determinism,
// needs no randomness at all since Temperature=0 short-circuits to
// argmax).
type Sampler struct {
	params Params
	rng    *rand.Rand
}

// New builds a Sampler from params, the way runner_handlers.go's
// sample.NewSampler(temperature, topK, topP, minP, seed, grammar) call
// builds one per request.
func New(params Params) *Sampler {
	return &Sampler{params: params, rng: rand.New(rand.NewSource(int64(params.Seed)))}
}

// Sample runs the full pipeline spec.md §4.5 specifies in order: logit
// bias, repetition/presence penalties, constraint mask, temperature,
// top-k, top-p, multinomial draw, logprob recording.
func (s *Sampler) Sample(logits []float32, history []int32) (Logprobs, error) {
	if len(logits) == 0 {
		return Logprobs{}, ErrEmptyLogits
	}
	work := append([]float32(nil), logits...)

	s.applyLogitBias(work)
	s.applyPenalties(work, history)
	s.applyConstraint(work, history)

	if s.params.Temperature <= 0 {
		token := argmax(work)
		return s.record(logits, token), nil
	}

	for i := range work {
		work[i] /= s.params.Temperature
	}

	s.applyTopK(work)
	token := s.applyTopPAndSample(work)
	return s.record(logits, token), nil
}

func (s *Sampler) applyLogitBias(work []float32) {
	for id, bias := range s.params.LogitBias {
		if int(id) >= 0 && int(id) < len(work) {
			work[id] += bias
		}
	}
}

// applyPenalties penalizes every token that already appears in history by
// the factor 1 + FrequencyPenalty*count + PresencePenalty. Following the
// teacher's llama.cpp-style repetition penalty (common_sampler's
// penalty_repeat), the factor is applied as division when the logit is
// positive and multiplication when it is negative, so the penalty never
// changes a logit's sign. A factor of zero or less leaves the logit as is.
func (s *Sampler) applyPenalties(work []float32, history []int32) {
	if s.params.FrequencyPenalty == 0 && s.params.PresencePenalty == 0 {
		return
	}
	counts := make(map[int32]int, len(history))
	for _, id := range history {
		counts[id]++
	}
	for id, count := range counts {
		if int(id) < 0 || int(id) >= len(work) {
			continue
		}
		penalty := float32(1) + s.params.FrequencyPenalty*float32(count)
		if count > 0 {
			penalty += s.params.PresencePenalty
		}
		if penalty <= 0 {
			continue
		}
		if work[id] > 0 {
			work[id] /= penalty
		} else {
			work[id] *= penalty
		}
	}
}

func (s *Sampler) applyConstraint(work []float32, history []int32) {
	if s.params.Constraint == nil {
		return
	}
	for id := range work {
		if !s.params.Constraint.Allowed(int32(id), history) {
			work[id] = float32(math.Inf(-1))
		}
	}
}

func (s *Sampler) applyTopK(work []float32) {
	k := s.params.TopK
	if k <= 0 || k >= len(work) {
		return
	}
	sorted := append([]float32(nil), work...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	threshold := sorted[k-1]
	for i, v := range work {
		if v < threshold {
			work[i] = float32(math.Inf(-1))
		}
	}
}

// candidate pairs a vocabulary id with its (post logit-bias/penalty/mask/
// temperature/top-k) logit, used while narrowing to the top-p prefix.
type candidate struct {
	id    int32
	logit float32
}

// applyTopPAndSample sorts descending, keeps the smallest prefix whose
// cumulative softmax probability is at least TopP, renormalizes, and
// draws one token multinomially from what remains.
func (s *Sampler) applyTopPAndSample(work []float32) int32 {
	cands := make([]candidate, 0, len(work))
	for i, v := range work {
		if !math.IsInf(float64(v), -1) {
			cands = append(cands, candidate{int32(i), v})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].logit > cands[j].logit })

	logitsOnly := make([]float32, len(cands))
	for i, c := range cands {
		logitsOnly[i] = c.logit
	}
	probs := softmax1D(logitsOnly)

	// The smallest top-p prefix is found via gonum/floats.CumSum rather
	// than a hand-rolled running total, the same library the ml/cpu
	// backend's RMSNorm leans on for its own reduction.
	probsF64 := f32to64Sample(probs)
	cumsum := make([]float64, len(probsF64))
	floats.CumSum(cumsum, probsF64)

	p := s.params.TopP
	if p <= 0 || p >= 1 {
		p = 1
	}
	cut := len(probs)
	for i, cum := range cumsum {
		if cum >= float64(p) {
			cut = i + 1
			break
		}
	}
	cands = cands[:cut]
	probs = probs[:cut]

	var sum float32
	for _, pr := range probs {
		sum += pr
	}
	r := s.rng.Float32() * sum
	var acc float32
	for i, pr := range probs {
		acc += pr
		if r <= acc {
			return cands[i].id
		}
	}
	return cands[len(cands)-1].id
}

func f32to64Sample(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func softmax1D(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	out := make([]float32, len(logits))
	var sum float32
	for i, v := range logits {
		e := float32(math.Exp(float64(v - max)))
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func argmax(logits []float32) int32 {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return int32(best)
}

// record builds the Logprobs result from the ORIGINAL (pre-penalty,
// pre-mask) logits, so a penalized-away token's reported probability still
// reflects what the model actually assigned it.
func (s *Sampler) record(originalLogits []float32, token int32) Logprobs {
	probs := softmax1D(originalLogits)
	result := Logprobs{Token: token, Logprob: math.Log(float64(probs[token]))}

	if s.params.TopNLogprobs > 0 {
		type pair struct {
			id int32
			p  float32
		}
		pairs := make([]pair, len(probs))
		for i, p := range probs {
			pairs[i] = pair{int32(i), p}
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].p > pairs[j].p })
		n := s.params.TopNLogprobs
		if n > len(pairs) {
			n = len(pairs)
		}
		result.Top = make([]TokenLogprob, n)
		for i := 0; i < n; i++ {
			result.Top[i] = TokenLogprob{Token: pairs[i].id, Logprob: math.Log(float64(pairs[i].p))}
		}
	}
	return result
}
