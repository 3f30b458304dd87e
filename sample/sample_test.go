package sample

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSampleEmptyLogits(t *testing.T) {
	s := New(Params{})
	_, err := s.Sample(nil, nil)
	require.ErrorIs(t, err, ErrEmptyLogits)
}

// TestGreedyDeterminism covers property 4: temperature 0 always selects
// the argmax, regardless of the rng seed.
func TestGreedyDeterminism(t *testing.T) {
	logits := []float32{0.1, 5.0, -2.0, 3.0}
	for _, seed := range []uint64{0, 1, 42} {
		s := New(Params{Temperature: 0, Seed: seed})
		lp, err := s.Sample(logits, nil)
		require.NoError(t, err)
		require.Equal(t, int32(1), lp.Token)
	}
}

func TestLogitBiasShiftsArgmax(t *testing.T) {
	logits := []float32{0.1, 5.0, -2.0, 3.0}
	s := New(Params{Temperature: 0, LogitBias: map[int32]float32{2: 100}})
	lp, err := s.Sample(logits, nil)
	require.NoError(t, err)
	require.Equal(t, int32(2), lp.Token)
}

// TestConstraintForcesToken covers scenario S3: a constraint allowing only
// one token id always produces that token.
func TestConstraintForcesToken(t *testing.T) {
	logits := []float32{5.0, 0.1, 0.1, 0.1}
	allowOnly := allowlist{17: true}
	logits = append(logits, make([]float32, 14)...) // widen past id 17
	s := New(Params{Temperature: 0.8, TopK: 0, TopP: 1, Constraint: allowOnly, Seed: 7})
	for i := 0; i < 20; i++ {
		lp, err := s.Sample(logits, nil)
		require.NoError(t, err)
		require.Equal(t, int32(17), lp.Token)
	}
}

type allowlist map[int32]bool

func (a allowlist) Allowed(tokenID int32, _ []int32) bool { return a[tokenID] }
func (a allowlist) Advance(int32)                         {}

func TestPenaltyReducesRepeatedTokenLikelihood(t *testing.T) {
	logits := []float32{2.0, 2.0, 2.0}
	s := New(Params{Temperature: 0, FrequencyPenalty: 1.0})
	history := []int32{0, 0, 0}
	lp, err := s.Sample(logits, history)
	require.NoError(t, err)
	require.NotEqual(t, int32(0), lp.Token)
}

func TestTopKNarrowsCandidates(t *testing.T) {
	logits := make([]float32, 10)
	for i := range logits {
		logits[i] = float32(i)
	}
	s := New(Params{Temperature: 1.0, TopK: 1, TopP: 1, Seed: 3})
	lp, err := s.Sample(logits, nil)
	require.NoError(t, err)
	require.Equal(t, int32(9), lp.Token)
}

func TestRecordUsesOriginalLogitsForLogprob(t *testing.T) {
	logits := []float32{1.0, 1.0, 1.0}
	s := New(Params{Temperature: 0, FrequencyPenalty: 5.0, TopNLogprobs: 3})
	history := []int32{0, 0, 0, 0}
	lp, err := s.Sample(logits, history)
	require.NoError(t, err)
	require.Len(t, lp.Top, 3)
	// With uniform original logits, every reported logprob should be the
	// same (log(1/3)), regardless of which token the penalty pushed the
	// sampler toward.
	want := math.Log(1.0 / 3.0)
	for _, tl := range lp.Top {
		require.InDelta(t, want, tl.Logprob, 1e-6)
	}
}
