package sequence

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ollama/llamaserve/sample"
)

func newTestSequence(t *testing.T, stop StopConfig) *Sequence {
	t.Helper()
	sampler := sample.New(sample.Params{Temperature: 0})
	return New(uuid.New(), []int32{1, 2, 3}, stop, sampler, nil)
}

func TestTokenMonotonicity(t *testing.T) {
	s := newTestSequence(t, StopConfig{})
	before := len(s.Tokens)
	s.Append(4, "x")
	require.Equal(t, before+1, len(s.Tokens))
	require.Equal(t, int32(4), s.Tokens[len(s.Tokens)-1])
}

func TestFinishIsIdempotent(t *testing.T) {
	s := newTestSequence(t, StopConfig{})
	s.Finish(ReasonEOS)
	require.Equal(t, StateFinished, s.State)
	require.Equal(t, ReasonEOS, s.FinishReason)

	s.Finish(ReasonMaxLength)
	require.Equal(t, ReasonEOS, s.FinishReason, "Finish must not re-enter once Finished")
}

// TestStopPriority covers the documented priority order: Eos > StopTokenId
// > StopString > MaxLength.
func TestStopPriority(t *testing.T) {
	stop := StopConfig{
		EOSTokenID:   9,
		StopTokenIDs: []int32{9, 10},
		StopStrings:  []string{"END"},
		MaxNewTokens: 1,
	}
	s := newTestSequence(t, stop)
	s.Append(10, "")
	reason, stopped := s.CheckStop(9)
	require.True(t, stopped)
	require.Equal(t, ReasonEOS, reason)
}

func TestStopTokenIDBeatsStopString(t *testing.T) {
	stop := StopConfig{
		StopTokenIDs: []int32{10},
		StopStrings:  []string{"hi"},
	}
	s := newTestSequence(t, stop)
	s.Append(10, "hi")
	reason, stopped := s.CheckStop(10)
	require.True(t, stopped)
	require.Equal(t, ReasonStopTokenID, reason)
}

func TestStopStringBeatsMaxLength(t *testing.T) {
	stop := StopConfig{
		StopStrings:  []string{"END"},
		MaxNewTokens: 1,
	}
	s := newTestSequence(t, stop)
	s.Append(99, "the END")
	reason, stopped := s.CheckStop(99)
	require.True(t, stopped)
	require.Equal(t, ReasonStopString, reason)
}

// TestStopStringTruncationExclusive covers scenario S4 and Open Question
// (b): the matched stop string is removed from the returned text.
func TestStopStringTruncationExclusive(t *testing.T) {
	stop := StopConfig{StopStrings: []string{"END"}}
	s := newTestSequence(t, stop)
	s.Append(1, "...END now")
	reason, stopped := s.CheckStop(1)
	require.True(t, stopped)
	require.Equal(t, ReasonStopString, reason)
	require.Equal(t, "...", s.TruncatedText())
}

func TestMaxSeqLenStops(t *testing.T) {
	stop := StopConfig{MaxSeqLen: 4}
	s := newTestSequence(t, stop)
	s.Append(5, "x")
	reason, stopped := s.CheckStop(5)
	require.True(t, stopped)
	require.Equal(t, ReasonMaxLength, reason)
}

func TestNoStopContinuesRunning(t *testing.T) {
	s := newTestSequence(t, StopConfig{EOSTokenID: 999})
	s.Append(1, "x")
	_, stopped := s.CheckStop(1)
	require.False(t, stopped)
}
