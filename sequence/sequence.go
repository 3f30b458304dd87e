// Package sequence holds one request's mutable generation state: its
// token buffer, stop conditions, sampler, and response sink, plus the
// Waiting → Running → Finished(reason) state machine spec.md §4.6
// describes. Grounded on the teacher's runner/ollamarunner Sequence
// struct and NewSequenceParams, trimmed to the fields this module's
// engine and scheduler actually consult; continuation/embedding/
// multimodal fields the teacher carries have no equivalent here since
// vision input is out of scope.
package sequence

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ollama/llamaserve/sample"
)

// State is a sequence's place in the Waiting → Running → Finished state
// machine. Transitions are monotonic; there is no re-entry.
type State int

const (
	StateWaiting State = iota
	StateRunning
	StateFinished
)

// FinishReason classifies why a Finished sequence stopped, in the
// priority order CheckStop applies when more than one condition fires at
// the same position: Eos > StopTokenID > StopString > MaxLength.
type FinishReason int

const (
	ReasonNone FinishReason = iota
	ReasonEOS
	ReasonStopTokenID
	ReasonStopString
	ReasonMaxLength
	ReasonModelError
	ReasonCanceled
)

func (r FinishReason) String() string {
	switch r {
	case ReasonEOS:
		return "eos"
	case ReasonStopTokenID:
		return "stop_token_id"
	case ReasonStopString:
		return "stop_string"
	case ReasonMaxLength:
		return "max_length"
	case ReasonModelError:
		return "model_error"
	case ReasonCanceled:
		return "canceled"
	default:
		return "none"
	}
}

// Delta is one increment of generated output, the element type of a
// sequence's Output sink. Done marks the terminal Delta for a sequence
// (property 2, single termination).
type Delta struct {
	Text    string
	Token   int32
	Logprob *sample.Logprobs
	Done    bool
	Reason  FinishReason
}

// StopConfig is the subset of a request's sampling configuration that
// governs termination, separate from sample.Params which governs token
// choice.
type StopConfig struct {
	EOSTokenID   int32
	StopTokenIDs []int32
	StopStrings  []string
	MaxNewTokens int
	MaxSeqLen    int
}

// Sequence is one request's generation state. Tokens is append-only:
// prompt tokens followed by generated tokens, and its length never
// shortens (property 1, token monotonicity).
type Sequence struct {
	ID uuid.UUID

	Tokens    []int32
	PromptLen int

	State        State
	FinishReason FinishReason

	Stop    StopConfig
	Sampler *sample.Sampler

	ReturnLogprobs bool
	Streaming      bool

	// CreatedAt records when the sequence was created. The schedulers
	// order Waiting sequences by the order Add was called, not by this
	// field.
	CreatedAt time.Time

	// decoded accumulates the text form of generated tokens so stop
	// strings can be matched against a suffix, not just a single token.
	decoded string

	// Output is an optional Delta sink. Nothing in this package sends on
	// it, and engine.Engine leaves it nil: the engine reports progress
	// through each Request's own Response channel instead.
	Output chan<- Delta
}

// New starts a sequence in StateWaiting with promptTokens as its initial
// buffer.
func New(id uuid.UUID, promptTokens []int32, stop StopConfig, sampler *sample.Sampler, output chan<- Delta) *Sequence {
	return &Sequence{
		ID:        id,
		Tokens:    append([]int32(nil), promptTokens...),
		PromptLen: len(promptTokens),
		State:     StateWaiting,
		Stop:      stop,
		Sampler:   sampler,
		CreatedAt: time.Now(),
		Output:    output,
	}
}

// NumGenerated returns how many tokens beyond the prompt have been
// produced so far.
func (s *Sequence) NumGenerated() int {
	return len(s.Tokens) - s.PromptLen
}

// Append adds one generated token and its decoded text to the buffer.
// Callers must not call Append after the sequence has reached
// StateFinished (property 1 would be violated: the buffer never shrinks,
// but it also never grows again once terminal).
func (s *Sequence) Append(token int32, text string) {
	s.Tokens = append(s.Tokens, token)
	s.decoded += text
}

// CheckStop evaluates every stop condition against the just-appended
// token and returns the reason that fired, in priority order. It does not
// mutate state; callers call Finish separately once they've decided to
// act on the result.
func (s *Sequence) CheckStop(token int32) (FinishReason, bool) {
	if token == s.Stop.EOSTokenID {
		return ReasonEOS, true
	}
	for _, id := range s.Stop.StopTokenIDs {
		if token == id {
			return ReasonStopTokenID, true
		}
	}
	for _, stop := range s.Stop.StopStrings {
		if stop != "" && strings.Contains(s.decoded, stop) {
			return ReasonStopString, true
		}
	}
	if s.Stop.MaxNewTokens > 0 && s.NumGenerated() >= s.Stop.MaxNewTokens {
		return ReasonMaxLength, true
	}
	if s.Stop.MaxSeqLen > 0 && len(s.Tokens) >= s.Stop.MaxSeqLen {
		return ReasonMaxLength, true
	}
	return ReasonNone, false
}

// TruncatedText returns the sequence's decoded text with any matched stop
// string removed. Truncation is exclusive (Open Question (b)): the stop
// string itself is cut from the returned text, matching the common
// OpenAI-compatible `stop` semantics the teacher's runner/common
// TruncateStop follows.
func (s *Sequence) TruncatedText() string {
	text := s.decoded
	cut := len(text)
	for _, stop := range s.Stop.StopStrings {
		if stop == "" {
			continue
		}
		if i := strings.Index(text, stop); i >= 0 && i < cut {
			cut = i
		}
	}
	return text[:cut]
}

// Finish transitions the sequence to StateFinished with reason. Calling
// Finish on an already-Finished sequence is a no-op, enforcing the
// "no re-entry" rule.
func (s *Sequence) Finish(reason FinishReason) {
	if s.State == StateFinished {
		return
	}
	s.State = StateFinished
	s.FinishReason = reason
}
