package engine

import (
	"github.com/google/uuid"

	"github.com/ollama/llamaserve/pipeline"
	"github.com/ollama/llamaserve/sample"
	"github.com/ollama/llamaserve/sequence"
)

// RequestType distinguishes the two response shapes spec.md §6 names:
// Chat requests get Chunk/Done, Completion requests get CompletionChunk/
// CompletionDone. The underlying generation loop is identical; only the
// response variant differs.
type RequestType int

const (
	RequestChat RequestType = iota
	RequestCompletion
)

// Request is what a producer submits to Engine.Submit: a prompt (already
// tokenized or still raw text, never both at once — the engine tokenizes
// Prompt via the Pipeline when it admits a request whose Tokens is nil),
// sampling
// configuration, and a response sink.
type Request struct {
	ID uuid.UUID

	Prompt string
	Tokens []int32

	Messages []pipeline.ChatMessage

	SamplingParams sample.Params
	Stop           sequence.StopConfig

	ReturnLogprobs bool
	Streaming      bool
	Constraint     sample.Constraint

	Type RequestType

	// Response is the sink Engine sends every Response for this request
	// to. Closing it from the producer side signals cancellation
	// (spec.md §4.1's dead-sink detection); the engine only ever sends
	// on it and detects a closed sink by recovering the panic that send
	// raises, never by receiving from it.
	Response chan Response
}

// ResponseKind tags which field of Response is populated.
type ResponseKind int

const (
	KindChunk ResponseKind = iota
	KindDone
	KindCompletionChunk
	KindCompletionDone
	KindModelError
	KindValidationError
	KindInternalError
)

// Usage reports token accounting for a terminal Done/CompletionDone
// response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is the tagged union spec.md §6 describes, flattened into one
// struct with a Kind discriminant rather than a Go interface, so a
// producer can switch on Kind without a type assertion per variant.
type Response struct {
	Kind ResponseKind

	RequestID uuid.UUID

	// Chunk / CompletionChunk fields.
	DeltaText   string
	DeltaTokens []int32
	Logprobs    *sample.Logprobs

	// Done / CompletionDone fields.
	FullText   string
	Tokens     []int32
	StopReason sequence.FinishReason
	Usage      Usage

	// Error fields, populated on KindModelError/KindValidationError/
	// KindInternalError.
	Message string
	Partial string
}
