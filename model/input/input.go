// Package input defines the batch shape a Model's Forward consumes: one
// flattened set of tokens drawn from possibly many sequences in the same
// step, each tagged with its originating sequence and absolute position
// so attention and cache writes land in the right place.
//
// Not present in the teacher's retrieved package set (model/input is an
// upstream-ollama package this repo's retrieval didn't include); authored
// from the field names runner/ollamarunner/runner_batch.go builds a
// batch.Input/batch.Positions/batch.Sequences/batch.Outputs from.
package input

// Input is one token position contributed by one sequence to a batch.
type Input struct {
	// Token is the vocabulary id. Zero value is a valid token id, so
	// Input is always explicitly constructed, never left zero.
	Token int32
}

// Batch is everything a single Model.Forward call needs across every
// sequence stepped together.
type Batch struct {
	// Inputs holds one token id per batch entry, flattened across
	// sequences in the same order as Positions and Sequences.
	Inputs []int32

	// Positions holds the absolute position (cache past_len at the time
	// this token is appended) of each entry in Inputs.
	Positions []int32

	// Sequences holds the originating sequence ID for each entry in
	// Inputs, so the model knows which KV cache to append to and which
	// device chunk the entry belongs to.
	Sequences []int

	// Outputs lists the indices into Inputs whose final hidden state
	// should be projected through the LM head. Prompt tokens other than
	// the last one are skipped; every decode-step token is included.
	Outputs []int32
}
