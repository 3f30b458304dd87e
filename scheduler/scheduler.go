// Package scheduler selects which sequences run in the next forward-pass
// step and in which mode (Prompt or Decode), grounded on
// runner/ollamarunner's batch admission loop (runner_batch.go's
// forwardBatch building batchState.seqs from s.seqs each tick) and
// spec.md §4.2's two named policies.
package scheduler

import (
	"github.com/google/uuid"

	"github.com/ollama/llamaserve/sequence"
)

// Mode is whether a step processes fresh prompt tokens or one decode step
// per sequence. The scheduler never mixes modes within one step.
type Mode int

const (
	ModePrompt Mode = iota
	ModeDecode
)

// Step is one batch to run: every sequence in Sequences is stepped in the
// same Mode.
type Step struct {
	Mode      Mode
	Sequences []*sequence.Sequence
}

// Scheduler is the interface both admission policies implement, so the
// engine is policy-agnostic the way runner.Server is agnostic to cache
// variant in the teacher.
type Scheduler interface {
	// Add admits seq as Waiting.
	Add(seq *sequence.Sequence)

	// NextStep admits Waiting sequences as its policy allows and returns
	// the next batch to run. ok is false when nothing is runnable (the
	// scheduler holds no unfinished sequence) — the engine then blocks on
	// its request channel instead of spinning.
	NextStep() (Step, bool)

	// Retire removes a sequence from the scheduler, whether admitted or
	// still waiting. Retiring an id the scheduler does not hold is a no-op.
	Retire(id uuid.UUID)
}

func runnable(seqs []*sequence.Sequence) []*sequence.Sequence {
	out := seqs[:0]
	for _, s := range seqs {
		if s.State != sequence.StateFinished {
			out = append(out, s)
		}
	}
	return out
}

func isPrompt(s *sequence.Sequence) bool {
	return s.NumGenerated() == 0
}
