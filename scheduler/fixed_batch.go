package scheduler

import (
	"github.com/google/uuid"

	"github.com/ollama/llamaserve/sequence"
)

// FixedBatchSize admits up to BatchSize Waiting sequences at once and
// alternates between Prompt and Decode steps so neither direction starves
// when both are admissible, matching spec.md §4.2's fixed-batch-size
// policy.
type FixedBatchSize struct {
	BatchSize int

	waiting  []*sequence.Sequence
	admitted []*sequence.Sequence
	lastMode Mode
}

// NewFixedBatchSize constructs a FixedBatchSize scheduler with the given
// per-step cap.
func NewFixedBatchSize(batchSize int) *FixedBatchSize {
	if batchSize < 1 {
		batchSize = 1
	}
	return &FixedBatchSize{BatchSize: batchSize, lastMode: ModeDecode}
}

func (f *FixedBatchSize) Add(seq *sequence.Sequence) {
	f.waiting = append(f.waiting, seq)
}

func (f *FixedBatchSize) NextStep() (Step, bool) {
	f.admitted = runnable(f.admitted)

	for len(f.admitted) < f.BatchSize && len(f.waiting) > 0 {
		seq := f.waiting[0]
		f.waiting = f.waiting[1:]
		seq.State = sequence.StateRunning
		f.admitted = append(f.admitted, seq)
	}

	if len(f.admitted) == 0 {
		return Step{}, false
	}

	var prompts, decodes []*sequence.Sequence
	for _, s := range f.admitted {
		if isPrompt(s) {
			prompts = append(prompts, s)
		} else {
			decodes = append(decodes, s)
		}
	}

	// Prompt wins the next step, Decode the one after, preventing
	// starvation of either direction when both are admissible.
	switch {
	case len(prompts) > 0 && len(decodes) > 0:
		if f.lastMode == ModeDecode {
			f.lastMode = ModePrompt
			return Step{Mode: ModePrompt, Sequences: prompts}, true
		}
		f.lastMode = ModeDecode
		return Step{Mode: ModeDecode, Sequences: decodes}, true
	case len(prompts) > 0:
		f.lastMode = ModePrompt
		return Step{Mode: ModePrompt, Sequences: prompts}, true
	default:
		f.lastMode = ModeDecode
		return Step{Mode: ModeDecode, Sequences: decodes}, true
	}
}

func (f *FixedBatchSize) Retire(id uuid.UUID) {
	f.admitted = removeByID(f.admitted, id)
	f.waiting = removeByID(f.waiting, id)
}

func removeByID(seqs []*sequence.Sequence, id uuid.UUID) []*sequence.Sequence {
	out := seqs[:0]
	for _, s := range seqs {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}
