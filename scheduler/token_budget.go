package scheduler

import (
	"github.com/google/uuid"

	"github.com/ollama/llamaserve/sequence"
)

// TokenBudget admits Waiting sequences in FIFO order until the sum of
// their padded prompt lengths (a Prompt step) or their count (a Decode
// step) reaches Budget, spec.md §4.2's token-budget policy.
type TokenBudget struct {
	Budget int

	waiting  []*sequence.Sequence
	admitted []*sequence.Sequence
}

// NewTokenBudget constructs a TokenBudget scheduler with the given
// per-step token budget.
func NewTokenBudget(budget int) *TokenBudget {
	if budget < 1 {
		budget = 1
	}
	return &TokenBudget{Budget: budget}
}

func (t *TokenBudget) Add(seq *sequence.Sequence) {
	t.waiting = append(t.waiting, seq)
}

func (t *TokenBudget) NextStep() (Step, bool) {
	t.admitted = runnable(t.admitted)

	// A step already in flight for previously-admitted decode sequences
	// takes priority over admitting more prompt work, matching the
	// fixed-batch policy's prompt/decode alternation in spirit: existing
	// work always finishes before new work starts.
	if len(t.admitted) > 0 && !isPrompt(t.admitted[0]) {
		return Step{Mode: ModeDecode, Sequences: t.admitted}, true
	}

	budget := t.Budget
	for budget > 0 && len(t.waiting) > 0 {
		seq := t.waiting[0]
		cost := max(len(seq.Tokens), 1)
		if len(t.admitted) > 0 && cost > budget {
			break
		}
		t.waiting = t.waiting[1:]
		seq.State = sequence.StateRunning
		t.admitted = append(t.admitted, seq)
		budget -= cost
	}

	if len(t.admitted) == 0 {
		return Step{}, false
	}

	if isPrompt(t.admitted[0]) {
		return Step{Mode: ModePrompt, Sequences: t.admitted}, true
	}
	return Step{Mode: ModeDecode, Sequences: t.admitted}, true
}

func (t *TokenBudget) Retire(id uuid.UUID) {
	t.admitted = removeByID(t.admitted, id)
	t.waiting = removeByID(t.waiting, id)
}
