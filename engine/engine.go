// Package engine is the single-threaded event loop spec.md §4.1
// describes: it receives Requests on a channel, drives a scheduler.Scheduler,
// invokes a pipeline.Pipeline, and dispatches Responses back to each
// request's own sink. Grounded on the teacher's runner/ollamarunner
// runner_batch.go (the `run(ctx)` tick loop: drain new sequences, build a
// batch, forward, sample, check stops, emit, retire) and runner_types.go's
// `seqsSem`-bounded admission, generalized from one fixed GGML model to
// this module's pipeline/scheduler abstractions.
package engine

import (
	"context"
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ollama/llamaserve/kvcache"
	"github.com/ollama/llamaserve/ml"
	"github.com/ollama/llamaserve/pipeline"
	"github.com/ollama/llamaserve/sample"
	"github.com/ollama/llamaserve/scheduler"
	"github.com/ollama/llamaserve/sequence"
)

// ErrQueueFull is returned by Submit when the request channel's buffer is
// exhausted; producers should back off rather than block the caller.
var ErrQueueFull = errors.New("engine: request queue full")

// entry is the per-sequence bookkeeping the engine keeps alongside a
// sequence.Sequence: its response sink, cache, and which response variant
// (Chat vs Completion) to emit.
type entry struct {
	req   *Request
	seq   *sequence.Sequence
	cache *kvcache.Cache
}

// Engine is the single-writer worker spec.md §4.1/§5 describe. Every
// field below is touched only from the goroutine running Run, so no
// locking guards sequence state, the scheduler, or KV-caches during a
// step (spec.md §5's single-mutator regime).
type Engine struct {
	pipeline  *pipeline.Pipeline
	scheduler scheduler.Scheduler

	requests chan *Request

	// table is the sequence table: FIFO submission order falls out of
	// map iteration order rather than a parallel slice, the domain-stack
	// role go-ordered-map plays here.
	table *orderedmap.OrderedMap[uuid.UUID, *entry]

	// inflight bounds how many sequences may be admitted at once, the
	// same role the teacher's runner.seqsSem plays against its
	// NumParallel limit.
	inflight *semaphore.Weighted

	maxSeqLen     int
	cacheCapacity int
}

// New constructs an Engine bound to pipeline and sched, accepting up to
// maxInFlight concurrently-admitted sequences and buffering up to
// queueSize pending requests.
func New(p *pipeline.Pipeline, sched scheduler.Scheduler, maxInFlight, queueSize int) *Engine {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Engine{
		pipeline:      p,
		scheduler:     sched,
		requests:      make(chan *Request, queueSize),
		table:         orderedmap.New[uuid.UUID, *entry](),
		inflight:      semaphore.NewWeighted(int64(maxInFlight)),
		maxSeqLen:     p.MaxSeqLen(),
		cacheCapacity: p.MaxSeqLen(),
	}
}

// Submit enqueues req for admission on the engine's next tick. It never
// blocks: a full queue returns ErrQueueFull immediately so a producer can
// apply its own backpressure policy.
func (e *Engine) Submit(req *Request) error {
	select {
	case e.requests <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run is the engine's single goroutine: it loops draining requests,
// asking the scheduler for a step, forwarding, sampling, checking stops,
// emitting responses, and retiring finished sequences, until ctx is
// canceled. A canceled ctx is treated exactly like a fatal pipeline error
// (spec.md §4.1's InternalError propagation): every still-Running
// sequence receives InternalError before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.poison(fmt.Errorf("engine: %w", ctx.Err()))
			return ctx.Err()
		default:
		}

		e.drain(ctx)

		step, ok := e.scheduler.NextStep()
		if !ok {
			select {
			case <-ctx.Done():
				e.poison(fmt.Errorf("engine: %w", ctx.Err()))
				return ctx.Err()
			case req := <-e.requests:
				e.admit(ctx, req)
			}
			continue
		}

		if err := e.step(ctx, step); err != nil {
			e.poison(err)
			return err
		}
	}
}

// drain admits every request currently queued without blocking, step 1 of
// spec.md §4.1's per-tick algorithm.
func (e *Engine) drain(ctx context.Context) {
	for {
		select {
		case req := <-e.requests:
			e.admit(ctx, req)
		default:
			return
		}
	}
}

// admit validates req and, if valid, tokenizes its prompt and hands a new
// Sequence to the scheduler as Waiting. Validation failures are reported
// immediately and never reach the scheduler or the model (spec.md §7's
// ValidationError propagation policy, scenario S6).
func (e *Engine) admit(ctx context.Context, req *Request) {
	tokens := req.Tokens
	if tokens == nil {
		prompt := req.Prompt
		if len(req.Messages) > 0 {
			rendered, err := e.pipeline.ApplyChatTemplate(req.Messages, true)
			if err != nil {
				e.sendValidationError(req, err.Error())
				return
			}
			prompt = rendered
		}
		ids, err := e.pipeline.Tokenize(prompt)
		if err != nil {
			e.sendValidationError(req, err.Error())
			return
		}
		tokens = ids
	}

	if e.maxSeqLen > 0 && len(tokens) > e.maxSeqLen {
		e.sendValidationError(req, fmt.Sprintf("prompt length %d exceeds max_seq_len %d", len(tokens), e.maxSeqLen))
		return
	}

	if !e.inflight.TryAcquire(1) {
		e.sendValidationError(req, "engine: too many in-flight sequences")
		return
	}

	stop := req.Stop
	stop.EOSTokenID = e.pipeline.EOSToken()

	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	params := req.SamplingParams
	if req.Constraint != nil {
		params.Constraint = req.Constraint
	}
	sampler := sample.New(params)

	// Sequence.Output is unused here: Engine emits through the Request's
	// own Response channel directly rather than through a sequence-level
	// Delta sink, so no consumer would ever drain it.
	seq := sequence.New(id, tokens, stop, sampler, nil)
	seq.ReturnLogprobs = req.ReturnLogprobs
	seq.Streaming = req.Streaming

	cache := e.pipeline.NewCache(e.cacheCapacity)

	e.table.Set(id, &entry{req: req, seq: seq, cache: cache})
	e.scheduler.Add(seq)
}

// step runs one forward/sample/stop-check/emit/retire cycle over plan,
// implementing spec.md §4.1's steps 3-7. A ModelError is scoped to the
// offending sequence only (property "Isolation"); it never propagates to
// step's own return value, which is nil for every step.
func (e *Engine) step(ctx context.Context, plan scheduler.Step) error {
	isPrompt := plan.Mode == scheduler.ModePrompt

	for _, seq := range plan.Sequences {
		pair, ok := e.table.Get(seq.ID)
		if !ok {
			continue
		}

		computeCtx := e.pipeline.Backend().Context(ml.DeviceID{ID: 0})
		logits, err := e.pipeline.Forward(computeCtx, []*sequence.Sequence{seq}, []*kvcache.Cache{pair.cache}, isPrompt)
		if err != nil {
			e.fail(pair, err)
			continue
		}

		row := logits.Floats()
		lp, err := seq.Sampler.Sample(row, seq.Tokens)
		if err != nil {
			e.fail(pair, err)
			continue
		}

		text, err := e.pipeline.Detokenize([]int32{lp.Token})
		if err != nil {
			e.fail(pair, err)
			continue
		}

		seq.Append(lp.Token, text)

		if reason, stopped := seq.CheckStop(lp.Token); stopped {
			seq.Finish(reason)
			// A token that only hits the length cap is ordinary output and
			// is delivered as its own chunk before Done; EOS, stop ids and
			// stop strings are not.
			delivered := true
			if reason == sequence.ReasonMaxLength {
				delivered = e.emitChunk(pair, text, &lp)
			}
			if !delivered || !e.emitDone(pair, &lp) {
				seq.FinishReason = sequence.ReasonCanceled
			}
			e.retire(pair)
			continue
		}

		// The dead-sink check happens only at the point of emission
		// (spec.md §4.1's "detects a dead sink on the next emission
		// attempt"): there is no way to non-destructively peek a Go
		// channel for closure without risking stealing a message the
		// producer hasn't read yet, so cancellation surfaces here
		// rather than as a separate pre-check.
		if !e.emitChunk(pair, text, &lp) {
			seq.Finish(sequence.ReasonCanceled)
			e.retire(pair)
		}
	}

	return nil
}

func (e *Engine) retire(pair *entry) {
	e.scheduler.Retire(pair.seq.ID)
	e.table.Delete(pair.seq.ID)
	e.inflight.Release(1)
}

func (e *Engine) fail(pair *entry, err error) {
	pair.seq.Finish(sequence.ReasonModelError)
	e.send(pair, Response{
		Kind:      KindModelError,
		RequestID: pair.seq.ID,
		Message:   err.Error(),
		Partial:   pair.seq.TruncatedText(),
	})
	e.retire(pair)
}

func (e *Engine) emitChunk(pair *entry, text string, lp *sample.Logprobs) bool {
	kind := KindChunk
	if pair.req.Type == RequestCompletion {
		kind = KindCompletionChunk
	}
	var logprobs *sample.Logprobs
	if pair.seq.ReturnLogprobs {
		logprobs = lp
	}
	return e.send(pair, Response{
		Kind:        kind,
		RequestID:   pair.seq.ID,
		DeltaText:   text,
		DeltaTokens: []int32{lp.Token},
		Logprobs:    logprobs,
	})
}

func (e *Engine) emitDone(pair *entry, lp *sample.Logprobs) bool {
	kind := KindDone
	if pair.req.Type == RequestCompletion {
		kind = KindCompletionDone
	}
	return e.send(pair, Response{
		Kind:       kind,
		RequestID:  pair.seq.ID,
		FullText:   pair.seq.TruncatedText(),
		Tokens:     pair.seq.Tokens,
		StopReason: pair.seq.FinishReason,
		Usage: Usage{
			PromptTokens:     pair.seq.PromptLen,
			CompletionTokens: pair.seq.NumGenerated(),
		},
	})
}

func (e *Engine) sendValidationError(req *Request, msg string) {
	defer func() { recover() }()
	select {
	case req.Response <- Response{Kind: KindValidationError, RequestID: req.ID, Message: msg}:
	default:
	}
}

// send delivers resp, blocking while the sink has no room for it (on an
// unbuffered sink, until the producer reads it), so ordering guarantee (a)
// holds and nothing is silently dropped on a full buffer. A producer that closed its sink makes this send panic;
// recover turns that into the dead-sink signal send's bool return
// reports, per spec.md §4.1's "detects a dead sink on the next emission
// attempt".
func (e *Engine) send(pair *entry, resp Response) (delivered bool) {
	delivered = true
	defer func() {
		if recover() != nil {
			delivered = false
		}
	}()
	pair.req.Response <- resp
	return
}

// poison implements the fatal-error path: every still-tracked sequence
// receives one terminal InternalError response, matching property 2
// (single termination) even on the engine's own failure path.
func (e *Engine) poison(err error) {
	for pair := e.table.Oldest(); pair != nil; pair = pair.Next() {
		ent := pair.Value
		ent.seq.Finish(sequence.ReasonCanceled)
		e.send(ent, Response{
			Kind:      KindInternalError,
			RequestID: ent.seq.ID,
			Message:   err.Error(),
		})
	}
}
