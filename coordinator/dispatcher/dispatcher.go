// Package dispatcher implements the agent-turn dispatcher (§4.2): the
// single FIFO queue every component funnels agent invocations through,
// so at most one gateway call is ever in flight and turn ordering is
// deterministic.
package dispatcher

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hrygo/crawd/coordinator/clog"
)

// Kind labels why a turn was submitted, for metrics and logs.
type Kind string

const (
	KindChat     Kind = "chat"
	KindVibe     Kind = "vibe"
	KindPlan     Kind = "plan"
	KindMisalign Kind = "misalign"
	KindCompact  Kind = "compact"
)

// Invocation is a thunk that performs one agent turn. ctx carries the
// turn-scoped logger (coordinator/clog).
type Invocation func(ctx context.Context) ([]string, error)

// Job is one queued invocation plus its bookkeeping.
type Job struct {
	ID   string
	Kind Kind
	Run  Invocation
	done chan Result
}

// Result is delivered to the submitter once a Job finishes.
type Result struct {
	Replies []string
	Err     error
}

// Dispatcher is the single-producer-allowed*, single-consumer FIFO
// queue described in §4.2. Any number of goroutines may call Submit
// concurrently (chat flush, vibe timer, plan nudge, misalignment
// correction, sleep-entry compaction); exactly one goroutine — run —
// drains the queue and executes invocations sequentially.
type Dispatcher struct {
	log      *slog.Logger
	queue    chan *Job
	busy     atomic.Bool
	queued   atomic.Int64
	onResult func(*Job, Result)
}

// New creates a Dispatcher with the given queue capacity. Capacity
// should comfortably exceed any burst the autonomy engine + chat
// batcher could produce between dispatcher slots; it is not a hard
// spec requirement, just a buffer so Submit never blocks ingestion.
func New(log *slog.Logger, capacity int) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if capacity <= 0 {
		capacity = 64
	}
	return &Dispatcher{log: log, queue: make(chan *Job, capacity)}
}

// OnResult registers a callback invoked (on the consumer goroutine,
// after Run completes) with every job's result, success or failure.
// Used by the autonomy engine to react to AgentReply classification
// and by telemetry to record turn latency.
func (d *Dispatcher) OnResult(fn func(*Job, Result)) { d.onResult = fn }

// Busy reports whether a turn is currently executing. The autonomy
// engine reads this to skip nudges that would otherwise queue behind a
// slow chat turn (§4.5).
func (d *Dispatcher) Busy() bool { return d.busy.Load() }

// QueueDepth returns the number of jobs waiting (not counting one
// in flight), for metrics.
func (d *Dispatcher) QueueDepth() int64 { return d.queued.Load() }

// Submit enqueues an invocation. It never blocks the caller on the
// invocation's execution — only on queue capacity, which should not be
// reached in practice. Returns the queued *Job immediately; the result
// arrives asynchronously via OnResult (and, for callers that need to
// wait, via Wait).
func (d *Dispatcher) Submit(kind Kind, run Invocation) *Job {
	j := &Job{ID: uuid.NewString(), Kind: kind, Run: run, done: make(chan Result, 1)}
	d.queued.Add(1)
	d.queue <- j
	return j
}

// Wait blocks until j completes and returns its result. Most callers
// (vibe, plan, misalignment, compact) don't need this — they react via
// OnResult — but it is useful in tests and for any caller that
// genuinely needs the reply synchronously.
func Wait(ctx context.Context, j *Job) (Result, error) {
	select {
	case r := <-j.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run drains the queue until ctx is cancelled. It must be started
// exactly once, from the single coordinator goroutine mentioned in
// spec.md §5 ("one dispatcher consumer").
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.queued.Add(-1)
			d.execute(ctx, j)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, j *Job) {
	d.busy.Store(true)
	defer d.busy.Store(false)

	turnLog := clog.FromContext(ctx).WithTurn(j.ID).With("kind", string(j.Kind))
	ctx = clog.ToContext(ctx, turnLog)

	replies, err := d.safeRun(ctx, j)
	res := Result{Replies: replies, Err: err}
	if err != nil {
		// Failure semantics (§4.2, §7): log and discard, queue continues.
		turnLog.Warn("dispatcher: invocation failed, discarding", "error", err)
		d.log.Warn("dispatcher: invocation failed, discarding", "kind", j.Kind, "job", j.ID, "error", err)
	}
	j.done <- res
	if d.onResult != nil {
		d.onResult(j, res)
	}
}

// safeRun recovers a panicking thunk so one bad turn cannot stall the
// queue (§7: "Dispatcher failures are absorbed").
func (d *Dispatcher) safeRun(ctx context.Context, j *Job) (replies []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			clog.FromContext(ctx).Error("dispatcher: invocation panicked", "panic", r)
			d.log.Error("dispatcher: invocation panicked", "kind", j.Kind, "job", j.ID, "panic", r)
			err = panicError{r}
		}
	}()
	return j.Run(ctx)
}

type panicError struct{ v any }

func (p panicError) Error() string { return "panic in dispatcher invocation" }
