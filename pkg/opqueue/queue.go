// Copyright 2025 Certen Protocol
//
// Package opqueue is the per-destination operation queue and submitter
// (spec §4.9): a priority heap of in-flight deliveries cycling through
// prepare -> submit -> confirm, with exponential backoff on failure.
// Grounded on pkg/batch/scheduler.go's ticker-driven run loop and
// pkg/batch/consensus_coordinator.go's RetryAttempts/RetryDelay config
// shape, generalized from "anchor batch" to "one Hyperlane message
// delivery" and reusing pkg/errs' per-Kind RetryPolicy instead of a single
// fixed delay.
package opqueue

import (
	"container/heap"
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/interlayer-xyz/relay-core/pkg/chainadapter"
	"github.com/interlayer-xyz/relay-core/pkg/errs"
	"github.com/interlayer-xyz/relay-core/pkg/ismmeta"
	"github.com/interlayer-xyz/relay-core/pkg/model"
	"github.com/interlayer-xyz/relay-core/pkg/msgdb"
)

// State is an operation's position in the prepare/submit/confirm cycle.
type State int

const (
	StatePending   State = iota // needs prepare
	StateReady                  // prepared, needs submit
	StateSubmitted              // needs confirm
	StateConfirmed
	StateDropped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateSubmitted:
		return "submitted"
	case StateConfirmed:
		return "confirmed"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// NonceAssigner hands out and tracks the lifecycle of transaction nonces for
// a destination. Implemented by the nonce manager; the Mark* calls keep its
// reconciliation bookkeeping accurate for the nonces this queue actually
// uses, rather than leaving every reservation permanently "reserved".
type NonceAssigner interface {
	Next(ctx context.Context, destination uint32) (uint64, error)
	MarkSubmitted(destination uint32, nonce uint64, txUUID string)
	MarkConfirmed(destination uint32, nonce uint64)
	MarkFailed(destination uint32, nonce uint64)
}

// BatchWriter is an optional capability: an adapter that can submit several
// prepared messages in one transaction. Adapters that don't implement it
// fall back to scalar submission per operation.
type BatchWriter interface {
	ProcessBatch(ctx context.Context, msgs []*model.Message, metadata [][]byte, gasLimits []*uint64) ([]*chainadapter.TxOutcome, error)
}

// Operation is one message working its way through delivery.
type Operation struct {
	Msg      *model.Message
	Priority int

	attempts    int
	seq         uint64
	state       State
	metadata    []byte
	gasLimit    *uint64
	nonce       uint64
	txHash      string
	submittedAt time.Time
	nextAttempt time.Time
	lastErr     error
}

func (op *Operation) State() State { return op.state }

// opHeap orders by (priority desc, attempts asc, insertion order asc), per
// the (priority, -attempts) key the spec names: fewer attempts sorts ahead
// of more, among equal priority.
type opHeap []*Operation

func (h opHeap) Len() int { return len(h) }
func (h opHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if h[i].attempts != h[j].attempts {
		return h[i].attempts < h[j].attempts
	}
	return h[i].seq < h[j].seq
}
func (h opHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *opHeap) Push(x interface{}) {
	*h = append(*h, x.(*Operation))
}
func (h *opHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Config wires a Queue to one destination's adapter and supporting
// components.
type Config struct {
	Destination  uint32
	Adapter      chainadapter.SigningAdapter
	MsgDB        *msgdb.Store
	ISMBuilder   *ismmeta.Builder
	NonceMgr     NonceAssigner
	ReorgPeriod  chainadapter.ReorgPeriod
	MaxAttempts  int
	MaxBatchSize int
	// BypassBatch forces scalar submission even when Adapter implements
	// BatchWriter.
	BypassBatch bool
	TickInterval time.Duration
	Logger       *log.Logger
}

// Queue is the cooperative scheduler for one destination: a single
// goroutine pulls the highest-priority ready operation, advances it one
// stage, and reinserts it according to the transition result.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	heap    opHeap
	nextSeq uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Queue. Adapter, MsgDB, ISMBuilder, and NonceMgr must be
// set; everything else defaults.
func New(cfg Config) *Queue {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 8
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[opqueue] ", log.LstdFlags)
	}
	return &Queue{cfg: cfg}
}

// Submit enqueues msg for delivery at priority 0. It satisfies
// msgprocessor.Submitter.
func (q *Queue) Submit(ctx context.Context, msg *model.Message) error {
	return q.SubmitWithPriority(ctx, msg, 0)
}

// SubmitWithPriority enqueues msg at an explicit priority; higher submits
// first among ready operations.
func (q *Queue) SubmitWithPriority(_ context.Context, msg *model.Message, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	op := &Operation{Msg: msg, Priority: priority, seq: q.nextSeq, state: StatePending}
	q.nextSeq++
	heap.Push(&q.heap, op)
	return nil
}

// Len reports the number of in-flight operations (pending through submitted).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Start runs the scheduler loop in a background goroutine.
func (q *Queue) Start(ctx context.Context) {
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	go q.run(ctx)
}

// Stop signals the scheduler loop to exit after its current tick and waits
// for it to do so, but no longer than grace. Operations still in the heap
// are not advanced further; in-flight submissions are not driven to a
// terminal state before Stop returns.
func (q *Queue) Stop(grace time.Duration) {
	if q.stopCh == nil {
		return
	}
	close(q.stopCh)
	select {
	case <-q.doneCh:
	case <-time.After(grace):
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.doneCh)
	ticker := time.NewTicker(q.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

// tick advances the highest-priority ready operation, plus opportunistic
// batching: while the head is ready to submit, gather same-stage peers into
// a batch of at most MaxBatchSize operations (head included) and submit them
// together when the adapter supports it.
func (q *Queue) tick(ctx context.Context) {
	op := q.popReady()
	if op == nil {
		return
	}

	switch op.state {
	case StatePending:
		q.prepare(ctx, op)
	case StateReady:
		if bw, ok := q.cfg.Adapter.(BatchWriter); ok && !q.cfg.BypassBatch {
			q.submitBatch(ctx, bw, op)
		} else {
			q.submit(ctx, op)
		}
	case StateSubmitted:
		q.confirm(ctx, op)
	default:
		// confirmed/dropped operations are not reinserted
		return
	}

	if op.state != StateConfirmed && op.state != StateDropped {
		q.mu.Lock()
		heap.Push(&q.heap, op)
		q.mu.Unlock()
	}
}

func (q *Queue) popReady() *Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	best := -1
	for i, op := range q.heap {
		if now.Before(op.nextAttempt) {
			continue
		}
		if best < 0 || q.heap.Less(i, best) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	return heap.Remove(&q.heap, best).(*Operation)
}

func (q *Queue) prepare(ctx context.Context, op *Operation) {
	ism, err := q.cfg.Adapter.RecipientISM(ctx, op.Msg.Recipient)
	if err != nil {
		q.fail(op, err)
		return
	}
	leafIndex, found, err := q.cfg.MsgDB.LeafIndexForMessage(op.Msg.ID())
	if err != nil {
		q.fail(op, err)
		return
	}
	if !found {
		// the accumulator hasn't caught up to this dispatch yet; this is
		// transient and worth a short, bounded retry rather than a drop.
		q.retryAfter(op, errs.TransientErr("opqueue.prepare", nil), errs.PolicyFor(errs.Transient))
		return
	}
	res, err := q.cfg.ISMBuilder.Build(ctx, ism, op.Msg, leafIndex)
	if err != nil {
		q.fail(op, err)
		return
	}
	if len(res.ReplacedBody) > 0 {
		op.Msg.Body = res.ReplacedBody
	}
	estimate, err := q.cfg.Adapter.ProcessEstimateCosts(ctx, op.Msg, res.Metadata)
	if err != nil {
		q.fail(op, err)
		return
	}
	op.metadata = res.Metadata
	op.gasLimit = &estimate.GasLimit
	op.state = StateReady
	op.nextAttempt = time.Time{}
}

func (q *Queue) submit(ctx context.Context, op *Operation) {
	nonce, err := q.cfg.NonceMgr.Next(ctx, q.cfg.Destination)
	if err != nil {
		q.fail(op, err)
		return
	}
	op.nonce = nonce
	outcome, err := q.cfg.Adapter.Process(ctx, op.Msg, op.metadata, op.gasLimit, nonce)
	if err != nil {
		q.cfg.NonceMgr.MarkFailed(q.cfg.Destination, nonce)
		q.fail(op, err)
		return
	}
	q.cfg.NonceMgr.MarkSubmitted(q.cfg.Destination, nonce, outcome.TxHash)
	op.txHash = outcome.TxHash
	op.submittedAt = time.Now()
	op.state = StateSubmitted
	op.nextAttempt = time.Time{}
}

// submitBatch gathers StateReady peers until the batch, head included, holds
// MaxBatchSize operations, and submits them together via the adapter's
// BatchWriter capability. head is always included even if no peers are found.
func (q *Queue) submitBatch(ctx context.Context, bw BatchWriter, head *Operation) {
	q.mu.Lock()
	batch := []*Operation{head}
	var kept opHeap
	for len(q.heap) > 0 && len(batch) < q.cfg.MaxBatchSize {
		candidate := heap.Pop(&q.heap).(*Operation)
		if candidate.state == StateReady {
			batch = append(batch, candidate)
		} else {
			kept = append(kept, candidate)
		}
	}
	for _, op := range kept {
		heap.Push(&q.heap, op)
	}
	q.mu.Unlock()

	if len(batch) == 1 {
		q.submit(ctx, head)
		return
	}

	msgs := make([]*model.Message, len(batch))
	metas := make([][]byte, len(batch))
	limits := make([]*uint64, len(batch))
	for i, op := range batch {
		msgs[i], metas[i], limits[i] = op.Msg, op.metadata, op.gasLimit
	}
	outcomes, err := bw.ProcessBatch(ctx, msgs, metas, limits)
	for i, op := range batch {
		if err != nil {
			q.fail(op, err)
		} else if i < len(outcomes) && outcomes[i] != nil {
			op.txHash = outcomes[i].TxHash
			op.submittedAt = time.Now()
			op.state = StateSubmitted
			op.nextAttempt = time.Time{}
		} else {
			q.fail(op, errs.TransientErr("opqueue.submitBatch", nil))
		}
		if op != head {
			q.mu.Lock()
			heap.Push(&q.heap, op)
			q.mu.Unlock()
		}
	}
}

func (q *Queue) confirm(ctx context.Context, op *Operation) {
	delivered, err := q.cfg.Adapter.Delivered(ctx, op.Msg.ID())
	if err != nil {
		q.fail(op, err)
		return
	}
	if !delivered {
		// not yet landed, or landed but not past the reorg window; either
		// way just wait and look again.
		op.nextAttempt = time.Now().Add(q.reorgWindow())
		return
	}
	if err := q.cfg.MsgDB.MarkProcessed(op.Msg.ID()); err != nil {
		q.fail(op, err)
		return
	}
	q.cfg.NonceMgr.MarkConfirmed(q.cfg.Destination, op.nonce)
	op.state = StateConfirmed
}

func (q *Queue) reorgWindow() time.Duration {
	if q.cfg.ReorgPeriod.Duration > 0 {
		return q.cfg.ReorgPeriod.Duration
	}
	return 12 * time.Second
}

// fail classifies err via the errs taxonomy and either schedules a backed
// off retry or drops the operation permanently.
func (q *Queue) fail(op *Operation, err error) {
	kind := errs.KindOf(err)
	policy := errs.PolicyFor(kind)
	op.lastErr = err
	if !policy.Retryable || op.attempts >= q.cfg.MaxAttempts {
		op.state = StateDropped
		q.cfg.Logger.Printf("dropping operation for message %x after %d attempts: %v", op.Msg.ID(), op.attempts, err)
		return
	}
	q.retryAfter(op, err, policy)
}

func (q *Queue) retryAfter(op *Operation, err error, policy errs.RetryPolicy) {
	op.lastErr = err
	op.attempts++
	op.nextAttempt = time.Now().Add(nextBackoff(policy, op.attempts))
}

// nextBackoff is exponential with full jitter, capped at policy.MaxDelay.
func nextBackoff(policy errs.RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	max := policy.MaxDelay
	if max <= 0 {
		max = base
	}
	d := base << uint(minInt(attempt, 20))
	if d <= 0 || d > max {
		d = max
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
