// Copyright 2025 Certen Protocol
//
// Package noncemgr assigns and reconciles account nonces for a signing key
// on an account-nonce chain (spec §4.10). Rewritten from
// pkg/execution/nonce_tracker.go's NonceTracker: same reserve/submit/confirm
// state machine and lazy chain-nonce refresh, generalized from "Accumulate
// signer nonce" to "per-destination EVM-style account nonce" and replacing
// free-text Status strings with a closed enum.
package noncemgr

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/interlayer-xyz/relay-core/pkg/errs"
)

// Status is a tracked nonce's lifecycle stage.
type Status int

const (
	StatusReserved Status = iota
	StatusSubmitted
	StatusConfirmed
	StatusFailed
)

// ChainNonceSource reads the finalized on-chain nonce for an address, used
// both to seed next_nonce on first use and to reconcile periodically.
type ChainNonceSource interface {
	FinalizedNonce(ctx context.Context, destination uint32, address string) (uint64, error)
}

// GapFiller closes a gap in a destination account's nonce sequence,
// discovered during reconciliation, by submitting a minimal transaction at
// the gapped nonce. Optional: a nil GapFiller leaves gaps logged only, as an
// operator-visible signal rather than an automatic reclaim.
type GapFiller interface {
	GapFillNonce(ctx context.Context, destination uint32, address string, nonce uint64) error
}

// trackedOp is the bookkeeping record for one reserved nonce slot.
type trackedOp struct {
	nonce      uint64
	status     Status
	txUUID     string
	reservedAt time.Time
	updatedAt  time.Time
}

// perDestination holds the (next_nonce, tracked_ops) pair the spec requires
// be guarded by a single lock covering the full read-modify-write.
type perDestination struct {
	mu            sync.Mutex
	address       string
	nextNonce     uint64
	initialized   bool
	lastReconcile time.Time
	tracked       map[uint64]*trackedOp
}

// Config wires a Tracker to its chain nonce source.
type Config struct {
	Source            ChainNonceSource
	GapFiller         GapFiller
	ReconcileInterval time.Duration
	MaxPending        int
	Logger            *log.Logger
}

// Tracker manages nonces across every destination/address pair a relayer or
// validator signs transactions for.
type Tracker struct {
	cfg Config

	mu   sync.Mutex // guards the destinations map itself, not its entries
	dest map[string]*perDestination
}

// New constructs a Tracker.
func New(cfg Config) *Tracker {
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	if cfg.MaxPending == 0 {
		cfg.MaxPending = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[noncemgr] ", log.LstdFlags)
	}
	return &Tracker{cfg: cfg, dest: make(map[string]*perDestination)}
}

func destKey(destination uint32, address string) string {
	return fmt.Sprintf("%d:%s", destination, address)
}

func (t *Tracker) entry(destination uint32, address string) *perDestination {
	key := destKey(destination, address)
	t.mu.Lock()
	defer t.mu.Unlock()
	pd, ok := t.dest[key]
	if !ok {
		pd = &perDestination{address: address, tracked: make(map[uint64]*trackedOp)}
		t.dest[key] = pd
	}
	return pd
}

// Next assigns the next available nonce for (destination, address): the
// fresh-assignment path of spec §4.10 (no outstanding tx_uuid for this op).
func (t *Tracker) Next(ctx context.Context, destination uint32, address string) (uint64, error) {
	pd := t.entry(destination, address)
	pd.mu.Lock()
	defer pd.mu.Unlock()

	if !pd.initialized {
		n, err := t.cfg.Source.FinalizedNonce(ctx, destination, address)
		if err != nil {
			return 0, errs.TransientErr("noncemgr.Next", err)
		}
		pd.nextNonce = n
		pd.initialized = true
		pd.lastReconcile = time.Now()
	} else if time.Since(pd.lastReconcile) > t.cfg.ReconcileInterval {
		t.reconcileLocked(ctx, pd, destination)
	}

	if len(pd.tracked) >= t.cfg.MaxPending {
		return 0, errs.CouldNotFetchErr("noncemgr.Next", fmt.Errorf("too many pending nonces for %s: %d", address, len(pd.tracked)))
	}

	nonce := pd.nextNonce
	for {
		if op, exists := pd.tracked[nonce]; exists && (op.status == StatusReserved || op.status == StatusSubmitted) {
			nonce++
			continue
		}
		break
	}

	pd.tracked[nonce] = &trackedOp{nonce: nonce, status: StatusReserved, reservedAt: time.Now(), updatedAt: time.Now()}
	if nonce >= pd.nextNonce {
		pd.nextNonce = nonce + 1
	}
	return nonce, nil
}

// ReuseForRetry marks an already-tracked nonce as reserved again,
// implementing the replace-by-fee path: a retried operation reuses its
// nonce rather than drawing a new one. It returns an error if nonce is not
// tracked for address.
func (t *Tracker) ReuseForRetry(destination uint32, address string, nonce uint64) error {
	pd := t.entry(destination, address)
	pd.mu.Lock()
	defer pd.mu.Unlock()
	op, ok := pd.tracked[nonce]
	if !ok {
		return errs.InternalErr("noncemgr.ReuseForRetry", fmt.Errorf("nonce %d not tracked for %s", nonce, address))
	}
	op.status = StatusReserved
	op.updatedAt = time.Now()
	return nil
}

// MarkSubmitted records that the transaction at nonce has been broadcast.
func (t *Tracker) MarkSubmitted(destination uint32, address string, nonce uint64, txUUID string) {
	pd := t.entry(destination, address)
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if op, ok := pd.tracked[nonce]; ok {
		op.status = StatusSubmitted
		op.txUUID = txUUID
		op.updatedAt = time.Now()
	}
}

// MarkConfirmed records that the transaction at nonce has landed and
// reached finality.
func (t *Tracker) MarkConfirmed(destination uint32, address string, nonce uint64) {
	pd := t.entry(destination, address)
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if op, ok := pd.tracked[nonce]; ok {
		op.status = StatusConfirmed
		op.updatedAt = time.Now()
	}
	t.cleanupLocked(pd)
}

// MarkFailed frees nonce for reuse by a future gap-fill or retry.
func (t *Tracker) MarkFailed(destination uint32, address string, nonce uint64) {
	pd := t.entry(destination, address)
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if op, ok := pd.tracked[nonce]; ok {
		op.status = StatusFailed
		op.updatedAt = time.Now()
	}
}

// cleanupLocked drops tracked entries that are long confirmed or failed,
// bounding tracked's size. Caller must hold pd.mu.
func (t *Tracker) cleanupLocked(pd *perDestination) {
	threshold := time.Now().Add(-5 * time.Minute)
	for nonce, op := range pd.tracked {
		if (op.status == StatusConfirmed || op.status == StatusFailed) && op.updatedAt.Before(threshold) {
			delete(pd.tracked, nonce)
		}
	}
}

// reconcileLocked reconciles next_nonce against the finalized chain nonce
// and, when a gap is found, reclaims it via t.cfg.GapFiller if one is
// configured, or else just logs so an operator can act. Caller must hold
// pd.mu.
func (t *Tracker) reconcileLocked(ctx context.Context, pd *perDestination, destination uint32) {
	finalized, err := t.cfg.Source.FinalizedNonce(ctx, destination, pd.address)
	if err != nil {
		t.cfg.Logger.Printf("reconcile failed for %s: %v (keeping cached next_nonce=%d)", pd.address, err, pd.nextNonce)
		return
	}
	pd.lastReconcile = time.Now()
	if finalized > pd.nextNonce {
		// the chain has nonces we never reserved locally (process restart
		// after submitting without persisting, or an external signer use);
		// trust the chain.
		pd.nextNonce = finalized
		return
	}
	if finalized >= pd.nextNonce {
		return
	}
	gapped := detectGap(pd, finalized)
	if len(gapped) == 0 {
		return
	}
	if t.cfg.GapFiller == nil {
		t.cfg.Logger.Printf("gap detected for %s: finalized=%d next=%d gapped=%v (no gap filler configured, not auto-reclaiming)", pd.address, finalized, pd.nextNonce, gapped)
		return
	}
	for _, n := range gapped {
		if err := t.cfg.GapFiller.GapFillNonce(ctx, destination, pd.address, n); err != nil {
			t.cfg.Logger.Printf("gap-fill failed for %s nonce %d: %v", pd.address, n, err)
			continue
		}
		pd.tracked[n] = &trackedOp{nonce: n, status: StatusSubmitted, txUUID: "gapfill", reservedAt: time.Now(), updatedAt: time.Now()}
		t.cfg.Logger.Printf("gap-filled nonce %d for %s", n, pd.address)
	}
}

// detectGap returns nonces in [finalized, pd.nextNonce) that are untracked,
// reserved but never broadcast, or failed — i.e. not tracked as submitted or
// confirmed. These are candidates for re-submission or a gap-filling
// zero-value transaction.
func detectGap(pd *perDestination, finalized uint64) []uint64 {
	var gapped []uint64
	for n := finalized; n < pd.nextNonce; n++ {
		op, ok := pd.tracked[n]
		if !ok || op.status == StatusReserved || op.status == StatusFailed {
			gapped = append(gapped, n)
		}
	}
	return gapped
}

// BoundToAddress adapts a Tracker to opqueue.NonceAssigner for one signing
// address, since the queue only knows its destination, not which address
// a shared Tracker is keyed by.
type BoundToAddress struct {
	Tracker *Tracker
	Address string
}

// Next satisfies opqueue.NonceAssigner.
func (b BoundToAddress) Next(ctx context.Context, destination uint32) (uint64, error) {
	return b.Tracker.Next(ctx, destination, b.Address)
}

// MarkSubmitted satisfies opqueue.NonceAssigner.
func (b BoundToAddress) MarkSubmitted(destination uint32, nonce uint64, txUUID string) {
	b.Tracker.MarkSubmitted(destination, b.Address, nonce, txUUID)
}

// MarkConfirmed satisfies opqueue.NonceAssigner.
func (b BoundToAddress) MarkConfirmed(destination uint32, nonce uint64) {
	b.Tracker.MarkConfirmed(destination, b.Address, nonce)
}

// MarkFailed satisfies opqueue.NonceAssigner.
func (b BoundToAddress) MarkFailed(destination uint32, nonce uint64) {
	b.Tracker.MarkFailed(destination, b.Address, nonce)
}

// VerifySigner returns the fatal mismatch error spec §4.10 names when a
// submission's from-address does not match this tracker's key.
func VerifySigner(expected, actual string) error {
	if expected != actual {
		return errs.ConfigMismatchErr("noncemgr.VerifySigner", fmt.Errorf("transaction from address does not match nonce manager address: expected %s, got %s", expected, actual))
	}
	return nil
}
