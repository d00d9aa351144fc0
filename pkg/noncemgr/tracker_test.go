// Copyright 2025 Certen Protocol

package noncemgr

import (
	"context"
	"testing"

	"github.com/interlayer-xyz/relay-core/pkg/errs"
)

type fakeSource struct{ finalized uint64 }

func (f *fakeSource) FinalizedNonce(ctx context.Context, destination uint32, address string) (uint64, error) {
	return f.finalized, nil
}

func TestTracker_NextSeedsFromFinalized(t *testing.T) {
	src := &fakeSource{finalized: 5}
	tr := New(Config{Source: src})
	n, err := tr.Next(context.Background(), 1, "0xabc")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if n != 5 {
		t.Errorf("expected first nonce 5, got %d", n)
	}
	n2, err := tr.Next(context.Background(), 1, "0xabc")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if n2 != 6 {
		t.Errorf("expected second nonce 6, got %d", n2)
	}
}

func TestTracker_SkipsReservedAndSubmittedSlots(t *testing.T) {
	tr := New(Config{Source: &fakeSource{finalized: 0}})
	ctx := context.Background()
	n1, _ := tr.Next(ctx, 1, "0xabc")
	tr.MarkSubmitted(1, "0xabc", n1, "tx-1")
	n2, _ := tr.Next(ctx, 1, "0xabc")
	if n2 != n1+1 {
		t.Errorf("expected next reservation to skip the submitted slot, got %d after %d", n2, n1)
	}
}

func TestTracker_FailedSlotIsReusable(t *testing.T) {
	tr := New(Config{Source: &fakeSource{finalized: 0}})
	ctx := context.Background()
	n1, _ := tr.Next(ctx, 1, "0xabc")
	tr.MarkFailed(1, "0xabc", n1)
	if err := tr.ReuseForRetry(1, "0xabc", n1); err != nil {
		t.Fatalf("reuse for retry: %v", err)
	}
	pd := tr.entry(1, "0xabc")
	if pd.tracked[n1].status != StatusReserved {
		t.Errorf("expected reused nonce to be reserved again, got %v", pd.tracked[n1].status)
	}
}

type fakeGapFiller struct{ filled []uint64 }

func (f *fakeGapFiller) GapFillNonce(ctx context.Context, destination uint32, address string, nonce uint64) error {
	f.filled = append(f.filled, nonce)
	return nil
}

// TestTracker_ReconcileGapFillsMissingNonces covers the nonce-gap-recovery
// scenario: a nonce reserved but never submitted (e.g. the process crashed
// between Next and broadcast) must not stall every nonce above it forever.
func TestTracker_ReconcileGapFillsMissingNonces(t *testing.T) {
	filler := &fakeGapFiller{}
	tr := New(Config{Source: &fakeSource{finalized: 0}, GapFiller: filler})
	ctx := context.Background()

	gapped, _ := tr.Next(ctx, 1, "0xabc")   // nonce 0: reserved, never submitted
	submitted, _ := tr.Next(ctx, 1, "0xabc") // nonce 1: submitted normally
	tr.MarkSubmitted(1, "0xabc", submitted, "tx-1")

	pd := tr.entry(1, "0xabc")
	pd.mu.Lock()
	tr.reconcileLocked(ctx, pd, 1)
	status := pd.tracked[gapped].status
	pd.mu.Unlock()

	if len(filler.filled) != 1 || filler.filled[0] != gapped {
		t.Fatalf("expected gap fill at nonce %d, got %v", gapped, filler.filled)
	}
	if status != StatusSubmitted {
		t.Errorf("expected gap-filled nonce marked submitted, got %v", status)
	}
}

func TestTracker_ReconcileWithoutGapFillerOnlyLogs(t *testing.T) {
	tr := New(Config{Source: &fakeSource{finalized: 0}})
	ctx := context.Background()
	n1, _ := tr.Next(ctx, 1, "0xabc")

	pd := tr.entry(1, "0xabc")
	pd.mu.Lock()
	tr.reconcileLocked(ctx, pd, 1)
	status := pd.tracked[n1].status
	pd.mu.Unlock()

	if status != StatusReserved {
		t.Errorf("expected nonce to remain reserved with no gap filler configured, got %v", status)
	}
}

func TestVerifySigner_MismatchIsConfigMismatch(t *testing.T) {
	err := VerifySigner("0xabc", "0xdef")
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if errs.KindOf(err) != errs.ConfigMismatch {
		t.Errorf("expected ConfigMismatch kind, got %v", errs.KindOf(err))
	}
}

func TestVerifySigner_MatchIsNil(t *testing.T) {
	if err := VerifySigner("0xabc", "0xabc"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
