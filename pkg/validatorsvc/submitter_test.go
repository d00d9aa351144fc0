// Copyright 2025 Certen Protocol

package validatorsvc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/interlayer-xyz/relay-core/pkg/chainadapter"
	"github.com/interlayer-xyz/relay-core/pkg/merkleacc"
	"github.com/interlayer-xyz/relay-core/pkg/model"
)

type fakeAccumulator struct {
	roots map[uint32]merkleacc.Hash
}

func (f *fakeAccumulator) HistoricalRoot(rootIndex uint32) (merkleacc.Hash, error) {
	root, ok := f.roots[rootIndex]
	if !ok {
		return merkleacc.Hash{}, errors.New("not replayed that far yet")
	}
	return root, nil
}

type fakeReader struct {
	mu         sync.Mutex
	count      uint32
	checkpoint model.Checkpoint
	err        error
}

func (f *fakeReader) Count(ctx context.Context, reorg chainadapter.ReorgPeriod) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, f.err
}
func (f *fakeReader) Delivered(ctx context.Context, id model.Bytes32) (bool, error) { return false, nil }
func (f *fakeReader) DefaultISM(ctx context.Context) (model.ID32, error)            { return model.ID32{}, nil }
func (f *fakeReader) RecipientISM(ctx context.Context, r model.ID32) (model.ID32, error) {
	return model.ID32{}, nil
}
func (f *fakeReader) LatestCheckpoint(ctx context.Context, reorg chainadapter.ReorgPeriod) (model.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoint, f.err
}

func (f *fakeReader) setCheckpoint(c model.Checkpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoint = c
	f.count = c.Index + 1
}

type fakeStore struct {
	mu          sync.Mutex
	latestIndex *uint32
	checkpoints map[uint32]*model.SignedCheckpoint
	announced   *model.SignedAnnouncement
	reorg       *model.ReorgEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{checkpoints: make(map[uint32]*model.SignedCheckpoint)}
}
func (f *fakeStore) LatestIndex(ctx context.Context) (*uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latestIndex, nil
}
func (f *fakeStore) WriteLatestIndex(ctx context.Context, index uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestIndex = &index
	return nil
}
func (f *fakeStore) FetchCheckpoint(ctx context.Context, index uint32) (*model.SignedCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoints[index], nil
}
func (f *fakeStore) WriteCheckpoint(ctx context.Context, sc *model.SignedCheckpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints[sc.Value.Index] = sc
	return nil
}
func (f *fakeStore) WriteAnnouncement(ctx context.Context, sa *model.SignedAnnouncement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = sa
	return nil
}
func (f *fakeStore) AnnouncementLocation() string { return "memory://fake" }
func (f *fakeStore) ReorgStatus(ctx context.Context) (*model.ReorgEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reorg, nil
}
func (f *fakeStore) WriteReorgStatus(ctx context.Context, ev *model.ReorgEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reorg = ev
	return nil
}

func testKey(t *testing.T) []byte {
	t.Helper()
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return crypto.FromECDSA(priv)
}

func TestSubmitter_AnnounceIsIdempotent(t *testing.T) {
	store := newFakeStore()
	s := New(Config{SigningKey: testKey(t), Store: store, MailboxDomain: 1})
	ctx := context.Background()
	if err := s.Announce(ctx); err != nil {
		t.Fatalf("announce 1: %v", err)
	}
	if err := s.Announce(ctx); err != nil {
		t.Fatalf("announce 2: %v", err)
	}
	if store.announced == nil {
		t.Fatal("expected announcement to be recorded")
	}
}

func TestSubmitter_SignsOnAdvance(t *testing.T) {
	reader := &fakeReader{}
	reader.setCheckpoint(model.Checkpoint{MailboxDomain: 1, Index: 0})
	store := newFakeStore()
	s := New(Config{
		SigningKey:   testKey(t),
		Reader:       reader,
		Store:        store,
		PollInterval: 10 * time.Millisecond,
		MailboxDomain: 1,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.checkpoints)
		store.mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for first checkpoint to be signed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestSubmitter_DetectsReorgViaAccumulatorRootMismatch covers scenario 3
// (spec.md §8): the origin keeps producing blocks after rewriting history
// beneath an already-signed index, so the chain's tip index never
// regresses and only an independent root re-derivation catches it.
func TestSubmitter_DetectsReorgViaAccumulatorRootMismatch(t *testing.T) {
	reader := &fakeReader{}
	reader.setCheckpoint(model.Checkpoint{MailboxDomain: 1, Index: 7, Root: model.Bytes32{0xAA}})
	acc := &fakeAccumulator{roots: map[uint32]merkleacc.Hash{5: {0xBB}}}
	s := New(Config{SigningKey: testKey(t), Reader: reader, Accumulator: acc, MailboxDomain: 1})

	prev := model.SignedCheckpoint{Value: model.Checkpoint{MailboxDomain: 1, Index: 5, Root: model.Bytes32{0xAA}}}
	if err := s.verifyNoReorgBeneath(context.Background(), prev); err == nil {
		t.Fatal("expected a root mismatch at a non-regressed index to be detected as a reorg")
	}
}

func TestSubmitter_NoReorgWhenReplayedRootMatches(t *testing.T) {
	reader := &fakeReader{}
	reader.setCheckpoint(model.Checkpoint{MailboxDomain: 1, Index: 7, Root: model.Bytes32{0xAA}})
	acc := &fakeAccumulator{roots: map[uint32]merkleacc.Hash{5: {0xCC}}}
	s := New(Config{SigningKey: testKey(t), Reader: reader, Accumulator: acc, MailboxDomain: 1})

	prev := model.SignedCheckpoint{Value: model.Checkpoint{MailboxDomain: 1, Index: 5, Root: model.Bytes32{0xCC}}}
	if err := s.verifyNoReorgBeneath(context.Background(), prev); err != nil {
		t.Fatalf("expected matching replayed root to pass, got: %v", err)
	}
}

func TestSubmitter_HaltsOnExistingReorgFlag(t *testing.T) {
	reader := &fakeReader{}
	reader.setCheckpoint(model.Checkpoint{MailboxDomain: 1, Index: 0})
	store := newFakeStore()
	zero := uint32(0)
	store.latestIndex = &zero
	store.reorg = &model.ReorgEvent{UnsignedIndex: 0, Reason: "test"}

	s := New(Config{
		SigningKey:   testKey(t),
		Reader:       reader,
		Store:        store,
		PollInterval: 5 * time.Millisecond,
		MailboxDomain: 1,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for s.State() != StateHalted {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for halt, state=%s", s.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
