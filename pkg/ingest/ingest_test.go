// Copyright 2025 Certen Protocol

package ingest

import (
	"context"
	"testing"

	"github.com/interlayer-xyz/relay-core/pkg/chainadapter"
	"github.com/interlayer-xyz/relay-core/pkg/merkleacc"
	"github.com/interlayer-xyz/relay-core/pkg/model"
	"github.com/interlayer-xyz/relay-core/pkg/msgdb"
)

type memKV struct{ data map[string][]byte }

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(key []byte) ([]byte, error) { return m.data[string(key)], nil }
func (m *memKV) Set(key, value []byte) error {
	cp := append([]byte{}, value...)
	m.data[string(key)] = cp
	return nil
}

type fakeIndexer struct {
	finalized uint64
	events    []chainadapter.IndexedEvent
	calls     int
}

func (f *fakeIndexer) FetchLogsInRange(ctx context.Context, r chainadapter.BlockRange) ([]chainadapter.IndexedEvent, error) {
	f.calls++
	return f.events, nil
}
func (f *fakeIndexer) FetchLogsByTxHash(ctx context.Context, txHash string) ([]chainadapter.IndexedEvent, error) {
	return nil, nil
}
func (f *fakeIndexer) GetFinalizedBlockNumber(ctx context.Context, reorg chainadapter.ReorgPeriod) (uint64, error) {
	return f.finalized, nil
}

func TestIndexer_AppliesDispatchAndMerkleInsertion(t *testing.T) {
	msg := &model.Message{Version: 3, Nonce: 0, OriginDomain: 1, DestinationDomain: 2, Body: []byte("hi")}
	leafHash := merkleacc.HashLeaf([]byte("leaf"))

	fi := &fakeIndexer{
		finalized: 10,
		events: []chainadapter.IndexedEvent{
			{Kind: chainadapter.EventDispatch, Payload: msg},
			{Kind: chainadapter.EventMerkleInsertion, Payload: &chainadapter.MerkleInsertion{LeafIndex: 0, LeafHash: model.Bytes32(leafHash)}},
		},
	}

	store := msgdb.New(newMemKV())
	acc := merkleacc.New()
	idx := New(Config{Indexer: fi, MsgDB: store, Accumulator: acc, StartBlock: 0, MaxBlockRange: 100})

	if err := idx.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	got, err := store.MessageByNonce(1, 0)
	if err != nil || got == nil {
		t.Fatalf("expected message to be stored, err=%v got=%v", err, got)
	}
	if acc.Count() != 1 {
		t.Errorf("expected accumulator to have 1 leaf, got %d", acc.Count())
	}
	if idx.Cursor() != 11 {
		t.Errorf("expected cursor to advance to 11, got %d", idx.Cursor())
	}
}

func TestIndexer_SkipsWhenBehindReorgMargin(t *testing.T) {
	fi := &fakeIndexer{finalized: 3}
	store := msgdb.New(newMemKV())
	acc := merkleacc.New()
	idx := New(Config{Indexer: fi, MsgDB: store, Accumulator: acc, StartBlock: 5})

	if err := idx.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if fi.calls != 0 {
		t.Errorf("expected no FetchLogsInRange call while behind cursor, got %d calls", fi.calls)
	}
	if idx.Cursor() != 5 {
		t.Errorf("expected cursor unchanged at 5, got %d", idx.Cursor())
	}
}
