// Copyright 2025 Certen Protocol

package opqueue

import (
	"context"
	"testing"
	"time"

	"github.com/interlayer-xyz/relay-core/pkg/chainadapter"
	"github.com/interlayer-xyz/relay-core/pkg/ismmeta"
	"github.com/interlayer-xyz/relay-core/pkg/model"
	"github.com/interlayer-xyz/relay-core/pkg/msgdb"
)

type memKV struct{ data map[string][]byte }

func newMemKV() *memKV { return &memKV{data: map[string][]byte{}} }
func (m *memKV) Get(key []byte) ([]byte, error) { return m.data[string(key)], nil }
func (m *memKV) Set(key, value []byte) error {
	cp := append([]byte{}, value...)
	m.data[string(key)] = cp
	return nil
}

type fakeAdapter struct {
	ism       model.ID32
	delivered map[[32]byte]bool
	failUntil int
	calls     int
}

func (a *fakeAdapter) Domain() uint32 { return 2 }
func (a *fakeAdapter) Name() string   { return "fake" }
func (a *fakeAdapter) Count(ctx context.Context, reorg chainadapter.ReorgPeriod) (uint32, error) {
	return 0, nil
}
func (a *fakeAdapter) Delivered(ctx context.Context, id model.Bytes32) (bool, error) {
	return a.delivered[id], nil
}
func (a *fakeAdapter) DefaultISM(ctx context.Context) (model.ID32, error) { return a.ism, nil }
func (a *fakeAdapter) RecipientISM(ctx context.Context, r model.ID32) (model.ID32, error) {
	return a.ism, nil
}
func (a *fakeAdapter) LatestCheckpoint(ctx context.Context, reorg chainadapter.ReorgPeriod) (model.Checkpoint, error) {
	return model.Checkpoint{}, nil
}
func (a *fakeAdapter) FetchLogsInRange(ctx context.Context, r chainadapter.BlockRange) ([]chainadapter.IndexedEvent, error) {
	return nil, nil
}
func (a *fakeAdapter) FetchLogsByTxHash(ctx context.Context, txHash string) ([]chainadapter.IndexedEvent, error) {
	return nil, nil
}
func (a *fakeAdapter) GetFinalizedBlockNumber(ctx context.Context, reorg chainadapter.ReorgPeriod) (uint64, error) {
	return 0, nil
}
func (a *fakeAdapter) Process(ctx context.Context, msg *model.Message, metadata []byte, gasLimit *uint64, nonce uint64) (*chainadapter.TxOutcome, error) {
	a.calls++
	id := msg.ID()
	a.delivered[id] = true
	return &chainadapter.TxOutcome{TxHash: "0xabc", Success: true}, nil
}
func (a *fakeAdapter) ProcessEstimateCosts(ctx context.Context, msg *model.Message, metadata []byte) (*chainadapter.GasEstimate, error) {
	return &chainadapter.GasEstimate{GasLimit: 100000, GasPrice: "1"}, nil
}
func (a *fakeAdapter) Announce(ctx context.Context, sa *model.SignedAnnouncement) (*chainadapter.TxOutcome, error) {
	return nil, nil
}
func (a *fakeAdapter) GapFillNonce(ctx context.Context, nonce uint64) (*chainadapter.TxOutcome, error) {
	return &chainadapter.TxOutcome{TxHash: "0xgap", Success: true}, nil
}

type fakeNonceMgr struct {
	n          uint64
	submitted  []uint64
	confirmed  []uint64
	failed     []uint64
}

func (f *fakeNonceMgr) Next(ctx context.Context, destination uint32) (uint64, error) {
	f.n++
	return f.n, nil
}
func (f *fakeNonceMgr) MarkSubmitted(destination uint32, nonce uint64, txUUID string) {
	f.submitted = append(f.submitted, nonce)
}
func (f *fakeNonceMgr) MarkConfirmed(destination uint32, nonce uint64) {
	f.confirmed = append(f.confirmed, nonce)
}
func (f *fakeNonceMgr) MarkFailed(destination uint32, nonce uint64) {
	f.failed = append(f.failed, nonce)
}

type nullReader struct{}

func (nullReader) ISMKind(ctx context.Context, ism model.ID32) (ismmeta.Kind, error) {
	return ismmeta.KindNull, nil
}
func (nullReader) MultisigConfigFor(ctx context.Context, ism model.ID32, msg *model.Message) (*ismmeta.MultisigConfig, error) {
	return nil, nil
}
func (nullReader) AggregationConfigFor(ctx context.Context, ism model.ID32, msg *model.Message) (*ismmeta.AggregationConfig, error) {
	return nil, nil
}
func (nullReader) RouteFor(ctx context.Context, ism model.ID32, msg *model.Message) (model.ID32, error) {
	return model.ID32{}, nil
}
func (nullReader) CCIPReadConfigFor(ctx context.Context, ism model.ID32, msg *model.Message) (*ismmeta.CCIPReadConfig, error) {
	return nil, nil
}

func TestQueue_DeliversThroughFullCycle(t *testing.T) {
	store := msgdb.New(newMemKV())
	msg := &model.Message{Version: 3, Nonce: 1, OriginDomain: 1, DestinationDomain: 2, Body: []byte("hi")}
	if err := store.PutMessage(msg); err != nil {
		t.Fatalf("put message: %v", err)
	}
	if err := store.PutMerkleLeaf(0, msg.ID()); err != nil {
		t.Fatalf("put leaf: %v", err)
	}

	adapter := &fakeAdapter{delivered: map[[32]byte]bool{}}
	builder := ismmeta.New(ismmeta.Config{Reader: nullReader{}})
	nonceMgr := &fakeNonceMgr{}
	q := New(Config{
		Destination:  2,
		Adapter:      adapter,
		MsgDB:        store,
		ISMBuilder:   builder,
		NonceMgr:     nonceMgr,
		TickInterval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Submit(ctx, msg); err != nil {
		t.Fatalf("submit: %v", err)
	}
	q.Start(ctx)
	defer q.Stop(time.Second)

	deadline := time.After(2 * time.Second)
	for {
		processed, err := store.IsProcessed(msg.ID())
		if err != nil {
			t.Fatalf("is processed: %v", err)
		}
		if processed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for delivery to confirm")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if adapter.calls != 1 {
		t.Errorf("expected exactly one Process call, got %d", adapter.calls)
	}
	if len(nonceMgr.submitted) != 1 {
		t.Errorf("expected the submitted nonce to be reported to the nonce manager, got %v", nonceMgr.submitted)
	}
	if len(nonceMgr.confirmed) != 1 || nonceMgr.confirmed[0] != nonceMgr.submitted[0] {
		t.Errorf("expected the same nonce reported confirmed, submitted=%v confirmed=%v", nonceMgr.submitted, nonceMgr.confirmed)
	}
}

func TestQueue_HeapOrdersByPriorityThenAttempts(t *testing.T) {
	var h opHeap
	low := &Operation{Priority: 0, seq: 0}
	high := &Operation{Priority: 5, seq: 1}
	h = append(h, low, high)
	if !h.Less(1, 0) {
		t.Fatal("expected higher priority operation to sort first")
	}
	fewer := &Operation{Priority: 0, attempts: 1, seq: 2}
	more := &Operation{Priority: 0, attempts: 3, seq: 3}
	h = append(h, fewer, more)
	if !h.Less(2, 3) {
		t.Fatal("expected fewer attempts to sort first among equal priority")
	}
}
