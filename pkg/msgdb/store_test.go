// Copyright 2025 Certen Protocol

package msgdb

import (
	"testing"

	"github.com/interlayer-xyz/relay-core/pkg/merkleacc"
	"github.com/interlayer-xyz/relay-core/pkg/model"
)

type memKV struct {
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(key []byte) ([]byte, error) { return m.data[string(key)], nil }
func (m *memKV) Set(key, value []byte) error {
	cp := append([]byte{}, value...)
	m.data[string(key)] = cp
	return nil
}

func TestPutMessage_LookupByNonceAndID(t *testing.T) {
	s := New(newMemKV())
	msg := &model.Message{Version: 3, Nonce: 5, OriginDomain: 1, DestinationDomain: 2, Body: []byte("hello")}

	if err := s.PutMessage(msg); err != nil {
		t.Fatalf("put message: %v", err)
	}

	byNonce, err := s.MessageByNonce(1, 5)
	if err != nil {
		t.Fatalf("by nonce: %v", err)
	}
	if byNonce == nil || byNonce.Nonce != 5 {
		t.Fatalf("expected nonce 5, got %v", byNonce)
	}

	byID, err := s.MessageByID(msg.ID())
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if byID == nil || byID.Nonce != 5 {
		t.Fatalf("expected nonce 5 by id, got %v", byID)
	}

	missing, err := s.MessageByNonce(1, 6)
	if err != nil {
		t.Fatalf("missing lookup: %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil for unobserved nonce")
	}
}

func TestPutMessage_ReingestIsIdempotent(t *testing.T) {
	s := New(newMemKV())
	msg := &model.Message{Version: 3, Nonce: 1, OriginDomain: 9, Body: []byte("x")}
	if err := s.PutMessage(msg); err != nil {
		t.Fatalf("put 1: %v", err)
	}
	if err := s.PutMessage(msg); err != nil {
		t.Fatalf("put 2: %v", err)
	}
	got, err := s.MessageByNonce(9, 1)
	if err != nil || got == nil {
		t.Fatalf("expected message after double-put, err=%v got=%v", err, got)
	}
}

func TestMarkProcessed_IdempotentAndDistinct(t *testing.T) {
	s := New(newMemKV())
	var id1, id2 [32]byte
	id1[0] = 1
	id2[0] = 2

	processed, err := s.IsProcessed(id1)
	if err != nil || processed {
		t.Fatalf("expected unprocessed, err=%v processed=%v", err, processed)
	}

	if err := s.MarkProcessed(id1); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if err := s.MarkProcessed(id1); err != nil {
		t.Fatalf("mark processed again: %v", err)
	}

	processed, err = s.IsProcessed(id1)
	if err != nil || !processed {
		t.Fatalf("expected processed, err=%v processed=%v", err, processed)
	}
	processed, err = s.IsProcessed(id2)
	if err != nil || processed {
		t.Fatalf("expected id2 unprocessed, err=%v processed=%v", err, processed)
	}
}

func TestProofAndMerkleLeafRoundTrip(t *testing.T) {
	s := New(newMemKV())
	acc := merkleacc.New()
	leaf := merkleacc.HashLeaf([]byte("leaf-0"))
	if err := acc.Ingest(leaf); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	proof, err := acc.ProveAgainstCurrent(0)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if err := s.PutProof(0, proof); err != nil {
		t.Fatalf("put proof: %v", err)
	}
	got, err := s.ProofByLeafIndex(0)
	if err != nil || got == nil {
		t.Fatalf("get proof: err=%v got=%v", err, got)
	}
	if got.LeafIndex != 0 {
		t.Errorf("leaf index mismatch: got %d", got.LeafIndex)
	}

	var leafHash model.Bytes32
	copy(leafHash[:], leaf[:])
	if err := s.PutMerkleLeaf(0, leafHash); err != nil {
		t.Fatalf("put leaf: %v", err)
	}
	gotLeaf, found, err := s.MerkleLeaf(0)
	if err != nil || !found {
		t.Fatalf("get leaf: err=%v found=%v", err, found)
	}
	if gotLeaf != leafHash {
		t.Error("leaf hash mismatch")
	}
}

func TestGasPaymentRoundTrip(t *testing.T) {
	s := New(newMemKV())
	gp := &model.GasPayment{Origin: 1, Sequence: 42, Amount: "1000"}
	if err := s.PutGasPayment(gp); err != nil {
		t.Fatalf("put gas payment: %v", err)
	}
	got, err := s.GasPayment(1, model.ID32{}, 42)
	if err != nil || got == nil {
		t.Fatalf("get gas payment: err=%v got=%v", err, got)
	}
	if got.Amount != "1000" {
		t.Errorf("amount mismatch: got %s", got.Amount)
	}
}
