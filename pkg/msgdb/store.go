// Copyright 2025 Certen Protocol
//
// Package msgdb is the message and dispatch database (spec §4.5): a
// prefix-keyed projection of everything observed from an origin chain's
// mailbox, durable and idempotent under replay. Grounded on
// pkg/ledger/store.go's key-layout idiom (fixed byte-string prefixes plus
// big-endian binary suffixes over a flat KV) and pkg/kvdb/adapter.go, which
// this package reuses directly rather than re-wrapping cometbft-db itself.
package msgdb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/interlayer-xyz/relay-core/pkg/merkleacc"
	"github.com/interlayer-xyz/relay-core/pkg/model"
)

// KV is the minimal storage surface msgdb needs; kvdb.KVAdapter
// (cometbft-db) satisfies it directly.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

// Store is the message and dispatch database for one origin mailbox.
// All writes are idempotent: re-ingesting the same (origin, nonce) message
// or the same leaf index overwrites with identical bytes.
type Store struct {
	kv KV
}

// New wraps kv as a Store.
func New(kv KV) *Store {
	return &Store{kv: kv}
}

var (
	prefixMessageByNonce    = []byte("msg:by_nonce:")     // + origin(4) + nonce(4) -> Message JSON
	prefixMessageByID       = []byte("msg:by_id:")        // + id(32) -> Message JSON
	prefixProofByLeafIndex  = []byte("proof:by_leaf:")    // + leaf_index(4) -> Proof JSON
	prefixProcessed         = []byte("processed:")        // + message_id(32) -> 1-byte marker
	prefixGasPaymentBySeq   = []byte("gas:by_seq:")        // + origin(4) + paymaster(32) + seq(8) -> GasPayment JSON
	prefixMerkleLeafByIndex = []byte("merkle:leaf:")       // + leaf_index(4) -> 32-byte leaf hash
	prefixLeafIndexByID     = []byte("merkle:leaf_by_id:") // + message_id(32) -> leaf_index(4), since a
	                                                        // dispatched message's id is exactly the leaf
	                                                        // the accumulator ingests for it
)

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func messageByNonceKey(origin, nonce uint32) []byte {
	k := append([]byte{}, prefixMessageByNonce...)
	k = append(k, be32(origin)...)
	return append(k, be32(nonce)...)
}

func messageByIDKey(id [32]byte) []byte {
	return append(append([]byte{}, prefixMessageByID...), id[:]...)
}

func proofByLeafIndexKey(leafIndex uint32) []byte {
	return append(append([]byte{}, prefixProofByLeafIndex...), be32(leafIndex)...)
}

func processedKey(messageID [32]byte) []byte {
	return append(append([]byte{}, prefixProcessed...), messageID[:]...)
}

func gasPaymentKey(origin uint32, paymaster model.ID32, sequence uint64) []byte {
	k := append([]byte{}, prefixGasPaymentBySeq...)
	k = append(k, be32(origin)...)
	k = append(k, paymaster[:]...)
	return append(k, be64(sequence)...)
}

func merkleLeafByIndexKey(leafIndex uint32) []byte {
	return append(append([]byte{}, prefixMerkleLeafByIndex...), be32(leafIndex)...)
}

func leafIndexByIDKey(messageID [32]byte) []byte {
	return append(append([]byte{}, prefixLeafIndexByID...), messageID[:]...)
}

func (s *Store) getJSON(key []byte, out interface{}) (bool, error) {
	b, err := s.kv.Get(key)
	if err != nil {
		return false, fmt.Errorf("msgdb: get: %w", err)
	}
	if len(b) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("msgdb: unmarshal: %w", err)
	}
	return true, nil
}

func (s *Store) putJSON(key []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("msgdb: marshal: %w", err)
	}
	if err := s.kv.Set(key, b); err != nil {
		return fmt.Errorf("msgdb: set: %w", err)
	}
	return nil
}

// PutMessage records a dispatched message under both its (origin, nonce)
// position and its content-addressed id, so later lookups can go either way.
func (s *Store) PutMessage(msg *model.Message) error {
	if err := s.putJSON(messageByNonceKey(msg.OriginDomain, msg.Nonce), msg); err != nil {
		return err
	}
	return s.putJSON(messageByIDKey(msg.ID()), msg)
}

// MessageByNonce returns the message dispatched at (origin, nonce), or nil
// if it hasn't been observed yet.
func (s *Store) MessageByNonce(origin, nonce uint32) (*model.Message, error) {
	var msg model.Message
	found, err := s.getJSON(messageByNonceKey(origin, nonce), &msg)
	if err != nil || !found {
		return nil, err
	}
	return &msg, nil
}

// MessageByID returns the message with the given content-addressed id.
func (s *Store) MessageByID(id [32]byte) (*model.Message, error) {
	var msg model.Message
	found, err := s.getJSON(messageByIDKey(id), &msg)
	if err != nil || !found {
		return nil, err
	}
	return &msg, nil
}

// PutProof records the accumulator inclusion proof produced when a
// message's leaf was ingested, keyed by the leaf's position in the tree.
func (s *Store) PutProof(leafIndex uint32, proof *merkleacc.Proof) error {
	return s.putJSON(proofByLeafIndexKey(leafIndex), proof)
}

// ProofByLeafIndex returns the stored proof for a leaf, or nil if absent.
func (s *Store) ProofByLeafIndex(leafIndex uint32) (*merkleacc.Proof, error) {
	var proof merkleacc.Proof
	found, err := s.getJSON(proofByLeafIndexKey(leafIndex), &proof)
	if err != nil || !found {
		return nil, err
	}
	return &proof, nil
}

// MarkProcessed idempotently records that messageID has been delivered.
func (s *Store) MarkProcessed(messageID [32]byte) error {
	return s.kv.Set(processedKey(messageID), []byte{1})
}

// IsProcessed reports whether messageID has already been recorded delivered.
func (s *Store) IsProcessed(messageID [32]byte) (bool, error) {
	b, err := s.kv.Get(processedKey(messageID))
	if err != nil {
		return false, fmt.Errorf("msgdb: get processed: %w", err)
	}
	return len(b) > 0, nil
}

// PutGasPayment records an observed interchain gas payment.
func (s *Store) PutGasPayment(gp *model.GasPayment) error {
	return s.putJSON(gasPaymentKey(gp.Origin, gp.Paymaster, gp.Sequence), gp)
}

// GasPayment returns the payment recorded at (origin, paymaster, sequence).
func (s *Store) GasPayment(origin uint32, paymaster model.ID32, sequence uint64) (*model.GasPayment, error) {
	var gp model.GasPayment
	found, err := s.getJSON(gasPaymentKey(origin, paymaster, sequence), &gp)
	if err != nil || !found {
		return nil, err
	}
	return &gp, nil
}

// PutMerkleLeaf records the raw leaf hash ingested at a given accumulator
// index, independent of whether a Message was ever decoded for it. Since a
// dispatched message's leaf hash is its message id, this also records the
// reverse id -> leaf_index mapping C8/C9 need to build ISM metadata.
func (s *Store) PutMerkleLeaf(leafIndex uint32, leaf model.Bytes32) error {
	if err := s.kv.Set(merkleLeafByIndexKey(leafIndex), leaf[:]); err != nil {
		return err
	}
	return s.kv.Set(leafIndexByIDKey(leaf), be32(leafIndex))
}

// LeafIndexForMessage returns the accumulator index the message id was
// ingested at, and whether it has been observed yet.
func (s *Store) LeafIndexForMessage(messageID [32]byte) (uint32, bool, error) {
	b, err := s.kv.Get(leafIndexByIDKey(messageID))
	if err != nil {
		return 0, false, fmt.Errorf("msgdb: get leaf index: %w", err)
	}
	if len(b) != 4 {
		return 0, false, nil
	}
	return binary.BigEndian.Uint32(b), true, nil
}

// MerkleLeaf returns the leaf hash stored at leafIndex, and whether one was found.
func (s *Store) MerkleLeaf(leafIndex uint32) (model.Bytes32, bool, error) {
	b, err := s.kv.Get(merkleLeafByIndexKey(leafIndex))
	if err != nil {
		return model.Bytes32{}, false, fmt.Errorf("msgdb: get leaf: %w", err)
	}
	if len(b) != 32 {
		return model.Bytes32{}, false, nil
	}
	var leaf model.Bytes32
	copy(leaf[:], b)
	return leaf, true, nil
}
