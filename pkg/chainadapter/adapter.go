// Copyright 2025 Certen Protocol
//
// Package chainadapter defines the per-chain capability set every chain
// integration implements (spec §4.4): reads, writes, and indexing. This is
// a composition of small interfaces rather than a class hierarchy — the
// same shape as the teacher's pkg/chain/strategy.ChainExecutionStrategy,
// generalized from "3-step anchor workflow" to the mailbox-dispatch/process
// lifecycle this spec describes. Not every chain implements every
// capability (an indexer-only integration has no Signer).
package chainadapter

import (
	"context"
	"time"

	"github.com/interlayer-xyz/relay-core/pkg/model"
)

// ReorgPeriod is a chain-specific finality margin, expressed either as a
// block count or a wall-clock duration.
type ReorgPeriod struct {
	Blocks   uint64
	Duration time.Duration
}

// TxOutcome is the chain-agnostic result of a broadcast transaction.
type TxOutcome struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
}

// GasEstimate is the result of process_estimate_costs.
type GasEstimate struct {
	GasLimit      uint64
	GasPrice      string // decimal string, native units
	L2GasLimit    *uint64
}

// EventKind tags an indexed mailbox event.
type EventKind string

const (
	EventDispatch       EventKind = "dispatch"
	EventDelivery       EventKind = "delivery"
	EventGasPayment     EventKind = "gas_payment"
	EventMerkleInsertion EventKind = "merkle_insertion"
)

// LogMeta carries the chain-position metadata for an indexed event.
type LogMeta struct {
	BlockNumber uint64
	BlockHash   string
	TxHash      string
	LogIndex    uint
}

// IndexedEvent pairs a decoded payload with its chain position. Payload is
// one of *model.Message (dispatch), model.Bytes32 (delivery: the message
// id), *model.GasPayment, or a merkle-insertion leaf/index pair.
type IndexedEvent struct {
	Kind    EventKind
	Meta    LogMeta
	Payload interface{}
}

// MerkleInsertion is the payload for an EventMerkleInsertion.
type MerkleInsertion struct {
	LeafIndex uint32
	LeafHash  model.Bytes32
}

// BlockRange is an inclusive [From, To] block window for a log scan.
type BlockRange struct {
	From uint64
	To   uint64
}

// Reader is the read-only capability set: count, delivery status, ISM
// resolution, latest checkpoint.
type Reader interface {
	Count(ctx context.Context, reorg ReorgPeriod) (uint32, error)
	Delivered(ctx context.Context, messageID model.Bytes32) (bool, error)
	DefaultISM(ctx context.Context) (model.ID32, error)
	RecipientISM(ctx context.Context, recipient model.ID32) (model.ID32, error)
	LatestCheckpoint(ctx context.Context, reorg ReorgPeriod) (model.Checkpoint, error)
}

// Writer is the transaction-broadcasting capability set. Not every
// integration has a signer wired (pure indexers omit this). Process takes an
// explicit nonce rather than deriving one internally, since the nonce
// manager (spec §4.10) is the single source of truth for which nonce an
// operation occupies — an adapter that picked its own would make the
// manager's reservation and reconciliation bookkeeping fictional.
type Writer interface {
	Process(ctx context.Context, msg *model.Message, metadata []byte, gasLimit *uint64, nonce uint64) (*TxOutcome, error)
	ProcessEstimateCosts(ctx context.Context, msg *model.Message, metadata []byte) (*GasEstimate, error)
	Announce(ctx context.Context, sa *model.SignedAnnouncement) (*TxOutcome, error)
	// GapFillNonce closes a gap left by a nonce that was reserved but never
	// broadcast, submitting a minimal transaction at nonce so the account's
	// nonce sequence can advance past it.
	GapFillNonce(ctx context.Context, nonce uint64) (*TxOutcome, error)
}

// Indexer is the event-scanning capability set.
type Indexer interface {
	FetchLogsInRange(ctx context.Context, r BlockRange) ([]IndexedEvent, error)
	FetchLogsByTxHash(ctx context.Context, txHash string) ([]IndexedEvent, error)
	GetFinalizedBlockNumber(ctx context.Context, reorg ReorgPeriod) (uint64, error)
}

// Adapter is the full per-chain capability set. A chain integration that
// only indexes embeds Reader+Indexer with a nil Writer portion; callers
// type-assert to the sub-interface they need rather than requiring the
// whole set be populated.
type Adapter interface {
	Domain() uint32
	Name() string
	Reader
	Indexer
}

// SigningAdapter additionally implements Writer; most relayer/validator
// destinations need this, pure origin-side indexers do not.
type SigningAdapter interface {
	Adapter
	Writer
}

// CursorState is the per-origin indexer's persisted scan position (spec
// §4.4's "Scanning -> Caught-up -> Scanning" state machine).
type CursorState struct {
	Domain          uint32
	LastBlock       uint64
	SequenceWatermark *uint32
}
