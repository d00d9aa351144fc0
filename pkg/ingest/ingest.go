// Copyright 2025 Certen Protocol
//
// Package ingest drives one origin chain's Scanning/Caught-up indexer loop
// (spec §4.4): poll forward from an in-memory cursor in bounded block
// ranges, decode dispatch/delivery/gas-payment/merkle-insertion events, and
// project them into the message database and Merkle accumulator. The cursor
// starts at Config.StartBlock on every New and is not persisted. Grounded
// on pkg/anchor/event_watcher.go's pollLoop/pollEvents (ticker-driven,
// capped-range FilterLogs, advance-cursor-only-on-success).
package ingest

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/interlayer-xyz/relay-core/pkg/chainadapter"
	"github.com/interlayer-xyz/relay-core/pkg/errs"
	"github.com/interlayer-xyz/relay-core/pkg/merkleacc"
	"github.com/interlayer-xyz/relay-core/pkg/model"
	"github.com/interlayer-xyz/relay-core/pkg/msgdb"
)

var errBadPayload = errors.New("unexpected payload type for event kind")

// Config wires an indexer loop for one origin chain.
type Config struct {
	Indexer       chainadapter.Indexer
	ReorgPeriod   chainadapter.ReorgPeriod
	MsgDB         *msgdb.Store
	Accumulator   *merkleacc.Accumulator
	StartBlock    uint64
	MaxBlockRange uint64 // cap per FilterLogs call; most public RPC providers limit this
	PollInterval  time.Duration
	Logger        *log.Logger
}

// Indexer runs the scan loop for one origin chain's mailbox.
type Indexer struct {
	cfg    Config
	cursor uint64
}

// New constructs an Indexer starting at cfg.StartBlock.
func New(cfg Config) *Indexer {
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 2000
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[ingest] ", log.LstdFlags)
	}
	return &Indexer{cfg: cfg, cursor: cfg.StartBlock}
}

// Cursor reports the next block this indexer will include in a scan.
func (idx *Indexer) Cursor() uint64 { return idx.cursor }

// Run polls forward until ctx is cancelled.
func (idx *Indexer) Run(ctx context.Context) error {
	ticker := time.NewTicker(idx.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := idx.poll(ctx); err != nil {
			idx.cfg.Logger.Printf("poll failed, retrying next tick: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (idx *Indexer) poll(ctx context.Context) error {
	finalized, err := idx.cfg.Indexer.GetFinalizedBlockNumber(ctx, idx.cfg.ReorgPeriod)
	if err != nil {
		return err
	}
	if finalized < idx.cursor {
		return nil // nothing new behind the reorg margin yet
	}

	to := finalized
	if to-idx.cursor > idx.cfg.MaxBlockRange {
		to = idx.cursor + idx.cfg.MaxBlockRange
	}

	events, err := idx.cfg.Indexer.FetchLogsInRange(ctx, chainadapter.BlockRange{From: idx.cursor, To: to})
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := idx.apply(ev); err != nil {
			idx.cfg.Logger.Printf("failed to apply event at block %d: %v", ev.Meta.BlockNumber, err)
			continue
		}
	}
	idx.cursor = to + 1
	return nil
}

func (idx *Indexer) apply(ev chainadapter.IndexedEvent) error {
	switch ev.Kind {
	case chainadapter.EventDispatch:
		msg, ok := ev.Payload.(*model.Message)
		if !ok {
			return errs.InternalErr("ingest.apply", errBadPayload)
		}
		return idx.cfg.MsgDB.PutMessage(msg)

	case chainadapter.EventDelivery:
		id, ok := ev.Payload.(model.Bytes32)
		if !ok {
			return errs.InternalErr("ingest.apply", errBadPayload)
		}
		return idx.cfg.MsgDB.MarkProcessed([32]byte(id))

	case chainadapter.EventGasPayment:
		gp, ok := ev.Payload.(*model.GasPayment)
		if !ok {
			return errs.InternalErr("ingest.apply", errBadPayload)
		}
		return idx.cfg.MsgDB.PutGasPayment(gp)

	case chainadapter.EventMerkleInsertion:
		ins, ok := ev.Payload.(*chainadapter.MerkleInsertion)
		if !ok {
			return errs.InternalErr("ingest.apply", errBadPayload)
		}
		if err := idx.cfg.MsgDB.PutMerkleLeaf(ins.LeafIndex, ins.LeafHash); err != nil {
			return err
		}
		return idx.cfg.Accumulator.Ingest(merkleacc.Hash(ins.LeafHash))
	}
	return nil
}
