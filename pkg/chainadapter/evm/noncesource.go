// Copyright 2025 Certen Protocol
//
// NonceSource implements noncemgr.ChainNonceSource over a set of dialed EVM
// adapters, one per destination domain. Used to seed and reconcile the
// nonce manager's per-destination next_nonce against the chain's own view.
package evm

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/interlayer-xyz/relay-core/pkg/errs"
)

var errUnknownDestination = errors.New("no adapter configured for destination domain")

// NonceSource fetches the account nonce a destination chain currently
// reports for an address. "Finalized" here means the latest confirmed
// block's view via eth_getTransactionCount, not a reorg-depth-adjusted
// historical block: EVM nonces aren't meaningfully queryable at older
// blocks once a transaction has landed, so the manager's own reconciliation
// loop is what absorbs any shallow-reorg discrepancy.
type NonceSource struct {
	adapters map[uint32]*Adapter
}

// NewNonceSource wires a NonceSource over the given per-domain adapters.
func NewNonceSource(adapters map[uint32]*Adapter) *NonceSource {
	return &NonceSource{adapters: adapters}
}

// FinalizedNonce satisfies noncemgr.ChainNonceSource.
func (n *NonceSource) FinalizedNonce(ctx context.Context, destination uint32, address string) (uint64, error) {
	a, ok := n.adapters[destination]
	if !ok {
		return 0, errs.ConfigMismatchErr("evm.NonceSource.FinalizedNonce", errUnknownDestination)
	}
	return a.client.NonceAt(ctx, common.HexToAddress(address), nil)
}

// GapFillNonce satisfies noncemgr.GapFiller, routing a reconciliation-
// detected gap to the adapter dialed for destination.
func (n *NonceSource) GapFillNonce(ctx context.Context, destination uint32, address string, nonce uint64) error {
	a, ok := n.adapters[destination]
	if !ok {
		return errs.ConfigMismatchErr("evm.NonceSource.GapFillNonce", errUnknownDestination)
	}
	_, err := a.GapFillNonce(ctx, nonce)
	return err
}
