// Copyright 2025 Certen Protocol
//
// Reference chain adapter (spec §4.4) for EVM-style mailboxes. This is the
// one chain binding the core ships with; every other chain family is
// reached only through pkg/chainadapter's interfaces. Grounded on
// pkg/ethereum/client.go (client wrapper, ABI call/pack, keyed transactor)
// and pkg/anchor/event_watcher.go (FilterQuery/FilterLogs topic scanning).
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/interlayer-xyz/relay-core/pkg/chainadapter"
	"github.com/interlayer-xyz/relay-core/pkg/errs"
	"github.com/interlayer-xyz/relay-core/pkg/model"
)

// mailboxABI covers only the methods/events this adapter exercises;
// production deployments carry the full Mailbox ABI but the relayer/
// validator pipeline only ever calls this subset.
const mailboxABI = `[
  {"type":"function","name":"count","stateMutability":"view","inputs":[],"outputs":[{"type":"uint32"}]},
  {"type":"function","name":"delivered","stateMutability":"view","inputs":[{"type":"bytes32"}],"outputs":[{"type":"bool"}]},
  {"type":"function","name":"defaultIsm","stateMutability":"view","inputs":[],"outputs":[{"type":"address"}]},
  {"type":"function","name":"recipientIsm","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"address"}]},
  {"type":"function","name":"latestCheckpoint","stateMutability":"view","inputs":[],"outputs":[{"type":"bytes32"},{"type":"uint32"}]},
  {"type":"function","name":"process","stateMutability":"nonpayable","inputs":[{"type":"bytes"},{"type":"bytes"}],"outputs":[]},
  {"type":"event","name":"Dispatch","inputs":[{"name":"sender","type":"address","indexed":true},{"name":"destination","type":"uint32","indexed":true},{"name":"recipient","type":"bytes32","indexed":true},{"name":"message","type":"bytes","indexed":false}]},
  {"type":"event","name":"Process","inputs":[{"name":"origin","type":"uint32","indexed":true},{"name":"sender","type":"bytes32","indexed":true},{"name":"recipient","type":"address","indexed":true}]},
  {"type":"event","name":"GasPayment","inputs":[{"name":"messageId","type":"bytes32","indexed":true},{"name":"destination","type":"uint32","indexed":false},{"name":"gasAmount","type":"uint256","indexed":false},{"name":"payment","type":"uint256","indexed":false}]},
  {"type":"event","name":"InsertedIntoTree","inputs":[{"name":"messageId","type":"bytes32","indexed":false},{"name":"index","type":"uint32","indexed":false}]}
]`

var validatorAnnounceABI = `[
  {"type":"function","name":"announce","stateMutability":"nonpayable","inputs":[{"type":"address"},{"type":"string"},{"type":"bytes"}],"outputs":[{"type":"bool"}]}
]`

// Adapter is the EVM reference implementation of chainadapter.SigningAdapter.
type Adapter struct {
	domain            uint32
	name              string
	client            *ethclient.Client
	chainID           *big.Int
	mailboxAddr       common.Address
	validatorAnnounce common.Address
	mailboxABI        abi.ABI
	announceABI       abi.ABI
	signer            *ecdsa.PrivateKey // nil for a read-only/indexer adapter
}

// Config describes one chain's wiring, mirroring spec §6's chain config shape.
type Config struct {
	Domain            uint32
	Name              string
	RPCURL            string
	MailboxAddress    common.Address
	ValidatorAnnounce common.Address
	ChainID           int64
	SignerKeyHex      string // empty for a read-only adapter
}

// New dials the RPC endpoint and parses both ABIs once.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errs.TransientErr("evm.New", err)
	}
	mbABI, err := abi.JSON(strings.NewReader(mailboxABI))
	if err != nil {
		return nil, errs.InternalErr("evm.New", err)
	}
	vaABI, err := abi.JSON(strings.NewReader(validatorAnnounceABI))
	if err != nil {
		return nil, errs.InternalErr("evm.New", err)
	}
	a := &Adapter{
		domain:            cfg.Domain,
		name:              cfg.Name,
		client:            client,
		chainID:           big.NewInt(cfg.ChainID),
		mailboxAddr:       cfg.MailboxAddress,
		validatorAnnounce: cfg.ValidatorAnnounce,
		mailboxABI:        mbABI,
		announceABI:       vaABI,
	}
	if cfg.SignerKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKeyHex, "0x"))
		if err != nil {
			return nil, errs.ConfigMismatchErr("evm.New", fmt.Errorf("parse signer key: %w", err))
		}
		a.signer = key
	}
	return a, nil
}

func (a *Adapter) Domain() uint32 { return a.domain }
func (a *Adapter) Name() string   { return a.name }

func (a *Adapter) blockAtReorg(ctx context.Context, reorg chainadapter.ReorgPeriod) (*big.Int, error) {
	tip, err := a.client.BlockNumber(ctx)
	if err != nil {
		return nil, errs.TransientErr("evm.blockAtReorg", err)
	}
	if reorg.Blocks >= tip {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetUint64(tip - reorg.Blocks), nil
}

func (a *Adapter) callAt(ctx context.Context, blockNumber *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	data, err := a.mailboxABI.Pack(method, args...)
	if err != nil {
		return nil, errs.InternalErr("evm.callAt", err)
	}
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.mailboxAddr, Data: data}, blockNumber)
	if err != nil {
		return nil, errs.TransientErr("evm.callAt", err)
	}
	return a.mailboxABI.Unpack(method, out)
}

func (a *Adapter) Count(ctx context.Context, reorg chainadapter.ReorgPeriod) (uint32, error) {
	blk, err := a.blockAtReorg(ctx, reorg)
	if err != nil {
		return 0, err
	}
	outs, err := a.callAt(ctx, blk, "count")
	if err != nil {
		return 0, err
	}
	return outs[0].(uint32), nil
}

func (a *Adapter) Delivered(ctx context.Context, messageID model.Bytes32) (bool, error) {
	outs, err := a.callAt(ctx, nil, "delivered", [32]byte(messageID))
	if err != nil {
		return false, err
	}
	return outs[0].(bool), nil
}

func (a *Adapter) DefaultISM(ctx context.Context) (model.ID32, error) {
	outs, err := a.callAt(ctx, nil, "defaultIsm")
	if err != nil {
		return model.ID32{}, err
	}
	return model.AddressToID32(outs[0].(common.Address)), nil
}

func (a *Adapter) RecipientISM(ctx context.Context, recipient model.ID32) (model.ID32, error) {
	var addr common.Address
	copy(addr[:], recipient[12:])
	outs, err := a.callAt(ctx, nil, "recipientIsm", addr)
	if err != nil {
		return model.ID32{}, err
	}
	return model.AddressToID32(outs[0].(common.Address)), nil
}

func (a *Adapter) LatestCheckpoint(ctx context.Context, reorg chainadapter.ReorgPeriod) (model.Checkpoint, error) {
	blk, err := a.blockAtReorg(ctx, reorg)
	if err != nil {
		return model.Checkpoint{}, err
	}
	outs, err := a.callAt(ctx, blk, "latestCheckpoint")
	if err != nil {
		return model.Checkpoint{}, err
	}
	var root model.Bytes32
	copy(root[:], outs[0].([32]byte)[:])
	return model.Checkpoint{
		MerkleTreeHook: model.AddressToID32(a.mailboxAddr),
		MailboxDomain:  a.domain,
		Root:           root,
		Index:          outs[1].(uint32),
	}, nil
}

func (a *Adapter) Process(ctx context.Context, msg *model.Message, metadata []byte, gasLimit *uint64, nonce uint64) (*chainadapter.TxOutcome, error) {
	if a.signer == nil {
		return nil, errs.ConfigMismatchErr("evm.Process", fmt.Errorf("adapter %s has no signer configured", a.name))
	}
	auth, err := bind.NewKeyedTransactorWithChainID(a.signer, a.chainID)
	if err != nil {
		return nil, errs.InternalErr("evm.Process", err)
	}
	if gasLimit != nil {
		auth.GasLimit = *gasLimit
	}
	data, err := a.mailboxABI.Pack("process", metadata, msg.CanonicalEncode())
	if err != nil {
		return nil, errs.InternalErr("evm.Process", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errs.TransientErr("evm.Process", err)
	}
	gl := auth.GasLimit
	if gl == 0 {
		gl = 500_000
	}
	tx := types.NewTransaction(nonce, a.mailboxAddr, big.NewInt(0), gl, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewLondonSigner(a.chainID), a.signer)
	if err != nil {
		return nil, errs.InternalErr("evm.Process", err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return nil, classifySendError(err)
	}
	return &chainadapter.TxOutcome{TxHash: signed.Hash().Hex(), Success: true}, nil
}

// GapFillNonce submits a zero-value self-transfer at nonce, freeing the
// account's nonce sequence to advance past a reservation that was never
// broadcast. Satisfies chainadapter.Writer and noncemgr.GapFiller (via
// NonceSource, which routes a reconciliation-detected gap to the adapter
// dialed for that destination).
func (a *Adapter) GapFillNonce(ctx context.Context, nonce uint64) (*chainadapter.TxOutcome, error) {
	if a.signer == nil {
		return nil, errs.ConfigMismatchErr("evm.GapFillNonce", fmt.Errorf("adapter %s has no signer configured", a.name))
	}
	from := crypto.PubkeyToAddress(a.signer.PublicKey)
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errs.TransientErr("evm.GapFillNonce", err)
	}
	tx := types.NewTransaction(nonce, from, big.NewInt(0), 21_000, gasPrice, nil)
	signed, err := types.SignTx(tx, types.NewLondonSigner(a.chainID), a.signer)
	if err != nil {
		return nil, errs.InternalErr("evm.GapFillNonce", err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return nil, classifySendError(err)
	}
	return &chainadapter.TxOutcome{TxHash: signed.Hash().Hex(), Success: true}, nil
}

func (a *Adapter) ProcessEstimateCosts(ctx context.Context, msg *model.Message, metadata []byte) (*chainadapter.GasEstimate, error) {
	data, err := a.mailboxABI.Pack("process", metadata, msg.CanonicalEncode())
	if err != nil {
		return nil, errs.InternalErr("evm.ProcessEstimateCosts", err)
	}
	from := common.Address{}
	if a.signer != nil {
		from = crypto.PubkeyToAddress(a.signer.PublicKey)
	}
	gasLimit, err := a.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &a.mailboxAddr, Data: data})
	if err != nil {
		return nil, errs.FailedSimulationErr("evm.ProcessEstimateCosts", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errs.TransientErr("evm.ProcessEstimateCosts", err)
	}
	return &chainadapter.GasEstimate{GasLimit: gasLimit, GasPrice: gasPrice.String()}, nil
}

func (a *Adapter) Announce(ctx context.Context, sa *model.SignedAnnouncement) (*chainadapter.TxOutcome, error) {
	if a.signer == nil {
		return nil, errs.ConfigMismatchErr("evm.Announce", fmt.Errorf("adapter %s has no signer configured", a.name))
	}
	sigBytes, err := model.RawSignatureBytes(sa.Signature)
	if err != nil {
		return nil, errs.InternalErr("evm.Announce", err)
	}
	data, err := a.announceABI.Pack("announce", sa.Value.Validator, sa.Value.StorageLocation, sigBytes)
	if err != nil {
		return nil, errs.InternalErr("evm.Announce", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(a.signer, a.chainID)
	if err != nil {
		return nil, errs.InternalErr("evm.Announce", err)
	}
	nonce, err := a.client.PendingNonceAt(ctx, auth.From)
	if err != nil {
		return nil, errs.TransientErr("evm.Announce", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errs.TransientErr("evm.Announce", err)
	}
	tx := types.NewTransaction(nonce, a.validatorAnnounce, big.NewInt(0), 300_000, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewLondonSigner(a.chainID), a.signer)
	if err != nil {
		return nil, errs.InternalErr("evm.Announce", err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return nil, classifySendError(err)
	}
	return &chainadapter.TxOutcome{TxHash: signed.Hash().Hex(), Success: true}, nil
}

func (a *Adapter) GetFinalizedBlockNumber(ctx context.Context, reorg chainadapter.ReorgPeriod) (uint64, error) {
	blk, err := a.blockAtReorg(ctx, reorg)
	if err != nil {
		return 0, err
	}
	return blk.Uint64(), nil
}

func classifySendError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") {
		return errs.RateLimitedErr("evm.SendTransaction", err)
	}
	return errs.TransientErr("evm.SendTransaction", err)
}
