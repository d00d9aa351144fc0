// Copyright 2025 Certen Protocol
//
// ISMReader is the EVM-backed ismmeta.DestinationReader: the typed on-chain
// calls the metadata builder needs to discover an ISM's variant and
// configuration. Grounded on mailbox.go's callAt/ABI-pack-and-unpack idiom,
// generalized from the mailbox's fixed ABI to whatever ISM contract address
// the builder hands it.
package evm

import (
	"context"
	"errors"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/interlayer-xyz/relay-core/pkg/errs"
	"github.com/interlayer-xyz/relay-core/pkg/ismmeta"
	"github.com/interlayer-xyz/relay-core/pkg/model"
)

// ismABI covers the handful of view methods the builder needs across every
// ISM variant; a deployed ISM only ever implements the subset matching its
// own moduleType().
const ismABI = `[
  {"type":"function","name":"moduleType","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]},
  {"type":"function","name":"validatorsAndThreshold","stateMutability":"view","inputs":[{"type":"bytes"}],"outputs":[{"type":"address[]"},{"type":"uint8"}]},
  {"type":"function","name":"modulesAndThreshold","stateMutability":"view","inputs":[{"type":"bytes"}],"outputs":[{"type":"address[]"},{"type":"uint8"}]},
  {"type":"function","name":"route","stateMutability":"view","inputs":[{"type":"bytes"}],"outputs":[{"type":"address"}]},
  {"type":"function","name":"offchainUrls","stateMutability":"view","inputs":[],"outputs":[{"type":"string[]"}]}
]`

// moduleType values, in the order the Hyperlane ISM interface declares them.
const (
	moduleTypeUnused               = 0
	moduleTypeRouting              = 1
	moduleTypeAggregation          = 2
	moduleTypeLegacyMultisig       = 3
	moduleTypeMerkleRootMultisig   = 4
	moduleTypeMessageIdMultisig    = 5
	moduleTypeNull                 = 6
	moduleTypeCCIPRead             = 7
)

var _ ismmeta.DestinationReader = (*onchainISMReader)(nil)

// onchainISMReader is the concrete reader, built directly against an
// *Adapter's dialed client so it shares the same RPC connection as the
// mailbox calls.
type onchainISMReader struct {
	a   *Adapter
	abi abi.ABI
}

// NewISMReader builds a DestinationReader backed by adapter's RPC client.
func NewISMReader(adapter *Adapter) (ismmeta.DestinationReader, error) {
	parsed, err := abi.JSON(strings.NewReader(ismABI))
	if err != nil {
		return nil, errs.InternalErr("evm.NewISMReader", err)
	}
	return &onchainISMReader{a: adapter, abi: parsed}, nil
}

func (r *onchainISMReader) call(ctx context.Context, ism model.ID32, method string, args ...interface{}) ([]interface{}, error) {
	addr := idToAddress(ism)
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, errs.InternalErr("evm.ISMReader.call", err)
	}
	out, err := r.a.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, errs.TransientErr("evm.ISMReader.call", err)
	}
	return r.abi.Unpack(method, out)
}

func idToAddress(id model.ID32) common.Address {
	var addr common.Address
	copy(addr[:], id[12:])
	return addr
}

func (r *onchainISMReader) ISMKind(ctx context.Context, ism model.ID32) (ismmeta.Kind, error) {
	outs, err := r.call(ctx, ism, "moduleType")
	if err != nil {
		return "", err
	}
	switch outs[0].(uint8) {
	case moduleTypeNull, moduleTypeUnused:
		return ismmeta.KindNull, nil
	case moduleTypeRouting:
		return ismmeta.KindRouting, nil
	case moduleTypeAggregation:
		return ismmeta.KindAggregation, nil
	case moduleTypeMerkleRootMultisig:
		return ismmeta.KindMultisigMerkleRoot, nil
	case moduleTypeLegacyMultisig, moduleTypeMessageIdMultisig:
		return ismmeta.KindMultisigMessageID, nil
	case moduleTypeCCIPRead:
		return ismmeta.KindCCIPRead, nil
	default:
		return ismmeta.KindNull, errs.ConfigMismatchErr("evm.ISMKind", errUnknownModuleType)
	}
}

var errUnknownModuleType = errors.New("unrecognized ISM moduleType")

func (r *onchainISMReader) MultisigConfigFor(ctx context.Context, ism model.ID32, msg *model.Message) (*ismmeta.MultisigConfig, error) {
	kind, err := r.ISMKind(ctx, ism)
	if err != nil {
		return nil, err
	}
	outs, err := r.call(ctx, ism, "validatorsAndThreshold", msg.CanonicalEncode())
	if err != nil {
		return nil, err
	}
	return &ismmeta.MultisigConfig{
		Variant:    kind,
		Validators: outs[0].([]common.Address),
		Threshold:  int(outs[1].(uint8)),
		FieldOrder: defaultMultisigFieldOrder(kind),
	}, nil
}

func defaultMultisigFieldOrder(kind ismmeta.Kind) []ismmeta.Field {
	if kind == ismmeta.KindMultisigMerkleRoot {
		return []ismmeta.Field{
			ismmeta.FieldCheckpointMerkleTreeHook,
			ismmeta.FieldCheckpointMerkleRoot,
			ismmeta.FieldCheckpointIndex,
			ismmeta.FieldMessageMerkleLeafIndex,
			ismmeta.FieldMerkleProof,
			ismmeta.FieldSignatures,
		}
	}
	return []ismmeta.Field{
		ismmeta.FieldCheckpointMerkleTreeHook,
		ismmeta.FieldCheckpointMerkleRoot,
		ismmeta.FieldCheckpointIndex,
		ismmeta.FieldMessageId,
		ismmeta.FieldSignatures,
	}
}

func (r *onchainISMReader) AggregationConfigFor(ctx context.Context, ism model.ID32, msg *model.Message) (*ismmeta.AggregationConfig, error) {
	outs, err := r.call(ctx, ism, "modulesAndThreshold", msg.CanonicalEncode())
	if err != nil {
		return nil, err
	}
	addrs := outs[0].([]common.Address)
	subs := make([]model.ID32, len(addrs))
	for i, a := range addrs {
		subs[i] = model.AddressToID32(a)
	}
	return &ismmeta.AggregationConfig{SubISMs: subs, Threshold: int(outs[1].(uint8))}, nil
}

func (r *onchainISMReader) RouteFor(ctx context.Context, ism model.ID32, msg *model.Message) (model.ID32, error) {
	outs, err := r.call(ctx, ism, "route", msg.CanonicalEncode())
	if err != nil {
		return model.ID32{}, err
	}
	return model.AddressToID32(outs[0].(common.Address)), nil
}

// CCIPReadConfigFor covers the common case of a fixed, on-chain-declared URL
// set rather than replaying the EIP-3668 OffchainLookup revert-data
// convention: faithfully reconstructing that ABI-encoded revert is out of
// scope for this reference adapter.
func (r *onchainISMReader) CCIPReadConfigFor(ctx context.Context, ism model.ID32, msg *model.Message) (*ismmeta.CCIPReadConfig, error) {
	outs, err := r.call(ctx, ism, "offchainUrls")
	if err != nil {
		return nil, err
	}
	return &ismmeta.CCIPReadConfig{URLs: outs[0].([]string), CallData: msg.CanonicalEncode()}, nil
}
