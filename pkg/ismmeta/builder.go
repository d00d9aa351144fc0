// Copyright 2025 Certen Protocol
//
// Package ismmeta builds the metadata blob a destination ISM's process()
// call expects (spec §4.7). The recursion shape — depth-limited, a shared
// counter across the whole recursion tree guarded by one lock — is grounded
// on pkg/batch/consensus_coordinator.go's entriesMu sync.RWMutex pattern for
// state shared across concurrent branches of an otherwise tree-shaped
// computation.
package ismmeta

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/interlayer-xyz/relay-core/pkg/errs"
	"github.com/interlayer-xyz/relay-core/pkg/merkleacc"
	"github.com/interlayer-xyz/relay-core/pkg/model"
)

// Kind tags the ISM variant discovered at an address.
type Kind string

const (
	KindNull              Kind = "null"
	KindMultisigMessageID Kind = "multisig_message_id"
	KindMultisigMerkleRoot Kind = "multisig_merkle_root"
	KindAggregation       Kind = "aggregation"
	KindRouting           Kind = "routing"
	KindCCIPRead          Kind = "ccip_read"
)

// Field is one entry in a multisig ISM's declared token layout.
type Field string

const (
	FieldCheckpointMerkleRoot      Field = "CheckpointMerkleRoot"
	FieldCheckpointIndex           Field = "CheckpointIndex"
	FieldCheckpointMerkleTreeHook  Field = "CheckpointMerkleTreeHook"
	FieldMessageId                 Field = "MessageId"
	FieldMerkleProof               Field = "MerkleProof"
	FieldMessageMerkleLeafIndex    Field = "MessageMerkleLeafIndex"
	FieldSignatures                Field = "Signatures"
)

// MultisigConfig is what the destination contract reports for a message's
// applicable multisig ISM.
type MultisigConfig struct {
	Variant    Kind
	Validators []common.Address
	Threshold  int
	FieldOrder []Field
}

// AggregationConfig is what the destination contract reports for an
// aggregation ISM.
type AggregationConfig struct {
	SubISMs   []model.ID32
	Threshold int
}

// CCIPReadConfig is what the destination contract reports for a CCIP-read
// (off-chain lookup / FSR) ISM.
type CCIPReadConfig struct {
	URLs     []string
	CallData []byte
}

// DestinationReader performs the typed on-chain calls the builder needs to
// discover an ISM's variant and configuration. One implementation per chain
// family backs this against chainadapter.Reader's underlying RPC.
type DestinationReader interface {
	ISMKind(ctx context.Context, ism model.ID32) (Kind, error)
	MultisigConfigFor(ctx context.Context, ism model.ID32, msg *model.Message) (*MultisigConfig, error)
	AggregationConfigFor(ctx context.Context, ism model.ID32, msg *model.Message) (*AggregationConfig, error)
	RouteFor(ctx context.Context, ism model.ID32, msg *model.Message) (model.ID32, error)
	CCIPReadConfigFor(ctx context.Context, ism model.ID32, msg *model.Message) (*CCIPReadConfig, error)
}

// QuorumSource resolves a multisig-signed checkpoint at a message's leaf
// index. Satisfied by *pkg/quorum.Aggregator.
type QuorumSource interface {
	FetchCheckpoint(ctx context.Context, index uint32) (*model.MultisigSignedCheckpoint, error)
}

// AccumulatorSource produces a historical inclusion proof for MerkleRoot
// multisig ISMs. Satisfied by *pkg/merkleacc.Accumulator.
type AccumulatorSource interface {
	ProveAgainstPrevious(leafIndex, rootIndex uint32) (*merkleacc.Proof, error)
}

// Limits bounds the aggregation/routing recursion tree (spec §4.7).
type Limits struct {
	MaxDepth int
	MaxCount int
}

func DefaultLimits() Limits { return Limits{MaxDepth: 8, MaxCount: 32} }

// Config wires a Builder for one destination chain.
type Config struct {
	Reader       DestinationReader
	Quorum       QuorumSource
	Accumulator  AccumulatorSource
	HTTPClient   *http.Client
	Denylist     *regexp.Regexp // URLs matching this are refused for CCIP-read
	RelayerKey   []byte         // optional: signs an EIP-191 auth header for CCIP-read
	Limits       Limits
	CacheTTL     time.Duration // default ISM cache TTL; 0 uses the spec default (10m)
}

// Result is the builder's output: the metadata blob, plus an optional
// replacement message body a CCIP-read ISM supplied.
type Result struct {
	Metadata     []byte
	ReplacedBody []byte
}

// Builder recursively constructs ISM metadata.
type Builder struct {
	cfg Config

	cacheMu    sync.Mutex
	cache      map[model.ID32]cachedISM
}

type cachedISM struct {
	kind    Kind
	fetched time.Time
}

// New constructs a Builder.
func New(cfg Config) *Builder {
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Builder{cfg: cfg, cache: make(map[model.ID32]cachedISM)}
}

// sharedCounter is the recursion-tree-wide sub-ISM budget; ism_count in
// spec §4.7 is shared across the whole tree, unlike ism_depth which is
// local to each branch.
type sharedCounter struct {
	mu    sync.Mutex
	count int
	limit int
}

func (c *sharedCounter) take() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count >= c.limit {
		return fmt.Errorf("ism count limit %d exceeded", c.limit)
	}
	c.count++
	return nil
}

// Build produces the metadata blob for (ism, message) at the message's
// accumulator leaf index.
func (b *Builder) Build(ctx context.Context, ism model.ID32, msg *model.Message, leafIndex uint32) (*Result, error) {
	counter := &sharedCounter{limit: b.cfg.Limits.MaxCount}
	if err := counter.take(); err != nil {
		return nil, errs.RefusedErr("ismmeta.Build", err)
	}
	return b.build(ctx, ism, msg, leafIndex, 0, counter)
}

func (b *Builder) build(ctx context.Context, ism model.ID32, msg *model.Message, leafIndex uint32, depth int, counter *sharedCounter) (*Result, error) {
	if depth > b.cfg.Limits.MaxDepth {
		return nil, errs.RefusedErr("ismmeta.build", fmt.Errorf("ism depth limit %d exceeded", b.cfg.Limits.MaxDepth))
	}
	kind, err := b.kindOf(ctx, ism)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindNull:
		return &Result{}, nil
	case KindMultisigMessageID, KindMultisigMerkleRoot:
		return b.buildMultisig(ctx, ism, msg, leafIndex, kind)
	case KindAggregation:
		return b.buildAggregation(ctx, ism, msg, leafIndex, depth, counter)
	case KindRouting:
		return b.buildRouting(ctx, ism, msg, leafIndex, depth, counter)
	case KindCCIPRead:
		return b.buildCCIPRead(ctx, ism, msg)
	default:
		return nil, errs.RefusedErr("ismmeta.build", fmt.Errorf("unsupported ism kind %q", kind))
	}
}

func (b *Builder) kindOf(ctx context.Context, ism model.ID32) (Kind, error) {
	b.cacheMu.Lock()
	if c, ok := b.cache[ism]; ok && time.Since(c.fetched) < b.cfg.CacheTTL {
		b.cacheMu.Unlock()
		return c.kind, nil
	}
	b.cacheMu.Unlock()

	kind, err := b.cfg.Reader.ISMKind(ctx, ism)
	if err != nil {
		return "", errs.CouldNotFetchErr("ismmeta.kindOf", err)
	}
	b.cacheMu.Lock()
	b.cache[ism] = cachedISM{kind: kind, fetched: time.Now()}
	b.cacheMu.Unlock()
	return kind, nil
}

func (b *Builder) buildMultisig(ctx context.Context, ism model.ID32, msg *model.Message, leafIndex uint32, kind Kind) (*Result, error) {
	cfg, err := b.cfg.Reader.MultisigConfigFor(ctx, ism, msg)
	if err != nil {
		return nil, errs.CouldNotFetchErr("ismmeta.buildMultisig", err)
	}
	msc, err := b.cfg.Quorum.FetchCheckpoint(ctx, leafIndex)
	if err != nil {
		return nil, err
	}
	if msc == nil {
		return nil, errs.CouldNotFetchErr("ismmeta.buildMultisig", fmt.Errorf("no quorum reached at index %d", leafIndex))
	}

	var proof *merkleacc.Proof
	if kind == KindMultisigMerkleRoot {
		proof, err = b.cfg.Accumulator.ProveAgainstPrevious(leafIndex, msc.Value.Index)
		if err != nil {
			return nil, errs.InternalErr("ismmeta.buildMultisig", err)
		}
	}

	var out []byte
	for _, f := range cfg.FieldOrder {
		switch f {
		case FieldCheckpointMerkleRoot:
			out = append(out, msc.Value.Root[:]...)
		case FieldCheckpointIndex:
			out = append(out, be32(msc.Value.Index)...)
		case FieldCheckpointMerkleTreeHook:
			out = append(out, msc.Value.MerkleTreeHook[:]...)
		case FieldMessageId:
			id := msg.ID()
			out = append(out, id[:]...)
		case FieldMerkleProof:
			if proof == nil {
				return nil, errs.InternalErr("ismmeta.buildMultisig", fmt.Errorf("merkle proof requested for non-merkle-root ism"))
			}
			for _, node := range proof.Path {
				h, err := hexToBytes32(node.Hash)
				if err != nil {
					return nil, errs.InternalErr("ismmeta.buildMultisig", err)
				}
				out = append(out, h[:]...)
			}
		case FieldMessageMerkleLeafIndex:
			out = append(out, be32(leafIndex)...)
		case FieldSignatures:
			for _, sig := range msc.Signatures {
				raw, err := model.RawSignatureBytes(sig)
				if err != nil {
					return nil, errs.InternalErr("ismmeta.buildMultisig", err)
				}
				out = append(out, raw...)
			}
		default:
			return nil, errs.InternalErr("ismmeta.buildMultisig", fmt.Errorf("unknown field %q in declared layout", f))
		}
	}
	return &Result{Metadata: out}, nil
}

func (b *Builder) buildAggregation(ctx context.Context, ism model.ID32, msg *model.Message, leafIndex uint32, depth int, counter *sharedCounter) (*Result, error) {
	cfg, err := b.cfg.Reader.AggregationConfigFor(ctx, ism, msg)
	if err != nil {
		return nil, errs.CouldNotFetchErr("ismmeta.buildAggregation", err)
	}

	type subResult struct {
		idx int
		res *Result
		err error
	}
	results := make([]subResult, len(cfg.SubISMs))
	var wg sync.WaitGroup
	for i, sub := range cfg.SubISMs {
		if err := counter.take(); err != nil {
			results[i] = subResult{idx: i, err: errs.RefusedErr("ismmeta.buildAggregation", err)}
			continue
		}
		i, sub := i, sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := b.build(ctx, sub, msg, leafIndex, depth+1, counter)
			results[i] = subResult{idx: i, res: res, err: err}
		}()
	}
	wg.Wait()

	var successes []subResult
	for _, r := range results {
		if r.err == nil && r.res != nil {
			successes = append(successes, r)
		}
		if len(successes) >= cfg.Threshold {
			break
		}
	}
	if len(successes) < cfg.Threshold {
		return nil, errs.CouldNotFetchErr("ismmeta.buildAggregation", fmt.Errorf("only %d/%d sub-isms succeeded", len(successes), cfg.Threshold))
	}
	successes = successes[:cfg.Threshold]

	offsets := make([]byte, 4*len(cfg.SubISMs))
	var blob []byte
	cursor := uint32(len(offsets))
	taken := make(map[int]bool, len(successes))
	for _, s := range successes {
		taken[s.idx] = true
		binary.BigEndian.PutUint32(offsets[4*s.idx:], cursor)
		blob = append(blob, s.res.Metadata...)
		cursor += uint32(len(s.res.Metadata))
	}
	return &Result{Metadata: append(offsets, blob...)}, nil
}

func (b *Builder) buildRouting(ctx context.Context, ism model.ID32, msg *model.Message, leafIndex uint32, depth int, counter *sharedCounter) (*Result, error) {
	route, err := b.cfg.Reader.RouteFor(ctx, ism, msg)
	if err != nil {
		return nil, errs.CouldNotFetchErr("ismmeta.buildRouting", err)
	}
	if err := counter.take(); err != nil {
		return nil, errs.RefusedErr("ismmeta.buildRouting", err)
	}
	return b.build(ctx, route, msg, leafIndex, depth+1, counter)
}

func (b *Builder) buildCCIPRead(ctx context.Context, ism model.ID32, msg *model.Message) (*Result, error) {
	cfg, err := b.cfg.Reader.CCIPReadConfigFor(ctx, ism, msg)
	if err != nil {
		return nil, errs.CouldNotFetchErr("ismmeta.buildCCIPRead", err)
	}
	for _, url := range cfg.URLs {
		if b.cfg.Denylist != nil && b.cfg.Denylist.MatchString(url) {
			continue
		}
		resp, err := b.fetchCCIPRead(ctx, url, cfg.CallData)
		if err != nil {
			continue // try the next gateway
		}
		return resp, nil
	}
	return nil, errs.CouldNotFetchErr("ismmeta.buildCCIPRead", fmt.Errorf("no CCIP-read gateway produced a usable response"))
}

type ccipReadResponse struct {
	Data        string `json:"data"`
	MessageBody string `json:"messageBody,omitempty"`
}

func (b *Builder) fetchCCIPRead(ctx context.Context, url string, callData []byte) (*Result, error) {
	var req *http.Request
	var err error
	if strings.Contains(url, "{data}") {
		url = strings.ReplaceAll(url, "{data}", "0x"+hexEncode(callData))
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	} else {
		body, merr := json.Marshal(map[string]string{"data": "0x" + hexEncode(callData)})
		if merr != nil {
			return nil, merr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, err
	}
	if b.cfg.RelayerKey != nil {
		sig, sigErr := signRelayerAuth(b.cfg.RelayerKey, callData)
		if sigErr == nil {
			req.Header.Set("X-Relayer-Signature", "0x"+hex.EncodeToString(sig))
		}
	}
	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ccip-read gateway returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed ccipReadResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	data, err := hexDecode(parsed.Data)
	if err != nil {
		return nil, err
	}
	result := &Result{Metadata: data}
	if parsed.MessageBody != "" {
		// Accepting a replaced body here is an operator-level trust
		// decision about the gateway, not something this builder verifies.
		body, err := hexDecode(parsed.MessageBody)
		if err != nil {
			return nil, err
		}
		result.ReplacedBody = body
	}
	return result, nil
}

// signRelayerAuth produces an EIP-191 signature over the call data, for
// CCIP-read gateways that gate access to a known relayer set.
func signRelayerAuth(key []byte, callData []byte) ([]byte, error) {
	priv, err := crypto.ToECDSA(key)
	if err != nil {
		return nil, err
	}
	digest := crypto.Keccak256(callData)
	prefixed := crypto.Keccak256(append([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(digest))), digest...))
	return crypto.Sign(prefixed, priv)
}

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
}

func hexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hexDecode(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("ismmeta: expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
