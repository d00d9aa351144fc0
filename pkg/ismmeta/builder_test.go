// Copyright 2025 Certen Protocol

package ismmeta

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/interlayer-xyz/relay-core/pkg/model"
)

type fakeReader struct {
	kinds         map[model.ID32]Kind
	multisig      map[model.ID32]*MultisigConfig
	aggregation   map[model.ID32]*AggregationConfig
	routes        map[model.ID32]model.ID32
	ccipConfig    map[model.ID32]*CCIPReadConfig
}

func (f *fakeReader) ISMKind(ctx context.Context, ism model.ID32) (Kind, error) {
	return f.kinds[ism], nil
}
func (f *fakeReader) MultisigConfigFor(ctx context.Context, ism model.ID32, msg *model.Message) (*MultisigConfig, error) {
	return f.multisig[ism], nil
}
func (f *fakeReader) AggregationConfigFor(ctx context.Context, ism model.ID32, msg *model.Message) (*AggregationConfig, error) {
	return f.aggregation[ism], nil
}
func (f *fakeReader) RouteFor(ctx context.Context, ism model.ID32, msg *model.Message) (model.ID32, error) {
	return f.routes[ism], nil
}
func (f *fakeReader) CCIPReadConfigFor(ctx context.Context, ism model.ID32, msg *model.Message) (*CCIPReadConfig, error) {
	return f.ccipConfig[ism], nil
}

type fakeQuorum struct {
	checkpoint *model.MultisigSignedCheckpoint
}

func (q *fakeQuorum) FetchCheckpoint(ctx context.Context, index uint32) (*model.MultisigSignedCheckpoint, error) {
	return q.checkpoint, nil
}

func signedCheckpointFixture(t *testing.T) *model.MultisigSignedCheckpoint {
	t.Helper()
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	c := model.Checkpoint{MailboxDomain: 1, Index: 3}
	sc, err := model.SignCheckpoint(crypto.FromECDSA(priv), c)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &model.MultisigSignedCheckpoint{Value: c, Signatures: []model.Signature{sc.Signature}}
}

func TestBuild_NullISM(t *testing.T) {
	var ism model.ID32
	ism[0] = 1
	reader := &fakeReader{kinds: map[model.ID32]Kind{ism: KindNull}}
	b := New(Config{Reader: reader})
	res, err := b.Build(context.Background(), ism, &model.Message{}, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(res.Metadata) != 0 {
		t.Errorf("expected empty metadata, got %d bytes", len(res.Metadata))
	}
}

func TestBuild_MultisigMessageID(t *testing.T) {
	var ism model.ID32
	ism[0] = 2
	msc := signedCheckpointFixture(t)
	reader := &fakeReader{
		kinds: map[model.ID32]Kind{ism: KindMultisigMessageID},
		multisig: map[model.ID32]*MultisigConfig{
			ism: {
				Variant:    KindMultisigMessageID,
				Threshold:  1,
				FieldOrder: []Field{FieldCheckpointMerkleRoot, FieldCheckpointIndex, FieldMessageId, FieldSignatures},
			},
		},
	}
	b := New(Config{Reader: reader, Quorum: &fakeQuorum{checkpoint: msc}})
	msg := &model.Message{Version: 3, Nonce: 1, Body: []byte("x")}
	res, err := b.Build(context.Background(), ism, msg, 3)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	wantLen := 32 + 4 + 32 + 65*len(msc.Signatures)
	if len(res.Metadata) != wantLen {
		t.Errorf("expected %d bytes, got %d", wantLen, len(res.Metadata))
	}
}

func TestBuild_RoutingRecursesToNull(t *testing.T) {
	var route, target model.ID32
	route[0] = 3
	target[0] = 4
	reader := &fakeReader{
		kinds:  map[model.ID32]Kind{route: KindRouting, target: KindNull},
		routes: map[model.ID32]model.ID32{route: target},
	}
	b := New(Config{Reader: reader})
	res, err := b.Build(context.Background(), route, &model.Message{}, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(res.Metadata) != 0 {
		t.Errorf("expected empty metadata via routing to null ism, got %d bytes", len(res.Metadata))
	}
}

func TestBuild_AggregationThreshold(t *testing.T) {
	var agg, sub1, sub2 model.ID32
	agg[0], sub1[0], sub2[0] = 5, 6, 7
	reader := &fakeReader{
		kinds: map[model.ID32]Kind{agg: KindAggregation, sub1: KindNull, sub2: KindNull},
		aggregation: map[model.ID32]*AggregationConfig{
			agg: {SubISMs: []model.ID32{sub1, sub2}, Threshold: 2},
		},
	}
	b := New(Config{Reader: reader})
	res, err := b.Build(context.Background(), agg, &model.Message{}, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(res.Metadata) < 8 {
		t.Errorf("expected at least an 8-byte offset table, got %d bytes", len(res.Metadata))
	}
}

func TestBuild_CCIPReadUsesFirstUsableGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"data": "0x" + hex.EncodeToString([]byte("resolved"))})
	}))
	defer srv.Close()

	var ism model.ID32
	ism[0] = 8
	reader := &fakeReader{
		kinds: map[model.ID32]Kind{ism: KindCCIPRead},
		ccipConfig: map[model.ID32]*CCIPReadConfig{
			ism: {URLs: []string{srv.URL}, CallData: []byte("call")},
		},
	}
	b := New(Config{Reader: reader})
	res, err := b.Build(context.Background(), ism, &model.Message{}, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if string(res.Metadata) != "resolved" {
		t.Errorf("expected decoded gateway response, got %q", res.Metadata)
	}
}

func TestBuild_DepthLimitExceeded(t *testing.T) {
	var a, b2 model.ID32
	a[0], b2[0] = 9, 10
	reader := &fakeReader{
		kinds:  map[model.ID32]Kind{a: KindRouting, b2: KindRouting},
		routes: map[model.ID32]model.ID32{a: b2, b2: a},
	}
	b := New(Config{Reader: reader, Limits: Limits{MaxDepth: 1, MaxCount: 100}})
	_, err := b.Build(context.Background(), a, &model.Message{}, 0)
	if err == nil {
		t.Fatal("expected depth limit error for a routing cycle")
	}
}

func TestBuild_IsmCountLimitExceeded(t *testing.T) {
	var agg, sub model.ID32
	agg[0], sub[0] = 11, 12
	reader := &fakeReader{
		kinds: map[model.ID32]Kind{agg: KindAggregation, sub: KindNull},
		aggregation: map[model.ID32]*AggregationConfig{
			agg: {SubISMs: []model.ID32{sub}, Threshold: 1},
		},
	}
	// MaxCount: 1 means Build's own counter.take() for the root aggregation
	// ISM already exhausts the shared budget, leaving none for its one
	// sub-ISM.
	b := New(Config{Reader: reader, Limits: Limits{MaxDepth: 8, MaxCount: 1}})
	_, err := b.Build(context.Background(), agg, &model.Message{}, 0)
	if err == nil {
		t.Fatal("expected ism count limit error when the shared sub-ism budget is exhausted")
	}
}
