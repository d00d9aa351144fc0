// Copyright 2025 Certen Protocol

package chainconfig

import (
	"os"
	"path/filepath"
	"testing"
)

const fixtureYAML = `
chains:
  ethereum:
    domain: 1
    name: ethereum
    mailbox: "0x"
    rpc_urls: ["${ETH_RPC_URL:-https://default.example}"]
    signer:
      type: hexKey
      key: ""
    reorg_period:
      blocks: 15
    gas_price: "30"
    native_token: ETH
`

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	if err := os.WriteFile(path, []byte(fixtureYAML), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoad_SubstitutesEnvAndAppliesDefault(t *testing.T) {
	os.Unsetenv("ETH_RPC_URL")
	cs, err := Load(writeFixture(t), "relayer")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	eth, ok := cs.Chains["ethereum"]
	if !ok {
		t.Fatal("expected ethereum chain to be loaded")
	}
	if eth.RPCURLs[0] != "https://default.example" {
		t.Errorf("expected default RPC URL, got %q", eth.RPCURLs[0])
	}
	if eth.ReorgPeriod.Blocks != 15 {
		t.Errorf("expected reorg period of 15 blocks, got %d", eth.ReorgPeriod.Blocks)
	}
}

func TestLoad_EnvOverrideSetsSignerKey(t *testing.T) {
	t.Setenv("HYP_RELAYER_CHAINS_ETHEREUM_SIGNER_KEY", "deadbeef")
	cs, err := Load(writeFixture(t), "relayer")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cs.Chains["ethereum"].Signer.Key; got != "deadbeef" {
		t.Errorf("expected overridden signer key, got %q", got)
	}
}

func TestLoad_EnvOverrideIsScopedToService(t *testing.T) {
	t.Setenv("HYP_VALIDATOR_CHAINS_ETHEREUM_SIGNER_KEY", "should-not-apply")
	cs, err := Load(writeFixture(t), "relayer")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cs.Chains["ethereum"].Signer.Key; got != "" {
		t.Errorf("expected no override from a different service's prefix, got %q", got)
	}
}
