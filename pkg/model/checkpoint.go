// Copyright 2025 Certen Protocol

package model

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Checkpoint is a commitment to a mailbox's accumulator state.
type Checkpoint struct {
	MerkleTreeHook ID32    `json:"merkle_tree_hook_address"`
	MailboxDomain  uint32  `json:"mailbox_domain"`
	Root           Bytes32 `json:"root"`
	Index          uint32  `json:"index"`
}

// Equal reports whether two checkpoints are consistent: all four fields equal.
func (c Checkpoint) Equal(o Checkpoint) bool {
	return c.MerkleTreeHook == o.MerkleTreeHook &&
		c.MailboxDomain == o.MailboxDomain &&
		c.Root == o.Root &&
		c.Index == o.Index
}

// domainHash = keccak256(mailbox_domain || mailbox_address || "HYPERLANE").
func domainHash(mailboxDomain uint32, mailboxAddress ID32) [32]byte {
	var domainBE [4]byte
	domainBE[0] = byte(mailboxDomain >> 24)
	domainBE[1] = byte(mailboxDomain >> 16)
	domainBE[2] = byte(mailboxDomain >> 8)
	domainBE[3] = byte(mailboxDomain)
	var out [32]byte
	copy(out[:], crypto.Keccak256(domainBE[:], mailboxAddress[:], []byte("HYPERLANE")))
	return out
}

// SigningHash is the EIP-191 envelope over the checkpoint's signing digest:
// keccak256("\x19Ethereum Signed Message:\n32" || keccak256(domain_hash || root || index)).
func SigningHash(c Checkpoint) [32]byte {
	dh := domainHash(c.MailboxDomain, c.MerkleTreeHook)
	var indexBE [4]byte
	indexBE[0] = byte(c.Index >> 24)
	indexBE[1] = byte(c.Index >> 16)
	indexBE[2] = byte(c.Index >> 8)
	indexBE[3] = byte(c.Index)
	var inner [32]byte
	copy(inner[:], crypto.Keccak256(dh[:], c.Root[:], indexBE[:]))
	return eip191Hash(inner)
}

func eip191Hash(digest [32]byte) [32]byte {
	prefix := []byte("\x19Ethereum Signed Message:\n32")
	var out [32]byte
	copy(out[:], crypto.Keccak256(prefix, digest[:]))
	return out
}

// Signature is the {r,s,v} hex envelope used by the reference JSON schema.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// rawSig returns the 65-byte r||s||(v-27) encoding go-ethereum's recovery
// functions expect.
func (s Signature) rawSig() ([]byte, error) {
	r, err := hex.DecodeString(trim0x(s.R))
	if err != nil {
		return nil, fmt.Errorf("model: bad r: %w", err)
	}
	sBytes, err := hex.DecodeString(trim0x(s.S))
	if err != nil {
		return nil, fmt.Errorf("model: bad s: %w", err)
	}
	if len(r) != 32 || len(sBytes) != 32 {
		return nil, fmt.Errorf("model: r/s must be 32 bytes")
	}
	v := s.V
	if v >= 27 {
		v -= 27
	}
	raw := make([]byte, 65)
	copy(raw[0:32], r)
	copy(raw[32:64], sBytes)
	raw[64] = v
	return raw, nil
}

// RawSignatureBytes returns the 65-byte r||s||(v-27) encoding external
// callers (chain adapters building an on-chain metadata blob) need without
// reaching into the package-private recovery helpers.
func RawSignatureBytes(s Signature) ([]byte, error) {
	return s.rawSig()
}

func signatureFromRaw(raw []byte) Signature {
	return Signature{
		R: hex.EncodeToString(raw[0:32]),
		S: hex.EncodeToString(raw[32:64]),
		V: raw[64] + 27,
	}
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// SignedCheckpoint is a checkpoint plus one validator's ECDSA signature,
// optionally pinned to a specific message_id.
type SignedCheckpoint struct {
	Value     Checkpoint `json:"value"`
	MessageID *Bytes32   `json:"message_id,omitempty"`
	Signature Signature  `json:"signature"`
}

// Signer recovers the 20-byte validator identity that produced the signature.
func (sc *SignedCheckpoint) Signer() (common.Address, error) {
	raw, err := sc.Signature.rawSig()
	if err != nil {
		return common.Address{}, err
	}
	hash := SigningHash(sc.Value)
	pub, err := crypto.SigToPub(hash[:], raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("model: recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignCheckpoint produces a SignedCheckpoint using key over c's signing hash.
func SignCheckpoint(key []byte, c Checkpoint) (*SignedCheckpoint, error) {
	priv, err := crypto.ToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("model: invalid signing key: %w", err)
	}
	hash := SigningHash(c)
	raw, err := crypto.Sign(hash[:], priv)
	if err != nil {
		return nil, fmt.Errorf("model: sign checkpoint: %w", err)
	}
	return &SignedCheckpoint{Value: c, Signature: signatureFromRaw(raw)}, nil
}

// MultisigSignedCheckpoint is a checkpoint plus an unordered set of
// validator signatures, assembled by the quorum aggregator (C3).
type MultisigSignedCheckpoint struct {
	Value      Checkpoint  `json:"value"`
	MessageID  *Bytes32    `json:"message_id,omitempty"`
	Signatures []Signature `json:"signatures"`
}

// WellFormed checks spec §3's multisig well-formedness: all signatures
// recover to distinct addresses in validatorSet, and at least threshold
// signatures are present, all over the identical checkpoint (guaranteed by
// construction here, since every Signature is re-verified against m.Value).
func (m *MultisigSignedCheckpoint) WellFormed(validatorSet map[common.Address]bool, threshold int) error {
	seen := make(map[common.Address]bool, len(m.Signatures))
	for _, sig := range m.Signatures {
		raw, err := sig.rawSig()
		if err != nil {
			return fmt.Errorf("model: malformed signature: %w", err)
		}
		hash := SigningHash(m.Value)
		pub, err := crypto.SigToPub(hash[:], raw)
		if err != nil {
			return fmt.Errorf("model: unrecoverable signature: %w", err)
		}
		addr := crypto.PubkeyToAddress(*pub)
		if !validatorSet[addr] {
			return fmt.Errorf("model: signer %s not in validator set", addr.Hex())
		}
		if seen[addr] {
			return fmt.Errorf("model: duplicate signer %s", addr.Hex())
		}
		seen[addr] = true
	}
	if len(seen) < threshold {
		return fmt.Errorf("model: %d signatures below threshold %d", len(seen), threshold)
	}
	return nil
}
