// Copyright 2025 Certen Protocol
//
// Package model holds the wire-level data types shared by every component:
// Message, Checkpoint, (Multisig)SignedCheckpoint, Announcement, and their
// canonical encodings/signing hashes. None of these types own any I/O;
// storage and transport live in the packages that use them.
package model

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ProtocolVersion is the single fixed version value carried on every message.
const ProtocolVersion uint8 = 3

// ID32 is a generic 32-byte chain identity: an EVM address is left-padded
// into it, a 32-byte-native chain (Sealevel, Cosmos) uses it directly.
type ID32 [32]byte

func (id ID32) Hex() string { return hex.EncodeToString(id[:]) }

// AddressToID32 left-pads a 20-byte EVM address into an ID32.
func AddressToID32(addr common.Address) ID32 {
	var id ID32
	copy(id[12:], addr[:])
	return id
}

func (id ID32) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(id[:]) + `"`), nil
}

func (id *ID32) UnmarshalJSON(b []byte) error {
	s, err := unquoteHexJSON(b)
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("model: bad ID32 hex: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("model: ID32 must be 32 bytes, got %d", len(raw))
	}
	copy(id[:], raw)
	return nil
}

// Bytes32 is a 32-byte value (root hash, message id) that marshals as hex.
type Bytes32 [32]byte

func (b Bytes32) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(b[:]) + `"`), nil
}

func (b *Bytes32) UnmarshalJSON(data []byte) error {
	s, err := unquoteHexJSON(data)
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("model: bad Bytes32 hex: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("model: Bytes32 must be 32 bytes, got %d", len(raw))
	}
	copy(b[:], raw)
	return nil
}

func unquoteHexJSON(b []byte) (string, error) {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return "", fmt.Errorf("model: expected hex JSON string")
	}
	return trim0x(string(b[1 : len(b)-1])), nil
}

// Message is a single mailbox dispatch.
type Message struct {
	Version           uint8
	Nonce             uint32
	OriginDomain      uint32
	Sender            ID32
	DestinationDomain uint32
	Recipient         ID32
	Body              []byte
}

// CanonicalEncode produces the big-endian wire encoding whose keccak256 is
// the message's identity:
// version(1) || nonce(4) || origin_domain(4) || sender(32) || destination_domain(4) || recipient(32) || body.
func (m *Message) CanonicalEncode() []byte {
	buf := make([]byte, 0, 1+4+4+32+4+32+len(m.Body))
	buf = append(buf, m.Version)
	buf = appendUint32(buf, m.Nonce)
	buf = appendUint32(buf, m.OriginDomain)
	buf = append(buf, m.Sender[:]...)
	buf = appendUint32(buf, m.DestinationDomain)
	buf = append(buf, m.Recipient[:]...)
	buf = append(buf, m.Body...)
	return buf
}

// ID is the keccak256 of the canonical encoding; globally unique across origins.
func (m *Message) ID() [32]byte {
	var id [32]byte
	copy(id[:], crypto.Keccak256(m.CanonicalEncode()))
	return id
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// ParseMessage decodes a canonical encoding back into a Message. Identity of
// Encode/Decode is required by the round-trip law in spec §8.
func ParseMessage(b []byte) (*Message, error) {
	const headerLen = 1 + 4 + 4 + 32 + 4 + 32
	if len(b) < headerLen {
		return nil, fmt.Errorf("model: message too short: %d bytes", len(b))
	}
	m := &Message{}
	m.Version = b[0]
	off := 1
	m.Nonce = binary.BigEndian.Uint32(b[off:])
	off += 4
	m.OriginDomain = binary.BigEndian.Uint32(b[off:])
	off += 4
	copy(m.Sender[:], b[off:off+32])
	off += 32
	m.DestinationDomain = binary.BigEndian.Uint32(b[off:])
	off += 4
	copy(m.Recipient[:], b[off:off+32])
	off += 32
	m.Body = append([]byte(nil), b[off:]...)
	return m, nil
}
