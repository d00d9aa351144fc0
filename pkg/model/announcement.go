// Copyright 2025 Certen Protocol

package model

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Announcement tells readers where a validator publishes its checkpoints.
type Announcement struct {
	Validator       common.Address `json:"validator"`
	MailboxAddress  ID32           `json:"mailbox_address"`
	MailboxDomain   uint32         `json:"mailbox_domain"`
	StorageLocation string         `json:"storage_location"`
}

func announcementSigningHash(a Announcement) [32]byte {
	var domainBE [4]byte
	domainBE[0] = byte(a.MailboxDomain >> 24)
	domainBE[1] = byte(a.MailboxDomain >> 16)
	domainBE[2] = byte(a.MailboxDomain >> 8)
	domainBE[3] = byte(a.MailboxDomain)
	var inner [32]byte
	copy(inner[:], crypto.Keccak256(a.Validator[:], a.MailboxAddress[:], domainBE[:], []byte(a.StorageLocation)))
	return eip191Hash(inner)
}

// SignedAnnouncement is an Announcement plus the validator's signature over it.
type SignedAnnouncement struct {
	Value     Announcement `json:"value"`
	Signature Signature    `json:"signature"`
}

// Signer recovers the address that produced the announcement's signature.
func (sa *SignedAnnouncement) Signer() (common.Address, error) {
	raw, err := sa.Signature.rawSig()
	if err != nil {
		return common.Address{}, err
	}
	hash := announcementSigningHash(sa.Value)
	pub, err := crypto.SigToPub(hash[:], raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("model: recover announcement signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignAnnouncement produces a SignedAnnouncement using key.
func SignAnnouncement(key []byte, a Announcement) (*SignedAnnouncement, error) {
	priv, err := crypto.ToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("model: invalid signing key: %w", err)
	}
	hash := announcementSigningHash(a)
	raw, err := crypto.Sign(hash[:], priv)
	if err != nil {
		return nil, fmt.Errorf("model: sign announcement: %w", err)
	}
	return &SignedAnnouncement{Value: a, Signature: signatureFromRaw(raw)}, nil
}

// ReorgEvent records a detected reorg beneath a previously signed checkpoint.
// Presence of its file at a checkpoint store is a halt signal (spec §6).
type ReorgEvent struct {
	UnsignedIndex uint32 `json:"unsigned_index"`
	DetectedAt    int64  `json:"detected_at_unix"`
	Reason        string `json:"reason"`
}

// GasPayment is an observed interchain gas payment for a dispatched message.
type GasPayment struct {
	Origin    uint32  `json:"origin"`
	Paymaster ID32    `json:"paymaster"`
	Sequence  uint64  `json:"sequence"`
	MessageID Bytes32 `json:"message_id"`
	Amount    string  `json:"amount"` // decimal string; native-token units vary per chain
}
