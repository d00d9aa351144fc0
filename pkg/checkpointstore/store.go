// Copyright 2025 Certen Protocol
//
// Package checkpointstore is the pluggable signed-checkpoint/announcement
// backend (spec §4.2). Implementations are required to support at least a
// local filesystem and an object store; both ship here. No consistency
// requirement stronger than read-after-write for a single writer is assumed
// — each validator owns exactly one location.
package checkpointstore

import (
	"context"

	"github.com/interlayer-xyz/relay-core/pkg/model"
)

// Store is the checkpoint-store object API every backend implements.
type Store interface {
	// LatestIndex returns the greatest index a reader could fetch, or nil
	// if the store has never published one.
	LatestIndex(ctx context.Context) (*uint32, error)

	// WriteLatestIndex idempotently advertises the newest index.
	WriteLatestIndex(ctx context.Context, index uint32) error

	// FetchCheckpoint returns a well-formed signed checkpoint for index, or
	// (nil, nil) if none is published. A non-nil error means the fetch
	// itself failed (network, auth) — the caller must not treat that as
	// "absent".
	FetchCheckpoint(ctx context.Context, index uint32) (*model.SignedCheckpoint, error)

	// WriteCheckpoint is durable upon return.
	WriteCheckpoint(ctx context.Context, sc *model.SignedCheckpoint) error

	WriteAnnouncement(ctx context.Context, sa *model.SignedAnnouncement) error

	// AnnouncementLocation is the canonical URI this store advertises
	// itself under.
	AnnouncementLocation() string

	// ReorgStatus returns the currently recorded reorg event, or nil if none.
	ReorgStatus(ctx context.Context) (*model.ReorgEvent, error)

	WriteReorgStatus(ctx context.Context, ev *model.ReorgEvent) error
}

const (
	checkpointObjectFmt  = "checkpoint_%d.json"
	latestIndexObject    = "checkpoint_latest_index.json"
	announcementObject   = "announcement.json"
	reorgFlagObject      = "reorg_flag.json"
)
