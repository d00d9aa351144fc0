// Copyright 2025 Certen Protocol

package checkpointstore

import (
	"context"
	"testing"

	"github.com/interlayer-xyz/relay-core/pkg/model"
)

func TestFilesystemStore_LatestIndexAbsentThenPresent(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	idx, err := store.LatestIndex(ctx)
	if err != nil {
		t.Fatalf("latest index: %v", err)
	}
	if idx != nil {
		t.Fatalf("expected nil latest index on empty store, got %d", *idx)
	}

	if err := store.WriteLatestIndex(ctx, 42); err != nil {
		t.Fatalf("write latest index: %v", err)
	}
	idx, err = store.LatestIndex(ctx)
	if err != nil {
		t.Fatalf("latest index after write: %v", err)
	}
	if idx == nil || *idx != 42 {
		t.Fatalf("expected 42, got %v", idx)
	}
}

func TestFilesystemStore_CheckpointRoundTrip(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	sc := &model.SignedCheckpoint{
		Value: model.Checkpoint{MailboxDomain: 1, Index: 7},
		Signature: model.Signature{R: "aa", S: "bb", V: 27},
	}
	if err := store.WriteCheckpoint(ctx, sc); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}

	got, err := store.FetchCheckpoint(ctx, 7)
	if err != nil {
		t.Fatalf("fetch checkpoint: %v", err)
	}
	if got == nil {
		t.Fatal("expected checkpoint, got nil")
	}
	if got.Value.Index != 7 {
		t.Errorf("index mismatch: got %d", got.Value.Index)
	}

	missing, err := store.FetchCheckpoint(ctx, 8)
	if err != nil {
		t.Fatalf("fetch missing checkpoint: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unpublished index")
	}
}

func TestFilesystemStore_ReorgStatus(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	ev, err := store.ReorgStatus(ctx)
	if err != nil {
		t.Fatalf("reorg status: %v", err)
	}
	if ev != nil {
		t.Fatal("expected no reorg flag on fresh store")
	}

	if err := store.WriteReorgStatus(ctx, &model.ReorgEvent{UnsignedIndex: 5, Reason: "leaf 5 replaced"}); err != nil {
		t.Fatalf("write reorg status: %v", err)
	}
	ev, err = store.ReorgStatus(ctx)
	if err != nil {
		t.Fatalf("reorg status after write: %v", err)
	}
	if ev == nil || ev.UnsignedIndex != 5 {
		t.Fatalf("expected reorg event at index 5, got %v", ev)
	}
}
