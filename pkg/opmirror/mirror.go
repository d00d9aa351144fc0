// Copyright 2025 Certen Protocol
//
// Package opmirror best-effort mirrors checkpoint-written and
// message-confirmed/dropped events into a pluggable document store for live
// dashboards. Grounded on pkg/firestore/client.go's enable-gated, no-op
// client (an unconfigured sink does nothing rather than erroring) and
// pkg/firestore/sync_service.go's fire-and-forget sync calls (a mirror
// failure is logged, never returned to the caller that triggered it).
package opmirror

import (
	"context"
	"log"
	"time"

	"github.com/interlayer-xyz/relay-core/pkg/errs"
)

// EventKind tags what changed.
type EventKind string

const (
	EventCheckpointWritten EventKind = "checkpoint_written"
	EventMessageConfirmed  EventKind = "message_confirmed"
	EventMessageDropped    EventKind = "message_dropped"
)

// Event is one mirrored fact. Fields not relevant to Kind are left zero.
type Event struct {
	Kind        EventKind
	Chain       string
	Index       uint32 // checkpoint index, for EventCheckpointWritten
	MessageID   string // hex message id, for message events
	Reason      string // drop reason, for EventMessageDropped
	ObservedAt  time.Time
}

// Sink is the document-store write surface a backend implements. The
// reference implementation targets Firestore; any document store with a
// collection/document write call fits this shape.
type Sink interface {
	WriteEvent(ctx context.Context, ev Event) error
	Enabled() bool
}

// NoopSink is the zero-config default: every call is a no-op, matching
// pkg/firestore.Client's disabled mode so operators without a dashboard
// pay nothing for opmirror being wired in.
type NoopSink struct{}

func (NoopSink) WriteEvent(ctx context.Context, ev Event) error { return nil }
func (NoopSink) Enabled() bool                                  { return false }

// Mirror wraps a Sink with the fire-and-forget error handling policy: a
// write failure is logged and counted via errs, never propagated.
type Mirror struct {
	sink   Sink
	logger *log.Logger
}

// New wraps sink. A nil sink is treated as NoopSink.
func New(sink Sink, logger *log.Logger) *Mirror {
	if sink == nil {
		sink = NoopSink{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[opmirror] ", log.LstdFlags)
	}
	return &Mirror{sink: sink, logger: logger}
}

// IsEnabled reports whether the underlying sink will do anything.
func (m *Mirror) IsEnabled() bool { return m.sink.Enabled() }

// CheckpointWritten mirrors a C6 checkpoint write. Call after the write
// commits; never call in a path that must remain correct if this hangs.
func (m *Mirror) CheckpointWritten(ctx context.Context, chain string, index uint32) {
	m.emit(ctx, Event{Kind: EventCheckpointWritten, Chain: chain, Index: index, ObservedAt: time.Now()})
}

// MessageConfirmed mirrors a C9 delivery confirmation.
func (m *Mirror) MessageConfirmed(ctx context.Context, chain, messageID string) {
	m.emit(ctx, Event{Kind: EventMessageConfirmed, Chain: chain, MessageID: messageID, ObservedAt: time.Now()})
}

// MessageDropped mirrors a C9 permanent drop.
func (m *Mirror) MessageDropped(ctx context.Context, chain, messageID, reason string) {
	m.emit(ctx, Event{Kind: EventMessageDropped, Chain: chain, MessageID: messageID, Reason: reason, ObservedAt: time.Now()})
}

func (m *Mirror) emit(ctx context.Context, ev Event) {
	if !m.sink.Enabled() {
		return
	}
	if err := m.sink.WriteEvent(ctx, ev); err != nil {
		// Transient here is purely for the errs metrics counter; the
		// mirror never actually retries a dropped write.
		wrapped := errs.TransientErr("opmirror.emit", err)
		m.logger.Printf("mirror write failed, continuing: %v", wrapped)
	}
}
