// Copyright 2025 Certen Protocol
//
// Package msgprocessor runs the per-destination message scan loop (spec
// §4.8): walk nonces in order, skip what doesn't apply here, and hand
// everything else to the submission queue. Grounded on
// pkg/batch/processor.go's ProcessPendingBatches — a single scan over
// ready work that logs and continues past a per-item failure rather than
// aborting the whole pass.
package msgprocessor

import (
	"context"
	"log"
	"time"

	"github.com/interlayer-xyz/relay-core/pkg/model"
	"github.com/interlayer-xyz/relay-core/pkg/msgdb"
)

// Predicate is a conjunction over a message's routing fields. A nil field
// is a wildcard.
type Predicate struct {
	OriginDomain      *uint32
	Sender            *model.ID32
	DestinationDomain *uint32
	Recipient         *model.ID32
}

func (p Predicate) matches(msg *model.Message) bool {
	if p.OriginDomain != nil && *p.OriginDomain != msg.OriginDomain {
		return false
	}
	if p.Sender != nil && *p.Sender != msg.Sender {
		return false
	}
	if p.DestinationDomain != nil && *p.DestinationDomain != msg.DestinationDomain {
		return false
	}
	if p.Recipient != nil && *p.Recipient != msg.Recipient {
		return false
	}
	return true
}

// Filter is the allowlist/denylist pair a destination is configured with.
// An empty Allow list means "allow everything not denied".
type Filter struct {
	Allow []Predicate
	Deny  []Predicate
}

func (f Filter) permits(msg *model.Message) bool {
	for _, d := range f.Deny {
		if d.matches(msg) {
			return false
		}
	}
	if len(f.Allow) == 0 {
		return true
	}
	for _, a := range f.Allow {
		if a.matches(msg) {
			return true
		}
	}
	return false
}

// Submitter is the C9 entry point: hand off a message that passed every
// filter to the operation queue.
type Submitter interface {
	Submit(ctx context.Context, msg *model.Message) error
}

// Config wires a Processor for one destination domain.
type Config struct {
	Destination  uint32
	MsgDB        *msgdb.Store
	Filter       Filter
	Submitter    Submitter
	PollInterval time.Duration // how long to sleep when a nonce's message hasn't been indexed yet
	Logger       *log.Logger
}

// Processor runs the scan loop for one destination.
type Processor struct {
	cfg   Config
	nonce uint32
}

// New constructs a Processor starting at nonce 0.
func New(cfg Config) *Processor {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[msgprocessor] ", log.LstdFlags)
	}
	return &Processor{cfg: cfg}
}

// Nonce reports the next origin nonce this processor will examine.
func (p *Processor) Nonce() uint32 { return p.nonce }

// Run scans forward from the current nonce until ctx is cancelled.
// Nonces only advance on a definitive outcome — dispatched downstream or
// ignored — never on a transient lookup failure (spec §4.8's closing note).
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		advanced, err := p.step(ctx)
		if err != nil {
			p.cfg.Logger.Printf("lookup failed for nonce %d, will retry: %v", p.nonce, err)
		}
		if !advanced {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.PollInterval):
			}
		}
	}
}

// step processes a single nonce per spec §4.8 steps 1-5. It returns
// advanced=false when the message for the current nonce hasn't been indexed
// yet, when handing it to the submitter failed, or (with a non-nil error)
// when a database lookup failed; the caller backs off before retrying.
func (p *Processor) step(ctx context.Context) (advanced bool, err error) {
	msg, lookupErr := p.cfg.MsgDB.MessageByNonce(p.originOrWildcardOrigin(), p.nonce)
	if lookupErr != nil {
		return false, lookupErr
	}
	if msg == nil {
		return false, nil
	}

	id := msg.ID()
	processed, err := p.cfg.MsgDB.IsProcessed(id)
	if err != nil {
		return false, err
	}
	if processed {
		p.nonce++
		return true, nil
	}

	if msg.DestinationDomain != p.cfg.Destination {
		p.nonce++
		return true, nil
	}

	if !p.cfg.Filter.permits(msg) {
		p.nonce++
		return true, nil
	}

	if err := p.cfg.Submitter.Submit(ctx, msg); err != nil {
		p.cfg.Logger.Printf("submit failed for nonce %d, will retry: %v", p.nonce, err)
		return false, nil
	}
	p.nonce++
	return true, nil
}

// originOrWildcardOrigin exists because message_by_nonce is keyed by
// (origin, nonce): a single Processor instance scans one origin's mailbox,
// so origin is fixed at construction via the first filter predicate that
// names one, falling back to 0 only for single-origin deployments that
// never set OriginDomain explicitly.
func (p *Processor) originOrWildcardOrigin() uint32 {
	for _, a := range p.cfg.Filter.Allow {
		if a.OriginDomain != nil {
			return *a.OriginDomain
		}
	}
	return 0
}
