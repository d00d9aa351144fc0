// Copyright 2025 Certen Protocol
//
// Package validatorsvc implements the validator submitter (spec §4.6): the
// per-origin loop that signs successive checkpoints and publishes them,
// halting the moment it detects the chain has reorged beneath a checkpoint
// it already signed. Grounded on pkg/batch/scheduler.go's ticker-driven
// Start/Stop/state-machine loop, generalized from "close a batch on cadence"
// to "sign a checkpoint when the origin has advanced".
package validatorsvc

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/interlayer-xyz/relay-core/pkg/chainadapter"
	"github.com/interlayer-xyz/relay-core/pkg/checkpointstore"
	"github.com/interlayer-xyz/relay-core/pkg/errs"
	"github.com/interlayer-xyz/relay-core/pkg/merkleacc"
	"github.com/interlayer-xyz/relay-core/pkg/model"
)

// AccumulatorSource resolves the root this validator's own replay of the
// origin chain's dispatch/merkle-insertion events produced at a closed
// checkpoint index. Used to catch a reorg beneath a previously signed
// checkpoint independently of the RPC provider's current view, which
// verifyNoReorgBeneath cannot otherwise distinguish from a chain that has
// simply kept producing blocks after rewriting history at that index.
type AccumulatorSource interface {
	HistoricalRoot(rootIndex uint32) (merkleacc.Hash, error)
}

// State mirrors the teacher scheduler's SchedulerState enum.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StateHalted  State = "halted" // terminal: a reorg was detected beneath a signed checkpoint
)

// Config wires one validator's submitter for a single origin mailbox.
type Config struct {
	SigningKey      []byte
	Reader          chainadapter.Reader
	Writer          chainadapter.Writer // nil if on-chain announce is skipped (store-only announce)
	Store           checkpointstore.Store
	Accumulator     AccumulatorSource // nil disables independent root re-derivation (index regression is still caught)
	ReorgPeriod     chainadapter.ReorgPeriod
	MailboxAddress  model.ID32
	MailboxDomain   uint32
	StorageLocation string
	PollInterval    time.Duration
	Logger          *log.Logger
}

// Submitter runs the signing loop for one origin.
type Submitter struct {
	cfg Config

	mu           sync.RWMutex
	state        State
	currentIndex *uint32

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Submitter. Call Announce once, then Start.
func New(cfg Config) *Submitter {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[validatorsvc] ", log.LstdFlags)
	}
	return &Submitter{cfg: cfg, state: StateStopped}
}

func (s *Submitter) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Announce builds and persists this validator's storage-location
// announcement (spec §4.6 step 1). Idempotent: writing the same location
// twice is a harmless no-op observed by other nodes either way.
func (s *Submitter) Announce(ctx context.Context) error {
	priv, err := crypto.ToECDSA(s.cfg.SigningKey)
	if err != nil {
		return errs.InternalErr("validatorsvc.Announce", err)
	}
	ann := model.Announcement{
		Validator:       crypto.PubkeyToAddress(priv.PublicKey),
		MailboxAddress:  s.cfg.MailboxAddress,
		MailboxDomain:   s.cfg.MailboxDomain,
		StorageLocation: s.cfg.StorageLocation,
	}
	signed, err := model.SignAnnouncement(s.cfg.SigningKey, ann)
	if err != nil {
		return errs.InternalErr("validatorsvc.Announce", err)
	}
	if err := s.cfg.Store.WriteAnnouncement(ctx, signed); err != nil {
		return err
	}
	if s.cfg.Writer != nil {
		if _, err := s.cfg.Writer.Announce(ctx, signed); err != nil {
			return err
		}
	}
	return nil
}

// Start blocks until count(reorg_period) >= 1 (spec §4.6 step 2), loads the
// store's current index, then runs the signing loop in a goroutine.
func (s *Submitter) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.waitForFirstLeaf(ctx); err != nil {
		return err
	}

	idx, err := s.cfg.Store.LatestIndex(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.currentIndex = idx
	s.state = StateRunning
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

func (s *Submitter) waitForFirstLeaf(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		count, err := s.cfg.Reader.Count(ctx, s.cfg.ReorgPeriod)
		if err == nil && count >= 1 {
			return nil
		}
		if err != nil {
			s.cfg.Logger.Printf("waiting for first leaf: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop halts the signing loop without declaring a reorg.
func (s *Submitter) Stop() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	close(s.stopCh)
	s.mu.Unlock()
	<-s.doneCh
}

func (s *Submitter) run(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.State() != StateRunning {
				continue
			}
			if halted := s.tick(ctx); halted {
				return
			}
		}
	}
}

// tick implements spec §4.6 step 4. Returns true if the submitter halted.
func (s *Submitter) tick(ctx context.Context) (halted bool) {
	if ev, err := s.cfg.Store.ReorgStatus(ctx); err != nil {
		s.cfg.Logger.Printf("reorg status check failed: %v", err)
	} else if ev != nil {
		s.cfg.Logger.Printf("halting: reorg already flagged at index %d: %s", ev.UnsignedIndex, ev.Reason)
		s.haltLocked()
		return true
	}

	latest, err := s.cfg.Reader.LatestCheckpoint(ctx, s.cfg.ReorgPeriod)
	if err != nil {
		if errs.KindOf(err) == errs.Transient {
			s.cfg.Logger.Printf("transient error fetching latest checkpoint, retrying next tick: %v", err)
			return false
		}
		s.cfg.Logger.Printf("fatal error fetching latest checkpoint: %v", err)
		s.haltLocked()
		return true
	}

	s.mu.RLock()
	cur := s.currentIndex
	s.mu.RUnlock()

	if cur != nil && latest.Index <= *cur {
		return false
	}

	if cur != nil && latest.Index > *cur {
		if prevSigned, err := s.cfg.Store.FetchCheckpoint(ctx, *cur); err == nil && prevSigned != nil {
			if err := s.verifyNoReorgBeneath(ctx, *prevSigned); err != nil {
				s.cfg.Logger.Printf("reorg detected beneath signed index %d: %v", *cur, err)
				_ = s.cfg.Store.WriteReorgStatus(ctx, &model.ReorgEvent{
					UnsignedIndex: *cur,
					Reason:        err.Error(),
				})
				s.haltLocked()
				return true
			}
		}
	}

	signed, err := model.SignCheckpoint(s.cfg.SigningKey, latest)
	if err != nil {
		s.cfg.Logger.Printf("fatal: signing failed: %v", err)
		s.haltLocked()
		return true
	}
	if err := s.cfg.Store.WriteCheckpoint(ctx, signed); err != nil {
		s.cfg.Logger.Printf("failed to write checkpoint, retrying next tick: %v", err)
		return false
	}
	if err := s.cfg.Store.WriteLatestIndex(ctx, latest.Index); err != nil {
		s.cfg.Logger.Printf("failed to publish latest index: %v", err)
	}

	newIdx := latest.Index
	s.mu.Lock()
	s.currentIndex = &newIdx
	s.mu.Unlock()
	return false
}

// verifyNoReorgBeneath catches the case where the origin has reorged
// beneath a checkpoint this validator already signed. An index regression
// (the chain's tip index falling behind what was already signed) is one
// direct signal, but the common case — the chain keeps producing blocks
// after silently rewriting history at a lower index — never regresses the
// tip index at all, so it also re-derives prev.Value.Root independently
// from the validator's own replay of dispatch/merkle-insertion events
// (s.cfg.Accumulator) rather than trusting a second on-chain read of the
// same provider's current view, which cannot see a historical index.
func (s *Submitter) verifyNoReorgBeneath(ctx context.Context, prev model.SignedCheckpoint) error {
	current, err := s.cfg.Reader.LatestCheckpoint(ctx, s.cfg.ReorgPeriod)
	if err != nil {
		return nil // can't confirm either way on a transient failure; don't false-positive a halt
	}
	if current.Index < prev.Value.Index {
		return fmt.Errorf("origin index regressed from %d to %d", prev.Value.Index, current.Index)
	}

	if s.cfg.Accumulator == nil {
		return nil
	}
	root, err := s.cfg.Accumulator.HistoricalRoot(prev.Value.Index)
	if err != nil {
		// our own replay hasn't reached this index yet; can't confirm either
		// way, so don't false-positive a halt.
		return nil
	}
	if root != merkleacc.Hash(prev.Value.Root) {
		return fmt.Errorf("root at index %d no longer matches the signed checkpoint: replayed %x, signed %x", prev.Value.Index, root, prev.Value.Root)
	}
	return nil
}

func (s *Submitter) haltLocked() {
	s.mu.Lock()
	s.state = StateHalted
	s.mu.Unlock()
}
