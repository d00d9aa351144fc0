// Copyright 2025 Certen Protocol
//
// Package quorum combines per-validator checkpoint stores into a
// quorum-signed checkpoint (spec §4.3). Fan-out across validators uses
// bounded goroutines joined with sync.WaitGroup, the same idiom the
// teacher's consensus coordinator uses for parallel per-validator queries —
// not golang.org/x/sync/errgroup, which nothing in the retrieved corpus
// imports.
package quorum

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/interlayer-xyz/relay-core/pkg/checkpointstore"
	"github.com/interlayer-xyz/relay-core/pkg/model"
)

// Aggregator fans out over a validator set's checkpoint stores to produce
// quorum-signed checkpoints. Callers are expected to bound ctx with a
// deadline per fetch; the aggregator does not impose its own timeout.
type Aggregator struct {
	validators map[common.Address]checkpointstore.Store
	threshold  int
	logger     *log.Logger
}

// New builds an Aggregator over validators with the given threshold.
func New(validators map[common.Address]checkpointstore.Store, threshold int, logger *log.Logger) *Aggregator {
	return &Aggregator{validators: validators, threshold: threshold, logger: logger}
}

type indexResult struct {
	validator common.Address
	index     uint32
	err       error
}

// LatestIndex implements spec §4.3's latest_index(): query every store in
// parallel, discard per-store errors, and return the highest index that
// at least `threshold` stores report, falling back to probing
// fetch_checkpoint for progressively lower indices when no value has that
// many raw reports.
func (a *Aggregator) LatestIndex(ctx context.Context) (*uint32, error) {
	results := a.fetchLatestIndices(ctx)

	var successful []uint32
	for _, r := range results {
		if r.err == nil {
			successful = append(successful, r.index)
		}
	}
	if len(successful) == 0 {
		return nil, nil
	}
	sort.Slice(successful, func(i, j int) bool { return successful[i] > successful[j] })

	counts := make(map[uint32]int, len(successful))
	for _, idx := range successful {
		counts[idx]++
	}

	distinct := dedupDescending(successful)
	for _, idx := range distinct {
		if counts[idx] >= a.threshold {
			out := idx
			return &out, nil
		}
	}

	for _, idx := range distinct {
		sc, err := a.FetchCheckpoint(ctx, idx)
		if err == nil && sc != nil {
			out := idx
			return &out, nil
		}
	}
	return nil, nil
}

func dedupDescending(sorted []uint32) []uint32 {
	out := make([]uint32, 0, len(sorted))
	var last uint32
	first := true
	for _, v := range sorted {
		if first || v != last {
			out = append(out, v)
			last = v
			first = false
		}
	}
	return out
}

func (a *Aggregator) fetchLatestIndices(ctx context.Context) []indexResult {
	results := make([]indexResult, len(a.validators))
	var wg sync.WaitGroup
	i := 0
	for v, store := range a.validators {
		i := i
		v, store := v, store
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, err := store.LatestIndex(ctx)
			if err != nil {
				results[i] = indexResult{validator: v, err: err}
				return
			}
			if idx == nil {
				results[i] = indexResult{validator: v, err: errAbsent}
				return
			}
			results[i] = indexResult{validator: v, index: *idx}
		}()
		i++
	}
	wg.Wait()
	return results
}

var errAbsent = &absentError{}

type absentError struct{}

func (*absentError) Error() string { return "quorum: validator store reports no latest index" }

type bucketKey struct {
	root  model.Bytes32
	index uint32
}

// FetchCheckpoint implements spec §4.3's fetch_checkpoint(index): fetch from
// every validator in parallel, bucket accepted signatures by (root, index)
// to tolerate equivocation, and return the first bucket to reach threshold.
func (a *Aggregator) FetchCheckpoint(ctx context.Context, index uint32) (*model.MultisigSignedCheckpoint, error) {
	type bucket struct {
		value      model.Checkpoint
		messageID  *model.Bytes32
		signatures []model.Signature
	}
	buckets := make(map[bucketKey]*bucket)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for v, store := range a.validators {
		v, store := v, store
		wg.Add(1)
		go func() {
			defer wg.Done()
			sc, err := store.FetchCheckpoint(ctx, index)
			if err != nil || sc == nil {
				return
			}
			if sc.Value.Index != index {
				return
			}
			signer, err := sc.Signer()
			if err != nil || signer != v {
				if a.logger != nil && err == nil {
					a.logger.Printf("quorum: signer mismatch for validator %s at index %d", v.Hex(), index)
				}
				return
			}
			key := bucketKey{root: sc.Value.Root, index: sc.Value.Index}
			mu.Lock()
			defer mu.Unlock()
			b, ok := buckets[key]
			if !ok {
				b = &bucket{value: sc.Value, messageID: sc.MessageID}
				buckets[key] = b
			}
			b.signatures = append(b.signatures, sc.Signature)
		}()
	}
	wg.Wait()

	for _, b := range buckets {
		if len(b.signatures) >= a.threshold {
			return &model.MultisigSignedCheckpoint{
				Value:      b.value,
				MessageID:  b.messageID,
				Signatures: b.signatures,
			}, nil
		}
	}
	return nil, nil
}
