// Copyright 2025 Certen Protocol
//
// Append-only depth-32 sparse Merkle accumulator for mailbox dispatch
// leaves, with proofs against both the current root and any historical
// root the tree has ever held.
//
// This is the off-chain mirror of the on-chain incremental Merkle tree: the
// frontier (one node hash per depth) plus the leaf count reproduce the root
// in O(depth) hashes, exactly as the on-chain tree computes it, so a
// validator's locally-maintained root always matches the mailbox's.

package merkleacc

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

// Depth is the fixed tree depth; the mailbox's accumulator never exceeds
// 2^Depth leaves.
const Depth = 32

// Hash is a 32-byte node hash.
type Hash [32]byte

func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// Common errors.
var (
	ErrFullTree        = errors.New("merkle accumulator: tree is full")
	ErrIndexOutOfRange = errors.New("merkle accumulator: index out of range")
	ErrOrderingError   = errors.New("merkle accumulator: root_index < leaf_index")
	ErrInvalidProof    = errors.New("merkle accumulator: invalid proof")
)

// zeroHashes is Z[0..Depth], Z[0] = 0^32, Z[i] = H(Z[i-1] || Z[i-1]).
var (
	zeroHashesOnce sync.Once
	zeroHashes     [Depth + 1]Hash
)

func zeroHashTable() *[Depth + 1]Hash {
	zeroHashesOnce.Do(func() {
		var cur Hash
		zeroHashes[0] = cur
		for i := 1; i <= Depth; i++ {
			zeroHashes[i] = hashPair(zeroHashes[i-1], zeroHashes[i-1])
		}
	})
	return &zeroHashes
}

func hashPair(left, right Hash) Hash {
	var h Hash
	copy(h[:], crypto.Keccak256(left[:], right[:]))
	return h
}

// HashLeaf returns the keccak256 of arbitrary leaf data (e.g. a message id).
func HashLeaf(data []byte) Hash {
	var h Hash
	copy(h[:], crypto.Keccak256(data))
	return h
}

// Position mirrors the sibling's side relative to the path node it pairs with.
type Position string

const (
	Left  Position = "left"
	Right Position = "right"
)

// ProofNode is one level of a Merkle path.
type ProofNode struct {
	Hash     string   `json:"hash"`
	Position Position `json:"position"`
}

// Proof is a depth-32 inclusion proof for a single leaf against a root.
type Proof struct {
	Leaf      string      `json:"leaf"`
	LeafIndex uint32      `json:"leaf_index"`
	Root      string      `json:"root"`
	Path      []ProofNode `json:"path"`
}

func (p *Proof) ToJSON() ([]byte, error)   { return json.Marshal(p) }
func ProofFromJSON(b []byte) (*Proof, error) {
	var p Proof
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Accumulator is the append-only depth-32 sparse Merkle tree. One instance
// is owned per origin mailbox and mutated only by that mailbox's indexing
// task; readers take proofs under the read lock.
type Accumulator struct {
	mu     sync.RWMutex
	leaves []Hash // full leaf history, needed to re-derive historical proofs
	branch [Depth]Hash
	count  uint32
}

// New returns an empty accumulator.
func New() *Accumulator {
	zeroHashTable()
	return &Accumulator{}
}

// Ingest appends a leaf, updating the frontier in O(Depth) hashes.
func (a *Accumulator) Ingest(leaf Hash) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.count == math.MaxUint32 {
		return ErrFullTree
	}

	a.leaves = append(a.leaves, leaf)
	a.count++

	node := leaf
	size := a.count
	for i := 0; i < Depth; i++ {
		if size&1 == 1 {
			a.branch[i] = node
			return nil
		}
		node = hashPair(a.branch[i], node)
		size /= 2
	}
	return nil
}

// Count returns the number of ingested leaves.
func (a *Accumulator) Count() uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

// Root returns the current root, O(Depth) from the maintained frontier.
func (a *Accumulator) Root() Hash {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rootLocked(a.count)
}

// rootLocked computes the root as of the first `size` leaves, using the
// maintained frontier when size == a.count (the common case) and falling
// back to the general subtree derivation otherwise. Caller holds a.mu.
func (a *Accumulator) rootLocked(size uint32) Hash {
	if size == a.count {
		Z := zeroHashTable()
		node := Z[0]
		s := size
		for i := 0; i < Depth; i++ {
			if s&1 == 1 {
				node = hashPair(a.branch[i], node)
			} else {
				node = hashPair(node, Z[i])
			}
			s /= 2
		}
		return node
	}
	return a.subtreeRoot(Depth, 0, size)
}

// subtreeRoot is the root of the subtree spanning leaves
// [start, start+2^level) as of a tree truncated to `bound` leaves. Subtrees
// entirely beyond `bound` collapse to the canonical zero hash for their
// depth; this is what lets prove_against_previous avoid needing a
// per-historical-index branch snapshot.
func (a *Accumulator) subtreeRoot(level int, start uint64, bound uint32) Hash {
	Z := zeroHashTable()
	if start >= uint64(bound) {
		return Z[level]
	}
	if level == 0 {
		return a.leaves[start]
	}
	half := uint64(1) << (level - 1)
	left := a.subtreeRoot(level-1, start, bound)
	right := a.subtreeRoot(level-1, start+half, bound)
	return hashPair(left, right)
}

// pathTo returns the depth-32 sibling path for leafIndex as of a tree
// truncated to `bound` leaves (bound-1 is the corresponding root_index).
func (a *Accumulator) pathTo(leafIndex uint32, bound uint32) []ProofNode {
	path := make([]ProofNode, Depth)
	idx := uint64(leafIndex)
	for level := 0; level < Depth; level++ {
		siblingStart := idx ^ 1
		siblingStart <<= uint(level)
		sibling := a.subtreeRoot(level, siblingStart, bound)
		pos := Right
		if idx&1 == 1 {
			pos = Left
		}
		path[level] = ProofNode{Hash: sibling.Hex(), Position: pos}
		idx >>= 1
	}
	return path
}

// ProveAgainstCurrent returns a proof verifying against the current root.
func (a *Accumulator) ProveAgainstCurrent(index uint32) (*Proof, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if index >= a.count {
		return nil, ErrIndexOutOfRange
	}
	root := a.rootLocked(a.count)
	return &Proof{
		Leaf:      a.leaves[index].Hex(),
		LeafIndex: index,
		Root:      root.Hex(),
		Path:      a.pathTo(index, a.count),
	}, nil
}

// ProveAgainstPrevious returns a proof verifying against the root the tree
// held when it had rootIndex+1 leaves, i.e. historical_root(rootIndex).
func (a *Accumulator) ProveAgainstPrevious(leafIndex, rootIndex uint32) (*Proof, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if rootIndex < leafIndex {
		return nil, ErrOrderingError
	}
	if rootIndex >= a.count {
		return nil, ErrIndexOutOfRange
	}
	bound := rootIndex + 1
	root := a.rootLocked(bound)
	return &Proof{
		Leaf:      a.leaves[leafIndex].Hex(),
		LeafIndex: leafIndex,
		Root:      root.Hex(),
		Path:      a.pathTo(leafIndex, bound),
	}, nil
}

// HistoricalRoot returns the root the tree held after its (rootIndex+1)-th
// leaf, without requiring a proof.
func (a *Accumulator) HistoricalRoot(rootIndex uint32) (Hash, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if rootIndex >= a.count {
		return Hash{}, ErrIndexOutOfRange
	}
	return a.rootLocked(rootIndex + 1), nil
}

// Verify checks proof against expectedRoot using constant-time comparison.
func Verify(proof *Proof, expectedRoot Hash) (bool, error) {
	if proof == nil || len(proof.Path) != Depth {
		return false, ErrInvalidProof
	}
	leaf, err := hexToHash(proof.Leaf)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	cur := leaf
	for _, node := range proof.Path {
		sib, err := hexToHash(node.Hash)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidProof, err)
		}
		if node.Position == Left {
			cur = hashPair(sib, cur)
		} else {
			cur = hashPair(cur, sib)
		}
	}
	return subtle.ConstantTimeCompare(cur[:], expectedRoot[:]) == 1, nil
}

func hexToHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != 32 {
		return h, fmt.Errorf("hash must be 32 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}
