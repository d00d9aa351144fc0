// Copyright 2025 Certen Protocol
//
// Merkle Accumulator Tests

package merkleacc

import "testing"

func TestIngestAndRoot_EmptyTreeIsZeroHash(t *testing.T) {
	acc := New()
	if acc.Count() != 0 {
		t.Fatalf("expected count 0, got %d", acc.Count())
	}
	root := acc.Root()
	if root != zeroHashTable()[Depth] {
		t.Errorf("empty tree root mismatch: got %x, want %x", root, zeroHashTable()[Depth])
	}
}

func TestProveAgainstCurrent_RoundTrip(t *testing.T) {
	acc := New()
	for i := 0; i < 10; i++ {
		if err := acc.Ingest(HashLeaf([]byte{byte(i)})); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	for i := uint32(0); i < 10; i++ {
		proof, err := acc.ProveAgainstCurrent(i)
		if err != nil {
			t.Fatalf("prove %d: %v", i, err)
		}
		ok, err := Verify(proof, acc.Root())
		if err != nil {
			t.Fatalf("verify %d: %v", i, err)
		}
		if !ok {
			t.Errorf("proof for leaf %d did not verify against current root", i)
		}
	}
}

func TestProveAgainstCurrent_IndexOutOfRange(t *testing.T) {
	acc := New()
	_ = acc.Ingest(HashLeaf([]byte("only leaf")))
	if _, err := acc.ProveAgainstCurrent(1); err != ErrIndexOutOfRange {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestProveAgainstPrevious_OrderingError(t *testing.T) {
	acc := New()
	for i := 0; i < 3; i++ {
		_ = acc.Ingest(HashLeaf([]byte{byte(i)}))
	}
	if _, err := acc.ProveAgainstPrevious(2, 1); err != ErrOrderingError {
		t.Fatalf("expected ErrOrderingError, got %v", err)
	}
}

// TestHistoricalProofCorrectness is scenario 6: seed 47 identical leaves,
// check prove_against_previous(i, j) verifies against historical_root(j)
// for every 0 <= i <= j < 47.
func TestHistoricalProofCorrectness(t *testing.T) {
	const n = 47
	var fixedLeaf Hash
	for i := range fixedLeaf {
		fixedLeaf[i] = 0xAA
	}

	acc := New()
	for i := 0; i < n; i++ {
		if err := acc.Ingest(fixedLeaf); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	for j := uint32(0); j < n; j++ {
		historicalRoot, err := acc.HistoricalRoot(j)
		if err != nil {
			t.Fatalf("historical root %d: %v", j, err)
		}
		for i := uint32(0); i <= j; i++ {
			proof, err := acc.ProveAgainstPrevious(i, j)
			if err != nil {
				t.Fatalf("prove(%d,%d): %v", i, j, err)
			}
			if proof.Root != historicalRoot.Hex() {
				t.Fatalf("prove(%d,%d) root %s != historical_root(%d) %s", i, j, proof.Root, j, historicalRoot.Hex())
			}
			ok, err := Verify(proof, historicalRoot)
			if err != nil {
				t.Fatalf("verify(%d,%d): %v", i, j, err)
			}
			if !ok {
				t.Errorf("prove(%d,%d) failed to verify against historical_root(%d)", i, j, j)
			}
		}
	}
}

func TestVerify_RejectsWrongRoot(t *testing.T) {
	acc := New()
	for i := 0; i < 5; i++ {
		_ = acc.Ingest(HashLeaf([]byte{byte(i)}))
	}
	proof, err := acc.ProveAgainstCurrent(2)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	wrongRoot := HashLeaf([]byte("not the root"))
	ok, err := Verify(proof, wrongRoot)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Error("expected verification against the wrong root to fail")
	}
}
