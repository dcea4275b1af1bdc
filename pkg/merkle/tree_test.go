package merkle

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"anchorlane/pkg/evidence"
)

func testRecord(t *testing.T, caseID, digestByte string) evidence.Record {
	t.Helper()
	rec, err := evidence.Parse(evidence.Submission{
		CaseID:        caseID,
		ContentDigest: "0x" + strings.Repeat(digestByte, 32),
		CIDHash:       "0x" + strings.Repeat("0c", 32),
		Uploader:      "0x2222222222222222222222222222222222222222",
		Timestamp:     "1700000000",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	return rec
}

func testRecords(t *testing.T, n int) []evidence.Record {
	t.Helper()
	out := make([]evidence.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, testRecord(t, "1", fmt.Sprintf("%02x", 0x10+i)))
	}
	return out
}

// reference sorted-pair fold, kept independent of the Builder
func refHashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return crypto.Keccak256Hash(a[:], b[:])
	}
	return crypto.Keccak256Hash(b[:], a[:])
}

func TestEmptyBatch(t *testing.T) {
	b := NewBuilder()
	if _, err := b.Root(); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
	if _, err := b.Proof(0); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
}

func TestTwoLeafReferenceRoot(t *testing.T) {
	recA := testRecord(t, "1", "aa")
	recB := testRecord(t, "1", "bb")
	b := NewBuilder()
	b.Add(recA)
	b.Add(recB)

	root, err := b.Root()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := refHashPair(recA.Leaf(), recB.Leaf())
	if root != want {
		t.Fatalf("root %s, reference %s", root.Hex(), want.Hex())
	}

	proof, err := b.Proof(0)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(proof) != 1 {
		t.Fatalf("proof length %d, want 1", len(proof))
	}
	if proof[0] != recB.Leaf() {
		t.Fatalf("proof sibling mismatch")
	}
}

func TestRootIndependentOfInsertionOrder(t *testing.T) {
	recs := testRecords(t, 7)
	b := NewBuilder()
	for _, r := range recs {
		b.Add(r)
	}
	want, err := b.Root()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		shuffled := append([]evidence.Record{}, recs...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		b2 := NewBuilder()
		for _, r := range shuffled {
			b2.Add(r)
		}
		got, err := b2.Root()
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if got != want {
			t.Fatalf("trial %d: root changed under permutation", trial)
		}
	}
}

func TestRootRebuildIdempotent(t *testing.T) {
	b := NewBuilder()
	for _, r := range testRecords(t, 5) {
		b.Add(r)
	}
	r1, _ := b.Root()
	b.levels = nil // force re-derivation
	r2, _ := b.Root()
	if r1 != r2 {
		t.Fatalf("re-derived root differs")
	}
}

func TestProofSoundness(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13} {
		recs := testRecords(t, n)
		b := NewBuilder()
		for _, r := range recs {
			b.Add(r)
		}
		root, err := b.Root()
		if err != nil {
			t.Fatalf("n=%d: unexpected err: %v", n, err)
		}
		for i, rec := range recs {
			proof, err := b.Proof(i)
			if err != nil {
				t.Fatalf("n=%d i=%d: unexpected err: %v", n, i, err)
			}
			if !Verify(rec, proof, root) {
				t.Fatalf("n=%d i=%d: valid proof rejected", n, i)
			}
		}
	}
}

func TestProofRejectsTampering(t *testing.T) {
	recs := testRecords(t, 6)
	b := NewBuilder()
	for _, r := range recs {
		b.Add(r)
	}
	root, _ := b.Root()
	proof, _ := b.Proof(2)

	// tampered record field
	bad := recs[2]
	bad.CaseID = evidence.NumericFromUint64(999)
	if Verify(bad, proof, root) {
		t.Fatalf("tampered caseId accepted")
	}
	bad = recs[2]
	bad.Uploader = common.HexToAddress("0x9999999999999999999999999999999999999999")
	if Verify(bad, proof, root) {
		t.Fatalf("tampered uploader accepted")
	}

	// tampered proof element
	for i := range proof {
		mutated := append([]common.Hash{}, proof...)
		mutated[i][0] ^= 0x01
		if Verify(recs[2], mutated, root) {
			t.Fatalf("tampered proof element %d accepted", i)
		}
	}

	// wrong record for this proof
	if Verify(recs[3], proof, root) && recs[3].Leaf() != recs[2].Leaf() {
		t.Fatalf("proof accepted for a different record")
	}
}

func TestProofIndexOutOfBounds(t *testing.T) {
	b := NewBuilder()
	b.Add(testRecord(t, "1", "aa"))
	if _, err := b.Proof(1); !errors.Is(err, ErrIndexOutOfBounds) {
		t.Fatalf("expected ErrIndexOutOfBounds, got %v", err)
	}
	if _, err := b.Proof(-1); !errors.Is(err, ErrIndexOutOfBounds) {
		t.Fatalf("expected ErrIndexOutOfBounds, got %v", err)
	}
}

func TestSingleLeafRootIsLeaf(t *testing.T) {
	rec := testRecord(t, "1", "aa")
	b := NewBuilder()
	b.Add(rec)
	root, err := b.Root()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if root != rec.Leaf() {
		t.Fatalf("single-leaf root should equal the leaf")
	}
	proof, _ := b.Proof(0)
	if len(proof) != 0 {
		t.Fatalf("single-leaf proof should be empty, got %d", len(proof))
	}
}
