// Package merkle builds keccak256 commitments over evidence records with
// sorted-pair hashing, so roots and proofs are independent of insertion
// order and verify identically on the anchor contract.
package merkle

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"anchorlane/pkg/evidence"
)

var (
	ErrEmptyBatch       = errors.New("merkle: empty batch")
	ErrIndexOutOfBounds = errors.New("merkle: index out of bounds")
	ErrIntegrity        = errors.New("merkle: declared root does not match items")
)

// Builder accumulates evidence records and lazily derives the tree.
// Adding a record invalidates any previously built levels; the tree is
// re-derived deterministically whenever a root or proof is requested.
type Builder struct {
	items  []evidence.Record
	leaves []common.Hash
	levels [][]common.Hash
	pos    []int // insertion index -> position in the sorted leaf level
}

func NewBuilder() *Builder { return &Builder{} }

// Add appends a record. The tree is not rebuilt here.
func (b *Builder) Add(rec evidence.Record) {
	b.items = append(b.items, rec)
	b.leaves = append(b.leaves, rec.Leaf())
	b.levels = nil
}

func (b *Builder) Count() int { return len(b.items) }

// Items returns the records in insertion order. The slice is shared; do
// not mutate.
func (b *Builder) Items() []evidence.Record { return b.items }

func (b *Builder) build() error {
	if len(b.leaves) == 0 {
		return ErrEmptyBatch
	}
	if b.levels != nil {
		return nil
	}
	// Leaves are sorted before pairing so the root is a pure function of
	// the record set, not of insertion order.
	order := make([]int, len(b.leaves))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		return bytes.Compare(b.leaves[order[x]][:], b.leaves[order[y]][:]) < 0
	})
	level := make([]common.Hash, len(b.leaves))
	pos := make([]int, len(b.leaves))
	for sortedIdx, origIdx := range order {
		level[sortedIdx] = b.leaves[origIdx]
		pos[origIdx] = sortedIdx
	}
	levels := [][]common.Hash{level}
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				// odd node is promoted unchanged
				next = append(next, level[i])
			}
		}
		levels = append(levels, next)
		level = next
	}
	b.levels = levels
	b.pos = pos
	return nil
}

// Root returns the 32-byte commitment root, building the tree if needed.
func (b *Builder) Root() (common.Hash, error) {
	if err := b.build(); err != nil {
		return common.Hash{}, err
	}
	top := b.levels[len(b.levels)-1]
	return top[0], nil
}

// Proof returns the sibling hashes from leaf i to the root.
func (b *Builder) Proof(i int) ([]common.Hash, error) {
	if err := b.build(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(b.leaves) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfBounds, i, len(b.leaves))
	}
	proof := []common.Hash{}
	idx := b.pos[i]
	for _, level := range b.levels[:len(b.levels)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the record's leaf and folds the proof against root.
// Pure; it must agree bit-for-bit with the on-chain verifier.
func Verify(rec evidence.Record, proof []common.Hash, root common.Hash) bool {
	h := rec.Leaf()
	for _, p := range proof {
		h = hashPair(h, p)
	}
	return h == root
}

// hashPair sorts the children before hashing, making the parent
// independent of child order.
func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return crypto.Keccak256Hash(a[:], b[:])
	}
	return crypto.Keccak256Hash(b[:], a[:])
}
