package merkle

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"anchorlane/pkg/evidence"
)

// Batch is the full serialized commitment: every record and every proof,
// enough to verify any item without rebuilding the tree.
type Batch struct {
	MerkleRoot    common.Hash           `json:"merkleRoot"`
	EvidenceCount evidence.Numeric      `json:"evidenceCount"`
	EvidenceItems []evidence.Record     `json:"evidenceItems"`
	Proofs        map[int][]common.Hash `json:"proofs"`
}

// Export serializes the built tree.
func (b *Builder) Export() (*Batch, error) {
	root, err := b.Root()
	if err != nil {
		return nil, err
	}
	proofs := make(map[int][]common.Hash, len(b.items))
	for i := range b.items {
		p, err := b.Proof(i)
		if err != nil {
			return nil, err
		}
		proofs[i] = p
	}
	items := make([]evidence.Record, len(b.items))
	copy(items, b.items)
	return &Batch{
		MerkleRoot:    root,
		EvidenceCount: evidence.NumericFromUint64(uint64(len(items))),
		EvidenceItems: items,
		Proofs:        proofs,
	}, nil
}

// Import rebuilds a builder from an exported batch. The root is re-derived
// from the items and compared against the declared one, so a tampered or
// stale export fails with ErrIntegrity instead of poisoning later proofs.
func Import(batch *Batch) (*Builder, error) {
	if batch == nil || len(batch.EvidenceItems) == 0 {
		return nil, ErrEmptyBatch
	}
	b := NewBuilder()
	for _, item := range batch.EvidenceItems {
		b.Add(item)
	}
	root, err := b.Root()
	if err != nil {
		return nil, err
	}
	if root != batch.MerkleRoot {
		return nil, fmt.Errorf("%w: declared %s, recomputed %s", ErrIntegrity, batch.MerkleRoot.Hex(), root.Hex())
	}
	if batch.EvidenceCount.BigInt().Cmp(big.NewInt(int64(len(batch.EvidenceItems)))) != 0 {
		return nil, fmt.Errorf("%w: declared count %s, got %d items", ErrIntegrity, batch.EvidenceCount, len(batch.EvidenceItems))
	}
	return b, nil
}
