package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Sim is an in-memory ledger for development and tests. It enforces the
// same global root uniqueness the contract does and fabricates
// deterministic transaction hashes.
type Sim struct {
	mu   sync.Mutex
	seen map[common.Hash]common.Hash
}

func NewSim() *Sim {
	return &Sim{seen: make(map[common.Hash]common.Hash)}
}

func (s *Sim) SubmitRoot(_ context.Context, root common.Hash, evidenceCount uint64) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[root]; ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrDuplicateRoot, root.Hex())
	}
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], evidenceCount)
	tx := crypto.Keccak256Hash(root[:], count[:])
	s.seen[root] = tx
	return tx, nil
}

// Anchored reports whether a root has been submitted to this ledger.
func (s *Sim) Anchored(root common.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[root]
	return ok
}
