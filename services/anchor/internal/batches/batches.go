// Package batches is the service boundary the route layer consumes:
// commitment construction, best-effort root signing, persistence, and the
// per-case dispute journal.
package batches

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"anchorlane/pkg/evidence"
	"anchorlane/pkg/merkle"
	"anchorlane/pkg/rootsign"
	"anchorlane/services/anchor/internal/store"
)

// ErrSignatureRequired is returned when ANCHOR_REQUIRE_SIGNATURE is set
// but no signing key is configured.
var ErrSignatureRequired = errors.New("batches: root signature required but no signing key configured")

type Service struct {
	store      store.Store
	signer     *rootsign.Signer // nil means unsigned batches are allowed
	requireSig bool
	capacity   int
	log        zerolog.Logger

	mu     sync.Mutex
	accums map[string]*merkle.Accumulator
}

func New(st store.Store, signer *rootsign.Signer, requireSig bool, capacity int, log zerolog.Logger) *Service {
	return &Service{
		store:      st,
		signer:     signer,
		requireSig: requireSig,
		capacity:   capacity,
		log:        log,
		accums:     map[string]*merkle.Accumulator{},
	}
}

// CreateBatch builds a commitment over items and persists it as pending.
// Empty input fails with merkle.ErrEmptyBatch and persists nothing;
// malformed items fail with evidence.ErrValidation.
func (s *Service) CreateBatch(ctx context.Context, caseID string, items []evidence.Submission) (*store.BatchRecord, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no evidence items for case %s", merkle.ErrEmptyBatch, caseID)
	}
	builder := merkle.NewBuilder()
	for i, item := range items {
		rec, err := evidence.Parse(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		builder.Add(rec)
	}
	batch, err := builder.Export()
	if err != nil {
		return nil, err
	}
	return s.persist(ctx, caseID, batch)
}

// SubmitEvidence feeds the case's open accumulator. The returned record is
// non-nil only when this submission filled the batch and it was persisted.
func (s *Service) SubmitEvidence(ctx context.Context, caseID string, sub evidence.Submission) (*store.BatchRecord, error) {
	rec, err := evidence.Parse(sub)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	acc := s.accums[caseID]
	if acc == nil {
		acc = merkle.NewAccumulator(s.capacity)
		s.accums[caseID] = acc
	}
	batch, err := acc.Add(rec)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, nil
	}
	out, err := s.persist(ctx, caseID, batch)
	if err != nil {
		s.restore(caseID, batch.EvidenceItems)
		return nil, err
	}
	return out, nil
}

// FinalizeCase closes the case's accumulator early.
func (s *Service) FinalizeCase(ctx context.Context, caseID string) (*store.BatchRecord, error) {
	s.mu.Lock()
	acc := s.accums[caseID]
	var batch *merkle.Batch
	var err error
	if acc != nil {
		batch, err = acc.Finalize()
	}
	s.mu.Unlock()
	if acc == nil {
		return nil, fmt.Errorf("%w: no open batch for case %s", merkle.ErrEmptyBatch, caseID)
	}
	if err != nil {
		return nil, err
	}
	out, err := s.persist(ctx, caseID, batch)
	if err != nil {
		s.restore(caseID, batch.EvidenceItems)
		return nil, err
	}
	return out, nil
}

// restore puts a finalized-but-unpersisted batch's records back into the
// case's accumulator so a transient store failure never drops evidence.
func (s *Service) restore(caseID string, items []evidence.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accums[caseID]
	if acc == nil {
		acc = merkle.NewAccumulator(s.capacity)
		s.accums[caseID] = acc
	}
	acc.Restore(items)
}

func (s *Service) AccumulatorStatus(caseID string) merkle.AccumulatorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc := s.accums[caseID]; acc != nil {
		return acc.Status()
	}
	return merkle.AccumulatorStatus{Capacity: s.capacity}
}

func (s *Service) GetBatches(ctx context.Context, caseID string) ([]*store.BatchRecord, error) {
	return s.store.Batches(ctx, caseID)
}

func (s *Service) GetDisputeHistory(ctx context.Context, caseID string) ([]store.HistoryEntry, error) {
	return s.store.History(ctx, caseID)
}

func (s *Service) persist(ctx context.Context, caseID string, batch *merkle.Batch) (*store.BatchRecord, error) {
	rec := &store.BatchRecord{
		BatchID:   "bat_" + uuid.NewString(),
		CaseID:    caseID,
		Batch:     *batch,
		Timestamp: time.Now().UnixMilli(),
		Status:    store.StatusPending,
	}
	if s.signer != nil {
		sig, err := s.signer.SignRoot(batch.MerkleRoot)
		if err != nil {
			// signing is best-effort; the batch persists unsigned
			s.log.Warn().Err(err).Str("case", caseID).Msg("root signing failed")
		} else {
			rec.RootSignature = sig
		}
	}
	if rec.RootSignature == "" && s.requireSig {
		return nil, ErrSignatureRequired
	}
	if err := s.store.AppendBatch(ctx, rec); err != nil {
		return nil, err
	}
	entry := store.HistoryEntry{
		BatchID:       rec.BatchID,
		MerkleRoot:    rec.MerkleRoot,
		Status:        rec.Status,
		RootSignature: rec.RootSignature,
		CreatedAt:     rec.Timestamp,
		EvidenceCount: rec.EvidenceCount,
		Proofs:        rec.Proofs,
	}
	if err := s.store.AppendHistory(ctx, caseID, entry); err != nil {
		return nil, err
	}
	s.log.Info().
		Str("case", caseID).
		Str("batch", rec.BatchID).
		Str("root", rec.MerkleRoot.Hex()).
		Str("count", rec.EvidenceCount.String()).
		Msg("batch committed")
	return rec, nil
}
