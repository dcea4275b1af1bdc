// Package store persists anchor batches and the per-case dispute history.
package store

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"anchorlane/pkg/evidence"
	"anchorlane/pkg/merkle"
)

type Status string

const (
	StatusPending        Status = "pending"
	StatusRetryScheduled Status = "retry_scheduled"
	StatusSubmitted      Status = "onchain_submitted"
	StatusRetryFailed    Status = "retry_failed"
)

// Terminal statuses never regress; the worker skips them entirely.
func (s Status) Terminal() bool {
	return s == StatusSubmitted || s == StatusRetryFailed
}

// BatchRecord is one persisted commitment plus its submission state. The
// worker mutates the retry fields in place until the record reaches a
// terminal status.
type BatchRecord struct {
	BatchID string `json:"batchId"`
	CaseID  string `json:"caseId"`

	merkle.Batch

	Timestamp     int64  `json:"timestamp"`
	Status        Status `json:"status"`
	RetryAttempts int    `json:"retryAttempts"`
	BackoffMs     int64  `json:"backoffMs,omitempty"`
	NextRetryAt   int64  `json:"nextRetryAt,omitempty"`
	LastError     string `json:"lastError,omitempty"`
	TxHash        string `json:"txHash,omitempty"`
	RootSignature string `json:"rootSignature,omitempty"`
}

// HistoryEntry is one append-only journal line for a case.
type HistoryEntry struct {
	BatchID       string                `json:"batchId"`
	MerkleRoot    common.Hash           `json:"merkleRoot"`
	Status        Status                `json:"status"`
	TxHash        string                `json:"txHash,omitempty"`
	RootSignature string                `json:"rootSignature,omitempty"`
	CreatedAt     int64                 `json:"createdAt"`
	EvidenceCount evidence.Numeric      `json:"evidenceCount"`
	Proofs        map[int][]common.Hash `json:"proofs,omitempty"`
}

// Store is the durable batch and history store. Batches and History return
// empty slices, never an error, for unknown cases.
type Store interface {
	AppendBatch(ctx context.Context, rec *BatchRecord) error
	UpdateBatch(ctx context.Context, rec *BatchRecord) error
	Batches(ctx context.Context, caseID string) ([]*BatchRecord, error)
	// All returns every batch across cases; the retry worker's scan.
	All(ctx context.Context) ([]*BatchRecord, error)
	AppendHistory(ctx context.Context, caseID string, entry HistoryEntry) error
	History(ctx context.Context, caseID string) ([]HistoryEntry, error)
	Close() error
}
