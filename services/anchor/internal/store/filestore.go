package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the legacy on-disk layout: one JSON document per concern,
// `{caseId: [BatchRecord]}` and `{caseId: [HistoryEntry]}`, rewritten whole
// on every mutation. All writes funnel through one mutex and land via
// temp-file rename, so a crash never leaves a half-written document.
// Single-process only; concurrent writer processes would race.
type FileStore struct {
	mu          sync.Mutex
	batchPath   string
	historyPath string
	batches     map[string][]*BatchRecord
	history     map[string][]HistoryEntry
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fs := &FileStore{
		batchPath:   filepath.Join(dir, "batches.json"),
		historyPath: filepath.Join(dir, "dispute_history.json"),
		batches:     map[string][]*BatchRecord{},
		history:     map[string][]HistoryEntry{},
	}
	// A missing or corrupt file is treated as an empty store, never a
	// startup failure.
	loadJSON(fs.batchPath, &fs.batches)
	loadJSON(fs.historyPath, &fs.history)
	if fs.batches == nil {
		fs.batches = map[string][]*BatchRecord{}
	}
	if fs.history == nil {
		fs.history = map[string][]HistoryEntry{}
	}
	return fs, nil
}

func (fs *FileStore) AppendBatch(_ context.Context, rec *BatchRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.batches[rec.CaseID] = append(fs.batches[rec.CaseID], cloneBatch(rec))
	return writeJSON(fs.batchPath, fs.batches)
}

func (fs *FileStore) UpdateBatch(_ context.Context, rec *BatchRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	list := fs.batches[rec.CaseID]
	for i, existing := range list {
		if existing.BatchID == rec.BatchID {
			list[i] = cloneBatch(rec)
			return writeJSON(fs.batchPath, fs.batches)
		}
	}
	return fmt.Errorf("store: unknown batch %s/%s", rec.CaseID, rec.BatchID)
}

func (fs *FileStore) Batches(_ context.Context, caseID string) ([]*BatchRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]*BatchRecord, 0, len(fs.batches[caseID]))
	for _, rec := range fs.batches[caseID] {
		out = append(out, cloneBatch(rec))
	}
	return out, nil
}

func (fs *FileStore) All(_ context.Context) ([]*BatchRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []*BatchRecord
	for _, list := range fs.batches {
		for _, rec := range list {
			out = append(out, cloneBatch(rec))
		}
	}
	return out, nil
}

func (fs *FileStore) AppendHistory(_ context.Context, caseID string, entry HistoryEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.history[caseID] = append(fs.history[caseID], entry)
	return writeJSON(fs.historyPath, fs.history)
}

func (fs *FileStore) History(_ context.Context, caseID string) ([]HistoryEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]HistoryEntry, len(fs.history[caseID]))
	copy(out, fs.history[caseID])
	return out, nil
}

func (fs *FileStore) Close() error { return nil }

func cloneBatch(rec *BatchRecord) *BatchRecord {
	cp := *rec
	return &cp
}

func loadJSON(path string, dst any) {
	b, err := os.ReadFile(path)
	if err != nil {
		return
	}
	_ = json.Unmarshal(b, dst)
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
