package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

// PebbleStore is the embedded backend: one key per batch
// (`b\x00caseId\x00batchId`) and per history line (`h\x00caseId\x00seq`),
// so every mutation is a single per-key write instead of a whole-file
// rewrite. Writes are synced; batch submission is slow compared to a WAL
// fsync.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func batchKey(caseID, batchID string) []byte {
	return []byte("b\x00" + caseID + "\x00" + batchID)
}

func historyKey(caseID string) []byte {
	seq := fmt.Sprintf("%019d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
	return []byte("h\x00" + caseID + "\x00" + seq)
}

func prefixBounds(prefix string) (lower, upper []byte) {
	lower = []byte(prefix)
	upper = append(append([]byte{}, lower...), 0xff)
	return lower, upper
}

func (ps *PebbleStore) AppendBatch(_ context.Context, rec *BatchRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ps.db.Set(batchKey(rec.CaseID, rec.BatchID), b, pebble.Sync)
}

// UpdateBatch overwrites the batch's key; the engine gives per-key
// atomicity, no read-modify-write of unrelated batches.
func (ps *PebbleStore) UpdateBatch(ctx context.Context, rec *BatchRecord) error {
	key := batchKey(rec.CaseID, rec.BatchID)
	if _, closer, err := ps.db.Get(key); err == pebble.ErrNotFound {
		return fmt.Errorf("store: unknown batch %s/%s", rec.CaseID, rec.BatchID)
	} else if err != nil {
		return err
	} else {
		_ = closer.Close()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ps.db.Set(key, b, pebble.Sync)
}

func (ps *PebbleStore) Batches(_ context.Context, caseID string) ([]*BatchRecord, error) {
	recs, err := ps.scanBatches("b\x00" + caseID + "\x00")
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp < recs[j].Timestamp })
	return recs, nil
}

func (ps *PebbleStore) All(_ context.Context) ([]*BatchRecord, error) {
	return ps.scanBatches("b\x00")
}

func (ps *PebbleStore) scanBatches(prefix string) ([]*BatchRecord, error) {
	lower, upper := prefixBounds(prefix)
	iter, err := ps.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := []*BatchRecord{}
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var rec BatchRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			// a corrupt record is skipped, not fatal
			continue
		}
		out = append(out, &rec)
	}
	return out, iter.Error()
}

func (ps *PebbleStore) AppendHistory(_ context.Context, caseID string, entry HistoryEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return ps.db.Set(historyKey(caseID), b, pebble.Sync)
}

func (ps *PebbleStore) History(_ context.Context, caseID string) ([]HistoryEntry, error) {
	lower, upper := prefixBounds("h\x00" + caseID + "\x00")
	iter, err := ps.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := []HistoryEntry{}
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var entry HistoryEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, iter.Error()
}

func (ps *PebbleStore) Close() error { return ps.db.Close() }
