package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps batches and history in Postgres, for deployments where
// several services share one database. The full record rides in a JSONB
// column; case and status are lifted out for the worker's scan.
type PGStore struct{ DB *pgxpool.Pool }

func NewPGStore(db *pgxpool.Pool) *PGStore { return &PGStore{DB: db} }

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
CREATE TABLE IF NOT EXISTS anchor_batches(
  batch_id   text PRIMARY KEY,
  case_id    text NOT NULL,
  status     text NOT NULL,
  record     jsonb NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS anchor_batches_case_idx ON anchor_batches(case_id);
CREATE TABLE IF NOT EXISTS anchor_history(
  id         bigserial PRIMARY KEY,
  case_id    text NOT NULL,
  entry      jsonb NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS anchor_history_case_idx ON anchor_history(case_id);
`)
	return err
}

func (s *PGStore) AppendBatch(ctx context.Context, rec *BatchRecord) error {
	b, err := json.Marshal(rec)
	if err != nil { return err }
	_, err = s.DB.Exec(ctx, `INSERT INTO anchor_batches(batch_id,case_id,status,record) VALUES($1,$2,$3,$4::jsonb)`,
		rec.BatchID, rec.CaseID, string(rec.Status), string(b))
	return err
}

func (s *PGStore) UpdateBatch(ctx context.Context, rec *BatchRecord) error {
	b, err := json.Marshal(rec)
	if err != nil { return err }
	tag, err := s.DB.Exec(ctx, `UPDATE anchor_batches SET status=$2, record=$3::jsonb WHERE batch_id=$1`,
		rec.BatchID, string(rec.Status), string(b))
	if err != nil { return err }
	if tag.RowsAffected() == 0 { return fmt.Errorf("store: unknown batch %s/%s", rec.CaseID, rec.BatchID) }
	return nil
}

func (s *PGStore) Batches(ctx context.Context, caseID string) ([]*BatchRecord, error) {
	rows, err := s.DB.Query(ctx, `SELECT record FROM anchor_batches WHERE case_id=$1 ORDER BY created_at ASC`, caseID)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []*BatchRecord{}
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil { return nil, err }
		var rec BatchRecord
		if err := json.Unmarshal(b, &rec); err != nil { continue }
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PGStore) All(ctx context.Context) ([]*BatchRecord, error) {
	rows, err := s.DB.Query(ctx, `SELECT record FROM anchor_batches ORDER BY created_at ASC`)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []*BatchRecord{}
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil { return nil, err }
		var rec BatchRecord
		if err := json.Unmarshal(b, &rec); err != nil { continue }
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PGStore) AppendHistory(ctx context.Context, caseID string, entry HistoryEntry) error {
	b, err := json.Marshal(entry)
	if err != nil { return err }
	_, err = s.DB.Exec(ctx, `INSERT INTO anchor_history(case_id,entry) VALUES($1,$2::jsonb)`, caseID, string(b))
	return err
}

func (s *PGStore) History(ctx context.Context, caseID string) ([]HistoryEntry, error) {
	rows, err := s.DB.Query(ctx, `SELECT entry FROM anchor_history WHERE case_id=$1 ORDER BY id ASC`, caseID)
	if err != nil { return nil, err }
	defer rows.Close()
	out := []HistoryEntry{}
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil { return nil, err }
		var entry HistoryEntry
		if err := json.Unmarshal(b, &entry); err != nil { continue }
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PGStore) Close() error { s.DB.Close(); return nil }
