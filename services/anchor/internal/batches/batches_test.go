package batches

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"anchorlane/pkg/evidence"
	"anchorlane/pkg/merkle"
	"anchorlane/pkg/rootsign"
	"anchorlane/services/anchor/internal/store"
)

const testSigningKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newTestService(t *testing.T, signer *rootsign.Signer, requireSig bool, capacity int) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, signer, requireSig, capacity, zerolog.Nop()), st
}

func testSubmission(digestByte string) evidence.Submission {
	return evidence.Submission{
		CaseID:        "42",
		ContentDigest: "0x" + strings.Repeat(digestByte, 32),
		CIDHash:       "0x" + strings.Repeat("0c", 32),
		Uploader:      "0x1111111111111111111111111111111111111111",
		Timestamp:     "1700000000",
	}
}

func TestCreateBatchPersistsPendingAndHistory(t *testing.T) {
	svc, st := newTestService(t, nil, false, 10)
	ctx := context.Background()

	rec, err := svc.CreateBatch(ctx, "42", []evidence.Submission{testSubmission("aa"), testSubmission("bb")})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !strings.HasPrefix(rec.BatchID, "bat_") {
		t.Fatalf("batch id %q lacks bat_ prefix", rec.BatchID)
	}
	if rec.Status != store.StatusPending {
		t.Fatalf("new batch status = %s", rec.Status)
	}
	if rec.EvidenceCount.Uint64() != 2 {
		t.Fatalf("evidenceCount = %s", rec.EvidenceCount)
	}

	got, err := st.Batches(ctx, "42")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(got) != 1 || got[0].BatchID != rec.BatchID {
		t.Fatalf("batch not persisted: %+v", got)
	}

	hist, err := st.History(ctx, "42")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(hist) != 1 || hist[0].Status != store.StatusPending || hist[0].BatchID != rec.BatchID {
		t.Fatalf("missing or wrong history entry: %+v", hist)
	}
}

func TestCreateBatchEmptyPersistsNothing(t *testing.T) {
	svc, st := newTestService(t, nil, false, 10)
	ctx := context.Background()

	_, err := svc.CreateBatch(ctx, "42", nil)
	if !errors.Is(err, merkle.ErrEmptyBatch) {
		t.Fatalf("want ErrEmptyBatch, got %v", err)
	}
	all, err := st.All(ctx)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("empty batch must persist nothing, found %d", len(all))
	}
	hist, _ := st.History(ctx, "42")
	if len(hist) != 0 {
		t.Fatalf("empty batch must not touch history")
	}
}

func TestCreateBatchRejectsMalformedItem(t *testing.T) {
	svc, _ := newTestService(t, nil, false, 10)
	bad := testSubmission("aa")
	bad.ContentDigest = ""
	_, err := svc.CreateBatch(context.Background(), "42", []evidence.Submission{bad})
	if !errors.Is(err, evidence.ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestSignedBatchRoundTrip(t *testing.T) {
	signer, err := rootsign.FromHex(testSigningKey)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	svc, _ := newTestService(t, signer, true, 10)

	rec, err := svc.CreateBatch(context.Background(), "42", []evidence.Submission{testSubmission("aa")})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rec.RootSignature == "" {
		t.Fatalf("expected signed root")
	}
	addr, err := rootsign.Recover(rec.MerkleRoot, rec.RootSignature)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if addr != signer.Address() {
		t.Fatalf("recovered %s, want %s", addr, signer.Address())
	}
}

func TestSignatureRequiredWithoutSigner(t *testing.T) {
	svc, st := newTestService(t, nil, true, 10)
	_, err := svc.CreateBatch(context.Background(), "42", []evidence.Submission{testSubmission("aa")})
	if !errors.Is(err, ErrSignatureRequired) {
		t.Fatalf("want ErrSignatureRequired, got %v", err)
	}
	all, _ := st.All(context.Background())
	if len(all) != 0 {
		t.Fatalf("unsigned batch must not persist when signature is required")
	}
}

func TestSubmitEvidenceFillsAccumulator(t *testing.T) {
	svc, st := newTestService(t, nil, false, 3)
	ctx := context.Background()

	for _, b := range []string{"a1", "a2"} {
		rec, err := svc.SubmitEvidence(ctx, "42", testSubmission(b))
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if rec != nil {
			t.Fatalf("batch closed before capacity")
		}
	}
	status := svc.AccumulatorStatus("42")
	if status.Count != 2 || status.Capacity != 3 || status.Full {
		t.Fatalf("unexpected status %+v", status)
	}

	rec, err := svc.SubmitEvidence(ctx, "42", testSubmission("a3"))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rec == nil {
		t.Fatalf("capacity reached, batch should close")
	}
	if rec.EvidenceCount.Uint64() != 3 {
		t.Fatalf("evidenceCount = %s", rec.EvidenceCount)
	}

	// accumulator resets after the batch closes
	if status := svc.AccumulatorStatus("42"); status.Count != 0 {
		t.Fatalf("accumulator not reset: %+v", status)
	}

	got, err := st.Batches(ctx, "42")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d persisted batches", len(got))
	}
}

// failingStore rejects the next n AppendBatch calls, then delegates.
type failingStore struct {
	store.Store
	failures int
}

func (f *failingStore) AppendBatch(ctx context.Context, rec *store.BatchRecord) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("store: disk full")
	}
	return f.Store.AppendBatch(ctx, rec)
}

func TestSubmitEvidenceSurvivesStoreFailure(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	flaky := &failingStore{Store: st, failures: 1}
	svc := New(flaky, nil, false, 2, zerolog.Nop())
	ctx := context.Background()

	if _, err := svc.SubmitEvidence(ctx, "42", testSubmission("a1")); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// second submission fills the batch; the write fails
	if _, err := svc.SubmitEvidence(ctx, "42", testSubmission("a2")); err == nil {
		t.Fatalf("expected store failure")
	}

	// both records must be back in the accumulator, not dropped
	if status := svc.AccumulatorStatus("42"); status.Count != 2 {
		t.Fatalf("evidence lost after store failure: %+v", status)
	}

	rec, err := svc.FinalizeCase(ctx, "42")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rec.EvidenceCount.Uint64() != 2 {
		t.Fatalf("evidenceCount = %s", rec.EvidenceCount)
	}
	got, err := st.Batches(ctx, "42")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d persisted batches", len(got))
	}
}

func TestFinalizeCaseSurvivesStoreFailure(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	flaky := &failingStore{Store: st, failures: 1}
	svc := New(flaky, nil, false, 100, zerolog.Nop())
	ctx := context.Background()

	if _, err := svc.SubmitEvidence(ctx, "42", testSubmission("aa")); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := svc.FinalizeCase(ctx, "42"); err == nil {
		t.Fatalf("expected store failure")
	}
	if status := svc.AccumulatorStatus("42"); status.Count != 1 {
		t.Fatalf("evidence lost after store failure: %+v", status)
	}
	rec, err := svc.FinalizeCase(ctx, "42")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rec.EvidenceCount.Uint64() != 1 {
		t.Fatalf("evidenceCount = %s", rec.EvidenceCount)
	}
}

func TestFinalizeCase(t *testing.T) {
	svc, _ := newTestService(t, nil, false, 100)
	ctx := context.Background()

	// nothing open yet
	if _, err := svc.FinalizeCase(ctx, "42"); !errors.Is(err, merkle.ErrEmptyBatch) {
		t.Fatalf("want ErrEmptyBatch, got %v", err)
	}

	if _, err := svc.SubmitEvidence(ctx, "42", testSubmission("aa")); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	rec, err := svc.FinalizeCase(ctx, "42")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rec.EvidenceCount.Uint64() != 1 {
		t.Fatalf("evidenceCount = %s", rec.EvidenceCount)
	}

	// finalizing the now-empty accumulator fails again
	if _, err := svc.FinalizeCase(ctx, "42"); !errors.Is(err, merkle.ErrEmptyBatch) {
		t.Fatalf("want ErrEmptyBatch after drain, got %v", err)
	}
}
