// Package worker drives pending batches to the ledger with exponential
// backoff, surviving restarts because every attempt is persisted before
// the next one can happen.
package worker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"anchorlane/pkg/ledger"
	"anchorlane/services/anchor/internal/store"
)

const backoffFloorMs = 1000

type Config struct {
	PollInterval time.Duration
	MaxRetries   int
	MaxBackoff   time.Duration
	JitterPct    float64
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		MaxRetries:   8,
		MaxBackoff:   5 * time.Minute,
		JitterPct:    0.2,
	}
}

// Worker owns its lifecycle: Start launches the polling loop (with an
// immediate first pass), Stop tears it down and clears the processing set.
// There must be at most one worker per store; the in-memory processing
// guard does not protect against concurrent processes.
type Worker struct {
	cfg    Config
	store  store.Store
	client ledger.Client
	log    zerolog.Logger

	mu         sync.Mutex
	processing map[string]struct{}
	stopc      chan struct{}
	done       chan struct{}
}

func New(cfg Config, st store.Store, client ledger.Client, log zerolog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	return &Worker{
		cfg:        cfg,
		store:      st,
		client:     client,
		log:        log,
		processing: map[string]struct{}{},
	}
}

func (w *Worker) Start() {
	w.mu.Lock()
	if w.stopc != nil {
		w.mu.Unlock()
		return
	}
	w.stopc = make(chan struct{})
	w.done = make(chan struct{})
	stopc, done := w.stopc, w.done
	w.mu.Unlock()

	go func() {
		defer close(done)
		ctx := context.Background()
		w.RunOnce(ctx)
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopc:
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// Stop halts polling and clears the processing set. In-flight submissions
// finish on their own; their results are persisted but no new work starts.
func (w *Worker) Stop() {
	w.mu.Lock()
	stopc, done := w.stopc, w.done
	w.stopc, w.done = nil, nil
	w.mu.Unlock()
	if stopc == nil {
		return
	}
	close(stopc)
	<-done
	w.mu.Lock()
	w.processing = map[string]struct{}{}
	w.mu.Unlock()
}

// RunOnce scans the store and processes every eligible batch sequentially.
// It never returns an error: each batch's failure is isolated into its
// persisted retry state.
func (w *Worker) RunOnce(ctx context.Context) {
	recs, err := w.store.All(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("worker: store scan failed")
		return
	}
	now := time.Now().UnixMilli()
	for _, rec := range recs {
		if rec.Status.Terminal() {
			continue
		}
		if rec.NextRetryAt > now {
			continue
		}
		key := rec.CaseID + ":" + rec.BatchID
		if !w.acquire(key) {
			// an overlapping cycle is already on it
			continue
		}
		w.processOne(ctx, rec, key)
	}
}

func (w *Worker) processOne(ctx context.Context, rec *store.BatchRecord, key string) {
	defer w.release(key)

	if rec.RetryAttempts >= w.cfg.MaxRetries {
		w.fail(ctx, rec, rec.LastError)
		return
	}
	rec.RetryAttempts++

	tx, err := w.client.SubmitRoot(ctx, rec.MerkleRoot, rec.EvidenceCount.Uint64())
	switch {
	case err == nil:
		rec.Status = store.StatusSubmitted
		rec.TxHash = tx.Hex()
		rec.BackoffMs = 0
		rec.NextRetryAt = 0
		rec.LastError = ""
		w.persist(ctx, rec, true)
		w.log.Info().
			Str("case", rec.CaseID).
			Str("batch", rec.BatchID).
			Str("tx", rec.TxHash).
			Int("attempt", rec.RetryAttempts).
			Msg("batch anchored")

	case ledger.Permanent(err) || rec.RetryAttempts >= w.cfg.MaxRetries:
		w.fail(ctx, rec, err.Error())

	default:
		backoff := w.nextBackoff(rec.BackoffMs)
		rec.Status = store.StatusRetryScheduled
		rec.BackoffMs = backoff
		rec.NextRetryAt = time.Now().UnixMilli() + backoff
		rec.LastError = err.Error()
		w.persist(ctx, rec, false)
		w.log.Warn().
			Str("case", rec.CaseID).
			Str("batch", rec.BatchID).
			Int("attempt", rec.RetryAttempts).
			Int64("backoff_ms", backoff).
			Err(err).
			Msg("submission failed, retry scheduled")
	}
}

func (w *Worker) fail(ctx context.Context, rec *store.BatchRecord, lastErr string) {
	if rec.Status == store.StatusRetryFailed {
		return
	}
	rec.Status = store.StatusRetryFailed
	rec.LastError = lastErr
	w.persist(ctx, rec, true)
	w.log.Error().
		Str("case", rec.CaseID).
		Str("batch", rec.BatchID).
		Int("attempts", rec.RetryAttempts).
		Str("last_error", lastErr).
		Msg("batch permanently failed")
}

func (w *Worker) persist(ctx context.Context, rec *store.BatchRecord, terminal bool) {
	if err := w.store.UpdateBatch(ctx, rec); err != nil {
		w.log.Error().Err(err).Str("batch", rec.BatchID).Msg("worker: persist failed")
		return
	}
	if !terminal {
		return
	}
	entry := store.HistoryEntry{
		BatchID:       rec.BatchID,
		MerkleRoot:    rec.MerkleRoot,
		Status:        rec.Status,
		TxHash:        rec.TxHash,
		RootSignature: rec.RootSignature,
		CreatedAt:     time.Now().UnixMilli(),
		EvidenceCount: rec.EvidenceCount,
	}
	if err := w.store.AppendHistory(ctx, rec.CaseID, entry); err != nil {
		w.log.Error().Err(err).Str("batch", rec.BatchID).Msg("worker: history append failed")
	}
}

// nextBackoff grows the previous delay by 1.8x up to the cap, perturbed by
// symmetric jitter and floored at one second. The sub-2 factor plus the
// hard cap keeps persistently failing batches de-prioritized without
// unbounded delays; jitter breaks up resubmission storms after an outage.
func (w *Worker) nextBackoff(prevMs int64) int64 {
	next := float64(prevMs) * 1.8
	if maxMs := float64(w.cfg.MaxBackoff.Milliseconds()); next > maxMs {
		next = maxMs
	}
	next += (rand.Float64()*2 - 1) * w.cfg.JitterPct * next
	if next < backoffFloorMs {
		next = backoffFloorMs
	}
	return int64(next)
}

func (w *Worker) acquire(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.processing[key]; busy {
		return false
	}
	w.processing[key] = struct{}{}
	return true
}

func (w *Worker) release(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.processing, key)
}
