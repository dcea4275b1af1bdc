package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"anchorlane/pkg/db"
	"anchorlane/pkg/evidence"
	"anchorlane/pkg/httpx"
	"anchorlane/pkg/ledger"
	"anchorlane/pkg/merkle"
	"anchorlane/pkg/rootsign"
	"anchorlane/services/anchor/internal/batches"
	"anchorlane/services/anchor/internal/store"
	"anchorlane/services/anchor/internal/worker"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("svc", "anchor").Logger()

	st, err := openStore()
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	defer st.Close()

	var signer *rootsign.Signer
	requireSig := envBool("ANCHOR_REQUIRE_SIGNATURE", false)
	if keyHex := os.Getenv("ANCHOR_SIGNING_KEY"); keyHex != "" {
		signer, err = rootsign.FromHex(keyHex)
		if err != nil {
			log.Fatal().Err(err).Msg("bad ANCHOR_SIGNING_KEY")
		}
		log.Info().Str("signer", signer.Address().Hex()).Msg("root signing enabled")
	} else if requireSig {
		log.Fatal().Msg("ANCHOR_REQUIRE_SIGNATURE is set but ANCHOR_SIGNING_KEY is empty")
	}

	client, err := openLedger(log)
	if err != nil {
		log.Fatal().Err(err).Msg("ledger init failed")
	}

	svc := batches.New(st, signer, requireSig, envInt("ANCHOR_MAX_BATCH_SIZE", 5), log)

	w := worker.New(worker.Config{
		PollInterval: time.Duration(envInt("ANCHOR_POLL_INTERVAL_MS", 15000)) * time.Millisecond,
		MaxRetries:   envInt("ANCHOR_MAX_RETRIES", 8),
		MaxBackoff:   time.Duration(envInt("ANCHOR_MAX_BACKOFF_MS", 300000)) * time.Millisecond,
		JitterPct:    envFloat("ANCHOR_JITTER_PCT", 0.2),
	}, st, client, log)
	w.Start()
	defer w.Stop()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/anchor", func(api chi.Router) {

		api.Post("/cases/{case_id}/batches", func(w http.ResponseWriter, r *http.Request) {
			caseID := chi.URLParam(r, "case_id")
			var req struct {
				EvidenceItems []evidence.Submission `json:"evidenceItems"`
			}
			if err := httpx.ReadJSON(w, r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			rec, err := svc.CreateBatch(r.Context(), caseID, req.EvidenceItems)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "batch": rec})
		})

		api.Post("/cases/{case_id}/evidence", func(w http.ResponseWriter, r *http.Request) {
			caseID := chi.URLParam(r, "case_id")
			var req evidence.Submission
			if err := httpx.ReadJSON(w, r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			rec, err := svc.SubmitEvidence(r.Context(), caseID, req)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			resp := map[string]any{"request_id": httpx.NewRequestID(), "accumulator": svc.AccumulatorStatus(caseID)}
			if rec != nil {
				resp["batch"] = rec
			}
			httpx.WriteJSON(w, 200, resp)
		})

		api.Post("/cases/{case_id}:finalize", func(w http.ResponseWriter, r *http.Request) {
			caseID := chi.URLParam(r, "case_id")
			rec, err := svc.FinalizeCase(r.Context(), caseID)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "batch": rec})
		})

		api.Get("/cases/{case_id}/batches", func(w http.ResponseWriter, r *http.Request) {
			recs, err := svc.GetBatches(r.Context(), chi.URLParam(r, "case_id"))
			if err != nil {
				httpx.WriteError(w, 500, "STORE_ERROR", err.Error())
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "batches": recs})
		})

		api.Get("/cases/{case_id}/history", func(w http.ResponseWriter, r *http.Request) {
			entries, err := svc.GetDisputeHistory(r.Context(), chi.URLParam(r, "case_id"))
			if err != nil {
				httpx.WriteError(w, 500, "STORE_ERROR", err.Error())
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "history": entries})
		})

		api.Get("/cases/{case_id}/accumulator", func(w http.ResponseWriter, r *http.Request) {
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":  httpx.NewRequestID(),
				"accumulator": svc.AccumulatorStatus(chi.URLParam(r, "case_id")),
			})
		})

		api.Post("/verify", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Evidence evidence.Submission `json:"evidence"`
				Proof    []string            `json:"proof"`
				Root     string              `json:"merkleRoot"`
			}
			if err := httpx.ReadJSON(w, r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			rec, err := evidence.Parse(req.Evidence)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			proof := make([]common.Hash, 0, len(req.Proof))
			for _, p := range req.Proof {
				h, err := parseHash32(p)
				if err != nil {
					httpx.WriteError(w, 400, "BAD_PROOF", err.Error())
					return
				}
				proof = append(proof, h)
			}
			root, err := parseHash32(req.Root)
			if err != nil {
				httpx.WriteError(w, 400, "BAD_ROOT", err.Error())
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(),
				"valid":      merkle.Verify(rec, proof, root),
			})
		})
	})

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8084"
	}
	srv := &http.Server{Addr: ":" + port, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		log.Info().Str("port", port).Msg("anchor service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()
	<-ctx.Done()

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
	log.Info().Msg("anchor service stopped")
}

func openStore() (store.Store, error) {
	backend := os.Getenv("ANCHOR_STORE_BACKEND")
	if backend == "" {
		backend = "file"
	}
	switch backend {
	case "file":
		return store.NewFileStore(envStr("ANCHOR_STORE_PATH", "data/anchor"))
	case "pebble":
		return store.NewPebbleStore(envStr("ANCHOR_STORE_PATH", "data/anchor.pebble"))
	case "postgres":
		dsn := os.Getenv("DATABASE_URL")
		if dsn == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres backend")
		}
		pool, err := db.Connect(context.Background(), dsn)
		if err != nil {
			return nil, err
		}
		pg := store.NewPGStore(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown ANCHOR_STORE_BACKEND %q", backend)
	}
}

func openLedger(log zerolog.Logger) (ledger.Client, error) {
	rpcURL := os.Getenv("ANCHOR_RPC_URL")
	if rpcURL == "" {
		log.Warn().Msg("ANCHOR_RPC_URL not set, using simulated ledger")
		return ledger.NewSim(), nil
	}
	return ledger.DialEth(
		context.Background(),
		rpcURL,
		os.Getenv("ANCHOR_CONTRACT_ADDRESS"),
		os.Getenv("ANCHOR_SUBMITTER_KEY"),
		int64(envInt("ANCHOR_CHAIN_ID", 1)),
	)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, evidence.ErrValidation):
		httpx.WriteError(w, 400, "EVIDENCE_INVALID", err.Error())
	case errors.Is(err, merkle.ErrEmptyBatch):
		httpx.WriteError(w, 400, "EMPTY_BATCH", err.Error())
	case errors.Is(err, batches.ErrSignatureRequired):
		httpx.WriteError(w, 500, "SIGNATURE_REQUIRED", err.Error())
	default:
		httpx.WriteError(w, 500, "STORE_ERROR", err.Error())
	}
}

func parseHash32(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("want 32 bytes, got %d", len(b))
	}
	return common.BytesToHash(b), nil
}

func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
