package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"anchorlane/pkg/merkle"
	"anchorlane/pkg/rootsign"
)

const usage = "usage: anchorctl batch verify --batch <path> [--signature <hex> --signer <address>] | anchorctl batch inspect --batch <path>"

func main() {
	if len(os.Args) < 2 {
		failSummary("", "", usage)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "batch":
		runBatch(os.Args[2:])
	default:
		failSummary("", "", "unknown command")
		os.Exit(2)
	}
}

func runBatch(args []string) {
	if len(args) < 1 {
		failSummary("", "", usage)
		os.Exit(2)
	}
	switch args[0] {
	case "verify":
		runBatchVerify(args[1:])
	case "inspect":
		runBatchInspect(args[1:])
	default:
		failSummary("", "", usage)
		os.Exit(2)
	}
}

// runBatchVerify re-derives the root from an exported batch file, checks
// every stored inclusion proof against it, and optionally recovers the
// root signature and compares it to an expected signer address.
func runBatchVerify(args []string) {
	fs := flag.NewFlagSet("batch verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	batchPath := fs.String("batch", "", "path to exported batch json")
	sigHex := fs.String("signature", "", "root signature to check (hex)")
	signer := fs.String("signer", "", "expected signer address")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*batchPath) == "" {
		failSummary("", "", "--batch is required")
		os.Exit(2)
	}

	batch, err := readBatch(*batchPath)
	if err != nil {
		failSummary("", "", err.Error())
		os.Exit(1)
	}

	for i, rec := range batch.EvidenceItems {
		proof, ok := batch.Proofs[i]
		if !ok {
			failSummary(batch.MerkleRoot.Hex(), batch.EvidenceCount.String(), fmt.Sprintf("item %d: missing proof", i))
			os.Exit(1)
		}
		if !merkle.Verify(rec, proof, batch.MerkleRoot) {
			failSummary(batch.MerkleRoot.Hex(), batch.EvidenceCount.String(), fmt.Sprintf("item %d: proof does not verify", i))
			os.Exit(1)
		}
	}

	if strings.TrimSpace(*sigHex) != "" {
		addr, err := rootsign.Recover(batch.MerkleRoot, strings.TrimSpace(*sigHex))
		if err != nil {
			failSummary(batch.MerkleRoot.Hex(), batch.EvidenceCount.String(), "signature recovery failed: "+err.Error())
			os.Exit(1)
		}
		want := strings.TrimSpace(*signer)
		if want != "" && !strings.EqualFold(addr.Hex(), want) {
			failSummary(batch.MerkleRoot.Hex(), batch.EvidenceCount.String(), "signed by "+addr.Hex()+", expected "+want)
			os.Exit(1)
		}
	}

	passSummary(batch.MerkleRoot.Hex(), batch.EvidenceCount.String())
}

func runBatchInspect(args []string) {
	fs := flag.NewFlagSet("batch inspect", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	batchPath := fs.String("batch", "", "path to exported batch json")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*batchPath) == "" {
		failSummary("", "", "--batch is required")
		os.Exit(2)
	}

	batch, err := readBatch(*batchPath)
	if err != nil {
		failSummary("", "", err.Error())
		os.Exit(1)
	}

	type itemSummary struct {
		CaseID    string `json:"case_id"`
		Leaf      string `json:"leaf"`
		Uploader  string `json:"uploader"`
		Timestamp string `json:"timestamp"`
	}
	out := struct {
		MerkleRoot    string        `json:"merkle_root"`
		EvidenceCount string        `json:"evidence_count"`
		Items         []itemSummary `json:"items"`
	}{
		MerkleRoot:    batch.MerkleRoot.Hex(),
		EvidenceCount: batch.EvidenceCount.String(),
	}
	for _, rec := range batch.EvidenceItems {
		out.Items = append(out.Items, itemSummary{
			CaseID:    rec.CaseID.String(),
			Leaf:      rec.Leaf().Hex(),
			Uploader:  rec.Uploader.Hex(),
			Timestamp: rec.Timestamp.String(),
		})
	}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
}

// readBatch loads an exported batch file and runs the import integrity
// check, so tampered exports fail before any proof is consulted.
func readBatch(path string) (*merkle.Batch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch failed: %w", err)
	}
	var batch merkle.Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("parse batch failed: %w", err)
	}
	if _, err := merkle.Import(&batch); err != nil {
		return nil, fmt.Errorf("import failed: %w", err)
	}
	return &batch, nil
}

func passSummary(root, count string) {
	fmt.Printf("{\"status\":\"PASS\",\"merkle_root\":%s,\"evidence_count\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(root),
		jsonQuote(count),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func failSummary(root, count, reason string) {
	fmt.Printf("{\"status\":\"FAIL\",\"merkle_root\":%s,\"evidence_count\":%s,\"reason\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(root),
		jsonQuote(count),
		jsonQuote(reason),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func jsonQuote(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}
