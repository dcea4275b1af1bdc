// Package evidence defines the typed evidence record committed into anchor
// batches and the fallible parsing step that turns raw submissions into one.
package evidence

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrValidation marks a submission with missing or malformed fields. Such
// records are rejected at the boundary and never persisted.
var ErrValidation = errors.New("evidence: invalid submission")

// Submission is the raw shape evidence arrives in from the route layer.
// Every field is a string; Parse normalizes and validates.
type Submission struct {
	CaseID        string `json:"caseId"`
	ContentDigest string `json:"contentDigest"`
	CIDHash       string `json:"cidHash"`
	Uploader      string `json:"uploader"`
	Timestamp     string `json:"timestamp"`
}

// Record is a validated evidence record. Immutable once added to a
// commitment; the leaf encoding below is shared with the on-chain verifier.
type Record struct {
	CaseID        Numeric        `json:"caseId"`
	ContentDigest common.Hash    `json:"contentDigest"`
	CIDHash       common.Hash    `json:"cidHash"`
	Uploader      common.Address `json:"uploader"`
	Timestamp     Numeric        `json:"timestamp"`
}

// Parse validates a submission and normalizes it into a Record.
//
// contentDigest, cidHash, uploader and timestamp must all be present.
// caseId is coerced to an unsigned integer; when it does not parse the
// record falls back to its timestamp, then to wall-clock seconds, so one
// commitment may mix encoding provenance but each record encodes
// deterministically.
func Parse(sub Submission) (Record, error) {
	if strings.TrimSpace(sub.ContentDigest) == "" ||
		strings.TrimSpace(sub.CIDHash) == "" ||
		strings.TrimSpace(sub.Uploader) == "" ||
		strings.TrimSpace(sub.Timestamp) == "" {
		return Record{}, fmt.Errorf("%w: contentDigest, cidHash, uploader and timestamp are required", ErrValidation)
	}

	digest, err := parseHash(sub.ContentDigest)
	if err != nil {
		return Record{}, fmt.Errorf("%w: contentDigest: %v", ErrValidation, err)
	}
	cidHash, err := parseHash(sub.CIDHash)
	if err != nil {
		return Record{}, fmt.Errorf("%w: cidHash: %v", ErrValidation, err)
	}
	uploader, err := parseAddress(sub.Uploader)
	if err != nil {
		return Record{}, fmt.Errorf("%w: uploader: %v", ErrValidation, err)
	}

	ts, err := ParseNumeric(sub.Timestamp)
	if err != nil {
		ts = NumericFromUint64(uint64(time.Now().Unix()))
	}
	caseID, err := ParseNumeric(sub.CaseID)
	if err != nil {
		caseID = ts
	}

	return Record{
		CaseID:        caseID,
		ContentDigest: digest,
		CIDHash:       cidHash,
		Uploader:      uploader,
		Timestamp:     ts,
	}, nil
}

// Leaf returns keccak256 over the record's fixed-width packed encoding:
// uint256 caseId, bytes32 contentDigest, bytes32 cidHash, bytes20 uploader,
// uint256 timestamp. Order and widths match the verifier contract; any
// change breaks proof compatibility.
func (r Record) Leaf() common.Hash {
	buf := make([]byte, 0, 148)
	buf = append(buf, common.LeftPadBytes(r.CaseID.BigInt().Bytes(), 32)...)
	buf = append(buf, r.ContentDigest.Bytes()...)
	buf = append(buf, r.CIDHash.Bytes()...)
	buf = append(buf, r.Uploader.Bytes()...)
	buf = append(buf, common.LeftPadBytes(r.Timestamp.BigInt().Bytes(), 32)...)
	return crypto.Keccak256Hash(buf)
}

func parseHash(s string) (common.Hash, error) {
	h := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	b, err := hex.DecodeString(h)
	if err != nil {
		return common.Hash{}, fmt.Errorf("not hex: %q", s)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("want 32 bytes, got %d", len(b))
	}
	return common.BytesToHash(b), nil
}

func parseAddress(s string) (common.Address, error) {
	a := strings.TrimSpace(s)
	if !strings.HasPrefix(a, "0x") && !strings.HasPrefix(a, "0X") {
		a = "0x" + a
	}
	if !common.IsHexAddress(a) {
		return common.Address{}, fmt.Errorf("not an address: %q", s)
	}
	return common.HexToAddress(a), nil
}
