// Package ledger talks to the external anchoring contract. Clients are
// single-attempt and fail-fast; retry policy lives entirely in the worker.
package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ErrDuplicateRoot is the ledger's rejection of a root that was anchored
// before. Roots are globally unique on chain, so this can never succeed on
// a retry.
var ErrDuplicateRoot = errors.New("ledger: root already anchored")

// Client submits one batch commitment to the anchoring entrypoint.
type Client interface {
	SubmitRoot(ctx context.Context, root common.Hash, evidenceCount uint64) (common.Hash, error)
}

// Permanent reports whether err is an unrecoverable ledger rejection that
// should exhaust the retry budget immediately.
func Permanent(err error) bool {
	return errors.Is(err, ErrDuplicateRoot)
}
