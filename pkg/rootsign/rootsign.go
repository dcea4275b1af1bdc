// Package rootsign produces secp256k1 signatures over batch roots in the
// EIP-191 personal-message scheme, so wallet tooling can verify them.
package rootsign

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

type Signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func FromHex(keyHex string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("rootsign: bad signing key: %w", err)
	}
	return &Signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *Signer) Address() common.Address { return s.addr }

// SignRoot returns the 65-byte signature hex with the v byte shifted to
// 27/28, matching what signMessage-style wallet signers emit.
func (s *Signer) SignRoot(root common.Hash) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(root.Bytes()), s.key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// Recover returns the address that produced a SignRoot signature over root.
func Recover(root common.Hash, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, err
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("rootsign: want %d-byte signature, got %d", crypto.SignatureLength, len(sig))
	}
	cp := make([]byte, len(sig))
	copy(cp, sig)
	if cp[64] >= 27 {
		cp[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(root.Bytes()), cp)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
