package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const anchorABIJSON = `[
  {
    "type":"function",
    "name":"anchorBatch",
    "stateMutability":"nonpayable",
    "inputs":[
      {"name":"merkleRoot","type":"bytes32"},
      {"name":"evidenceCount","type":"uint256"}
    ],
    "outputs":[]
  }
]`

// EthClient anchors roots on an EVM chain via JSON-RPC.
type EthClient struct {
	rpc      *ethclient.Client
	abi      abi.ABI
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
}

// DialEth connects to rpcURL and prepares EIP-155 signed submissions from
// the given hex private key to the anchoring contract.
func DialEth(ctx context.Context, rpcURL, contractHex, keyHex string, chainID int64) (*EthClient, error) {
	if !common.IsHexAddress(contractHex) {
		return nil, fmt.Errorf("ledger: bad contract address %q", contractHex)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: bad submitter key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(anchorABIJSON))
	if err != nil {
		return nil, err
	}
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", rpcURL, err)
	}
	return &EthClient{
		rpc:      rpc,
		abi:      parsed,
		contract: common.HexToAddress(contractHex),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  big.NewInt(chainID),
	}, nil
}

func (c *EthClient) SubmitRoot(ctx context.Context, root common.Hash, evidenceCount uint64) (common.Hash, error) {
	data, err := c.abi.Pack("anchorBatch", root, new(big.Int).SetUint64(evidenceCount))
	if err != nil {
		return common.Hash{}, err
	}

	// Estimating gas executes the call, so a duplicate-root revert is
	// caught here before a transaction is ever broadcast.
	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &c.contract, Data: data})
	if err != nil {
		if isDuplicateRevert(err) {
			return common.Hash{}, fmt.Errorf("%w: %s", ErrDuplicateRoot, root.Hex())
		}
		return common.Hash{}, fmt.Errorf("ledger: estimate gas: %w", err)
	}
	nonce, err := c.rpc.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: nonce: %w", err)
	}
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: sign tx: %w", err)
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		if isDuplicateRevert(err) {
			return common.Hash{}, fmt.Errorf("%w: %s", ErrDuplicateRoot, root.Hex())
		}
		return common.Hash{}, fmt.Errorf("ledger: send tx: %w", err)
	}
	return signed.Hash(), nil
}

func (c *EthClient) Close() { c.rpc.Close() }

// isDuplicateRevert matches the anchor contract's revert reason for an
// already-anchored root, across node implementations that wrap it
// differently.
func isDuplicateRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "already anchored")
}
