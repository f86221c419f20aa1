// Package tip20 adapts the facilitator's settlement engine to the TIP-20
// token standard (an ERC-20-compatible interface): balance and allowance
// reads for verification, and a transferFrom call for settlement.
package tip20

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const tip20ABIJSON = `[
	{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"address","name":"spender","type":"address"}],"name":"allowance","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"address","name":"from","type":"address"},{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// Adapter is the settlement engine's view of a TIP-20 token: the handful
// of calls needed to verify a payer's capacity to pay and to move funds on
// their behalf once an authorization has been validated off-chain.
type Adapter interface {
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	TransferFrom(ctx context.Context, token, from, to common.Address, value *big.Int) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	ChainID() *big.Int
}

// Client is the production Adapter, backed by a JSON-RPC connection and a
// single settlement signer — the facilitator's own hot wallet, which must
// hold a standing TIP-20 allowance from each payer it settles for.
type Client struct {
	rpc     *ethclient.Client
	chainID *big.Int
	signer  *bind.TransactOpts
	tip20   abi.ABI
}

// Dial connects to rpcURL and prepares a Client that signs settlement
// transactions with signerKey.
func Dial(ctx context.Context, rpcURL string, chainID *big.Int, signerKey *ecdsa.PrivateKey) (*Client, error) {
	rc, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("tip20: dial %s: %w", rpcURL, err)
	}
	ec := ethclient.NewClient(rc)

	auth, err := bind.NewKeyedTransactorWithChainID(signerKey, chainID)
	if err != nil {
		return nil, fmt.Errorf("tip20: build transactor: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(tip20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("tip20: parse abi: %w", err)
	}

	return &Client{rpc: ec, chainID: chainID, signer: auth, tip20: parsed}, nil
}

func (c *Client) ChainID() *big.Int { return c.chainID }

func (c *Client) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	return c.call1(ctx, token, "balanceOf", account)
}

func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.call1(ctx, token, "allowance", owner, spender)
}

func (c *Client) call1(ctx context.Context, token common.Address, method string, args ...interface{}) (*big.Int, error) {
	data, err := c.tip20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("tip20: pack %s: %w", method, err)
	}
	result, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("tip20: call %s: %w", method, err)
	}
	var out *big.Int
	if err := c.tip20.UnpackIntoInterface(&out, method, result); err != nil {
		return nil, fmt.Errorf("tip20: unpack %s: %w", method, err)
	}
	return out, nil
}

// TransferFrom submits and returns (without waiting for inclusion) a
// transferFrom transaction moving value of token from from to to, signed
// by the facilitator's settlement key.
func (c *Client) TransferFrom(ctx context.Context, token, from, to common.Address, value *big.Int) (*types.Transaction, error) {
	data, err := c.tip20.Pack("transferFrom", from, to, value)
	if err != nil {
		return nil, fmt.Errorf("tip20: pack transferFrom: %w", err)
	}

	signerAddr := c.signer.From
	nonce, err := c.rpc.PendingNonceAt(ctx, signerAddr)
	if err != nil {
		return nil, fmt.Errorf("tip20: nonce: %w", err)
	}
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("tip20: gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, token, big.NewInt(0), 120_000, gasPrice, data)

	signedTx, err := c.signer.Signer(signerAddr, tx)
	if err != nil {
		return nil, fmt.Errorf("tip20: sign: %w", err)
	}
	if err := c.rpc.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("tip20: send: %w", err)
	}
	return signedTx, nil
}

// WaitMined blocks until tx is included and returns its receipt.
func (c *Client) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return bind.WaitMined(ctx, c.rpc, tx)
}

// LatestBlockNumber is used by the health endpoint to confirm the RPC
// connection is actually live, not merely dialed.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.rpc.BlockNumber(ctx)
}

// SignerAddress returns the address the facilitator settles from.
func (c *Client) SignerAddress() common.Address {
	return c.signer.From
}
