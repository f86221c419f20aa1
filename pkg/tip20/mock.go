package tip20

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// MockAdapter is an in-memory Adapter for exercising the settlement engine
// without a live RPC endpoint.
type MockAdapter struct {
	Balances   map[common.Address]*big.Int
	Allowances map[[2]common.Address]*big.Int
	Chain      *big.Int
	BlockNum   uint64

	Transfers []MockTransfer
	FailNext  error
}

type MockTransfer struct {
	Token, From, To common.Address
	Value           *big.Int
}

func NewMockAdapter(chainID int64) *MockAdapter {
	return &MockAdapter{
		Balances:   make(map[common.Address]*big.Int),
		Allowances: make(map[[2]common.Address]*big.Int),
		Chain:      big.NewInt(chainID),
	}
}

func (m *MockAdapter) SetBalance(account common.Address, value *big.Int) {
	m.Balances[account] = value
}

func (m *MockAdapter) SetAllowance(owner, spender common.Address, value *big.Int) {
	m.Allowances[[2]common.Address{owner, spender}] = value
}

func (m *MockAdapter) BalanceOf(_ context.Context, _, account common.Address) (*big.Int, error) {
	if b, ok := m.Balances[account]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (m *MockAdapter) Allowance(_ context.Context, _, owner, spender common.Address) (*big.Int, error) {
	if a, ok := m.Allowances[[2]common.Address{owner, spender}]; ok {
		return a, nil
	}
	return big.NewInt(0), nil
}

func (m *MockAdapter) TransferFrom(_ context.Context, token, from, to common.Address, value *big.Int) (*types.Transaction, error) {
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return nil, err
	}
	m.Transfers = append(m.Transfers, MockTransfer{Token: token, From: from, To: to, Value: value})
	if b, ok := m.Balances[from]; ok {
		m.Balances[from] = new(big.Int).Sub(b, value)
	}
	if b, ok := m.Balances[to]; ok {
		m.Balances[to] = new(big.Int).Add(b, value)
	} else {
		m.Balances[to] = new(big.Int).Set(value)
	}
	return types.NewTransaction(0, token, big.NewInt(0), 0, big.NewInt(0), nil), nil
}

func (m *MockAdapter) WaitMined(_ context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash()}, nil
}

func (m *MockAdapter) LatestBlockNumber(_ context.Context) (uint64, error) {
	return m.BlockNum, nil
}

func (m *MockAdapter) ChainID() *big.Int { return m.Chain }
