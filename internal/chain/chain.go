package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrNotConfigured indicates that no RPC endpoint was supplied.
var ErrNotConfigured = errors.New("chain: rpc url not configured")

// Transaction is an unsigned transaction as assembled by the snipe pipeline.
type Transaction struct {
	From     common.Address
	To       common.Address
	Value    *big.Int
	GasPrice *big.Int
	GasLimit uint64
	Data     []byte
}

// CallMsg converts the transaction into an eth_call/eth_estimateGas payload.
func (t Transaction) CallMsg() ethereum.CallMsg {
	to := t.To
	return ethereum.CallMsg{
		From:     t.From,
		To:       &to,
		Gas:      t.GasLimit,
		GasPrice: t.GasPrice,
		Value:    t.Value,
		Data:     t.Data,
	}
}

// Reader is the read-only view of the chain used for gas pricing and simulation.
type Reader interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, tx Transaction) (uint64, error)
	PendingTransactions(ctx context.Context) ([]*types.Transaction, error)
}

// Broadcaster is the write side needed to sign and publish transactions.
type Broadcaster interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}
