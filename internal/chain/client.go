package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

const defaultTimeout = 10 * time.Second

// Options parameterise the RPC client.
type Options struct {
	RPCURL  string
	ChainID int64
	Timeout time.Duration
}

// Client talks to an EVM node over JSON-RPC. The connection is dialled lazily.
type Client struct {
	opts      Options
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewClient builds a chain client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Client{opts: opts, logger: logger.With().Str("component", "chain_client").Logger()}
}

// SuggestGasPrice returns the node's current legacy gas price in wei.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.SuggestGasPrice(ctx)
}

// EstimateGas dry-runs tx against the latest state and returns the gas it would use.
func (c *Client) EstimateGas(ctx context.Context, tx Transaction) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.EstimateGas(ctx, tx.CallMsg())
}

// PendingTransactions lists the transactions of the node's pending block.
func (c *Client) PendingTransactions(ctx context.Context) ([]*types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	block, err := client.BlockByNumber(ctx, big.NewInt(int64(rpc.PendingBlockNumber)))
	if err != nil {
		return nil, err
	}
	return block.Transactions(), nil
}

// ChainID returns the configured chain id, asking the node when none is set.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c.opts.ChainID > 0 {
		return big.NewInt(c.opts.ChainID), nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.ChainID(ctx)
}

// PendingNonceAt returns the next nonce for account including pending transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.PendingNonceAt(ctx, account)
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return err
	}
	return client.SendTransaction(ctx, tx)
}

// BalanceAt returns the latest balance of account in wei.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.BalanceAt(ctx, account, nil)
}

// Close drops the underlying connection, if any.
func (c *Client) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	if c.opts.RPCURL == "" {
		return nil, ErrNotConfigured
	}

	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("rpc_url", c.opts.RPCURL).Msg("dialled rpc endpoint")
	c.client = client
	return client, nil
}

var (
	_ Reader      = (*Client)(nil)
	_ Broadcaster = (*Client)(nil)
)
