package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"snipr/internal/chain"
)

var (
	// ErrNotConnected is returned for users without a connected key.
	ErrNotConnected = errors.New("wallet not connected")
	// ErrBroadcastFailed wraps signing and broadcast failures.
	ErrBroadcastFailed = errors.New("broadcast failed")
)

type account struct {
	key     *ecdsa.PrivateKey
	address common.Address
	// serialises nonce lookup and broadcast for one key
	sendMu sync.Mutex
}

// Manager keeps signing keys in memory, keyed by user id, and submits
// transactions on their behalf. Key material never leaves the manager.
type Manager struct {
	chain  chain.Broadcaster
	logger zerolog.Logger

	mu       sync.RWMutex
	accounts map[string]*account
}

// NewManager builds a wallet manager that broadcasts through b.
func NewManager(b chain.Broadcaster, logger zerolog.Logger) *Manager {
	return &Manager{
		chain:    b,
		logger:   logger.With().Str("component", "wallet").Logger(),
		accounts: make(map[string]*account),
	}
}

// Connect imports privateKeyHex for userID, or generates a fresh key when it is empty.
func (m *Manager) Connect(userID, privateKeyHex string) (common.Address, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if trimmed == "" {
		key, err = crypto.GenerateKey()
	} else {
		key, err = crypto.HexToECDSA(trimmed)
	}
	if err != nil {
		return common.Address{}, fmt.Errorf("connect wallet: %w", err)
	}

	acc := &account{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}

	m.mu.Lock()
	m.accounts[userID] = acc
	m.mu.Unlock()

	m.logger.Info().Str("user", userID).Str("address", acc.address.Hex()).Msg("wallet connected")
	return acc.address, nil
}

// Disconnect forgets the user's key.
func (m *Manager) Disconnect(userID string) {
	m.mu.Lock()
	delete(m.accounts, userID)
	m.mu.Unlock()
}

// IsConnected reports whether userID has a key.
func (m *Manager) IsConnected(userID string) bool {
	return m.get(userID) != nil
}

// Address returns the user's address, if connected.
func (m *Manager) Address(userID string) (common.Address, bool) {
	acc := m.get(userID)
	if acc == nil {
		return common.Address{}, false
	}
	return acc.address, true
}

// Balance returns the user's native balance.
func (m *Manager) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	acc := m.get(userID)
	if acc == nil {
		return decimal.Decimal{}, ErrNotConnected
	}
	wei, err := m.chain.BalanceAt(ctx, acc.address)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("get balance: %w", err)
	}
	return decimal.NewFromBigInt(wei, -18), nil
}

// SignAndSend signs tx with the user's key as a legacy transaction and broadcasts it.
func (m *Manager) SignAndSend(ctx context.Context, userID string, tx chain.Transaction) (common.Hash, error) {
	acc := m.get(userID)
	if acc == nil {
		return common.Hash{}, ErrNotConnected
	}

	acc.sendMu.Lock()
	defer acc.sendMu.Unlock()

	chainID, err := m.chain.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: chain id: %w", ErrBroadcastFailed, err)
	}
	nonce, err := m.chain.PendingNonceAt(ctx, acc.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: nonce: %w", ErrBroadcastFailed, err)
	}

	to := tx.To
	signed, err := types.SignNewTx(acc.key, types.LatestSignerForChainID(chainID), &types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    tx.Value,
		Gas:      tx.GasLimit,
		GasPrice: tx.GasPrice,
		Data:     tx.Data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: sign: %w", ErrBroadcastFailed, err)
	}

	if err := m.chain.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
	}

	m.logger.Info().Str("user", userID).
		Str("tx_hash", signed.Hash().Hex()).
		Uint64("nonce", nonce).
		Msg("transaction broadcast")
	return signed.Hash(), nil
}

func (m *Manager) get(userID string) *account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[userID]
}

// GenerateKey creates a new key and returns its address and hex encoding.
func GenerateKey() (common.Address, string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey), "0x" + common.Bytes2Hex(crypto.FromECDSA(key)), nil
}
