package snipe

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// State is a snipe's lifecycle position.
type State string

const (
	StatePending   State = "pending"
	StateArmed     State = "armed"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Cancellable reports whether a snipe in this state may still be cancelled.
func (s State) Cancellable() bool {
	return s == StatePending || s == StateArmed
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// UnknownToken marks a request whose token has not been resolved yet.
const UnknownToken = "UNKNOWN"

// Request describes a purchase to fire at TriggerAt. Amount is in native
// units, MaxGasPrice in gwei (zero means no ceiling), Slippage in percent.
type Request struct {
	Target      common.Address
	Token       string
	Amount      decimal.Decimal
	MaxGasPrice decimal.Decimal
	Slippage    decimal.Decimal
	TriggerAt   time.Time
}

// Validate performs basic sanity checks.
func (r Request) Validate() error {
	if r.Target == (common.Address{}) {
		return errors.New("target address is required")
	}
	if !r.Amount.IsPositive() {
		return errors.New("amount must be greater than zero")
	}
	if r.MaxGasPrice.IsNegative() {
		return errors.New("max gas price cannot be negative")
	}
	if r.Slippage.IsNegative() {
		return errors.New("slippage cannot be negative")
	}
	return nil
}

// AmountWei is Amount expressed in wei.
func (r Request) AmountWei() *big.Int {
	return r.Amount.Shift(18).Truncate(0).BigInt()
}

// Snipe is a scheduled request and its current lifecycle state. Version
// increases with every transition so observers can discard stale updates.
type Snipe struct {
	ID        string
	UserID    string
	Request   Request
	State     State
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time

	GasPrice decimal.Decimal
	TxHash   common.Hash
	Reason   string
}
