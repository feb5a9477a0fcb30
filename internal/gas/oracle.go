package gas

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"snipr/internal/chain"
)

const (
	// DefaultPremiumPct is added on top of the node's gas price.
	DefaultPremiumPct = 10
)

var (
	// DefaultFallbackGwei is used when fee data cannot be read at all.
	DefaultFallbackGwei = decimal.NewFromInt(25)
	// DefaultEmptyFeeGwei replaces a node answer of zero/empty fee data.
	DefaultEmptyFeeGwei = decimal.NewFromInt(20)

	// ErrNoFallback is returned when fee data is unavailable and no fallback policy applies.
	ErrNoFallback = errors.New("gas: no fallback price available")
)

// FallbackPolicy supplies the price (wei) used when fee data cannot be read.
type FallbackPolicy func() (*big.Int, error)

// FixedFallback always answers with the given gwei price.
func FixedFallback(gwei decimal.Decimal) FallbackPolicy {
	price := GweiToWei(gwei)
	return func() (*big.Int, error) {
		if price.Sign() <= 0 {
			return nil, ErrNoFallback
		}
		return new(big.Int).Set(price), nil
	}
}

// NoFallback propagates fee read failures.
func NoFallback() FallbackPolicy {
	return func() (*big.Int, error) {
		return nil, ErrNoFallback
	}
}

// Quote is an execution-time gas price.
type Quote struct {
	Price    *big.Int
	Fallback bool
}

// Gwei returns the quoted price in gwei.
func (q Quote) Gwei() decimal.Decimal {
	if q.Price == nil {
		return decimal.Zero
	}
	return WeiToGwei(q.Price)
}

// Options tune the oracle.
type Options struct {
	PremiumPct           int64
	EmptyFeeGwei         decimal.Decimal
	Fallback             FallbackPolicy
	OpportunityThreshold decimal.Decimal
}

// Oracle derives gas quotes and viability checks from chain reads.
type Oracle struct {
	reader chain.Reader
	opts   Options
	logger zerolog.Logger
}

// NewOracle constructs an oracle over reader.
func NewOracle(reader chain.Reader, opts Options, logger zerolog.Logger) *Oracle {
	if opts.PremiumPct < 0 {
		opts.PremiumPct = 0
	}
	if !opts.EmptyFeeGwei.IsPositive() {
		opts.EmptyFeeGwei = DefaultEmptyFeeGwei
	}
	if opts.Fallback == nil {
		opts.Fallback = FixedFallback(DefaultFallbackGwei)
	}
	if !opts.OpportunityThreshold.IsPositive() {
		opts.OpportunityThreshold = DefaultOpportunityThreshold
	}
	return &Oracle{reader: reader, opts: opts, logger: logger.With().Str("component", "gas_oracle").Logger()}
}

// ComputeOptimalGasPrice reads the current gas price and applies the premium.
// A failed read degrades to the fallback policy instead of failing.
func (o *Oracle) ComputeOptimalGasPrice(ctx context.Context) (Quote, error) {
	base, err := o.reader.SuggestGasPrice(ctx)
	if err != nil {
		price, fbErr := o.opts.Fallback()
		if fbErr != nil {
			return Quote{}, fmt.Errorf("read fee data: %w: %w", err, fbErr)
		}
		o.logger.Warn().Err(err).Str("fallback_gwei", WeiToGwei(price).String()).Msg("fee data unavailable, using fallback price")
		return Quote{Price: price, Fallback: true}, nil
	}

	if base == nil || base.Sign() <= 0 {
		base = GweiToWei(o.opts.EmptyFeeGwei)
	}

	price := new(big.Int).Mul(base, big.NewInt(100+o.opts.PremiumPct))
	price.Quo(price, big.NewInt(100))
	return Quote{Price: price}, nil
}

// FallbackPrice reports the fallback price in gwei, or zero when there is none.
func (o *Oracle) FallbackPrice() decimal.Decimal {
	price, err := o.opts.Fallback()
	if err != nil {
		return decimal.Zero
	}
	return WeiToGwei(price)
}

// Simulate dry-runs tx. Any estimation error counts as not viable.
func (o *Oracle) Simulate(ctx context.Context, tx chain.Transaction) bool {
	used, err := o.reader.EstimateGas(ctx, tx)
	if err != nil {
		o.logger.Info().Err(err).Str("to", tx.To.Hex()).Msg("simulation rejected transaction")
		return false
	}
	return used > 0
}

// GweiToWei converts a gwei amount into wei, truncating sub-wei digits.
func GweiToWei(gwei decimal.Decimal) *big.Int {
	return gwei.Shift(9).Truncate(0).BigInt()
}

// WeiToGwei converts wei into gwei.
func WeiToGwei(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -9)
}
