package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Default profile values applied until a user overrides them.
var (
	DefaultMaxDailyLoss    = decimal.NewFromInt(20)
	DefaultMaxSlippage     = decimal.NewFromInt(5)
	DefaultMaxGasPrice     = decimal.NewFromInt(50)
	DefaultCooldown        = 5 * time.Minute
	DefaultMaxSnipesPerDay = 10
)

// Profile holds a user's risk limits. Percentages are expressed as 0-100,
// gas prices in gwei.
type Profile struct {
	MaxDailyLoss    decimal.Decimal
	MaxSlippage     decimal.Decimal
	MaxGasPrice     decimal.Decimal
	Cooldown        time.Duration
	MaxSnipesPerDay int
}

// DefaultProfile returns the built-in limits.
func DefaultProfile() Profile {
	return Profile{
		MaxDailyLoss:    DefaultMaxDailyLoss,
		MaxSlippage:     DefaultMaxSlippage,
		MaxGasPrice:     DefaultMaxGasPrice,
		Cooldown:        DefaultCooldown,
		MaxSnipesPerDay: DefaultMaxSnipesPerDay,
	}
}

// ProfileUpdate is a partial override; nil fields keep their current value.
type ProfileUpdate struct {
	MaxDailyLoss    *decimal.Decimal
	MaxSlippage     *decimal.Decimal
	MaxGasPrice     *decimal.Decimal
	Cooldown        *time.Duration
	MaxSnipesPerDay *int
}

// IsEmpty reports whether the update carries no fields.
func (u ProfileUpdate) IsEmpty() bool {
	return u.MaxDailyLoss == nil && u.MaxSlippage == nil && u.MaxGasPrice == nil &&
		u.Cooldown == nil && u.MaxSnipesPerDay == nil
}

// Apply merges u onto p and returns the result.
func (u ProfileUpdate) Apply(p Profile) Profile {
	if u.MaxDailyLoss != nil {
		p.MaxDailyLoss = *u.MaxDailyLoss
	}
	if u.MaxSlippage != nil {
		p.MaxSlippage = *u.MaxSlippage
	}
	if u.MaxGasPrice != nil {
		p.MaxGasPrice = *u.MaxGasPrice
	}
	if u.Cooldown != nil {
		p.Cooldown = *u.Cooldown
	}
	if u.MaxSnipesPerDay != nil {
		p.MaxSnipesPerDay = *u.MaxSnipesPerDay
	}
	return p
}

// Metrics are the rolling per-user counters maintained by the gate.
type Metrics struct {
	DailyLoss   decimal.Decimal
	SnipesCount int
	SuccessRate decimal.Decimal
	LastGasUsed uint64
	LastSnipeAt time.Time
}

// Outcome describes a finished snipe attempt.
type Outcome struct {
	Success bool
	GasUsed uint64
	// LossPct is added to the daily loss when positive.
	LossPct decimal.Decimal
}
