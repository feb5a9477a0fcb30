// Package risk owns per-user risk limits and the rolling metrics used to
// admit or deny snipes.
//
// Lookups never fail: a user without a stored profile or metrics record is
// evaluated against the gate's defaults and zeroed metrics.
package risk

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Cause identifies which limit denied an admission.
type Cause string

const (
	CauseNone       Cause = ""
	CauseDailyLoss  Cause = "daily_loss"
	CauseSnipeCount Cause = "snipe_count"
	CauseGasPrice   Cause = "gas_price"
)

// Decision is the answer to an admission query.
type Decision struct {
	Allowed bool
	Reason  string
	Cause   Cause
}

type account struct {
	mu       sync.Mutex
	profile  *Profile
	metrics  Metrics
	reserved int
}

// Gate answers admission queries and records outcomes. Each user's record is
// guarded by its own mutex; the index of users by a gate-wide one.
type Gate struct {
	defaults Profile
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	users map[string]*account
}

// Option customises a Gate.
type Option func(*Gate)

// WithDefaults replaces the built-in default profile.
func WithDefaults(p Profile) Option {
	return func(g *Gate) {
		g.defaults = p
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// NewGate constructs an empty gate.
func NewGate(logger zerolog.Logger, opts ...Option) *Gate {
	g := &Gate{
		defaults: DefaultProfile(),
		logger:   logger.With().Str("component", "risk_gate").Logger(),
		now:      time.Now,
		users:    make(map[string]*account),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckLimits evaluates the user's limits against the current metrics without
// changing any state.
func (g *Gate) CheckLimits(userID string, amount, gasPriceGwei decimal.Decimal) Decision {
	acc := g.lookup(userID)
	if acc == nil {
		return evaluate(g.defaults, Metrics{}, 0, gasPriceGwei)
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()
	return evaluate(g.profileOf(acc), acc.metrics, acc.reserved, gasPriceGwei)
}

// Admit runs CheckLimits and, when allowed, reserves one of the user's daily
// slots in the same critical section. The reservation is consumed by
// RecordOutcome or returned with Release.
func (g *Gate) Admit(userID string, amount, gasPriceGwei decimal.Decimal) Decision {
	acc := g.account(userID)

	acc.mu.Lock()
	defer acc.mu.Unlock()

	decision := evaluate(g.profileOf(acc), acc.metrics, acc.reserved, gasPriceGwei)
	if !decision.Allowed {
		g.logger.Info().Str("user", userID).
			Str("cause", string(decision.Cause)).
			Str("amount", amount.String()).
			Msg("admission denied")
		return decision
	}
	acc.reserved++
	return decision
}

// Release returns a reservation taken by Admit.
func (g *Gate) Release(userID string) {
	acc := g.lookup(userID)
	if acc == nil {
		return
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.reserved > 0 {
		acc.reserved--
	}
}

// RecordOutcome folds a finished attempt into the user's metrics. It is not
// idempotent: every call counts as another attempt.
func (g *Gate) RecordOutcome(userID string, outcome Outcome) Metrics {
	acc := g.account(userID)

	acc.mu.Lock()
	defer acc.mu.Unlock()

	m := acc.metrics
	m.SnipesCount++
	if acc.reserved > 0 {
		acc.reserved--
	}

	if outcome.Success {
		n := decimal.NewFromInt(int64(m.SnipesCount))
		prior := m.SuccessRate.Mul(n.Sub(decimal.NewFromInt(1))).Div(hundred).Floor()
		m.SuccessRate = prior.Add(decimal.NewFromInt(1)).Div(n).Mul(hundred)
	}
	if outcome.GasUsed > 0 {
		m.LastGasUsed = outcome.GasUsed
	}
	if outcome.LossPct.IsPositive() {
		m.DailyLoss = m.DailyLoss.Add(outcome.LossPct)
	}
	m.LastSnipeAt = g.now()

	acc.metrics = m
	g.logger.Debug().Str("user", userID).
		Bool("success", outcome.Success).
		Int("snipes_count", m.SnipesCount).
		Str("success_rate", m.SuccessRate.StringFixed(1)).
		Msg("outcome recorded")
	return m
}

// Profile returns the user's effective limits.
func (g *Gate) Profile(userID string) Profile {
	acc := g.lookup(userID)
	if acc == nil {
		return g.defaults
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()
	return g.profileOf(acc)
}

// Metrics returns a copy of the user's metrics.
func (g *Gate) Metrics(userID string) Metrics {
	acc := g.lookup(userID)
	if acc == nil {
		return Metrics{}
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.metrics
}

// SetProfile merges update onto the user's current profile and returns the result.
func (g *Gate) SetProfile(userID string, update ProfileUpdate) Profile {
	acc := g.account(userID)

	acc.mu.Lock()
	defer acc.mu.Unlock()

	merged := update.Apply(g.profileOf(acc))
	acc.profile = &merged
	return merged
}

// ReplaceProfile installs p as the user's custom profile, leaving metrics and
// reservations untouched.
func (g *Gate) ReplaceProfile(userID string, p Profile) {
	acc := g.account(userID)

	acc.mu.Lock()
	defer acc.mu.Unlock()
	acc.profile = &p
}

// ResetDaily zeroes the daily loss and snipe count, keeping the success rate.
func (g *Gate) ResetDaily(userID string) {
	acc := g.lookup(userID)
	if acc == nil {
		return
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()
	acc.metrics.DailyLoss = decimal.Zero
	acc.metrics.SnipesCount = 0
}

// ResetAllDaily runs ResetDaily for every known user and returns how many were reset.
func (g *Gate) ResetAllDaily() int {
	users := g.Users()
	for _, id := range users {
		g.ResetDaily(id)
	}
	g.logger.Info().Int("users", len(users)).Msg("daily metrics reset")
	return len(users)
}

// Restore installs a persisted profile (nil keeps defaults) and metrics for a user.
func (g *Gate) Restore(userID string, profile *Profile, metrics Metrics) {
	acc := g.account(userID)

	acc.mu.Lock()
	defer acc.mu.Unlock()
	if profile != nil {
		p := *profile
		acc.profile = &p
	}
	acc.metrics = metrics
}

// HasCustomProfile reports whether the user has overridden any limit.
func (g *Gate) HasCustomProfile(userID string) bool {
	acc := g.lookup(userID)
	if acc == nil {
		return false
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.profile != nil
}

// CooldownRemaining is how long the user's configured cooldown still runs
// after their last recorded snipe. It is informational only.
func (g *Gate) CooldownRemaining(userID string) time.Duration {
	acc := g.lookup(userID)
	if acc == nil {
		return 0
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()
	if acc.metrics.LastSnipeAt.IsZero() {
		return 0
	}
	remaining := acc.metrics.LastSnipeAt.Add(g.profileOf(acc).Cooldown).Sub(g.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Users lists the ids the gate holds records for, sorted.
func (g *Gate) Users() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]string, 0, len(g.users))
	for id := range g.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *Gate) lookup(userID string) *account {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.users[userID]
}

func (g *Gate) account(userID string) *account {
	g.mu.Lock()
	defer g.mu.Unlock()

	acc, ok := g.users[userID]
	if !ok {
		acc = &account{}
		g.users[userID] = acc
	}
	return acc
}

// profileOf must be called with acc.mu held.
func (g *Gate) profileOf(acc *account) Profile {
	if acc.profile != nil {
		return *acc.profile
	}
	return g.defaults
}

func evaluate(p Profile, m Metrics, reserved int, gasPriceGwei decimal.Decimal) Decision {
	checks := [...]Decision{
		checkDailyLoss(p, m),
		checkSnipeCount(p, m, reserved),
		checkGasPrice(p, gasPriceGwei),
	}
	for _, d := range checks {
		if !d.Allowed {
			return d
		}
	}
	return Decision{Allowed: true}
}

func checkDailyLoss(p Profile, m Metrics) Decision {
	if m.DailyLoss.GreaterThanOrEqual(p.MaxDailyLoss) {
		return Decision{
			Cause:  CauseDailyLoss,
			Reason: fmt.Sprintf("Daily loss limit reached (%s%%)", p.MaxDailyLoss.String()),
		}
	}
	return Decision{Allowed: true}
}

func checkSnipeCount(p Profile, m Metrics, reserved int) Decision {
	if m.SnipesCount+reserved >= p.MaxSnipesPerDay {
		return Decision{
			Cause:  CauseSnipeCount,
			Reason: fmt.Sprintf("Daily snipes limit reached (%d)", p.MaxSnipesPerDay),
		}
	}
	return Decision{Allowed: true}
}

func checkGasPrice(p Profile, gasPriceGwei decimal.Decimal) Decision {
	if gasPriceGwei.GreaterThan(p.MaxGasPrice) {
		return Decision{
			Cause:  CauseGasPrice,
			Reason: fmt.Sprintf("Gas price too high (%s > %s gwei)", gasPriceGwei.String(), p.MaxGasPrice.String()),
		}
	}
	return Decision{Allowed: true}
}
