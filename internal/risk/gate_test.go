package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gwei(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestDefaultsForUnknownUser(t *testing.T) {
	g := NewGate(zerolog.Nop())

	p := g.Profile("nobody")
	assert.True(t, p.MaxDailyLoss.Equal(decimal.NewFromInt(20)))
	assert.True(t, p.MaxSlippage.Equal(decimal.NewFromInt(5)))
	assert.True(t, p.MaxGasPrice.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 5*time.Minute, p.Cooldown)
	assert.Equal(t, 10, p.MaxSnipesPerDay)

	m := g.Metrics("nobody")
	assert.Zero(t, m.SnipesCount)
	assert.True(t, m.DailyLoss.IsZero())
	assert.Empty(t, g.Users(), "reads must not create records")
}

func TestCheckLimitsAllows(t *testing.T) {
	g := NewGate(zerolog.Nop())
	d := g.CheckLimits("u1", decimal.RequireFromString("1.5"), gwei(25))
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
}

func TestCheckLimitsPrecedence(t *testing.T) {
	cases := []struct {
		name   string
		loss   decimal.Decimal
		count  int
		gas    decimal.Decimal
		cause  Cause
		reason string
	}{
		{"all three", gwei(20), 10, gwei(60), CauseDailyLoss, "Daily loss limit reached (20%)"},
		{"count and gas", gwei(0), 10, gwei(60), CauseSnipeCount, "Daily snipes limit reached (10)"},
		{"loss and gas", gwei(25), 0, gwei(60), CauseDailyLoss, "Daily loss limit reached (20%)"},
		{"gas only", gwei(0), 3, gwei(60), CauseGasPrice, "Gas price too high (60 > 50 gwei)"},
		{"gas equal to limit", gwei(0), 0, gwei(50), CauseNone, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGate(zerolog.Nop())
			g.Restore("u", nil, Metrics{DailyLoss: tc.loss, SnipesCount: tc.count})

			d := g.CheckLimits("u", decimal.NewFromInt(1), tc.gas)
			assert.Equal(t, tc.cause, d.Cause)
			assert.Equal(t, tc.reason, d.Reason)
			assert.Equal(t, tc.cause == CauseNone, d.Allowed)
		})
	}
}

func TestCheckLimitsHasNoSideEffects(t *testing.T) {
	g := NewGate(zerolog.Nop())
	for i := 0; i < 20; i++ {
		require.True(t, g.CheckLimits("u", decimal.NewFromInt(1), gwei(1)).Allowed)
	}
	assert.Zero(t, g.Metrics("u").SnipesCount)
}

func TestAdmitReservesSlots(t *testing.T) {
	g := NewGate(zerolog.Nop())
	max := 3
	g.SetProfile("u", ProfileUpdate{MaxSnipesPerDay: &max})

	for i := 0; i < max; i++ {
		require.True(t, g.Admit("u", decimal.NewFromInt(1), gwei(1)).Allowed)
	}
	d := g.Admit("u", decimal.NewFromInt(1), gwei(1))
	require.False(t, d.Allowed)
	assert.Equal(t, CauseSnipeCount, d.Cause)

	g.Release("u")
	assert.True(t, g.Admit("u", decimal.NewFromInt(1), gwei(1)).Allowed)
}

func TestAdmitConcurrentNeverOverbooks(t *testing.T) {
	g := NewGate(zerolog.Nop())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Admit("u", decimal.NewFromInt(1), gwei(1)).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
				g.RecordOutcome("u", Outcome{Success: true})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, DefaultMaxSnipesPerDay, allowed)
	assert.Equal(t, DefaultMaxSnipesPerDay, g.Metrics("u").SnipesCount)
}

func TestRecordOutcomeMonotonicCount(t *testing.T) {
	g := NewGate(zerolog.Nop())
	for k := 1; k <= 7; k++ {
		g.RecordOutcome("u", Outcome{Success: k%2 == 0})
		assert.Equal(t, k, g.Metrics("u").SnipesCount)
	}
}

func TestRecordOutcomeSuccessRate(t *testing.T) {
	g := NewGate(zerolog.Nop())

	m := g.RecordOutcome("u", Outcome{Success: false})
	assert.True(t, m.SuccessRate.IsZero())

	m = g.RecordOutcome("u", Outcome{Success: true, GasUsed: 21000})
	assert.Equal(t, "50.00", m.SuccessRate.StringFixed(2))
	assert.Equal(t, uint64(21000), m.LastGasUsed)

	m = g.RecordOutcome("u", Outcome{Success: true})
	assert.Equal(t, "66.67", m.SuccessRate.StringFixed(2))
	assert.Equal(t, uint64(21000), m.LastGasUsed, "zero gas keeps previous value")
}

func TestRecordOutcomeAccumulatesLoss(t *testing.T) {
	g := NewGate(zerolog.Nop())
	g.RecordOutcome("u", Outcome{LossPct: decimal.NewFromInt(12)})
	g.RecordOutcome("u", Outcome{LossPct: decimal.NewFromInt(9)})

	d := g.CheckLimits("u", decimal.NewFromInt(1), gwei(1))
	assert.False(t, d.Allowed)
	assert.Equal(t, CauseDailyLoss, d.Cause)
}

func TestSetProfilePartialMerge(t *testing.T) {
	g := NewGate(zerolog.Nop())

	gas := gwei(80)
	before := g.Profile("u")
	after := g.SetProfile("u", ProfileUpdate{MaxGasPrice: &gas})

	assert.True(t, after.MaxGasPrice.Equal(gas))
	assert.True(t, after.MaxDailyLoss.Equal(before.MaxDailyLoss))
	assert.True(t, after.MaxSlippage.Equal(before.MaxSlippage))
	assert.Equal(t, before.Cooldown, after.Cooldown)
	assert.Equal(t, before.MaxSnipesPerDay, after.MaxSnipesPerDay)

	cooldown := time.Minute
	again := g.SetProfile("u", ProfileUpdate{Cooldown: &cooldown})
	assert.True(t, again.MaxGasPrice.Equal(gas), "earlier override survives")
	assert.Equal(t, time.Minute, again.Cooldown)
	assert.True(t, g.HasCustomProfile("u"))
}

func TestResetDailyKeepsSuccessRate(t *testing.T) {
	g := NewGate(zerolog.Nop())
	g.RecordOutcome("a", Outcome{Success: true, LossPct: decimal.NewFromInt(3)})
	g.RecordOutcome("b", Outcome{Success: true})

	assert.Equal(t, 2, g.ResetAllDaily())

	m := g.Metrics("a")
	assert.Zero(t, m.SnipesCount)
	assert.True(t, m.DailyLoss.IsZero())
	assert.Equal(t, "100", m.SuccessRate.String())
}

func TestCooldownRemaining(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g := NewGate(zerolog.Nop(), WithClock(func() time.Time { return now }))

	assert.Zero(t, g.CooldownRemaining("u"))
	g.RecordOutcome("u", Outcome{Success: true})

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 3*time.Minute, g.CooldownRemaining("u"))

	now = now.Add(10 * time.Minute)
	assert.Zero(t, g.CooldownRemaining("u"))
}

func TestWithDefaults(t *testing.T) {
	p := DefaultProfile()
	p.MaxSnipesPerDay = 1
	g := NewGate(zerolog.Nop(), WithDefaults(p))

	require.True(t, g.Admit("u", decimal.NewFromInt(1), gwei(1)).Allowed)
	assert.False(t, g.Admit("u", decimal.NewFromInt(1), gwei(1)).Allowed)
}

func TestReplaceProfileKeepsReservations(t *testing.T) {
	g := NewGate(zerolog.Nop())
	require.True(t, g.Admit("u", decimal.NewFromInt(1), gwei(10)).Allowed)
	g.RecordOutcome("u", Outcome{Success: true})
	require.True(t, g.Admit("u", decimal.NewFromInt(1), gwei(10)).Allowed)

	p := DefaultProfile()
	p.MaxSnipesPerDay = 2
	g.ReplaceProfile("u", p)

	assert.Equal(t, 2, g.Profile("u").MaxSnipesPerDay)
	assert.Equal(t, 1, g.Metrics("u").SnipesCount)
	d := g.Admit("u", decimal.NewFromInt(1), gwei(10))
	assert.False(t, d.Allowed, "1 recorded + 1 reserved reaches the new limit")
	assert.Equal(t, CauseSnipeCount, d.Cause)
}
