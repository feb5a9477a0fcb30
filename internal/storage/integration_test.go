//go:build integration

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"snipr/internal/config"
	"snipr/internal/risk"
	"snipr/internal/snipe"
)

// setupStore starts a PostgreSQL container and applies the repository migrations.
func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("snipr"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn})
	require.NoError(t, err)
	store := NewStore(pool)
	t.Cleanup(store.Close)

	applied, err := store.Migrate(ctx, filepath.Join(projectRoot(t), "migrations"))
	require.NoError(t, err)
	require.NotEmpty(t, applied)

	again, err := store.Migrate(ctx, filepath.Join(projectRoot(t), "migrations"))
	require.NoError(t, err)
	require.Empty(t, again)

	return store
}

func projectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find project root (go.mod)")
		}
		dir = parent
	}
}

func TestSnipeVersionGuard(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	sn := snipe.Snipe{
		ID:     "8f14e45f-ceea-467f-a0b6-3f1b2c0d9e11",
		UserID: "u1",
		Request: snipe.Request{
			Target:    common.HexToAddress("0x00000000000000000000000000000000000000aa"),
			Token:     snipe.UnknownToken,
			Amount:    decimal.RequireFromString("1.5"),
			TriggerAt: now,
		},
		State:     snipe.StatePending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ok, err := store.UpsertSnipe(ctx, sn)
	require.NoError(t, err)
	assert.True(t, ok)

	done := sn
	done.State = snipe.StateCompleted
	done.Version = 3
	done.GasPrice = decimal.NewFromInt(22)
	done.TxHash = common.HexToHash("0xabc")
	ok, err = store.UpsertSnipe(ctx, done)
	require.NoError(t, err)
	assert.True(t, ok)

	stale := sn
	stale.State = snipe.StateArmed
	stale.Version = 2
	ok, err = store.UpsertSnipe(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok, "旧版本不能覆盖终态")

	recent, err := store.ListRecentSnipes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, snipe.StateCompleted, recent[0].State)
	assert.Equal(t, "22", recent[0].GasPrice.String())
	assert.Equal(t, done.TxHash, recent[0].TxHash)

	between, err := store.ListSnipesBetween(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, between, 1)
}

func TestFailStaleSnipes(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	armed := snipe.Snipe{
		ID:        "1c9e2f7a-5b3d-4c8e-9f0a-2b4d6e8f0a1c",
		UserID:    "u1",
		Request:   snipe.Request{Target: common.HexToAddress("0x01"), Token: snipe.UnknownToken, Amount: decimal.NewFromInt(1), TriggerAt: now},
		State:     snipe.StateArmed,
		Version:   2,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := store.UpsertSnipe(ctx, armed)
	require.NoError(t, err)

	n, err := store.FailStaleSnipes(ctx, "process restarted")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recent, err := store.ListRecentSnipes(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, snipe.StateFailed, recent[0].State)
	assert.Equal(t, 3, recent[0].Version)
	assert.Equal(t, "process restarted", recent[0].Reason)
}

func TestRiskStateRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	profile := risk.DefaultProfile()
	profile.MaxSnipesPerDay = 3
	require.NoError(t, store.UpsertRiskProfile(ctx, "u1", profile))
	require.NoError(t, store.UpsertRiskMetrics(ctx, "u1", risk.Metrics{
		DailyLoss:   decimal.NewFromInt(4),
		SnipesCount: 2,
		SuccessRate: decimal.RequireFromString("50"),
		LastSnipeAt: time.Now().UTC(),
	}))
	require.NoError(t, store.UpsertRiskMetrics(ctx, "u2", risk.Metrics{SnipesCount: 1}))

	states, err := store.ListRiskStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)

	assert.Equal(t, "u1", states[0].UserID)
	require.NotNil(t, states[0].Profile)
	assert.Equal(t, 3, states[0].Profile.MaxSnipesPerDay)
	assert.Equal(t, 5*time.Minute, states[0].Profile.Cooldown)
	assert.Equal(t, 2, states[0].Metrics.SnipesCount)
	assert.Equal(t, "50", states[0].Metrics.SuccessRate.String())

	assert.Equal(t, "u2", states[1].UserID)
	assert.Nil(t, states[1].Profile)

	n, err := store.ResetDailyMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	unlock, acquired, err := store.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	require.True(t, acquired)
	unlock()
}

func TestAlertDedup(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	rec := AlertRecord{SnipeID: "8f14e45f-ceea-467f-a0b6-3f1b2c0d9e11", State: "completed", Channels: []string{"telegram"}}
	_, inserted, err := store.InsertAlert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	_, inserted, err = store.InsertAlert(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)

	alerts, err := store.ListRecentAlerts(ctx, 5)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, []string{"telegram"}, alerts[0].Channels)
}

func TestSnipeRequestQueue(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	req := snipe.Request{
		Target:    common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Token:     snipe.UnknownToken,
		Amount:    decimal.RequireFromString("0.5"),
		TriggerAt: time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond),
	}

	first, err := store.EnqueueSnipeRequest(ctx, "u1", req)
	require.NoError(t, err)
	assert.Equal(t, RequestQueued, first.Status)
	second, err := store.EnqueueSnipeRequest(ctx, "u1", req)
	require.NoError(t, err)
	dropped, err := store.EnqueueSnipeRequest(ctx, "u1", req)
	require.NoError(t, err)

	// 排队中的请求直接取消, 不会被领取
	ok, err := store.RequestCancel(ctx, dropped.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := store.GetSnipeRequest(ctx, dropped.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestCancelled, got.Status)

	claimed, err := store.ClaimSnipeRequests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.True(t, req.Amount.Equal(claimed[0].Request.Amount))

	again, err := store.ClaimSnipeRequests(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "同一请求只能被领取一次")

	require.NoError(t, store.ResolveSnipeRequest(ctx, first.ID, RequestAccepted, ""))
	require.NoError(t, store.ResolveSnipeRequest(ctx, second.ID, RequestRejected, "Daily snipes limit reached (10)"))

	rejected, err := store.GetSnipeRequest(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestRejected, rejected.Status)
	assert.Equal(t, "Daily snipes limit reached (10)", rejected.Reason)

	ok, err = store.RequestCancel(ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, ok, "被拒绝的请求不能取消")

	ok, err = store.RequestCancel(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ids, err := store.ClaimCancelRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, ids)
	ids, err = store.ClaimCancelRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = store.GetSnipeRequest(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestAbandonClaimedRequests(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	req := snipe.Request{
		Target:    common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Token:     snipe.UnknownToken,
		Amount:    decimal.RequireFromString("0.5"),
		TriggerAt: time.Now().UTC(),
	}
	rec, err := store.EnqueueSnipeRequest(ctx, "u1", req)
	require.NoError(t, err)
	_, err = store.ClaimSnipeRequests(ctx, 1)
	require.NoError(t, err)

	n, err := store.AbandonClaimedRequests(ctx, "process restarted")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := store.GetSnipeRequest(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestRejected, got.Status)
	assert.Equal(t, "process restarted", got.Reason)
}

func TestGetSnipeAndRiskProfile(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	_, found, err := store.GetSnipe(ctx, "8f14e45f-ceea-467f-a0b6-3f1b2c0d9e11")
	require.NoError(t, err)
	assert.False(t, found)

	p, err := store.GetRiskProfile(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, p)

	custom := risk.DefaultProfile()
	custom.MaxSnipesPerDay = 3
	require.NoError(t, store.UpsertRiskProfile(ctx, "u1", custom))
	p, err = store.GetRiskProfile(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 3, p.MaxSnipesPerDay)
}
