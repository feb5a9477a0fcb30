package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"snipr/internal/risk"
)

const (
	upsertRiskProfileSQL = `INSERT INTO risk_profiles (
        user_id,
        max_daily_loss,
        max_slippage,
        max_gas_price,
        cooldown_ms,
        max_snipes_per_day,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,NOW()
    )
    ON CONFLICT (user_id) DO UPDATE
    SET
        max_daily_loss     = EXCLUDED.max_daily_loss,
        max_slippage       = EXCLUDED.max_slippage,
        max_gas_price      = EXCLUDED.max_gas_price,
        cooldown_ms        = EXCLUDED.cooldown_ms,
        max_snipes_per_day = EXCLUDED.max_snipes_per_day,
        updated_at         = NOW();`

	upsertRiskMetricsSQL = `INSERT INTO risk_metrics (
        user_id,
        daily_loss,
        snipes_count,
        success_rate,
        last_gas_used,
        last_snipe_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,NOW()
    )
    ON CONFLICT (user_id) DO UPDATE
    SET
        daily_loss    = EXCLUDED.daily_loss,
        snipes_count  = EXCLUDED.snipes_count,
        success_rate  = EXCLUDED.success_rate,
        last_gas_used = EXCLUDED.last_gas_used,
        last_snipe_at = EXCLUDED.last_snipe_at,
        updated_at    = NOW();`

	resetDailyMetricsSQL = `UPDATE risk_metrics
    SET daily_loss = 0, snipes_count = 0, updated_at = NOW();`

	getRiskProfileSQL = `SELECT
        max_daily_loss::text,
        max_slippage::text,
        max_gas_price::text,
        cooldown_ms,
        max_snipes_per_day
    FROM risk_profiles
    WHERE user_id = $1;`

	listRiskStatesSQL = `SELECT
        COALESCE(p.user_id, m.user_id),
        p.max_daily_loss::text,
        p.max_slippage::text,
        p.max_gas_price::text,
        p.cooldown_ms,
        p.max_snipes_per_day,
        COALESCE(m.daily_loss, 0)::text,
        COALESCE(m.snipes_count, 0),
        COALESCE(m.success_rate, 0)::text,
        COALESCE(m.last_gas_used, 0),
        m.last_snipe_at
    FROM risk_profiles p
    FULL OUTER JOIN risk_metrics m ON m.user_id = p.user_id
    ORDER BY 1;`
)

// RiskStore persists per-user risk profiles and counters.
type RiskStore interface {
	UpsertRiskProfile(ctx context.Context, userID string, profile risk.Profile) error
	GetRiskProfile(ctx context.Context, userID string) (*risk.Profile, error)
	UpsertRiskMetrics(ctx context.Context, userID string, metrics risk.Metrics) error
	ResetDailyMetrics(ctx context.Context) (int64, error)
	ListRiskStates(ctx context.Context) ([]RiskState, error)
}

// UpsertRiskProfile stores a user's custom limits.
func (s *Store) UpsertRiskProfile(ctx context.Context, userID string, profile risk.Profile) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertRiskProfileSQL,
		userID,
		profile.MaxDailyLoss.String(),
		profile.MaxSlippage.String(),
		profile.MaxGasPrice.String(),
		profile.Cooldown.Milliseconds(),
		profile.MaxSnipesPerDay,
	)
	if execErr != nil {
		return fmt.Errorf("upsert risk profile: %w", execErr)
	}
	return nil
}

// GetRiskProfile loads a user's custom limits, or nil when none are stored.
func (s *Store) GetRiskProfile(ctx context.Context, userID string) (*risk.Profile, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		maxLoss, maxSlip, maxGas string
		cooldownMS               int64
		maxSnipes                int
	)
	scanErr := pool.QueryRow(ctx, getRiskProfileSQL, userID).Scan(&maxLoss, &maxSlip, &maxGas, &cooldownMS, &maxSnipes)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("get risk profile: %w", scanErr)
	}

	profile, err := parseProfile(maxLoss, maxSlip, maxGas, cooldownMS, maxSnipes)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// UpsertRiskMetrics stores a user's counters.
func (s *Store) UpsertRiskMetrics(ctx context.Context, userID string, metrics risk.Metrics) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var lastSnipe any
	if !metrics.LastSnipeAt.IsZero() {
		lastSnipe = metrics.LastSnipeAt.UTC()
	}

	_, execErr := pool.Exec(ctx, upsertRiskMetricsSQL,
		userID,
		metrics.DailyLoss.String(),
		metrics.SnipesCount,
		metrics.SuccessRate.String(),
		int64(metrics.LastGasUsed),
		lastSnipe,
	)
	if execErr != nil {
		return fmt.Errorf("upsert risk metrics: %w", execErr)
	}
	return nil
}

// ResetDailyMetrics zeroes every user's daily counters.
func (s *Store) ResetDailyMetrics(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, resetDailyMetricsSQL)
	if execErr != nil {
		return 0, fmt.Errorf("reset daily metrics: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// ListRiskStates loads every user that has a profile or counters.
func (s *Store) ListRiskStates(ctx context.Context) ([]RiskState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRiskStatesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list risk states: %w", queryErr)
	}
	defer rows.Close()

	states := make([]RiskState, 0)
	for rows.Next() {
		state, scanErr := scanRiskState(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		states = append(states, state)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return states, nil
}

func scanRiskState(rows pgx.Rows) (RiskState, error) {
	var (
		userID       string
		maxLossStr   sql.NullString
		maxSlipStr   sql.NullString
		maxGasStr    sql.NullString
		cooldownMS   sql.NullInt64
		maxSnipes    sql.NullInt64
		dailyLossStr string
		snipesCount  int
		rateStr      string
		lastGasUsed  int64
		lastSnipeAt  sql.NullTime
	)

	if err := rows.Scan(
		&userID,
		&maxLossStr,
		&maxSlipStr,
		&maxGasStr,
		&cooldownMS,
		&maxSnipes,
		&dailyLossStr,
		&snipesCount,
		&rateStr,
		&lastGasUsed,
		&lastSnipeAt,
	); err != nil {
		return RiskState{}, err
	}

	dailyLoss, err := decimal.NewFromString(dailyLossStr)
	if err != nil {
		return RiskState{}, fmt.Errorf("parse daily loss: %w", err)
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return RiskState{}, fmt.Errorf("parse success rate: %w", err)
	}

	state := RiskState{
		UserID: userID,
		Metrics: risk.Metrics{
			DailyLoss:   dailyLoss,
			SnipesCount: snipesCount,
			SuccessRate: rate,
			LastGasUsed: uint64(lastGasUsed),
		},
	}
	if lastSnipeAt.Valid {
		state.Metrics.LastSnipeAt = lastSnipeAt.Time
	}

	if maxLossStr.Valid {
		profile, err := parseProfile(maxLossStr.String, maxSlipStr.String, maxGasStr.String, cooldownMS.Int64, int(maxSnipes.Int64))
		if err != nil {
			return RiskState{}, err
		}
		state.Profile = &profile
	}

	return state, nil
}

func parseProfile(maxLoss, maxSlip, maxGas string, cooldownMS int64, maxSnipes int) (risk.Profile, error) {
	loss, err := decimal.NewFromString(maxLoss)
	if err != nil {
		return risk.Profile{}, fmt.Errorf("parse max daily loss: %w", err)
	}
	slip, err := decimal.NewFromString(maxSlip)
	if err != nil {
		return risk.Profile{}, fmt.Errorf("parse max slippage: %w", err)
	}
	gas, err := decimal.NewFromString(maxGas)
	if err != nil {
		return risk.Profile{}, fmt.Errorf("parse max gas price: %w", err)
	}
	return risk.Profile{
		MaxDailyLoss:    loss,
		MaxSlippage:     slip,
		MaxGasPrice:     gas,
		Cooldown:        time.Duration(cooldownMS) * time.Millisecond,
		MaxSnipesPerDay: maxSnipes,
	}, nil
}
