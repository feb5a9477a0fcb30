package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"snipr/internal/snipe"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	// Rows only move forward: an update carrying an older version is ignored.
	upsertSnipeSQL = `INSERT INTO snipes (
        id,
        user_id,
        target,
        token,
        amount,
        max_gas_price,
        slippage,
        trigger_at,
        state,
        version,
        gas_price,
        tx_hash,
        reason,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    )
    ON CONFLICT (id) DO UPDATE
    SET
        state      = EXCLUDED.state,
        version    = EXCLUDED.version,
        gas_price  = EXCLUDED.gas_price,
        tx_hash    = EXCLUDED.tx_hash,
        reason     = EXCLUDED.reason,
        updated_at = EXCLUDED.updated_at
    WHERE snipes.version < EXCLUDED.version;`

	selectSnipeColumns = `SELECT
        id::text,
        user_id,
        target,
        token,
        amount::text,
        max_gas_price::text,
        slippage::text,
        trigger_at,
        state,
        version,
        gas_price::text,
        tx_hash,
        reason,
        created_at,
        updated_at
    FROM snipes`

	listRecentSnipesSQL = selectSnipeColumns + `
    ORDER BY created_at DESC
    LIMIT $1;`

	getSnipeSQL = selectSnipeColumns + `
    WHERE id = $1;`

	listSnipesBetweenSQL = selectSnipeColumns + `
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	// Non-terminal rows left behind by a previous process.
	failStaleSnipesSQL = `UPDATE snipes
    SET state = 'failed', reason = $1, version = version + 1, updated_at = NOW()
    WHERE state IN ('pending', 'armed', 'executing');`

	insertAlertSQL = `INSERT INTO snipe_alerts (
        snipe_id,
        state,
        channels
    ) VALUES (
        $1,$2,$3
    )
    ON CONFLICT (snipe_id) DO NOTHING
    RETURNING id, snipe_id::text, state, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        snipe_id::text,
        state,
        channels,
        created_at
    FROM snipe_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnipeStore defines operations for snipe history persistence.
type SnipeStore interface {
	UpsertSnipe(ctx context.Context, sn snipe.Snipe) (bool, error)
	GetSnipe(ctx context.Context, id string) (snipe.Snipe, bool, error)
	ListRecentSnipes(ctx context.Context, limit int) ([]snipe.Snipe, error)
	ListSnipesBetween(ctx context.Context, from, to time.Time) ([]snipe.Snipe, error)
	FailStaleSnipes(ctx context.Context, reason string) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, bool, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to snipes, risk state and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertSnipe persists a snipe snapshot. It reports false when a newer
// version is already stored.
func (s *Store) UpsertSnipe(ctx context.Context, sn snipe.Snipe) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tag, execErr := pool.Exec(ctx, upsertSnipeSQL, snipeArgs(sn)...)
	if execErr != nil {
		return false, fmt.Errorf("upsert snipe: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// GetSnipe loads one snipe. It reports false when no row exists.
func (s *Store) GetSnipe(ctx context.Context, id string) (snipe.Snipe, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return snipe.Snipe{}, false, err
	}

	rows, queryErr := pool.Query(ctx, getSnipeSQL, id)
	if queryErr != nil {
		return snipe.Snipe{}, false, fmt.Errorf("get snipe: %w", queryErr)
	}
	snipes, err := collectSnipes(rows, 1)
	if err != nil {
		return snipe.Snipe{}, false, err
	}
	if len(snipes) == 0 {
		return snipe.Snipe{}, false, nil
	}
	return snipes[0], true, nil
}

// ListRecentSnipes lists the most recent snipes ordered by descending creation time.
func (s *Store) ListRecentSnipes(ctx context.Context, limit int) ([]snipe.Snipe, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnipesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snipes: %w", queryErr)
	}
	return collectSnipes(rows, limit)
}

// ListSnipesBetween lists snipes created within a time window.
func (s *Store) ListSnipesBetween(ctx context.Context, from, to time.Time) ([]snipe.Snipe, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnipesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snipes between: %w", queryErr)
	}
	return collectSnipes(rows, 0)
}

// FailStaleSnipes marks every non-terminal row as failed and returns how many changed.
func (s *Store) FailStaleSnipes(ctx context.Context, reason string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, failStaleSnipesSQL, reason)
	if execErr != nil {
		return 0, fmt.Errorf("fail stale snipes: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertAlert persists an alert emission. It reports false when the snipe
// was already alerted.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, false, err
	}

	channels := alert.Channels
	if channels == nil {
		channels = []string{}
	}

	var rec AlertRecord
	scanErr := pool.QueryRow(ctx, insertAlertSQL, alert.SnipeID, alert.State, channels).Scan(
		&rec.ID,
		&rec.SnipeID,
		&rec.State,
		&rec.Channels,
		&rec.CreatedAt,
	)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return AlertRecord{}, false, nil
	}
	if scanErr != nil {
		return AlertRecord{}, false, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, true, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.SnipeID,
			&rec.State,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func snipeArgs(sn snipe.Snipe) []any {
	var gasPrice any
	if !sn.GasPrice.IsZero() {
		gasPrice = sn.GasPrice.String()
	}

	var txHash any
	if sn.TxHash != (common.Hash{}) {
		txHash = sn.TxHash.Hex()
	}

	var reason any
	if sn.Reason != "" {
		reason = sn.Reason
	}

	return []any{
		sn.ID,
		sn.UserID,
		sn.Request.Target.Hex(),
		sn.Request.Token,
		sn.Request.Amount.String(),
		sn.Request.MaxGasPrice.String(),
		sn.Request.Slippage.String(),
		sn.Request.TriggerAt.UTC(),
		string(sn.State),
		sn.Version,
		gasPrice,
		txHash,
		reason,
		sn.CreatedAt.UTC(),
		sn.UpdatedAt.UTC(),
	}
}

func collectSnipes(rows pgx.Rows, capacity int) ([]snipe.Snipe, error) {
	defer rows.Close()

	snipes := make([]snipe.Snipe, 0, capacity)
	for rows.Next() {
		sn, scanErr := scanSnipe(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snipes = append(snipes, sn)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snipes, nil
}

func scanSnipe(rows pgx.Rows) (snipe.Snipe, error) {
	var (
		id          string
		userID      string
		target      string
		token       string
		amountStr   string
		maxGasStr   string
		slippageStr string
		triggerAt   time.Time
		state       string
		version     int
		gasPriceStr sql.NullString
		txHash      sql.NullString
		reason      sql.NullString
		createdAt   time.Time
		updatedAt   time.Time
	)

	if err := rows.Scan(
		&id,
		&userID,
		&target,
		&token,
		&amountStr,
		&maxGasStr,
		&slippageStr,
		&triggerAt,
		&state,
		&version,
		&gasPriceStr,
		&txHash,
		&reason,
		&createdAt,
		&updatedAt,
	); err != nil {
		return snipe.Snipe{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return snipe.Snipe{}, fmt.Errorf("parse amount: %w", err)
	}
	maxGas, err := decimal.NewFromString(maxGasStr)
	if err != nil {
		return snipe.Snipe{}, fmt.Errorf("parse max gas price: %w", err)
	}
	slippage, err := decimal.NewFromString(slippageStr)
	if err != nil {
		return snipe.Snipe{}, fmt.Errorf("parse slippage: %w", err)
	}

	sn := snipe.Snipe{
		ID:     id,
		UserID: userID,
		Request: snipe.Request{
			Target:      common.HexToAddress(target),
			Token:       token,
			Amount:      amount,
			MaxGasPrice: maxGas,
			Slippage:    slippage,
			TriggerAt:   triggerAt,
		},
		State:     snipe.State(state),
		Version:   version,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}

	if gasPriceStr.Valid {
		sn.GasPrice, err = decimal.NewFromString(gasPriceStr.String)
		if err != nil {
			return snipe.Snipe{}, fmt.Errorf("parse gas price: %w", err)
		}
	}
	if txHash.Valid {
		sn.TxHash = common.HexToHash(txHash.String)
	}
	if reason.Valid {
		sn.Reason = reason.String
	}

	return sn, nil
}
