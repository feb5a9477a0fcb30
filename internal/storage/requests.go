package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"snipr/internal/snipe"
)

// ErrRequestNotFound indicates no snipe request exists with the given id.
var ErrRequestNotFound = errors.New("storage: snipe request not found")

const (
	requestColumns = `
        id::text,
        user_id,
        target,
        token,
        amount::text,
        max_gas_price::text,
        slippage::text,
        trigger_at,
        status,
        reason,
        cancel_requested,
        created_at,
        updated_at`

	enqueueRequestSQL = `INSERT INTO snipe_requests (
        id,
        user_id,
        target,
        token,
        amount,
        max_gas_price,
        slippage,
        trigger_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING` + requestColumns + `;`

	// SKIP LOCKED keeps a second claimer from blocking on rows already taken.
	claimRequestsSQL = `UPDATE snipe_requests
    SET status = 'claimed', updated_at = NOW()
    WHERE id IN (
        SELECT id FROM snipe_requests
        WHERE status = 'queued'
        ORDER BY created_at
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    )
    RETURNING` + requestColumns + `;`

	resolveRequestSQL = `UPDATE snipe_requests
    SET status = $2, reason = $3, updated_at = NOW()
    WHERE id = $1 AND status = 'claimed';`

	// A queued request is cancelled on the spot; later ones wait for the host.
	requestCancelSQL = `UPDATE snipe_requests
    SET cancel_requested = TRUE,
        status = CASE WHEN status = 'queued' THEN 'cancelled' ELSE status END,
        reason = CASE WHEN status = 'queued' THEN 'cancelled before scheduling' ELSE reason END,
        updated_at = NOW()
    WHERE id = $1
      AND status IN ('queued', 'claimed', 'accepted')
      AND NOT cancel_requested;`

	claimCancelsSQL = `UPDATE snipe_requests
    SET cancel_handled = TRUE, updated_at = NOW()
    WHERE cancel_requested
      AND NOT cancel_handled
      AND status = 'accepted'
    RETURNING id::text;`

	abandonClaimedSQL = `UPDATE snipe_requests
    SET status = 'rejected', reason = $1, updated_at = NOW()
    WHERE status = 'claimed';`

	getRequestSQL = `SELECT` + requestColumns + `
    FROM snipe_requests
    WHERE id = $1;`
)

// RequestStore queues snipe requests between CLI processes and the run host.
type RequestStore interface {
	EnqueueSnipeRequest(ctx context.Context, userID string, req snipe.Request) (SnipeRequest, error)
	ClaimSnipeRequests(ctx context.Context, limit int) ([]SnipeRequest, error)
	ResolveSnipeRequest(ctx context.Context, id string, status RequestStatus, reason string) error
	RequestCancel(ctx context.Context, id string) (bool, error)
	ClaimCancelRequests(ctx context.Context) ([]string, error)
	AbandonClaimedRequests(ctx context.Context, reason string) (int64, error)
	GetSnipeRequest(ctx context.Context, id string) (SnipeRequest, error)
}

// EnqueueSnipeRequest stores a new queued request under a fresh id.
func (s *Store) EnqueueSnipeRequest(ctx context.Context, userID string, req snipe.Request) (SnipeRequest, error) {
	pool, err := s.getPool()
	if err != nil {
		return SnipeRequest{}, err
	}

	rec, scanErr := scanRequest(pool.QueryRow(ctx, enqueueRequestSQL, requestArgs(uuid.New().String(), userID, req)...))
	if scanErr != nil {
		return SnipeRequest{}, fmt.Errorf("enqueue snipe request: %w", scanErr)
	}
	return rec, nil
}

// ClaimSnipeRequests moves up to limit queued requests to claimed, oldest first.
func (s *Store) ClaimSnipeRequests(ctx context.Context, limit int) ([]SnipeRequest, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, claimRequestsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("claim snipe requests: %w", queryErr)
	}
	defer rows.Close()

	claimed := make([]SnipeRequest, 0, limit)
	for rows.Next() {
		rec, scanErr := scanRequest(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		claimed = append(claimed, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	sort.Slice(claimed, func(i, j int) bool { return claimed[i].CreatedAt.Before(claimed[j].CreatedAt) })
	return claimed, nil
}

// ResolveSnipeRequest records the admission result of a claimed request.
func (s *Store) ResolveSnipeRequest(ctx context.Context, id string, status RequestStatus, reason string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var reasonArg any
	if reason != "" {
		reasonArg = reason
	}
	if _, execErr := pool.Exec(ctx, resolveRequestSQL, id, string(status), reasonArg); execErr != nil {
		return fmt.Errorf("resolve snipe request: %w", execErr)
	}
	return nil
}

// RequestCancel flags a request for cancellation. It reports false when the
// request is unknown, already finished or already flagged.
func (s *Store) RequestCancel(ctx context.Context, id string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, requestCancelSQL, id)
	if execErr != nil {
		return false, fmt.Errorf("request cancel: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimCancelRequests returns the ids of accepted snipes with a pending cancel
// request, marking each as handled.
func (s *Store) ClaimCancelRequests(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, claimCancelsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("claim cancel requests: %w", queryErr)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}

// AbandonClaimedRequests rejects requests a previous host claimed but never resolved.
func (s *Store) AbandonClaimedRequests(ctx context.Context, reason string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, abandonClaimedSQL, reason)
	if execErr != nil {
		return 0, fmt.Errorf("abandon claimed requests: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// GetSnipeRequest loads one request.
func (s *Store) GetSnipeRequest(ctx context.Context, id string) (SnipeRequest, error) {
	pool, err := s.getPool()
	if err != nil {
		return SnipeRequest{}, err
	}

	rec, scanErr := scanRequest(pool.QueryRow(ctx, getRequestSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return SnipeRequest{}, ErrRequestNotFound
	}
	if scanErr != nil {
		return SnipeRequest{}, fmt.Errorf("get snipe request: %w", scanErr)
	}
	return rec, nil
}

func requestArgs(id, userID string, req snipe.Request) []any {
	return []any{
		id,
		userID,
		req.Target.Hex(),
		req.Token,
		req.Amount.String(),
		req.MaxGasPrice.String(),
		req.Slippage.String(),
		req.TriggerAt.UTC(),
	}
}

func scanRequest(row pgx.Row) (SnipeRequest, error) {
	var (
		id          string
		userID      string
		target      string
		token       string
		amountStr   string
		maxGasStr   string
		slippageStr string
		triggerAt   time.Time
		status      string
		reason      sql.NullString
		cancelReq   bool
		createdAt   time.Time
		updatedAt   time.Time
	)

	if err := row.Scan(
		&id,
		&userID,
		&target,
		&token,
		&amountStr,
		&maxGasStr,
		&slippageStr,
		&triggerAt,
		&status,
		&reason,
		&cancelReq,
		&createdAt,
		&updatedAt,
	); err != nil {
		return SnipeRequest{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return SnipeRequest{}, fmt.Errorf("parse amount: %w", err)
	}
	maxGas, err := decimal.NewFromString(maxGasStr)
	if err != nil {
		return SnipeRequest{}, fmt.Errorf("parse max gas price: %w", err)
	}
	slippage, err := decimal.NewFromString(slippageStr)
	if err != nil {
		return SnipeRequest{}, fmt.Errorf("parse slippage: %w", err)
	}

	return SnipeRequest{
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
		Status:          RequestStatus(status),
		Reason:          reason.String,
		CancelRequested: cancelReq,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}, nil
}
