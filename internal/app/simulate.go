package app

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"snipr/internal/service"
	"snipr/internal/snipe"
)

// SimulateAlert 通过一个虚构的终态 snipe 走一遍告警流程。
func (a *App) SimulateAlert(ctx context.Context, state snipe.State, reason string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if !state.Terminal() {
		return errors.New("只能模拟终态告警 (completed/failed/cancelled)")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	svc := service.New(a.Config, service.Deps{Notifier: notifier}, a.Logger)

	now := time.Now().UTC()
	id := uuid.New()
	sn := snipe.Snipe{
		ID:     id.String(),
		UserID: a.Config.Wallet.DefaultUser,
		Request: snipe.Request{
			Target:    common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
			Token:     snipe.UnknownToken,
			Amount:    decimal.RequireFromString("0.01"),
			TriggerAt: now,
		},
		State:     state,
		Version:   3,
		CreatedAt: now,
		UpdatedAt: now,
		GasPrice:  decimal.NewFromInt(22),
		Reason:    reason,
	}
	if state == snipe.StateCompleted {
		sn.TxHash = common.BytesToHash(id[:])
	}

	svc.SnipeUpdated(ctx, sn)
	return nil
}
