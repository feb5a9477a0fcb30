package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"snipr/internal/risk"
	"snipr/internal/snipe"
	"snipr/internal/storage"
	"snipr/internal/wallet"
)

func (o SnipeOptions) request(now time.Time) (snipe.Request, error) {
	if !common.IsHexAddress(o.Target) {
		return snipe.Request{}, fmt.Errorf("invalid target address %q", o.Target)
	}

	token := o.Token
	if token == "" {
		token = snipe.UnknownToken
	}

	trigger := o.At
	if trigger.IsZero() {
		trigger = now.Add(o.Delay)
	}

	return snipe.Request{
		Target:      common.HexToAddress(o.Target),
		Token:       token,
		Amount:      o.Amount,
		MaxGasPrice: o.MaxGasPrice,
		Slippage:    o.Slippage,
		TriggerAt:   trigger,
	}, nil
}

const (
	requestPollInterval = 500 * time.Millisecond
	intakeHintAfter     = 5 * time.Second
	cancelWait          = 30 * time.Second
)

// requestTracker is the part of storage a queued snipe is submitted and followed through.
type requestTracker interface {
	EnqueueSnipeRequest(ctx context.Context, userID string, req snipe.Request) (storage.SnipeRequest, error)
	GetSnipeRequest(ctx context.Context, id string) (storage.SnipeRequest, error)
	GetSnipe(ctx context.Context, id string) (snipe.Snipe, bool, error)
	RequestCancel(ctx context.Context, id string) (bool, error)
}

// Snipe submits one snipe and blocks until it finishes. With a database the
// request is queued for the `run` host, which owns every user's daily limits;
// without one the snipe is scheduled in this process. Interrupting the
// command cancels the snipe if it has not started executing.
func (a *App) Snipe(ctx context.Context, opts SnipeOptions) error {
	req, err := opts.request(time.Now())
	if err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return &snipe.Error{Op: "schedule", Kind: snipe.ErrInvalidRequest, Reason: err.Error()}
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; snipe runs in this process only")
		return a.snipeLocal(ctx, opts.UserID, req)
	}
	defer closeStore()

	return submitSnipe(ctx, store, opts.UserID, req, os.Stdout, requestPollInterval)
}

func submitSnipe(ctx context.Context, store requestTracker, userID string, req snipe.Request, out io.Writer, poll time.Duration) error {
	queued, err := store.EnqueueSnipeRequest(context.WithoutCancel(ctx), userID, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "snipe %s queued for %s\n", queued.ID, req.TriggerAt.UTC().Format(time.RFC3339))
	return trackSnipe(ctx, store, queued.ID, out, poll)
}

// trackSnipe follows a queued snipe until it is terminal or its request is
// rejected. Cancelling ctx asks the run host to cancel the snipe; tracking
// continues until the host answers.
func trackSnipe(ctx context.Context, store requestTracker, id string, out io.Writer, poll time.Duration) error {
	base := context.WithoutCancel(ctx)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	interrupted := ctx.Done()
	hint := time.After(intakeHintAfter)
	var giveUp <-chan time.Time
	var last snipe.State

	for {
		sn, found, err := store.GetSnipe(base, id)
		if err != nil {
			return err
		}
		if found {
			if sn.State.Terminal() {
				printOutcome(out, sn)
				if sn.State == snipe.StateFailed {
					return errors.New(sn.Reason)
				}
				return nil
			}
			if sn.State != last {
				fmt.Fprintf(out, "snipe %s %s\n", id, sn.State)
				last = sn.State
			}
		} else {
			rec, err := store.GetSnipeRequest(base, id)
			if err != nil {
				return err
			}
			switch rec.Status {
			case storage.RequestRejected:
				return fmt.Errorf("snipe %s rejected: %s", id, rec.Reason)
			case storage.RequestCancelled:
				fmt.Fprintf(out, "snipe %s cancelled\n", id)
				return nil
			}
		}

		select {
		case <-interrupted:
			interrupted = nil
			ok, err := store.RequestCancel(base, id)
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintf(out, "cancel requested for snipe %s\n", id)
			}
			giveUp = time.After(cancelWait)
		case <-hint:
			hint = nil
			if !found {
				fmt.Fprintln(out, "waiting for `snipr run` to pick up the request")
			}
		case <-giveUp:
			return fmt.Errorf("snipe %s: no answer from snipr run after cancel request", id)
		case <-ticker.C:
		}
	}
}

// snipeLocal schedules req on a scheduler owned by this process.
func (a *App) snipeLocal(ctx context.Context, userID string, req snipe.Request) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := os.Stdout
	if addr, ok := rt.wallets.Address(userID); ok {
		balance, err := rt.wallets.Balance(ctx, userID)
		if err != nil {
			a.Logger.Warn().Err(err).Str("user", userID).Msg("balance lookup failed")
		} else {
			fmt.Fprintf(out, "wallet %s balance %s\n", addr.Hex(), balance.String())
		}
	}

	id, err := rt.scheduler.Schedule(ctx, userID, req)
	if id == "" {
		return err
	}
	fmt.Fprintf(out, "snipe %s scheduled for %s\n", id, req.TriggerAt.UTC().Format(time.RFC3339))

	if err != nil {
		sn, _ := rt.waiter.Wait(context.WithoutCancel(ctx), id)
		printOutcome(out, sn)
		return err
	}

	sn, waitErr := rt.waiter.Wait(ctx, id)
	if waitErr != nil {
		if rt.scheduler.Cancel(context.Background(), id) {
			fmt.Fprintf(out, "snipe %s cancelled\n", id)
			return nil
		}
		// already executing; let it reach a terminal state
		sn, waitErr = rt.waiter.Wait(context.Background(), id)
		if waitErr != nil {
			return waitErr
		}
	}

	printOutcome(out, sn)
	if sn.State == snipe.StateFailed {
		return errors.New(sn.Reason)
	}
	return nil
}

func printOutcome(out io.Writer, sn snipe.Snipe) {
	if sn.ID == "" {
		return
	}
	switch sn.State {
	case snipe.StateCompleted:
		fmt.Fprintf(out, "snipe %s completed: tx %s at %s gwei\n", sn.ID, sn.TxHash.Hex(), sn.GasPrice.String())
	case snipe.StateFailed:
		fmt.Fprintf(out, "snipe %s failed: %s\n", sn.ID, sn.Reason)
	default:
		fmt.Fprintf(out, "snipe %s %s\n", sn.ID, sn.State)
	}
}

// Estimate prints the current gas quote and the total cost of a snipe.
func (a *App) Estimate(ctx context.Context, opts SnipeOptions) error {
	req, err := opts.request(time.Now())
	if err != nil {
		return err
	}

	client := a.newChainClient()
	defer client.Close()

	oracle := a.newOracle(client)
	gate := risk.NewGate(a.Logger, risk.WithDefaults(a.Config.Risk.Profile()))
	sched := snipe.New(gate, oracle, nil, snipe.Options{GasLimit: a.Config.Gas.GasLimit}, a.Logger)
	defer sched.Close()

	quote, err := oracle.ComputeOptimalGasPrice(ctx)
	if err != nil {
		return err
	}
	total, err := sched.EstimateCost(ctx, req)
	if err != nil {
		return err
	}

	source := "network"
	if quote.Fallback {
		source = "fallback"
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Gas price\t%s gwei (%s)\n", quote.Gwei().StringFixed(2), source)
	fmt.Fprintf(writer, "Gas limit\t%d\n", a.Config.Gas.GasLimit)
	fmt.Fprintf(writer, "Amount\t%s\n", req.Amount.String())
	fmt.Fprintf(writer, "Total\t%s\n", total.String())
	return writer.Flush()
}

// Scan runs one opportunity scan and prints the result.
func (a *App) Scan(ctx context.Context, limit int) error {
	client := a.newChainClient()
	defer client.Close()

	opps, err := a.newOracle(client).FindOpportunities(ctx)
	if err != nil {
		return err
	}
	if len(opps) == 0 {
		fmt.Fprintln(os.Stdout, "no opportunities found")
		return nil
	}
	if limit > 0 && len(opps) > limit {
		opps = opps[:limit]
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Kind\tTx\tTo\tValue\tGas (gwei)\tConfidence")
	for _, o := range opps {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%.2f\n",
			o.Kind, o.TxHash.Hex(), o.To.Hex(), o.Value.String(), formatDecimal(o.GasPrice, 2), o.Confidence)
	}
	return writer.Flush()
}

// WalletNew generates a fresh key pair.
func (a *App) WalletNew() error {
	addr, key, err := wallet.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "address: %s\nprivate key: %s\n", addr.Hex(), key)
	fmt.Fprintln(os.Stdout, "store the key as wallet.keys.<user> or SNIPR_WALLET_PRIVATE_KEY")
	return nil
}

// WalletBalance prints the native balance of a configured wallet.
func (a *App) WalletBalance(ctx context.Context, userID string) error {
	client := a.newChainClient()
	defer client.Close()

	wallets := wallet.NewManager(client, a.Logger)
	if err := a.connectWallets(wallets); err != nil {
		return err
	}

	addr, ok := wallets.Address(userID)
	if !ok {
		return fmt.Errorf("%w: %s", wallet.ErrNotConnected, userID)
	}
	balance, err := wallets.Balance(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s\t%s\n", addr.Hex(), balance.String())
	return nil
}
