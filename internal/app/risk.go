package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"snipr/internal/risk"
)

// RiskShow prints a user's effective limits and current counters.
func (a *App) RiskShow(ctx context.Context, userID string) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	return writeRisk(rt.gate, userID)
}

// RiskSet merges update onto the user's profile and persists it.
func (a *App) RiskSet(ctx context.Context, userID string, update risk.ProfileUpdate) error {
	if update.IsEmpty() {
		return errors.New("no risk limits given")
	}

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; profile change lasts for this process only")
	}

	rt.gate.SetProfile(userID, update)
	if err := rt.service.PersistProfile(ctx, userID); err != nil {
		return fmt.Errorf("persist profile: %w", err)
	}
	return writeRisk(rt.gate, userID)
}

func writeRisk(gate *risk.Gate, userID string) error {
	profile := gate.Profile(userID)
	metrics := gate.Metrics(userID)

	source := "default"
	if gate.HasCustomProfile(userID) {
		source = "custom"
	}

	lastSnipe := "-"
	if !metrics.LastSnipeAt.IsZero() {
		lastSnipe = metrics.LastSnipeAt.UTC().Format("2006-01-02 15:04:05")
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "User\t%s (%s profile)\n", userID, source)
	fmt.Fprintf(writer, "Max daily loss\t%s%%\n", profile.MaxDailyLoss.String())
	fmt.Fprintf(writer, "Max slippage\t%s%%\n", profile.MaxSlippage.String())
	fmt.Fprintf(writer, "Max gas price\t%s gwei\n", profile.MaxGasPrice.String())
	fmt.Fprintf(writer, "Cooldown\t%s\n", profile.Cooldown)
	fmt.Fprintf(writer, "Max snipes/day\t%d\n", profile.MaxSnipesPerDay)
	fmt.Fprintf(writer, "Daily loss\t%s%%\n", formatDecimal(metrics.DailyLoss, 2))
	fmt.Fprintf(writer, "Snipes today\t%d\n", metrics.SnipesCount)
	fmt.Fprintf(writer, "Success rate\t%s%%\n", formatDecimal(metrics.SuccessRate, 2))
	fmt.Fprintf(writer, "Last snipe\t%s\n", lastSnipe)
	fmt.Fprintf(writer, "Cooldown left\t%s\n", gate.CooldownRemaining(userID))
	return writer.Flush()
}
