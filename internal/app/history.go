package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// History prints recent snipes.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	snipes, err := store.ListRecentSnipes(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(snipes) == 0 {
		fmt.Fprintln(os.Stdout, "no snipes found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tID\tUser\tTarget\tAmount\tGas (gwei)\tState\tTx\tReason")

	for _, sn := range snipes {
		tx := ""
		if sn.TxHash != (common.Hash{}) {
			tx = sn.TxHash.Hex()
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sn.CreatedAt.UTC().Format(time.RFC3339),
			sn.ID,
			sn.UserID,
			sn.Request.Target.Hex(),
			sn.Request.Amount.String(),
			formatDecimal(sn.GasPrice, 2),
			sn.State,
			tx,
			sanitizeInline(sn.Reason),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
