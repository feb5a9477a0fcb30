package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"snipr/internal/snipe"
)

const defaultExportWindow = 30 * 24 * time.Hour

// Export renders snipe history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snipes, err := store.ListSnipesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(snipes) == 0 {
		a.Logger.Info().Msg("no snipes found for export window")
		return nil
	}

	downsampled := downsampleSnipes(snipes, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snipes)).Int("exported", len(downsampled)).Msg("exporting snipes")

	if opts.CSVPath != "" {
		if err := writeSnipesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnipesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSnipes(snipes []snipe.Snipe, max int) []snipe.Snipe {
	if max <= 0 || len(snipes) <= max {
		return snipes
	}
	if max == 1 {
		return snipes[:1]
	}

	result := make([]snipe.Snipe, 0, max)
	step := float64(len(snipes)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snipes) {
			idx = len(snipes) - 1
		}
		result = append(result, snipes[idx])
	}
	return result
}

func writeSnipesCSV(path string, snipes []snipe.Snipe) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "id", "user_id", "target", "token", "amount", "max_gas_price_gwei", "gas_price_gwei", "state", "version", "tx_hash", "reason"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sn := range snipes {
		tx := ""
		if sn.TxHash != (common.Hash{}) {
			tx = sn.TxHash.Hex()
		}
		record := []string{
			sn.CreatedAt.UTC().Format(time.RFC3339),
			sn.ID,
			sn.UserID,
			sn.Request.Target.Hex(),
			sn.Request.Token,
			sn.Request.Amount.String(),
			sn.Request.MaxGasPrice.String(),
			sn.GasPrice.String(),
			string(sn.State),
			strconv.Itoa(sn.Version),
			tx,
			sn.Reason,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSnipesPNG(path string, snipes []snipe.Snipe) error {
	x := make([]time.Time, 0, len(snipes))
	gasPrice := make([]float64, 0, len(snipes))
	amount := make([]float64, 0, len(snipes))

	for _, sn := range snipes {
		if !sn.GasPrice.IsPositive() {
			continue
		}
		x = append(x, sn.UpdatedAt)
		gasPrice = append(gasPrice, sn.GasPrice.InexactFloat64())
		amount = append(amount, sn.Request.Amount.InexactFloat64())
	}
	if len(x) < 2 {
		return fmt.Errorf("need at least two quoted snipes to chart, got %d", len(x))
	}

	if err := ensureDir(path); err != nil {
		return err
	}

	gweiFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	amountFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Gas price (gwei)",
			ValueFormatter: gweiFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Amount",
			ValueFormatter: amountFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Gas price",
				XValues: x,
				YValues: gasPrice,
			},
			chart.TimeSeries{
				Name:    "Amount",
				XValues: x,
				YValues: amount,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
