package gas

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// DefaultOpportunityThreshold is the native value above which a pending
// transaction is reported.
var DefaultOpportunityThreshold = decimal.RequireFromString("0.1")

const opportunityWindow = 12 * time.Second

// Kind classifies an opportunity.
type Kind string

const (
	KindArbitrage Kind = "arbitrage"
	KindFrontrun  Kind = "frontrun"
	KindBackrun   Kind = "backrun"
)

// Opportunity is an informational signal derived from the pending pool. It
// plays no part in admission or execution.
type Opportunity struct {
	Kind       Kind
	TxHash     common.Hash
	To         common.Address
	Value      decimal.Decimal
	GasPrice   decimal.Decimal
	Confidence float64
	Window     time.Duration
}

// FindOpportunities reports high-value pending transactions, largest first.
func (o *Oracle) FindOpportunities(ctx context.Context) ([]Opportunity, error) {
	txs, err := o.reader.PendingTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pending transactions: %w", err)
	}

	threshold := o.opts.OpportunityThreshold
	found := make([]Opportunity, 0)
	for _, tx := range txs {
		if tx.To() == nil || tx.Value() == nil {
			continue
		}
		value := decimal.NewFromBigInt(tx.Value(), -18)
		if !value.GreaterThan(threshold) {
			continue
		}

		confidence, _ := value.Div(value.Add(threshold)).Float64()
		found = append(found, Opportunity{
			Kind:       KindBackrun,
			TxHash:     tx.Hash(),
			To:         *tx.To(),
			Value:      value,
			GasPrice:   WeiToGwei(tx.GasPrice()),
			Confidence: confidence,
			Window:     opportunityWindow,
		})
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].Value.GreaterThan(found[j].Value)
	})

	o.logger.Debug().Int("pending", len(txs)).Int("found", len(found)).Msg("pending pool scanned")
	return found, nil
}
