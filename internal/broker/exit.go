package broker

import (
	"context"
	"fmt"
	"sync"

	"broker-gateway/internal/types"

	"github.com/shopspring/decimal"
)

// ExitMode selects how a position is flattened.
type ExitMode int

const (
	// ExitMarket submits a plain MARKET order.
	ExitMarket ExitMode = iota
	// ExitLimit submits a LIMIT order priced off the live LTP.
	ExitLimit
	// ExitStopLoss submits an SL-M order triggered off the live LTP.
	ExitStopLoss
)

// ExitParams carries the percentage knobs for the limit and stop-loss modes.
type ExitParams struct {
	Mode      ExitMode
	OffsetPct float64
	SLPct     float64
}

// QuoteFunc returns the last traded price for a position's instrument.
type QuoteFunc func(ctx context.Context, pos types.Position) (float64, error)

// PlaceFunc submits one already-built exit order.
type PlaceFunc func(ctx context.Context, req types.OrderRequest) (types.OrderResult, error)

// BuildExitOrder computes the order that flattens pos: opposite transaction
// type, absolute quantity, the position's own product. Returns ok=false for
// zero-quantity positions, which are skipped rather than submitted.
//
// Sign convention: prices are set to favor a quick fill. The limit price
// sits below LTP for a SELL exit and above it for a BUY exit, and the SL-M
// trigger likewise sits below LTP for a SELL stop and above it for a BUY
// stop.
func BuildExitOrder(pos types.Position, p ExitParams, ltp float64) (types.OrderRequest, bool) {
	if pos.Quantity == 0 {
		return types.OrderRequest{}, false
	}

	side := types.TransactionSell
	qty := pos.Quantity
	if qty < 0 {
		side = types.TransactionBuy
		qty = -qty
	}

	req := types.OrderRequest{
		Symbol:          pos.Symbol,
		SecurityID:      pos.SecurityID,
		Exchange:        pos.Exchange,
		TransactionType: side,
		OrderType:       types.OrderTypeMarket,
		Quantity:        qty,
		Validity:        types.ValidityDay,
		Product:         pos.Product,
	}

	switch p.Mode {
	case ExitLimit:
		req.OrderType = types.OrderTypeLimit
		req.Price = adjustPrice(ltp, p.OffsetPct, side)
	case ExitStopLoss:
		req.OrderType = types.OrderTypeStopLossMarket
		req.TriggerPrice = adjustPrice(ltp, p.SLPct, side)
	}

	return req, true
}

// adjustPrice moves ltp by pct percent toward the side's fill direction and
// rounds half-up at the cent.
func adjustPrice(ltp, pct float64, side string) float64 {
	factor := decimal.NewFromFloat(1 - pct/100)
	if side == types.TransactionBuy {
		factor = decimal.NewFromFloat(1 + pct/100)
	}
	return decimal.NewFromFloat(ltp).Mul(factor).Round(2).InexactFloat64()
}

// ExitAll fans out exit orders for every open position. Each submission runs
// concurrently; per-position failures are captured in the report instead of
// aborting siblings. quote is only consulted for the limit and stop-loss
// modes.
func ExitAll(ctx context.Context, positions []types.Position, p ExitParams, quote QuoteFunc, place PlaceFunc) types.BulkReport {
	report := types.BulkReport{Items: []types.BulkItem{}}

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, pos := range positions {
		if pos.Quantity == 0 {
			report.Skipped++
			continue
		}
		report.Attempted++

		wg.Add(1)
		go func(pos types.Position) {
			defer wg.Done()

			item := types.BulkItem{Key: positionKey(pos)}

			var ltp float64
			if p.Mode != ExitMarket {
				price, err := quote(ctx, pos)
				if err != nil {
					item.Error = fmt.Sprintf("quote: %v", err)
					collect(&mu, &report, item, false)
					return
				}
				ltp = price
			}

			req, ok := BuildExitOrder(pos, p, ltp)
			if !ok {
				return
			}

			res, err := place(ctx, req)
			if err != nil {
				item.Error = err.Error()
				collect(&mu, &report, item, false)
				return
			}
			item.Result = res
			collect(&mu, &report, item, true)
		}(pos)
	}

	wg.Wait()
	return report
}

func positionKey(pos types.Position) string {
	if pos.Symbol != "" {
		return pos.Exchange + ":" + pos.Symbol
	}
	return pos.Exchange + ":" + pos.SecurityID
}

func collect(mu *sync.Mutex, report *types.BulkReport, item types.BulkItem, ok bool) {
	mu.Lock()
	defer mu.Unlock()
	if ok {
		report.Succeeded++
	} else {
		report.Failed++
	}
	report.Items = append(report.Items, item)
}
