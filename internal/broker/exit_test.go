package broker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"broker-gateway/internal/types"
)

func TestBuildExitOrderSkipsZeroQuantity(t *testing.T) {
	_, ok := BuildExitOrder(types.Position{Symbol: "RELIANCE", Quantity: 0}, ExitParams{Mode: ExitMarket}, 0)
	if ok {
		t.Error("Expected zero-quantity position to be skipped")
	}
}

func TestBuildExitOrderMarket(t *testing.T) {
	pos := types.Position{Symbol: "RELIANCE", Exchange: "NSE", Quantity: 10, Product: "MIS"}

	req, ok := BuildExitOrder(pos, ExitParams{Mode: ExitMarket}, 0)
	if !ok {
		t.Fatal("Expected an exit order for a long position")
	}
	if req.TransactionType != types.TransactionSell {
		t.Errorf("Expected SELL exit for a long position, got %s", req.TransactionType)
	}
	if req.Quantity != 10 {
		t.Errorf("Expected quantity 10, got %d", req.Quantity)
	}
	if req.OrderType != types.OrderTypeMarket {
		t.Errorf("Expected MARKET order type, got %s", req.OrderType)
	}
	if req.Product != "MIS" {
		t.Errorf("Expected product MIS carried over, got %s", req.Product)
	}
}

func TestBuildExitOrderShortPosition(t *testing.T) {
	pos := types.Position{Symbol: "SBIN", Exchange: "NSE", Quantity: -25}

	req, ok := BuildExitOrder(pos, ExitParams{Mode: ExitMarket}, 0)
	if !ok {
		t.Fatal("Expected an exit order for a short position")
	}
	if req.TransactionType != types.TransactionBuy {
		t.Errorf("Expected BUY exit for a short position, got %s", req.TransactionType)
	}
	if req.Quantity != 25 {
		t.Errorf("Expected absolute quantity 25, got %d", req.Quantity)
	}
}

func TestBuildExitOrderLimitPricing(t *testing.T) {
	long := types.Position{Symbol: "TCS", Exchange: "NSE", Quantity: 5}
	req, _ := BuildExitOrder(long, ExitParams{Mode: ExitLimit, OffsetPct: 0.5}, 100)
	if req.OrderType != types.OrderTypeLimit {
		t.Errorf("Expected LIMIT order type, got %s", req.OrderType)
	}
	// SELL exit prices below LTP for a quick fill
	if req.Price != 99.50 {
		t.Errorf("Expected SELL limit 99.50, got %.2f", req.Price)
	}

	short := types.Position{Symbol: "TCS", Exchange: "NSE", Quantity: -5}
	req, _ = BuildExitOrder(short, ExitParams{Mode: ExitLimit, OffsetPct: 0.5}, 100)
	if req.Price != 100.50 {
		t.Errorf("Expected BUY limit 100.50, got %.2f", req.Price)
	}
}

func TestBuildExitOrderStopLossPricing(t *testing.T) {
	long := types.Position{Symbol: "INFY", Exchange: "NSE", Quantity: 8}
	req, _ := BuildExitOrder(long, ExitParams{Mode: ExitStopLoss, SLPct: 1}, 200)
	if req.OrderType != types.OrderTypeStopLossMarket {
		t.Errorf("Expected SL-M order type, got %s", req.OrderType)
	}
	if req.TriggerPrice != 198.00 {
		t.Errorf("Expected SELL trigger 198.00, got %.2f", req.TriggerPrice)
	}
	if req.Price != 0 {
		t.Errorf("Expected no limit price on an SL-M exit, got %.2f", req.Price)
	}

	short := types.Position{Symbol: "INFY", Exchange: "NSE", Quantity: -8}
	req, _ = BuildExitOrder(short, ExitParams{Mode: ExitStopLoss, SLPct: 1}, 200)
	if req.TriggerPrice != 202.00 {
		t.Errorf("Expected BUY trigger 202.00, got %.2f", req.TriggerPrice)
	}
}

func TestAdjustPriceRoundsHalfUp(t *testing.T) {
	// 200.01 * 0.995 = 199.00995 -> 199.01
	got := adjustPrice(200.01, 0.5, types.TransactionSell)
	if got != 199.01 {
		t.Errorf("Expected 199.01, got %v", got)
	}

	// Exact half at the cent rounds up
	got = adjustPrice(100.005, 0, types.TransactionSell)
	if got != 100.01 {
		t.Errorf("Expected 100.01, got %v", got)
	}
}

func TestExitAllSkipsFlatAndSubmitsOpen(t *testing.T) {
	positions := []types.Position{
		{Symbol: "FLAT", Exchange: "NSE", Quantity: 0},
		{Symbol: "LONG", Exchange: "NSE", Quantity: 10},
	}

	var mu sync.Mutex
	var placed []types.OrderRequest
	place := func(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
		mu.Lock()
		defer mu.Unlock()
		placed = append(placed, req)
		return types.OrderResult{OrderID: "1", Status: "OPEN"}, nil
	}
	quote := func(ctx context.Context, pos types.Position) (float64, error) {
		t.Error("Quote should not be consulted for a market exit")
		return 0, nil
	}

	report := ExitAll(context.Background(), positions, ExitParams{Mode: ExitMarket}, quote, place)

	if report.Attempted != 1 {
		t.Errorf("Expected 1 attempted, got %d", report.Attempted)
	}
	if report.Skipped != 1 {
		t.Errorf("Expected 1 skipped, got %d", report.Skipped)
	}
	if report.Succeeded != 1 {
		t.Errorf("Expected 1 succeeded, got %d", report.Succeeded)
	}
	if len(placed) != 1 {
		t.Fatalf("Expected 1 order placed, got %d", len(placed))
	}
	if placed[0].TransactionType != types.TransactionSell || placed[0].Quantity != 10 {
		t.Errorf("Expected SELL 10, got %s %d", placed[0].TransactionType, placed[0].Quantity)
	}
}

func TestExitAllCollectsPerPositionFailures(t *testing.T) {
	positions := []types.Position{
		{Symbol: "GOOD", Exchange: "NSE", Quantity: 5},
		{Symbol: "BAD", Exchange: "NSE", Quantity: 5},
	}

	place := func(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
		if req.Symbol == "BAD" {
			return types.OrderResult{}, errors.New("margin shortfall")
		}
		return types.OrderResult{OrderID: "2", Status: "OPEN"}, nil
	}

	report := ExitAll(context.Background(), positions, ExitParams{Mode: ExitMarket}, nil, place)

	if report.Attempted != 2 {
		t.Errorf("Expected 2 attempted, got %d", report.Attempted)
	}
	if report.Succeeded != 1 {
		t.Errorf("Expected 1 succeeded, got %d", report.Succeeded)
	}
	if report.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", report.Failed)
	}

	var foundErr bool
	for _, item := range report.Items {
		if item.Error != "" {
			foundErr = true
			if item.Key != "NSE:BAD" {
				t.Errorf("Expected failing key NSE:BAD, got %s", item.Key)
			}
		}
	}
	if !foundErr {
		t.Error("Expected the failing position to appear in the report items")
	}
}

func TestExitAllQuoteFailureDoesNotPlace(t *testing.T) {
	positions := []types.Position{{Symbol: "X", Exchange: "NSE", Quantity: 1}}

	quote := func(ctx context.Context, pos types.Position) (float64, error) {
		return 0, errors.New("feed down")
	}
	place := func(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
		t.Error("Order should not be placed when the quote fails")
		return types.OrderResult{}, nil
	}

	report := ExitAll(context.Background(), positions, ExitParams{Mode: ExitLimit, OffsetPct: 0.5}, quote, place)

	if report.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", report.Failed)
	}
	if len(report.Items) != 1 || report.Items[0].Error == "" {
		t.Fatal("Expected the quote failure recorded on the item")
	}
}
