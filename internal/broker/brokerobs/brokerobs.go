package brokerobs

import (
	"context"
	"fmt"

	"broker-gateway/internal/interfaces"
	"broker-gateway/internal/logger"
	"broker-gateway/internal/trace"
	"broker-gateway/internal/types"
)

// observableBroker wraps a Broker with observability (logging & tracing)
type observableBroker struct {
	broker interfaces.Broker
}

// Compile-time interface check
var _ interfaces.Broker = (*observableBroker)(nil)

// Wrap wraps a broker adapter with observability middleware
func Wrap(broker interfaces.Broker) interfaces.Broker {
	return &observableBroker{
		broker: broker,
	}
}

func (ob *observableBroker) Name() string {
	return ob.broker.Name()
}

// Initialize runs the adapter's session setup and catalog load with observability
func (ob *observableBroker) Initialize(ctx context.Context, forceRefresh bool) error {
	ctx, span := trace.StartSpan(ctx, "broker.Initialize")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Initializing broker", "broker", ob.broker.Name(), "force_refresh", forceRefresh)

	err := ob.broker.Initialize(ctx, forceRefresh)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to initialize broker", err, "broker", ob.broker.Name())
		return fmt.Errorf("broker initialize failed: %w", err)
	}

	logger.InfoSkip(ctx, 1, "Broker initialized successfully", "broker", ob.broker.Name())
	return nil
}

// PlaceOrder places an order with observability
func (ob *observableBroker) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	ctx, span := trace.StartSpan(ctx, "broker.PlaceOrder")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Placing order",
		"broker", ob.broker.Name(),
		"symbol", req.Symbol,
		"side", req.TransactionType,
		"qty", req.Quantity,
		"order_type", req.OrderType,
	)

	result, err := ob.broker.PlaceOrder(ctx, req)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to place order", err,
			"broker", ob.broker.Name(),
			"symbol", req.Symbol,
			"side", req.TransactionType,
			"qty", req.Quantity,
		)
		return types.OrderResult{}, err
	}

	logger.InfoSkip(ctx, 1, "Order placed successfully",
		"broker", ob.broker.Name(),
		"symbol", req.Symbol,
		"order_id", result.OrderID,
		"status", result.Status,
	)
	return result, nil
}

// CancelOrder cancels one order with observability
func (ob *observableBroker) CancelOrder(ctx context.Context, orderID string) (types.OrderResult, error) {
	ctx, span := trace.StartSpan(ctx, "broker.CancelOrder")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Cancelling order", "broker", ob.broker.Name(), "order_id", orderID)

	result, err := ob.broker.CancelOrder(ctx, orderID)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to cancel order", err, "broker", ob.broker.Name(), "order_id", orderID)
		return types.OrderResult{}, err
	}

	logger.InfoSkip(ctx, 1, "Order cancelled successfully", "broker", ob.broker.Name(), "order_id", orderID, "status", result.Status)
	return result, nil
}

// CancelAllOrders cancels every open order with observability
func (ob *observableBroker) CancelAllOrders(ctx context.Context) (types.BulkReport, error) {
	ctx, span := trace.StartSpan(ctx, "broker.CancelAllOrders")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Cancelling all open orders", "broker", ob.broker.Name())

	report, err := ob.broker.CancelAllOrders(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to cancel all orders", err, "broker", ob.broker.Name())
		return types.BulkReport{}, err
	}

	logger.InfoSkip(ctx, 1, "Cancel-all finished",
		"broker", ob.broker.Name(),
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"skipped", report.Skipped,
	)
	return report, nil
}

// ListOrders lists orders with observability
func (ob *observableBroker) ListOrders(ctx context.Context) ([]types.Order, error) {
	ctx, span := trace.StartSpan(ctx, "broker.ListOrders")
	defer span.End()

	orders, err := ob.broker.ListOrders(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to list orders", err, "broker", ob.broker.Name())
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Orders listed", "broker", ob.broker.Name(), "count", len(orders))
	return orders, nil
}

// ListPositions lists open positions with observability
func (ob *observableBroker) ListPositions(ctx context.Context) ([]types.Position, error) {
	ctx, span := trace.StartSpan(ctx, "broker.ListPositions")
	defer span.End()

	positions, err := ob.broker.ListPositions(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to list positions", err, "broker", ob.broker.Name())
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Positions listed", "broker", ob.broker.Name(), "count", len(positions))
	return positions, nil
}

// ListHoldings lists demat holdings with observability
func (ob *observableBroker) ListHoldings(ctx context.Context) ([]types.Holding, error) {
	ctx, span := trace.StartSpan(ctx, "broker.ListHoldings")
	defer span.End()

	holdings, err := ob.broker.ListHoldings(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to list holdings", err, "broker", ob.broker.Name())
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Holdings listed", "broker", ob.broker.Name(), "count", len(holdings))
	return holdings, nil
}

// LTP returns the last traded price with observability
func (ob *observableBroker) LTP(ctx context.Context, symbol, exchange string) (float64, error) {
	ctx, span := trace.StartSpan(ctx, "broker.LTP")
	defer span.End()

	logger.DebugSkip(ctx, 1, "Fetching LTP", "broker", ob.broker.Name(), "symbol", symbol, "exchange", exchange)

	price, err := ob.broker.LTP(ctx, symbol, exchange)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch LTP", err, "broker", ob.broker.Name(), "symbol", symbol)
		return 0, err
	}

	logger.DebugSkip(ctx, 1, "LTP fetched successfully", "broker", ob.broker.Name(), "symbol", symbol, "price", price)
	return price, nil
}

// ExitAllPositions flattens every open position at market with observability
func (ob *observableBroker) ExitAllPositions(ctx context.Context) (types.BulkReport, error) {
	ctx, span := trace.StartSpan(ctx, "broker.ExitAllPositions")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Exiting all positions at market", "broker", ob.broker.Name())

	report, err := ob.broker.ExitAllPositions(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to exit positions", err, "broker", ob.broker.Name())
		return types.BulkReport{}, err
	}

	logger.InfoSkip(ctx, 1, "Exit-all finished",
		"broker", ob.broker.Name(),
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"skipped", report.Skipped,
	)
	return report, nil
}

// ExitAllPositionsLimit flattens positions with limit orders with observability
func (ob *observableBroker) ExitAllPositionsLimit(ctx context.Context, offsetPct float64) (types.BulkReport, error) {
	ctx, span := trace.StartSpan(ctx, "broker.ExitAllPositionsLimit")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Exiting all positions with limit orders", "broker", ob.broker.Name(), "offset_pct", offsetPct)

	report, err := ob.broker.ExitAllPositionsLimit(ctx, offsetPct)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to exit positions", err, "broker", ob.broker.Name())
		return types.BulkReport{}, err
	}

	logger.InfoSkip(ctx, 1, "Exit-all-limit finished",
		"broker", ob.broker.Name(),
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"skipped", report.Skipped,
	)
	return report, nil
}

// ExitAllPositionsStopLoss flattens positions with stop-loss orders with observability
func (ob *observableBroker) ExitAllPositionsStopLoss(ctx context.Context, slPct float64) (types.BulkReport, error) {
	ctx, span := trace.StartSpan(ctx, "broker.ExitAllPositionsStopLoss")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Exiting all positions with stop-loss orders", "broker", ob.broker.Name(), "sl_pct", slPct)

	report, err := ob.broker.ExitAllPositionsStopLoss(ctx, slPct)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to exit positions", err, "broker", ob.broker.Name())
		return types.BulkReport{}, err
	}

	logger.InfoSkip(ctx, 1, "Exit-all-stop-loss finished",
		"broker", ob.broker.Name(),
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"skipped", report.Skipped,
	)
	return report, nil
}

// InstrumentDetails resolves one instrument from the cached catalog
func (ob *observableBroker) InstrumentDetails(key string) (types.Instrument, error) {
	return ob.broker.InstrumentDetails(key)
}

// RefreshInstruments refreshes the instrument catalog with observability
func (ob *observableBroker) RefreshInstruments(ctx context.Context, force bool) error {
	ctx, span := trace.StartSpan(ctx, "broker.RefreshInstruments")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Refreshing instrument catalog", "broker", ob.broker.Name(), "force", force)

	err := ob.broker.RefreshInstruments(ctx, force)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to refresh instrument catalog", err, "broker", ob.broker.Name())
		return err
	}

	logger.InfoSkip(ctx, 1, "Instrument catalog refreshed", "broker", ob.broker.Name())
	return nil
}
