package interfaces

import (
	"context"

	"broker-gateway/internal/types"
)

// Broker is the capability contract every adapter implements. Construction
// is pure; Initialize performs authentication and the first catalog load and
// must succeed before catalog- or session-dependent operations are usable.
// List operations return empty slices, never nil.
type Broker interface {
	Name() string
	Initialize(ctx context.Context, forceRefresh bool) error

	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (types.OrderResult, error)
	CancelAllOrders(ctx context.Context) (types.BulkReport, error)

	ListOrders(ctx context.Context) ([]types.Order, error)
	ListPositions(ctx context.Context) ([]types.Position, error)
	ListHoldings(ctx context.Context) ([]types.Holding, error)

	LTP(ctx context.Context, symbol, exchange string) (float64, error)

	ExitAllPositions(ctx context.Context) (types.BulkReport, error)
	ExitAllPositionsLimit(ctx context.Context, offsetPct float64) (types.BulkReport, error)
	ExitAllPositionsStopLoss(ctx context.Context, slPct float64) (types.BulkReport, error)

	InstrumentDetails(key string) (types.Instrument, error)
	RefreshInstruments(ctx context.Context, force bool) error
}
