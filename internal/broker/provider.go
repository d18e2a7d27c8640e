package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"broker-gateway/internal/interfaces"
	"broker-gateway/internal/logger"
	"broker-gateway/internal/types"
)

// Provider is the broker-agnostic facade. It keeps one live adapter per
// broker name and delegates every operation to the adapter the caller names.
// There is no cross-broker aggregation: a caller wanting "exit everything
// everywhere" loops over Names() and handles partial failure per broker.
//
// The registry is written at configuration time and read thereafter.
type Provider struct {
	mu       sync.RWMutex
	adapters map[string]interfaces.Broker
}

func NewProvider() *Provider {
	return &Provider{adapters: make(map[string]interfaces.Broker)}
}

// Register initializes the adapter (session exchange plus first catalog
// load) and stores it under its name, overwriting any prior entry. A failed
// initialization leaves the name unregistered, no partial entries.
func (p *Provider) Register(ctx context.Context, b interfaces.Broker, forceRefresh bool) error {
	name := b.Name()

	if err := b.Initialize(ctx, forceRefresh); err != nil {
		logger.ErrorWithErr(ctx, "Broker initialization failed, leaving unregistered", err, "broker", name)
		return fmt.Errorf("register %s: %w", name, err)
	}

	p.mu.Lock()
	p.adapters[name] = b
	p.mu.Unlock()

	logger.Info(ctx, "Broker registered", "broker", name)
	return nil
}

// Adapter resolves a registered broker by name.
func (p *Provider) Adapter(name string) (interfaces.Broker, error) {
	p.mu.RLock()
	b, ok := p.adapters[name]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrBrokerNotRegistered)
	}
	return b, nil
}

// Names returns the registered broker names, sorted.
func (p *Provider) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.adapters))
	for name := range p.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Provider) PlaceOrder(ctx context.Context, name string, req types.OrderRequest) (types.OrderResult, error) {
	b, err := p.Adapter(name)
	if err != nil {
		return types.OrderResult{}, err
	}
	return b.PlaceOrder(ctx, req)
}

func (p *Provider) CancelOrder(ctx context.Context, name, orderID string) (types.OrderResult, error) {
	b, err := p.Adapter(name)
	if err != nil {
		return types.OrderResult{}, err
	}
	return b.CancelOrder(ctx, orderID)
}

func (p *Provider) CancelAllOrders(ctx context.Context, name string) (types.BulkReport, error) {
	b, err := p.Adapter(name)
	if err != nil {
		return types.BulkReport{}, err
	}
	return b.CancelAllOrders(ctx)
}

func (p *Provider) ListOrders(ctx context.Context, name string) ([]types.Order, error) {
	b, err := p.Adapter(name)
	if err != nil {
		return nil, err
	}
	return b.ListOrders(ctx)
}

func (p *Provider) ListPositions(ctx context.Context, name string) ([]types.Position, error) {
	b, err := p.Adapter(name)
	if err != nil {
		return nil, err
	}
	return b.ListPositions(ctx)
}

func (p *Provider) ListHoldings(ctx context.Context, name string) ([]types.Holding, error) {
	b, err := p.Adapter(name)
	if err != nil {
		return nil, err
	}
	return b.ListHoldings(ctx)
}

func (p *Provider) LTP(ctx context.Context, name, symbol, exchange string) (float64, error) {
	b, err := p.Adapter(name)
	if err != nil {
		return 0, err
	}
	return b.LTP(ctx, symbol, exchange)
}

func (p *Provider) ExitAllPositions(ctx context.Context, name string) (types.BulkReport, error) {
	b, err := p.Adapter(name)
	if err != nil {
		return types.BulkReport{}, err
	}
	return b.ExitAllPositions(ctx)
}

func (p *Provider) ExitAllPositionsLimit(ctx context.Context, name string, offsetPct float64) (types.BulkReport, error) {
	b, err := p.Adapter(name)
	if err != nil {
		return types.BulkReport{}, err
	}
	return b.ExitAllPositionsLimit(ctx, offsetPct)
}

func (p *Provider) ExitAllPositionsStopLoss(ctx context.Context, name string, slPct float64) (types.BulkReport, error) {
	b, err := p.Adapter(name)
	if err != nil {
		return types.BulkReport{}, err
	}
	return b.ExitAllPositionsStopLoss(ctx, slPct)
}

func (p *Provider) InstrumentDetails(name, key string) (types.Instrument, error) {
	b, err := p.Adapter(name)
	if err != nil {
		return types.Instrument{}, err
	}
	return b.InstrumentDetails(key)
}

func (p *Provider) RefreshInstruments(ctx context.Context, name string, force bool) error {
	b, err := p.Adapter(name)
	if err != nil {
		return err
	}
	return b.RefreshInstruments(ctx, force)
}
