// Package zerodha adapts the Zerodha Kite Connect API, via the official SDK,
// to the common broker contract.
package zerodha

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"broker-gateway/internal/broker"
	"broker-gateway/internal/catalog"
	"broker-gateway/internal/interfaces"
	"broker-gateway/internal/logger"
	"broker-gateway/internal/types"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

const brokerName = "zerodha"

type Params struct {
	APIKey       string
	APISecret    string
	RequestToken string
	AccessToken  string
}

type Zerodha struct {
	p       Params
	kc      *kiteconnect.Client
	catalog *catalog.Catalog
	authed  bool
}

var _ interfaces.Broker = (*Zerodha)(nil)

// New builds an uninitialized adapter. Initialize performs the session
// exchange and the first catalog load.
func New(p Params, cacheDir string, expiry time.Duration) *Zerodha {
	z := &Zerodha{p: p, kc: kiteconnect.New(p.APIKey)}
	z.catalog = catalog.New(brokerName, cacheDir, expiry, false, z.fetchInstruments)
	return z
}

func (z *Zerodha) Name() string { return brokerName }

// Initialize authenticates and loads the instrument catalog. With an access
// token the token is used as-is; otherwise a short-lived request token plus
// the API secret is exchanged for a session. Failure leaves the adapter
// degraded: catalog operations fail ErrNotLoaded, the rest ErrUnauthenticated.
func (z *Zerodha) Initialize(ctx context.Context, forceRefresh bool) error {
	switch {
	case z.p.AccessToken != "":
		z.kc.SetAccessToken(z.p.AccessToken)
	case z.p.RequestToken != "" && z.p.APISecret != "":
		sess, err := z.kc.GenerateSession(z.p.RequestToken, z.p.APISecret)
		if err != nil {
			return fmt.Errorf("%w: session exchange: %v", broker.ErrUnauthenticated, err)
		}
		z.kc.SetAccessToken(sess.AccessToken)
	default:
		return fmt.Errorf("%w: need an access token or a request token + API secret", broker.ErrUnauthenticated)
	}
	z.authed = true

	return z.catalog.Refresh(ctx, forceRefresh)
}

func (z *Zerodha) fetchInstruments(ctx context.Context) ([]types.Instrument, error) {
	dump, err := z.kc.GetInstruments()
	if err != nil {
		return nil, err
	}

	instruments := make([]types.Instrument, 0, len(dump))
	for _, in := range dump {
		instruments = append(instruments, types.Instrument{
			Symbol:         in.Tradingsymbol,
			Exchange:       in.Exchange,
			SecurityID:     strconv.Itoa(in.InstrumentToken),
			ExchangeToken:  int64(in.ExchangeToken),
			Name:           in.Name,
			Segment:        in.Segment,
			InstrumentType: in.InstrumentType,
			LotSize:        int(in.LotSize),
			TickSize:       in.TickSize,
		})
	}
	return instruments, nil
}

// Kite vocabulary. Unrecognized inputs coerce to the defaults (MIS, MARKET,
// DAY) rather than failing; the coercion is logged.
var (
	productMap = map[string]string{
		types.ProductIntraday: kiteconnect.ProductMIS,
		types.ProductDelivery: kiteconnect.ProductCNC,
		types.ProductMargin:   kiteconnect.ProductNRML,
		types.ProductNormal:   kiteconnect.ProductNRML,
	}
	orderTypeMap = map[string]string{
		types.OrderTypeMarket:         kiteconnect.OrderTypeMarket,
		types.OrderTypeLimit:          kiteconnect.OrderTypeLimit,
		types.OrderTypeStopLoss:       kiteconnect.OrderTypeSL,
		types.OrderTypeStopLossMarket: kiteconnect.OrderTypeSLM,
	}
	validityMap = map[string]string{
		types.ValidityDay: kiteconnect.ValidityDay,
		types.ValidityIOC: kiteconnect.ValidityIOC,
	}

	// Statuses that mean an order is still live on the exchange.
	openStatuses = []string{"OPEN", "TRIGGER PENDING", "AMO REQ RECEIVED", "MODIFY PENDING", "OPEN PENDING"}
)

func (z *Zerodha) ensureAuthed() error {
	if !z.authed {
		return fmt.Errorf("%s: %w", brokerName, broker.ErrUnauthenticated)
	}
	return nil
}

func mapWithDefault(ctx context.Context, table map[string]string, key, def, what string) string {
	if key == "" {
		return def
	}
	if v, ok := table[key]; ok {
		return v
	}
	logger.Warn(ctx, "Unrecognized value coerced to default", "broker", brokerName, "field", what, "value", key, "default", def)
	return def
}

func (z *Zerodha) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return types.OrderResult{}, err
	}
	if err := z.ensureAuthed(); err != nil {
		return types.OrderResult{}, err
	}

	symbol, exchange := req.Symbol, req.Exchange
	if req.SecurityID == "" {
		in, err := z.catalog.Lookup(req.Symbol)
		if err != nil {
			return types.OrderResult{}, err
		}
		symbol = in.Symbol
		if exchange == "" {
			exchange = in.Exchange
		}
	}
	if exchange == "" {
		exchange = "NSE"
	}

	orderType := mapWithDefault(ctx, orderTypeMap, req.OrderType, kiteconnect.OrderTypeMarket, "order_type")

	params := kiteconnect.OrderParams{
		Exchange:        exchange,
		Tradingsymbol:   symbol,
		TransactionType: req.TransactionType,
		OrderType:       orderType,
		Quantity:        req.Quantity,
		Product:         mapWithDefault(ctx, productMap, req.Product, kiteconnect.ProductMIS, "product"),
		Validity:        mapWithDefault(ctx, validityMap, req.Validity, kiteconnect.ValidityDay, "validity"),
		Tag:             req.Tag,
	}
	if req.Price > 0 && (orderType == kiteconnect.OrderTypeLimit || orderType == kiteconnect.OrderTypeSL) {
		params.Price = req.Price
	}
	if req.TriggerPrice > 0 && (orderType == kiteconnect.OrderTypeSL || orderType == kiteconnect.OrderTypeSLM) {
		params.TriggerPrice = req.TriggerPrice
	}

	resp, err := z.kc.PlaceOrder(kiteconnect.VarietyRegular, params)
	if err != nil {
		return types.OrderResult{}, &broker.RejectionError{Broker: brokerName, Op: "place", Detail: err.Error()}
	}

	result := types.OrderResult{OrderID: resp.OrderID, Status: "PLACED", Message: "ok"}
	logger.OrderEvent(ctx, brokerName, "place", symbol, result.OrderID, result.Status)
	return result, nil
}

func (z *Zerodha) CancelOrder(ctx context.Context, orderID string) (types.OrderResult, error) {
	if err := z.ensureAuthed(); err != nil {
		return types.OrderResult{}, err
	}
	resp, err := z.kc.CancelOrder(kiteconnect.VarietyRegular, orderID, nil)
	if err != nil {
		return types.OrderResult{}, &broker.RejectionError{Broker: brokerName, Op: "cancel", Detail: err.Error()}
	}

	result := types.OrderResult{OrderID: resp.OrderID, Status: "CANCELLED", Message: "ok"}
	logger.OrderEvent(ctx, brokerName, "cancel", "", result.OrderID, result.Status)
	return result, nil
}

func (z *Zerodha) CancelAllOrders(ctx context.Context) (types.BulkReport, error) {
	orders, err := z.ListOrders(ctx)
	if err != nil {
		return types.BulkReport{}, err
	}

	report := broker.CancelAll(ctx, orders, openStatuses, z.CancelOrder)
	logger.BulkEvent(ctx, brokerName, "cancel-all", report.Attempted, report.Succeeded, report.Failed, report.Skipped)
	return report, nil
}

func (z *Zerodha) ListOrders(ctx context.Context) ([]types.Order, error) {
	if err := z.ensureAuthed(); err != nil {
		return nil, err
	}
	raw, err := z.kc.GetOrders()
	if err != nil {
		return nil, &broker.TransportError{Broker: brokerName, Err: err}
	}

	orders := make([]types.Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, types.Order{
			OrderID:         o.OrderID,
			Status:          o.Status,
			Symbol:          o.TradingSymbol,
			Exchange:        o.Exchange,
			TransactionType: o.TransactionType,
			OrderType:       o.OrderType,
			Product:         o.Product,
			Quantity:        int(o.Quantity),
			Price:           o.Price,
			TriggerPrice:    o.TriggerPrice,
			AveragePrice:    o.AveragePrice,
			Message:         o.StatusMessage,
		})
	}
	return orders, nil
}

func (z *Zerodha) ListPositions(ctx context.Context) ([]types.Position, error) {
	if err := z.ensureAuthed(); err != nil {
		return nil, err
	}
	raw, err := z.kc.GetPositions()
	if err != nil {
		return nil, &broker.TransportError{Broker: brokerName, Err: err}
	}

	positions := make([]types.Position, 0, len(raw.Net))
	for _, p := range raw.Net {
		positions = append(positions, types.Position{
			Symbol:       p.Tradingsymbol,
			SecurityID:   strconv.FormatUint(uint64(p.InstrumentToken), 10),
			Exchange:     p.Exchange,
			Quantity:     p.Quantity,
			Product:      p.Product,
			AveragePrice: p.AveragePrice,
			LastPrice:    p.LastPrice,
		})
	}
	return positions, nil
}

func (z *Zerodha) ListHoldings(ctx context.Context) ([]types.Holding, error) {
	if err := z.ensureAuthed(); err != nil {
		return nil, err
	}
	raw, err := z.kc.GetHoldings()
	if err != nil {
		return nil, &broker.TransportError{Broker: brokerName, Err: err}
	}

	holdings := make([]types.Holding, 0, len(raw))
	for _, h := range raw {
		holdings = append(holdings, types.Holding{
			Symbol:       h.Tradingsymbol,
			Exchange:     h.Exchange,
			ISIN:         h.ISIN,
			Quantity:     h.Quantity,
			AveragePrice: h.AveragePrice,
			LastPrice:    h.LastPrice,
		})
	}
	return holdings, nil
}

func (z *Zerodha) LTP(ctx context.Context, symbol, exchange string) (float64, error) {
	if exchange == "" {
		exchange = "NSE"
	}
	key := exchange + ":" + symbol

	if err := z.ensureAuthed(); err != nil {
		return 0, err
	}
	quotes, err := z.kc.GetLTP(key)
	if err != nil {
		return 0, &broker.TransportError{Broker: brokerName, Err: err}
	}
	q, ok := quotes[key]
	if !ok {
		return 0, fmt.Errorf("%s: no quote for %s: %w", brokerName, key, broker.ErrInstrumentNotFound)
	}
	return q.LastPrice, nil
}

func (z *Zerodha) ExitAllPositions(ctx context.Context) (types.BulkReport, error) {
	return z.exitAll(ctx, broker.ExitParams{Mode: broker.ExitMarket})
}

func (z *Zerodha) ExitAllPositionsLimit(ctx context.Context, offsetPct float64) (types.BulkReport, error) {
	return z.exitAll(ctx, broker.ExitParams{Mode: broker.ExitLimit, OffsetPct: offsetPct})
}

func (z *Zerodha) ExitAllPositionsStopLoss(ctx context.Context, slPct float64) (types.BulkReport, error) {
	if slPct == 0 {
		slPct = 1
	}
	return z.exitAll(ctx, broker.ExitParams{Mode: broker.ExitStopLoss, SLPct: slPct})
}

func (z *Zerodha) exitAll(ctx context.Context, p broker.ExitParams) (types.BulkReport, error) {
	positions, err := z.ListPositions(ctx)
	if err != nil {
		return types.BulkReport{}, err
	}

	quote := func(ctx context.Context, pos types.Position) (float64, error) {
		return z.LTP(ctx, pos.Symbol, pos.Exchange)
	}
	report := broker.ExitAll(ctx, positions, p, quote, z.PlaceOrder)
	logger.BulkEvent(ctx, brokerName, "exit-all", report.Attempted, report.Succeeded, report.Failed, report.Skipped)
	return report, nil
}

func (z *Zerodha) InstrumentDetails(key string) (types.Instrument, error) {
	return z.catalog.Lookup(key)
}

func (z *Zerodha) RefreshInstruments(ctx context.Context, force bool) error {
	if !z.authed {
		return broker.ErrUnauthenticated
	}
	return z.catalog.Refresh(ctx, force)
}
