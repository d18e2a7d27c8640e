// Package dhan adapts the Dhan v2 REST API to the common broker contract.
// Auth is a long-lived access token sent on every request; the instrument
// catalog is assembled from per-segment downloads.
package dhan

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"broker-gateway/internal/api"
	"broker-gateway/internal/broker"
	"broker-gateway/internal/catalog"
	"broker-gateway/internal/interfaces"
	"broker-gateway/internal/logger"
	"broker-gateway/internal/types"
)

const (
	brokerName = "dhan"
	baseURL    = "https://api.dhan.co/v2"
)

// Catalog segments downloaded on refresh, one request each.
var segments = []string{"NSE_EQ", "NSE_FNO", "BSE_EQ", "MCX_COMM"}

type Params struct {
	ClientID    string
	AccessToken string
}

type Dhan struct {
	p       Params
	client  *api.Client
	catalog *catalog.Catalog
	authed  bool
}

var _ interfaces.Broker = (*Dhan)(nil)

func New(p Params, cacheDir string, expiry time.Duration) *Dhan {
	d := &Dhan{
		p: p,
		client: api.NewClient(
			api.WithBaseURL(baseURL),
			api.WithHeader("Accept", "application/json"),
			api.WithHeader("access-token", p.AccessToken),
			api.WithHeader("client-id", p.ClientID),
			api.WithLogging(true),
		),
	}
	d.catalog = catalog.New(brokerName, cacheDir, expiry, false, d.fetchInstruments)
	return d
}

func (d *Dhan) Name() string { return brokerName }

func (d *Dhan) Initialize(ctx context.Context, forceRefresh bool) error {
	if d.p.ClientID == "" || d.p.AccessToken == "" {
		return fmt.Errorf("%w: dhan needs a client id and access token", broker.ErrUnauthenticated)
	}
	d.authed = true

	return d.catalog.Refresh(ctx, forceRefresh)
}

func (d *Dhan) ensureAuthed() error {
	if !d.authed {
		return fmt.Errorf("%s: %w", brokerName, broker.ErrUnauthenticated)
	}
	return nil
}

// Wire shapes

type dhanInstrument struct {
	SecurityID     string  `json:"securityId"`
	TradingSymbol  string  `json:"tradingSymbol"`
	ExchangeToken  int64   `json:"exchangeToken"`
	Name           string  `json:"name"`
	Segment        string  `json:"exchangeSegment"`
	InstrumentType string  `json:"instrumentType"`
	LotSize        int     `json:"lotSize"`
	TickSize       float64 `json:"tickSize"`
}

type dhanOrderResponse struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
}

type dhanOrder struct {
	OrderID         string  `json:"orderId"`
	OrderStatus     string  `json:"orderStatus"`
	TradingSymbol   string  `json:"tradingSymbol"`
	SecurityID      string  `json:"securityId"`
	ExchangeSegment string  `json:"exchangeSegment"`
	TransactionType string  `json:"transactionType"`
	OrderType       string  `json:"orderType"`
	ProductType     string  `json:"productType"`
	Quantity        int     `json:"quantity"`
	Price           float64 `json:"price"`
	TriggerPrice    float64 `json:"triggerPrice"`
	AveragePrice    float64 `json:"averageTradedPrice"`
	OmsErrorDesc    string  `json:"omsErrorDescription"`
}

type dhanPosition struct {
	TradingSymbol   string  `json:"tradingSymbol"`
	SecurityID      string  `json:"securityId"`
	ExchangeSegment string  `json:"exchangeSegment"`
	ProductType     string  `json:"productType"`
	NetQty          int     `json:"netQty"`
	BuyAvg          float64 `json:"buyAvg"`
}

type dhanHolding struct {
	TradingSymbol string  `json:"tradingSymbol"`
	Exchange      string  `json:"exchange"`
	ISIN          string  `json:"isin"`
	TotalQty      int     `json:"totalQty"`
	AvgCostPrice  float64 `json:"avgCostPrice"`
	LastPrice     float64 `json:"lastTradedPrice"`
}

func (d *Dhan) fetchInstruments(ctx context.Context) ([]types.Instrument, error) {
	var all []types.Instrument
	for _, segment := range segments {
		resp, err := d.client.GET(ctx, "/instrument/"+segment)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", segment, err)
		}

		var rows []dhanInstrument
		if err := resp.ParseJSON(&rows); err != nil {
			return nil, fmt.Errorf("segment %s: %w", segment, err)
		}
		for _, r := range rows {
			all = append(all, types.Instrument{
				Symbol:         r.TradingSymbol,
				Exchange:       r.Segment,
				SecurityID:     r.SecurityID,
				ExchangeToken:  r.ExchangeToken,
				Name:           r.Name,
				Segment:        r.Segment,
				InstrumentType: r.InstrumentType,
				LotSize:        r.LotSize,
				TickSize:       r.TickSize,
			})
		}
	}
	return all, nil
}

// Dhan vocabulary. Unrecognized inputs coerce to the defaults (INTRADAY,
// MARKET, DAY) rather than failing; the coercion is logged.
var (
	productMap = map[string]string{
		types.ProductIntraday: "INTRADAY",
		types.ProductDelivery: "CNC",
		types.ProductMargin:   "MARGIN",
		types.ProductNormal:   "MARGIN",
	}
	orderTypeMap = map[string]string{
		types.OrderTypeMarket:         "MARKET",
		types.OrderTypeLimit:          "LIMIT",
		types.OrderTypeStopLoss:       "STOP_LOSS",
		types.OrderTypeStopLossMarket: "STOP_LOSS_MARKET",
	}
	validityMap = map[string]string{
		types.ValidityDay: "DAY",
		types.ValidityIOC: "IOC",
	}
	segmentMap = map[string]string{
		"NSE": "NSE_EQ",
		"BSE": "BSE_EQ",
		"NFO": "NSE_FNO",
		"BFO": "BSE_FNO",
		"MCX": "MCX_COMM",
	}

	openStatuses = []string{"TRANSIT", "PENDING", "PART_TRADED"}
)

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

// exchangeSegment maps a broker-agnostic exchange to Dhan's segment naming.
// Values that already look like a Dhan segment pass through.
func exchangeSegment(ctx context.Context, exchange string) string {
	if exchange == "" {
		return "NSE_EQ"
	}
	if v, ok := segmentMap[exchange]; ok {
		return v
	}
	for _, s := range segments {
		if exchange == s {
			return exchange
		}
	}
	logger.Warn(ctx, "Unrecognized exchange coerced to default", "broker", brokerName, "value", exchange, "default", "NSE_EQ")
	return "NSE_EQ"
}

func (d *Dhan) resolveSecurityID(req types.OrderRequest) (string, string, error) {
	if req.SecurityID != "" {
		return req.SecurityID, req.Exchange, nil
	}
	in, err := d.catalog.Lookup(req.Symbol)
	if err != nil {
		return "", "", err
	}
	exchange := req.Exchange
	if exchange == "" {
		exchange = in.Exchange
	}
	return in.SecurityID, exchange, nil
}

func (d *Dhan) wrapErr(op string, err error) error {
	var httpErr *api.HTTPError
	if errors.As(err, &httpErr) {
		return &broker.RejectionError{Broker: brokerName, Op: op, Detail: string(httpErr.Body)}
	}
	return &broker.TransportError{Broker: brokerName, Err: err}
}

func (d *Dhan) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return types.OrderResult{}, err
	}
	if err := d.ensureAuthed(); err != nil {
		return types.OrderResult{}, err
	}

	securityID, exchange, err := d.resolveSecurityID(req)
	if err != nil {
		return types.OrderResult{}, err
	}

	orderType := mapWithDefault(ctx, orderTypeMap, req.OrderType, "MARKET", "order_type")

	body := map[string]interface{}{
		"dhanClientId":    d.p.ClientID,
		"transactionType": req.TransactionType,
		"exchangeSegment": exchangeSegment(ctx, exchange),
		"productType":     mapWithDefault(ctx, productMap, req.Product, "INTRADAY", "product"),
		"orderType":       orderType,
		"validity":        mapWithDefault(ctx, validityMap, req.Validity, "DAY", "validity"),
		"securityId":      securityID,
		"quantity":        req.Quantity,
	}
	if req.Price > 0 && (orderType == "LIMIT" || orderType == "STOP_LOSS") {
		body["price"] = req.Price
	}
	if req.TriggerPrice > 0 && (orderType == "STOP_LOSS" || orderType == "STOP_LOSS_MARKET") {
		body["triggerPrice"] = req.TriggerPrice
	}

	resp, err := d.client.POST(ctx, "/orders", body)
	if err != nil {
		return types.OrderResult{}, d.wrapErr("place", err)
	}

	var out dhanOrderResponse
	if err := resp.ParseJSON(&out); err != nil {
		return types.OrderResult{}, &broker.TransportError{Broker: brokerName, Err: err}
	}

	result := types.OrderResult{OrderID: out.OrderID, Status: out.OrderStatus, Message: "ok"}
	logger.OrderEvent(ctx, brokerName, "place", req.Symbol, result.OrderID, result.Status)
	return result, nil
}

func (d *Dhan) CancelOrder(ctx context.Context, orderID string) (types.OrderResult, error) {
	if err := d.ensureAuthed(); err != nil {
		return types.OrderResult{}, err
	}

	resp, err := d.client.DELETE(ctx, "/orders/"+orderID)
	if err != nil {
		var httpErr *api.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == 404 {
			return types.OrderResult{}, fmt.Errorf("%s: %s: %w", brokerName, orderID, broker.ErrOrderNotFound)
		}
		return types.OrderResult{}, d.wrapErr("cancel", err)
	}

	var out dhanOrderResponse
	if err := resp.ParseJSON(&out); err != nil {
		return types.OrderResult{}, &broker.TransportError{Broker: brokerName, Err: err}
	}

	result := types.OrderResult{OrderID: out.OrderID, Status: out.OrderStatus, Message: "ok"}
	logger.OrderEvent(ctx, brokerName, "cancel", "", result.OrderID, result.Status)
	return result, nil
}

func (d *Dhan) CancelAllOrders(ctx context.Context) (types.BulkReport, error) {
	orders, err := d.ListOrders(ctx)
	if err != nil {
		return types.BulkReport{}, err
	}

	report := broker.CancelAll(ctx, orders, openStatuses, d.CancelOrder)
	logger.BulkEvent(ctx, brokerName, "cancel-all", report.Attempted, report.Succeeded, report.Failed, report.Skipped)
	return report, nil
}

func (d *Dhan) ListOrders(ctx context.Context) ([]types.Order, error) {
	if err := d.ensureAuthed(); err != nil {
		return nil, err
	}

	resp, err := d.client.GET(ctx, "/orders")
	if err != nil {
		return nil, d.wrapErr("list orders", err)
	}

	var raw []dhanOrder
	if err := resp.ParseJSON(&raw); err != nil {
		return nil, &broker.TransportError{Broker: brokerName, Err: err}
	}

	orders := make([]types.Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, types.Order{
			OrderID:         o.OrderID,
			Status:          o.OrderStatus,
			Symbol:          o.TradingSymbol,
			SecurityID:      o.SecurityID,
			Exchange:        o.ExchangeSegment,
			TransactionType: o.TransactionType,
			OrderType:       o.OrderType,
			Product:         o.ProductType,
			Quantity:        o.Quantity,
			Price:           o.Price,
			TriggerPrice:    o.TriggerPrice,
			AveragePrice:    o.AveragePrice,
			Message:         o.OmsErrorDesc,
		})
	}
	return orders, nil
}

func (d *Dhan) ListPositions(ctx context.Context) ([]types.Position, error) {
	if err := d.ensureAuthed(); err != nil {
		return nil, err
	}

	resp, err := d.client.GET(ctx, "/positions")
	if err != nil {
		return nil, d.wrapErr("list positions", err)
	}

	var raw []dhanPosition
	if err := resp.ParseJSON(&raw); err != nil {
		return nil, &broker.TransportError{Broker: brokerName, Err: err}
	}

	positions := make([]types.Position, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, types.Position{
			Symbol:       p.TradingSymbol,
			SecurityID:   p.SecurityID,
			Exchange:     p.ExchangeSegment,
			Quantity:     p.NetQty,
			Product:      p.ProductType,
			AveragePrice: p.BuyAvg,
		})
	}
	return positions, nil
}

func (d *Dhan) ListHoldings(ctx context.Context) ([]types.Holding, error) {
	if err := d.ensureAuthed(); err != nil {
		return nil, err
	}

	resp, err := d.client.GET(ctx, "/holdings")
	if err != nil {
		return nil, d.wrapErr("list holdings", err)
	}

	var raw []dhanHolding
	if err := resp.ParseJSON(&raw); err != nil {
		return nil, &broker.TransportError{Broker: brokerName, Err: err}
	}

	holdings := make([]types.Holding, 0, len(raw))
	for _, h := range raw {
		holdings = append(holdings, types.Holding{
			Symbol:       h.TradingSymbol,
			Exchange:     h.Exchange,
			ISIN:         h.ISIN,
			Quantity:     h.TotalQty,
			AveragePrice: h.AvgCostPrice,
			LastPrice:    h.LastPrice,
		})
	}
	return holdings, nil
}

// LTP resolves symbol to a security id through the catalog and asks the
// market feed for its last traded price.
func (d *Dhan) LTP(ctx context.Context, symbol, exchange string) (float64, error) {
	if err := d.ensureAuthed(); err != nil {
		return 0, err
	}

	in, err := d.catalog.Lookup(symbol)
	if err != nil {
		return 0, err
	}
	return d.ltpBySecurityID(ctx, in.SecurityID, exchangeSegment(ctx, exchange))
}

func (d *Dhan) ltpBySecurityID(ctx context.Context, securityID, segment string) (float64, error) {
	id, err := strconv.Atoi(securityID)
	if err != nil {
		return 0, fmt.Errorf("%s: security id %q is not numeric: %w", brokerName, securityID, broker.ErrInstrumentNotFound)
	}

	resp, err := d.client.POST(ctx, "/marketfeed/ltp", map[string][]int{segment: {id}})
	if err != nil {
		return 0, d.wrapErr("quote", err)
	}

	var out struct {
		Data map[string]map[string]struct {
			LastPrice float64 `json:"last_price"`
		} `json:"data"`
	}
	if err := resp.ParseJSON(&out); err != nil {
		return 0, &broker.TransportError{Broker: brokerName, Err: err}
	}

	if quote, ok := out.Data[segment][securityID]; ok {
		return quote.LastPrice, nil
	}
	return 0, fmt.Errorf("%s: no quote for security %s: %w", brokerName, securityID, broker.ErrInstrumentNotFound)
}

func (d *Dhan) ExitAllPositions(ctx context.Context) (types.BulkReport, error) {
	return d.exitAll(ctx, broker.ExitParams{Mode: broker.ExitMarket})
}

func (d *Dhan) ExitAllPositionsLimit(ctx context.Context, offsetPct float64) (types.BulkReport, error) {
	return d.exitAll(ctx, broker.ExitParams{Mode: broker.ExitLimit, OffsetPct: offsetPct})
}

func (d *Dhan) ExitAllPositionsStopLoss(ctx context.Context, slPct float64) (types.BulkReport, error) {
	if slPct == 0 {
		slPct = 1
	}
	return d.exitAll(ctx, broker.ExitParams{Mode: broker.ExitStopLoss, SLPct: slPct})
}

func (d *Dhan) exitAll(ctx context.Context, p broker.ExitParams) (types.BulkReport, error) {
	positions, err := d.ListPositions(ctx)
	if err != nil {
		return types.BulkReport{}, err
	}

	quote := func(ctx context.Context, pos types.Position) (float64, error) {
		return d.ltpBySecurityID(ctx, pos.SecurityID, exchangeSegment(ctx, pos.Exchange))
	}
	report := broker.ExitAll(ctx, positions, p, quote, d.PlaceOrder)
	logger.BulkEvent(ctx, brokerName, "exit-all", report.Attempted, report.Succeeded, report.Failed, report.Skipped)
	return report, nil
}

func (d *Dhan) InstrumentDetails(key string) (types.Instrument, error) {
	return d.catalog.Lookup(key)
}

func (d *Dhan) RefreshInstruments(ctx context.Context, force bool) error {
	if err := d.ensureAuthed(); err != nil {
		return err
	}
	return d.catalog.Refresh(ctx, force)
}
