// Package upstox adapts the Upstox v2 REST API to the common broker
// contract. Every response is wrapped in a {status, data} envelope and auth
// is a bearer access token. The instrument catalog is the exchange-wide
// gzip dump published on the assets CDN.
package upstox

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"broker-gateway/internal/api"
	"broker-gateway/internal/broker"
	"broker-gateway/internal/catalog"
	"broker-gateway/internal/interfaces"
	"broker-gateway/internal/logger"
	"broker-gateway/internal/types"
)

const (
	brokerName    = "upstox"
	baseURL       = "https://api.upstox.com/v2"
	instrumentURL = "https://assets.upstox.com/market-quote/instruments/exchange/complete.json.gz"
)

type Params struct {
	APIKey      string
	APISecret   string
	RedirectURI string
	AccessToken string
}

type Upstox struct {
	p       Params
	client  *api.Client
	catalog *catalog.Catalog
	authed  bool
}

var _ interfaces.Broker = (*Upstox)(nil)

func New(p Params, cacheDir string, expiry time.Duration) *Upstox {
	u := &Upstox{
		p: p,
		client: api.NewClient(
			api.WithBaseURL(baseURL),
			api.WithHeader("Accept", "application/json"),
			api.WithHeader("Authorization", "Bearer "+p.AccessToken),
			api.WithLogging(true),
		),
	}
	u.catalog = catalog.New(brokerName, cacheDir, expiry, true, fetchInstruments)
	return u
}

func (u *Upstox) Name() string { return brokerName }

func (u *Upstox) Initialize(ctx context.Context, forceRefresh bool) error {
	if u.p.AccessToken == "" {
		return fmt.Errorf("%w: upstox needs an access token (complete the OAuth login first)", broker.ErrUnauthenticated)
	}
	u.authed = true

	return u.catalog.Refresh(ctx, forceRefresh)
}

func (u *Upstox) ensureAuthed() error {
	if !u.authed {
		return fmt.Errorf("%s: %w", brokerName, broker.ErrUnauthenticated)
	}
	return nil
}

// Wire shapes

// envelope is the {status, data} wrapper on every Upstox v2 response.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func parseEnvelope(resp *api.Response, v interface{}) error {
	var env envelope
	if err := resp.ParseJSON(&env); err != nil {
		return err
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}

type upstoxInstrument struct {
	InstrumentKey  string  `json:"instrument_key"`
	TradingSymbol  string  `json:"trading_symbol"`
	Exchange       string  `json:"exchange"`
	ExchangeToken  string  `json:"exchange_token"`
	Name           string  `json:"name"`
	Segment        string  `json:"segment"`
	InstrumentType string  `json:"instrument_type"`
	LotSize        int     `json:"lot_size"`
	TickSize       float64 `json:"tick_size"`
}

type upstoxOrder struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	TradingSymbol   string  `json:"trading_symbol"`
	InstrumentToken string  `json:"instrument_token"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transaction_type"`
	OrderType       string  `json:"order_type"`
	Product         string  `json:"product"`
	Quantity        int     `json:"quantity"`
	Price           float64 `json:"price"`
	TriggerPrice    float64 `json:"trigger_price"`
	AveragePrice    float64 `json:"average_price"`
	StatusMessage   string  `json:"status_message"`
}

type upstoxPosition struct {
	TradingSymbol   string  `json:"trading_symbol"`
	InstrumentToken string  `json:"instrument_token"`
	Exchange        string  `json:"exchange"`
	Product         string  `json:"product"`
	Quantity        int     `json:"quantity"`
	AveragePrice    float64 `json:"average_price"`
	LastPrice       float64 `json:"last_price"`
}

type upstoxHolding struct {
	TradingSymbol string  `json:"trading_symbol"`
	Exchange      string  `json:"exchange"`
	ISIN          string  `json:"isin"`
	Quantity      int     `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
}

// fetchInstruments downloads the full-exchange catalog dump. The download is
// gzipped on the wire regardless of Accept-Encoding, so it is gunzipped here
// before decoding.
func fetchInstruments(ctx context.Context) ([]types.Instrument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instrumentURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &api.HTTPError{StatusCode: resp.StatusCode, Body: body}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("instrument dump is not gzip: %w", err)
	}
	defer gz.Close()

	var rows []upstoxInstrument
	if err := json.NewDecoder(gz).Decode(&rows); err != nil {
		return nil, err
	}

	instruments := make([]types.Instrument, 0, len(rows))
	for _, r := range rows {
		instruments = append(instruments, types.Instrument{
			Symbol:         r.TradingSymbol,
			Exchange:       r.Exchange,
			SecurityID:     r.InstrumentKey,
			Name:           r.Name,
			Segment:        r.Segment,
			InstrumentType: r.InstrumentType,
			LotSize:        r.LotSize,
			TickSize:       r.TickSize,
		})
	}
	return instruments, nil
}

// Upstox vocabulary. Products collapse to I (intraday) and D (delivery);
// unrecognized inputs coerce to the defaults and the coercion is logged.
var (
	productMap = map[string]string{
		types.ProductIntraday: "I",
		types.ProductDelivery: "D",
		types.ProductMargin:   "D",
		types.ProductNormal:   "D",
	}
	orderTypeMap = map[string]string{
		types.OrderTypeMarket:         "MARKET",
		types.OrderTypeLimit:          "LIMIT",
		types.OrderTypeStopLoss:       "SL",
		types.OrderTypeStopLossMarket: "SL-M",
	}
	validityMap = map[string]string{
		types.ValidityDay: "DAY",
		types.ValidityIOC: "IOC",
	}

	openStatuses = []string{"open", "pending", "trigger pending", "open pending", "validation pending", "put order req received", "modify pending"}
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

// resolveInstrumentKey returns the Upstox instrument key ("NSE_EQ|INE...")
// for an order request, consulting the catalog when only a symbol is given.
func (u *Upstox) resolveInstrumentKey(req types.OrderRequest) (string, error) {
	if req.SecurityID != "" {
		return req.SecurityID, nil
	}
	in, err := u.catalog.Lookup(req.Symbol)
	if err != nil {
		return "", err
	}
	return in.SecurityID, nil
}

func (u *Upstox) wrapErr(op string, err error) error {
	var httpErr *api.HTTPError
	if errors.As(err, &httpErr) {
		return &broker.RejectionError{Broker: brokerName, Op: op, Detail: string(httpErr.Body)}
	}
	return &broker.TransportError{Broker: brokerName, Err: err}
}

func (u *Upstox) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return types.OrderResult{}, err
	}
	if err := u.ensureAuthed(); err != nil {
		return types.OrderResult{}, err
	}

	instrumentKey, err := u.resolveInstrumentKey(req)
	if err != nil {
		return types.OrderResult{}, err
	}

	orderType := mapWithDefault(ctx, orderTypeMap, req.OrderType, "MARKET", "order_type")

	body := map[string]interface{}{
		"instrument_token":   instrumentKey,
		"transaction_type":   req.TransactionType,
		"order_type":         orderType,
		"product":            mapWithDefault(ctx, productMap, req.Product, "I", "product"),
		"validity":           mapWithDefault(ctx, validityMap, req.Validity, "DAY", "validity"),
		"quantity":           req.Quantity,
		"price":              req.Price,
		"trigger_price":      req.TriggerPrice,
		"disclosed_quantity": 0,
		"is_amo":             false,
	}
	if req.Tag != "" {
		body["tag"] = req.Tag
	}

	resp, err := u.client.POST(ctx, "/order/place", body)
	if err != nil {
		return types.OrderResult{}, u.wrapErr("place", err)
	}

	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := parseEnvelope(resp, &out); err != nil {
		return types.OrderResult{}, &broker.TransportError{Broker: brokerName, Err: err}
	}

	result := types.OrderResult{OrderID: out.OrderID, Status: "submitted", Message: "ok"}
	logger.OrderEvent(ctx, brokerName, "place", req.Symbol, result.OrderID, result.Status)
	return result, nil
}

func (u *Upstox) CancelOrder(ctx context.Context, orderID string) (types.OrderResult, error) {
	if err := u.ensureAuthed(); err != nil {
		return types.OrderResult{}, err
	}

	resp, err := u.client.DELETE(ctx, "/order/cancel?order_id="+url.QueryEscape(orderID))
	if err != nil {
		var httpErr *api.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == 404 {
			return types.OrderResult{}, fmt.Errorf("%s: %s: %w", brokerName, orderID, broker.ErrOrderNotFound)
		}
		return types.OrderResult{}, u.wrapErr("cancel", err)
	}

	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := parseEnvelope(resp, &out); err != nil {
		return types.OrderResult{}, &broker.TransportError{Broker: brokerName, Err: err}
	}

	result := types.OrderResult{OrderID: out.OrderID, Status: "cancel requested", Message: "ok"}
	logger.OrderEvent(ctx, brokerName, "cancel", "", result.OrderID, result.Status)
	return result, nil
}

func (u *Upstox) CancelAllOrders(ctx context.Context) (types.BulkReport, error) {
	orders, err := u.ListOrders(ctx)
	if err != nil {
		return types.BulkReport{}, err
	}

	report := broker.CancelAll(ctx, orders, openStatuses, u.CancelOrder)
	logger.BulkEvent(ctx, brokerName, "cancel-all", report.Attempted, report.Succeeded, report.Failed, report.Skipped)
	return report, nil
}

func (u *Upstox) ListOrders(ctx context.Context) ([]types.Order, error) {
	if err := u.ensureAuthed(); err != nil {
		return nil, err
	}

	resp, err := u.client.GET(ctx, "/order/retrieve-all")
	if err != nil {
		return nil, u.wrapErr("list orders", err)
	}

	var raw []upstoxOrder
	if err := parseEnvelope(resp, &raw); err != nil {
		return nil, &broker.TransportError{Broker: brokerName, Err: err}
	}

	orders := make([]types.Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, types.Order{
			OrderID:         o.OrderID,
			Status:          o.Status,
			Symbol:          o.TradingSymbol,
			SecurityID:      o.InstrumentToken,
			Exchange:        o.Exchange,
			TransactionType: o.TransactionType,
			OrderType:       o.OrderType,
			Product:         o.Product,
			Quantity:        o.Quantity,
			Price:           o.Price,
			TriggerPrice:    o.TriggerPrice,
			AveragePrice:    o.AveragePrice,
			Message:         o.StatusMessage,
		})
	}
	return orders, nil
}

func (u *Upstox) ListPositions(ctx context.Context) ([]types.Position, error) {
	if err := u.ensureAuthed(); err != nil {
		return nil, err
	}

	resp, err := u.client.GET(ctx, "/portfolio/short-term-positions")
	if err != nil {
		return nil, u.wrapErr("list positions", err)
	}

	var raw []upstoxPosition
	if err := parseEnvelope(resp, &raw); err != nil {
		return nil, &broker.TransportError{Broker: brokerName, Err: err}
	}

	positions := make([]types.Position, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, types.Position{
			Symbol:       p.TradingSymbol,
			SecurityID:   p.InstrumentToken,
			Exchange:     p.Exchange,
			Quantity:     p.Quantity,
			Product:      p.Product,
			AveragePrice: p.AveragePrice,
			LastPrice:    p.LastPrice,
		})
	}
	return positions, nil
}

func (u *Upstox) ListHoldings(ctx context.Context) ([]types.Holding, error) {
	if err := u.ensureAuthed(); err != nil {
		return nil, err
	}

	resp, err := u.client.GET(ctx, "/portfolio/long-term-holdings")
	if err != nil {
		return nil, u.wrapErr("list holdings", err)
	}

	var raw []upstoxHolding
	if err := parseEnvelope(resp, &raw); err != nil {
		return nil, &broker.TransportError{Broker: brokerName, Err: err}
	}

	holdings := make([]types.Holding, 0, len(raw))
	for _, h := range raw {
		holdings = append(holdings, types.Holding{
			Symbol:       h.TradingSymbol,
			Exchange:     h.Exchange,
			ISIN:         h.ISIN,
			Quantity:     h.Quantity,
			AveragePrice: h.AveragePrice,
			LastPrice:    h.LastPrice,
		})
	}
	return holdings, nil
}

func (u *Upstox) LTP(ctx context.Context, symbol, exchange string) (float64, error) {
	if err := u.ensureAuthed(); err != nil {
		return 0, err
	}

	in, err := u.catalog.Lookup(symbol)
	if err != nil {
		return 0, err
	}
	return u.ltpByInstrumentKey(ctx, in.SecurityID)
}

func (u *Upstox) ltpByInstrumentKey(ctx context.Context, instrumentKey string) (float64, error) {
	resp, err := u.client.GET(ctx, "/market-quote/ltp?instrument_key="+url.QueryEscape(instrumentKey))
	if err != nil {
		return 0, u.wrapErr("quote", err)
	}

	// The response map is keyed "EXCHANGE:SYMBOL", not by instrument key,
	// so with a single requested instrument the first entry is the answer.
	var quotes map[string]struct {
		LastPrice float64 `json:"last_price"`
	}
	if err := parseEnvelope(resp, &quotes); err != nil {
		return 0, &broker.TransportError{Broker: brokerName, Err: err}
	}

	for _, q := range quotes {
		return q.LastPrice, nil
	}
	return 0, fmt.Errorf("%s: no quote for %s: %w", brokerName, instrumentKey, broker.ErrInstrumentNotFound)
}

func (u *Upstox) ExitAllPositions(ctx context.Context) (types.BulkReport, error) {
	return u.exitAll(ctx, broker.ExitParams{Mode: broker.ExitMarket})
}

func (u *Upstox) ExitAllPositionsLimit(ctx context.Context, offsetPct float64) (types.BulkReport, error) {
	return u.exitAll(ctx, broker.ExitParams{Mode: broker.ExitLimit, OffsetPct: offsetPct})
}

func (u *Upstox) ExitAllPositionsStopLoss(ctx context.Context, slPct float64) (types.BulkReport, error) {
	if slPct == 0 {
		slPct = 1
	}
	return u.exitAll(ctx, broker.ExitParams{Mode: broker.ExitStopLoss, SLPct: slPct})
}

func (u *Upstox) exitAll(ctx context.Context, p broker.ExitParams) (types.BulkReport, error) {
	positions, err := u.ListPositions(ctx)
	if err != nil {
		return types.BulkReport{}, err
	}

	quote := func(ctx context.Context, pos types.Position) (float64, error) {
		if pos.LastPrice > 0 {
			return pos.LastPrice, nil
		}
		return u.ltpByInstrumentKey(ctx, pos.SecurityID)
	}
	report := broker.ExitAll(ctx, positions, p, quote, u.PlaceOrder)
	logger.BulkEvent(ctx, brokerName, "exit-all", report.Attempted, report.Succeeded, report.Failed, report.Skipped)
	return report, nil
}

func (u *Upstox) InstrumentDetails(key string) (types.Instrument, error) {
	return u.catalog.Lookup(key)
}

func (u *Upstox) RefreshInstruments(ctx context.Context, force bool) error {
	if err := u.ensureAuthed(); err != nil {
		return err
	}
	return u.catalog.Refresh(ctx, force)
}
