package types

import "errors"

// Broker-agnostic order vocabulary. Adapters translate these into each
// broker's native values through their mapping tables.
const (
	TransactionBuy  = "BUY"
	TransactionSell = "SELL"

	OrderTypeMarket         = "MARKET"
	OrderTypeLimit          = "LIMIT"
	OrderTypeStopLoss       = "SL"
	OrderTypeStopLossMarket = "SL-M"

	ValidityDay = "DAY"
	ValidityIOC = "IOC"

	ProductIntraday = "INTRADAY"
	ProductDelivery = "DELIVERY"
	ProductMargin   = "MARGIN"
	ProductNormal   = "NORMAL"
)

// Instrument is one tradable security from a broker's catalog. Identity is
// (broker, symbol, exchange); records are immutable once cached.
type Instrument struct {
	Symbol         string  `json:"symbol"`
	Exchange       string  `json:"exchange"`
	SecurityID     string  `json:"security_id"`
	ExchangeToken  int64   `json:"exchange_token,omitempty"`
	Name           string  `json:"name,omitempty"`
	Segment        string  `json:"segment,omitempty"`
	InstrumentType string  `json:"instrument_type,omitempty"`
	LotSize        int     `json:"lot_size,omitempty"`
	TickSize       float64 `json:"tick_size,omitempty"`
}

// OrderRequest is the broker-agnostic order form. SecurityID is optional;
// when absent the adapter resolves Symbol through its instrument catalog.
type OrderRequest struct {
	Symbol          string  `json:"symbol"`
	SecurityID      string  `json:"security_id,omitempty"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transaction_type"`
	OrderType       string  `json:"order_type"`
	Quantity        int     `json:"quantity"`
	Price           float64 `json:"price,omitempty"`
	TriggerPrice    float64 `json:"trigger_price,omitempty"`
	Validity        string  `json:"validity,omitempty"`
	Product         string  `json:"product,omitempty"`
	Tag             string  `json:"tag,omitempty"`
}

// Validate enforces the cross-field invariants: a limit component needs a
// price, a stop component needs a trigger price.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" && r.SecurityID == "" {
		return errors.New("order request needs a symbol or security id")
	}
	if r.TransactionType != TransactionBuy && r.TransactionType != TransactionSell {
		return errors.New("transaction type must be BUY or SELL")
	}
	if r.Quantity <= 0 {
		return errors.New("quantity must be a positive integer")
	}
	switch r.OrderType {
	case OrderTypeLimit, OrderTypeStopLoss:
		if r.Price <= 0 {
			return errors.New("price is required for LIMIT and SL orders")
		}
	}
	switch r.OrderType {
	case OrderTypeStopLoss, OrderTypeStopLossMarket:
		if r.TriggerPrice <= 0 {
			return errors.New("trigger price is required for SL and SL-M orders")
		}
	}
	return nil
}

// Order is a broker-reported order listing row.
type Order struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	Symbol          string  `json:"symbol"`
	SecurityID      string  `json:"security_id,omitempty"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transaction_type"`
	OrderType       string  `json:"order_type"`
	Product         string  `json:"product"`
	Quantity        int     `json:"quantity"`
	Price           float64 `json:"price,omitempty"`
	TriggerPrice    float64 `json:"trigger_price,omitempty"`
	AveragePrice    float64 `json:"average_price,omitempty"`
	Message         string  `json:"message,omitempty"`
}

// Position is a read-only snapshot of open exposure. Quantity is signed:
// positive is long, negative is short.
type Position struct {
	Symbol       string  `json:"symbol"`
	SecurityID   string  `json:"security_id,omitempty"`
	Exchange     string  `json:"exchange"`
	Quantity     int     `json:"quantity"`
	Product      string  `json:"product"`
	AveragePrice float64 `json:"average_price,omitempty"`
	LastPrice    float64 `json:"last_price,omitempty"`
}

// Holding is a demat holding row.
type Holding struct {
	Symbol       string  `json:"symbol"`
	Exchange     string  `json:"exchange"`
	ISIN         string  `json:"isin,omitempty"`
	Quantity     int     `json:"quantity"`
	AveragePrice float64 `json:"average_price,omitempty"`
	LastPrice    float64 `json:"last_price,omitempty"`
}

// OrderResult is the broker's acknowledgement of a write operation.
type OrderResult struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// BulkItem records the outcome of one sub-operation inside a bulk fan-out.
// Exactly one of Result or Error is meaningful.
type BulkItem struct {
	Key    string      `json:"key"`
	Result OrderResult `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// BulkReport aggregates a cancel-all or exit-all run. A failed item never
// aborts its siblings; every attempted item appears in Items.
type BulkReport struct {
	Attempted int        `json:"attempted"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	Items     []BulkItem `json:"items"`
}
