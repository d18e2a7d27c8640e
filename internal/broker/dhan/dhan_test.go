package dhan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"broker-gateway/internal/api"
	"broker-gateway/internal/broker"
	"broker-gateway/internal/catalog"
	"broker-gateway/internal/types"
)

func newTestDhan(t *testing.T, srvURL string) *Dhan {
	t.Helper()

	d := &Dhan{
		p: Params{ClientID: "1000000001", AccessToken: "tok"},
		client: api.NewClient(
			api.WithBaseURL(srvURL),
			api.WithHeader("access-token", "tok"),
		),
		authed: true,
	}
	d.catalog = catalog.New(brokerName, t.TempDir(), time.Hour, false, func(ctx context.Context) ([]types.Instrument, error) {
		return []types.Instrument{
			{Symbol: "RELIANCE", Exchange: "NSE_EQ", SecurityID: "2885"},
			{Symbol: "SBIN", Exchange: "NSE_EQ", SecurityID: "3045"},
		}, nil
	})
	if err := d.catalog.Refresh(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestPlaceOrderResolvesAndMaps(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders" {
			t.Errorf("Expected POST /orders, got %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		json.NewEncoder(w).Encode(map[string]string{"orderId": "112111182198", "orderStatus": "TRANSIT"})
	}))
	defer srv.Close()

	d := newTestDhan(t, srv.URL)

	result, err := d.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:          "RELIANCE",
		Exchange:        "NSE",
		TransactionType: types.TransactionBuy,
		OrderType:       types.OrderTypeLimit,
		Quantity:        5,
		Price:           2800,
		Product:         types.ProductDelivery,
	})
	if err != nil {
		t.Fatalf("Expected place to succeed, got %v", err)
	}
	if result.OrderID != "112111182198" {
		t.Errorf("Expected order id 112111182198, got %s", result.OrderID)
	}

	if got["securityId"] != "2885" {
		t.Errorf("Expected catalog-resolved security id 2885, got %v", got["securityId"])
	}
	if got["exchangeSegment"] != "NSE_EQ" {
		t.Errorf("Expected exchange segment NSE_EQ, got %v", got["exchangeSegment"])
	}
	if got["productType"] != "CNC" {
		t.Errorf("Expected product CNC, got %v", got["productType"])
	}
	if got["orderType"] != "LIMIT" {
		t.Errorf("Expected order type LIMIT, got %v", got["orderType"])
	}
	if got["price"] != 2800.0 {
		t.Errorf("Expected price 2800, got %v", got["price"])
	}
	if got["dhanClientId"] != "1000000001" {
		t.Errorf("Expected the client id in the body, got %v", got["dhanClientId"])
	}
}

func TestPlaceOrderUnknownSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("No HTTP call expected for an unknown symbol")
	}))
	defer srv.Close()

	d := newTestDhan(t, srv.URL)

	_, err := d.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:          "NOSUCH",
		TransactionType: types.TransactionBuy,
		OrderType:       types.OrderTypeMarket,
		Quantity:        1,
	})
	if !errors.Is(err, broker.ErrInstrumentNotFound) {
		t.Errorf("Expected ErrInstrumentNotFound, got %v", err)
	}
}

func TestPlaceOrderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errorCode":"DH-906","errorMessage":"insufficient funds"}`))
	}))
	defer srv.Close()

	d := newTestDhan(t, srv.URL)

	_, err := d.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:          "SBIN",
		TransactionType: types.TransactionBuy,
		OrderType:       types.OrderTypeMarket,
		Quantity:        1,
	})

	var rej *broker.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Expected a RejectionError, got %v", err)
	}
	if rej.Broker != "dhan" || rej.Op != "place" {
		t.Errorf("Expected dhan place rejection, got %s %s", rej.Broker, rej.Op)
	}
}

func TestUnauthenticatedAdapter(t *testing.T) {
	d := &Dhan{}

	_, err := d.ListOrders(context.Background())
	if !errors.Is(err, broker.ErrUnauthenticated) {
		t.Errorf("Expected ErrUnauthenticated, got %v", err)
	}
	_, err = d.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:          "SBIN",
		TransactionType: types.TransactionSell,
		OrderType:       types.OrderTypeMarket,
		Quantity:        1,
	})
	if !errors.Is(err, broker.ErrUnauthenticated) {
		t.Errorf("Expected ErrUnauthenticated, got %v", err)
	}
}

func TestCancelAllOnlyTouchesOpenOrders(t *testing.T) {
	var mu sync.Mutex
	var cancelled []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/orders":
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"orderId": "1", "orderStatus": "PENDING"},
				{"orderId": "2", "orderStatus": "TRADED"},
				{"orderId": "3", "orderStatus": "TRANSIT"},
				{"orderId": "4", "orderStatus": "CANCELLED"},
			})
		case r.Method == http.MethodDelete:
			id := r.URL.Path[len("/orders/"):]
			mu.Lock()
			cancelled = append(cancelled, id)
			mu.Unlock()
			json.NewEncoder(w).Encode(map[string]string{"orderId": id, "orderStatus": "CANCELLED"})
		default:
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	d := newTestDhan(t, srv.URL)

	report, err := d.CancelAllOrders(context.Background())
	if err != nil {
		t.Fatalf("Expected cancel-all to succeed, got %v", err)
	}
	if report.Attempted != 2 {
		t.Errorf("Expected 2 attempted, got %d", report.Attempted)
	}
	if report.Skipped != 2 {
		t.Errorf("Expected 2 skipped, got %d", report.Skipped)
	}
	if report.Succeeded != 2 {
		t.Errorf("Expected 2 succeeded, got %d", report.Succeeded)
	}
	if len(cancelled) != 2 {
		t.Errorf("Expected 2 cancel calls, got %d", len(cancelled))
	}
}

func TestLTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/marketfeed/ltp" {
			t.Errorf("Expected /marketfeed/ltp, got %s", r.URL.Path)
		}
		var body map[string][]int
		json.NewDecoder(r.Body).Decode(&body)
		if len(body["NSE_EQ"]) != 1 || body["NSE_EQ"][0] != 2885 {
			t.Errorf("Expected request for security 2885 on NSE_EQ, got %v", body)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"NSE_EQ": map[string]interface{}{
					"2885": map[string]float64{"last_price": 2856.35},
				},
			},
			"status": "success",
		})
	}))
	defer srv.Close()

	d := newTestDhan(t, srv.URL)

	price, err := d.LTP(context.Background(), "RELIANCE", "NSE")
	if err != nil {
		t.Fatalf("Expected LTP to succeed, got %v", err)
	}
	if price != 2856.35 {
		t.Errorf("Expected LTP 2856.35, got %f", price)
	}
}

func TestExitAllPlacesOppositeMarketOrders(t *testing.T) {
	var mu sync.Mutex
	var placed []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/positions":
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"tradingSymbol": "RELIANCE", "securityId": "2885", "exchangeSegment": "NSE_EQ", "productType": "INTRADAY", "netQty": 10},
				{"tradingSymbol": "SBIN", "securityId": "3045", "exchangeSegment": "NSE_EQ", "productType": "INTRADAY", "netQty": 0},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/orders":
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			placed = append(placed, body)
			mu.Unlock()
			json.NewEncoder(w).Encode(map[string]string{"orderId": "9", "orderStatus": "TRANSIT"})
		default:
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	d := newTestDhan(t, srv.URL)

	report, err := d.ExitAllPositions(context.Background())
	if err != nil {
		t.Fatalf("Expected exit-all to succeed, got %v", err)
	}
	if report.Attempted != 1 || report.Skipped != 1 || report.Succeeded != 1 {
		t.Errorf("Expected 1 attempted / 1 skipped / 1 succeeded, got %+v", report)
	}
	if len(placed) != 1 {
		t.Fatalf("Expected 1 exit order, got %d", len(placed))
	}
	if placed[0]["transactionType"] != "SELL" {
		t.Errorf("Expected SELL exit for the long position, got %v", placed[0]["transactionType"])
	}
	if placed[0]["quantity"] != 10.0 {
		t.Errorf("Expected quantity 10, got %v", placed[0]["quantity"])
	}
	if placed[0]["orderType"] != "MARKET" {
		t.Errorf("Expected MARKET exit, got %v", placed[0]["orderType"])
	}
}

func TestExchangeSegmentMapping(t *testing.T) {
	ctx := context.Background()

	cases := map[string]string{
		"NSE":     "NSE_EQ",
		"BSE":     "BSE_EQ",
		"NFO":     "NSE_FNO",
		"MCX":     "MCX_COMM",
		"NSE_EQ":  "NSE_EQ",
		"":        "NSE_EQ",
		"UNKNOWN": "NSE_EQ",
	}
	for in, want := range cases {
		if got := exchangeSegment(ctx, in); got != want {
			t.Errorf("Expected segment %s for %q, got %s", want, in, got)
		}
	}
}

func TestProductMappingDefaults(t *testing.T) {
	ctx := context.Background()

	if got := mapWithDefault(ctx, productMap, types.ProductDelivery, "INTRADAY", "product"); got != "CNC" {
		t.Errorf("Expected CNC for DELIVERY, got %s", got)
	}
	if got := mapWithDefault(ctx, productMap, "WEIRD", "INTRADAY", "product"); got != "INTRADAY" {
		t.Errorf("Expected INTRADAY default for an unknown product, got %s", got)
	}
	if got := mapWithDefault(ctx, orderTypeMap, types.OrderTypeStopLossMarket, "MARKET", "order_type"); got != "STOP_LOSS_MARKET" {
		t.Errorf("Expected STOP_LOSS_MARKET for SL-M, got %s", got)
	}
}
