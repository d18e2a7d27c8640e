package upstox

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

func newTestUpstox(t *testing.T, srvURL string) *Upstox {
	t.Helper()

	u := &Upstox{
		p: Params{AccessToken: "tok"},
		client: api.NewClient(
			api.WithBaseURL(srvURL),
			api.WithHeader("Authorization", "Bearer tok"),
		),
		authed: true,
	}
	u.catalog = catalog.New(brokerName, t.TempDir(), time.Hour, true, func(ctx context.Context) ([]types.Instrument, error) {
		return []types.Instrument{
			{Symbol: "RELIANCE", Exchange: "NSE", SecurityID: "NSE_EQ|INE002A01018"},
			{Symbol: "SBIN", Exchange: "NSE", SecurityID: "NSE_EQ|INE062A01020"},
		}, nil
	})
	if err := u.catalog.Refresh(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	return u
}

func TestPlaceOrderResolvesInstrumentKey(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/order/place" {
			t.Errorf("Expected POST /order/place, got %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("Expected bearer auth header, got %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"data":   map[string]string{"order_id": "240111010402312"},
		})
	}))
	defer srv.Close()

	u := newTestUpstox(t, srv.URL)

	result, err := u.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:          "RELIANCE",
		Exchange:        "NSE",
		TransactionType: types.TransactionSell,
		OrderType:       types.OrderTypeStopLossMarket,
		Quantity:        3,
		TriggerPrice:    2790.5,
		Product:         types.ProductIntraday,
	})
	if err != nil {
		t.Fatalf("Expected place to succeed, got %v", err)
	}
	if result.OrderID != "240111010402312" {
		t.Errorf("Expected order id 240111010402312, got %s", result.OrderID)
	}

	if got["instrument_token"] != "NSE_EQ|INE002A01018" {
		t.Errorf("Expected catalog-resolved instrument key, got %v", got["instrument_token"])
	}
	if got["order_type"] != "SL-M" {
		t.Errorf("Expected order type SL-M, got %v", got["order_type"])
	}
	if got["product"] != "I" {
		t.Errorf("Expected product I, got %v", got["product"])
	}
	if got["trigger_price"] != 2790.5 {
		t.Errorf("Expected trigger price 2790.5, got %v", got["trigger_price"])
	}
}

func TestPlaceOrderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"error","errors":[{"errorCode":"UDAPI1021","message":"insufficient funds"}]}`))
	}))
	defer srv.Close()

	u := newTestUpstox(t, srv.URL)

	_, err := u.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol:          "SBIN",
		TransactionType: types.TransactionBuy,
		OrderType:       types.OrderTypeMarket,
		Quantity:        1,
	})

	var rej *broker.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Expected a RejectionError, got %v", err)
	}
	if rej.Broker != "upstox" {
		t.Errorf("Expected upstox rejection, got %s", rej.Broker)
	}
}

func TestCancelAllUsesUpstoxStatuses(t *testing.T) {
	var mu sync.Mutex
	var cancelled []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/order/retrieve-all":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "success",
				"data": []map[string]interface{}{
					{"order_id": "1", "status": "open"},
					{"order_id": "2", "status": "complete"},
					{"order_id": "3", "status": "trigger pending"},
					{"order_id": "4", "status": "rejected"},
				},
			})
		case r.Method == http.MethodDelete && r.URL.Path == "/order/cancel":
			id := r.URL.Query().Get("order_id")
			mu.Lock()
			cancelled = append(cancelled, id)
			mu.Unlock()
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "success",
				"data":   map[string]string{"order_id": id},
			})
		default:
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	u := newTestUpstox(t, srv.URL)

	report, err := u.CancelAllOrders(context.Background())
	if err != nil {
		t.Fatalf("Expected cancel-all to succeed, got %v", err)
	}
	if report.Attempted != 2 {
		t.Errorf("Expected 2 attempted, got %d", report.Attempted)
	}
	if report.Skipped != 2 {
		t.Errorf("Expected 2 skipped, got %d", report.Skipped)
	}
	if len(cancelled) != 2 {
		t.Errorf("Expected 2 cancels, got %d", len(cancelled))
	}
}

func TestLTPReadsEnvelopeMap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/market-quote/ltp" {
			t.Errorf("Expected /market-quote/ltp, got %s", r.URL.Path)
		}
		if key := r.URL.Query().Get("instrument_key"); key != "NSE_EQ|INE002A01018" {
			t.Errorf("Expected the instrument key in the query, got %q", key)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"data": map[string]interface{}{
				"NSE_EQ:RELIANCE": map[string]interface{}{"last_price": 2856.35, "instrument_token": "NSE_EQ|INE002A01018"},
			},
		})
	}))
	defer srv.Close()

	u := newTestUpstox(t, srv.URL)

	price, err := u.LTP(context.Background(), "RELIANCE", "NSE")
	if err != nil {
		t.Fatalf("Expected LTP to succeed, got %v", err)
	}
	if price != 2856.35 {
		t.Errorf("Expected LTP 2856.35, got %f", price)
	}
}

func TestExitAllLimitUsesPositionLastPrice(t *testing.T) {
	var mu sync.Mutex
	var placed []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/portfolio/short-term-positions":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "success",
				"data": []map[string]interface{}{
					{"trading_symbol": "RELIANCE", "instrument_token": "NSE_EQ|INE002A01018", "exchange": "NSE", "product": "I", "quantity": 10, "last_price": 100.0},
				},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/order/place":
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			placed = append(placed, body)
			mu.Unlock()
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "success",
				"data":   map[string]string{"order_id": "7"},
			})
		default:
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	u := newTestUpstox(t, srv.URL)

	report, err := u.ExitAllPositionsLimit(context.Background(), 0.5)
	if err != nil {
		t.Fatalf("Expected exit-all-limit to succeed, got %v", err)
	}
	if report.Succeeded != 1 {
		t.Fatalf("Expected 1 succeeded, got %d", report.Succeeded)
	}
	if len(placed) != 1 {
		t.Fatalf("Expected 1 order, got %d", len(placed))
	}
	if placed[0]["transaction_type"] != "SELL" {
		t.Errorf("Expected SELL exit, got %v", placed[0]["transaction_type"])
	}
	if placed[0]["order_type"] != "LIMIT" {
		t.Errorf("Expected LIMIT exit, got %v", placed[0]["order_type"])
	}
	// SELL with a 0.5% offset prices below the 100 LTP
	if placed[0]["price"] != 99.5 {
		t.Errorf("Expected limit price 99.50, got %v", placed[0]["price"])
	}
}

func TestProductMappingDefaults(t *testing.T) {
	ctx := context.Background()

	if got := mapWithDefault(ctx, productMap, types.ProductDelivery, "I", "product"); got != "D" {
		t.Errorf("Expected D for DELIVERY, got %s", got)
	}
	if got := mapWithDefault(ctx, productMap, types.ProductMargin, "I", "product"); got != "D" {
		t.Errorf("Expected MARGIN to collapse to D, got %s", got)
	}
	if got := mapWithDefault(ctx, productMap, "WEIRD", "I", "product"); got != "I" {
		t.Errorf("Expected I default for an unknown product, got %s", got)
	}
}
