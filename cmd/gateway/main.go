package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"broker-gateway/internal/broker"
	"broker-gateway/internal/logger"
	"broker-gateway/internal/store"
	"broker-gateway/internal/trace"
	"broker-gateway/internal/types"

	"github.com/joho/godotenv"
)

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	var (
		brokerName = flag.String("broker", "", "broker to operate on (dhan|upstox|zerodha)")
		op         = flag.String("op", "positions", "operation: orders|positions|holdings|ltp|place|cancel|cancel-all|exit-all|exit-all-limit|exit-all-sl|lookup|refresh")
		symbol     = flag.String("symbol", "", "trading symbol")
		exchange   = flag.String("exchange", "NSE", "exchange (NSE|BSE|NFO|MCX)")
		qty        = flag.Int("qty", 0, "order quantity")
		side       = flag.String("side", "BUY", "transaction type (BUY|SELL)")
		orderType  = flag.String("type", "MARKET", "order type (MARKET|LIMIT|SL|SL-M)")
		product    = flag.String("product", "INTRADAY", "product (INTRADAY|DELIVERY|MARGIN|NORMAL)")
		price      = flag.Float64("price", 0, "limit price")
		trigger    = flag.Float64("trigger", 0, "trigger price")
		offset     = flag.Float64("offset", 0.5, "limit offset percent for exit-all-limit")
		slPct      = flag.Float64("sl", 1, "stop-loss percent for exit-all-sl")
		orderID    = flag.String("order-id", "", "order id for cancel")
		key        = flag.String("key", "", "instrument lookup key (symbol, security id or exchange token)")
		force      = flag.Bool("force", false, "force instrument catalog refetch")
	)
	flag.Parse()

	_ = godotenv.Load()
	must(logger.Init())
	defer logger.Shutdown(context.Background())
	must(trace.Init())
	defer trace.Shutdown(context.Background())

	cfg, err := store.LoadConfig("config.yaml")
	must(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Println("Interrupted, cancelling...")
		cancel()
	}()

	provider := buildProvider(ctx, cfg, *force)

	if *brokerName == "" {
		names := provider.Names()
		if len(names) == 0 {
			log.Fatal("no broker came up; check config.yaml and credentials")
		}
		*brokerName = names[0]
	}

	must(dispatch(ctx, provider, *brokerName, *op, opArgs{
		symbol:    *symbol,
		exchange:  *exchange,
		qty:       *qty,
		side:      *side,
		orderType: *orderType,
		product:   *product,
		price:     *price,
		trigger:   *trigger,
		offset:    *offset,
		slPct:     *slPct,
		orderID:   *orderID,
		key:       *key,
		force:     *force,
	}))
}

type opArgs struct {
	symbol    string
	exchange  string
	qty       int
	side      string
	orderType string
	product   string
	price     float64
	trigger   float64
	offset    float64
	slPct     float64
	orderID   string
	key       string
	force     bool
}

func dispatch(ctx context.Context, p *broker.Provider, name, op string, a opArgs) error {
	switch op {
	case "orders":
		orders, err := p.ListOrders(ctx, name)
		if err != nil {
			return err
		}
		return printJSON(orders)
	case "positions":
		positions, err := p.ListPositions(ctx, name)
		if err != nil {
			return err
		}
		return printJSON(positions)
	case "holdings":
		holdings, err := p.ListHoldings(ctx, name)
		if err != nil {
			return err
		}
		return printJSON(holdings)
	case "ltp":
		price, err := p.LTP(ctx, name, a.symbol, a.exchange)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"symbol": a.symbol, "ltp": price})
	case "place":
		result, err := p.PlaceOrder(ctx, name, types.OrderRequest{
			Symbol:          a.symbol,
			Exchange:        a.exchange,
			TransactionType: a.side,
			OrderType:       a.orderType,
			Quantity:        a.qty,
			Price:           a.price,
			TriggerPrice:    a.trigger,
			Product:         a.product,
			Validity:        types.ValidityDay,
		})
		if err != nil {
			return err
		}
		return printJSON(result)
	case "cancel":
		if a.orderID == "" {
			return fmt.Errorf("cancel needs -order-id")
		}
		result, err := p.CancelOrder(ctx, name, a.orderID)
		if err != nil {
			return err
		}
		return printJSON(result)
	case "cancel-all":
		report, err := p.CancelAllOrders(ctx, name)
		if err != nil {
			return err
		}
		return printJSON(report)
	case "exit-all":
		report, err := p.ExitAllPositions(ctx, name)
		if err != nil {
			return err
		}
		return printJSON(report)
	case "exit-all-limit":
		report, err := p.ExitAllPositionsLimit(ctx, name, a.offset)
		if err != nil {
			return err
		}
		return printJSON(report)
	case "exit-all-sl":
		report, err := p.ExitAllPositionsStopLoss(ctx, name, a.slPct)
		if err != nil {
			return err
		}
		return printJSON(report)
	case "lookup":
		if a.key == "" {
			a.key = a.symbol
		}
		in, err := p.InstrumentDetails(name, a.key)
		if err != nil {
			return err
		}
		return printJSON(in)
	case "refresh":
		if err := p.RefreshInstruments(ctx, name, a.force); err != nil {
			return err
		}
		return printJSON(map[string]string{"status": "refreshed"})
	default:
		return fmt.Errorf("unknown op %q", op)
	}
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
