package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"perpcore/domain/fixed"
	"perpcore/domain/orderbook"
	"perpcore/domain/risk"
	"perpcore/infra/clock"
	"perpcore/service"
	"perpcore/staticerr"
	"perpcore/storage"
)

func d(s string) fixed.Decimal { return fixed.MustParse(s) }

func newClient(t *testing.T) *grpc.ClientConn {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC))
	store := storage.New(context.Background(), storage.Config{Clock: clk}, storage.NewMemoryWarm(), storage.NewMemoryCold())
	svc, err := service.New(service.Options{
		Markets: []risk.Market{{
			Symbol:                 "BTC-PERP",
			MinSize:                d("0.001"),
			TickSize:               d("0.5"),
			MaxLeverage:            d("20"),
			MaintenanceMarginRatio: d("0.05"),
			FundingInterval:        8 * time.Hour,
			MaxFundingRate:         d("0.01"),
		}},
		Storage: store,
		Clock:   clk,
	})
	if err != nil {
		t.Fatal(err)
	}

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(svc)
	go srv.Serve(lis)
	t.Cleanup(func() {
		srv.Stop()
		svc.Close()
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func call(t *testing.T, conn *grpc.ClientConn, method string, req, resp any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Invoke(ctx, FullMethod(method), req, resp)
}

func TestPlaceAndQueryOverGRPC(t *testing.T) {
	conn := newClient(t)

	if err := call(t, conn, "SetMarkPrice", &SetPriceRequest{Market: "BTC-PERP", Price: d("50000")}, &Ack{}); err != nil {
		t.Fatal(err)
	}

	var placed PlaceOrderResponse
	err := call(t, conn, "PlaceOrder", &PlaceOrderRequest{
		Trader: "alice", Pair: "BTC-PERP", Side: orderbook.Sell, Type: orderbook.Limit,
		Price: d("50000"), Quantity: d("0.1"),
	}, &placed)
	if err != nil {
		t.Fatal(err)
	}
	if placed.Order.Status != orderbook.Open || placed.Order.ID == "" {
		t.Fatalf("placed = %+v", placed.Order)
	}

	var filled PlaceOrderResponse
	err = call(t, conn, "PlaceOrder", &PlaceOrderRequest{
		Trader: "bob", Pair: "BTC-PERP", Side: orderbook.Buy, Type: orderbook.Market, Quantity: d("0.1"),
	}, &filled)
	if err != nil {
		t.Fatal(err)
	}
	if len(filled.Trades) != 1 || !filled.Trades[0].Price.Equal(d("50000")) {
		t.Fatalf("trades = %+v", filled.Trades)
	}

	var positions PositionsResponse
	if err := call(t, conn, "GetTraderPositions", &GetTraderPositionsRequest{Trader: "bob"}, &positions); err != nil {
		t.Fatal(err)
	}
	if len(positions.Positions) != 1 || positions.Positions[0].Side != risk.Long {
		t.Fatalf("positions = %+v", positions.Positions)
	}

	var book service.Book
	if err := call(t, conn, "GetOrderBook", &GetOrderBookRequest{Pair: "BTC-PERP", Depth: 5}, &book); err != nil {
		t.Fatal(err)
	}
	if len(book.Bids) != 0 || len(book.Asks) != 0 || !book.ValidatorConsensus {
		t.Fatalf("book = %+v", book)
	}

	var health service.Health
	if err := call(t, conn, "Health", &HealthRequest{}, &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Markets != 1 {
		t.Fatalf("health = %+v", health)
	}
}

func TestErrorCodes(t *testing.T) {
	conn := newClient(t)

	err := call(t, conn, "PlaceOrder", &PlaceOrderRequest{
		Trader: "alice", Pair: "BTC-PERP", Side: orderbook.Buy, Type: orderbook.Limit,
		Price: d("100.25"), Quantity: d("0.1"),
	}, &PlaceOrderResponse{})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("off-tick price: %v", err)
	}

	err = call(t, conn, "CancelOrder", &CancelOrderRequest{OrderID: "missing"}, &OrderResponse{})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("unknown order: %v", err)
	}

	err = call(t, conn, "PlaceOrder", &PlaceOrderRequest{
		Trader: "alice", Pair: "BTC-PERP", Side: orderbook.Buy, Type: orderbook.FOK,
		Price: d("50000"), Quantity: d("1"),
	}, &PlaceOrderResponse{})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("unfillable FOK: %v", err)
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{staticerr.Violate(staticerr.ErrSizeBelowMinimum, "size", "0", "0.001"), codes.InvalidArgument},
		{errors.Wrap(staticerr.ErrPositionNotFound, "position p"), codes.NotFound},
		{staticerr.Violate(staticerr.ErrExceedsPositionSize, "size", "2", "1"), codes.FailedPrecondition},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tt := range tests {
		if got := status.Code(toStatus(tt.err)); got != tt.code {
			t.Errorf("toStatus(%v) = %s; want %s", tt.err, got, tt.code)
		}
	}
	if toStatus(nil) != nil {
		t.Error("nil error must map to nil")
	}
}
