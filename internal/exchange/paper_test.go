package exchange

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func newPaperFixture() (*MockClient, *PaperClient) {
	market := NewMockClient()
	market.Ticker = &Ticker{Pair: "btc_jpy", Last: 16_000_000, Bid: 15_999_000, Ask: 16_001_000}
	return market, NewPaperClient(market, 1_000_000, zerolog.Nop())
}

func TestPaperMarketBuyFillsAtAsk(t *testing.T) {
	_, paper := newPaperFixture()
	ctx := context.Background()

	order, err := paper.CreateOrder(ctx, OrderRequest{Pair: "btc_jpy", Side: SideBuy, Type: TypeMarket, Amount: 0.001})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != StatusClosed || order.Average != 16_001_000 {
		t.Fatalf("order = %+v, want closed at ask", order)
	}

	positions, err := paper.FetchMarginPositions(ctx, "btc_jpy")
	if err != nil {
		t.Fatalf("FetchMarginPositions: %v", err)
	}
	if len(positions) != 1 || positions[0].Side != PositionLong || positions[0].Amount != 0.001 {
		t.Fatalf("positions = %+v, want one long 0.001", positions)
	}
}

func TestPaperRestingLimitFillsOnCross(t *testing.T) {
	market, paper := newPaperFixture()
	ctx := context.Background()

	if _, err := paper.CreateOrder(ctx, OrderRequest{Pair: "btc_jpy", Side: SideBuy, Type: TypeMarket, Amount: 0.001}); err != nil {
		t.Fatalf("entry: %v", err)
	}
	sell, err := paper.CreateOrder(ctx, OrderRequest{Pair: "btc_jpy", Side: SideSell, Type: TypeLimit, Price: 16_100_000, Amount: 0.001})
	if err != nil {
		t.Fatalf("limit sell: %v", err)
	}
	if sell.Status != StatusOpen {
		t.Fatalf("limit order status = %s, want open before the price crosses", sell.Status)
	}

	// price below the limit: still resting
	if _, err := paper.FetchTicker(ctx, "btc_jpy"); err != nil {
		t.Fatalf("FetchTicker: %v", err)
	}
	got, _ := paper.FetchOrder(ctx, sell.ID, "btc_jpy")
	if got.Status != StatusOpen {
		t.Fatalf("status = %s, want still open at 16M", got.Status)
	}

	market.Ticker = &Ticker{Pair: "btc_jpy", Last: 16_150_000, Bid: 16_149_000, Ask: 16_151_000}
	if _, err := paper.FetchTicker(ctx, "btc_jpy"); err != nil {
		t.Fatalf("FetchTicker: %v", err)
	}
	got, _ = paper.FetchOrder(ctx, sell.ID, "btc_jpy")
	if got.Status != StatusClosed || got.Average != 16_100_000 {
		t.Fatalf("order = %+v, want filled at its limit price", got)
	}

	positions, _ := paper.FetchMarginPositions(ctx, "btc_jpy")
	if len(positions) != 0 {
		t.Fatalf("positions = %+v, want flat after the fill", positions)
	}
	bal, _ := paper.FetchBalance(ctx)
	wantPnL := (16_100_000.0 - 16_001_000.0) * 0.001
	if bal.TotalJPY != 1_000_000+wantPnL {
		t.Fatalf("balance = %v, want %v", bal.TotalJPY, 1_000_000+wantPnL)
	}
}

func TestPaperReverseMarketClosesAndRealizes(t *testing.T) {
	market, paper := newPaperFixture()
	ctx := context.Background()

	if _, err := paper.CreateOrder(ctx, OrderRequest{Pair: "btc_jpy", Side: SideBuy, Type: TypeMarket, Amount: 0.001}); err != nil {
		t.Fatalf("entry: %v", err)
	}
	market.Ticker = &Ticker{Pair: "btc_jpy", Last: 15_800_000, Bid: 15_799_000, Ask: 15_801_000}
	if _, err := paper.CreateOrder(ctx, OrderRequest{Pair: "btc_jpy", Side: SideSell, Type: TypeMarket, Amount: 0.001}); err != nil {
		t.Fatalf("close: %v", err)
	}

	positions, _ := paper.FetchMarginPositions(ctx, "btc_jpy")
	if len(positions) != 0 {
		t.Fatalf("positions = %+v, want flat", positions)
	}
	bal, _ := paper.FetchBalance(ctx)
	wantPnL := (15_799_000.0 - 16_001_000.0) * 0.001 // sold at bid
	if bal.TotalJPY != 1_000_000+wantPnL {
		t.Fatalf("balance = %v, want loss realized (%v)", bal.TotalJPY, 1_000_000+wantPnL)
	}
}

func TestPaperCancelSemantics(t *testing.T) {
	_, paper := newPaperFixture()
	ctx := context.Background()

	order, err := paper.CreateOrder(ctx, OrderRequest{Pair: "btc_jpy", Side: SideBuy, Type: TypeLimit, Price: 15_000_000, Amount: 0.001})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if err := paper.CancelOrder(ctx, order.ID, "btc_jpy"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if err := paper.CancelOrder(ctx, order.ID, "btc_jpy"); !IsOrderNotFound(err) {
		t.Fatalf("second cancel err = %v, want order-not-found code", err)
	}
	if err := paper.CancelOrder(ctx, "missing", "btc_jpy"); !IsOrderNotFound(err) {
		t.Fatalf("cancel missing err = %v, want order-not-found code", err)
	}
}
