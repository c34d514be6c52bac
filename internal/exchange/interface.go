package exchange

import "context"

// Client defines the exchange operations the trading core depends on.
// All calls may fail; implementations return exchange-native types.
type Client interface {
	FetchOHLCV(ctx context.Context, pair, timeframe string, sinceMS int64, limit int) ([]Candle, error)
	FetchTicker(ctx context.Context, pair string) (*Ticker, error)
	FetchOrderBook(ctx context.Context, pair string, depth int) (*OrderBook, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, orderID, pair string) error
	FetchOrder(ctx context.Context, orderID, pair string) (*Order, error)
	FetchActiveOrders(ctx context.Context, pair string, limit int) ([]Order, error)
	FetchMarginPositions(ctx context.Context, pair string) ([]MarginPosition, error)
	FetchMarginStatus(ctx context.Context) (*MarginStatus, error)
	FetchBalance(ctx context.Context) (*Balance, error)

	// RateLimitInterval is the minimum delay callers should keep between
	// consecutive paginated requests, in milliseconds.
	RateLimitInterval() int
}

var (
	_ Client = (*RESTClient)(nil)
	_ Client = (*MockClient)(nil)
	_ Client = (*PaperClient)(nil)
)
