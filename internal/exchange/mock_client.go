package exchange

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a scriptable Client for tests. Responses are queued per
// method; every call is recorded.
type MockClient struct {
	mu sync.Mutex

	Candles       []Candle
	CandlesErr    error
	Ticker        *Ticker
	TickerErr     error
	Book          *OrderBook
	BookErr       error
	Positions     []MarginPosition
	PositionsErr  error
	Margin        *MarginStatus
	MarginErr     error
	Balance       *Balance
	BalanceErr    error
	ActiveOrders  []Order
	ActiveErr     error

	// CreateOrderFn, when set, overrides the default fill behavior.
	CreateOrderFn func(req OrderRequest) (*Order, error)
	CreateErr     error
	CancelErr     error
	FetchOrderFn  func(orderID string) (*Order, error)
	FetchOrderErr error

	CreatedOrders  []OrderRequest
	CanceledOrders []string
	FetchedOrders  []string

	nextID int
	orders map[string]*Order
}

// NewMockClient returns an empty mock with no scripted responses.
func NewMockClient() *MockClient {
	return &MockClient{orders: make(map[string]*Order)}
}

func (m *MockClient) RateLimitInterval() int { return 0 }

func (m *MockClient) FetchOHLCV(ctx context.Context, pair, timeframe string, sinceMS int64, limit int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CandlesErr != nil {
		return nil, m.CandlesErr
	}
	out := make([]Candle, 0, limit)
	for _, c := range m.Candles {
		if c.Timestamp < sinceMS {
			continue
		}
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MockClient) FetchTicker(ctx context.Context, pair string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TickerErr != nil {
		return nil, m.TickerErr
	}
	if m.Ticker == nil {
		return nil, ErrEmptyResponse
	}
	t := *m.Ticker
	return &t, nil
}

func (m *MockClient) FetchOrderBook(ctx context.Context, pair string, depth int) (*OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BookErr != nil {
		return nil, m.BookErr
	}
	if m.Book == nil {
		return nil, ErrEmptyResponse
	}
	b := *m.Book
	return &b, nil
}

func (m *MockClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreatedOrders = append(m.CreatedOrders, req)
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	if m.CreateOrderFn != nil {
		order, err := m.CreateOrderFn(req)
		if order != nil {
			m.orders[order.ID] = order
		}
		return order, err
	}
	m.nextID++
	status := StatusOpen
	filled := 0.0
	avg := 0.0
	if req.Type == TypeMarket {
		status = StatusClosed
		filled = req.Amount
		avg = req.Price
		if avg == 0 && m.Ticker != nil {
			avg = m.Ticker.Last
		}
	}
	order := &Order{
		ID:            fmt.Sprintf("mock-%d", m.nextID),
		ClientOrderID: req.ClientOrderID,
		Pair:          req.Pair,
		Side:          req.Side,
		Type:          req.Type,
		Status:        status,
		Price:         req.Price,
		TriggerPrice:  req.TriggerPrice,
		Amount:        req.Amount,
		Filled:        filled,
		Average:       avg,
	}
	m.orders[order.ID] = order
	out := *order
	return &out, nil
}

func (m *MockClient) CancelOrder(ctx context.Context, orderID, pair string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CanceledOrders = append(m.CanceledOrders, orderID)
	if m.CancelErr != nil {
		return m.CancelErr
	}
	if o, ok := m.orders[orderID]; ok && !o.IsTerminal() {
		o.Status = StatusCanceled
		return nil
	}
	if _, ok := m.orders[orderID]; !ok {
		return NewAPIError(CodeOrderNotFound, "order not found")
	}
	return nil
}

func (m *MockClient) FetchOrder(ctx context.Context, orderID, pair string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchedOrders = append(m.FetchedOrders, orderID)
	if m.FetchOrderErr != nil {
		return nil, m.FetchOrderErr
	}
	if m.FetchOrderFn != nil {
		return m.FetchOrderFn(orderID)
	}
	if o, ok := m.orders[orderID]; ok {
		out := *o
		return &out, nil
	}
	return nil, NewAPIError(CodeOrderNotFound, "order not found")
}

func (m *MockClient) FetchActiveOrders(ctx context.Context, pair string, limit int) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ActiveErr != nil {
		return nil, m.ActiveErr
	}
	if m.ActiveOrders != nil {
		out := make([]Order, len(m.ActiveOrders))
		copy(out, m.ActiveOrders)
		return out, nil
	}
	var out []Order
	for _, o := range m.orders {
		if !o.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *MockClient) FetchMarginPositions(ctx context.Context, pair string) ([]MarginPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	out := make([]MarginPosition, len(m.Positions))
	copy(out, m.Positions)
	return out, nil
}

func (m *MockClient) FetchMarginStatus(ctx context.Context) (*MarginStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MarginErr != nil {
		return nil, m.MarginErr
	}
	if m.Margin == nil {
		return nil, ErrEmptyResponse
	}
	s := *m.Margin
	return &s, nil
}

func (m *MockClient) FetchBalance(ctx context.Context) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return nil, m.BalanceErr
	}
	if m.Balance == nil {
		return nil, ErrEmptyResponse
	}
	b := *m.Balance
	return &b, nil
}

// SetOrder seeds an order the mock will report from FetchOrder.
func (m *MockClient) SetOrder(order *Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = order
}
