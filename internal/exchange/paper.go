package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PaperClient reads real market data through an underlying client and
// simulates order fills in memory. No private request ever leaves it.
type PaperClient struct {
	market Client // public data source

	mu        sync.Mutex
	nextID    int
	orders    map[string]*Order
	positions map[string]*MarginPosition // keyed by side
	balance   Balance
	logger    zerolog.Logger
}

// NewPaperClient wraps a market-data client with an initial JPY balance.
func NewPaperClient(market Client, initialJPY float64, logger zerolog.Logger) *PaperClient {
	return &PaperClient{
		market:    market,
		orders:    make(map[string]*Order),
		positions: make(map[string]*MarginPosition),
		balance:   Balance{TotalJPY: initialJPY, AvailableJPY: initialJPY},
		logger:    logger.With().Str("component", "paper_exchange").Logger(),
	}
}

func (p *PaperClient) RateLimitInterval() int { return p.market.RateLimitInterval() }

func (p *PaperClient) FetchOHLCV(ctx context.Context, pair, timeframe string, sinceMS int64, limit int) ([]Candle, error) {
	return p.market.FetchOHLCV(ctx, pair, timeframe, sinceMS, limit)
}

func (p *PaperClient) FetchTicker(ctx context.Context, pair string) (*Ticker, error) {
	ticker, err := p.market.FetchTicker(ctx, pair)
	if err != nil {
		return nil, err
	}
	p.settle(ticker)
	return ticker, nil
}

func (p *PaperClient) FetchOrderBook(ctx context.Context, pair string, depth int) (*OrderBook, error) {
	return p.market.FetchOrderBook(ctx, pair, depth)
}

// settle fills any resting order the latest price has crossed.
func (p *PaperClient) settle(ticker *Ticker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.orders {
		if o.IsTerminal() {
			continue
		}
		if crossed(o, ticker.Last) {
			p.fillLocked(o, o.FillPrice())
		}
	}
}

func crossed(o *Order, last float64) bool {
	switch o.Type {
	case TypeLimit:
		if o.Side == SideBuy {
			return last <= o.Price
		}
		return last >= o.Price
	case TypeStop, TypeStopLimit:
		if o.Side == SideBuy {
			return last >= o.TriggerPrice
		}
		return last <= o.TriggerPrice
	}
	return false
}

func (p *PaperClient) fillLocked(o *Order, price float64) {
	o.Status = StatusClosed
	o.Filled = o.Amount
	o.Average = price
	p.applyFillLocked(o)
	p.logger.Info().Str("order_id", o.ID).Str("side", o.Side).Float64("price", price).Msg("paper fill")
}

// applyFillLocked updates simulated positions for a fill.
func (p *PaperClient) applyFillLocked(o *Order) {
	openSide := PositionLong
	if o.Side == SideSell {
		openSide = PositionShort
	}
	closeSide := PositionShort
	if o.Side == SideSell {
		closeSide = PositionLong
	}

	if pos, ok := p.positions[closeSide]; ok && pos.Amount > 0 {
		closed := o.Filled
		if closed >= pos.Amount {
			closed = pos.Amount
			delete(p.positions, closeSide)
		} else {
			pos.Amount -= closed
		}
		var pnl float64
		if closeSide == PositionLong {
			pnl = (o.Average - pos.AveragePrice) * closed
		} else {
			pnl = (pos.AveragePrice - o.Average) * closed
		}
		p.balance.TotalJPY += pnl
		p.balance.AvailableJPY += pnl
		return
	}

	if pos, ok := p.positions[openSide]; ok {
		total := pos.Amount + o.Filled
		pos.AveragePrice = (pos.AveragePrice*pos.Amount + o.Average*o.Filled) / total
		pos.Amount = total
	} else {
		p.positions[openSide] = &MarginPosition{
			Pair:         o.Pair,
			Side:         openSide,
			Amount:       o.Filled,
			AveragePrice: o.Average,
		}
	}
}

func (p *PaperClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	price := req.Price
	if req.Type == TypeMarket {
		ticker, err := p.market.FetchTicker(ctx, req.Pair)
		if err != nil {
			return nil, fmt.Errorf("paper market fill: %w", err)
		}
		if req.Side == SideBuy {
			price = ticker.Ask
		} else {
			price = ticker.Bid
		}
		if price == 0 {
			price = ticker.Last
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	order := &Order{
		ID:            fmt.Sprintf("paper-%d", p.nextID),
		ClientOrderID: req.ClientOrderID,
		Pair:          req.Pair,
		Side:          req.Side,
		Type:          req.Type,
		Status:        StatusOpen,
		Price:         req.Price,
		TriggerPrice:  req.TriggerPrice,
		Amount:        req.Amount,
		OrderedAt:     time.Now().UnixMilli(),
	}
	p.orders[order.ID] = order
	if req.Type == TypeMarket {
		p.fillLocked(order, price)
	}
	out := *order
	return &out, nil
}

func (p *PaperClient) CancelOrder(ctx context.Context, orderID, pair string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return NewAPIError(CodeOrderNotFound, "order not found")
	}
	if o.IsTerminal() {
		return NewAPIError(CodeOrderNotFound, "order already terminal")
	}
	o.Status = StatusCanceled
	return nil
}

func (p *PaperClient) FetchOrder(ctx context.Context, orderID, pair string) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return nil, NewAPIError(CodeOrderNotFound, "order not found")
	}
	out := *o
	return &out, nil
}

func (p *PaperClient) FetchActiveOrders(ctx context.Context, pair string, limit int) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Order
	for _, o := range p.orders {
		if !o.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (p *PaperClient) FetchMarginPositions(ctx context.Context, pair string) ([]MarginPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []MarginPosition
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *PaperClient) FetchMarginStatus(ctx context.Context) (*MarginStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var positionValue float64
	for _, pos := range p.positions {
		positionValue += pos.Amount * pos.AveragePrice
	}
	available := p.balance.AvailableJPY
	status := &MarginStatus{
		AvailableBalance: &available,
		PositionValue:    &positionValue,
		Timestamp:        time.Now().UnixMilli(),
	}
	if positionValue > 0 {
		ratio := p.balance.TotalJPY / positionValue * 100
		status.MarginRatio = &ratio
	}
	return status, nil
}

func (p *PaperClient) FetchBalance(ctx context.Context) (*Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.balance
	return &b, nil
}
