package exchange

import "time"

// Order sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order types.
const (
	TypeMarket    = "market"
	TypeLimit     = "limit"
	TypeStop      = "stop"
	TypeStopLimit = "stop_limit"
)

// Order statuses as reported by the exchange.
const (
	StatusOpen     = "open"
	StatusClosed   = "closed"
	StatusCanceled = "canceled"
	StatusExpired  = "expired"
)

// Margin position sides as reported by the exchange.
const (
	PositionLong  = "long"
	PositionShort = "short"
)

// Candle is a single OHLCV bar. Timestamp is unix milliseconds.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Time returns the bar's open time in UTC.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.Timestamp).UTC()
}

// Ticker is the latest trade and best quotes for a pair.
type Ticker struct {
	Pair      string  `json:"pair"`
	Last      float64 `json:"last"`
	Bid       float64 `json:"buy"`
	Ask       float64 `json:"sell"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Volume    float64 `json:"vol"`
	Timestamp int64   `json:"timestamp"`
}

// BookLevel is one price level of the order book.
type BookLevel struct {
	Price  float64
	Amount float64
}

// OrderBook holds best-first bids and asks.
type OrderBook struct {
	Pair      string
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp int64
}

// BestBid returns the top bid price, or 0 when the book is empty.
func (ob *OrderBook) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk returns the top ask price, or 0 when the book is empty.
func (ob *OrderBook) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// SpreadRatio returns (ask-bid)/mid, or 0 when the book is unusable.
func (ob *OrderBook) SpreadRatio() float64 {
	bid, ask := ob.BestBid(), ob.BestAsk()
	if bid <= 0 || ask <= 0 || ask <= bid {
		return 0
	}
	mid := (bid + ask) / 2
	return (ask - bid) / mid
}

// OrderRequest describes an order to be placed.
type OrderRequest struct {
	Pair              string
	Side              string // buy or sell
	Type              string // market, limit, stop, stop_limit
	Amount            float64
	Price             float64 // limit price, 0 for market
	TriggerPrice      float64 // stop/stop_limit trigger
	PostOnly          bool
	IsClosingOrder    bool   // margin close flag
	EntryPositionSide string // long/short being closed
	ClientOrderID     string
}

// Order is the exchange's view of an order.
type Order struct {
	ID            string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Pair          string  `json:"pair"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	Price         float64 `json:"price"`
	TriggerPrice  float64 `json:"trigger_price"`
	Amount        float64 `json:"start_amount"`
	Filled        float64 `json:"executed_amount"`
	Average       float64 `json:"average_price"`
	Fee           float64 `json:"fee"`
	OrderedAt     int64   `json:"ordered_at"`
}

// IsTerminal reports whether the order can no longer fill.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusClosed, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// FillPrice returns the effective fill price, preferring the average.
func (o *Order) FillPrice() float64 {
	if o.Average > 0 {
		return o.Average
	}
	return o.Price
}

// MarginPosition is one open margin position at the exchange.
type MarginPosition struct {
	Pair                     string  `json:"pair"`
	Side                     string  `json:"position_side"` // long or short
	Amount                   float64 `json:"open_amount"`
	AveragePrice             float64 `json:"average_price"`
	UnrealizedFeeAmount      float64 `json:"unrealized_fee_amount"`
	UnrealizedInterestAmount float64 `json:"unrealized_interest_amount"`
}

// MarginStatus is the exchange margin-status snapshot. Pointer fields are
// nil when the exchange omits them.
type MarginStatus struct {
	MarginRatio      *float64 `json:"margin_ratio"`
	AvailableBalance *float64 `json:"available_balance"`
	PositionValue    *float64 `json:"position_value"`
	Timestamp        int64    `json:"timestamp"`
}

// Balance is the account balance snapshot in quote currency terms.
type Balance struct {
	TotalJPY     float64
	AvailableJPY float64
	LockedJPY    float64
	BTC          float64
}
