package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// RESTClient talks to the exchange's public and private REST APIs.
// Private requests are signed with HMAC-SHA256 over nonce + path + body.
type RESTClient struct {
	apiKey      string
	secretKey   string
	publicBase  string
	privateBase string
	rateLimitMS int
	httpClient  *http.Client
	logger      zerolog.Logger
}

// RESTConfig configures a RESTClient.
type RESTConfig struct {
	APIKey      string
	SecretKey   string
	PublicBase  string
	PrivateBase string
	RateLimitMS int
	Timeout     time.Duration
}

// NewRESTClient creates an exchange REST client.
func NewRESTClient(cfg RESTConfig, logger zerolog.Logger) *RESTClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	rl := cfg.RateLimitMS
	if rl == 0 {
		rl = 350
	}
	return &RESTClient{
		apiKey:      cfg.APIKey,
		secretKey:   cfg.SecretKey,
		publicBase:  cfg.PublicBase,
		privateBase: cfg.PrivateBase,
		rateLimitMS: rl,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger.With().Str("component", "exchange").Logger(),
	}
}

// RateLimitInterval returns the pagination delay in milliseconds.
func (c *RESTClient) RateLimitInterval() int { return c.rateLimitMS }

// envelope is the exchange's standard response wrapper.
type envelope struct {
	Success int             `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type errorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *RESTClient) decode(body []byte, out interface{}) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("error parsing response: %w", err)
	}
	if env.Success != 1 {
		var ed errorData
		if err := json.Unmarshal(env.Data, &ed); err != nil || ed.Code == 0 {
			return NewAPIError(0, string(env.Data))
		}
		return NewAPIError(ed.Code, ed.Message)
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 {
		return ErrEmptyResponse
	}
	return json.Unmarshal(env.Data, out)
}

func (c *RESTClient) publicGet(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.publicBase+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *RESTClient) privateGet(ctx context.Context, path string, query url.Values, out interface{}) error {
	full := path
	if len(query) > 0 {
		full = path + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.privateBase+full, nil)
	if err != nil {
		return err
	}
	c.sign(req, full, "")
	return c.do(req, out)
}

func (c *RESTClient) privatePost(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.privateBase+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, path, string(body))
	return c.do(req, out)
}

// sign attaches the ACCESS-* authentication headers. The signature covers
// nonce + path for GET and nonce + body for POST.
func (c *RESTClient) sign(req *http.Request, path, body string) {
	nonce := strconv.FormatInt(time.Now().UnixMilli(), 10)
	message := nonce + path
	if body != "" {
		message = nonce + body
	}
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(message))

	req.Header.Set("ACCESS-KEY", c.apiKey)
	req.Header.Set("ACCESS-NONCE", nonce)
	req.Header.Set("ACCESS-SIGNATURE", hex.EncodeToString(mac.Sum(nil)))
}

func (c *RESTClient) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return NewAPIError(CodeRateLimited, "http 429")
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("exchange HTTP %d: %s", resp.StatusCode, string(body))
	}
	return c.decode(body, out)
}

// candlestickData is the public candlestick payload: each candle is
// [open, high, low, close, volume, timestamp_ms] with string prices.
type candlestickData struct {
	Candlestick []struct {
		Type  string          `json:"type"`
		OHLCV [][]interface{} `json:"ohlcv"`
	} `json:"candlestick"`
}

// FetchOHLCV returns bars at or after sinceMS, capped at limit. The public
// API serves candles by calendar date, so multiple dates may be walked.
func (c *RESTClient) FetchOHLCV(ctx context.Context, pair, timeframe string, sinceMS int64, limit int) ([]Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	interval, err := TimeframeInterval(timeframe)
	if err != nil {
		return nil, err
	}

	since := time.UnixMilli(sinceMS).UTC()
	var out []Candle
	// Walk forward one calendar date at a time until limit is reached or
	// the walk passes now.
	for date := since.Truncate(24 * time.Hour); !date.After(time.Now().UTC()); date = date.Add(24 * time.Hour) {
		var data candlestickData
		path := fmt.Sprintf("/%s/candlestick/%s/%s", pair, timeframe, date.Format("20060102"))
		if err := c.publicGet(ctx, path, &data); err != nil {
			if len(out) > 0 {
				// partial result beats a hard failure mid-walk
				c.logger.Warn().Err(err).Str("date", date.Format("20060102")).Msg("candlestick page failed, returning partial")
				return out, nil
			}
			return nil, err
		}
		for _, set := range data.Candlestick {
			for _, raw := range set.OHLCV {
				candle, ok := parseOHLCVRow(raw)
				if !ok {
					continue
				}
				if candle.Timestamp < sinceMS {
					continue
				}
				out = append(out, candle)
				if len(out) >= limit {
					return out, nil
				}
			}
		}
		_ = interval
	}
	return out, nil
}

func parseOHLCVRow(raw []interface{}) (Candle, bool) {
	if len(raw) < 6 {
		return Candle{}, false
	}
	ts, ok := raw[5].(float64)
	if !ok {
		return Candle{}, false
	}
	return Candle{
		Open:      parseFloat(raw[0]),
		High:      parseFloat(raw[1]),
		Low:       parseFloat(raw[2]),
		Close:     parseFloat(raw[3]),
		Volume:    parseFloat(raw[4]),
		Timestamp: int64(ts),
	}, true
}

type tickerData struct {
	Last      string `json:"last"`
	Buy       string `json:"buy"`
	Sell      string `json:"sell"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Vol       string `json:"vol"`
	Timestamp int64  `json:"timestamp"`
}

// FetchTicker returns the latest ticker for the pair.
func (c *RESTClient) FetchTicker(ctx context.Context, pair string) (*Ticker, error) {
	var data tickerData
	if err := c.publicGet(ctx, "/"+pair+"/ticker", &data); err != nil {
		return nil, err
	}
	return &Ticker{
		Pair:      pair,
		Last:      parseFloat(data.Last),
		Bid:       parseFloat(data.Buy),
		Ask:       parseFloat(data.Sell),
		High:      parseFloat(data.High),
		Low:       parseFloat(data.Low),
		Volume:    parseFloat(data.Vol),
		Timestamp: data.Timestamp,
	}, nil
}

type depthData struct {
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Timestamp int64      `json:"timestamp"`
}

// FetchOrderBook returns the top depth levels, best-first.
func (c *RESTClient) FetchOrderBook(ctx context.Context, pair string, depth int) (*OrderBook, error) {
	var data depthData
	if err := c.publicGet(ctx, "/"+pair+"/depth", &data); err != nil {
		return nil, err
	}
	book := &OrderBook{Pair: pair, Timestamp: data.Timestamp}
	for i, lvl := range data.Bids {
		if depth > 0 && i >= depth {
			break
		}
		if len(lvl) >= 2 {
			book.Bids = append(book.Bids, BookLevel{Price: parseFloat(lvl[0]), Amount: parseFloat(lvl[1])})
		}
	}
	for i, lvl := range data.Asks {
		if depth > 0 && i >= depth {
			break
		}
		if len(lvl) >= 2 {
			book.Asks = append(book.Asks, BookLevel{Price: parseFloat(lvl[0]), Amount: parseFloat(lvl[1])})
		}
	}
	return book, nil
}

// orderData is the private order payload.
type orderData struct {
	OrderID         json.Number `json:"order_id"`
	ClientOrderID   string      `json:"client_order_id"`
	Pair            string      `json:"pair"`
	Side            string      `json:"side"`
	Type            string      `json:"type"`
	Status          string      `json:"status"`
	Price           string      `json:"price"`
	TriggerPrice    string      `json:"trigger_price"`
	StartAmount     string      `json:"start_amount"`
	ExecutedAmount  string      `json:"executed_amount"`
	AveragePrice    string      `json:"average_price"`
	OrderedAt       int64       `json:"ordered_at"`
}

func (d *orderData) toOrder() *Order {
	return &Order{
		ID:            d.OrderID.String(),
		ClientOrderID: d.ClientOrderID,
		Pair:          d.Pair,
		Side:          d.Side,
		Type:          d.Type,
		Status:        normalizeStatus(d.Status),
		Price:         parseFloat(d.Price),
		TriggerPrice:  parseFloat(d.TriggerPrice),
		Amount:        parseFloat(d.StartAmount),
		Filled:        parseFloat(d.ExecutedAmount),
		Average:       parseFloat(d.AveragePrice),
		OrderedAt:     d.OrderedAt,
	}
}

// normalizeStatus maps native statuses onto open/closed/canceled/expired.
func normalizeStatus(s string) string {
	switch s {
	case "UNFILLED", "PARTIALLY_FILLED", "open":
		return StatusOpen
	case "FULLY_FILLED", "closed":
		return StatusClosed
	case "CANCELED_UNFILLED", "CANCELED_PARTIALLY_FILLED", "canceled":
		return StatusCanceled
	case "EXPIRED", "expired":
		return StatusExpired
	default:
		return s
	}
}

// CreateOrder places an order.
func (c *RESTClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	payload := map[string]interface{}{
		"pair":   req.Pair,
		"side":   req.Side,
		"type":   req.Type,
		"amount": strconv.FormatFloat(req.Amount, 'f', -1, 64),
	}
	if req.Price > 0 {
		payload["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}
	if req.TriggerPrice > 0 {
		payload["trigger_price"] = strconv.FormatFloat(req.TriggerPrice, 'f', -1, 64)
	}
	if req.PostOnly {
		payload["post_only"] = true
	}
	if req.IsClosingOrder {
		payload["position_side"] = req.EntryPositionSide
	}
	if req.ClientOrderID != "" {
		payload["client_order_id"] = req.ClientOrderID
	}

	var data orderData
	if err := c.privatePost(ctx, "/user/spot/order", payload, &data); err != nil {
		return nil, err
	}
	order := data.toOrder()
	c.logger.Info().
		Str("order_id", order.ID).
		Str("side", order.Side).
		Str("type", order.Type).
		Float64("amount", order.Amount).
		Float64("price", order.Price).
		Msg("order placed")
	return order, nil
}

// CancelOrder cancels an order.
func (c *RESTClient) CancelOrder(ctx context.Context, orderID, pair string) error {
	payload := map[string]interface{}{
		"pair":     pair,
		"order_id": orderID,
	}
	return c.privatePost(ctx, "/user/spot/cancel_order", payload, nil)
}

// FetchOrder returns a single order's current state.
func (c *RESTClient) FetchOrder(ctx context.Context, orderID, pair string) (*Order, error) {
	query := url.Values{}
	query.Set("pair", pair)
	query.Set("order_id", orderID)

	var data orderData
	if err := c.privateGet(ctx, "/user/spot/order", query, &data); err != nil {
		return nil, err
	}
	return data.toOrder(), nil
}

type activeOrdersData struct {
	Orders []orderData `json:"orders"`
}

// FetchActiveOrders returns open orders, at most limit (exchange cap 100).
func (c *RESTClient) FetchActiveOrders(ctx context.Context, pair string, limit int) ([]Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := url.Values{}
	query.Set("pair", pair)
	query.Set("count", strconv.Itoa(limit))

	var data activeOrdersData
	if err := c.privateGet(ctx, "/user/spot/active_orders", query, &data); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(data.Orders))
	for i := range data.Orders {
		orders = append(orders, *data.Orders[i].toOrder())
	}
	return orders, nil
}

type marginPositionsData struct {
	Positions []struct {
		Pair                     string `json:"pair"`
		PositionSide             string `json:"position_side"`
		OpenAmount               string `json:"open_amount"`
		AveragePrice             string `json:"average_price"`
		UnrealizedFeeAmount      string `json:"unrealized_fee_amount"`
		UnrealizedInterestAmount string `json:"unrealized_interest_amount"`
	} `json:"positions"`
}

// FetchMarginPositions returns open margin positions for the pair.
func (c *RESTClient) FetchMarginPositions(ctx context.Context, pair string) ([]MarginPosition, error) {
	query := url.Values{}
	query.Set("pair", pair)

	var data marginPositionsData
	if err := c.privateGet(ctx, "/user/margin/positions", query, &data); err != nil {
		return nil, err
	}
	positions := make([]MarginPosition, 0, len(data.Positions))
	for _, p := range data.Positions {
		positions = append(positions, MarginPosition{
			Pair:                     p.Pair,
			Side:                     p.PositionSide,
			Amount:                   parseFloat(p.OpenAmount),
			AveragePrice:             parseFloat(p.AveragePrice),
			UnrealizedFeeAmount:      parseFloat(p.UnrealizedFeeAmount),
			UnrealizedInterestAmount: parseFloat(p.UnrealizedInterestAmount),
		})
	}
	return positions, nil
}

type marginStatusData struct {
	MarginRatio      *string `json:"margin_ratio"`
	AvailableBalance *string `json:"available_balance"`
	PositionValue    *string `json:"position_value"`
	Timestamp        int64   `json:"timestamp"`
}

// FetchMarginStatus returns the margin snapshot; absent fields stay nil.
func (c *RESTClient) FetchMarginStatus(ctx context.Context) (*MarginStatus, error) {
	var data marginStatusData
	if err := c.privateGet(ctx, "/user/margin/status", nil, &data); err != nil {
		return nil, err
	}
	status := &MarginStatus{Timestamp: data.Timestamp}
	if data.MarginRatio != nil {
		v := parseFloat(*data.MarginRatio)
		status.MarginRatio = &v
	}
	if data.AvailableBalance != nil {
		v := parseFloat(*data.AvailableBalance)
		status.AvailableBalance = &v
	}
	if data.PositionValue != nil {
		v := parseFloat(*data.PositionValue)
		status.PositionValue = &v
	}
	return status, nil
}

type assetsData struct {
	Assets []struct {
		Asset           string `json:"asset"`
		OnhandAmount    string `json:"onhand_amount"`
		LockedAmount    string `json:"locked_amount"`
		FreeAmount      string `json:"free_amount"`
	} `json:"assets"`
}

// FetchBalance returns the account balance snapshot.
func (c *RESTClient) FetchBalance(ctx context.Context) (*Balance, error) {
	var data assetsData
	if err := c.privateGet(ctx, "/user/assets", nil, &data); err != nil {
		return nil, err
	}
	bal := &Balance{}
	for _, a := range data.Assets {
		switch a.Asset {
		case "jpy":
			bal.TotalJPY = parseFloat(a.OnhandAmount)
			bal.AvailableJPY = parseFloat(a.FreeAmount)
			bal.LockedJPY = parseFloat(a.LockedAmount)
		case "btc":
			bal.BTC = parseFloat(a.OnhandAmount)
		}
	}
	return bal, nil
}

// TimeframeInterval returns the bar interval for a timeframe label.
func TimeframeInterval(timeframe string) (time.Duration, error) {
	switch timeframe {
	case "1min", "1m":
		return time.Minute, nil
	case "5min", "5m":
		return 5 * time.Minute, nil
	case "15min", "15m":
		return 15 * time.Minute, nil
	case "30min", "30m":
		return 30 * time.Minute, nil
	case "1hour", "1h":
		return time.Hour, nil
	case "4hour", "4h":
		return 4 * time.Hour, nil
	case "8hour", "8h":
		return 8 * time.Hour, nil
	case "1day", "1d":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown timeframe %q", timeframe)
	}
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}
