package exchange

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// TickerStream keeps a live ticker over websocket with automatic
// reconnection. Consumers read the last ticker and check its staleness;
// a stale stream means callers should fall back to REST.
type TickerStream struct {
	url    string
	pair   string
	logger zerolog.Logger

	mu         sync.RWMutex
	last       *Ticker
	lastUpdate time.Time
	connected  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTickerStream builds a stream for one pair. Call Start to connect.
func NewTickerStream(wsURL, pair string, logger zerolog.Logger) *TickerStream {
	return &TickerStream{
		url:    wsURL,
		pair:   pair,
		logger: logger.With().Str("component", "ticker_stream").Str("pair", pair).Logger(),
	}
}

// Start connects and keeps reconnecting until Stop or ctx cancellation.
func (s *TickerStream) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		backoff := time.Second
		for {
			if ctx.Err() != nil {
				return
			}
			err := s.run(ctx)
			if ctx.Err() != nil {
				return
			}
			s.setConnected(false)
			s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("ticker stream disconnected, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()
}

// Stop closes the stream and waits for the reader goroutine.
func (s *TickerStream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

type wsMessage struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

func (s *TickerStream) run(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"method": "subscribe",
		"channel": "ticker_" + s.pair,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	s.setConnected(true)
	s.logger.Info().Msg("ticker stream connected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Channel != "ticker_"+s.pair {
			continue
		}
		var data tickerData
		if err := json.Unmarshal(msg.Message, &data); err != nil {
			s.logger.Debug().Err(err).Msg("skipping unparseable ticker frame")
			continue
		}
		s.mu.Lock()
		s.last = &Ticker{
			Pair:      s.pair,
			Last:      parseFloat(data.Last),
			Bid:       parseFloat(data.Buy),
			Ask:       parseFloat(data.Sell),
			High:      parseFloat(data.High),
			Low:       parseFloat(data.Low),
			Volume:    parseFloat(data.Vol),
			Timestamp: data.Timestamp,
		}
		s.lastUpdate = time.Now()
		s.mu.Unlock()
	}
}

func (s *TickerStream) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// Last returns the most recent ticker and its age. A nil ticker means no
// frame has arrived yet.
func (s *TickerStream) Last() (*Ticker, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil, 0
	}
	t := *s.last
	return &t, time.Since(s.lastUpdate)
}

// Fresh reports whether the stream has a ticker younger than maxAge.
func (s *TickerStream) Fresh(maxAge time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected && s.last != nil && time.Since(s.lastUpdate) <= maxAge
}
