// Package marketdata retrieves validated, dense OHLCV frames from the
// exchange, rescuing partial data when a fetch times out mid-way.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nao-namake/crypto-bot-sub005/config"
	"github.com/nao-namake/crypto-bot-sub005/internal/exchange"
)

// Fetcher produces OHLCV frames. All timestamps flow through the hardening
// pipeline before they reach the exchange or the caller.
type Fetcher struct {
	client exchange.Client
	cache  *CandleCache // nil when Redis is disabled
	cfg    config.MarketDataConfig
	pair   string
	logger zerolog.Logger

	mu          sync.Mutex
	lastPartial []exchange.Candle

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// NewFetcher builds a Fetcher. cache may be nil.
func NewFetcher(client exchange.Client, cache *CandleCache, cfg config.MarketDataConfig, pair string, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		client: client,
		cache:  cache,
		cfg:    cfg,
		pair:   pair,
		logger: logger.With().Str("component", "market_data").Logger(),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// FrameRequest describes one frame retrieval.
type FrameRequest struct {
	Timeframe string
	SinceMS   int64 // 0 means now - default_since_hours
	Limit     int
	Paginate  bool
}

// GetPriceFrame returns an ordered, deduplicated, cleaned candle slice.
// On exhausted retries it returns whatever partial data was captured,
// possibly empty, with a nil error; hard errors before any data are
// returned as errors.
func (f *Fetcher) GetPriceFrame(ctx context.Context, req FrameRequest) ([]exchange.Candle, error) {
	// limit 0 asks for nothing: empty frame, no exchange call
	if req.Limit <= 0 {
		return nil, nil
	}
	now := f.now()
	window := time.Duration(f.cfg.ExchangeWindowHours) * time.Hour

	since := req.SinceMS
	if since == 0 {
		since = now.Add(-time.Duration(f.cfg.DefaultSinceHours) * time.Hour).UnixMilli()
	}
	hardened, err := HardenTimestamp(float64(since), now, window)
	if err != nil {
		return nil, fmt.Errorf("since rejected: %w", err)
	}

	if f.cache != nil {
		if cached, ok := f.cache.Get(ctx, f.pair, req.Timeframe, hardened, req.Limit); ok {
			return cached, nil
		}
	}

	var records []exchange.Candle
	if req.Paginate {
		records, err = f.fetchPaginated(ctx, req.Timeframe, hardened, req.Limit)
	} else {
		records, err = f.client.FetchOHLCV(ctx, f.pair, req.Timeframe, hardened, req.Limit)
	}
	if err != nil {
		if partial := f.takePartial(); len(partial) > 0 {
			f.logger.Warn().Err(err).Int("bars", len(partial)).Msg("fetch failed, rescuing partial frame")
			records = partial
		} else {
			return nil, err
		}
	}

	records = f.Clean(records, req.Timeframe)
	if f.cache != nil && len(records) > 0 {
		f.cache.Put(ctx, f.pair, req.Timeframe, hardened, req.Limit, records)
	}
	return records, nil
}

// fetchPaginated walks pages until limit bars are gathered or a
// termination condition fires.
func (f *Fetcher) fetchPaginated(ctx context.Context, timeframe string, sinceMS int64, limit int) ([]exchange.Candle, error) {
	interval, err := exchange.TimeframeInterval(timeframe)
	if err != nil {
		return nil, err
	}

	var (
		records          []exchange.Candle
		seen             = make(map[int64]struct{})
		cursor           = sinceMS
		consecutiveEmpty int
	)
	start := f.now()

	for attempt := 1; len(records) < limit && attempt <= f.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return records, ctx.Err()
		}

		batch, err := f.client.FetchOHLCV(ctx, f.pair, timeframe, cursor, f.cfg.PerPage)
		if err != nil {
			kind := classifyFetchError(err)
			f.logger.Warn().Err(err).Int("attempt", attempt).Str("kind", string(kind)).Msg("page fetch failed")
			if err := f.sleep(ctx, smartBackoff(attempt, consecutiveEmpty, kind)); err != nil {
				return records, err
			}
			continue
		}

		if len(batch) == 0 {
			consecutiveEmpty++
			if f.shouldAbort(consecutiveEmpty, cursor, sinceMS, start) {
				break
			}
			if err := f.sleep(ctx, smartBackoff(attempt, consecutiveEmpty, kindEmpty)); err != nil {
				return records, err
			}
			continue
		}
		consecutiveEmpty = 0

		now := f.now()
		futureCap := now.Add(24 * time.Hour).UnixMilli()
		var lastTS int64
		for _, c := range batch {
			if c.Timestamp <= 0 || c.Timestamp > futureCap {
				continue
			}
			if _, dup := seen[c.Timestamp]; dup {
				continue
			}
			seen[c.Timestamp] = struct{}{}
			records = append(records, c)
			if c.Timestamp > lastTS {
				lastTS = c.Timestamp
			}
			if len(records) >= limit {
				break
			}
		}

		if lastTS > 0 {
			next := lastTS + interval.Milliseconds()
			if nowMS := now.UnixMilli(); next > nowMS {
				next = nowMS
			}
			if next <= cursor {
				// cursor stalled; stop rather than loop on the same page
				break
			}
			cursor = next
		}

		f.savePartial(records)

		if len(records) < limit {
			if err := f.sleep(ctx, time.Duration(f.client.RateLimitInterval())*time.Millisecond); err != nil {
				return records, err
			}
		}
	}

	sortCandles(records)
	return records, nil
}

func (f *Fetcher) shouldAbort(consecutiveEmpty int, cursor, sinceMS int64, start time.Time) bool {
	if consecutiveEmpty >= f.cfg.MaxConsecutiveEmpty {
		f.logger.Warn().Int("consecutive_empty", consecutiveEmpty).Msg("aborting pagination on empty streak")
		return true
	}
	if cursor < sinceMS {
		f.logger.Warn().Int64("cursor", cursor).Msg("aborting pagination on cursor anomaly")
		return true
	}
	span := time.Duration(cursor-sinceMS) * time.Millisecond
	if span > time.Duration(f.cfg.MaxSpanDays)*24*time.Hour {
		f.logger.Warn().Dur("span", span).Msg("aborting pagination on span limit")
		return true
	}
	return false
}

func classifyFetchError(err error) errorKind {
	var netErr net.Error
	switch {
	case exchange.IsRateLimited(err):
		return kindRateLimit
	case errors.Is(err, context.DeadlineExceeded):
		return kindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return kindTimeout
	default:
		return kindAPIError
	}
}

func (f *Fetcher) savePartial(records []exchange.Candle) {
	f.mu.Lock()
	f.lastPartial = append(f.lastPartial[:0], records...)
	f.mu.Unlock()
}

func (f *Fetcher) takePartial() []exchange.Candle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.lastPartial
	f.lastPartial = nil
	return out
}

// GetFreshFrame races a since-based fetch against a latest-only fetch and
// returns the fresher non-empty frame. The loser is cancelled. A timeout
// with any captured bars degrades to a partial result.
func (f *Fetcher) GetFreshFrame(ctx context.Context, timeframe string, sinceMS int64, limit int) ([]exchange.Candle, error) {
	timeout := time.Duration(f.cfg.ParallelTimeoutSecs) * time.Second
	raceCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		sinced  []exchange.Candle
		latest  []exchange.Candle
	)
	g, gctx := errgroup.WithContext(raceCtx)
	g.Go(func() error {
		frame, err := f.GetPriceFrame(gctx, FrameRequest{Timeframe: timeframe, SinceMS: sinceMS, Limit: limit, Paginate: true})
		if err != nil {
			return err
		}
		mu.Lock()
		sinced = frame
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		frame, err := f.GetPriceFrame(gctx, FrameRequest{Timeframe: timeframe, Limit: limit})
		if err != nil {
			return err
		}
		mu.Lock()
		latest = frame
		mu.Unlock()
		return nil
	})

	err := g.Wait()
	mu.Lock()
	defer mu.Unlock()

	winner := fresher(sinced, latest)
	if len(winner) > 0 {
		if err != nil {
			f.logger.Warn().Err(err).Int("bars", len(winner)).Msg("parallel fetch degraded, returning partial")
		}
		return winner, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// fresher picks the frame with the greater max timestamp; non-empty beats
// empty.
func fresher(a, b []exchange.Candle) []exchange.Candle {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	if maxTS(a) >= maxTS(b) {
		return a
	}
	return b
}

func maxTS(candles []exchange.Candle) int64 {
	var max int64
	for _, c := range candles {
		if c.Timestamp > max {
			max = c.Timestamp
		}
	}
	return max
}
