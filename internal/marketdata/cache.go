package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nao-namake/crypto-bot-sub005/internal/exchange"
)

// CandleCache is a read-through Redis cache for candle frames. Every
// failure degrades to a miss; the fetcher never depends on Redis being up.
type CandleCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCandleCache connects to Redis. A failed ping is logged and the cache
// still returned; operations will simply miss until Redis recovers.
func NewCandleCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *CandleCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &CandleCache{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "candle_cache").Logger(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis unreachable, cache will degrade to misses")
	}
	return c
}

// cacheKey buckets since to the candle grid so repeated fetches within
// one candle period share an entry; an unbucketed since derived from
// time.Now would make every key unique.
func cacheKey(pair, timeframe string, sinceMS int64, limit int) string {
	if interval, err := exchange.TimeframeInterval(timeframe); err == nil {
		sinceMS -= sinceMS % interval.Milliseconds()
	}
	return fmt.Sprintf("candles:%s:%s:%d:%d", pair, timeframe, sinceMS, limit)
}

// Get returns a cached frame, or ok=false on miss or any Redis error.
func (c *CandleCache) Get(ctx context.Context, pair, timeframe string, sinceMS int64, limit int) ([]exchange.Candle, bool) {
	raw, err := c.client.Get(ctx, cacheKey(pair, timeframe, sinceMS, limit)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Debug().Err(err).Msg("cache get failed")
		return nil, false
	}
	var candles []exchange.Candle
	if err := json.Unmarshal(raw, &candles); err != nil {
		c.logger.Debug().Err(err).Msg("cache entry unparseable, dropping")
		return nil, false
	}
	return candles, true
}

// Put stores a frame, best effort.
func (c *CandleCache) Put(ctx context.Context, pair, timeframe string, sinceMS int64, limit int, candles []exchange.Candle) {
	raw, err := json.Marshal(candles)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(pair, timeframe, sinceMS, limit), raw, c.ttl).Err(); err != nil {
		c.logger.Debug().Err(err).Msg("cache put failed")
	}
}
