package marketdata

import (
	"sort"

	"github.com/nao-namake/crypto-bot-sub005/internal/exchange"
	"github.com/nao-namake/crypto-bot-sub005/internal/indicators"
)

// Clean densifies a candle slice: sorts, drops duplicate timestamps,
// reindexes onto the timeframe grid with forward-filled bars, removes
// close-price outliers by rolling modified z-score, and fills the holes
// that removal leaves.
func (f *Fetcher) Clean(candles []exchange.Candle, timeframe string) []exchange.Candle {
	if len(candles) == 0 {
		return candles
	}
	interval, err := exchange.TimeframeInterval(timeframe)
	if err != nil {
		return candles
	}
	step := interval.Milliseconds()

	sortCandles(candles)
	deduped := candles[:0:0]
	var lastTS int64 = -1
	for _, c := range candles {
		if c.Timestamp == lastTS {
			deduped[len(deduped)-1] = c // keep the later record
			continue
		}
		deduped = append(deduped, c)
		lastTS = c.Timestamp
	}

	// Reindex to the grid. Missing slots carry the previous close as a
	// flat zero-volume bar.
	first := deduped[0].Timestamp - deduped[0].Timestamp%step
	last := deduped[len(deduped)-1].Timestamp
	grid := make([]exchange.Candle, 0, (last-first)/step+1)
	idx := 0
	var prev exchange.Candle
	for ts := first; ts <= last; ts += step {
		for idx < len(deduped) && deduped[idx].Timestamp < ts {
			idx++
		}
		if idx < len(deduped) && deduped[idx].Timestamp < ts+step {
			prev = deduped[idx]
			bar := deduped[idx]
			bar.Timestamp = ts
			grid = append(grid, bar)
			idx++
			continue
		}
		if prev.Timestamp == 0 {
			continue
		}
		grid = append(grid, exchange.Candle{
			Timestamp: ts,
			Open:      prev.Close,
			High:      prev.Close,
			Low:       prev.Close,
			Close:     prev.Close,
		})
	}

	closes := make([]float64, len(grid))
	for i, c := range grid {
		closes[i] = c.Close
	}
	flags := indicators.RollingOutliers(closes, f.cfg.OutlierWindow, f.cfg.OutlierZThreshold)

	// Replace flagged bars with the nearest surviving neighbor, forward
	// first then backward.
	for i, bad := range flags {
		if !bad {
			continue
		}
		if j := prevGood(flags, i); j >= 0 {
			fillFrom(&grid[i], grid[j])
		} else if j := nextGood(flags, i); j >= 0 {
			fillFrom(&grid[i], grid[j])
		}
	}
	return grid
}

func prevGood(flags []bool, i int) int {
	for j := i - 1; j >= 0; j-- {
		if !flags[j] {
			return j
		}
	}
	return -1
}

func nextGood(flags []bool, i int) int {
	for j := i + 1; j < len(flags); j++ {
		if !flags[j] {
			return j
		}
	}
	return -1
}

func fillFrom(dst *exchange.Candle, src exchange.Candle) {
	dst.Open = src.Close
	dst.High = src.Close
	dst.Low = src.Close
	dst.Close = src.Close
	dst.Volume = 0
}

func sortCandles(candles []exchange.Candle) {
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp < candles[j].Timestamp
	})
}
