package marketdata

import (
	"errors"
	"math"
	"time"
)

// ErrBadTimestamp rejects values that fail basic sanity checks.
var ErrBadTimestamp = errors.New("marketdata: invalid timestamp")

var minValidTime = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// HardenTimestamp validates and normalizes an inbound timestamp in
// milliseconds. Five stages: finiteness, second-to-millisecond promotion,
// realistic range, exchange retention window, and future clamp.
func HardenTimestamp(raw float64, now time.Time, exchangeWindow time.Duration) (int64, error) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) || raw <= 0 {
		return 0, ErrBadTimestamp
	}

	ms := int64(raw)
	// 10-digit values are unix seconds; promote to milliseconds.
	if ms < 1e12 {
		ms *= 1000
	}

	ts := time.UnixMilli(ms)
	if ts.Before(minValidTime) || ts.After(now.Add(100*365*24*time.Hour)) {
		return 0, ErrBadTimestamp
	}

	if oldest := now.Add(-exchangeWindow); ts.Before(oldest) {
		ts = oldest
	}
	if cap := now.Add(24 * time.Hour); ts.After(cap) {
		ts = cap
	}
	return ts.UnixMilli(), nil
}
