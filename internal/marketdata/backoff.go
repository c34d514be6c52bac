package marketdata

import (
	"math"
	"time"
)

// Error kinds used to scale the retry backoff.
type errorKind string

const (
	kindEmpty     errorKind = "empty"
	kindRateLimit errorKind = "rate_limit"
	kindTimeout   errorKind = "timeout"
	kindAPIError  errorKind = "api_error"
)

func backoffMultiplier(kind errorKind) float64 {
	switch kind {
	case kindEmpty:
		return 2.0
	case kindRateLimit:
		return 5.0
	case kindTimeout:
		return 3.0
	case kindAPIError:
		return 2.5
	default:
		return 2.0
	}
}

const (
	backoffBase = 0.5
	backoffMin  = 0.5
	backoffMax  = 15.0
)

// smartBackoff grows exponentially with the attempt, scaled by the error
// kind, plus a linear penalty per consecutive empty page. Clamped to
// [0.5s, 15s].
func smartBackoff(attempt, consecutiveEmpty int, kind errorKind) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := backoffBase*math.Pow(2, float64(attempt-1))*backoffMultiplier(kind) + 0.5*float64(consecutiveEmpty)
	if delay < backoffMin {
		delay = backoffMin
	}
	if delay > backoffMax {
		delay = backoffMax
	}
	return time.Duration(delay * float64(time.Second))
}
