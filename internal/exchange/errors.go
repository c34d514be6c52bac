package exchange

import (
	"errors"
	"fmt"
)

// Exchange error codes that steer the resilience classifier and the
// SL-fallback safety logic.
const (
	CodeRateLimited       = 10009 // too many requests
	CodeAuthError         = 20001 // API key auth failure
	CodeTriggerRequired   = 30101 // stop order missing trigger price
	CodeOrderNotFound     = 50009 // cancel/fetch of unknown order
	CodeInsufficientFunds = 50061 // not enough margin for the order
	CodePositionMissing   = 50062 // position already closed
)

// ErrEmptyResponse is returned when the exchange replies with success but
// no payload.
var ErrEmptyResponse = errors.New("exchange: empty response")

// APIError is a typed exchange rejection carrying the native error code.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("exchange API error %d", e.Code)
	}
	return fmt.Sprintf("exchange API error %d: %s", e.Code, e.Message)
}

// NewAPIError builds an APIError for a native code.
func NewAPIError(code int, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

func codeIs(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// IsRateLimited reports a request rejected for exceeding the rate limit
// (code 10009 or HTTP 429).
func IsRateLimited(err error) bool { return codeIs(err, CodeRateLimited) }

// IsAuthError reports an API credential failure (code 20001).
func IsAuthError(err error) bool { return codeIs(err, CodeAuthError) }

// IsTriggerRequired reports a stop order rejected for a missing trigger
// price (code 30101).
func IsTriggerRequired(err error) bool { return codeIs(err, CodeTriggerRequired) }

// IsOrderNotFound reports an operation on an unknown order (code 50009).
func IsOrderNotFound(err error) bool { return codeIs(err, CodeOrderNotFound) }

// IsInsufficientFunds reports an order rejected for lack of margin
// (code 50061).
func IsInsufficientFunds(err error) bool { return codeIs(err, CodeInsufficientFunds) }

// IsPositionMissing reports a close attempt on an already-closed position
// (code 50062).
func IsPositionMissing(err error) bool { return codeIs(err, CodePositionMissing) }
