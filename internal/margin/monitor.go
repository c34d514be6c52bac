// Package margin computes and classifies the account's margin ratio and
// gates entries on predicted post-trade margin health.
package margin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nao-namake/crypto-bot-sub005/config"
	"github.com/nao-namake/crypto-bot-sub005/internal/exchange"
)

// Margin statuses, healthiest first.
const (
	StatusSafe     = "SAFE"
	StatusCaution  = "CAUTION"
	StatusWarning  = "WARNING"
	StatusCritical = "CRITICAL"
)

// safeSentinelRatio is reported for positions under the minimum notional.
const safeSentinelRatio = 500.0

// ErrTradingHalted is raised after repeated auth failures on the margin
// endpoint. The counter resets on the next successful check.
var ErrTradingHalted = errors.New("margin: trading halted after repeated auth failures")

const authFailureLimit = 3

// ValidationResult is the outcome of a balance sufficiency check.
type ValidationResult struct {
	Sufficient bool    `json:"sufficient"`
	Available  float64 `json:"available"`
	Required   float64 `json:"required"`
}

// Snapshot is one margin observation kept in the bounded history.
type Snapshot struct {
	Ratio     float64   `json:"ratio"`
	Status    string    `json:"status"`
	Source    string    `json:"source"` // api or formula
	Timestamp time.Time `json:"timestamp"`
}

// Monitor is the balance/margin authority. API-first outside backtest
// mode, formula fallback always available.
type Monitor struct {
	client   exchange.Client
	cfg      config.MarginConfig
	alert    config.BalanceAlertConfig
	pair     string
	backtest bool
	logger   zerolog.Logger

	mu           sync.Mutex
	history      []Snapshot
	authFailures int
}

// NewMonitor builds a Monitor.
func NewMonitor(client exchange.Client, cfg config.MarginConfig, alert config.BalanceAlertConfig, pair string, backtest bool, logger zerolog.Logger) *Monitor {
	return &Monitor{
		client:   client,
		cfg:      cfg,
		alert:    alert,
		pair:     pair,
		backtest: backtest,
		logger:   logger.With().Str("component", "balance_monitor").Logger(),
	}
}

// Ratio computes (balance / position_value) * 100 with the documented
// edge cases: sub-minimum notional returns the safe sentinel, zero or
// negative position value returns +Inf, and abnormal highs clamp to the
// configured cap.
func (m *Monitor) Ratio(balance, positionValue float64) float64 {
	if positionValue <= 0 {
		return math.Inf(1)
	}
	if positionValue < m.cfg.MinPositionValue {
		return safeSentinelRatio
	}
	ratio := balance / positionValue * 100
	if m.cfg.MaxRatioCap > 0 && ratio > m.cfg.MaxRatioCap {
		return m.cfg.MaxRatioCap
	}
	return ratio
}

// Classify maps a ratio onto exactly one status.
func (m *Monitor) Classify(ratio float64) string {
	t := m.cfg.Thresholds
	switch {
	case ratio >= t.Safe:
		return StatusSafe
	case ratio >= t.Caution:
		return StatusCaution
	case ratio >= t.Warning:
		return StatusWarning
	default:
		return StatusCritical
	}
}

// CurrentRatio returns the live margin ratio, preferring the exchange's
// own figure when available and falling back to the formula.
func (m *Monitor) CurrentRatio(ctx context.Context) (float64, string, error) {
	if !m.backtest {
		status, err := m.client.FetchMarginStatus(ctx)
		if err == nil && status.MarginRatio != nil && !math.IsNaN(*status.MarginRatio) {
			ratio := *status.MarginRatio
			if m.cfg.MaxRatioCap > 0 && ratio > m.cfg.MaxRatioCap {
				ratio = m.cfg.MaxRatioCap
			}
			m.record(ratio, "api")
			return ratio, "api", nil
		}
		if err != nil {
			m.logger.Warn().Err(err).Msg("margin status endpoint failed, using formula")
		}
	}

	balance, positionValue, err := m.formulaInputs(ctx)
	if err != nil {
		return 0, "", err
	}
	ratio := m.Ratio(balance, positionValue)
	m.record(ratio, "formula")
	return ratio, "formula", nil
}

func (m *Monitor) formulaInputs(ctx context.Context) (balance, positionValue float64, err error) {
	bal, err := m.client.FetchBalance(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("fetching balance: %w", err)
	}
	positions, err := m.client.FetchMarginPositions(ctx, m.pair)
	if err != nil {
		return 0, 0, fmt.Errorf("fetching positions: %w", err)
	}
	ticker, err := m.client.FetchTicker(ctx, m.pair)
	if err != nil {
		return 0, 0, fmt.Errorf("fetching ticker: %w", err)
	}
	for _, p := range positions {
		positionValue += p.Amount * ticker.Last
	}
	return bal.TotalJPY, positionValue, nil
}

// PredictRatio estimates the margin ratio after adding a new position of
// the given amount at the given price. Zero open positions at the
// exchange override any cached estimate.
func (m *Monitor) PredictRatio(ctx context.Context, newAmount, price float64) (float64, error) {
	bal, err := m.client.FetchBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching balance: %w", err)
	}
	balance := bal.TotalJPY

	positions, err := m.client.FetchMarginPositions(ctx, m.pair)
	if err != nil {
		return 0, fmt.Errorf("fetching positions: %w", err)
	}
	var openAmount float64
	for _, p := range positions {
		openAmount += p.Amount
	}

	var currentValue float64
	if openAmount > 0 {
		// invert the formula from the API ratio when it is finite
		ratio, source, err := m.CurrentRatio(ctx)
		if err == nil && source == "api" && !math.IsInf(ratio, 0) && ratio > 0 {
			currentValue = balance / ratio * 100
		} else {
			for _, p := range positions {
				currentValue += p.Amount * price
			}
		}
	}

	predicted := m.Ratio(balance, currentValue+newAmount*price)
	if m.Classify(predicted) == StatusCritical {
		m.logger.Warn().
			Float64("predicted_ratio", predicted).
			Float64("new_amount", newAmount).
			Msg("proposed trade would push margin ratio critical")
	}
	return predicted, nil
}

// AdmissionFloor is the minimum predicted ratio an entry may leave behind.
func (m *Monitor) AdmissionFloor() float64 { return m.cfg.AdmissionFloor }

// ValidateMargin checks the available balance against the configured
// required margin. Auth failures accumulate; the third consecutive one
// halts trading until a successful check resets the counter.
func (m *Monitor) ValidateMargin(ctx context.Context) (ValidationResult, error) {
	required := m.alert.MinRequiredMargin

	bal, err := m.client.FetchBalance(ctx)
	if err != nil {
		if exchange.IsAuthError(err) {
			m.mu.Lock()
			m.authFailures++
			failures := m.authFailures
			m.mu.Unlock()
			if failures >= authFailureLimit {
				m.logger.Error().Int("auth_failures", failures).Msg("halting trading on repeated auth errors")
				return ValidationResult{Required: required}, fmt.Errorf("%w: %d consecutive auth errors", ErrTradingHalted, failures)
			}
		}
		return ValidationResult{Required: required}, fmt.Errorf("validating margin: %w", err)
	}

	m.mu.Lock()
	m.authFailures = 0
	m.mu.Unlock()

	result := ValidationResult{
		Sufficient: bal.AvailableJPY >= required,
		Available:  bal.AvailableJPY,
		Required:   required,
	}
	if !result.Sufficient && m.alert.Enabled {
		m.logger.Warn().
			Float64("available", result.Available).
			Float64("required", result.Required).
			Msg("available margin below required minimum")
	}
	return result, nil
}

func (m *Monitor) record(ratio float64, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, Snapshot{
		Ratio:     ratio,
		Status:    m.Classify(ratio),
		Source:    source,
		Timestamp: time.Now(),
	})
	if max := m.cfg.MaxHistoryCount; max > 0 && len(m.history) > max {
		m.history = m.history[len(m.history)-max:]
	}
}

// History returns a copy of the margin snapshot history, oldest first.
func (m *Monitor) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.history))
	copy(out, m.history)
	return out
}
