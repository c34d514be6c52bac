// Package resilience tracks per-component failures, drives circuit
// breakers, and holds the process-wide emergency-stop latch.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Severity of a recorded error.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Breaker states.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// ErrNotAllowed is returned by Execute when the component's breaker is
// open or the emergency stop is active.
var ErrNotAllowed = errors.New("resilience: operation not allowed")

// ErrEmergencyStop is returned while the emergency latch is raised.
var ErrEmergencyStop = errors.New("resilience: emergency stop active")

// ErrorRecord is one classified failure in the bounded history.
type ErrorRecord struct {
	Component string    `json:"component"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

type breaker struct {
	state           BreakerState
	failureCount    int
	lastFailureTime time.Time
	lastSuccessTime time.Time
}

// Config bounds the manager's bookkeeping.
type Config struct {
	FailureThreshold   int
	RecoveryTimeout    time.Duration
	MaxErrorHistory    int
	EmergencyStopAfter int
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		RecoveryTimeout:    5 * time.Minute,
		MaxErrorHistory:    1000,
		EmergencyStopAfter: 3,
	}
}

// Manager is the process-singleton resilience state. One mutex guards
// everything; constructor-injected, never a package global.
type Manager struct {
	mu sync.Mutex

	cfg           Config
	breakers      map[string]*breaker
	errorHistory  []ErrorRecord
	criticalCount int
	emergencyStop bool
	now           func() time.Time
	logger        zerolog.Logger
}

// NewManager builds a Manager. Zero-valued config fields fall back to
// defaults.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.MaxErrorHistory <= 0 {
		cfg.MaxErrorHistory = def.MaxErrorHistory
	}
	if cfg.EmergencyStopAfter <= 0 {
		cfg.EmergencyStopAfter = def.EmergencyStopAfter
	}
	return &Manager{
		cfg:      cfg,
		breakers: make(map[string]*breaker),
		now:      time.Now,
		logger:   logger.With().Str("component", "resilience").Logger(),
	}
}

func (m *Manager) breakerLocked(component string) *breaker {
	b, ok := m.breakers[component]
	if !ok {
		b = &breaker{state: StateClosed}
		m.breakers[component] = b
	}
	return b
}

// RecordError appends to the bounded history and advances the component's
// breaker. Three CRITICAL errors raise the sticky emergency stop.
func (m *Manager) RecordError(component, errorType, message string, severity Severity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.errorHistory = append(m.errorHistory, ErrorRecord{
		Component: component,
		ErrorType: errorType,
		Message:   message,
		Severity:  severity,
		Timestamp: m.now(),
	})
	if len(m.errorHistory) > m.cfg.MaxErrorHistory {
		m.errorHistory = m.errorHistory[len(m.errorHistory)-m.cfg.MaxErrorHistory:]
	}

	if severity == SeverityCritical {
		m.criticalCount++
		if m.criticalCount >= m.cfg.EmergencyStopAfter && !m.emergencyStop {
			m.emergencyStop = true
			m.logger.Error().Int("critical_count", m.criticalCount).Msg("emergency stop raised")
		}
	}

	b := m.breakerLocked(component)
	b.failureCount++
	b.lastFailureTime = m.now()
	switch {
	case b.state == StateClosed && b.failureCount >= m.cfg.FailureThreshold:
		b.state = StateOpen
		m.logger.Warn().Str("breaker", component).Int("failures", b.failureCount).Msg("circuit breaker opened")
	case b.state == StateHalfOpen:
		b.state = StateOpen
		m.logger.Warn().Str("breaker", component).Msg("half-open probe failed, breaker re-opened")
	}
}

// RecordSuccess closes a half-open breaker and decays the failure count
// in CLOSED state.
func (m *Manager) RecordSuccess(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.breakerLocked(component)
	b.lastSuccessTime = m.now()
	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.failureCount = 0
		m.logger.Info().Str("breaker", component).Msg("circuit breaker closed")
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

// CanProceed reports whether the component may run. An open breaker whose
// recovery timeout has elapsed transitions to HALF_OPEN and is allowed one
// probe.
func (m *Manager) CanProceed(component string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.emergencyStop {
		return false
	}
	b := m.breakerLocked(component)
	if b.state != StateOpen {
		return true
	}
	if m.now().Sub(b.lastFailureTime) >= m.cfg.RecoveryTimeout {
		b.state = StateHalfOpen
		m.logger.Info().Str("breaker", component).Msg("circuit breaker half-open")
		return true
	}
	return false
}

// Execute wraps an operation with admission, success, and failure
// bookkeeping for the component.
func (m *Manager) Execute(component, errorType string, severity Severity, op func() error) error {
	if !m.CanProceed(component) {
		if m.EmergencyStopActive() {
			return fmt.Errorf("%w: %s", ErrEmergencyStop, component)
		}
		return fmt.Errorf("%w: %s circuit open", ErrNotAllowed, component)
	}
	if err := op(); err != nil {
		m.RecordError(component, errorType, err.Error(), severity)
		return err
	}
	m.RecordSuccess(component)
	return nil
}

// ForceRecovery is the operator-initiated breaker reset.
func (m *Manager) ForceRecovery(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.breakerLocked(component)
	b.state = StateClosed
	b.failureCount = 0
	m.logger.Info().Str("breaker", component).Msg("breaker force-recovered")
}

// EmergencyStopActive reports the latch.
func (m *Manager) EmergencyStopActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergencyStop
}

// ResetEmergencyStop clears the latch and the critical counter.
func (m *Manager) ResetEmergencyStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencyStop = false
	m.criticalCount = 0
	m.logger.Info().Msg("emergency stop reset")
}

// BreakerSnapshot is a read-only view of one breaker.
type BreakerSnapshot struct {
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	LastSuccessTime time.Time    `json:"last_success_time"`
}

// GetStats returns a snapshot of the resilience state for the ops API.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	breakers := make(map[string]BreakerSnapshot, len(m.breakers))
	for name, b := range m.breakers {
		breakers[name] = BreakerSnapshot{
			State:           b.state,
			FailureCount:    b.failureCount,
			LastFailureTime: b.lastFailureTime,
			LastSuccessTime: b.lastSuccessTime,
		}
	}
	return map[string]interface{}{
		"emergency_stop": m.emergencyStop,
		"critical_count": m.criticalCount,
		"error_count":    len(m.errorHistory),
		"breakers":       breakers,
	}
}

// RecentErrors returns up to n most recent error records, newest last.
func (m *Manager) RecentErrors(n int) []ErrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.errorHistory) {
		n = len(m.errorHistory)
	}
	out := make([]ErrorRecord, n)
	copy(out, m.errorHistory[len(m.errorHistory)-n:])
	return out
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
