package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestManager() (*Manager, *time.Time) {
	m := NewManager(Config{}, zerolog.Nop())
	now := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	return m, &now
}

func TestBreakerLifecycle(t *testing.T) {
	m, now := newTestManager()

	for i := 0; i < 5; i++ {
		m.RecordError("exchange", "api_error", "boom", SeverityWarning)
	}
	if m.CanProceed("exchange") {
		t.Fatal("breaker should be open after 5 failures")
	}

	*now = now.Add(5 * time.Minute)
	if !m.CanProceed("exchange") {
		t.Fatal("breaker should allow a half-open probe after recovery timeout")
	}

	m.RecordSuccess("exchange")
	if !m.CanProceed("exchange") {
		t.Fatal("breaker should be closed after half-open success")
	}

	stats := m.GetStats()
	breakers := stats["breakers"].(map[string]BreakerSnapshot)
	if got := breakers["exchange"].State; got != StateClosed {
		t.Errorf("state = %s, want CLOSED", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	m, now := newTestManager()

	for i := 0; i < 5; i++ {
		m.RecordError("orders", "api_error", "boom", SeverityWarning)
	}
	*now = now.Add(5 * time.Minute)
	if !m.CanProceed("orders") {
		t.Fatal("expected half-open probe")
	}
	m.RecordError("orders", "api_error", "still failing", SeverityWarning)
	if m.CanProceed("orders") {
		t.Fatal("breaker should re-open on half-open failure")
	}
}

func TestClosedSuccessDecaysFailures(t *testing.T) {
	m, _ := newTestManager()

	for i := 0; i < 4; i++ {
		m.RecordError("data", "timeout", "slow", SeverityWarning)
	}
	m.RecordSuccess("data")
	// 4 failures decayed to 3; the next failure makes 4, still under 5
	m.RecordError("data", "timeout", "slow", SeverityWarning)
	if !m.CanProceed("data") {
		t.Fatal("breaker opened early; success should have decayed the count")
	}
}

func TestEmergencyStopStickiness(t *testing.T) {
	m, _ := newTestManager()

	for i := 0; i < 3; i++ {
		m.RecordError("margin", "auth", "denied", SeverityCritical)
	}
	if !m.EmergencyStopActive() {
		t.Fatal("3 critical errors should raise emergency stop")
	}
	if m.CanProceed("anything") {
		t.Fatal("emergency stop must block every component")
	}

	m.RecordSuccess("margin")
	if m.CanProceed("margin") {
		t.Fatal("emergency stop must be sticky until explicit reset")
	}

	m.ResetEmergencyStop()
	if !m.CanProceed("anything") {
		t.Fatal("reset should restore admission")
	}
}

func TestExecuteWrapsOutcome(t *testing.T) {
	m, _ := newTestManager()

	wantErr := errors.New("exchange down")
	for i := 0; i < 5; i++ {
		err := m.Execute("exchange", "api_error", SeverityWarning, func() error { return wantErr })
		if !errors.Is(err, wantErr) {
			t.Fatalf("err = %v, want wrapped op error", err)
		}
	}
	err := m.Execute("exchange", "api_error", SeverityWarning, func() error { return nil })
	if !errors.Is(err, ErrNotAllowed) {
		t.Errorf("err = %v, want ErrNotAllowed while breaker open", err)
	}
}

func TestErrorHistoryBounded(t *testing.T) {
	m := NewManager(Config{MaxErrorHistory: 10}, zerolog.Nop())
	for i := 0; i < 25; i++ {
		m.RecordError("x", "t", "m", SeverityInfo)
	}
	if got := len(m.RecentErrors(0)); got != 10 {
		t.Errorf("history length = %d, want 10", got)
	}
}

func TestForceRecovery(t *testing.T) {
	m, _ := newTestManager()
	for i := 0; i < 5; i++ {
		m.RecordError("exchange", "api_error", "boom", SeverityWarning)
	}
	m.ForceRecovery("exchange")
	if !m.CanProceed("exchange") {
		t.Fatal("force recovery should close the breaker immediately")
	}
}
