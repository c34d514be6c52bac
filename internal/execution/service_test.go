package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nao-namake/crypto-bot-sub005/config"
	"github.com/nao-namake/crypto-bot-sub005/internal/exchange"
	"github.com/nao-namake/crypto-bot-sub005/internal/limits"
	"github.com/nao-namake/crypto-bot-sub005/internal/margin"
	"github.com/nao-namake/crypto-bot-sub005/internal/orderexec"
	"github.com/nao-namake/crypto-bot-sub005/internal/position"
	"github.com/nao-namake/crypto-bot-sub005/internal/resilience"
)

type fixture struct {
	client  *exchange.MockClient
	tracker *position.Tracker
	cfg     *config.Config
	res     *resilience.Manager
	svc     *Service
}

func newFixture(t *testing.T, adjust func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Trading.Mode = ModeLive
	if adjust != nil {
		adjust(cfg)
	}

	client := exchange.NewMockClient()
	client.Balance = &exchange.Balance{TotalJPY: 1_000_000, AvailableJPY: 1_000_000}
	client.Ticker = &exchange.Ticker{Pair: cfg.Trading.Pair, Last: 16_000_000}

	logger := zerolog.Nop()
	tracker := position.NewTracker(logger)
	res := resilience.NewManager(resilience.DefaultConfig(), logger)
	monitor := margin.NewMonitor(client, cfg.Margin, cfg.BalanceAlert, cfg.Trading.Pair, false, logger)
	cooldown := limits.NewCooldownManager(cfg.PositionManagement.CooldownTrendFilter, logger)
	checker := limits.NewChecker(cfg.PositionManagement, cfg.Trading.FallbackBTCJPY, cooldown, logger)
	strategy := orderexec.NewStrategy(client, cfg.OrderExecution, logger)
	calc := orderexec.NewCalculator(nil, cfg.PositionManagement.TakeProfit, cfg.PositionManagement.StopLoss, cfg.Risk, cfg.Trading.Fees, logger)
	atomic := orderexec.NewAtomicEntry(client, tracker, cfg.PositionManagement.Cleanup, cfg.PositionManagement.StopLoss, logger)
	atomic.SetSleep(func(context.Context, time.Duration) error { return nil })

	return &fixture{
		client:  client,
		tracker: tracker,
		cfg:     cfg,
		res:     res,
		svc:     NewService(client, monitor, checker, strategy, calc, atomic, tracker, res, cfg, logger),
	}
}

func buyEval(amount, confidence float64) orderexec.Evaluation {
	return orderexec.Evaluation{
		Side:       exchange.SideBuy,
		Amount:     amount,
		Confidence: confidence,
		Regime:     "normal",
		Strategy:   "atr_based",
		Market: orderexec.MarketConditions{
			Data: map[string]orderexec.MarketData{
				"15m": {Close: 16_000_000, ATR14: 200_000},
			},
		},
	}
}

func TestExecuteTradeFilledWithProtection(t *testing.T) {
	f := newFixture(t, nil)
	res := f.svc.ExecuteTrade(context.Background(), buyEval(0.0005, 0.5))

	if res.Outcome != OutcomeFilled {
		t.Fatalf("outcome = %s (%s), want FILLED", res.Outcome, res.Reason)
	}
	if res.FillPrice != 16_000_000 {
		t.Fatalf("fill price = %v, want ticker last", res.FillPrice)
	}
	if !(res.StopLoss < res.FillPrice && res.FillPrice < res.TakeProfit) {
		t.Fatalf("long protection not bracketing fill: sl=%v fill=%v tp=%v", res.StopLoss, res.FillPrice, res.TakeProfit)
	}
	if f.tracker.Count() != 1 {
		t.Fatalf("tracked positions = %d, want 1", f.tracker.Count())
	}
	pos, ok := f.tracker.Find(res.PositionID)
	if !ok {
		t.Fatal("result position not tracked")
	}
	if pos.TPOrderID == "" || pos.SLOrderID == "" {
		t.Fatalf("protective order IDs not recorded: tp=%q sl=%q", pos.TPOrderID, pos.SLOrderID)
	}
	if f.svc.LastOrderTime().IsZero() {
		t.Fatal("last order time not updated after fill")
	}
	// entry market + TP limit + SL
	if len(f.client.CreatedOrders) != 3 {
		t.Fatalf("created %d orders, want 3", len(f.client.CreatedOrders))
	}
}

func TestExecuteTradeNonActionable(t *testing.T) {
	f := newFixture(t, nil)
	for _, side := range []string{"hold", "none", ""} {
		eval := buyEval(0.0005, 0.5)
		eval.Side = side
		res := f.svc.ExecuteTrade(context.Background(), eval)
		if res.Outcome != OutcomeCancelled {
			t.Fatalf("side %q: outcome = %s, want CANCELLED", side, res.Outcome)
		}
	}
	if len(f.client.CreatedOrders) != 0 {
		t.Fatal("non-actionable evaluation placed orders")
	}
}

func TestEmergencyStopRejectsTrade(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		f.res.RecordError("market_data_fetcher", "connection", "connection refused", resilience.SeverityCritical)
	}
	if !f.res.EmergencyStopActive() {
		t.Fatal("emergency stop not active after critical cascade")
	}

	res := f.svc.ExecuteTrade(context.Background(), buyEval(0.0005, 0.5))
	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want REJECTED under emergency stop", res.Outcome)
	}
	if len(f.client.CreatedOrders) != 0 {
		t.Fatalf("created %d orders under emergency stop, want 0", len(f.client.CreatedOrders))
	}
}

func TestExecuteTradeRejectsOnInsufficientMargin(t *testing.T) {
	f := newFixture(t, nil)
	f.client.Balance.AvailableJPY = 5_000 // under min_required_margin

	res := f.svc.ExecuteTrade(context.Background(), buyEval(0.0005, 0.5))
	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want REJECTED", res.Outcome)
	}
	if len(f.client.CreatedOrders) != 0 {
		t.Fatal("rejected trade placed orders")
	}
}

func TestExecuteTradeRejectsOnLimits(t *testing.T) {
	f := newFixture(t, nil)
	// available margin fine, total balance below the dynamic minimum
	f.client.Balance.TotalJPY = 1_500

	res := f.svc.ExecuteTrade(context.Background(), buyEval(0.0005, 0.5))
	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want REJECTED", res.Outcome)
	}
	if f.tracker.Count() != 0 {
		t.Fatal("rejected trade left a tracked position")
	}
}

func TestExecuteTradeRaisesSubMinimumAmount(t *testing.T) {
	f := newFixture(t, nil)
	res := f.svc.ExecuteTrade(context.Background(), buyEval(0.00001, 0.5))

	if res.Outcome != OutcomeFilled {
		t.Fatalf("outcome = %s (%s), want FILLED", res.Outcome, res.Reason)
	}
	entry := f.client.CreatedOrders[0]
	if entry.Amount != f.cfg.PositionManagement.MinTradeSize {
		t.Fatalf("entry amount = %v, want minimum lot %v", entry.Amount, f.cfg.PositionManagement.MinTradeSize)
	}
}

func TestExecuteTradeFailsWhenEntryRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.client.CreateErr = exchange.NewAPIError(50061, "insufficient funds")

	res := f.svc.ExecuteTrade(context.Background(), buyEval(0.0005, 0.5))
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want FAILED", res.Outcome)
	}
	if f.tracker.Count() != 0 {
		t.Fatal("failed entry left a tracked position")
	}
}

// A non-FILLED outcome must leave no tracked position and no live order.
func TestAtomicFailureRollsBackEntry(t *testing.T) {
	f := newFixture(t, nil)
	f.client.CreateOrderFn = func(req exchange.OrderRequest) (*exchange.Order, error) {
		if req.Type != exchange.TypeMarket && !req.IsClosingOrder {
			return nil, exchange.NewAPIError(30101, "trigger required")
		}
		if req.Type == exchange.TypeLimit {
			// TP leg fails every attempt
			return nil, exchange.NewAPIError(30101, "trigger required")
		}
		return &exchange.Order{
			ID:      "entry-or-close",
			Pair:    req.Pair,
			Side:    req.Side,
			Type:    req.Type,
			Status:  exchange.StatusClosed,
			Amount:  req.Amount,
			Filled:  req.Amount,
			Average: 16_000_000,
		}, nil
	}

	res := f.svc.ExecuteTrade(context.Background(), buyEval(0.0005, 0.5))
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want FAILED", res.Outcome)
	}
	if f.tracker.Count() != 0 {
		t.Fatal("atomic failure left a tracked position")
	}

	var unwound bool
	for _, req := range f.client.CreatedOrders {
		if req.IsClosingOrder && req.Type == exchange.TypeMarket && req.Side == exchange.SideSell {
			unwound = true
		}
	}
	if !unwound {
		t.Fatal("rollback did not close the filled entry")
	}
}

func TestATRUnavailableAbortsAndUnwinds(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Risk.FallbackATR = 0
	})

	eval := buyEval(0.0005, 0.5)
	eval.Market = orderexec.MarketConditions{} // no ATR anywhere, no fetcher wired
	res := f.svc.ExecuteTrade(context.Background(), eval)

	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want FAILED", res.Outcome)
	}
	if f.tracker.Count() != 0 {
		t.Fatal("aborted entry left a tracked position")
	}
	var unwound bool
	for _, req := range f.client.CreatedOrders {
		if req.IsClosingOrder && req.Side == exchange.SideSell {
			unwound = true
		}
	}
	if !unwound {
		t.Fatal("aborted entry was not closed")
	}
}

func TestExecuteTradeFailsWhenBalanceUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.client.BalanceErr = errors.New("network down")

	res := f.svc.ExecuteTrade(context.Background(), buyEval(0.0005, 0.5))
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want FAILED", res.Outcome)
	}
}

func TestPaperModeSkipsMarginValidation(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Trading.Mode = ModePaper
	})
	f.client.Balance.AvailableJPY = 0 // would fail live validation

	res := f.svc.ExecuteTrade(context.Background(), buyEval(0.0005, 0.5))
	if res.Outcome != OutcomeFilled {
		t.Fatalf("outcome = %s (%s), want FILLED in paper mode", res.Outcome, res.Reason)
	}
}

func TestShortEntryProtectionDirection(t *testing.T) {
	f := newFixture(t, nil)
	eval := buyEval(0.0005, 0.5)
	eval.Side = exchange.SideSell

	res := f.svc.ExecuteTrade(context.Background(), eval)
	if res.Outcome != OutcomeFilled {
		t.Fatalf("outcome = %s (%s), want FILLED", res.Outcome, res.Reason)
	}
	if !(res.TakeProfit < res.FillPrice && res.FillPrice < res.StopLoss) {
		t.Fatalf("short protection not bracketing fill: tp=%v fill=%v sl=%v", res.TakeProfit, res.FillPrice, res.StopLoss)
	}
}
