package orderexec

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nao-namake/crypto-bot-sub005/config"
	"github.com/nao-namake/crypto-bot-sub005/internal/exchange"
	"github.com/nao-namake/crypto-bot-sub005/internal/position"
)

func execConfig() config.OrderExecutionConfig {
	return config.OrderExecutionConfig{
		SmartOrderEnabled:          true,
		GuaranteedExecutionPremium: 0.0005,
		HighConfidenceThreshold:    0.75,
		LowConfidenceThreshold:     0.40,
		MaxSpreadRatioForLimit:     0.005,
		MakerStrategy: config.MakerStrategyConfig{
			Enabled:                 false,
			MaxRetries:              3,
			RetryIntervalMS:         1,
			TimeoutSeconds:          30,
			PriceAdjustmentTick:     1,
			MaxPriceAdjustmentRatio: 0.001,
		},
	}
}

func tightBook() *exchange.OrderBook {
	return &exchange.OrderBook{
		Bids: []exchange.BookLevel{{Price: 16_000_000, Amount: 1}},
		Asks: []exchange.BookLevel{{Price: 16_010_000, Amount: 1}},
	}
}

func newStrategy(mock *exchange.MockClient, cfg config.OrderExecutionConfig) *Strategy {
	s := NewStrategy(mock, cfg, zerolog.Nop())
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestChooseExecutionStyles(t *testing.T) {
	cases := []struct {
		name string
		eval Evaluation
		book *exchange.OrderBook
		want string
	}{
		{"emergency is market", Evaluation{Side: "sell", EmergencyExit: true, Confidence: 0.9}, tightBook(), StyleMarket},
		{"low confidence is market", Evaluation{Side: "buy", Confidence: 0.30}, tightBook(), StyleMarket},
		{"wide spread is market", Evaluation{Side: "buy", Confidence: 0.9}, &exchange.OrderBook{
			Bids: []exchange.BookLevel{{Price: 15_000_000, Amount: 1}},
			Asks: []exchange.BookLevel{{Price: 15_500_000, Amount: 1}},
		}, StyleMarket},
		{"high confidence tight spread is limit", Evaluation{Side: "buy", Confidence: 0.8}, tightBook(), StyleLimit},
		{"medium confidence is market", Evaluation{Side: "buy", Confidence: 0.6}, tightBook(), StyleMarket},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			mock := exchange.NewMockClient()
			mock.Book = c.book
			plan, err := newStrategy(mock, execConfig()).ChooseExecution(context.Background(), c.eval)
			if err != nil {
				t.Fatal(err)
			}
			if plan.Style != c.want {
				t.Errorf("style = %s, want %s (%s)", plan.Style, c.want, plan.Reason)
			}
		})
	}
}

func TestGuaranteedFillLimitPrice(t *testing.T) {
	mock := exchange.NewMockClient()
	mock.Book = tightBook()
	s := newStrategy(mock, execConfig())

	plan, err := s.ChooseExecution(context.Background(), Evaluation{Side: "buy", Confidence: 0.8})
	if err != nil {
		t.Fatal(err)
	}
	want := 16_010_000 * 1.0005
	if math.Abs(plan.Price-want) > 1 {
		t.Errorf("buy limit = %f, want %f", plan.Price, want)
	}

	plan, _ = s.ChooseExecution(context.Background(), Evaluation{Side: "sell", Confidence: 0.8})
	want = 16_000_000 * 0.9995
	if math.Abs(plan.Price-want) > 1 {
		t.Errorf("sell limit = %f, want %f", plan.Price, want)
	}
}

func TestMakerOrderFillsImmediately(t *testing.T) {
	cfg := execConfig()
	cfg.MakerStrategy.Enabled = true
	mock := exchange.NewMockClient()
	mock.Book = tightBook()
	mock.CreateOrderFn = func(req exchange.OrderRequest) (*exchange.Order, error) {
		return &exchange.Order{ID: "maker-1", Status: exchange.StatusClosed, Filled: req.Amount, Average: req.Price}, nil
	}

	s := newStrategy(mock, cfg)
	order, err := s.PlaceMakerOrder(context.Background(), Evaluation{Pair: "btc_jpy", Side: "buy", Amount: 0.001}, 16_000_001)
	if err != nil {
		t.Fatal(err)
	}
	if order.ID != "maker-1" || order.Filled != 0.001 {
		t.Errorf("order = %+v", order)
	}
}

func TestMakerOrderWalksOnPostOnlyCancel(t *testing.T) {
	cfg := execConfig()
	cfg.MakerStrategy.Enabled = true
	cfg.MakerStrategy.MaxPriceAdjustmentRatio = 0.001

	mock := exchange.NewMockClient()
	attempts := 0
	mock.CreateOrderFn = func(req exchange.OrderRequest) (*exchange.Order, error) {
		attempts++
		if attempts < 3 {
			// post-only rejected: exchange reports the order cancelled
			return &exchange.Order{ID: "maker-x", Status: exchange.StatusCanceled}, nil
		}
		return &exchange.Order{ID: "maker-final", Status: exchange.StatusClosed, Filled: req.Amount, Average: req.Price}, nil
	}

	s := newStrategy(mock, cfg)
	order, err := s.PlaceMakerOrder(context.Background(), Evaluation{Pair: "btc_jpy", Side: "buy", Amount: 0.001}, 16_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if order.ID != "maker-final" {
		t.Errorf("order = %+v", order)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestMakerOrderExhaustsRetries(t *testing.T) {
	cfg := execConfig()
	cfg.MakerStrategy.Enabled = true
	mock := exchange.NewMockClient()
	mock.CreateOrderFn = func(req exchange.OrderRequest) (*exchange.Order, error) {
		return &exchange.Order{ID: "maker-x", Status: exchange.StatusCanceled}, nil
	}

	s := newStrategy(mock, cfg)
	_, err := s.PlaceMakerOrder(context.Background(), Evaluation{Pair: "btc_jpy", Side: "buy", Amount: 0.001}, 16_000_000)
	if !errors.Is(err, ErrMakerExhausted) {
		t.Errorf("err = %v, want ErrMakerExhausted", err)
	}
}

func tpslCalculator(requireRecalc bool) *Calculator {
	tp := config.TakeProfitConfig{Enabled: true, MinProfitRatio: 0.009, DefaultRatio: 1.29,
		FixedAmount: config.FixedAmountConfig{IncludeEntryFee: true, IncludeInterest: true, FallbackFeeRate: 0.001}}
	sl := config.StopLossConfig{
		Enabled:              true,
		MaxLossRatio:         0.007,
		DefaultATRMultiplier: 2.0,
		MinDistanceRatio:     0.001,
		RegimeBased: map[string]config.RegimeTPSL{
			"breakout": {ATRMultiplier: 3.0, TakeProfitRatio: 2.0},
		},
	}
	risk := config.RiskConfig{RequireTPSLRecalculation: requireRecalc, FallbackATR: 500_000}
	fees := config.FeesConfig{EntryTakerRate: 0.001, ExitTakerRate: 0.001, MakerRebate: -0.0002}
	return NewCalculator(nil, tp, sl, risk, fees, zerolog.Nop())
}

func TestCalculateDirectionality(t *testing.T) {
	calc := tpslCalculator(true)
	eval := Evaluation{Side: "buy", Market: MarketConditions{Data: map[string]MarketData{
		"15m": {ATR14: 100_000},
	}}}

	fill := 16_000_000.0
	got, err := calc.Calculate(context.Background(), eval, fill)
	if err != nil {
		t.Fatal(err)
	}
	if got.TakeProfit <= fill || got.StopLoss >= fill {
		t.Errorf("buy TP/SL not directional: tp=%f sl=%f fill=%f", got.TakeProfit, got.StopLoss, fill)
	}

	eval.Side = "sell"
	got, err = calc.Calculate(context.Background(), eval, fill)
	if err != nil {
		t.Fatal(err)
	}
	if got.TakeProfit >= fill || got.StopLoss <= fill {
		t.Errorf("sell TP/SL not directional: tp=%f sl=%f fill=%f", got.TakeProfit, got.StopLoss, fill)
	}
}

func TestCalculateDistances(t *testing.T) {
	calc := tpslCalculator(true)
	eval := Evaluation{Side: "buy", Market: MarketConditions{Data: map[string]MarketData{
		"15m": {ATR14: 100_000},
	}}}
	fill := 16_000_000.0

	got, err := calc.Calculate(context.Background(), eval, fill)
	if err != nil {
		t.Fatal(err)
	}
	// stop = max(100k*2, 16M*0.001, 16M*0.007) = 200,000
	if want := fill - 200_000; math.Abs(got.StopLoss-want) > 1 {
		t.Errorf("SL = %f, want %f", got.StopLoss, want)
	}
	// take = max(16M*0.009, 200k*1.29) = 258,000
	if want := fill + 258_000; math.Abs(got.TakeProfit-want) > 1 {
		t.Errorf("TP = %f, want %f", got.TakeProfit, want)
	}
	if got.ATRSource != "evaluation" {
		t.Errorf("source = %s, want evaluation", got.ATRSource)
	}
}

func TestCalculateRegimeOverride(t *testing.T) {
	calc := tpslCalculator(true)
	eval := Evaluation{Side: "buy", Regime: "breakout", Market: MarketConditions{Data: map[string]MarketData{
		"4h": {ATR14: 100_000},
	}}}
	fill := 16_000_000.0

	got, err := calc.Calculate(context.Background(), eval, fill)
	if err != nil {
		t.Fatal(err)
	}
	// breakout: stop = max(100k*3, 16k, 112k) = 300,000; take = max(144k, 300k*2) = 600,000
	if want := fill - 300_000; math.Abs(got.StopLoss-want) > 1 {
		t.Errorf("SL = %f, want %f", got.StopLoss, want)
	}
	if want := fill + 600_000; math.Abs(got.TakeProfit-want) > 1 {
		t.Errorf("TP = %f, want %f", got.TakeProfit, want)
	}
}

func TestCalculateAbortsWithoutATR(t *testing.T) {
	calc := tpslCalculator(true)
	calc.risk.FallbackATR = 0 // exhaust the chain
	eval := Evaluation{Side: "buy"}

	_, err := calc.Calculate(context.Background(), eval, 16_000_000)
	if !errors.Is(err, ErrATRUnavailable) {
		t.Errorf("err = %v, want ErrATRUnavailable", err)
	}
}

func TestCalculateFallbackATRWhenNotRequired(t *testing.T) {
	calc := tpslCalculator(true)
	eval := Evaluation{Side: "buy"} // no market data -> constant tier

	got, err := calc.Calculate(context.Background(), eval, 16_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if got.ATRSource != "fallback" || got.ATR != 500_000 {
		t.Errorf("ATR = %f via %s, want 500000 via fallback", got.ATR, got.ATRSource)
	}
}

func TestFixedAmountTP(t *testing.T) {
	calc := tpslCalculator(true)
	entry, amount := 16_000_000.0, 0.001

	// entry fee estimated at 16M*0.001*0.001 = 16; no interest given
	tp, err := calc.FixedAmountTP(exchange.SideBuy, entry, amount, 1000, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := entry + (1000+16)/amount
	if math.Abs(tp-want) > 1 {
		t.Errorf("TP = %f, want %f", tp, want)
	}

	tpSell, err := calc.FixedAmountTP(exchange.SideSell, entry, amount, 1000, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs((entry-tpSell)-(tp-entry)) > 1 {
		t.Errorf("sell TP %f not mirrored against buy TP %f", tpSell, tp)
	}
}

func newAtomic(mock *exchange.MockClient, tracker *position.Tracker) *AtomicEntry {
	a := NewAtomicEntry(mock, tracker,
		config.CleanupConfig{MaxAgeHours: 24, ThresholdCount: 25},
		config.StopLossConfig{OrderType: exchange.TypeStopLimit},
		zerolog.Nop())
	a.sleep = func(context.Context, time.Duration) error { return nil }
	return a
}

func TestPlaceProtectionSuccess(t *testing.T) {
	mock := exchange.NewMockClient()
	tracker := position.NewTracker(zerolog.Nop())
	pos := tracker.Add(position.Position{Pair: "btc_jpy", Side: exchange.SideBuy, Amount: 0.001, EntryPrice: 16_000_000})

	a := newAtomic(mock, tracker)
	res, err := a.PlaceProtection(context.Background(), pos, TPSL{TakeProfit: 16_258_000, StopLoss: 15_800_000})
	if err != nil {
		t.Fatal(err)
	}
	if res.TPOrderID == "" || res.SLOrderID == "" {
		t.Fatalf("result = %+v", res)
	}
	stored, _ := tracker.Find(pos.ID)
	if stored.TPOrderID != res.TPOrderID || stored.SLOrderID != res.SLOrderID {
		t.Errorf("tracker not updated: %+v", stored)
	}
	if len(mock.CreatedOrders) != 2 {
		t.Errorf("orders created = %d, want 2", len(mock.CreatedOrders))
	}
}

func TestPlaceProtectionRollsBackOnSLFailure(t *testing.T) {
	mock := exchange.NewMockClient()
	tracker := position.NewTracker(zerolog.Nop())
	pos := tracker.Add(position.Position{Pair: "btc_jpy", Side: exchange.SideBuy, Amount: 0.001})

	calls := 0
	mock.CreateOrderFn = func(req exchange.OrderRequest) (*exchange.Order, error) {
		calls++
		if req.Type == exchange.TypeLimit && !req.IsClosingOrder {
			t.Fatalf("unexpected non-closing order: %+v", req)
		}
		switch {
		case req.Type == exchange.TypeLimit:
			return &exchange.Order{ID: "tp-1", Status: exchange.StatusOpen}, nil
		case req.Type == exchange.TypeStopLimit:
			return nil, exchange.NewAPIError(exchange.CodeTriggerRequired, "trigger missing")
		default: // rollback market close
			return &exchange.Order{ID: "close-1", Status: exchange.StatusClosed}, nil
		}
	}

	a := newAtomic(mock, tracker)
	_, err := a.PlaceProtection(context.Background(), pos, TPSL{TakeProfit: 16_258_000, StopLoss: 15_800_000})
	if err == nil {
		t.Fatal("expected atomic failure")
	}
	if tracker.Count() != 0 {
		t.Error("position survived rollback")
	}
	if len(mock.CanceledOrders) != 1 || mock.CanceledOrders[0] != "tp-1" {
		t.Errorf("canceled = %v, want the placed TP", mock.CanceledOrders)
	}
}

func TestPlaceProtectionRetriesTransientFailure(t *testing.T) {
	mock := exchange.NewMockClient()
	tracker := position.NewTracker(zerolog.Nop())
	pos := tracker.Add(position.Position{Pair: "btc_jpy", Side: exchange.SideSell, Amount: 0.001})

	tpAttempts := 0
	mock.CreateOrderFn = func(req exchange.OrderRequest) (*exchange.Order, error) {
		if req.Type == exchange.TypeLimit {
			tpAttempts++
			if tpAttempts < 3 {
				return nil, errors.New("transient")
			}
			return &exchange.Order{ID: "tp-1", Status: exchange.StatusOpen}, nil
		}
		return &exchange.Order{ID: "sl-1", Status: exchange.StatusOpen}, nil
	}

	a := newAtomic(mock, tracker)
	if _, err := a.PlaceProtection(context.Background(), pos, TPSL{TakeProfit: 15_000_000, StopLoss: 16_500_000}); err != nil {
		t.Fatal(err)
	}
	if tpAttempts != 3 {
		t.Errorf("tp attempts = %d, want 3", tpAttempts)
	}
}

func TestRollbackEntryFailureRaisesManualIntervention(t *testing.T) {
	mock := exchange.NewMockClient()
	tracker := position.NewTracker(zerolog.Nop())
	pos := tracker.Add(position.Position{Pair: "btc_jpy", Side: exchange.SideBuy, Amount: 0.001})

	mock.CreateOrderFn = func(req exchange.OrderRequest) (*exchange.Order, error) {
		return nil, errors.New("exchange down")
	}

	a := newAtomic(mock, tracker)
	if _, err := a.PlaceProtection(context.Background(), pos, TPSL{TakeProfit: 1, StopLoss: 1}); err == nil {
		t.Fatal("expected failure")
	}
	if !a.ManualInterventionRequired() {
		t.Error("manual intervention flag not raised")
	}
}

func TestCleanupOldTPSLRespectsThreshold(t *testing.T) {
	mock := exchange.NewMockClient()
	tracker := position.NewTracker(zerolog.Nop())
	mock.ActiveOrders = []exchange.Order{
		{ID: "o1", Side: exchange.SideSell, Type: exchange.TypeLimit},
	}

	a := newAtomic(mock, tracker)
	a.CleanupOldTPSL(context.Background(), "btc_jpy", exchange.SideBuy)
	if len(mock.CanceledOrders) != 0 {
		t.Error("cleanup fired below threshold")
	}
}

func TestCleanupOldTPSLCancelsUnowned(t *testing.T) {
	mock := exchange.NewMockClient()
	tracker := position.NewTracker(zerolog.Nop())
	tracker.Add(position.Position{Pair: "btc_jpy", Side: exchange.SideBuy, TPOrderID: "owned-tp", SLOrderID: "owned-sl"})

	var active []exchange.Order
	for i := 0; i < 24; i++ {
		active = append(active, exchange.Order{ID: string(rune('a' + i)), Side: exchange.SideBuy, Type: exchange.TypeMarket})
	}
	active = append(active,
		exchange.Order{ID: "owned-tp", Side: exchange.SideSell, Type: exchange.TypeLimit},
		exchange.Order{ID: "owned-sl", Side: exchange.SideSell, Type: exchange.TypeStopLimit},
		exchange.Order{ID: "stale-tp", Side: exchange.SideSell, Type: exchange.TypeLimit},
	)
	mock.ActiveOrders = active

	a := newAtomic(mock, tracker)
	a.CleanupOldTPSL(context.Background(), "btc_jpy", exchange.SideBuy)
	if len(mock.CanceledOrders) != 1 || mock.CanceledOrders[0] != "stale-tp" {
		t.Errorf("canceled = %v, want only stale-tp", mock.CanceledOrders)
	}
}
