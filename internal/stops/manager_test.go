package stops

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nao-namake/crypto-bot-sub005/config"
	"github.com/nao-namake/crypto-bot-sub005/internal/exchange"
	"github.com/nao-namake/crypto-bot-sub005/internal/position"
	"github.com/nao-namake/crypto-bot-sub005/internal/resilience"
)

type fixture struct {
	mock    *exchange.MockClient
	tracker *position.Tracker
	manager *Manager
	journal *OrphanJournal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := exchange.NewMockClient()
	tracker := position.NewTracker(zerolog.Nop())
	res := resilience.NewManager(resilience.Config{}, zerolog.Nop())
	journal := NewOrphanJournal(filepath.Join(t.TempDir(), "orphans.json"), zerolog.Nop())

	cfg := config.Default()
	cfg.Trading.Mode = "live"
	cfg.PositionManagement.StopLoss.SkipBotMonitoring = true
	cfg.PositionManagement.EmergencyStopLoss.Enabled = true

	m := NewManager(mock, tracker, res, journal, cfg, zerolog.Nop())
	return &fixture{mock: mock, tracker: tracker, manager: m, journal: journal}
}

func TestTickTriggersTakeProfit(t *testing.T) {
	f := newFixture(t)
	f.mock.Ticker = &exchange.Ticker{Last: 16_300_000}
	f.tracker.Add(position.Position{
		Pair: "btc_jpy", Side: exchange.SideBuy, Amount: 0.001,
		EntryPrice: 16_000_000, TakeProfit: 16_258_000, StopLoss: 15_800_000,
		SLOrderID: "sl-1",
	})
	f.mock.SetOrder(&exchange.Order{ID: "sl-1", Status: exchange.StatusOpen})

	f.manager.Tick(context.Background())

	if f.tracker.Count() != 0 {
		t.Fatal("position not closed on TP cross")
	}
	trades := f.manager.ClosedTrades()
	if len(trades) != 1 || trades[0].Reason != ReasonTakeProfit {
		t.Fatalf("trades = %+v", trades)
	}
	if trades[0].PnL <= 0 {
		t.Errorf("TP exit PnL = %f, want positive", trades[0].PnL)
	}
	// the paired SL must be cancelled
	found := false
	for _, id := range f.mock.CanceledOrders {
		if id == "sl-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("paired SL not cancelled: %v", f.mock.CanceledOrders)
	}
}

func TestNativeSLNotBotTriggered(t *testing.T) {
	f := newFixture(t)
	f.mock.Ticker = &exchange.Ticker{Last: 15_700_000} // below SL
	f.tracker.Add(position.Position{
		Pair: "btc_jpy", Side: exchange.SideBuy, Amount: 0.001,
		EntryPrice: 16_000_000, StopLoss: 15_800_000,
		SLOrderID: "sl-native", SLPlacedAt: time.Now(),
	})
	f.mock.SetOrder(&exchange.Order{ID: "sl-native", Status: exchange.StatusOpen})

	f.manager.Tick(context.Background())
	if f.tracker.Count() != 1 {
		t.Fatal("bot triggered an exit despite native SL monitoring skip")
	}
}

func TestSLTimeoutFallbackOnlyInsideZone(t *testing.T) {
	f := newFixture(t)
	placed := time.Now().Add(-10 * time.Minute) // past the 300s timeout

	t.Run("unknown status inside zone exits", func(t *testing.T) {
		f := newFixture(t)
		f.mock.Ticker = &exchange.Ticker{Last: 15_810_000} // within 1.5% of SL
		f.tracker.Add(position.Position{
			Pair: "btc_jpy", Side: exchange.SideBuy, Amount: 0.001,
			EntryPrice: 16_000_000, StopLoss: 15_800_000,
			SLOrderID: "sl-x", SLPlacedAt: placed,
		})
		f.mock.SetOrder(&exchange.Order{ID: "sl-x", Status: "REJECTED"})

		f.manager.Tick(context.Background())
		if f.tracker.Count() != 0 {
			t.Fatal("no fallback exit despite unknown SL state inside zone")
		}
		trades := f.manager.ClosedTrades()
		if len(trades) != 1 || trades[0].Reason != ReasonSLTimeout {
			t.Fatalf("trades = %+v", trades)
		}
	})

	t.Run("unknown status outside zone skips", func(t *testing.T) {
		f := newFixture(t)
		f.mock.Ticker = &exchange.Ticker{Last: 16_500_000} // far from SL
		f.tracker.Add(position.Position{
			Pair: "btc_jpy", Side: exchange.SideBuy, Amount: 0.001,
			EntryPrice: 16_000_000, StopLoss: 15_800_000,
			SLOrderID: "sl-x", SLPlacedAt: placed,
		})
		f.mock.SetOrder(&exchange.Order{ID: "sl-x", Status: "REJECTED"})

		f.manager.Tick(context.Background())
		if f.tracker.Count() != 1 {
			t.Fatal("fallback fired outside the SL zone")
		}
	})

	t.Run("transient API error skips", func(t *testing.T) {
		f := newFixture(t)
		f.mock.Ticker = &exchange.Ticker{Last: 15_810_000}
		f.tracker.Add(position.Position{
			Pair: "btc_jpy", Side: exchange.SideBuy, Amount: 0.001,
			EntryPrice: 16_000_000, StopLoss: 15_800_000,
			SLOrderID: "sl-x", SLPlacedAt: placed,
		})
		f.mock.FetchOrderErr = errors.New("gateway timeout")

		f.manager.Tick(context.Background())
		if f.tracker.Count() != 1 {
			t.Fatal("fallback fired on a transient status-check error")
		}
	})
	_ = f
}

func TestEmergencyExitOnRapidLoss(t *testing.T) {
	f := newFixture(t)
	f.mock.Ticker = &exchange.Ticker{Last: 15_000_000} // -6.25%
	f.tracker.Add(position.Position{
		Pair: "btc_jpy", Side: exchange.SideBuy, Amount: 0.001,
		EntryPrice: 16_000_000, OpenedAt: time.Now().Add(-5 * time.Minute),
	})

	f.manager.Tick(context.Background())
	trades := f.manager.ClosedTrades()
	if len(trades) != 1 || trades[0].Reason != ReasonEmergency {
		t.Fatalf("trades = %+v", trades)
	}
}

func TestEmergencyExitRespectsMinHold(t *testing.T) {
	f := newFixture(t)
	f.mock.Ticker = &exchange.Ticker{Last: 15_000_000}
	f.tracker.Add(position.Position{
		Pair: "btc_jpy", Side: exchange.SideBuy, Amount: 0.001,
		EntryPrice: 16_000_000, OpenedAt: time.Now(), // just opened
	})

	f.manager.Tick(context.Background())
	if f.tracker.Count() != 1 {
		t.Fatal("emergency exit fired inside the minimum hold window")
	}
}

func TestDetectTPAutoExecution(t *testing.T) {
	f := newFixture(t)
	f.tracker.Add(position.Position{
		ID: "pos-1", Pair: "btc_jpy", Side: exchange.SideBuy, Amount: 0.001,
		EntryPrice: 16_000_000, TakeProfit: 16_258_000,
		TPOrderID: "tp-1", SLOrderID: "sl-1",
	})
	f.mock.Positions = nil // exchange reports nothing open
	f.mock.SetOrder(&exchange.Order{ID: "tp-1", Status: exchange.StatusClosed, Average: 16_258_000})
	f.mock.SetOrder(&exchange.Order{ID: "sl-1", Status: exchange.StatusOpen})

	f.manager.DetectAutoExecutions(context.Background())

	if f.tracker.Count() != 0 {
		t.Fatal("auto-executed position not removed")
	}
	trades := f.manager.ClosedTrades()
	if len(trades) != 1 || trades[0].Reason != ReasonTPAutoExec {
		t.Fatalf("trades = %+v", trades)
	}
	if trades[0].ExitPrice != 16_258_000 {
		t.Errorf("exit price = %f", trades[0].ExitPrice)
	}
	found := false
	for _, id := range f.mock.CanceledOrders {
		if id == "sl-1" {
			found = true
		}
	}
	if !found {
		t.Error("paired SL not cancelled after TP auto-execution")
	}
}

func TestDetectSLAutoExecution(t *testing.T) {
	f := newFixture(t)
	f.tracker.Add(position.Position{
		ID: "pos-1", Pair: "btc_jpy", Side: exchange.SideBuy, Amount: 0.001,
		EntryPrice: 16_000_000, StopLoss: 15_800_000,
		TPOrderID: "tp-1", SLOrderID: "sl-1",
	})
	f.mock.Positions = nil
	f.mock.SetOrder(&exchange.Order{ID: "tp-1", Status: exchange.StatusOpen})
	f.mock.SetOrder(&exchange.Order{ID: "sl-1", Status: exchange.StatusClosed, Average: 15_795_000})

	f.manager.DetectAutoExecutions(context.Background())

	trades := f.manager.ClosedTrades()
	if len(trades) != 1 || trades[0].Reason != ReasonSLAutoExec {
		t.Fatalf("trades = %+v", trades)
	}
	if trades[0].PnL >= 0 {
		t.Errorf("SL exit PnL = %f, want negative", trades[0].PnL)
	}
}

func TestDetectNoMatchLeavesPosition(t *testing.T) {
	f := newFixture(t)
	f.tracker.Add(position.Position{
		ID: "pos-1", Pair: "btc_jpy", Side: exchange.SideBuy, Amount: 0.001,
		TPOrderID: "tp-1", SLOrderID: "sl-1",
	})
	f.mock.Positions = nil
	f.mock.SetOrder(&exchange.Order{ID: "tp-1", Status: exchange.StatusOpen})
	f.mock.SetOrder(&exchange.Order{ID: "sl-1", Status: exchange.StatusOpen})

	f.manager.DetectAutoExecutions(context.Background())
	if f.tracker.Count() != 1 {
		t.Fatal("no-match position removed without evidence")
	}
	if len(f.manager.ClosedTrades()) != 0 {
		t.Fatal("no-match recorded a trade")
	}
}

func TestOrphanJournalAppendDrain(t *testing.T) {
	f := newFixture(t)
	if err := f.journal.Append("sl-dead", "cancel refused"); err != nil {
		t.Fatal(err)
	}
	if got := len(f.journal.Records()); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}

	// the order no longer exists at the exchange: drain resolves it
	f.journal.Drain(context.Background(), f.mock, "btc_jpy")
	if got := len(f.journal.Records()); got != 0 {
		t.Errorf("records after drain = %d, want 0", got)
	}
}

func TestOrphanJournalKeepsUncancellable(t *testing.T) {
	f := newFixture(t)
	if err := f.journal.Append("sl-stuck", "cancel refused"); err != nil {
		t.Fatal(err)
	}
	f.mock.CancelErr = errors.New("exchange maintenance")
	f.journal.Drain(context.Background(), f.mock, "btc_jpy")
	if got := len(f.journal.Records()); got != 1 {
		t.Errorf("records = %d, want 1 kept", got)
	}
}

func TestOrphanJournalPrunes(t *testing.T) {
	records := make([]OrphanRecord, 0, 250)
	for i := 0; i < 250; i++ {
		records = append(records, OrphanRecord{SLOrderID: "x", Timestamp: time.Now()})
	}
	records = append(records, OrphanRecord{SLOrderID: "old", Timestamp: time.Now().Add(-8 * 24 * time.Hour)})
	pruned := prune(records)
	if len(pruned) != orphanMaxEntries {
		t.Errorf("pruned length = %d, want %d", len(pruned), orphanMaxEntries)
	}
	for _, r := range pruned {
		if r.SLOrderID == "old" {
			t.Error("expired record survived pruning")
		}
	}
}

func TestCleanupStaleOrders(t *testing.T) {
	f := newFixture(t)
	f.tracker.Add(position.Position{Pair: "btc_jpy", Side: exchange.SideBuy, TPOrderID: "tp-live"})

	old := time.Now().Add(-30 * time.Hour).UnixMilli()
	fresh := time.Now().Add(-1 * time.Hour).UnixMilli()
	var active []exchange.Order
	for i := 0; i < 24; i++ {
		active = append(active, exchange.Order{ID: string(rune('A' + i)), OrderedAt: fresh})
	}
	active = append(active,
		exchange.Order{ID: "stale-1", OrderedAt: old},
		exchange.Order{ID: "tp-live", OrderedAt: old},
	)
	f.mock.ActiveOrders = active

	f.manager.CleanupStaleOrders(context.Background())
	if len(f.mock.CanceledOrders) != 1 || f.mock.CanceledOrders[0] != "stale-1" {
		t.Errorf("canceled = %v, want only stale-1", f.mock.CanceledOrders)
	}
}

func TestRunPassSweepsStaleOrdersOnCadence(t *testing.T) {
	f := newFixture(t)
	f.manager.detectEvery = 1000
	f.manager.cleanupEvery = 2

	old := time.Now().Add(-30 * time.Hour).UnixMilli()
	var active []exchange.Order
	for i := 0; i < 26; i++ {
		active = append(active, exchange.Order{ID: string(rune('A' + i)), OrderedAt: old})
	}
	f.mock.ActiveOrders = active

	ctx := context.Background()
	f.manager.runPass(ctx)
	if len(f.mock.CanceledOrders) != 0 {
		t.Fatalf("sweep ran before its cadence: canceled = %v", f.mock.CanceledOrders)
	}
	f.manager.runPass(ctx)
	if len(f.mock.CanceledOrders) != 26 {
		t.Fatalf("canceled %d stale orders on the sweep tick, want 26", len(f.mock.CanceledOrders))
	}
}

func TestBacktestModeSkipsLoop(t *testing.T) {
	mock := exchange.NewMockClient()
	tracker := position.NewTracker(zerolog.Nop())
	res := resilience.NewManager(resilience.Config{}, zerolog.Nop())
	cfg := config.Default()
	cfg.Trading.Mode = "backtest"

	m := NewManager(mock, tracker, res, nil, cfg, zerolog.Nop())
	m.Start(context.Background())
	if m.done != nil {
		t.Error("backtest mode started the monitoring loop")
	}
	m.Stop()
}
