// Package execution orchestrates one trade decision end to end:
// admission, entry placement, TP/SL recomputation from the real fill,
// and the atomic protective-order block.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

// Trade outcomes.
const (
	OutcomeFilled    = "FILLED"
	OutcomeCancelled = "CANCELLED" // non-actionable evaluation, not an error
	OutcomeRejected  = "REJECTED"  // admission denied
	OutcomeFailed    = "FAILED"    // placement or atomic block failed
)

// Modes.
const (
	ModeLive     = "live"
	ModePaper    = "paper"
	ModeBacktest = "backtest"
)

// Result is the outcome of one ExecuteTrade call.
type Result struct {
	Outcome      string  `json:"outcome"`
	Mode         string  `json:"mode,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	PositionID   string  `json:"position_id,omitempty"`
	OrderID      string  `json:"order_id,omitempty"`
	FillPrice    float64 `json:"fill_price,omitempty"`
	FilledAmount float64 `json:"filled_amount,omitempty"`
	Fee          float64 `json:"fee,omitempty"`
	TakeProfit   float64 `json:"take_profit,omitempty"`
	StopLoss     float64 `json:"stop_loss,omitempty"`
}

// Service is the per-evaluation orchestrator. All ExecuteTrade work for a
// pair runs sequentially.
type Service struct {
	client   exchange.Client
	monitor  *margin.Monitor
	limits   *limits.Checker
	strategy *orderexec.Strategy
	tpsl     *orderexec.Calculator
	atomic   *orderexec.AtomicEntry
	tracker  *position.Tracker
	res      *resilience.Manager
	cfg      *config.Config
	mode     string
	logger   zerolog.Logger

	mu             sync.Mutex
	lastOrderTime  time.Time
	initialBalance float64
}

// NewService wires the orchestrator.
func NewService(
	client exchange.Client,
	monitor *margin.Monitor,
	checker *limits.Checker,
	strategy *orderexec.Strategy,
	tpsl *orderexec.Calculator,
	atomic *orderexec.AtomicEntry,
	tracker *position.Tracker,
	res *resilience.Manager,
	cfg *config.Config,
	logger zerolog.Logger,
) *Service {
	return &Service{
		client:   client,
		monitor:  monitor,
		limits:   checker,
		strategy: strategy,
		tpsl:     tpsl,
		atomic:   atomic,
		tracker:  tracker,
		res:      res,
		cfg:      cfg,
		mode:     cfg.Trading.Mode,
		logger:   logger.With().Str("component", "execution").Logger(),
	}
}

// LastOrderTime returns when the most recent entry filled.
func (s *Service) LastOrderTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOrderTime
}

// ExecuteTrade runs the full decision sequence for one evaluation.
func (s *Service) ExecuteTrade(ctx context.Context, eval orderexec.Evaluation) Result {
	if !eval.Actionable() {
		return Result{Outcome: OutcomeCancelled, Reason: "no actionable side"}
	}
	if eval.Pair == "" {
		eval.Pair = s.cfg.Trading.Pair
	}

	if !s.res.CanProceed("execution") {
		return Result{Outcome: OutcomeRejected, Reason: "resilience gate closed"}
	}

	balance, err := s.fetchBalance(ctx)
	if err != nil {
		s.res.RecordError("execution", "balance_fetch", err.Error(), resilience.SeverityWarning)
		return Result{Outcome: OutcomeFailed, Reason: fmt.Sprintf("balance unavailable: %v", err)}
	}

	if s.mode == ModeLive {
		validation, err := s.monitor.ValidateMargin(ctx)
		if err != nil {
			if errors.Is(err, margin.ErrTradingHalted) {
				s.res.RecordError("execution", "margin_halt", err.Error(), resilience.SeverityCritical)
			}
			return Result{Outcome: OutcomeRejected, Reason: fmt.Sprintf("margin validation: %v", err)}
		}
		if !validation.Sufficient {
			return Result{Outcome: OutcomeRejected,
				Reason: fmt.Sprintf("insufficient margin: %.0f available, %.0f required", validation.Available, validation.Required)}
		}
	}

	eval = s.ensureMinimumTradeSize(eval)

	s.mu.Lock()
	lastOrder := s.lastOrderTime
	initial := s.initialBalance
	if initial == 0 {
		initial = balance
		s.initialBalance = balance
	}
	s.mu.Unlock()

	decision := s.limits.Check(limits.CheckInput{
		Side:           eval.Side,
		Amount:         eval.Amount,
		Price:          s.referencePrice(ctx, eval),
		Confidence:     eval.Confidence,
		Regime:         eval.Regime,
		Balance:        balance,
		InitialBalance: initial,
		LastOrderTime:  lastOrder,
		Positions:      s.tracker.GetAll(),
		Trend:          trendFrom(eval),
	})
	if !decision.Allowed {
		return Result{Outcome: OutcomeRejected, Reason: fmt.Sprintf("%s: %s", decision.Gate, decision.Reason)}
	}

	if floor := s.monitor.AdmissionFloor(); floor > 0 && s.mode != ModeBacktest {
		price := s.referencePrice(ctx, eval)
		predicted, err := s.monitor.PredictRatio(ctx, eval.Amount, price)
		if err == nil && predicted < floor {
			return Result{Outcome: OutcomeRejected,
				Reason: fmt.Sprintf("predicted margin ratio %.0f%% under floor %.0f%%", predicted, floor)}
		}
	}

	entry, err := s.placeEntry(ctx, eval)
	if err != nil {
		s.res.RecordError("execution", "entry_failed", err.Error(), resilience.SeverityWarning)
		return Result{Outcome: OutcomeFailed, Reason: fmt.Sprintf("entry placement: %v", err)}
	}
	s.res.RecordSuccess("execution")
	fillPrice := entry.FillPrice()

	computed, err := s.tpsl.Calculate(ctx, eval, fillPrice)
	if err != nil {
		// entry stands but protection cannot be computed: unwind
		s.logger.Error().Err(err).Str("order_id", entry.ID).Msg("TP/SL recomputation failed, unwinding entry")
		s.unwindEntry(ctx, eval, entry)
		return Result{Outcome: OutcomeFailed, Reason: fmt.Sprintf("tp/sl recompute: %v", err)}
	}

	pos := s.tracker.Add(position.Position{
		Pair:       eval.Pair,
		Side:       eval.Side,
		Amount:     entryAmount(entry, eval),
		EntryPrice: fillPrice,
		Strategy:   eval.Strategy,
		TakeProfit: computed.TakeProfit,
		StopLoss:   computed.StopLoss,
	})

	s.atomic.CleanupOldTPSL(ctx, eval.Pair, eval.Side)

	protection, err := s.atomic.PlaceProtection(ctx, pos, computed)
	if err != nil {
		// PlaceProtection already rolled back and removed the position
		s.res.RecordError("execution", "atomic_failed", err.Error(), resilience.SeverityWarning)
		return Result{Outcome: OutcomeFailed, Reason: fmt.Sprintf("atomic block: %v", err)}
	}

	s.mu.Lock()
	s.lastOrderTime = time.Now()
	s.mu.Unlock()

	s.logger.Info().
		Str("position_id", pos.ID).
		Str("side", eval.Side).
		Float64("fill_price", fillPrice).
		Str("tp_order_id", protection.TPOrderID).
		Str("sl_order_id", protection.SLOrderID).
		Float64("take_profit", computed.TakeProfit).
		Float64("stop_loss", computed.StopLoss).
		Msg("trade filled with protection")
	return Result{
		Outcome:      OutcomeFilled,
		Mode:         s.mode,
		PositionID:   pos.ID,
		OrderID:      entry.ID,
		FillPrice:    fillPrice,
		FilledAmount: pos.Amount,
		Fee:          entry.Fee,
		TakeProfit:   computed.TakeProfit,
		StopLoss:     computed.StopLoss,
	}
}

func (s *Service) fetchBalance(ctx context.Context) (float64, error) {
	bal, err := s.client.FetchBalance(ctx)
	if err != nil {
		return 0, err
	}
	return bal.TotalJPY, nil
}

// ensureMinimumTradeSize bumps a sub-minimum amount up to the exchange
// minimum lot.
func (s *Service) ensureMinimumTradeSize(eval orderexec.Evaluation) orderexec.Evaluation {
	min := s.cfg.PositionManagement.MinTradeSize
	if eval.Amount < min {
		s.logger.Debug().Float64("amount", eval.Amount).Float64("min", min).Msg("amount raised to minimum lot")
		eval.Amount = min
	}
	return eval
}

func (s *Service) referencePrice(ctx context.Context, eval orderexec.Evaluation) float64 {
	if d, ok := eval.Market.Data["15m"]; ok && d.Close > 0 {
		return d.Close
	}
	ticker, err := s.client.FetchTicker(ctx, eval.Pair)
	if err == nil && ticker.Last > 0 {
		return ticker.Last
	}
	return s.cfg.Trading.FallbackBTCJPY
}

// placeEntry executes the chosen plan and confirms the fill.
func (s *Service) placeEntry(ctx context.Context, eval orderexec.Evaluation) (*exchange.Order, error) {
	plan, err := s.strategy.ChooseExecution(ctx, eval)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("style", plan.Style).Str("reason", plan.Reason).Float64("price", plan.Price).Msg("execution style chosen")

	if plan.Style == orderexec.StyleMakerOnly {
		return s.strategy.PlaceMakerOrder(ctx, eval, plan.Price)
	}

	order, err := s.client.CreateOrder(ctx, exchange.OrderRequest{
		Pair:   eval.Pair,
		Side:   eval.Side,
		Type:   plan.Type,
		Amount: eval.Amount,
		Price:  plan.Price,
	})
	if err != nil {
		return nil, err
	}
	if order.Type == exchange.TypeLimit && !order.IsTerminal() {
		return s.waitForFill(ctx, order, eval.Pair)
	}
	return order, nil
}

// waitForFill polls a resting limit entry; an unfilled order at timeout
// is cancelled and reported as a failure unless a fill raced the cancel.
func (s *Service) waitForFill(ctx context.Context, order *exchange.Order, pair string) (*exchange.Order, error) {
	fc := s.cfg.PositionManagement.StopLoss.FillConfirmation
	timeout := time.Duration(fc.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	interval := time.Duration(fc.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 3 * time.Second
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		current, err := s.client.FetchOrder(ctx, order.ID, pair)
		if err != nil {
			return nil, fmt.Errorf("polling entry: %w", err)
		}
		if current.Status == exchange.StatusClosed {
			return current, nil
		}
		if current.IsTerminal() {
			return nil, fmt.Errorf("entry order %s ended %s unfilled", order.ID, current.Status)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}

	if err := s.client.CancelOrder(ctx, order.ID, pair); err != nil && !exchange.IsOrderNotFound(err) {
		s.logger.Warn().Err(err).Str("order_id", order.ID).Msg("entry cancel at timeout failed")
	}
	final, err := s.client.FetchOrder(ctx, order.ID, pair)
	if err != nil {
		return nil, fmt.Errorf("confirming entry after timeout: %w", err)
	}
	if final.Status == exchange.StatusClosed || final.Filled > 0 {
		return final, nil
	}
	return nil, fmt.Errorf("entry order %s unfilled at timeout", order.ID)
}

func (s *Service) unwindEntry(ctx context.Context, eval orderexec.Evaluation, entry *exchange.Order) {
	exitSide := exchange.SideSell
	positionSide := exchange.PositionLong
	if eval.Side == exchange.SideSell {
		exitSide = exchange.SideBuy
		positionSide = exchange.PositionShort
	}
	_, err := s.client.CreateOrder(ctx, exchange.OrderRequest{
		Pair:              eval.Pair,
		Side:              exitSide,
		Type:              exchange.TypeMarket,
		Amount:            entryAmount(entry, eval),
		IsClosingOrder:    true,
		EntryPositionSide: positionSide,
	})
	if err != nil && !exchange.IsPositionMissing(err) {
		s.res.RecordError("execution", "unwind_failed", err.Error(), resilience.SeverityCritical)
		s.logger.Error().Err(err).Str("order_id", entry.ID).Msg("entry unwind failed, manual intervention required")
	}
}

func entryAmount(entry *exchange.Order, eval orderexec.Evaluation) float64 {
	if entry.Filled > 0 {
		return entry.Filled
	}
	return eval.Amount
}

func trendFrom(eval orderexec.Evaluation) limits.TrendSnapshot {
	d, ok := eval.Market.Data["4h"]
	if !ok {
		return limits.TrendSnapshot{}
	}
	return limits.TrendSnapshot{
		ADX:     d.ADX14,
		PlusDI:  d.PlusDI14,
		MinusDI: d.MinusDI14,
		EMA20:   d.EMA20,
		EMA50:   d.EMA50,
	}
}
