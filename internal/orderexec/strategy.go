package orderexec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nao-namake/crypto-bot-sub005/config"
	"github.com/nao-namake/crypto-bot-sub005/internal/exchange"
)

// Execution styles.
const (
	StyleMarket    = "market"
	StyleLimit     = "limit"
	StyleMakerOnly = "maker_only"
)

// Plan is the chosen way to place the entry order.
type Plan struct {
	Style  string
	Type   string // exchange order type
	Price  float64
	Reason string
}

// ErrMakerExhausted means the post-only walk ran out of retries, time, or
// price budget without a fill.
var ErrMakerExhausted = errors.New("orderexec: maker placement exhausted")

// Strategy picks market vs limit vs maker-only per evaluation and owns
// the maker price-walk loop.
type Strategy struct {
	client exchange.Client
	cfg    config.OrderExecutionConfig
	logger zerolog.Logger
	sleep  func(context.Context, time.Duration) error
	now    func() time.Time
}

// NewStrategy builds a Strategy.
func NewStrategy(client exchange.Client, cfg config.OrderExecutionConfig, logger zerolog.Logger) *Strategy {
	return &Strategy{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "order_strategy").Logger(),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ChooseExecution decides the execution style and price from the live
// order book. Emergencies, low confidence, and wide spreads all force a
// market order.
func (s *Strategy) ChooseExecution(ctx context.Context, eval Evaluation) (Plan, error) {
	if eval.EmergencyExit {
		return Plan{Style: StyleMarket, Type: exchange.TypeMarket, Reason: "emergency exit"}, nil
	}
	if eval.Confidence < s.cfg.LowConfidenceThreshold {
		return Plan{Style: StyleMarket, Type: exchange.TypeMarket, Reason: "low confidence"}, nil
	}

	book, err := s.client.FetchOrderBook(ctx, eval.Pair, 10)
	if err != nil {
		s.logger.Warn().Err(err).Msg("order book unavailable, defaulting to market")
		return Plan{Style: StyleMarket, Type: exchange.TypeMarket, Reason: "order book unavailable"}, nil
	}

	spread := book.SpreadRatio()
	if spread <= 0 || spread > s.cfg.MaxSpreadRatioForLimit {
		return Plan{Style: StyleMarket, Type: exchange.TypeMarket, Reason: fmt.Sprintf("spread %.4f%% too wide", spread*100)}, nil
	}

	if eval.Confidence >= s.cfg.HighConfidenceThreshold {
		if s.cfg.MakerStrategy.Enabled {
			price := s.makerPrice(eval.Side, book)
			return Plan{Style: StyleMakerOnly, Type: exchange.TypeLimit, Price: price, Reason: "high confidence maker"}, nil
		}
		return Plan{Style: StyleLimit, Type: exchange.TypeLimit, Price: s.limitPrice(eval.Side, book), Reason: "high confidence limit"}, nil
	}
	return Plan{Style: StyleMarket, Type: exchange.TypeMarket, Reason: "default"}, nil
}

// limitPrice computes the guaranteed-fill or price-improvement limit.
func (s *Strategy) limitPrice(side string, book *exchange.OrderBook) float64 {
	premium := s.cfg.GuaranteedExecutionPremium
	if s.cfg.EntryPriceStrategy == "favorable" {
		eps := s.cfg.PriceImprovementRatio
		if side == exchange.SideBuy {
			price := book.BestBid() * (1 + eps)
			if ask := book.BestAsk(); price >= ask {
				price = ask - tickOf(s.cfg.MakerStrategy.PriceAdjustmentTick)
			}
			return price
		}
		price := book.BestAsk() * (1 - eps)
		if bid := book.BestBid(); price <= bid {
			price = bid + tickOf(s.cfg.MakerStrategy.PriceAdjustmentTick)
		}
		return price
	}
	if side == exchange.SideBuy {
		return book.BestAsk() * (1 + premium)
	}
	return book.BestBid() * (1 - premium)
}

// makerPrice is one tick inside the spread.
func (s *Strategy) makerPrice(side string, book *exchange.OrderBook) float64 {
	tick := tickOf(s.cfg.MakerStrategy.PriceAdjustmentTick)
	if side == exchange.SideBuy {
		return book.BestBid() + tick
	}
	return book.BestAsk() - tick
}

func tickOf(tick float64) float64 {
	if tick <= 0 {
		return 1
	}
	return tick
}

// PlaceMakerOrder runs the post-only walk: place, poll for fill, and on a
// post-only cancel move the price one tick unfavorably and retry. The
// walk stops at max retries, the wall-clock timeout, or the price budget.
// A cancel raced by an observed fill counts as a fill.
func (s *Strategy) PlaceMakerOrder(ctx context.Context, eval Evaluation, startPrice float64) (*exchange.Order, error) {
	mk := s.cfg.MakerStrategy
	deadline := s.now().Add(time.Duration(mk.TimeoutSeconds) * time.Second)
	tick := tickOf(mk.PriceAdjustmentTick)
	budget := startPrice * mk.MaxPriceAdjustmentRatio

	price := startPrice
	for attempt := 1; attempt <= mk.MaxRetries; attempt++ {
		if s.now().After(deadline) {
			return nil, fmt.Errorf("%w: timeout after %d attempts", ErrMakerExhausted, attempt-1)
		}

		order, err := s.client.CreateOrder(ctx, exchange.OrderRequest{
			Pair:     eval.Pair,
			Side:     eval.Side,
			Type:     exchange.TypeLimit,
			Amount:   eval.Amount,
			Price:    price,
			PostOnly: true,
		})
		if err != nil {
			return nil, fmt.Errorf("maker placement: %w", err)
		}

		final, err := s.waitForMakerFill(ctx, order.ID, eval.Pair, deadline)
		if err != nil {
			return nil, err
		}
		if final.Status == exchange.StatusClosed || final.Filled > 0 {
			return final, nil
		}

		// post-only rejected or expired unfilled: walk one tick toward
		// the market
		next := price
		if eval.Side == exchange.SideBuy {
			next += tick
		} else {
			next -= tick
		}
		if diff := next - startPrice; diff > budget || diff < -budget {
			return nil, fmt.Errorf("%w: price walk exceeded budget %.0f", ErrMakerExhausted, budget)
		}
		price = next
		s.logger.Debug().Int("attempt", attempt).Float64("price", price).Msg("maker price walked")
		if err := s.sleep(ctx, time.Duration(mk.RetryIntervalMS)*time.Millisecond); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %d retries", ErrMakerExhausted, mk.MaxRetries)
}

// waitForMakerFill polls the order until it goes terminal or the deadline
// passes, then cancels. A fill observed after the cancel attempt still
// counts: the final fetch decides.
func (s *Strategy) waitForMakerFill(ctx context.Context, orderID, pair string, deadline time.Time) (*exchange.Order, error) {
	interval := time.Duration(s.cfg.MakerStrategy.RetryIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	for s.now().Before(deadline) {
		order, err := s.client.FetchOrder(ctx, orderID, pair)
		if err != nil {
			return nil, fmt.Errorf("polling maker order: %w", err)
		}
		if order.IsTerminal() {
			return order, nil
		}
		if err := s.sleep(ctx, interval); err != nil {
			return nil, err
		}
	}

	if err := s.client.CancelOrder(ctx, orderID, pair); err != nil && !exchange.IsOrderNotFound(err) {
		s.logger.Warn().Err(err).Str("order_id", orderID).Msg("maker cancel failed")
	}
	// final observation wins the cancel/fill race
	order, err := s.client.FetchOrder(ctx, orderID, pair)
	if err != nil {
		return nil, fmt.Errorf("confirming maker order after cancel: %w", err)
	}
	return order, nil
}
