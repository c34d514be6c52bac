// Command bot runs the BTC/JPY margin trading bot: market data intake,
// model-driven evaluations on a 15-minute cadence, trade execution with
// protective orders, runtime stop monitoring, and the ops API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nao-namake/crypto-bot-sub005/config"
	"github.com/nao-namake/crypto-bot-sub005/internal/exchange"
	"github.com/nao-namake/crypto-bot-sub005/internal/execution"
	"github.com/nao-namake/crypto-bot-sub005/internal/features"
	"github.com/nao-namake/crypto-bot-sub005/internal/limits"
	"github.com/nao-namake/crypto-bot-sub005/internal/margin"
	"github.com/nao-namake/crypto-bot-sub005/internal/marketdata"
	"github.com/nao-namake/crypto-bot-sub005/internal/ml"
	"github.com/nao-namake/crypto-bot-sub005/internal/orderexec"
	"github.com/nao-namake/crypto-bot-sub005/internal/position"
	"github.com/nao-namake/crypto-bot-sub005/internal/resilience"
	"github.com/nao-namake/crypto-bot-sub005/internal/secrets"
	"github.com/nao-namake/crypto-bot-sub005/internal/server"
	"github.com/nao-namake/crypto-bot-sub005/internal/stops"
	"github.com/nao-namake/crypto-bot-sub005/internal/store"
)

const (
	tradeInterval   = 15 * time.Minute
	paperInitialJPY = 1_000_000
	orphanJournal   = "orphan_sl.json"
	streamMaxAge    = 10 * time.Second
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the thresholds JSON file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Logging)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("bot exited")
	}
}

func buildLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if !cfg.JSONFormat {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := secrets.NewProvider(cfg.Vault, logger)
	if err != nil {
		return fmt.Errorf("building secrets provider: %w", err)
	}
	var creds secrets.Credentials
	if cfg.Trading.Mode == execution.ModeLive {
		creds, err = provider.ExchangeCredentials(ctx)
		if err != nil {
			return fmt.Errorf("resolving exchange credentials: %w", err)
		}
	}

	rest := exchange.NewRESTClient(exchange.RESTConfig{
		APIKey:      creds.APIKey,
		SecretKey:   creds.APISecret,
		PublicBase:  cfg.Exchange.BaseURL,
		PrivateBase: cfg.Exchange.PrivateBaseURL,
		RateLimitMS: cfg.Exchange.RateLimitMS,
		Timeout:     time.Duration(cfg.Exchange.HTTPTimeoutSecs) * time.Second,
	}, logger)

	var client exchange.Client = rest
	if cfg.Trading.Mode != execution.ModeLive {
		client = exchange.NewPaperClient(rest, paperInitialJPY, logger)
		logger.Info().Str("mode", cfg.Trading.Mode).Msg("paper fills enabled, no real orders will be placed")
	}

	var cache *marketdata.CandleCache
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		cache = marketdata.NewCandleCache(rdb, time.Duration(cfg.MarketData.CacheTTLSecs)*time.Second, logger)
	}
	fetcher := marketdata.NewFetcher(client, cache, cfg.MarketData, cfg.Trading.Pair, logger)

	catalog := features.Load(cfg.ML.ManifestPath, logger)
	adapter := ml.NewAdapter(ml.NewLoader(cfg.ML.ModelDir, catalog, cfg.ML.EnableStacking, logger), logger)

	tracker := position.NewTracker(logger)
	res := resilience.NewManager(resilience.Config{
		FailureThreshold:   cfg.Resilience.FailureThreshold,
		RecoveryTimeout:    time.Duration(cfg.Resilience.RecoveryTimeoutSecs) * time.Second,
		MaxErrorHistory:    cfg.Resilience.MaxErrorHistory,
		EmergencyStopAfter: cfg.Resilience.EmergencyStopAfter,
	}, logger)

	backtest := cfg.Trading.Mode == execution.ModeBacktest
	monitor := margin.NewMonitor(client, cfg.Margin, cfg.BalanceAlert, cfg.Trading.Pair, backtest, logger)
	cooldown := limits.NewCooldownManager(cfg.PositionManagement.CooldownTrendFilter, logger)
	checker := limits.NewChecker(cfg.PositionManagement, cfg.Trading.FallbackBTCJPY, cooldown, logger)
	strategy := orderexec.NewStrategy(client, cfg.OrderExecution, logger)
	calculator := orderexec.NewCalculator(fetcher, cfg.PositionManagement.TakeProfit, cfg.PositionManagement.StopLoss, cfg.Risk, cfg.Trading.Fees, logger)
	atomic := orderexec.NewAtomicEntry(client, tracker, cfg.PositionManagement.Cleanup, cfg.PositionManagement.StopLoss, logger)
	svc := execution.NewService(client, monitor, checker, strategy, calculator, atomic, tracker, res, cfg, logger)

	journal := stops.NewOrphanJournal(orphanJournal, logger)
	stopMgr := stops.NewManager(client, tracker, res, journal, cfg, logger)

	var st *store.Store
	if cfg.Database.Enabled {
		st, err = store.New(ctx, cfg.Database, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("trade store unavailable, continuing without persistence")
		} else {
			defer st.Close()
			stopMgr.OnExit(func(t stops.ClosedTrade) {
				saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := st.SaveTrade(saveCtx, store.TradeRecord{
					PositionID: t.PositionID,
					Pair:       t.Pair,
					Side:       t.Side,
					Amount:     t.Amount,
					EntryPrice: t.EntryPrice,
					ExitPrice:  t.ExitPrice,
					PnL:        t.PnL,
					Reason:     t.Reason,
					ClosedAt:   t.ClosedAt,
				}); err != nil {
					logger.Warn().Err(err).Str("position_id", t.PositionID).Msg("trade persistence failed")
				}
			})
		}
	}

	var stream *exchange.TickerStream
	if cfg.Exchange.WSURL != "" && !backtest {
		stream = exchange.NewTickerStream(cfg.Exchange.WSURL, cfg.Trading.Pair, logger)
		stream.Start(ctx)
		defer stream.Stop()
		stopMgr.SetPriceSource(func() (float64, bool) {
			if !stream.Fresh(streamMaxAge) {
				return 0, false
			}
			ticker, _ := stream.Last()
			if ticker == nil {
				return 0, false
			}
			return ticker.Last, true
		})
	}

	stopMgr.Start(ctx)
	defer stopMgr.Stop()

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(cfg.Server, server.Deps{
			Tracker:    tracker,
			Monitor:    monitor,
			Resilience: res,
			Stops:      stopMgr,
			Atomic:     atomic,
			Store:      st,
			Mode:       cfg.Trading.Mode,
			Pair:       cfg.Trading.Pair,
		}, logger)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error().Err(err).Msg("ops API stopped")
			}
		}()
	}

	logger.Info().
		Str("mode", cfg.Trading.Mode).
		Str("pair", cfg.Trading.Pair).
		Str("model", adapter.ModelName()).
		Msg("bot started")

	tradeLoop(ctx, cfg, client, fetcher, catalog, adapter, svc, logger)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("ops API shutdown failed")
		}
	}
	logger.Info().Msg("bot stopped")
	return nil
}

// tradeLoop runs one evaluation per cadence tick until the context ends.
func tradeLoop(
	ctx context.Context,
	cfg *config.Config,
	client exchange.Client,
	fetcher *marketdata.Fetcher,
	catalog *features.Catalog,
	adapter *ml.Adapter,
	svc *execution.Service,
	logger zerolog.Logger,
) {
	ticker := time.NewTicker(tradeInterval)
	defer ticker.Stop()

	evaluate(ctx, cfg, client, fetcher, catalog, adapter, svc, logger)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evaluate(ctx, cfg, client, fetcher, catalog, adapter, svc, logger)
		}
	}
}

func evaluate(
	ctx context.Context,
	cfg *config.Config,
	client exchange.Client,
	fetcher *marketdata.Fetcher,
	catalog *features.Catalog,
	adapter *ml.Adapter,
	svc *execution.Service,
	logger zerolog.Logger,
) {
	frame15, err := fetcher.GetFreshFrame(ctx, "15m", 0, 200)
	if err != nil || len(frame15) == 0 {
		logger.Warn().Err(err).Msg("15m frame unavailable, skipping evaluation")
		return
	}
	frame4h, err := fetcher.GetPriceFrame(ctx, marketdata.FrameRequest{Timeframe: "4h", Limit: 120})
	if err != nil {
		logger.Warn().Err(err).Msg("4h frame unavailable, trend filter degraded")
	}

	market := orderexec.MarketConditions{Data: map[string]orderexec.MarketData{
		"15m": marketDataFrom(frame15),
	}}
	if len(frame4h) > 0 {
		market.Data["4h"] = marketDataFrom(frame4h)
	}

	level := adapter.Level()
	if level == "" {
		level = features.LevelBasic
	}
	vector, err := catalog.BuildVector(level, frame15)
	if err != nil {
		logger.Error().Err(err).Str("level", level).Msg("feature vector build failed, skipping evaluation")
		return
	}
	adapter.EnsureCorrectModel(len(vector))

	proba := adapter.PredictProba([][]float64{vector})[0]
	class := argmax(proba)
	side := sideFromClass(class)
	confidence := proba[class]

	if side == "hold" {
		logger.Debug().Float64("confidence", confidence).Msg("model holds, no trade")
		return
	}

	price := market.Data["15m"].Close
	var balance float64
	if bal, err := client.FetchBalance(ctx); err == nil {
		balance = bal.TotalJPY
	}

	eval := orderexec.Evaluation{
		Pair:       cfg.Trading.Pair,
		Side:       side,
		Amount:     tradeAmount(cfg, balance, price, confidence),
		Confidence: confidence,
		Regime:     classifyRegime(market.Data["4h"].ADX14),
		Strategy:   adapter.ModelName(),
		Market:     market,
	}

	result := svc.ExecuteTrade(ctx, eval)
	event := logger.Info()
	if result.Outcome == execution.OutcomeFailed {
		event = logger.Error()
	}
	event.
		Str("outcome", result.Outcome).
		Str("side", side).
		Float64("confidence", confidence).
		Str("reason", result.Reason).
		Str("position_id", result.PositionID).
		Msg("evaluation executed")
}
