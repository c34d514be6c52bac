package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full thresholds document for the trading core.
// Values come from a JSON file with environment variable overrides
// applied on top (env takes precedence).
type Config struct {
	Exchange           ExchangeConfig           `json:"exchange"`
	Trading            TradingConfig            `json:"trading"`
	PositionManagement PositionManagementConfig `json:"position_management"`
	OrderExecution     OrderExecutionConfig     `json:"order_execution"`
	Margin             MarginConfig             `json:"margin"`
	Risk               RiskConfig               `json:"risk"`
	BalanceAlert       BalanceAlertConfig       `json:"balance_alert"`
	TPSLVerification   TPSLVerificationConfig   `json:"tp_sl_verification"`
	TPSLAutoDetection  TPSLAutoDetectionConfig  `json:"tp_sl_auto_detection"`
	MarketData         MarketDataConfig         `json:"market_data"`
	ML                 MLConfig                 `json:"ml"`
	Resilience         ResilienceConfig         `json:"resilience"`
	Logging            LoggingConfig            `json:"logging"`
	Server             ServerConfig             `json:"server"`
	Redis              RedisConfig              `json:"redis"`
	Database           DatabaseConfig           `json:"database"`
	Vault              VaultConfig              `json:"vault"`
}

// ExchangeConfig holds exchange connectivity settings. API credentials are
// not stored here; they come from Vault or the environment (see secrets).
type ExchangeConfig struct {
	BaseURL         string `json:"base_url"`
	PrivateBaseURL  string `json:"private_base_url"`
	WSURL           string `json:"ws_url"`
	TestNet         bool   `json:"testnet"`
	RateLimitMS     int    `json:"rate_limit_ms"` // sleep between paginated calls
	HTTPTimeoutSecs int    `json:"http_timeout_secs"`
	MaxActiveOrders int    `json:"max_active_orders"` // exchange-side order cap
}

// TradingConfig holds pair-level trading settings.
type TradingConfig struct {
	Pair           string     `json:"pair"`             // e.g. "btc_jpy"
	Mode           string     `json:"mode"`             // "live", "paper", "backtest"
	FallbackBTCJPY float64    `json:"fallback_btc_jpy"` // price fallback when ticker unavailable
	Fees           FeesConfig `json:"fees"`
}

// FeesConfig holds fee rates used for realized PnL.
type FeesConfig struct {
	EntryTakerRate float64 `json:"entry_taker_rate"`
	ExitTakerRate  float64 `json:"exit_taker_rate"`
	MakerRebate    float64 `json:"maker_rebate"`
}

// PositionManagementConfig gathers the admission and lifecycle tunables.
type PositionManagementConfig struct {
	MinAccountBalance        float64                     `json:"min_account_balance"`
	MinTradeSize             float64                     `json:"min_trade_size"`
	MaxOpenPositions         int                         `json:"max_open_positions"`
	RegimeMaxPositions       map[string]int              `json:"regime_max_positions"`
	CooldownMinutes          int                         `json:"cooldown_minutes"`
	MaxDailyTrades           int                         `json:"max_daily_trades"`
	MaxCapitalUsageRatio     float64                     `json:"max_capital_usage_ratio"`
	MaxPositionRatioPerTrade PositionRatioConfig         `json:"max_position_ratio_per_trade"`
	DynamicPositionSizing    DynamicPositionSizingConfig `json:"dynamic_position_sizing"`
	CooldownTrendFilter      CooldownTrendFilterConfig   `json:"cooldown_trend_filter"`
	TakeProfit               TakeProfitConfig            `json:"take_profit"`
	StopLoss                 StopLossConfig              `json:"stop_loss"`
	EmergencyStopLoss        EmergencyStopLossConfig     `json:"emergency_stop_loss"`
	Trailing                 TrailingConfig              `json:"trailing"`
	Cleanup                  CleanupConfig               `json:"cleanup"`
}

// PositionRatioConfig maps ML confidence bands to per-trade size caps.
type PositionRatioConfig struct {
	LowConfidence    float64 `json:"low_confidence"`    // < 0.60
	MediumConfidence float64 `json:"medium_confidence"` // < 0.75
	HighConfidence   float64 `json:"high_confidence"`   // >= 0.75
	EnforceMinimum   bool    `json:"enforce_minimum"`   // allow minimum-lot trades through
}

// DynamicPositionSizingConfig toggles balance-relative sizing.
type DynamicPositionSizingConfig struct {
	Enabled bool `json:"enabled"`
}

// CooldownTrendFilterConfig controls the strong-trend cooldown bypass.
type CooldownTrendFilterConfig struct {
	Enabled                bool    `json:"enabled"`                  // cooldown active at all
	Flexible               bool    `json:"flexible"`                 // allow trend bypass
	TrendStrengthThreshold float64 `json:"trend_strength_threshold"` // composite >= threshold skips cooldown
}

// TakeProfitConfig holds TP computation settings.
type TakeProfitConfig struct {
	Enabled        bool              `json:"enabled"`
	MinProfitRatio float64           `json:"min_profit_ratio"`
	DefaultRatio   float64           `json:"default_ratio"` // take distance = stop distance * ratio
	FixedAmount    FixedAmountConfig `json:"fixed_amount"`
}

// FixedAmountConfig drives the exact-profit TP variant.
type FixedAmountConfig struct {
	Enabled              bool    `json:"enabled"`
	TargetNetProfit      float64 `json:"target_net_profit"`
	IncludeEntryFee      bool    `json:"include_entry_fee"`
	IncludeExitFeeRebate bool    `json:"include_exit_fee_rebate"`
	IncludeInterest      bool    `json:"include_interest"`
	FallbackFeeRate      float64 `json:"fallback_fee_rate"`
}

// StopLossConfig holds SL computation and native stop-limit settings.
type StopLossConfig struct {
	Enabled              bool                   `json:"enabled"`
	MaxLossRatio         float64                `json:"max_loss_ratio"`
	DefaultATRMultiplier float64                `json:"default_atr_multiplier"`
	MinDistanceRatio     float64                `json:"min_distance_ratio"`
	OrderType            string                 `json:"order_type"` // "stop" or "stop_limit"
	SkipBotMonitoring    bool                   `json:"skip_bot_monitoring"`
	StopLimitTimeoutSecs int                    `json:"stop_limit_timeout"`
	SafetyMarginRatio    float64                `json:"safety_margin_ratio"` // SL-zone band for timeout fallback
	RetryOnUnfilled      RetryOnUnfilledConfig  `json:"retry_on_unfilled"`
	FillConfirmation     FillConfirmationConfig `json:"fill_confirmation"`
	RegimeBased          map[string]RegimeTPSL  `json:"regime_based"`
}

// RegimeTPSL overrides TP/SL ratios for a named regime.
type RegimeTPSL struct {
	ATRMultiplier   float64 `json:"atr_multiplier"`
	MaxLossRatio    float64 `json:"max_loss_ratio"`
	MinProfitRatio  float64 `json:"min_profit_ratio"`
	TakeProfitRatio float64 `json:"take_profit_ratio"`
}

// RetryOnUnfilledConfig controls SL re-placement with widening slippage.
type RetryOnUnfilledConfig struct {
	Enabled                  bool    `json:"enabled"`
	MaxRetries               int     `json:"max_retries"`
	SlippageIncreasePerRetry float64 `json:"slippage_increase_per_retry"`
}

// FillConfirmationConfig controls post-placement fill polling.
type FillConfirmationConfig struct {
	Enabled           bool `json:"enabled"`
	TimeoutSeconds    int  `json:"timeout_seconds"`
	CheckIntervalSecs int  `json:"check_interval_seconds"`
}

// EmergencyStopLossConfig triggers a market exit on rapid loss.
type EmergencyStopLossConfig struct {
	Enabled              bool    `json:"enable"`
	MaxLossThreshold     float64 `json:"max_loss_threshold"`
	MinHoldMinutes       int     `json:"min_hold_minutes"`
	PriceChangeThreshold float64 `json:"price_change_threshold"`
}

// TrailingConfig holds trailing-stop settings.
type TrailingConfig struct {
	Enabled             bool    `json:"enabled"`
	ActivationProfit    float64 `json:"activation_profit"`
	TrailingPercent     float64 `json:"trailing_percent"`
	MinUpdateDistance   float64 `json:"min_update_distance"`
	MinProfitLock       float64 `json:"min_profit_lock"`
	CancelTPWhenExceeds bool    `json:"cancel_tp_when_exceeds"`
}

// CleanupConfig bounds stale unfilled orders.
type CleanupConfig struct {
	MaxAgeHours    int `json:"max_age_hours"`
	ThresholdCount int `json:"threshold_count"`
}

// OrderExecutionConfig selects market vs limit vs maker-only execution.
type OrderExecutionConfig struct {
	SmartOrderEnabled          bool                `json:"smart_order_enabled"`
	DefaultOrderType           string              `json:"default_order_type"`
	EntryPriceStrategy         string              `json:"entry_price_strategy"` // "favorable" or "unfavorable"
	GuaranteedExecutionPremium float64             `json:"guaranteed_execution_premium"`
	PriceImprovementRatio      float64             `json:"price_improvement_ratio"`
	HighConfidenceThreshold    float64             `json:"high_confidence_threshold"`
	LowConfidenceThreshold     float64             `json:"low_confidence_threshold"`
	MaxSpreadRatioForLimit     float64             `json:"max_spread_ratio_for_limit"`
	MakerStrategy              MakerStrategyConfig `json:"maker_strategy"`
}

// MakerStrategyConfig drives the post-only maker path.
type MakerStrategyConfig struct {
	Enabled                 bool    `json:"enabled"`
	MaxRetries              int     `json:"max_retries"`
	RetryIntervalMS         int     `json:"retry_interval_ms"`
	TimeoutSeconds          int     `json:"timeout_seconds"`
	MinSpreadForMaker       float64 `json:"min_spread_for_maker"`
	VolatilityThreshold     float64 `json:"volatility_threshold"`
	PriceAdjustmentTick     float64 `json:"price_adjustment_tick"`
	MaxPriceAdjustmentRatio float64 `json:"max_price_adjustment_ratio"`
}

// MarginConfig holds margin-ratio monitoring thresholds.
type MarginConfig struct {
	Thresholds         MarginThresholds `json:"thresholds"`
	MinPositionValue   float64          `json:"min_position_value"`
	MaxRatioCap        float64          `json:"max_ratio_cap"`
	LargeDropThreshold float64          `json:"large_drop_threshold"`
	MaxHistoryCount    int              `json:"max_history_count"`
	AdmissionFloor     float64          `json:"admission_floor"` // reject entries under this predicted ratio
}

// MarginThresholds classify the margin ratio (>= based).
type MarginThresholds struct {
	Safe     float64 `json:"safe"`
	Caution  float64 `json:"caution"`
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

// RiskConfig holds TP/SL recomputation policy.
type RiskConfig struct {
	RequireTPSLRecalculation bool    `json:"require_tpsl_recalculation"`
	FallbackATR              float64 `json:"fallback_atr"`
}

// BalanceAlertConfig warns when available margin is low.
type BalanceAlertConfig struct {
	Enabled           bool    `json:"enabled"`
	MinRequiredMargin float64 `json:"min_required_margin"`
}

// TPSLVerificationConfig re-verifies TP/SL presence after entry.
type TPSLVerificationConfig struct {
	Enabled          bool   `json:"enabled"`
	DelaySeconds     int    `json:"delay_seconds"`
	RebuildOnMissing bool   `json:"rebuild_on_missing"`
	DefaultRegime    string `json:"default_regime"`
}

// TPSLAutoDetectionConfig toggles exchange-triggered TP/SL detection.
type TPSLAutoDetectionConfig struct {
	Enabled bool `json:"enabled"`
}

// MarketDataConfig holds OHLCV fetch settings.
type MarketDataConfig struct {
	PerPage             int     `json:"per_page"`
	MaxAttempts         int     `json:"max_attempts"`
	MaxConsecutiveEmpty int     `json:"max_consecutive_empty"`
	MaxSpanDays         int     `json:"max_span_days"`
	ParallelTimeoutSecs int     `json:"parallel_timeout_secs"`
	DefaultSinceHours   int     `json:"default_since_hours"`
	ExchangeWindowHours int     `json:"exchange_window_hours"` // clamp since to now - window
	OutlierZThreshold   float64 `json:"outlier_z_threshold"`
	OutlierWindow       int     `json:"outlier_window"`
	CacheTTLSecs        int     `json:"cache_ttl_secs"`
}

// MLConfig holds model loading settings.
type MLConfig struct {
	ModelDir       string `json:"model_dir"`
	ManifestPath   string `json:"manifest_path"`
	EnableStacking bool   `json:"enable_stacking"`
}

// ResilienceConfig holds circuit breaker and emergency stop settings.
type ResilienceConfig struct {
	FailureThreshold    int `json:"failure_threshold"`
	RecoveryTimeoutSecs int `json:"recovery_timeout_secs"`
	MaxErrorHistory     int `json:"max_error_history"`
	EmergencyStopAfter  int `json:"emergency_stop_after"` // CRITICAL errors before latch
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level      string `json:"level"`
	JSONFormat bool   `json:"json_format"`
}

// ServerConfig configures the ops HTTP API.
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	JWTSecret       string `json:"jwt_secret"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// RedisConfig configures the candle cache.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DatabaseConfig configures the optional trade-history store.
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// VaultConfig configures API credential lookup.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

// StopLimitTimeout returns the native-SL verification timeout.
func (s StopLossConfig) StopLimitTimeout() time.Duration {
	return time.Duration(s.StopLimitTimeoutSecs) * time.Second
}

// Default returns the documented default thresholds.
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			BaseURL:         "https://public.bitbank.cc",
			PrivateBaseURL:  "https://api.bitbank.cc/v1",
			WSURL:           "wss://stream.bitbank.cc/socket.io/",
			RateLimitMS:     350,
			HTTPTimeoutSecs: 10,
			MaxActiveOrders: 30,
		},
		Trading: TradingConfig{
			Pair:           "btc_jpy",
			Mode:           "paper",
			FallbackBTCJPY: 16_500_000,
			Fees: FeesConfig{
				EntryTakerRate: 0.001,
				ExitTakerRate:  0.001,
				MakerRebate:    -0.0002,
			},
		},
		PositionManagement: PositionManagementConfig{
			MinAccountBalance: 10_000,
			MinTradeSize:      0.0001,
			MaxOpenPositions:  3,
			RegimeMaxPositions: map[string]int{
				"tight_range": 2,
				"normal":      3,
				"breakout":    4,
			},
			CooldownMinutes:      30,
			MaxDailyTrades:       20,
			MaxCapitalUsageRatio: 0.30,
			MaxPositionRatioPerTrade: PositionRatioConfig{
				LowConfidence:    0.03,
				MediumConfidence: 0.05,
				HighConfidence:   0.10,
				EnforceMinimum:   true,
			},
			CooldownTrendFilter: CooldownTrendFilterConfig{
				Enabled:                true,
				Flexible:               true,
				TrendStrengthThreshold: 0.7,
			},
			TakeProfit: TakeProfitConfig{
				Enabled:        true,
				MinProfitRatio: 0.009,
				DefaultRatio:   1.29,
				FixedAmount: FixedAmountConfig{
					FallbackFeeRate: 0.001,
				},
			},
			StopLoss: StopLossConfig{
				Enabled:              true,
				MaxLossRatio:         0.007,
				DefaultATRMultiplier: 2.0,
				MinDistanceRatio:     0.001,
				OrderType:            "stop_limit",
				SkipBotMonitoring:    true,
				StopLimitTimeoutSecs: 300,
				SafetyMarginRatio:    0.015,
				RetryOnUnfilled: RetryOnUnfilledConfig{
					Enabled:                  true,
					MaxRetries:               3,
					SlippageIncreasePerRetry: 0.001,
				},
				FillConfirmation: FillConfirmationConfig{
					Enabled:           true,
					TimeoutSeconds:    30,
					CheckIntervalSecs: 3,
				},
			},
			EmergencyStopLoss: EmergencyStopLossConfig{
				Enabled:              true,
				MaxLossThreshold:     0.05,
				MinHoldMinutes:       1,
				PriceChangeThreshold: 0.03,
			},
			Cleanup: CleanupConfig{
				MaxAgeHours:    24,
				ThresholdCount: 25,
			},
		},
		OrderExecution: OrderExecutionConfig{
			SmartOrderEnabled:          false,
			DefaultOrderType:           "market",
			EntryPriceStrategy:         "unfavorable",
			GuaranteedExecutionPremium: 0.0005,
			PriceImprovementRatio:      0.001,
			HighConfidenceThreshold:    0.75,
			LowConfidenceThreshold:     0.40,
			MaxSpreadRatioForLimit:     0.005,
			MakerStrategy: MakerStrategyConfig{
				MaxRetries:              3,
				RetryIntervalMS:         500,
				TimeoutSeconds:          30,
				MinSpreadForMaker:       0.001,
				VolatilityThreshold:     0.02,
				PriceAdjustmentTick:     1,
				MaxPriceAdjustmentRatio: 0.001,
			},
		},
		Margin: MarginConfig{
			Thresholds: MarginThresholds{
				Safe:     200,
				Caution:  150,
				Warning:  100,
				Critical: 80,
			},
			MinPositionValue:   1000,
			MaxRatioCap:        10_000,
			LargeDropThreshold: 50,
			MaxHistoryCount:    100,
			AdmissionFloor:     80,
		},
		Risk: RiskConfig{
			RequireTPSLRecalculation: true,
			FallbackATR:              500_000,
		},
		BalanceAlert: BalanceAlertConfig{
			Enabled:           true,
			MinRequiredMargin: 14_000,
		},
		TPSLVerification: TPSLVerificationConfig{
			Enabled:          true,
			DelaySeconds:     10,
			RebuildOnMissing: true,
			DefaultRegime:    "normal",
		},
		TPSLAutoDetection: TPSLAutoDetectionConfig{Enabled: true},
		MarketData: MarketDataConfig{
			PerPage:             500,
			MaxAttempts:         25,
			MaxConsecutiveEmpty: 15,
			MaxSpanDays:         30,
			ParallelTimeoutSecs: 90,
			DefaultSinceHours:   24,
			ExchangeWindowHours: 167,
			OutlierZThreshold:   3.5,
			OutlierWindow:       20,
			CacheTTLSecs:        300,
		},
		ML: MLConfig{
			ModelDir:     "models",
			ManifestPath: "models/feature_manifest.json",
		},
		Resilience: ResilienceConfig{
			FailureThreshold:    5,
			RecoveryTimeoutSecs: 300,
			MaxErrorHistory:     1000,
			EmergencyStopAfter:  3,
		},
		Logging: LoggingConfig{
			Level:      "info",
			JSONFormat: true,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			AllowedOrigins:  "*",
			ShutdownTimeout: 10,
		},
		Redis: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
		Vault: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "crypto-bot/api-keys",
		},
	}
}

// Load reads the thresholds file (if present) over the defaults and applies
// environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency of the thresholds.
func (c *Config) Validate() error {
	t := c.Margin.Thresholds
	if !(t.Safe > t.Caution && t.Caution > t.Warning && t.Warning > t.Critical) {
		return fmt.Errorf("margin thresholds must be strictly decreasing: safe=%.0f caution=%.0f warning=%.0f critical=%.0f",
			t.Safe, t.Caution, t.Warning, t.Critical)
	}
	if c.PositionManagement.MinTradeSize <= 0 {
		return fmt.Errorf("min_trade_size must be positive")
	}
	if c.OrderExecution.LowConfidenceThreshold >= c.OrderExecution.HighConfidenceThreshold {
		return fmt.Errorf("low_confidence_threshold must be below high_confidence_threshold")
	}
	switch c.Trading.Mode {
	case "live", "paper", "backtest":
	default:
		return fmt.Errorf("unknown trading mode %q", c.Trading.Mode)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Exchange.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.Exchange.BaseURL)
	cfg.Exchange.PrivateBaseURL = getEnvOrDefault("EXCHANGE_PRIVATE_BASE_URL", cfg.Exchange.PrivateBaseURL)
	cfg.Exchange.TestNet = getEnvOrDefault("EXCHANGE_TESTNET", boolString(cfg.Exchange.TestNet)) == "true"

	cfg.Trading.Pair = getEnvOrDefault("TRADING_PAIR", cfg.Trading.Pair)
	cfg.Trading.Mode = getEnvOrDefault("TRADING_MODE", cfg.Trading.Mode)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.JSONFormat = getEnvOrDefault("LOG_JSON", boolString(cfg.Logging.JSONFormat)) == "true"

	cfg.Server.Enabled = getEnvOrDefault("OPS_API_ENABLED", boolString(cfg.Server.Enabled)) == "true"
	cfg.Server.Port = getEnvIntOrDefault("OPS_API_PORT", cfg.Server.Port)
	cfg.Server.JWTSecret = getEnvOrDefault("OPS_API_JWT_SECRET", cfg.Server.JWTSecret)

	cfg.Redis.Enabled = getEnvOrDefault("REDIS_ENABLED", boolString(cfg.Redis.Enabled)) == "true"
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Database.Enabled = getEnvOrDefault("DATABASE_ENABLED", boolString(cfg.Database.Enabled)) == "true"
	cfg.Database.Host = getEnvOrDefault("DATABASE_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DATABASE_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DATABASE_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DATABASE_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DATABASE_NAME", cfg.Database.Database)

	cfg.Vault.Enabled = getEnvOrDefault("VAULT_ENABLED", boolString(cfg.Vault.Enabled)) == "true"
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)

	cfg.ML.ModelDir = getEnvOrDefault("ML_MODEL_DIR", cfg.ML.ModelDir)
	cfg.ML.ManifestPath = getEnvOrDefault("ML_MANIFEST_PATH", cfg.ML.ManifestPath)
	cfg.ML.EnableStacking = getEnvOrDefault("ML_ENABLE_STACKING", boolString(cfg.ML.EnableStacking)) == "true"
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
