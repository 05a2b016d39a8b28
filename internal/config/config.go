// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SPOT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Signals    SignalsConfig    `mapstructure:"signals"`
	Protection ProtectionConfig `mapstructure:"protection"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Guards     GuardsConfig     `mapstructure:"guards"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Router     RouterConfig     `mapstructure:"router"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Ops        OpsConfig        `mapstructure:"ops"`
}

// ExchangeConfig holds REST/WS endpoints and API credentials for the venue.
// If APIKey/APISecret are empty the engine refuses to start unless DryRun.
type ExchangeConfig struct {
	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSURL       string `mapstructure:"ws_url"`
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	Passphrase  string `mapstructure:"passphrase"`
}

// TradingConfig bounds how many symbols can be worked concurrently and how
// long a symbol rests after closing a trade before it is eligible again.
type TradingConfig struct {
	MaxConcurrentPositions int           `mapstructure:"max_concurrent_positions"`
	PositionSizeQuote      float64       `mapstructure:"position_size_quote"`
	CooldownSecs           time.Duration `mapstructure:"cooldown_secs"`
	EntryBlockCooldown     time.Duration `mapstructure:"entry_block_cooldown"`
	InitialBudgetQuote     float64       `mapstructure:"initial_budget_quote"`
	QuoteAsset             string        `mapstructure:"quote_asset"`
}

// SignalsConfig tunes the Anchor Manager and Drop-Signal Evaluator.
//
//   - DropTriggerMode: 1=session-peak, 2=rolling-peak, 3=hybrid, 4=persistent.
//   - DropTriggerValue: fractional drop from anchor that fires a buy signal (e.g. 0.02 = 2%).
//   - AnchorStaleMinutes: a persistent anchor older than this is reset.
//   - WindowLookback: rolling peak/trough lookback window for the Market-Data Service.
type SignalsConfig struct {
	DropTriggerMode    int           `mapstructure:"drop_trigger_mode"`
	DropTriggerValue   float64       `mapstructure:"drop_trigger_value"`
	AnchorStaleMinutes int           `mapstructure:"anchor_stale_minutes"`
	AnchorMaxAbovePct  float64       `mapstructure:"anchor_max_above_pct"`
	WindowLookback     time.Duration `mapstructure:"window_lookback"`
}

// ProtectionConfig tunes the Dynamic Protection Manager and Exit Engine.
type ProtectionConfig struct {
	TakeProfitPct        float64       `mapstructure:"take_profit_pct"`
	StopLossPct          float64       `mapstructure:"stop_loss_pct"`
	TrailingPct          float64       `mapstructure:"trailing_pct"`
	TrailingActivatePct  float64       `mapstructure:"trailing_activate_pct"`
	MaxHoldTime          time.Duration `mapstructure:"max_hold_time"`
	SwitchCooldown       time.Duration `mapstructure:"switch_cooldown"`
}

// ExecutionConfig tunes order placement and fill waiting.
type ExecutionConfig struct {
	BuyEscalationSteps   int           `mapstructure:"buy_escalation_steps"`
	ExitLadderBps        []int         `mapstructure:"exit_ladder_bps"`
	MaxSlippageBpsEntry  int           `mapstructure:"max_slippage_bps_entry"`
	MaxSlippageBpsExit   int           `mapstructure:"max_slippage_bps_exit"`
	NeverMarketSells     bool          `mapstructure:"never_market_sells"`
	IOCOrderTTL          time.Duration `mapstructure:"ioc_order_ttl"`
	WaitFillTimeout      time.Duration `mapstructure:"wait_fill_timeout"`
	PartialMaxAge        time.Duration `mapstructure:"partial_max_age"`
	ExitFillAcceptPct    float64       `mapstructure:"exit_fill_accept_pct"`
}

// GuardsConfig sets the pre-trade and pre-exit market quality gates.
type GuardsConfig struct {
	MaxSpreadBps                 int           `mapstructure:"max_spread_bps"`
	DepthMinNotionalUSD          float64       `mapstructure:"depth_min_notional_usd"`
	ExitMinLiquiditySpreadPct    float64       `mapstructure:"exit_min_liquidity_spread_pct"`
	ExitLowLiquidityAction       string        `mapstructure:"exit_low_liquidity_action"`
	ExitLowLiquidityRequeueDelay time.Duration `mapstructure:"exit_low_liquidity_requeue_delay"`
}

// MarketDataConfig controls the polling cadence of the Market-Data Service.
type MarketDataConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	BatchSize           int           `mapstructure:"batch_size"`
	AutoRestartOnCrash  bool          `mapstructure:"auto_restart_on_crash"`
	MaxAutoRestarts     int           `mapstructure:"max_auto_restarts"`
	SnapshotMinPeriod   time.Duration `mapstructure:"snapshot_min_period"`
	SnapshotStaleTTL    time.Duration `mapstructure:"snapshot_stale_ttl"`
	UseWebSocketTicker  bool          `mapstructure:"use_websocket_ticker"`
	Symbols             []string      `mapstructure:"symbols"`
}

// RouterConfig tunes the Order Router's retry/backoff and intent retention.
type RouterConfig struct {
	MaxRetries            int           `mapstructure:"max_retries"`
	BackoffInitial        time.Duration `mapstructure:"backoff_initial"`
	BackoffMax            time.Duration `mapstructure:"backoff_max"`
	SubmitTimeout         time.Duration `mapstructure:"submit_timeout"`
	CleanupInterval       time.Duration `mapstructure:"cleanup_interval"`
	CompletedOrderTTL     time.Duration `mapstructure:"completed_order_ttl"`
	MaxPendingBuyIntents  int           `mapstructure:"max_pending_buy_intents"`
	IntentStaleThreshold  time.Duration `mapstructure:"intent_stale_threshold"`
}

// StoreConfig sets where portfolio/router/snapshot data is persisted (JSON/JSONL files).
type StoreConfig struct {
	DataDir           string        `mapstructure:"data_dir"`
	PersistInterval   time.Duration `mapstructure:"persist_interval"`
	PersistDebounce   time.Duration `mapstructure:"persist_debounce"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OpsConfig controls the ambient (non-GUI) operational HTTP surface:
// health check, Prometheus metrics, and a read-only JSON state snapshot.
type OpsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SPOT_API_KEY, SPOT_API_SECRET, SPOT_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SPOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("SPOT_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("SPOT_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if pass := os.Getenv("SPOT_PASSPHRASE"); pass != "" {
		cfg.Exchange.Passphrase = pass
	}
	if os.Getenv("SPOT_DRY_RUN") == "true" || os.Getenv("SPOT_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges, failing fast before
// any goroutine starts.
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange.api_key and exchange.api_secret are required unless dry_run is set")
		}
	}
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	if c.Trading.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("trading.max_concurrent_positions must be > 0")
	}
	if c.Trading.PositionSizeQuote <= 0 {
		return fmt.Errorf("trading.position_size_quote must be > 0")
	}
	if c.Signals.DropTriggerMode < 1 || c.Signals.DropTriggerMode > 4 {
		return fmt.Errorf("signals.drop_trigger_mode must be one of: 1 (session-peak), 2 (rolling-peak), 3 (hybrid), 4 (persistent)")
	}
	if c.Signals.DropTriggerValue <= 0 || c.Signals.DropTriggerValue >= 1.0 {
		return fmt.Errorf("signals.drop_trigger_value must be in (0, 1)")
	}
	if c.Protection.StopLossPct <= 0 {
		return fmt.Errorf("protection.stop_loss_pct must be > 0")
	}
	if c.Protection.TakeProfitPct <= 0 {
		return fmt.Errorf("protection.take_profit_pct must be > 0")
	}
	switch c.Guards.ExitLowLiquidityAction {
	case "", "REQUEUE_DELAY", "FORCE_MARKET", "SKIP":
	default:
		return fmt.Errorf("guards.exit_low_liquidity_action must be one of: REQUEUE_DELAY, FORCE_MARKET, SKIP")
	}
	if c.MarketData.BatchSize <= 0 {
		return fmt.Errorf("market_data.batch_size must be > 0")
	}
	if len(c.MarketData.Symbols) == 0 {
		return fmt.Errorf("market_data.symbols must list at least one symbol")
	}
	return nil
}
