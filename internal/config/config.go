package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lowkeylabs/crossyield/internal/errs"
)

// Config holds all control plane configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Chains       []ChainConfig      `mapstructure:"chains"`
	Positions    []PositionConfig   `mapstructure:"positions"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Redis        RedisConfig        `mapstructure:"redis"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Feed         FeedConfig         `mapstructure:"feed"`
	Aggregator   AggregatorConfig   `mapstructure:"aggregator"`
	Signals      SignalConfig       `mapstructure:"signals"`
	Strategy     StrategyConfig     `mapstructure:"strategy"`
	Voting       VotingConfig       `mapstructure:"voting"`
	Upkeep       UpkeepEngineConfig `mapstructure:"upkeep"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	History      HistoryConfig      `mapstructure:"history"`
	API          APIConfig          `mapstructure:"api"`
	Alerts       AlertsConfig       `mapstructure:"alerts"`
	Supervisor   SupervisorConfig   `mapstructure:"supervisor"`
	Wallet       WalletConfig       `mapstructure:"wallet"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// ChainConfig describes one EVM chain known to the registry.
type ChainConfig struct {
	ChainID          uint64 `mapstructure:"chain_id"`
	Name             string `mapstructure:"name"`
	Selector         string `mapstructure:"selector"` // bridge chain selector, opaque
	RouterAddress    string `mapstructure:"router_address"`
	LinkTokenAddress string `mapstructure:"link_token_address"`
	ExplorerURL      string `mapstructure:"explorer_url"`
	NativeSymbol     string `mapstructure:"native_symbol"`
	NativeDecimals   int    `mapstructure:"native_decimals"`
	RPCURL           string `mapstructure:"rpc_url"`
	GasCeilingWei    int64  `mapstructure:"gas_ceiling_wei"`

	// Deployment-specific contract addresses, set per environment.
	VaultAddress         string `mapstructure:"vault_address"`
	BridgeAddress        string `mapstructure:"bridge_address"`
	ExecutorAddress      string `mapstructure:"executor_address"`
	HealthCheckerAddress string `mapstructure:"health_checker_address"`
}

// PositionConfig seeds one managed allocation at startup. Amount is the
// token amount in its smallest unit, as a decimal string.
type PositionConfig struct {
	User     string `mapstructure:"user"`
	ChainID  uint64 `mapstructure:"chain_id"`
	Protocol string `mapstructure:"protocol"`
	Address  string `mapstructure:"address"`
	Token    string `mapstructure:"token"`
	Amount   string `mapstructure:"amount"`
}

// HTTPConfig tunes the rate-limited HTTP client.
type HTTPConfig struct {
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	MaxPerHost     int64         `mapstructure:"max_per_host"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"` // 0 = unpaced
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBase      time.Duration `mapstructure:"retry_base"`
	RetryCap       time.Duration `mapstructure:"retry_cap"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UseRedisCache  bool          `mapstructure:"use_redis_cache"`
}

// RedisConfig contains Redis settings for the shared cache tier.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains settings for the optional external event mirror.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// OraclePairConfig names one on-chain price aggregator to poll.
type OraclePairConfig struct {
	Pair              string `mapstructure:"pair"` // e.g. "ETH/USD"
	ChainID           uint64 `mapstructure:"chain_id"`
	AggregatorAddress string `mapstructure:"aggregator_address"`
}

// YieldAPIConfig describes the off-chain yield aggregator endpoint.
type YieldAPIConfig struct {
	BaseURL   string   `mapstructure:"base_url"`
	Protocols []string `mapstructure:"protocols"` // supported protocol slugs
	Chains    []string `mapstructure:"chains"`    // chain names as the API reports them
}

// PriceAPIConfig describes the off-chain simple-price endpoint.
type PriceAPIConfig struct {
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"`
	Assets  map[string]string `mapstructure:"assets"` // asset id -> pair, e.g. ethereum -> ETH/USD
}

// BinanceConfig gates the optional secondary price source.
type BinanceConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Symbols map[string]string `mapstructure:"symbols"` // exchange symbol -> pair, e.g. ETHUSDT -> ETH/USD
}

// FeedConfig tunes data feed polling and filtering.
type FeedConfig struct {
	PriceInterval        time.Duration      `mapstructure:"price_interval"`
	YieldInterval        time.Duration      `mapstructure:"yield_interval"`
	OracleInterval       time.Duration      `mapstructure:"oracle_interval"`
	SignificantChangeBps int32              `mapstructure:"significant_change_bps"`
	MaxStaleness         time.Duration      `mapstructure:"max_staleness"`
	MinConfidencePPM     int64              `mapstructure:"min_confidence_ppm"`
	DegradeThreshold     uint32             `mapstructure:"degrade_threshold"` // consecutive failures before half-cadence
	Pairs                []OraclePairConfig `mapstructure:"pairs"`
	YieldAPI             YieldAPIConfig     `mapstructure:"yield_api"`
	PriceAPI             PriceAPIConfig     `mapstructure:"price_api"`
	Binance              BinanceConfig      `mapstructure:"binance"`
}

// AggregatorConfig tunes the market data aggregator.
type AggregatorConfig struct {
	LiveFeedCapacity int `mapstructure:"live_feed_capacity"`
}

// SignalConfig tunes the signal agent thresholds.
type SignalConfig struct {
	APRDeltaBps         int32 `mapstructure:"apr_delta_bps"`
	UtilizationAlertBps int32 `mapstructure:"utilization_alert_bps"`
}

// StrategyConfig tunes the strategy agent.
type StrategyConfig struct {
	TopK             int              `mapstructure:"top_k"`
	SlippageBps      int32            `mapstructure:"slippage_bps"`
	ScenarioCount    int              `mapstructure:"scenario_count"`
	VolatilityWindow int              `mapstructure:"volatility_window"`
	RiskWeights      map[string]int32 `mapstructure:"risk_weights"` // protocol -> risk bps
}

// SafePoolConfig names the emergency exit destination.
type SafePoolConfig struct {
	ChainID  uint64 `mapstructure:"chain_id"`
	Protocol string `mapstructure:"protocol"`
	Address  string `mapstructure:"address"`
}

// VotingConfig tunes the voting coordinator.
type VotingConfig struct {
	SignalWeight         float64        `mapstructure:"signal_weight"`
	StrategyWeight       float64        `mapstructure:"strategy_weight"`
	ConsensusThreshold   float64        `mapstructure:"consensus_threshold"`
	MinConfidencePPM     int64          `mapstructure:"min_confidence_ppm"`
	EmergencySeverityBps int32          `mapstructure:"emergency_severity_bps"`
	GainScaleBps         int32          `mapstructure:"gain_scale_bps"` // expected gain that scores 1.0
	SafePool             SafePoolConfig `mapstructure:"safe_pool"`
}

// UpkeepConfig describes one automation upkeep and its trigger thresholds.
type UpkeepConfig struct {
	ID               string        `mapstructure:"id"`
	TargetChain      uint64        `mapstructure:"target_chain"`
	TargetContract   string        `mapstructure:"target_contract"`
	CheckData        string        `mapstructure:"check_data"`
	GasLimit         uint64        `mapstructure:"gas_limit"`
	MinConfidencePPM int64         `mapstructure:"min_confidence_ppm"`
	MinConsensusPPM  int64         `mapstructure:"min_consensus_ppm"`
	Active           bool          `mapstructure:"active"`
	APYDeltaBps      int32         `mapstructure:"apy_delta_bps"`
	Interval         time.Duration `mapstructure:"interval"`
	TVLDeltaPPM      int64         `mapstructure:"tvl_delta_ppm"`
	GasCeilingWei    int64         `mapstructure:"gas_ceiling_wei"` // 0 = chain default
}

// UpkeepEngineConfig tunes the automation engine.
type UpkeepEngineConfig struct {
	Interval         time.Duration  `mapstructure:"interval"`
	File             string         `mapstructure:"file"` // optional upkeeps.yaml
	CheckpointPath   string         `mapstructure:"checkpoint_path"`
	MaxSubmitRetries int            `mapstructure:"max_submit_retries"`
	Upkeeps          []UpkeepConfig `mapstructure:"upkeeps"`
}

// OrchestratorConfig tunes the cross-chain execution orchestrator.
type OrchestratorConfig struct {
	SourceConfirmTimeout time.Duration `mapstructure:"source_confirm_timeout"`
	DeliveryTimeout      time.Duration `mapstructure:"delivery_timeout"`
	FinalityDepth        uint64        `mapstructure:"finality_depth"`
	ParallelPerSource    bool          `mapstructure:"parallel_per_source"`
	MaxSubmitAttempts    int           `mapstructure:"max_submit_attempts"`
	EventPollInterval    time.Duration `mapstructure:"event_poll_interval"`
}

// HistoryConfig tunes the decision/operation history store.
type HistoryConfig struct {
	Capacity int    `mapstructure:"capacity"`
	Path     string `mapstructure:"path"` // JSONL file; empty = memory only
	DSN      string `mapstructure:"dsn"`  // optional Postgres store
}

// APIConfig contains read-only status API settings.
type APIConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Listen      string   `mapstructure:"listen"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// AlertsConfig contains ops alerting settings.
type AlertsConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
}

// SupervisorConfig tunes component lifecycle management.
type SupervisorConfig struct {
	HealthInterval time.Duration `mapstructure:"health_interval"`
	RestartMax     int           `mapstructure:"restart_max"`
	RestartBase    time.Duration `mapstructure:"restart_base"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

// WalletConfig locates the signer key. Resolution order: private_key,
// keystore_path, then Vault when enabled via environment.
type WalletConfig struct {
	PrivateKey       string `mapstructure:"private_key"`
	KeystorePath     string `mapstructure:"keystore_path"`
	KeystorePassword string `mapstructure:"keystore_password"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("CROSSYIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errs.Config("failed to read config file: %v", err)
		}
		// No config file; defaults and environment variables apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.Config("failed to unmarshal config: %v", err)
	}

	if len(cfg.Chains) == 0 {
		cfg.Chains = DefaultChains()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "crossyield")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// HTTP client defaults
	v.SetDefault("http.cache_ttl", 30*time.Second)
	v.SetDefault("http.max_per_host", 8)
	v.SetDefault("http.rate_per_second", 0.0)
	v.SetDefault("http.retry_attempts", 3)
	v.SetDefault("http.retry_base", 250*time.Millisecond)
	v.SetDefault("http.retry_cap", 4*time.Second)
	v.SetDefault("http.request_timeout", 10*time.Second)
	v.SetDefault("http.use_redis_cache", false)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", RedisPort)
	v.SetDefault("redis.db", 0)

	// NATS mirror defaults
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", fmt.Sprintf("nats://localhost:%d", NATSPort))
	v.SetDefault("nats.subject_prefix", "crossyield.events")

	// Feed defaults
	v.SetDefault("feed.price_interval", 60*time.Second)
	v.SetDefault("feed.yield_interval", 300*time.Second)
	v.SetDefault("feed.oracle_interval", 30*time.Second)
	v.SetDefault("feed.significant_change_bps", 200)
	v.SetDefault("feed.max_staleness", time.Hour)
	v.SetDefault("feed.min_confidence_ppm", 950_000)
	v.SetDefault("feed.degrade_threshold", 3)
	v.SetDefault("feed.yield_api.base_url", "https://yields.llama.fi")
	v.SetDefault("feed.yield_api.protocols", []string{"aave", "compound", "uniswap", "curve"})
	v.SetDefault("feed.yield_api.chains", []string{"Ethereum", "Arbitrum", "Optimism", "Polygon", "Base", "Avalanche"})
	v.SetDefault("feed.price_api.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("feed.binance.enabled", false)

	// Aggregator defaults
	v.SetDefault("aggregator.live_feed_capacity", 100)

	// Signal agent defaults
	v.SetDefault("signals.apr_delta_bps", 100)
	v.SetDefault("signals.utilization_alert_bps", 9000)

	// Strategy agent defaults
	v.SetDefault("strategy.top_k", 8)
	v.SetDefault("strategy.slippage_bps", 100)
	v.SetDefault("strategy.scenario_count", 8)
	v.SetDefault("strategy.volatility_window", 20)

	// Voting defaults
	v.SetDefault("voting.signal_weight", 0.4)
	v.SetDefault("voting.strategy_weight", 0.6)
	v.SetDefault("voting.consensus_threshold", 0.70)
	v.SetDefault("voting.min_confidence_ppm", 600_000)
	v.SetDefault("voting.emergency_severity_bps", 9800)
	v.SetDefault("voting.gain_scale_bps", 200)

	// Upkeep defaults
	v.SetDefault("upkeep.interval", 60*time.Second)
	v.SetDefault("upkeep.checkpoint_path", "data/checkpoint.json")
	v.SetDefault("upkeep.max_submit_retries", 5)

	// Orchestrator defaults
	v.SetDefault("orchestrator.source_confirm_timeout", 15*time.Minute)
	v.SetDefault("orchestrator.delivery_timeout", 60*time.Minute)
	v.SetDefault("orchestrator.finality_depth", 12)
	v.SetDefault("orchestrator.parallel_per_source", false)
	v.SetDefault("orchestrator.max_submit_attempts", 3)
	v.SetDefault("orchestrator.event_poll_interval", 10*time.Second)

	// History defaults
	v.SetDefault("history.capacity", 500)
	v.SetDefault("history.path", "data/history.jsonl")

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", fmt.Sprintf(":%d", APIPort))
	v.SetDefault("api.cors_origins", []string{"*"})

	// Alerts defaults
	v.SetDefault("alerts.enabled", false)

	// Supervisor defaults
	v.SetDefault("supervisor.health_interval", 30*time.Second)
	v.SetDefault("supervisor.restart_max", 5)
	v.SetDefault("supervisor.restart_base", time.Second)
	v.SetDefault("supervisor.shutdown_grace", 30*time.Second)
}

// Validate checks the configuration for values that would make the
// control plane misbehave. Returns a ConfigError on the first problem.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return errs.Config("at least one chain must be configured")
	}
	seen := make(map[uint64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ChainID == 0 {
			return errs.Config("chain %q has no chain_id", ch.Name)
		}
		if seen[ch.ChainID] {
			return errs.Config("duplicate chain_id %d", ch.ChainID)
		}
		seen[ch.ChainID] = true
		if ch.Selector == "" {
			return errs.Config("chain %d has no bridge selector", ch.ChainID)
		}
	}

	if c.HTTP.MaxPerHost <= 0 {
		return errs.Config("http.max_per_host must be positive, got %d", c.HTTP.MaxPerHost)
	}
	if c.HTTP.RatePerSecond < 0 {
		return errs.Config("http.rate_per_second must be non-negative, got %v", c.HTTP.RatePerSecond)
	}
	if c.HTTP.RetryAttempts < 1 {
		return errs.Config("http.retry_attempts must be at least 1, got %d", c.HTTP.RetryAttempts)
	}

	if c.Feed.PriceInterval <= 0 || c.Feed.YieldInterval <= 0 || c.Feed.OracleInterval <= 0 {
		return errs.Config("feed poll intervals must be positive")
	}
	if c.Feed.SignificantChangeBps <= 0 {
		return errs.Config("feed.significant_change_bps must be positive, got %d", c.Feed.SignificantChangeBps)
	}
	if c.Feed.MinConfidencePPM < 0 || c.Feed.MinConfidencePPM > 1_000_000 {
		return errs.Config("feed.min_confidence_ppm must be in [0, 1000000], got %d", c.Feed.MinConfidencePPM)
	}

	if c.Aggregator.LiveFeedCapacity <= 0 {
		return errs.Config("aggregator.live_feed_capacity must be positive, got %d", c.Aggregator.LiveFeedCapacity)
	}

	if c.Voting.SignalWeight < 0 || c.Voting.StrategyWeight < 0 {
		return errs.Config("voting weights must be non-negative")
	}
	if sum := c.Voting.SignalWeight + c.Voting.StrategyWeight; math.Abs(sum-1.0) > 1e-9 {
		return errs.Config("voting weights must sum to 1.0, got %.4f", sum)
	}
	if c.Voting.ConsensusThreshold <= 0 || c.Voting.ConsensusThreshold > 1 {
		return errs.Config("voting.consensus_threshold must be in (0, 1], got %.4f", c.Voting.ConsensusThreshold)
	}
	if c.Voting.MinConfidencePPM < 0 || c.Voting.MinConfidencePPM > 1_000_000 {
		return errs.Config("voting.min_confidence_ppm must be in [0, 1000000], got %d", c.Voting.MinConfidencePPM)
	}

	if c.Strategy.TopK <= 0 {
		return errs.Config("strategy.top_k must be positive, got %d", c.Strategy.TopK)
	}
	if c.Strategy.SlippageBps < 0 {
		return errs.Config("strategy.slippage_bps must be non-negative, got %d", c.Strategy.SlippageBps)
	}

	if c.Upkeep.Interval <= 0 {
		return errs.Config("upkeep.interval must be positive")
	}
	for _, u := range c.Upkeep.Upkeeps {
		if u.ID == "" {
			return errs.Config("upkeep entries require an id")
		}
	}

	if c.Orchestrator.MaxSubmitAttempts < 1 {
		return errs.Config("orchestrator.max_submit_attempts must be at least 1")
	}

	if c.History.Capacity <= 0 {
		return errs.Config("history.capacity must be positive, got %d", c.History.Capacity)
	}

	return nil
}

// ChainByID returns the configured chain with the given id.
func (c *Config) ChainByID(id uint64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ChainID == id {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

// GetRedisAddr returns the Redis address for the cache tier.
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetHistoryDSN returns the Postgres DSN for the history store, empty
// when the file or memory store is in use.
func (c *HistoryConfig) GetHistoryDSN() string {
	return strings.TrimSpace(c.DSN)
}
