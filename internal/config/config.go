package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"market-sampler/internal/logging"
)

// ProfileCMC selects the CoinMarketCap credit-budget cadence.
const ProfileCMC = "cmc"

// cmcInterval keeps a single-key CoinMarketCap deployment inside its monthly credits.
const cmcInterval = 300 * time.Second

// cycleHeadroom leaves room for persistence after the provider fan-out.
const cycleHeadroom = 15 * time.Second

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Backfill   BackfillConfig   `mapstructure:"backfill"`
	Analytics  AnalyticsConfig  `mapstructure:"analytics"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Symbol      string `mapstructure:"symbol"`
	Currency    string `mapstructure:"currency"`
	Profile     string `mapstructure:"profile"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs sampling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	CycleTimeout    time.Duration `mapstructure:"cycle_timeout"`
}

// GatewayConfig controls the per-provider rate-limited cache.
type GatewayConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MinInterval       time.Duration `mapstructure:"min_interval"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	ServeStaleOnError bool          `mapstructure:"serve_stale_on_error"`
}

// RetryConfig sets the provider retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ProvidersConfig lists upstream sources and the field priorities used to merge them.
type ProvidersConfig struct {
	RequestTimeout    time.Duration       `mapstructure:"request_timeout"`
	Concurrency       int                 `mapstructure:"concurrency"`
	UserAgent         string              `mapstructure:"user_agent"`
	PricePriority     []string            `mapstructure:"price_priority"`
	VolumePriority    []string            `mapstructure:"volume_priority"`
	MarketCapPriority []string            `mapstructure:"market_cap_priority"`
	RangeProvider     string              `mapstructure:"range_provider"`
	CoinGecko         CoinGeckoConfig     `mapstructure:"coingecko"`
	CoinMarketCap     CoinMarketCapConfig `mapstructure:"coinmarketcap"`
	Binance           BinanceConfig       `mapstructure:"binance"`
	Chainlink         ChainlinkConfig     `mapstructure:"chainlink"`
}

// CoinGeckoConfig configures the CoinGecko REST source.
type CoinGeckoConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// CoinMarketCapConfig configures the CoinMarketCap REST source.
type CoinMarketCapConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"`
	IDs     map[string]string `mapstructure:"ids"`
}

// BinanceConfig configures the Binance ticker source.
type BinanceConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	BaseURL string            `mapstructure:"base_url"`
	Symbols map[string]string `mapstructure:"symbols"`
}

// ChainlinkConfig configures on-chain aggregator feeds.
type ChainlinkConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	RPCURL  string            `mapstructure:"rpc_url"`
	Feeds   map[string]string `mapstructure:"feeds"`
}

// ReconcilerConfig tunes the multi-source merge.
type ReconcilerConfig struct {
	CacheFreshness time.Duration `mapstructure:"cache_freshness"`
	StaleVolume    bool          `mapstructure:"stale_volume"`
}

// BackfillConfig drives gap detection and refill.
type BackfillConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Schedule          string        `mapstructure:"schedule"`
	MinGap            time.Duration `mapstructure:"min_gap"`
	Lookback          time.Duration `mapstructure:"lookback"`
	MaxGaps           int           `mapstructure:"max_gaps"`
	InterCallDelay    time.Duration `mapstructure:"inter_call_delay"`
	LargeGapThreshold time.Duration `mapstructure:"large_gap_threshold"`
	LargeGapDelay     time.Duration `mapstructure:"large_gap_delay"`
	Padding           time.Duration `mapstructure:"padding"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
}

// AnalyticsConfig sets the rolling window and estimator calibration.
type AnalyticsConfig struct {
	Window            time.Duration `mapstructure:"window"`
	MinPoints         int           `mapstructure:"min_points"`
	K                 float64       `mapstructure:"k"`
	Beta              float64       `mapstructure:"beta"`
	RecomputeLookback time.Duration `mapstructure:"recompute_lookback"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled                bool           `mapstructure:"enabled"`
	VolatilityThresholdPct float64        `mapstructure:"volatility_threshold_pct"`
	Cooldown               time.Duration  `mapstructure:"cooldown"`
	Channels               []string       `mapstructure:"channels"`
	Telegram               TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig exposes Prometheus metrics and health.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MARKETSAMPLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.App.Profile == ProfileCMC && !v.IsSet("scheduler.interval") {
		cfg.Scheduler.Interval = cmcInterval
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "marketsampler")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.symbol", "bitcoin")
	v.SetDefault("app.currency", "usd")
	v.SetDefault("app.profile", "live")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6d6b7473))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.cycle_timeout", "0s")

	v.SetDefault("gateway.enabled", true)
	v.SetDefault("gateway.min_interval", "15s")
	v.SetDefault("gateway.cache_ttl", "30s")
	v.SetDefault("gateway.serve_stale_on_error", false)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "2s")
	v.SetDefault("retry.max_delay", "10s")

	v.SetDefault("providers.request_timeout", "10s")
	v.SetDefault("providers.concurrency", 0)
	v.SetDefault("providers.user_agent", "marketsampler/1.0")
	v.SetDefault("providers.price_priority", []string{"coingecko", "coinmarketcap", "binance", "chainlink"})
	v.SetDefault("providers.volume_priority", []string{"coinmarketcap", "coingecko", "binance"})
	v.SetDefault("providers.market_cap_priority", []string{"coingecko", "coinmarketcap"})
	v.SetDefault("providers.range_provider", "coingecko")
	v.SetDefault("providers.coingecko.enabled", true)
	v.SetDefault("providers.coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("providers.coingecko.api_key", "")
	v.SetDefault("providers.coinmarketcap.enabled", false)
	v.SetDefault("providers.coinmarketcap.base_url", "https://pro-api.coinmarketcap.com")
	v.SetDefault("providers.coinmarketcap.api_key", "")
	v.SetDefault("providers.coinmarketcap.ids", map[string]string{"bitcoin": "1", "ethereum": "1027"})
	v.SetDefault("providers.binance.enabled", false)
	v.SetDefault("providers.binance.base_url", "https://api.binance.com")
	v.SetDefault("providers.binance.symbols", map[string]string{"bitcoin": "BTCUSDT", "ethereum": "ETHUSDT"})
	v.SetDefault("providers.chainlink.enabled", false)
	v.SetDefault("providers.chainlink.rpc_url", "")
	v.SetDefault("providers.chainlink.feeds", map[string]string{
		"bitcoin":  "0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c",
		"ethereum": "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
	})

	v.SetDefault("reconciler.cache_freshness", "1h")
	v.SetDefault("reconciler.stale_volume", true)

	v.SetDefault("backfill.enabled", true)
	v.SetDefault("backfill.schedule", "@every 1h")
	v.SetDefault("backfill.min_gap", "1h")
	v.SetDefault("backfill.lookback", "720h")
	v.SetDefault("backfill.max_gaps", 10)
	v.SetDefault("backfill.inter_call_delay", "2s")
	v.SetDefault("backfill.large_gap_threshold", "24h")
	v.SetDefault("backfill.large_gap_delay", "5s")
	v.SetDefault("backfill.padding", "30m")
	v.SetDefault("backfill.request_timeout", "30s")
	v.SetDefault("backfill.run_timeout", "30m")

	v.SetDefault("analytics.window", "24h")
	v.SetDefault("analytics.min_points", 3)
	v.SetDefault("analytics.k", 1.0)
	v.SetDefault("analytics.beta", 0.2)
	v.SetDefault("analytics.recompute_lookback", "840h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.volatility_threshold_pct", 5.0)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9102")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.App.Symbol == "" {
		return fmt.Errorf("app.symbol must be set")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Gateway.Enabled && (c.Gateway.MinInterval < 0 || c.Gateway.CacheTTL < 0) {
		return fmt.Errorf("gateway intervals cannot be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Scheduler.CycleTimeout < 0 {
		return fmt.Errorf("scheduler.cycle_timeout cannot be negative")
	}
	if c.Scheduler.CycleTimeout > 0 && c.Scheduler.CycleTimeout <= c.ProviderBudget() {
		return fmt.Errorf("scheduler.cycle_timeout (%s) must exceed the provider budget (%s)", c.Scheduler.CycleTimeout, c.ProviderBudget())
	}
	if len(c.EnabledProviders()) == 0 {
		return fmt.Errorf("at least one provider must be enabled")
	}
	if c.Providers.CoinMarketCap.Enabled && c.Providers.CoinMarketCap.APIKey == "" {
		return fmt.Errorf("providers.coinmarketcap.api_key must be set when coinmarketcap is enabled")
	}
	if c.Providers.Chainlink.Enabled && c.Providers.Chainlink.RPCURL == "" {
		return fmt.Errorf("providers.chainlink.rpc_url must be set when chainlink is enabled")
	}
	if c.Backfill.Enabled {
		if c.Backfill.MinGap <= 0 {
			return fmt.Errorf("backfill.min_gap must be greater than zero")
		}
		if c.Backfill.MaxGaps <= 0 {
			return fmt.Errorf("backfill.max_gaps must be greater than zero")
		}
	}
	if c.Analytics.Window <= 0 {
		return fmt.Errorf("analytics.window must be greater than zero")
	}
	if c.Analytics.MinPoints < 3 {
		return fmt.Errorf("analytics.min_points must be at least 3")
	}
	if c.Analytics.K <= 0 || c.Analytics.Beta <= 0 {
		return fmt.Errorf("analytics.k and analytics.beta must be positive")
	}
	if c.Alerting.VolatilityThresholdPct < 0 {
		return fmt.Errorf("alerting.volatility_threshold_pct cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// EnabledProviders returns the names of enabled sources in registration order.
func (c *Config) EnabledProviders() []string {
	var names []string
	if c.Providers.CoinGecko.Enabled {
		names = append(names, "coingecko")
	}
	if c.Providers.CoinMarketCap.Enabled {
		names = append(names, "coinmarketcap")
	}
	if c.Providers.Binance.Enabled {
		names = append(names, "binance")
	}
	if c.Providers.Chainlink.Enabled {
		names = append(names, "chainlink")
	}
	return names
}

// ProviderBudget bounds one provider call including every retry attempt.
// Between attempts the caller waits for the larger of the capped backoff and
// the gateway spacing, since a rate-limited attempt restarts the gateway timer.
func (c *Config) ProviderBudget() time.Duration {
	attempts := time.Duration(max(c.Retry.MaxAttempts, 1))
	pause := c.Retry.MaxDelay
	budget := c.Providers.RequestTimeout * attempts
	if c.Gateway.Enabled {
		pause = max(pause, c.Gateway.MinInterval)
		budget += c.Gateway.MinInterval
	}
	return budget + pause*(attempts-1)
}

// ResolveCycleTimeout returns scheduler.cycle_timeout, or the provider budget
// plus persistence headroom when it is unset.
func (c *Config) ResolveCycleTimeout() time.Duration {
	if c.Scheduler.CycleTimeout > 0 {
		return c.Scheduler.CycleTimeout
	}
	return c.ProviderBudget() + cycleHeadroom
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
