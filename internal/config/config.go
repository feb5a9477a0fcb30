package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"snipr/internal/logging"
	"snipr/internal/risk"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Gas       GasConfig       `mapstructure:"gas"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the maintenance loops of the long-running service.
type SchedulerConfig struct {
	RolloverInterval time.Duration `mapstructure:"rollover_interval"`
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
	AlignToBucket    bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey  int64         `mapstructure:"advisory_lock_key"`
	StartupDelay     time.Duration `mapstructure:"startup_delay"`
	// IntakeInterval is how often run polls for queued snipe requests.
	IntakeInterval time.Duration `mapstructure:"intake_interval"`
	// HostLockKey is held by the single run process for its whole lifetime.
	HostLockKey int64 `mapstructure:"host_lock_key"`
}

// EthereumConfig covers on-chain access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// GasConfig tunes gas quoting. A non-positive fallback disables the fallback price.
type GasConfig struct {
	PremiumPct           int64   `mapstructure:"premium_pct"`
	FallbackGwei         float64 `mapstructure:"fallback_gwei"`
	EmptyFeeGwei         float64 `mapstructure:"empty_fee_gwei"`
	GasLimit             uint64  `mapstructure:"gas_limit"`
	OpportunityThreshold float64 `mapstructure:"opportunity_threshold"`
}

// RiskConfig holds the default per-user limits.
type RiskConfig struct {
	MaxDailyLoss    float64       `mapstructure:"max_daily_loss"`
	MaxSlippage     float64       `mapstructure:"max_slippage"`
	MaxGasPrice     float64       `mapstructure:"max_gas_price"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	MaxSnipesPerDay int           `mapstructure:"max_snipes_per_day"`
}

// WalletConfig maps user ids to hex private keys.
type WalletConfig struct {
	DefaultUser string            `mapstructure:"default_user"`
	PrivateKey  string            `mapstructure:"private_key"`
	Keys        map[string]string `mapstructure:"keys"`
}

// AlertingConfig defines outcome notifications.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	States   []string       `mapstructure:"states"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment (including a local .env), and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("SNIPR")
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "snipr")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.rollover_interval", "24h")
	v.SetDefault("scheduler.scan_interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x736e6970))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.intake_interval", "1s")
	v.SetDefault("scheduler.host_lock_key", int64(0x736e6971))

	v.SetDefault("ethereum.rpc_url", "https://testnet-rpc.monad.xyz")
	v.SetDefault("ethereum.chain_id", 0)
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("gas.premium_pct", 10)
	v.SetDefault("gas.fallback_gwei", 25.0)
	v.SetDefault("gas.empty_fee_gwei", 20.0)
	v.SetDefault("gas.gas_limit", 300000)
	v.SetDefault("gas.opportunity_threshold", 0.1)

	v.SetDefault("risk.max_daily_loss", 20.0)
	v.SetDefault("risk.max_slippage", 5.0)
	v.SetDefault("risk.max_gas_price", 50.0)
	v.SetDefault("risk.cooldown", "5m")
	v.SetDefault("risk.max_snipes_per_day", 10)

	v.SetDefault("wallet.default_user", "local")
	v.SetDefault("wallet.private_key", "")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.states", []string{"completed", "failed"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 10000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.RolloverInterval <= 0 {
		return fmt.Errorf("scheduler.rollover_interval must be greater than zero")
	}
	if c.Scheduler.ScanInterval <= 0 {
		return fmt.Errorf("scheduler.scan_interval must be greater than zero")
	}
	if c.Scheduler.IntakeInterval <= 0 {
		return fmt.Errorf("scheduler.intake_interval must be greater than zero")
	}
	if c.Scheduler.HostLockKey != 0 && c.Scheduler.HostLockKey == c.Scheduler.AdvisoryLockKey {
		return fmt.Errorf("scheduler.host_lock_key must differ from scheduler.advisory_lock_key")
	}
	if c.Gas.PremiumPct < 0 {
		return fmt.Errorf("gas.premium_pct cannot be negative")
	}
	if c.Gas.GasLimit == 0 {
		return fmt.Errorf("gas.gas_limit must be greater than zero")
	}
	if c.Risk.MaxSnipesPerDay < 0 {
		return fmt.Errorf("risk.max_snipes_per_day cannot be negative")
	}
	if c.Risk.MaxDailyLoss < 0 || c.Risk.MaxSlippage < 0 || c.Risk.MaxGasPrice < 0 {
		return fmt.Errorf("risk limits cannot be negative")
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

// Profile converts the configured defaults into a risk profile.
func (r RiskConfig) Profile() risk.Profile {
	return risk.Profile{
		MaxDailyLoss:    decimal.NewFromFloat(r.MaxDailyLoss),
		MaxSlippage:     decimal.NewFromFloat(r.MaxSlippage),
		MaxGasPrice:     decimal.NewFromFloat(r.MaxGasPrice),
		Cooldown:        r.Cooldown,
		MaxSnipesPerDay: r.MaxSnipesPerDay,
	}
}

// WalletKey returns the configured key for userID, falling back to
// wallet.private_key for the default user.
func (c *Config) WalletKey(userID string) string {
	if key, ok := c.Wallet.Keys[userID]; ok && key != "" {
		return key
	}
	if userID == c.Wallet.DefaultUser {
		return c.Wallet.PrivateKey
	}
	return ""
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
