package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"candlewatch/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. CANDLEWATCH_DATABASE_DSN.
const EnvPrefix = "CANDLEWATCH"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Market    MarketConfig    `mapstructure:"market"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Engine    EngineConfig    `mapstructure:"engine"`
	API       APIConfig       `mapstructure:"api"`
	Export    ExportConfig    `mapstructure:"export"`
	Symbols   []SymbolConfig  `mapstructure:"symbols" validate:"dive"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the ledger backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	// KeyLockTTL bounds how long a crashed process can hold a SQLite key lock row.
	KeyLockTTL time.Duration `mapstructure:"key_lock_ttl"`
}

// SchedulerConfig governs evaluation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval" validate:"gt=0"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay" validate:"gte=0"`
	// SettleDelay postpones each tick past the bucket boundary so the last candle has closed upstream.
	SettleDelay time.Duration `mapstructure:"settle_delay" validate:"gte=0"`
}

// MarketConfig captures candle source connectivity.
type MarketConfig struct {
	Source         string        `mapstructure:"source" validate:"oneof=binance http"`
	BaseURL        string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey         string        `mapstructure:"api_key"`
	SecretKey      string        `mapstructure:"secret_key"`
	Interval       time.Duration `mapstructure:"interval" validate:"gt=0"`
	Lookback       int           `mapstructure:"lookback" validate:"gte=2,lte=1000"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	UserAgent      string        `mapstructure:"user_agent"`
	DropOpenCandle bool          `mapstructure:"drop_open_candle"`
}

// CacheConfig enables the Redis candle cache.
type CacheConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

// AlertingConfig defines alert routing and dedup policy.
type AlertingConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	DefaultCooldown    time.Duration `mapstructure:"default_cooldown" validate:"gte=0"`
	RetryFailedWindows bool          `mapstructure:"retry_failed_windows"`
	Source             string        `mapstructure:"source"`
	DashboardURL       string        `mapstructure:"dashboard_url" validate:"omitempty,url"`
	Webhook            WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig describes the global webhook destination and delivery policy.
type WebhookConfig struct {
	URL              string        `mapstructure:"url" validate:"omitempty,url"`
	Secret           string        `mapstructure:"secret"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries       int           `mapstructure:"max_retries" validate:"gte=1,lte=10"`
	BackoffBase      time.Duration `mapstructure:"backoff_base" validate:"gte=0"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes" validate:"gte=0"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// EngineConfig bounds concurrency of a trigger run.
type EngineConfig struct {
	SymbolConcurrency int `mapstructure:"symbol_concurrency" validate:"gte=1"`
	MaxOutbound       int `mapstructure:"max_outbound" validate:"gte=1"`
	// ConfigSource is "database" (symbols table) or "file" (the symbols section below).
	ConfigSource string        `mapstructure:"config_source" validate:"oneof=database file"`
	RunTimeout   time.Duration `mapstructure:"run_timeout" validate:"gte=0"`
}

// APIConfig configures the HTTP trigger surface.
type APIConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Listen         string        `mapstructure:"listen" validate:"required_if=Enabled true"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	Auth           AuthConfig    `mapstructure:"auth"`
}

// AuthConfig gates mutating endpoints behind EIP-191 wallet signatures.
type AuthConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	AllowedAddresses []string      `mapstructure:"allowed_addresses" validate:"required_if=Enabled true,dive,eth_addr"`
	MaxSkew          time.Duration `mapstructure:"max_skew" validate:"gte=0"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points" validate:"gt=0"`
}

// SymbolConfig is a file-sourced symbol definition. The same shape seeds the database.
type SymbolConfig struct {
	Name             string            `mapstructure:"name" validate:"required,symbol"`
	Enabled          bool              `mapstructure:"enabled"`
	DefaultThreshold string            `mapstructure:"default_threshold" validate:"omitempty,numeric"`
	CooldownMinutes  *int              `mapstructure:"cooldown_minutes" validate:"omitempty,gte=0"`
	WebhookURL       string            `mapstructure:"webhook_url" validate:"omitempty,url"`
	Indicators       []IndicatorConfig `mapstructure:"indicators" validate:"dive"`
}

// IndicatorConfig binds one indicator rule to a file-sourced symbol.
type IndicatorConfig struct {
	Type            string `mapstructure:"type" validate:"required"`
	Threshold       string `mapstructure:"threshold" validate:"required,numeric"`
	Operator        string `mapstructure:"operator" validate:"required"`
	CooldownMinutes *int   `mapstructure:"cooldown_minutes" validate:"omitempty,gte=0"`
	WebhookURL      string `mapstructure:"webhook_url" validate:"omitempty,url"`
	Enabled         *bool  `mapstructure:"enabled"`
}

// IsEnabled defaults a missing flag to true.
func (i IndicatorConfig) IsEnabled() bool {
	return i.Enabled == nil || *i.Enabled
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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

func loadDotEnv() error {
	path := os.Getenv(EnvPrefix + "_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
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
	v.SetDefault("app.name", "candlewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.key_lock_ttl", "2m")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63776174))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.settle_delay", "5s")

	v.SetDefault("market.source", "binance")
	v.SetDefault("market.base_url", "https://api.binance.com")
	v.SetDefault("market.api_key", "")
	v.SetDefault("market.secret_key", "")
	v.SetDefault("market.interval", "5m")
	v.SetDefault("market.lookback", 20)
	v.SetDefault("market.request_timeout", "10s")
	v.SetDefault("market.user_agent", "candlewatch/1.0")
	v.SetDefault("market.drop_open_candle", true)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.key_prefix", "candlewatch")
	v.SetDefault("cache.ttl", "30s")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.default_cooldown", "10m")
	v.SetDefault("alerting.retry_failed_windows", false)
	v.SetDefault("alerting.source", "candlewatch")
	v.SetDefault("alerting.webhook.url", "")
	v.SetDefault("alerting.webhook.secret", "")
	v.SetDefault("alerting.webhook.timeout", "10s")
	v.SetDefault("alerting.webhook.max_retries", 3)
	v.SetDefault("alerting.webhook.backoff_base", "500ms")
	v.SetDefault("alerting.webhook.max_response_bytes", 2048)
	v.SetDefault("alerting.webhook.user_agent", "candlewatch/1.0")

	v.SetDefault("engine.symbol_concurrency", 1)
	v.SetDefault("engine.max_outbound", 4)
	v.SetDefault("engine.config_source", "database")
	v.SetDefault("engine.run_timeout", "2m")

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "2m")
	v.SetDefault("api.auth.enabled", false)
	v.SetDefault("api.auth.allowed_addresses", []string{})
	v.SetDefault("api.auth.max_skew", "5m")

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

// NewValidator returns a validator with the candlewatch custom tags registered.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("symbol", func(fl validator.FieldLevel) bool {
		return ValidSymbol(fl.Field().String())
	})
	return v
}

// ValidSymbol reports whether s looks like an exchange symbol: 2-20 upper/lower
// case letters or digits.
func ValidSymbol(s string) bool {
	if len(s) < 2 || len(s) > 20 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// Validate runs struct-tag validation followed by cross-field checks.
func (c *Config) Validate() error {
	if err := NewValidator().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if c.Market.Source == "http" && c.Market.BaseURL == "" {
		return fmt.Errorf("market.base_url is required for the http source")
	}
	if d := c.Database; (d.Driver == "" || d.Driver == "postgres") && d.MaxOpenConns > 0 {
		// tick lock + one key-locked connection per symbol worker + one for unscoped reads
		if need := c.Engine.SymbolConcurrency + 2; d.MaxOpenConns < need {
			return fmt.Errorf("database.max_open_conns must be 0 or at least %d for engine.symbol_concurrency %d", need, c.Engine.SymbolConcurrency)
		}
	}
	if c.Alerting.Webhook.URL != "" && c.Alerting.Webhook.Secret == "" {
		return fmt.Errorf("alerting.webhook.secret is required when alerting.webhook.url is set")
	}
	seen := make(map[string]struct{}, len(c.Symbols))
	for _, s := range c.Symbols {
		name := strings.ToUpper(s.Name)
		if _, dup := seen[name]; dup {
			return fmt.Errorf("symbols: %s listed twice", name)
		}
		seen[name] = struct{}{}
		if s.DefaultThreshold != "" {
			if _, err := decimal.NewFromString(s.DefaultThreshold); err != nil {
				return fmt.Errorf("symbols.%s.default_threshold: %w", name, err)
			}
		}
		types := make(map[string]struct{}, len(s.Indicators))
		for _, ind := range s.Indicators {
			if _, dup := types[ind.Type]; dup {
				return fmt.Errorf("symbols.%s: indicator %s listed twice", name, ind.Type)
			}
			types[ind.Type] = struct{}{}
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
