package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"otc-reconciler/internal/logging"
	"otc-reconciler/internal/quote"
)

// EnvPrefix prefixes every environment override, e.g. OTCRECON_HTTP_AUTH_SECRET.
const EnvPrefix = "OTCRECON"

// Config materialises application configuration.
type Config struct {
	App       AppConfig              `mapstructure:"app"`
	Logging   logging.Config         `mapstructure:"logging"`
	Database  DatabaseConfig         `mapstructure:"database"`
	Redis     RedisConfig            `mapstructure:"redis"`
	Lock      LockConfig             `mapstructure:"lock"`
	Scheduler SchedulerConfig        `mapstructure:"scheduler"`
	Engine    EngineConfig           `mapstructure:"engine"`
	Chains    map[string]ChainConfig `mapstructure:"chains"`
	HTTP      HTTPConfig             `mapstructure:"http"`
	Alerting  AlertingConfig         `mapstructure:"alerting"`
	Export    ExportConfig           `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// Production reports whether the deployment must enforce authentication.
func (a AppConfig) Production() bool {
	return strings.EqualFold(a.Environment, "production")
}

// DatabaseConfig selects and tunes the quote store.
type DatabaseConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig is only needed for the redis lock backend.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// LockConfig selects the cross-instance per-deal lock.
type LockConfig struct {
	// Backend is memory (process only), postgres or redis.
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	// AcquireTimeout bounds the wait for a free pooled connection; a lock
	// that cannot get one in time is reported as held elsewhere.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// SchedulerConfig governs sweep cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

// EngineConfig tunes the reconciliation engine.
type EngineConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	// StoreTimeout bounds each quote store call made while reconciling.
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
}

// ChainConfig covers one chain's RPC access.
type ChainConfig struct {
	RPCURL string `mapstructure:"rpc_url"`
	// ProgramID is the OTC program address, Solana only.
	ProgramID string `mapstructure:"program_id"`
	// Confirmation is the EVM block tag or the Solana commitment.
	Confirmation string        `mapstructure:"confirmation"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RatePerSec   float64       `mapstructure:"rate_per_sec"`
	Burst        int           `mapstructure:"burst"`
}

// HTTPConfig covers the trigger endpoint.
type HTTPConfig struct {
	Addr        string        `mapstructure:"addr"`
	AuthSecret  string        `mapstructure:"auth_secret"`
	RequireAuth bool          `mapstructure:"require_auth"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// AlertingConfig defines drift alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
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
	cfg.applyChainEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv reads ./.env when present; real environment variables win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
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
	v.SetDefault("app.name", "otc-reconciler")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.url", "")

	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.ttl", "2m")
	v.SetDefault("lock.acquire_timeout", "250ms")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x4f544352))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("engine.concurrency", 4)
	v.SetDefault("engine.store_timeout", "10s")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.auth_secret", "")
	v.SetDefault("http.require_auth", false)
	v.SetDefault("http.timeout", "60s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

// applyChainEnv lets OTCRECON_CHAINS_<NAME>_RPC_URL style variables override
// map entries, which viper's AutomaticEnv cannot discover on its own.
func (c *Config) applyChainEnv() {
	if c.Chains == nil {
		c.Chains = make(map[string]ChainConfig)
	}
	for _, name := range []quote.Chain{quote.ChainEthereum, quote.ChainBase, quote.ChainBSC, quote.ChainSolana} {
		prefix := EnvPrefix + "_CHAINS_" + strings.ToUpper(string(name)) + "_"
		url := os.Getenv(prefix + "RPC_URL")
		program := os.Getenv(prefix + "PROGRAM_ID")
		if url == "" && program == "" {
			continue
		}
		cc := c.Chains[string(name)]
		if url != "" {
			cc.RPCURL = url
		}
		if program != "" {
			cc.ProgramID = program
		}
		c.Chains[string(name)] = cc
	}
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

// Validate performs sanity checks on the configuration values. A production
// deployment without an HTTP secret is rejected here rather than served open.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be greater than zero")
	}
	if c.Engine.StoreTimeout <= 0 {
		return fmt.Errorf("engine.store_timeout must be greater than zero")
	}

	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver must be memory, sqlite or postgres, got %q", c.Database.Driver)
	}

	switch c.Lock.Backend {
	case "memory":
	case "postgres":
		if c.Database.Driver != "postgres" {
			return fmt.Errorf("lock.backend postgres requires database.driver postgres")
		}
		if c.Lock.AcquireTimeout <= 0 {
			return fmt.Errorf("lock.acquire_timeout must be greater than zero")
		}
		// every worker pins a connection for its deal lock and needs a second
		// one for the store; the sweep lock pins one more
		if need := 2*c.Engine.Concurrency + 1; c.Database.MaxOpenConns < need {
			return fmt.Errorf("lock.backend postgres with engine.concurrency %d needs database.max_open_conns >= %d, got %d",
				c.Engine.Concurrency, need, c.Database.MaxOpenConns)
		}
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required for lock.backend redis")
		}
		if c.Lock.TTL <= 0 {
			return fmt.Errorf("lock.ttl must be greater than zero")
		}
	default:
		return fmt.Errorf("lock.backend must be memory, postgres or redis, got %q", c.Lock.Backend)
	}

	for _, name := range c.ChainNames() {
		chain, err := quote.ParseChain(name)
		if err != nil {
			return fmt.Errorf("chains.%s: %w", name, err)
		}
		cc := c.Chains[name]
		if cc.RPCURL == "" {
			return fmt.Errorf("chains.%s.rpc_url is required", name)
		}
		if chain.Kind() == quote.KindSolana && cc.ProgramID == "" {
			return fmt.Errorf("chains.%s.program_id is required", name)
		}
		if cc.RatePerSec < 0 || cc.Burst < 0 {
			return fmt.Errorf("chains.%s rate limit cannot be negative", name)
		}
	}

	if c.AuthRequired() && c.HTTP.AuthSecret == "" {
		return fmt.Errorf("http.auth_secret 必须配置 (environment=%s, require_auth=%t)", c.App.Environment, c.HTTP.RequireAuth)
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

// AuthRequired reports whether POST triggers need the bearer secret.
func (c *Config) AuthRequired() bool {
	return c.App.Production() || c.HTTP.RequireAuth
}

// ChainNames returns the configured chain names in stable order.
func (c *Config) ChainNames() []string {
	names := make([]string, 0, len(c.Chains))
	for name := range c.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
