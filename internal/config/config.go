package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"moltapp-trader/internal/catalog"
)

const (
	ModeLive  = "live"
	ModePaper = "paper"
)

// Config holds all configuration for the application.
type Config struct {
	Solana     Solana          `mapstructure:"solana"`
	Jupiter    Jupiter         `mapstructure:"jupiter"`
	Pricing    Pricing         `mapstructure:"pricing"`
	Execution  Execution       `mapstructure:"execution"`
	Recovery   Recovery        `mapstructure:"recovery"`
	Reconciler Reconciler      `mapstructure:"reconciler"`
	Scheduler  Scheduler       `mapstructure:"scheduler"`
	Agents     []Agent         `mapstructure:"agents"`
	Assets     []catalog.Asset `mapstructure:"assets"`
	Logger     Logger          `mapstructure:"logger"`
	Server     Server          `mapstructure:"server"`
	Database   Database        `mapstructure:"database"`
	Redis      Redis           `mapstructure:"redis"`
}

// Solana holds the configuration for the Solana JSON-RPC endpoint.
type Solana struct {
	RPCURL              string        `mapstructure:"rpc_url"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RateLimit           float64       `mapstructure:"rate_limit"`
	RateLimitBurst      int           `mapstructure:"rate_limit_burst"`
	ConfirmTimeout      time.Duration `mapstructure:"confirm_timeout"`
	ConfirmPollInterval time.Duration `mapstructure:"confirm_poll_interval"`
	FeeReserveLamports  uint64        `mapstructure:"fee_reserve_lamports"`
}

// Jupiter holds the configuration for the Jupiter swap API.
type Jupiter struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// Pricing holds the configuration for the reference price oracle.
type Pricing struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Execution holds the configuration for the execution pipeline.
type Execution struct {
	Mode     string        `mapstructure:"mode"`
	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// Recovery holds the retry policy and ledger bounds.
type Recovery struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Jitter            bool          `mapstructure:"jitter"`
	Capacity          int           `mapstructure:"capacity"`
	StuckThreshold    time.Duration `mapstructure:"stuck_threshold"`
}

// Reconciler holds the configuration for position reconciliation.
type Reconciler struct {
	Epsilon         float64       `mapstructure:"epsilon"`
	WarningPercent  float64       `mapstructure:"warning_percent"`
	CriticalPercent float64       `mapstructure:"critical_percent"`
	AgentDelay      time.Duration `mapstructure:"agent_delay"`
}

// Scheduler holds the cadence of the background loops.
type Scheduler struct {
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// Agent maps an agent to its wallet. The signing key is read from the
// environment variable named by PrivateKeyEnv, never from the config file.
type Agent struct {
	ID            string `mapstructure:"id"`
	WalletAddress string `mapstructure:"wallet_address"`
	PrivateKeyEnv string `mapstructure:"private_key_env"`
}

// Server holds the configuration for the web servers.
type Server struct {
	Port          int `mapstructure:"port"`
	DashboardPort int `mapstructure:"dashboard_port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Redis holds the configuration for the event stream.
type Redis struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	Channel  string `mapstructure:"channel"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		return
	}

	if err = v.Unmarshal(&config); err != nil {
		return
	}
	if len(config.Assets) == 0 {
		config.Assets = catalog.DefaultAssets()
	}
	err = config.Validate()
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("solana.rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("solana.request_timeout", 15*time.Second)
	v.SetDefault("solana.max_retries", 3)
	v.SetDefault("solana.rate_limit", 10) // requests per second
	v.SetDefault("solana.rate_limit_burst", 5)
	v.SetDefault("solana.confirm_timeout", 60*time.Second)
	v.SetDefault("solana.confirm_poll_interval", 2*time.Second)
	v.SetDefault("solana.fee_reserve_lamports", 10_000_000) // 0.01 SOL

	v.SetDefault("jupiter.base_url", "https://api.jup.ag")
	v.SetDefault("jupiter.api_key", "")
	v.SetDefault("jupiter.request_timeout", 30*time.Second)
	v.SetDefault("jupiter.max_retries", 3)
	v.SetDefault("jupiter.rate_limit", 1)
	v.SetDefault("jupiter.rate_limit_burst", 1)

	v.SetDefault("pricing.cache_ttl", 5*time.Second)
	v.SetDefault("pricing.timeout", 3*time.Second)

	v.SetDefault("execution.mode", ModePaper)
	v.SetDefault("execution.min_delay", 500*time.Millisecond)
	v.SetDefault("execution.max_delay", 2*time.Second)

	v.SetDefault("recovery.max_attempts", 3)
	v.SetDefault("recovery.initial_delay", 5*time.Second)
	v.SetDefault("recovery.backoff_multiplier", 2)
	v.SetDefault("recovery.max_delay", 5*time.Minute)
	v.SetDefault("recovery.jitter", true)
	v.SetDefault("recovery.capacity", 1000)
	v.SetDefault("recovery.stuck_threshold", 5*time.Minute)

	v.SetDefault("reconciler.epsilon", 0.000001)
	v.SetDefault("reconciler.warning_percent", 1)
	v.SetDefault("reconciler.critical_percent", 5)
	v.SetDefault("reconciler.agent_delay", 2*time.Second)

	v.SetDefault("scheduler.retry_interval", 30*time.Second)
	v.SetDefault("scheduler.reconcile_interval", 10*time.Minute)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.dashboard_port", 8081)
	v.SetDefault("database.dsn", "moltapp.db")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.channel", "moltapp:events")
}

// Validate checks cross-field constraints that defaults cannot express.
func (c *Config) Validate() error {
	if c.Execution.Mode != ModeLive && c.Execution.Mode != ModePaper {
		return fmt.Errorf("execution.mode must be %q or %q, got %q", ModeLive, ModePaper, c.Execution.Mode)
	}
	if c.Execution.MinDelay < 0 || c.Execution.MaxDelay < c.Execution.MinDelay {
		return fmt.Errorf("execution delay window [%s, %s] is invalid", c.Execution.MinDelay, c.Execution.MaxDelay)
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent entry without id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when redis is enabled")
	}
	return nil
}

// AgentWallets maps each configured agent to its wallet address.
func (c *Config) AgentWallets() map[string]string {
	wallets := make(map[string]string, len(c.Agents))
	for _, a := range c.Agents {
		if a.WalletAddress != "" {
			wallets[a.ID] = a.WalletAddress
		}
	}
	return wallets
}
