package config

import (
	"copybot/internal/broker/smartapi"
	"copybot/internal/engine"
	"copybot/internal/models"
	"copybot/internal/session"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Master    AccountConfig
	Followers []AccountConfig
	Broker    BrokerConfig
	Copy      CopyConfig
	Runtime   RuntimeConfig
	Dashboard DashboardConfig

	File string
}

type AccountConfig struct {
	Name       string `mapstructure:"name"`
	ClientID   string `mapstructure:"client_id"`
	APIKey     string `mapstructure:"api_key"`
	Password   string `mapstructure:"password"`
	TOTPSecret string `mapstructure:"totp_secret"`
	SecretKey  string `mapstructure:"secret_key"`
}

type BrokerConfig struct {
	BaseURL string
}

type CopyConfig struct {
	DryRun              bool
	CopyAllOrders       bool
	AllowedSymbols      []string
	BlockedSymbols      []string
	CopyMarketOrders    bool
	CopyLimitOrders     bool
	CopyStopOrders      bool
	UseFixedQuantity    bool
	FixedQuantity       int
	QuantityMultiplier  float64
	RequireConfirmation bool
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

type MarketHoursConfig struct {
	Enabled          bool
	Timezone         string
	Open             string
	Close            string
	OffHoursInterval time.Duration
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
	Console    bool
}

type SinkConfig struct {
	Dir    string
	SQLite string
}

type RuntimeConfig struct {
	PollInterval      time.Duration
	SessionInitDelay  time.Duration
	Retry             RetryConfig
	FanoutWorkers     int
	MaxCallsPerMinute int
	MaxFetchBackoff   time.Duration
	StartupGrace      time.Duration
	MarketHours       MarketHoursConfig
	Log               LogConfig
	Sink              SinkConfig
}

type DashboardConfig struct {
	Enabled           bool
	Addr              string
	RequestsPerSecond float64
}

const maxFollowerScan = 100

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.base_url", smartapi.DefaultBaseURL)
	v.SetDefault("accounts.master.name", "Master")

	v.SetDefault("copy.dry_run", true)
	v.SetDefault("copy.copy_all_orders", true)
	v.SetDefault("copy.copy_market_orders", true)
	v.SetDefault("copy.copy_limit_orders", true)
	v.SetDefault("copy.copy_stop_orders", true)
	v.SetDefault("copy.quantity_multiplier", 1.0)

	v.SetDefault("runtime.poll_interval", engine.DefaultPollInterval)
	v.SetDefault("runtime.session_init_delay", session.DefaultInitDelay)
	v.SetDefault("runtime.retry.max_attempts", 3)
	v.SetDefault("runtime.retry.base_delay", 60*time.Second)
	v.SetDefault("runtime.retry.multiplier", 2.0)
	v.SetDefault("runtime.retry.max_delay", 5*time.Minute)
	v.SetDefault("runtime.fanout_workers", engine.DefaultFanoutWorkers)
	v.SetDefault("runtime.max_calls_per_minute", engine.DefaultMaxCallsPerMinute)
	v.SetDefault("runtime.max_fetch_backoff", engine.DefaultMaxFetchBackoff)
	v.SetDefault("runtime.market_hours.timezone", engine.DefaultMarketTimezone)
	v.SetDefault("runtime.market_hours.open", engine.DefaultMarketOpen)
	v.SetDefault("runtime.market_hours.close", engine.DefaultMarketClose)
	v.SetDefault("runtime.market_hours.off_hours_interval", engine.DefaultOffHoursInterval)
	v.SetDefault("runtime.log.level", "info")
	v.SetDefault("runtime.log.format", "text")
	v.SetDefault("runtime.log.file", "stdout")
	v.SetDefault("runtime.log.max_size", 50)
	v.SetDefault("runtime.log.max_backups", 5)
	v.SetDefault("runtime.log.max_age", 30)
	v.SetDefault("runtime.log.console", true)
	v.SetDefault("runtime.sink.dir", "logs")

	v.SetDefault("dashboard.addr", "127.0.0.1:8080")
	v.SetDefault("dashboard.requests_per_second", 10.0)
}

// Load reads configs/config.yaml (or path), then environment, then flags that were set explicitly.
// A missing default config file is not an error: accounts can come from the environment alone.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COPYBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("чтение конфигурации: %w", err)
		}
	}

	if flags != nil {
		for key, name := range map[string]string{
			"copy.dry_run":              "dry-run",
			"copy.require_confirmation": "confirm",
			"runtime.log.level":         "log-level",
			"dashboard.enabled":         "dashboard",
		} {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	cfg := &Config{File: v.ConfigFileUsed()}

	cfg.Broker = BrokerConfig{
		BaseURL: v.GetString("broker.base_url"),
	}

	master, err := accountFromKey(v, "accounts.master")
	if err != nil {
		return nil, err
	}
	cfg.Master = withEnvFallback(master, "")
	if cfg.Master.Name == "" {
		cfg.Master.Name = "Master"
	}

	var followers []AccountConfig
	if err := v.UnmarshalKey("accounts.followers", &followers); err != nil {
		return nil, fmt.Errorf("разбор списка последователей: %w", err)
	}
	for i := range followers {
		followers[i] = followers[i].substituted()
		if followers[i].Name == "" {
			followers[i].Name = fmt.Sprintf("Follower%d", i+1)
		}
	}
	if len(followers) == 0 {
		followers = followersFromEnv()
	}
	cfg.Followers = followers

	cfg.Copy = CopyConfig{
		DryRun:              v.GetBool("copy.dry_run"),
		CopyAllOrders:       v.GetBool("copy.copy_all_orders"),
		AllowedSymbols:      v.GetStringSlice("copy.allowed_symbols"),
		BlockedSymbols:      v.GetStringSlice("copy.blocked_symbols"),
		CopyMarketOrders:    v.GetBool("copy.copy_market_orders"),
		CopyLimitOrders:     v.GetBool("copy.copy_limit_orders"),
		CopyStopOrders:      v.GetBool("copy.copy_stop_orders"),
		UseFixedQuantity:    v.GetBool("copy.use_fixed_quantity"),
		FixedQuantity:       v.GetInt("copy.fixed_quantity"),
		QuantityMultiplier:  v.GetFloat64("copy.quantity_multiplier"),
		RequireConfirmation: v.GetBool("copy.require_confirmation"),
	}

	cfg.Runtime = RuntimeConfig{
		PollInterval:     v.GetDuration("runtime.poll_interval"),
		SessionInitDelay: v.GetDuration("runtime.session_init_delay"),
		Retry: RetryConfig{
			MaxAttempts: v.GetInt("runtime.retry.max_attempts"),
			BaseDelay:   v.GetDuration("runtime.retry.base_delay"),
			Multiplier:  v.GetFloat64("runtime.retry.multiplier"),
			MaxDelay:    v.GetDuration("runtime.retry.max_delay"),
		},
		FanoutWorkers:     v.GetInt("runtime.fanout_workers"),
		MaxCallsPerMinute: v.GetInt("runtime.max_calls_per_minute"),
		MaxFetchBackoff:   v.GetDuration("runtime.max_fetch_backoff"),
		StartupGrace:      v.GetDuration("runtime.startup_grace"),
		MarketHours: MarketHoursConfig{
			Enabled:          v.GetBool("runtime.market_hours.enabled"),
			Timezone:         v.GetString("runtime.market_hours.timezone"),
			Open:             v.GetString("runtime.market_hours.open"),
			Close:            v.GetString("runtime.market_hours.close"),
			OffHoursInterval: v.GetDuration("runtime.market_hours.off_hours_interval"),
		},
		Log: LogConfig{
			Level:      v.GetString("runtime.log.level"),
			Format:     v.GetString("runtime.log.format"),
			File:       v.GetString("runtime.log.file"),
			MaxSize:    v.GetInt("runtime.log.max_size"),
			MaxBackups: v.GetInt("runtime.log.max_backups"),
			MaxAge:     v.GetInt("runtime.log.max_age"),
			Compress:   v.GetBool("runtime.log.compress"),
			Console:    v.GetBool("runtime.log.console"),
		},
		Sink: SinkConfig{
			Dir:    v.GetString("runtime.sink.dir"),
			SQLite: v.GetString("runtime.sink.sqlite"),
		},
	}

	cfg.Dashboard = DashboardConfig{
		Enabled:           v.GetBool("dashboard.enabled"),
		Addr:              v.GetString("dashboard.addr"),
		RequestsPerSecond: v.GetFloat64("dashboard.requests_per_second"),
	}

	return cfg, nil
}

func accountFromKey(v *viper.Viper, key string) (AccountConfig, error) {
	var acc AccountConfig
	if err := v.UnmarshalKey(key, &acc); err != nil {
		return acc, fmt.Errorf("разбор %s: %w", key, err)
	}
	return acc.substituted(), nil
}

var envRef = regexp.MustCompile(`\$\{(\w+)\}`)

// envSub replaces ${NAME} references with the environment value.
func envSub(val string) string {
	if val == "" {
		return ""
	}
	return envRef.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}

func (a AccountConfig) substituted() AccountConfig {
	return AccountConfig{
		Name:       a.Name,
		ClientID:   envSub(a.ClientID),
		APIKey:     envSub(a.APIKey),
		Password:   envSub(a.Password),
		TOTPSecret: envSub(a.TOTPSecret),
		SecretKey:  envSub(a.SecretKey),
	}
}

// withEnvFallback fills empty credentials from <prefix>API_KEY, <prefix>CLIENT_ID and so on.
func withEnvFallback(a AccountConfig, prefix string) AccountConfig {
	fill := func(cur *string, name string) {
		if *cur == "" {
			*cur = os.Getenv(prefix + name)
		}
	}
	fill(&a.APIKey, "API_KEY")
	fill(&a.ClientID, "CLIENT_ID")
	fill(&a.Password, "PASSWORD")
	fill(&a.TOTPSecret, "TOTP_SECRET")
	fill(&a.SecretKey, "SECRET_KEY")
	return a
}

// followersFromEnv reads FOLLOWER_1_*, FOLLOWER_2_*, ... until the first index without an API key.
func followersFromEnv() []AccountConfig {
	var out []AccountConfig
	for n := 1; n <= maxFollowerScan; n++ {
		prefix := fmt.Sprintf("FOLLOWER_%d_", n)
		if os.Getenv(prefix+"API_KEY") == "" {
			break
		}
		acc := withEnvFallback(AccountConfig{}, prefix)
		acc.Name = os.Getenv(prefix + "NAME")
		if acc.Name == "" {
			acc.Name = fmt.Sprintf("Follower%d", n)
		}
		out = append(out, acc)
	}
	return out
}

func (a AccountConfig) Descriptor(role models.AccountRole) models.AccountDescriptor {
	return models.AccountDescriptor{
		Name:       a.Name,
		Role:       role,
		ClientID:   a.ClientID,
		APIKey:     a.APIKey,
		Password:   a.Password,
		TOTPSecret: a.TOTPSecret,
		SecretKey:  a.SecretKey,
	}
}

func (c *Config) MasterAccount() models.AccountDescriptor {
	return c.Master.Descriptor(models.RoleMaster)
}

func (c *Config) FollowerAccounts() []models.AccountDescriptor {
	out := make([]models.AccountDescriptor, 0, len(c.Followers))
	for _, f := range c.Followers {
		out = append(out, f.Descriptor(models.RoleFollower))
	}
	return out
}

func (c *Config) Settings() models.CopySettings {
	return models.CopySettings{
		DryRun:              c.Copy.DryRun,
		CopyAllOrders:       c.Copy.CopyAllOrders,
		AllowedSymbols:      models.SymbolSet(c.Copy.AllowedSymbols),
		BlockedSymbols:      models.SymbolSet(c.Copy.BlockedSymbols),
		CopyMarketOrders:    c.Copy.CopyMarketOrders,
		CopyLimitOrders:     c.Copy.CopyLimitOrders,
		CopyStopOrders:      c.Copy.CopyStopOrders,
		UseFixedQuantity:    c.Copy.UseFixedQuantity,
		FixedQuantity:       c.Copy.FixedQuantity,
		QuantityMultiplier:  c.Copy.QuantityMultiplier,
		RequireConfirmation: c.Copy.RequireConfirmation,
	}
}

func (c *Config) RetryPolicy() session.RetryPolicy {
	return session.RetryPolicy{
		MaxAttempts: c.Runtime.Retry.MaxAttempts,
		BaseDelay:   c.Runtime.Retry.BaseDelay,
		Multiplier:  c.Runtime.Retry.Multiplier,
		MaxDelay:    c.Runtime.Retry.MaxDelay,
	}
}

// Schedule returns nil when market hours are disabled.
func (c *Config) Schedule() (*engine.Schedule, error) {
	mh := c.Runtime.MarketHours
	if !mh.Enabled {
		return nil, nil
	}
	return engine.NewSchedule(mh.Timezone, mh.Open, mh.Close, mh.OffHoursInterval)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if err := c.MasterAccount().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Followers) == 0 {
		errs = append(errs, errors.New("не задан ни один аккаунт последователя"))
	}
	names := map[string]bool{c.Master.Name: true}
	for _, f := range c.FollowerAccounts() {
		if err := f.Validate(); err != nil {
			errs = append(errs, err)
		}
		if names[f.Name] {
			errs = append(errs, fmt.Errorf("имя аккаунта %q повторяется", f.Name))
		}
		names[f.Name] = true
	}

	if c.Copy.UseFixedQuantity && c.Copy.FixedQuantity < 1 {
		errs = append(errs, errors.New("copy.fixed_quantity должен быть не меньше 1"))
	}
	if !c.Copy.UseFixedQuantity && c.Copy.QuantityMultiplier <= 0 {
		errs = append(errs, errors.New("copy.quantity_multiplier должен быть больше 0"))
	}
	if !c.Copy.CopyAllOrders && len(c.Copy.AllowedSymbols) == 0 {
		errs = append(errs, errors.New("copy.allowed_symbols пуст при copy_all_orders=false"))
	}

	if c.Runtime.PollInterval <= 0 {
		errs = append(errs, errors.New("runtime.poll_interval должен быть больше 0"))
	}
	if c.Runtime.SessionInitDelay < 0 {
		errs = append(errs, errors.New("runtime.session_init_delay не может быть отрицательным"))
	}
	if c.Runtime.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("runtime.retry.max_attempts должен быть не меньше 1"))
	}
	if c.Runtime.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("runtime.retry.multiplier должен быть не меньше 1"))
	}
	if c.Runtime.FanoutWorkers < 1 {
		errs = append(errs, errors.New("runtime.fanout_workers должен быть не меньше 1"))
	}
	if c.Runtime.MaxCallsPerMinute < 0 {
		errs = append(errs, errors.New("runtime.max_calls_per_minute не может быть отрицательным"))
	}
	if _, err := c.Schedule(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Redacted is a loggable view of the accounts without any secret values.
func (c *Config) Redacted() map[string]interface{} {
	followers := make([]map[string]interface{}, 0, len(c.Followers))
	for _, f := range c.FollowerAccounts() {
		followers = append(followers, f.Redacted())
	}
	return map[string]interface{}{
		"config_file": c.File,
		"master":      c.MasterAccount().Redacted(),
		"followers":   followers,
		"dry_run":     c.Copy.DryRun,
	}
}
