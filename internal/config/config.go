package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/autotrader/pkg/clock"
	"github.com/gregtusar/autotrader/pkg/risk"
	"github.com/gregtusar/autotrader/pkg/secrets"
	"github.com/gregtusar/autotrader/pkg/signal"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Exchange      ExchangeConfig      `mapstructure:"exchange"`
	Trading       TradingConfig       `mapstructure:"trading"`
	Risk          RiskConfig          `mapstructure:"risk"`
	Signal        SignalConfig        `mapstructure:"signal"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Lease         LeaseConfig         `mapstructure:"lease"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	GCP           GCPConfig           `mapstructure:"gcp"`
}

type ExchangeConfig struct {
	// "jwt" (Advanced Trade CDP keys), "legacy" (HMAC) or "none" for
	// public data only.
	AuthType          string        `mapstructure:"auth_type"`
	APIKey            string        `mapstructure:"api_key"`
	APISecret         string        `mapstructure:"api_secret"`
	Passphrase        string        `mapstructure:"passphrase"`
	BaseURL           string        `mapstructure:"base_url"`
	WebSocketURL      string        `mapstructure:"websocket_url"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Timeout           time.Duration `mapstructure:"timeout"`
	SnapshotTimeout   time.Duration `mapstructure:"snapshot_timeout"`
	FillPollInterval  time.Duration `mapstructure:"fill_poll_interval"`
	FillTimeout       time.Duration `mapstructure:"fill_timeout"`
	BookDepth         int           `mapstructure:"book_depth"`
	TradeLimit        int           `mapstructure:"trade_limit"`
	FlowWindow        time.Duration `mapstructure:"flow_window"`
}

type TradingConfig struct {
	Symbol                 string        `mapstructure:"symbol"`
	BaseAsset              string        `mapstructure:"base_asset"`
	QuoteAsset             string        `mapstructure:"quote_asset"`
	TickInterval           time.Duration `mapstructure:"tick_interval"`
	DryRun                 bool          `mapstructure:"dry_run"`
	DryRunBalance          float64       `mapstructure:"dry_run_balance"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	HistorySize            int           `mapstructure:"history_size"`
	RetryAttempts          int           `mapstructure:"retry_attempts"`
	RetryBaseDelay         time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay          time.Duration `mapstructure:"retry_max_delay"`
	OrderTimeout           time.Duration `mapstructure:"order_timeout"`
	ResetTime              string        `mapstructure:"reset_time"` // HH:MM
	Timezone               string        `mapstructure:"timezone"`
}

// Boundary is the start of the trading day.
func (c TradingConfig) Boundary() (clock.DailyBoundary, error) {
	return clock.ParseBoundary(c.ResetTime, c.Timezone)
}

type RiskConfig struct {
	MaxDailyLoss        float64       `mapstructure:"max_daily_loss"`
	CooldownThreshold   int           `mapstructure:"cooldown_threshold"`
	CooldownPeriod      time.Duration `mapstructure:"cooldown_period"`
	MaxPositionSize     float64       `mapstructure:"max_position_size"`
	MinConfidence       float64       `mapstructure:"min_confidence"`
	BalanceFraction     float64       `mapstructure:"balance_fraction"`
	MinNotional         float64       `mapstructure:"min_notional"`
	MaxNotional         float64       `mapstructure:"max_notional"`
	PartialExitFraction float64       `mapstructure:"partial_exit_fraction"`
	SizeIncrement       float64       `mapstructure:"size_increment"`
}

func (c RiskConfig) Rules() risk.Config {
	return risk.Config{
		MaxDailyLoss:        c.MaxDailyLoss,
		CooldownThreshold:   c.CooldownThreshold,
		CooldownPeriod:      c.CooldownPeriod,
		MaxPositionSize:     c.MaxPositionSize,
		MinConfidence:       c.MinConfidence,
		BalanceFraction:     c.BalanceFraction,
		MinNotional:         c.MinNotional,
		MaxNotional:         c.MaxNotional,
		PartialExitFraction: c.PartialExitFraction,
		SizeIncrement:       c.SizeIncrement,
	}
}

type SignalConfig struct {
	// WeightsFile is a YAML file of scorer weights. Built-in weights are
	// used when empty.
	WeightsFile   string  `mapstructure:"weights_file"`
	MinHistory    int     `mapstructure:"min_history"`
	ShortWindow   int     `mapstructure:"short_window"`
	MediumWindow  int     `mapstructure:"medium_window"`
	VolWindow     int     `mapstructure:"vol_window"`
	BuyThreshold  float64 `mapstructure:"buy_threshold"`
	SellThreshold float64 `mapstructure:"sell_threshold"`
	PriceFloor    float64 `mapstructure:"price_floor"`
	VolFloor      float64 `mapstructure:"vol_floor"`
}

func (c SignalConfig) Model() signal.Config {
	return signal.Config{
		MinHistory:    c.MinHistory,
		ShortWindow:   c.ShortWindow,
		MediumWindow:  c.MediumWindow,
		VolWindow:     c.VolWindow,
		BuyThreshold:  c.BuyThreshold,
		SellThreshold: c.SellThreshold,
		PriceFloor:    c.PriceFloor,
		VolFloor:      c.VolFloor,
	}
}

type LedgerConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	WriteAttempts   int           `mapstructure:"write_attempts"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
}

type NotificationsConfig struct {
	QueueSize        int           `mapstructure:"queue_size"`
	Log              bool          `mapstructure:"log"`
	TelegramBotToken string        `mapstructure:"telegram_bot_token"`
	TelegramChatID   string        `mapstructure:"telegram_chat_id"`
	WebhookURL       string        `mapstructure:"webhook_url"`
	WebhookTimeout   time.Duration `mapstructure:"webhook_timeout"`
}

type LeaseConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Key           string        `mapstructure:"key"`
	TTL           time.Duration `mapstructure:"ttl"`
	RenewInterval time.Duration `mapstructure:"renew_interval"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/autotrader")
	}

	v.SetEnvPrefix("AUTOTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.auth_type", "jwt")
	v.SetDefault("exchange.base_url", "https://api.coinbase.com")
	v.SetDefault("exchange.websocket_url", "wss://advanced-trade-ws.coinbase.com")
	v.SetDefault("exchange.requests_per_second", 10)
	v.SetDefault("exchange.burst", 5)
	v.SetDefault("exchange.timeout", "10s")
	v.SetDefault("exchange.snapshot_timeout", "3s")
	v.SetDefault("exchange.fill_poll_interval", "500ms")
	v.SetDefault("exchange.fill_timeout", "15s")
	v.SetDefault("exchange.book_depth", 10)
	v.SetDefault("exchange.trade_limit", 100)
	v.SetDefault("exchange.flow_window", "1m")

	v.SetDefault("trading.symbol", "BTC-USD")
	v.SetDefault("trading.base_asset", "BTC")
	v.SetDefault("trading.quote_asset", "USD")
	v.SetDefault("trading.tick_interval", "10s")
	v.SetDefault("trading.dry_run", true)
	v.SetDefault("trading.dry_run_balance", 10000)
	v.SetDefault("trading.max_consecutive_failures", 3)
	v.SetDefault("trading.history_size", 120)
	v.SetDefault("trading.retry_attempts", 3)
	v.SetDefault("trading.retry_base_delay", "500ms")
	v.SetDefault("trading.retry_max_delay", "5s")
	v.SetDefault("trading.order_timeout", "30s")
	v.SetDefault("trading.reset_time", "00:00")
	v.SetDefault("trading.timezone", "UTC")

	// max_daily_loss and max_position_size have no defaults; they must be
	// set explicitly.
	v.SetDefault("risk.max_daily_loss", 0)
	v.SetDefault("risk.max_position_size", 0)
	v.SetDefault("risk.cooldown_threshold", 3)
	v.SetDefault("risk.cooldown_period", "30m")
	v.SetDefault("risk.min_confidence", 0.6)
	v.SetDefault("risk.balance_fraction", 0.1)
	v.SetDefault("risk.min_notional", 10)
	v.SetDefault("risk.max_notional", 0)
	v.SetDefault("risk.partial_exit_fraction", 0)
	v.SetDefault("risk.size_increment", 0.00000001)

	sig := signal.DefaultConfig()
	v.SetDefault("signal.weights_file", "")
	v.SetDefault("signal.min_history", sig.MinHistory)
	v.SetDefault("signal.short_window", sig.ShortWindow)
	v.SetDefault("signal.medium_window", sig.MediumWindow)
	v.SetDefault("signal.vol_window", sig.VolWindow)
	v.SetDefault("signal.buy_threshold", sig.BuyThreshold)
	v.SetDefault("signal.sell_threshold", sig.SellThreshold)
	v.SetDefault("signal.price_floor", sig.PriceFloor)
	v.SetDefault("signal.vol_floor", sig.VolFloor)

	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.dsn", "./data/autotrader.db")
	v.SetDefault("ledger.max_open_conns", 10)
	v.SetDefault("ledger.max_idle_conns", 5)
	v.SetDefault("ledger.conn_max_lifetime", "1h")
	v.SetDefault("ledger.log_level", "silent")
	v.SetDefault("ledger.write_attempts", 3)
	v.SetDefault("ledger.retry_interval", "10s")

	v.SetDefault("notifications.queue_size", 256)
	v.SetDefault("notifications.log", true)
	v.SetDefault("notifications.telegram_bot_token", "")
	v.SetDefault("notifications.telegram_chat_id", "")
	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("notifications.webhook_timeout", "5s")

	v.SetDefault("lease.enabled", false)
	v.SetDefault("lease.redis_addr", "localhost:6379")
	v.SetDefault("lease.redis_password", "")
	v.SetDefault("lease.redis_db", 0)
	v.SetDefault("lease.key", "")
	v.SetDefault("lease.ttl", "30s")
	v.SetDefault("lease.renew_interval", "10s")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.exchange_api_key", secretNames.ExchangeAPIKey)
	v.SetDefault("gcp.secret_names.exchange_api_secret", secretNames.ExchangeAPISecret)
	v.SetDefault("gcp.secret_names.exchange_passphrase", secretNames.ExchangePassphrase)
	v.SetDefault("gcp.secret_names.telegram_bot_token", secretNames.TelegramBotToken)
	v.SetDefault("gcp.secret_names.webhook_url", secretNames.WebhookURL)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("COINBASE_API_KEY"); apiKey != "" {
		config.Exchange.APIKey = apiKey
	}
	if apiSecret := os.Getenv("COINBASE_API_SECRET"); apiSecret != "" {
		config.Exchange.APISecret = apiSecret
	}
	if passphrase := os.Getenv("COINBASE_PASSPHRASE"); passphrase != "" {
		config.Exchange.Passphrase = passphrase
	}
	if authType := os.Getenv("COINBASE_AUTH_TYPE"); authType != "" {
		config.Exchange.AuthType = authType
	}

	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		config.Notifications.TelegramBotToken = token
	}
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		config.Notifications.TelegramChatID = chatID
	}
	if webhook := os.Getenv("WEBHOOK_URL"); webhook != "" {
		config.Notifications.WebhookURL = webhook
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		config.Lease.RedisAddr = addr
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

// loadSecretsFromGCP fills credentials that are not already set.
func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	applySecrets(ctx, config, secretManager)
	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

type secretResolver interface {
	Resolve(ctx context.Context, names secrets.SecretNames, fallback secrets.Resolved) secrets.Resolved
}

func applySecrets(ctx context.Context, config *Config, r secretResolver) {
	names := config.GCP.SecretNames
	// An empty name keeps the fallback, so values set in config or env win.
	if config.Exchange.APIKey != "" {
		names.ExchangeAPIKey = ""
	}
	if config.Exchange.APISecret != "" {
		names.ExchangeAPISecret = ""
	}
	if config.Exchange.Passphrase != "" {
		names.ExchangePassphrase = ""
	}
	if config.Notifications.TelegramBotToken != "" {
		names.TelegramBotToken = ""
	}
	if config.Notifications.WebhookURL != "" {
		names.WebhookURL = ""
	}

	resolved := r.Resolve(ctx, names, secrets.Resolved{
		ExchangeAPIKey:     config.Exchange.APIKey,
		ExchangeAPISecret:  config.Exchange.APISecret,
		ExchangePassphrase: config.Exchange.Passphrase,
		TelegramBotToken:   config.Notifications.TelegramBotToken,
		WebhookURL:         config.Notifications.WebhookURL,
	})
	config.Exchange.APIKey = resolved.ExchangeAPIKey
	config.Exchange.APISecret = resolved.ExchangeAPISecret
	config.Exchange.Passphrase = resolved.ExchangePassphrase
	config.Notifications.TelegramBotToken = resolved.TelegramBotToken
	config.Notifications.WebhookURL = resolved.WebhookURL
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Trading.Symbol == "" {
		errs = append(errs, errors.New("trading.symbol is required"))
	}
	if c.Trading.BaseAsset == "" || c.Trading.QuoteAsset == "" {
		errs = append(errs, errors.New("trading.base_asset and trading.quote_asset are required"))
	}
	if c.Trading.TickInterval <= 0 {
		errs = append(errs, errors.New("trading.tick_interval must be positive"))
	}
	if _, err := c.Trading.Boundary(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Risk.Rules().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("risk: %w", err))
	}
	if err := c.Signal.Model().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("signal: %w", err))
	}
	if err := c.Signal.Model().CheckCapacity(c.Trading.HistorySize); err != nil {
		errs = append(errs, fmt.Errorf("trading.history_size: %w", err))
	}
	switch strings.ToLower(c.Exchange.AuthType) {
	case "none":
		if !c.Trading.DryRun {
			errs = append(errs, errors.New("exchange.auth_type none only supports dry run"))
		}
	case "jwt", "legacy":
		if !c.Trading.DryRun && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
			errs = append(errs, errors.New("exchange credentials are required for live trading"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported exchange.auth_type %q", c.Exchange.AuthType))
	}
	if (c.Notifications.TelegramBotToken == "") != (c.Notifications.TelegramChatID == "") {
		errs = append(errs, errors.New("notifications.telegram_bot_token and telegram_chat_id must be set together"))
	}
	if c.Lease.TTL <= 0 || c.Lease.RenewInterval <= 0 {
		errs = append(errs, errors.New("lease.ttl and lease.renew_interval must be positive"))
	} else if c.Lease.Enabled && c.Lease.RenewInterval >= c.Lease.TTL {
		errs = append(errs, errors.New("lease.renew_interval must be shorter than lease.ttl"))
	}
	return errors.Join(errs...)
}

// LeaseKey defaults to one lease per symbol.
func (c *Config) LeaseKey() string {
	if c.Lease.Key != "" {
		return c.Lease.Key
	}
	return "autotrader:lease:" + c.Trading.Symbol
}
