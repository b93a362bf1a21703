package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gregtusar/autotrader/api"
	"github.com/gregtusar/autotrader/internal/config"
	"github.com/gregtusar/autotrader/pkg/clock"
	"github.com/gregtusar/autotrader/pkg/coinbase"
	"github.com/gregtusar/autotrader/pkg/lease"
	"github.com/gregtusar/autotrader/pkg/ledger"
	"github.com/gregtusar/autotrader/pkg/market"
	"github.com/gregtusar/autotrader/pkg/notify"
	sigmodel "github.com/gregtusar/autotrader/pkg/signal"
	"github.com/gregtusar/autotrader/pkg/trader"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	dryRun  bool
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "autotrader",
		Short: "Autonomous single-symbol trading engine",
		Long:  `Observes one market, scores it with a logistic signal model, applies risk rules and executes market orders on Coinbase Advanced Trade.`,
		RunE:  runTrader,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading engine",
		RunE:  runTrader,
	}
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate fills instead of sending orders")
	rootCmd.Flags().AddFlagSet(runCmd.Flags())

	var days int
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print daily statistics from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStats(cmd.OutOrStdout(), days)
		},
	}
	statsCmd.Flags().IntVar(&days, "days", 1, "number of trading days to summarise")

	var limit int
	tradesCmd := &cobra.Command{
		Use:   "trades",
		Short: "Print recent trades from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printTrades(cmd.OutOrStdout(), limit)
		},
	}
	tradesCmd.Flags().IntVar(&limit, "limit", 20, "number of trades to show")

	rootCmd.AddCommand(runCmd, statsCmd, tradesCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LoggingConfig) (*logrus.Logger, func()) {
	l := logrus.New()
	if cfg.Format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		l.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if cfg.File == "" {
		return l, func() {}
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.WithError(err).Error("Failed to open log file, logging to stdout only")
		return l, func() {}
	}
	l.SetOutput(io.MultiWriter(os.Stdout, f))
	return l, func() { f.Close() }
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cmd != nil && cmd.Flags().Changed("dry-run") {
		cfg.Trading.DryRun = dryRun
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openLedger(cfg *config.Config, l *logrus.Logger) (*ledger.Ledger, clock.DailyBoundary, error) {
	boundary, err := cfg.Trading.Boundary()
	if err != nil {
		return nil, boundary, err
	}
	store, err := ledger.Open(ledger.Config{
		Driver:          cfg.Ledger.Driver,
		DSN:             cfg.Ledger.DSN,
		MaxOpenConns:    cfg.Ledger.MaxOpenConns,
		MaxIdleConns:    cfg.Ledger.MaxIdleConns,
		ConnMaxLifetime: cfg.Ledger.ConnMaxLifetime,
		LogLevel:        cfg.Ledger.LogLevel,
	}, boundary, l)
	return store, boundary, err
}

func runTrader(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var closeLog func()
	logger, closeLog = setupLogger(cfg.Logging)
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, boundary, err := openLedger(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to open ledger")
		return err
	}
	defer store.Close()

	writer := ledger.NewWriter(store, logger,
		ledger.WithRetry(cfg.Ledger.WriteAttempts, 200*time.Millisecond, 5*time.Second),
		ledger.WithRetryInterval(cfg.Ledger.RetryInterval),
	)

	dispatcher, err := newDispatcher(cfg.Notifications)
	if err != nil {
		logger.WithError(err).Error("Failed to configure notifications")
		return err
	}

	client, err := coinbase.NewClient(coinbase.Config{
		BaseURL: cfg.Exchange.BaseURL,
		Credentials: coinbase.Credentials{
			AuthType:   coinbase.AuthType(cfg.Exchange.AuthType),
			APIKey:     cfg.Exchange.APIKey,
			APISecret:  cfg.Exchange.APISecret,
			Passphrase: cfg.Exchange.Passphrase,
		},
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		Burst:             cfg.Exchange.Burst,
		Timeout:           cfg.Exchange.Timeout,
		FillPollInterval:  cfg.Exchange.FillPollInterval,
		FillTimeout:       cfg.Exchange.FillTimeout,
		BookDepth:         cfg.Exchange.BookDepth,
		TradeLimit:        cfg.Exchange.TradeLimit,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create exchange client")
		return err
	}

	if cfg.Exchange.WebSocketURL != "" {
		stream := coinbase.NewTradeStream(cfg.Exchange.WebSocketURL, []string{cfg.Trading.Symbol}, cfg.Exchange.FlowWindow, logger)
		client.AttachTradeStream(stream)
		go stream.Run(ctx)
	}

	builder := market.NewBuilder(client,
		market.WithTimeout(cfg.Exchange.SnapshotTimeout),
		market.WithDepth(cfg.Exchange.BookDepth),
		market.WithFlowWindow(cfg.Exchange.FlowWindow),
		market.WithLogger(logger),
	)

	weights := sigmodel.DefaultWeights()
	if cfg.Signal.WeightsFile != "" {
		weights, err = sigmodel.LoadWeights(cfg.Signal.WeightsFile)
		if err != nil {
			logger.WithError(err).Error("Failed to load signal weights")
			return err
		}
	}

	engine, err := trader.New(trader.Deps{
		Exchange: client,
		Builder:  builder,
		Model:    sigmodel.NewModel(cfg.Signal.Model(), weights),
		Ledger:   store,
		Writer:   writer,
		Notifier: dispatcher,
		Logger:   logger,
	}, trader.Config{
		Symbol:                 cfg.Trading.Symbol,
		BaseAsset:              cfg.Trading.BaseAsset,
		QuoteAsset:             cfg.Trading.QuoteAsset,
		TickInterval:           cfg.Trading.TickInterval,
		DryRun:                 cfg.Trading.DryRun,
		DryRunBalance:          cfg.Trading.DryRunBalance,
		MaxConsecutiveFailures: cfg.Trading.MaxConsecutiveFailures,
		HistorySize:            cfg.Trading.HistorySize,
		Risk:                   cfg.Risk.Rules(),
		Boundary:               boundary,
		RetryAttempts:          cfg.Trading.RetryAttempts,
		RetryBaseDelay:         cfg.Trading.RetryBaseDelay,
		RetryMaxDelay:          cfg.Trading.RetryMaxDelay,
		OrderTimeout:           cfg.Trading.OrderTimeout,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to create trading engine")
		return err
	}

	lock, err := acquireLease(ctx, cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to acquire trading lease")
		return err
	}
	leaseLost := make(chan error, 1)
	if cfg.Lease.Enabled {
		go lease.Keep(ctx, lock, cfg.Lease.RenewInterval, logger, func(err error) {
			leaseLost <- err
		})
	}

	if err := engine.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start trading engine")
		return err
	}

	var server *api.Server
	if cfg.Server.Enabled {
		server = api.NewServer(engine, store, logger, api.Addr(cfg.Server.Host, cfg.Server.Port))
		go func() {
			if err := server.Start(); err != nil {
				logger.WithError(err).Error("API server failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.WithFields(logrus.Fields{
		"symbol":  cfg.Trading.Symbol,
		"dry_run": cfg.Trading.DryRun,
	}).Info("Autotrader is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case err := <-leaseLost:
		logger.WithError(err).Error("Trading lease lost, shutting down")
		dispatcher.NotifyError(notify.SeverityCritical, fmt.Sprintf("Trading lease for %s lost, engine stopping: %v", cfg.Trading.Symbol, err))
	}

	shutdown(engine, server, writer, dispatcher, lock)
	cancel()

	logger.Info("Autotrader stopped")
	return nil
}

func newDispatcher(cfg config.NotificationsConfig) (*notify.Dispatcher, error) {
	var channels []notify.Channel
	if cfg.Log {
		channels = append(channels, notify.NewLogChannel(logger))
	}
	if cfg.TelegramBotToken != "" {
		tg, err := notify.NewTelegramChannel(cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			return nil, err
		}
		channels = append(channels, tg)
	}
	if cfg.WebhookURL != "" {
		wh, err := notify.NewWebhookChannel(cfg.WebhookURL, cfg.WebhookTimeout)
		if err != nil {
			return nil, err
		}
		channels = append(channels, wh)
	}
	return notify.NewDispatcher(logger, channels, notify.WithQueueSize(cfg.QueueSize)), nil
}

func acquireLease(ctx context.Context, cfg *config.Config) (lease.Lease, error) {
	if !cfg.Lease.Enabled {
		return lease.Nop{}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Lease.RedisAddr,
		Password: cfg.Lease.RedisPassword,
		DB:       cfg.Lease.RedisDB,
	})
	l := lease.NewRedisLease(rdb, cfg.LeaseKey(), cfg.Lease.TTL)
	if err := l.Acquire(ctx); err != nil {
		rdb.Close()
		return nil, err
	}
	logger.WithField("key", cfg.LeaseKey()).Info("Trading lease acquired")
	return l, nil
}

// shutdown stops the engine first so no new trade is produced, then drains
// what it already produced.
func shutdown(engine *trader.Engine, server *api.Server, writer *ledger.Writer, dispatcher *notify.Dispatcher, lock lease.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := engine.Stop(); err != nil && !errors.Is(err, trader.ErrInvalidTransition) {
		logger.WithError(err).Error("Failed to stop engine")
	}
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			logger.WithError(err).Error("Failed to shut down API server")
		}
	}
	if err := writer.Close(ctx); err != nil {
		logger.WithError(err).Error("Trade records left unpersisted at shutdown")
	}
	if err := dispatcher.Close(ctx); err != nil {
		logger.WithError(err).Warn("Notifications left undelivered at shutdown")
	}
	if err := lock.Release(ctx); err != nil {
		logger.WithError(err).Warn("Failed to release trading lease")
	}
}

func cliLedger() (*config.Config, *ledger.Ledger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger = logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	store, _, err := openLedger(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func printStats(out io.Writer, days int) error {
	cfg, store, err := cliLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	today, err := store.TodayStats(ctx, now)
	if err != nil {
		return err
	}
	if days < 1 {
		days = 1
	}
	since := today.Day.AddDate(0, 0, -(days - 1))
	summary, err := store.Summary(ctx, since, false)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Symbol\t%s\n", cfg.Trading.Symbol)
	fmt.Fprintf(tw, "Trading day\t%s\n", today.Day.Format(time.RFC3339))
	fmt.Fprintf(tw, "Trades today\t%d\n", today.TradesToday)
	fmt.Fprintf(tw, "Realized PnL today\t%.2f\n", today.DailyRealizedPnL)
	fmt.Fprintf(tw, "Consecutive losses\t%d\n", today.ConsecutiveLosses)
	fmt.Fprintf(tw, "\t\n")
	fmt.Fprintf(tw, "Since\t%s\n", since.Format(time.RFC3339))
	fmt.Fprintf(tw, "Trades\t%d (%d buys, %d sells)\n", summary.Trades, summary.Buys, summary.Sells)
	fmt.Fprintf(tw, "Volume\t%.2f\n", summary.Volume)
	fmt.Fprintf(tw, "Realized PnL\t%.2f\n", summary.RealizedPnL)
	fmt.Fprintf(tw, "Win rate\t%.1f%%\n", summary.WinRate)
	return tw.Flush()
}

func printTrades(out io.Writer, limit int) error {
	_, store, err := cliLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	trades, err := store.RecentTrades(context.Background(), limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EXECUTED\tSIDE\tSIZE\tPRICE\tPNL\tMODE\tDRY RUN\tID")
	for _, t := range trades {
		pnl := "-"
		if t.PnL != nil {
			pnl = fmt.Sprintf("%.2f", *t.PnL)
		}
		fmt.Fprintf(tw, "%s\t%s\t%.8f\t%.2f\t%s\t%s\t%t\t%s\n",
			t.ExecutedAt.Local().Format("2006-01-02 15:04:05"), t.Side, t.Size, t.Price, pnl, t.Mode, t.DryRun, t.ID)
	}
	return tw.Flush()
}
