package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/waybank/config"
	"github.com/alejandrodnm/waybank/internal/adapters/connector"
	"github.com/alejandrodnm/waybank/internal/adapters/notify"
	"github.com/alejandrodnm/waybank/internal/adapters/onchain"
	"github.com/alejandrodnm/waybank/internal/adapters/pricing"
	"github.com/alejandrodnm/waybank/internal/adapters/storage"
	"github.com/alejandrodnm/waybank/internal/application/apr"
	"github.com/alejandrodnm/waybank/internal/application/reconcile"
	"github.com/alejandrodnm/waybank/internal/application/session"
	"github.com/alejandrodnm/waybank/internal/domain"
	"github.com/alejandrodnm/waybank/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one reconcile + apr pass and exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print full position table (default: compact)")
	wallet := flag.String("wallet", "", "wallet address to reconcile (default: custodial account)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("waybank starting",
		"config", *configPath,
		"reconcile_interval", cfg.ReconcileInterval(),
		"cron", cfg.Scheduler.Cron,
		"once", *once,
	)

	ledger, err := storage.NewSQLiteLedger(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open ledger", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer ledger.Close()

	pools := pricing.New(pricing.Config{
		BaseURL:           cfg.Pricing.BaseURL,
		Project:           cfg.Pricing.Project,
		CacheTTL:          cfg.PricingCacheTTL(),
		RequestsPerMinute: cfg.Pricing.RequestsPerMinute,
	})

	chain, err := onchain.New(onchain.Config{
		SubgraphURL:     cfg.Reconciler.SubgraphURL,
		Network:         cfg.Reconciler.Network,
		RPCURL:          cfg.Reconciler.RPCURL,
		PositionManager: cfg.Reconciler.PositionManager,
	}, ledger)
	if err != nil {
		slog.Error("failed to init chain source", "err", err)
		os.Exit(1)
	}
	defer chain.Close()

	console := notify.NewConsole(*table)
	var notifier ports.Notifier = console
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Notify.WebhookURL)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	manager := session.NewManager(session.Config{ConnectTimeout: cfg.ConnectTimeout()})
	registerConnectors(manager, cfg)
	go manager.Run(ctx)

	address := *wallet
	if address == "" {
		address = connectCustodial(ctx, manager)
	}
	if address == "" {
		slog.Error("no wallet to reconcile: pass -wallet or configure the custodial key")
		os.Exit(1)
	}

	reconciler := reconcile.New(ledger, chain)

	scheduler := apr.New(ledger, pools, notifier, reconciler, apr.Config{
		CronSpec:             cfg.Scheduler.Cron,
		AlertAfterFailures:   cfg.Scheduler.AlertAfterFailures,
		TimeframeAdjustments: toDecimalMap(cfg.Scheduler.TimeframeAdjustments),
	})

	if *once {
		runOnce(ctx, reconciler, scheduler, console, address)
		return
	}

	if err := scheduler.Start(); err != nil {
		slog.Error("failed to start apr scheduler", "err", err)
		os.Exit(1)
	}
	defer scheduler.Stop()

	runLoop(ctx, reconciler, console, address, cfg.ReconcileInterval())
	slog.Info("waybank stopped cleanly")
}

// registerConnectors registra los conectores que la configuración permite.
// Los de navegador no aplican en el binario de servidor; aquí viven el
// custodial y WalletConnect.
func registerConnectors(manager *session.Manager, cfg *config.Config) {
	if key := cfg.CustodialKey(); key != "" {
		cust, err := connector.NewCustodial(connector.CustodialConfig{
			PrivateKeyHex:  key,
			DefaultChainID: cfg.Wallet.DefaultChainID,
			RPCByChain:     cfg.Wallet.RPCByChain,
		})
		if err != nil {
			slog.Error("invalid custodial key", "err", err)
			os.Exit(1)
		}
		manager.Register(cust)
	}

	if cfg.Wallet.WalletConnect.RelayURL != "" {
		manager.Register(connector.NewWalletConnect(connector.WalletConnectConfig{
			RelayURL:  cfg.Wallet.WalletConnect.RelayURL,
			ProjectID: cfg.Wallet.WalletConnect.ProjectID,
		}, manager.Events()))
	}
}

// connectCustodial intenta abrir sesión con la clave custodiada y devuelve
// la dirección conectada, o cadena vacía si el conector no está disponible.
func connectCustodial(ctx context.Context, manager *session.Manager) string {
	sess, err := manager.Connect(ctx, domain.KindCustodial)
	if err != nil {
		if !errors.Is(err, domain.ErrProviderUnavailable) {
			slog.Warn("custodial connect failed", "err", err)
		}
		return ""
	}
	return sess.Address
}

// runOnce ejecuta una reconciliación y una pasada de APR y termina.
func runOnce(ctx context.Context, reconciler *reconcile.Reconciler, scheduler *apr.Scheduler, console *notify.Console, address string) {
	res, err := reconciler.Reconcile(ctx, address)
	if err != nil {
		slog.Error("reconcile failed", "err", err)
		os.Exit(1)
	}
	console.PrintPositions(res.Positions, res.Orphans, res.Partial)

	summary, err := scheduler.TriggerManualRun(ctx)
	if err != nil {
		slog.Error("apr run failed", "err", err)
		os.Exit(1)
	}
	console.PrintRunSummary(summary)
}

// runLoop reconcilia periódicamente hasta que llega la señal de parada.
func runLoop(ctx context.Context, reconciler *reconcile.Reconciler, console *notify.Console, address string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reconcileAndPrint(ctx, reconciler, console, address)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reconcileAndPrint(ctx, reconciler, console, address)
		}
	}
}

func reconcileAndPrint(ctx context.Context, reconciler *reconcile.Reconciler, console *notify.Console, address string) {
	res, err := reconciler.Reconcile(ctx, address)
	if err != nil {
		slog.Error("reconcile failed", "err", err)
		return
	}
	console.PrintPositions(res.Positions, res.Orphans, res.Partial)
}

func toDecimalMap(in map[int]float64) map[int]decimal.Decimal {
	if len(in) == 0 {
		return nil
	}
	out := make(map[int]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = decimal.NewFromFloat(v)
	}
	return out
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
