package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trondeal/admin"
	"trondeal/alerts"
	"trondeal/config"
	"trondeal/crypto"
	"trondeal/energy"
	"trondeal/monitor"
	"trondeal/native/deal"
	"trondeal/native/dispute"
	"trondeal/notify"
	"trondeal/observability"
	"trondeal/observability/logging"
	"trondeal/payout"
	"trondeal/pricefeed"
	"trondeal/storage"
	"trondeal/tron"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "trondeald: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "trondeal.toml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger := logging.Setup("trondeald", cfg.Log)

	arbiterKey, err := crypto.PrivateKeyFromHex(cfg.Wallets.ArbiterKeyHex)
	if err != nil {
		return fmt.Errorf("load arbiter key: %w", err)
	}
	fundingKey, err := crypto.PrivateKeyFromHex(cfg.Wallets.FundingKeyHex)
	if err != nil {
		return fmt.Errorf("load funding key: %w", err)
	}
	commissionAddr, err := crypto.DecodeAddress(cfg.Wallets.CommissionAddress)
	if err != nil {
		return fmt.Errorf("decode commission address: %w", err)
	}
	usdtContract, err := crypto.DecodeAddress(cfg.Node.USDTContract)
	if err != nil {
		return fmt.Errorf("decode usdt contract: %w", err)
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	metrics := observability.NewMetrics()
	alertSvc := alerts.NewService(logger)
	alertSvc.SetOnAlert(func(severity alerts.Severity) {
		metrics.AlertsRaised.WithLabelValues(string(severity)).Inc()
	})

	breaker := tron.NewBreaker(tron.BreakerConfig{
		Service: "tron-node",
		OnStateChange: func(service string, from, to tron.BreakerState) {
			metrics.ObserveBreaker(service, string(to))
			if to == tron.BreakerOpen {
				alertSvc.Alert(alerts.SeverityCritical, "breaker", "node circuit breaker opened", map[string]any{"service": service})
			}
		},
	})
	client := tron.NewClient(tron.ClientConfig{
		BaseURL:       cfg.Node.URL,
		APIKey:        cfg.Node.APIKey,
		USDTContract:  usdtContract,
		RatePerSecond: cfg.Node.RatePerSecond,
	}, breaker)

	prices := pricefeed.NewFeed(&pricefeed.HTTPSource{URL: cfg.PriceFeed.URL}, cfg.PriceTTL())

	var rental energy.Provider = energy.Disabled{}
	if cfg.Energy.Enabled {
		rental = energy.NewClient(energy.ClientConfig{
			BaseURL:  cfg.Energy.URL,
			APIKey:   cfg.Energy.APIKey,
			Duration: cfg.Energy.DurationHours,
		})
	}

	var notifier notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Token)
	} else {
		logger.Warn("no notify webhook configured, messages go to the log")
		notifier = &notify.LogNotifier{Logger: logger}
	}

	dealEngine := deal.NewEngine(store, arbiterKey.Address())
	disputeEngine := dispute.NewEngine(store)
	funder := payout.NewFundingWallet(fundingKey, client)

	pipeline := payout.NewPipeline(payout.Config{
		CommissionWallet: commissionAddr,
		FallbackSun:      big.NewInt(cfg.Payout.FallbackTRX * deal.Sun),
		SweepReserveSun:  big.NewInt(cfg.Payout.SweepReserveTRX * deal.Sun),
	}, store, client, funder, rental, prices, dealEngine, disputeEngine, notifier, alertSvc, arbiterKey, logger)

	depositMon := monitor.NewDepositMonitor(monitor.DepositConfig{
		Interval:      cfg.DepositInterval(),
		BatchPause:    cfg.BatchPause(),
		BatchSize:     cfg.Monitors.BatchSize,
		ActivationSun: big.NewInt(cfg.Monitors.ActivationTRX * deal.Sun),
		OnSweep:       func() { metrics.MonitorSweeps.WithLabelValues("deposit").Inc() },
		OnDeposit:     func() { metrics.DepositsDetected.Inc() },
	}, store, client, funder, dealEngine, notifier, alertSvc, logger)

	deadlineMon := monitor.NewDeadlineMonitor(monitor.DeadlineConfig{
		Interval:   cfg.DeadlineInterval(),
		Grace:      cfg.GracePeriod(),
		BatchPause: cfg.BatchPause(),
		BatchSize:  cfg.Monitors.BatchSize,
		OnSweep:    func() { metrics.MonitorSweeps.WithLabelValues("deadline").Inc() },
	}, store, store, notifier, logger)

	janitor := monitor.NewSessionJanitor(store, time.Hour, logger)

	runner := &payoutRunner{
		validator: payout.NewKeyValidator(store, store, notifier, logger),
		pipeline:  pipeline,
		deadlines: deadlineMon,
		notifier:  notifier,
		metrics:   metrics,
		logger:    logger.With("component", "payout-runner"),
	}

	adminServer := admin.NewServer(admin.Config{
		Token:    cfg.Admin.Token,
		Store:    store,
		Sessions: store,
		Deals:    dealEngine,
		Disputes: disputeEngine,
		Notifier: notifier,
		Messages: runner,
		Alerts:   alertSvc,
		Breaker:  breaker,
		Registry: metrics.Registry,
		Logger:   logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.Admin.ListenAddress,
		Handler:      adminServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go depositMon.Run(stopCtx)
	go deadlineMon.Run(stopCtx)
	go janitor.Run(stopCtx)

	errs := make(chan error, 1)
	go func() {
		logger.Info("admin api listening", "addr", cfg.Admin.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// payoutRunner ties key validation to the payout pipeline. Inbound chat
// messages arrive via the admin relay endpoint; a validated key kicks off
// the payout in the background so the relay call returns immediately.
type payoutRunner struct {
	validator *payout.KeyValidator
	pipeline  *payout.Pipeline
	deadlines *monitor.DeadlineMonitor
	notifier  notify.Notifier
	metrics   *observability.Metrics
	logger    *slog.Logger
}

func (r *payoutRunner) HandleMessage(ctx context.Context, userID int64, text string) (bool, error) {
	v, err := r.validator.HandleMessage(ctx, userID, text)
	if err != nil {
		switch {
		case errors.Is(err, payout.ErrNoSession):
			return false, nil
		case errors.Is(err, payout.ErrKeyMismatch):
			notice := "That key does not control your payout address. Check it and send it again."
			if nerr := r.notifier.SendNotification(ctx, userID, notice); nerr != nil {
				r.logger.Warn("retry notice failed", "user", userID, "error", nerr)
			}
			return true, nil
		case errors.Is(err, payout.ErrTooManyAttempts):
			return true, nil
		}
		return false, err
	}
	go r.runPayout(v)
	return true, nil
}

func (r *payoutRunner) runPayout(v *payout.Validated) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	defer r.deadlines.Release(v.Deal.ID)

	kind := string(v.Kind)
	outcome, err := r.pipeline.Run(ctx, v)
	if err != nil {
		r.metrics.PayoutRuns.WithLabelValues(kind, "failed").Inc()
		r.logger.Error("payout failed", "deal", v.Deal.ID, "kind", kind, "error", err)
		return
	}
	r.metrics.PayoutRuns.WithLabelValues(kind, "completed").Inc()
	if outcome.Costs != nil && outcome.Costs.NetTRX != nil {
		trx, _ := new(big.Float).Quo(new(big.Float).SetInt(outcome.Costs.NetTRX), big.NewFloat(float64(deal.Sun))).Float64()
		r.metrics.PayoutNetTRX.Observe(trx)
	}
	r.logger.Info("payout completed", "deal", v.Deal.ID, "kind", kind, "status", string(outcome.TerminalStatus))
}
