// Package app aggregates configuration and shared dependencies for the CLI
// commands and runs the long-lived daemon.
package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/PedroDnT/delos-oracle/internal/alerting"
	"github.com/PedroDnT/delos-oracle/internal/anomaly"
	"github.com/PedroDnT/delos-oracle/internal/api"
	"github.com/PedroDnT/delos-oracle/internal/bcb"
	"github.com/PedroDnT/delos-oracle/internal/config"
	"github.com/PedroDnT/delos-oracle/internal/logging"
	"github.com/PedroDnT/delos-oracle/internal/oracle"
	"github.com/PedroDnT/delos-oracle/internal/pipeline"
	"github.com/PedroDnT/delos-oracle/internal/rate"
	"github.com/PedroDnT/delos-oracle/internal/scheduler"
	"github.com/PedroDnT/delos-oracle/internal/storage"
)

// Job identifiers used in the run audit trail.
const (
	JobDailySync   = "daily_sync"
	JobMonthlySync = "monthly_sync"
	JobStaleSweep  = "stale_sweep"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) newFetcher() *bcb.Client {
	return bcb.New(bcb.Options{
		BaseURL:   a.Config.BCB.BaseURL,
		Timeout:   a.Config.BCB.RequestTimeout,
		UserAgent: a.Config.BCB.UserAgent,
		Validate:  true,
	}, a.Logger)
}

func (a *App) newOracle() (*oracle.Client, error) {
	return oracle.New(oracle.Options{
		RPCURL:          a.Config.Oracle.RPCURL,
		ContractAddress: a.Config.Oracle.ContractAddress,
		PrivateKey:      a.Config.Oracle.PrivateKey,
		RequestTimeout:  a.Config.Oracle.RequestTimeout,
		ConfirmTimeout:  a.Config.Oracle.ConfirmTimeout,
	}, a.Logger)
}

func (a *App) newDetector() *anomaly.Detector {
	return anomaly.New(anomaly.Options{
		StdThreshold:      a.Config.Anomaly.StdThreshold,
		VelocityThreshold: a.Config.Anomaly.VelocityThreshold,
		MinHistorySize:    a.Config.Anomaly.MinHistorySize,
	})
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newPipeline(store *storage.Store, chain *oracle.Client, notifier alerting.Notifier) *pipeline.Pipeline {
	return pipeline.New(
		a.newFetcher(),
		chain,
		a.newDetector(),
		store, store, store,
		notifier,
		pipeline.Options{
			MaxRetries:     a.Config.BCB.MaxRetries,
			RetryBaseDelay: a.Config.BCB.RetryBaseDelay,
			RetryMaxDelay:  a.Config.BCB.RetryMaxDelay,
			LookbackDays:   a.Config.Anomaly.LookbackDays,
		},
		a.Logger,
	)
}

// Run executes the long-running sync daemon: scheduler plus HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	chain, err := a.newOracle()
	if err != nil {
		return err
	}
	defer chain.Close()

	notifier := a.newNotifier()
	pipe := a.newPipeline(store, chain, notifier)

	loc, err := time.LoadLocation(a.Config.Scheduler.Timezone)
	if err != nil {
		a.Logger.Warn().Err(err).Str("timezone", a.Config.Scheduler.Timezone).Msg("falling back to UTC")
		loc = time.UTC
	}

	schedCfg := a.Config.Scheduler
	sched := scheduler.New(scheduler.Options{
		Location: loc,
		Calendar: scheduler.NewBusinessCalendar(schedCfg.CalendarMIC, loc),
	}, store, a.Logger)

	sched.AddDailyJob(JobDailySync, schedCfg.DailyHour, schedCfg.DailyMinute, schedCfg.BusinessDaysOnly, schedCfg.DailyGrace,
		func(ctx context.Context, jobID string) error {
			_, err := pipe.UpdateRates(ctx, rate.Daily(), jobID)
			return err
		})
	sched.AddMonthlyJob(JobMonthlySync, schedCfg.MonthlyDay, schedCfg.MonthlyHour, schedCfg.MonthlyMinute, schedCfg.MonthlyGrace,
		func(ctx context.Context, jobID string) error {
			_, err := pipe.UpdateRates(ctx, rate.Monthly(), jobID)
			return err
		})
	sched.AddIntervalJob(JobStaleSweep, schedCfg.StaleSweepEvery,
		func(ctx context.Context, jobID string) error {
			_, err := pipe.StaleSweep(ctx)
			return err
		})

	errCh := make(chan error, 2)
	go func() {
		errCh <- sched.Run(ctx)
	}()

	if a.Config.API.Enabled {
		server := api.New(api.Options{
			ListenAddr:     a.Config.API.ListenAddr,
			AllowedOrigins: a.Config.API.AllowedOrigins,
			ReadTimeout:    a.Config.API.ReadTimeout,
			WriteTimeout:   a.Config.API.WriteTimeout,
		}, store, chain, a.newFetcher(), pipe, sched, a.Logger)
		go func() {
			errCh <- server.Run(ctx)
		}()
	}

	a.Logger.Info().Msg("oracle sync daemon started")
	err = <-errCh
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("daemon terminated with error")
		return err
	}

	a.Logger.Info().Msg("oracle sync daemon stopped")
	return nil
}

// SyncOptions configure a one-shot sync.
type SyncOptions struct {
	RateTypes []string
	DryRun    bool
}

// ExportOptions hold parameters for exporting historical observations.
type ExportOptions struct {
	RateType  string
	Days      int
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	RateType  string
	Limit     int
	Anomalies bool
	Runs      bool
}
