package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"quota-watch/internal/alerting"
	"quota-watch/internal/analytics"
	"quota-watch/internal/breaker"
	"quota-watch/internal/config"
	"quota-watch/internal/descriptor"
	"quota-watch/internal/fetcher"
	"quota-watch/internal/resetdetect"
	"quota-watch/internal/scheduler"
	"quota-watch/internal/server"
	"quota-watch/internal/service"
	"quota-watch/internal/storage"
)

// descriptorRefresh is how often the descriptor's recent errors are rewritten.
const descriptorRefresh = 30 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (storage.Store, error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	return store, nil
}

func (a *App) newAlerts() (*alerting.Dispatcher, error) {
	return alerting.FromConfig(a.Config.Alerting, a.Logger)
}

func (a *App) newRegistry() *fetcher.Registry {
	return fetcher.DefaultRegistry(a.Config.Scheduler.FetchTimeout, a.Logger)
}

// newOrchestrator wires the refresh pipeline. sched may be nil for one-shot commands.
func (a *App) newOrchestrator(store storage.Store, sched *scheduler.Scheduler, adapters *fetcher.Registry) (*service.Orchestrator, error) {
	alerts, err := a.newAlerts()
	if err != nil {
		return nil, err
	}
	var sink service.AlertSink
	if alerts.Enabled() {
		sink = alerts
	} else if a.Config.Alerting.Enabled {
		a.Logger.Warn().Msg("alerting enabled but no sink configured")
	}

	cfg := a.Config
	return service.New(service.OptionsFromConfig(cfg), service.Deps{
		Store:    store,
		Adapters: adapters,
		Breaker: breaker.New(breaker.Options{
			Threshold:    cfg.Breaker.Threshold,
			BaseBackoff:  cfg.Breaker.BaseBackoff,
			MaxBackoff:   cfg.Breaker.MaxBackoff,
			MaxDoublings: cfg.Breaker.MaxDoublings,
		}, a.Logger),
		Detector: resetdetect.New(store, resetdetect.Options{
			QuotaHighPct:   cfg.Reset.QuotaHighPct,
			QuotaDropRatio: cfg.Reset.QuotaDropRatio,
			UsageDropRatio: cfg.Reset.UsageDropRatio,
			ScheduleSlack:  cfg.Reset.ScheduleSlack,
		}, a.Logger),
		Alerts:    sink,
		Scheduler: sched,
		Logger:    a.Logger,
	})
}

func (a *App) newEngine(store storage.Store) *analytics.Engine {
	return analytics.New(store, analytics.Options{
		AnomalyMultiplier: a.Config.Analytics.AnomalyMultiplier,
		MinSamples:        a.Config.Analytics.MinSamples,
	}, a.Logger)
}

func (a *App) descriptorPath() string {
	if a.Config.Server.DescriptorPath != "" {
		return a.Config.Server.DescriptorPath
	}
	return descriptor.DefaultPath()
}

// Run executes the long-running polling service and its query API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	adapters := a.newRegistry()
	orch, err := a.newOrchestrator(store, sched, adapters)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })

	if a.Config.Server.Enabled {
		srvCfg := a.Config.Server
		ln, port, err := server.Listen(srvCfg.Host, srvCfg.Port, srvCfg.PortAttempts, a.Logger)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		startedAt := time.Now().UTC()
		api := server.New(server.Options{
			DatabasePath:         a.Config.Database.Path,
			Debug:                a.Config.App.Debug,
			StartedAt:            startedAt,
			DefaultLookbackHours: a.Config.Analytics.DefaultLookbackHours,
			DefaultMaxSamples:    a.Config.Analytics.DefaultMaxSamples,
			RefreshInterval:      sched.Interval(),
			SourceCount:          len(a.Config.Sources) + len(a.Config.SystemSources),
			Adapters:             adapters.Names(),
		}, orch, a.newEngine(store), store, a.Logger)

		path := a.descriptorPath()
		desc := descriptor.Descriptor{Port: port, StartedAt: startedAt, PID: os.Getpid(), Debug: a.Config.App.Debug}
		if err := descriptor.Write(path, desc); err != nil {
			a.Logger.Warn().Err(err).Str("path", path).Msg("failed to write descriptor")
		} else {
			a.Logger.Info().Str("path", path).Int("port", port).Msg("descriptor written")
		}
		defer func() {
			if err := descriptor.Remove(path, desc.PID); err != nil {
				a.Logger.Warn().Err(err).Msg("failed to remove descriptor")
			}
		}()

		g.Go(func() error { return api.Serve(gctx, ln) })
		g.Go(func() error { return a.publishDescriptor(gctx, path, desc, orch.Telemetry()) })
	}

	a.Logger.Info().
		Int("sources", len(a.Config.Sources)).
		Int("system_sources", len(a.Config.SystemSources)).
		Strs("adapters", adapters.Names()).
		Dur("interval", sched.Interval()).
		Msg("starting polling service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("polling service stopped")
	return nil
}

// publishDescriptor keeps the descriptor's recent errors current.
func (a *App) publishDescriptor(ctx context.Context, path string, desc descriptor.Descriptor, telemetry *service.Telemetry) error {
	ticker := time.NewTicker(descriptorRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			desc.RecentErrors = telemetry.RecentErrors()
			if err := descriptor.Write(path, desc); err != nil {
				a.Logger.Warn().Err(err).Msg("failed to refresh descriptor")
			}
		}
	}
}

// RefreshOptions configure the refresh command.
type RefreshOptions struct {
	Force         bool
	SourceIDs     []string
	BypassBreaker bool
	Only          bool
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	SourceID  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	All bool
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	SourceID string
	Hours    int
	Limit    int
}

// AnalyticsOptions configure the analytics commands.
type AnalyticsOptions struct {
	SourceIDs     []string
	LookbackHours int
	MaxSamples    int
}
