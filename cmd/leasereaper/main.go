package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sashakarcz/leasereaper/internal/api"
	"github.com/sashakarcz/leasereaper/internal/config"
	"github.com/sashakarcz/leasereaper/internal/discovery"
	"github.com/sashakarcz/leasereaper/internal/events"
	"github.com/sashakarcz/leasereaper/internal/logger"
	"github.com/sashakarcz/leasereaper/internal/metrics"
	"github.com/sashakarcz/leasereaper/internal/netio"
	"github.com/sashakarcz/leasereaper/internal/notify"
	"github.com/sashakarcz/leasereaper/internal/oui"
	"github.com/sashakarcz/leasereaper/internal/policy"
	"github.com/sashakarcz/leasereaper/internal/probe"
	"github.com/sashakarcz/leasereaper/internal/release"
	"github.com/sashakarcz/leasereaper/internal/scheduler"
	"github.com/sashakarcz/leasereaper/internal/storage"
)

const version = "1.0.0"

const banner = `
  _                      ___
 | |   ___ __ _ ___ ___ | _ \___ __ _ _ __  ___ _ _
 | |__/ -_) _' (_-</ -_)|   / -_) _' | '_ \/ -_) '_|
 |____\___\__,_/__/\___||_|_\___\__,_| .__/\___|_|
                                     |_|
  DHCP lease automation engine
  Version: ` + version + `
`

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "leasereaper",
		Short:         "Discover LAN devices and release stale DHCP leases",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "leasereaper.yaml", "Path to configuration file")

	root.AddCommand(
		newRunCmd(),
		newMigrateCmd(),
		newReleaseCmd(),
		newExcludeCmd(),
		newPingCmd(),
		newDevicesCmd(),
		newLogsCmd(),
		newStatsCmd(),
		newClearCmd(),
		newSettingsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration, configures logging and opens a migrated store
func bootstrap(ctx context.Context) (*config.Config, *storage.Store, error) {
	cfg, err := config.LoadOrDefault(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Setup(logger.Config{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	}); err != nil {
		return nil, nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	if err := storage.EnsureDatabase(ctx, cfg.Database.Driver, cfg.Database.Connection); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	store, err := storage.New(ctx, storage.Config{
		Driver:           cfg.Database.Driver,
		ConnectionString: cfg.Database.Connection,
		MaxConnections:   cfg.Database.MaxConnections,
		MinConnections:   cfg.Database.MinConnections,
		ConnectTimeout:   cfg.Database.ConnectTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return cfg, store, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the discovery and release engine until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runEngine,
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Println("Database schema is up to date")
			return nil
		},
	}
}

func runEngine(cmd *cobra.Command, _ []string) error {
	fmt.Print(banner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, store, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	logger.Info().
		Str("config", configFile).
		Str("driver", store.Driver()).
		Msg("Starting lease automation engine")

	m := metrics.New()

	broadcaster := events.NewBroadcaster()
	broadcaster.Start(ctx)

	var apiServer *api.Server
	if cfg.Observability.MetricsEnabled {
		apiServer = api.New(api.Config{
			Port:        cfg.Observability.MetricsPort,
			MetricsPath: cfg.Observability.MetricsPath,
		}, store, broadcaster)
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	var publisher *notify.Publisher
	if cfg.MQTT.Enabled {
		publisher, err = notify.Connect(cfg.MQTT)
		if err != nil {
			// events still reach the other sinks
			logger.Warn().Err(err).Msg("MQTT publishing disabled")
		} else {
			go publisher.Run(ctx, broadcaster.Subscribe(100))
		}
	}

	vendors, err := oui.Open(cfg.OUI.File)
	if err != nil {
		return fmt.Errorf("failed to load vendor table: %w", err)
	}
	logger.Info().Int("prefixes", vendors.Len()).Msg("Vendor table loaded")
	go func() {
		if err := vendors.Watch(ctx); err != nil {
			logger.Warn().Err(err).Msg("Vendor file watcher stopped")
		}
	}()

	sweeper := discovery.NewSweeper(vendors, nil, cfg.Engine.SweepTimeout)
	actuator := release.New(netio.Injector{}, store)
	engine := policy.New(store, actuator,
		policy.WithProber(probe.New(cfg.Engine.ProbeTimeout, cfg.Engine.ProbePrivileged)),
		policy.WithPause(cfg.Engine.ReleasePause),
		policy.WithMetrics(m),
		policy.WithEvents(broadcaster),
	)

	newCapture := func(iface string) scheduler.CaptureTask {
		return discovery.NewCapture(iface, store, vendors,
			discovery.WithSightingHook(func(sg storage.Sighting, created bool) {
				m.RecordPassiveSighting(created)
				if created {
					broadcaster.PublishDevice(events.EventDeviceDiscovered, sg.MAC, sg.IP, map[string]any{
						"source": string(sg.SeenBy),
						"vendor": sg.Vendor,
					})
				}
			}),
		)
	}

	sched := scheduler.New(store, sweeper, engine, newCapture,
		scheduler.WithMetrics(m),
		scheduler.WithEvents(broadcaster),
		scheduler.WithCaptureStopTimeout(cfg.Engine.CaptureStopTimeout),
	)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info().
		Str("signal", sig.String()).
		Msg("Received shutdown signal, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer shutdownCancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		// the store must stay open until the final flush lands
		logger.Error().Err(err).Msg("Error stopping scheduler, waiting for shutdown to finish")
		<-sched.Done()
	}
	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping API server")
		}
	}

	cancel()
	if publisher != nil {
		publisher.Close()
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}
