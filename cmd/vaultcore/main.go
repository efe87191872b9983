package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/relves/vaultcore/internal/storage"
	"github.com/relves/vaultcore/internal/storage/memory"
	"github.com/relves/vaultcore/internal/storage/sqlite"
	"github.com/relves/vaultcore/pkg/clock"
	"github.com/relves/vaultcore/pkg/consensus"
	"github.com/relves/vaultcore/pkg/evidence"
	"github.com/relves/vaultcore/pkg/guardian"
	"github.com/relves/vaultcore/pkg/notify"
	"github.com/relves/vaultcore/pkg/release"
	"github.com/relves/vaultcore/pkg/sweep"
	"github.com/relves/vaultcore/pkg/vault"
)

var version = "dev"

type options struct {
	dataPath      string
	backend       string
	logLevel      string
	sweepInterval time.Duration
	workers       int
	sourceTimeout time.Duration
}

func defaultOptions() options {
	return options{
		dataPath:      getEnv("VAULTCORE_DATA_PATH", "./data"),
		backend:       getEnv("VAULTCORE_BACKEND", "sqlite"),
		logLevel:      getEnv("VAULTCORE_LOG_LEVEL", "info"),
		sweepInterval: 5 * time.Minute,
		workers:       8,
		sourceTimeout: 10 * time.Second,
	}
}

func (o *options) bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.dataPath, "data-path", o.dataPath, "directory for durable state")
	fs.StringVar(&o.backend, "backend", o.backend, "persistence backend: sqlite or memory")
	fs.StringVar(&o.logLevel, "log-level", o.logLevel, "log level: debug, info, warn, error")
	fs.DurationVar(&o.sweepInterval, "sweep-interval", o.sweepInterval, "time between background sweeps")
	fs.IntVar(&o.workers, "workers", o.workers, "sweep worker pool size")
	fs.DurationVar(&o.sourceTimeout, "source-timeout", o.sourceTimeout, "per-source evidence query timeout")
}

func main() {
	opts := defaultOptions()

	root := &cobra.Command{
		Use:           "vaultcore",
		Short:         "Inheritance trigger and consensus core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.bind(root.PersistentFlags())

	root.AddCommand(serveCmd(&opts), sweepCmd(&opts), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the periodic sweep until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(opts.logLevel)
			core, err := buildCore(opts, logger)
			if err != nil {
				return err
			}
			defer core.backend.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("vaultcore starting",
				"version", version, "backend", opts.backend, "dataPath", opts.dataPath,
				"sweepInterval", opts.sweepInterval, "workers", opts.workers)

			err = core.scheduler.Run(ctx)
			if errors.Is(err, context.Canceled) {
				logger.Info("vaultcore stopping")
				return nil
			}
			return err
		},
	}
}

func sweepCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a single sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(opts.logLevel)
			core, err := buildCore(opts, logger)
			if err != nil {
				return err
			}
			defer core.backend.Close()

			return core.scheduler.RunOnce(cmd.Context())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("vaultcore", version)
		},
	}
}

type core struct {
	backend   storage.Backend
	scheduler *sweep.Scheduler
}

// buildCore wires the backend and services. Backend selection happens here,
// at startup, from configuration.
func buildCore(opts *options, logger *slog.Logger) (*core, error) {
	var backend storage.Backend
	switch opts.backend {
	case "sqlite":
		store, err := sqlite.Open(opts.dataPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite backend: %w", err)
		}
		backend = store
	case "memory":
		backend = memory.New()
	default:
		return nil, fmt.Errorf("unknown backend %q (want sqlite or memory)", opts.backend)
	}

	clk := clock.System{}
	sink := notify.LogSink{Logger: logger}

	vaults := vault.New(backend, clk, sink, logger)
	ledger := guardian.NewLedger(backend, vaults, logger)
	collector := evidence.NewCollector(backend, clk, evidence.Config{
		SourceTimeout: opts.sourceTimeout,
		Logger:        logger,
	})
	releases := release.NewCoordinator(release.Config{Logger: logger}, backend, nil, sink, clk)
	engine, err := consensus.NewEngine(consensus.Config{Logger: logger},
		backend, backend, ledger, vaults, releases, sink, clk)
	if err != nil {
		backend.Close()
		return nil, err
	}

	scheduler := sweep.NewScheduler(sweep.Config{
		Interval: opts.sweepInterval,
		Workers:  opts.workers,
		Logger:   logger,
	}, backend, vaults, collector, engine, releases, clk)

	return &core{backend: backend, scheduler: scheduler}, nil
}

func newLogger(levelStr string) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
