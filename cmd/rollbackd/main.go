package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/penguintechinc/rollbackd/internal/config"
	"github.com/penguintechinc/rollbackd/internal/container"
	"github.com/penguintechinc/rollbackd/internal/executor"
	"github.com/penguintechinc/rollbackd/internal/history"
	"github.com/penguintechinc/rollbackd/internal/messaging"
	"github.com/penguintechinc/rollbackd/internal/metrics"
	"github.com/penguintechinc/rollbackd/internal/monitor"
	"github.com/penguintechinc/rollbackd/internal/report"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configFile string

	root := &cobra.Command{
		Use:          "rollbackd",
		Short:        "Roll crash-looping containers back to their previous image",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "path to a YAML config file")
	flags.Duration("interval", 5*time.Second, "time between monitor cycles")
	flags.Int("threshold", 1, "restart count a container may reach before it is rolled back")
	flags.String("docker-host", "", "Docker daemon address, defaults to DOCKER_HOST")
	flags.Bool("dry-run", false, "log rollback plans without executing them")
	flags.String("metrics-addr", ":9102", "Prometheus listen address, empty to disable")
	flags.String("redis-url", "", "Redis URL for rollback events, empty to disable")
	flags.Bool("debug", false, "enable debug logging")

	for key, flag := range map[string]string{
		"monitor.interval":  "interval",
		"monitor.threshold": "threshold",
		"monitor.dryrun":    "dry-run",
		"docker.host":       "docker-host",
		"metrics.addr":      "metrics-addr",
		"redis.url":         "redis-url",
		"log.debug":         "debug",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Monitor containers until interrupted",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), v, configFile)
			},
		},
		&cobra.Command{
			Use:   "once",
			Short: "Run a single monitor cycle and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return once(cmd.Context(), v, configFile)
			},
		},
	)
	return root
}

// app holds the wired components and the connections they own
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	manager     *container.Manager
	redisClient *redis.Client
	metrics     *metrics.Metrics
	monitor     *monitor.Monitor
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func setup(ctx context.Context, v *viper.Viper, configFile string) (*app, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newLogger(cfg.Log.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	dockerClient, err := container.Dial(ctx, cfg.Docker.Host, cfg.Docker.Timeout)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to Docker daemon", zap.String("host", dockerClient.DaemonHost()))

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		manager: container.NewManager(dockerClient, container.Options{
			CallTimeout: cfg.Docker.Timeout,
			StopTimeout: cfg.Docker.StopTimeout,
		}, logger.Named("docker")),
	}

	var publisher monitor.EventPublisher
	if cfg.Redis.URL != "" {
		a.redisClient, err = messaging.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, err
		}
		publisher = messaging.NewPublisher(a.redisClient, cfg.Redis.Stream, cfg.Redis.MaxLen)
		logger.Info("publishing rollback events", zap.String("stream", cfg.Redis.Stream))
	}

	a.monitor = monitor.New(
		monitor.Config{
			Interval:  cfg.Monitor.Interval,
			Threshold: cfg.Monitor.Threshold,
			DryRun:    cfg.Monitor.DryRun,
		},
		a.manager,
		executor.NewRestartDetector(a.manager, logger.Named("detector"), a.metrics.RestartLookupErrors.Inc),
		history.NewResolver(a.manager, logger.Named("history")),
		executor.NewExecutor(a.manager, logger.Named("executor"), executor.Options{LogTail: cfg.Docker.LogTail}),
		logger.Named("monitor"),
		monitor.Options{
			Reporter:  report.NewWriter(os.Stdout),
			Publisher: publisher,
			Metrics:   a.metrics,
		},
	)
	return a, nil
}

// Close releases connections in reverse order of creation
func (a *app) Close() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("error closing Redis connection", zap.Error(err))
		}
	}
	if err := a.manager.Close(); err != nil {
		a.logger.Warn("error closing Docker client", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func run(ctx context.Context, v *viper.Viper, configFile string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, v, configFile)
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.monitor.Run(ctx)
	})

	if addr := a.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			a.logger.Info("serving metrics", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		a.logger.Info("rollbackd shutdown complete")
		return nil
	}
	return err
}

func once(ctx context.Context, v *viper.Viper, configFile string) error {
	a, err := setup(ctx, v, configFile)
	if err != nil {
		return err
	}
	defer a.Close()

	result := a.monitor.RunCycle(ctx)
	if result.Err != nil {
		return result.Err
	}
	if n := len(result.Failures); n > 0 {
		return fmt.Errorf("%d container(s) failed during the cycle", n)
	}
	return nil
}
