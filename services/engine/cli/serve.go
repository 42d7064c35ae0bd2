package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/WhitePlusMS/ink-survivor-sub000/pkg/telemetry"
	"github.com/WhitePlusMS/ink-survivor-sub000/services/admin"
	"github.com/WhitePlusMS/ink-survivor-sub000/services/engine/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, the worker and the admin API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port); empty disables Redis")
	serveCmd.Flags().String("lock-backend", "redis", "worker mutex backend: redis | postgres | local")
	serveCmd.Flags().String("events", "log", "notification sink: log | kafka | nats | none")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("tick-schedule", "@every 30s", "how often seasons are evaluated (cron or @every)")
	serveCmd.Flags().Duration("task-timeout", 30*time.Minute, "per-task execution timeout")
	serveCmd.Flags().Bool("break-stale-holder", false, "evict a worker lock holder whose task heartbeat went stale")
	serveCmd.Flags().String("http-addr", ":8080", "admin API address")
	serveCmd.Flags().String("metrics-addr", ":9090", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().Bool("no-worker", false, "do not process tasks in this process")
	serveCmd.Flags().Bool("no-scheduler", false, "do not advance seasons in this process")

	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("lock_backend", serveCmd.Flags(), "lock-backend")
	bindFlag("events", serveCmd.Flags(), "events")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("tick_schedule", serveCmd.Flags(), "tick-schedule")
	bindFlag("task_timeout", serveCmd.Flags(), "task-timeout")
	bindFlag("break_stale_holder", serveCmd.Flags(), "break-stale-holder")
	bindFlag("http_addr", serveCmd.Flags(), "http-addr")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	noWorker, _ := cmd.Flags().GetBool("no-worker")
	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName: "inkround",
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSample,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	e, err := newEngine(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close()
	logger = logger.With(slog.String("instance_id", e.id))

	watchPolicy(e, logger)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, func(ctx context.Context) error {
		_, err := e.store.Tasks.Stats(ctx)
		return err
	}, logger)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      admin.Router(e.admin(), logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("admin API starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			runCancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-quit:
			logger.Info("shutting down, draining in-flight task...")
		case <-runCtx.Done():
		}
		runCancel()
	}()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	if !noScheduler {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.sched.Run(runCtx); err != nil {
				errs <- fmt.Errorf("scheduler: %w", err)
				runCancel()
			}
		}()
	}
	if !noWorker {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.worker.Run(runCtx); err != nil {
				errs <- fmt.Errorf("worker: %w", err)
				runCancel()
			}
		}()
	}

	logger.Info("engine started",
		slog.String("store", cfg.Store),
		slog.String("lock_backend", cfg.LockBackend),
		slog.String("events", cfg.Events),
		slog.Bool("worker", !noWorker),
		slog.Bool("scheduler", !noScheduler),
	)

	<-runCtx.Done()
	wg.Wait()
	e.worker.Wait()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}

	close(errs)
	var runErrs []error
	for err := range errs {
		runErrs = append(runErrs, err)
	}
	logger.Info("stopped")
	return errors.Join(runErrs...)
}

// watchPolicy reloads the reader policy whenever the config file changes.
// An invalid edit keeps the running policy.
func watchPolicy(e *engine, logger *slog.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(ev fsnotify.Event) {
		p, err := config.LoadPolicy(viper.GetViper())
		if err != nil {
			logger.Warn("config change ignored", slog.String("file", ev.Name), slog.String("error", err.Error()))
			return
		}
		if p == e.readers.Policy() {
			return
		}
		e.readers.SetPolicy(p)
		logger.Info("reader policy reloaded", slog.String("file", ev.Name), slog.String("policy", p.String()))
	})
	viper.WatchConfig()
}
