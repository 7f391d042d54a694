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
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"media-jobs-service/internal/adapter"
	"media-jobs-service/internal/artifact"
	"media-jobs-service/internal/config"
	"media-jobs-service/internal/entity"
	"media-jobs-service/internal/guard"
	"media-jobs-service/internal/logger"
	"media-jobs-service/internal/registry"
	"media-jobs-service/internal/repository/postgresql"
	"media-jobs-service/internal/service"
	httptransport "media-jobs-service/internal/transport/http"
	"media-jobs-service/internal/worker"
)

const (
	flagAddr    = "addr"
	flagDataDir = "data-dir"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job executor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// flags win over the environment
			if cmd.Flags().Changed(flagAddr) {
				cfg.HTTPAddr, _ = cmd.Flags().GetString(flagAddr)
			}
			if cmd.Flags().Changed(flagDataDir) {
				cfg.DataDir, _ = cmd.Flags().GetString(flagDataDir)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String(flagAddr, ":8080", "listen address (env: HTTP_ADDR)")
	cmd.Flags().String(flagDataDir, "./data/jobs", "job artifact root (env: DATA_DIR)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	store, err := artifact.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}

	specs := adapter.Specs(cfg.Limits)
	adapters, closeAdapters := buildAdapters(cfg, specs, log)
	defer closeAdapters()

	var recorders worker.Recorders

	// Redis (optional)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		recorders = append(recorders, service.NewRedisEventPublisher(rdb, cfg.RedisEventsChannel, cfg.RedisStatusTTL))
	}

	// Postgres (optional)
	if cfg.PostgresDSN != "" {
		pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("pg: %w", err)
		}
		defer pool.Close()
		history := postgresql.NewJobHistoryRepository(pool)
		if err := history.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("pg schema: %w", err)
		}
		recorders = append(recorders, history)
	}

	// DI
	reg := registry.New()
	g := guard.New(cfg.GuardPermits)
	processor := worker.NewProcessor(reg, store, g, adapters, specs, recorders, worker.ProcessorConfig{
		AdmissionTimeout: cfg.AdmissionTimeout,
		ExecutionTimeout: cfg.ExecutionTimeout,
	}, log)
	pool := worker.NewPool(processor, log)
	reaper := worker.NewReaper(reg, store, cfg.JobRetention, cfg.ReapInterval, log)

	svc := service.NewJobService(reg, store, pool, g, adapters, specs, recorders, log)
	handler := httptransport.NewHandler(svc)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.Routes(handler, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go reaper.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.WithFields(logrus.Fields{
		"addr":              cfg.HTTPAddr,
		"data_dir":          store.Root(),
		"backend":           cfg.Backend,
		"permits":           cfg.GuardPermits,
		"admission_timeout": cfg.AdmissionTimeout.String(),
		"execution_timeout": cfg.ExecutionTimeout.String(),
		"retention":         cfg.JobRetention.String(),
		"redis_addr":        cfg.RedisAddr,
		"postgres_dsn":      config.RedactDSN(cfg.PostgresDSN),
	}).Info("media jobs service started")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := pool.Shutdown(shutdownCtx, 0); err != nil {
		log.WithError(err).Warn("jobs still running at exit")
	}
	log.Info("media jobs service stopped")
	return nil
}

// buildAdapters creates one adapter per kind for the configured backend. A
// kind without a program or image is registered as unavailable so
// submissions get a 503 that says why.
func buildAdapters(cfg config.Config, specs map[entity.JobKind]adapter.KindSpec, log logrus.FieldLogger) (map[entity.JobKind]adapter.Adapter, func()) {
	adapters := make(map[entity.JobKind]adapter.Adapter, len(specs))
	closeFn := func() {}

	switch cfg.Backend {
	case config.BackendDocker:
		cli, err := adapter.NewDockerClient()
		if err != nil {
			log.WithError(err).Error("docker client")
			for kind, spec := range specs {
				adapters[kind] = adapter.NewUnavailable(spec, "docker client: "+err.Error())
			}
			return adapters, closeFn
		}
		closeFn = func() { _ = cli.Close() }

		for kind, spec := range specs {
			image := cfg.Kinds[kind].Image
			if image == "" {
				adapters[kind] = adapter.NewUnavailable(spec, fmt.Sprintf("no image configured for %s", kind))
				continue
			}
			adapters[kind] = adapter.NewDocker(spec, adapter.DockerConfig{
				Image:       image,
				GPUs:        cfg.DockerGPUs,
				Preprocess:  cfg.Preprocess,
				StopTimeout: 10 * time.Second,
			}, cli, log)
		}

	default:
		for kind, spec := range specs {
			argv := cfg.Kinds[kind].Command
			if len(argv) == 0 {
				adapters[kind] = adapter.NewUnavailable(spec, fmt.Sprintf("no command configured for %s", kind))
				continue
			}
			adapters[kind] = adapter.NewCommand(spec, adapter.CommandConfig{
				Argv:       argv,
				ModelsDir:  cfg.ModelsDir,
				Preprocess: cfg.Preprocess,
			}, log)
		}
	}
	return adapters, closeFn
}
