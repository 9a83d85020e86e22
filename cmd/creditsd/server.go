package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/credits"
	"github.com/xraph/credits/api"
	audithook "github.com/xraph/credits/audit_hook"
	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/notify/kafka"
	"github.com/xraph/credits/observability"
	promfactory "github.com/xraph/credits/observability/prometheus"
	"github.com/xraph/credits/scheduler"
	"github.com/xraph/credits/store/backend"
)

// server is an assembled creditsd process.
type server struct {
	cfg       Config
	logger    *slog.Logger
	engine    *credits.Engine
	scheduler *scheduler.Scheduler
	handler   http.Handler
}

// newServer opens the store and wires the engine, its plugins and the HTTP
// surface. It does not migrate or start anything.
func newServer(ctx context.Context, cfg Config, logger *slog.Logger, reg *prometheus.Registry) (*server, error) {
	policy, err := cost.ParseUnknownPolicy(cfg.UnknownActions)
	if err != nil {
		return nil, err
	}

	var registry cost.Registry
	if cfg.CostFile != "" {
		r, err := cost.LoadYAMLFile(cfg.CostFile)
		if err != nil {
			return nil, err
		}
		registry = r
		logger.Info("cost registry loaded", "file", cfg.CostFile, "actions", len(r.Entries()))
	}

	st, err := backend.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	opts := []credits.Option{
		credits.WithLogger(logger),
		credits.WithDefaultBalance(cfg.StartingBalance),
		credits.WithGrantInterval(cfg.GrantInterval),
		credits.WithUnknownActionPolicy(policy),
		credits.WithPlugin(observability.NewMetricsExtension(promfactory.New(reg))),
	}
	if cfg.Audit {
		opts = append(opts, credits.WithPlugin(
			audithook.New(audithook.LogRecorder(logger), audithook.WithLogger(logger)),
		))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		opts = append(opts, credits.WithPlugin(
			kafka.New(cfg.Kafka.Brokers, cfg.Kafka.Topic, kafka.WithLogger(logger)),
		))
		logger.Info("kafka notifier enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	engine := credits.New(st, registry, opts...)

	router := mux.NewRouter()
	router.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})).
		Methods(http.MethodGet)
	api.NewHandler(engine,
		api.WithLogger(logger),
		api.WithBasePath(cfg.BasePath),
		api.WithMetrics(api.NewMetrics(reg)),
	).RegisterRoutes(router)

	s := &server{
		cfg:     cfg,
		logger:  logger,
		engine:  engine,
		handler: router,
	}
	if !cfg.Scheduler.Disabled {
		s.scheduler = scheduler.New(engine, cfg.Scheduler.Config, scheduler.WithLogger(logger))
	}
	return s, nil
}

// newRegistry returns a registry carrying the Go runtime and process
// collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// run migrates, serves until ctx is done and then drains.
func (s *server) run(ctx context.Context) error {
	if err := s.engine.Start(ctx); err != nil {
		return err
	}

	if s.scheduler != nil {
		s.scheduler.Start(ctx)
	}

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("creditsd listening", "addr", s.cfg.Listen, "base_path", s.cfg.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http shutdown", "error", err)
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if err := s.engine.Stop(); err != nil {
		return errors.Join(serveErr, err)
	}
	return serveErr
}
