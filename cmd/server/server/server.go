// Package server wires the engine components and runs the HTTP API, the gRPC
// health service and the metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/TFMV/queryscope/cmd/server/config"
	"github.com/TFMV/queryscope/cmd/server/middleware"
	"github.com/TFMV/queryscope/pkg/cache"
	"github.com/TFMV/queryscope/pkg/handlers"
	"github.com/TFMV/queryscope/pkg/infrastructure/metrics"
	"github.com/TFMV/queryscope/pkg/infrastructure/pool"
	"github.com/TFMV/queryscope/pkg/repositories/postgres"
	"github.com/TFMV/queryscope/pkg/services"
)

// HealthServiceName is the gRPC health service name that mirrors the
// database health check. The empty service name reports the same status.
const HealthServiceName = "queryscope"

// Engine holds the storage, cache and service layers shared by the server
// and the in-process CLI commands.
type Engine struct {
	Pool        pool.ConnectionPool
	ResultCache *cache.ResultCache

	Query      services.QueryService
	Index      services.IndexService
	Experiment services.ExperimentService
}

// NewEngine opens the connection pool and the result cache and builds the
// services on top of them.
func NewEngine(cfg *config.Config, logger zerolog.Logger, collector metrics.Collector) (*Engine, error) {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}

	connPool, err := pool.New(pool.Config{
		DSN:                    cfg.Database.URL,
		MaxOpenConnections:     cfg.Database.MaxOpenConnections,
		MaxIdleConnections:     cfg.Database.MaxIdleConnections,
		ConnMaxLifetime:        cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime:        cfg.Database.ConnMaxIdleTime,
		HealthCheckPeriod:      cfg.Database.HealthCheckPeriod,
		ConnectionTimeout:      cfg.Database.ConnectionTimeout,
		EnableCircuitBreaker:   cfg.Database.CircuitBreaker,
		EnableSlowQueryLogging: true,
		SlowQueryThreshold:     cfg.Database.SlowQueryThreshold,
	}, logger.With().Str("component", "pool").Logger(), collector)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	engine, err := newEngineWithPool(cfg, connPool, logger, collector)
	if err != nil {
		_ = connPool.Close()
		return nil, err
	}
	return engine, nil
}

// newEngineWithPool builds the cache and service layers over an open pool.
func newEngineWithPool(cfg *config.Config, connPool pool.ConnectionPool, logger zerolog.Logger, collector metrics.Collector) (*Engine, error) {
	cacheCfg := cache.DefaultConfig().
		WithTTL(cfg.Cache.TTL).
		WithMaxEntries(cfg.Cache.MaxEntries).
		WithKeyPrefix(cfg.Cache.KeyPrefix)
	cacheCfg.Backend = cfg.Cache.Backend
	cacheCfg.URL = cfg.Cache.URL

	backend, err := cache.New(cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}
	resultCache := cache.NewResultCache(backend, cacheCfg)

	serviceMetrics := &serviceMetricsAdapter{collector: collector}

	queryRepo := postgres.NewQueryRepository(connPool, logger.With().Str("component", "query_repository").Logger())
	indexRepo := postgres.NewIndexRepository(connPool, logger.With().Str("component", "index_repository").Logger())
	metadataRepo := postgres.NewMetadataRepository(connPool, logger.With().Str("component", "metadata_repository").Logger())

	lane := services.NewBulkLane(cfg.Experiments.BulkConcurrency)

	queryService := services.NewQueryService(
		queryRepo,
		resultCache,
		newLoggerAdapter(logger, "query_service"),
		serviceMetrics,
		services.QueryServiceConfig{QueryTimeout: cfg.QueryTimeout},
	)

	indexService := services.NewIndexService(
		indexRepo,
		lane,
		newLoggerAdapter(logger, "index_service"),
		serviceMetrics,
		services.IndexServiceConfig{Concurrent: cfg.Index.Concurrent, Timeout: cfg.Index.Timeout},
	)

	experimentService := services.NewExperimentService(
		queryService,
		queryRepo,
		metadataRepo,
		indexService,
		lane,
		newLoggerAdapter(logger, "experiment_service"),
		serviceMetrics,
		services.ExperimentConfig{
			WriteCostRows:    cfg.Experiments.WriteCostRows,
			SelectivityRows:  cfg.Experiments.SelectivityRows,
			CompositeRows:    cfg.Experiments.CompositeRows,
			MinorityFraction: cfg.Experiments.MinorityFraction,
			Timeout:          cfg.Experiments.Timeout,
		},
	)

	return &Engine{
		Pool:        connPool,
		ResultCache: resultCache,
		Query:       queryService,
		Index:       indexService,
		Experiment:  experimentService,
	}, nil
}

// Close releases the cache and the connection pool.
func (e *Engine) Close() error {
	var errs []error
	if err := e.ResultCache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close result cache: %w", err))
	}
	if err := e.Pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close connection pool: %w", err))
	}
	return errors.Join(errs...)
}

// Server runs the HTTP API, the gRPC health service and the metrics endpoint.
type Server struct {
	config  *config.Config
	logger  zerolog.Logger
	engine  *Engine
	metrics *metrics.MetricsServer

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
}

// New creates a new server. With metrics enabled a dedicated Prometheus
// registry is created and served on cfg.Metrics.Address.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	collector := metrics.NewNoOpCollector()
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewPrometheusCollector(reg)
		metricsServer = metrics.NewMetricsServer(cfg.Metrics.Address, reg)
	}

	engine, err := NewEngine(cfg, logger, collector)
	if err != nil {
		return nil, err
	}

	srv, err := newServer(cfg, logger, engine, collector, metricsServer)
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	return srv, nil
}

func newServer(cfg *config.Config, logger zerolog.Logger, engine *Engine, collector metrics.Collector, metricsServer *metrics.MetricsServer) (*Server, error) {
	srv := &Server{
		config:  cfg,
		logger:  logger,
		engine:  engine,
		metrics: metricsServer,
	}

	handler, err := srv.buildHTTPHandler(collector)
	if err != nil {
		return nil, err
	}
	srv.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Health.Enabled {
		srv.setupGRPCServer(collector)
	}

	return srv, nil
}

// Engine returns the service layer behind the server.
func (s *Server) Engine() *Engine {
	return s.engine
}

func (s *Server) buildHTTPHandler(collector metrics.Collector) (http.Handler, error) {
	router := handlers.NewRouter(&handlers.Handlers{
		Query:      handlers.NewQueryHandler(s.engine.Query, newLoggerAdapter(s.logger, "query_handler")),
		Index:      handlers.NewIndexHandler(s.engine.Index, newLoggerAdapter(s.logger, "index_handler")),
		Experiment: handlers.NewExperimentHandler(s.engine.Experiment, newLoggerAdapter(s.logger, "experiment_handler")),
		Health:     handlers.NewHealthHandler(s.engine.Pool, s.engine.ResultCache),
	})

	// Route-aware middleware runs after mux has matched.
	router.Use(middleware.NewMetricsMiddleware(collector).Handler)
	if rl := s.config.RateLimit; rl.Enabled {
		limiter, err := middleware.NewRateLimitMiddleware(rl.RPS, rl.Burst, rl.MaxClients, collector)
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		router.Use(limiter.Handler)
	}

	recoverMW := middleware.NewRecoveryMiddleware(s.logger.With().Str("component", "recovery_middleware").Logger())
	logMW := middleware.NewLoggingMiddleware(s.logger.With().Str("component", "http").Logger())

	return recoverMW.Handler(middleware.RequestID(logMW.Handler(router))), nil
}

func (s *Server) setupGRPCServer(collector metrics.Collector) {
	recoverMW := middleware.NewRecoveryMiddleware(s.logger.With().Str("component", "recovery_middleware").Logger())
	logMW := middleware.NewLoggingMiddleware(s.logger.With().Str("component", "grpc").Logger())
	metricsMW := middleware.NewMetricsMiddleware(collector)

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		recoverMW.UnaryInterceptor(),
		logMW.UnaryInterceptor(),
		metricsMW.UnaryInterceptor(),
	))

	s.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	s.setServingStatus(s.engine.Pool.Healthy())
	s.engine.Pool.OnHealthChange(s.setServingStatus)
}

func (s *Server) setServingStatus(healthy bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if healthy {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthServiceName, status)
	s.logger.Info().Str("status", status.String()).Msg("Health status changed")
}

// Run serves until ctx is cancelled or a listener fails, then shuts every
// listener down within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	httpListener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	g.Go(func() error {
		s.logger.Info().Str("address", httpListener.Addr().String()).Msg("HTTP server listening")
		if err := s.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.grpcServer != nil {
		grpcListener, err := net.Listen("tcp", s.config.Health.Address)
		if err != nil {
			_ = httpListener.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.config.Health.Address, err)
		}
		g.Go(func() error {
			s.logger.Info().Str("address", grpcListener.Addr().String()).Msg("gRPC health server listening")
			if err := s.grpcServer.Serve(grpcListener); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	if s.metrics != nil {
		g.Go(func() error {
			s.logger.Info().Str("address", s.config.Metrics.Address).Msg("Metrics server listening")
			return s.metrics.Start()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

func (s *Server) shutdown() error {
	s.logger.Info().Dur("timeout", s.config.ShutdownTimeout).Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	if s.grpcServer != nil {
		s.health.Shutdown()
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}

	if s.metrics != nil {
		if err := s.metrics.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	if err := s.engine.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing engine")
	}

	s.logger.Info().Msg("Server shutdown complete")
	return nil
}
