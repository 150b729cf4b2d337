package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/api"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/auth"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/config"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/dispatch"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/dispatch/adapters"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gateway"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/metrics"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/policy"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/policystore"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/sanitize"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/server"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/storage"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/toolserver"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/trust"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

func main() {
	// Config from env
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "trust gateway: %v\n", err)
		os.Exit(1)
	}

	// Logger
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting trust gateway server",
		zap.String("grpc_port", cfg.GRPCPort),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("notify", cfg.NotifyMode),
		zap.String("sanitizer", cfg.SanitizerMode),
		zap.Duration("policy_staleness", cfg.PolicyStaleness),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Postgres holds AgentTools, overrides, MCP servers and agent keys.
	if cfg.PostgresDSN == "" {
		logger.Fatal("POSTGRES_DSN is required")
	}
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}

	// Policy invalidation transport
	var (
		notifier  policystore.Notifier
		publisher policystore.Publisher
	)
	switch cfg.NotifyMode {
	case config.NotifyPostgres:
		notifier = policystore.NewPGNotifier(cfg.PostgresDSN, cfg.NotifyChannel, logger)
		publisher = policystore.NewPGPublisher(db, cfg.NotifyChannel)
	case config.NotifyRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		rn := policystore.NewRedisNotifier(rdb, cfg.NotifyChannel, logger)
		notifier, publisher = rn, rn
	default:
		logger.Info("no policy notification channel, relying on staleness bound")
	}

	store := policystore.New(policystore.Config{
		Collaborator: policystore.NewSQLCollaborator(db),
		Staleness:    cfg.PolicyStaleness,
		Publisher:    publisher,
		Logger:       logger,
		Metrics:      m,
	})

	// Storage: ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(ctx, cfg.ClickHouseDSN, logger, storage.WithMetrics(m))
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Auth: static keys for development, otherwise agent keys in Postgres
	var authenticator auth.Authenticator
	if len(cfg.StaticAPIKeys) > 0 {
		authenticator = auth.NewStaticAuthenticator(cfg.StaticAPIKeys)
		logger.Warn("using static authenticator", zap.Int("keys", len(cfg.StaticAPIKeys)))
	} else {
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.AuthCacheTTL,
			Logger:   logger,
		})
	}

	// Provider routes, resolved once
	routes := dispatch.DefaultRouteTable()
	if cfg.RoutesFile != "" {
		if routes, err = dispatch.LoadRoutes(cfg.RoutesFile); err != nil {
			logger.Fatal("failed to load provider routes", zap.String("path", cfg.RoutesFile), zap.Error(err))
		}
	}
	if routes, err = routes.WithEnv(os.LookupEnv); err != nil {
		logger.Fatal("invalid provider route switches", zap.Error(err))
	}
	httpClient := &http.Client{Timeout: 2 * time.Minute}
	dispatcher, err := dispatch.NewDispatcher(routes,
		adapters.Factory(ctx, adapters.Deps{HTTPClient: httpClient}),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(m),
	)
	if err != nil {
		logger.Fatal("failed to build provider dispatcher", zap.Error(err))
	}

	// Sanitizer
	var sanitizer sanitize.Adapter
	switch cfg.SanitizerMode {
	case config.SanitizerGRPC:
		ga, err := sanitize.NewGRPCAdapter(cfg.SanitizerEndpoint, logger)
		if err != nil {
			logger.Fatal("failed to configure grpc sanitizer", zap.Error(err))
		}
		defer func() { _ = ga.Close() }()
		sanitizer = ga
	case config.SanitizerDualLLM:
		dl, err := sanitize.NewDualLLM(dispatcher, sanitize.DualLLMConfig{
			Provider:  cfg.SanitizerProvider,
			Model:     cfg.SanitizerModel,
			MaxTokens: cfg.SanitizerMaxTokens,
		}, logger)
		if err != nil {
			logger.Fatal("failed to configure dual llm sanitizer", zap.Error(err))
		}
		sanitizer = dl
	default:
		logger.Warn("no sanitizer configured, sanitize treatments deliver untrusted results")
	}

	// Tool backends
	mcpInvoker := toolserver.NewMCPInvoker(logger, toolserver.WithDialer(toolserver.DialServer(httpClient)))
	defer func() { _ = mcpInvoker.Close() }()
	directory := toolserver.NewDirectory(toolserver.DirectoryConfig{
		DB:       db,
		CacheTTL: cfg.ServerCacheTTL,
		Logger:   logger,
	})

	router := gateway.NewRouter(gateway.Config{
		Policies:  policy.NewResolver(store, logger),
		Targets:   directory,
		Invoker:   &toolserver.Mux{MCP: mcpInvoker, Provider: toolserver.NewProviderInvoker(dispatcher)},
		Sanitizer: sanitizer,
		Events:    writer,
		Retry:     cfg.Retry,
		Metrics:   m,
		Logger:    logger,
	})
	sessions := trust.NewSessions()
	m.TrackSessions(sessions.Len)

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)
	server.RegisterTrustGatewayServiceServer(grpcServer, server.NewTrustGatewayServer(router, sessions, authenticator, logger))

	// Register health service for ECS health checks
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	// HTTP server
	httpServer := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.New(api.Config{
			Tools:         router,
			Sessions:      sessions,
			Providers:     dispatcher,
			Policies:      store,
			Authenticator: authenticator,
			Publisher:     publisher,
			InternalToken: cfg.InternalToken,
			CORSOrigins:   cfg.CORSOrigins,
			Gatherer:      reg,
			Logger:        logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.GRPCPort), zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	if notifier != nil {
		g.Go(func() error {
			if err := store.Watch(gctx, notifier, directory, mcpInvoker); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("policy notifications: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("trust gateway stopped", zap.Error(err))
	}
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
