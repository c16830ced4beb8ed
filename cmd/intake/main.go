package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"domainproxy/pkg/audit"
	"domainproxy/pkg/config"
	"domainproxy/pkg/hardening"
	"domainproxy/pkg/httpx"
	"domainproxy/pkg/intake"
	"domainproxy/pkg/metrics"
	"domainproxy/pkg/queue"
	"domainproxy/pkg/ratelimit"
	"domainproxy/pkg/store"
	"domainproxy/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const service = "intake"

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	loadConfigFn    = config.Load
	initTelemetryFn = telemetry.Init
	openDBFn        = openPostgres
	openRedisFn     = openRedis
	newConsumerFn   = newKafkaConsumer
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
	signalContextFn = func() (context.Context, context.CancelFunc) {
		return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	}
)

func main() {
	ctx, stop := signalContextFn()
	defer stop()
	if err := runIntake(ctx, deps{
		loadConfig:    loadConfigFn,
		initTelemetry: initTelemetryFn,
		openDB:        openDBFn,
		openRedis:     openRedisFn,
		newConsumer:   newConsumerFn,
		listen:        listenFn,
	}); err != nil {
		logFatalf("intake: %v", err)
	}
}

type deps struct {
	loadConfig    func() (*config.Config, error)
	initTelemetry func(context.Context, telemetry.Options) (func(context.Context) error, error)
	openDB        func(context.Context, *config.Config) (intake.DB, func(), error)
	openRedis     func(context.Context, *config.Config, *zap.Logger) *redis.Client
	newConsumer   func(*config.Config) (intake.Consumer, error)
	listen        func(*http.Server) error
}

func runIntake(ctx context.Context, d deps) error {
	cfg, err := d.loadConfig()
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(service)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := hardening.ValidateProduction(cfg.HardeningOptions(service, false)); err != nil {
		return err
	}
	shutdown, err := d.initTelemetry(ctx, cfg.TelemetryOptions(service, logger))
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()

	db, closeDB, err := d.openDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if closeDB != nil {
		defer closeDB()
	}
	// Redis shares idempotency keys and rate windows across replicas.
	var cache store.Cache = store.NewMemoryCache()
	client := d.openRedis(ctx, cfg, logger)
	if client != nil {
		defer func() { _ = client.Close() }()
		cache = store.NewRedisCache(client)
	}
	var limiter ratelimit.Limiter
	if cfg.IntakeRateLimit > 0 {
		limiter = ratelimit.NewRedis(client, cfg.IntakeRateLimit, cfg.IntakeRateWindow, logger)
	}

	rec := metrics.NewRecorder()
	qs := queue.New()
	svc, err := intake.New(intake.Options{
		DB:             db,
		Queue:          qs,
		ResolverFor:    intake.StoreResolver(qs),
		Cache:          cache,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Logger:         logger,
		Recorder:       rec,
	})
	if err != nil {
		return err
	}
	handler := &intake.Handler{
		Service:      svc,
		Log:          &audit.Writer{DB: db},
		MaxBodyBytes: cfg.IntakeMaxBodyBytes,
		Limiter:      limiter,
		Logger:       logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.KafkaEnabled {
		consumer, err := d.newConsumer(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = consumer.Close() }()
		logger.Info("kafka intake enabled", zap.String("topic", cfg.KafkaTopic), zap.String("group", cfg.KafkaGroupID))
		g.Go(func() error { return intake.Consume(gctx, consumer, svc, logger, 0) })
	}

	server := httpx.NewServer(cfg.ListenAddr(":8081"), newRouter(handler, rec))
	logger.Info("intake listening", zap.String("addr", server.Addr))
	g.Go(func() error { return httpx.Serve(gctx, server, d.listen) })
	return g.Wait()
}

func newRouter(h *intake.Handler, rec *metrics.Recorder) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware(service))
	r.Use(rec.Middleware(httpx.RoutePattern))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": service})
	})
	r.Method(http.MethodGet, "/metrics", rec.Handler())
	h.Routes(r)
	return r
}

func openPostgres(ctx context.Context, cfg *config.Config) (intake.DB, func(), error) {
	pool, err := store.NewPostgresPool(ctx, cfg.PostgresOptions())
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

func openRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client, err := store.NewRedis(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limits are process-local", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		return nil
	}
	return client
}

func newKafkaConsumer(cfg *config.Config) (intake.Consumer, error) {
	return intake.NewKafkaConsumer(intake.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
	})
}
