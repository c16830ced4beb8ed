package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"domainproxy/pkg/config"
	"domainproxy/pkg/controller"
	"domainproxy/pkg/hardening"
	"domainproxy/pkg/httpx"
	"domainproxy/pkg/metrics"
	"domainproxy/pkg/processor"
	"domainproxy/pkg/queue"
	"domainproxy/pkg/sas"
	"domainproxy/pkg/store"
	"domainproxy/pkg/telemetry"
	"domainproxy/pkg/trust"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const service = "controller"

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	loadConfigFn    = config.Load
	initTelemetryFn = telemetry.Init
	openDBFn        = openPostgres
	openCacheFn     = openCache
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
	signalContextFn = func() (context.Context, context.CancelFunc) {
		return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	}
)

func main() {
	ctx, stop := signalContextFn()
	defer stop()
	if err := runController(ctx, deps{
		loadConfig:    loadConfigFn,
		initTelemetry: initTelemetryFn,
		openDB:        openDBFn,
		openCache:     openCacheFn,
		listen:        listenFn,
	}); err != nil {
		logFatalf("controller: %v", err)
	}
}

type deps struct {
	loadConfig    func() (*config.Config, error)
	initTelemetry func(context.Context, telemetry.Options) (func(context.Context) error, error)
	openDB        func(context.Context, *config.Config) (controller.DB, func(), error)
	openCache     func(context.Context, *config.Config, *zap.Logger) (store.Cache, func())
	listen        func(*http.Server) error
}

func runController(ctx context.Context, d deps) error {
	cfg, err := d.loadConfig()
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(service)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := hardening.ValidateProduction(cfg.HardeningOptions(service, true)); err != nil {
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
	cache, closeCache := d.openCache(ctx, cfg, logger)
	if closeCache != nil {
		defer closeCache()
	}

	rec := metrics.NewRecorder()
	sender, gate, err := buildSAS(cfg, cache, rec, logger)
	if err != nil {
		return err
	}
	qs := queue.New()
	ctl, err := controller.New(controller.Options{
		DB:              db,
		Queue:           qs,
		Sender:          sender,
		Gate:            gate,
		Correlator:      processor.NewCorrelator(logger),
		StoreFor:        func(tx pgx.Tx) processor.Store { return store.NewRepo(tx, qs) },
		Interval:        cfg.ProcessingInterval,
		Limit:           cfg.ProcessingLimit,
		CycleTimeout:    cfg.CycleTimeout,
		InFlightTimeout: cfg.InFlightTimeout,
		Logger:          logger,
		Recorder:        rec,
		Tracer:          telemetry.Tracer("domainproxy/controller"),
	})
	if err != nil {
		return err
	}

	server := httpx.NewServer(cfg.ListenAddr(":8080"), newRouter(rec))
	logger.Info("controller starting",
		zap.String("addr", server.Addr),
		zap.String("sas_url", cfg.SASURL),
		zap.Bool("crl_check", cfg.CRLCheckEnabled),
		zap.Duration("interval", cfg.ProcessingInterval),
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctl.Run(gctx) })
	g.Go(func() error { return httpx.Serve(gctx, server, d.listen) })
	return g.Wait()
}

// buildSAS assembles the mutual-TLS SAS client. With CRL checking enabled the
// same validator vets every handshake and backs the per-cycle probe.
func buildSAS(cfg *config.Config, cache store.Cache, rec *metrics.Recorder, logger *zap.Logger) (*sas.Client, controller.Gate, error) {
	tlsCfg, err := sas.LoadTLSConfig(cfg.SASTLSFiles())
	if err != nil {
		return nil, nil, err
	}
	var gate controller.Gate
	if cfg.CRLCheckEnabled {
		validator := trust.NewValidator(trust.Options{
			Fetcher:      trust.NewHTTPFetcher(cfg.CRLFetchTimeout, cfg.CRLMaxBytes),
			Cache:        cache,
			MaxCacheTTL:  cfg.CRLCacheTTL,
			FetchTimeout: cfg.CRLFetchTimeout,
			Logger:       logger,
			OnDecision:   func(d trust.Decision) { rec.IncTrustDecision(d.Reason) },
		})
		tlsCfg.VerifyConnection = validator.VerifyConnection()
		prober, err := trust.NewProber(cfg.SASURL, tlsCfg, validator, cfg.SASTimeout)
		if err != nil {
			return nil, nil, err
		}
		gate = prober
	} else {
		logger.Warn("CRL checking disabled", zap.String("crl_policy", "off"))
	}
	client, err := sas.NewClient(sas.ClientConfig{
		BaseURL:          cfg.SASURL,
		Timeout:          cfg.SASTimeout,
		Retries:          cfg.SASRetries,
		RetryDelay:       cfg.SASRetryDelay,
		TLS:              tlsCfg,
		FailureThreshold: cfg.SASBreakerThreshold,
		Logger:           logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return client, gate, nil
}

func newRouter(rec *metrics.Recorder) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware(service))
	r.Use(rec.Middleware(httpx.RoutePattern))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": service})
	})
	r.Method(http.MethodGet, "/metrics", rec.Handler())
	return r
}

func openPostgres(ctx context.Context, cfg *config.Config) (controller.DB, func(), error) {
	pool, err := store.NewPostgresPool(ctx, cfg.PostgresOptions())
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

func openCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Cache, func()) {
	return store.OpenCache(ctx, cfg.RedisOptions(), logger)
}
