package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/gorilla/mux"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_relay/internal/api"
	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/dispatch"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/reconcile"
	"github.com/austindbirch/harbor_relay/internal/registry"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const serviceName = "harborrelay-api"

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New(serviceName)
	logging.SetDefaultService(serviceName)

	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	backend, closeStore, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("store open failed")
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	subs := registry.New(backend, logger)

	// Notifier: NSQ when enabled, otherwise dispatch in this process.
	var notifier dispatch.Notifier
	if cfg.NSQ.Enabled {
		prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer")
		}
		defer prod.Stop()
		if err := prod.Ping(); err != nil {
			logger.Plain().WithError(err).Fatal("nsq ping")
		}
		notifier = dispatch.NewQueueNotifier(prod, cfg.NSQ.EventsTopic)
	} else {
		attempter := delivery.NewAttempter(backend, delivery.Options{
			Policy:    cfg.Policy(),
			Simulate:  cfg.SimulationMode(),
			UserAgent: cfg.Webhook.UserAgent,
			Logger:    logger,
		})
		d := dispatch.New(subs, backend, attempter,
			dispatch.WithPolicy(cfg.Policy()),
			dispatch.WithConcurrency(cfg.Webhook.DispatchConcurrency),
			dispatch.WithLogger(logger),
		)
		async := dispatch.NewAsyncNotifier(d, cfg.Webhook.DispatchConcurrency, 1024, logger)
		defer async.Close()
		notifier = async

		sched := reconcile.NewScheduler(reconcile.New(backend, attempter,
			reconcile.WithPolicy(cfg.Policy()),
			reconcile.WithBatch(cfg.Webhook.ReconcileBatch),
			reconcile.WithConcurrency(cfg.Webhook.ReconcileConcurrency),
			reconcile.WithLogger(logger),
		), cfg.Webhook.ReconcileInterval)
		go sched.Start(ctx)
		defer sched.Stop()
		logger.Plain().WithField("simulate", attempter.Simulated()).Info("in-process dispatch enabled")
	}

	httpAuth, grpcAuth, err := buildAuth(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("auth setup failed")
	}

	checks := health.Checks{Database: backend}
	if cfg.Redis.URL != "" {
		rdb, err := reconcile.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Plain().WithError(err).Warn("redis unavailable; health will report it")
		} else {
			defer rdb.Close()
			checks.Redis = health.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		}
	}

	// gRPC: health only, for orchestrator probes
	serverOpts := []grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}
	if grpcAuth != nil {
		serverOpts = append(serverOpts, grpc.UnaryInterceptor(grpcAuth))
	}
	grpcSrv := grpc.NewServer(serverOpts...)
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve")
		}
	}()

	h := api.NewHandler(subs, backend, notifier, logger)
	router := api.NewRouter(h, api.RouterConfig{Auth: httpAuth, Health: checks, Gatherer: reg})
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down")
	hs.Shutdown()
	grpcSrv.GracefulStop()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
	logger.Plain().Info("api stopped")
}

// buildAuth returns the tenant middleware and gRPC interceptor. With auth
// disabled the tenant comes from X-Tenant-ID and gRPC is left open.
func buildAuth(ctx context.Context, cfg config.Config) (mux.MiddlewareFunc, grpc.UnaryServerInterceptor, error) {
	if !cfg.Auth.Enabled {
		return auth.HeaderMiddleware, nil, nil
	}

	if cfg.Auth.PublicKeyPEM != "" {
		v, err := auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return nil, nil, err
		}
		return v.HTTPMiddleware, v.GRPCInterceptor(), nil
	}

	if cfg.Auth.JWKSURL == "" {
		return nil, nil, fmt.Errorf("AUTH_ENABLED requires JWT_PUBLIC_KEY or JWKS_URL")
	}
	// the JWKS server may start after us
	var v *auth.JWTValidator
	err := repeater.New(&strategy.FixedDelay{Repeats: 10, Delay: time.Second}).Do(ctx, func() error {
		key, err := auth.FetchJWKS(ctx, nil, cfg.Auth.JWKSURL, cfg.Auth.KeyID)
		if err != nil {
			return err
		}
		v = auth.NewJWTValidatorFromKey(key, cfg.Auth.Issuer, cfg.Auth.Audience)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load JWKS from %s: %w", cfg.Auth.JWKSURL, err)
	}
	return v.HTTPMiddleware, v.GRPCInterceptor(), nil
}
