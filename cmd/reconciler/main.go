package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/reconcile"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const serviceName = "harborrelay-reconciler"

func main() {
	once := flag.Bool("once", false, "run a single reconcile pass, print its stats and exit")
	flag.Parse()

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

	if cfg.DB.Driver == "memory" {
		logger.Plain().Fatal("reconciler needs a shared store; STORE_DRIVER=memory only works with the api in-process mode")
	}
	backend, closeStore, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("store open failed")
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	attempter := delivery.NewAttempter(backend, delivery.Options{
		Policy:    cfg.Policy(),
		Simulate:  cfg.SimulationMode(),
		UserAgent: cfg.Webhook.UserAgent,
		Logger:    logger,
	})
	opts := []reconcile.Option{
		reconcile.WithPolicy(cfg.Policy()),
		reconcile.WithBatch(cfg.Webhook.ReconcileBatch),
		reconcile.WithConcurrency(cfg.Webhook.ReconcileConcurrency),
		reconcile.WithLogger(logger),
	}
	checks := health.Checks{Database: backend}

	// Redis lock keeps replicas from running overlapping passes
	if cfg.Redis.URL != "" {
		rdb, err := reconcile.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Plain().WithError(err).Fatal("redis connect failed")
		}
		defer rdb.Close()
		opts = append(opts, reconcile.WithLocker(reconcile.NewRedisLocker(rdb, cfg.Redis.LockKey, cfg.Redis.LockTTL)))
		checks.Redis = health.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	if cfg.NSQ.PublishExhausted {
		prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer")
		}
		defer prod.Stop()
		opts = append(opts, reconcile.WithExhaustionSink(delivery.NewNoticePublisher(prod, cfg.NSQ.ExhaustedTopic)))
	}

	r := reconcile.New(backend, attempter, opts...)

	if *once {
		if err := runOnce(ctx, r, os.Stdout); err != nil {
			logger.Plain().WithError(err).Fatal("reconcile pass failed")
		}
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(checks))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.MetricsPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("reconciler HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("reconciler HTTP server failed")
		}
	}()

	sched := reconcile.NewScheduler(r, cfg.Webhook.ReconcileInterval)
	go sched.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down reconciler")
	sched.Stop()
	cancel()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("reconciler stopped")
}

// passRunner is satisfied by *reconcile.Reconciler.
type passRunner interface {
	Run(ctx context.Context) (reconcile.Stats, error)
}

func runOnce(ctx context.Context, r passRunner, out io.Writer) error {
	st, err := r.Run(ctx)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
