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

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/dispatch"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/queue"
	"github.com/austindbirch/harbor_relay/internal/registry"
	"github.com/austindbirch/harbor_relay/internal/store"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

const serviceName = "harborrelay-dispatcher"

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

	if err := checkConfig(cfg); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}
	backend, closeStore, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("store open failed")
	}
	defer closeStore()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	httpSrv := &http.Server{
		Addr:              cfg.MetricsPort,
		Handler:           opsMux(health.Checks{Database: backend}, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dispatcher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("dispatcher HTTP server failed")
		}
	}()

	attempter := delivery.NewAttempter(backend, delivery.Options{
		Policy:    cfg.Policy(),
		Simulate:  cfg.SimulationMode(),
		UserAgent: cfg.Webhook.UserAgent,
		Logger:    logger,
	})
	d := dispatch.New(registry.New(backend, logger), backend, attempter,
		dispatch.WithPolicy(cfg.Policy()),
		dispatch.WithConcurrency(cfg.Webhook.DispatchConcurrency),
		dispatch.WithLogger(logger),
	)

	// NSQ consumer
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.NSQ.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.NSQ.EventsTopic, cfg.NSQ.DispatchChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddConcurrentHandlers(dispatch.NewConsumer(ctx, d, cfg.NSQ.RequeueDelay, logger), cfg.Webhook.DispatchConcurrency)

	// Connecting directly to nsqd creates the channel up front instead of on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Warn("connect to lookupd failed")
	}

	poller := queue.NewPoller(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.EventsTopic, cfg.NSQ.DispatchChannel, cfg.NSQ.StatsPollEvery, logger)
	go poller.Run(ctx)

	logger.Plain().WithFields(map[string]any{
		"topic":    cfg.NSQ.EventsTopic,
		"channel":  cfg.NSQ.DispatchChannel,
		"simulate": attempter.Simulated(),
	}).Info("dispatcher started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down dispatcher")
	consumer.Stop()
	<-consumer.StopChan
	cancel()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("dispatcher stopped")
}

// checkConfig rejects settings the dispatcher cannot run with.
func checkConfig(cfg config.Config) error {
	if cfg.DB.Driver == "memory" {
		return fmt.Errorf("STORE_DRIVER=memory is only supported by the api in-process mode")
	}
	if !cfg.NSQ.Enabled {
		return fmt.Errorf("NSQ_ENABLED=false: the api dispatches in-process, nothing to consume")
	}
	if cfg.NSQ.EventsTopic == "" || cfg.NSQ.DispatchChannel == "" {
		return fmt.Errorf("NSQ_EVENTS_TOPIC and NSQ_DISPATCH_CHANNEL are required")
	}
	return nil
}

func opsMux(checks health.Checks, g prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(checks))
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}
