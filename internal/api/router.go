package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// RouterConfig wires the non-tenant parts of the router.
type RouterConfig struct {
	// Auth resolves the tenant for /v1 routes, e.g. (*auth.JWTValidator).HTTPMiddleware
	// or auth.HeaderMiddleware.
	Auth     mux.MiddlewareFunc
	Health   health.Checks
	Gatherer prometheus.Gatherer
}

// NewRouter registers every route. /healthz, /metrics and /v1/ping are public.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.accessLog, traceContext)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: errMethodNotAllowed})
	})

	r.Handle("/healthz", health.HTTPHandler(cfg.Health)).Methods(http.MethodGet)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/v1/ping", h.Ping).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	if cfg.Auth != nil {
		v1.Use(cfg.Auth)
	}
	v1.Use(requireTenant)

	v1.HandleFunc("/subscriptions", h.CreateSubscription).Methods(http.MethodPost)
	v1.HandleFunc("/subscriptions", h.ListSubscriptions).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions/{id}", h.GetSubscription).Methods(http.MethodGet)
	v1.HandleFunc("/subscriptions/{id}", h.UpdateSubscription).Methods(http.MethodPatch)
	v1.HandleFunc("/subscriptions/{id}", h.DeleteSubscription).Methods(http.MethodDelete)
	v1.HandleFunc("/events", h.PublishEvent).Methods(http.MethodPost)
	v1.HandleFunc("/deliveries", h.ListDeliveries).Methods(http.MethodGet)
	v1.HandleFunc("/deliveries/{id}", h.GetDelivery).Methods(http.MethodGet)

	return r
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.GetTenantIDFromContext(r.Context()); !ok {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "tenant required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// traceContext continues a caller's trace from W3C headers.
func traceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(tracing.ExtractHeaders(r.Context(), r.Header)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.WithContext(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("http request")
	})
}
