// Package api is the tenant-facing REST surface: subscription management,
// event submission and delivery inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/dispatch"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/registry"
	"github.com/austindbirch/harbor_relay/internal/tracing"
	"github.com/austindbirch/harbor_relay/internal/webhook"
)

const (
	maxBodyBytes        = 1 << 20
	defaultListLimit    = 50
	maxListLimit        = 500
	errMethodNotAllowed = "method not allowed"
)

// Subscriptions is implemented by *registry.Service.
type Subscriptions interface {
	Create(ctx context.Context, tenantID string, in registry.CreateInput) (webhook.Subscription, error)
	Get(ctx context.Context, tenantID, id string) (webhook.Subscription, error)
	List(ctx context.Context, tenantID string) ([]webhook.Subscription, error)
	Update(ctx context.Context, tenantID, id string, in registry.UpdateInput) (webhook.Subscription, error)
	Delete(ctx context.Context, tenantID, id string) error
}

// Deliveries is the read side of the delivery ledger.
type Deliveries interface {
	GetDelivery(ctx context.Context, tenantID, id string) (webhook.Delivery, error)
	ListDeliveries(ctx context.Context, f webhook.DeliveryFilter) ([]webhook.Delivery, error)
}

type Handler struct {
	subs       Subscriptions
	deliveries Deliveries
	notifier   dispatch.Notifier
	log        *logging.Logger
}

func NewHandler(subs Subscriptions, deliveries Deliveries, notifier dispatch.Notifier, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Default()
	}
	return &Handler{subs: subs, deliveries: deliveries, notifier: notifier, log: log}
}

// PublishRequest is the body of POST /v1/events.
type PublishRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

// CreateSubscription handles POST /v1/subscriptions. The response is the only
// one that carries the signing secret.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant(r)
	var in registry.CreateInput
	if !decode(w, r, &in) {
		return
	}
	sub, err := h.subs.Create(r.Context(), tenantID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.List(r.Context(), tenant(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if subs == nil {
		subs = []webhook.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subs.Get(r.Context(), tenant(r), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var in registry.UpdateInput
	if !decode(w, r, &in) {
		return
	}
	sub, err := h.subs.Update(r.Context(), tenant(r), mux.Vars(r)["id"], in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.subs.Delete(r.Context(), tenant(r), mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PublishEvent handles POST /v1/events. It only enqueues; the response never
// reflects delivery outcomes.
func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant(r)
	var req PublishRequest
	if !decode(w, r, &req) {
		return
	}
	req.EventType = strings.TrimSpace(req.EventType)
	if req.EventType == "" || len(req.Payload) == 0 || string(req.Payload) == "null" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "event_type and payload are required"})
		return
	}

	ctx, span := tracing.StartSpan(r.Context(), "api.PublishEvent",
		attribute.String("tenant_id", tenantID),
		attribute.String("event_type", req.EventType),
	)
	defer span.End()

	if err := h.notifier.Notify(ctx, tenantID, req.EventType, req.Payload); err != nil {
		tracing.SetSpanError(ctx, err)
		if errors.Is(err, dispatch.ErrQueueFull) || errors.Is(err, dispatch.ErrClosed) {
			h.log.WithContext(ctx).WithTenant(tenantID).WithEvent(req.EventType).WithError(err).Warn("event rejected")
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event queue unavailable"})
			return
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// ListDeliveries handles GET /v1/deliveries?subscription_id=&event_type=&limit=
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	out, err := h.deliveries.ListDeliveries(r.Context(), webhook.DeliveryFilter{
		TenantID:       tenant(r),
		SubscriptionID: q.Get("subscription_id"),
		EventType:      q.Get("event_type"),
		Limit:          limit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if out == nil {
		out = []webhook.Delivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": out})
}

func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := h.deliveries.GetDelivery(r.Context(), tenant(r), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// fail maps domain errors to HTTP statuses. Unexpected errors are logged and
// hidden from the caller.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, webhook.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, webhook.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	default:
		h.log.WithContext(r.Context()).WithTenant(tenant(r)).WithError(err).
			WithFields(map[string]any{"method": r.Method, "path": r.URL.Path}).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func tenant(r *http.Request) string {
	id, _ := auth.GetTenantIDFromContext(r.Context())
	return id
}
