// Package dispatch fans a domain event out to every matching webhook
// subscription of a tenant.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/syncs"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/tracing"
	"github.com/austindbirch/harbor_relay/internal/webhook"
)

// Registry looks up the active subscriptions of a tenant for an event type.
type Registry interface {
	ListActive(ctx context.Context, tenantID, eventType string) ([]webhook.Subscription, error)
}

// Ledger is the part of the delivery store the dispatcher writes to.
type Ledger interface {
	CreateDelivery(ctx context.Context, d *webhook.Delivery) error
	TouchSubscription(ctx context.Context, id string, at time.Time) error
}

// Deliverer performs one delivery attempt and records it.
type Deliverer interface {
	Deliver(ctx context.Context, d *webhook.Delivery, sub webhook.Subscription) error
}

// Result summarises one dispatch.
type Result struct {
	Matched  int
	Created  int
	Failures int
}

type Dispatcher struct {
	registry    Registry
	ledger      Ledger
	attempter   Deliverer
	policy      webhook.Policy
	concurrency int
	log         *logging.Logger
	now         func() time.Time
}

type Option func(*Dispatcher)

func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

func WithPolicy(p webhook.Policy) Option {
	return func(d *Dispatcher) { d.policy = p.Normalize() }
}

func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(registry Registry, ledger Ledger, attempter Deliverer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		ledger:      ledger,
		attempter:   attempter,
		policy:      webhook.DefaultPolicy(),
		concurrency: 8,
		log:         logging.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers payload as eventType to every active subscription of
// tenantID that listens to it. Only a failed subscription lookup is returned
// as an error; per-subscription failures are logged and counted.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID, eventType string, payload any) error {
	_, err := d.DispatchWithResult(ctx, tenantID, eventType, payload)
	return err
}

// DispatchWithResult is Dispatch returning a summary of the fan-out.
func (d *Dispatcher) DispatchWithResult(ctx context.Context, tenantID, eventType string, payload any) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch",
		attribute.String("tenant.id", tenantID),
		attribute.String("event.type", eventType),
	)
	defer span.End()

	body, err := Canonicalize(payload)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}

	subs, err := d.registry.ListActive(ctx, tenantID, eventType)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("lookup subscriptions for %s/%s: %w", tenantID, eventType, err)
	}
	metrics.RecordDispatch(tenantID, len(subs))
	span.SetAttributes(attribute.Int("subscriptions.matched", len(subs)))

	res := Result{Matched: len(subs)}
	if len(subs) == 0 {
		d.log.WithContext(ctx).WithTenant(tenantID).WithEvent(eventType).Debug("no matching subscriptions")
		return res, nil
	}

	var created, failures atomic.Int64
	swg := syncs.NewSizedGroup(d.concurrency, syncs.Context(ctx))
	for _, sub := range subs {
		sub := sub // per-iteration copy (go 1.21 loop semantics)
		swg.Go(func(ctx context.Context) {
			ok, err := d.deliverOne(ctx, tenantID, eventType, body, sub)
			if ok {
				created.Add(1)
			}
			if err != nil {
				failures.Add(1)
				d.log.WithContext(ctx).
					WithTenant(tenantID).
					WithEvent(eventType).
					WithSubscription(sub.ID).
					WithError(err).
					Error("dispatch to subscription failed")
			}
		})
	}
	swg.Wait()

	res.Created = int(created.Load())
	res.Failures = int(failures.Load())
	d.log.WithContext(ctx).WithTenant(tenantID).WithEvent(eventType).
		WithFields(map[string]any{"matched": res.Matched, "created": res.Created, "failures": res.Failures}).
		Info("event dispatched")
	return res, nil
}

// deliverOne creates the ledger row for sub and runs attempt #1. The row is
// created with a claim lease so a concurrent reconciler pass leaves it alone.
func (d *Dispatcher) deliverOne(ctx context.Context, tenantID, eventType, body string, sub webhook.Subscription) (bool, error) {
	now := d.now()
	lease := now.Add(d.policy.ClaimLease)
	del := &webhook.Delivery{
		SubscriptionID: sub.ID,
		TenantID:       tenantID,
		EventType:      eventType,
		Payload:        body,
		Attempts:       1,
		CreatedAt:      now,
		ClaimedUntil:   &lease,
	}
	if err := d.ledger.CreateDelivery(ctx, del); err != nil {
		return false, fmt.Errorf("create delivery: %w", err)
	}
	if err := d.ledger.TouchSubscription(ctx, sub.ID, now); err != nil {
		d.log.WithContext(ctx).WithSubscription(sub.ID).WithError(err).Warn("stamp last_triggered_at failed")
	}
	if err := d.attempter.Deliver(ctx, del, sub); err != nil {
		return true, err
	}
	return true, nil
}

// Canonicalize renders payload as the exact JSON text that is stored, signed
// and sent. json.RawMessage and []byte are compacted; other values are
// marshalled with sorted map keys and without HTML escaping.
func Canonicalize(payload any) (string, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	}
	if raw != nil {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", fmt.Errorf("payload is not valid JSON: %v: %w", err, webhook.ErrInvalid)
		}
		return buf.String(), nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return "", fmt.Errorf("encode payload: %v: %w", err, webhook.ErrInvalid)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
