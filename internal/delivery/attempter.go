// Package delivery performs single webhook delivery attempts and records their
// outcome on the delivery ledger.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/signing"
	"github.com/austindbirch/harbor_relay/internal/tracing"
	"github.com/austindbirch/harbor_relay/internal/webhook"
)

const (
	EventHeader    = "X-Webhook-Event"
	DeliveryHeader = "X-Webhook-Delivery"
	RetryHeader    = "X-Webhook-Retry"

	// SimulatedBody is stored as the response body of simulated attempts.
	SimulatedBody = "SIMULATED"
)

// Options configure an Attempter. Zero values fall back to defaults.
type Options struct {
	Policy    webhook.Policy
	Simulate  bool
	UserAgent string
	Client    *http.Client
	Logger    *logging.Logger
	Now       func() time.Time
}

// Attempter sends one attempt of a delivery and persists the result.
type Attempter struct {
	ledger    webhook.DeliveryStore
	client    *http.Client
	policy    webhook.Policy
	simulate  bool
	userAgent string
	log       *logging.Logger
	now       func() time.Time
}

func NewAttempter(ledger webhook.DeliveryStore, opts Options) *Attempter {
	a := &Attempter{
		ledger:    ledger,
		client:    opts.Client,
		policy:    opts.Policy.Normalize(),
		simulate:  opts.Simulate,
		userAgent: opts.UserAgent,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if a.client == nil {
		a.client = &http.Client{}
	}
	if a.userAgent == "" {
		a.userAgent = "harborrelay/1.0"
	}
	if a.log == nil {
		a.log = logging.Default()
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	return a
}

// Simulated reports whether attempts skip the network.
func (a *Attempter) Simulated() bool { return a.simulate }

// Policy returns the normalized delivery policy.
func (a *Attempter) Policy() webhook.Policy { return a.policy }

// Deliver performs attempt number d.Attempts for d against sub and records the
// outcome with a single ledger update. On return d reflects the recorded
// state. Delivery failures are data, not errors: the only error returned is
// the ledger write failing.
func (a *Attempter) Deliver(ctx context.Context, d *webhook.Delivery, sub webhook.Subscription) error {
	ctx, span := tracing.StartSpan(ctx, "delivery.attempt",
		attribute.String("delivery.id", d.ID),
		attribute.String("subscription.id", sub.ID),
		attribute.String("tenant.id", d.TenantID),
		attribute.String("event.type", d.EventType),
		attribute.Int("delivery.attempt", d.Attempts),
		attribute.Bool("delivery.simulated", a.simulate),
	)
	defer span.End()

	var res webhook.AttemptResult
	if a.simulate {
		res = a.simulated(d)
	} else {
		res = a.send(ctx, d, sub)
	}
	res.Lease = d.ClaimedUntil

	reason := ""
	if !res.Delivered() {
		reason = ClassifyReason(res.Err, res.Status)
	}
	span.SetAttributes(
		attribute.Int("http.status_code", res.Status),
		attribute.Int64("http.latency_ms", res.Latency.Milliseconds()),
	)
	if reason != "" {
		span.SetAttributes(attribute.String("failure_reason", reason))
	}
	metrics.RecordAttempt(source(res.Attempt), res.Status, res.Delivered(), res.Simulated, reason, res.Latency)

	entry := a.log.WithContext(ctx).
		WithTenant(d.TenantID).
		WithEvent(d.EventType).
		WithSubscription(sub.ID).
		WithDelivery(d.ID).
		WithFields(map[string]any{
			"attempt":    res.Attempt,
			"status":     res.Status,
			"latency_ms": res.Latency.Milliseconds(),
		})
	if res.Delivered() {
		entry.Info("delivery attempt succeeded")
	} else {
		entry.WithField("reason", reason).WithError(res.Err).Warn("delivery attempt failed")
	}

	if err := a.ledger.RecordAttempt(ctx, d.ID, res); err != nil {
		tracing.SetSpanError(ctx, err)
		if errors.Is(err, webhook.ErrLeaseLost) {
			a.log.WithContext(ctx).WithDelivery(d.ID).WithError(err).Warn("attempt outlived its claim, result dropped")
		} else {
			a.log.WithContext(ctx).WithDelivery(d.ID).WithError(err).Error("record attempt failed")
		}
		return fmt.Errorf("record attempt %d of delivery %s: %w", res.Attempt, d.ID, err)
	}
	d.Apply(res)
	return nil
}

func (a *Attempter) simulated(d *webhook.Delivery) webhook.AttemptResult {
	now := a.now()
	return webhook.AttemptResult{
		Attempt:     d.Attempts,
		Status:      http.StatusOK,
		Body:        SimulatedBody,
		DeliveredAt: &now,
		Simulated:   true,
	}
}

func (a *Attempter) send(ctx context.Context, d *webhook.Delivery, sub webhook.Subscription) webhook.AttemptResult {
	res := webhook.AttemptResult{Attempt: d.Attempts}

	ctx, cancel := context.WithTimeout(ctx, a.policy.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, strings.NewReader(d.Payload))
	if err != nil {
		res.Err = err
		res.Body = webhook.Truncate(err.Error(), a.policy.ResponseBodyLimit)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set(signing.Header, signing.Sign(d.Payload, sub.Secret))
	req.Header.Set(EventHeader, d.EventType)
	req.Header.Set(DeliveryHeader, d.ID)
	req.Header.Set(RetryHeader, strconv.Itoa(d.Attempts))
	tracing.InjectHeaders(ctx, req.Header)

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		res.Latency = time.Since(start)
		res.Err = err
		res.Body = webhook.Truncate(err.Error(), a.policy.ResponseBodyLimit)
		return res
	}
	defer resp.Body.Close()

	// Enough bytes for ResponseBodyLimit runes of any width.
	limit := int64(a.policy.ResponseBodyLimit) * utf8.UTFMax
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, limit))
	res.Latency = time.Since(start)
	res.Status = resp.StatusCode
	res.Body = webhook.Truncate(string(body), a.policy.ResponseBodyLimit)
	if readErr != nil {
		tracing.AddSpanEvent(ctx, "http.read_body_failed", attribute.String("error", readErr.Error()))
	}
	if resp.StatusCode == http.StatusOK {
		now := a.now()
		res.DeliveredAt = &now
	}
	return res
}

func source(attempt int) string {
	if attempt <= 1 {
		return "dispatch"
	}
	return "reconcile"
}

// ClassifyReason buckets a failed attempt for metrics and logs.
func ClassifyReason(err error, status int) string {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		errLower := strings.ToLower(err.Error())
		switch {
		case strings.Contains(errLower, "timeout"):
			return "timeout"
		case strings.Contains(errLower, "connection refused"):
			return "connection_refused"
		case strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns"):
			return "dns_error"
		}
		return "network"
	}
	switch {
	case status >= 500:
		return "http_5xx"
	case status == http.StatusTooManyRequests:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	case status >= 300:
		return "http_3xx"
	case status >= 200:
		return "non_200"
	}
	return "other"
}
