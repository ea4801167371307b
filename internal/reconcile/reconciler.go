// Package reconcile re-attempts failed deliveries that are still inside the
// retry window and under the attempt limit.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/syncs"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/tracing"
	"github.com/austindbirch/harbor_relay/internal/webhook"
)

// Ledger claims deliveries for a pass.
type Ledger interface {
	ClaimRetryable(ctx context.Context, q webhook.ClaimQuery) ([]webhook.RetryCandidate, error)
}

// ExpiryLedger lists deliveries that left the retry window without being
// delivered. Ledgers that implement it get those rows reported as expired.
type ExpiryLedger interface {
	ListExpired(ctx context.Context, q webhook.ExpiryQuery) ([]webhook.Delivery, error)
}

// Deliverer performs one delivery attempt and records it.
type Deliverer interface {
	Deliver(ctx context.Context, d *webhook.Delivery, sub webhook.Subscription) error
}

// ExhaustionSink receives a notice for each delivery that used its last
// attempt or aged out of the retry window.
type ExhaustionSink interface {
	Exhausted(ctx context.Context, n delivery.ExhaustedNotice) error
}

// Stats summarises one pass.
type Stats struct {
	Claimed   int           `json:"claimed"`
	Retried   int           `json:"retried"`
	Recovered int           `json:"recovered"`
	Exhausted int           `json:"exhausted"`
	Expired   int           `json:"expired"`
	LeaseLost int           `json:"lease_lost"`
	Errors    int           `json:"errors"`
	Skipped   bool          `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

type Reconciler struct {
	ledger      Ledger
	attempter   Deliverer
	policy      webhook.Policy
	batch       int
	concurrency int
	locker      Locker
	sink        ExhaustionSink
	log         *logging.Logger
	now         func() time.Time

	mu       sync.Mutex
	lastPass time.Time // zero until the first completed pass
}

type Option func(*Reconciler)

func WithPolicy(p webhook.Policy) Option {
	return func(r *Reconciler) { r.policy = p.Normalize() }
}

func WithBatch(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.batch = n
		}
	}
}

func WithConcurrency(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithLocker(l Locker) Option {
	return func(r *Reconciler) { r.locker = l }
}

func WithExhaustionSink(s ExhaustionSink) Option {
	return func(r *Reconciler) { r.sink = s }
}

func WithLogger(l *logging.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(ledger Ledger, attempter Deliverer, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger:      ledger,
		attempter:   attempter,
		policy:      webhook.DefaultPolicy(),
		batch:       500,
		concurrency: 8,
		log:         logging.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one reconciliation pass. An error is returned only when the
// pass could not start (lock backend or claim query failure); per-delivery
// failures are counted in Stats.Errors.
func (r *Reconciler) Run(ctx context.Context) (Stats, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "reconcile.pass")
	defer span.End()

	if r.locker != nil {
		token, ok, err := r.locker.TryLock(ctx)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			metrics.RecordReconcilePass("error", 0, 0, 0, time.Since(start))
			return Stats{}, fmt.Errorf("reconcile lock: %w", err)
		}
		if !ok {
			stats := Stats{Skipped: true, Duration: time.Since(start)}
			metrics.RecordReconcilePass("skipped", 0, 0, 0, stats.Duration)
			r.log.WithContext(ctx).Info("reconcile pass skipped, another pass holds the lock")
			return stats, nil
		}
		defer func() {
			// release even if ctx was cancelled mid-pass
			if err := r.locker.Unlock(context.WithoutCancel(ctx), token); err != nil {
				r.log.WithContext(ctx).WithError(err).Warn("release reconcile lock failed")
			}
		}()
	}

	passStart := r.now()
	q := r.policy.ClaimQuery(passStart, r.batch)
	q.LeaseUntil = passStart.Add(r.policy.PassLease(r.batch, r.concurrency))
	candidates, err := r.ledger.ClaimRetryable(ctx, q)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordReconcilePass("error", 0, 0, 0, time.Since(start))
		return Stats{}, fmt.Errorf("claim retryable deliveries: %w", err)
	}

	var retried, recovered, exhausted, leaseLost, errs atomic.Int64
	swg := syncs.NewSizedGroup(r.concurrency, syncs.Context(ctx))
	for _, c := range candidates {
		c := c // per-iteration copy (go 1.21 loop semantics)
		swg.Go(func(ctx context.Context) {
			d := c.Delivery
			if d.ClaimedUntil != nil && !r.now().Before(*d.ClaimedUntil) {
				// another pass may already own the row
				leaseLost.Add(1)
				r.log.WithContext(ctx).WithTenant(d.TenantID).WithDelivery(d.ID).
					Warn("claim lapsed before the retry started, skipping")
				return
			}
			if err := r.attempter.Deliver(ctx, &d, c.Subscription); err != nil {
				if errors.Is(err, webhook.ErrLeaseLost) {
					leaseLost.Add(1)
					return
				}
				errs.Add(1)
				r.log.WithContext(ctx).WithTenant(d.TenantID).WithDelivery(d.ID).WithError(err).
					Error("retry attempt failed to record")
				return
			}
			retried.Add(1)
			switch {
			case d.Delivered():
				recovered.Add(1)
			case d.Attempts >= r.policy.MaxAttempts:
				exhausted.Add(1)
				r.exhausted(ctx, d, fmt.Sprintf("max attempts reached (%d)", d.Attempts))
			}
		})
	}
	swg.Wait()

	expired, err := r.reportExpired(ctx, passStart)
	if err != nil {
		errs.Add(1)
		r.log.WithContext(ctx).WithError(err).Error("list expired deliveries failed")
	}

	stats := Stats{
		Claimed:   len(candidates),
		Retried:   int(retried.Load()),
		Recovered: int(recovered.Load()),
		Exhausted: int(exhausted.Load()),
		Expired:   expired,
		LeaseLost: int(leaseLost.Load()),
		Errors:    int(errs.Load()),
		Duration:  time.Since(start),
	}
	span.SetAttributes(
		attribute.Int("reconcile.claimed", stats.Claimed),
		attribute.Int("reconcile.recovered", stats.Recovered),
		attribute.Int("reconcile.exhausted", stats.Exhausted),
		attribute.Int("reconcile.expired", stats.Expired),
		attribute.Int("reconcile.lease_lost", stats.LeaseLost),
		attribute.Int("reconcile.errors", stats.Errors),
	)
	metrics.RecordReconcilePass("ok", stats.Retried, stats.Recovered, stats.Exhausted, stats.Duration)
	metrics.AddReconcileDeliveries("expired", stats.Expired)
	metrics.AddReconcileDeliveries("lease_lost", stats.LeaseLost)
	r.log.WithContext(ctx).WithFields(map[string]any{
		"claimed":     stats.Claimed,
		"retried":     stats.Retried,
		"recovered":   stats.Recovered,
		"exhausted":   stats.Exhausted,
		"expired":     stats.Expired,
		"lease_lost":  stats.LeaseLost,
		"errors":      stats.Errors,
		"duration_ms": stats.Duration.Milliseconds(),
	}).Info("reconcile pass finished")
	return stats, nil
}

// reportExpired emits a notice for every delivery whose created_at crossed
// the window edge since the previous pass. Each row crosses the edge once, so
// a single reconciler reports it once. The first pass only sets the mark.
func (r *Reconciler) reportExpired(ctx context.Context, now time.Time) (int, error) {
	el, ok := r.ledger.(ExpiryLedger)
	if !ok {
		return 0, nil
	}
	r.mu.Lock()
	last := r.lastPass
	if now.After(last) {
		r.lastPass = now
	}
	r.mu.Unlock()
	if last.IsZero() || !now.After(last) {
		return 0, nil
	}

	rows, err := el.ListExpired(ctx, webhook.ExpiryQuery{
		From:        r.policy.WindowStart(last),
		To:          r.policy.WindowStart(now),
		Now:         now,
		MaxAttempts: r.policy.MaxAttempts,
	})
	if err != nil {
		return 0, err
	}
	reason := fmt.Sprintf("retry window elapsed (%s)", r.policy.RetryWindow)
	for _, d := range rows {
		r.exhausted(ctx, d, reason)
	}
	return len(rows), nil
}

func (r *Reconciler) exhausted(ctx context.Context, d webhook.Delivery, reason string) {
	r.log.WithContext(ctx).WithTenant(d.TenantID).WithSubscription(d.SubscriptionID).WithDelivery(d.ID).
		WithFields(map[string]any{"attempts": d.Attempts, "reason": reason}).
		Warn("delivery exhausted")
	if r.sink == nil {
		return
	}
	if err := r.sink.Exhausted(ctx, delivery.NewExhaustedNotice(d, reason, r.now())); err != nil {
		r.log.WithContext(ctx).WithDelivery(d.ID).WithError(err).Error("exhausted notice failed")
	}
}
