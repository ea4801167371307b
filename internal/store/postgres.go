// Package store persists subscriptions and deliveries in Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_relay/internal/webhook"
)

const subscriptionCols = `id::text, tenant_id, url, secret, events, is_active, failure_count,
	last_triggered_at, created_at, updated_at`

const deliveryCols = `id::text, subscription_id::text, tenant_id, event_type, payload, attempts,
	response_status, response_body, delivered_at, created_at, claimed_until`

// Postgres implements webhook.SubscriptionStore and webhook.DeliveryStore.
type Postgres struct {
	pool *pgxpool.Pool
}

// New wraps an open pool. Schema management is left to db.Migrate.
func New(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Ping reports whether the database answers.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) CreateSubscription(ctx context.Context, s *webhook.Subscription) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO harborrelay.subscriptions(id, tenant_id, url, secret, events, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+subscriptionCols,
		s.ID, s.TenantID, s.URL, s.Secret, s.Events, s.Active,
	)
	if err := scanSubscription(row, s); err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (p *Postgres) GetSubscription(ctx context.Context, tenantID, id string) (webhook.Subscription, error) {
	var s webhook.Subscription
	if !validID(id) {
		return s, fmt.Errorf("subscription %s: %w", id, webhook.ErrNotFound)
	}
	row := p.pool.QueryRow(ctx, `
		SELECT `+subscriptionCols+`
		FROM harborrelay.subscriptions
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err := scanSubscription(row, &s); err != nil {
		return s, notFound("subscription", id, err)
	}
	return s, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID string) ([]webhook.Subscription, error) {
	return p.querySubscriptions(ctx, `
		SELECT `+subscriptionCols+`
		FROM harborrelay.subscriptions
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY created_at, id`, tenantID)
}

func (p *Postgres) ListActiveSubscriptions(ctx context.Context, tenantID, eventType string) ([]webhook.Subscription, error) {
	return p.querySubscriptions(ctx, `
		SELECT `+subscriptionCols+`
		FROM harborrelay.subscriptions
		WHERE tenant_id = $1 AND is_active AND deleted_at IS NULL
		  AND ($2 = ANY(events) OR $3 = ANY(events))
		ORDER BY created_at, id`, tenantID, eventType, webhook.AllEvents)
}

func (p *Postgres) UpdateSubscription(ctx context.Context, s *webhook.Subscription) error {
	if !validID(s.ID) {
		return fmt.Errorf("subscription %s: %w", s.ID, webhook.ErrNotFound)
	}
	row := p.pool.QueryRow(ctx, `
		UPDATE harborrelay.subscriptions
		SET url = $3, events = $4, is_active = $5, updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
		RETURNING `+subscriptionCols,
		s.ID, s.TenantID, s.URL, s.Events, s.Active,
	)
	if err := scanSubscription(row, s); err != nil {
		return notFound("subscription", s.ID, err)
	}
	return nil
}

// DeleteSubscription soft-deletes the subscription. Its deliveries stay in
// the ledger but are no longer retried.
func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	if !validID(id) {
		return fmt.Errorf("subscription %s: %w", id, webhook.ErrNotFound)
	}
	ct, err := p.pool.Exec(ctx, `
		UPDATE harborrelay.subscriptions
		SET deleted_at = now(), is_active = false, updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, webhook.ErrNotFound)
	}
	return nil
}

func (p *Postgres) TouchSubscription(ctx context.Context, id string, at time.Time) error {
	if !validID(id) {
		return fmt.Errorf("subscription %s: %w", id, webhook.ErrNotFound)
	}
	ct, err := p.pool.Exec(ctx, `
		UPDATE harborrelay.subscriptions SET last_triggered_at = $2
		WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("touch subscription: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, webhook.ErrNotFound)
	}
	return nil
}

// CreateDelivery inserts the ledger row. The tenant is always taken from the
// owning subscription.
func (p *Postgres) CreateDelivery(ctx context.Context, d *webhook.Delivery) error {
	if !validID(d.SubscriptionID) {
		return fmt.Errorf("subscription %s: %w", d.SubscriptionID, webhook.ErrNotFound)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	var createdAt *time.Time
	if !d.CreatedAt.IsZero() {
		createdAt = &d.CreatedAt
	}
	row := p.pool.QueryRow(ctx, `
		INSERT INTO harborrelay.deliveries(id, subscription_id, tenant_id, event_type, payload,
			attempts, created_at, claimed_until)
		SELECT $1::uuid, s.id, s.tenant_id, $3::text, $4::text, GREATEST($5::int, 1),
			COALESCE($6::timestamptz, now()), $7::timestamptz
		FROM harborrelay.subscriptions s
		WHERE s.id = $2 AND s.deleted_at IS NULL
		RETURNING `+deliveryCols,
		d.ID, d.SubscriptionID, d.EventType, d.Payload, d.Attempts, createdAt, d.ClaimedUntil,
	)
	if err := scanDelivery(row, d); err != nil {
		return notFound("subscription", d.SubscriptionID, err)
	}
	return nil
}

// RecordAttempt stores the outcome of an attempt and releases any claim.
// attempts never moves backwards. With r.Lease set the write only lands while
// the row still carries that claim.
func (p *Postgres) RecordAttempt(ctx context.Context, id string, r webhook.AttemptResult) error {
	if !validID(id) {
		return fmt.Errorf("delivery %s: %w", id, webhook.ErrNotFound)
	}
	ct, err := p.pool.Exec(ctx, `
		UPDATE harborrelay.deliveries
		SET attempts = GREATEST(attempts, $2),
		    response_status = $3,
		    response_body = $4,
		    delivered_at = $5,
		    claimed_until = NULL
		WHERE id = $1
		  AND ($6::timestamptz IS NULL OR claimed_until = $6::timestamptz)`,
		id, r.Attempt, r.Status, sanitize(r.Body), r.DeliveredAt, r.Lease,
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if ct.RowsAffected() > 0 {
		return nil
	}
	if r.Lease != nil {
		var exists bool
		if err := p.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM harborrelay.deliveries WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}
		if exists {
			return fmt.Errorf("delivery %s: %w", id, webhook.ErrLeaseLost)
		}
	}
	return fmt.Errorf("delivery %s: %w", id, webhook.ErrNotFound)
}

// ClaimRetryable locks eligible rows with SKIP LOCKED, bumps their attempt
// counter and leases them until q.LeaseUntil, all in one statement. Concurrent
// callers therefore receive disjoint sets.
func (p *Postgres) ClaimRetryable(ctx context.Context, q webhook.ClaimQuery) ([]webhook.RetryCandidate, error) {
	var limit any
	if q.Limit > 0 {
		limit = q.Limit
	}
	rows, err := p.pool.Query(ctx, `
		WITH picked AS (
			SELECT id
			FROM harborrelay.deliveries
			WHERE delivered_at IS NULL
			  AND attempts < $1
			  AND created_at >= $2
			  AND (claimed_until IS NULL OR claimed_until <= $3)
			  AND EXISTS (
			    SELECT 1 FROM harborrelay.subscriptions s
			    WHERE s.id = subscription_id AND s.deleted_at IS NULL)
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE harborrelay.deliveries d
		SET attempts = d.attempts + 1, claimed_until = $5
		FROM picked, harborrelay.subscriptions s
		WHERE d.id = picked.id AND s.id = d.subscription_id
		RETURNING d.id::text, d.subscription_id::text, d.tenant_id, d.event_type, d.payload, d.attempts,
			d.response_status, d.response_body, d.delivered_at, d.created_at, d.claimed_until,
			s.id::text, s.tenant_id, s.url, s.secret, s.events, s.is_active, s.failure_count,
			s.last_triggered_at, s.created_at, s.updated_at`,
		q.MaxAttempts, q.WindowStart, q.Now, limit, q.LeaseUntil,
	)
	if err != nil {
		return nil, fmt.Errorf("claim retryable: %w", err)
	}
	defer rows.Close()

	var out []webhook.RetryCandidate
	for rows.Next() {
		var c webhook.RetryCandidate
		d, s := &c.Delivery, &c.Subscription
		if err := rows.Scan(
			&d.ID, &d.SubscriptionID, &d.TenantID, &d.EventType, &d.Payload, &d.Attempts,
			&d.ResponseStatus, &d.ResponseBody, &d.DeliveredAt, &d.CreatedAt, &d.ClaimedUntil,
			&s.ID, &s.TenantID, &s.URL, &s.Secret, &s.Events, &s.Active, &s.FailureCount,
			&s.LastTriggeredAt, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan claimed delivery: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim retryable: %w", err)
	}
	// RETURNING order is unspecified
	sort.Slice(out, func(i, j int) bool {
		return out[i].Delivery.CreatedAt.Before(out[j].Delivery.CreatedAt)
	})
	return out, nil
}

// ListExpired returns deliveries that aged out of the retry window in
// [q.From, q.To) without being delivered or using every attempt.
func (p *Postgres) ListExpired(ctx context.Context, q webhook.ExpiryQuery) ([]webhook.Delivery, error) {
	var limit any
	if q.Limit > 0 {
		limit = q.Limit
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+deliveryCols+`
		FROM harborrelay.deliveries d
		WHERE delivered_at IS NULL
		  AND attempts < $1
		  AND created_at >= $2 AND created_at < $3
		  AND (claimed_until IS NULL OR claimed_until <= $4)
		  AND EXISTS (
		    SELECT 1 FROM harborrelay.subscriptions s
		    WHERE s.id = d.subscription_id AND s.deleted_at IS NULL)
		ORDER BY created_at
		LIMIT $5`,
		q.MaxAttempts, q.From, q.To, q.Now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()

	var out []webhook.Delivery
	for rows.Next() {
		var d webhook.Delivery
		if err := scanDelivery(rows, &d); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) GetDelivery(ctx context.Context, tenantID, id string) (webhook.Delivery, error) {
	var d webhook.Delivery
	if !validID(id) {
		return d, fmt.Errorf("delivery %s: %w", id, webhook.ErrNotFound)
	}
	row := p.pool.QueryRow(ctx, `
		SELECT `+deliveryCols+`
		FROM harborrelay.deliveries
		WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err := scanDelivery(row, &d); err != nil {
		return d, notFound("delivery", id, err)
	}
	return d, nil
}

func (p *Postgres) ListDeliveries(ctx context.Context, f webhook.DeliveryFilter) ([]webhook.Delivery, error) {
	// Build dynamic WHERE clause
	args := []any{f.TenantID}
	where := "tenant_id = $1"
	if f.SubscriptionID != "" {
		if !validID(f.SubscriptionID) {
			return nil, nil
		}
		args = append(args, f.SubscriptionID)
		where += fmt.Sprintf(" AND subscription_id = $%d", len(args))
	}
	if f.EventType != "" {
		args = append(args, f.EventType)
		where += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	limit := ""
	if f.Limit > 0 {
		args = append(args, f.Limit)
		limit = fmt.Sprintf("LIMIT $%d", len(args))
	}

	q := fmt.Sprintf(`
		SELECT %s
		FROM harborrelay.deliveries
		WHERE %s
		ORDER BY created_at DESC
		%s`, deliveryCols, where, limit)

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []webhook.Delivery
	for rows.Next() {
		var d webhook.Delivery
		if err := scanDelivery(rows, &d); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) querySubscriptions(ctx context.Context, q string, args ...any) ([]webhook.Subscription, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []webhook.Subscription
	for rows.Next() {
		var s webhook.Subscription
		if err := scanSubscription(rows, &s); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSubscription(row pgx.Row, s *webhook.Subscription) error {
	return row.Scan(&s.ID, &s.TenantID, &s.URL, &s.Secret, &s.Events, &s.Active, &s.FailureCount,
		&s.LastTriggeredAt, &s.CreatedAt, &s.UpdatedAt)
}

func scanDelivery(row pgx.Row, d *webhook.Delivery) error {
	return row.Scan(&d.ID, &d.SubscriptionID, &d.TenantID, &d.EventType, &d.Payload, &d.Attempts,
		&d.ResponseStatus, &d.ResponseBody, &d.DeliveredAt, &d.CreatedAt, &d.ClaimedUntil)
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, webhook.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", kind, id, err)
}

// validID rejects ids Postgres would refuse to cast to uuid.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Postgres text columns cannot hold NUL or invalid UTF-8.
func sanitize(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
}
