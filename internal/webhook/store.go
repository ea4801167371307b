package webhook

import (
	"context"
	"time"
)

// SubscriptionStore persists subscriptions. Every read and write that takes a
// tenantID must ignore rows owned by other tenants. DeleteSubscription is a
// soft delete: the row disappears from every read and its deliveries stay.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, tenantID, id string) (Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]Subscription, error)
	ListActiveSubscriptions(ctx context.Context, tenantID, eventType string) ([]Subscription, error)
	UpdateSubscription(ctx context.Context, s *Subscription) error
	DeleteSubscription(ctx context.Context, tenantID, id string) error
	TouchSubscription(ctx context.Context, id string, at time.Time) error
}

// DeliveryStore is the delivery ledger. Rows are created once and then only
// updated in place, one row per statement. Rows are never deleted, not even
// when their subscription is.
//
// RecordAttempt returns ErrLeaseLost when r.Lease is set and no longer
// matches the row's claim.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *Delivery) error
	RecordAttempt(ctx context.Context, id string, r AttemptResult) error
	ClaimRetryable(ctx context.Context, q ClaimQuery) ([]RetryCandidate, error)
	GetDelivery(ctx context.Context, tenantID, id string) (Delivery, error)
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]Delivery, error)
}

// ClaimQuery selects deliveries that are not delivered, have attempts below
// MaxAttempts, were created at or after WindowStart and are not claimed past
// Now. Claiming increments attempts and sets claimed_until to LeaseUntil.
type ClaimQuery struct {
	Now         time.Time
	MaxAttempts int
	WindowStart time.Time
	LeaseUntil  time.Time
	Limit       int
}

// ExpiryQuery selects undelivered deliveries with attempts below MaxAttempts
// whose created_at lies in [From, To) and that are not claimed past Now. Such
// rows have just aged out of the retry window.
type ExpiryQuery struct {
	From        time.Time
	To          time.Time
	Now         time.Time
	MaxAttempts int
	Limit       int
}

// DeliveryFilter narrows ListDeliveries. TenantID is required.
type DeliveryFilter struct {
	TenantID       string
	SubscriptionID string
	EventType      string
	Limit          int
}
