// Package memstore keeps subscriptions and deliveries in process memory. It is
// used by tests and by the STORE_DRIVER=memory development mode.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_relay/internal/webhook"
)

type Store struct {
	mu         sync.Mutex
	subs       map[string]*webhook.Subscription
	deleted    map[string]*webhook.Subscription // soft-deleted, invisible to reads
	deliveries map[string]*webhook.Delivery
	now        func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		subs:       make(map[string]*webhook.Subscription),
		deleted:    make(map[string]*webhook.Subscription),
		deliveries: make(map[string]*webhook.Delivery),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock used for default timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateSubscription(_ context.Context, sub *webhook.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	_, live := s.subs[sub.ID]
	_, gone := s.deleted[sub.ID]
	if live || gone {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	now := s.now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	cp := cloneSub(*sub)
	s.subs[sub.ID] = &cp
	return nil
}

func (s *Store) GetSubscription(_ context.Context, tenantID, id string) (webhook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok || sub.TenantID != tenantID {
		return webhook.Subscription{}, fmt.Errorf("subscription %s: %w", id, webhook.ErrNotFound)
	}
	return cloneSub(*sub), nil
}

func (s *Store) ListSubscriptions(_ context.Context, tenantID string) ([]webhook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []webhook.Subscription
	for _, sub := range s.subs {
		if sub.TenantID == tenantID {
			out = append(out, cloneSub(*sub))
		}
	}
	sortSubs(out)
	return out, nil
}

func (s *Store) ListActiveSubscriptions(_ context.Context, tenantID, eventType string) ([]webhook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []webhook.Subscription
	for _, sub := range s.subs {
		if sub.TenantID == tenantID && sub.Active && sub.Matches(eventType) {
			out = append(out, cloneSub(*sub))
		}
	}
	sortSubs(out)
	return out, nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub *webhook.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.subs[sub.ID]
	if !ok || cur.TenantID != sub.TenantID {
		return fmt.Errorf("subscription %s: %w", sub.ID, webhook.ErrNotFound)
	}
	cur.URL = sub.URL
	cur.Events = append([]string(nil), sub.Events...)
	cur.Active = sub.Active
	cur.UpdatedAt = s.now()
	*sub = cloneSub(*cur)
	return nil
}

// DeleteSubscription hides the subscription from every read and stops its
// deliveries from being retried. The deliveries themselves are kept.
func (s *Store) DeleteSubscription(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok || sub.TenantID != tenantID {
		return fmt.Errorf("subscription %s: %w", id, webhook.ErrNotFound)
	}
	sub.Active = false
	sub.UpdatedAt = s.now()
	s.deleted[id] = sub
	delete(s.subs, id)
	return nil
}

func (s *Store) TouchSubscription(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return fmt.Errorf("subscription %s: %w", id, webhook.ErrNotFound)
	}
	t := at
	sub.LastTriggeredAt = &t
	return nil
}

func (s *Store) CreateDelivery(_ context.Context, d *webhook.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[d.SubscriptionID]
	if !ok {
		return fmt.Errorf("subscription %s: %w", d.SubscriptionID, webhook.ErrNotFound)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Attempts < 1 {
		d.Attempts = 1
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	if d.TenantID == "" {
		d.TenantID = sub.TenantID
	}
	cp := cloneDelivery(*d)
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *Store) RecordAttempt(_ context.Context, id string, r webhook.AttemptResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s: %w", id, webhook.ErrNotFound)
	}
	if r.Lease != nil && (d.ClaimedUntil == nil || !d.ClaimedUntil.Equal(*r.Lease)) {
		return fmt.Errorf("delivery %s: %w", id, webhook.ErrLeaseLost)
	}
	attempts := max(d.Attempts, r.Attempt)
	d.Apply(r)
	d.Attempts = attempts
	return nil
}

func (s *Store) ClaimRetryable(_ context.Context, q webhook.ClaimQuery) ([]webhook.RetryCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*webhook.Delivery
	for _, d := range s.deliveries {
		if d.Delivered() || d.Attempts >= q.MaxAttempts || d.CreatedAt.Before(q.WindowStart) {
			continue
		}
		if d.ClaimedUntil != nil && d.ClaimedUntil.After(q.Now) {
			continue
		}
		if _, ok := s.subs[d.SubscriptionID]; !ok {
			continue
		}
		eligible = append(eligible, d)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if q.Limit > 0 && len(eligible) > q.Limit {
		eligible = eligible[:q.Limit]
	}

	out := make([]webhook.RetryCandidate, 0, len(eligible))
	for _, d := range eligible {
		lease := q.LeaseUntil
		d.Attempts++
		d.ClaimedUntil = &lease
		out = append(out, webhook.RetryCandidate{
			Delivery:     cloneDelivery(*d),
			Subscription: cloneSub(*s.subs[d.SubscriptionID]),
		})
	}
	return out, nil
}

func (s *Store) ListExpired(_ context.Context, q webhook.ExpiryQuery) ([]webhook.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []webhook.Delivery
	for _, d := range s.deliveries {
		if d.Delivered() || d.Attempts >= q.MaxAttempts {
			continue
		}
		if d.CreatedAt.Before(q.From) || !d.CreatedAt.Before(q.To) {
			continue
		}
		if d.ClaimedUntil != nil && d.ClaimedUntil.After(q.Now) {
			continue
		}
		if _, ok := s.subs[d.SubscriptionID]; !ok {
			continue
		}
		out = append(out, cloneDelivery(*d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) GetDelivery(_ context.Context, tenantID, id string) (webhook.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[id]
	if !ok || d.TenantID != tenantID {
		return webhook.Delivery{}, fmt.Errorf("delivery %s: %w", id, webhook.ErrNotFound)
	}
	return cloneDelivery(*d), nil
}

func (s *Store) ListDeliveries(_ context.Context, f webhook.DeliveryFilter) ([]webhook.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []webhook.Delivery
	for _, d := range s.deliveries {
		if d.TenantID != f.TenantID {
			continue
		}
		if f.SubscriptionID != "" && d.SubscriptionID != f.SubscriptionID {
			continue
		}
		if f.EventType != "" && d.EventType != f.EventType {
			continue
		}
		out = append(out, cloneDelivery(*d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Put stores a delivery verbatim, bypassing defaults. Tests use it to seed
// rows with arbitrary ages and attempt counts.
func (s *Store) Put(d webhook.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneDelivery(d)
	s.deliveries[d.ID] = &cp
}

// Deliveries returns a snapshot of every stored delivery, oldest first.
func (s *Store) Deliveries() []webhook.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]webhook.Delivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		out = append(out, cloneDelivery(*d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func sortSubs(subs []webhook.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}

func cloneSub(s webhook.Subscription) webhook.Subscription {
	s.Events = append([]string(nil), s.Events...)
	if s.LastTriggeredAt != nil {
		t := *s.LastTriggeredAt
		s.LastTriggeredAt = &t
	}
	return s
}

func cloneDelivery(d webhook.Delivery) webhook.Delivery {
	if d.ResponseStatus != nil {
		v := *d.ResponseStatus
		d.ResponseStatus = &v
	}
	if d.ResponseBody != nil {
		v := *d.ResponseBody
		d.ResponseBody = &v
	}
	if d.DeliveredAt != nil {
		v := *d.DeliveredAt
		d.DeliveredAt = &v
	}
	if d.ClaimedUntil != nil {
		v := *d.ClaimedUntil
		d.ClaimedUntil = &v
	}
	return d
}
