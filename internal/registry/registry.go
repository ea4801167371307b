// Package registry manages tenant webhook subscriptions.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/webhook"
)

const secretBytes = 32

type CreateInput struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Active *bool    `json:"is_active,omitempty"`
}

// UpdateInput carries a partial update. Nil fields are left unchanged.
type UpdateInput struct {
	URL    *string   `json:"url,omitempty"`
	Events *[]string `json:"events,omitempty"`
	Active *bool     `json:"is_active,omitempty"`
}

type Service struct {
	store  webhook.SubscriptionStore
	log    *logging.Logger
	secret func() (string, error)
}

func New(store webhook.SubscriptionStore, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	return &Service{store: store, log: log, secret: generateSecret}
}

// Create registers a subscription and returns it including the generated
// secret. This is the only call that ever returns the secret.
func (s *Service) Create(ctx context.Context, tenantID string, in CreateInput) (webhook.Subscription, error) {
	if err := validateTenant(tenantID); err != nil {
		return webhook.Subscription{}, err
	}
	u, err := validateURL(in.URL)
	if err != nil {
		return webhook.Subscription{}, err
	}
	events, err := validateEvents(in.Events)
	if err != nil {
		return webhook.Subscription{}, err
	}

	secret, err := s.secret()
	if err != nil {
		return webhook.Subscription{}, fmt.Errorf("generate secret: %w", err)
	}

	sub := webhook.Subscription{
		TenantID: tenantID,
		URL:      u,
		Secret:   secret,
		Events:   events,
		Active:   in.Active == nil || *in.Active,
	}
	if err := s.store.CreateSubscription(ctx, &sub); err != nil {
		return webhook.Subscription{}, fmt.Errorf("create subscription: %w", err)
	}

	s.log.WithContext(ctx).
		WithTenant(tenantID).
		WithSubscription(sub.ID).
		WithFields(map[string]any{"url": sub.URL, "events": sub.Events}).
		Info("subscription created")
	return sub, nil
}

func (s *Service) Get(ctx context.Context, tenantID, id string) (webhook.Subscription, error) {
	if err := validateTenant(tenantID); err != nil {
		return webhook.Subscription{}, err
	}
	sub, err := s.store.GetSubscription(ctx, tenantID, id)
	if err != nil {
		return webhook.Subscription{}, err
	}
	return sub.Redacted(), nil
}

func (s *Service) List(ctx context.Context, tenantID string) ([]webhook.Subscription, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	subs, err := s.store.ListSubscriptions(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	for i := range subs {
		subs[i] = subs[i].Redacted()
	}
	return subs, nil
}

// ListActive returns the active subscriptions of tenantID listening to
// eventType, secrets included. It is the dispatcher's lookup and never
// leaves the process.
func (s *Service) ListActive(ctx context.Context, tenantID, eventType string) ([]webhook.Subscription, error) {
	subs, err := s.store.ListActiveSubscriptions(ctx, tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return subs, nil
}

func (s *Service) Update(ctx context.Context, tenantID, id string, in UpdateInput) (webhook.Subscription, error) {
	if err := validateTenant(tenantID); err != nil {
		return webhook.Subscription{}, err
	}
	sub, err := s.store.GetSubscription(ctx, tenantID, id)
	if err != nil {
		return webhook.Subscription{}, err
	}

	if in.URL != nil {
		u, err := validateURL(*in.URL)
		if err != nil {
			return webhook.Subscription{}, err
		}
		sub.URL = u
	}
	if in.Events != nil {
		events, err := validateEvents(*in.Events)
		if err != nil {
			return webhook.Subscription{}, err
		}
		sub.Events = events
	}
	if in.Active != nil {
		sub.Active = *in.Active
	}

	if err := s.store.UpdateSubscription(ctx, &sub); err != nil {
		return webhook.Subscription{}, fmt.Errorf("update subscription: %w", err)
	}
	s.log.WithContext(ctx).WithTenant(tenantID).WithSubscription(id).
		WithField("is_active", sub.Active).
		Info("subscription updated")
	return sub.Redacted(), nil
}

func (s *Service) Delete(ctx context.Context, tenantID, id string) error {
	if err := validateTenant(tenantID); err != nil {
		return err
	}
	if err := s.store.DeleteSubscription(ctx, tenantID, id); err != nil {
		return err
	}
	s.log.WithContext(ctx).WithTenant(tenantID).WithSubscription(id).Info("subscription deleted")
	return nil
}

func validateTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("tenant_id is required: %w", webhook.ErrInvalid)
	}
	return nil
}

func validateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is required: %w", webhook.ErrInvalid)
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return "", fmt.Errorf("url %q: %v: %w", raw, err, webhook.ErrInvalid)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("url scheme must be http or https: %w", webhook.ErrInvalid)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url must include a host: %w", webhook.ErrInvalid)
	}
	return u.String(), nil
}

func validateEvents(events []string) ([]string, error) {
	out := webhook.NormalizeEvents(events)
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one event is required: %w", webhook.ErrInvalid)
	}
	return out, nil
}

// generateSecret returns 256 bits of randomness, base64url encoded.
func generateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
