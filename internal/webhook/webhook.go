// Package webhook holds the domain model shared by the registry, the delivery
// ledger, the dispatcher and the retry reconciler.
package webhook

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// AllEvents subscribes a subscription to every event type.
const AllEvents = "*"

var (
	// ErrNotFound is returned when a record does not exist or belongs to another tenant.
	ErrNotFound = errors.New("not found")
	// ErrInvalid marks configuration errors rejected at create/update time.
	ErrInvalid = errors.New("invalid")
	// ErrLeaseLost is returned when an attempt is recorded under a claim that
	// has since lapsed or been taken over by another pass.
	ErrLeaseLost = errors.New("claim lease lost")
)

// Subscription is a tenant's registered interest in one or more event types.
type Subscription struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	URL             string     `json:"url"`
	Secret          string     `json:"secret,omitempty"`
	Events          []string   `json:"events"`
	Active          bool       `json:"is_active"`
	FailureCount    int        `json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Matches reports whether the subscription listens to eventType.
func (s Subscription) Matches(eventType string) bool {
	return slices.Contains(s.Events, eventType) || slices.Contains(s.Events, AllEvents)
}

// Redacted returns a copy without the signing secret.
func (s Subscription) Redacted() Subscription {
	s.Secret = ""
	return s
}

// Delivery is one notification of a single event occurrence to one subscription.
// Payload is the canonical JSON string frozen at dispatch time.
type Delivery struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	TenantID       string     `json:"tenant_id"`
	EventType      string     `json:"event_type"`
	Payload        string     `json:"payload"`
	Attempts       int        `json:"attempts"`
	ResponseStatus *int       `json:"response_status,omitempty"`
	ResponseBody   *string    `json:"response_body,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ClaimedUntil   *time.Time `json:"-"`
}

// Delivered reports whether the most recent attempt got a 200.
func (d Delivery) Delivered() bool {
	return d.DeliveredAt != nil
}

// Apply copies an attempt result onto the delivery.
func (d *Delivery) Apply(r AttemptResult) {
	status := r.Status
	body := r.Body
	d.Attempts = r.Attempt
	d.ResponseStatus = &status
	d.ResponseBody = &body
	d.DeliveredAt = r.DeliveredAt
	d.ClaimedUntil = nil
}

// State is the position of a delivery in its lifecycle.
type State string

const (
	StatePending       State = "pending"
	StateDelivered     State = "delivered"
	StateRetryEligible State = "retry_eligible"
	StateExhausted     State = "exhausted"
)

// State classifies the delivery at the given instant under policy p.
func (d Delivery) State(now time.Time, p Policy) State {
	switch {
	case d.Delivered():
		return StateDelivered
	case d.Attempts >= p.MaxAttempts || d.CreatedAt.Before(p.WindowStart(now)):
		return StateExhausted
	case d.ResponseStatus == nil:
		return StatePending
	default:
		return StateRetryEligible
	}
}

// AttemptResult is the outcome of a single delivery attempt.
type AttemptResult struct {
	Attempt     int
	Status      int // 0 on transport failure
	Body        string
	DeliveredAt *time.Time
	Latency     time.Duration
	Err         error // transport error, if any
	Simulated   bool
	// Lease is the claimed_until the attempt was made under. When set the
	// ledger refuses the write unless the row still carries the same claim.
	Lease *time.Time
}

// Delivered reports whether the attempt counts as delivered (strictly HTTP 200).
func (r AttemptResult) Delivered() bool {
	return r.DeliveredAt != nil
}

// RetryCandidate is a claimed delivery together with the subscription it belongs to.
type RetryCandidate struct {
	Delivery     Delivery
	Subscription Subscription
}

// Truncate shortens s to at most n characters. Invalid UTF-8 sequences are
// replaced with U+FFFD first so the result is always storable as text.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// NormalizeEvents trims, drops empties and de-duplicates event names, keeping order.
func NormalizeEvents(events []string) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if e == "" || slices.Contains(out, e) {
			continue
		}
		out = append(out, e)
	}
	return out
}
