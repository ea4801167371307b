package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_relay/internal/webhook"
)

const ExhaustedType = "delivery.exhausted"

// ExhaustedNotice announces a delivery that used its last attempt without a 200.
type ExhaustedNotice struct {
	Type           string `json:"type"`    // "delivery.exhausted"
	Version        string `json:"version"` // schema version
	At             string `json:"at"`      // RFC3339 time the notice was emitted
	Reason         string `json:"reason"`
	DeliveryID     string `json:"delivery_id"`
	SubscriptionID string `json:"subscription_id"`
	TenantID       string `json:"tenant_id"`
	EventType      string `json:"event_type"`
	Attempts       int    `json:"attempts"`
	HTTPStatus     int    `json:"http_status"`
	LastResponse   string `json:"last_response,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func NewExhaustedNotice(d webhook.Delivery, reason string, at time.Time) ExhaustedNotice {
	n := ExhaustedNotice{
		Type:           ExhaustedType,
		Version:        "v1",
		At:             at.UTC().Format(time.RFC3339Nano),
		Reason:         reason,
		DeliveryID:     d.ID,
		SubscriptionID: d.SubscriptionID,
		TenantID:       d.TenantID,
		EventType:      d.EventType,
		Attempts:       d.Attempts,
		CreatedAt:      d.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if d.ResponseStatus != nil {
		n.HTTPStatus = *d.ResponseStatus
	}
	if d.ResponseBody != nil {
		n.LastResponse = *d.ResponseBody
	}
	return n
}

// Publisher is the subset of *nsq.Producer used to emit notices.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NoticePublisher writes exhausted notices to a queue topic.
type NoticePublisher struct {
	producer Publisher
	topic    string
}

func NewNoticePublisher(p Publisher, topic string) *NoticePublisher {
	return &NoticePublisher{producer: p, topic: topic}
}

func (p *NoticePublisher) Exhausted(_ context.Context, n ExhaustedNotice) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal exhausted notice: %w", err)
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		return fmt.Errorf("publish exhausted notice to %s: %w", p.topic, err)
	}
	return nil
}
