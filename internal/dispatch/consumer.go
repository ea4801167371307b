package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/tracing"
	"github.com/austindbirch/harbor_relay/internal/webhook"
)

// Consumer turns queued EventMessages into dispatches. Malformed messages are
// finished; a failed subscription lookup is requeued after RequeueDelay.
type Consumer struct {
	dispatcher   EventDispatcher
	requeueDelay time.Duration
	log          *logging.Logger
	base         context.Context
}

func NewConsumer(ctx context.Context, d EventDispatcher, requeueDelay time.Duration, log *logging.Logger) *Consumer {
	if log == nil {
		log = logging.Default()
	}
	return &Consumer{dispatcher: d, requeueDelay: requeueDelay, log: log, base: ctx}
}

type outcome int

const (
	finish outcome = iota
	requeue
)

// HandleMessage implements nsq.Handler.
func (c *Consumer) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse() // we manually requeue or finish
	switch c.handle(m.Body) {
	case requeue:
		m.Requeue(c.requeueDelay)
	default:
		m.Finish()
	}
	return nil
}

func (c *Consumer) handle(body []byte) outcome {
	var msg EventMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.log.WithContext(c.base).WithError(err).Error("bad event payload")
		return finish // terminal: don't retry bad payloads
	}
	if msg.TenantID == "" || msg.EventType == "" {
		c.log.WithContext(c.base).WithField("message_id", msg.ID).Error("event message missing tenant or event type")
		return finish
	}

	ctx := tracing.ExtractMap(c.base, msg.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "dispatcher.consume",
		attribute.String("message.id", msg.ID),
		attribute.String("tenant.id", msg.TenantID),
		attribute.String("event.type", msg.EventType),
	)
	defer span.End()

	if err := c.dispatcher.Dispatch(ctx, msg.TenantID, msg.EventType, msg.Payload); err != nil {
		tracing.SetSpanError(ctx, err)
		entry := c.log.WithContext(ctx).WithTenant(msg.TenantID).WithEvent(msg.EventType).
			WithField("message_id", msg.ID).WithError(err)
		if errors.Is(err, webhook.ErrInvalid) {
			entry.Error("dropping undeliverable event")
			return finish
		}
		entry.Warn("dispatch failed, requeueing")
		return requeue
	}
	return finish
}
