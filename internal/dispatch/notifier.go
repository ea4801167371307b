package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// ErrQueueFull is returned by AsyncNotifier when its buffer is saturated.
var ErrQueueFull = errors.New("dispatch queue full")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("notifier closed")

// Notifier is the fire-and-forget surface offered to event producers. Notify
// only enqueues; delivery outcomes never flow back to the caller.
type Notifier interface {
	Notify(ctx context.Context, tenantID, eventType string, payload any) error
}

// EventDispatcher is implemented by *Dispatcher.
type EventDispatcher interface {
	Dispatch(ctx context.Context, tenantID, eventType string, payload any) error
}

type job struct {
	ctx       context.Context
	tenantID  string
	eventType string
	payload   json.RawMessage
}

// AsyncNotifier dispatches in-process on a fixed set of worker goroutines.
type AsyncNotifier struct {
	dispatcher EventDispatcher
	log        *logging.Logger
	jobs       chan job
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
}

func NewAsyncNotifier(d EventDispatcher, workers, buffer int, log *logging.Logger) *AsyncNotifier {
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = logging.Default()
	}
	n := &AsyncNotifier{dispatcher: d, log: log, jobs: make(chan job, buffer)}
	n.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go n.worker()
	}
	return n
}

// Notify canonicalizes payload and queues it. The dispatch runs detached from
// ctx cancellation but keeps its trace.
func (n *AsyncNotifier) Notify(ctx context.Context, tenantID, eventType string, payload any) error {
	body, err := Canonicalize(payload)
	if err != nil {
		return err
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrClosed
	}
	select {
	case n.jobs <- job{ctx: context.WithoutCancel(ctx), tenantID: tenantID, eventType: eventType, payload: json.RawMessage(body)}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (n *AsyncNotifier) worker() {
	defer n.wg.Done()
	for j := range n.jobs {
		if err := n.dispatcher.Dispatch(j.ctx, j.tenantID, j.eventType, j.payload); err != nil {
			n.log.WithContext(j.ctx).WithTenant(j.tenantID).WithEvent(j.eventType).WithError(err).Error("async dispatch failed")
		}
	}
}

// Close stops accepting events and waits for queued ones to finish.
func (n *AsyncNotifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.jobs)
	n.mu.Unlock()
	n.wg.Wait()
}

// Publisher is the subset of *nsq.Producer used by QueueNotifier.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// QueueNotifier publishes events to an NSQ topic consumed by the dispatcher service.
type QueueNotifier struct {
	producer Publisher
	topic    string
	now      func() time.Time
}

func NewQueueNotifier(p Publisher, topic string) *QueueNotifier {
	return &QueueNotifier{producer: p, topic: topic, now: time.Now}
}

func (q *QueueNotifier) Notify(ctx context.Context, tenantID, eventType string, payload any) error {
	body, err := Canonicalize(payload)
	if err != nil {
		return err
	}
	msg := EventMessage{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		EventType:    eventType,
		Payload:      json.RawMessage(body),
		PublishedAt:  q.now().UTC().Format(time.RFC3339),
		TraceHeaders: tracing.InjectMap(ctx),
	}
	b, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("marshal event message: %w", err)
	}
	tracing.AddSpanEvent(ctx, "nsq.publish_event")
	if err := q.producer.Publish(q.topic, b); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("publish to %s: %w", q.topic, err)
	}
	return nil
}
