package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/registry"
	"github.com/austindbirch/harbor_relay/internal/signing"
	"github.com/austindbirch/harbor_relay/internal/store/memstore"
	"github.com/austindbirch/harbor_relay/internal/webhook"
)

func quietLogger() *logging.Logger {
	return logging.New("test").SetOutput(io.Discard)
}

type hit struct {
	path string
	body string
	sig  string
}

type hub struct {
	mu   sync.Mutex
	hits []hit
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	h.hits = append(h.hits, hit{path: r.URL.Path, body: string(b), sig: r.Header.Get(signing.Header)})
	h.mu.Unlock()
	if r.URL.Path == "/down" {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *hub) snapshot() []hit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hit(nil), h.hits...)
}

type env struct {
	store *memstore.Store
	reg   *registry.Service
	disp  *Dispatcher
	hub   *hub
	url   string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	h := &hub{}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	st := memstore.New()
	reg := registry.New(st, quietLogger())
	att := delivery.NewAttempter(st, delivery.Options{Logger: quietLogger()})
	return &env{
		store: st,
		reg:   reg,
		disp:  New(reg, st, att, WithLogger(quietLogger()), WithConcurrency(4)),
		hub:   h,
		url:   srv.URL,
	}
}

func (e *env) subscribe(t *testing.T, tenant, path string, events ...string) webhook.Subscription {
	t.Helper()
	sub, err := e.reg.Create(context.Background(), tenant, registry.CreateInput{URL: e.url + path, Events: events})
	require.NoError(t, err)
	return sub
}

func TestDispatch_FanOutCompleteness(t *testing.T) {
	e := newEnv(t)
	a := e.subscribe(t, "tenant-a", "/a", "deal.won")
	b := e.subscribe(t, "tenant-a", "/b", "*")
	down := e.subscribe(t, "tenant-a", "/down", "deal.won")
	e.subscribe(t, "tenant-a", "/other", "order.paid")
	e.subscribe(t, "tenant-b", "/foreign", "deal.won")

	res, err := e.disp.DispatchWithResult(context.Background(), "tenant-a", "deal.won", map[string]any{"deal_id": "D-9", "amount": 1200})
	require.NoError(t, err)
	assert.Equal(t, Result{Matched: 3, Created: 3}, res)

	deliveries := e.store.Deliveries()
	require.Len(t, deliveries, 3)
	bySub := map[string]webhook.Delivery{}
	for _, d := range deliveries {
		bySub[d.SubscriptionID] = d
		assert.Equal(t, 1, d.Attempts)
		assert.Equal(t, "tenant-a", d.TenantID)
		assert.Equal(t, `{"amount":1200,"deal_id":"D-9"}`, d.Payload)
	}
	assert.True(t, bySub[a.ID].Delivered())
	assert.True(t, bySub[b.ID].Delivered())
	assert.False(t, bySub[down.ID].Delivered())
	assert.Equal(t, 503, *bySub[down.ID].ResponseStatus)
	assert.Nil(t, bySub[down.ID].ClaimedUntil, "recording the attempt releases the creation claim")

	paths := map[string]bool{}
	for _, h := range e.hub.snapshot() {
		paths[h.path] = true
	}
	assert.Equal(t, map[string]bool{"/a": true, "/b": true, "/down": true}, paths)

	touched, err := e.store.GetSubscription(context.Background(), "tenant-a", a.ID)
	require.NoError(t, err)
	assert.NotNil(t, touched.LastTriggeredAt)
}

func TestDispatch_NoMatch(t *testing.T) {
	e := newEnv(t)
	e.subscribe(t, "tenant-a", "/a", "order.paid")

	require.NoError(t, e.disp.Dispatch(context.Background(), "tenant-a", "deal.won", map[string]any{"x": 1}))
	assert.Empty(t, e.store.Deliveries())
	assert.Empty(t, e.hub.snapshot())
}

func TestDispatch_IdenticalPayloadPerSubscriber(t *testing.T) {
	e := newEnv(t)
	s1 := e.subscribe(t, "t", "/1", "order.paid")
	s2 := e.subscribe(t, "t", "/2", "order.paid")

	payload := json.RawMessage(`{ "order_id": "O-1",  "total": 99.5, "note": "<b>" }`)
	require.NoError(t, e.disp.Dispatch(context.Background(), "t", "order.paid", payload))

	hits := e.hub.snapshot()
	require.Len(t, hits, 2)
	assert.Equal(t, hits[0].body, hits[1].body)
	assert.Equal(t, `{"order_id":"O-1","total":99.5,"note":"<b>"}`, hits[0].body)

	secrets := map[string]string{"/1": s1.Secret, "/2": s2.Secret}
	for _, h := range hits {
		assert.Equal(t, signing.Sign(h.body, secrets[h.path]), h.sig)
	}
}

type failingRegistry struct{}

func (failingRegistry) ListActive(context.Context, string, string) ([]webhook.Subscription, error) {
	return nil, errors.New("connection reset")
}

func TestDispatch_LookupFailure(t *testing.T) {
	st := memstore.New()
	d := New(failingRegistry{}, st, delivery.NewAttempter(st, delivery.Options{Simulate: true, Logger: quietLogger()}), WithLogger(quietLogger()))

	err := d.Dispatch(context.Background(), "t", "deal.won", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

type flakyLedger struct {
	*memstore.Store
	failFor string
}

func (f *flakyLedger) CreateDelivery(ctx context.Context, d *webhook.Delivery) error {
	if d.SubscriptionID == f.failFor {
		return errors.New("insert failed")
	}
	return f.Store.CreateDelivery(ctx, d)
}

func TestDispatch_PerSubscriptionIsolation(t *testing.T) {
	e := newEnv(t)
	bad := e.subscribe(t, "t", "/bad", "deal.won")
	good := e.subscribe(t, "t", "/good", "deal.won")

	ledger := &flakyLedger{Store: e.store, failFor: bad.ID}
	att := delivery.NewAttempter(e.store, delivery.Options{Logger: quietLogger()})
	d := New(e.reg, ledger, att, WithLogger(quietLogger()))

	res, err := d.DispatchWithResult(context.Background(), "t", "deal.won", map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, Result{Matched: 2, Created: 1, Failures: 1}, res)

	deliveries := e.store.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, good.ID, deliveries[0].SubscriptionID)
	assert.True(t, deliveries[0].Delivered())
}

func TestDispatch_CreationClaim(t *testing.T) {
	st := memstore.New()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	sub := webhook.Subscription{TenantID: "t", URL: "http://example.invalid", Secret: "k", Events: []string{"*"}, Active: true}
	require.NoError(t, st.CreateSubscription(context.Background(), &sub))

	var seen webhook.Delivery
	probe := deliverFunc(func(_ context.Context, d *webhook.Delivery, _ webhook.Subscription) error {
		seen = *d
		return nil
	})
	d := New(registry.New(st, quietLogger()), st, probe, WithClock(func() time.Time { return now }), WithLogger(quietLogger()))
	require.NoError(t, d.Dispatch(context.Background(), "t", "x", map[string]any{}))

	require.NotNil(t, seen.ClaimedUntil)
	assert.Equal(t, now.Add(webhook.DefaultClaimLease), *seen.ClaimedUntil)
	assert.Equal(t, now, seen.CreatedAt)

	claimed, err := st.ClaimRetryable(context.Background(), webhook.DefaultPolicy().ClaimQuery(now.Add(time.Second), 10))
	require.NoError(t, err)
	assert.Empty(t, claimed, "a fresh delivery must not be claimable while attempt #1 runs")
}

type deliverFunc func(context.Context, *webhook.Delivery, webhook.Subscription) error

func (f deliverFunc) Deliver(ctx context.Context, d *webhook.Delivery, s webhook.Subscription) error {
	return f(ctx, d, s)
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    string
		wantErr bool
	}{
		{name: "map keys sorted", in: map[string]any{"b": 1, "a": "x"}, want: `{"a":"x","b":1}`},
		{name: "raw compacted", in: json.RawMessage("{\n  \"z\": 1,\n  \"a\": [1, 2]\n}"), want: `{"z":1,"a":[1,2]}`},
		{name: "bytes compacted", in: []byte(` [1, 2] `), want: `[1,2]`},
		{name: "no html escaping", in: map[string]string{"html": "<a href='x'>&</a>"}, want: `{"html":"<a href='x'>&</a>"}`},
		{name: "struct", in: struct {
			ID string `json:"id"`
		}{ID: "D-1"}, want: `{"id":"D-1"}`},
		{name: "nil", in: nil, want: `null`},
		{name: "invalid raw", in: json.RawMessage(`{"a":`), wantErr: true},
		{name: "unsupported value", in: map[string]any{"c": make(chan int)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, webhook.ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
	ctxs  []context.Context
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, tenantID, eventType string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, _ := Canonicalize(payload)
	r.calls = append(r.calls, tenantID+"|"+eventType+"|"+b)
	r.ctxs = append(r.ctxs, ctx)
	return r.err
}

func TestAsyncNotifier(t *testing.T) {
	rd := &recordingDispatcher{}
	n := NewAsyncNotifier(rd, 2, 16, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Notify(ctx, "t", "deal.won", map[string]int{"a": 1}))
	require.NoError(t, n.Notify(ctx, "t", "order.paid", json.RawMessage(`{"b": 2}`)))
	cancel()
	n.Close()

	assert.ElementsMatch(t, []string{`t|deal.won|{"a":1}`, `t|order.paid|{"b":2}`}, rd.calls)
	for _, c := range rd.ctxs {
		assert.NoError(t, c.Err(), "dispatch must outlive the caller's context")
	}

	assert.ErrorIs(t, n.Notify(context.Background(), "t", "x", 1), ErrClosed)
	assert.ErrorIs(t, NewAsyncNotifier(rd, 1, 1, quietLogger()).Notify(context.Background(), "t", "x", json.RawMessage(`{`)), webhook.ErrInvalid)
}

type blockingDispatcher struct{ release chan struct{} }

func (b blockingDispatcher) Dispatch(context.Context, string, string, any) error {
	<-b.release
	return nil
}

func TestAsyncNotifier_QueueFull(t *testing.T) {
	bd := blockingDispatcher{release: make(chan struct{})}
	n := NewAsyncNotifier(bd, 1, 1, quietLogger())

	var full bool
	for i := 0; i < 5; i++ {
		if err := n.Notify(context.Background(), "t", "x", i); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	assert.True(t, full)
	close(bd.release)
	n.Close()
}

type recordingPublisher struct {
	topic string
	body  []byte
	err   error
}

func (p *recordingPublisher) Publish(topic string, body []byte) error {
	p.topic, p.body = topic, body
	return p.err
}

func TestQueueNotifier(t *testing.T) {
	pub := &recordingPublisher{}
	q := NewQueueNotifier(pub, "events")

	require.NoError(t, q.Notify(context.Background(), "tenant-a", "deal.won", map[string]any{"deal_id": "D-1"}))
	assert.Equal(t, "events", pub.topic)

	var msg EventMessage
	require.NoError(t, json.Unmarshal(pub.body, &msg))
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "tenant-a", msg.TenantID)
	assert.Equal(t, "deal.won", msg.EventType)
	assert.JSONEq(t, `{"deal_id":"D-1"}`, string(msg.Payload))
	_, err := time.Parse(time.RFC3339, msg.PublishedAt)
	assert.NoError(t, err)

	pub.err = errors.New("nsqd unreachable")
	assert.Error(t, q.Notify(context.Background(), "t", "x", 1))
}

func TestQueueNotifier_KeepsPayloadBytes(t *testing.T) {
	pub := &recordingPublisher{}
	q := NewQueueNotifier(pub, "events")
	payload := json.RawMessage(`{"note": "<b>Tom & Jerry</b>"}`)

	require.NoError(t, q.Notify(context.Background(), "tenant-a", "deal.won", payload))
	assert.Contains(t, string(pub.body), `"note":"<b>Tom & Jerry</b>"`)

	var msg EventMessage
	require.NoError(t, json.Unmarshal(pub.body, &msg))
	fromQueue, err := Canonicalize(msg.Payload)
	require.NoError(t, err)
	direct, err := Canonicalize(payload)
	require.NoError(t, err)
	assert.Equal(t, direct, fromQueue, "queued and in-process dispatch sign the same bytes")
}

type fakeDelegate struct {
	finished bool
	requeued bool
	delay    time.Duration
}

func (f *fakeDelegate) OnFinish(*nsq.Message) { f.finished = true }
func (f *fakeDelegate) OnRequeue(_ *nsq.Message, d time.Duration, _ bool) {
	f.requeued, f.delay = true, d
}
func (f *fakeDelegate) OnTouch(*nsq.Message) {}

func TestConsumer_HandleMessage(t *testing.T) {
	good, _ := json.Marshal(EventMessage{ID: "m1", TenantID: "t", EventType: "deal.won", Payload: json.RawMessage(`{"a":1}`)})
	missing, _ := json.Marshal(EventMessage{ID: "m2", EventType: "deal.won", Payload: json.RawMessage(`{}`)})

	tests := []struct {
		name        string
		body        []byte
		dispatchErr error
		wantCalls   int
		wantRequeue bool
	}{
		{name: "dispatched", body: good, wantCalls: 1},
		{name: "malformed json", body: []byte("{nope"), wantCalls: 0},
		{name: "missing tenant", body: missing, wantCalls: 0},
		{name: "lookup failure requeues", body: good, dispatchErr: errors.New("db down"), wantCalls: 1, wantRequeue: true},
		{name: "invalid payload finishes", body: good, dispatchErr: webhook.ErrInvalid, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rd := &recordingDispatcher{err: tt.dispatchErr}
			c := NewConsumer(context.Background(), rd, 5*time.Second, quietLogger())

			del := &fakeDelegate{}
			m := nsq.NewMessage(nsq.MessageID{}, tt.body)
			m.Delegate = del

			require.NoError(t, c.HandleMessage(m))
			assert.Len(t, rd.calls, tt.wantCalls)
			assert.Equal(t, tt.wantRequeue, del.requeued)
			assert.Equal(t, !tt.wantRequeue, del.finished)
			if tt.wantRequeue {
				assert.Equal(t, 5*time.Second, del.delay)
			}
		})
	}
}
