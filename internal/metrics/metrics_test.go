package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)

	// Record values so every vector shows up in Gather()
	RecordDispatch("test-tenant", 2)
	RecordAttempt("dispatch", 200, true, false, "", 100*time.Millisecond)
	RecordAttempt("reconcile", 500, false, false, "http_5xx", time.Second)
	RecordReconcilePass("ok", 1, 1, 0, time.Second)
	UpdateQueueDepth("events", "dispatchers", 3)
	UpdateDispatcherBacklog(5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}

	expected := []string{
		"harborrelay_events_dispatched_total",
		"harborrelay_subscriptions_matched_total",
		"harborrelay_deliveries_total",
		"harborrelay_attempt_latency_seconds",
		"harborrelay_attempt_failures_total",
		"harborrelay_reconcile_passes_total",
		"harborrelay_reconcile_deliveries_total",
		"harborrelay_reconcile_duration_seconds",
		"harborrelay_queue_depth",
		"harborrelay_dispatcher_backlog",
	}
	registered := make(map[string]bool)
	for _, mf := range families {
		registered[mf.GetName()] = true
	}
	for _, name := range expected {
		if !registered[name] {
			t.Errorf("expected metric %s not found in registry", name)
		}
	}
}

func TestRecordDispatch(t *testing.T) {
	EventsDispatchedTotal.Reset()
	SubscriptionsMatchedTotal.Reset()

	tests := []struct {
		name     string
		tenantID string
		matched  int
		calls    int
	}{
		{name: "single event", tenantID: "tenant-123", matched: 3, calls: 1},
		{name: "repeated events", tenantID: "tenant-456", matched: 2, calls: 4},
		{name: "no match still counts the event", tenantID: "tenant-789", matched: 0, calls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordDispatch(tt.tenantID, tt.matched)
			}
			if got := testutil.ToFloat64(EventsDispatchedTotal.WithLabelValues(tt.tenantID)); got != float64(tt.calls) {
				t.Errorf("events dispatched = %f, want %d", got, tt.calls)
			}
			if got := testutil.ToFloat64(SubscriptionsMatchedTotal.WithLabelValues(tt.tenantID)); got != float64(tt.calls*tt.matched) {
				t.Errorf("subscriptions matched = %f, want %d", got, tt.calls*tt.matched)
			}
		})
	}
}

func TestRecordAttempt(t *testing.T) {
	tests := []struct {
		name        string
		source      string
		status      int
		delivered   bool
		simulated   bool
		reason      string
		wantOutcome string
	}{
		{name: "delivered", source: "dispatch", status: 200, delivered: true, wantOutcome: "delivered"},
		{name: "server error", source: "reconcile", status: 503, reason: "http_5xx", wantOutcome: "failed"},
		{name: "transport failure", source: "dispatch", status: 0, reason: "timeout", wantOutcome: "failed"},
		{name: "simulated", source: "dispatch", status: 200, delivered: true, simulated: true, wantOutcome: "simulated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			DeliveriesTotal.Reset()
			AttemptFailuresTotal.Reset()

			RecordAttempt(tt.source, tt.status, tt.delivered, tt.simulated, tt.reason, 50*time.Millisecond)

			if got := testutil.ToFloat64(DeliveriesTotal.WithLabelValues(tt.wantOutcome, tt.source)); got != 1 {
				t.Errorf("deliveries{%s,%s} = %f, want 1", tt.wantOutcome, tt.source, got)
			}
			wantFailures := 0
			if tt.reason != "" {
				wantFailures = 1
			}
			if got := testutil.CollectAndCount(AttemptFailuresTotal); got != wantFailures {
				t.Errorf("failure series = %d, want %d", got, wantFailures)
			}
		})
	}
}

func TestRecordReconcilePass(t *testing.T) {
	ReconcilePassesTotal.Reset()
	ReconcileDeliveriesTotal.Reset()

	RecordReconcilePass("ok", 4, 3, 1, 2*time.Second)
	RecordReconcilePass("skipped", 0, 0, 0, 0)

	if got := testutil.ToFloat64(ReconcilePassesTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("passes{ok} = %f, want 1", got)
	}
	if got := testutil.ToFloat64(ReconcilePassesTotal.WithLabelValues("skipped")); got != 1 {
		t.Errorf("passes{skipped} = %f, want 1", got)
	}
	wants := map[string]float64{"retried": 4, "recovered": 3, "exhausted": 1}
	for outcome, want := range wants {
		if got := testutil.ToFloat64(ReconcileDeliveriesTotal.WithLabelValues(outcome)); got != want {
			t.Errorf("reconcile deliveries{%s} = %f, want %f", outcome, got, want)
		}
	}
}

func TestGauges(t *testing.T) {
	UpdateQueueDepth("events", "dispatchers", 42)
	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("events", "dispatchers")); got != 42 {
		t.Errorf("queue depth = %f, want 42", got)
	}
	UpdateQueueDepth("events", "dispatchers", 0)
	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("events", "dispatchers")); got != 0 {
		t.Errorf("queue depth = %f, want 0", got)
	}

	UpdateDispatcherBacklog(7)
	if got := testutil.ToFloat64(DispatcherBacklog); got != 7 {
		t.Errorf("dispatcher backlog = %f, want 7", got)
	}
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{
		0:   "none",
		101: "1xx",
		200: "2xx",
		204: "2xx",
		301: "3xx",
		429: "4xx",
		500: "5xx",
		599: "5xx",
	}
	for status, want := range tests {
		if got := StatusClass(status); got != want {
			t.Errorf("StatusClass(%d) = %q, want %q", status, got, want)
		}
	}
}
