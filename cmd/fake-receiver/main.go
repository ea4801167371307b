package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/austindbirch/harbor_relay/internal/delivery"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/signing"
)

// receiver is a local webhook endpoint for exercising retries end to end.
type receiver struct {
	secret     string
	failFirstN int
	status     int           // answer every accepted request with this status instead of 200
	delay      time.Duration // sleep before answering
	log        *logging.Logger

	mu       sync.Mutex
	requests int
	accepted int
	attempts map[string]int // delivery ID -> times seen
}

type receiverStats struct {
	Requests   int `json:"requests"`
	Accepted   int `json:"accepted"`
	Deliveries int `json:"deliveries"`
	Duplicates int `json:"duplicates"`
}

func newReceiver(secret string, failFirstN int, log *logging.Logger) *receiver {
	return &receiver{secret: secret, failFirstN: failFirstN, log: log, attempts: make(map[string]int)}
}

func main() {
	failFirstN := 0
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	addr := os.Getenv("RECEIVER_ADDR")
	if addr == "" {
		addr = ":8081"
	}

	logger := logging.New("fake-receiver")
	rcv := newReceiver(os.Getenv("ENDPOINT_SECRET"), failFirstN, logger)
	if v, err := strconv.Atoi(os.Getenv("STATUS_OVERRIDE")); err == nil && v >= 100 && v <= 599 {
		rcv.status = v
	}
	if d, err := time.ParseDuration(os.Getenv("RESPONSE_DELAY")); err == nil {
		rcv.delay = d
	}

	srv := &http.Server{Addr: addr, Handler: rcv.routes(), ReadHeaderTimeout: 10 * time.Second}
	logger.Plain().WithFields(map[string]any{"addr": addr, "fail_first_n": failFirstN}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake-receiver stopped")
	}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rc.handleHook)
	mux.HandleFunc("/stats", rc.handleStats)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	deliveryID := r.Header.Get(delivery.DeliveryHeader)
	entry := rc.log.WithContext(r.Context()).WithDelivery(deliveryID).
		WithEvent(r.Header.Get(delivery.EventHeader)).
		WithField("retry", r.Header.Get(delivery.RetryHeader))

	if rc.secret != "" && !signing.Verify(b, rc.secret, r.Header.Get(signing.Header)) {
		entry.Warn("signature mismatch")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	rc.mu.Lock()
	rc.requests++
	n := rc.requests
	seen := rc.attempts[deliveryID]
	rc.attempts[deliveryID] = seen + 1
	fail := n <= rc.failFirstN
	if !fail {
		rc.accepted++
	}
	rc.mu.Unlock()

	if rc.delay > 0 {
		select {
		case <-time.After(rc.delay):
		case <-r.Context().Done():
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if fail {
		entry.Infof("FAILING (%d/%d) body=%s", n, rc.failFirstN, truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if rc.status != 0 {
		status = rc.status
	}
	entry.WithFields(map[string]any{"seen_before": seen, "status": status}).Infof("answered body=%s", truncate(string(b), 160))
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`ok`))
}

func (rc *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rc.stats())
}

func (rc *receiver) stats() receiverStats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	st := receiverStats{Requests: rc.requests, Accepted: rc.accepted, Deliveries: len(rc.attempts)}
	for _, n := range rc.attempts {
		if n > 1 {
			st.Duplicates += n - 1
		}
	}
	return st
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
